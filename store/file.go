/*
Copyright 2025 The update-pipeline authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"

	"github.com/agentvillage/update-pipeline/registry"
)

type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store writing snapshots as JSON to path. Writes go
// through a temp file and rename so a crash never leaves a torn snapshot.
func NewFileStore(path string) (Store, error) {
	if path == "" {
		return nil, trace.BadParameter("file store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, trace.Wrap(err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Save(snap registry.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(os.Rename(tmp, s.path))
}

func (s *FileStore) Load() (registry.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return registry.Snapshot{}, false, nil
	}
	if err != nil {
		return registry.Snapshot{}, false, trace.Wrap(err)
	}
	var snap registry.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return registry.Snapshot{}, false, trace.Wrap(err)
	}
	return snap, true, nil
}

func (s *FileStore) Shutdown() error {
	return nil
}
