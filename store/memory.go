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
	"sync"

	"github.com/agentvillage/update-pipeline/registry"
)

type MemoryStore struct {
	mu   sync.Mutex
	snap registry.Snapshot
	has  bool
}

// NewMemoryStore creates a new MemoryStore instance.
// MemoryStore keeps the last snapshot in process memory. It is suitable for
// testing or scenarios where persistence is not required.
func NewMemoryStore() (Store, error) {
	return &MemoryStore{}, nil
}

func (s *MemoryStore) Save(snap registry.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.has = true
	return nil
}

func (s *MemoryStore) Load() (registry.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.has, nil
}

func (s *MemoryStore) Shutdown() error {
	return nil
}
