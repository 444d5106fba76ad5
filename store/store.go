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
	"github.com/agentvillage/update-pipeline/registry"
)

// Store persists registry snapshots across process restarts. The server
// loads one snapshot at startup and saves one on shutdown; implementations
// may additionally checkpoint whenever they like.
type Store interface {
	// Save persists a snapshot, replacing any previous one
	Save(snap registry.Snapshot) error
	// Load returns the last saved snapshot; ok is false when none exists
	Load() (snap registry.Snapshot, ok bool, err error)
	// Shutdown releases the store
	Shutdown() error
}
