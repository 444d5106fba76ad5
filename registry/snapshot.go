package registry

import (
	"github.com/gravitational/trace"

	"github.com/agentvillage/update-pipeline/service"
)

// Snapshot is the full serializable registry state. Export and Import form
// the entire persistence surface; any backing store may hold a Snapshot.
type Snapshot struct {
	Versions []service.RuntimeVersion `json:"versions"`
	Builds   []service.RunnerBuild    `json:"builds"`
	Entries  []service.KnownGoodEntry `json:"entries"`
}

// Export captures the registry state
func (r *Registry) Export() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var snap Snapshot
	for _, byVersion := range r.versions {
		for _, v := range byVersion {
			snap.Versions = append(snap.Versions, v)
		}
	}
	for _, b := range r.builds {
		snap.Builds = append(snap.Builds, b)
	}
	for _, e := range r.entries {
		cp := *e
		cp.CompatResults = append([]service.CompatibilityResult(nil), e.CompatResults...)
		snap.Entries = append(snap.Entries, cp)
	}
	return snap
}

// Import replaces the registry state with a snapshot. Importing the output
// of Export yields an observationally equivalent registry.
func (r *Registry) Import(snap Snapshot) error {
	builds := make(map[string]service.RunnerBuild, len(snap.Builds))
	for _, b := range snap.Builds {
		if b.BuildID == "" {
			return trace.BadParameter("snapshot build without buildId")
		}
		builds[b.BuildID] = b
	}
	entries := make(map[string]*service.KnownGoodEntry, len(snap.Entries))
	for _, e := range snap.Entries {
		if _, ok := builds[e.BuildID]; !ok {
			return trace.BadParameter("snapshot entry for unknown build %q", e.BuildID)
		}
		cp := e
		cp.CompatResults = append([]service.CompatibilityResult(nil), e.CompatResults...)
		entries[e.BuildID] = &cp
	}
	versions := make(map[string]map[string]service.RuntimeVersion)
	for _, v := range snap.Versions {
		if v.ProviderID == "" || v.Version == "" {
			return trace.BadParameter("snapshot version without providerId or version")
		}
		byVersion, ok := versions[v.ProviderID]
		if !ok {
			byVersion = make(map[string]service.RuntimeVersion)
			versions[v.ProviderID] = byVersion
		}
		byVersion[v.Version] = v
	}

	r.mu.Lock()
	r.versions = versions
	r.builds = builds
	r.entries = entries
	r.mu.Unlock()
	return nil
}
