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
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/agentvillage/update-pipeline/events"
	"github.com/agentvillage/update-pipeline/service"
)

// EventType names a registry event
type EventType string

const (
	EventVersionRegistered EventType = "version_registered"
	EventBuildRegistered   EventType = "build_registered"
	EventBuildPromoted     EventType = "build_promoted"
	EventBuildDeprecated   EventType = "build_deprecated"
	EventBuildMarkedBad    EventType = "build_marked_bad"
	EventCompatResultAdded EventType = "compat_result_added"
)

// Event is the registry emitter payload
type Event struct {
	Type    EventType
	Version *service.RuntimeVersion
	Build   *service.RunnerBuild
	Entry   *service.KnownGoodEntry
	Result  *service.CompatibilityResult
	Reason  string
}

// Config holds the registry retention knobs
type Config struct {
	// MaxVersionsPerProvider caps stored versions per provider; versions
	// referenced by known_good builds are never trimmed
	MaxVersionsPerProvider int
	// MaxBuilds caps stored builds; known_good builds are never trimmed
	MaxBuilds int
	// AutoDeprecateDays ages out known_good and testing builds
	AutoDeprecateDays int
}

func (c *Config) setDefaults() {
	if c.MaxVersionsPerProvider <= 0 {
		c.MaxVersionsPerProvider = 20
	}
	if c.MaxBuilds <= 0 {
		c.MaxBuilds = 100
	}
	if c.AutoDeprecateDays <= 0 {
		c.AutoDeprecateDays = 90
	}
}

// Registry is the in-memory catalog of provider versions and runner builds
// with promotion lifecycle and recommendation computation. It owns its data
// exclusively; accessors return copies.
type Registry struct {
	cfg     Config
	clock   clockwork.Clock
	emitter *events.Emitter[Event]

	mu       sync.RWMutex
	versions map[string]map[string]service.RuntimeVersion
	builds   map[string]service.RunnerBuild
	entries  map[string]*service.KnownGoodEntry
}

// New creates a Registry
func New(cfg Config, clock clockwork.Clock) *Registry {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		cfg:      cfg,
		clock:    clock,
		emitter:  events.NewEmitter[Event]("registry"),
		versions: make(map[string]map[string]service.RuntimeVersion),
		builds:   make(map[string]service.RunnerBuild),
		entries:  make(map[string]*service.KnownGoodEntry),
	}
}

// Events exposes the registry emitter
func (r *Registry) Events() *events.Emitter[Event] {
	return r.emitter
}

// RegisterVersion inserts or replaces a provider version, then trims the
// oldest versions beyond MaxVersionsPerProvider. A version bundled by a
// known_good build survives trimming regardless of age.
func (r *Registry) RegisterVersion(v service.RuntimeVersion) error {
	if v.ProviderID == "" || v.Version == "" {
		return trace.BadParameter("version requires providerId and version")
	}
	r.mu.Lock()
	byVersion, ok := r.versions[v.ProviderID]
	if !ok {
		byVersion = make(map[string]service.RuntimeVersion)
		r.versions[v.ProviderID] = byVersion
	}
	byVersion[v.Version] = v
	r.trimVersionsLocked(v.ProviderID)
	r.mu.Unlock()

	log.Debug().Str("provider", v.ProviderID).Str("version", v.Version).Msg("Registered runtime version")
	r.emitter.Emit(Event{Type: EventVersionRegistered, Version: &v})
	return nil
}

// MarkVersionCanaryPassed records a passed canary against a stored version.
// Anything other than a passed result leaves the version untouched.
func (r *Registry) MarkVersionCanaryPassed(providerID, version string, result service.CanaryTestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion, ok := r.versions[providerID]
	if !ok {
		return trace.NotFound("unknown provider %q", providerID)
	}
	v, ok := byVersion[version]
	if !ok {
		return trace.NotFound("unknown version %q for provider %q", version, providerID)
	}
	if result.Status != service.TestPassed {
		return nil
	}
	now := r.clock.Now()
	v.CanaryPassed = true
	v.CanaryPassedAt = &now
	byVersion[version] = v
	return nil
}

// RegisterBuild stores an immutable build and opens its lifecycle entry at
// testing. Duplicate build ids are rejected.
func (r *Registry) RegisterBuild(build service.RunnerBuild) error {
	if build.BuildID == "" {
		return trace.BadParameter("build requires buildId")
	}
	r.mu.Lock()
	if _, ok := r.builds[build.BuildID]; ok {
		r.mu.Unlock()
		return trace.AlreadyExists("build %q already registered", build.BuildID)
	}
	if build.BuiltAt.IsZero() {
		build.BuiltAt = r.clock.Now()
	}
	r.builds[build.BuildID] = build
	entry := &service.KnownGoodEntry{
		EntryID:        uuid.NewString(),
		BuildID:        build.BuildID,
		Status:         service.BuildTesting,
		Recommendation: service.RecAcceptable,
	}
	r.entries[build.BuildID] = entry
	r.trimBuildsLocked()
	entryCopy := *entry
	r.mu.Unlock()

	log.Debug().Str("build", build.BuildID).Msg("Registered runner build")
	r.emitter.Emit(Event{Type: EventBuildRegistered, Build: &build, Entry: &entryCopy})
	return nil
}

// AddCompatibilityResult appends a result and recomputes the recommendation
// from it. A known_bad build stays blocked.
func (r *Registry) AddCompatibilityResult(buildID string, result service.CompatibilityResult) error {
	r.mu.Lock()
	entry, ok := r.entries[buildID]
	if !ok {
		r.mu.Unlock()
		return trace.NotFound("unknown build %q", buildID)
	}
	if result.ResultID == "" {
		result.ResultID = uuid.NewString()
	}
	result.BuildID = buildID
	if result.TestedAt.IsZero() {
		result.TestedAt = r.clock.Now()
	}
	entry.CompatResults = append(entry.CompatResults, result)
	if entry.Status != service.BuildKnownBad {
		switch result.Status {
		case service.CompatCompatible, service.CompatPartial:
			entry.Recommendation = service.RecAcceptable
		default:
			entry.Recommendation = service.RecNotRecommended
		}
	}
	entryCopy := *entry
	r.mu.Unlock()

	r.emitter.Emit(Event{Type: EventCompatResultAdded, Entry: &entryCopy, Result: &result})
	return nil
}

// PromoteBuild moves a build to known_good. At least one compatible result
// must exist.
func (r *Registry) PromoteBuild(buildID string) error {
	r.mu.Lock()
	entry, ok := r.entries[buildID]
	if !ok {
		r.mu.Unlock()
		return trace.NotFound("unknown build %q", buildID)
	}
	if len(entry.CompatResults) == 0 {
		r.mu.Unlock()
		return trace.BadParameter("build %q has no compatibility results", buildID)
	}
	compatible := false
	for _, res := range entry.CompatResults {
		if res.Status == service.CompatCompatible {
			compatible = true
			break
		}
	}
	if !compatible {
		r.mu.Unlock()
		return trace.BadParameter("build %q has no compatible result", buildID)
	}
	now := r.clock.Now()
	entry.Status = service.BuildKnownGood
	entry.PromotedAt = &now
	entry.Recommendation = service.RecRecommended
	entryCopy := *entry
	r.mu.Unlock()

	log.Info().Str("build", buildID).Msg("Build promoted to known_good")
	r.emitter.Emit(Event{Type: EventBuildPromoted, Entry: &entryCopy})
	return nil
}

// DeprecateBuild retires a build from recommendation, from any state
func (r *Registry) DeprecateBuild(buildID, reason string) error {
	r.mu.Lock()
	entry, ok := r.entries[buildID]
	if !ok {
		r.mu.Unlock()
		return trace.NotFound("unknown build %q", buildID)
	}
	now := r.clock.Now()
	entry.Status = service.BuildDeprecated
	entry.DeprecatedAt = &now
	entry.DeprecationReason = reason
	entry.Recommendation = service.RecNotRecommended
	entryCopy := *entry
	r.mu.Unlock()

	log.Info().Str("build", buildID).Str("reason", reason).Msg("Build deprecated")
	r.emitter.Emit(Event{Type: EventBuildDeprecated, Entry: &entryCopy, Reason: reason})
	return nil
}

// MarkBuildBad blocks a build from every recommendation, from any state
func (r *Registry) MarkBuildBad(buildID, reason string) error {
	r.mu.Lock()
	entry, ok := r.entries[buildID]
	if !ok {
		r.mu.Unlock()
		return trace.NotFound("unknown build %q", buildID)
	}
	entry.Status = service.BuildKnownBad
	entry.DeprecationReason = reason
	entry.Recommendation = service.RecBlocked
	entryCopy := *entry
	r.mu.Unlock()

	log.Warn().Str("build", buildID).Str("reason", reason).Msg("Build marked known_bad")
	r.emitter.Emit(Event{Type: EventBuildMarkedBad, Entry: &entryCopy, Reason: reason})
	return nil
}

// RecommendedBuild picks the per-channel default build. Pinned channels have
// no recommendation; orgs on pinned use their pinnedBuildId.
func (r *Registry) RecommendedBuild(channel service.Channel) (service.RunnerBuild, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch channel {
	case service.ChannelStable:
		var best *service.KnownGoodEntry
		for _, entry := range r.entries {
			if entry.Status != service.BuildKnownGood || entry.Recommendation != service.RecRecommended {
				continue
			}
			if best == nil || promotedAfter(entry, best) {
				best = entry
			}
		}
		if best == nil {
			return service.RunnerBuild{}, trace.NotFound("no recommended build for channel %q", channel)
		}
		return r.builds[best.BuildID], nil
	case service.ChannelBeta:
		var best *service.RunnerBuild
		for id, entry := range r.entries {
			if entry.Status != service.BuildKnownGood && entry.Status != service.BuildTesting {
				continue
			}
			if entry.Recommendation == service.RecBlocked || entry.Recommendation == service.RecNotRecommended {
				continue
			}
			build := r.builds[id]
			if best == nil || builtAfter(build, *best) {
				b := build
				best = &b
			}
		}
		if best == nil {
			return service.RunnerBuild{}, trace.NotFound("no recommended build for channel %q", channel)
		}
		return *best, nil
	case service.ChannelPinned:
		return service.RunnerBuild{}, trace.BadParameter("channel %q has no recommendation", channel)
	default:
		return service.RunnerBuild{}, trace.BadParameter("unknown channel %q", channel)
	}
}

// FindCompatibleBuilds returns every build bundling a version of the given
// provider that equals the requested version or satisfies its caret range,
// newest first.
func (r *Registry) FindCompatibleBuilds(providerID, version string) []service.RunnerBuild {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []service.RunnerBuild
	for _, build := range r.builds {
		bundled, ok := build.RuntimeVersions[providerID]
		if !ok {
			continue
		}
		if bundled == version || caretSatisfies(bundled, version) {
			out = append(out, build)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BuiltAt.Equal(out[j].BuiltAt) {
			return out[i].BuiltAt.After(out[j].BuiltAt)
		}
		return out[i].BuildID < out[j].BuildID
	})
	return out
}

// AutoDeprecate ages out known_good and testing builds older than
// AutoDeprecateDays. Returns the number of builds deprecated.
func (r *Registry) AutoDeprecate() int {
	cutoff := r.clock.Now().Add(-time.Duration(r.cfg.AutoDeprecateDays) * 24 * time.Hour)
	r.mu.RLock()
	var aged []string
	for id, entry := range r.entries {
		if entry.Status != service.BuildKnownGood && entry.Status != service.BuildTesting {
			continue
		}
		if r.builds[id].BuiltAt.Before(cutoff) {
			aged = append(aged, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(aged)
	for _, id := range aged {
		if err := r.DeprecateBuild(id, "Auto-deprecated due to age"); err != nil {
			log.Error().Err(err).Str("build", id).Msg("Auto-deprecation failed")
		}
	}
	return len(aged)
}

// Versions returns the stored versions of a provider, newest first
func (r *Registry) Versions(providerID string) []service.RuntimeVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedVersionsLocked(providerID)
}

// LatestVersion returns the newest stored version of a provider
func (r *Registry) LatestVersion(providerID string) (service.RuntimeVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sorted := r.sortedVersionsLocked(providerID)
	if len(sorted) == 0 {
		return service.RuntimeVersion{}, trace.NotFound("no versions for provider %q", providerID)
	}
	return sorted[0], nil
}

// Version returns one stored version
func (r *Registry) Version(providerID, version string) (service.RuntimeVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[providerID][version]
	if !ok {
		return service.RuntimeVersion{}, trace.NotFound("unknown version %q for provider %q", version, providerID)
	}
	return v, nil
}

// Build returns one stored build
func (r *Registry) Build(buildID string) (service.RunnerBuild, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	build, ok := r.builds[buildID]
	if !ok {
		return service.RunnerBuild{}, trace.NotFound("unknown build %q", buildID)
	}
	return build, nil
}

// Builds returns every stored build, newest first
func (r *Registry) Builds() []service.RunnerBuild {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]service.RunnerBuild, 0, len(r.builds))
	for _, b := range r.builds {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BuiltAt.Equal(out[j].BuiltAt) {
			return out[i].BuiltAt.After(out[j].BuiltAt)
		}
		return out[i].BuildID < out[j].BuildID
	})
	return out
}

// Entry returns the lifecycle entry of a build
func (r *Registry) Entry(buildID string) (service.KnownGoodEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[buildID]
	if !ok {
		return service.KnownGoodEntry{}, trace.NotFound("unknown build %q", buildID)
	}
	cp := *entry
	cp.CompatResults = append([]service.CompatibilityResult(nil), entry.CompatResults...)
	return cp, nil
}

// sortedVersionsLocked orders a provider's versions by descending semver,
// with the literal version string as the final tie-break.
func (r *Registry) sortedVersionsLocked(providerID string) []service.RuntimeVersion {
	byVersion := r.versions[providerID]
	out := make([]service.RuntimeVersion, 0, len(byVersion))
	for _, v := range byVersion {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := compareVersions(out[i].Version, out[j].Version); c != 0 {
			return c > 0
		}
		return out[i].Version > out[j].Version
	})
	return out
}

func (r *Registry) trimVersionsLocked(providerID string) {
	byVersion := r.versions[providerID]
	if len(byVersion) <= r.cfg.MaxVersionsPerProvider {
		return
	}
	protected := make(map[string]bool)
	for id, entry := range r.entries {
		if entry.Status != service.BuildKnownGood {
			continue
		}
		if v, ok := r.builds[id].RuntimeVersions[providerID]; ok {
			protected[v] = true
		}
	}
	sorted := r.sortedVersionsLocked(providerID)
	for _, v := range sorted[r.cfg.MaxVersionsPerProvider:] {
		if protected[v.Version] {
			continue
		}
		delete(byVersion, v.Version)
	}
}

func (r *Registry) trimBuildsLocked() {
	if len(r.builds) <= r.cfg.MaxBuilds {
		return
	}
	var evictable []service.RunnerBuild
	for id, entry := range r.entries {
		if entry.Status == service.BuildKnownGood {
			continue
		}
		evictable = append(evictable, r.builds[id])
	}
	// oldest first, buildId as final tie-break
	sort.Slice(evictable, func(i, j int) bool {
		if !evictable[i].BuiltAt.Equal(evictable[j].BuiltAt) {
			return evictable[i].BuiltAt.Before(evictable[j].BuiltAt)
		}
		return evictable[i].BuildID < evictable[j].BuildID
	})
	for _, b := range evictable {
		if len(r.builds) <= r.cfg.MaxBuilds {
			return
		}
		delete(r.builds, b.BuildID)
		delete(r.entries, b.BuildID)
	}
}

func promotedAfter(a, b *service.KnownGoodEntry) bool {
	at, bt := time.Time{}, time.Time{}
	if a.PromotedAt != nil {
		at = *a.PromotedAt
	}
	if b.PromotedAt != nil {
		bt = *b.PromotedAt
	}
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.BuildID > b.BuildID
}

func builtAfter(a, b service.RunnerBuild) bool {
	if !a.BuiltAt.Equal(b.BuiltAt) {
		return a.BuiltAt.After(b.BuiltAt)
	}
	return a.BuildID > b.BuildID
}
