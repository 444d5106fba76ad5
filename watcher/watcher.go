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
package watcher

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/agentvillage/update-pipeline/events"
)

// EventType names a watcher event
type EventType string

const (
	// EventVersionDiscovered fires at most once per distinct observed version
	EventVersionDiscovered EventType = "version_discovered"
	// EventCheckError fires on a failed source check; never fatal
	EventCheckError EventType = "check_error"
)

// Discovery describes a newly observed upstream version
type Discovery struct {
	ProviderID      string    `json:"providerId"`
	Version         string    `json:"version"`
	PreviousVersion string    `json:"previousVersion,omitempty"`
	SourceURL       string    `json:"sourceUrl,omitempty"`
	DiscoveredAt    time.Time `json:"discoveredAt"`
}

// Event is the watcher emitter payload
type Event struct {
	Type       EventType
	Discovery  *Discovery
	ProviderID string
	Err        string
}

// Config holds the watcher HTTP knobs. The base URLs are overridable for
// tests.
type Config struct {
	HTTPTimeout     time.Duration
	UserAgent       string
	NPMBaseURL      string
	GitHubBaseURL   string
	HomebrewBaseURL string
}

func (c *Config) setDefaults() {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "ai-agent-village-monitor"
	}
	if c.NPMBaseURL == "" {
		c.NPMBaseURL = "https://registry.npmjs.org"
	}
	if c.GitHubBaseURL == "" {
		c.GitHubBaseURL = "https://api.github.com"
	}
	if c.HomebrewBaseURL == "" {
		c.HomebrewBaseURL = "https://formulae.brew.sh"
	}
}

// Watcher polls upstream registries for each provider's latest release and
// emits a discovery event whenever the observed version changes.
type Watcher struct {
	cfg     Config
	clock   clockwork.Clock
	client  *Client
	emitter *events.Emitter[Event]

	mu      sync.Mutex
	sources []Source
	known   map[string]string
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Watcher
func New(cfg Config, clock clockwork.Clock) *Watcher {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher{
		cfg:     cfg,
		clock:   clock,
		client:  &Client{Client: &http.Client{Timeout: cfg.HTTPTimeout}, userAgent: cfg.UserAgent},
		emitter: events.NewEmitter[Event]("watcher"),
		known:   make(map[string]string),
	}
}

// Events exposes the watcher emitter
func (w *Watcher) Events() *events.Emitter[Event] {
	return w.emitter
}

// AddSource registers an upstream source to poll. Sources cannot be added
// while the watcher is running.
func (w *Watcher) AddSource(src Source) error {
	if err := src.validate(); err != nil {
		return trace.Wrap(err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return trace.BadParameter("cannot add sources while running")
	}
	w.sources = append(w.sources, src)
	return nil
}

// Start does an initial sweep and then polls every source on its own
// interval. Calling Start twice is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	sources := make([]Source, len(w.sources))
	copy(sources, w.sources)
	stopCh := w.stopCh
	w.mu.Unlock()

	w.CheckAllSources(ctx)
	for _, src := range sources {
		w.wg.Add(1)
		go w.poll(ctx, src, stopCh)
	}
	log.Info().Int("sources", len(sources)).Msg("Version watcher started")
}

// Stop cancels all pending timers. Safe to call repeatedly.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	log.Info().Msg("Version watcher stopped")
}

// CheckAllSources checks every source once and returns the newly detected
// versions. A failure in one source does not abort the others.
func (w *Watcher) CheckAllSources(ctx context.Context) []Discovery {
	w.mu.Lock()
	sources := make([]Source, len(w.sources))
	copy(sources, w.sources)
	w.mu.Unlock()

	var discovered []Discovery
	for _, src := range sources {
		d, err := w.CheckSource(ctx, src)
		if err != nil {
			log.Warn().Err(err).Str("provider", src.ProviderID).Msg("Source check failed")
			continue
		}
		if d != nil {
			discovered = append(discovered, *d)
		}
	}
	return discovered
}

// CheckSource fetches the latest version of one source. When it differs
// from the prior known version it is recorded and a discovery event is
// emitted. A fetch failure emits check_error and is returned to the caller.
func (w *Watcher) CheckSource(ctx context.Context, src Source) (*Discovery, error) {
	version, sourceURL, err := w.fetchLatest(ctx, src)
	if err != nil {
		w.emitter.Emit(Event{Type: EventCheckError, ProviderID: src.ProviderID, Err: err.Error()})
		return nil, trace.Wrap(err)
	}

	w.mu.Lock()
	previous, hadPrevious := w.known[src.ProviderID]
	if previous == version {
		w.mu.Unlock()
		return nil, nil
	}
	w.known[src.ProviderID] = version
	w.mu.Unlock()

	d := Discovery{
		ProviderID:   src.ProviderID,
		Version:      version,
		SourceURL:    sourceURL,
		DiscoveredAt: w.clock.Now(),
	}
	if hadPrevious {
		d.PreviousVersion = previous
	}
	log.Info().Str("provider", src.ProviderID).Str("version", version).Str("previous", previous).Msg("New upstream version discovered")
	w.emitter.Emit(Event{Type: EventVersionDiscovered, Discovery: &d, ProviderID: src.ProviderID})
	return &d, nil
}

// RegisterHeartbeatVersion records a version observed in the wild by a
// runner heartbeat. It updates the known version without emitting a
// discovery, so a later poll returning the same version stays silent.
func (w *Watcher) RegisterHeartbeatVersion(providerID, version string) {
	if providerID == "" || version == "" {
		return
	}
	w.mu.Lock()
	w.known[providerID] = version
	w.mu.Unlock()
	log.Debug().Str("provider", providerID).Str("version", version).Msg("Heartbeat version registered")
}

// KnownVersion returns the last observed version of a provider
func (w *Watcher) KnownVersion(providerID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.known[providerID]
	return v, ok
}

// AllKnownVersions returns every last observed version keyed by provider
func (w *Watcher) AllKnownVersions() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.known))
	for k, v := range w.known {
		out[k] = v
	}
	return out
}

func (w *Watcher) poll(ctx context.Context, src Source, stopCh chan struct{}) {
	defer w.wg.Done()
	ticker := w.clock.NewTicker(src.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := w.CheckSource(ctx, src); err != nil {
				log.Warn().Err(err).Str("provider", src.ProviderID).Msg("Periodic source check failed")
			}
		}
	}
}
