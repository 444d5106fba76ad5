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
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/agentvillage/update-pipeline/canary"
	"github.com/agentvillage/update-pipeline/events"
	"github.com/agentvillage/update-pipeline/noti"
	"github.com/agentvillage/update-pipeline/registry"
	"github.com/agentvillage/update-pipeline/rollout"
	"github.com/agentvillage/update-pipeline/service"
	"github.com/agentvillage/update-pipeline/sweep"
	"github.com/agentvillage/update-pipeline/watcher"
)

// EventType names a pipeline-level event
type EventType string

const (
	EventNewVersionDetected EventType = "new_version_detected"
	EventCanaryStarted      EventType = "canary_started"
	EventCanaryCompleted    EventType = "canary_completed"
	EventRolloutInitiated   EventType = "rollout_initiated"
	EventRolloutCompleted   EventType = "rollout_completed"
	EventRollbackCompleted  EventType = "rollback_completed"
	EventSweepTriggered     EventType = "sweep_triggered"
	EventSweepCompleted     EventType = "sweep_completed"
	EventPipelineError      EventType = "pipeline_error"
)

// Event is the pipeline emitter payload. Exactly one of the component
// payload fields is set, matching Type.
type Event struct {
	Type      EventType
	Discovery *watcher.Discovery
	Canary    *service.CanaryTestResult
	Rollout   *service.ActiveRollout
	SweepID   string
	BuildID   string
	Err       string
}

// Config holds the orchestration toggles. Use DefaultConfig as the base;
// the zero value leaves every automation off.
type Config struct {
	// AutoCanary registers discovered versions in the registry
	AutoCanary bool
	// AutoRollout initiates a rollout after a fully passed canary
	AutoRollout bool
	// AutoSweep triggers a repo sweep after a completed rollout
	AutoSweep bool
	// RolloutChannel is the channel auto-rollouts target
	RolloutChannel service.Channel
	// SweepType and SweepTargets shape auto-triggered sweeps
	SweepType    service.SweepType
	SweepTargets []service.SweepRepoTarget
}

// DefaultConfig returns the built-in toggles: auto-canary on, auto-rollout
// and auto-sweep off.
func DefaultConfig() Config {
	return Config{
		AutoCanary:     true,
		RolloutChannel: service.ChannelStable,
		SweepType:      service.SweepMaintenance,
	}
}

// Components are the subsystems the pipeline orchestrates. All are required
// except Notifier, which defaults to the noop client.
type Components struct {
	Watcher  *watcher.Watcher
	Canary   *canary.Runner
	Registry *registry.Registry
	Rollout  *rollout.Controller
	Sweep    *sweep.Manager
	Notifier noti.Client
}

// Status summarizes the pipeline for operators
type Status struct {
	Running           bool                       `json:"running"`
	AutoCanary        bool                       `json:"autoCanary"`
	AutoRollout       bool                       `json:"autoRollout"`
	AutoSweep         bool                       `json:"autoSweep"`
	KnownVersions     map[string]string          `json:"knownVersions"`
	CanaryRunning     bool                       `json:"canaryRunning"`
	ActiveRollouts    int                        `json:"activeRollouts"`
	RunningSweeps     int                        `json:"runningSweeps"`
	RecommendedBuilds map[service.Channel]string `json:"recommendedBuilds"`
}

// Pipeline is a thin facade owning one instance of each subsystem and
// routing their events outward. Automation toggles decide how far a
// discovered version travels without an operator.
type Pipeline struct {
	cfg     Config
	clock   clockwork.Clock
	watcher *watcher.Watcher
	canary  *canary.Runner
	reg     *registry.Registry
	rollout *rollout.Controller
	sweep   *sweep.Manager
	noti    noti.Client
	emitter *events.Emitter[Event]

	mu      sync.Mutex
	running bool
	unsubs  []func()
	// rolloutMsgs holds the notification handles of the rollout-started
	// message so later stages update it in place
	rolloutMsgs map[string]map[string]string
	// canaryNotes holds the last canary run summary per build
	canaryNotes map[string]string
}

// New creates a Pipeline and wires the component event streams
func New(cfg Config, clock clockwork.Clock, c Components) (*Pipeline, error) {
	if c.Watcher == nil || c.Canary == nil || c.Registry == nil || c.Rollout == nil || c.Sweep == nil {
		return nil, trace.BadParameter("pipeline requires watcher, canary, registry, rollout and sweep components")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if c.Notifier == nil {
		c.Notifier = noti.NewNoopClient()
	}
	if cfg.RolloutChannel == "" {
		cfg.RolloutChannel = service.ChannelStable
	}
	if cfg.SweepType == "" {
		cfg.SweepType = service.SweepMaintenance
	}
	p := &Pipeline{
		cfg:         cfg,
		clock:       clock,
		watcher:     c.Watcher,
		canary:      c.Canary,
		reg:         c.Registry,
		rollout:     c.Rollout,
		sweep:       c.Sweep,
		noti:        c.Notifier,
		emitter:     events.NewEmitter[Event]("pipeline"),
		rolloutMsgs: make(map[string]map[string]string),
		canaryNotes: make(map[string]string),
	}
	p.wire()
	return p, nil
}

// Events exposes the pipeline emitter
func (p *Pipeline) Events() *events.Emitter[Event] {
	return p.emitter
}

func (p *Pipeline) wire() {
	p.unsubs = append(p.unsubs,
		p.watcher.Events().Subscribe(p.onWatcherEvent),
		p.canary.Events().Subscribe(p.onCanaryEvent),
		p.rollout.Events().Subscribe(p.onRolloutEvent),
		p.sweep.Events().Subscribe(p.onSweepEvent),
	)
}

// Start launches the watcher and the rollout progression tick
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.watcher.Start(ctx)
	p.rollout.Start(ctx)
	log.Info().Bool("autoCanary", p.cfg.AutoCanary).Bool("autoRollout", p.cfg.AutoRollout).Bool("autoSweep", p.cfg.AutoSweep).Msg("Pipeline started")
}

// Stop halts the watcher and the rollout tick and waits for running sweeps
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.watcher.Stop()
	p.rollout.Stop()
	p.sweep.Wait()
	log.Info().Msg("Pipeline stopped")
}

// Close detaches the pipeline from the component event streams
func (p *Pipeline) Close() {
	p.Stop()
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
}

// Status reports aggregate pipeline state
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	recommended := make(map[service.Channel]string)
	for _, channel := range []service.Channel{service.ChannelStable, service.ChannelBeta} {
		if build, err := p.reg.RecommendedBuild(channel); err == nil {
			recommended[channel] = build.BuildID
		}
	}
	runningSweeps := 0
	for _, job := range p.sweep.Sweeps() {
		if job.State == service.SweepStateRunning {
			runningSweeps++
		}
	}
	return Status{
		Running:           running,
		AutoCanary:        p.cfg.AutoCanary,
		AutoRollout:       p.cfg.AutoRollout,
		AutoSweep:         p.cfg.AutoSweep,
		KnownVersions:     p.watcher.AllKnownVersions(),
		CanaryRunning:     p.canary.IsRunning(),
		ActiveRollouts:    p.rollout.ActiveCount(),
		RunningSweeps:     runningSweeps,
		RecommendedBuilds: recommended,
	}
}

// RunCanary executes every registered suite against a build, records the
// outcomes in the registry, and when every suite passed marks the bundled
// runtime versions canary-passed. With auto-rollout on, a fully passed
// canary initiates a rollout on the configured channel.
func (p *Pipeline) RunCanary(ctx context.Context, build service.RunnerBuild) ([]service.CanaryTestResult, error) {
	if err := p.reg.RegisterBuild(build); err != nil && !trace.IsAlreadyExists(err) {
		return nil, trace.Wrap(err)
	}
	results, err := p.canary.RunAllSuites(ctx, build)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.mu.Lock()
	p.canaryNotes[build.BuildID] = canarySummary(results)
	p.mu.Unlock()

	allPassed := len(results) > 0
	for _, res := range results {
		canaryRuns.WithLabelValues(string(res.Status)).Inc()
		if res.Status != service.TestPassed {
			allPassed = false
		}
		compat := service.CompatibilityResult{
			BuildID:     build.BuildID,
			TestSuiteID: res.SuiteID,
			Status:      compatStatus(res.Status),
			TestedAt:    res.CompletedAt,
		}
		if err := p.reg.AddCompatibilityResult(build.BuildID, compat); err != nil {
			log.Warn().Err(err).Str("build", build.BuildID).Msg("Recording compatibility result failed")
		}
	}

	if allPassed {
		worst := worstResult(results)
		for providerID, version := range build.RuntimeVersions {
			if err := p.reg.MarkVersionCanaryPassed(providerID, version, worst); err != nil && !trace.IsNotFound(err) {
				log.Warn().Err(err).Str("provider", providerID).Str("version", version).Msg("Marking version canary-passed failed")
			}
		}
		if p.cfg.AutoRollout {
			if _, err := p.rollout.InitiateRollout(build, p.cfg.RolloutChannel, &worst); err != nil {
				p.fail(fmt.Sprintf("auto-rollout of build %s: %v", build.BuildID, err))
			}
		}
	}
	return results, nil
}

// TriggerSweep starts a post-update sweep for a build using the configured
// targets
func (p *Pipeline) TriggerSweep(ctx context.Context, buildID string) (sweep.Job, error) {
	if len(p.cfg.SweepTargets) == 0 {
		return sweep.Job{}, trace.BadParameter("no sweep targets configured")
	}
	job, err := p.sweep.TriggerPostUpdateSweep(ctx, service.SweepConfig{
		TriggeredByBuildID: buildID,
		TargetRepos:        p.cfg.SweepTargets,
		SweepType:          p.cfg.SweepType,
		CreatePRs:          true,
	})
	if err != nil {
		return sweep.Job{}, trace.Wrap(err)
	}
	p.emitter.Emit(Event{Type: EventSweepTriggered, SweepID: job.Config.SweepID, BuildID: buildID})
	return job, nil
}

func (p *Pipeline) onWatcherEvent(ev watcher.Event) {
	switch ev.Type {
	case watcher.EventVersionDiscovered:
		versionsDiscovered.WithLabelValues(ev.Discovery.ProviderID).Inc()
		if p.cfg.AutoCanary {
			v := service.RuntimeVersion{
				ProviderID: ev.Discovery.ProviderID,
				Version:    ev.Discovery.Version,
				ReleasedAt: ev.Discovery.DiscoveredAt,
				SourceURL:  ev.Discovery.SourceURL,
			}
			if err := p.reg.RegisterVersion(v); err != nil && !trace.IsAlreadyExists(err) {
				p.fail(fmt.Sprintf("registering %s %s: %v", v.ProviderID, v.Version, err))
			}
		}
		p.emitter.Emit(Event{Type: EventNewVersionDetected, Discovery: ev.Discovery})
	case watcher.EventCheckError:
		p.fail(fmt.Sprintf("source check for %s: %s", ev.ProviderID, ev.Err))
	}
}

func (p *Pipeline) onCanaryEvent(ev canary.Event) {
	switch ev.Type {
	case canary.EventSuiteStarted:
		p.emitter.Emit(Event{Type: EventCanaryStarted, BuildID: ev.BuildID})
	case canary.EventSuiteCompleted:
		p.emitter.Emit(Event{Type: EventCanaryCompleted, BuildID: ev.BuildID, Canary: ev.SuiteResult})
	}
}

func (p *Pipeline) onRolloutEvent(ev rollout.Event) {
	activeRollouts.Set(float64(p.rollout.ActiveCount()))
	switch ev.Type {
	case rollout.EventRolloutStarted:
		rolloutsStarted.WithLabelValues(string(ev.Rollout.Channel)).Inc()
		p.emitter.Emit(Event{Type: EventRolloutInitiated, Rollout: ev.Rollout})
		msgs := p.notify(service.EventRolloutStarted,
			fmt.Sprintf("Rollout of build %s started on %s at %d%%", ev.Rollout.TargetBuildID, ev.Rollout.Channel, ev.Rollout.CurrentPercentage), ev.Rollout, "")
		if len(msgs) > 0 {
			p.mu.Lock()
			p.rolloutMsgs[ev.Rollout.RolloutID] = msgs
			note := p.canaryNotes[ev.Rollout.TargetBuildID]
			p.mu.Unlock()
			if note != "" {
				if err := p.noti.AddFileToThreads(msgs, "canary-results.txt", note); err != nil {
					log.Warn().Err(err).Str("rollout", ev.Rollout.RolloutID).Msg("Attaching canary summary failed")
				}
			}
		}
	case rollout.EventStageAdvanced:
		p.updateRolloutMessage(ev.Rollout, false,
			fmt.Sprintf("Rollout of build %s on %s advanced to %d%%", ev.Rollout.TargetBuildID, ev.Rollout.Channel, ev.Rollout.CurrentPercentage), "stage advanced")
	case rollout.EventRolloutCompleted:
		p.emitter.Emit(Event{Type: EventRolloutCompleted, Rollout: ev.Rollout})
		p.notify(service.EventRolloutCompleted,
			fmt.Sprintf("Rollout of build %s on %s completed", ev.Rollout.TargetBuildID, ev.Rollout.Channel), ev.Rollout, "")
		p.updateRolloutMessage(ev.Rollout, true,
			fmt.Sprintf("Rollout of build %s on %s completed at 100%%", ev.Rollout.TargetBuildID, ev.Rollout.Channel), "completed")
		if p.cfg.AutoSweep {
			if _, err := p.TriggerSweep(context.Background(), ev.Rollout.TargetBuildID); err != nil {
				p.fail(fmt.Sprintf("auto-sweep after rollout %s: %v", ev.Rollout.RolloutID, err))
			}
		}
	case rollout.EventRollbackCompleted:
		rollbacks.WithLabelValues(string(ev.Rollout.Channel)).Inc()
		p.emitter.Emit(Event{Type: EventRollbackCompleted, Rollout: ev.Rollout})
		p.notify(service.EventRollbackCompleted,
			fmt.Sprintf("Rollout of build %s on %s rolled back", ev.Rollout.TargetBuildID, ev.Rollout.Channel), ev.Rollout, ev.Reason)
		p.updateRolloutMessage(ev.Rollout, true,
			fmt.Sprintf("Rollout of build %s on %s rolled back", ev.Rollout.TargetBuildID, ev.Rollout.Channel), "rolled back")
	case rollout.EventTickError:
		p.fail(ev.Err)
	}
}

// updateRolloutMessage rewrites the rollout-started notification in place.
// Terminal transitions drop the stored handles.
func (p *Pipeline) updateRolloutMessage(ro *service.ActiveRollout, terminal bool, text, context string) {
	p.mu.Lock()
	msgs := p.rolloutMsgs[ro.RolloutID]
	if terminal {
		delete(p.rolloutMsgs, ro.RolloutID)
		delete(p.canaryNotes, ro.TargetBuildID)
	}
	p.mu.Unlock()
	if len(msgs) == 0 {
		return
	}
	if err := p.noti.UpdateMessages(msgs, text, context); err != nil {
		log.Warn().Err(err).Str("rollout", ro.RolloutID).Msg("Updating rollout notification failed")
	}
}

func (p *Pipeline) onSweepEvent(ev sweep.Event) {
	switch ev.Type {
	case sweep.EventRepoSwept:
		reposSwept.WithLabelValues(string(ev.Result.Status)).Inc()
	case sweep.EventSweepCompleted, sweep.EventSweepFailed:
		p.emitter.Emit(Event{Type: EventSweepCompleted, SweepID: ev.SweepID})
	}
}

func (p *Pipeline) notify(eventType service.RolloutEventType, text string, ro *service.ActiveRollout, reason string) map[string]string {
	meta := map[string]string{
		service.MetaRollout: ro.RolloutID,
		service.MetaBuild:   ro.TargetBuildID,
		service.MetaChannel: string(ro.Channel),
	}
	if reason != "" {
		meta[service.MetaReason] = reason
	}
	msgs, err := p.noti.SendMessages(text, eventType, meta)
	if err != nil {
		log.Warn().Err(err).Str("rollout", ro.RolloutID).Msg("Notification delivery failed")
		return nil
	}
	return msgs
}

func (p *Pipeline) fail(msg string) {
	pipelineErrors.Inc()
	log.Error().Msgf("Pipeline error: %s", msg)
	p.emitter.Emit(Event{Type: EventPipelineError, Err: msg})
}

func compatStatus(status service.TestStatus) service.CompatStatus {
	switch status {
	case service.TestPassed:
		return service.CompatCompatible
	case service.TestFailed, service.TestTimeout:
		return service.CompatIncompatible
	default:
		return service.CompatUnknown
	}
}

// canarySummary renders the per-suite digest attached to rollout threads
func canarySummary(results []service.CanaryTestResult) string {
	var b strings.Builder
	for _, res := range results {
		fmt.Fprintf(&b, "%s: %s (%d/%d passed)\n", res.SuiteID, res.Status, res.Metrics.Passed, res.Metrics.TotalTests)
	}
	return b.String()
}

// worstResult picks the suite result with the lowest pass rate so rollout
// gating sees the most conservative view of the run
func worstResult(results []service.CanaryTestResult) service.CanaryTestResult {
	worst := results[0]
	for _, res := range results[1:] {
		if res.Metrics.PassRate < worst.Metrics.PassRate {
			worst = res
		}
	}
	return worst
}
