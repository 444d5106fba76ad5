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
package rollout

import (
	"context"
	"fmt"
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

// EventType names a controller event
type EventType string

const (
	EventRolloutStarted    EventType = "rollout_started"
	EventStageAdvanced     EventType = "stage_advanced"
	EventRolloutPaused     EventType = "rollout_paused"
	EventRolloutResumed    EventType = "rollout_resumed"
	EventRolloutCompleted  EventType = "rollout_completed"
	EventRollbackInitiated EventType = "rollback_initiated"
	EventRollbackCompleted EventType = "rollback_completed"
	// EventTickError reports a failure inside the automatic progression tick
	EventTickError EventType = "tick_error"
)

// Event is the controller emitter payload
type Event struct {
	Type    EventType
	Rollout *service.ActiveRollout
	Reason  string
	Err     string
}

// RollbackThresholds gate automatic rollback during progression
type RollbackThresholds struct {
	MaxFailureRate    float64
	MaxDisconnectRate float64
	MinSessionCount   int
}

// Config holds the controller knobs
type Config struct {
	MaxConcurrentRollouts int
	TickInterval          time.Duration
	Thresholds            RollbackThresholds
	Channels              map[service.Channel]service.ChannelConfig
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentRollouts <= 0 {
		c.MaxConcurrentRollouts = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.Thresholds.MaxFailureRate <= 0 {
		c.Thresholds.MaxFailureRate = 0.10
	}
	if c.Thresholds.MaxDisconnectRate <= 0 {
		c.Thresholds.MaxDisconnectRate = 0.15
	}
	if c.Thresholds.MinSessionCount <= 0 {
		c.Thresholds.MinSessionCount = 100
	}
	if c.Channels == nil {
		c.Channels = service.DefaultChannelConfigs()
	}
}

// MetricsSource samples population health for a rollout. The default source
// reports zero sessions, which makes the automatic tick neither advance nor
// roll back.
type MetricsSource interface {
	Collect(ctx context.Context, rollout service.ActiveRollout) (service.RolloutMetrics, error)
}

// MetricsSourceFunc adapts a function to MetricsSource
type MetricsSourceFunc func(ctx context.Context, rollout service.ActiveRollout) (service.RolloutMetrics, error)

// Collect implements MetricsSource
func (f MetricsSourceFunc) Collect(ctx context.Context, rollout service.ActiveRollout) (service.RolloutMetrics, error) {
	return f(ctx, rollout)
}

// NoopMetricsSource reports zero sessions
func NoopMetricsSource() MetricsSource {
	return MetricsSourceFunc(func(context.Context, service.ActiveRollout) (service.RolloutMetrics, error) {
		return service.RolloutMetrics{}, nil
	})
}

var systemActor = service.Actor{Type: "system", ID: "rollout-controller"}

// maxAuditEvents bounds the audit ring buffer
const maxAuditEvents = 10000

// Controller advances builds through channel-specific percentage stages,
// assigning orgs, gating on metrics, supporting pause/resume and rollback.
// It owns its data exclusively; accessors return copies.
type Controller struct {
	cfg     Config
	clock   clockwork.Clock
	metrics MetricsSource
	emitter *events.Emitter[Event]

	mu          sync.Mutex
	rollouts    map[string]*service.ActiveRollout
	orgs        map[string]service.OrgRuntimeConfig
	assignments map[string]service.OrgAssignment
	audit       []service.RolloutEvent
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates a Controller
func New(cfg Config, clock clockwork.Clock, metrics MetricsSource) *Controller {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = NoopMetricsSource()
	}
	return &Controller{
		cfg:         cfg,
		clock:       clock,
		metrics:     metrics,
		emitter:     events.NewEmitter[Event]("rollout"),
		rollouts:    make(map[string]*service.ActiveRollout),
		orgs:        make(map[string]service.OrgRuntimeConfig),
		assignments: make(map[string]service.OrgAssignment),
	}
}

// Events exposes the controller emitter
func (c *Controller) Events() *events.Emitter[Event] {
	return c.emitter
}

// ChannelConfig returns the policy of a channel
func (c *Controller) ChannelConfig(channel service.Channel) (service.ChannelConfig, error) {
	cfg, ok := c.cfg.Channels[channel]
	if !ok {
		return service.ChannelConfig{}, trace.BadParameter("unknown channel %q", channel)
	}
	return cfg, nil
}

// UpsertOrgConfig registers or updates an org's runtime configuration
func (c *Controller) UpsertOrgConfig(cfg service.OrgRuntimeConfig) error {
	if cfg.OrgID == "" {
		return trace.BadParameter("org config requires orgId")
	}
	if _, ok := c.cfg.Channels[cfg.Channel]; !ok {
		return trace.BadParameter("unknown channel %q", cfg.Channel)
	}
	if cfg.Channel == service.ChannelPinned && cfg.PinnedBuildID == "" {
		return trace.BadParameter("pinned channel requires pinnedBuildId")
	}
	if cfg.Channel != service.ChannelPinned && cfg.PinnedBuildID != "" {
		return trace.BadParameter("pinnedBuildId is only valid on the pinned channel")
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = c.clock.Now()
	}
	c.mu.Lock()
	c.orgs[cfg.OrgID] = cfg
	c.mu.Unlock()
	return nil
}

// OrgConfig returns one org's runtime configuration
func (c *Controller) OrgConfig(orgID string) (service.OrgRuntimeConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.orgs[orgID]
	if !ok {
		return service.OrgRuntimeConfig{}, trace.NotFound("unknown org %q", orgID)
	}
	return cfg, nil
}

// Assignment returns the current build assignment of an org
func (c *Controller) Assignment(orgID string) (service.OrgAssignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assignments[orgID]
	if !ok {
		return service.OrgAssignment{}, trace.NotFound("org %q has no assignment", orgID)
	}
	return a, nil
}

// Assignments returns every current assignment, ordered by org
func (c *Controller) Assignments() []service.OrgAssignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]service.OrgAssignment, 0, len(c.assignments))
	for _, a := range c.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out
}

// Rollout returns a copy of one rollout
func (c *Controller) Rollout(rolloutID string) (service.ActiveRollout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ro, ok := c.rollouts[rolloutID]
	if !ok {
		return service.ActiveRollout{}, trace.NotFound("unknown rollout %q", rolloutID)
	}
	return copyRollout(ro), nil
}

// Rollouts returns a copy of every rollout, oldest first
func (c *Controller) Rollouts() []service.ActiveRollout {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]service.ActiveRollout, 0, len(c.rollouts))
	for _, ro := range c.rollouts {
		out = append(out, copyRollout(ro))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].RolloutID < out[j].RolloutID
	})
	return out
}

// ActiveCount returns the number of rollouts in state rolling_out
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCountLocked()
}

// InitiateRollout starts a staged rollout of a build on a channel. Channels
// requiring canary reject initiation without a passed canary result meeting
// the channel threshold.
func (c *Controller) InitiateRollout(build service.RunnerBuild, channel service.Channel, canaryResult *service.CanaryTestResult) (service.ActiveRollout, error) {
	chCfg, ok := c.cfg.Channels[channel]
	if !ok {
		return service.ActiveRollout{}, trace.BadParameter("unknown channel %q", channel)
	}
	if build.BuildID == "" {
		return service.ActiveRollout{}, trace.BadParameter("rollout requires a build")
	}
	if len(chCfg.RolloutStages) == 0 {
		return service.ActiveRollout{}, trace.BadParameter("channel %q has no rollout stages", channel)
	}
	if chCfg.RequiresCanary {
		if canaryResult == nil {
			return service.ActiveRollout{}, trace.AccessDenied("channel %q requires a canary result", channel)
		}
		if canaryResult.Status != service.TestPassed {
			return service.ActiveRollout{}, trace.AccessDenied("canary did not pass (status %q)", canaryResult.Status)
		}
		if canaryResult.Metrics.PassRate < chCfg.CanaryThreshold {
			return service.ActiveRollout{}, trace.AccessDenied(
				"canary pass rate %.2f is below threshold %.2f for channel %q",
				canaryResult.Metrics.PassRate, chCfg.CanaryThreshold, channel)
		}
	}

	c.mu.Lock()
	if c.activeCountLocked() >= c.cfg.MaxConcurrentRollouts {
		c.mu.Unlock()
		return service.ActiveRollout{}, trace.LimitExceeded("max concurrent rollouts (%d) reached", c.cfg.MaxConcurrentRollouts)
	}
	now := c.clock.Now()
	ro := &service.ActiveRollout{
		RolloutID:         uuid.NewString(),
		TargetBuildID:     build.BuildID,
		Channel:           channel,
		State:             service.RolloutRollingOut,
		CurrentPercentage: chCfg.RolloutStages[0],
		TargetPercentage:  100,
		StartedAt:         now,
		LastUpdatedAt:     now,
	}
	if canaryResult != nil {
		ro.CanaryResultID = fmt.Sprintf("%s/%s", canaryResult.SuiteID, canaryResult.BuildID)
	}
	c.rollouts[ro.RolloutID] = ro
	c.assignOrgsLocked(ro)
	c.appendAuditLocked(service.RolloutEvent{
		OrgID:             service.AllOrgs,
		ToBuildID:         ro.TargetBuildID,
		Channel:           channel,
		EventType:         service.EventRolloutStarted,
		CurrentPercentage: ro.CurrentPercentage,
	})
	snapshot := copyRollout(ro)
	c.mu.Unlock()

	log.Info().Str("rollout", snapshot.RolloutID).Str("build", snapshot.TargetBuildID).Str("channel", string(channel)).Int("percentage", snapshot.CurrentPercentage).Msg("Rollout started")
	c.emitter.Emit(Event{Type: EventRolloutStarted, Rollout: &snapshot})
	return snapshot, nil
}

// AdvanceRollout moves a rollout to the next stage, or completes it when the
// current stage is the last one.
func (c *Controller) AdvanceRollout(rolloutID string) (service.ActiveRollout, error) {
	c.mu.Lock()
	ro, ok := c.rollouts[rolloutID]
	if !ok {
		c.mu.Unlock()
		return service.ActiveRollout{}, trace.NotFound("unknown rollout %q", rolloutID)
	}
	if ro.State != service.RolloutRollingOut {
		c.mu.Unlock()
		return service.ActiveRollout{}, trace.CompareFailed("rollout %q is %s, not rolling_out", rolloutID, ro.State)
	}
	chCfg := c.cfg.Channels[ro.Channel]
	stages := chCfg.RolloutStages
	idx := stageIndex(stages, ro.CurrentPercentage)
	now := c.clock.Now()

	if idx < 0 || idx == len(stages)-1 {
		ro.State = service.RolloutCompleted
		ro.LastUpdatedAt = now
		c.appendAuditLocked(service.RolloutEvent{
			OrgID:             service.AllOrgs,
			ToBuildID:         ro.TargetBuildID,
			Channel:           ro.Channel,
			EventType:         service.EventRolloutCompleted,
			CurrentPercentage: ro.CurrentPercentage,
		})
		snapshot := copyRollout(ro)
		c.mu.Unlock()

		log.Info().Str("rollout", snapshot.RolloutID).Str("build", snapshot.TargetBuildID).Msg("Rollout completed")
		c.emitter.Emit(Event{Type: EventRolloutCompleted, Rollout: &snapshot})
		return snapshot, nil
	}

	ro.CurrentPercentage = stages[idx+1]
	ro.LastUpdatedAt = now
	c.assignOrgsLocked(ro)
	c.appendAuditLocked(service.RolloutEvent{
		OrgID:             service.AllOrgs,
		ToBuildID:         ro.TargetBuildID,
		Channel:           ro.Channel,
		EventType:         service.EventStageAdvanced,
		CurrentPercentage: ro.CurrentPercentage,
	})
	snapshot := copyRollout(ro)
	c.mu.Unlock()

	log.Info().Str("rollout", snapshot.RolloutID).Int("percentage", snapshot.CurrentPercentage).Msg("Rollout stage advanced")
	c.emitter.Emit(Event{Type: EventStageAdvanced, Rollout: &snapshot})
	return snapshot, nil
}

// PauseRollout pauses a rolling_out rollout
func (c *Controller) PauseRollout(rolloutID, reason string) error {
	c.mu.Lock()
	ro, ok := c.rollouts[rolloutID]
	if !ok {
		c.mu.Unlock()
		return trace.NotFound("unknown rollout %q", rolloutID)
	}
	if ro.State != service.RolloutRollingOut {
		c.mu.Unlock()
		return trace.CompareFailed("rollout %q is %s, not rolling_out", rolloutID, ro.State)
	}
	ro.State = service.RolloutPaused
	c.appendAuditLocked(service.RolloutEvent{
		OrgID:             service.AllOrgs,
		ToBuildID:         ro.TargetBuildID,
		Channel:           ro.Channel,
		EventType:         service.EventRolloutPaused,
		CurrentPercentage: ro.CurrentPercentage,
		Metadata:          reasonMeta(reason),
	})
	snapshot := copyRollout(ro)
	c.mu.Unlock()

	log.Info().Str("rollout", rolloutID).Str("reason", reason).Msg("Rollout paused")
	c.emitter.Emit(Event{Type: EventRolloutPaused, Rollout: &snapshot, Reason: reason})
	return nil
}

// ResumeRollout resumes a paused rollout
func (c *Controller) ResumeRollout(rolloutID string) error {
	c.mu.Lock()
	ro, ok := c.rollouts[rolloutID]
	if !ok {
		c.mu.Unlock()
		return trace.NotFound("unknown rollout %q", rolloutID)
	}
	if ro.State != service.RolloutPaused {
		c.mu.Unlock()
		return trace.CompareFailed("rollout %q is %s, not paused", rolloutID, ro.State)
	}
	ro.State = service.RolloutRollingOut
	ro.LastUpdatedAt = c.clock.Now()
	c.appendAuditLocked(service.RolloutEvent{
		OrgID:             service.AllOrgs,
		ToBuildID:         ro.TargetBuildID,
		Channel:           ro.Channel,
		EventType:         service.EventRolloutResumed,
		CurrentPercentage: ro.CurrentPercentage,
	})
	snapshot := copyRollout(ro)
	c.mu.Unlock()

	log.Info().Str("rollout", rolloutID).Msg("Rollout resumed")
	c.emitter.Emit(Event{Type: EventRolloutResumed, Rollout: &snapshot})
	return nil
}

// Rollback aborts a rollout and reverts every affected org to its prior
// build; orgs without a prior build lose their assignment entirely.
func (c *Controller) Rollback(rolloutID, reason string) error {
	c.mu.Lock()
	ro, ok := c.rollouts[rolloutID]
	if !ok {
		c.mu.Unlock()
		return trace.NotFound("unknown rollout %q", rolloutID)
	}
	if ro.State != service.RolloutRollingOut && ro.State != service.RolloutPaused {
		c.mu.Unlock()
		return trace.CompareFailed("rollout %q is %s and cannot be rolled back", rolloutID, ro.State)
	}
	ro.State = service.RolloutRolledBack
	ro.Error = reason
	ro.LastUpdatedAt = c.clock.Now()
	fromBuild := ro.TargetBuildID
	for _, orgID := range ro.AffectedOrgs {
		a, ok := c.assignments[orgID]
		if !ok || a.TargetBuildID != ro.TargetBuildID {
			continue
		}
		if a.CurrentBuildID == "" {
			delete(c.assignments, orgID)
			continue
		}
		a.TargetBuildID = a.CurrentBuildID
		a.CurrentBuildID = ""
		a.AssignedAt = ro.LastUpdatedAt
		c.assignments[orgID] = a
	}
	ro.AffectedOrgs = nil
	ro.CurrentPercentage = 0
	c.appendAuditLocked(service.RolloutEvent{
		OrgID:             service.AllOrgs,
		FromBuildID:       fromBuild,
		Channel:           ro.Channel,
		EventType:         service.EventRollbackInitiated,
		CurrentPercentage: ro.CurrentPercentage,
		Metadata:          reasonMeta(reason),
	})
	c.appendAuditLocked(service.RolloutEvent{
		OrgID:             service.AllOrgs,
		FromBuildID:       fromBuild,
		Channel:           ro.Channel,
		EventType:         service.EventRollbackCompleted,
		CurrentPercentage: ro.CurrentPercentage,
	})
	snapshot := copyRollout(ro)
	c.mu.Unlock()

	log.Warn().Str("rollout", rolloutID).Str("reason", reason).Msg("Rollout rolled back")
	c.emitter.Emit(Event{Type: EventRollbackInitiated, Rollout: &snapshot, Reason: reason})
	c.emitter.Emit(Event{Type: EventRollbackCompleted, Rollout: &snapshot, Reason: reason})
	return nil
}

// Start launches the automatic progression tick. Calling Start twice is a
// no-op.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := c.clock.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.Tick(ctx)
			}
		}
	}()
	log.Info().Dur("interval", c.cfg.TickInterval).Msg("Rollout controller started")
}

// Stop cancels the progression tick. Safe to call repeatedly.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
	log.Info().Msg("Rollout controller stopped")
}

// Tick runs one automatic progression pass over every rolling_out rollout.
// Errors are swallowed and re-emitted as tick_error events.
func (c *Controller) Tick(ctx context.Context) {
	c.mu.Lock()
	var due []service.ActiveRollout
	for _, ro := range c.rollouts {
		if ro.State != service.RolloutRollingOut {
			continue
		}
		chCfg := c.cfg.Channels[ro.Channel]
		if c.clock.Since(ro.LastUpdatedAt) < chCfg.RolloutDelay {
			continue
		}
		due = append(due, copyRollout(ro))
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].RolloutID < due[j].RolloutID })

	for _, ro := range due {
		metrics, err := c.metrics.Collect(ctx, ro)
		if err != nil {
			log.Error().Err(err).Str("rollout", ro.RolloutID).Msg("Rollout metrics collection failed")
			c.emitter.Emit(Event{Type: EventTickError, Rollout: &ro, Err: err.Error()})
			continue
		}
		if metrics.SessionsStarted < c.cfg.Thresholds.MinSessionCount {
			continue
		}
		if metrics.FailureRate > c.cfg.Thresholds.MaxFailureRate || metrics.DisconnectRate > c.cfg.Thresholds.MaxDisconnectRate {
			reason := fmt.Sprintf(
				"automatic rollback: failureRate=%.3f disconnectRate=%.3f over %d sessions",
				metrics.FailureRate, metrics.DisconnectRate, metrics.SessionsStarted)
			if err := c.Rollback(ro.RolloutID, reason); err != nil {
				c.emitter.Emit(Event{Type: EventTickError, Rollout: &ro, Err: err.Error()})
			}
			continue
		}
		if _, err := c.AdvanceRollout(ro.RolloutID); err != nil {
			c.emitter.Emit(Event{Type: EventTickError, Rollout: &ro, Err: err.Error()})
		}
	}
}

// assignOrgsLocked brings the assigned population of a rollout up to its
// current percentage. Orgs are taken in ascending orgId order; orgs already
// affected by another non-terminal rollout on the same channel are skipped.
func (c *Controller) assignOrgsLocked(ro *service.ActiveRollout) {
	var population []string
	for orgID, cfg := range c.orgs {
		if cfg.Channel != ro.Channel {
			continue
		}
		if ro.CurrentPercentage < 100 && cfg.Enterprise != nil && cfg.Enterprise.ApprovalRequired {
			continue
		}
		population = append(population, orgID)
	}
	if len(population) == 0 {
		return
	}
	targetCount := (len(population)*ro.CurrentPercentage + 99) / 100

	affected := make(map[string]bool, len(ro.AffectedOrgs))
	for _, orgID := range ro.AffectedOrgs {
		affected[orgID] = true
	}
	busy := make(map[string]bool)
	for _, other := range c.rollouts {
		if other.RolloutID == ro.RolloutID || other.Channel != ro.Channel {
			continue
		}
		if other.State != service.RolloutRollingOut && other.State != service.RolloutPaused {
			continue
		}
		for _, orgID := range other.AffectedOrgs {
			busy[orgID] = true
		}
	}

	sort.Strings(population)
	toAssign := targetCount - len(ro.AffectedOrgs)
	now := c.clock.Now()
	for _, orgID := range population {
		if toAssign <= 0 {
			break
		}
		if affected[orgID] || busy[orgID] {
			continue
		}
		assignment := service.OrgAssignment{
			OrgID:         orgID,
			TargetBuildID: ro.TargetBuildID,
			Percentage:    ro.CurrentPercentage,
			AssignedAt:    now,
			Channel:       ro.Channel,
		}
		if prior, ok := c.assignments[orgID]; ok {
			assignment.CurrentBuildID = prior.TargetBuildID
		}
		c.assignments[orgID] = assignment
		ro.AffectedOrgs = append(ro.AffectedOrgs, orgID)
		toAssign--
	}
	sort.Strings(ro.AffectedOrgs)
}

func (c *Controller) activeCountLocked() int {
	n := 0
	for _, ro := range c.rollouts {
		if ro.State == service.RolloutRollingOut {
			n++
		}
	}
	return n
}

func stageIndex(stages []int, pct int) int {
	for i, s := range stages {
		if s == pct {
			return i
		}
	}
	return -1
}

func copyRollout(ro *service.ActiveRollout) service.ActiveRollout {
	cp := *ro
	cp.AffectedOrgs = append([]string(nil), ro.AffectedOrgs...)
	return cp
}

func reasonMeta(reason string) map[string]string {
	if reason == "" {
		return nil
	}
	return map[string]string{"reason": reason}
}
