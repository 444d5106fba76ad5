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
package sweep

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

// EventType names a sweep manager event
type EventType string

const (
	EventRepoSwept      EventType = "repo_swept"
	EventPRCreated      EventType = "pr_created"
	EventSweepCompleted EventType = "sweep_completed"
	EventSweepFailed    EventType = "sweep_failed"
)

// Event is the sweep emitter payload
type Event struct {
	Type    EventType
	SweepID string
	Result  *service.SweepResult
	Job     *Job
}

// RateUnlimited disables the inter-repo delay
const RateUnlimited = -1

// RepoSweeper performs the actual maintenance work against one repository
type RepoSweeper interface {
	SweepRepo(ctx context.Context, cfg service.SweepConfig, target service.SweepRepoTarget) (service.SweepResult, error)
}

// RepoSweeperFunc adapts a function to RepoSweeper
type RepoSweeperFunc func(ctx context.Context, cfg service.SweepConfig, target service.SweepRepoTarget) (service.SweepResult, error)

// SweepRepo implements RepoSweeper
func (f RepoSweeperFunc) SweepRepo(ctx context.Context, cfg service.SweepConfig, target service.SweepRepoTarget) (service.SweepResult, error) {
	return f(ctx, cfg, target)
}

// NoopSweeper touches nothing and reports no_changes for every repo
func NoopSweeper() RepoSweeper {
	return RepoSweeperFunc(func(_ context.Context, cfg service.SweepConfig, target service.SweepRepoTarget) (service.SweepResult, error) {
		return service.SweepResult{
			SweepID: cfg.SweepID,
			RepoURL: target.RepoURL,
			Status:  service.SweepNoChanges,
		}, nil
	})
}

// Stats aggregates per-repo outcomes of one sweep run
type Stats struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	NoChanges  int `json:"noChanges"`
	PRsCreated int `json:"prsCreated"`
}

// Job is the tracked state of one sweep run
type Job struct {
	Config         service.SweepConfig   `json:"config"`
	State          service.SweepState    `json:"state"`
	Results        []service.SweepResult `json:"results"`
	Stats          Stats                 `json:"stats"`
	ReposCompleted int                   `json:"reposCompleted"`
	ReposRemaining int                   `json:"reposRemaining"`
	StartedAt      time.Time             `json:"startedAt"`
	CompletedAt    *time.Time            `json:"completedAt,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// ManagerStats aggregates outcomes across every finished sweep run
type ManagerStats struct {
	TotalSweeps      int           `json:"totalSweeps"`
	TotalReposSwept  int           `json:"totalReposSwept"`
	TotalPRsCreated  int           `json:"totalPrsCreated"`
	AvgReposPerSweep float64       `json:"avgReposPerSweep"`
	AvgSweepDuration time.Duration `json:"avgSweepDuration"`
	SuccessRate      float64       `json:"successRate"`
}

// Config holds the manager knobs
type Config struct {
	MaxConcurrentSweeps   int
	DefaultMaxReposPerRun int
	// DefaultRateLimit is repos per minute when the sweep config leaves it unset
	DefaultRateLimit int
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentSweeps <= 0 {
		c.MaxConcurrentSweeps = 3
	}
	if c.DefaultMaxReposPerRun <= 0 {
		c.DefaultMaxReposPerRun = 100
	}
	if c.DefaultRateLimit == 0 {
		c.DefaultRateLimit = 10
	}
}

// Manager runs opt-in repository maintenance sweeps after a rollout
// completes. Sweeps run asynchronously; a repo failure is recorded and the
// run continues, and cancellation takes effect at the next repo boundary.
type Manager struct {
	cfg     Config
	clock   clockwork.Clock
	sweeper RepoSweeper
	emitter *events.Emitter[Event]

	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	totals  struct {
		sweeps    int
		repos     int
		prs       int
		succeeded int
		duration  time.Duration
	}
}

// New creates a Manager
func New(cfg Config, clock clockwork.Clock, sweeper RepoSweeper) *Manager {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sweeper == nil {
		sweeper = NoopSweeper()
	}
	return &Manager{
		cfg:     cfg,
		clock:   clock,
		sweeper: sweeper,
		emitter: events.NewEmitter[Event]("sweep"),
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Events exposes the sweep emitter
func (m *Manager) Events() *events.Emitter[Event] {
	return m.emitter
}

// TriggerPostUpdateSweep validates a sweep config, drops repos that did not
// opt in, and starts the run in the background. AutoMerge is always forced
// off. Returns the scheduled job snapshot.
func (m *Manager) TriggerPostUpdateSweep(ctx context.Context, cfg service.SweepConfig) (Job, error) {
	switch cfg.SweepType {
	case service.SweepMaintenance, service.SweepLintFix, service.SweepDependencyUpdate, service.SweepCustom:
	default:
		return Job{}, trace.BadParameter("unknown sweep type %q", cfg.SweepType)
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = m.cfg.DefaultRateLimit
	}
	if cfg.RateLimit <= 0 && cfg.RateLimit != RateUnlimited {
		return Job{}, trace.BadParameter("rate limit must be positive or unlimited")
	}
	if cfg.MaxReposPerRun <= 0 {
		cfg.MaxReposPerRun = m.cfg.DefaultMaxReposPerRun
	}

	var optedIn []service.SweepRepoTarget
	for _, target := range cfg.TargetRepos {
		if target.OptedIn {
			optedIn = append(optedIn, target)
		}
	}
	if len(optedIn) == 0 {
		return Job{}, trace.BadParameter("no opted-in repositories to sweep")
	}
	if len(optedIn) > cfg.MaxReposPerRun {
		optedIn = optedIn[:cfg.MaxReposPerRun]
	}
	cfg.TargetRepos = optedIn
	cfg.AutoMerge = false
	if cfg.SweepID == "" {
		cfg.SweepID = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.jobs[cfg.SweepID]; exists {
		m.mu.Unlock()
		return Job{}, trace.AlreadyExists("sweep %q already exists", cfg.SweepID)
	}
	if m.activeCountLocked() >= m.cfg.MaxConcurrentSweeps {
		m.mu.Unlock()
		return Job{}, trace.LimitExceeded("max concurrent sweeps (%d) reached", m.cfg.MaxConcurrentSweeps)
	}
	runCtx, cancel := context.WithCancel(ctx)
	job := &Job{
		Config:         cfg,
		State:          service.SweepStatePending,
		Stats:          Stats{Total: len(cfg.TargetRepos)},
		ReposRemaining: len(cfg.TargetRepos),
		StartedAt:      m.clock.Now(),
	}
	m.jobs[cfg.SweepID] = job
	m.cancels[cfg.SweepID] = cancel
	snapshot := copyJob(job)
	m.mu.Unlock()

	log.Info().Str("sweep", cfg.SweepID).Str("type", string(cfg.SweepType)).Int("repos", len(cfg.TargetRepos)).Msg("Sweep started")
	m.wg.Add(1)
	go m.run(runCtx, cfg)
	return snapshot, nil
}

// CancelSweep requests cancellation of a pending or running sweep. A running
// sweep stops at the next repo boundary.
func (m *Manager) CancelSweep(sweepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[sweepID]
	if !ok {
		return trace.NotFound("unknown sweep %q", sweepID)
	}
	if job.State != service.SweepStatePending && job.State != service.SweepStateRunning {
		return trace.CompareFailed("sweep %q is already %s", sweepID, job.State)
	}
	if cancel, ok := m.cancels[sweepID]; ok {
		cancel()
	}
	return nil
}

// Sweep returns a copy of one sweep job
func (m *Manager) Sweep(sweepID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[sweepID]
	if !ok {
		return Job{}, trace.NotFound("unknown sweep %q", sweepID)
	}
	return copyJob(job), nil
}

// Sweeps returns a copy of every sweep job, oldest first
func (m *Manager) Sweeps() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Config.SweepID < out[j].Config.SweepID
	})
	return out
}

// Wait blocks until every running sweep has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, cfg service.SweepConfig) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.fail(cfg.SweepID, fmt.Sprintf("sweep run aborted: %v", r))
		}
	}()
	var delay time.Duration
	if cfg.RateLimit > 0 {
		delay = time.Duration(60000/cfg.RateLimit) * time.Millisecond
	}

	cancelled := ctx.Err() != nil
	if !cancelled {
		m.markRunning(cfg.SweepID)
	}
	for i, target := range cfg.TargetRepos {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if i > 0 && delay > 0 {
			m.clock.Sleep(delay)
			if ctx.Err() != nil {
				cancelled = true
				break
			}
		}
		result := m.sweepOne(ctx, cfg, target)
		m.recordResult(cfg.SweepID, result)
	}
	m.finish(cfg.SweepID, cancelled)
}

func (m *Manager) markRunning(sweepID string) {
	m.mu.Lock()
	if job, ok := m.jobs[sweepID]; ok && job.State == service.SweepStatePending {
		job.State = service.SweepStateRunning
	}
	m.mu.Unlock()
}

// sweepOne runs the sweeper for a single repo, converting panics and errors
// into failed results so the run continues.
func (m *Manager) sweepOne(ctx context.Context, cfg service.SweepConfig, target service.SweepRepoTarget) (result service.SweepResult) {
	start := m.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			result = service.SweepResult{
				SweepID: cfg.SweepID,
				RepoURL: target.RepoURL,
				Status:  service.SweepFailed,
				Error:   fmt.Sprintf("sweeper panic: %v", r),
			}
		}
		result.SweepID = cfg.SweepID
		result.RepoURL = target.RepoURL
		result.Duration = m.clock.Since(start)
		result.CompletedAt = m.clock.Now()
	}()

	result, err := m.sweeper.SweepRepo(ctx, cfg, target)
	if err != nil {
		log.Warn().Err(err).Str("sweep", cfg.SweepID).Str("repo", target.RepoURL).Msg("Repo sweep failed")
		return service.SweepResult{
			SweepID: cfg.SweepID,
			RepoURL: target.RepoURL,
			Status:  service.SweepFailed,
			Error:   err.Error(),
		}
	}
	if !cfg.CreatePRs {
		result.PRURL = ""
	}
	return result
}

func (m *Manager) recordResult(sweepID string, result service.SweepResult) {
	m.mu.Lock()
	job, ok := m.jobs[sweepID]
	if !ok {
		m.mu.Unlock()
		return
	}
	job.Results = append(job.Results, result)
	job.ReposCompleted++
	if job.ReposRemaining > 0 {
		job.ReposRemaining--
	}
	switch result.Status {
	case service.SweepSuccess:
		job.Stats.Succeeded++
	case service.SweepFailed:
		job.Stats.Failed++
	case service.SweepSkipped:
		job.Stats.Skipped++
	case service.SweepNoChanges:
		job.Stats.NoChanges++
	}
	if result.PRURL != "" {
		job.Stats.PRsCreated++
	}
	m.mu.Unlock()

	m.emitter.Emit(Event{Type: EventRepoSwept, SweepID: sweepID, Result: &result})
	if result.PRURL != "" {
		m.emitter.Emit(Event{Type: EventPRCreated, SweepID: sweepID, Result: &result})
	}
}

func (m *Manager) finish(sweepID string, cancelled bool) {
	m.mu.Lock()
	job, ok := m.jobs[sweepID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if job.CompletedAt != nil {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	job.CompletedAt = &now
	if cancelled {
		job.State = service.SweepStateCancelled
	} else {
		job.State = service.SweepStateCompleted
	}
	m.recordRunLocked(job)
	if cancel, ok := m.cancels[sweepID]; ok {
		cancel()
		delete(m.cancels, sweepID)
	}
	snapshot := copyJob(job)
	m.mu.Unlock()

	log.Info().Str("sweep", sweepID).Str("state", string(snapshot.State)).Int("succeeded", snapshot.Stats.Succeeded).Int("failed", snapshot.Stats.Failed).Msg("Sweep finished")
	m.emitter.Emit(Event{Type: EventSweepCompleted, SweepID: sweepID, Job: &snapshot})
}

// fail marks a sweep failed after a fatal error outside the per-repo loop
func (m *Manager) fail(sweepID, msg string) {
	m.mu.Lock()
	job, ok := m.jobs[sweepID]
	if !ok || job.CompletedAt != nil {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	job.CompletedAt = &now
	job.State = service.SweepStateFailed
	job.Error = msg
	m.recordRunLocked(job)
	if cancel, ok := m.cancels[sweepID]; ok {
		cancel()
		delete(m.cancels, sweepID)
	}
	snapshot := copyJob(job)
	m.mu.Unlock()

	log.Error().Str("sweep", sweepID).Msgf("Sweep aborted: %s", msg)
	m.emitter.Emit(Event{Type: EventSweepFailed, SweepID: sweepID, Job: &snapshot})
}

func (m *Manager) recordRunLocked(job *Job) {
	m.totals.sweeps++
	m.totals.repos += len(job.Results)
	m.totals.prs += job.Stats.PRsCreated
	m.totals.succeeded += job.Stats.Succeeded
	if job.CompletedAt != nil {
		m.totals.duration += job.CompletedAt.Sub(job.StartedAt)
	}
}

// Stats reports the aggregate counters and running averages across every
// finished sweep
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := ManagerStats{
		TotalSweeps:     m.totals.sweeps,
		TotalReposSwept: m.totals.repos,
		TotalPRsCreated: m.totals.prs,
	}
	if m.totals.sweeps > 0 {
		stats.AvgReposPerSweep = float64(m.totals.repos) / float64(m.totals.sweeps)
		stats.AvgSweepDuration = m.totals.duration / time.Duration(m.totals.sweeps)
	}
	if m.totals.repos > 0 {
		stats.SuccessRate = float64(m.totals.succeeded) / float64(m.totals.repos)
	}
	return stats
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, job := range m.jobs {
		if job.State == service.SweepStatePending || job.State == service.SweepStateRunning {
			n++
		}
	}
	return n
}

func copyJob(job *Job) Job {
	cp := *job
	cp.Results = append([]service.SweepResult(nil), job.Results...)
	cp.Config.TargetRepos = append([]service.SweepRepoTarget(nil), job.Config.TargetRepos...)
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}
