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
package canary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/agentvillage/update-pipeline/events"
	"github.com/agentvillage/update-pipeline/service"
)

// EventType names a runner event
type EventType string

const (
	EventSuiteStarted   EventType = "suite_started"
	EventTestStarted    EventType = "test_started"
	EventTestCompleted  EventType = "test_completed"
	EventTestRetried    EventType = "test_retried"
	EventSuiteCompleted EventType = "suite_completed"
)

// Event is the runner emitter payload
type Event struct {
	Type        EventType
	BuildID     string
	SuiteID     string
	TestID      string
	Attempt     int
	CaseResult  *service.TestCaseResult
	SuiteResult *service.CanaryTestResult
}

// Executor runs one test case against a candidate build. Execution is
// external to the pipeline; the runner only schedules, times out, retries
// and aggregates.
type Executor interface {
	Execute(ctx context.Context, build service.RunnerBuild, tc service.CanaryTestCase) service.TestCaseResult
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, build service.RunnerBuild, tc service.CanaryTestCase) service.TestCaseResult

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, build service.RunnerBuild, tc service.CanaryTestCase) service.TestCaseResult {
	return f(ctx, build, tc)
}

// NoopExecutor skips every case. It is the default when no test harness is
// attached; an all-skipped suite reports status passed with pass rate 0, so
// it never clears a channel threshold.
func NoopExecutor() Executor {
	return ExecutorFunc(func(_ context.Context, _ service.RunnerBuild, _ service.CanaryTestCase) service.TestCaseResult {
		return service.TestCaseResult{Status: service.TestSkipped, Output: "no test harness attached"}
	})
}

// Config holds the runner knobs
type Config struct {
	// MaxConcurrency is carried for config compatibility; suites run one at
	// a time
	MaxConcurrency int
	// DefaultTimeout bounds each case and each suite lacking its own timeout
	DefaultTimeout time.Duration
	// RetryCount is the number of retries after a retriable failure
	RetryCount int
	// ContinueOnFailure keeps a suite going past a non-passed case
	ContinueOnFailure bool
	// Providers receive one case each in the built-in suites
	Providers []string
}

func (c *Config) setDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 2
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if len(c.Providers) == 0 {
		c.Providers = DefaultProviders()
	}
}

// Runner executes suites of canary test cases against a candidate build and
// summarizes results. It is single-flighted: only one suite runs at a time.
type Runner struct {
	cfg     Config
	clock   clockwork.Clock
	exec    Executor
	emitter *events.Emitter[Event]

	mu         sync.Mutex
	suites     map[string]service.CanaryTestSuite
	suiteOrder []string
	running    bool
}

// New creates a Runner with the built-in suites registered
func New(cfg Config, clock clockwork.Clock, exec Executor) *Runner {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if exec == nil {
		exec = NoopExecutor()
	}
	r := &Runner{
		cfg:     cfg,
		clock:   clock,
		exec:    exec,
		emitter: events.NewEmitter[Event]("canary"),
		suites:  make(map[string]service.CanaryTestSuite),
	}
	for _, suite := range DefaultSuites(cfg.Providers, cfg.DefaultTimeout) {
		r.suites[suite.SuiteID] = suite
		r.suiteOrder = append(r.suiteOrder, suite.SuiteID)
	}
	return r
}

// Events exposes the runner emitter
func (r *Runner) Events() *events.Emitter[Event] {
	return r.emitter
}

// RegisterSuite adds a custom suite
func (r *Runner) RegisterSuite(suite service.CanaryTestSuite) error {
	if suite.SuiteID == "" {
		return trace.BadParameter("suite requires suiteId")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.suites[suite.SuiteID]; ok {
		return trace.AlreadyExists("suite %q already registered", suite.SuiteID)
	}
	r.suites[suite.SuiteID] = suite
	r.suiteOrder = append(r.suiteOrder, suite.SuiteID)
	return nil
}

// Suites returns the registered suites in registration order
func (r *Runner) Suites() []service.CanaryTestSuite {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]service.CanaryTestSuite, 0, len(r.suiteOrder))
	for _, id := range r.suiteOrder {
		out = append(out, r.suites[id])
	}
	return out
}

// IsRunning reports whether any suite is active
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RunSuite executes one suite against a build
func (r *Runner) RunSuite(ctx context.Context, build service.RunnerBuild, suiteID string) (service.CanaryTestResult, error) {
	r.mu.Lock()
	suite, ok := r.suites[suiteID]
	if !ok {
		r.mu.Unlock()
		return service.CanaryTestResult{}, trace.NotFound("unknown suite %q", suiteID)
	}
	if r.running {
		r.mu.Unlock()
		return service.CanaryTestResult{}, trace.LimitExceeded("a canary suite is already running")
	}
	r.running = true
	r.mu.Unlock()
	defer r.setIdle()

	return r.runSuite(ctx, build, suite), nil
}

// RunAllSuites executes every registered suite in order. When
// ContinueOnFailure is false, the first non-passed suite stops the run; the
// results produced so far are still returned.
func (r *Runner) RunAllSuites(ctx context.Context, build service.RunnerBuild) ([]service.CanaryTestResult, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, trace.LimitExceeded("a canary suite is already running")
	}
	r.running = true
	suites := make([]service.CanaryTestSuite, 0, len(r.suiteOrder))
	for _, id := range r.suiteOrder {
		suites = append(suites, r.suites[id])
	}
	r.mu.Unlock()
	defer r.setIdle()

	var results []service.CanaryTestResult
	for _, suite := range suites {
		res := r.runSuite(ctx, build, suite)
		results = append(results, res)
		if res.Status != service.TestPassed && !r.cfg.ContinueOnFailure {
			break
		}
	}
	return results, nil
}

func (r *Runner) setIdle() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *Runner) runSuite(ctx context.Context, build service.RunnerBuild, suite service.CanaryTestSuite) service.CanaryTestResult {
	startedAt := r.clock.Now()
	suiteTimeout := suite.Timeout
	if suiteTimeout <= 0 {
		suiteTimeout = r.cfg.DefaultTimeout
	}
	deadline := startedAt.Add(suiteTimeout)

	log.Info().Str("suite", suite.SuiteID).Str("build", build.BuildID).Msg("Canary suite started")
	r.emitter.Emit(Event{Type: EventSuiteStarted, BuildID: build.BuildID, SuiteID: suite.SuiteID})

	results := make([]service.TestCaseResult, 0, len(suite.TestCases))
	abortMsg := ""
	for _, tc := range suite.TestCases {
		if abortMsg != "" {
			results = append(results, service.TestCaseResult{
				TestID:       tc.TestID,
				Status:       service.TestError,
				ErrorMessage: abortMsg,
			})
			continue
		}
		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			abortMsg = "Suite timeout"
			results = append(results, service.TestCaseResult{
				TestID:       tc.TestID,
				Status:       service.TestError,
				ErrorMessage: abortMsg,
			})
			continue
		}
		res := r.runCase(ctx, build, suite.SuiteID, tc, remaining)
		results = append(results, res)
		r.emitter.Emit(Event{Type: EventTestCompleted, BuildID: build.BuildID, SuiteID: suite.SuiteID, TestID: tc.TestID, CaseResult: &res})
		if res.Status != service.TestPassed && !r.cfg.ContinueOnFailure {
			abortMsg = "Aborted"
		}
	}

	result := service.CanaryTestResult{
		BuildID:     build.BuildID,
		SuiteID:     suite.SuiteID,
		Status:      overallStatus(results),
		StartedAt:   startedAt,
		CompletedAt: r.clock.Now(),
		TestResults: results,
		Metrics:     computeMetrics(results),
	}
	log.Info().Str("suite", suite.SuiteID).Str("build", build.BuildID).Str("status", string(result.Status)).Float64("passRate", result.Metrics.PassRate).Msg("Canary suite completed")
	r.emitter.Emit(Event{Type: EventSuiteCompleted, BuildID: build.BuildID, SuiteID: suite.SuiteID, SuiteResult: &result})
	return result
}

func (r *Runner) runCase(ctx context.Context, build service.RunnerBuild, suiteID string, tc service.CanaryTestCase, remaining time.Duration) service.TestCaseResult {
	timeout := tc.Config.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	if timeout > remaining {
		timeout = remaining
	}

	attempts := 1 + r.cfg.RetryCount
	var res service.TestCaseResult
	for attempt := 1; attempt <= attempts; attempt++ {
		// cancellation is checked before every attempt
		if ctx.Err() != nil {
			return service.TestCaseResult{TestID: tc.TestID, Status: service.TestError, ErrorMessage: "cancelled"}
		}
		r.emitter.Emit(Event{Type: EventTestStarted, BuildID: build.BuildID, SuiteID: suiteID, TestID: tc.TestID, Attempt: attempt})
		res = r.executeOnce(ctx, build, tc, timeout)
		res.TestID = tc.TestID
		if res.Status == service.TestPassed || !retriable(res) || attempt == attempts {
			return res
		}
		log.Debug().Str("test", tc.TestID).Int("attempt", attempt).Str("status", string(res.Status)).Msg("Retrying canary test case")
		r.emitter.Emit(Event{Type: EventTestRetried, BuildID: build.BuildID, SuiteID: suiteID, TestID: tc.TestID, Attempt: attempt, CaseResult: &res})
	}
	return res
}

func (r *Runner) executeOnce(ctx context.Context, build service.RunnerBuild, tc service.CanaryTestCase, timeout time.Duration) service.TestCaseResult {
	start := r.clock.Now()
	done := make(chan service.TestCaseResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- service.TestCaseResult{
					Status:       service.TestError,
					ErrorMessage: fmt.Sprintf("executor panicked: %v", rec),
				}
			}
		}()
		done <- r.exec.Execute(ctx, build, tc)
	}()

	select {
	case res := <-done:
		if res.Duration <= 0 {
			res.Duration = r.clock.Since(start)
		}
		return res
	case <-r.clock.After(timeout):
		return service.TestCaseResult{
			Status:       service.TestTimeout,
			Duration:     timeout,
			ErrorMessage: "test case timed out",
		}
	case <-ctx.Done():
		return service.TestCaseResult{
			Status:       service.TestError,
			Duration:     r.clock.Since(start),
			ErrorMessage: "cancelled",
		}
	}
}

// transientPatterns match error messages worth retrying
var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"timed out",
	"timeout",
	"econnreset",
	"etimedout",
	"temporarily unavailable",
}

func retriable(res service.TestCaseResult) bool {
	if res.Status == service.TestTimeout {
		return true
	}
	if res.Status != service.TestFailed && res.Status != service.TestError {
		return false
	}
	msg := strings.ToLower(res.ErrorMessage)
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// overallStatus folds case outcomes into a suite status: timeout wins over
// error, error over failed, anything else is passed.
func overallStatus(results []service.TestCaseResult) service.TestStatus {
	hasTimeout, hasError, hasFailed := false, false, false
	for _, res := range results {
		switch res.Status {
		case service.TestTimeout:
			hasTimeout = true
		case service.TestError:
			hasError = true
		case service.TestFailed:
			hasFailed = true
		}
	}
	switch {
	case hasTimeout:
		return service.TestTimeout
	case hasError:
		return service.TestError
	case hasFailed:
		return service.TestFailed
	default:
		return service.TestPassed
	}
}

func computeMetrics(results []service.TestCaseResult) service.CanaryMetrics {
	m := service.CanaryMetrics{TotalTests: len(results)}
	var totalDur, passedDur time.Duration
	for _, res := range results {
		totalDur += res.Duration
		switch res.Status {
		case service.TestPassed:
			m.Passed++
			passedDur += res.Duration
		case service.TestFailed, service.TestTimeout:
			// timed-out cases fold into failed
			m.Failed++
		case service.TestError:
			m.Errored++
		case service.TestSkipped:
			m.Skipped++
		}
	}
	if m.TotalTests > 0 {
		m.PassRate = float64(m.Passed) / float64(m.TotalTests)
		m.AvgSessionStart = totalDur / time.Duration(m.TotalTests)
	}
	if m.Passed > 0 {
		m.AvgTimeToFirstOutput = passedDur / time.Duration(m.Passed)
	}
	return m
}
