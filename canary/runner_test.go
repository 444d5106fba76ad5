package canary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/agentvillage/update-pipeline/service"
)

var testBuild = service.RunnerBuild{BuildID: "build-1", RunnerVersion: "1.0.0"}

func singleCaseSuite(id string) service.CanaryTestSuite {
	return service.CanaryTestSuite{
		SuiteID: id,
		Name:    id,
		TestCases: []service.CanaryTestCase{
			{TestID: id + "/case", Type: service.TestGoldenPath},
		},
	}
}

func passingExecutor() Executor {
	return ExecutorFunc(func(context.Context, service.RunnerBuild, service.CanaryTestCase) service.TestCaseResult {
		return service.TestCaseResult{Status: service.TestPassed, Duration: time.Second}
	})
}

func TestRunSuitePassAggregation(t *testing.T) {
	r := New(Config{Providers: []string{"codex", "claude_code"}}, clockwork.NewRealClock(), passingExecutor())

	result, err := r.RunSuite(context.Background(), testBuild, "adapter_contract")
	require.NoError(t, err)
	require.Equal(t, service.TestPassed, result.Status)
	require.Equal(t, "build-1", result.BuildID)
	require.Len(t, result.TestResults, 2, "one case per provider")
	require.Equal(t, 1.0, result.Metrics.PassRate)
	require.Equal(t, 2, result.Metrics.Passed)
}

func TestRunSuiteUnknownSuite(t *testing.T) {
	r := New(Config{}, clockwork.NewRealClock(), passingExecutor())
	_, err := r.RunSuite(context.Background(), testBuild, "nope")
	require.True(t, trace.IsNotFound(err))
}

func TestRunSuiteFailureAborts(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, _ service.RunnerBuild, tc service.CanaryTestCase) service.TestCaseResult {
		if tc.Providers[0] == "codex" {
			return service.TestCaseResult{Status: service.TestFailed, ErrorMessage: "assertion mismatch"}
		}
		return service.TestCaseResult{Status: service.TestPassed}
	})
	r := New(Config{Providers: []string{"codex", "claude_code", "gemini_cli"}}, clockwork.NewRealClock(), exec)

	result, err := r.RunSuite(context.Background(), testBuild, "adapter_contract")
	require.NoError(t, err)
	// aborted cases are errors, and error outranks failed in the fold
	require.Equal(t, service.TestError, result.Status)
	require.Len(t, result.TestResults, 3)
	require.Equal(t, service.TestFailed, result.TestResults[0].Status)
	require.Equal(t, service.TestError, result.TestResults[1].Status)
	require.Equal(t, "Aborted", result.TestResults[1].ErrorMessage)
}

func TestRunSuiteContinueOnFailure(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, _ service.RunnerBuild, tc service.CanaryTestCase) service.TestCaseResult {
		if tc.Providers[0] == "codex" {
			return service.TestCaseResult{Status: service.TestFailed, ErrorMessage: "assertion mismatch"}
		}
		return service.TestCaseResult{Status: service.TestPassed}
	})
	r := New(Config{Providers: []string{"codex", "claude_code"}, ContinueOnFailure: true}, clockwork.NewRealClock(), exec)

	result, err := r.RunSuite(context.Background(), testBuild, "adapter_contract")
	require.NoError(t, err)
	require.Equal(t, service.TestFailed, result.Status)
	require.Equal(t, service.TestPassed, result.TestResults[1].Status)
	require.InDelta(t, 0.5, result.Metrics.PassRate, 0.001)
}

func TestRetryOnTransientFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	exec := ExecutorFunc(func(context.Context, service.RunnerBuild, service.CanaryTestCase) service.TestCaseResult {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return service.TestCaseResult{Status: service.TestError, ErrorMessage: "read tcp: connection reset by peer"}
		}
		return service.TestCaseResult{Status: service.TestPassed}
	})
	r := New(Config{RetryCount: 2}, clockwork.NewRealClock(), exec)
	require.NoError(t, r.RegisterSuite(singleCaseSuite("retry")))

	result, err := r.RunSuite(context.Background(), testBuild, "retry")
	require.NoError(t, err)
	require.Equal(t, service.TestPassed, result.Status)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, attempts)
}

func TestNoRetryOnDeterministicFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	exec := ExecutorFunc(func(context.Context, service.RunnerBuild, service.CanaryTestCase) service.TestCaseResult {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return service.TestCaseResult{Status: service.TestFailed, ErrorMessage: "wrong exit code"}
	})
	r := New(Config{RetryCount: 3}, clockwork.NewRealClock(), exec)
	require.NoError(t, r.RegisterSuite(singleCaseSuite("det")))

	result, err := r.RunSuite(context.Background(), testBuild, "det")
	require.NoError(t, err)
	require.Equal(t, service.TestFailed, result.Status)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, attempts, "deterministic failures are not retried")
}

func TestCaseTimeoutFoldsIntoFailed(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, _ service.RunnerBuild, _ service.CanaryTestCase) service.TestCaseResult {
		<-ctx.Done()
		return service.TestCaseResult{Status: service.TestError, ErrorMessage: "cancelled"}
	})
	r := New(Config{DefaultTimeout: 20 * time.Millisecond}, clockwork.NewRealClock(), exec)
	require.NoError(t, r.RegisterSuite(service.CanaryTestSuite{
		SuiteID: "slow",
		Timeout: time.Minute,
		TestCases: []service.CanaryTestCase{
			{TestID: "slow/hang", Config: service.CanaryTestCaseConfig{Timeout: 20 * time.Millisecond}},
		},
	}))

	result, err := r.RunSuite(context.Background(), testBuild, "slow")
	require.NoError(t, err)
	require.Equal(t, service.TestTimeout, result.Status)
	require.Equal(t, 1, result.Metrics.Failed, "timeouts count as failed in the metrics")
	require.Equal(t, 0.0, result.Metrics.PassRate)
}

func TestSingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	exec := ExecutorFunc(func(context.Context, service.RunnerBuild, service.CanaryTestCase) service.TestCaseResult {
		once.Do(func() { close(started) })
		<-release
		return service.TestCaseResult{Status: service.TestPassed}
	})
	r := New(Config{}, clockwork.NewRealClock(), exec)
	require.NoError(t, r.RegisterSuite(singleCaseSuite("slow")))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.RunSuite(context.Background(), testBuild, "slow")
		require.NoError(t, err)
	}()

	<-started
	require.True(t, r.IsRunning())
	_, err := r.RunSuite(context.Background(), testBuild, "slow")
	require.True(t, trace.IsLimitExceeded(err))
	_, err = r.RunAllSuites(context.Background(), testBuild)
	require.True(t, trace.IsLimitExceeded(err))

	close(release)
	<-done
	require.False(t, r.IsRunning())
}

func TestNoopExecutorAllSkipped(t *testing.T) {
	r := New(Config{Providers: []string{"codex"}}, clockwork.NewRealClock(), nil)

	result, err := r.RunSuite(context.Background(), testBuild, "adapter_contract")
	require.NoError(t, err)
	require.Equal(t, service.TestPassed, result.Status, "skips do not fail the suite")
	require.Equal(t, 1, result.Metrics.Skipped)
	require.Equal(t, 0.0, result.Metrics.PassRate, "pass rate 0 keeps channel gates closed")
}

func TestRunAllSuitesStopsAtFirstFailure(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, _ service.RunnerBuild, tc service.CanaryTestCase) service.TestCaseResult {
		if tc.Type == service.TestGoldenPath {
			return service.TestCaseResult{Status: service.TestFailed, ErrorMessage: "diff did not apply"}
		}
		return service.TestCaseResult{Status: service.TestPassed}
	})
	r := New(Config{Providers: []string{"codex"}}, clockwork.NewRealClock(), exec)

	results, err := r.RunAllSuites(context.Background(), testBuild)
	require.NoError(t, err)
	// adapter_contract passes, golden_path fails, the rest never runs
	require.Len(t, results, 2)
	require.Equal(t, "adapter_contract", results[0].SuiteID)
	require.Equal(t, service.TestPassed, results[0].Status)
	require.Equal(t, "golden_path", results[1].SuiteID)
	require.Equal(t, service.TestFailed, results[1].Status)
}

func TestExecutorPanicBecomesError(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, service.RunnerBuild, service.CanaryTestCase) service.TestCaseResult {
		panic("harness crashed")
	})
	r := New(Config{}, clockwork.NewRealClock(), exec)
	require.NoError(t, r.RegisterSuite(singleCaseSuite("panicky")))

	result, err := r.RunSuite(context.Background(), testBuild, "panicky")
	require.NoError(t, err)
	require.Equal(t, service.TestError, result.Status)
	require.Contains(t, result.TestResults[0].ErrorMessage, "executor panicked")
}

func TestRegisterSuiteDuplicate(t *testing.T) {
	r := New(Config{}, clockwork.NewRealClock(), passingExecutor())
	require.NoError(t, r.RegisterSuite(singleCaseSuite("custom")))
	err := r.RegisterSuite(singleCaseSuite("custom"))
	require.True(t, trace.IsAlreadyExists(err))
	require.Error(t, r.RegisterSuite(service.CanaryTestSuite{}))
}
