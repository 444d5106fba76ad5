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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/agentvillage/update-pipeline/service"
)

func passedCanary(passRate float64) *service.CanaryTestResult {
	return &service.CanaryTestResult{
		BuildID: "build-1",
		SuiteID: "golden_path",
		Status:  service.TestPassed,
		Metrics: service.CanaryMetrics{PassRate: passRate},
	}
}

func stableOrg(id string) service.OrgRuntimeConfig {
	return service.OrgRuntimeConfig{OrgID: id, Channel: service.ChannelStable}
}

func newController(clock clockwork.Clock) *Controller {
	return New(Config{}, clock, nil)
}

var build1 = service.RunnerBuild{BuildID: "build-1", RunnerVersion: "1.0.0"}

func TestInitiateRolloutCanaryGate(t *testing.T) {
	c := newController(clockwork.NewFakeClock())

	// stable requires a canary
	_, err := c.InitiateRollout(build1, service.ChannelStable, nil)
	require.True(t, trace.IsAccessDenied(err))

	// a failed canary never clears the gate
	failed := passedCanary(1.0)
	failed.Status = service.TestFailed
	_, err = c.InitiateRollout(build1, service.ChannelStable, failed)
	require.True(t, trace.IsAccessDenied(err))

	// a passing canary below the channel threshold is rejected
	_, err = c.InitiateRollout(build1, service.ChannelStable, passedCanary(0.90))
	require.True(t, trace.IsAccessDenied(err))
	require.Contains(t, err.Error(), "below threshold")

	// 0.90 clears beta's 0.80 threshold even though it misses stable's
	ro, err := c.InitiateRollout(build1, service.ChannelBeta, passedCanary(0.90))
	require.NoError(t, err)
	require.Equal(t, service.RolloutRollingOut, ro.State)
	require.Equal(t, 10, ro.CurrentPercentage, "first beta stage")
	require.Equal(t, "golden_path/build-1", ro.CanaryResultID)
}

func TestInitiateRolloutPinnedNeedsNoCanary(t *testing.T) {
	c := newController(clockwork.NewFakeClock())
	ro, err := c.InitiateRollout(build1, service.ChannelPinned, nil)
	require.NoError(t, err)
	require.Equal(t, 100, ro.CurrentPercentage, "pinned has a single all-at-once stage")
}

func TestInitiateRolloutCapacity(t *testing.T) {
	c := New(Config{MaxConcurrentRollouts: 2}, clockwork.NewFakeClock(), nil)
	for i := 0; i < 2; i++ {
		build := service.RunnerBuild{BuildID: fmt.Sprintf("build-%d", i)}
		_, err := c.InitiateRollout(build, service.ChannelBeta, passedCanary(1.0))
		require.NoError(t, err)
	}
	_, err := c.InitiateRollout(build1, service.ChannelBeta, passedCanary(1.0))
	require.True(t, trace.IsLimitExceeded(err))
	require.Equal(t, 2, c.ActiveCount())
}

func TestAssignmentsFollowStagePercentage(t *testing.T) {
	c := newController(clockwork.NewFakeClock())
	for i := 0; i < 10; i++ {
		require.NoError(t, c.UpsertOrgConfig(stableOrg(fmt.Sprintf("org-%02d", i))))
	}
	// enterprise orgs with approval required stay out until 100%
	require.NoError(t, c.UpsertOrgConfig(service.OrgRuntimeConfig{
		OrgID:      "org-ent",
		Channel:    service.ChannelStable,
		Enterprise: &service.EnterprisePolicy{ApprovalRequired: true},
	}))

	ro, err := c.InitiateRollout(build1, service.ChannelStable, passedCanary(1.0))
	require.NoError(t, err)
	// ceil(10 * 1%) = 1 org, lowest orgId first
	require.Equal(t, []string{"org-00"}, ro.AffectedOrgs)

	ro, err = c.AdvanceRollout(ro.RolloutID)
	require.NoError(t, err)
	require.Equal(t, 10, ro.CurrentPercentage)
	require.Equal(t, []string{"org-00"}, ro.AffectedOrgs, "ceil(10 * 10%) is still 1")

	ro, err = c.AdvanceRollout(ro.RolloutID)
	require.NoError(t, err)
	require.Equal(t, 50, ro.CurrentPercentage)
	require.Len(t, ro.AffectedOrgs, 5)

	ro, err = c.AdvanceRollout(ro.RolloutID)
	require.NoError(t, err)
	require.Equal(t, 100, ro.CurrentPercentage)
	// at 100% the enterprise org joins the population: ceil(11 * 100%) = 11
	require.Len(t, ro.AffectedOrgs, 11)
	require.Contains(t, ro.AffectedOrgs, "org-ent")

	a, err := c.Assignment("org-00")
	require.NoError(t, err)
	require.Equal(t, "build-1", a.TargetBuildID)

	// the final advance completes the rollout
	ro, err = c.AdvanceRollout(ro.RolloutID)
	require.NoError(t, err)
	require.Equal(t, service.RolloutCompleted, ro.State)

	_, err = c.AdvanceRollout(ro.RolloutID)
	require.True(t, trace.IsCompareFailed(err), "completed rollouts cannot advance")
}

func TestConcurrentRolloutsDoNotShareOrgs(t *testing.T) {
	c := newController(clockwork.NewFakeClock())
	require.NoError(t, c.UpsertOrgConfig(stableOrg("org-a")))
	require.NoError(t, c.UpsertOrgConfig(stableOrg("org-b")))

	first, err := c.InitiateRollout(build1, service.ChannelStable, passedCanary(1.0))
	require.NoError(t, err)
	require.Equal(t, []string{"org-a"}, first.AffectedOrgs)

	second, err := c.InitiateRollout(service.RunnerBuild{BuildID: "build-2"}, service.ChannelStable, passedCanary(1.0))
	require.NoError(t, err)
	require.Equal(t, []string{"org-b"}, second.AffectedOrgs, "orgs held by another live rollout are skipped")
}

func TestPauseResume(t *testing.T) {
	c := newController(clockwork.NewFakeClock())
	ro, err := c.InitiateRollout(build1, service.ChannelBeta, passedCanary(1.0))
	require.NoError(t, err)

	require.True(t, trace.IsNotFound(c.PauseRollout("ghost", "")))
	require.NoError(t, c.PauseRollout(ro.RolloutID, "elevated error rate"))
	err = c.PauseRollout(ro.RolloutID, "again")
	require.True(t, trace.IsCompareFailed(err), "pausing a paused rollout")

	_, err = c.AdvanceRollout(ro.RolloutID)
	require.True(t, trace.IsCompareFailed(err), "paused rollouts do not advance")

	require.NoError(t, c.ResumeRollout(ro.RolloutID))
	err = c.ResumeRollout(ro.RolloutID)
	require.True(t, trace.IsCompareFailed(err), "resuming a running rollout")

	got, err := c.Rollout(ro.RolloutID)
	require.NoError(t, err)
	require.Equal(t, service.RolloutRollingOut, got.State)
}

func TestRollbackRevertsAssignments(t *testing.T) {
	c := newController(clockwork.NewFakeClock())
	require.NoError(t, c.UpsertOrgConfig(stableOrg("org-a")))
	require.NoError(t, c.UpsertOrgConfig(stableOrg("org-b")))

	// org-a already runs build-0 from an earlier completed rollout
	first, err := c.InitiateRollout(service.RunnerBuild{BuildID: "build-0"}, service.ChannelStable, passedCanary(1.0))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		first, err = c.AdvanceRollout(first.RolloutID)
		require.NoError(t, err)
	}
	require.Equal(t, service.RolloutCompleted, first.State)

	second, err := c.InitiateRollout(build1, service.ChannelStable, passedCanary(1.0))
	require.NoError(t, err)
	for second.CurrentPercentage < 100 {
		second, err = c.AdvanceRollout(second.RolloutID)
		require.NoError(t, err)
	}
	a, err := c.Assignment("org-a")
	require.NoError(t, err)
	require.Equal(t, "build-1", a.TargetBuildID)
	require.Equal(t, "build-0", a.CurrentBuildID)

	require.NoError(t, c.Rollback(second.RolloutID, "crash loop"))

	// orgs with a prior build revert to it
	a, err = c.Assignment("org-a")
	require.NoError(t, err)
	require.Equal(t, "build-0", a.TargetBuildID)
	require.Empty(t, a.CurrentBuildID)

	got, err := c.Rollout(second.RolloutID)
	require.NoError(t, err)
	require.Equal(t, service.RolloutRolledBack, got.State)
	require.Equal(t, "crash loop", got.Error)
	require.Empty(t, got.AffectedOrgs)
	require.Zero(t, got.CurrentPercentage)

	err = c.Rollback(second.RolloutID, "again")
	require.True(t, trace.IsCompareFailed(err), "terminal rollouts cannot roll back")
}

func TestRollbackDropsOrgsWithoutPriorBuild(t *testing.T) {
	c := newController(clockwork.NewFakeClock())
	require.NoError(t, c.UpsertOrgConfig(stableOrg("org-a")))

	ro, err := c.InitiateRollout(build1, service.ChannelStable, passedCanary(1.0))
	require.NoError(t, err)
	require.NoError(t, c.Rollback(ro.RolloutID, "bad build"))

	_, err = c.Assignment("org-a")
	require.True(t, trace.IsNotFound(err), "first-ever assignment is removed on rollback")
}

func TestUpsertOrgConfigValidation(t *testing.T) {
	c := newController(clockwork.NewFakeClock())
	require.Error(t, c.UpsertOrgConfig(service.OrgRuntimeConfig{Channel: service.ChannelStable}))
	require.Error(t, c.UpsertOrgConfig(service.OrgRuntimeConfig{OrgID: "o", Channel: "nightly"}))
	require.Error(t, c.UpsertOrgConfig(service.OrgRuntimeConfig{OrgID: "o", Channel: service.ChannelPinned}))
	require.Error(t, c.UpsertOrgConfig(service.OrgRuntimeConfig{OrgID: "o", Channel: service.ChannelStable, PinnedBuildID: "b"}))

	require.NoError(t, c.UpsertOrgConfig(service.OrgRuntimeConfig{OrgID: "o", Channel: service.ChannelPinned, PinnedBuildID: "b"}))
	cfg, err := c.OrgConfig("o")
	require.NoError(t, err)
	require.False(t, cfg.UpdatedAt.IsZero())
}

func TestEventLogFilter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newController(clock)
	require.NoError(t, c.UpsertOrgConfig(stableOrg("org-a")))

	ro, err := c.InitiateRollout(build1, service.ChannelStable, passedCanary(1.0))
	require.NoError(t, err)
	clock.Advance(time.Hour)
	cutoff := clock.Now()
	clock.Advance(time.Hour)
	require.NoError(t, c.PauseRollout(ro.RolloutID, "operator hold"))

	all := c.EventLog(EventFilter{})
	require.Len(t, all, 2)
	require.Equal(t, service.EventRolloutStarted, all[0].EventType)
	require.Equal(t, service.EventRolloutPaused, all[1].EventType)
	require.Equal(t, "system", all[0].Actor.Type)
	require.NotEmpty(t, all[0].EventID)

	// channel-wide records match any org filter through the wildcard
	require.Len(t, c.EventLog(EventFilter{OrgID: "org-a"}), 2)
	require.Len(t, c.EventLog(EventFilter{Channel: service.ChannelBeta}), 0)
	since := c.EventLog(EventFilter{Since: cutoff})
	require.Len(t, since, 1)
	require.Equal(t, service.EventRolloutPaused, since[0].EventType)
	require.Equal(t, "operator hold", since[0].Metadata["reason"])
}

func TestTickAdvancesAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	healthy := MetricsSourceFunc(func(context.Context, service.ActiveRollout) (service.RolloutMetrics, error) {
		return service.RolloutMetrics{SessionsStarted: 500, FailureRate: 0.01, DisconnectRate: 0.02}, nil
	})
	c := New(Config{}, clock, healthy)

	ro, err := c.InitiateRollout(build1, service.ChannelBeta, passedCanary(1.0))
	require.NoError(t, err)
	require.Equal(t, 10, ro.CurrentPercentage)

	// the channel delay has not elapsed yet
	c.Tick(context.Background())
	got, err := c.Rollout(ro.RolloutID)
	require.NoError(t, err)
	require.Equal(t, 10, got.CurrentPercentage)

	clock.Advance(6 * time.Hour)
	c.Tick(context.Background())
	got, err = c.Rollout(ro.RolloutID)
	require.NoError(t, err)
	require.Equal(t, 50, got.CurrentPercentage)
}

func TestTickRollsBackOnBadMetrics(t *testing.T) {
	clock := clockwork.NewFakeClock()
	failing := MetricsSourceFunc(func(context.Context, service.ActiveRollout) (service.RolloutMetrics, error) {
		return service.RolloutMetrics{SessionsStarted: 500, FailureRate: 0.25, DisconnectRate: 0.02}, nil
	})
	c := New(Config{}, clock, failing)

	ro, err := c.InitiateRollout(build1, service.ChannelBeta, passedCanary(1.0))
	require.NoError(t, err)

	clock.Advance(6 * time.Hour)
	c.Tick(context.Background())

	got, err := c.Rollout(ro.RolloutID)
	require.NoError(t, err)
	require.Equal(t, service.RolloutRolledBack, got.State)
	require.Contains(t, got.Error, "automatic rollback")
}

func TestTickIgnoresThinSamples(t *testing.T) {
	clock := clockwork.NewFakeClock()
	thin := MetricsSourceFunc(func(context.Context, service.ActiveRollout) (service.RolloutMetrics, error) {
		return service.RolloutMetrics{SessionsStarted: 5, FailureRate: 1.0}, nil
	})
	c := New(Config{}, clock, thin)

	ro, err := c.InitiateRollout(build1, service.ChannelBeta, passedCanary(1.0))
	require.NoError(t, err)

	clock.Advance(6 * time.Hour)
	c.Tick(context.Background())

	got, err := c.Rollout(ro.RolloutID)
	require.NoError(t, err)
	require.Equal(t, service.RolloutRollingOut, got.State, "too few sessions to judge either way")
	require.Equal(t, 10, got.CurrentPercentage)
}

func TestTickEmitsErrorOnMetricsFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broken := MetricsSourceFunc(func(context.Context, service.ActiveRollout) (service.RolloutMetrics, error) {
		return service.RolloutMetrics{}, trace.ConnectionProblem(nil, "metrics backend down")
	})
	c := New(Config{}, clock, broken)
	var got []Event
	c.Events().Subscribe(func(e Event) {
		if e.Type == EventTickError {
			got = append(got, e)
		}
	})

	_, err := c.InitiateRollout(build1, service.ChannelBeta, passedCanary(1.0))
	require.NoError(t, err)
	clock.Advance(6 * time.Hour)
	c.Tick(context.Background())

	require.Len(t, got, 1)
	require.Contains(t, got[0].Err, "metrics backend down")
}
