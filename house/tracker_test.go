package house

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	mu      sync.Mutex
	village []Activity
	repo    []Activity
}

func (b *fakeBroadcaster) EmitToVillage(_, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event == ActivityEvent {
		b.village = append(b.village, payload.(Activity))
	}
}

func (b *fakeBroadcaster) EmitToRepo(_, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event == ActivityEvent {
		b.repo = append(b.repo, payload.(Activity))
	}
}

func (b *fakeBroadcaster) repoMessages() []Activity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Activity, len(b.repo))
	copy(out, b.repo)
	return out
}

func (b *fakeBroadcaster) villageMessages() []Activity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Activity, len(b.village))
	copy(out, b.village)
	return out
}

var houseKey = Key{HouseID: "house-1", RepoID: "repo-1", VillageID: "village-1"}

func TestPushTurnsLightsOn(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, nil, nil)
	defer tr.Close()

	tr.Apply(houseKey, Transition{Indicator: IndicatorLights, On: true, Source: "push"})
	require.True(t, tr.IndicatorActive("repo-1", IndicatorLights))

	activity, ok := tr.HouseActivity("repo-1")
	require.True(t, ok)
	require.Equal(t, ActivityEvent, activity.Type)
	require.Equal(t, "house-1", activity.HouseID)
	require.Equal(t, uint64(1), activity.Version)
	require.True(t, activity.Indicators[IndicatorLights].Active)
	require.Equal(t, int64(3000), activity.Indicators[IndicatorLights].MinRemainingMs)
}

func TestVersionIsMonotonic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, nil, nil)
	defer tr.Close()

	tr.Apply(houseKey, Transition{Indicator: IndicatorLights, On: true})
	tr.Apply(houseKey, Transition{Indicator: IndicatorBanner, On: true, PRNumber: 7})
	clock.Advance(5 * time.Second)
	tr.Apply(houseKey, Transition{Indicator: IndicatorBanner, On: false})

	activity, ok := tr.HouseActivity("repo-1")
	require.True(t, ok)
	require.Equal(t, uint64(3), activity.Version)
	require.False(t, activity.Indicators[IndicatorBanner].Active)
	require.True(t, activity.Indicators[IndicatorLights].Active)
}

func TestCoalescedBroadcast(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := &fakeBroadcaster{}
	tr := New(clock, b, nil)
	defer tr.Close()

	// three rapid transitions on one house make one broadcast
	tr.Apply(houseKey, Transition{Indicator: IndicatorLights, On: true})
	tr.Apply(houseKey, Transition{Indicator: IndicatorLights, On: true})
	tr.Apply(houseKey, Transition{Indicator: IndicatorBanner, On: true, PRNumber: 12})
	require.Empty(t, b.repoMessages(), "nothing goes out before the coalesce window")

	clock.Advance(coalesceWindow)
	require.Eventually(t, func() bool {
		return len(b.repoMessages()) == 1
	}, time.Second, 5*time.Millisecond)

	msgs := b.repoMessages()
	require.Equal(t, uint64(3), msgs[0].Version, "the batch carries the final version")
	require.Equal(t, 12, msgs[0].Indicators[IndicatorBanner].PRNumber)
	require.Len(t, b.villageMessages(), 1, "village room gets the same batch")
}

func TestCoalescedBroadcastCoversAllDirtyHouses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := &fakeBroadcaster{}
	tr := New(clock, b, nil)
	defer tr.Close()

	other := Key{HouseID: "house-2", RepoID: "repo-2", VillageID: "village-1"}
	tr.Apply(houseKey, Transition{Indicator: IndicatorLights, On: true})
	tr.Apply(other, Transition{Indicator: IndicatorSmoke, On: true, BuildStatus: "in_progress"})

	clock.Advance(coalesceWindow)
	require.Eventually(t, func() bool {
		return len(b.repoMessages()) == 2
	}, time.Second, 5*time.Millisecond, "one message per dirty house")
}

func TestTTLExpiryTurnsIndicatorOff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, nil, nil)
	defer tr.Close()

	tr.Apply(houseKey, Transition{Indicator: IndicatorLights, On: true})
	clock.Advance(89 * time.Second)
	require.True(t, tr.IndicatorActive("repo-1", IndicatorLights))

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return !tr.IndicatorActive("repo-1", IndicatorLights)
	}, time.Second, 5*time.Millisecond, "lights expire after their TTL")
}

func TestRepeatActivityRearmsTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, nil, nil)
	defer tr.Close()

	tr.Apply(houseKey, Transition{Indicator: IndicatorLights, On: true})
	clock.Advance(60 * time.Second)
	tr.Apply(houseKey, Transition{Indicator: IndicatorLights, On: true})
	clock.Advance(60 * time.Second)
	require.True(t, tr.IndicatorActive("repo-1", IndicatorLights), "a fresh push restarts the 90s TTL")
}

func TestOffDeferredUntilMinVisible(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, nil, nil)
	defer tr.Close()

	// smoke on, then the check completes 1s later: smoke must stay up
	// until the 5s minimum visibility has elapsed
	tr.Apply(houseKey, Transition{Indicator: IndicatorSmoke, On: true, BuildStatus: "in_progress"})
	clock.Advance(time.Second)
	tr.Apply(houseKey, Transition{Indicator: IndicatorSmoke, On: false, BuildStatus: "passed"})
	require.True(t, tr.IndicatorActive("repo-1", IndicatorSmoke))

	// the final status is visible even while the off is pending
	activity, ok := tr.HouseActivity("repo-1")
	require.True(t, ok)
	require.Equal(t, "passed", activity.Indicators[IndicatorSmoke].Status)

	clock.Advance(4 * time.Second)
	require.Eventually(t, func() bool {
		return !tr.IndicatorActive("repo-1", IndicatorSmoke)
	}, time.Second, 5*time.Millisecond)
}

func TestOffPastMinVisibleIsImmediate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, nil, nil)
	defer tr.Close()

	tr.Apply(houseKey, Transition{Indicator: IndicatorBanner, On: true, PRNumber: 3})
	clock.Advance(10 * time.Second)
	tr.Apply(houseKey, Transition{Indicator: IndicatorBanner, On: false})
	require.False(t, tr.IndicatorActive("repo-1", IndicatorBanner))
}

func TestOffWhileAlreadyOffIsSilent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock, nil, nil)
	defer tr.Close()

	tr.Apply(houseKey, Transition{Indicator: IndicatorSmoke, On: false, BuildStatus: "failed"})
	require.False(t, tr.IndicatorActive("repo-1", IndicatorSmoke))

	// the status is still recorded for the next snapshot
	activity, ok := tr.HouseActivity("repo-1")
	require.True(t, ok)
	require.Equal(t, "failed", activity.Indicators[IndicatorSmoke].Status)
	require.Equal(t, uint64(0), activity.Version, "no visible change, no version bump")
}

func TestUnknownIndicatorIgnored(t *testing.T) {
	tr := New(clockwork.NewFakeClock(), nil, nil)
	defer tr.Close()
	tr.Apply(houseKey, Transition{Indicator: "disco", On: true})
	_, ok := tr.HouseActivity("repo-1")
	require.False(t, ok)
}

func TestCloseStopsActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := &fakeBroadcaster{}
	tr := New(clock, b, nil)

	tr.Apply(houseKey, Transition{Indicator: IndicatorLights, On: true})
	tr.Close()
	tr.Apply(houseKey, Transition{Indicator: IndicatorBanner, On: true})

	activity, ok := tr.HouseActivity("repo-1")
	require.True(t, ok)
	require.Equal(t, uint64(1), activity.Version, "transitions after close are dropped")

	clock.Advance(coalesceWindow)
	require.Empty(t, b.repoMessages(), "close cancels the pending flush")
}

func TestMapWebhookEvent(t *testing.T) {
	tr, ok := MapWebhookEvent("push", "", "", "deadbeef", 0)
	require.True(t, ok)
	require.Equal(t, IndicatorLights, tr.Indicator)
	require.True(t, tr.On)
	require.Equal(t, "deadbeef", tr.ContextID)

	tr, ok = MapWebhookEvent("pull_request", "opened", "", "", 42)
	require.True(t, ok)
	require.Equal(t, IndicatorBanner, tr.Indicator)
	require.True(t, tr.On)
	require.Equal(t, 42, tr.PRNumber)

	tr, ok = MapWebhookEvent("pull_request", "closed", "", "", 42)
	require.True(t, ok)
	require.False(t, tr.On)

	tr, ok = MapWebhookEvent("check_run", "in_progress", "", "", 0)
	require.True(t, ok)
	require.Equal(t, IndicatorSmoke, tr.Indicator)
	require.True(t, tr.On)
	require.Equal(t, "in_progress", tr.BuildStatus)

	tr, ok = MapWebhookEvent("check_run", "completed", "success", "", 0)
	require.True(t, ok)
	require.False(t, tr.On)
	require.Equal(t, "passed", tr.BuildStatus)

	tr, ok = MapWebhookEvent("check_run", "completed", "failure", "", 0)
	require.True(t, ok)
	require.Equal(t, "failed", tr.BuildStatus)

	_, ok = MapWebhookEvent("pull_request", "labeled", "", "", 1)
	require.False(t, ok)
	_, ok = MapWebhookEvent("deployment", "", "", "", 0)
	require.False(t, ok)
}
