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
package house

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Indicator is one visual signal on a village house
type Indicator string

const (
	// IndicatorLights flashes on repository pushes
	IndicatorLights Indicator = "lights"
	// IndicatorBanner hangs while a pull request is open
	IndicatorBanner Indicator = "banner"
	// IndicatorSmoke rises while a check run is in flight or has failed
	IndicatorSmoke Indicator = "smoke"
)

// Policy is the visibility policy of one indicator. MinVisible keeps an
// indicator from flickering off before a viewer can see it.
type Policy struct {
	TTL        time.Duration
	MinVisible time.Duration
}

// DefaultPolicies returns the built-in per-indicator policies
func DefaultPolicies() map[Indicator]Policy {
	return map[Indicator]Policy{
		IndicatorLights: {TTL: 90 * time.Second, MinVisible: 3 * time.Second},
		IndicatorBanner: {TTL: 24 * time.Hour, MinVisible: 2 * time.Second},
		IndicatorSmoke:  {TTL: 10 * time.Minute, MinVisible: 5 * time.Second},
	}
}

// coalesceWindow batches rapid-fire transitions into one broadcast pass
const coalesceWindow = 50 * time.Millisecond

// ActivityEvent is the broadcast event name carrying an Activity payload
const ActivityEvent = "house.activity"

// Key identifies one house. RepoID keys the broadcast; VillageID selects the
// village room.
type Key struct {
	HouseID   string
	RepoID    string
	VillageID string
}

// Transition is one logical indicator change applied to a house
type Transition struct {
	Indicator   Indicator
	On          bool
	Source      string
	PRNumber    int
	BuildStatus string
	ContextID   string
}

// IndicatorSummary is the broadcast view of one indicator
type IndicatorSummary struct {
	Active         bool   `json:"active"`
	MinRemainingMs int64  `json:"minRemainingMs"`
	PRNumber       int    `json:"prNumber,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Activity is the coalesced broadcast payload of one house
type Activity struct {
	Type       string                         `json:"type"`
	HouseID    string                         `json:"houseId,omitempty"`
	RepoID     string                         `json:"repoId,omitempty"`
	Indicators map[Indicator]IndicatorSummary `json:"indicators"`
	Version    uint64                         `json:"version"`
	TS         time.Time                      `json:"ts"`
}

// Broadcaster delivers house activity to connected viewers
type Broadcaster interface {
	EmitToVillage(villageID, event string, payload any)
	EmitToRepo(repoID, event string, payload any)
}

type indicatorState struct {
	active          bool
	source          string
	startedAt       time.Time
	minVisibleUntil time.Time
	expiresAt       time.Time
	prNumber        int
	buildStatus     string
	expiry          clockwork.Timer
	offTimer        clockwork.Timer
}

type houseState struct {
	key        Key
	version    uint64
	indicators map[Indicator]*indicatorState
}

// Tracker keeps the debounced indicator state of every house. A transition
// turning an indicator on arms its TTL and extends the minimum visible
// window; turning it off is deferred until the indicator has been visible
// for its minimum duration. State changes bump a per-house monotonic version
// and are broadcast coalesced: within the coalesce window of the first dirty
// house, one activity message per dirty house goes out.
type Tracker struct {
	clock       clockwork.Clock
	broadcaster Broadcaster
	policies    map[Indicator]Policy

	mu      sync.Mutex
	houses  map[string]*houseState
	pending map[string]bool
	flush   clockwork.Timer
	closed  bool
}

// New creates a Tracker. A nil broadcaster drops broadcasts.
func New(clock clockwork.Clock, broadcaster Broadcaster, policies map[Indicator]Policy) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Tracker{
		clock:       clock,
		broadcaster: broadcaster,
		policies:    policies,
		houses:      make(map[string]*houseState),
		pending:     make(map[string]bool),
	}
}

// Apply applies one indicator transition to a house
func (t *Tracker) Apply(key Key, tr Transition) {
	policy, ok := t.policies[tr.Indicator]
	if !ok {
		log.Debug().Str("indicator", string(tr.Indicator)).Msg("Ignoring unknown indicator")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	h := t.houseLocked(key)
	st := h.indicators[tr.Indicator]
	if st == nil {
		st = &indicatorState{}
		h.indicators[tr.Indicator] = st
	}
	if tr.On {
		t.applyOnLocked(h, st, tr, policy)
	} else {
		t.applyOffLocked(h, st, tr, policy)
	}
}

// IndicatorActive reports whether an indicator is currently on
func (t *Tracker) IndicatorActive(repoID string, indicator Indicator) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.houses[repoID]
	if !ok {
		return false
	}
	st := h.indicators[indicator]
	return st != nil && st.active
}

// HouseActivity returns the current broadcast view of one house
func (t *Tracker) HouseActivity(repoID string) (Activity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.houses[repoID]
	if !ok {
		return Activity{}, false
	}
	return t.activityLocked(h), true
}

// Close stops every pending timer. Further transitions are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.flush != nil {
		t.flush.Stop()
		t.flush = nil
	}
	for _, h := range t.houses {
		for _, st := range h.indicators {
			if st.expiry != nil {
				st.expiry.Stop()
			}
			if st.offTimer != nil {
				st.offTimer.Stop()
			}
		}
	}
}

func (t *Tracker) applyOnLocked(h *houseState, st *indicatorState, tr Transition, policy Policy) {
	now := t.clock.Now()
	if !st.active {
		st.active = true
		st.startedAt = now
	}
	if until := now.Add(policy.MinVisible); until.After(st.minVisibleUntil) {
		st.minVisibleUntil = until
	}
	st.expiresAt = now.Add(policy.TTL)
	if tr.Source != "" {
		st.source = tr.Source
	}
	if tr.PRNumber != 0 {
		st.prNumber = tr.PRNumber
	}
	if tr.BuildStatus != "" {
		st.buildStatus = tr.BuildStatus
	}
	if st.offTimer != nil {
		st.offTimer.Stop()
		st.offTimer = nil
	}
	if st.expiry != nil {
		st.expiry.Stop()
	}
	key, indicator := h.key, tr.Indicator
	st.expiry = t.clock.AfterFunc(policy.TTL, func() {
		t.Apply(key, Transition{Indicator: indicator, On: false})
	})
	t.bumpLocked(h)
}

func (t *Tracker) applyOffLocked(h *houseState, st *indicatorState, tr Transition, policy Policy) {
	if tr.BuildStatus != "" {
		st.buildStatus = tr.BuildStatus
	}
	if !st.active {
		return
	}
	now := t.clock.Now()
	if remaining := st.minVisibleUntil.Sub(now); remaining > 0 {
		if st.offTimer == nil {
			key := h.key
			off := Transition{Indicator: tr.Indicator, On: false}
			st.offTimer = t.clock.AfterFunc(remaining, func() {
				t.Apply(key, off)
			})
		}
		return
	}
	st.active = false
	st.startedAt = time.Time{}
	st.minVisibleUntil = time.Time{}
	st.expiresAt = time.Time{}
	if st.expiry != nil {
		st.expiry.Stop()
		st.expiry = nil
	}
	if st.offTimer != nil {
		st.offTimer.Stop()
		st.offTimer = nil
	}
	t.bumpLocked(h)
}

func (t *Tracker) houseLocked(key Key) *houseState {
	id := key.RepoID
	if id == "" {
		id = key.HouseID
	}
	h, ok := t.houses[id]
	if !ok {
		h = &houseState{
			key:        key,
			indicators: make(map[Indicator]*indicatorState),
		}
		t.houses[id] = h
	}
	if key.VillageID != "" {
		h.key.VillageID = key.VillageID
	}
	if key.HouseID != "" {
		h.key.HouseID = key.HouseID
	}
	return h
}

// bumpLocked advances the house version and marks it for the next coalesced
// broadcast pass
func (t *Tracker) bumpLocked(h *houseState) {
	h.version++
	id := h.key.RepoID
	if id == "" {
		id = h.key.HouseID
	}
	t.pending[id] = true
	if t.flush != nil {
		return
	}
	t.flush = t.clock.AfterFunc(coalesceWindow, t.broadcastPending)
}

func (t *Tracker) broadcastPending() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.flush = nil
	type outbound struct {
		villageID string
		repoID    string
		activity  Activity
	}
	var batch []outbound
	for id := range t.pending {
		h, ok := t.houses[id]
		if !ok {
			continue
		}
		batch = append(batch, outbound{
			villageID: h.key.VillageID,
			repoID:    id,
			activity:  t.activityLocked(h),
		})
	}
	t.pending = make(map[string]bool)
	t.mu.Unlock()

	if t.broadcaster == nil {
		return
	}
	for _, out := range batch {
		if out.villageID != "" {
			t.broadcaster.EmitToVillage(out.villageID, ActivityEvent, out.activity)
		}
		t.broadcaster.EmitToRepo(out.repoID, ActivityEvent, out.activity)
	}
}

func (t *Tracker) activityLocked(h *houseState) Activity {
	now := t.clock.Now()
	indicators := make(map[Indicator]IndicatorSummary, len(h.indicators))
	for ind, st := range h.indicators {
		summary := IndicatorSummary{Active: st.active}
		if st.active {
			if remaining := st.minVisibleUntil.Sub(now); remaining > 0 {
				summary.MinRemainingMs = remaining.Milliseconds()
			}
		}
		switch ind {
		case IndicatorBanner:
			summary.PRNumber = st.prNumber
		case IndicatorSmoke:
			summary.Status = st.buildStatus
		}
		indicators[ind] = summary
	}
	return Activity{
		Type:       ActivityEvent,
		HouseID:    h.key.HouseID,
		RepoID:     h.key.RepoID,
		Indicators: indicators,
		Version:    h.version,
		TS:         now,
	}
}
