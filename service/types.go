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
package service

import "time"

// Channel is a named release track with its own gating and rollout policy
type Channel string

const (
	// ChannelStable receives builds that passed canary and were promoted
	ChannelStable Channel = "stable"
	// ChannelBeta receives newer builds with a lower canary bar
	ChannelBeta Channel = "beta"
	// ChannelPinned keeps an org on an explicitly chosen build
	ChannelPinned Channel = "pinned"
)

// RolloutState is the lifecycle state of an ActiveRollout
type RolloutState string

const (
	RolloutPending       RolloutState = "pending"
	RolloutCanaryTesting RolloutState = "canary_testing"
	RolloutCanaryPassed  RolloutState = "canary_passed"
	RolloutCanaryFailed  RolloutState = "canary_failed"
	RolloutRollingOut    RolloutState = "rolling_out"
	RolloutPaused        RolloutState = "paused"
	RolloutCompleted     RolloutState = "completed"
	RolloutRolledBack    RolloutState = "rolled_back"
)

// Terminal reports whether the state admits no further transitions
func (s RolloutState) Terminal() bool {
	return s == RolloutCompleted || s == RolloutRolledBack || s == RolloutCanaryFailed
}

// BuildStatus is the lifecycle state of a KnownGoodEntry
type BuildStatus string

const (
	// BuildTesting is the initial state of every registered build
	BuildTesting BuildStatus = "testing"
	// BuildKnownGood marks a build explicitly promoted after a compatible canary
	BuildKnownGood BuildStatus = "known_good"
	// BuildKnownBad marks a build that must never be recommended
	BuildKnownBad BuildStatus = "known_bad"
	// BuildDeprecated marks a build retired from recommendation
	BuildDeprecated BuildStatus = "deprecated"
)

// Recommendation is the per-build label used to pick a per-channel default
type Recommendation string

const (
	RecRecommended    Recommendation = "recommended"
	RecAcceptable     Recommendation = "acceptable"
	RecNotRecommended Recommendation = "not_recommended"
	RecBlocked        Recommendation = "blocked"
)

// CompatStatus is the outcome of one compatibility test suite run
type CompatStatus string

const (
	CompatCompatible   CompatStatus = "compatible"
	CompatIncompatible CompatStatus = "incompatible"
	CompatPartial      CompatStatus = "partial"
	CompatUnknown      CompatStatus = "unknown"
)

// TestStatus is the outcome of a single canary test case or suite
type TestStatus string

const (
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestError   TestStatus = "error"
	TestSkipped TestStatus = "skipped"
	TestTimeout TestStatus = "timeout"
)

// TestType classifies a canary test case
type TestType string

const (
	// TestAdapterContract verifies the adapter wire contract against a provider CLI
	TestAdapterContract TestType = "adapter_contract"
	// TestGoldenPath runs a scripted session end to end
	TestGoldenPath TestType = "golden_path"
	// TestApprovalGate verifies approval prompts block until answered
	TestApprovalGate TestType = "approval_gate"
	// TestMetering verifies usage accounting events are produced
	TestMetering TestType = "metering"
)

// SweepType classifies a post-update repository sweep
type SweepType string

const (
	SweepMaintenance      SweepType = "maintenance"
	SweepLintFix          SweepType = "lint_fix"
	SweepDependencyUpdate SweepType = "dependency_update"
	SweepCustom           SweepType = "custom"
)

// SweepStatus is the per-repo outcome of a sweep
type SweepStatus string

const (
	SweepSuccess   SweepStatus = "success"
	SweepFailed    SweepStatus = "failed"
	SweepSkipped   SweepStatus = "skipped"
	SweepNoChanges SweepStatus = "no_changes"
)

// SweepState is the lifecycle state of a sweep job
type SweepState string

const (
	SweepStatePending   SweepState = "pending"
	SweepStateRunning   SweepState = "running"
	SweepStateCompleted SweepState = "completed"
	SweepStateFailed    SweepState = "failed"
	SweepStateCancelled SweepState = "cancelled"
)

// ChannelConfig is the gating and progression policy of a release channel
type ChannelConfig struct {
	// RequiresCanary gates rollout initiation on a passed canary result
	RequiresCanary bool `json:"requiresCanary"`
	// CanaryThreshold is the minimum canary pass rate, in [0,1]
	CanaryThreshold float64 `json:"canaryThreshold"`
	// RolloutStages is a strictly increasing percentage sequence ending at or below 100
	RolloutStages []int `json:"rolloutStages"`
	// RolloutDelay is the minimum wall-clock time between stage advances
	RolloutDelay time.Duration `json:"rolloutDelay"`
}

// DefaultChannelConfigs returns the built-in per-channel policies
func DefaultChannelConfigs() map[Channel]ChannelConfig {
	return map[Channel]ChannelConfig{
		ChannelStable: {
			RequiresCanary:  true,
			CanaryThreshold: 0.95,
			RolloutStages:   []int{1, 10, 50, 100},
			RolloutDelay:    24 * time.Hour,
		},
		ChannelBeta: {
			RequiresCanary:  true,
			CanaryThreshold: 0.80,
			RolloutStages:   []int{10, 50, 100},
			RolloutDelay:    6 * time.Hour,
		},
		ChannelPinned: {
			RequiresCanary: false,
			RolloutStages:  []int{100},
			RolloutDelay:   0,
		},
	}
}

// RolloutEventType names an append-only audit record kind
type RolloutEventType string

const (
	EventRolloutStarted    RolloutEventType = "rollout_started"
	EventStageAdvanced     RolloutEventType = "stage_advanced"
	EventRolloutPaused     RolloutEventType = "rollout_paused"
	EventRolloutResumed    RolloutEventType = "rollout_resumed"
	EventRolloutCompleted  RolloutEventType = "rollout_completed"
	EventRollbackInitiated RolloutEventType = "rollback_initiated"
	EventRollbackCompleted RolloutEventType = "rollback_completed"
)

// AllOrgs is the audit-log org wildcard for channel-wide events
const AllOrgs = "*"

// Notification metadata field names
const (
	MetaRollout = "rollout"
	MetaBuild   = "build"
	MetaChannel = "channel"
	MetaOrg     = "org"
	MetaReason  = "reason"
)
