package service

import (
	"encoding/json"
	"time"
)

// RuntimeVersion is an upstream provider CLI release known to the registry.
// CanaryPassedAt is set iff CanaryPassed is true.
type RuntimeVersion struct {
	ProviderID     string     `json:"providerId"`
	Version        string     `json:"version"`
	ReleasedAt     time.Time  `json:"releasedAt"`
	SourceURL      string     `json:"sourceUrl,omitempty"`
	Checksum       string     `json:"checksum,omitempty"`
	CanaryPassed   bool       `json:"canaryPassed"`
	CanaryPassedAt *time.Time `json:"canaryPassedAt,omitempty"`
}

// AdapterVersion is a provider adapter bundled with a runner build.
// CompatibleProviders maps providerId to a semver range expression.
type AdapterVersion struct {
	AdapterID           string            `json:"adapterId"`
	Version             string            `json:"version"`
	CompatibleProviders map[string]string `json:"compatibleProviders,omitempty"`
}

// BuildMetadata carries provenance of a runner build
type BuildMetadata struct {
	CommitSHA string   `json:"commitSha,omitempty"`
	BuildEnv  string   `json:"buildEnv,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// RunnerBuild is an immutable assembled runtime plus adapters.
// RuntimeVersions maps providerId to the bundled CLI version.
type RunnerBuild struct {
	BuildID         string            `json:"buildId"`
	RunnerVersion   string            `json:"runnerVersion"`
	Adapters        []AdapterVersion  `json:"adapters,omitempty"`
	RuntimeVersions map[string]string `json:"runtimeVersions"`
	BuiltAt         time.Time         `json:"builtAt"`
	Metadata        BuildMetadata     `json:"metadata"`
}

// CompatibilityResult is one appended test verdict for a build
type CompatibilityResult struct {
	ResultID         string          `json:"resultId"`
	BuildID          string          `json:"buildId"`
	TestSuiteID      string          `json:"testSuiteId"`
	Status           CompatStatus    `json:"status"`
	TestedAt         time.Time       `json:"testedAt"`
	MetricsJSON      json.RawMessage `json:"metricsJson,omitempty"`
	RecommendedFlags []string        `json:"recommendedFlags,omitempty"`
	Notes            string          `json:"notes,omitempty"`
}

// KnownGoodEntry tracks the promotion lifecycle of exactly one build
type KnownGoodEntry struct {
	EntryID           string                `json:"entryId"`
	BuildID           string                `json:"buildId"`
	Status            BuildStatus           `json:"status"`
	PromotedAt        *time.Time            `json:"promotedAt,omitempty"`
	DeprecatedAt      *time.Time            `json:"deprecatedAt,omitempty"`
	DeprecationReason string                `json:"deprecationReason,omitempty"`
	CompatResults     []CompatibilityResult `json:"compatResults,omitempty"`
	Recommendation    Recommendation        `json:"recommendation"`
}

// CanaryTestCaseConfig is the optional per-case knobs
type CanaryTestCaseConfig struct {
	RepoURL         string        `json:"repoUrl,omitempty"`
	Prompt          string        `json:"prompt,omitempty"`
	ExpectedOutcome string        `json:"expectedOutcome,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// CanaryTestCase is one test inside a suite
type CanaryTestCase struct {
	TestID      string               `json:"testId"`
	Description string               `json:"description"`
	Providers   []string             `json:"providers,omitempty"`
	Type        TestType             `json:"type"`
	Config      CanaryTestCaseConfig `json:"config"`
}

// CanaryTestSuite is an ordered list of cases with a suite-level timeout
type CanaryTestSuite struct {
	SuiteID   string           `json:"suiteId"`
	Name      string           `json:"name"`
	TestCases []CanaryTestCase `json:"testCases"`
	Timeout   time.Duration    `json:"timeout"`
}

// TestCaseResult is the outcome of one executed case
type TestCaseResult struct {
	TestID       string        `json:"testId"`
	Status       TestStatus    `json:"status"`
	Duration     time.Duration `json:"duration"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Output       string        `json:"output,omitempty"`
}

// CanaryMetrics summarizes a suite run.
// Passed+Failed+Errored+Skipped always equals TotalTests, and PassRate is
// Passed/TotalTests when TotalTests > 0, else 0.
type CanaryMetrics struct {
	TotalTests           int           `json:"totalTests"`
	Passed               int           `json:"passed"`
	Failed               int           `json:"failed"`
	Errored              int           `json:"errored"`
	Skipped              int           `json:"skipped"`
	PassRate             float64       `json:"passRate"`
	AvgSessionStart      time.Duration `json:"avgSessionStart"`
	AvgTimeToFirstOutput time.Duration `json:"avgTimeToFirstOutput"`
	DisconnectRate       float64       `json:"disconnectRate"`
}

// CanaryTestResult is the outcome of one suite against one build
type CanaryTestResult struct {
	BuildID     string           `json:"buildId"`
	SuiteID     string           `json:"suiteId"`
	Status      TestStatus       `json:"status"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt time.Time        `json:"completedAt"`
	TestResults []TestCaseResult `json:"testResults"`
	Metrics     CanaryMetrics    `json:"metrics"`
}

// ActiveRollout is a build progressing through the stages of one channel
type ActiveRollout struct {
	RolloutID         string       `json:"rolloutId"`
	TargetBuildID     string       `json:"targetBuildId"`
	Channel           Channel      `json:"channel"`
	State             RolloutState `json:"state"`
	CurrentPercentage int          `json:"currentPercentage"`
	TargetPercentage  int          `json:"targetPercentage"`
	StartedAt         time.Time    `json:"startedAt"`
	LastUpdatedAt     time.Time    `json:"lastUpdatedAt"`
	AffectedOrgs      []string     `json:"affectedOrgs"`
	CanaryResultID    string       `json:"canaryResultId,omitempty"`
	Error             string       `json:"error,omitempty"`
}

// EnterprisePolicy is the optional enterprise gating of an org
type EnterprisePolicy struct {
	RequireSignedBuilds bool    `json:"requireSignedBuilds"`
	MinCanaryThreshold  float64 `json:"minCanaryThreshold"`
	ApprovalRequired    bool    `json:"approvalRequired"`
	AuditRetentionDays  int     `json:"auditRetentionDays"`
}

// NotificationPrefs selects which rollout events an org wants to hear about
type NotificationPrefs struct {
	OnRolloutStart    bool   `json:"onRolloutStart"`
	OnRolloutComplete bool   `json:"onRolloutComplete"`
	OnRollback        bool   `json:"onRollback"`
	SlackChannel      string `json:"slackChannel,omitempty"`
}

// OrgRuntimeConfig is the per-org channel selection and policy.
// PinnedBuildID is required iff Channel is pinned.
type OrgRuntimeConfig struct {
	OrgID         string            `json:"orgId"`
	Channel       Channel           `json:"channel"`
	PinnedBuildID string            `json:"pinnedBuildId,omitempty"`
	BetaOptIn     bool              `json:"betaOptIn"`
	AutoUpgrade   bool              `json:"autoUpgrade"`
	Notifications NotificationPrefs `json:"notifications"`
	Enterprise    *EnterprisePolicy `json:"enterprise,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	UpdatedBy     string            `json:"updatedBy,omitempty"`
}

// OrgAssignment is the single current build assignment of an org
type OrgAssignment struct {
	OrgID          string    `json:"orgId"`
	CurrentBuildID string    `json:"currentBuildId,omitempty"`
	TargetBuildID  string    `json:"targetBuildId"`
	Percentage     int       `json:"percentage"`
	AssignedAt     time.Time `json:"assignedAt"`
	Channel        Channel   `json:"channel"`
}

// Actor identifies who caused an audit event
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// RolloutEvent is an append-only audit record. OrgID is "*" for
// channel-wide events.
type RolloutEvent struct {
	EventID           string            `json:"eventId"`
	OrgID             string            `json:"orgId"`
	FromBuildID       string            `json:"fromBuildId,omitempty"`
	ToBuildID         string            `json:"toBuildId,omitempty"`
	Channel           Channel           `json:"channel"`
	EventType         RolloutEventType  `json:"eventType"`
	CurrentPercentage int               `json:"currentPercentage"`
	Timestamp         time.Time         `json:"timestamp"`
	Actor             Actor             `json:"actor"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// RolloutMetrics is the population health sample driving auto progression
type RolloutMetrics struct {
	SessionsStarted int     `json:"sessionsStarted"`
	FailureRate     float64 `json:"failureRate"`
	DisconnectRate  float64 `json:"disconnectRate"`
}

// SweepRepoTarget is one repository a sweep may touch
type SweepRepoTarget struct {
	RepoURL     string     `json:"repoUrl"`
	OrgID       string     `json:"orgId"`
	OptedIn     bool       `json:"optedIn"`
	LastSweptAt *time.Time `json:"lastSweptAt,omitempty"`
}

// SweepConfig describes one sweep run. AutoMerge is always false; the
// manager overwrites any caller-supplied value.
type SweepConfig struct {
	SweepID            string            `json:"sweepId"`
	TriggeredByBuildID string            `json:"triggeredByBuildId,omitempty"`
	TargetRepos        []SweepRepoTarget `json:"targetRepos"`
	SweepType          SweepType         `json:"sweepType"`
	CreatePRs          bool              `json:"createPRs"`
	AutoMerge          bool              `json:"autoMerge"`
	Priority           int               `json:"priority"`
	MaxReposPerRun     int               `json:"maxReposPerRun"`
	RateLimit          int               `json:"rateLimit"`
}

// SweepResult is the per-repo outcome of a sweep
type SweepResult struct {
	SweepID        string        `json:"sweepId"`
	RepoURL        string        `json:"repoUrl"`
	Status         SweepStatus   `json:"status"`
	PRURL          string        `json:"prUrl,omitempty"`
	ChangesSummary string        `json:"changesSummary,omitempty"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
	CompletedAt    time.Time     `json:"completedAt"`
}
