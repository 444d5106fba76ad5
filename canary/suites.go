package canary

import (
	"fmt"
	"time"

	"github.com/agentvillage/update-pipeline/service"
)

// DefaultProviders are the agent CLIs covered by the built-in suites
func DefaultProviders() []string {
	return []string{"codex", "claude_code", "gemini_cli"}
}

// DefaultSuites builds the four built-in suites, one case per provider each
func DefaultSuites(providers []string, timeout time.Duration) []service.CanaryTestSuite {
	defs := []struct {
		id          string
		name        string
		testType    service.TestType
		description string
		config      service.CanaryTestCaseConfig
	}{
		{
			id:          "adapter_contract",
			name:        "Adapter contract",
			testType:    service.TestAdapterContract,
			description: "adapter implements the session wire contract",
		},
		{
			id:          "golden_path",
			name:        "Golden path",
			testType:    service.TestGoldenPath,
			description: "scripted session completes end to end",
			config: service.CanaryTestCaseConfig{
				RepoURL:         "https://github.com/agentvillage/canary-fixture",
				Prompt:          "add a unit test for the greeting helper",
				ExpectedOutcome: "session completes with a passing diff",
			},
		},
		{
			id:          "approval_gate",
			name:        "Approval gate",
			testType:    service.TestApprovalGate,
			description: "destructive actions block until approved",
		},
		{
			id:          "metering",
			name:        "Metering",
			testType:    service.TestMetering,
			description: "usage accounting events are produced",
		},
	}

	suites := make([]service.CanaryTestSuite, 0, len(defs))
	for _, def := range defs {
		suite := service.CanaryTestSuite{
			SuiteID: def.id,
			Name:    def.name,
			Timeout: timeout,
		}
		for _, provider := range providers {
			suite.TestCases = append(suite.TestCases, service.CanaryTestCase{
				TestID:      fmt.Sprintf("%s/%s", def.id, provider),
				Description: fmt.Sprintf("%s (%s)", def.description, provider),
				Providers:   []string{provider},
				Type:        def.testType,
				Config:      def.config,
			})
		}
		suites = append(suites, suite)
	}
	return suites
}
