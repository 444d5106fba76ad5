package house

// MapWebhookEvent translates a GitHub webhook event into an indicator
// transition. Pushes flash the lights, pull request activity hangs or
// removes the banner, and check runs raise smoke while in flight and clear
// it with a pass/fail status on completion. The second return is false for
// events that touch no indicator.
func MapWebhookEvent(event, action, conclusion, contextID string, prNumber int) (Transition, bool) {
	switch event {
	case "push":
		return Transition{Indicator: IndicatorLights, On: true, Source: "push", ContextID: contextID}, true
	case "pull_request":
		switch action {
		case "opened", "reopened", "ready_for_review", "synchronize":
			return Transition{Indicator: IndicatorBanner, On: true, Source: "pull_request", PRNumber: prNumber}, true
		case "closed":
			return Transition{Indicator: IndicatorBanner, On: false}, true
		}
	case "check_run":
		switch action {
		case "created", "in_progress", "rerequested":
			return Transition{Indicator: IndicatorSmoke, On: true, Source: "check_run", BuildStatus: "in_progress"}, true
		case "completed":
			status := "failed"
			if conclusion == "success" {
				status = "passed"
			}
			return Transition{Indicator: IndicatorSmoke, On: false, BuildStatus: status}, true
		}
	}
	return Transition{}, false
}
