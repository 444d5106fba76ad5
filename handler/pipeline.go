package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/rs/zerolog/log"

	"github.com/agentvillage/update-pipeline/canary"
	"github.com/agentvillage/update-pipeline/house"
	"github.com/agentvillage/update-pipeline/pipeline"
	"github.com/agentvillage/update-pipeline/registry"
	"github.com/agentvillage/update-pipeline/rollout"
	"github.com/agentvillage/update-pipeline/service"
	"github.com/agentvillage/update-pipeline/store"
	"github.com/agentvillage/update-pipeline/sweep"
	"github.com/agentvillage/update-pipeline/watcher"
)

// BuildActionPayload selects a build for promote/deprecate/mark-bad
type BuildActionPayload struct {
	// BuildID of the target build
	BuildID string `json:"buildId"`
	// Reason for deprecation or blocking
	Reason string `json:"reason,omitempty"`
}

// RolloutInitiatePayload holds the initiate-rollout request
type RolloutInitiatePayload struct {
	// BuildID of the build to roll out
	BuildID string `json:"buildId"`
	// Channel the rollout targets
	Channel service.Channel `json:"channel"`
	// CanaryResult gates channels that require canary
	CanaryResult *service.CanaryTestResult `json:"canaryResult,omitempty"`
}

// RolloutActionPayload holds advance/pause/resume/rollback requests
type RolloutActionPayload struct {
	RolloutID string `json:"rolloutId"`
	Reason    string `json:"reason,omitempty"`
}

// CanaryRunPayload holds the run-canary request
type CanaryRunPayload struct {
	Build service.RunnerBuild `json:"build"`
}

// HeartbeatPayload reports a provider version observed in the wild
type HeartbeatPayload struct {
	ProviderID string `json:"providerId"`
	Version    string `json:"version"`
}

// SweepActionPayload selects a sweep job
type SweepActionPayload struct {
	SweepID string `json:"sweepId"`
}

// GithubWebhookPayload is the subset of GitHub webhook fields the house
// indicators consume
type GithubWebhookPayload struct {
	Action     string `json:"action,omitempty"`
	After      string `json:"after,omitempty"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	CheckRun struct {
		Conclusion string `json:"conclusion"`
	} `json:"check_run"`
	VillageID string `json:"villageId,omitempty"`
}

// PipelineHandler serves the update pipeline HTTP API
type PipelineHandler struct {
	pipe     *pipeline.Pipeline
	reg      *registry.Registry
	rollout  *rollout.Controller
	sweeps   *sweep.Manager
	canaries *canary.Runner
	watch    *watcher.Watcher
	houses   *house.Tracker
	store    store.Store
}

// NewHandler creates a PipelineHandler
func NewHandler(pipe *pipeline.Pipeline, reg *registry.Registry, ctrl *rollout.Controller, sweeps *sweep.Manager, canaries *canary.Runner, watch *watcher.Watcher, houses *house.Tracker, stor store.Store) PipelineHandler {
	return PipelineHandler{
		pipe:     pipe,
		reg:      reg,
		rollout:  ctrl,
		sweeps:   sweeps,
		canaries: canaries,
		watch:    watch,
		houses:   houses,
		store:    stor,
	}
}

// Status returns the aggregate pipeline status
func (h *PipelineHandler) Status() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := h.pipe.Status()
		writePayload(w, http.StatusOK, &status)
	})
}

// RunCanary executes every suite against the posted build
func (h *PipelineHandler) RunCanary() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := readPayload(r, CanaryRunPayload{})
		if err != nil {
			badRequest(w, err)
			return
		}
		log.Info().Msgf("Receiving canary run request for build [%s] ...", payload.Build.BuildID)
		results, err := h.pipe.RunCanary(r.Context(), payload.Build)
		if err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusOK, &results)
	})
}

// RegisterBuild stores a new immutable build
func (h *PipelineHandler) RegisterBuild() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		build, err := readPayload(r, service.RunnerBuild{})
		if err != nil {
			badRequest(w, err)
			return
		}
		if err := h.reg.RegisterBuild(*build); err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusCreated, build)
	})
}

// PromoteBuild promotes a build to known_good
func (h *PipelineHandler) PromoteBuild() http.Handler {
	return h.buildAction(func(p *BuildActionPayload) error {
		return h.reg.PromoteBuild(p.BuildID)
	})
}

// DeprecateBuild retires a build from recommendation
func (h *PipelineHandler) DeprecateBuild() http.Handler {
	return h.buildAction(func(p *BuildActionPayload) error {
		return h.reg.DeprecateBuild(p.BuildID, p.Reason)
	})
}

// MarkBuildBad blocks a build from every recommendation
func (h *PipelineHandler) MarkBuildBad() http.Handler {
	return h.buildAction(func(p *BuildActionPayload) error {
		return h.reg.MarkBuildBad(p.BuildID, p.Reason)
	})
}

func (h *PipelineHandler) buildAction(action func(*BuildActionPayload) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := readPayload(r, BuildActionPayload{})
		if err != nil {
			badRequest(w, err)
			return
		}
		if err := action(payload); err != nil {
			writeError(w, err)
			return
		}
		entry, err := h.reg.Entry(payload.BuildID)
		if err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusOK, &entry)
	})
}

// RecommendedBuild returns the per-channel default build
func (h *PipelineHandler) RecommendedBuild() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := service.Channel(r.URL.Query().Get("channel"))
		build, err := h.reg.RecommendedBuild(channel)
		if err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusOK, &build)
	})
}

// Builds lists every registered build
func (h *PipelineHandler) Builds() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		builds := h.reg.Builds()
		writePayload(w, http.StatusOK, &builds)
	})
}

// InitiateRollout starts a staged rollout
func (h *PipelineHandler) InitiateRollout() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := readPayload(r, RolloutInitiatePayload{})
		if err != nil {
			badRequest(w, err)
			return
		}
		log.Info().Msgf("Receiving rollout request for build [%s] on [%s] ...", payload.BuildID, payload.Channel)
		build, err := h.reg.Build(payload.BuildID)
		if err != nil {
			writeError(w, err)
			return
		}
		ro, err := h.rollout.InitiateRollout(build, payload.Channel, payload.CanaryResult)
		if err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusCreated, &ro)
	})
}

// AdvanceRollout moves a rollout to its next stage
func (h *PipelineHandler) AdvanceRollout() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := readPayload(r, RolloutActionPayload{})
		if err != nil {
			badRequest(w, err)
			return
		}
		ro, err := h.rollout.AdvanceRollout(payload.RolloutID)
		if err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusOK, &ro)
	})
}

// PauseRollout pauses a rolling_out rollout
func (h *PipelineHandler) PauseRollout() http.Handler {
	return h.rolloutAction(func(p *RolloutActionPayload) error {
		return h.rollout.PauseRollout(p.RolloutID, p.Reason)
	})
}

// ResumeRollout resumes a paused rollout
func (h *PipelineHandler) ResumeRollout() http.Handler {
	return h.rolloutAction(func(p *RolloutActionPayload) error {
		return h.rollout.ResumeRollout(p.RolloutID)
	})
}

// RollbackRollout aborts a rollout and reverts its orgs
func (h *PipelineHandler) RollbackRollout() http.Handler {
	return h.rolloutAction(func(p *RolloutActionPayload) error {
		return h.rollout.Rollback(p.RolloutID, p.Reason)
	})
}

func (h *PipelineHandler) rolloutAction(action func(*RolloutActionPayload) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := readPayload(r, RolloutActionPayload{})
		if err != nil {
			badRequest(w, err)
			return
		}
		if err := action(payload); err != nil {
			writeError(w, err)
			return
		}
		ro, err := h.rollout.Rollout(payload.RolloutID)
		if err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusOK, &ro)
	})
}

// Rollouts lists every rollout
func (h *PipelineHandler) Rollouts() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rollouts := h.rollout.Rollouts()
		writePayload(w, http.StatusOK, &rollouts)
	})
}

// RolloutEvents returns filtered audit records
func (h *PipelineHandler) RolloutEvents() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := rollout.EventFilter{
			OrgID:   r.URL.Query().Get("orgId"),
			Channel: service.Channel(r.URL.Query().Get("channel")),
		}
		if since := r.URL.Query().Get("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				badRequest(w, err)
				return
			}
			filter.Since = t
		}
		records := h.rollout.EventLog(filter)
		writePayload(w, http.StatusOK, &records)
	})
}

// UpsertOrgConfig registers or updates an org runtime configuration
func (h *PipelineHandler) UpsertOrgConfig() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, err := readPayload(r, service.OrgRuntimeConfig{})
		if err != nil {
			badRequest(w, err)
			return
		}
		if err := h.rollout.UpsertOrgConfig(*cfg); err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusOK, cfg)
	})
}

// OrgAssignment returns the current build assignment of one org
func (h *PipelineHandler) OrgAssignment() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.URL.Query().Get("orgId")
		assignment, err := h.rollout.Assignment(orgID)
		if err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusOK, &assignment)
	})
}

// TriggerSweep starts a post-update repository sweep
func (h *PipelineHandler) TriggerSweep() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, err := readPayload(r, service.SweepConfig{})
		if err != nil {
			badRequest(w, err)
			return
		}
		job, err := h.sweeps.TriggerPostUpdateSweep(r.Context(), *cfg)
		if err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusAccepted, &job)
	})
}

// CancelSweep cancels a running sweep at the next repo boundary
func (h *PipelineHandler) CancelSweep() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := readPayload(r, SweepActionPayload{})
		if err != nil {
			badRequest(w, err)
			return
		}
		if err := h.sweeps.CancelSweep(payload.SweepID); err != nil {
			writeError(w, err)
			return
		}
		job, err := h.sweeps.Sweep(payload.SweepID)
		if err != nil {
			writeError(w, err)
			return
		}
		writePayload(w, http.StatusOK, &job)
	})
}

// Sweeps lists every sweep job
func (h *PipelineHandler) Sweeps() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobs := h.sweeps.Sweeps()
		writePayload(w, http.StatusOK, &jobs)
	})
}

// Heartbeat records a provider version observed by a running agent
func (h *PipelineHandler) Heartbeat() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := readPayload(r, HeartbeatPayload{})
		if err != nil {
			badRequest(w, err)
			return
		}
		if payload.ProviderID == "" || payload.Version == "" {
			badRequest(w, trace.BadParameter("heartbeat requires providerId and version"))
			return
		}
		h.watch.RegisterHeartbeatVersion(payload.ProviderID, payload.Version)
		w.WriteHeader(http.StatusNoContent)
	})
}

// ExportRegistry snapshots the registry state
func (h *PipelineHandler) ExportRegistry() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := h.reg.Export()
		writePayload(w, http.StatusOK, &snap)
	})
}

// ImportRegistry replaces the registry state from a snapshot and persists it
func (h *PipelineHandler) ImportRegistry() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, err := readPayload(r, registry.Snapshot{})
		if err != nil {
			badRequest(w, err)
			return
		}
		if err := h.reg.Import(*snap); err != nil {
			writeError(w, err)
			return
		}
		if h.store != nil {
			if err := h.store.Save(*snap); err != nil {
				log.Error().Msgf("Error while persisting imported snapshot %v", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// GithubWebhook converts GitHub events into house indicator transitions
func (h *PipelineHandler) GithubWebhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		event := r.Header.Get("X-GitHub-Event")
		payload, err := readPayload(r, GithubWebhookPayload{})
		if err != nil {
			badRequest(w, err)
			return
		}
		tr, ok := house.MapWebhookEvent(event, payload.Action, payload.CheckRun.Conclusion, payload.After, payload.PullRequest.Number)
		if !ok {
			log.Debug().Msgf("Ignoring webhook event [%s][action=%s]", event, payload.Action)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.houses.Apply(house.Key{
			RepoID:    payload.Repository.FullName,
			VillageID: payload.VillageID,
		}, tr)
		w.WriteHeader(http.StatusAccepted)
	})
}

func badRequest(w http.ResponseWriter, err error) {
	log.Error().Msgf("Reading the request body failed %v", err)
	w.WriteHeader(http.StatusBadRequest)
}

// writeError maps the error taxonomy to HTTP statuses: validation 400,
// missing 404, duplicates and state precondition failures 409, capacity 429,
// policy 403, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case trace.IsBadParameter(err):
		status = http.StatusBadRequest
	case trace.IsNotFound(err):
		status = http.StatusNotFound
	case trace.IsAlreadyExists(err), trace.IsCompareFailed(err):
		status = http.StatusConflict
	case trace.IsLimitExceeded(err):
		status = http.StatusTooManyRequests
	case trace.IsAccessDenied(err):
		status = http.StatusForbidden
	}
	log.Debug().Msgf("Request failed with %d: %v", status, err)
	http.Error(w, err.Error(), status)
}

func readPayload[I any](r *http.Request, i I) (*I, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return &i, err
	}
	defer r.Body.Close()
	err = json.Unmarshal(body, &i)
	if err != nil {
		return &i, err
	}
	return &i, nil
}

func writePayload[I any](w http.ResponseWriter, status int, payload *I) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Msgf("Error while read payload %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.Error().Msgf("Error while writing body %v", err)
	}
}
