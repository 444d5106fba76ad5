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
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/agentvillage/update-pipeline/canary"
	"github.com/agentvillage/update-pipeline/handler"
	"github.com/agentvillage/update-pipeline/house"
	"github.com/agentvillage/update-pipeline/noti"
	"github.com/agentvillage/update-pipeline/pipeline"
	"github.com/agentvillage/update-pipeline/registry"
	"github.com/agentvillage/update-pipeline/rollout"
	"github.com/agentvillage/update-pipeline/store"
	"github.com/agentvillage/update-pipeline/sweep"
	"github.com/agentvillage/update-pipeline/watcher"
)

const (
	defaultAddress       = ":8080"
	defaultCheckInterval = 15 * time.Minute

	flagVerbose       = "verbose"
	flagListenAddress = "listen-address"
	flagStore         = "store"
	flagStorePath     = "store-path"
	flagSlackToken    = "slack-token"
	flagSlackChannel  = "slack-channel"
	flagAutoCanary    = "auto-canary"
	flagAutoRollout   = "auto-rollout"
	flagAutoSweep     = "auto-sweep"
	flagNPMPackages   = "watch-npm"
	flagGithubRepos   = "watch-github"
	flagBrewFormulae  = "watch-brew"
	flagCheckInterval = "check-interval"
)

// main is the entry point for the Update Pipeline application.
func main() {
	cmd := &cli.Command{
		Name:        "update-pipeline",
		Action:      launchServer,
		Usage:       "Launches the agent runtime update pipeline",
		HideVersion: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagVerbose,
				Aliases: []string{"v"},
				Usage:   "Print debugging messages. Multiple -v options increase the verbosity. The maximum is 2.",
				Value:   false,
				Sources: cli.EnvVars("VERBOSE"),
			},
			&cli.StringFlag{
				Name:    flagListenAddress,
				Usage:   fmt.Sprintf("Set server port. Default is %s", defaultAddress),
				Value:   defaultAddress,
				Sources: cli.EnvVars("LISTEN_ADDRESS"),
			},
			&cli.StringFlag{
				Name:    flagStore,
				Usage:   "Set registry snapshot store. One of memory, file.",
				Value:   "memory",
				Sources: cli.EnvVars("PIPELINE_STORE"),
			},
			&cli.StringFlag{
				Name:    flagStorePath,
				Usage:   "Set snapshot file path for the file store",
				Value:   "update-pipeline.json",
				Sources: cli.EnvVars("PIPELINE_STORE_PATH"),
			},
			&cli.StringFlag{
				Name:    flagSlackToken,
				Usage:   "Set Slack Bot User OAuth Token",
				Value:   "",
				Sources: cli.EnvVars("SLACK_TOKEN"),
			},
			&cli.StringFlag{
				Name:    flagSlackChannel,
				Usage:   "Set Slack Channel",
				Value:   "",
				Sources: cli.EnvVars("SLACK_CHANNEL"),
			},
			&cli.BoolFlag{
				Name:    flagAutoCanary,
				Usage:   "Register discovered versions automatically",
				Value:   true,
				Sources: cli.EnvVars("AUTO_CANARY"),
			},
			&cli.BoolFlag{
				Name:    flagAutoRollout,
				Usage:   "Initiate a rollout automatically after a fully passed canary",
				Value:   false,
				Sources: cli.EnvVars("AUTO_ROLLOUT"),
			},
			&cli.BoolFlag{
				Name:    flagAutoSweep,
				Usage:   "Trigger a repository sweep automatically after a completed rollout",
				Value:   false,
				Sources: cli.EnvVars("AUTO_SWEEP"),
			},
			&cli.StringSliceFlag{
				Name:    flagNPMPackages,
				Usage:   "Watch an npm package as provider:package",
				Sources: cli.EnvVars("WATCH_NPM"),
			},
			&cli.StringSliceFlag{
				Name:    flagGithubRepos,
				Usage:   "Watch GitHub releases as provider:org/repo",
				Sources: cli.EnvVars("WATCH_GITHUB"),
			},
			&cli.StringSliceFlag{
				Name:    flagBrewFormulae,
				Usage:   "Watch a Homebrew formula as provider:formula",
				Sources: cli.EnvVars("WATCH_BREW"),
			},
			&cli.DurationFlag{
				Name:    flagCheckInterval,
				Usage:   "Set the upstream poll interval",
				Value:   defaultCheckInterval,
				Sources: cli.EnvVars("CHECK_INTERVAL"),
			},
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal().Msgf("Error: %s", err)
	}
}

// logBroadcaster stands in for the WebSocket transport, which is injected in
// production deployments.
type logBroadcaster struct{}

func (logBroadcaster) EmitToVillage(villageID, event string, payload any) {
	log.Debug().Str("village", villageID).Str("event", event).Msg("Broadcast")
}

func (logBroadcaster) EmitToRepo(repoID, event string, payload any) {
	log.Debug().Str("repo", repoID).Str("event", event).Msg("Broadcast")
}

// launchServer starts the HTTP server for the update pipeline.
func launchServer(ctx context.Context, cmd *cli.Command) error {
	switch count := cmd.Count(flagVerbose); count {
	case 1:
		log.Info().Str("level", "debug").Msg("Set log level to [debug]")
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case 2:
		log.Info().Str("level", "trace").Msg("Set log level to [trace]")
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	default:
		log.Info().Str("level", "info").Msg("Set log level to [info]")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var stor store.Store
	var err error
	switch name := cmd.String(flagStore); name {
	case "file":
		stor, err = store.NewFileStore(cmd.String(flagStorePath))
	case "memory":
		stor, err = store.NewMemoryStore()
	default:
		return fmt.Errorf("unknown store %q", name)
	}
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	watch := watcher.New(watcher.Config{}, clock)
	if err := addSources(watch, cmd); err != nil {
		return err
	}
	canaries := canary.New(canary.Config{}, clock, nil)
	reg := registry.New(registry.Config{}, clock)
	ctrl := rollout.New(rollout.Config{}, clock, nil)
	sweeps := sweep.New(sweep.Config{}, clock, nil)
	slack := noti.NewSlackClient(noti.SlackOption{
		Token:   cmd.String(flagSlackToken),
		Channel: cmd.String(flagSlackChannel),
	})
	houses := house.New(clock, logBroadcaster{}, nil)

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.AutoCanary = cmd.Bool(flagAutoCanary)
	pipeCfg.AutoRollout = cmd.Bool(flagAutoRollout)
	pipeCfg.AutoSweep = cmd.Bool(flagAutoSweep)
	pipe, err := pipeline.New(pipeCfg, clock, pipeline.Components{
		Watcher:  watch,
		Canary:   canaries,
		Registry: reg,
		Rollout:  ctrl,
		Sweep:    sweeps,
		Notifier: slack,
	})
	if err != nil {
		return err
	}

	if snap, ok, err := stor.Load(); err != nil {
		log.Error().Msgf("Loading registry snapshot failed: %v", err)
	} else if ok {
		if err := reg.Import(snap); err != nil {
			log.Error().Msgf("Importing registry snapshot failed: %v", err)
		} else {
			log.Info().Int("builds", len(snap.Builds)).Msg("Registry snapshot restored")
		}
	}

	listenAddress := cmd.String(flagListenAddress)
	mux := http.NewServeMux()
	serverHandler := handler.ServerHandler{}
	api := handler.NewHandler(pipe, reg, ctrl, sweeps, canaries, watch, houses, stor)
	mux.Handle("GET /status", api.Status())
	mux.Handle("POST /canary/run", api.RunCanary())
	mux.Handle("POST /builds", api.RegisterBuild())
	mux.Handle("GET /builds", api.Builds())
	mux.Handle("POST /builds/promote", api.PromoteBuild())
	mux.Handle("POST /builds/deprecate", api.DeprecateBuild())
	mux.Handle("POST /builds/mark-bad", api.MarkBuildBad())
	mux.Handle("GET /builds/recommended", api.RecommendedBuild())
	mux.Handle("POST /rollouts", api.InitiateRollout())
	mux.Handle("GET /rollouts", api.Rollouts())
	mux.Handle("POST /rollouts/advance", api.AdvanceRollout())
	mux.Handle("POST /rollouts/pause", api.PauseRollout())
	mux.Handle("POST /rollouts/resume", api.ResumeRollout())
	mux.Handle("POST /rollouts/rollback", api.RollbackRollout())
	mux.Handle("GET /rollouts/events", api.RolloutEvents())
	mux.Handle("POST /orgs", api.UpsertOrgConfig())
	mux.Handle("GET /orgs/assignment", api.OrgAssignment())
	mux.Handle("POST /sweeps", api.TriggerSweep())
	mux.Handle("GET /sweeps", api.Sweeps())
	mux.Handle("POST /sweeps/cancel", api.CancelSweep())
	mux.Handle("POST /heartbeat", api.Heartbeat())
	mux.Handle("GET /registry/export", api.ExportRegistry())
	mux.Handle("POST /registry/import", api.ImportRegistry())
	mux.Handle("POST /webhooks/github", api.GithubWebhook())
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/version", serverHandler.Version())

	server := http.Server{
		Addr:              listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	pipe.Start(ctx)

	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		pipe.Stop()
		houses.Close()
		if err := stor.Save(reg.Export()); err != nil {
			log.Error().Msgf("Saving registry snapshot failed: %v", err)
		}
		if err := stor.Shutdown(); err != nil {
			log.Error().Msgf("Store Shutdown: %v", err)
		}
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Msgf("HTTP server Shutdown: %v", err)
		}
		close(ch)
	}()

	log.Info().Msgf("Server is listening on %s", listenAddress)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	<-ch
	return nil
}

// addSources registers the provider:identifier pairs from the CLI flags
func addSources(watch *watcher.Watcher, cmd *cli.Command) error {
	interval := cmd.Duration(flagCheckInterval)
	add := func(pairs []string, typ watcher.SourceType) error {
		for _, pair := range pairs {
			providerID, source, err := splitPair(pair)
			if err != nil {
				return err
			}
			if err := watch.AddSource(watcher.Source{
				ProviderID:    providerID,
				Type:          typ,
				Source:        source,
				CheckInterval: interval,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	if err := add(cmd.StringSlice(flagNPMPackages), watcher.SourceNPM); err != nil {
		return err
	}
	if err := add(cmd.StringSlice(flagGithubRepos), watcher.SourceGitHubReleases); err != nil {
		return err
	}
	return add(cmd.StringSlice(flagBrewFormulae), watcher.SourceHomebrew)
}

func splitPair(pair string) (string, string, error) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == ':' {
			if i == 0 || i == len(pair)-1 {
				break
			}
			return pair[:i], pair[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("invalid watch source %q, expected provider:identifier", pair)
}
