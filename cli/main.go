package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/agentvillage/update-pipeline/handler"
	"github.com/agentvillage/update-pipeline/service"
)

// main is the entry point of the application.
func main() {
	// Setup structured, human-friendly logging.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Create and run the CLI application.
	app := createCliApp()
	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

// createCliApp creates the CLI application using urfave/cli.
func createCliApp() *cli.Command {
	return &cli.Command{
		Name:        "pipectl",
		Usage:       "A CLI tool to operate the agent runtime update pipeline",
		Description: `pipectl drives rollouts, build lifecycle and sweeps against a running update-pipeline server.`,
		Commands: []*cli.Command{
			{
				Name:      "status",
				UsageText: "View the aggregate pipeline status.",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return get(ctx, cmd, "/status")
				},
			},
			{
				Name:      "rollout",
				UsageText: "Manage staged rollouts.",
				Commands: []*cli.Command{
					{
						Name:      "initiate",
						UsageText: "Start a staged rollout of a build on a channel.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							payload := handler.RolloutInitiatePayload{
								BuildID: cmd.String("build"),
								Channel: service.Channel(cmd.String("channel")),
							}
							return post(ctx, cmd, "/rollouts", &payload)
						},
					},
					{
						Name:      "advance",
						UsageText: "Advance a rollout to its next percentage stage.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return rolloutAction(ctx, cmd, "/rollouts/advance")
						},
					},
					{
						Name:      "pause",
						UsageText: "Pause a rolling_out rollout.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return rolloutAction(ctx, cmd, "/rollouts/pause")
						},
					},
					{
						Name:      "resume",
						UsageText: "Resume a paused rollout.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return rolloutAction(ctx, cmd, "/rollouts/resume")
						},
					},
					{
						Name:      "rollback",
						UsageText: "Abort a rollout and revert every affected org.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return rolloutAction(ctx, cmd, "/rollouts/rollback")
						},
					},
					{
						Name:      "list",
						UsageText: "List every rollout.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return get(ctx, cmd, "/rollouts")
						},
					},
					{
						Name:      "events",
						UsageText: "View the rollout audit log.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return get(ctx, cmd, "/rollouts/events")
						},
					},
				},
			},
			{
				Name:      "build",
				UsageText: "Manage the known-good build registry.",
				Commands: []*cli.Command{
					{
						Name:      "promote",
						UsageText: "Promote a build to known_good.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return buildAction(ctx, cmd, "/builds/promote")
						},
					},
					{
						Name:      "deprecate",
						UsageText: "Retire a build from recommendation.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return buildAction(ctx, cmd, "/builds/deprecate")
						},
					},
					{
						Name:      "mark-bad",
						UsageText: "Block a build from every recommendation.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return buildAction(ctx, cmd, "/builds/mark-bad")
						},
					},
					{
						Name:      "list",
						UsageText: "List every registered build.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return get(ctx, cmd, "/builds")
						},
					},
				},
			},
			{
				Name:      "sweep",
				UsageText: "Manage post-update repository sweeps.",
				Commands: []*cli.Command{
					{
						Name:      "list",
						UsageText: "List every sweep job.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return get(ctx, cmd, "/sweeps")
						},
					},
					{
						Name:      "cancel",
						UsageText: "Cancel a running sweep at the next repo boundary.",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							payload := handler.SweepActionPayload{SweepID: cmd.String("sweep")}
							return post(ctx, cmd, "/sweeps/cancel", &payload)
						},
					},
				},
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "The base URL of the update-pipeline server",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("PIPELINE_SERVER"),
			},
			&cli.StringFlag{
				Name:    "rollout",
				Aliases: []string{"r"},
				Usage:   "The id of the rollout to target",
			},
			&cli.StringFlag{
				Name:    "build",
				Aliases: []string{"b"},
				Usage:   "The id of the build to target",
			},
			&cli.StringFlag{
				Name:    "channel",
				Aliases: []string{"c"},
				Usage:   "The release channel (stable, beta, pinned)",
				Value:   "stable",
			},
			&cli.StringFlag{
				Name:  "reason",
				Usage: "The reason recorded in the audit log",
			},
		},
	}
}

func rolloutAction(ctx context.Context, cmd *cli.Command, path string) error {
	payload := handler.RolloutActionPayload{
		RolloutID: cmd.String("rollout"),
		Reason:    cmd.String("reason"),
	}
	return post(ctx, cmd, path, &payload)
}

func buildAction(ctx context.Context, cmd *cli.Command, path string) error {
	payload := handler.BuildActionPayload{
		BuildID: cmd.String("build"),
		Reason:  cmd.String("reason"),
	}
	return post(ctx, cmd, path, &payload)
}

func get(ctx context.Context, cmd *cli.Command, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cmd.String("server")+path, nil)
	if err != nil {
		return err
	}
	return do(req)
}

func post[I any](ctx context.Context, cmd *cli.Command, path string, payload *I) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cmd.String("server")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req)
}

func do(req *http.Request) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		log.Info().Int("status", resp.StatusCode).Msg("OK")
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
