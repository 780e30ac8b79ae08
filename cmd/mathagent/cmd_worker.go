package main

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/temporal"
	"github.com/Kocoro-lab/mathagent/internal/workflows"
)

func (c *cli) temporalConfig() temporal.Config {
	return temporal.Config{
		HostPort:  c.cfg.Temporal.HostPort,
		Namespace: c.cfg.Temporal.Namespace,
		TaskQueue: c.cfg.Temporal.TaskQueue,
	}
}

func newWorkerCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a Temporal worker executing solve workflows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close()

			tc, err := temporal.Dial(cmd.Context(), c.temporalConfig(), c.logger)
			if err != nil {
				return err
			}
			defer tc.Close()

			w := worker.New(tc, c.cfg.Temporal.TaskQueue, worker.Options{})
			workflows.Register(w, workflows.NewActivities(a.engine, c.logger))
			c.logger.Info("Temporal worker started",
				zap.String("host_port", c.cfg.Temporal.HostPort),
				zap.String("task_queue", c.cfg.Temporal.TaskQueue),
			)
			return w.Run(worker.InterruptCh())
		},
	}
	cmd.AddCommand(newSubmitCmd(c))
	return cmd
}

func newSubmitCmd(c *cli) *cobra.Command {
	var (
		threadID string
		window   time.Duration
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "submit [question]",
		Short: "Start a solve workflow and optionally wait for the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tc, err := temporal.Dial(cmd.Context(), c.temporalConfig(), c.logger)
			if err != nil {
				return err
			}
			defer tc.Close()

			if threadID == "" {
				threadID = uuid.New().String()
			}
			run, err := tc.ExecuteWorkflow(cmd.Context(), client.StartWorkflowOptions{
				ID:        "solve-" + threadID,
				TaskQueue: c.cfg.Temporal.TaskQueue,
			}, workflows.SolveWorkflow, workflows.SolveInput{
				ThreadID:       threadID,
				Query:          strings.Join(args, " "),
				FeedbackWindow: window,
			})
			if err != nil {
				return err
			}
			c.logger.Info("Workflow started",
				zap.String("workflow_id", run.GetID()),
				zap.String("run_id", run.GetRunID()),
			)
			if !wait {
				return nil
			}
			var res workflows.SolveResult
			if err := run.Get(cmd.Context(), &res); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id (default: new uuid)")
	cmd.Flags().DurationVar(&window, "feedback-window", 0, "keep the workflow open for a feedback signal")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the result")
	return cmd
}
