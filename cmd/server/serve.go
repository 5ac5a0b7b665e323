package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/flowplane/internal/app"
	"github.com/t77yq/flowplane/internal/model"
)

var (
	serveWorkflowsDir string
	serveStart        []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent fleet and maintenance jobs until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveWorkflowsDir, "workflows", "", "directory of workflow definitions (default app.workflows_dir)")
	serveCmd.Flags().StringSliceVar(&serveStart, "start", nil, "workflow ids to execute once the fleet is up")
}

func runServe(cmd *cobra.Command, args []string) error {
	sigCtx, stop := runContext(cmd)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	dir := serveWorkflowsDir
	if dir == "" {
		dir = cfg.App.WorkflowsDir
	}
	var loaded []*model.Workflow
	if dir != "" {
		if loaded, err = a.LoadWorkflows(sigCtx, dir); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(sigCtx)
	g.Go(func() error { return a.Run(ctx) })

	g.Go(func() error {
		ids := make([]string, 0, len(loaded))
		for _, wf := range loaded {
			ids = append(ids, wf.ID)
		}
		results, err := a.ResumeInterrupted(ctx, ids)
		if err != nil {
			logger.Error("Failed to resume interrupted executions", zap.Error(err))
		}
		for _, res := range results {
			logResult(res)
		}
		return nil
	})

	for _, id := range serveStart {
		id := id
		g.Go(func() error {
			res, err := a.Engine.StartExecution(ctx, id, nil)
			if err != nil {
				logger.Error("Failed to start workflow", zap.String("workflow_id", id), zap.Error(err))
				return nil
			}
			logResult(res)
			return nil
		})
	}

	logger.Info("Flowplane started",
		zap.Int("agents", len(a.Workers)),
		zap.Int("workflows", len(loaded)))

	if err := g.Wait(); err != nil && sigCtx.Err() == nil {
		return err
	}
	logger.Info("Flowplane stopped")
	return nil
}

func logResult(res *model.WorkflowExecutionResult) {
	fields := []zap.Field{
		zap.String("workflow_id", res.WorkflowID),
		zap.String("execution_id", res.ExecutionID),
		zap.String("status", string(res.Status)),
		zap.Int("steps", len(res.StepResults)),
		zap.Duration("duration", res.TotalDuration),
	}
	if res.Status == model.ExecutionStatusFailed {
		logger.Warn("Workflow execution failed", append(fields, zap.String("error", res.Error))...)
		return
	}
	logger.Info("Workflow execution finished", fields...)
}

// runContext ties the command context to SIGINT and SIGTERM
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}
