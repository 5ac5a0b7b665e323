package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/flowplane/internal/app"
	"github.com/t77yq/flowplane/internal/model"
	"github.com/t77yq/flowplane/internal/workflow"
)

var (
	runVars     map[string]string
	runInMemory bool
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Execute one workflow against the configured fleet and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflow,
}

func init() {
	runCmd.Flags().StringToStringVar(&runVars, "var", nil, "execution variable as key=value, repeatable")
	runCmd.Flags().BoolVar(&runInMemory, "in-memory", false, "keep state in memory instead of storage.path")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	wf, err := workflow.Load(args[0])
	if err != nil {
		return err
	}

	if runInMemory {
		cfg.Storage.Path = ""
	}

	ctx, stop := runContext(cmd)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.SaveWorkflow(ctx, wf); err != nil {
		return err
	}

	fleetCtx, stopFleet := context.WithCancel(ctx)
	g, fleetCtx := errgroup.WithContext(fleetCtx)
	g.Go(func() error { return a.Run(fleetCtx) })

	vars := make(map[string]interface{}, len(runVars))
	for k, v := range runVars {
		vars[k] = v
	}
	result, err := a.Engine.StartExecution(fleetCtx, wf.ID, vars)

	stopFleet()
	if waitErr := g.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if result.Status != model.ExecutionStatusCompleted {
		return fmt.Errorf("workflow %s finished with status %s", wf.ID, result.Status)
	}
	return nil
}
