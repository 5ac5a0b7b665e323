package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/t77yq/flowplane/internal/model"
	"github.com/t77yq/flowplane/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file-or-dir>...",
	Short: "Check workflow definitions without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			defs, err := loadPath(path)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
				failed++
				continue
			}
			for _, wf := range defs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok (%d steps)\n", path, wf.ID, len(wf.Steps))
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d paths invalid", failed, len(args))
		}
		return nil
	},
}

func loadPath(path string) ([]*model.Workflow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return workflow.LoadDir(path)
	}
	wf, err := workflow.Load(path)
	if err != nil {
		return nil, err
	}
	return []*model.Workflow{wf}, nil
}
