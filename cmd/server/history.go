package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/flowplane/internal/model"
	"github.com/t77yq/flowplane/internal/storage"
)

var (
	historyFilter storage.HistoryFilter
	historyStatus string
	historyOffset int
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished agent tasks from the task history",
	RunE:  listHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFilter.WorkflowID, "workflow", "", "only tasks of this workflow")
	historyCmd.Flags().StringVar(&historyFilter.AgentID, "agent", "", "only tasks run by this agent")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only tasks with this status (completed, failed, cancelled)")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "records to skip")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "records to show")
}

func listHistory(cmd *cobra.Command, args []string) error {
	if cfg.Storage.Path == "" {
		return errors.New("task history needs storage.path")
	}
	historyFilter.Status = model.TaskStatus(historyStatus)

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	history, err := storage.NewSQLiteTaskHistory(db, logger)
	if err != nil {
		return err
	}

	total, err := history.Count(cmd.Context(), historyFilter)
	if err != nil {
		return err
	}
	records, err := history.List(cmd.Context(), historyFilter, historyOffset, historyLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tWORKFLOW\tSTEP\tAGENT\tSTATUS\tRETRIES\tDURATION\tCOMPLETED")
	for _, r := range records {
		completed := "-"
		if !r.CompletedAt.IsZero() {
			completed = r.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.TaskID, r.WorkflowID, r.StepID, r.AgentID, r.Status, r.RetryCount, r.Duration, completed)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d records\n", len(records), total)
	return nil
}
