package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/phoenix-hypervisor/phoenix/pkg/engine"
	"github.com/phoenix-hypervisor/phoenix/pkg/state"
)

func newStatusCommand(version string) *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show convergence state of all declared resources",
		Long: `Merge the declared resource set with the durable stage records.
Resources that were declared but never converged show as undefined;
records for resources no longer declared are flagged as orphaned.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(version)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer a.close(ctx)

			store, err := a.loadSpecs(ctx)
			if err != nil {
				return err
			}

			st, err := state.Open(ctx, a.settings.StatePath)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer st.Close()

			records, err := st.List(ctx)
			if err != nil {
				return err
			}
			byID := make(map[int]*engine.Record, len(records))
			for _, rec := range records {
				byID[rec.ID] = rec
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tNAME\tSTAGE\tUPDATED\tLAST ERROR")
			for _, spec := range store.All() {
				stage, updated, lastErr := string(engine.StageUndefined), "-", ""
				if rec, ok := byID[spec.ID]; ok {
					stage = string(rec.Stage)
					updated = rec.UpdatedAt.Format(time.RFC3339)
					lastErr = rec.LastError
					delete(byID, spec.ID)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					spec.ID, spec.Kind, spec.Name, stage, updated, lastErr)
			}
			for _, rec := range records {
				if _, orphaned := byID[rec.ID]; !orphaned {
					continue
				}
				fmt.Fprintf(w, "%d\t%s\t(orphaned)\t%s\t%s\t%s\n",
					rec.ID, rec.Kind, rec.Stage, rec.UpdatedAt.Format(time.RFC3339), rec.LastError)
			}
			w.Flush()

			if runs > 0 {
				if err := printRuns(cmd, st, runs); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 0, "also show the N most recent runs")
	return cmd
}

func printRuns(cmd *cobra.Command, st *state.Store, limit int) error {
	runs, err := st.ListRuns(cmd.Context(), limit, 0)
	if err != nil {
		return err
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tREQUESTED\tSTARTED\tERROR")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			run.ID, run.Status, run.Requested, run.StartedAt.Format(time.RFC3339), run.Error)
	}
	return w.Flush()
}
