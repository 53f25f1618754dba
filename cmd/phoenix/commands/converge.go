package commands

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/phoenix-hypervisor/phoenix/pkg/engine"
)

func newConvergeCommand(version string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "converge [id...]",
		Short: "Converge resources toward their declared state",
		Long: `Converge the given resources, or every declared resource when no IDs
are passed. Dependencies are pulled in automatically and ordered first.

Each resource walks the stage pipeline; stages whose outcome already
holds on the host are skipped. When a resource fails, its dependents
are skipped and independent resources continue.`,
		Example: `  # Converge everything
  phoenix converge

  # Converge 950 and its dependencies
  phoenix converge 950

  # Show what a converge would do
  phoenix converge --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			requested, err := parseIDs(args)
			if err != nil {
				return err
			}

			a, err := newApp(version)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer a.close(ctx)
			a.serveMetrics(ctx)

			store, err := a.loadSpecs(ctx)
			if err != nil {
				return err
			}
			if err := a.checkPolicies(ctx, store); err != nil {
				return err
			}

			if len(requested) == 0 {
				requested = store.IDs()
			}

			eng, cleanup, err := a.buildEngine(ctx, store, dryRun)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := eng.ConvergeBatch(ctx, requested)
			if err != nil {
				return err
			}
			printBatch(result, dryRun)

			if failed := result.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d resource(s) failed", len(failed))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intended operations without touching the hypervisor")
	return cmd
}

func parseIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid resource id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printBatch(result *engine.BatchResult, dryRun bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tOUTCOME\tSTAGE\tDURATION\tDETAIL")
	for _, r := range result.Results {
		detail := r.Reason
		if r.Err != nil {
			detail = r.Err.Error()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Outcome, r.Stage, r.Duration.Round(time.Millisecond), detail)
	}
	w.Flush()

	label := "run"
	if dryRun {
		label = "dry run"
	}
	fmt.Printf("\n%s %s finished in %s: %d completed, %d failed, %d skipped\n",
		label, result.RunID, result.Duration.Round(time.Millisecond),
		len(result.Results)-len(result.Failed())-len(result.Skipped()),
		len(result.Failed()), len(result.Skipped()))
}
