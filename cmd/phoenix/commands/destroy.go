package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDestroyCommand(version string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "destroy <id>...",
		Short: "Destroy resources and drop their stage records",
		Long: `Stop and destroy the given resources on the hypervisor, then delete
their stage records. The declared documents are not modified; the next
converge would recreate the resources.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("destroy is irreversible, re-run with --yes to confirm")
			}

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
			eng, cleanup, err := a.buildEngine(ctx, store, false)
			if err != nil {
				return err
			}
			defer cleanup()

			for _, id := range ids {
				if err := eng.Destroy(ctx, id); err != nil {
					return fmt.Errorf("failed to destroy %d: %w", id, err)
				}
				fmt.Printf("destroyed %d\n", id)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destruction")
	return cmd
}
