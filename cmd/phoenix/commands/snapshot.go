package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newSnapshotCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <id> <name>",
		Short: "Take a named snapshot of a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid resource id %q", args[0])
			}
			name := args[1]

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

			if err := eng.Snapshot(ctx, id, name); err != nil {
				return err
			}
			fmt.Printf("snapshot %q taken for %d\n", name, id)
			return nil
		},
	}
	return cmd
}
