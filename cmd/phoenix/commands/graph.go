package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newGraphCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Emit the dependency graph in DOT format",
		Long: `Print the declared resource set as a Graphviz document. Solid edges
are depends_on relations, dashed edges point from a clone to its
source.

  phoenix graph | dot -Tsvg > resources.svg`,
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

			var b strings.Builder
			b.WriteString("digraph phoenix {\n")
			b.WriteString("  rankdir=BT;\n")
			b.WriteString("  node [shape=box, fontname=\"monospace\"];\n")
			for _, spec := range store.All() {
				shape := ""
				if spec.Template {
					shape = ", peripheries=2"
				}
				fmt.Fprintf(&b, "  %d [label=\"%d\\n%s (%s)\"%s];\n",
					spec.ID, spec.ID, spec.Name, spec.Kind, shape)
			}
			for _, spec := range store.All() {
				for _, dep := range spec.DependsOn {
					fmt.Fprintf(&b, "  %d -> %d;\n", spec.ID, dep)
				}
				if spec.CloneFrom != nil {
					fmt.Fprintf(&b, "  %d -> %d [style=dashed, label=\"clone\"];\n", spec.ID, *spec.CloneFrom)
				}
			}
			b.WriteString("}\n")

			_, err = os.Stdout.WriteString(b.String())
			return err
		},
	}
	return cmd
}
