package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/nnfx/internal/engine"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "inspect <model.yaml>",
		Short:   "Print the declared inputs and outputs of a model",
		Example: "  nnfx inspect models/content_style.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := engine.LoadManifest(args[0])
			if err != nil {
				return err
			}
			inputs, outputs, err := m.Bindings()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "model: %s (%d nodes)\n", m.Name, len(m.Nodes))
			for _, b := range inputs {
				fmt.Fprintf(out, "  input  %s\n", b)
			}
			for _, b := range outputs {
				fmt.Fprintf(out, "  output %s\n", b)
			}
			return nil
		},
	}
}
