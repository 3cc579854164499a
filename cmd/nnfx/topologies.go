package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/gogpu/nnfx"
)

var titleCaser = cases.Title(language.English)

// displayName turns a topology tag such as "style-temporal" into
// "Style Temporal".
func displayName(t nnfx.Topology) string {
	return titleCaser.String(strings.ReplaceAll(t.String(), "-", " "))
}

func newTopologiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topologies",
		Short: "List the supported input topologies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TAG\tNAME\tSTYLE INPUT")
			for _, t := range nnfx.Topologies() {
				style := "no"
				if t.HasStyle() {
					style = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", t, displayName(t), style)
			}
			return w.Flush()
		},
	}
}
