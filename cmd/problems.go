package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/implicitfit/internal/problems"
)

var problemsCmd = &cobra.Command{
	Use:   "problems",
	Short: "List the built-in problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tINPUTS\tEXTERNALS\tRESIDUALS\tDESCRIPTION")
		fmt.Fprintln(w, "----\t------\t---------\t---------\t-----------")

		for _, name := range problems.Names() {
			prob, err := problems.Get(name)
			if err != nil {
				return err
			}
			inputNames := make([]string, len(prob.Partition.Inputs))
			for i, v := range prob.Partition.Inputs {
				inputNames[i] = v.Name()
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				prob.Name,
				strings.Join(inputNames, ","),
				len(prob.Partition.Externals),
				len(prob.Partition.Residuals),
				prob.Description,
			)
		}

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(problemsCmd)
}
