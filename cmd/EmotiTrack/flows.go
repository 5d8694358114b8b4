package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

func newFlowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Flow document commands",
	}
	cmd.AddCommand(newFlowsValidateCmd())
	return cmd
}

func newFlowsValidateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate flow documents",
		Long:  "Parses every flow document of the directory, or the built-in flows, and prints a summary of each flow.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := loadFlows(dir)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(defs))
			for name := range defs {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, name := range names {
				def := defs[name]
				answers := 0
				for _, step := range def.Steps() {
					if step.AnswerKey != "" {
						answers++
					}
				}
				fmt.Fprintf(out, "%s: %d steps, %d answers, starts at %s\n", name, len(def.Order), answers, def.FirstStep())
			}
			fmt.Fprintf(out, "%d flows valid\n", len(defs))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "flows-dir", os.Getenv("FLOWS_DIR"), "directory of flow documents, built-in flows when empty (overrides $FLOWS_DIR)")
	return cmd
}
