package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/termloop/unifiedllm"
)

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models [provider]",
		Short: "List the models termloop knows limits for",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := ""
			if len(args) == 1 {
				provider = args[0]
			}
			models := unifiedllm.ListModels(provider)
			if len(models) == 0 {
				return fmt.Errorf("no models known for provider %q", provider)
			}
			out := cmd.OutOrStdout()
			for _, m := range models {
				line := fmt.Sprintf("%-10s %-18s context %7d  output %6d", m.Provider, m.ID, m.ContextWindow, m.MaxOutput)
				if len(m.Aliases) > 0 {
					line += "  " + faintStyle.Render("aliases: "+strings.Join(m.Aliases, ", "))
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}
