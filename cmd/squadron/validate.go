package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"squadron/internal/infra/config"
	"squadron/internal/usecase/prompt"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config, then list the agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config %s is valid\n\n", opts.configPath)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tBACKEND\tSTREAMING\tCAPABILITIES\tUNBOUND")
			for _, a := range cfg.Agents {
				missing := prompt.New(a.Prompt.Template, a.Prompt.Variables).Missing()
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", a.ID, a.Backend, a.Streaming,
					strings.Join(a.Capabilities, ","), strings.Join(missing, ","))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if cfg.Orchestrator.DefaultAgent != "" {
				fmt.Fprintf(out, "\ndefault agent: %s\n", cfg.Orchestrator.DefaultAgent)
			}
			return nil
		},
	}
}
