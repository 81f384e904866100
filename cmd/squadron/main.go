// Command squadron routes conversations to a team of specialised agents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "squadron: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "squadron",
		Short:         "Multi-agent intent routing and conversation orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(),
		"config file (env SQUADRON_CONFIG)")

	root.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newValidateCmd(opts),
		newKnowledgeCmd(opts),
		newHashTokenCmd(),
		newVersionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("SQUADRON_CONFIG"); p != "" {
		return p
	}
	return "squadron.yaml"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "squadron", version)
		},
	}
}
