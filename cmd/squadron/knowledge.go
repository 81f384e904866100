package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"squadron/internal/adapter/gateway"
	"squadron/internal/adapter/retrieval"
	"squadron/internal/infra/config"
	"squadron/internal/infra/logger"
)

func newKnowledgeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the retrieval knowledge base",
	}

	open := func() (*retrieval.SQLiteRetriever, error) {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		if cfg.Retrieval.Path == "" {
			return nil, fmt.Errorf("retrieval.path is not configured")
		}
		return retrieval.OpenSQLite(cfg.Retrieval.Path, cfg.Retrieval.TopK, logger.Discard())
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <source> <file>",
		Short: "Add a file's text as a passage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			kb, err := open()
			if err != nil {
				return err
			}
			defer kb.Close()
			if err := kb.Add(cmd.Context(), args[0], string(data)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <source>",
		Short: "Delete every passage of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kb, err := open()
			if err != nil {
				return err
			}
			defer kb.Close()
			n, err := kb.DeleteSource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d passages\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "search <query>",
		Short: "Show the passages an agent would receive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kb, err := open()
			if err != nil {
				return err
			}
			defer kb.Close()
			passages, err := kb.FetchContext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range passages {
				fmt.Fprintf(out, "[%.3f] %s\n%s\n\n", p.Score, p.Source, p.Content)
			}
			if len(passages) == 0 {
				fmt.Fprintln(out, "no matching passages")
			}
			return nil
		},
	})
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash to put in gateway.tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := gateway.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}
