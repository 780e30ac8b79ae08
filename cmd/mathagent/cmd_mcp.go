package main

import (
	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/mathagent/internal/mcpserver"
)

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the search tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newBase(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close()

			srv := mcpserver.New(mcpserver.Tools{
				Web:       a.tavily,
				Knowledge: a.wikipedia,
				Fetcher:   a.fetcher,
			}, c.logger)
			return mcpserver.ServeStdio(srv)
		},
	}
}
