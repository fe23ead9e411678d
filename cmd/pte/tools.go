package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/pte-agent/internal/tools"
	"github.com/ashureev/pte-agent/internal/tools/builtin"
)

func newToolsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool manifest the planner sees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, "text", "warn")

			filter, err := tools.NewFilter(cfg.Tools.Enabled)
			if err != nil {
				return fmt.Errorf("TOOLS_ENABLED: %w", err)
			}
			deps, _, closers := toolBackends(cfg, logger)
			defer func() {
				for _, c := range closers {
					c()
				}
			}()

			reg := tools.NewRegistry(tools.WithLogger(logger))
			if _, err := builtin.Register(reg, deps, filter); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reg.Specs())
			}
			_, err = fmt.Fprintln(out, reg.Manifest().Text())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tool specs as JSON")
	return cmd
}
