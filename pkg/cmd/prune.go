package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xlttj/pbiproxy/pkg/config"
)

func newPruneCmd(o *options) *cobra.Command {
	var acceptAll, verbose bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove rules for models that are not currently running",
		Long: `Remove saved rules whose model is not currently detected.

How it works:
  1. Detects the instances running right now
  2. Compares their model names against your saved rules
  3. Lists the rules that match no running instance
  4. Prompts for confirmation before removal (unless -y is used)

Open every model you want to keep before pruning.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, o, acceptAll, verbose)
		},
	}
	cmd.Flags().BoolVarP(&acceptAll, "yes", "y", false, "delete without prompting")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	return cmd
}

func runPrune(cmd *cobra.Command, o *options, acceptAll, verbose bool) error {
	out := cmd.OutOrStdout()
	det := o.detector()
	if !det.IsSourcePathValid() {
		return fmt.Errorf("no instance source available; refusing to prune every rule")
	}
	instances, err := det.Detect(cmd.Context())
	if err != nil {
		return fmt.Errorf("error detecting instances: %w", err)
	}
	running := make(map[string]bool, len(instances))
	for _, inst := range instances {
		running[inst.ModelName] = true
	}
	if verbose {
		fmt.Fprintf(out, "Detected %d running instance(s)\n", len(instances))
	}

	return o.withConfig(func(cfg *config.ProxyConfiguration) (bool, error) {
		var stale []config.PortMappingRule
		for _, r := range cfg.PortMappings {
			if !running[r.ModelNamePattern] {
				stale = append(stale, r)
			}
		}
		if len(stale) == 0 {
			fmt.Fprintln(out, "✅ No stale rules to remove.")
			return false, nil
		}

		fmt.Fprintf(out, "Found %d stale rule(s):\n", len(stale))
		for _, r := range stale {
			fmt.Fprintf(out, "  - %s (port %d)\n", r.ModelNamePattern, r.FixedPort)
		}
		if !acceptAll {
			fmt.Fprint(out, "Delete these rules? [y/N]: ")
			resp, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			resp = strings.TrimSpace(strings.ToLower(resp))
			if resp != "y" && resp != "yes" {
				fmt.Fprintln(out, "Aborted.")
				return false, nil
			}
		}

		for _, r := range stale {
			cfg.RemoveRule(r.ModelNamePattern)
		}
		fmt.Fprintf(out, "🧹 Removed %d stale rule(s).\n", len(stale))
		return true, nil
	})
}
