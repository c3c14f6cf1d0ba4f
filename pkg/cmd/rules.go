package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/xlttj/pbiproxy/pkg/config"
)

func newRulesCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage saved port mapping rules",
		Long: `Manage the saved rules that map a model name to a fixed port.

Rules edited here take effect on the next refresh of a running pbiproxy.`,
	}
	cmd.AddCommand(
		newRulesListCmd(o),
		newRulesSetCmd(o),
		newRulesDeleteCmd(o),
		newRulesExportCmd(o),
		newRulesImportCmd(o),
	)
	return cmd
}

// withConfig loads the configuration, runs fn and saves the result when fn
// reports a change.
func (o *options) withConfig(fn func(cfg *config.ProxyConfiguration) (bool, error)) error {
	store, err := o.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cfg, err := store.Load()
	if err != nil {
		return err
	}
	changed, err := fn(&cfg)
	if err != nil || !changed {
		return err
	}
	return store.Save(cfg)
}

func newRulesListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withConfig(func(cfg *config.ProxyConfiguration) (bool, error) {
				writeRulesTable(cmd.OutOrStdout(), cfg.PortMappings)
				return false, nil
			})
		},
	}
}

func writeRulesTable(w io.Writer, rules []config.PortMappingRule) {
	if len(rules) == 0 {
		fmt.Fprintln(w, "No rules saved.")
		return
	}
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("MODEL", "PORT", "AUTO", "NETWORK")
	for _, r := range rules {
		t.Row(r.ModelNamePattern, strconv.Itoa(r.FixedPort), yesNo(r.AutoConnect), yesNo(r.AllowNetworkAccess))
	}
	fmt.Fprintln(w, t.String())
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func newRulesSetCmd(o *options) *cobra.Command {
	var autoConnect, network bool
	cmd := &cobra.Command{
		Use:   "set <model> <port>",
		Short: "Create or replace the rule for a model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
			if !config.IsSavableName(name) {
				return fmt.Errorf("model name %q cannot be saved", name)
			}
			if err := config.ValidatePort(port); err != nil {
				return err
			}
			rule := config.PortMappingRule{
				ModelNamePattern:   name,
				FixedPort:          port,
				AutoConnect:        autoConnect,
				AllowNetworkAccess: network,
			}
			err = o.withConfig(func(cfg *config.ProxyConfiguration) (bool, error) {
				next := cfg.Clone()
				next.UpsertRule(rule)
				if err := config.ValidateRules(next.PortMappings); err != nil {
					return false, err
				}
				*cfg = next
				return true, nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s -> %d\n", name, port)
			return nil
		},
	}
	cmd.Flags().BoolVar(&autoConnect, "auto", false, "start the proxy automatically when the model is detected")
	cmd.Flags().BoolVar(&network, "network", false, "listen on all interfaces instead of localhost")
	return cmd
}

func newRulesDeleteCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model>",
		Short: "Delete the rule for a model",
		Long: `Delete the rule for a model.

A pbiproxy that is running keeps an active proxy for the model until the
model is closed or the proxy is stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := o.withConfig(func(cfg *config.ProxyConfiguration) (bool, error) {
				if !cfg.RemoveRule(args[0]) {
					return false, fmt.Errorf("no rule for %q", args[0])
				}
				return true, nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted rule for %s\n", args[0])
			return nil
		},
	}
}

func newRulesExportCmd(o *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write saved rules as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withConfig(func(cfg *config.ProxyConfiguration) (bool, error) {
				if output == "" || output == "-" {
					return false, config.ExportRules(cmd.OutOrStdout(), cfg.PortMappings)
				}
				if err := writeRulesFile(output, cfg.PortMappings); err != nil {
					return false, err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d rule(s) to %s\n", len(cfg.PortMappings), output)
				return false, nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func writeRulesFile(path string, rules []config.PortMappingRule) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := config.ExportRules(f, rules); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newRulesImportCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Merge rules from a YAML file into the saved rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open rules file: %w", err)
				}
				defer f.Close()
				in = f
			}
			imported, err := config.ImportRules(in)
			if err != nil {
				return err
			}

			var applied int
			err = o.withConfig(func(cfg *config.ProxyConfiguration) (bool, error) {
				n, err := config.MergeRules(cfg, imported)
				applied = n
				return n > 0, err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rule(s)\n", applied)
			return nil
		},
	}
}
