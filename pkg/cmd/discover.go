package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xlttj/pbiproxy/pkg/config"
	"github.com/xlttj/pbiproxy/pkg/discovery"
	"github.com/xlttj/pbiproxy/pkg/proxy"
)

func newDiscoverCmd(o *options) *cobra.Command {
	var opts discovery.Options
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find running instances and create rules for them",
		Long: `Find running instances and create rules for the ones without a rule.

Each instance is offered a free fixed port, starting from the configured
base port. Selected rules are saved, or written to a YAML file with -o so
they can be reviewed and imported later with 'pbiproxy rules import'.`,
		Example: `  pbiproxy discover
  pbiproxy discover -y
  pbiproxy discover -y -o rules.yaml --base-port 60000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd, o, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "", "write rules to this YAML file instead of saving them")
	cmd.Flags().BoolVarP(&opts.AcceptAll, "yes", "y", false, "accept every instance without prompting")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.Flags().IntVar(&opts.BasePort, "base-port", 0, "first fixed port to offer (default: configured base port)")
	return cmd
}

func runDiscover(cmd *cobra.Command, o *options, opts discovery.Options) error {
	out := cmd.OutOrStdout()
	return o.withConfig(func(cfg *config.ProxyConfiguration) (bool, error) {
		session := &discovery.Session{
			Detector:  o.detector(),
			Config:    cfg.Clone(),
			PortInUse: func(port int) bool { return !proxy.IsPortAvailable(port) },
			In:        cmd.InOrStdin(),
			Out:       out,
		}
		rules, err := session.Run(cmd.Context(), opts)
		if errors.Is(err, discovery.ErrSelectionCancelled) {
			fmt.Fprintln(out, "Cancelled.")
			return false, nil
		}
		if err != nil || len(rules) == 0 {
			return false, err
		}
		applied, err := config.MergeRules(cfg, rules)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Saved %d rule(s)\n", applied)
		return applied > 0, nil
	})
}
