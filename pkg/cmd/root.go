package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/xlttj/pbiproxy/pkg/config"
	"github.com/xlttj/pbiproxy/pkg/controller"
	"github.com/xlttj/pbiproxy/pkg/discovery"
	"github.com/xlttj/pbiproxy/pkg/logging"
	"github.com/xlttj/pbiproxy/pkg/ui"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath    string
	storeKind     string
	workspaces    string
	instancesFile string
	interval      time.Duration
	logFile       string
	logLevel      string
}

// NewRootCmd builds the pbiproxy command tree. Without a subcommand it
// opens the terminal UI, or runs headless when stdout is not a terminal.
func NewRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "pbiproxy",
		Short: "Stable ports for local analytical engines",
		Long: `pbiproxy exposes locally running analytical engines, each bound to an
ephemeral port, on fixed ports of your choice. Saved rules map a model
name to a fixed port and are re-applied whenever the model is opened again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.initLogging(false)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isInteractive() {
				logging.LogInfo("stdout is not a terminal, running headless")
				return runServe(cmd, o, "")
			}
			if err := o.initLogging(true); err != nil {
				return err
			}
			return runTUI(cmd, o)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&o.configPath, "config", "", "configuration file (default: <user config dir>/pbiproxy/config.json or pbiproxy.db)")
	flags.StringVar(&o.storeKind, "store", config.StoreJSON, "configuration store: json or sqlite")
	flags.StringVar(&o.workspaces, "workspaces", "", "directory holding the engine workspaces (default: platform location)")
	flags.StringVar(&o.instancesFile, "instances", "", "YAML file listing instances, used instead of scanning workspaces")
	flags.DurationVar(&o.interval, "interval", controller.DefaultRefreshInterval, "how often instances are re-detected")
	flags.StringVar(&o.logFile, "log-file", "", "write logs to this file")
	flags.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(o),
		newRulesCmd(o),
		newDiscoverCmd(o),
		newPruneCmd(o),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	defer logging.Close()
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func isInteractive() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// initLogging applies --log-file and --log-level. The terminal UI owns the
// screen, so it logs to a file next to the configuration by default.
func (o *options) initLogging(toFile bool) error {
	file := o.logFile
	if file == "" && toFile {
		if dir, err := config.DefaultDir(); err == nil {
			file = filepath.Join(dir, logging.DefaultFileName)
		}
	}
	if file == "" && o.logLevel == "" {
		return nil
	}
	return logging.Init(logging.Options{File: file, Level: o.logLevel})
}

func (o *options) openStore() (config.Store, error) {
	store, err := config.NewStore(o.storeKind, o.configPath)
	if err != nil {
		return nil, fmt.Errorf("open configuration store: %w", err)
	}
	return store, nil
}

func (o *options) detector() discovery.Detector {
	if o.instancesFile != "" {
		return &discovery.FileDetector{Path: o.instancesFile}
	}
	root := o.workspaces
	if root == "" {
		root = discovery.DefaultWorkspacesRoot()
	}
	return discovery.NewWorkspaceDetector(root)
}

func (o *options) newController() (*controller.Controller, error) {
	store, err := o.openStore()
	if err != nil {
		return nil, err
	}
	ctrl, err := controller.New(controller.Options{Detector: o.detector(), Store: store})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return ctrl, nil
}

func runTUI(cmd *cobra.Command, o *options) error {
	ctrl, err := o.newController()
	if err != nil {
		return err
	}
	defer ctrl.Close()
	return ui.Run(cmd.Context(), ctrl, o.interval)
}
