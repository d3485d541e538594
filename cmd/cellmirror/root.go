// Root command for the cellmirror CLI.
package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellmirror/internal/logging"
	"github.com/mesh-intelligence/cellmirror/internal/paths"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// rootOptions holds global flag values accessible to all subcommands.
type rootOptions struct {
	configDir string
	root      string
	format    string
	verbose   bool
}

// app is the state shared by subcommands once PersistentPreRunE has run.
type app struct {
	opts      rootOptions
	configDir string
	cfg       types.Config
	logger    *slog.Logger
	closeLog  io.Closer
	out       io.Writer
	errOut    io.Writer
}

func (a *app) printer() *printer {
	return &printer{format: a.opts.format, w: a.out}
}

// setup resolves directories, loads config.yaml and builds the logger.
func (a *app) setup() error {
	if !isValidFormat(a.opts.format) {
		return fmt.Errorf("invalid format %q: must be one of %v", a.opts.format, validFormats)
	}
	configDir, err := paths.ResolveConfigDir(a.opts.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	v, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	cfg, err := decodeConfig(v, a.opts.root)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Log, a.errOut, a.opts.verbose)
	if err != nil {
		return err
	}
	a.configDir = configDir
	a.cfg = cfg
	a.logger = logger
	a.closeLog = closer
	slog.SetDefault(logger)
	return nil
}

func (a *app) teardown() error {
	if a.closeLog == nil {
		return nil
	}
	err := a.closeLog.Close()
	a.closeLog = nil
	return err
}

// newRootCmd creates the top-level "cellmirror" command with global flags
// and all subcommands registered. The caller must call teardown on the
// returned app after the command ran.
func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, *app) {
	a := &app{out: stdout, errOut: stderr}

	root := &cobra.Command{
		Use:   "cellmirror",
		Short: "Keep a local mirror of remote test records",
		Long: `cellmirror mirrors test records (metadata plus a time-series payload) from a
remote catalog into a local directory tree indexed by a manifest. It syncs
incrementally, detects and repairs drift between the manifest and the tree,
and answers metadata queries without touching the network.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&a.opts.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&a.opts.root, "root", "", "mirror root (default: $(CWD)/"+paths.DefaultRootName+")")
	root.PersistentFlags().StringVar(&a.opts.format, "format", formatText, "output format (text|json|yaml)")
	root.PersistentFlags().BoolVarP(&a.opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(a))
	root.AddCommand(newSyncCmd(a))
	root.AddCommand(newCheckCmd(a))
	root.AddCommand(newRepairCmd(a))
	root.AddCommand(newQueryCmd(a))
	root.AddCommand(newPruneCmd(a))
	root.AddCommand(newDeleteDeviceCmd(a))
	root.AddCommand(newHistoryCmd(a))
	root.AddCommand(newWatchCmd(a))

	return root, a
}
