package main

import (
	"fmt"
	"io"
	"os"

	"zombiefinder/config"
	"zombiefinder/owners"
	"zombiefinder/report"

	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	cfg        config.Config
}

func newRootCommand() *cobra.Command {
	opts := &options{cfg: config.Default()}

	cmd := &cobra.Command{
		Use:   "zombiefinder",
		Short: "Find exited processes kept in memory and the processes holding them",
		Long: `zombiefinder lists processes that have exited but are still resident in kernel
memory because something holds a handle to them, together with the running
processes holding those handles. Zombies nobody holds a handle to are listed
as "(No process)". Must run with administrative privileges.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML file with default settings")
	flags.BoolVar(&opts.cfg.Details, "details", opts.cfg.Details, "list every handle held, not just counts")
	flags.BoolVar(&opts.cfg.CSV, "csv", opts.cfg.CSV, "write tab-delimited fields")
	flags.StringVar(&opts.cfg.Out, "out", opts.cfg.Out, "write to `file` instead of stdout")

	local := cmd.Flags()
	local.Uint64Var(&opts.cfg.MinAgeSecs, "secs", opts.cfg.MinAgeSecs, "ignore processes that exited less than `N` seconds ago (0 for all)")
	local.StringVar(&opts.cfg.DiagDir, "diag", opts.cfg.DiagDir, "write diagnostic dump files into `directory`")

	cmd.AddCommand(newReplayCommand(opts))
	return cmd
}

// resolve layers flags that were set explicitly over the config file
func (o *options) resolve(cmd *cobra.Command) (config.Config, error) {
	cfg := o.cfg
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return cfg, err
		}
		flags := cmd.Flags()
		if !flags.Changed("details") {
			cfg.Details = loaded.Details
		}
		if !flags.Changed("csv") {
			cfg.CSV = loaded.CSV
		}
		if !flags.Changed("out") {
			cfg.Out = loaded.Out
		}
		if flags.Lookup("secs") != nil && !flags.Changed("secs") {
			cfg.MinAgeSecs = loaded.MinAgeSecs
		}
		if flags.Lookup("diag") != nil && !flags.Changed("diag") {
			cfg.DiagDir = loaded.DiagDir
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, cfg config.Config) error {
	k, elevator, svcs, err := newPlatform()
	if err != nil {
		return err
	}

	result, err := owners.NewFinder(k, elevator, svcs).Update(owners.Options{
		MinAge:  cfg.MinAgeSecs,
		DiagDir: cfg.DiagDir,
	})
	if err != nil {
		return err
	}
	return output(cmd, cfg, result)
}

// output renders result to --out or the command's output
func output(cmd *cobra.Command, cfg config.Config, result *owners.Result) (err error) {
	var w io.Writer = cmd.OutOrStdout()
	if cfg.Out != "" {
		f, ferr := os.Create(cfg.Out)
		if ferr != nil {
			return fmt.Errorf("cannot open %s for writing: %w", cfg.Out, ferr)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}
	return render(w, cfg, result)
}

func render(w io.Writer, cfg config.Config, result *owners.Result) error {
	switch {
	case cfg.Details && cfg.CSV:
		return report.DetailsTSV(w, result)
	case cfg.Details:
		return report.Details(w, result)
	case cfg.CSV:
		return report.SummaryTSV(w, result)
	default:
		return report.Summary(w, result)
	}
}
