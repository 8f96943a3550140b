package main

import (
	"zombiefinder/diag"
	"zombiefinder/owners"

	"github.com/spf13/cobra"
)

func newReplayCommand(opts *options) *cobra.Command {
	var from, stamp string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Report from a diagnostic dump written with --diag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			if stamp == "" {
				stamp, err = diag.Latest(from)
				if err != nil {
					return err
				}
			}
			capture, err := diag.Load(from, stamp)
			if err != nil {
				return err
			}
			return output(cmd, cfg, owners.Replay(capture))
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "`directory` holding the dump")
	cmd.Flags().StringVar(&stamp, "stamp", "", "dump to read, e.g. 20240301_120000 (default newest)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
