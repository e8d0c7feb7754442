package main

import (
	"github.com/spf13/cobra"

	"licenseplatform/internal/hardware"
)

// MachineCommand prints the fingerprint a license must be bound to.
type MachineCommand struct {
	opts *RootOptions
	root string
}

func NewMachineCommand(opts *RootOptions) *MachineCommand {
	return &MachineCommand{opts: opts}
}

func (c *MachineCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Print the hardware fingerprint of this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			probe := hardware.NewProbe(
				hardware.WithRoot(c.root),
				hardware.WithCacheTTL(0),
				hardware.WithLogger(c.opts.logger(cmd)),
			)
			return writeJSON(cmd.OutOrStdout(), probe.Current())
		},
	}
	cmd.Flags().StringVar(&c.root, "root", "/", "filesystem root holding /proc and /sys")
	return cmd
}
