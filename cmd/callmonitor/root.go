package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/callmonitor/callmonitor.yaml"

func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "callmonitor",
		Short:        "NFON call monitor: call records, presence and caller lookup",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", defaultConfigPath, "Path to config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLookupCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newDialCmd())
	cmd.AddCommand(newHangupCmd())
	cmd.AddCommand(newCaptureCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}
