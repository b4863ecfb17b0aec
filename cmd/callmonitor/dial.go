package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dial <extension> <number>",
		Short: "Start a click-to-dial call from an extension",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newCTIClient(cfg, log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := client.Login(ctx); err != nil {
				return fmt.Errorf("pbx login: %w", err)
			}
			res, err := client.InitiateCall(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd, res)
		},
	}
}

func newHangupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hangup <call-uuid>",
		Short: "Cancel a call started with dial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newCTIClient(cfg, log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := client.Login(ctx); err != nil {
				return fmt.Errorf("pbx login: %w", err)
			}
			if err := client.CancelCall(ctx, args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}
