package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markjakearzadon/notipay-reconciler/internal/notify"
	"github.com/markjakearzadon/notipay-reconciler/internal/services"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire pending orders older than ORDER_TTL once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
			defer cancel()

			store, _, err := openLedger(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close(context.Background())

			// no subscribers in this process; a change-stream server still sees the updates
			sweeper := services.NewExpirySweeper(store, notify.Discard, cfg.OrderTTL, cfg.SweepInterval)
			expired, err := sweeper.RunOnce(ctx)
			for _, id := range expired {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "expired %d order(s)\n", len(expired))
			return nil
		},
	}
}
