package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markjakearzadon/notipay-reconciler/internal/normalizer"
	"github.com/markjakearzadon/notipay-reconciler/internal/notify"
	"github.com/markjakearzadon/notipay-reconciler/internal/services"
)

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [payload.json]",
		Short: "Run a saved webhook payload through reconciliation",
		Long: `Replay feeds a webhook body captured from the aggregator through the same
normalize, journal and match steps the webhook endpoint uses. Transactions
already journaled are reported as duplicates and matched orders stay matched.

Examples:
  notipay replay ./payload.json
  notipay replay --dry-run ./payload.json`,
		Args: cobra.ExactArgs(1),
	}
	dryRun := cmd.Flags().Bool("dry-run", false, "only print the normalized transactions")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		payload, err := normalizer.Decode(f)
		if err != nil {
			return fmt.Errorf("invalid payload %s: %w", args[0], err)
		}

		out := json.NewEncoder(cmd.OutOrStdout())
		out.SetIndent("", "  ")

		if *dryRun {
			txs, shape := normalizer.Normalize(payload)
			return out.Encode(map[string]interface{}{"shape": shape, "transactions": txs})
		}

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

		matcher := services.NewReconciliationService(store, notify.Discard)
		return out.Encode(matcher.HandleWebhook(ctx, payload))
	}
	return cmd
}
