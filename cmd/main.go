package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markjakearzadon/notipay-reconciler/internal/config"
	"github.com/markjakearzadon/notipay-reconciler/internal/db"
	"github.com/markjakearzadon/notipay-reconciler/internal/ledger"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "notipay",
		Short:        "Bank-transfer order reconciliation",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates configuration and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyLogLevel()
	return cfg, nil
}

// openLedger connects the configured store. The MongoStore is returned as
// well when the driver is mongo, for change-stream watching.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, *ledger.MongoStore, error) {
	switch cfg.LedgerDriver {
	case config.DriverMongo:
		client, err := db.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		store := ledger.NewMongoStore(client, cfg.MongoDatabase)
		if err := store.EnsureIndexes(ctx); err != nil {
			store.Close(context.Background())
			return nil, nil, err
		}
		return store, store, nil
	default:
		store, err := ledger.NewSQLStore(cfg.LedgerDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}
