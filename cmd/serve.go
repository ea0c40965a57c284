package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/spf13/cobra"

	"github.com/markjakearzadon/notipay-reconciler/internal/config"
	"github.com/markjakearzadon/notipay-reconciler/internal/handlers"
	"github.com/markjakearzadon/notipay-reconciler/internal/notify"
	"github.com/markjakearzadon/notipay-reconciler/internal/services"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, mongoStore, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Errorf("Error closing ledger: %v", err)
		}
	}()

	hub := notify.NewHub()
	var pub notify.Publisher = hub
	if cfg.PushSource == config.PushChangeStream {
		pub = notify.Discard
		go notify.WatchOrders(ctx, mongoStore.Orders(), hub)
	}

	matcher := services.NewReconciliationService(store, pub)
	orders := services.NewOrderService(store, matcher, pub, cfg.OrderTTL, cfg.VerifyLookback)
	sweeper := services.NewExpirySweeper(store, pub, cfg.OrderTTL, cfg.SweepInterval)
	go sweeper.Run(ctx)

	router := handlers.NewRouter(
		handlers.NewWebhookHandler(matcher, cfg.WebhookAPIKey, cfg.RequestTimeout),
		handlers.NewOrderHandler(orders, hub, cfg.Bank, cfg.RequestTimeout),
		handlers.NewAuthenticator(cfg.JWTSecret),
	)

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Server running on port %s (ledger=%s, push=%s)", cfg.Port, cfg.LedgerDriver, cfg.PushSource)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Infof("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
