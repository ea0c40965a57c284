package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/markjakearzadon/notipay-reconciler/internal/reference"
	"github.com/markjakearzadon/notipay-reconciler/internal/session"
)

func watchCmd() *cobra.Command {
	var (
		server   string
		token    string
		orderID  string
		amount   int64
		interval time.Duration
		cancelOn bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow an order's payment status the way the buyer's client does",
		Long: `Watch creates (or re-uses) the order on the server, then polls verify and
listens for pushed status changes until the order is verified, cancelled or
expired. Press Ctrl-C to stop watching, or with --cancel to cancel the order.

Examples:
  notipay watch --order ORD-ABC123 --amount 150000 --token $TOKEN
  notipay watch --amount 99000 --server https://pay.example.com --interval 3s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("NOTIPAY_TOKEN")
			}

			s := session.New(session.Config{
				Order:        session.OrderRequest{OrderID: orderID, Amount: amount},
				Backend:      session.NewHTTPBackend(server, token, 10*time.Second),
				PollInterval: interval,
			})
			if err := s.Start(cmd.Context()); err != nil {
				return err
			}
			defer s.Stop()

			interrupt, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			snap := s.Snapshot()
			fmt.Fprintf(out, "order %s: transfer with content %q\n", snap.OrderID, reference.PaymentContent(snap.OrderID))

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-s.Done():
					snap := s.Snapshot()
					fmt.Fprintf(out, "\norder %s: %s after %d check(s)\n", snap.OrderID, snap.Status, snap.CheckCount)
					if snap.Err != "" {
						return fmt.Errorf("%s", snap.Err)
					}
					return nil
				case <-interrupt.Done():
					if cancelOn {
						status := s.Cancel(context.Background())
						fmt.Fprintf(out, "\norder %s: %s\n", snap.OrderID, status)
					}
					return nil
				case <-ticker.C:
					snap := s.Snapshot()
					fmt.Fprintf(out, "\r%-9s checks=%d next check in %2ds", snap.Status, snap.CheckCount, int(snap.Countdown.Seconds()))
				}
			}
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default $NOTIPAY_TOKEN)")
	cmd.Flags().StringVar(&orderID, "order", "", "order ID (generated by the server when empty)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "order amount")
	cmd.Flags().DurationVar(&interval, "interval", session.DefaultPollInterval, "poll interval")
	cmd.Flags().BoolVar(&cancelOn, "cancel", false, "cancel the order on Ctrl-C")
	return cmd
}
