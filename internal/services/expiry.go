package services

import (
	"context"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/markjakearzadon/notipay-reconciler/internal/ledger"
	"github.com/markjakearzadon/notipay-reconciler/internal/models"
	"github.com/markjakearzadon/notipay-reconciler/internal/notify"
)

// ExpirySweeper periodically expires pending orders older than the TTL.
type ExpirySweeper struct {
	ledger   ledger.Ledger
	pub      notify.Publisher
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewExpirySweeper(l ledger.Ledger, pub notify.Publisher, ttl, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		ledger:   l,
		pub:      pub,
		ttl:      ttl,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *ExpirySweeper) RunOnce(ctx context.Context) ([]string, error) {
	expired, err := s.ledger.Expire(ctx, s.now().Add(-s.ttl))
	for _, id := range expired {
		s.pub.Publish(id, models.StatusExpired)
	}
	if len(expired) > 0 {
		log.Infof("[Sweeper] Expired %d order(s)", len(expired))
	}
	return expired, err
}

// Run sweeps every interval until ctx is done.
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Infof("[Sweeper] Started: ttl=%s interval=%s", s.ttl, s.interval)
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("[Sweeper] Sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Infof("[Sweeper] Stopped")
			return
		case <-ticker.C:
		}
	}
}
