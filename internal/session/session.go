// Package session runs the buyer-side verification of one order.
//
// A started session has two concurrent producers of order status: a poller
// calling the server's verify operation on an interval, and a push
// subscription. Both write into the session through settle, where the first
// terminal status wins and cancels the other producer under the same lock.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusVerifying Status = "verifying"
	StatusVerified  Status = "verified"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusError     Status = "error"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusVerified, StatusCancelled, StatusExpired, StatusError:
		return true
	}
	return false
}

// fromOrder maps a server order status onto the session's states.
func fromOrder(s models.OrderStatus) Status {
	switch s {
	case models.StatusVerified:
		return StatusVerified
	case models.StatusCancelled:
		return StatusCancelled
	case models.StatusExpired:
		return StatusExpired
	}
	return StatusPending
}

var (
	ErrUnauthenticated = errors.New("session: not authenticated")
	ErrAlreadyStarted  = errors.New("session: already started")
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultVerifyTimeout = 10 * time.Second
)

type OrderRequest struct {
	OrderID   string                 `json:"orderId,omitempty"`
	Amount    int64                  `json:"amount"`
	OrderType string                 `json:"orderType,omitempty"`
	OrderData map[string]interface{} `json:"orderData,omitempty"`
}

type Result struct {
	Verified bool               `json:"verified"`
	Status   models.OrderStatus `json:"status"`
}

// Backend is the server as the session sees it. Verify, Cancel and
// EnsureOrder return ErrUnauthenticated when the caller has no valid
// credentials.
type Backend interface {
	EnsureOrder(ctx context.Context, req OrderRequest) (*models.PendingOrder, error)
	Verify(ctx context.Context, orderID string) (Result, error)
	Cancel(ctx context.Context, orderID string) (Result, error)
	// Subscribe delivers status changes for orderID until ctx is done or
	// the stream ends, then closes the channel.
	Subscribe(ctx context.Context, orderID string) (<-chan models.OrderStatus, error)
}

type Config struct {
	Order         OrderRequest
	Backend       Backend
	PollInterval  time.Duration
	VerifyTimeout time.Duration
	Now           func() time.Time
}

type Snapshot struct {
	OrderID       string        `json:"orderId"`
	Status        Status        `json:"status"`
	CheckCount    int           `json:"checkCount"`
	LastCheckTime time.Time     `json:"lastCheckTime,omitempty"`
	NextCheckAt   time.Time     `json:"nextCheckAt,omitempty"`
	Countdown     time.Duration `json:"countdown"`
	Err           string        `json:"error,omitempty"`
}

type Session struct {
	cfg Config

	mu         sync.Mutex
	orderID    string
	status     Status
	checkCount int
	lastCheck  time.Time
	nextCheck  time.Time
	err        error
	stopped    bool
	cancelling bool
	starting   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		orderID: cfg.Order.OrderID,
		status:  StatusIdle,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start ensures the order exists on the server and starts polling and the
// push subscription. A failure other than ErrUnauthenticated leaves the
// session idle so Start can be retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle || s.stopped || s.starting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.starting = true
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	order, err := s.cfg.Backend.EnsureOrder(cctx, s.cfg.Order)
	cancel()
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		if errors.Is(err, ErrUnauthenticated) {
			s.settle(StatusError, err)
		}
		return err
	}

	s.mu.Lock()
	s.starting = false
	if s.stopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.orderID = order.OrderID
	if s.cancelling || s.status.Terminal() {
		// Cancel ran while the order was being created
		s.mu.Unlock()
		if !order.Status.Terminal() {
			s.cancelOnServer(ctx, order.OrderID)
		}
		return nil
	}
	s.status = StatusPending
	s.nextCheck = s.cfg.Now().Add(s.cfg.PollInterval)
	if order.Status.Terminal() {
		s.mu.Unlock()
		s.settle(fromOrder(order.Status), nil)
		return nil
	}
	s.wg.Add(2)
	s.mu.Unlock()

	log.Infof("[Session] Watching order %s every %s", order.OrderID, s.cfg.PollInterval)
	go s.poll()
	go s.listen()
	return nil
}

func (s *Session) poll() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.check(s.ctx, true)
		}
	}
}

func (s *Session) listen() {
	defer s.wg.Done()

	for s.ctx.Err() == nil {
		events, err := s.cfg.Backend.Subscribe(s.ctx, s.orderID)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				s.settle(StatusError, err)
				return
			}
			if s.ctx.Err() == nil {
				log.Warnf("[Session] Subscription for %s failed: %v", s.orderID, err)
			}
		} else {
			for status := range events {
				if status.Terminal() {
					s.settle(fromOrder(status), nil)
					return
				}
			}
		}

		// stream ended or never opened; polling still covers us
		select {
		case <-s.ctx.Done():
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// check runs one verify round trip. Inconclusive results and network
// errors put the session back to pending.
func (s *Session) check(ctx context.Context, scheduled bool) {
	s.mu.Lock()
	if s.status != StatusPending || s.stopped || s.cancelling {
		s.mu.Unlock()
		return
	}
	now := s.cfg.Now()
	s.status = StatusVerifying
	s.checkCount++
	s.lastCheck = now
	if scheduled {
		s.nextCheck = now.Add(s.cfg.PollInterval)
	}
	orderID := s.orderID
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	res, err := s.cfg.Backend.Verify(cctx, orderID)
	cancel()

	switch {
	case errors.Is(err, ErrUnauthenticated):
		s.settle(StatusError, err)
	case err != nil:
		if ctx.Err() == nil {
			log.Warnf("[Session] Verify %s failed, staying pending: %v", orderID, err)
		}
		s.backToPending()
	case res.Status.Terminal():
		s.settle(fromOrder(res.Status), nil)
	default:
		s.backToPending()
	}
}

func (s *Session) backToPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusVerifying && !s.stopped {
		s.status = StatusPending
	}
}

// settle applies a terminal status unless one was already applied. The
// producers' context is cancelled before the lock is released, so no
// producer can observe the session as non-terminal afterwards.
func (s *Session) settle(status Status, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || s.stopped || s.cancelling {
		return false
	}
	s.finishLocked(status, err)
	return true
}

func (s *Session) finishLocked(status Status, err error) {
	s.status = status
	s.err = err
	s.nextCheck = time.Time{}
	s.cancel()
	s.doneOnce.Do(func() { close(s.done) })
	if err != nil {
		log.Warnf("[Session] Order %s ended %s: %v", s.orderID, status, err)
	} else {
		log.Infof("[Session] Order %s ended %s", s.orderID, status)
	}
}

// CheckNow verifies immediately without moving the next scheduled check.
func (s *Session) CheckNow(ctx context.Context) Snapshot {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.check(cctx, false)
	return s.Snapshot()
}

// Cancel stops both producers, asks the server to cancel the order and
// ends the session. A server that cannot be reached still ends the session
// as cancelled; a server that reports the order as already verified ends
// it as verified.
func (s *Session) Cancel(ctx context.Context) Status {
	s.mu.Lock()
	if s.status.Terminal() || s.stopped || s.cancelling {
		status := s.status
		s.mu.Unlock()
		return status
	}
	started := s.status != StatusIdle
	s.cancelling = true
	s.cancel()
	orderID := s.orderID
	s.mu.Unlock()

	s.wg.Wait()

	final := StatusCancelled
	if started {
		if res, err := s.cancelOnServer(ctx, orderID); err == nil && res.Status == models.StatusVerified {
			final = StatusVerified
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.finishLocked(final, nil)
	}
	return s.status
}

// cancelOnServer is best-effort; failures are logged.
func (s *Session) cancelOnServer(ctx context.Context, orderID string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()
	res, err := s.cfg.Backend.Cancel(cctx, orderID)
	if err != nil {
		log.Warnf("[Session] Server cancel of %s failed, cancelling locally: %v", orderID, err)
	}
	return res, err
}

// Stop tears down polling and the subscription and returns once both have
// exited. The session state is frozen from then on.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.status == StatusVerifying {
		s.status = StatusPending
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed when the session reaches a terminal status or is stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is done or ctx ends.
func (s *Session) Wait(ctx context.Context) (Status, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return s.Snapshot().Status, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.err
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		OrderID:       s.orderID,
		Status:        s.status,
		CheckCount:    s.checkCount,
		LastCheckTime: s.lastCheck,
		NextCheckAt:   s.nextCheck,
	}
	if !s.nextCheck.IsZero() && !s.stopped {
		if d := s.nextCheck.Sub(s.cfg.Now()); d > 0 {
			snap.Countdown = d
		}
	}
	if s.err != nil {
		snap.Err = s.err.Error()
	}
	return snap
}
