package inbox

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/clock"
	"chatsync/internal/constants"
	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// FetchFunc loads the authoritative inbox
type FetchFunc func(ctx context.Context) ([]models.InboxThread, error)

// ApplyFunc receives a fetched inbox
type ApplyFunc func(items []models.InboxThread)

// Reconciler coalesces refetch requests into throttled background fetches.
// A request made while a fetch is in flight is honoured by one trailing
// fetch after it completes.
type Reconciler struct {
	logger  *logrus.Logger
	clock   clock.Clock
	limiter *rate.Limiter
	fetch   FetchFunc
	apply   ApplyFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    clock.Timer
	inFlight bool
	again    bool
	closed   bool
}

// NewReconciler creates a reconciler allowing at most one fetch per
// minInterval.
func NewReconciler(logger *logrus.Logger, clk clock.Clock, minInterval time.Duration, fetch FetchFunc, apply ApplyFunc) *Reconciler {
	if minInterval <= 0 {
		minInterval = constants.DefaultInboxReconcileInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		logger:  logger,
		clock:   clk,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		fetch:   fetch,
		apply:   apply,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule requests a reconciliation fetch
func (r *Reconciler) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.timer != nil {
		return
	}
	if r.inFlight {
		r.again = true
		return
	}
	r.scheduleLocked()
}

// Pending reports whether a fetch is scheduled or running
func (r *Reconciler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil || r.inFlight
}

// Close cancels any scheduled or running fetch
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.cancel()
}

func (r *Reconciler) scheduleLocked() {
	now := r.clock.Now()
	delay := r.limiter.ReserveN(now, 1).DelayFrom(now)
	r.timer = r.clock.AfterFunc(delay, r.run)
}

func (r *Reconciler) run() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.inFlight = true
	r.mu.Unlock()

	items, err := r.fetch(r.ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Inbox reconciliation fetch failed")
	} else if r.ctx.Err() == nil {
		r.apply(items)
		r.logger.WithField("threads", len(items)).Debug("Inbox reconciled")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = false
	if r.again && !r.closed {
		r.again = false
		r.scheduleLocked()
	}
}
