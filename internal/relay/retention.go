package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/clock"
	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"

	"github.com/adhocore/gronx"
	"github.com/sirupsen/logrus"
)

// Purger deletes closed threads last updated before olderThan
type Purger interface {
	PurgeClosedThreads(ctx context.Context, olderThan time.Time) (int64, error)
}

// retryAfterTickError is how long the scheduler waits when the next cron
// tick cannot be computed.
const retryAfterTickError = 30 * time.Second

// RetentionScheduler purges closed threads on a cron schedule
type RetentionScheduler struct {
	logger  *logrus.Logger
	purger  Purger
	metrics *metrics.Registry
	clock   clock.Clock

	mu      sync.Mutex
	cfg     models.RetentionConfig
	ctx     context.Context
	timer   clock.Timer
	gen     uint64
	running bool
}

func NewRetentionScheduler(logger *logrus.Logger, purger Purger, cfg models.RetentionConfig, reg *metrics.Registry, clk clock.Clock) (*RetentionScheduler, error) {
	cfg, err := normalizeRetention(cfg)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RetentionScheduler{
		logger:  logger,
		purger:  purger,
		metrics: metrics.OrDefault(reg),
		clock:   clk,
		cfg:     cfg,
	}, nil
}

func normalizeRetention(cfg models.RetentionConfig) (models.RetentionConfig, error) {
	if cfg.Cron == "" {
		cfg.Cron = constants.DefaultRetentionCron
	}
	if cfg.ClosedThreadDays <= 0 {
		cfg.ClosedThreadDays = constants.DefaultClosedThreadDays
	}
	if !gronx.IsValid(cfg.Cron) {
		return cfg, apperrors.NewConfigError("retention.cron", fmt.Sprintf("invalid cron expression %q", cfg.Cron))
	}
	return cfg, nil
}

// Start schedules the first run. It is a no-op when retention is disabled.
func (s *RetentionScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.running = true
	s.scheduleLocked()
}

// Stop cancels the pending run
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Update applies a reloaded retention config and reschedules
func (s *RetentionScheduler) Update(cfg models.RetentionConfig) error {
	cfg, err := normalizeRetention(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.running {
		s.scheduleLocked()
	}
	s.logger.WithFields(logrus.Fields{
		"enabled": cfg.Enabled,
		"cron":    cfg.Cron,
		"days":    cfg.ClosedThreadDays,
	}).Info("Retention schedule updated")
	return nil
}

// NextRun returns when the pending run fires, or false when none is scheduled
func (s *RetentionScheduler) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}, false
	}
	next, err := gronx.NextTickAfter(s.cfg.Cron, s.clock.Now(), false)
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}

func (s *RetentionScheduler) scheduleLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.cfg.Enabled {
		return
	}

	gen := s.gen
	now := s.clock.Now()
	wait := retryAfterTickError
	next, err := gronx.NextTickAfter(s.cfg.Cron, now, false)
	if err != nil {
		s.logger.WithError(err).WithField("cron", s.cfg.Cron).Error("Failed to compute next retention tick")
	} else {
		wait = next.Sub(now)
	}
	s.timer = s.clock.AfterFunc(wait, func() { s.fire(gen, err == nil) })
}

func (s *RetentionScheduler) fire(gen uint64, purge bool) {
	s.mu.Lock()
	if gen != s.gen || !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.timer = nil
	s.mu.Unlock()

	if purge {
		if _, err := s.RunOnce(ctx); err != nil {
			apperrors.LogError(s.logger, err, "Retention run failed")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen && s.running {
		s.scheduleLocked()
	}
}

// RunOnce purges closed threads older than the configured age
func (s *RetentionScheduler) RunOnce(ctx context.Context) (int64, error) {
	s.mu.Lock()
	days := s.cfg.ClosedThreadDays
	s.mu.Unlock()

	started := s.clock.Now()
	cutoff := started.Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.purger.PurgeClosedThreads(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.metrics.RecordRetentionPurge(n)
	s.logger.WithFields(logrus.Fields{
		"purged": n,
		"cutoff": cutoff.UTC().Format(time.RFC3339),
	}).Info("Retention run completed")
	return n, nil
}
