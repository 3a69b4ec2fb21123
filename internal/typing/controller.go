// Package typing turns raw composer input into debounced, idle-bounded
// typing broadcasts for one thread and participant.
package typing

import (
	"strings"
	"sync"
	"time"

	"chatsync/internal/clock"
	"chatsync/internal/constants"

	"github.com/sirupsen/logrus"
)

// Signal is one typing broadcast
type Signal struct {
	ThreadID      string
	ParticipantID string
	IsTyping      bool
	At            int64
	Forced        bool
}

// Emitter delivers signals. It is never called with the controller lock held,
// and calls never overlap.
type Emitter func(Signal)

// pending is a signal awaiting delivery, numbered in the order it was decided
type pending struct {
	Signal
	seq uint64
}

// Config holds the controller timings
type Config struct {
	Debounce        time.Duration
	IdleTimeout     time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig returns the standard typing timings
func DefaultConfig() Config {
	return Config{
		Debounce:        constants.DefaultTypingDebounce,
		IdleTimeout:     constants.DefaultTypingIdleTimeout,
		RefreshInterval: constants.DefaultTypingRefreshInterval,
	}
}

type namedTimer struct {
	timer clock.Timer
	gen   uint64
}

func (t *namedTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Controller is the typing state machine. isTyping mirrors the last value
// emitted; only the debounced true emission is suppressed when unchanged.
type Controller struct {
	mu sync.Mutex
	// emitMu serializes delivery; a signal decided before the last one
	// delivered for the same thread is stale and dropped
	emitMu    sync.Mutex
	delivered map[string]uint64
	decided   uint64

	clock  clock.Clock
	emit   Emitter
	logger *logrus.Logger
	cfg    Config

	threadID      string
	participantID string
	canEmit       bool
	isTyping      bool
	hasActivity   bool
	lastActivity  time.Time
	destroyed     bool

	debounce namedTimer
	idle     namedTimer
	refresh  namedTimer
}

// NewController creates a controller with emission disabled until SetCanEmit
func NewController(logger *logrus.Logger, clk clock.Clock, cfg Config, emit Emitter) *Controller {
	if cfg.Debounce <= 0 {
		cfg.Debounce = constants.DefaultTypingDebounce
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = constants.DefaultTypingIdleTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = constants.DefaultTypingRefreshInterval
	}
	return &Controller{
		clock:     clk,
		emit:      emit,
		logger:    logger,
		cfg:       cfg,
		delivered: make(map[string]uint64),
	}
}

// OnInputChange records composer activity
func (c *Controller) OnInputChange(value string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	var out []pending
	if strings.TrimSpace(value) == "" {
		out = c.forceStopLocked()
		c.mu.Unlock()
		c.flush(out)
		return
	}

	c.hasActivity = true
	c.lastActivity = c.clock.Now()
	c.schedule(&c.idle, c.cfg.IdleTimeout, c.onIdle)
	if c.canEmit {
		c.schedule(&c.debounce, c.cfg.Debounce, c.onDebounce)
	}
	c.mu.Unlock()
}

// ForceStop clears every timer and retracts typing regardless of the gate
func (c *Controller) ForceStop() {
	c.mu.Lock()
	out := c.forceStopLocked()
	c.mu.Unlock()
	c.flush(out)
}

// SetCanEmit opens or closes the emission gate. Closing an open gate
// retracts any typing state.
func (c *Controller) SetCanEmit(canEmit bool) {
	c.mu.Lock()
	prev := c.canEmit
	c.canEmit = canEmit
	var out []pending
	if !canEmit && (prev || c.isTyping) && !c.destroyed {
		out = c.forceStopLocked()
	}
	c.mu.Unlock()
	c.flush(out)
}

// SetThreadID binds the controller to a thread. Any state on the previous
// thread is retracted there first; an empty id unbinds.
func (c *Controller) SetThreadID(threadID string) {
	c.mu.Lock()
	if threadID == c.threadID {
		c.mu.Unlock()
		return
	}
	var out []pending
	if c.threadID != "" {
		out = c.forceStopLocked()
	}
	c.threadID = threadID
	c.mu.Unlock()
	c.flush(out)
}

// SetParticipantID sets the identity signals are emitted under
func (c *Controller) SetParticipantID(participantID string) {
	c.mu.Lock()
	if participantID == c.participantID {
		c.mu.Unlock()
		return
	}
	var out []pending
	if c.isTyping {
		out = c.forceStopLocked()
	}
	c.participantID = participantID
	c.mu.Unlock()
	c.flush(out)
}

// Destroy retracts typing and ignores further input
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	out := c.forceStopLocked()
	c.destroyed = true
	c.mu.Unlock()
	c.flush(out)
}

// IsTyping returns the last emitted value
func (c *Controller) IsTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTyping
}

func (c *Controller) onDebounce(gen uint64) {
	c.mu.Lock()
	if gen != c.debounce.gen || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.debounce.timer = nil
	var out []pending
	if !c.isTyping {
		out = c.emitLocked(true, false)
	}
	if c.isTyping && c.refresh.timer == nil {
		c.schedule(&c.refresh, c.cfg.RefreshInterval, c.onRefresh)
	}
	c.mu.Unlock()
	c.flush(out)
}

func (c *Controller) onIdle(gen uint64) {
	c.mu.Lock()
	if gen != c.idle.gen || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.idle.timer = nil
	out := c.forceStopLocked()
	c.mu.Unlock()
	c.flush(out)
}

func (c *Controller) onRefresh(gen uint64) {
	c.mu.Lock()
	if gen != c.refresh.gen || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.refresh.timer = nil
	var out []pending
	if !c.hasActivity || c.clock.Now().Sub(c.lastActivity) >= c.cfg.IdleTimeout {
		out = c.forceStopLocked()
	} else {
		out = c.emitLocked(true, false)
		c.schedule(&c.refresh, c.cfg.RefreshInterval, c.onRefresh)
	}
	c.mu.Unlock()
	c.flush(out)
}

func (c *Controller) schedule(t *namedTimer, d time.Duration, fire func(uint64)) {
	t.stop()
	gen := t.gen
	t.timer = c.clock.AfterFunc(d, func() { fire(gen) })
}

func (c *Controller) forceStopLocked() []pending {
	c.debounce.stop()
	c.idle.stop()
	c.refresh.stop()
	c.hasActivity = false
	c.lastActivity = time.Time{}
	c.isTyping = false
	return c.emitLocked(false, true)
}

// emitLocked applies the emission rule: forced signals need only a thread,
// others also need the gate open.
func (c *Controller) emitLocked(isTyping, forced bool) []pending {
	if c.threadID == "" {
		return nil
	}
	if !forced && !c.canEmit {
		return nil
	}
	c.isTyping = isTyping
	c.decided++
	return []pending{{
		Signal: Signal{
			ThreadID:      c.threadID,
			ParticipantID: c.participantID,
			IsTyping:      isTyping,
			At:            clock.NowMillis(c.clock),
			Forced:        forced,
		},
		seq: c.decided,
	}}
}

func (c *Controller) flush(out []pending) {
	if len(out) == 0 {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	for _, p := range out {
		if p.seq <= c.delivered[p.ThreadID] {
			if c.logger != nil {
				c.logger.WithField("thread_id", p.ThreadID).Debug("Dropping superseded typing signal")
			}
			continue
		}
		c.delivered[p.ThreadID] = p.seq
		if c.logger != nil {
			c.logger.WithFields(logrus.Fields{
				"thread_id": p.ThreadID,
				"is_typing": p.IsTyping,
				"forced":    p.Forced,
			}).Debug("Typing signal")
		}
		if c.emit != nil {
			c.emit(p.Signal)
		}
	}
}
