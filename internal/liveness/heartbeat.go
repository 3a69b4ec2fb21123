package liveness

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/clock"
	"chatsync/internal/constants"

	"github.com/sirupsen/logrus"
)

// PublishFunc sends one heartbeat for participantID on threadID
type PublishFunc func(ctx context.Context, threadID, participantID string, at int64) error

// HeartbeatPublisher publishes our own heartbeat on a fixed interval while a
// thread is active and records it into that thread's tracker.
type HeartbeatPublisher struct {
	logger        *logrus.Logger
	clock         clock.Clock
	interval      time.Duration
	participantID string
	publish       PublishFunc

	mu      sync.Mutex
	running bool
	gen     uint64
	timer   clock.Timer
	tracker *Tracker
	ctx     context.Context
	stopCh  chan struct{}
}

// NewHeartbeatPublisher creates a stopped publisher
func NewHeartbeatPublisher(logger *logrus.Logger, clk clock.Clock, interval time.Duration, participantID string, publish PublishFunc) *HeartbeatPublisher {
	if interval <= 0 {
		interval = constants.DefaultHeartbeatInterval
	}
	return &HeartbeatPublisher{
		logger:        logger,
		clock:         clk,
		interval:      interval,
		participantID: participantID,
		publish:       publish,
	}
}

// Start publishes immediately and then every interval for tracker's thread.
// A running publisher is moved to the new thread. Cancelling ctx stops it.
func (p *HeartbeatPublisher) Start(ctx context.Context, tracker *Tracker) {
	p.mu.Lock()
	if p.running {
		p.stopLocked()
	}
	p.running = true
	p.gen++
	gen := p.gen
	p.tracker = tracker
	p.ctx = ctx
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.stopGen(gen)
		case <-stopCh:
		}
	}()

	p.logger.WithField("thread_id", tracker.ThreadID()).Debug("Heartbeat publisher started")
	p.beat(gen)
}

// Stop cancels the pending heartbeat
func (p *HeartbeatPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.stopLocked()
	p.logger.Debug("Heartbeat publisher stopped")
}

func (p *HeartbeatPublisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *HeartbeatPublisher) stopGen(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && p.gen == gen {
		p.stopLocked()
	}
}

func (p *HeartbeatPublisher) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	close(p.stopCh)
	p.stopCh = nil
	p.running = false
	p.gen++
	p.tracker = nil
}

func (p *HeartbeatPublisher) beat(gen uint64) {
	p.mu.Lock()
	if !p.running || p.gen != gen {
		p.mu.Unlock()
		return
	}
	tracker := p.tracker
	ctx := p.ctx
	p.timer = nil
	p.mu.Unlock()

	if ctx.Err() == nil && tracker.CanCommunicate() {
		now := p.clock.Now()
		callCtx, cancel := context.WithTimeout(ctx, constants.DefaultGatewayCallTimeout)
		err := p.publish(callCtx, tracker.ThreadID(), p.participantID, now.UnixMilli())
		cancel()
		if err != nil {
			p.logger.WithError(err).WithField("thread_id", tracker.ThreadID()).Warn("Failed to publish heartbeat")
		} else {
			tracker.UpsertHeartbeat(p.participantID, now)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && p.gen == gen {
		p.timer = p.clock.AfterFunc(p.interval, func() { p.beat(gen) })
	}
}
