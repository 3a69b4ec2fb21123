// Package liveness derives per-thread service and peer liveness from
// heartbeats, presence and channel status.
package liveness

import (
	"sync"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/models"
)

// Tracker holds the live state of one thread subscription
type Tracker struct {
	mu         sync.RWMutex
	threadID   string
	ttl        time.Duration
	online     bool
	status     models.ChannelStatus
	latest     time.Time
	heartbeats map[string]time.Time
}

// NewTracker creates a tracker for threadID. The network starts online and
// the channel CLOSED.
func NewTracker(threadID string, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = constants.DefaultLivenessTTL
	}
	return &Tracker{
		threadID:   threadID,
		ttl:        ttl,
		online:     true,
		status:     models.ChannelStatusClosed,
		heartbeats: make(map[string]time.Time),
	}
}

func (t *Tracker) ThreadID() string {
	return t.threadID
}

func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = online
}

func (t *Tracker) SetChannelStatus(status models.ChannelStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
}

// UpsertHeartbeat records a heartbeat. Heartbeats older than the stored one
// for the same participant are dropped; the return value reports whether at
// was applied.
func (t *Tracker) UpsertHeartbeat(participantID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.heartbeats[participantID]; ok && at.Before(prev) {
		return false
	}
	t.heartbeats[participantID] = at
	if at.After(t.latest) {
		t.latest = at
	}
	return true
}

// RemoveParticipant drops a participant immediately
func (t *Tracker) RemoveParticipant(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.heartbeats, participantID)
}

// ApplyPresence removes every participant not in present and records a
// heartbeat at at for those that are.
func (t *Tracker) ApplyPresence(present []string, at time.Time) {
	keep := make(map[string]struct{}, len(present))
	for _, id := range present {
		keep[id] = struct{}{}
	}

	t.mu.Lock()
	for id := range t.heartbeats {
		if _, ok := keep[id]; !ok {
			delete(t.heartbeats, id)
		}
	}
	t.mu.Unlock()

	for id := range keep {
		t.UpsertHeartbeat(id, at)
	}
}

// CanCommunicate reports whether sends and typing may use the network
func (t *Tracker) CanCommunicate() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online && t.status == models.ChannelStatusSubscribed
}

// IsServiceLive reports whether the channel is usable and some heartbeat is
// within the TTL of now.
func (t *Tracker) IsServiceLive(now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.online || t.status != models.ChannelStatusSubscribed || t.latest.IsZero() {
		return false
	}
	return now.Sub(t.latest) <= t.ttl
}

// IsParticipantLive reports whether participantID has a heartbeat within the
// TTL of now.
func (t *Tracker) IsParticipantLive(participantID string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.heartbeats[participantID]
	if !ok {
		return false
	}
	return now.Sub(at) <= t.ttl
}

// LiveParticipants returns the ids with a fresh heartbeat, excluding self
func (t *Tracker) LiveParticipants(self string, now time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, at := range t.heartbeats {
		if id != self && now.Sub(at) <= t.ttl {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns a copy that shares no state with the tracker
func (t *Tracker) Snapshot() models.ThreadLiveMeta {
	t.mu.RLock()
	defer t.mu.RUnlock()
	heartbeats := make(map[string]time.Time, len(t.heartbeats))
	for id, at := range t.heartbeats {
		heartbeats[id] = at
	}
	return models.ThreadLiveMeta{
		ThreadID:              t.threadID,
		ChannelStatus:         t.status,
		Online:                t.online,
		LatestHeartbeatAt:     t.latest,
		ParticipantHeartbeats: heartbeats,
	}
}
