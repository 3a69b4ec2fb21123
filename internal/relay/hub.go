// Package relay fans realtime frames out to websocket participants grouped
// into per-thread rooms.
package relay

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"chatsync/internal/clock"
	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/validation"
	"chatsync/internal/versioning"
	"chatsync/pkg/chatapi/types"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config tunes the fan-out
type Config struct {
	SendBuffer     int
	FramesPerSec   float64
	FrameBurst     int
	MaxFrameBytes  int64
	AllowedOrigins []string
}

// ConfigFromModels fills unset values with defaults
func ConfigFromModels(c models.RelayConfig) Config {
	cfg := Config{
		SendBuffer:     c.SendBuffer,
		FramesPerSec:   c.FramesPerSec,
		FrameBurst:     c.FrameBurst,
		MaxFrameBytes:  c.MaxFrameBytes,
		AllowedOrigins: c.AllowedOrigins,
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = constants.DefaultRelaySendBuffer
	}
	if cfg.FramesPerSec <= 0 {
		cfg.FramesPerSec = constants.DefaultRelayFramesPerSec
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = constants.DefaultRelayFrameBurst
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = constants.DefaultRelayMaxFrameBytes
	}
	return cfg
}

// Hub tracks connected participants and the rooms they joined. Agents also
// receive inserted messages of every thread they own, joined or not, so their
// inbox stays current.
type Hub struct {
	logger  *logrus.Logger
	metrics *metrics.Registry
	clock   clock.Clock

	mu     sync.RWMutex
	cfg    Config
	conns  map[*Conn]struct{}
	rooms  map[string]map[*Conn]struct{}
	agents map[string]map[*Conn]struct{}
	closed bool
}

// HubOption customizes a Hub
type HubOption func(*Hub)

func WithHubClock(c clock.Clock) HubOption {
	return func(h *Hub) { h.clock = c }
}

func NewHub(logger *logrus.Logger, cfg Config, reg *metrics.Registry, opts ...HubOption) *Hub {
	h := &Hub{
		logger:  logger,
		metrics: metrics.OrDefault(reg),
		clock:   clock.Real(),
		cfg:     cfg,
		conns:   make(map[*Conn]struct{}),
		rooms:   make(map[string]map[*Conn]struct{}),
		agents:  make(map[string]map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// UpdateConfig applies new limits to connections opened afterwards
func (h *Hub) UpdateConfig(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{
		"send_buffer":    cfg.SendBuffer,
		"frames_per_sec": cfg.FramesPerSec,
	}).Info("Relay limits updated")
}

// ServeWS upgrades the request and serves the socket until it closes.
// Participants identify with ?participantId=&role=.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get(types.QueryParamParticipant)
	role := models.Role(r.URL.Query().Get(types.QueryParamRole))
	if err := validation.ValidateParticipantID(participantID); err != nil {
		writeUpgradeError(w, err)
		return
	}
	if err := validation.ValidateRole(role); err != nil {
		writeUpgradeError(w, err)
		return
	}

	h.mu.RLock()
	cfg := h.cfg
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: cfg.AllowedOrigins})
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	ws.SetReadLimit(cfg.MaxFrameBytes)

	c := newConn(h, ws, participantID, role, cfg)
	c.inboxPush = role == models.RoleAgent && versioning.Supports(r.Context(), versioning.V1_1_0)
	h.register(c)
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writePump(ctx)
	c.readPump(ctx)
}

func writeUpgradeError(w http.ResponseWriter, err error) {
	http.Error(w, apperrors.GetUserMessage(err), apperrors.HTTPStatusCode(err))
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	if c.inboxPush {
		set, ok := h.agents[c.participantID]
		if !ok {
			set = make(map[*Conn]struct{})
			h.agents[c.participantID] = set
		}
		set[c] = struct{}{}
	}
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetRelayConnections(n)
	h.logger.WithFields(logrus.Fields{
		"participant_id": c.participantID,
		"role":           c.role,
		"connections":    n,
	}).Info("Participant connected")
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	if set, ok := h.agents[c.participantID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.agents, c.participantID)
		}
	}
	left := make([]string, 0, len(c.rooms))
	for threadID := range c.rooms {
		h.leaveLocked(c, threadID)
		left = append(left, threadID)
	}
	n := len(h.conns)
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRelayConnections(n)
	h.metrics.SetRelayRooms(rooms)
	for _, threadID := range left {
		h.syncPresence(threadID)
	}
	h.logger.WithFields(logrus.Fields{
		"participant_id": c.participantID,
		"connections":    n,
	}).Info("Participant disconnected")
}

// handleFrame applies one inbound frame from c
func (h *Hub) handleFrame(c *Conn, data []byte) {
	if !c.limiter.Allow() {
		h.metrics.RecordDroppedFrame("rate_limited")
		c.sendError("rate_limited")
		return
	}

	env, err := types.DecodeEnvelope(data)
	if err != nil {
		h.metrics.RecordDroppedFrame("malformed")
		c.sendError("malformed_frame")
		return
	}
	h.metrics.RecordFrame("in", env.Type)

	if env.Type != types.EnvelopeMessageBroadcast && env.ParticipantID != "" && env.ParticipantID != c.participantID {
		h.metrics.RecordDroppedFrame("impersonation")
		c.sendError("participant_mismatch")
		return
	}

	switch env.Type {
	case types.EnvelopeJoin:
		h.join(c, env.ThreadID)
	case types.EnvelopeLeave:
		h.leave(c, env.ThreadID)
	case types.EnvelopeMessageBroadcast, types.EnvelopeTypingUpdated, types.EnvelopeHeartbeat:
		if !h.isMember(c, env.ThreadID) {
			c.sendError("not_joined")
			return
		}
		if _, err := env.Event(); err != nil {
			h.metrics.RecordDroppedFrame("malformed")
			c.sendError("malformed_frame")
			return
		}
		if env.Type == types.EnvelopeMessageBroadcast && env.Message.SenderID != c.participantID {
			h.metrics.RecordDroppedFrame("impersonation")
			c.sendError("participant_mismatch")
			return
		}
		h.relay(c, env.ThreadID, data, env.Type)
	default:
		c.sendError("unsupported_frame")
	}
}

func (h *Hub) join(c *Conn, threadID string) {
	if err := validation.ValidateThreadID(threadID); err != nil {
		c.sendError("invalid_thread")
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[threadID]
	if !ok {
		room = make(map[*Conn]struct{})
		h.rooms[threadID] = room
	}
	room[c] = struct{}{}
	c.rooms[threadID] = struct{}{}
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRelayRooms(rooms)
	c.sendEnvelope(types.Envelope{
		Type:     types.EnvelopeChannelStatus,
		ThreadID: threadID,
		Status:   models.ChannelStatusSubscribed,
	})
	h.syncPresence(threadID)

	h.logger.WithFields(logrus.Fields{
		"thread_id":      threadID,
		"participant_id": c.participantID,
	}).Debug("Participant joined room")
}

func (h *Hub) leave(c *Conn, threadID string) {
	h.mu.Lock()
	if _, ok := c.rooms[threadID]; !ok {
		h.mu.Unlock()
		return
	}
	h.leaveLocked(c, threadID)
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRelayRooms(rooms)
	h.syncPresence(threadID)
}

func (h *Hub) leaveLocked(c *Conn, threadID string) {
	delete(c.rooms, threadID)
	if room, ok := h.rooms[threadID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, threadID)
		}
	}
}

func (h *Hub) isMember(c *Conn, threadID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[threadID]
	return ok
}

// relay forwards a client frame to the other members of the room
func (h *Hub) relay(from *Conn, threadID string, data []byte, frameType string) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[threadID]))
	for c := range h.rooms[threadID] {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data, frameType)
	}
}

// syncPresence sends the current participant list to every member
func (h *Hub) syncPresence(threadID string) {
	h.mu.RLock()
	seen := make(map[string]struct{})
	targets := make([]*Conn, 0, len(h.rooms[threadID]))
	for c := range h.rooms[threadID] {
		seen[c.participantID] = struct{}{}
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	participants := make([]string, 0, len(seen))
	for id := range seen {
		participants = append(participants, id)
	}
	sort.Strings(participants)

	data, err := types.Envelope{
		Type:         types.EnvelopePresenceSync,
		ThreadID:     threadID,
		Participants: participants,
		At:           clock.NowMillis(h.clock),
	}.Encode()
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode presence frame")
		return
	}
	for _, c := range targets {
		c.enqueue(data, types.EnvelopePresenceSync)
	}
}

// PublishInserted pushes a persisted message to the thread's room and to
// every connection of the owning agent.
func (h *Hub) PublishInserted(agentID string, msg models.Message) {
	data, err := types.EnvelopeFromEvent(models.MessageInserted{ThreadID: msg.ThreadID, Message: msg}).Encode()
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode message frame")
		return
	}

	h.mu.RLock()
	targets := make(map[*Conn]struct{}, len(h.rooms[msg.ThreadID]))
	for c := range h.rooms[msg.ThreadID] {
		targets[c] = struct{}{}
	}
	for c := range h.agents[agentID] {
		targets[c] = struct{}{}
	}
	h.mu.RUnlock()

	for c := range targets {
		c.enqueue(data, types.EnvelopeMessageInserted)
	}
}

// Stats reports connection and room counts
func (h *Hub) Stats() (connections, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns), len(h.rooms)
}

// Members lists the participants joined to threadID
func (h *Hub) Members(threadID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	for c := range h.rooms[threadID] {
		seen[c.participantID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close rejects new sockets and closes the open ones
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "relay shutting down")
	}
	h.logger.WithField("connections", len(conns)).Info("Relay hub closed")
}

func newLimiter(cfg Config) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.FramesPerSec), cfg.FrameBurst)
}

const writeTimeout = 10 * time.Second
