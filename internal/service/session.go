package service

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/clock"
	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/inbox"
	"chatsync/internal/liveness"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/store"
	"chatsync/internal/typing"
	"chatsync/internal/validation"
	"chatsync/pkg/chatapi/types"

	"github.com/sirupsen/logrus"
)

// SessionConfig identifies the local participant and carries the sync
// timings. Zero durations select the defaults.
type SessionConfig struct {
	ParticipantID string
	Role          models.Role
	// AgentID scopes the inbox. It defaults to ParticipantID for agents.
	AgentID string

	Typing                 typing.Config
	HeartbeatInterval      time.Duration
	LivenessTTL            time.Duration
	TypingDisplayTTL       time.Duration
	InboxReconcileInterval time.Duration
	PageSize               int
	Verbose                bool
}

// SessionConfigFromModels maps the loaded application config
func SessionConfigFromModels(cfg *models.Config) SessionConfig {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return SessionConfig{
		ParticipantID: cfg.Client.ParticipantID,
		Role:          cfg.Client.Role,
		AgentID:       cfg.Client.AgentID,
		Typing: typing.Config{
			Debounce:        ms(cfg.Chat.TypingDebounceMs),
			IdleTimeout:     ms(cfg.Chat.TypingIdleMs),
			RefreshInterval: ms(cfg.Chat.TypingRefreshMs),
		},
		HeartbeatInterval:      ms(cfg.Chat.HeartbeatIntervalMs),
		LivenessTTL:            ms(cfg.Chat.LivenessTTLMs),
		InboxReconcileInterval: ms(cfg.Chat.InboxReconcileIntervalMs),
		PageSize:               cfg.Chat.PageSize,
	}
}

// SessionOption customizes a Session
type SessionOption func(*Session)

// WithSessionClock injects the clock driving every timer of the session
func WithSessionClock(c clock.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithSessionMetrics records into reg instead of the default registry
func WithSessionMetrics(reg *metrics.Registry) SessionOption {
	return func(s *Session) { s.metrics = reg }
}

// Session is one participant's view of the chat. It owns the derived state
// and every timer; nothing is shared between sessions.
type Session struct {
	logger  *logrus.Logger
	cfg     SessionConfig
	repo    types.Repository
	gateway types.Gateway
	clock   clock.Clock
	metrics *metrics.Registry

	state      *store.State
	messages   MessageService
	typing     *typing.Controller
	heartbeat  *liveness.HeartbeatPublisher
	reconciler *inbox.Reconciler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	active      string
	online      bool
	joined      map[string]bool
	unsubscribe func()
	closed      bool
}

// NewSession wires a session for cfg. Nothing touches the network until
// Start.
func NewSession(logger *logrus.Logger, cfg SessionConfig, repo types.Repository, gateway types.Gateway, opts ...SessionOption) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = constants.DefaultPageSize
	}
	if cfg.AgentID == "" && cfg.Role == models.RoleAgent {
		cfg.AgentID = cfg.ParticipantID
	}

	s := &Session{
		logger:  logger,
		cfg:     cfg,
		repo:    repo,
		gateway: gateway,
		clock:   clock.Real(),
		online:  true,
		joined:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.OrDefault(s.metrics)
	s.ctx, s.cancel = context.WithCancel(WithVerboseLogging(context.Background(), cfg.Verbose))

	s.state = store.New(cfg.LivenessTTL, cfg.TypingDisplayTTL)
	s.messages = NewMessageService(logger, repo, gateway, s.state, s.clock, s.metrics, Sender{
		ParticipantID: cfg.ParticipantID,
		Role:          cfg.Role,
	})
	s.typing = typing.NewController(logger, s.clock, cfg.Typing, s.emitTyping)
	s.typing.SetParticipantID(cfg.ParticipantID)
	s.heartbeat = liveness.NewHeartbeatPublisher(logger, s.clock, cfg.HeartbeatInterval, cfg.ParticipantID, s.publishHeartbeat)
	if s.isAgent() {
		s.reconciler = inbox.NewReconciler(logger, s.clock, cfg.InboxReconcileInterval, s.fetchInbox, s.applyInbox)
	}
	return s
}

func (s *Session) isAgent() bool {
	return s.cfg.Role == models.RoleAgent
}

// State exposes the session's state container for watchers
func (s *Session) State() *store.State {
	return s.state
}

// ActiveThread returns the thread typing and heartbeats are bound to
func (s *Session) ActiveThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start subscribes to the gateway and opens threadID. Agents also load
// their inbox.
func (s *Session) Start(ctx context.Context, threadID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.NewPreconditionError("session_closed")
	}
	if s.unsubscribe == nil {
		s.unsubscribe = s.gateway.Subscribe(s.HandleEvent)
	}
	s.mu.Unlock()

	s.logger.WithFields(SanitizeFields(s.cfg.Verbose, logrus.Fields{
		LogFieldParticipantID: s.cfg.ParticipantID,
		LogFieldRole:          s.cfg.Role,
	})).Info("Starting chat session")

	if s.isAgent() {
		if err := s.RefreshInbox(ctx); err != nil {
			apperrors.LogError(s.logger, err, "Failed to load inbox")
		}
	}
	if threadID == "" {
		return nil
	}
	return s.SwitchThread(ctx, threadID)
}

// SwitchThread makes threadID the active thread. Typing is retracted on the
// previous thread and heartbeats move to the new one.
func (s *Session) SwitchThread(ctx context.Context, threadID string) error {
	if err := validation.ValidateThreadID(threadID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.NewPreconditionError("session_closed")
	}
	previous := s.active
	needsJoin := !s.joined[threadID]
	online := s.online
	s.mu.Unlock()

	tracker := s.state.Tracker(threadID)
	tracker.SetOnline(online)

	if needsJoin {
		if err := s.gateway.ConnectThread(ctx, threadID); err != nil {
			tracker.SetChannelStatus(models.ChannelStatusChannelError)
			s.state.Invalidate(store.ThreadLiveMetaKey(threadID))
			return apperrors.NewGatewayError("connect thread", err)
		}
		s.mu.Lock()
		s.joined[threadID] = true
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.active = threadID
	s.mu.Unlock()

	s.typing.SetThreadID(threadID)
	s.typing.SetCanEmit(tracker.CanCommunicate())
	s.heartbeat.Start(s.ctx, tracker)

	if previous != threadID {
		s.logger.WithFields(SanitizeFields(s.cfg.Verbose, logrus.Fields{
			LogFieldThreadID: threadID,
		})).Info("Active thread changed")
	}

	if cursor, hasMore := s.state.HistoryState(threadID); cursor == nil && hasMore {
		if _, err := s.LoadOlder(ctx, threadID); err != nil {
			return err
		}
	}
	if s.isAgent() {
		s.MarkRead(ctx, threadID)
	}
	return nil
}

// HandleEvent applies one gateway event to the state of its own thread
func (s *Session) HandleEvent(event models.Event) {
	s.mu.Lock()
	closed := s.closed
	active := s.active
	s.mu.Unlock()
	if closed {
		return
	}

	threadID := event.EventThreadID()
	switch e := event.(type) {
	case models.MessageInserted:
		if e.Broadcast {
			s.metrics.RecordEvent(types.EnvelopeMessageBroadcast)
		} else {
			s.metrics.RecordEvent(types.EnvelopeMessageInserted)
		}
		s.handleMessage(e, active)

	case models.TypingUpdated:
		s.metrics.RecordEvent(types.EnvelopeTypingUpdated)
		if e.ParticipantID == s.cfg.ParticipantID {
			return
		}
		s.state.SetRemoteTyping(threadID, e.ParticipantID, e.IsTyping, s.clock.Now())

	case models.Heartbeat:
		s.metrics.RecordEvent(types.EnvelopeHeartbeat)
		if s.state.Tracker(threadID).UpsertHeartbeat(e.ParticipantID, s.eventTime(e.At)) {
			s.state.Invalidate(store.ThreadLiveMetaKey(threadID))
		}

	case models.PresenceSync:
		s.metrics.RecordEvent(types.EnvelopePresenceSync)
		s.state.Tracker(threadID).ApplyPresence(e.Participants, s.eventTime(e.At))
		s.state.Invalidate(store.ThreadLiveMetaKey(threadID))

	case models.ChannelStatusChanged:
		s.metrics.RecordEvent(types.EnvelopeChannelStatus)
		tracker := s.state.Tracker(threadID)
		tracker.SetChannelStatus(e.Status)
		s.state.Invalidate(store.ThreadLiveMetaKey(threadID))
		if threadID == active {
			s.typing.SetCanEmit(tracker.CanCommunicate())
		}
		if e.Status == models.ChannelStatusSubscribed && s.reconciler != nil {
			s.reconciler.Schedule()
		}
		s.logger.WithFields(SanitizeFields(s.cfg.Verbose, logrus.Fields{
			LogFieldThreadID:      threadID,
			LogFieldChannelStatus: e.Status,
		})).Debug("Channel status changed")

	default:
		s.logger.WithField(LogFieldEvent, event).Error("Unknown event type")
	}
}

func (s *Session) handleMessage(e models.MessageInserted, active string) {
	m := e.Message
	if m.ThreadID == "" {
		m.ThreadID = e.ThreadID
	}
	m.DeliveryState = models.DeliveryStateSent

	s.state.MergeRealtime(e.ThreadID, m)
	if m.SenderID != s.cfg.ParticipantID {
		s.state.SetRemoteTyping(e.ThreadID, m.SenderID, false, s.clock.Now())
	}

	if !s.isAgent() {
		return
	}
	// Our own sends are already in the timeline when their echo arrives, so
	// inbox dedupe tracks inbox applications rather than timeline membership
	_, unknown := s.state.PatchInboxOnce(m, inbox.PatchOptions{
		AgentID:        s.cfg.AgentID,
		ActiveThreadID: active,
	})
	if unknown && s.reconciler != nil {
		s.reconciler.Schedule()
	}
}

func (s *Session) eventTime(at int64) time.Time {
	if at <= 0 {
		return s.clock.Now()
	}
	return time.UnixMilli(at)
}

// Send sends body to the active thread
func (s *Session) Send(ctx context.Context, body string) (string, error) {
	threadID := s.ActiveThread()
	if threadID == "" {
		return "", apperrors.NewPreconditionError("no_active_thread")
	}
	clientID, err := s.messages.Send(s.withVerbose(ctx), threadID, body)
	if err != nil {
		return "", err
	}
	s.typing.OnInputChange("")
	return clientID, nil
}

// Retry redelivers a failed message of threadID
func (s *Session) Retry(ctx context.Context, threadID, clientID string) error {
	return s.messages.Retry(s.withVerbose(ctx), threadID, clientID)
}

// InputChanged feeds composer input to the typing controller
func (s *Session) InputChanged(value string) {
	s.typing.OnInputChange(value)
}

// LoadOlder fetches the next older page of threadID and reports whether
// more history remains
func (s *Session) LoadOlder(ctx context.Context, threadID string) (bool, error) {
	cursor, hasMore := s.state.HistoryState(threadID)
	if !hasMore {
		return false, nil
	}
	page, err := s.repo.FetchThreadPage(ctx, types.FetchThreadPageRequest{
		ThreadID: threadID,
		Cursor:   cursor,
		Limit:    s.cfg.PageSize,
	})
	if err != nil {
		return true, err
	}
	s.state.AppendPage(threadID, page.Items, page.NextCursor)
	return page.NextCursor != nil, nil
}

// MarkRead clears the unread count of threadID locally and persists the
// read mark. Failures are logged; the next inbox fetch corrects the count.
func (s *Session) MarkRead(ctx context.Context, threadID string) {
	if s.isAgent() {
		s.state.MarkInboxRead(threadID)
	}
	err := s.repo.MarkThreadRead(ctx, types.MarkThreadReadRequest{
		ThreadID:      threadID,
		ParticipantID: s.cfg.ParticipantID,
		At:            clock.NowMillis(s.clock),
	})
	if err != nil {
		apperrors.LogError(s.logger, err, "Failed to mark thread read", SanitizeFields(s.cfg.Verbose, logrus.Fields{
			LogFieldThreadID: threadID,
		}))
	}
}

// SetOnline records local network reachability for every joined thread
func (s *Session) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	threads := make([]string, 0, len(s.joined))
	for id := range s.joined {
		threads = append(threads, id)
	}
	active := s.active
	s.mu.Unlock()

	for _, id := range threads {
		s.state.Tracker(id).SetOnline(online)
		s.state.Invalidate(store.ThreadLiveMetaKey(id))
	}
	if active != "" {
		s.typing.SetCanEmit(s.state.Tracker(active).CanCommunicate())
	}
	s.logger.WithField(LogFieldOnline, online).Info("Network reachability changed")
}

// RefreshInbox replaces the agent inbox with a fresh fetch
func (s *Session) RefreshInbox(ctx context.Context) error {
	items, err := s.fetchInbox(ctx)
	if err != nil {
		return err
	}
	s.applyInbox(items)
	return nil
}

func (s *Session) fetchInbox(ctx context.Context) ([]models.InboxThread, error) {
	return s.repo.FetchAgentInbox(ctx, s.cfg.AgentID)
}

func (s *Session) applyInbox(items []models.InboxThread) {
	s.state.SetInbox(items)
	s.metrics.RecordInboxReconcile()
}

// Messages returns the merged timeline of threadID
func (s *Session) Messages(threadID string) []models.Message {
	return s.state.Messages(threadID)
}

// LiveMeta returns the liveness snapshot of threadID
func (s *Session) LiveMeta(threadID string) models.ThreadLiveMeta {
	return s.state.LiveMeta(threadID)
}

// IsServiceLive reports whether threadID has a subscribed channel and a
// fresh heartbeat
func (s *Session) IsServiceLive(threadID string) bool {
	return s.state.Tracker(threadID).IsServiceLive(s.clock.Now())
}

// Inbox returns the agent inbox
func (s *Session) Inbox() []models.InboxThread {
	return s.state.Inbox()
}

// TypingPeers lists the peers currently shown as typing in threadID
func (s *Session) TypingPeers(threadID string) []string {
	return s.state.TypingParticipants(threadID, s.cfg.ParticipantID, s.clock.Now())
}

// IsPeerTyping reports whether any peer is typing in threadID
func (s *Session) IsPeerTyping(threadID string) bool {
	return len(s.TypingPeers(threadID)) > 0
}

// Close retracts typing, stops every timer and disconnects. It is safe to
// call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	s.typing.Destroy()
	s.heartbeat.Stop()
	if s.reconciler != nil {
		s.reconciler.Close()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	s.cancel()

	if err := s.gateway.Disconnect(ctx); err != nil {
		return apperrors.NewGatewayError("disconnect", err)
	}
	s.logger.Info("Chat session closed")
	return nil
}

func (s *Session) emitTyping(sig typing.Signal) {
	s.metrics.RecordTypingSignal(sig.IsTyping)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), constants.DefaultGatewayCallTimeout)
	defer cancel()
	err := s.gateway.SetTyping(ctx, types.TypingRequest{
		ThreadID:      sig.ThreadID,
		ParticipantID: sig.ParticipantID,
		IsTyping:      sig.IsTyping,
		At:            sig.At,
	})
	if err != nil {
		s.logger.WithFields(SanitizeFields(s.cfg.Verbose, logrus.Fields{
			LogFieldThreadID: sig.ThreadID,
		})).WithError(err).Debug("Failed to publish typing signal")
	}
}

func (s *Session) publishHeartbeat(ctx context.Context, threadID, participantID string, at int64) error {
	err := s.gateway.PublishHeartbeat(ctx, types.HeartbeatRequest{
		ThreadID:      threadID,
		ParticipantID: participantID,
		At:            at,
	})
	s.metrics.RecordHeartbeat(err)
	return err
}

func (s *Session) withVerbose(ctx context.Context) context.Context {
	if s.cfg.Verbose {
		return WithVerboseLogging(ctx, true)
	}
	return ctx
}
