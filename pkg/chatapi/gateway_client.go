package chatapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatsync/internal/clock"
	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/retry"
	"chatsync/internal/versioning"
	"chatsync/pkg/chatapi/types"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

var _ types.Gateway = (*GatewayClient)(nil)

var errNotConnected = errors.New("realtime socket not connected")

type room struct {
	status   models.ChannelStatus
	ackTimer clock.Timer
	gen      uint64
}

// GatewayClient implements the realtime gateway over one websocket to the
// relay. Channel status per thread is reported to subscribers as local
// events: JOINING when a join is sent, SUBSCRIBED on the relay's ack,
// TIMED_OUT when no ack arrives, CHANNEL_ERROR when the socket fails and
// CLOSED on Disconnect.
type GatewayClient struct {
	url           string
	participantID string
	logger        *logrus.Logger
	clock         clock.Clock
	backoff       retry.BackoffConfig
	ackTimeout    time.Duration
	readLimit     int64

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	handlers  map[int]types.EventHandler
	nextID    int
	rooms     map[string]*room
	closed    bool
	reconnect bool
}

// GatewayOption customizes a GatewayClient
type GatewayOption func(*GatewayClient)

func WithGatewayClock(c clock.Clock) GatewayOption {
	return func(g *GatewayClient) { g.clock = c }
}

// WithDialBackoff sets the retry policy for dialing the relay
func WithDialBackoff(cfg retry.BackoffConfig) GatewayOption {
	return func(g *GatewayClient) { g.backoff = cfg }
}

// WithAckTimeout sets how long a join may wait for SUBSCRIBED
func WithAckTimeout(d time.Duration) GatewayOption {
	return func(g *GatewayClient) { g.ackTimeout = d }
}

// WithReconnect redials and rejoins every thread after a socket failure
func WithReconnect(enabled bool) GatewayOption {
	return func(g *GatewayClient) { g.reconnect = enabled }
}

// NewGatewayClient targets the realtime endpoint of the relay at relayURL.
// No connection is made until the first ConnectThread.
func NewGatewayClient(relayURL, participantID string, role models.Role, logger *logrus.Logger, opts ...GatewayOption) (*GatewayClient, error) {
	wsURL, err := realtimeURL(relayURL, participantID, role)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	g := &GatewayClient{
		url:           wsURL,
		participantID: participantID,
		logger:        logger,
		clock:         clock.Real(),
		backoff:       retry.DefaultBackoffConfig(),
		ackTimeout:    constants.DefaultGatewayAckTimeout,
		readLimit:     constants.DefaultRelayMaxFrameBytes,
		handlers:      make(map[int]types.EventHandler),
		rooms:         make(map[string]*room),
		reconnect:     true,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g, nil
}

func realtimeURL(relayURL, participantID string, role models.Role) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(relayURL, "/"))
	if err != nil {
		return "", apperrors.NewConfigError("relay_url", fmt.Sprintf("invalid relay url: %v", err))
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", apperrors.NewConfigError("relay_url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + types.EndpointRealtime
	q := u.Query()
	q.Set(types.QueryParamParticipant, participantID)
	q.Set(types.QueryParamRole, string(role))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ConnectThread dials if needed and joins threadID. SUBSCRIBED is delivered
// asynchronously once the relay acknowledges the join.
func (g *GatewayClient) ConnectThread(ctx context.Context, threadID string) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return apperrors.NewPreconditionError("gateway_closed")
	}

	if _, err := g.ensureConn(ctx); err != nil {
		g.setStatus(threadID, models.ChannelStatusChannelError)
		return apperrors.NewGatewayError("dial relay", err)
	}
	return g.join(ctx, threadID)
}

func (g *GatewayClient) join(ctx context.Context, threadID string) error {
	g.mu.Lock()
	r, ok := g.rooms[threadID]
	if !ok {
		r = &room{}
		g.rooms[threadID] = r
	}
	if r.ackTimer != nil {
		r.ackTimer.Stop()
	}
	r.gen++
	gen := r.gen
	r.status = models.ChannelStatusJoining
	r.ackTimer = g.clock.AfterFunc(g.ackTimeout, func() { g.onAckTimeout(threadID, gen) })
	g.mu.Unlock()

	g.dispatch(models.ChannelStatusChanged{ThreadID: threadID, Status: models.ChannelStatusJoining})

	err := g.write(ctx, types.Envelope{
		Type:          types.EnvelopeJoin,
		ThreadID:      threadID,
		ParticipantID: g.participantID,
	})
	if err != nil {
		g.setStatus(threadID, models.ChannelStatusChannelError)
		return err
	}
	return nil
}

func (g *GatewayClient) SendMessage(ctx context.Context, threadID string, message models.Message) error {
	return g.write(ctx, types.Envelope{
		Type:     types.EnvelopeMessageBroadcast,
		ThreadID: threadID,
		Message:  &message,
	})
}

func (g *GatewayClient) SetTyping(ctx context.Context, req types.TypingRequest) error {
	isTyping := req.IsTyping
	return g.write(ctx, types.Envelope{
		Type:          types.EnvelopeTypingUpdated,
		ThreadID:      req.ThreadID,
		ParticipantID: req.ParticipantID,
		IsTyping:      &isTyping,
		At:            req.At,
	})
}

func (g *GatewayClient) PublishHeartbeat(ctx context.Context, req types.HeartbeatRequest) error {
	return g.write(ctx, types.Envelope{
		Type:          types.EnvelopeHeartbeat,
		ThreadID:      req.ThreadID,
		ParticipantID: req.ParticipantID,
		At:            req.At,
	})
}

// Subscribe registers handler for every decoded event. Handlers run on the
// read goroutine in delivery order and must not block.
func (g *GatewayClient) Subscribe(handler types.EventHandler) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.handlers[id] = handler
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.handlers, id)
			g.mu.Unlock()
		})
	}
}

// Disconnect leaves every thread and closes the socket. Every joined thread
// reports CLOSED.
func (g *GatewayClient) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	threads := make([]string, 0, len(g.rooms))
	for id, r := range g.rooms {
		if r.ackTimer != nil {
			r.ackTimer.Stop()
			r.ackTimer = nil
		}
		r.status = models.ChannelStatusClosed
		threads = append(threads, id)
	}
	g.mu.Unlock()

	for _, id := range threads {
		if err := g.write(ctx, types.Envelope{Type: types.EnvelopeLeave, ThreadID: id, ParticipantID: g.participantID}); err != nil {
			g.logger.WithError(err).WithField("thread_id", id).Debug("Failed to send leave frame")
		}
	}

	g.connMu.Lock()
	conn := g.conn
	g.conn = nil
	g.connMu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			g.logger.WithError(err).Debug("Realtime socket close handshake incomplete")
		}
	}
	g.cancel()

	for _, id := range threads {
		g.dispatch(models.ChannelStatusChanged{ThreadID: id, Status: models.ChannelStatusClosed})
	}
	return nil
}

// Status returns the last channel status of threadID
func (g *GatewayClient) Status(threadID string) models.ChannelStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[threadID]; ok {
		return r.status
	}
	return models.ChannelStatusClosed
}

// isDialRetryable stops redialing once the relay has refused our protocol version
func isDialRetryable(err error) bool {
	code := apperrors.GetCode(err)
	return code != apperrors.ErrCodeVersionTooOld && code != apperrors.ErrCodeVersionTooNew
}

func (g *GatewayClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn != nil {
		return g.conn, nil
	}

	backoff := retry.NewBackoff(g.backoff).OnRetry(func(attempt int, delay time.Duration, err error) {
		g.logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}).WithError(err).Warn("Relay not reachable yet, retrying")
	})

	var conn *websocket.Conn
	dialOpts := &websocket.DialOptions{
		HTTPHeader: http.Header{versioning.AcceptVersionHeader: []string{versioning.Current.String()}},
	}
	err := backoff.RetryWithPredicate(ctx, func() error {
		c, resp, err := websocket.Dial(ctx, g.url, dialOpts)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUpgradeRequired || resp.StatusCode == http.StatusNotImplemented) {
				return apperrors.NewVersionError(versioning.Current.String(), resp.Header.Get(versioning.SupportedVersionsHeader),
					resp.StatusCode == http.StatusNotImplemented)
			}
			return err
		}
		conn = c
		return nil
	}, isDialRetryable)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(g.readLimit)
	g.conn = conn
	go g.readLoop(conn)
	g.logger.Debug("Realtime socket connected")
	return conn, nil
}

func (g *GatewayClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(g.ctx)
		if err != nil {
			g.onReadError(conn, err)
			return
		}

		env, err := types.DecodeEnvelope(data)
		if err != nil {
			g.logger.WithError(err).Warn("Dropping malformed realtime frame")
			continue
		}
		if env.Type == types.EnvelopeError {
			g.logger.WithField("error", env.Error).Warn("Relay rejected a frame")
			continue
		}
		if env.Type == types.EnvelopeChannelStatus {
			g.onStatus(env.ThreadID, env.Status)
		}

		event, err := env.Event()
		if err != nil {
			g.logger.WithError(err).WithField("type", env.Type).Debug("Ignoring non-event frame")
			continue
		}
		g.dispatch(event)
	}
}

func (g *GatewayClient) onStatus(threadID string, status models.ChannelStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[threadID]
	if !ok {
		return
	}
	if status != models.ChannelStatusJoining && r.ackTimer != nil {
		r.ackTimer.Stop()
		r.ackTimer = nil
	}
	r.status = status
}

func (g *GatewayClient) onAckTimeout(threadID string, gen uint64) {
	g.mu.Lock()
	r, ok := g.rooms[threadID]
	if !ok || r.gen != gen || r.status != models.ChannelStatusJoining || g.closed {
		g.mu.Unlock()
		return
	}
	r.ackTimer = nil
	r.status = models.ChannelStatusTimedOut
	g.mu.Unlock()

	g.logger.WithField("thread_id", threadID).Warn("Join not acknowledged in time")
	g.dispatch(models.ChannelStatusChanged{ThreadID: threadID, Status: models.ChannelStatusTimedOut})
}

func (g *GatewayClient) onReadError(conn *websocket.Conn, err error) {
	g.connMu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	g.connMu.Unlock()
	_ = conn.CloseNow()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	threads := make([]string, 0, len(g.rooms))
	for id, r := range g.rooms {
		if r.ackTimer != nil {
			r.ackTimer.Stop()
			r.ackTimer = nil
		}
		r.status = models.ChannelStatusChannelError
		threads = append(threads, id)
	}
	reconnect := g.reconnect
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"close_status": websocket.CloseStatus(err),
		"threads":      len(threads),
	}).WithError(err).Warn("Realtime socket failed")

	for _, id := range threads {
		g.dispatch(models.ChannelStatusChanged{ThreadID: id, Status: models.ChannelStatusChannelError})
	}
	if reconnect && len(threads) > 0 {
		go g.rejoin(threads)
	}
}

func (g *GatewayClient) rejoin(threads []string) {
	if _, err := g.ensureConn(g.ctx); err != nil {
		g.logger.WithError(err).Error("Failed to reconnect to relay")
		return
	}
	for _, id := range threads {
		if err := g.join(g.ctx, id); err != nil {
			g.logger.WithError(err).WithField("thread_id", id).Warn("Failed to rejoin thread")
		}
	}
}

func (g *GatewayClient) setStatus(threadID string, status models.ChannelStatus) {
	g.mu.Lock()
	r, ok := g.rooms[threadID]
	if !ok {
		r = &room{}
		g.rooms[threadID] = r
	}
	if r.ackTimer != nil {
		r.ackTimer.Stop()
		r.ackTimer = nil
	}
	r.status = status
	g.mu.Unlock()
	g.dispatch(models.ChannelStatusChanged{ThreadID: threadID, Status: status})
}

func (g *GatewayClient) write(ctx context.Context, env types.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "failed to encode frame")
	}

	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn == nil {
		return apperrors.NewGatewayError("write "+env.Type, errNotConnected)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return apperrors.NewGatewayError("write "+env.Type, err)
	}
	return nil
}

func (g *GatewayClient) dispatch(event models.Event) {
	g.mu.Lock()
	handlers := make([]types.EventHandler, 0, len(g.handlers))
	for _, h := range g.handlers {
		handlers = append(handlers, h)
	}
	g.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}
