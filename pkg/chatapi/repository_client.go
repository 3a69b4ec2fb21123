// Package chatapi holds the network adapters a chat client uses to reach a
// relay: an HTTP Repository and a websocket Gateway.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/timeline"
	"chatsync/internal/tracing"
	"chatsync/internal/versioning"
	"chatsync/pkg/chatapi/types"
	"chatsync/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var _ types.Repository = (*RepositoryClient)(nil)

// RepositoryClient implements the repository contract over the relay's REST
// surface. Calls run through a circuit breaker that opens on repeated
// transport failures.
type RepositoryClient struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
	breaker *circuitbreaker.CircuitBreaker
}

// RepositoryOption customizes a RepositoryClient
type RepositoryOption func(*RepositoryClient)

// WithBreaker replaces the default circuit breaker
func WithBreaker(cb *circuitbreaker.CircuitBreaker) RepositoryOption {
	return func(c *RepositoryClient) { c.breaker = cb }
}

func NewRepositoryClient(baseURL string, httpClient *http.Client, logger *logrus.Logger, opts ...RepositoryOption) *RepositoryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeoutSec * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	c := &RepositoryClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpClient,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New("relay-repository", constants.DefaultBreakerMaxFailures, constants.DefaultBreakerTimeout, logger)
	}
	return c
}

func (c *RepositoryClient) EnsureThread(ctx context.Context, req types.EnsureThreadRequest) (*models.Thread, error) {
	var thread models.Thread
	if err := c.do(ctx, "ensure thread", http.MethodPost, types.EndpointThreads, nil, req, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *RepositoryClient) FetchThreadPage(ctx context.Context, req types.FetchThreadPageRequest) (*types.ThreadPage, error) {
	query := url.Values{}
	if req.Limit > 0 {
		query.Set(types.QueryParamLimit, strconv.Itoa(req.Limit))
	}
	if req.Cursor != nil {
		token, err := timeline.EncodeCursor(*req.Cursor)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "failed to encode cursor")
		}
		query.Set(types.QueryParamCursor, token)
	}

	var page types.ThreadPage
	if err := c.do(ctx, "fetch thread page", http.MethodGet, endpoint(types.EndpointMessages, req.ThreadID), query, nil, &page); err != nil {
		return nil, err
	}
	if page.Items == nil {
		page.Items = []models.Message{}
	}
	return &page, nil
}

func (c *RepositoryClient) SendMessage(ctx context.Context, req types.SendMessageRequest) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, "send message", http.MethodPost, endpoint(types.EndpointMessages, req.ThreadID), nil, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RepositoryClient) MarkThreadRead(ctx context.Context, req types.MarkThreadReadRequest) error {
	return c.do(ctx, "mark thread read", http.MethodPost, endpoint(types.EndpointMarkRead, req.ThreadID), nil, req, nil)
}

func (c *RepositoryClient) FetchAgentInbox(ctx context.Context, agentID string) ([]models.InboxThread, error) {
	var resp types.InboxResponse
	if err := c.do(ctx, "fetch agent inbox", http.MethodGet, endpoint(types.EndpointAgentInbox, agentID), nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Items == nil {
		resp.Items = []models.InboxThread{}
	}
	return resp.Items, nil
}

// CloseThread asks the relay to close a thread
func (c *RepositoryClient) CloseThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var thread models.Thread
	if err := c.do(ctx, "close thread", http.MethodPost, endpoint(types.EndpointCloseThread, threadID), nil, nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// Health fetches the relay health report. It bypasses the circuit breaker.
func (c *RepositoryClient) Health(ctx context.Context) (*types.HealthResponse, error) {
	var health types.HealthResponse
	if err := c.roundTrip(ctx, "health", http.MethodGet, types.EndpointHealth, nil, nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// BreakerState reports the circuit breaker state for diagnostics
func (c *RepositoryClient) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

func endpoint(template, id string) string {
	return strings.Replace(template, "{id}", url.PathEscape(id), 1)
}

func (c *RepositoryClient) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, op, method, path, query, body, out)
	})
	if circuitbreaker.IsCircuitBreakerError(err) {
		return apperrors.NewTransportError(op, 0, err)
	}
	return err
}

func (c *RepositoryClient) roundTrip(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, fmt.Sprintf("failed to marshal %s request", op))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(versioning.AcceptVersionHeader, versioning.Current.String())
	requestID := tracing.GetRequestID(ctx)
	if requestID == "" {
		requestID = tracing.GenerateRequestID()
	}
	req.Header.Set(types.HeaderRequestID, requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	c.logger.WithFields(logrus.Fields{
		"operation":  op,
		"method":     method,
		"path":       path,
		"request_id": requestID,
	}).Debug("Relay request")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, op+" aborted")
		}
		return apperrors.NewTransportError(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var errResp apperrors.HTTPErrorResponse
		if jsonErr := json.Unmarshal(data, &errResp); jsonErr == nil && errResp.Error.Code != "" {
			return apperrors.FromHTTPResponse(resp.StatusCode, errResp)
		}
		return apperrors.NewTransportError(op, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.NewTransportError(op, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
