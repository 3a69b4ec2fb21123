package service

import (
	"context"

	"chatsync/internal/clock"
	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/store"
	"chatsync/internal/tracing"
	"chatsync/internal/validation"
	"chatsync/pkg/chatapi/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MessageService sends messages optimistically. The placeholder is visible
// in the thread before the repository confirms it; transport and
// precondition failures leave it in the failed state for Retry.
type MessageService interface {
	// Send validates body, registers a placeholder and delivers it. Only a
	// rejected body returns an error.
	Send(ctx context.Context, threadID, body string) (clientID string, err error)
	// Retry redelivers a failed placeholder under its original clientId
	Retry(ctx context.Context, threadID, clientID string) error
}

// Sender identifies who messages are sent as
type Sender struct {
	ParticipantID string
	Role          models.Role
}

type messageService struct {
	logger  *logrus.Logger
	repo    types.Repository
	gateway types.Gateway
	state   *store.State
	clock   clock.Clock
	metrics *metrics.Registry
	sender  Sender
}

func NewMessageService(logger *logrus.Logger, repo types.Repository, gateway types.Gateway, state *store.State, clk clock.Clock, reg *metrics.Registry, sender Sender) MessageService {
	return &messageService{
		logger:  logger,
		repo:    repo,
		gateway: gateway,
		state:   state,
		clock:   clk,
		metrics: metrics.OrDefault(reg),
		sender:  sender,
	}
}

func (s *messageService) Send(ctx context.Context, threadID, body string) (string, error) {
	result := validation.ValidateMessageBody(body)
	if !result.IsValid {
		s.metrics.RecordSend(metrics.SendResultInvalid, 0)
		return "", result.Err()
	}
	if err := validation.ValidateThreadID(threadID); err != nil {
		s.metrics.RecordSend(metrics.SendResultInvalid, 0)
		return "", err
	}

	clientID := uuid.NewString()
	now := clock.NowMillis(s.clock)
	placeholder := models.Message{
		ID:            models.OptimisticID(clientID),
		ClientID:      clientID,
		ThreadID:      threadID,
		SenderID:      s.sender.ParticipantID,
		SenderRole:    s.sender.Role,
		Body:          result.Value,
		CreatedAt:     now,
		Seq:           now,
		DeliveryState: models.DeliveryStateSending,
	}
	s.state.PutOptimistic(threadID, placeholder)

	s.deliver(ctx, threadID, placeholder)
	return clientID, nil
}

func (s *messageService) Retry(ctx context.Context, threadID, clientID string) error {
	placeholder, ok := s.state.Optimistic(threadID, clientID)
	if !ok {
		return apperrors.NewNotFoundError("message", clientID)
	}
	if placeholder.DeliveryState != models.DeliveryStateFailed {
		return nil
	}

	s.metrics.RecordRetry()
	placeholder.DeliveryState = models.DeliveryStateSending
	s.state.PutOptimistic(threadID, placeholder)

	s.deliver(ctx, threadID, placeholder)
	return nil
}

// deliver runs one attempt for placeholder. Every outcome is written to
// threadID's buckets, never to whichever thread is active by then.
func (s *messageService) deliver(ctx context.Context, threadID string, placeholder models.Message) {
	ctx, span := tracing.StartSpan(ctx, "message.send",
		tracing.AttrThreadID.String(threadID),
		tracing.AttrClientID.String(placeholder.ClientID),
	)
	defer span.End()

	fields := logrus.Fields{
		LogFieldThreadID: threadID,
		LogFieldClientID: placeholder.ClientID,
	}

	if !s.state.Tracker(threadID).CanCommunicate() {
		s.markFailed(threadID, placeholder)
		s.metrics.RecordSend(metrics.SendResultPrecondition, 0)
		tracing.AddSpanAttributes(ctx, tracing.AttrDeliveryState.String(string(models.DeliveryStateFailed)))
		LogWithContext(ctx, s.logger, fields).Warn("Skipping send: channel not subscribed or offline")
		return
	}

	start := s.clock.Now()
	stored, err := s.repo.SendMessage(ctx, types.SendMessageRequest{
		ThreadID:   threadID,
		ClientID:   placeholder.ClientID,
		SenderID:   placeholder.SenderID,
		SenderRole: placeholder.SenderRole,
		Body:       placeholder.Body,
		CreatedAt:  placeholder.CreatedAt,
	})
	elapsed := s.clock.Now().Sub(start)
	if err == nil && stored == nil {
		err = apperrors.New(apperrors.ErrCodeInternalError, "repository returned no message")
	}
	if err != nil {
		s.markFailed(threadID, placeholder)
		s.metrics.RecordSend(metrics.SendResultFailed, elapsed)
		tracing.RecordError(ctx, err, tracing.AttrDeliveryState.String(string(models.DeliveryStateFailed)))
		apperrors.LogError(s.logger, err, "Failed to send message", SanitizeFields(IsVerboseLogging(ctx), fields))
		return
	}

	canonical := *stored
	canonical.DeliveryState = models.DeliveryStateSent
	if canonical.ThreadID == "" {
		canonical.ThreadID = threadID
	}
	s.state.MergeRealtime(threadID, canonical)
	s.state.RemoveOptimistic(threadID, placeholder.ClientID)
	s.metrics.RecordSend(metrics.SendResultSent, elapsed)
	tracing.AddSpanAttributes(ctx, tracing.AttrDeliveryState.String(string(models.DeliveryStateSent)))

	fields[LogFieldMessageID] = canonical.ID
	fields[LogFieldDuration] = elapsed.Milliseconds()
	LogWithContext(ctx, s.logger, fields).Debug("Message confirmed")

	s.broadcast(ctx, threadID, canonical, fields)
}

func (s *messageService) broadcast(ctx context.Context, threadID string, canonical models.Message, fields logrus.Fields) {
	ctx, cancel := context.WithTimeout(ctx, constants.DefaultGatewayCallTimeout)
	defer cancel()
	if err := s.gateway.SendMessage(ctx, threadID, canonical); err != nil {
		LogWithContext(ctx, s.logger, fields).WithError(err).Warn("Failed to broadcast message")
	}
}

func (s *messageService) markFailed(threadID string, placeholder models.Message) {
	placeholder.DeliveryState = models.DeliveryStateFailed
	s.state.PutOptimistic(threadID, placeholder)
}
