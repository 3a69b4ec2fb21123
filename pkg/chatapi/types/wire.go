package types

import (
	"encoding/json"
	"fmt"

	"chatsync/internal/models"
)

// Envelope types exchanged over the realtime socket
const (
	EnvelopeMessageInserted  = "message.inserted"
	EnvelopeMessageBroadcast = "message.broadcast"
	EnvelopeTypingUpdated    = "typing.updated"
	EnvelopeHeartbeat        = "heartbeat"
	EnvelopePresenceSync     = "presence.sync"
	EnvelopeChannelStatus    = "channel.status"
	EnvelopeJoin             = "join"
	EnvelopeLeave            = "leave"
	EnvelopeError            = "error"
)

// Envelope is the single JSON frame shape of the realtime socket. Which
// fields are set depends on Type.
type Envelope struct {
	Type          string               `json:"type"`
	ThreadID      string               `json:"threadId,omitempty"`
	ParticipantID string               `json:"participantId,omitempty"`
	Message       *models.Message      `json:"message,omitempty"`
	IsTyping      *bool                `json:"isTyping,omitempty"`
	At            int64                `json:"at,omitempty"`
	Participants  []string             `json:"participants,omitempty"`
	Status        models.ChannelStatus `json:"status,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// DecodeEnvelope parses one frame and checks that its type is known
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	switch env.Type {
	case EnvelopeMessageInserted, EnvelopeMessageBroadcast, EnvelopeTypingUpdated, EnvelopeHeartbeat,
		EnvelopePresenceSync, EnvelopeChannelStatus, EnvelopeJoin, EnvelopeLeave, EnvelopeError:
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	if env.Type != EnvelopeError && env.ThreadID == "" {
		return Envelope{}, fmt.Errorf("envelope %q missing threadId", env.Type)
	}
	return env, nil
}

// DecodeEvent parses a frame into the closed event union
func DecodeEvent(data []byte) (models.Event, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return env.Event()
}

// Event converts an envelope into an event. Control frames (join, leave,
// error) are not events.
func (e Envelope) Event() (models.Event, error) {
	switch e.Type {
	case EnvelopeMessageInserted, EnvelopeMessageBroadcast:
		if e.Message == nil {
			return nil, fmt.Errorf("%s without message", e.Type)
		}
		if e.Message.ThreadID != e.ThreadID {
			return nil, fmt.Errorf("%s thread mismatch: %q != %q", e.Type, e.Message.ThreadID, e.ThreadID)
		}
		return models.MessageInserted{
			ThreadID:  e.ThreadID,
			Message:   *e.Message,
			Broadcast: e.Type == EnvelopeMessageBroadcast,
		}, nil
	case EnvelopeTypingUpdated:
		if e.ParticipantID == "" || e.IsTyping == nil {
			return nil, fmt.Errorf("%s requires participantId and isTyping", e.Type)
		}
		return models.TypingUpdated{ThreadID: e.ThreadID, ParticipantID: e.ParticipantID, IsTyping: *e.IsTyping, At: e.At}, nil
	case EnvelopeHeartbeat:
		if e.ParticipantID == "" {
			return nil, fmt.Errorf("%s requires participantId", e.Type)
		}
		return models.Heartbeat{ThreadID: e.ThreadID, ParticipantID: e.ParticipantID, At: e.At}, nil
	case EnvelopePresenceSync:
		participants := append([]string{}, e.Participants...)
		return models.PresenceSync{ThreadID: e.ThreadID, Participants: participants, At: e.At}, nil
	case EnvelopeChannelStatus:
		if !e.Status.Valid() {
			return nil, fmt.Errorf("invalid channel status %q", e.Status)
		}
		return models.ChannelStatusChanged{ThreadID: e.ThreadID, Status: e.Status}, nil
	default:
		return nil, fmt.Errorf("envelope type %q is not an event", e.Type)
	}
}

// EnvelopeFromEvent is the inverse of Envelope.Event
func EnvelopeFromEvent(ev models.Event) Envelope {
	switch e := ev.(type) {
	case models.MessageInserted:
		msg := e.Message
		typ := EnvelopeMessageInserted
		if e.Broadcast {
			typ = EnvelopeMessageBroadcast
		}
		return Envelope{Type: typ, ThreadID: e.ThreadID, Message: &msg}
	case models.TypingUpdated:
		isTyping := e.IsTyping
		return Envelope{Type: EnvelopeTypingUpdated, ThreadID: e.ThreadID, ParticipantID: e.ParticipantID, IsTyping: &isTyping, At: e.At}
	case models.Heartbeat:
		return Envelope{Type: EnvelopeHeartbeat, ThreadID: e.ThreadID, ParticipantID: e.ParticipantID, At: e.At}
	case models.PresenceSync:
		return Envelope{Type: EnvelopePresenceSync, ThreadID: e.ThreadID, Participants: append([]string{}, e.Participants...), At: e.At}
	case models.ChannelStatusChanged:
		return Envelope{Type: EnvelopeChannelStatus, ThreadID: e.ThreadID, Status: e.Status}
	}
	panic(fmt.Sprintf("unhandled event type %T", ev))
}

// Encode renders e as one JSON frame
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
