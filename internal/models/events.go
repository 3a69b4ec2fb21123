package models

// Event is the closed set of realtime events delivered by a gateway
// subscription. Consumers switch on the concrete type.
type Event interface {
	EventThreadID() string
	isEvent()
}

// MessageInserted carries a message pushed by the backend or broadcast by a
// peer ahead of the canonical row event.
type MessageInserted struct {
	ThreadID  string
	Message   Message
	Broadcast bool
}

type TypingUpdated struct {
	ThreadID      string
	ParticipantID string
	IsTyping      bool
	At            int64
}

type Heartbeat struct {
	ThreadID      string
	ParticipantID string
	At            int64
}

// PresenceSync lists every participant currently connected to the thread
type PresenceSync struct {
	ThreadID     string
	Participants []string
	At           int64
}

type ChannelStatusChanged struct {
	ThreadID string
	Status   ChannelStatus
}

func (e MessageInserted) EventThreadID() string      { return e.ThreadID }
func (e TypingUpdated) EventThreadID() string        { return e.ThreadID }
func (e Heartbeat) EventThreadID() string            { return e.ThreadID }
func (e PresenceSync) EventThreadID() string         { return e.ThreadID }
func (e ChannelStatusChanged) EventThreadID() string { return e.ThreadID }

func (MessageInserted) isEvent()      {}
func (TypingUpdated) isEvent()        {}
func (Heartbeat) isEvent()            {}
func (PresenceSync) isEvent()         {}
func (ChannelStatusChanged) isEvent() {}
