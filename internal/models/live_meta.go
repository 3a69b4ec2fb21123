package models

import "time"

type ChannelStatus string

const (
	ChannelStatusClosed       ChannelStatus = "CLOSED"
	ChannelStatusChannelError ChannelStatus = "CHANNEL_ERROR"
	ChannelStatusTimedOut     ChannelStatus = "TIMED_OUT"
	ChannelStatusJoining      ChannelStatus = "JOINING"
	ChannelStatusSubscribed   ChannelStatus = "SUBSCRIBED"
)

func (s ChannelStatus) Valid() bool {
	switch s {
	case ChannelStatusClosed, ChannelStatusChannelError, ChannelStatusTimedOut,
		ChannelStatusJoining, ChannelStatusSubscribed:
		return true
	}
	return false
}

// ThreadLiveMeta is a derived liveness snapshot for one thread. It is never
// persisted; its lifetime is bound to the thread subscription.
type ThreadLiveMeta struct {
	ThreadID              string               `json:"threadId"`
	ChannelStatus         ChannelStatus        `json:"channelStatus"`
	Online                bool                 `json:"online"`
	LatestHeartbeatAt     time.Time            `json:"latestHeartbeatAt"`
	ParticipantHeartbeats map[string]time.Time `json:"participantHeartbeats"`
}
