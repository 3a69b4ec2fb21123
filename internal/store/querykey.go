package store

import "strings"

// QueryKey is a hierarchical cache key. Invalidating a key notifies every
// watcher whose prefix it starts with.
type QueryKey []string

const (
	threadMessagesScope = "thread-messages"
	threadLiveMetaScope = "thread-live-meta"
	agentInboxScope     = "agent-inbox"
)

func ThreadMessagesKey(threadID string) QueryKey {
	return QueryKey{threadMessagesScope, threadID}
}

// AllThreadMessagesKey is the prefix of every thread's message key
func AllThreadMessagesKey() QueryKey {
	return QueryKey{threadMessagesScope}
}

func ThreadLiveMetaKey(threadID string) QueryKey {
	return QueryKey{threadLiveMetaScope, threadID}
}

func AgentInboxKey() QueryKey {
	return QueryKey{agentInboxScope}
}

// HasPrefix reports whether k starts with every segment of prefix
func (k QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (k QueryKey) String() string {
	return "[" + strings.Join(k, ",") + "]"
}
