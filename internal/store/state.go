// Package store holds the derived client state of one chat session: message
// buckets, liveness trackers and typing flags per thread, plus the agent
// inbox. Nothing here is global; each session owns its State.
package store

import (
	"sort"
	"sync"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/inbox"
	"chatsync/internal/liveness"
	"chatsync/internal/models"
	"chatsync/internal/timeline"
)

type threadState struct {
	pages      [][]models.Message
	nextCursor *models.MessageCursor
	loaded     bool
	realtime   []models.Message
	optimistic map[string]models.Message
	tracker    *liveness.Tracker
	typing     map[string]time.Time
}

type watcher struct {
	prefix QueryKey
	fn     func(QueryKey)
}

// State is the per-session state container
type State struct {
	livenessTTL time.Duration
	typingTTL   time.Duration

	mu      sync.RWMutex
	threads map[string]*threadState
	inbox   []models.InboxThread
	// identity keys of messages already applied to the inbox
	inboxSeen map[string]struct{}

	watchMu   sync.RWMutex
	watchers  map[int]watcher
	nextWatch int
}

// New creates an empty State. Zero durations select the defaults.
func New(livenessTTL, typingTTL time.Duration) *State {
	if livenessTTL <= 0 {
		livenessTTL = constants.DefaultLivenessTTL
	}
	if typingTTL <= 0 {
		typingTTL = constants.DefaultTypingDisplayTTL
	}
	return &State{
		livenessTTL: livenessTTL,
		typingTTL:   typingTTL,
		threads:     make(map[string]*threadState),
		inboxSeen:   make(map[string]struct{}),
		watchers:    make(map[int]watcher),
	}
}

func (s *State) threadLocked(threadID string) *threadState {
	ts, ok := s.threads[threadID]
	if !ok {
		ts = &threadState{
			optimistic: make(map[string]models.Message),
			tracker:    liveness.NewTracker(threadID, s.livenessTTL),
			typing:     make(map[string]time.Time),
		}
		s.threads[threadID] = ts
	}
	return ts
}

// AppendPage adds an older page (newest first) and records where the next
// one starts. A nil next cursor means history is exhausted.
func (s *State) AppendPage(threadID string, page []models.Message, next *models.MessageCursor) {
	s.mu.Lock()
	ts := s.threadLocked(threadID)
	ts.pages = append(ts.pages, append([]models.Message(nil), page...))
	ts.nextCursor = next
	ts.loaded = true
	s.mu.Unlock()
	s.Invalidate(ThreadMessagesKey(threadID))
}

// ResetPages drops paged history so the first page can be refetched
func (s *State) ResetPages(threadID string) {
	s.mu.Lock()
	ts := s.threadLocked(threadID)
	ts.pages = nil
	ts.nextCursor = nil
	ts.loaded = false
	s.mu.Unlock()
	s.Invalidate(ThreadMessagesKey(threadID))
}

// HistoryState returns the cursor of the next older page and whether one
// exists. Before the first page is loaded hasMore is true and cursor nil.
func (s *State) HistoryState(threadID string) (cursor *models.MessageCursor, hasMore bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.threads[threadID]
	if !ok || !ts.loaded {
		return nil, true
	}
	if ts.nextCursor == nil {
		return nil, false
	}
	c := *ts.nextCursor
	return &c, true
}

// MergeRealtime folds pushed or confirmed messages into the realtime bucket
func (s *State) MergeRealtime(threadID string, msgs ...models.Message) {
	s.mu.Lock()
	ts := s.threadLocked(threadID)
	ts.realtime = timeline.Merge(ts.realtime, msgs)
	s.mu.Unlock()
	s.Invalidate(ThreadMessagesKey(threadID))
}

// PutOptimistic inserts or replaces the placeholder for m.ClientID
func (s *State) PutOptimistic(threadID string, m models.Message) {
	s.mu.Lock()
	s.threadLocked(threadID).optimistic[m.ClientID] = m
	s.mu.Unlock()
	s.Invalidate(ThreadMessagesKey(threadID))
}

// Optimistic returns the placeholder for clientID
func (s *State) Optimistic(threadID, clientID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.threads[threadID]
	if !ok {
		return models.Message{}, false
	}
	m, ok := ts.optimistic[clientID]
	return m, ok
}

// RemoveOptimistic drops the placeholder for clientID
func (s *State) RemoveOptimistic(threadID, clientID string) {
	s.mu.Lock()
	if ts, ok := s.threads[threadID]; ok {
		delete(ts.optimistic, clientID)
	}
	s.mu.Unlock()
	s.Invalidate(ThreadMessagesKey(threadID))
}

// Messages returns the merged timeline of threadID
func (s *State) Messages(threadID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.threads[threadID]
	if !ok {
		return []models.Message{}
	}
	optimistic := make([]models.Message, 0, len(ts.optimistic))
	for _, m := range ts.optimistic {
		optimistic = append(optimistic, m)
	}
	return timeline.Merge(timeline.FlattenPages(ts.pages), ts.realtime, optimistic)
}

// Tracker returns the liveness tracker of threadID, creating it on demand
func (s *State) Tracker(threadID string) *liveness.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadLocked(threadID).tracker
}

// LiveMeta returns a liveness snapshot of threadID
func (s *State) LiveMeta(threadID string) models.ThreadLiveMeta {
	return s.Tracker(threadID).Snapshot()
}

// SetRemoteTyping records a peer typing signal. A true flag expires after the
// display TTL unless refreshed.
func (s *State) SetRemoteTyping(threadID, participantID string, isTyping bool, now time.Time) {
	s.mu.Lock()
	ts := s.threadLocked(threadID)
	if isTyping {
		ts.typing[participantID] = now.Add(s.typingTTL)
	} else {
		delete(ts.typing, participantID)
	}
	s.mu.Unlock()
	s.Invalidate(ThreadLiveMetaKey(threadID))
}

// TypingParticipants returns peers with an unexpired typing flag, sorted
func (s *State) TypingParticipants(threadID, self string, now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	var out []string
	for id, expires := range ts.typing {
		if id != self && now.Before(expires) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// DropThread discards every bucket of threadID
func (s *State) DropThread(threadID string) {
	s.mu.Lock()
	delete(s.threads, threadID)
	s.mu.Unlock()
	s.Invalidate(ThreadMessagesKey(threadID))
	s.Invalidate(ThreadLiveMetaKey(threadID))
}

// SetInbox replaces the agent inbox with an authoritative list
func (s *State) SetInbox(items []models.InboxThread) {
	sorted := append([]models.InboxThread(nil), items...)
	inbox.Sort(sorted)
	s.mu.Lock()
	s.inbox = sorted
	s.mu.Unlock()
	s.Invalidate(AgentInboxKey())
}

// PatchInbox applies a realtime message to the inbox and reports whether an
// unknown thread was synthesized.
func (s *State) PatchInbox(message models.Message, opts inbox.PatchOptions) bool {
	s.mu.Lock()
	result := inbox.ApplyMessage(s.inbox, message, opts)
	s.inbox = result.Items
	s.mu.Unlock()
	s.Invalidate(AgentInboxKey())
	return result.InsertedUnknownThread
}

// PatchInboxOnce is PatchInbox for realtime deliveries: a message whose
// identity was already applied to the inbox is skipped. It reports whether
// the patch ran and whether an unknown thread was synthesized.
func (s *State) PatchInboxOnce(message models.Message, opts inbox.PatchOptions) (applied, unknown bool) {
	key := timeline.IdentityKey(message)
	s.mu.Lock()
	if _, dup := s.inboxSeen[key]; dup {
		s.mu.Unlock()
		return false, false
	}
	s.inboxSeen[key] = struct{}{}
	result := inbox.ApplyMessage(s.inbox, message, opts)
	s.inbox = result.Items
	s.mu.Unlock()
	s.Invalidate(AgentInboxKey())
	return true, result.InsertedUnknownThread
}

// MarkInboxRead zeroes the unread count of threadID
func (s *State) MarkInboxRead(threadID string) {
	s.mu.Lock()
	s.inbox = inbox.MarkRead(s.inbox, threadID)
	s.mu.Unlock()
	s.Invalidate(AgentInboxKey())
}

// Inbox returns a copy of the agent inbox
func (s *State) Inbox() []models.InboxThread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.InboxThread(nil), s.inbox...)
}

// Watch calls fn for every invalidated key under prefix. The returned func
// removes the watcher.
func (s *State) Watch(prefix QueryKey, fn func(QueryKey)) func() {
	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = watcher{prefix: append(QueryKey(nil), prefix...), fn: fn}
	s.watchMu.Unlock()

	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

// Invalidate notifies watchers of key. Callers may also use it to signal
// that a key should be refetched.
func (s *State) Invalidate(key QueryKey) {
	s.watchMu.RLock()
	var fns []func(QueryKey)
	for _, w := range s.watchers {
		if key.HasPrefix(w.prefix) {
			fns = append(fns, w.fn)
		}
	}
	s.watchMu.RUnlock()

	for _, fn := range fns {
		fn(key)
	}
}
