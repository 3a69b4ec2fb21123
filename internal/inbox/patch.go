// Package inbox keeps an agent's multi-thread summary current from realtime
// message events between authoritative fetches.
package inbox

import (
	"sort"

	"chatsync/internal/models"
)

// PatchOptions identifies the viewing agent and the thread they have open
type PatchOptions struct {
	AgentID        string
	ActiveThreadID string
}

// PatchResult is the patched inbox. InsertedUnknownThread is set when a
// placeholder entry was synthesized and a reconciliation fetch is due.
type PatchResult struct {
	Items                 []models.InboxThread
	InsertedUnknownThread bool
}

// ApplyMessage folds one message into current without mutating it
func ApplyMessage(current []models.InboxThread, message models.Message, opts PatchOptions) PatchResult {
	items := make([]models.InboxThread, 0, len(current)+1)
	found := false
	last := message

	for _, item := range current {
		if item.Thread.ID != message.ThreadID {
			items = append(items, item)
			continue
		}
		found = true
		item.LastMessage = &last
		if message.CreatedAt > item.Thread.UpdatedAt {
			item.Thread.UpdatedAt = message.CreatedAt
		}
		switch {
		case message.SenderID == opts.AgentID:
		case message.ThreadID == opts.ActiveThreadID:
			item.UnreadCount = 0
		default:
			item.UnreadCount++
		}
		items = append(items, item)
	}

	if !found {
		unread := 1
		if message.SenderID == opts.AgentID || message.ThreadID == opts.ActiveThreadID {
			unread = 0
		}
		items = append(items, models.InboxThread{
			Thread: models.Thread{
				ID:        message.ThreadID,
				AgentID:   opts.AgentID,
				Status:    models.ThreadStatusOpen,
				CreatedAt: message.CreatedAt,
				UpdatedAt: message.CreatedAt,
			},
			UnreadCount: unread,
			LastMessage: &last,
		})
		if message.SenderRole == models.RoleVisitor {
			items[len(items)-1].Thread.VisitorID = message.SenderID
		}
	}

	Sort(items)
	return PatchResult{Items: items, InsertedUnknownThread: !found}
}

// MarkRead zeroes the unread count of threadID
func MarkRead(current []models.InboxThread, threadID string) []models.InboxThread {
	items := make([]models.InboxThread, len(current))
	copy(items, current)
	for i := range items {
		if items[i].Thread.ID == threadID {
			items[i].UnreadCount = 0
		}
	}
	Sort(items)
	return items
}

// Sort orders by unread count then recency, both descending, with the
// thread id as the final tie-break.
func Sort(items []models.InboxThread) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.UnreadCount != b.UnreadCount {
			return a.UnreadCount > b.UnreadCount
		}
		if a.Thread.UpdatedAt != b.Thread.UpdatedAt {
			return a.Thread.UpdatedAt > b.Thread.UpdatedAt
		}
		return a.Thread.ID < b.Thread.ID
	})
}
