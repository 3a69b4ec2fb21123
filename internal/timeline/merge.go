// Package timeline merges paged history, realtime pushes and optimistic
// placeholders into one deduplicated, totally ordered message list.
package timeline

import (
	"sort"
	"strings"

	"chatsync/internal/models"
)

// IdentityKey is the logical identity of a message. A placeholder and its
// canonical row share a client id and therefore a key.
func IdentityKey(m models.Message) string {
	id := strings.TrimSpace(m.ClientID)
	if id == "" {
		id = m.ID
	}
	return m.ThreadID + ":" + id
}

// Compare orders messages by (CreatedAt, Seq, ID) with a byte-wise ID compare.
func Compare(a, b models.Message) int {
	switch {
	case a.CreatedAt < b.CreatedAt:
		return -1
	case a.CreatedAt > b.CreatedAt:
		return 1
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Merge folds every set into one list keyed by IdentityKey. On collision the
// later message wins unless the stored one is sent and the later one is not.
// The result is sorted with Compare and shares no backing array with inputs.
func Merge(sets ...[]models.Message) []models.Message {
	size := 0
	for _, set := range sets {
		size += len(set)
	}

	byKey := make(map[string]models.Message, size)
	for _, set := range sets {
		for _, incoming := range set {
			key := IdentityKey(incoming)
			existing, ok := byKey[key]
			if ok && existing.DeliveryState == models.DeliveryStateSent && incoming.DeliveryState != models.DeliveryStateSent {
				continue
			}
			byKey[key] = incoming
		}
	}

	merged := make([]models.Message, 0, len(byKey))
	for _, m := range byKey {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool {
		if c := Compare(merged[i], merged[j]); c != 0 {
			return c < 0
		}
		// distinct identities with an identical position
		return IdentityKey(merged[i]) < IdentityKey(merged[j])
	})
	return merged
}

// FlattenPages concatenates backend pages, which arrive newest page first,
// so that the oldest page comes first.
func FlattenPages(pages [][]models.Message) []models.Message {
	size := 0
	for _, page := range pages {
		size += len(page)
	}
	flat := make([]models.Message, 0, size)
	for i := len(pages) - 1; i >= 0; i-- {
		flat = append(flat, pages[i]...)
	}
	return flat
}

// Remove returns msgs without entries whose identity key matches m
func Remove(msgs []models.Message, m models.Message) []models.Message {
	key := IdentityKey(m)
	out := make([]models.Message, 0, len(msgs))
	for _, existing := range msgs {
		if IdentityKey(existing) != key {
			out = append(out, existing)
		}
	}
	return out
}
