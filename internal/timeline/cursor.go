package timeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"chatsync/internal/models"
)

// CursorOf returns the pagination position of m
func CursorOf(m models.Message) models.MessageCursor {
	return models.MessageCursor{CreatedAt: m.CreatedAt, Seq: m.Seq, ID: m.ID}
}

// Before reports whether m sorts strictly before cursor
func Before(m models.Message, cursor models.MessageCursor) bool {
	return Compare(m, models.Message{CreatedAt: cursor.CreatedAt, Seq: cursor.Seq, ID: cursor.ID}) < 0
}

// OldestCursor returns the cursor of the oldest message in msgs, or nil
func OldestCursor(msgs []models.Message) *models.MessageCursor {
	if len(msgs) == 0 {
		return nil
	}
	oldest := msgs[0]
	for _, m := range msgs[1:] {
		if Compare(m, oldest) < 0 {
			oldest = m
		}
	}
	c := CursorOf(oldest)
	return &c
}

// EncodeCursor renders cursor as an opaque URL-safe token
func EncodeCursor(cursor models.MessageCursor) (string, error) {
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses a token produced by EncodeCursor
func DecodeCursor(token string) (*models.MessageCursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	var cursor models.MessageCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	return &cursor, nil
}
