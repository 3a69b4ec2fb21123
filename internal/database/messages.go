package database

import (
	"context"
	"database/sql"
	"strings"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/timeline"
	"chatsync/internal/validation"
	"chatsync/pkg/chatapi/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var role string
	if err := row.Scan(&m.ID, &m.ClientID, &m.ThreadID, &m.SenderID, &role, &m.Body, &m.CreatedAt, &m.Seq); err != nil {
		return models.Message{}, err
	}
	m.SenderRole = models.Role(role)
	m.DeliveryState = models.DeliveryStateSent
	return m, nil
}

// SendMessage persists a message. A second call with the same
// (ThreadID, ClientID) returns the row stored by the first one.
func (d *Database) SendMessage(ctx context.Context, req types.SendMessageRequest) (*models.Message, error) {
	if err := validation.ValidateThreadID(req.ThreadID); err != nil {
		return nil, err
	}
	if err := validation.ValidateClientID(req.ClientID); err != nil {
		return nil, err
	}
	if err := validation.ValidateParticipantID(req.SenderID); err != nil {
		return nil, err
	}
	if err := validation.ValidateRole(req.SenderRole); err != nil {
		return nil, err
	}
	body := validation.ValidateMessageBody(req.Body)
	if !body.IsValid {
		return nil, body.Err()
	}

	clientID := strings.TrimSpace(req.ClientID)
	var stored models.Message
	var inserted bool

	err := d.withRetry(ctx, "send message", func() error {
		inserted = false
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := scanMessage(tx.QueryRowContext(ctx, SelectMessageByClientIDQuery, req.ThreadID, clientID))
		if err == nil {
			stored = existing
			return tx.Commit()
		}
		if err != sql.ErrNoRows {
			return err
		}

		thread, err := scanThread(tx.QueryRowContext(ctx, SelectThreadQuery, req.ThreadID))
		if err == sql.ErrNoRows {
			return apperrors.NewNotFoundError("thread", req.ThreadID)
		}
		if err != nil {
			return err
		}
		if thread.Status == models.ThreadStatusClosed {
			return apperrors.NewPreconditionError("thread_closed").WithContext("thread_id", req.ThreadID)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, SelectNextSeqQuery, req.ThreadID).Scan(&seq); err != nil {
			return err
		}

		createdAt := req.CreatedAt
		if createdAt <= 0 {
			createdAt = d.nowMillis()
		}
		msg := models.Message{
			ID:            uuid.NewString(),
			ClientID:      clientID,
			ThreadID:      req.ThreadID,
			SenderID:      req.SenderID,
			SenderRole:    req.SenderRole,
			Body:          body.Value,
			CreatedAt:     createdAt,
			Seq:           seq,
			DeliveryState: models.DeliveryStateSent,
		}

		if _, err := tx.ExecContext(ctx, InsertMessageQuery,
			msg.ID, msg.ClientID, msg.ThreadID, msg.SenderID, msg.SenderRole, msg.Body, msg.CreatedAt, msg.Seq,
		); err != nil {
			if isUniqueViolation(err) {
				// A concurrent send of the same clientId won; return its row
				_ = tx.Rollback()
				existing, lookupErr := scanMessage(d.db.QueryRowContext(ctx, SelectMessageByClientIDQuery, req.ThreadID, clientID))
				if lookupErr != nil {
					return err
				}
				stored = existing
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, BumpThreadUpdatedAtQuery, msg.CreatedAt, msg.ThreadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, InsertParticipantQuery, msg.ThreadID, msg.SenderID, msg.SenderRole); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		stored = msg
		inserted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"thread_id": stored.ThreadID,
		"seq":       stored.Seq,
		"duplicate": !inserted,
	}).Debug("Message stored")
	return &stored, nil
}

// FetchThreadPage returns up to Limit messages strictly older than Cursor,
// newest first
func (d *Database) FetchThreadPage(ctx context.Context, req types.FetchThreadPageRequest) (*types.ThreadPage, error) {
	if err := validation.ValidateThreadID(req.ThreadID); err != nil {
		return nil, err
	}
	limit, err := validation.ValidateLimit(req.Limit)
	if err != nil {
		return nil, err
	}

	page := &types.ThreadPage{Items: []models.Message{}}
	err = d.withRetry(ctx, "fetch thread page", func() error {
		page.Items = page.Items[:0]
		page.NextCursor = nil

		var rows *sql.Rows
		var err error
		if req.Cursor == nil {
			rows, err = d.db.QueryContext(ctx, SelectLatestPageQuery, req.ThreadID, limit+1)
		} else {
			c := req.Cursor
			rows, err = d.db.QueryContext(ctx, SelectPageBeforeCursorQuery, req.ThreadID, c.CreatedAt, c.Seq, c.ID, limit+1)
		}
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			page.Items = append(page.Items, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if len(page.Items) > limit {
			page.Items = page.Items[:limit]
			cursor := timeline.CursorOf(page.Items[limit-1])
			page.NextCursor = &cursor
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}
