package database

import (
	"context"
	"database/sql"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/validation"
	"chatsync/pkg/chatapi/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var t models.Thread
	var status string
	if err := row.Scan(&t.ID, &t.VisitorID, &t.AgentID, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = models.ThreadStatus(status)
	return &t, nil
}

// GetThread loads a thread by id
func (d *Database) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var thread *models.Thread
	err := d.withRetry(ctx, "get thread", func() error {
		t, err := scanThread(d.db.QueryRowContext(ctx, SelectThreadQuery, threadID))
		if err == sql.ErrNoRows {
			return apperrors.NewNotFoundError("thread", threadID)
		}
		thread = t
		return err
	})
	return thread, err
}

// EnsureThread returns the requested thread, creating it (and both
// participant rows) when the id is empty or unknown
func (d *Database) EnsureThread(ctx context.Context, req types.EnsureThreadRequest) (*models.Thread, error) {
	if req.ThreadID != "" {
		if err := validation.ValidateThreadID(req.ThreadID); err != nil {
			return nil, err
		}
	}
	if err := validation.ValidateParticipantID(req.VisitorID); err != nil {
		return nil, err
	}
	if err := validation.ValidateParticipantID(req.AgentID); err != nil {
		return nil, err
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	var thread *models.Thread
	err := d.withRetry(ctx, "ensure thread", func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := scanThread(tx.QueryRowContext(ctx, SelectThreadQuery, threadID))
		if err == nil {
			thread = existing
			return tx.Commit()
		}
		if err != sql.ErrNoRows {
			return err
		}

		now := d.nowMillis()
		if _, err := tx.ExecContext(ctx, InsertThreadQuery, threadID, req.VisitorID, req.AgentID, now, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, InsertParticipantQuery, threadID, req.VisitorID, models.RoleVisitor); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, InsertParticipantQuery, threadID, req.AgentID, models.RoleAgent); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		thread = &models.Thread{
			ID:        threadID,
			VisitorID: req.VisitorID,
			AgentID:   req.AgentID,
			Status:    models.ThreadStatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		d.logger.WithFields(logrus.Fields{
			"thread_id": threadID,
		}).Info("Thread created")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// MarkThreadRead moves the participant's read mark forward to req.At
func (d *Database) MarkThreadRead(ctx context.Context, req types.MarkThreadReadRequest) error {
	if err := validation.ValidateThreadID(req.ThreadID); err != nil {
		return err
	}
	if err := validation.ValidateParticipantID(req.ParticipantID); err != nil {
		return err
	}
	at := req.At
	if at <= 0 {
		at = d.nowMillis()
	}

	return d.withRetry(ctx, "mark thread read", func() error {
		res, err := d.db.ExecContext(ctx, MarkThreadReadQuery, req.ParticipantID, req.ParticipantID, at, req.ThreadID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return apperrors.NewNotFoundError("thread", req.ThreadID)
		}
		return nil
	})
}

// CloseThread marks an open thread closed. Closing a closed thread is a no-op.
func (d *Database) CloseThread(ctx context.Context, threadID string) (*models.Thread, error) {
	if err := validation.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	now := d.nowMillis()
	err := d.withRetry(ctx, "close thread", func() error {
		_, err := d.db.ExecContext(ctx, CloseThreadQuery, now, now, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d.GetThread(ctx, threadID)
}

// PurgeClosedThreads deletes threads closed before olderThan together with
// their messages and participants, returning how many threads were removed
func (d *Database) PurgeClosedThreads(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UnixMilli()
	var purged int64

	err := d.withRetry(ctx, "purge closed threads", func() error {
		purged = 0
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, SelectPurgeableThreadsQuery, cutoff)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			for _, q := range []string{DeleteThreadMessagesQuery, DeleteThreadParticipantsQuery, DeleteThreadQuery} {
				if _, err := tx.ExecContext(ctx, q, id); err != nil {
					return err
				}
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		purged = int64(len(ids))
		return nil
	})
	if err != nil {
		return 0, err
	}

	if purged > 0 {
		d.logger.WithFields(logrus.Fields{
			"purged":        purged,
			"closed_before": olderThan.UTC().Format(time.RFC3339),
		}).Info("Purged closed threads")
	}
	return purged, nil
}

// FetchAgentInbox lists the agent's threads with unread counts and the
// latest message of each
func (d *Database) FetchAgentInbox(ctx context.Context, agentID string) ([]models.InboxThread, error) {
	if err := validation.ValidateParticipantID(agentID); err != nil {
		return nil, err
	}

	var items []models.InboxThread
	err := d.withRetry(ctx, "fetch agent inbox", func() error {
		items = items[:0]
		rows, err := d.db.QueryContext(ctx, SelectAgentInboxQuery, agentID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				item   models.InboxThread
				status string
				lm     struct {
					id, clientID, senderID, senderRole, body sql.NullString
					createdAt, seq                           sql.NullInt64
				}
			)
			if err := rows.Scan(
				&item.Thread.ID, &item.Thread.VisitorID, &item.Thread.AgentID, &status,
				&item.Thread.CreatedAt, &item.Thread.UpdatedAt, &item.UnreadCount,
				&lm.id, &lm.clientID, &lm.senderID, &lm.senderRole, &lm.body, &lm.createdAt, &lm.seq,
			); err != nil {
				return err
			}
			item.Thread.Status = models.ThreadStatus(status)
			if lm.id.Valid {
				item.LastMessage = &models.Message{
					ID:            lm.id.String,
					ClientID:      lm.clientID.String,
					ThreadID:      item.Thread.ID,
					SenderID:      lm.senderID.String,
					SenderRole:    models.Role(lm.senderRole.String),
					Body:          lm.body.String,
					CreatedAt:     lm.createdAt.Int64,
					Seq:           lm.seq.Int64,
					DeliveryState: models.DeliveryStateSent,
				}
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.InboxThread{}
	}
	return items, nil
}
