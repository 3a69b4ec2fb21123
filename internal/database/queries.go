package database

// Thread queries
const (
	SelectThreadQuery = `
		SELECT id, visitor_id, agent_id, status, created_at, updated_at
		FROM threads
		WHERE id = ?
	`

	InsertThreadQuery = `
		INSERT INTO threads (id, visitor_id, agent_id, status, created_at, updated_at)
		VALUES (?, ?, ?, 'open', ?, ?)
	`

	InsertParticipantQuery = `
		INSERT OR IGNORE INTO thread_participants (thread_id, participant_id, role)
		VALUES (?, ?, ?)
	`

	BumpThreadUpdatedAtQuery = `
		UPDATE threads SET updated_at = MAX(updated_at, ?) WHERE id = ?
	`

	CloseThreadQuery = `
		UPDATE threads
		SET status = 'closed', closed_at = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status = 'open'
	`

	// last_read_at never moves backwards
	MarkThreadReadQuery = `
		INSERT INTO thread_participants (thread_id, participant_id, role, last_read_at)
		SELECT id, ?, CASE WHEN visitor_id = ? THEN 'visitor' ELSE 'agent' END, ?
		FROM threads WHERE id = ?
		ON CONFLICT (thread_id, participant_id)
		DO UPDATE SET last_read_at = MAX(COALESCE(last_read_at, 0), excluded.last_read_at)
	`

	SelectPurgeableThreadsQuery = `
		SELECT id FROM threads WHERE status = 'closed' AND closed_at < ?
	`

	DeleteThreadMessagesQuery     = `DELETE FROM messages WHERE thread_id = ?`
	DeleteThreadParticipantsQuery = `DELETE FROM thread_participants WHERE thread_id = ?`
	DeleteThreadQuery             = `DELETE FROM threads WHERE id = ?`
)

// Message queries
const (
	SelectMessageByClientIDQuery = `
		SELECT id, client_id, thread_id, sender_id, sender_role, body, created_at, seq
		FROM messages
		WHERE thread_id = ? AND client_id = ?
	`

	SelectNextSeqQuery = `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id = ?
	`

	InsertMessageQuery = `
		INSERT INTO messages (id, client_id, thread_id, sender_id, sender_role, body, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	// Pages are newest first; the extra row tells whether an older page exists
	SelectLatestPageQuery = `
		SELECT id, client_id, thread_id, sender_id, sender_role, body, created_at, seq
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at DESC, seq DESC, id DESC
		LIMIT ?
	`

	SelectPageBeforeCursorQuery = `
		SELECT id, client_id, thread_id, sender_id, sender_role, body, created_at, seq
		FROM messages
		WHERE thread_id = ? AND (created_at, seq, id) < (?, ?, ?)
		ORDER BY created_at DESC, seq DESC, id DESC
		LIMIT ?
	`
)

// Inbox query. Unread counts messages from anyone but the agent newer than
// the agent's last read mark.
const SelectAgentInboxQuery = `
	SELECT t.id, t.visitor_id, t.agent_id, t.status, t.created_at, t.updated_at,
		(SELECT COUNT(*) FROM messages um
		 WHERE um.thread_id = t.id
		   AND um.sender_id <> t.agent_id
		   AND um.created_at > COALESCE(p.last_read_at, 0)) AS unread,
		lm.id, lm.client_id, lm.sender_id, lm.sender_role, lm.body, lm.created_at, lm.seq
	FROM threads t
	LEFT JOIN thread_participants p
		ON p.thread_id = t.id AND p.participant_id = t.agent_id
	LEFT JOIN messages lm ON lm.id = (
		SELECT id FROM messages
		WHERE thread_id = t.id
		ORDER BY created_at DESC, seq DESC, id DESC
		LIMIT 1
	)
	WHERE t.agent_id = ?
	ORDER BY unread DESC, t.updated_at DESC, t.id ASC
`
