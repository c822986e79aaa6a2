package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

type ConversationRepository struct {
	db *sql.DB
}

func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) FindActiveSession(ctx context.Context, organizationID, userIdentifier string, activeSince time.Time) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, organization_id, user_identifier, COALESCE(dataset_id, ''), created_at, last_activity_at
FROM conversation_sessions
WHERE organization_id = $1 AND user_identifier = $2 AND last_activity_at >= $3
ORDER BY last_activity_at DESC
LIMIT 1
`, organizationID, userIdentifier, activeSince)

	var session domain.Session
	if err := row.Scan(
		&session.ID,
		&session.OrganizationID,
		&session.UserIdentifier,
		&session.DatasetID,
		&session.CreatedAt,
		&session.LastActivityAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "find active session", err)
		}
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return &session, nil
}

func (r *ConversationRepository) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, organization_id, user_identifier, COALESCE(dataset_id, ''), created_at, last_activity_at
FROM conversation_sessions
WHERE id = $1
`, sessionID)

	var session domain.Session
	if err := row.Scan(
		&session.ID,
		&session.OrganizationID,
		&session.UserIdentifier,
		&session.DatasetID,
		&session.CreatedAt,
		&session.LastActivityAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get session", err)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

func (r *ConversationRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO conversation_sessions (id, organization_id, user_identifier, dataset_id, created_at, last_activity_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, session.ID, session.OrganizationID, session.UserIdentifier, nullableString(session.DatasetID), session.CreatedAt, session.LastActivityAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// TouchSession is last-write-wins; it never moves activity backwards.
func (r *ConversationRepository) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE conversation_sessions
SET last_activity_at = GREATEST(last_activity_at, $2)
WHERE id = $1
`, sessionID, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "touch session", fmt.Errorf("session %s", sessionID))
	}
	return nil
}

func (r *ConversationRepository) AppendMessage(ctx context.Context, message domain.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	metadata := message.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO conversation_messages (id, session_id, role, content, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, message.ID, message.SessionID, string(message.Role), message.Content, metadataJSON, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListRecentMessages returns newest first; callers restore chronological order.
func (r *ConversationRepository) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, role, content, metadata, created_at
FROM conversation_messages
WHERE session_id = $1
ORDER BY created_at DESC, seq DESC
LIMIT $2
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Message, 0, limit)
	for rows.Next() {
		var (
			msg          domain.Message
			role         string
			metadataJSON []byte
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &metadataJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		msg.Role = domain.Role(role)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	return out, nil
}

// DeleteSessionsInactiveSince removes idle sessions; messages go with them via ON DELETE CASCADE.
func (r *ConversationRepository) DeleteSessionsInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversation_sessions WHERE last_activity_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete inactive sessions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete inactive sessions rows affected: %w", err)
	}
	return deleted, nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
