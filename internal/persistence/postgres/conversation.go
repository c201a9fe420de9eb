package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/persistence"
)

type conversationStore struct{ db *sql.DB }

var _ persistence.ConversationStore = (*conversationStore)(nil)

// AppendMessage implements persistence.ConversationStore. The conversation
// row is created on first use and its last_updated stamp follows the
// newest message.
func (c *conversationStore) AppendMessage(ctx context.Context, conversationID, userID string, msg models.Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, user_id, started_at, last_updated)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET last_updated = EXCLUDED.last_updated`,
		conversationID, userID, createdAt); err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", conversationID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`,
		conversationID, msg.Role, msg.Content, createdAt); err != nil {
		return fmt.Errorf("failed to append message to %s: %w", conversationID, err)
	}
	return tx.Commit()
}

// Recent implements persistence.ConversationStore. The inner query trims
// to the newest n rows; the outer one restores chronological order.
func (c *conversationStore) Recent(ctx context.Context, conversationID string, n int) ([]models.Message, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT message_id, role, content, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY message_id DESC
			LIMIT $2
		) latest
		ORDER BY message_id ASC`,
		conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	return out, nil
}

type contextStore struct{ db *sql.DB }

var _ persistence.ContextStore = (*contextStore)(nil)

// Save implements persistence.ContextStore.
func (c *contextStore) Save(ctx context.Context, taskID int64, kind models.ContextKind, data string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO context_data (task_id, context_type, context_data)
		VALUES ($1, $2, $3)`,
		taskID, kind, data)
	if err != nil {
		if isErrorCode(err, foreignKeyViolation) {
			return persistence.ErrNotFound
		}
		return fmt.Errorf("failed to save context for task %d: %w", taskID, err)
	}
	return nil
}

// RecentDescriptions implements persistence.ContextStore. DISTINCT ON
// keeps only the newest context row per task before the global sort picks
// the most recently touched tasks.
func (c *contextStore) RecentDescriptions(ctx context.Context, limit int) (map[int64]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT task_id, task_desc FROM (
			SELECT DISTINCT ON (cd.task_id)
				cd.task_id AS task_id, ut.task_desc AS task_desc, cd.updated_at AS updated_at
			FROM context_data cd
			JOIN user_tasks ut ON ut.task_id = cd.task_id
			ORDER BY cd.task_id, cd.updated_at DESC
		) latest
		ORDER BY updated_at DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent task contexts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var desc string
		if err := rows.Scan(&id, &desc); err != nil {
			return nil, fmt.Errorf("failed to scan task context: %w", err)
		}
		out[id] = desc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load recent task contexts: %w", err)
	}
	return out, nil
}
