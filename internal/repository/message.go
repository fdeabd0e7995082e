package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/store"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageColumns = `id, conversation_key, seq, sender_id, content, image_url, audio_url, audio_duration, created_at, edited_at, is_read`

func scanMessage(row pgx.Row, m *model.Message) error {
	return row.Scan(&m.ID, &m.ConversationKey, &m.Seq, &m.SenderID, &m.Content, &m.ImageURL,
		&m.AudioURL, &m.AudioDuration, &m.CreatedAt, &m.EditedAt, &m.Read)
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	if m.Empty() {
		return fmt.Errorf("msgRepo.Create: %w", store.ErrValidation)
	}
	if !m.ConversationKey.Valid() || m.SenderID == "" {
		return fmt.Errorf("msgRepo.Create: %w", store.ErrValidation)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_key, sender_id, content, image_url, audio_url, audio_duration)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING seq, created_at`,
		m.ID, m.ConversationKey, m.SenderID, m.Content, m.ImageURL, m.AudioURL, m.AudioDuration,
	).Scan(&m.Seq, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return fmt.Errorf("msgRepo.Create: %w", store.ErrValidation)
		}
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) Get(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Get", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("msgRepo.Get: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Get: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) List(ctx context.Context, key model.ConversationKey) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.List", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_key = $1
		 ORDER BY created_at, seq`, key,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.List query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 64)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.List scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.List rows: %w", err)
	}
	return messages, nil
}

// Edit replaces the text content and sets edited_at. The UPDATE is guarded by
// sender_id so the authorization check and the write are one atomic statement;
// a concurrent delete wins (the edit then reports ErrNotFound).
func (r *MessageRepository) Edit(ctx context.Context, id, newText, requestingUserID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Edit", time.Now())()
	if newText == "" {
		return nil, fmt.Errorf("msgRepo.Edit: %w", store.ErrValidation)
	}
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`UPDATE messages SET content = $1, edited_at = now()
		 WHERE id = $2 AND sender_id = $3
		 RETURNING `+messageColumns, newText, id, requestingUserID,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingOrForbidden(ctx, id, "msgRepo.Edit")
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Edit: %w", err)
	}
	return m, nil
}

// Delete hard-removes the row; reactions cascade via the foreign key.
func (r *MessageRepository) Delete(ctx context.Context, id, requestingUserID string) error {
	defer logger.DeferLogDuration("msg.Delete", time.Now())()
	ct, err := r.pool.Exec(ctx,
		`DELETE FROM messages WHERE id = $1 AND sender_id = $2`, id, requestingUserID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Delete: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.missingOrForbidden(ctx, id, "msgRepo.Delete")
	}
	return nil
}

// missingOrForbidden distinguishes a vanished row from a non-sender attempt
// after a guarded UPDATE/DELETE matched nothing.
func (r *MessageRepository) missingOrForbidden(ctx context.Context, id, op string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		return fmt.Errorf("%s: %w", op, store.ErrForbidden)
	}
	return fmt.Errorf("%s: %w", op, store.ErrNotFound)
}

// MarkRead flips unread messages addressed to readerID. Direct threads only;
// the flag never reverts, so repeated calls are no-ops.
func (r *MessageRepository) MarkRead(ctx context.Context, key model.ConversationKey, readerID string) (int, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	if !key.IsDirect() {
		return 0, nil
	}
	ct, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_read = true
		 WHERE conversation_key = $1 AND sender_id != $2 AND is_read = false`,
		key, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
