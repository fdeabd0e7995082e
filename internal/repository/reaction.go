package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/store"
)

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// Toggle removes the (message, user, emoji) reaction if present, otherwise
// inserts it. The unique constraint makes a duplicate insert a no-op, so two
// racing toggles of the same tuple collapse instead of double-inserting.
func (r *ReactionRepository) Toggle(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	defer logger.DeferLogDuration("reaction.Toggle", time.Now())()
	if userID == "" || emoji == "" {
		return false, fmt.Errorf("reactionRepo.Toggle: %w", store.ErrValidation)
	}
	ct, err := r.pool.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Toggle delete: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return false, nil
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO message_reactions (id, message_id, user_id, emoji)
		 VALUES ($1, $2, $3, $4) ON CONFLICT ON CONSTRAINT reactions_once DO NOTHING`,
		uuid.New().String(), messageID, userID, emoji,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23503: the message vanished under us — the delete wins.
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return false, fmt.Errorf("reactionRepo.Toggle: %w", store.ErrNotFound)
		}
		return false, fmt.Errorf("reactionRepo.Toggle insert: %w", err)
	}
	return true, nil
}

func (r *ReactionRepository) ListByMessage(ctx context.Context, messageID string) ([]model.Reaction, error) {
	defer logger.DeferLogDuration("reaction.ListByMessage", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, message_id, user_id, emoji, created_at
		 FROM message_reactions
		 WHERE message_id = $1
		 ORDER BY created_at`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("reactionRepo.ListByMessage query: %w", err)
	}
	defer rows.Close()

	reactions := make([]model.Reaction, 0, 8)
	for rows.Next() {
		var rc model.Reaction
		if err := rows.Scan(&rc.ID, &rc.MessageID, &rc.UserID, &rc.Emoji, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("reactionRepo.ListByMessage scan: %w", err)
		}
		reactions = append(reactions, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactionRepo.ListByMessage rows: %w", err)
	}
	return reactions, nil
}
