package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
)

// RosterRepository reads the participant roster of a conversation. The engine
// treats this data as read-only; membership is managed outside the core.
type RosterRepository struct {
	pool *pgxpool.Pool
}

func NewRosterRepository(pool *pgxpool.Pool) *RosterRepository {
	return &RosterRepository{pool: pool}
}

func (r *RosterRepository) ListParticipants(ctx context.Context, key model.ConversationKey) ([]model.Participant, error) {
	defer logger.DeferLogDuration("roster.ListParticipants", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, display_name, avatar_url
		 FROM conversation_participants
		 WHERE conversation_key = $1
		 ORDER BY joined_at`, key,
	)
	if err != nil {
		return nil, fmt.Errorf("rosterRepo.ListParticipants query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Participant, 0, 8)
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("rosterRepo.ListParticipants scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rosterRepo.ListParticipants rows: %w", err)
	}
	if len(out) == 0 && key.IsDirect() {
		// Direct threads have an implicit roster of their two peers even when
		// nothing was provisioned.
		a, b := key.DirectPeers()
		out = append(out, model.Participant{UserID: a}, model.Participant{UserID: b})
	}
	return out, nil
}
