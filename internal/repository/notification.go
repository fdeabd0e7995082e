package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/store"
)

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) error {
	defer logger.DeferLogDuration("notif.Create", time.Now())()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO notifications (id, user_id, type, title, body, entity_type, entity_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		n.ID, n.UserID, n.Type, n.Title, n.Body, n.EntityType, n.EntityID,
	).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("notifRepo.Create: %w", err)
	}
	return nil
}

func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, unreadOnly bool) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notif.ListByUser", time.Now())()
	q := `SELECT id, user_id, type, title, body, entity_type, entity_id, is_read, created_at
	      FROM notifications WHERE user_id = $1`
	if unreadOnly {
		q += ` AND is_read = false`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.ListByUser query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Notification, 0, 16)
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.EntityType, &n.EntityID, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notifRepo.ListByUser scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.ListByUser rows: %w", err)
	}
	return out, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID string) error {
	defer logger.DeferLogDuration("notif.MarkRead", time.Now())()
	ct, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = true WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("notifRepo.MarkRead: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("notifRepo.MarkRead: %w", store.ErrNotFound)
	}
	return nil
}
