package model

import "time"

type NotificationType string

const (
	NotificationMention NotificationType = "mention"
)

type Notification struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"` // recipient
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Body       string           `json:"body"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Read       bool             `json:"read"`
	CreatedAt  time.Time        `json:"created_at"`
}
