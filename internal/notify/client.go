// Package notify — клиент внешнего сервиса уведомлений. Доставка best-effort:
// ошибки не влияют на успех отправки сообщения.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
)

// Sink accepts a notification for asynchronous, best-effort delivery.
// The engine consumes no return value.
type Sink interface {
	Deliver(ctx context.Context, n model.Notification)
}

// Client вызывает сервис пуш-уведомлений. Если URL пустой — методы no-op.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент. baseURL пустой — доставка отключена.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// DeliverRequest — тело запроса на отправку уведомления.
type DeliverRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Deliver отправляет уведомление пользователю. Ошибки логируются и глотаются.
func (c *Client) Deliver(ctx context.Context, n model.Notification) {
	if c.baseURL == "" {
		return
	}
	payload := DeliverRequest{
		UserID: n.UserID,
		Title:  n.Title,
		Body:   n.Body,
		Data: map[string]string{
			"type":        string(n.Type),
			"entity_type": n.EntityType,
			"entity_id":   n.EntityID,
		},
	}
	bodyBytes, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notify", bytes.NewReader(bodyBytes))
	if err != nil {
		logger.Errorf("notify request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Errorf("notify deliver: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		logger.Errorf("notify deliver: %d", resp.StatusCode)
	}
}
