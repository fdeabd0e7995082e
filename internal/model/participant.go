package model

// Participant is one entry of the conversation roster. The engine treats the
// roster as read-only context for rendering and mention resolution; membership
// changes are owned elsewhere.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
