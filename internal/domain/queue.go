package domain

import "time"

// QueuedFollowUp is the at-most-one pending follow-up prompt for a chat,
// held in the KV store under a per-chat key with a short TTL that is
// refreshed on every write.
type QueuedFollowUp struct {
	ID             string          `json:"id"`
	Content        string          `json:"content"`
	ModelID        string          `json:"model_id"`
	PermissionMode string          `json:"permission_mode"`
	ThinkingMode   string          `json:"thinking_mode,omitempty"`
	Attachments    []string        `json:"attachments,omitempty"`
	QueuedAt       time.Time       `json:"queued_at"`
}
