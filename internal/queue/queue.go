// Package queue implements the per-chat follow-up Queue Store: an
// at-most-one pending follow-up prompt per chat, held in the KV
// store under a per-chat key with a short TTL refreshed on every write,
// merged via a compare-and-set loop when a follow-up is queued while one
// is already pending.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/kv"
)

const maxCASRetries = 5

// ErrNoFollowUp is returned by Update when chatID has no pending
// follow-up to update.
var ErrNoFollowUp = errors.New("queue: no follow-up queued for this chat")

// Store is the per-chat follow-up queue.
type Store struct {
	kv  kv.KV
	ttl time.Duration
}

// New builds a Store over the given KV collaborator.
func New(store kv.KV, ttl time.Duration) *Store {
	return &Store{kv: store, ttl: ttl}
}

func queueKey(chatID string) string { return fmt.Sprintf("chat:%s:queue", chatID) }

// UpsertResult reports what Upsert did: whether a new entry was created,
// and the merged content/attachments the caller may want to echo back.
type UpsertResult struct {
	ID                string
	Created           bool
	MergedContent     string
	MergedAttachments []string
}

// Upsert queues content for chatID. If no follow-up is pending, a new
// entry is created. If one is already pending, content is appended to the
// existing entry separated by a newline, mode fields are overwritten, and
// attachments are concatenated — all atomically per successful CAS
// attempt, retried up to maxCASRetries times on conflict.
func (s *Store) Upsert(ctx context.Context, chatID, content, modelID, permissionMode, thinkingMode string, attachments []string) (*UpsertResult, error) {
	result := &UpsertResult{}

	_, err := s.kv.CompareAndSwap(ctx, queueKey(chatID), maxCASRetries, func(current string, exists bool) (string, time.Duration, error) {
		var follow domain.QueuedFollowUp

		if exists && current != "" {
			if err := json.Unmarshal([]byte(current), &follow); err != nil {
				return "", 0, fmt.Errorf("decode existing follow-up: %w", err)
			}
			follow.Content = follow.Content + "\n" + content
			follow.Attachments = append(follow.Attachments, attachments...)
			result.Created = false
		} else {
			follow = domain.QueuedFollowUp{
				ID:          uuid.NewString(),
				Content:     content,
				Attachments: attachments,
				QueuedAt:    time.Now(),
			}
			result.Created = true
		}

		follow.ModelID = modelID
		follow.PermissionMode = permissionMode
		follow.ThinkingMode = thinkingMode

		result.ID = follow.ID
		result.MergedContent = follow.Content
		result.MergedAttachments = follow.Attachments

		b, err := json.Marshal(follow)
		if err != nil {
			return "", 0, fmt.Errorf("encode follow-up: %w", err)
		}
		return string(b), s.ttl, nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert follow-up for chat %s: %w", chatID, err)
	}

	return result, nil
}

// Get returns the pending follow-up for chatID, or nil if none is queued.
func (s *Store) Get(ctx context.Context, chatID string) (*domain.QueuedFollowUp, error) {
	val, ok, err := s.kv.Get(ctx, queueKey(chatID))
	if err != nil {
		return nil, fmt.Errorf("get follow-up for chat %s: %w", chatID, err)
	}
	if !ok || val == "" {
		return nil, nil
	}
	var follow domain.QueuedFollowUp
	if err := json.Unmarshal([]byte(val), &follow); err != nil {
		return nil, fmt.Errorf("decode follow-up for chat %s: %w", chatID, err)
	}
	return &follow, nil
}

// Update replaces the content of the pending follow-up for chatID,
// CAS-guarded so a concurrent Upsert cannot be silently overwritten.
func (s *Store) Update(ctx context.Context, chatID, content string) error {
	found := false
	_, err := s.kv.CompareAndSwap(ctx, queueKey(chatID), maxCASRetries, func(current string, exists bool) (string, time.Duration, error) {
		if !exists || current == "" {
			return "", 0, kv.ErrAbortCAS
		}
		found = true
		var follow domain.QueuedFollowUp
		if err := json.Unmarshal([]byte(current), &follow); err != nil {
			return "", 0, fmt.Errorf("decode existing follow-up: %w", err)
		}
		follow.Content = content
		b, err := json.Marshal(follow)
		if err != nil {
			return "", 0, fmt.Errorf("encode follow-up: %w", err)
		}
		return string(b), s.ttl, nil
	})
	if err != nil {
		return fmt.Errorf("update follow-up for chat %s: %w", chatID, err)
	}
	if !found {
		return fmt.Errorf("update follow-up for chat %s: %w", chatID, ErrNoFollowUp)
	}
	return nil
}

// Clear removes the pending follow-up for chatID, if any.
func (s *Store) Clear(ctx context.Context, chatID string) error {
	if err := s.kv.Del(ctx, queueKey(chatID)); err != nil {
		return fmt.Errorf("clear follow-up for chat %s: %w", chatID, err)
	}
	return nil
}

// PopNext atomically gets and deletes the pending follow-up for chatID.
// Returns nil, nil if none is queued.
func (s *Store) PopNext(ctx context.Context, chatID string) (*domain.QueuedFollowUp, error) {
	var popped *domain.QueuedFollowUp

	_, err := s.kv.CompareAndSwap(ctx, queueKey(chatID), maxCASRetries, func(current string, exists bool) (string, time.Duration, error) {
		if !exists || strings.TrimSpace(current) == "" {
			return "", 0, kv.ErrAbortCAS
		}
		var follow domain.QueuedFollowUp
		if err := json.Unmarshal([]byte(current), &follow); err != nil {
			return "", 0, fmt.Errorf("decode existing follow-up: %w", err)
		}
		popped = &follow
		return "", 0, nil // overwritten below with an explicit Del
	})
	if err != nil {
		return nil, fmt.Errorf("pop follow-up for chat %s: %w", chatID, err)
	}
	if popped == nil {
		return nil, nil
	}
	if err := s.kv.Del(ctx, queueKey(chatID)); err != nil {
		return nil, fmt.Errorf("delete popped follow-up for chat %s: %w", chatID, err)
	}
	return popped, nil
}
