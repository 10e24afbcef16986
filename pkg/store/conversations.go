package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mirix-ai/mirixd/pkg/coordinator"
	"github.com/mirix-ai/mirixd/pkg/metrics"
	"github.com/mirix-ai/mirixd/pkg/models"
)

// AppendConversation appends a user/assistant pair to the user's
// conversation buffer with its own TTL and capacity cap.
func (s *Store) AppendConversation(ctx context.Context, userID, userTurn, assistantTurn string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	data, err := json.Marshal(models.ConversationPair{User: userTurn, Assistant: assistantTurn})
	if err != nil {
		return fmt.Errorf("serialize conversation pair: %w", err)
	}

	key := coordinator.ConversationsKey(userID)
	if err := s.coord.Append(ctx, key, data); err != nil {
		return err
	}
	if err := s.coord.Expire(ctx, key, s.cfg.ConversationTTL); err != nil {
		return err
	}

	length, err := s.coord.Len(ctx, key)
	if err != nil {
		return err
	}
	if max := int64(s.cfg.MaxConversations); length > max {
		trimmed := length - max
		if err := s.coord.Trim(ctx, key, trimmed, -1); err != nil {
			return err
		}
		metrics.CapacityTrims.WithLabelValues("conversations").Add(float64(trimmed))
		slog.Warn("Conversation buffer over capacity, trimmed oldest entries",
			"user_id", userID, "trimmed", trimmed, "max_conversations", max)
	}
	return nil
}

// Conversations reads all buffered pairs for a user, oldest first.
func (s *Store) Conversations(ctx context.Context, userID string) ([]models.ConversationPair, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	raw, err := s.coord.Range(ctx, coordinator.ConversationsKey(userID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConversationPair, 0, len(raw))
	for _, data := range raw {
		var pair models.ConversationPair
		if err := json.Unmarshal(data, &pair); err != nil {
			slog.Warn("Skipping undecodable conversation pair",
				"user_id", userID, "error", err)
			continue
		}
		out = append(out, pair)
	}
	return out, nil
}

// ConversationCount returns the number of buffered pairs.
func (s *Store) ConversationCount(ctx context.Context, userID string) (int, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	n, err := s.coord.Len(ctx, coordinator.ConversationsKey(userID))
	return int(n), err
}

// ClearConversations drops the user's conversation buffer. Called after the
// buffered transcript has been spliced into an absorbed prompt.
func (s *Store) ClearConversations(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	return s.coord.Del(ctx, coordinator.ConversationsKey(userID))
}
