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

// AppendMessage serializes and appends a staged message to the user's
// queue, refreshes the queue TTL, and trims the head when the capacity cap
// is exceeded. FIFO order is preserved: newest entries survive a trim.
func (s *Store) AppendMessage(ctx context.Context, userID string, msg models.StagedMessage) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize staged message: %w", err)
	}

	key := coordinator.MessagesKey(userID)
	if err := s.coord.Append(ctx, key, data); err != nil {
		return err
	}
	if err := s.coord.Expire(ctx, key, s.cfg.MessageTTL); err != nil {
		return err
	}

	length, err := s.coord.Len(ctx, key)
	if err != nil {
		return err
	}
	metrics.QueueDepth.Observe(float64(length))

	if max := int64(s.cfg.MaxMessages); length > max {
		trimmed := length - max
		if err := s.coord.Trim(ctx, key, trimmed, -1); err != nil {
			return err
		}
		metrics.CapacityTrims.WithLabelValues("messages").Add(float64(trimmed))
		slog.Warn("Staged message queue over capacity, trimmed oldest entries",
			"user_id", userID, "trimmed", trimmed, "max_messages", max)
	}
	return nil
}

// Messages reads up to limit staged messages from the head of the queue
// without removing them. limit <= 0 reads the whole queue. Entries that
// fail to deserialize are skipped with a log line rather than poisoning
// the batch.
func (s *Store) Messages(ctx context.Context, userID string, limit int) ([]models.StagedMessage, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.coord.Range(ctx, coordinator.MessagesKey(userID), 0, stop)
	if err != nil {
		return nil, err
	}
	return decodeMessages(userID, raw), nil
}

// HeadEntry is one raw queue entry from the head of a user's queue. Msg is
// nil when the entry failed to deserialize; such entries still occupy a
// queue position and must be accounted for when sizing a pop.
type HeadEntry struct {
	Msg *models.StagedMessage
}

// HeadEntries reads up to limit raw entries from the head of the queue
// without removing them, decoding each one independently. Unlike Messages,
// undecodable entries are kept as nil-Msg placeholders so callers can map
// decoded messages back to raw queue positions.
func (s *Store) HeadEntries(ctx context.Context, userID string, limit int) ([]HeadEntry, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.coord.Range(ctx, coordinator.MessagesKey(userID), 0, stop)
	if err != nil {
		return nil, err
	}

	entries := make([]HeadEntry, 0, len(raw))
	for _, data := range raw {
		var msg models.StagedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Undecodable staged message in queue head",
				"user_id", userID, "error", err)
			entries = append(entries, HeadEntry{})
			continue
		}
		entries = append(entries, HeadEntry{Msg: &msg})
	}
	return entries, nil
}

// MessageCount returns the current queue length.
func (s *Store) MessageCount(ctx context.Context, userID string) (int, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	n, err := s.coord.Len(ctx, coordinator.MessagesKey(userID))
	return int(n), err
}

// PopMessages atomically removes and returns up to n head messages. The
// read and the trim execute as one server-side operation, so concurrent
// poppers always receive disjoint batches.
func (s *Store) PopMessages(ctx context.Context, userID string, n int) ([]models.StagedMessage, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.coord.PopHead(ctx, coordinator.MessagesKey(userID), int64(n))
	if err != nil {
		return nil, err
	}
	return decodeMessages(userID, raw), nil
}

// RequeueMessages pushes messages back onto the queue head in their
// original order. Used only by the optional at-least-once mode after a
// dispatch failure; interleaved appends from other pods may land behind
// the restored prefix.
func (s *Store) RequeueMessages(ctx context.Context, userID string, msgs []models.StagedMessage) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	payloads := make([][]byte, len(msgs))
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("serialize staged message: %w", err)
		}
		payloads[i] = data
	}
	key := coordinator.MessagesKey(userID)
	if err := s.coord.Prepend(ctx, key, payloads...); err != nil {
		return err
	}
	return s.coord.Expire(ctx, key, s.cfg.MessageTTL)
}

func decodeMessages(userID string, raw [][]byte) []models.StagedMessage {
	out := make([]models.StagedMessage, 0, len(raw))
	for _, data := range raw {
		var msg models.StagedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Skipping undecodable staged message",
				"user_id", userID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out
}
