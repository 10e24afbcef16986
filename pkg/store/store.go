// Package store implements the per-user coordinator state: staged message
// queues, conversation buffers, upload-status records, distributed locks,
// and the one-shot initialization flags.
//
// All state is partitioned by user ID. The store keeps nothing in process
// memory; every operation is a coordinator round-trip so that any pod
// observes the same truth.
package store

import (
	"errors"

	"github.com/mirix-ai/mirixd/pkg/config"
	"github.com/mirix-ai/mirixd/pkg/coordinator"
)

// Sentinel errors.
var (
	// ErrInvalidUserID is returned for an empty user ID. It never reaches
	// the coordinator.
	ErrInvalidUserID = errors.New("store: user_id is required")
)

// Store provides typed access to the coordinator-held per-user state.
type Store struct {
	coord *coordinator.Client
	cfg   *config.Config
}

// New creates a Store over the given coordinator client.
func New(coord *coordinator.Client, cfg *config.Config) *Store {
	return &Store{coord: coord, cfg: cfg}
}

func validateUserID(userID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	return nil
}
