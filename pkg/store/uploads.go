package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mirix-ai/mirixd/pkg/coordinator"
	"github.com/mirix-ai/mirixd/pkg/models"
)

// SetUploadStatus publishes an upload status record so that any pod can
// observe the outcome. The record expires after the configured TTL.
func (s *Store) SetUploadStatus(ctx context.Context, uploadID string, status models.UploadStatus) error {
	if uploadID == "" {
		return errors.New("store: upload_id is required")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("serialize upload status: %w", err)
	}
	return s.coord.SetEx(ctx, coordinator.UploadStatusKey(uploadID), data, s.cfg.UploadStatusTTL)
}

// UploadStatus reads an upload status record. An absent key (never created,
// or evicted by TTL) yields state Unknown, which readers treat as terminal
// failure. A raw placeholder is never assumed recoverable.
func (s *Store) UploadStatus(ctx context.Context, uploadID string) (models.UploadStatus, error) {
	if uploadID == "" {
		return models.UploadStatus{}, errors.New("store: upload_id is required")
	}
	data, err := s.coord.Get(ctx, coordinator.UploadStatusKey(uploadID))
	if errors.Is(err, coordinator.ErrNotFound) {
		return models.UploadStatus{State: models.UploadStateUnknown}, nil
	}
	if err != nil {
		return models.UploadStatus{}, err
	}
	var status models.UploadStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return models.UploadStatus{}, fmt.Errorf("decode upload status %s: %w", uploadID, err)
	}
	return status, nil
}

// DeleteUploadStatus removes an upload status record before its TTL.
func (s *Store) DeleteUploadStatus(ctx context.Context, uploadID string) error {
	if uploadID == "" {
		return errors.New("store: upload_id is required")
	}
	return s.coord.Del(ctx, coordinator.UploadStatusKey(uploadID))
}
