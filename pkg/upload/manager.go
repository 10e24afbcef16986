// Package upload owns asynchronous large-file uploads to the external
// model-file API. Submission returns a placeholder immediately; a bounded
// worker pool performs the transfer and publishes the terminal status to
// the coordinator so that any pod can observe it.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mirix-ai/mirixd/pkg/metrics"
	"github.com/mirix-ai/mirixd/pkg/models"
)

// FileUploader transfers one local file to the external store. It is an
// external collaborator; implementations wrap the concrete file API.
type FileUploader interface {
	Upload(ctx context.Context, localPath string) (models.UploadResult, error)
}

// StatusStore is the coordinator-backed upload-status surface consumed by
// the manager (implemented by store.Store).
type StatusStore interface {
	SetUploadStatus(ctx context.Context, uploadID string, status models.UploadStatus) error
	UploadStatus(ctx context.Context, uploadID string) (models.UploadStatus, error)
	DeleteUploadStatus(ctx context.Context, uploadID string) error
}

// ErrUnknownUpload is returned by WaitLocal for an upload this pod does not
// own.
var ErrUnknownUpload = errors.New("upload: unknown upload id")

// future tracks a locally-owned in-flight upload.
type future struct {
	done   chan struct{}
	status models.UploadStatus // valid after done is closed
}

// Manager runs the per-pod upload worker pool and bookkeeping.
type Manager struct {
	uploader FileUploader
	statuses StatusStore
	sem      *semaphore.Weighted
	timeout  time.Duration

	mu          sync.Mutex
	futures     map[string]*future
	submittedAt map[string]time.Time

	wg sync.WaitGroup
}

// NewManager creates an upload manager with the given worker bound and
// per-upload timeout.
func NewManager(uploader FileUploader, statuses StatusStore, workers int, timeout time.Duration) *Manager {
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		uploader:    uploader,
		statuses:    statuses,
		sem:         semaphore.NewWeighted(int64(workers)),
		timeout:     timeout,
		futures:     make(map[string]*future),
		submittedAt: make(map[string]time.Time),
	}
}

// Submit registers a new upload and returns its Pending placeholder
// immediately. The transfer runs on the bounded pool; the terminal status
// is published to the coordinator and resolved into the local future.
func (m *Manager) Submit(ctx context.Context, localPath string, producedAt time.Time) (models.ImageRef, error) {
	if localPath == "" {
		return models.ImageRef{}, errors.New("upload: local path is required")
	}

	uploadID := uuid.NewString()
	filename := filepath.Base(localPath)

	fut := &future{done: make(chan struct{})}
	m.mu.Lock()
	m.futures[uploadID] = fut
	m.submittedAt[uploadID] = time.Now()
	m.mu.Unlock()

	// Best-effort pending record; late readers on other pods see "pending"
	// instead of "unknown" while the transfer runs.
	pending := models.UploadStatus{
		State:    models.UploadStatePending,
		Filename: filename,
		Unix:     producedAt.Unix(),
	}
	if err := m.statuses.SetUploadStatus(ctx, uploadID, pending); err != nil {
		slog.Warn("Failed to publish pending upload status",
			"upload_id", uploadID, "error", err)
	}

	m.wg.Add(1)
	go m.run(uploadID, localPath, filename)

	return models.PendingRef(uploadID, filename), nil
}

// run performs one upload under the pool semaphore and resolves the future.
func (m *Manager) run(uploadID, localPath, filename string) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.complete(uploadID, models.UploadStatus{
			State:    models.UploadStateFailed,
			Filename: filename,
			Unix:     time.Now().Unix(),
		})
		slog.Error("Upload timed out waiting for a worker slot",
			"upload_id", uploadID, "path", localPath)
		return
	}
	defer m.sem.Release(1)

	result, err := m.uploader.Upload(ctx, localPath)
	status := models.UploadStatus{Filename: filename, Unix: time.Now().Unix()}
	if err != nil {
		status.State = models.UploadStateFailed
		slog.Error("Upload failed", "upload_id", uploadID, "path", localPath, "error", err)
	} else {
		status.State = models.UploadStateCompleted
		status.Result = &result
	}
	m.complete(uploadID, status)
}

// complete publishes the terminal status and resolves the local future.
func (m *Manager) complete(uploadID string, status models.UploadStatus) {
	metrics.Uploads.WithLabelValues(string(status.State)).Inc()

	// Coordinator publish failure does not block local resolution: the
	// submitting pod can still absorb using its in-process future.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.statuses.SetUploadStatus(ctx, uploadID, status); err != nil {
		slog.Warn("Failed to publish terminal upload status",
			"upload_id", uploadID, "state", status.State, "error", err)
	}

	m.mu.Lock()
	fut, ok := m.futures[uploadID]
	m.mu.Unlock()
	if ok {
		fut.status = status
		close(fut.done)
	}
}

// Resolve determines the status of a Pending reference. The coordinator
// record wins; the local future is a fallback for coordinator publish
// failures on the owning pod. An upload neither recorded nor owned is
// Unknown, which callers treat as terminal failure.
func (m *Manager) Resolve(ctx context.Context, ref models.ImageRef) (models.UploadStatus, error) {
	if ref.Kind != models.ImageKindPending {
		return models.UploadStatus{}, fmt.Errorf("upload: resolve called on %s ref", ref.Kind)
	}

	status, err := m.statuses.UploadStatus(ctx, ref.UploadID)
	if err != nil {
		return models.UploadStatus{}, err
	}
	if status.State.Terminal() && status.State != models.UploadStateUnknown {
		return status, nil
	}

	m.mu.Lock()
	fut, owned := m.futures[ref.UploadID]
	m.mu.Unlock()
	if owned {
		select {
		case <-fut.done:
			return fut.status, nil
		default:
			return models.UploadStatus{State: models.UploadStatePending, Filename: ref.Filename}, nil
		}
	}

	if status.State == models.UploadStatePending {
		return status, nil
	}
	return models.UploadStatus{State: models.UploadStateUnknown}, nil
}

// WaitLocal blocks until a locally-owned upload reaches a terminal state or
// the context expires. Only valid on the submitting pod.
func (m *Manager) WaitLocal(ctx context.Context, uploadID string) (models.UploadStatus, error) {
	m.mu.Lock()
	fut, ok := m.futures[uploadID]
	m.mu.Unlock()
	if !ok {
		return models.UploadStatus{}, ErrUnknownUpload
	}
	select {
	case <-fut.done:
		return fut.status, nil
	case <-ctx.Done():
		return models.UploadStatus{}, ctx.Err()
	}
}

// Release drops local bookkeeping for a resolved upload. The coordinator
// status record remains until its TTL to serve late readers.
func (m *Manager) Release(uploadID string) {
	m.mu.Lock()
	delete(m.futures, uploadID)
	delete(m.submittedAt, uploadID)
	m.mu.Unlock()
}

// Stop waits for all in-flight uploads to finish.
func (m *Manager) Stop() {
	m.wg.Wait()
}

// Summary describes the pod-local upload bookkeeping, for debugging.
type Summary struct {
	InFlight int       `json:"in_flight"`
	Oldest   time.Time `json:"oldest_submission,omitzero"`
}

// StatusSummary reports the local bookkeeping state.
func (m *Manager) StatusSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := Summary{}
	for id, fut := range m.futures {
		select {
		case <-fut.done:
		default:
			sum.InFlight++
			if t, ok := m.submittedAt[id]; ok && (sum.Oldest.IsZero() || t.Before(sum.Oldest)) {
				sum.Oldest = t
			}
		}
	}
	return sum
}
