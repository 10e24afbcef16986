// Package accumulator implements the temporary message accumulator: it
// stages incoming multimodal content per user, watches for absorption
// readiness, and drains ready batches into the memory agent layer.
package accumulator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirix-ai/mirixd/pkg/config"
	"github.com/mirix-ai/mirixd/pkg/dispatch"
	"github.com/mirix-ai/mirixd/pkg/models"
	"github.com/mirix-ai/mirixd/pkg/prompt"
	"github.com/mirix-ai/mirixd/pkg/store"
	"github.com/mirix-ai/mirixd/pkg/upload"
)

// Transcriber turns persisted voice segments into text. It is an external
// collaborator; when absent, absorbed prompts carry a segment-count
// placeholder instead of a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, paths []string) (string, error)
}

// AppendInput is one unit of content to stage for a user.
type AppendInput struct {
	// Timestamp is the producer-assigned capture time (RFC 3339). Empty
	// means "now".
	Timestamp string

	// Text is optional natural-language content.
	Text string

	// ImagePaths are local files captured alongside the text.
	ImagePaths []string

	// Sources optionally labels each image's origin application, parallel
	// to ImagePaths.
	Sources []string

	// AudioB64 holds base64-encoded audio chunks. They are decoded to the
	// per-pod voice workspace; only the count crosses the coordinator.
	AudioB64 []string

	// DeleteAfterUpload requests best-effort removal of the local image
	// files once their uploads resolve.
	DeleteAfterUpload bool

	// AsyncUpload submits images through the upload manager, staging
	// Pending placeholders. When false, images are staged as local refs.
	AsyncUpload bool
}

// cleanupTask waits for a message's uploads to resolve, then removes its
// local source files.
type cleanupTask struct {
	uploadIDs []string
	paths     []string
}

// Accumulator stages content and runs absorption cycles.
type Accumulator struct {
	cfg         *config.Config
	store       *store.Store
	uploads     *upload.Manager
	builder     *prompt.Builder
	dispatcher  *dispatch.Dispatcher
	transcriber Transcriber

	cleanupCh chan cleanupTask
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates an accumulator and starts its background cleanup workers.
// transcriber may be nil.
func New(cfg *config.Config, st *store.Store, uploads *upload.Manager, dispatcher *dispatch.Dispatcher, transcriber Transcriber) *Accumulator {
	a := &Accumulator{
		cfg:         cfg,
		store:       st,
		uploads:     uploads,
		builder:     prompt.NewBuilder(),
		dispatcher:  dispatcher,
		transcriber: transcriber,
		cleanupCh:   make(chan cleanupTask, 64),
		stopCh:      make(chan struct{}),
	}
	for i := 0; i < cfg.CleanupWorkers; i++ {
		a.wg.Add(1)
		go a.cleanupWorker()
	}
	return a
}

// Stop drains the cleanup pool and waits for workers to exit.
func (a *Accumulator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()
}

// Append stages one unit of content for a user: images are submitted for
// upload or kept as local refs, audio is decoded to the voice workspace,
// and the normalized message is appended to the user's queue.
func (a *Accumulator) Append(ctx context.Context, userID string, input AppendInput) error {
	// Validate before any side effect: a rejected append must leave no
	// upload, no coordinator record, and no file behind.
	if userID == "" {
		return store.ErrInvalidUserID
	}

	msg := models.StagedMessage{
		Timestamp:         input.Timestamp,
		Text:              input.Text,
		Sources:           input.Sources,
		DeleteAfterUpload: input.DeleteAfterUpload,
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	var uploadIDs []string
	for _, path := range input.ImagePaths {
		if input.AsyncUpload {
			ref, err := a.uploads.Submit(ctx, path, time.Now())
			if err != nil {
				return fmt.Errorf("submit upload for %s: %w", path, err)
			}
			msg.Images = append(msg.Images, ref)
			uploadIDs = append(uploadIDs, ref.UploadID)
		} else {
			msg.Images = append(msg.Images, models.LocalRef(path))
		}
	}

	if len(input.AudioB64) > 0 {
		n, err := a.persistAudio(userID, msg.Timestamp, input.AudioB64)
		if err != nil {
			slog.Error("Failed to persist audio segments",
				"user_id", userID, "error", err)
		}
		msg.AudioCount = n
	}

	if err := a.store.AppendMessage(ctx, userID, msg); err != nil {
		return err
	}

	if input.DeleteAfterUpload && len(uploadIDs) > 0 {
		a.scheduleCleanup(cleanupTask{uploadIDs: uploadIDs, paths: input.ImagePaths})
	}
	return nil
}

// AppendConversation buffers one user/assistant exchange for splicing into
// the next absorbed prompt.
func (a *Accumulator) AppendConversation(ctx context.Context, userID, userTurn, assistantTurn string) error {
	return a.store.AppendConversation(ctx, userID, userTurn, assistantTurn)
}

// persistAudio decodes base64 chunks into the message's segment directory
// and returns the number of segments written. Chunks that fail to decode
// are skipped.
func (a *Accumulator) persistAudio(userID, timestamp string, chunks []string) (int, error) {
	dir := a.msgVoiceDir(userID, timestamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create voice workspace: %w", err)
	}
	written := 0
	for i, chunk := range chunks {
		data, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			slog.Warn("Skipping undecodable audio chunk",
				"user_id", userID, "index", i, "error", err)
			continue
		}
		path := filepath.Join(dir, uuid.NewString()+".bin")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return written, fmt.Errorf("write audio segment: %w", err)
		}
		written++
	}
	return written, nil
}

// voiceDir is where a user's not-yet-absorbed audio segments live on this
// pod.
func (a *Accumulator) voiceDir(userID string) string {
	root := a.cfg.VoiceWorkspace
	if root == "" {
		root = filepath.Join(os.TempDir(), "mirixd-voice")
	}
	return filepath.Join(root, userID)
}

// msgVoiceDir holds one message's segments, keyed by its timestamp, so an
// absorption cycle stages only the audio of the messages it popped.
// Messages sharing a timestamp share a directory.
func (a *Accumulator) msgVoiceDir(userID, timestamp string) string {
	return filepath.Join(a.voiceDir(userID), "msg-"+strings.ReplaceAll(timestamp, ":", "-"))
}

// scheduleCleanup enqueues a cleanup task without blocking; a full queue
// drops the task, leaving the files for an operator sweep.
func (a *Accumulator) scheduleCleanup(task cleanupTask) {
	select {
	case a.cleanupCh <- task:
	default:
		slog.Warn("Cleanup queue full, local files will not be auto-removed",
			"paths", task.paths)
	}
}

// cleanupWorker waits for a message's uploads to resolve, then removes its
// local source files. Best effort throughout.
func (a *Accumulator) cleanupWorker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			return
		case task := <-a.cleanupCh:
			a.runCleanup(task)
		}
	}
}

func (a *Accumulator) runCleanup(task cleanupTask) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.UploadTimeout)
	defer cancel()

	for _, id := range task.uploadIDs {
		if _, err := a.uploads.WaitLocal(ctx, id); err != nil {
			if !errors.Is(err, upload.ErrUnknownUpload) {
				slog.Warn("Gave up waiting for upload before cleanup",
					"upload_id", id, "error", err)
				return
			}
		}
	}
	for _, path := range task.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove local source file", "path", path, "error", err)
		}
	}
}
