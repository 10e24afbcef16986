package accumulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mirix-ai/mirixd/pkg/dispatch"
	"github.com/mirix-ai/mirixd/pkg/metrics"
	"github.com/mirix-ai/mirixd/pkg/models"
)

// BatchPreview is a non-destructive snapshot of the ready head of a user's
// queue, produced by ShouldAbsorb and optionally handed back to Absorb.
type BatchPreview struct {
	// Messages is the ready prefix with completed uploads substituted and
	// failed ones dropped.
	Messages []models.StagedMessage

	// Count is the number of raw queue entries the prefix covers. It can
	// exceed len(Messages) when undecodable entries sit inside the head;
	// popping Count entries discards them together with the batch.
	Count int
}

// ShouldAbsorb walks the head of the user's queue in order and reports
// whether a ready prefix of at least threshold length exists. A message
// whose upload is still pending halts the walk: later ready messages never
// jump the temporal order.
func (a *Accumulator) ShouldAbsorb(ctx context.Context, userID string) (*BatchPreview, error) {
	preview, err := a.readyPrefix(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(preview.Messages) < a.cfg.Threshold {
		return nil, nil
	}
	return preview, nil
}

// readyPrefix computes the ready head of the queue regardless of threshold.
// Undecodable entries join the prefix without contributing a message, so
// the pop window matches the previewed queue positions exactly.
func (a *Accumulator) readyPrefix(ctx context.Context, userID string) (*BatchPreview, error) {
	entries, err := a.store.HeadEntries(ctx, userID, a.cfg.MaxMessages)
	if err != nil {
		return nil, err
	}

	preview := &BatchPreview{}
	for _, entry := range entries {
		if entry.Msg == nil {
			preview.Count++
			continue
		}
		resolved, blocked, err := a.resolveMessage(ctx, entry.Msg)
		if err != nil {
			return nil, err
		}
		if blocked {
			break
		}
		preview.Messages = append(preview.Messages, resolved)
		preview.Count++
	}
	return preview, nil
}

// resolveMessage substitutes the message's pending refs: completed becomes
// remote, failed or unknown is dropped. blocked reports a still-running
// upload, which must halt the readiness walk.
func (a *Accumulator) resolveMessage(ctx context.Context, msg *models.StagedMessage) (models.StagedMessage, bool, error) {
	out := *msg
	out.Images = nil
	out.Sources = nil

	for idx, ref := range msg.Images {
		source := msg.SourceFor(idx)

		if ref.Kind != models.ImageKindPending {
			out.Images = append(out.Images, ref)
			out.Sources = append(out.Sources, source)
			continue
		}

		status, err := a.uploads.Resolve(ctx, ref)
		if err != nil {
			return models.StagedMessage{}, false, err
		}
		switch status.State {
		case models.UploadStatePending:
			return models.StagedMessage{}, true, nil
		case models.UploadStateCompleted:
			remote, ok := status.RemoteRef()
			if !ok {
				slog.Warn("Completed upload carries no usable result, dropping image",
					"upload_id", ref.UploadID, "filename", ref.Filename)
				continue
			}
			out.Images = append(out.Images, remote)
			out.Sources = append(out.Sources, source)
		default:
			// Failed or unknown: the image is gone for good.
			slog.Warn("Dropping image with failed or unknown upload",
				"upload_id", ref.UploadID, "filename", ref.Filename,
				"state", status.State)
		}
	}
	return out, false, nil
}

// Absorb drains the ready prefix of a user's queue into the agent layer.
// Contention with another pod is not an error: the call logs and returns
// false. preview may carry a recent ShouldAbsorb result; nil recomputes
// under the lock.
func (a *Accumulator) Absorb(ctx context.Context, userID string, preview *BatchPreview) (bool, error) {
	acquired, err := a.store.AcquireAbsorbLock(ctx, userID)
	if err != nil {
		return false, err
	}
	if !acquired {
		metrics.AbsorbLockContention.Inc()
		slog.Debug("Absorption lock held elsewhere, skipping cycle", "user_id", userID)
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.ReleaseAbsorbLock(releaseCtx, userID); err != nil {
			slog.Warn("Failed to release absorption lock",
				"user_id", userID, "error", err)
		}
	}()

	absorbed, err := a.absorbLocked(ctx, userID, preview)
	if err != nil {
		if !errors.Is(err, dispatch.ErrNoAgentSucceeded) {
			metrics.Absorptions.WithLabelValues("error").Inc()
		}
		return false, err
	}
	if absorbed {
		metrics.Absorptions.WithLabelValues("success").Inc()
	}
	return absorbed, nil
}

// absorbLocked runs one cycle while holding the absorption lock.
func (a *Accumulator) absorbLocked(ctx context.Context, userID string, preview *BatchPreview) (bool, error) {
	if preview == nil {
		p, err := a.readyPrefix(ctx, userID)
		if err != nil {
			return false, err
		}
		if len(p.Messages) < a.cfg.Threshold {
			return false, nil
		}
		preview = p
	}

	// The pop is the commit point: from here the batch exists only in this
	// process (plus the optional requeue below).
	popped, err := a.store.PopMessages(ctx, userID, preview.Count)
	if err != nil {
		return false, err
	}
	if len(popped) == 0 {
		return false, nil
	}

	cycleID := uuid.NewString()
	batch := a.buildBatch(ctx, userID, cycleID, popped)

	conversations, err := a.store.Conversations(ctx, userID)
	if err != nil {
		slog.Warn("Failed to read buffered conversations, absorbing without them",
			"user_id", userID, "error", err)
		conversations = nil
	}

	parts, withConversation := a.builder.Assemble(
		batch.messages, batch.transcription, conversations, a.cfg.SkipMetaCoordinator)

	_, err = a.dispatcher.Dispatch(ctx, &dispatch.Batch{
		Parts: parts,
		Metadata: dispatch.Metadata{
			CycleID:      cycleID,
			MessageCount: len(batch.messages),
			FileURIs:     batch.fileURIs,
		},
	}, userID)
	if err != nil {
		metrics.Absorptions.WithLabelValues("dispatch_failed").Inc()
		if a.cfg.RequeueOnDispatchFailure {
			if rqErr := a.store.RequeueMessages(ctx, userID, popped); rqErr != nil {
				slog.Error("Failed to requeue batch after dispatch failure",
					"user_id", userID, "count", len(popped), "error", rqErr)
			}
		}
		return false, fmt.Errorf("dispatch batch for user %s: %w", userID, err)
	}

	a.finishCycle(ctx, userID, batch, withConversation)
	return true, nil
}

// cycleBatch is the working state of one absorption cycle.
type cycleBatch struct {
	messages      []models.StagedMessage
	transcription string
	fileURIs      []string
	uploadIDs     []string
	localPaths    []string // delete-after-upload sources
	voiceDir      string   // per-cycle audio staging, empty when no audio
}

// buildBatch resolves the popped prefix and stages this cycle's audio.
// Resolution errors degrade to dropped images rather than failing the
// cycle; the batch is already popped.
func (a *Accumulator) buildBatch(ctx context.Context, userID, cycleID string, popped []models.StagedMessage) *cycleBatch {
	batch := &cycleBatch{}
	audioCount := 0

	for i := range popped {
		msg := &popped[i]
		for _, ref := range msg.Images {
			if ref.Kind == models.ImageKindPending {
				batch.uploadIDs = append(batch.uploadIDs, ref.UploadID)
			}
		}

		resolved, blocked, err := a.resolveMessage(ctx, msg)
		if err != nil || blocked {
			// A ref that slipped back to pending or failed to resolve is
			// dropped; its text still rides along.
			slog.Warn("Dropping unresolved images from popped message",
				"user_id", userID, "timestamp", msg.Timestamp, "error", err)
			resolved = *msg
			resolved.Images, resolved.Sources = nil, nil
		}
		batch.messages = append(batch.messages, resolved)

		for _, ref := range resolved.Images {
			if ref.Kind == models.ImageKindRemote {
				batch.fileURIs = append(batch.fileURIs, ref.URI)
			}
		}
		if msg.DeleteAfterUpload {
			for _, ref := range msg.Images {
				if ref.Kind == models.ImageKindLocal {
					batch.localPaths = append(batch.localPaths, ref.Path)
				}
			}
		}
		audioCount += msg.AudioCount
	}

	if audioCount > 0 {
		batch.transcription, batch.voiceDir = a.stageVoice(ctx, userID, cycleID, popped, audioCount)
	}
	return batch
}

// stageVoice moves the popped messages' audio segments into a per-cycle
// directory and transcribes them. Only segment directories belonging to the
// batch are touched; audio of still-queued messages stays in place. Audio
// decoded on another pod is not on this disk; the transcript then falls
// back to a count placeholder.
func (a *Accumulator) stageVoice(ctx context.Context, userID, cycleID string, popped []models.StagedMessage, audioCount int) (string, string) {
	placeholder := fmt.Sprintf("[%d voice segments were recorded but no transcript is available]", audioCount)

	cycleDir := filepath.Join(a.voiceDir(userID), "cycle-"+cycleID)
	if err := os.MkdirAll(cycleDir, 0o755); err != nil {
		slog.Warn("Failed to create cycle voice directory", "user_id", userID, "error", err)
		return placeholder, ""
	}

	var paths []string
	for i := range popped {
		msg := &popped[i]
		if msg.AudioCount == 0 {
			continue
		}
		msgDir := a.msgVoiceDir(userID, msg.Timestamp)
		entries, err := os.ReadDir(msgDir)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Failed to read message segment directory",
					"path", msgDir, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			src := filepath.Join(msgDir, entry.Name())
			dst := filepath.Join(cycleDir, entry.Name())
			if err := os.Rename(src, dst); err != nil {
				slog.Warn("Failed to stage voice segment", "path", src, "error", err)
				continue
			}
			paths = append(paths, dst)
		}
		if err := os.Remove(msgDir); err != nil {
			slog.Warn("Failed to remove emptied segment directory",
				"path", msgDir, "error", err)
		}
	}
	if len(paths) == 0 || a.transcriber == nil {
		return placeholder, cycleDir
	}

	transcript, err := a.transcriber.Transcribe(ctx, paths)
	if err != nil {
		slog.Error("Voice transcription failed", "user_id", userID, "error", err)
		return placeholder, cycleDir
	}
	return transcript, cycleDir
}

// finishCycle performs post-dispatch housekeeping. Everything here is best
// effort; the batch has already been delivered.
func (a *Accumulator) finishCycle(ctx context.Context, userID string, batch *cycleBatch, withConversation bool) {
	if withConversation {
		if err := a.store.ClearConversations(ctx, userID); err != nil {
			slog.Warn("Failed to clear absorbed conversations",
				"user_id", userID, "error", err)
		}
	}
	for _, id := range batch.uploadIDs {
		a.uploads.Release(id)
	}
	if len(batch.localPaths) > 0 {
		a.scheduleCleanup(cleanupTask{paths: batch.localPaths})
	}
	if batch.voiceDir != "" {
		if err := os.RemoveAll(batch.voiceDir); err != nil {
			slog.Warn("Failed to remove cycle voice directory",
				"path", batch.voiceDir, "error", err)
		}
	}
}
