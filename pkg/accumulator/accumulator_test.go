package accumulator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirix-ai/mirixd/pkg/config"
	"github.com/mirix-ai/mirixd/pkg/coordinator"
	"github.com/mirix-ai/mirixd/pkg/dispatch"
	"github.com/mirix-ai/mirixd/pkg/models"
	"github.com/mirix-ai/mirixd/pkg/store"
	"github.com/mirix-ai/mirixd/pkg/upload"
)

// fakeUploader resolves uploads on demand.
type fakeUploader struct {
	mu      sync.Mutex
	gate    chan struct{} // when set, uploads block until closed
	failure error
}

func (f *fakeUploader) Upload(ctx context.Context, localPath string) (models.UploadResult, error) {
	f.mu.Lock()
	gate := f.gate
	failure := f.failure
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.UploadResult{}, ctx.Err()
		}
	}
	if failure != nil {
		return models.UploadResult{}, failure
	}
	return models.UploadResult{
		Type: models.UploadResultTypeGoogleCloud,
		URI:  "files/" + filepath.Base(localPath),
		Name: filepath.Base(localPath),
	}, nil
}

// captureAgent records dispatched batches.
type captureAgent struct {
	mu      sync.Mutex
	batches []*dispatch.Batch
	err     error
}

func (c *captureAgent) Handle(ctx context.Context, batch *dispatch.Batch, userID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return "", c.err
}

func (c *captureAgent) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureAgent) lastParts() []models.ContentPart {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return nil
	}
	return c.batches[len(c.batches)-1].Parts
}

func (c *captureAgent) lastMetadata() dispatch.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return dispatch.Metadata{}
	}
	return c.batches[len(c.batches)-1].Metadata
}

// fixedTranscriber returns a canned transcript.
type fixedTranscriber struct {
	transcript string
	paths      []string
}

func (f *fixedTranscriber) Transcribe(ctx context.Context, paths []string) (string, error) {
	f.paths = paths
	return f.transcript, nil
}

type fixture struct {
	cfg      *config.Config
	st       *store.Store
	uploads  *upload.Manager
	uploader *fakeUploader
	agent    *captureAgent
	acc      *Accumulator
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T, mutate func(cfg *config.Config), transcriber Transcriber) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Default()
	cfg.Threshold = 3
	cfg.VoiceWorkspace = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	st := store.New(coordinator.NewClientFromRedis(rdb), cfg)
	uploader := &fakeUploader{}
	uploads := upload.NewManager(uploader, st, cfg.UploadWorkers, cfg.UploadTimeout)
	t.Cleanup(uploads.Stop)

	agent := &captureAgent{}
	dispatcher := dispatch.New(agent, nil, cfg.DispatchConcurrency, false)

	acc := New(cfg, st, uploads, dispatcher, transcriber)
	t.Cleanup(acc.Stop)

	return &fixture{cfg: cfg, st: st, uploads: uploads, uploader: uploader, agent: agent, acc: acc, mr: mr}
}

func (f *fixture) appendTexts(t *testing.T, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := f.acc.Append(context.Background(), userID, AppendInput{
			Timestamp: fmt.Sprintf("2026-08-24T10:00:%02dZ", i),
			Text:      fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
	}
}

func allText(parts []models.ContentPart) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == models.PartTypeText {
			sb.WriteString(p.Text)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func TestShouldAbsorbBelowThreshold(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.appendTexts(t, "u1", f.cfg.Threshold-1)
	preview, err := f.acc.ShouldAbsorb(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, preview)

	f.appendTexts(t, "u1", 1)
	preview, err = f.acc.ShouldAbsorb(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, preview)
	assert.Equal(t, f.cfg.Threshold, preview.Count)
}

func TestAbsorbDrainsQueueAndDispatchesOnce(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.appendTexts(t, "u1", f.cfg.Threshold)

	absorbed, err := f.acc.Absorb(ctx, "u1", nil)
	require.NoError(t, err)
	assert.True(t, absorbed)
	assert.Equal(t, 1, f.agent.count())

	n, err := f.st.MessageCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Nothing left: a second absorb is a no-op.
	absorbed, err = f.acc.Absorb(ctx, "u1", nil)
	require.NoError(t, err)
	assert.False(t, absorbed)
	assert.Equal(t, 1, f.agent.count())
}

func TestAbsorbSkipsOnLockContention(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.appendTexts(t, "u1", f.cfg.Threshold)

	// Another pod holds the lock.
	held, err := f.st.AcquireAbsorbLock(ctx, "u1")
	require.NoError(t, err)
	require.True(t, held)

	absorbed, err := f.acc.Absorb(ctx, "u1", nil)
	require.NoError(t, err)
	assert.False(t, absorbed)
	assert.Zero(t, f.agent.count())

	n, err := f.st.MessageCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, f.cfg.Threshold, n, "contended absorb must leave the queue intact")

	// Lock released: absorption proceeds.
	require.NoError(t, f.st.ReleaseAbsorbLock(ctx, "u1"))
	absorbed, err = f.acc.Absorb(ctx, "u1", nil)
	require.NoError(t, err)
	assert.True(t, absorbed)
}

func TestPendingUploadBlocksWindow(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.uploader.gate = make(chan struct{})

	img := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))

	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp:   "2026-08-24T09:59:59Z",
		ImagePaths:  []string{img},
		Sources:     []string{"Chrome"},
		AsyncUpload: true,
	}))
	f.appendTexts(t, "u1", f.cfg.Threshold+2)

	// The head message's upload is still running: no prefix is ready even
	// though enough later messages are.
	preview, err := f.acc.ShouldAbsorb(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, preview)

	f.uploader.mu.Lock()
	close(f.uploader.gate)
	f.uploader.gate = nil
	f.uploader.mu.Unlock()

	require.Eventually(t, func() bool {
		preview, err = f.acc.ShouldAbsorb(ctx, "u1")
		return err == nil && preview != nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, f.cfg.Threshold+3, preview.Count)

	// The completed upload was substituted with its remote reference.
	require.NotEmpty(t, preview.Messages[0].Images)
	assert.Equal(t, models.ImageKindRemote, preview.Messages[0].Images[0].Kind)
	assert.Equal(t, "files/shot.png", preview.Messages[0].Images[0].URI)
}

func TestFailedUploadDroppedNotBlocking(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.uploader.failure = errors.New("quota exceeded")

	img := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))

	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp:   "2026-08-24T09:59:59Z",
		Text:        "caption",
		ImagePaths:  []string{img},
		AsyncUpload: true,
	}))
	f.appendTexts(t, "u1", f.cfg.Threshold-1)

	var preview *BatchPreview
	require.Eventually(t, func() bool {
		p, err := f.acc.ShouldAbsorb(ctx, "u1")
		preview = p
		return err == nil && p != nil
	}, time.Second, 10*time.Millisecond,
		"a failed upload must not block readiness")

	require.Equal(t, f.cfg.Threshold, preview.Count)
	assert.Empty(t, preview.Messages[0].Images, "failed image must be dropped")
	assert.Equal(t, "caption", preview.Messages[0].Text, "text must survive the drop")

	absorbed, err := f.acc.Absorb(ctx, "u1", preview)
	require.NoError(t, err)
	assert.True(t, absorbed)
	assert.NotContains(t, allText(f.agent.lastParts()), "screenshots")
}

func TestMixedUploadOutcomesKeepCompletedImage(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	// Message staged by another pod: two uploads, one completed, one failed.
	require.NoError(t, f.st.AppendMessage(ctx, "u1", models.StagedMessage{
		Timestamp: "2026-08-24T09:59:59Z",
		Text:      "two shots",
		Images: []models.ImageRef{
			models.PendingRef("ok-id", "a.png"),
			models.PendingRef("bad-id", "b.png"),
		},
		Sources: []string{"Chrome", "Chrome"},
	}))
	require.NoError(t, f.st.SetUploadStatus(ctx, "ok-id", models.UploadStatus{
		State:    models.UploadStateCompleted,
		Filename: "a.png",
		Result: &models.UploadResult{
			Type: models.UploadResultTypeGoogleCloud,
			URI:  "files/a.png",
		},
	}))
	require.NoError(t, f.st.SetUploadStatus(ctx, "bad-id", models.UploadStatus{
		State:    models.UploadStateFailed,
		Filename: "b.png",
	}))
	f.appendTexts(t, "u1", f.cfg.Threshold-1)

	preview, err := f.acc.ShouldAbsorb(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, preview)
	require.Len(t, preview.Messages[0].Images, 1)
	assert.Equal(t, "files/a.png", preview.Messages[0].Images[0].URI)

	absorbed, err := f.acc.Absorb(ctx, "u1", preview)
	require.NoError(t, err)
	require.True(t, absorbed)

	parts := f.agent.lastParts()
	var uris []string
	for _, p := range parts {
		if p.Type == models.PartTypeRemoteURI {
			uris = append(uris, p.RemoteURI)
		}
	}
	assert.Equal(t, []string{"files/a.png"}, uris)
	assert.Contains(t, allText(parts), "two shots")
	assert.Contains(t, allText(parts), "These are the screenshots from Chrome:")
}

func TestAbsorbSplicesAndClearsConversations(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.acc.AppendConversation(ctx, "u1", "what is this?", "a dashboard"))
	f.appendTexts(t, "u1", f.cfg.Threshold)

	absorbed, err := f.acc.Absorb(ctx, "u1", nil)
	require.NoError(t, err)
	require.True(t, absorbed)

	text := allText(f.agent.lastParts())
	assert.Contains(t, text, "conversations between the user and the Chat Agent")
	assert.Contains(t, text, "role: user; content: what is this?")
	assert.Contains(t, text, "role: assistant; content: a dashboard")

	n, err := f.st.ConversationCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n, "spliced conversations must be cleared")
}

func TestAbsorbWithoutConversationsKeepsBufferUntouched(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.appendTexts(t, "u1", f.cfg.Threshold)

	absorbed, err := f.acc.Absorb(ctx, "u1", nil)
	require.NoError(t, err)
	require.True(t, absorbed)
	assert.NotContains(t, allText(f.agent.lastParts()), "Chat Agent")
}

func TestDispatchFailureAtMostOnce(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.agent.err = errors.New("agent down")
	f.appendTexts(t, "u1", f.cfg.Threshold)

	absorbed, err := f.acc.Absorb(ctx, "u1", nil)
	assert.Error(t, err)
	assert.False(t, absorbed)

	n, err := f.st.MessageCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n, "default mode drops the failed batch")
}

func TestDispatchFailureRequeues(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RequeueOnDispatchFailure = true
	}, nil)
	ctx := context.Background()

	f.agent.err = errors.New("agent down")
	f.appendTexts(t, "u1", f.cfg.Threshold)

	absorbed, err := f.acc.Absorb(ctx, "u1", nil)
	assert.Error(t, err)
	assert.False(t, absorbed)

	msgs, err := f.st.Messages(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, f.cfg.Threshold, "requeue mode restores the batch")
	assert.Equal(t, "m0", msgs[0].Text, "head order preserved")

	// Recovery: agent back up, same batch absorbs cleanly.
	f.agent.err = nil
	absorbed, err = f.acc.Absorb(ctx, "u1", nil)
	require.NoError(t, err)
	assert.True(t, absorbed)
}

func TestAbsorbTranscribesStagedAudio(t *testing.T) {
	tr := &fixedTranscriber{transcript: "turn it down please"}
	f := newFixture(t, nil, tr)
	ctx := context.Background()

	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp: "2026-08-24T10:00:00Z",
		Text:      "with audio",
		AudioB64:  []string{"aGVsbG8=", "d29ybGQ="},
	}))
	f.appendTexts(t, "u1", f.cfg.Threshold-1)

	absorbed, err := f.acc.Absorb(ctx, "u1", nil)
	require.NoError(t, err)
	require.True(t, absorbed)

	assert.Len(t, tr.paths, 2, "both decoded segments must reach the transcriber")
	assert.Contains(t, allText(f.agent.lastParts()),
		"The following are the voice recordings and their transcriptions:\nturn it down please")

	// Cycle staging directory is removed after a successful absorb.
	entries, err := os.ReadDir(filepath.Join(f.cfg.VoiceWorkspace, "u1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAbsorbAudioWithoutTranscriber(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp: "2026-08-24T10:00:00Z",
		AudioB64:  []string{"aGVsbG8="},
	}))
	f.appendTexts(t, "u1", f.cfg.Threshold-1)

	absorbed, err := f.acc.Absorb(ctx, "u1", nil)
	require.NoError(t, err)
	require.True(t, absorbed)
	assert.Contains(t, allText(f.agent.lastParts()), "voice segments were recorded")
}

func TestDeleteAfterUploadCleanup(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	img := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))

	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp:         "2026-08-24T10:00:00Z",
		ImagePaths:        []string{img},
		AsyncUpload:       true,
		DeleteAfterUpload: true,
	}))

	assert.Eventually(t, func() bool {
		_, err := os.Stat(img)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond,
		"source file should be removed once the upload resolves")
}

func TestRecentImages(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC)

	fresh := now.Add(-10 * time.Second).Format(time.RFC3339)
	stale := now.Add(-5 * time.Minute).Format(time.RFC3339)

	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp:  stale,
		ImagePaths: []string{"/tmp/old.png"},
		Sources:    []string{"Chrome"},
	}))
	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp:  fresh,
		ImagePaths: []string{"/tmp/new.png"},
		Sources:    []string{"Slack"},
	}))
	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp: fresh,
		Text:      "no image",
	}))

	images, err := f.acc.RecentImages(ctx, "u1", now)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "/tmp/new.png", images[0].Ref.Path)
	assert.Equal(t, "Slack", images[0].Source)
	assert.Equal(t, fresh, images[0].Timestamp)
}

func TestRecentImagesSubstitutesCompletedUploads(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	img := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))

	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp:   now.Format(time.RFC3339),
		ImagePaths:  []string{img},
		AsyncUpload: true,
	}))

	require.Eventually(t, func() bool {
		images, err := f.acc.RecentImages(ctx, "u1", now)
		return err == nil && len(images) == 1 &&
			images[0].Ref.Kind == models.ImageKindRemote
	}, time.Second, 10*time.Millisecond)
}

func TestAppendRejectsEmptyUserID(t *testing.T) {
	f := newFixture(t, nil, nil)
	err := f.acc.Append(context.Background(), "", AppendInput{Text: "x"})
	assert.ErrorIs(t, err, store.ErrInvalidUserID)
}

func TestAppendEmptyUserIDLeavesNoSideEffects(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	img := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))

	err := f.acc.Append(ctx, "", AppendInput{
		Text:        "x",
		ImagePaths:  []string{img},
		AsyncUpload: true,
		AudioB64:    []string{"aGVsbG8="},
	})
	assert.ErrorIs(t, err, store.ErrInvalidUserID)

	// A rejected append must not have started uploads, written coordinator
	// records, or decoded audio to disk.
	assert.Empty(t, f.mr.Keys())
	entries, err := os.ReadDir(f.cfg.VoiceWorkspace)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAbsorbStagesOnlyBatchAudio(t *testing.T) {
	tr := &fixedTranscriber{transcript: "meeting notes"}
	f := newFixture(t, nil, tr)
	ctx := context.Background()

	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp: "2026-08-24T10:00:00Z",
		Text:      "with audio",
		AudioB64:  []string{"aGVsbG8=", "d29ybGQ="},
	}))
	f.appendTexts(t, "u1", f.cfg.Threshold-1)

	preview, err := f.acc.ShouldAbsorb(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, preview)

	// A later audio message lands after the preview but before the pop.
	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp: "2026-08-24T10:00:09Z",
		AudioB64:  []string{"bGF0ZXI="},
	}))

	absorbed, err := f.acc.Absorb(ctx, "u1", preview)
	require.NoError(t, err)
	require.True(t, absorbed)

	assert.Len(t, tr.paths, 2, "only the popped messages' segments are transcribed")

	n, err := f.st.MessageCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the later message stays queued")

	// Its audio also stays on disk for the next cycle.
	laterDir := f.acc.msgVoiceDir("u1", "2026-08-24T10:00:09Z")
	entries, err := os.ReadDir(laterDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAbsorbDiscardsUndecodableEntriesWithBatch(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.appendTexts(t, "u1", 1)
	f.mr.Push(coordinator.MessagesKey("u1"), "{not json")
	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp: "2026-08-24T10:00:01Z", Text: "m1",
	}))
	require.NoError(t, f.acc.Append(ctx, "u1", AppendInput{
		Timestamp: "2026-08-24T10:00:02Z", Text: "m2",
	}))

	preview, err := f.acc.ShouldAbsorb(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, preview)
	assert.Len(t, preview.Messages, 3)
	assert.Equal(t, 4, preview.Count, "the corrupt entry occupies a queue position")

	absorbed, err := f.acc.Absorb(ctx, "u1", preview)
	require.NoError(t, err)
	require.True(t, absorbed)
	assert.Equal(t, 3, f.agent.lastMetadata().MessageCount)

	n, err := f.st.MessageCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n, "the corrupt entry is purged with the batch")
}
