package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirix-ai/mirixd/pkg/config"
	"github.com/mirix-ai/mirixd/pkg/coordinator"
	"github.com/mirix-ai/mirixd/pkg/models"
	"github.com/mirix-ai/mirixd/pkg/store"
)

// fakeUploader resolves uploads on demand so tests control timing.
type fakeUploader struct {
	mu      sync.Mutex
	gate    chan struct{} // nil means resolve immediately
	failure error
	calls   int
}

func (f *fakeUploader) Upload(ctx context.Context, localPath string) (models.UploadResult, error) {
	f.mu.Lock()
	f.calls++
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
		URI:  "files/" + localPath,
		Name: localPath,
	}, nil
}

func testStatusStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.New(coordinator.NewClientFromRedis(rdb), config.Default())
}

func TestSubmitReturnsPendingImmediately(t *testing.T) {
	st := testStatusStore(t)
	up := &fakeUploader{gate: make(chan struct{})}
	m := NewManager(up, st, 2, time.Minute)
	defer func() {
		close(up.gate)
		m.Stop()
	}()

	ref, err := m.Submit(context.Background(), "/tmp/shot.png", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.ImageKindPending, ref.Kind)
	assert.NotEmpty(t, ref.UploadID)
	assert.Equal(t, "shot.png", ref.Filename)

	status, err := m.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatePending, status.State)
}

func TestUploadCompletesAndPublishes(t *testing.T) {
	st := testStatusStore(t)
	m := NewManager(&fakeUploader{}, st, 2, time.Minute)
	defer m.Stop()

	ref, err := m.Submit(context.Background(), "/tmp/shot.png", time.Now())
	require.NoError(t, err)

	status, err := m.WaitLocal(context.Background(), ref.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStateCompleted, status.State)
	require.NotNil(t, status.Result)
	assert.Equal(t, "files//tmp/shot.png", status.Result.URI)

	// The coordinator record is visible to any pod.
	published, err := st.UploadStatus(context.Background(), ref.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStateCompleted, published.State)

	remote, ok := published.RemoteRef()
	require.True(t, ok)
	assert.Equal(t, models.ImageKindRemote, remote.Kind)
}

func TestUploadFailure(t *testing.T) {
	st := testStatusStore(t)
	m := NewManager(&fakeUploader{failure: errors.New("quota exceeded")}, st, 2, time.Minute)
	defer m.Stop()

	ref, err := m.Submit(context.Background(), "/tmp/shot.png", time.Now())
	require.NoError(t, err)

	status, err := m.WaitLocal(context.Background(), ref.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStateFailed, status.State)

	resolved, err := m.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStateFailed, resolved.State)
}

func TestResolveCrossPod(t *testing.T) {
	st := testStatusStore(t)

	owner := NewManager(&fakeUploader{}, st, 2, time.Minute)
	defer owner.Stop()
	other := NewManager(&fakeUploader{}, st, 2, time.Minute)
	defer other.Stop()

	ref, err := owner.Submit(context.Background(), "/tmp/shot.png", time.Now())
	require.NoError(t, err)
	_, err = owner.WaitLocal(context.Background(), ref.UploadID)
	require.NoError(t, err)

	// The non-owning pod resolves purely through the coordinator.
	status, err := other.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStateCompleted, status.State)
}

func TestResolveUnknownUpload(t *testing.T) {
	st := testStatusStore(t)
	m := NewManager(&fakeUploader{}, st, 2, time.Minute)
	defer m.Stop()

	// Never submitted anywhere: no coordinator record, no local future.
	status, err := m.Resolve(context.Background(), models.PendingRef("ghost-id", "x.png"))
	require.NoError(t, err)
	assert.Equal(t, models.UploadStateUnknown, status.State)
	assert.True(t, status.State.Terminal())
}

func TestResolveRejectsNonPendingRef(t *testing.T) {
	st := testStatusStore(t)
	m := NewManager(&fakeUploader{}, st, 2, time.Minute)
	defer m.Stop()

	_, err := m.Resolve(context.Background(), models.LocalRef("/tmp/a.png"))
	assert.Error(t, err)
}

func TestWaitLocalUnknownID(t *testing.T) {
	st := testStatusStore(t)
	m := NewManager(&fakeUploader{}, st, 2, time.Minute)
	defer m.Stop()

	_, err := m.WaitLocal(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownUpload)
}

func TestReleaseDropsLocalBookkeeping(t *testing.T) {
	st := testStatusStore(t)
	m := NewManager(&fakeUploader{}, st, 2, time.Minute)
	defer m.Stop()

	ref, err := m.Submit(context.Background(), "/tmp/shot.png", time.Now())
	require.NoError(t, err)
	_, err = m.WaitLocal(context.Background(), ref.UploadID)
	require.NoError(t, err)

	m.Release(ref.UploadID)

	_, err = m.WaitLocal(context.Background(), ref.UploadID)
	assert.ErrorIs(t, err, ErrUnknownUpload)

	// Coordinator record still serves late readers until TTL.
	status, err := m.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStateCompleted, status.State)
}

func TestStatusSummary(t *testing.T) {
	st := testStatusStore(t)
	up := &fakeUploader{gate: make(chan struct{})}
	m := NewManager(up, st, 4, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := m.Submit(context.Background(), "/tmp/shot.png", time.Now())
		require.NoError(t, err)
	}

	sum := m.StatusSummary()
	assert.Equal(t, 3, sum.InFlight)
	assert.False(t, sum.Oldest.IsZero())

	close(up.gate)
	m.Stop()

	sum = m.StatusSummary()
	assert.Zero(t, sum.InFlight)
}

func TestWorkerPoolBound(t *testing.T) {
	st := testStatusStore(t)
	up := &fakeUploader{gate: make(chan struct{})}
	m := NewManager(up, st, 1, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := m.Submit(context.Background(), "/tmp/shot.png", time.Now())
		require.NoError(t, err)
	}

	// Only one worker slot: at most one upload may have started.
	assert.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.calls == 1
	}, time.Second, 10*time.Millisecond)

	close(up.gate)
	m.Stop()

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, 3, up.calls)
}
