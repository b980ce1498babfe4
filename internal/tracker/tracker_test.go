package tracker

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/agent-market/agentbuild/internal/buildapi"
	"github.com/example/agent-market/agentbuild/internal/event"
	"github.com/example/agent-market/agentbuild/internal/model"
	"github.com/example/agent-market/agentbuild/internal/store"
)

const waitTimeout = 5 * time.Second

func newTestRegistry(t *testing.T) *store.SQLite {
	t.Helper()
	reg, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func newTestTracker(t *testing.T, f *buildapi.FakeService, reg Registry, opt ...Option) *Tracker {
	t.Helper()
	return newTestTrackerWithClient(t, buildapi.Config{BaseURL: f.URL(), RequestTimeout: 2 * time.Second}, reg, opt...)
}

func newTestTrackerWithClient(t *testing.T, cfg buildapi.Config, reg Registry, opt ...Option) *Tracker {
	t.Helper()
	client, err := buildapi.New(cfg)
	require.NoError(t, err)

	opts := append([]Option{
		WithInitialDelay(10 * time.Millisecond),
		WithInterval(10 * time.Millisecond),
		WithMaxInterval(40 * time.Millisecond),
		WithMaxDuration(0),
	}, opt...)
	tr, err := New(reg, client, opts...)
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

type recorder struct {
	mu       sync.Mutex
	progress []event.BuildEvent
	terminal []event.BuildEvent
	done     chan event.BuildEvent
}

func record(tr *Tracker, jobID string) *recorder {
	r := &recorder{done: make(chan event.BuildEvent, 16)}
	tr.OnProgress(jobID, func(e event.BuildEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.progress = append(r.progress, e)
	})
	tr.OnTerminal(jobID, func(e event.BuildEvent) {
		r.mu.Lock()
		r.terminal = append(r.terminal, e)
		r.mu.Unlock()
		r.done <- e
	})
	return r
}

func (r *recorder) waitTerminal(t *testing.T) event.BuildEvent {
	t.Helper()
	select {
	case e := <-r.done:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a terminal event")
		return event.BuildEvent{}
	}
}

func (r *recorder) counts() (progress, terminal int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress), len(r.terminal)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for status queries")
	}
}

func TestNewValidates(t *testing.T) {
	f := buildapi.NewFakeService(t)
	client, err := buildapi.New(buildapi.Config{BaseURL: f.URL()})
	require.NoError(t, err)

	_, err = New(nil, client)
	assert.Error(t, err)
	_, err = New(newTestRegistry(t), nil)
	assert.Error(t, err)
}

func TestSubmitTracksBuildToCompletion(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1", buildapi.Building(), buildapi.Completed("https://x/y.apk"))
	reg := newTestRegistry(t)
	tr := newTestTracker(t, f, reg, WithInitialDelay(200*time.Millisecond))
	rec := record(tr, "")

	var (
		mu               sync.Mutex
		activeOnProgress []map[string]string
	)
	tr.OnProgress("b-1", func(event.BuildEvent) {
		all, err := reg.GetAll(ctx)
		assert.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		activeOnProgress = append(activeOnProgress, all)
	})

	jobID, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-42", DisplayName: "Helper Bot", RequesterID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "b-1", jobID)

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"agent-42": "b-1"}, all)
	meta, err := reg.GetMeta(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-42", meta.OwnerID)
	assert.Equal(t, "Helper Bot", meta.DisplayName)
	assert.False(t, meta.StartedAt.IsZero())
	assert.Equal(t, []string{"b-1"}, tr.Watching())

	e := rec.waitTerminal(t)
	assert.Equal(t, model.JobCompleted, e.State)
	assert.Equal(t, "https://x/y.apk", e.ArtifactURL)
	assert.Equal(t, "Helper Bot", e.DisplayName)
	assert.Equal(t, "agent-42", e.OwnerID)

	progress, terminal := rec.counts()
	assert.Equal(t, 1, progress)
	assert.Equal(t, 1, terminal)
	mu.Lock()
	assert.Equal(t, []map[string]string{{"agent-42": "b-1"}}, activeOnProgress)
	mu.Unlock()

	all, err = reg.GetAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, all, "agent-42")
	_, err = reg.GetMeta(ctx, "b-1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	history, err := tr.History(ctx, "agent-42", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.JobCompleted, history[0].State)
	assert.Equal(t, "https://x/y.apk", history[0].ArtifactURL)

	assert.Equal(t, []buildapi.SubmitRequest{{AgentID: "agent-42", AgentName: "Helper Bot", UserID: "user-1"}}, f.Submits())
	assert.Eventually(t, func() bool { return len(tr.Watching()) == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestSubmitRejected(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: false, Error: "quota exceeded"}
	})
	reg := newTestRegistry(t)
	tr := newTestTracker(t, f, reg)

	jobID, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-7", DisplayName: "Seven"})
	assert.Empty(t, jobID)
	var failed *SubmissionFailed
	require.True(t, errors.As(err, &failed), "got %v", err)
	assert.Equal(t, "quota exceeded", failed.Message)
	assert.Equal(t, "agent-7", failed.OwnerID)

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, all, "agent-7")
	assert.Empty(t, tr.Watching())
	assert.Len(t, f.Submits(), 1)
}

func TestSubmitFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing job id", func(t *testing.T) {
		f := buildapi.NewFakeService(t)
		f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
			return http.StatusOK, buildapi.SubmitResponse{Success: true}
		})
		reg := newTestRegistry(t)
		tr := newTestTracker(t, f, reg)

		_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
		var failed *SubmissionFailed
		require.True(t, errors.As(err, &failed))
		all, err := reg.GetAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("unreachable service", func(t *testing.T) {
		client, err := buildapi.New(buildapi.Config{BaseURL: "http://127.0.0.1:1", RequestTimeout: time.Second})
		require.NoError(t, err)
		reg := newTestRegistry(t)
		tr, err := New(reg, client)
		require.NoError(t, err)
		t.Cleanup(tr.Close)

		_, err = tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
		var failed *SubmissionFailed
		require.True(t, errors.As(err, &failed))
		assert.Equal(t, genericSubmitMessage, failed.Message)
		assert.NotNil(t, errors.Unwrap(failed))
	})

	t.Run("missing owner", func(t *testing.T) {
		f := buildapi.NewFakeService(t)
		tr := newTestTracker(t, f, newTestRegistry(t))

		_, err := tr.Submit(ctx, SubmitRequest{DisplayName: "Nobody"})
		var failed *SubmissionFailed
		require.True(t, errors.As(err, &failed))
		assert.Empty(t, f.Submits())
	})
}

func TestResubmitKeepsNewestJob(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	var n atomic.Int32
	ids := []string{"b-1", "b-2"}
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: ids[n.Add(1)-1]}
	})
	f.QueueStatus("b-1", buildapi.Completed("https://x/1.apk"))
	f.QueueStatus("b-2", buildapi.Building())
	reg := newTestRegistry(t)
	tr := newTestTracker(t, f, reg, WithInitialDelay(200*time.Millisecond))
	first := record(tr, "b-1")

	_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)
	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"agent-1": "b-1"}, all)

	_, err = tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)
	all, err = reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"agent-1": "b-2"}, all)

	// the superseded build finishing leaves the newer registration alone
	first.waitTerminal(t)
	all, err = reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"agent-1": "b-2"}, all)
}

func TestTerminalStopsPolling(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1", buildapi.Completed("https://x/y.apk"))
	tr := newTestTracker(t, f, newTestRegistry(t))
	rec := record(tr, "")

	_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)
	rec.waitTerminal(t)

	calls := f.StatusCalls("b-1")
	assert.Equal(t, 1, calls)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, f.StatusCalls("b-1"))
	_, terminal := rec.counts()
	assert.Equal(t, 1, terminal)
}

func TestTransientErrorsKeepPolling(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1", buildapi.Drop(), buildapi.Drop(), buildapi.Drop(), buildapi.Building())
	fifth := make(chan struct{})
	f.OnStatus(func(jobID string, call int) {
		if jobID == "b-1" && call == 5 {
			close(fifth)
		}
	})
	reg := newTestRegistry(t)
	tr := newTestTracker(t, f, reg)
	rec := record(tr, "b-1")

	_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)
	waitFor(t, fifth)

	progress, terminal := rec.counts()
	assert.GreaterOrEqual(t, progress, 1)
	assert.Zero(t, terminal)
	assert.Equal(t, []string{"b-1"}, tr.Watching())
	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b-1", all["agent-1"])
}

func TestNotFoundCountsAsBuilding(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1",
		buildapi.NotFound(),
		buildapi.NotFound(),
		buildapi.Completed(""),
		buildapi.Completed("https://x/y.apk"),
	)
	tr := newTestTracker(t, f, newTestRegistry(t))
	rec := record(tr, "")

	_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)

	e := rec.waitTerminal(t)
	assert.Equal(t, model.JobCompleted, e.State)
	assert.Equal(t, "https://x/y.apk", e.ArtifactURL)
	progress, _ := rec.counts()
	assert.Equal(t, 3, progress)
	assert.Equal(t, 4, f.StatusCalls("b-1"))
}

func TestFailedBuild(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1", buildapi.Building(), buildapi.Failed("gradle: missing icon"))
	reg := newTestRegistry(t)
	tr := newTestTracker(t, f, reg)
	rec := record(tr, "")

	_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)

	e := rec.waitTerminal(t)
	assert.Equal(t, model.JobFailed, e.State)
	assert.Equal(t, "gradle: missing icon", e.ErrorMessage)
	assert.Empty(t, e.ArtifactURL)

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	history, err := tr.History(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.JobFailed, history[0].State)
	assert.Equal(t, "gradle: missing icon", history[0].ErrorMessage)

	// the owner can build again after a failure
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-2"}
	})
	f.QueueStatus("b-2", buildapi.Building())
	jobID, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)
	assert.Equal(t, "b-2", jobID)
}

func TestGiveUpAfterMaxDuration(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1", buildapi.Building())
	reg := newTestRegistry(t)
	tr := newTestTracker(t, f, reg, WithMaxDuration(80*time.Millisecond))
	rec := record(tr, "")

	_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)

	e := rec.waitTerminal(t)
	assert.Equal(t, model.JobUnknown, e.State)
	assert.Contains(t, e.ErrorMessage, "unknown after")

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	history, err := tr.History(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.JobUnknown, history[0].State)
}

func TestCompletedWithoutArtifactGivesUp(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1", buildapi.Completed(""))
	tr := newTestTracker(t, f, newTestRegistry(t), WithMaxDuration(80*time.Millisecond))
	rec := record(tr, "")

	_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)

	e := rec.waitTerminal(t)
	assert.Equal(t, model.JobUnknown, e.State)
	assert.Empty(t, e.ArtifactURL)
	progress, _ := rec.counts()
	assert.GreaterOrEqual(t, progress, 1)
}

func TestTimedOutQueryKeepsPolling(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1", buildapi.Stall(time.Second), buildapi.Building())
	third := make(chan struct{})
	f.OnStatus(func(jobID string, call int) {
		if jobID == "b-1" && call == 3 {
			close(third)
		}
	})
	reg := newTestRegistry(t)
	tr := newTestTrackerWithClient(t, buildapi.Config{
		BaseURL:        f.URL(),
		RequestTimeout: 100 * time.Millisecond,
		StatusRetries:  0,
	}, reg)
	rec := record(tr, "b-1")

	_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)
	waitFor(t, third)

	progress, terminal := rec.counts()
	assert.GreaterOrEqual(t, progress, 1)
	assert.Zero(t, terminal)
	assert.Equal(t, []string{"b-1"}, tr.Watching())
	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b-1", all["agent-1"])
}

func TestServerErrorKeepsPolling(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1", buildapi.ServerError(), buildapi.ServerError(), buildapi.Building())
	fourth := make(chan struct{})
	f.OnStatus(func(jobID string, call int) {
		if jobID == "b-1" && call == 4 {
			close(fourth)
		}
	})
	reg := newTestRegistry(t)
	tr := newTestTrackerWithClient(t, buildapi.Config{
		BaseURL:        f.URL(),
		RequestTimeout: 2 * time.Second,
		StatusRetries:  0,
	}, reg)
	rec := record(tr, "b-1")

	_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)
	waitFor(t, fourth)

	progress, terminal := rec.counts()
	assert.GreaterOrEqual(t, progress, 1)
	assert.Zero(t, terminal)
	assert.Equal(t, []string{"b-1"}, tr.Watching())
}

func TestScanAndResume(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.QueueStatus("job123", buildapi.Completed("https://x/a.apk"))
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, "ownerA", "job123"))
	require.NoError(t, reg.PutMeta(ctx, "job123", model.JobMeta{OwnerID: "ownerA", DisplayName: "X", StartedAt: time.Now()}))

	tr := newTestTracker(t, f, reg)
	rec := record(tr, "job123")

	resumed, err := tr.ScanAndResume(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job123"}, resumed)

	e := rec.waitTerminal(t)
	assert.Equal(t, model.JobCompleted, e.State)
	assert.Equal(t, "https://x/a.apk", e.ArtifactURL)
	assert.Equal(t, "X", e.DisplayName)
	assert.Equal(t, "ownerA", e.OwnerID)

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, all, "ownerA")

	// recovery only ever reads status
	assert.Empty(t, f.Submits())
	assert.Equal(t, 1, f.StatusCalls("job123"))
}

func TestResumeLongAfterSubmission(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.QueueStatus("job123", buildapi.Completed("https://x/a.apk"))
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, "ownerA", "job123"))
	require.NoError(t, reg.PutMeta(ctx, "job123", model.JobMeta{
		OwnerID:     "ownerA",
		DisplayName: "X",
		StartedAt:   time.Now().Add(-3 * time.Hour),
	}))

	tr := newTestTracker(t, f, reg, WithMaxDuration(DefaultMaxDuration))
	rec := record(tr, "job123")

	_, err := tr.ScanAndResume(ctx)
	require.NoError(t, err)

	e := rec.waitTerminal(t)
	assert.Equal(t, model.JobCompleted, e.State)
	assert.Equal(t, "https://x/a.apk", e.ArtifactURL)
	assert.Equal(t, 1, f.StatusCalls("job123"))
	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestResumeOverdueBuildQueriesOnce(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.QueueStatus("job123", buildapi.Building())
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, "ownerA", "job123"))
	require.NoError(t, reg.PutMeta(ctx, "job123", model.JobMeta{
		OwnerID:     "ownerA",
		DisplayName: "X",
		StartedAt:   time.Now().Add(-3 * time.Hour),
	}))

	tr := newTestTracker(t, f, reg, WithMaxDuration(DefaultMaxDuration))
	rec := record(tr, "job123")

	_, err := tr.ScanAndResume(ctx)
	require.NoError(t, err)

	e := rec.waitTerminal(t)
	assert.Equal(t, model.JobUnknown, e.State)
	assert.Equal(t, 1, f.StatusCalls("job123"))
}

func TestScanAndResumeWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.QueueStatus("job9", buildapi.Failed("signing key missing"))
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, "ownerB", "job9"))

	tr := newTestTracker(t, f, reg, WithDisplayName("my agent"))
	rec := record(tr, "")

	resumed, err := tr.ScanAndResume(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job9"}, resumed)

	e := rec.waitTerminal(t)
	assert.Equal(t, model.JobFailed, e.State)
	assert.Equal(t, "my agent", e.DisplayName)
	assert.Equal(t, "ownerB", e.OwnerID)
	assert.Empty(t, f.Submits())
}

func TestScanAndResumeAttachesOnce(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.QueueStatus("job1", buildapi.Building())
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, "ownerA", "job1"))

	tr := newTestTracker(t, f, reg)

	resumed, err := tr.ScanAndResume(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job1"}, resumed)

	resumed, err = tr.ScanAndResume(ctx)
	require.NoError(t, err)
	assert.Empty(t, resumed)
	assert.Equal(t, []string{"job1"}, tr.Watching())

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ownerA": "job1"}, all)
	assert.Empty(t, f.Submits())
}

func TestScanAndResumeEmptyRegistry(t *testing.T) {
	f := buildapi.NewFakeService(t)
	tr := newTestTracker(t, f, newTestRegistry(t))

	resumed, err := tr.ScanAndResume(context.Background())
	require.NoError(t, err)
	assert.Empty(t, resumed)
	assert.Empty(t, tr.Watching())
}

func TestTwoPollersOnSameJob(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.QueueStatus("job1", buildapi.Completed("https://x/1.apk"))
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, "ownerA", "job1"))

	first := newTestTracker(t, f, reg)
	second := newTestTracker(t, f, reg)
	firstRec := record(first, "job1")
	secondRec := record(second, "job1")

	_, err := first.ScanAndResume(ctx)
	require.NoError(t, err)
	_, err = second.ScanAndResume(ctx)
	require.NoError(t, err)

	a := firstRec.waitTerminal(t)
	b := secondRec.waitTerminal(t)
	assert.Equal(t, model.JobCompleted, a.State)
	assert.Equal(t, model.JobCompleted, b.State)
	assert.NotEqual(t, a.PollerID, b.PollerID)

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	history, err := reg.ListResults(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCloseKeepsRegistryForRecovery(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1", buildapi.Building())
	second := make(chan struct{})
	f.OnStatus(func(jobID string, call int) {
		if call == 2 {
			close(second)
		}
	})
	reg := newTestRegistry(t)
	tr := newTestTracker(t, f, reg)
	rec := record(tr, "")

	_, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)
	waitFor(t, second)

	tr.Close()
	calls := f.StatusCalls("b-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, f.StatusCalls("b-1"))
	_, terminal := rec.counts()
	assert.Zero(t, terminal)
	assert.Empty(t, tr.Watching())

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"agent-1": "b-1"}, all)

	// a closed tracker does not attach new pollers
	resumed, err := tr.ScanAndResume(ctx)
	require.NoError(t, err)
	assert.Empty(t, resumed)
}

func TestResetDropsSubscribers(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.QueueStatus("job1", buildapi.Completed("https://x/1.apk"))
	reg := newTestRegistry(t)
	require.NoError(t, reg.Put(ctx, "ownerA", "job1"))

	tr := newTestTracker(t, f, reg)
	stale := record(tr, "")
	tr.Reset()
	fresh := record(tr, "")

	resumed, err := tr.ScanAndResume(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job1"}, resumed)

	fresh.waitTerminal(t)
	_, terminal := stale.counts()
	assert.Zero(t, terminal)
}

type failingRegistry struct {
	Registry
}

func (failingRegistry) Put(context.Context, string, string) error {
	return errors.New("disk full")
}

func (failingRegistry) PutMeta(context.Context, string, model.JobMeta) error {
	return errors.New("disk full")
}

func TestRegistryWriteFailureStillPolls(t *testing.T) {
	ctx := context.Background()
	f := buildapi.NewFakeService(t)
	f.OnSubmit(func(buildapi.SubmitRequest) (int, buildapi.SubmitResponse) {
		return http.StatusOK, buildapi.SubmitResponse{Success: true, JobID: "b-1"}
	})
	f.QueueStatus("b-1", buildapi.Completed("https://x/y.apk"))
	reg := failingRegistry{Registry: newTestRegistry(t)}
	tr := newTestTracker(t, f, reg)
	rec := record(tr, "")

	jobID, err := tr.Submit(ctx, SubmitRequest{OwnerID: "agent-1", DisplayName: "One"})
	require.NoError(t, err)
	assert.Equal(t, "b-1", jobID)

	e := rec.waitTerminal(t)
	assert.Equal(t, model.JobCompleted, e.State)
}
