package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/agent-market/agentbuild/internal/event"
	"github.com/example/agent-market/agentbuild/internal/model"
)

func TestAPKPath(t *testing.T) {
	assert.Equal(t, filepath.Join("apks", "agent-1", "job-9.apk"), APKPath("agent-1", "job-9"))
	assert.Equal(t, filepath.Join("apks", "a_b", "_.apk"), APKPath("a/b", ".."))
}

func TestLocalFSPutOpen(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}

	rel, err := fs.Put(APKPath("agent-1", "job-1"), strings.NewReader("apk bytes"))
	require.NoError(t, err)
	assert.True(t, fs.Exists(rel))

	f, err := fs.Open(rel)
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "apk bytes", string(body))

	entries, err := os.ReadDir(filepath.Join(fs.Root, "apks", "agent-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no partial files left behind")
}

func TestLocalFSRejectsEscape(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}

	_, err := fs.Put("../outside.apk", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, err = fs.Open("/etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideRoot)
	assert.False(t, fs.Exists("../outside.apk"))
}

func TestDownloaderFetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/a.apk" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("apk"))
	}))
	t.Cleanup(srv.Close)

	fs := LocalFS{Root: t.TempDir()}
	d := NewDownloader(fs, nil)

	rel, err := d.Fetch(context.Background(), "agent-1", "job-1", srv.URL+"/a.apk")
	require.NoError(t, err)
	assert.Equal(t, APKPath("agent-1", "job-1"), rel)
	assert.True(t, fs.Exists(rel))

	// already on disk
	_, err = d.Fetch(context.Background(), "agent-1", "job-1", srv.URL+"/a.apk")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = d.Fetch(context.Background(), "agent-1", "job-2", srv.URL+"/missing.apk")
	assert.Error(t, err)
	assert.False(t, fs.Exists(APKPath("agent-1", "job-2")))
}

func TestDownloaderSharesConcurrentFetches(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte("apk"))
	}))
	t.Cleanup(srv.Close)

	d := NewDownloader(LocalFS{Root: t.TempDir()}, nil)

	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			_, err := d.Fetch(context.Background(), "agent-1", "job-1", srv.URL)
			assert.NoError(t, err)
		}()
	}
	<-started
	<-started
	assert.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestHandleTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("apk"))
	}))
	t.Cleanup(srv.Close)

	fs := LocalFS{Root: t.TempDir()}
	d := NewDownloader(fs, nil)
	ctx := context.Background()

	require.NoError(t, d.HandleTerminal(ctx, event.BuildEvent{
		JobID: "job-f", OwnerID: "agent-1", State: model.JobFailed, ErrorMessage: "boom",
	}))
	assert.False(t, fs.Exists(APKPath("agent-1", "job-f")))

	require.NoError(t, d.HandleTerminal(ctx, event.BuildEvent{
		JobID: "job-c", OwnerID: "agent-1", State: model.JobCompleted, ArtifactURL: srv.URL + "/c.apk",
	}))
	require.NoError(t, d.Wait(ctx))
	assert.True(t, fs.Exists(APKPath("agent-1", "job-c")))
}

func TestCloseCancelsDownloads(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	fs := LocalFS{Root: t.TempDir()}
	d := NewDownloader(fs, nil)
	ctx := context.Background()
	e := event.BuildEvent{JobID: "job-c", OwnerID: "agent-1", State: model.JobCompleted, ArtifactURL: srv.URL}

	// the handler returns while the download is still running
	require.NoError(t, d.HandleTerminal(ctx, e))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(waitCtx), context.DeadlineExceeded)

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a running download")
	}
	assert.False(t, fs.Exists(APKPath("agent-1", "job-c")))

	err := d.HandleTerminal(ctx, event.BuildEvent{JobID: "job-d", OwnerID: "agent-1", State: model.JobCompleted, ArtifactURL: srv.URL})
	assert.ErrorIs(t, err, ErrDownloaderClosed)
}
