package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/example/agent-market/agentbuild/internal/event"
	"github.com/example/agent-market/agentbuild/internal/model"
)

const DefaultDownloadTimeout = 5 * time.Minute

var ErrDownloaderClosed = errors.New("blob: downloader closed")

// Downloader copies the APK of completed builds into a LocalFS. Downloads
// started from events run in the background until Close.
type Downloader struct {
	store  LocalFS
	client *http.Client
	group  singleflight.Group

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDownloader uses a pooled client when client is nil.
func NewDownloader(store LocalFS, client *http.Client) *Downloader {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
		client.Timeout = DefaultDownloadTimeout
	}
	d := &Downloader{store: store, client: client}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Fetch downloads url to the artifact path of the job and returns that path.
// An artifact already on disk is not fetched again, and concurrent fetches of
// one job share a single download.
func (d *Downloader) Fetch(ctx context.Context, ownerID, jobID, url string) (string, error) {
	rel := APKPath(ownerID, jobID)
	v, err, _ := d.group.Do(rel, func() (any, error) {
		if d.store.Exists(rel) {
			return rel, nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
		res, err := d.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", url, err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return "", fmt.Errorf("download %s: unexpected status %d", url, res.StatusCode)
		}
		return d.store.Put(rel, res.Body)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// HandleTerminal is an event handler that starts a background download for a
// completed build and returns at once. Other outcomes are ignored.
func (d *Downloader) HandleTerminal(_ context.Context, e event.BuildEvent) error {
	if e.State != model.JobCompleted || e.ArtifactURL == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("fetch artifact for job %s: %w", e.JobID, ErrDownloaderClosed)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		path, err := d.Fetch(d.ctx, e.OwnerID, e.JobID, e.ArtifactURL)
		if err != nil {
			log.Error().Err(err).Str("job_id", e.JobID).Msg("fetch artifact")
			return
		}
		log.Info().Str("job_id", e.JobID).Str("path", path).Msg("artifact saved")
	}()
	return nil
}

// Wait blocks until running downloads finish or ctx is done.
func (d *Downloader) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels running downloads, waits for them and refuses new ones.
func (d *Downloader) Close() {
	d.mu.Lock()
	d.closed = true
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}
