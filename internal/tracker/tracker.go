// Package tracker follows remote APK builds from submission to a terminal
// state.
//
// A Tracker submits builds, records them in a durable Registry and attaches
// one poller per job. Jobs left in the registry by an earlier process, or by a
// screen that went away, are picked up again by ScanAndResume. Subscribers
// learn about progress and outcomes through OnProgress and OnTerminal.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/example/agent-market/agentbuild/internal/buildapi"
	"github.com/example/agent-market/agentbuild/internal/event"
	"github.com/example/agent-market/agentbuild/internal/model"
)

// Registry is the durable store of active jobs and their display metadata.
type Registry interface {
	Put(ctx context.Context, ownerID, jobID string) error
	GetAll(ctx context.Context) (map[string]string, error)
	RemoveJob(ctx context.Context, ownerID, jobID string) error
	PutMeta(ctx context.Context, jobID string, meta model.JobMeta) error
	GetMeta(ctx context.Context, jobID string) (model.JobMeta, error)
	RecordResult(ctx context.Context, res model.Result) error
	ListResults(ctx context.Context, ownerID string, limit int) ([]model.Result, error)
}

// BuildService is the remote build API.
type BuildService interface {
	Submit(ctx context.Context, in buildapi.SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (*buildapi.Build, error)
}

type SubmitRequest struct {
	OwnerID     string
	DisplayName string
	// RequesterID is forwarded to the build service untouched.
	RequesterID string
}

type Tracker struct {
	registry Registry
	service  BuildService
	bus      *event.Bus
	opts     options

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pollers map[string]*poller
	wg      sync.WaitGroup
}

func New(registry Registry, service BuildService, opt ...Option) (*Tracker, error) {
	switch {
	case registry == nil:
		return nil, errors.New("tracker: registry is nil")
	case service == nil:
		return nil, errors.New("tracker: build service is nil")
	}
	opts := getOpts(opt...)
	t := &Tracker{
		registry: registry,
		service:  service,
		bus:      opts.withBus,
		opts:     opts,
		pollers:  make(map[string]*poller),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// Submit starts a remote build for the owner, registers it and attaches a
// poller. It is never retried; a failed submission returns *SubmissionFailed
// and leaves the registry untouched.
func (t *Tracker) Submit(ctx context.Context, in SubmitRequest) (string, error) {
	if in.OwnerID == "" || in.DisplayName == "" {
		submissionsTotal.WithLabelValues("invalid").Inc()
		return "", &SubmissionFailed{OwnerID: in.OwnerID, Message: "owner id and display name are required"}
	}

	jobID, err := t.service.Submit(ctx, buildapi.SubmitRequest{
		AgentID:   in.OwnerID,
		AgentName: in.DisplayName,
		UserID:    in.RequesterID,
	})
	if err != nil {
		submissionsTotal.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Str("owner_id", in.OwnerID).Msg("build submission failed")
		return "", newSubmissionFailed(in.OwnerID, err)
	}
	submissionsTotal.WithLabelValues("accepted").Inc()

	job := model.Job{
		ID:          jobID,
		OwnerID:     in.OwnerID,
		DisplayName: in.DisplayName,
		StartedAt:   t.opts.withNow(),
		State:       model.JobBuilding,
	}

	// The build exists remotely now; a caller going away must not cut the
	// registration short.
	writeCtx := context.WithoutCancel(ctx)
	if err := t.registry.Put(writeCtx, job.OwnerID, job.ID); err != nil {
		logRegistryError(&RegistryWriteError{Op: "put", JobID: job.ID, Err: err})
	}
	if err := t.registry.PutMeta(writeCtx, job.ID, model.JobMeta{
		OwnerID:     job.OwnerID,
		DisplayName: job.DisplayName,
		StartedAt:   job.StartedAt,
	}); err != nil {
		logRegistryError(&RegistryWriteError{Op: "put meta", JobID: job.ID, Err: err})
	}

	log.Info().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Msg("build submitted")
	t.attach(job)
	return job.ID, nil
}

// ScanAndResume attaches a poller to every registered job that is not already
// watched by this tracker and returns the ids it attached. It never submits
// and never writes the registry.
func (t *Tracker) ScanAndResume(ctx context.Context) ([]string, error) {
	active, err := t.registry.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	owners := make([]string, 0, len(active))
	for ownerID := range active {
		owners = append(owners, ownerID)
	}
	sort.Strings(owners)

	var resumed []string
	for _, ownerID := range owners {
		jobID := active[ownerID]
		job := model.Job{
			ID:          jobID,
			OwnerID:     ownerID,
			DisplayName: t.opts.withDisplayName,
			StartedAt:   t.opts.withNow(),
			State:       model.JobBuilding,
		}

		meta, err := t.registry.GetMeta(ctx, jobID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			log.Debug().Str("job_id", jobID).Msg("no metadata for resumed build, using fallback name")
		case err != nil:
			log.Warn().Err(err).Str("job_id", jobID).Msg("read build metadata")
		default:
			if meta.DisplayName != "" {
				job.DisplayName = meta.DisplayName
			}
			if !meta.StartedAt.IsZero() {
				job.StartedAt = meta.StartedAt
			}
		}

		if t.attach(job) {
			resumed = append(resumed, jobID)
		}
	}

	if len(resumed) > 0 {
		log.Info().Strs("job_ids", resumed).Msg("resumed build monitoring")
	}
	return resumed, nil
}

// OnProgress subscribes to still-building polls of a job, or of every job
// when jobID is empty.
func (t *Tracker) OnProgress(jobID string, fn func(event.BuildEvent)) (unsubscribe func()) {
	return t.bus.Subscribe(event.EventBuildProgress, jobID, func(_ context.Context, e event.BuildEvent) error {
		fn(e)
		return nil
	})
}

// OnTerminal subscribes to terminal outcomes. Each poller fires it once; a
// job briefly watched by two pollers can fire it twice.
func (t *Tracker) OnTerminal(jobID string, fn func(event.BuildEvent)) (unsubscribe func()) {
	return t.bus.Subscribe(event.EventBuildTerminal, jobID, func(_ context.Context, e event.BuildEvent) error {
		fn(e)
		return nil
	})
}

// Active returns the registry snapshot of owner id to job id.
func (t *Tracker) Active(ctx context.Context) (map[string]string, error) {
	return t.registry.GetAll(ctx)
}

func (t *Tracker) History(ctx context.Context, ownerID string, limit int) ([]model.Result, error) {
	return t.registry.ListResults(ctx, ownerID, limit)
}

// Watching lists the job ids with an attached poller.
func (t *Tracker) Watching() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.pollers))
	for id := range t.pollers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close stops every poller and waits for them. Registry entries are kept so
// the jobs resume on the next scan.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()
}

// Reset stops every poller and drops all subscriptions, leaving the tracker
// ready for a new session.
func (t *Tracker) Reset() {
	t.Close()
	t.bus.Reset()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx, t.cancel = context.WithCancel(context.Background())
}

// attach starts a poller unless one is already watching the job.
func (t *Tracker) attach(job model.Job) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		log.Warn().Str("job_id", job.ID).Msg("tracker closed, build not watched")
		return false
	}
	if _, ok := t.pollers[job.ID]; ok {
		return false
	}

	p := newPoller(t, job)
	t.pollers[job.ID] = p
	t.wg.Add(1)
	activePollers.Inc()

	ctx := t.ctx
	go func() {
		defer t.wg.Done()
		defer activePollers.Dec()
		defer t.detach(p)
		p.run(ctx)
	}()
	return true
}

func (t *Tracker) detach(p *poller) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pollers[p.job.ID] == p {
		delete(t.pollers, p.job.ID)
	}
}

func logRegistryError(err *RegistryWriteError) {
	log.Error().Err(err).Str("job_id", err.JobID).Str("op", err.Op).
		Msg("registry write failed, build will not be resumed after restart")
}
