package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/agent-market/agentbuild/internal/buildapi"
	"github.com/example/agent-market/agentbuild/internal/event"
	"github.com/example/agent-market/agentbuild/internal/model"
)

// terminalWriteTimeout bounds the registry writes made once a job settles.
const terminalWriteTimeout = 10 * time.Second

// poller drives a single job to a terminal state. Queries are strictly
// sequential; a poller never issues a query before the previous one returned.
type poller struct {
	id     string
	t      *Tracker
	job    model.Job
	logger zerolog.Logger
}

func newPoller(t *Tracker, job model.Job) *poller {
	id := uuid.NewString()
	return &poller{
		id:  id,
		t:   t,
		job: job,
		logger: log.With().
			Str("job_id", job.ID).
			Str("owner_id", job.OwnerID).
			Str("poller_id", id).
			Logger(),
	}
}

func (p *poller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.t.opts.withInterval
	b.MaxInterval = p.t.opts.withMaxInterval
	b.RandomizationFactor = 0.1
	b.Multiplier = 2
	// transient errors never end the loop
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *poller) run(ctx context.Context) {
	p.logger.Debug().Msg("poller started")
	errBackOff := p.newBackOff()
	delay := p.t.opts.withInitialDelay

	for attempt := 1; ; attempt++ {
		if !sleep(ctx, delay) {
			p.logger.Debug().Msg("poller stopped before terminal state")
			return
		}

		build, err := p.t.service.Status(ctx, p.job.ID)
		switch {
		case errors.Is(err, buildapi.ErrJobNotFound):
			pollsTotal.WithLabelValues("not_found").Inc()
			p.progress(ctx, attempt)

		case err != nil:
			if ctx.Err() != nil {
				p.logger.Debug().Msg("poller stopped during status query")
				return
			}
			pollsTotal.WithLabelValues("transient_error").Inc()
			p.logger.Warn().
				Err(&TransientPollError{JobID: p.job.ID, Attempt: attempt, Err: err}).
				Msg("status query failed, will retry")

		default:
			switch state := stateOf(build); {
			case state == model.JobCompleted && build.ApkURL == "":
				pollsTotal.WithLabelValues("completed_without_artifact").Inc()
				p.logger.Warn().Msg("build reported completed without an artifact url")
				p.progress(ctx, attempt)
			case state == model.JobCompleted:
				pollsTotal.WithLabelValues("completed").Inc()
				p.finish(ctx, model.JobCompleted, build.ApkURL, "")
				return
			case state == model.JobFailed:
				pollsTotal.WithLabelValues("failed").Inc()
				p.finish(ctx, model.JobFailed, "", failureMessage(build))
				return
			default:
				pollsTotal.WithLabelValues("building").Inc()
				p.progress(ctx, attempt)
			}
		}

		// The deadline is only checked after an answer that did not settle the
		// job, so a job resumed long after submission is still queried once.
		if limit := p.t.opts.withMaxDuration; limit > 0 && p.t.opts.withNow().Sub(p.job.StartedAt) >= limit {
			p.finish(ctx, model.JobUnknown, "", fmt.Sprintf("build status unknown after %s", limit))
			return
		}

		if err != nil && !errors.Is(err, buildapi.ErrJobNotFound) {
			delay = errBackOff.NextBackOff()
			p.logger.Debug().Dur("retry_in", delay).Msg("backing off")
			continue
		}
		errBackOff.Reset()
		delay = p.t.opts.withInterval
	}
}

func (p *poller) progress(ctx context.Context, attempt int) {
	p.t.bus.Publish(ctx, p.event(event.EventBuildProgress, attempt))
}

// finish records the outcome durably, then tells subscribers. The registry
// writes complete even if the tracker is closing.
func (p *poller) finish(ctx context.Context, state model.JobState, artifactURL, errorMessage string) {
	if !model.CanTransition(p.job.State, state) {
		return
	}
	p.job.State = state
	p.job.ArtifactURL = artifactURL
	p.job.ErrorMessage = errorMessage

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := p.t.registry.RecordResult(writeCtx, p.job.Result(p.t.opts.withNow())); err != nil {
		logRegistryError(&RegistryWriteError{Op: "record result", JobID: p.job.ID, Err: err})
	}
	if err := p.t.registry.RemoveJob(writeCtx, p.job.OwnerID, p.job.ID); err != nil {
		logRegistryError(&RegistryWriteError{Op: "remove", JobID: p.job.ID, Err: err})
	}

	buildsFinishedTotal.WithLabelValues(string(state)).Inc()
	if state == model.JobCompleted {
		p.logger.Info().Str("artifact_url", artifactURL).Msg("build completed")
	} else {
		p.logger.Warn().Str("state", string(state)).Str("error", errorMessage).Msg("build did not complete")
	}

	p.t.bus.Publish(context.WithoutCancel(ctx), p.event(event.EventBuildTerminal, 0))
}

func (p *poller) event(typ event.EventType, attempt int) event.BuildEvent {
	return event.BuildEvent{
		Type:         typ,
		JobID:        p.job.ID,
		OwnerID:      p.job.OwnerID,
		DisplayName:  p.job.DisplayName,
		PollerID:     p.id,
		Attempt:      attempt,
		State:        p.job.State,
		ArtifactURL:  p.job.ArtifactURL,
		ErrorMessage: p.job.ErrorMessage,
	}
}

func stateOf(b *buildapi.Build) model.JobState {
	switch strings.ToLower(b.Status) {
	case "completed":
		return model.JobCompleted
	case "failed":
		return model.JobFailed
	default:
		return model.JobBuilding
	}
}

func failureMessage(b *buildapi.Build) string {
	if b.Error != "" {
		return b.Error
	}
	return "build failed"
}

// sleep waits for d or until ctx is done, reporting whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
