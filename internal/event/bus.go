package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/example/agent-market/agentbuild/internal/model"
)

type EventType string

const (
	// EventBuildProgress fires on each poll that finds the build still running.
	EventBuildProgress EventType = "build.progress"
	// EventBuildTerminal fires once per poller when the build settles.
	EventBuildTerminal EventType = "build.terminal"
)

type BuildEvent struct {
	Type        EventType
	Timestamp   time.Time
	JobID       string
	OwnerID     string
	DisplayName string
	// PollerID identifies the poller instance that observed the event; two
	// pollers briefly watching the same job report different ids.
	PollerID     string
	Attempt      int
	State        model.JobState
	ArtifactURL  string
	ErrorMessage string
}

type Handler func(ctx context.Context, e BuildEvent) error

// Bus fans build events out to subscribers. A subscription names one job id,
// or every job when the id is empty.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID uint64
}

type subscription struct {
	id      uint64
	jobID   string
	handler Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]subscription)}
}

// Publish runs matching handlers synchronously. Handler errors and panics are
// logged and never reach the publisher.
func (b *Bus) Publish(ctx context.Context, e BuildEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs[e.Type]))
	for _, s := range b.subs[e.Type] {
		if s.jobID == "" || s.jobID == e.JobID {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if err := dispatch(ctx, s.handler, e); err != nil {
			log.Error().Err(err).
				Str("event", string(e.Type)).
				Str("job_id", e.JobID).
				Msg("build event handler error")
		}
	}
}

func dispatch(ctx context.Context, h Handler, e BuildEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

func (b *Bus) Subscribe(eventType EventType, jobID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, jobID: jobID, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[eventType]
			for i, s := range subs {
				if s.id == id {
					b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Reset drops every subscription.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[EventType][]subscription)
}
