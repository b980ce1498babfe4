package tracker

import (
	"errors"
	"fmt"

	"github.com/example/agent-market/agentbuild/internal/buildapi"
)

const genericSubmitMessage = "could not start the build, please try again"

// SubmissionFailed is returned by Submit when no build was started. Nothing
// is written to the registry in that case.
type SubmissionFailed struct {
	OwnerID string
	Message string
	Err     error
}

func (e *SubmissionFailed) Error() string {
	return fmt.Sprintf("submission failed for %q: %s", e.OwnerID, e.Message)
}

func (e *SubmissionFailed) Unwrap() error { return e.Err }

func newSubmissionFailed(ownerID string, err error) *SubmissionFailed {
	msg := genericSubmitMessage
	var remote *buildapi.RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		msg = remote.Message
	}
	return &SubmissionFailed{OwnerID: ownerID, Message: msg, Err: err}
}

// TransientPollError is one failed status query. Pollers log it and keep
// going; it never reaches subscribers.
type TransientPollError struct {
	JobID   string
	Attempt int
	Err     error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("status query %d for job %q: %v", e.Attempt, e.JobID, e.Err)
}

func (e *TransientPollError) Unwrap() error { return e.Err }

// RegistryWriteError is a durable write the registry rejected. The job keeps
// being polled in memory but will not be resumed after a restart.
type RegistryWriteError struct {
	Op    string
	JobID string
	Err   error
}

func (e *RegistryWriteError) Error() string {
	return fmt.Sprintf("registry %s for job %q: %v", e.Op, e.JobID, e.Err)
}

func (e *RegistryWriteError) Unwrap() error { return e.Err }
