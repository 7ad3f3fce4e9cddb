package mapscale

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hnakamur/mapscale/fabric"
	"github.com/hnakamur/mapscale/worker"
)

var (
	// ErrWorkerSetupFailed is reported by Wait when a worker's Setup failed.
	// Only that worker stops.
	ErrWorkerSetupFailed = worker.ErrSetupFailed

	// ErrWorkFunctionFailed is wrapped by the JobError of a job whose work
	// function returned an error or panicked.
	ErrWorkFunctionFailed = errors.New("work function failed")

	// ErrBatchInProgress is returned by Submit while another batch is in
	// flight on the same dispatcher.
	ErrBatchInProgress = errors.New("batch in progress")

	// ErrProtocolViolation means the collector answered out of protocol.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrPayloadTooLarge is wrapped by the JobError of a job whose payload
	// does not fit in one frame. Such a job is never sent.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrChannelClosed is returned once the dispatcher or a channel it
	// depends on has shut down.
	ErrChannelClosed = fabric.ErrClosed

	// ErrChannelTimeout is returned when the caller's deadline elapsed
	// during a channel operation.
	ErrChannelTimeout = fabric.ErrTimeout
)

// JobError is the outcome of a job that failed.
type JobError struct {
	JobID   uint64
	Message string
	Err     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %d: %s", e.JobID, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// BatchError is returned by Map when some jobs failed. The value slice
// returned alongside it is still complete.
type BatchError struct {
	Total  int
	Failed []*JobError
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d jobs failed", len(e.Failed), e.Total)
	if len(e.Failed) > 0 {
		fmt.Fprintf(&b, ", first: %s", e.Failed[0])
	}
	return b.String()
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errs
}
