// Package dispatch schedules sandbox jobs onto bounded-concurrency backends.
// Two backends exist: a local pool running jobs in-process, and a hub fanning
// jobs out to remote runner agents over websockets.
package dispatch

import (
	"context"
	"sync"

	"codetier/internal/sandbox"
	appErr "codetier/pkg/errors"
)

// JobRunner executes one sandbox job to completion.
type JobRunner interface {
	Run(ctx context.Context, job sandbox.Job) sandbox.JobResult
}

// Dispatcher accepts jobs and resolves each exactly once.
type Dispatcher interface {
	// Submit enqueues a job. The returned future resolves when the job
	// finishes, including when it finishes as ERROR.
	Submit(ctx context.Context, job sandbox.Job) (*Future, error)

	// Close stops accepting jobs.
	Close() error
}

// Future is the pending result of one submitted job. It resolves exactly
// once; duplicate resolutions (a resubmitted job whose first runner turns
// out alive after all) are silently dropped.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result sandbox.JobResult
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(result sandbox.JobResult) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

// Done is closed when the job has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job finishes or the context ends.
func (f *Future) Wait(ctx context.Context) (sandbox.JobResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return sandbox.JobResult{}, appErr.Wrap(ctx.Err(), appErr.SandboxTimeout)
	}
}

// Result returns the resolved result. Only valid after Done is closed.
func (f *Future) Result() sandbox.JobResult {
	return f.result
}
