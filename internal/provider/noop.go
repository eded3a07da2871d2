package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/mailflow/internal/mail"
)

// Noop is an in-memory adapter for tests and dry runs. It records every job
// it is handed and can be programmed to fail.
type Noop struct {
	name string

	mu        sync.Mutex
	sent      []*mail.Job
	failNext  int
	failAll   bool
	batchErr  error
	configErr error
}

// NewNoop creates a no-op adapter. An empty name defaults to "noop".
func NewNoop(name string) *Noop {
	if name == "" {
		name = "noop"
	}
	return &Noop{name: name}
}

// Name identifies this adapter in the registry.
func (n *Noop) Name() string { return n.name }

// FailNext makes the next count sends fail.
func (n *Noop) FailNext(count int) {
	n.mu.Lock()
	n.failNext = count
	n.mu.Unlock()
}

// FailAll makes every send fail until cleared.
func (n *Noop) FailAll(fail bool) {
	n.mu.Lock()
	n.failAll = fail
	n.mu.Unlock()
}

// FailBatch makes SendBatch return err as a whole-batch rejection.
func (n *Noop) FailBatch(err error) {
	n.mu.Lock()
	n.batchErr = err
	n.mu.Unlock()
}

// FailConfiguration makes VerifyConfiguration return err.
func (n *Noop) FailConfiguration(err error) {
	n.mu.Lock()
	n.configErr = err
	n.mu.Unlock()
}

// Sent returns a copy of all jobs accepted so far.
func (n *Noop) Sent() []*mail.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*mail.Job, len(n.sent))
	copy(out, n.sent)
	return out
}

// VerifyConfiguration reports the programmed configuration state.
func (n *Noop) VerifyConfiguration(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.configErr
}

// Send records the job, or fails if programmed to.
func (n *Noop) Send(ctx context.Context, job *mail.Job) *mail.SendResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failAll || n.failNext > 0 {
		if n.failNext > 0 {
			n.failNext--
		}
		return failedResult(n.name, fmt.Errorf("%s: simulated send failure", n.name))
	}
	n.sent = append(n.sent, job)
	return sentResult(n.name, uuid.NewString())
}

// SendBatch records all jobs, or rejects the whole batch if programmed to.
func (n *Noop) SendBatch(ctx context.Context, jobs []*mail.Job) (*mail.BatchResult, error) {
	n.mu.Lock()
	batchErr := n.batchErr
	n.mu.Unlock()
	if batchErr != nil {
		return nil, batchErr
	}
	return sequentialBatch(ctx, n, jobs, 0), nil
}
