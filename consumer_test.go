package jobq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"jobq/job"
	"jobq/pkg/eventbus"
	"jobq/pkg/logx"
)

// fakeContract feeds the pool from a channel and records reports.
type fakeContract struct {
	running atomic.Bool
	pending atomic.Int32
	jobs    chan *job.Holder

	successes atomic.Int32
	failures  atomic.Int32
	cancels   atomic.Int32
}

func newFakeContract() *fakeContract {
	c := &fakeContract{jobs: make(chan *job.Holder, 16)}
	c.running.Store(true)
	return c
}

func (c *fakeContract) isRunning() bool            { return c.running.Load() }
func (c *fakeContract) canPushNetworkEvents() bool { return false }
func (c *fakeContract) pendingCount() int          { return int(c.pending.Load()) }

func (c *fakeContract) nextJob(timeout time.Duration) *job.Holder {
	select {
	case h := <-c.jobs:
		return h
	case <-time.After(timeout):
		return nil
	}
}

func (c *fakeContract) reportSuccess(h *job.Holder) { c.successes.Add(1) }
func (c *fakeContract) reportFailure(h *job.Holder) { c.failures.Add(1) }
func (c *fakeContract) reportCancel(h *job.Holder)  { c.cancels.Add(1) }

func (c *fakeContract) jobEvent(h *job.Holder, dur time.Duration, err error) JobEvent {
	return JobEvent{ID: h.ID, RunCount: h.RunCount}
}

func newTestPool(c consumerContract, max int, idleTTL time.Duration) *consumerPool {
	return newConsumerPool(c, max, idleTTL, logx.Logger{}, eventbus.New())
}

func holderFor(j job.Job) *job.Holder {
	return &job.Holder{ID: 1, RunCount: 1, SessionID: 42, Job: j}
}

func TestNoSpawnWhenStopped(t *testing.T) {
	c := newFakeContract()
	c.running.Store(false)
	c.pending.Store(10)
	p := newTestPool(c, 4, time.Second)

	p.considerAddingConsumer()
	if got := p.active.Load(); got != 0 {
		t.Fatalf("active = %d on a stopped scheduler", got)
	}
}

func TestNoSpawnWithoutBacklog(t *testing.T) {
	c := newFakeContract()
	p := newTestPool(c, 4, time.Second)

	p.considerAddingConsumer()
	if got := p.active.Load(); got != 0 {
		t.Fatalf("active = %d with an empty backlog", got)
	}
}

func TestPoolRespectsCap(t *testing.T) {
	c := newFakeContract()
	c.pending.Store(100)
	p := newTestPool(c, 2, 200*time.Millisecond)

	for i := 0; i < 10; i++ {
		p.considerAddingConsumer()
	}
	if got := p.active.Load(); got > 2 {
		t.Fatalf("active = %d, cap is 2", got)
	}
	c.running.Store(false)
	p.wait()
}

func TestIdleConsumerRetires(t *testing.T) {
	c := newFakeContract()
	c.pending.Store(1)
	p := newTestPool(c, 1, 30*time.Millisecond)

	p.considerAddingConsumer()
	if got := p.active.Load(); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}

	// No work arrives; the worker must give up after its idle bound.
	p.wait()
	if got := p.active.Load(); got != 0 {
		t.Fatalf("active = %d after retirement, want 0", got)
	}
}

func TestRunJobReportsSuccess(t *testing.T) {
	c := newFakeContract()
	p := newTestPool(c, 1, time.Second)

	p.runJob(holderFor(&funcJob{}), logx.Logger{})
	if c.successes.Load() != 1 || c.failures.Load() != 0 {
		t.Fatalf("reports: success=%d failure=%d", c.successes.Load(), c.failures.Load())
	}
}

func TestRunJobRequeuesRetryableFailure(t *testing.T) {
	c := newFakeContract()
	p := newTestPool(c, 1, time.Second)

	h := holderFor(&funcJob{run: func(ctx context.Context) error {
		return errors.New("transient")
	}})
	p.runJob(h, logx.Logger{})
	if c.failures.Load() != 1 || c.cancels.Load() != 0 {
		t.Fatalf("reports: failure=%d cancel=%d", c.failures.Load(), c.cancels.Load())
	}
}

func TestRunJobCancelsWhenRetriesExhausted(t *testing.T) {
	c := newFakeContract()
	p := newTestPool(c, 1, time.Second)

	var canceled atomic.Bool
	j := &funcJob{
		Base:     job.Base{RetryLimit: 1},
		run:      func(ctx context.Context) error { return errors.New("permanent") },
		onCancel: func() { canceled.Store(true) },
	}
	p.runJob(holderFor(j), logx.Logger{})
	if c.cancels.Load() != 1 || c.failures.Load() != 0 {
		t.Fatalf("reports: cancel=%d failure=%d", c.cancels.Load(), c.failures.Load())
	}
	if !canceled.Load() {
		t.Fatalf("OnCancel not fired")
	}
}

func TestExecuteTurnsPanicIntoFailure(t *testing.T) {
	c := newFakeContract()
	p := newTestPool(c, 1, time.Second)

	err := p.execute(holderFor(&funcJob{run: func(ctx context.Context) error {
		panic("boom")
	}}))
	if err == nil {
		t.Fatalf("panic did not surface as an error")
	}
}
