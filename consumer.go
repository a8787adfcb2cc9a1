package jobq

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobq/job"
	"jobq/pkg/eventbus"
	"jobq/pkg/logx"
)

// consumerContract is the narrow surface the pool needs from the
// Manager. It exists so the pool never holds a back-reference to the
// whole orchestrator.
type consumerContract interface {
	isRunning() bool
	canPushNetworkEvents() bool
	nextJob(timeout time.Duration) *job.Holder
	reportSuccess(h *job.Holder)
	reportFailure(h *job.Holder)
	reportCancel(h *job.Holder)
	pendingCount() int
	jobEvent(h *job.Holder, dur time.Duration, err error) JobEvent
}

// consumerPool manages a bounded, elastic set of workers. Workers are
// spawned only on backlog evidence and never forcibly terminated; an
// idle worker retires itself, shrinking the pool organically.
type consumerPool struct {
	contract consumerContract
	log      logx.Logger
	bus      eventbus.Bus

	max     atomic.Int32
	active  atomic.Int32
	idleTTL time.Duration

	seq atomic.Uint64
	wg  sync.WaitGroup

	// requeues can be hot when a job fails in a tight loop; keep the log
	// readable.
	requeueWarn *rate.Limiter
}

func newConsumerPool(c consumerContract, max int, idleTTL time.Duration, log logx.Logger, bus eventbus.Bus) *consumerPool {
	p := &consumerPool{
		contract:    c,
		log:         log,
		bus:         bus,
		idleTTL:     idleTTL,
		requeueWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	p.max.Store(int32(max))
	return p
}

func (p *consumerPool) setMax(n int) {
	if n < 0 {
		n = 0
	}
	p.max.Store(int32(n))
}

// considerAddingConsumer spawns one worker when the pool is below its
// cap and the backlog exceeds the workers already running; otherwise the
// existing blocked workers will pick the wakeup up.
func (p *consumerPool) considerAddingConsumer() {
	if !p.contract.isRunning() {
		return
	}
	for {
		active := p.active.Load()
		if active >= p.max.Load() {
			return
		}
		if p.contract.pendingCount() <= int(active) {
			return
		}
		if p.active.CompareAndSwap(active, active+1) {
			break
		}
	}

	id := p.seq.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.active.Add(-1)
			// A submission racing with this retirement can count the dying
			// worker as active and skip spawning; re-check the backlog now
			// that the slot is actually free.
			p.considerAddingConsumer()
		}()
		p.runConsumer(id)
	}()
}

// wait blocks until every worker has retired.
func (p *consumerPool) wait() { p.wg.Wait() }

func (p *consumerPool) runConsumer(id uint64) {
	log := p.log.With(logx.Uint64("consumer", id))
	log.Debug("consumer started")
	for p.contract.isRunning() {
		h := p.contract.nextJob(p.idleTTL)
		if h == nil {
			// Idle bound elapsed (or the scheduler stopped): retire.
			break
		}
		p.runJob(h, log)
	}
	log.Debug("consumer retired")
}

func (p *consumerPool) runJob(h *job.Holder, log logx.Logger) {
	start := time.Now()
	p.bus.Publish(eventbus.Event{Type: EventJobStarted, Data: p.contract.jobEvent(h, 0, nil)})

	err := p.execute(h)
	dur := time.Since(start)

	if err == nil {
		p.contract.reportSuccess(h)
		log.Debug("job done",
			logx.Int64("id", h.ID),
			logx.Int("runs", h.RunCount),
			logx.Duration("dur", dur))
		p.bus.Publish(eventbus.Event{Type: EventJobDone, Data: p.contract.jobEvent(h, dur, nil)})
		return
	}

	if rp, ok := h.Job.(job.RetryPolicy); ok && !rp.ShouldRetry(h.RunCount, err) {
		if c, ok := h.Job.(job.Cancelable); ok {
			c.OnCancel()
		}
		p.contract.reportCancel(h)
		log.Warn("job canceled",
			logx.Int64("id", h.ID),
			logx.Int("runs", h.RunCount),
			logx.Err(err))
		p.bus.Publish(eventbus.Event{Type: EventJobCanceled, Data: p.contract.jobEvent(h, dur, err)})
		return
	}

	p.contract.reportFailure(h)
	if p.requeueWarn.Allow() {
		log.Warn("job failed, requeued",
			logx.Int64("id", h.ID),
			logx.Int("runs", h.RunCount),
			logx.Duration("dur", dur),
			logx.Err(err))
	}
	p.bus.Publish(eventbus.Event{Type: EventJobRequeued, Data: p.contract.jobEvent(h, dur, err)})
}

// execute runs the job body. A panic counts as a failed run: every
// selected holder must end in exactly one report, so the panic must not
// unwind past this frame.
func (p *consumerPool) execute(h *job.Holder) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("panic in job",
				logx.Int64("id", h.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return h.Job.Run(context.Background())
}
