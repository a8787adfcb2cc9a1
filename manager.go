package jobq

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"jobq/job"
	"jobq/pkg/eventbus"
	"jobq/pkg/logx"
	"jobq/queue"
)

// Manager is the scheduling core: it routes submissions into a durable
// and a volatile queue, selects eligible work for a bounded pool of
// consumers, and mediates success/failure reporting.
//
// Lock order, where multiple are held: selectMu, then a queue mutex.
// selectMu serializes selection and reporting and guards the
// group-exclusivity set; each queue has its own mutex because queue
// implementations are not internally synchronized.
type Manager struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	// sessionID distinguishes this instance so durable queues can spot
	// leases left behind by a dead process.
	sessionID int64

	durable    queue.Queue
	volatile   queue.Queue
	durableMu  sync.Mutex
	volatileMu sync.Mutex

	selectMu      sync.Mutex
	runningGroups map[string]struct{}

	running  atomic.Bool
	gate     NetworkGate
	pushGate bool

	wake *wakeSignal
	pool *consumerPool

	timerMu   sync.Mutex
	wakeTimer *time.Timer
}

// New builds a Manager, opens both queues, registers as network listener
// if the gate supports push events, and starts in the running state. A
// durable backend holding work from a previous run is picked up
// immediately.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:           cfg,
		log:           cfg.Logger.With(logx.String("comp", "jobq"), logx.String("ns", cfg.Namespace)),
		bus:           cfg.Bus,
		sessionID:     time.Now().UnixNano(),
		runningGroups: make(map[string]struct{}),
		gate:          cfg.Network,
		wake:          newWakeSignal(),
	}

	var err error
	if m.durable, err = cfg.Queues.Durable(m.sessionID, cfg.Namespace); err != nil {
		return nil, fmt.Errorf("jobq: open durable queue: %w", err)
	}
	if m.volatile, err = cfg.Queues.Volatile(m.sessionID, cfg.Namespace); err != nil {
		// The durable backend may hold a live connection.
		if c, ok := m.durable.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, fmt.Errorf("jobq: open volatile queue: %w", err)
	}

	if src, ok := cfg.Network.(NetworkEventSource); ok {
		m.pushGate = true
		src.SetListener(m.OnNetworkChange)
	}

	m.running.Store(true)
	m.pool = newConsumerPool(m, cfg.MaxConsumers, cfg.IdleTimeout, m.log, m.bus)

	m.log.Info("scheduler ready",
		logx.Int64("session", m.sessionID),
		logx.Int("max_consumers", cfg.MaxConsumers),
		logx.Bool("push_network", m.pushGate))

	// Recovered durable work and its delays.
	m.ensureConsumerWhenNeeded(nil)
	m.pool.considerAddingConsumer()
	return m, nil
}

// Submit wraps j in a holder, stores it in the queue matching its
// durability, fires the injection and OnAdded hooks, and wakes the pool.
// It returns the queue-assigned id.
func (m *Manager) Submit(priority int, delay time.Duration, j job.Job) (int64, error) {
	if j == nil {
		return 0, errors.New("jobq: nil job")
	}
	now := time.Now()
	runAt := job.NotDelayed
	if delay > 0 {
		runAt = now.Add(delay).UnixNano()
	}
	h := &job.Holder{
		Priority:  priority,
		RunAt:     runAt,
		SessionID: job.NotLeased,
		GroupID:   j.GroupID(),
		CreatedAt: now.UnixNano(),
		Job:       j,
	}

	var id int64
	var err error
	if j.Durable() {
		m.durableMu.Lock()
		id, err = m.durable.Insert(h)
		m.durableMu.Unlock()
	} else {
		m.volatileMu.Lock()
		id, err = m.volatile.Insert(h)
		m.volatileMu.Unlock()
	}
	if err != nil {
		return 0, fmt.Errorf("jobq: submit: %w", err)
	}

	if m.log.Enabled(logx.LevelDebug) {
		m.log.Debug("job added",
			logx.Int64("id", id),
			logx.Int("priority", priority),
			logx.Duration("delay", delay),
			logx.String("group", h.GroupID),
			logx.Bool("durable", j.Durable()))
	}

	// Inject before OnAdded so the hook sees a fully wired job.
	if m.cfg.Injector != nil {
		m.cfg.Injector.Inject(j)
	}
	j.OnAdded()

	m.bus.Publish(eventbus.Event{Type: EventJobAdded, Data: m.jobEvent(h, 0, nil)})
	m.notifyConsumers()
	return id, nil
}

// selectNext is the single serialized selection step: one connectivity
// snapshot, volatile queue first, then durable; durable hits are
// re-injected (they may have been loaded fresh from storage); a selected
// holder's group is locked until it is reported.
func (m *Manager) selectNext() (*job.Holder, error) {
	m.selectMu.Lock()
	defer m.selectMu.Unlock()

	hasNet := m.gate.IsConnected()
	locked := m.lockedGroupsLocked()

	m.volatileMu.Lock()
	h, err := m.volatile.NextEligible(hasNet, locked)
	m.volatileMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("jobq: volatile select: %w", err)
	}

	fromDurable := false
	if h == nil {
		// Same connectivity snapshot as the volatile check, even if the
		// gate flipped in between.
		m.durableMu.Lock()
		h, err = m.durable.NextEligible(hasNet, locked)
		m.durableMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("jobq: durable select: %w", err)
		}
		fromDurable = true
	}
	if h == nil {
		return nil, nil
	}

	if fromDurable && m.cfg.Injector != nil {
		m.cfg.Injector.Inject(h.Job)
	}
	if h.GroupID != "" {
		m.runningGroups[h.GroupID] = struct{}{}
	}
	return h, nil
}

// reportSuccess removes the holder and releases its group. The reporting
// worker loops straight back into selection, so no broadcast is needed.
func (m *Manager) reportSuccess(h *job.Holder) {
	m.selectMu.Lock()
	defer m.selectMu.Unlock()

	if err := m.removeLocked(h); err != nil {
		m.log.Error("remove after success failed", logx.Int64("id", h.ID), logx.Err(err))
	}
	delete(m.runningGroups, h.GroupID)
}

// reportFailure re-stores the holder (lease reset, same id), releases its
// group, and wakes the pool: the holder is immediately eligible again.
func (m *Manager) reportFailure(h *job.Holder) {
	m.selectMu.Lock()
	var err error
	if h.Job.Durable() {
		m.durableMu.Lock()
		err = m.durable.InsertOrReplace(h)
		m.durableMu.Unlock()
	} else {
		m.volatileMu.Lock()
		err = m.volatile.InsertOrReplace(h)
		m.volatileMu.Unlock()
	}
	if err != nil {
		m.log.Error("requeue after failure failed", logx.Int64("id", h.ID), logx.Err(err))
	}
	delete(m.runningGroups, h.GroupID)
	m.selectMu.Unlock()

	m.notifyConsumers()
}

// reportCancel removes a holder whose job declined further retries.
func (m *Manager) reportCancel(h *job.Holder) {
	m.selectMu.Lock()
	defer m.selectMu.Unlock()

	if err := m.removeLocked(h); err != nil {
		m.log.Error("remove after cancel failed", logx.Int64("id", h.ID), logx.Err(err))
	}
	delete(m.runningGroups, h.GroupID)
}

func (m *Manager) removeLocked(h *job.Holder) error {
	if h.Job.Durable() {
		m.durableMu.Lock()
		defer m.durableMu.Unlock()
		return m.durable.Remove(h)
	}
	m.volatileMu.Lock()
	defer m.volatileMu.Unlock()
	return m.volatile.Remove(h)
}

// lockedGroupsLocked snapshots the group set; caller holds selectMu.
func (m *Manager) lockedGroupsLocked() []string {
	if len(m.runningGroups) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.runningGroups))
	for g := range m.runningGroups {
		out = append(out, g)
	}
	return out
}

// nextJob blocks up to timeout for an eligible holder. Waits are capped
// at networkPollInterval when the gate cannot push events; with a push
// gate the wait runs to the deadline and the one-shot wake timer covers
// delayed-job expiry.
func (m *Manager) nextJob(timeout time.Duration) *job.Holder {
	deadline := time.Now().Add(timeout)
	for {
		if !m.running.Load() {
			return nil
		}
		// Take the wake channel before scanning so a broadcast landing
		// between the scan and the block below is not lost.
		ch := m.wake.wait()
		h, err := m.selectNext()
		if err != nil {
			m.log.Error("job selection failed", logx.Err(err))
		}
		if h != nil {
			return h
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if m.pushGate {
			// Event-driven waiters would sleep through a delay expiry;
			// re-arm the wake timer before blocking.
			m.ensureConsumerWhenNeeded(nil)
		}
		wait := remaining
		if !m.pushGate && wait > networkPollInterval {
			wait = networkPollInterval
		}

		t := time.NewTimer(wait)
		select {
		case <-ch:
		case <-t.C:
		}
		t.Stop()
	}
}

// ensureConsumerWhenNeeded re-evaluates delayed work: broadcast now if
// the earliest pending delay is due, otherwise arm a one-shot timer for
// it. hasNetwork nil means "observe", but only gates that push events
// are worth observing; otherwise assume connected and let the bounded
// poll catch up.
func (m *Manager) ensureConsumerWhenNeeded(hasNetwork *bool) {
	hasNet := true
	if hasNetwork != nil {
		hasNet = *hasNetwork
	} else if m.pushGate {
		hasNet = m.gate.IsConnected()
	}

	now := time.Now().UnixNano()

	m.volatileMu.Lock()
	next, ok, err := m.volatile.EarliestPendingDelay(hasNet)
	m.volatileMu.Unlock()
	if err != nil {
		m.log.Error("volatile delay scan failed", logx.Err(err))
	}
	if ok && next <= now {
		m.notifyConsumers()
		return
	}

	m.durableMu.Lock()
	dNext, dOK, dErr := m.durable.EarliestPendingDelay(hasNet)
	m.durableMu.Unlock()
	if dErr != nil {
		m.log.Error("durable delay scan failed", logx.Err(dErr))
	}
	if dOK && (!ok || dNext < next) {
		next, ok = dNext, true
	}
	if !ok {
		return
	}
	if next <= time.Now().UnixNano() {
		m.notifyConsumers()
		return
	}
	m.armWakeTimer(time.Duration(next - now))
}

// armWakeTimer replaces the pending one-shot timer; timers never
// accumulate.
func (m *Manager) armWakeTimer(d time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
	}
	m.wakeTimer = time.AfterFunc(d, m.notifyConsumers)
}

func (m *Manager) notifyConsumers() {
	m.wake.broadcast()
	m.pool.considerAddingConsumer()
}

// OnNetworkChange is invoked by push-capable gates (and may be called
// directly). Waiting workers are broadcast unconditionally: a newly
// connected gate can make undelayed network-bound work eligible, which
// the delay scan alone would not surface.
func (m *Manager) OnNetworkChange(connected bool) {
	m.bus.Publish(eventbus.Event{Type: EventNetChanged, Data: NetEvent{Connected: connected}})
	m.log.Debug("network changed", logx.Bool("connected", connected))
	if connected {
		m.notifyConsumers()
	}
	c := connected
	m.ensureConsumerWhenNeeded(&c)
}

// Stop pauses new job selection. In-flight jobs finish and report
// normally; blocked workers wake and retire.
func (m *Manager) Stop() {
	if m.running.CompareAndSwap(true, false) {
		m.log.Info("scheduler stopped")
		m.wake.broadcast()
	}
}

// Start resumes selection after Stop and immediately signals workers.
func (m *Manager) Start() {
	if m.running.CompareAndSwap(false, true) {
		m.log.Info("scheduler started")
		m.notifyConsumers()
	}
}

// SetMaxConsumers adjusts the worker cap. Shrinking never kills running
// workers; the pool shrinks as they retire.
func (m *Manager) SetMaxConsumers(n int) {
	m.pool.setMax(n)
	m.pool.considerAddingConsumer()
}

// PendingCount is the number of stored holders across both queues,
// in-flight ones included.
func (m *Manager) PendingCount() int {
	m.volatileMu.Lock()
	vc, vErr := m.volatile.Count()
	m.volatileMu.Unlock()
	if vErr != nil {
		m.log.Error("volatile count failed", logx.Err(vErr))
	}
	m.durableMu.Lock()
	dc, dErr := m.durable.Count()
	m.durableMu.Unlock()
	if dErr != nil {
		m.log.Error("durable count failed", logx.Err(dErr))
	}
	return vc + dc
}

// Clear drops every stored holder and releases all group locks.
func (m *Manager) Clear() {
	m.selectMu.Lock()
	defer m.selectMu.Unlock()

	m.volatileMu.Lock()
	if err := m.volatile.Clear(); err != nil {
		m.log.Error("volatile clear failed", logx.Err(err))
	}
	m.volatileMu.Unlock()

	m.durableMu.Lock()
	if err := m.durable.Clear(); err != nil {
		m.log.Error("durable clear failed", logx.Err(err))
	}
	m.durableMu.Unlock()

	m.runningGroups = make(map[string]struct{})
	m.log.Info("queues cleared")
}

// Events exposes the lifecycle bus.
func (m *Manager) Events() eventbus.Bus { return m.bus }

// Close stops the manager, waits for workers to retire, and closes queue
// backends that hold resources.
func (m *Manager) Close() error {
	m.Stop()

	m.timerMu.Lock()
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
		m.wakeTimer = nil
	}
	m.timerMu.Unlock()

	m.pool.wait()

	var firstErr error
	for _, q := range []queue.Queue{m.volatile, m.durable} {
		if c, ok := q.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Contract methods handed to the consumer pool.

func (m *Manager) isRunning() bool            { return m.running.Load() }
func (m *Manager) canPushNetworkEvents() bool { return m.pushGate }
func (m *Manager) pendingCount() int          { return m.PendingCount() }
