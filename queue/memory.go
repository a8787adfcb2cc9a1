package queue

import (
	"time"

	"jobq/job"
)

// Memory is the in-memory Queue. It backs the volatile queue and, absent
// a persistent backend, the "trivial durable" default (durable in
// contract, not across restarts).
type Memory struct {
	sessionID int64
	nextID    int64
	holders   map[int64]*job.Holder
}

// NewMemory returns an empty in-memory queue bound to sessionID.
func NewMemory(sessionID int64) *Memory {
	return &Memory{sessionID: sessionID, holders: make(map[int64]*job.Holder)}
}

func (q *Memory) Insert(h *job.Holder) (int64, error) {
	q.nextID++
	h.ID = q.nextID
	q.holders[h.ID] = h
	return h.ID, nil
}

func (q *Memory) InsertOrReplace(h *job.Holder) error {
	h.SessionID = job.NotLeased
	q.holders[h.ID] = h
	return nil
}

func (q *Memory) Remove(h *job.Holder) error {
	if _, ok := q.holders[h.ID]; !ok {
		return ErrNotFound
	}
	delete(q.holders, h.ID)
	return nil
}

func (q *Memory) NextEligible(hasNetwork bool, lockedGroups []string) (*job.Holder, error) {
	now := time.Now().UnixNano()
	var best *job.Holder
	for _, h := range q.holders {
		if !q.eligible(h, now, hasNetwork, lockedGroups) {
			continue
		}
		if best == nil || beats(h, best) {
			best = h
		}
	}
	if best == nil {
		return nil, nil
	}
	best.RunCount++
	best.SessionID = q.sessionID
	return best, nil
}

func (q *Memory) EarliestPendingDelay(hasNetwork bool) (int64, bool, error) {
	now := time.Now().UnixNano()
	var min int64
	found := false
	for _, h := range q.holders {
		if h.SessionID == q.sessionID {
			continue
		}
		if !hasNetwork && h.Job.RequiresNetwork() {
			continue
		}
		if !h.Delayed() || h.RunAt <= now {
			continue
		}
		if !found || h.RunAt < min {
			min = h.RunAt
			found = true
		}
	}
	return min, found, nil
}

func (q *Memory) Count() (int, error) { return len(q.holders), nil }

func (q *Memory) Clear() error {
	q.holders = make(map[int64]*job.Holder)
	return nil
}

func (q *Memory) eligible(h *job.Holder, now int64, hasNetwork bool, locked []string) bool {
	if h.SessionID == q.sessionID {
		return false // leased in this session
	}
	if groupLocked(h.GroupID, locked) {
		return false
	}
	if h.Delayed() && h.RunAt > now {
		return false
	}
	if !hasNetwork && h.Job.RequiresNetwork() {
		return false
	}
	return true
}

// beats reports whether a should be selected ahead of b: higher priority,
// then earlier RunAt (NotDelayed sorts first), then insertion order.
func beats(a, b *job.Holder) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.RunAt != b.RunAt {
		return a.RunAt < b.RunAt
	}
	return a.ID < b.ID
}

// MemoryFactory is the default queue factory: both queues in memory.
type MemoryFactory struct{}

func (MemoryFactory) Durable(sessionID int64, namespace string) (Queue, error) {
	return NewMemory(sessionID), nil
}

func (MemoryFactory) Volatile(sessionID int64, namespace string) (Queue, error) {
	return NewMemory(sessionID), nil
}
