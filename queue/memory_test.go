package queue

import (
	"context"
	"testing"
	"time"

	"jobq/job"
)

type testJob struct {
	network bool
	group   string
}

func (j *testJob) Durable() bool               { return false }
func (j *testJob) RequiresNetwork() bool       { return j.network }
func (j *testJob) GroupID() string             { return j.group }
func (j *testJob) OnAdded()                    {}
func (j *testJob) Run(ctx context.Context) error { return nil }

const testSession = int64(42)

func hold(priority int, runAt int64, j job.Job) *job.Holder {
	return &job.Holder{
		Priority:  priority,
		RunAt:     runAt,
		SessionID: job.NotLeased,
		GroupID:   j.GroupID(),
		CreatedAt: time.Now().UnixNano(),
		Job:       j,
	}
}

func mustInsert(t *testing.T, q *Memory, h *job.Holder) int64 {
	t.Helper()
	id, err := q.Insert(h)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func TestNextEligiblePriorityOrder(t *testing.T) {
	q := NewMemory(testSession)
	mustInsert(t, q, hold(1, job.NotDelayed, &testJob{}))
	hi := mustInsert(t, q, hold(5, job.NotDelayed, &testJob{}))
	mid := mustInsert(t, q, hold(3, job.NotDelayed, &testJob{}))

	h, err := q.NextEligible(true, nil)
	if err != nil || h == nil {
		t.Fatalf("next: %v, %v", h, err)
	}
	if h.ID != hi {
		t.Fatalf("selected id %d, want highest-priority %d", h.ID, hi)
	}
	// hi is now leased; the next selection skips it.
	h, err = q.NextEligible(true, nil)
	if err != nil || h == nil {
		t.Fatalf("next: %v, %v", h, err)
	}
	if h.ID != mid {
		t.Fatalf("selected id %d, want %d", h.ID, mid)
	}
}

func TestNextEligibleFIFOWithinPriority(t *testing.T) {
	q := NewMemory(testSession)
	first := mustInsert(t, q, hold(3, job.NotDelayed, &testJob{}))
	mustInsert(t, q, hold(3, job.NotDelayed, &testJob{}))

	h, err := q.NextEligible(true, nil)
	if err != nil || h == nil {
		t.Fatalf("next: %v, %v", h, err)
	}
	if h.ID != first {
		t.Fatalf("selected id %d, want earliest-inserted %d", h.ID, first)
	}
}

func TestDelayedHolderNotEligibleUntilDue(t *testing.T) {
	q := NewMemory(testSession)
	mustInsert(t, q, hold(5, time.Now().Add(time.Hour).UnixNano(), &testJob{}))

	if h, _ := q.NextEligible(true, nil); h != nil {
		t.Fatalf("future-delayed holder selected: %+v", h)
	}

	due := mustInsert(t, q, hold(1, time.Now().Add(-time.Millisecond).UnixNano(), &testJob{}))
	h, err := q.NextEligible(true, nil)
	if err != nil || h == nil {
		t.Fatalf("next: %v, %v", h, err)
	}
	if h.ID != due {
		t.Fatalf("selected id %d, want due holder %d", h.ID, due)
	}
}

func TestGroupExclusion(t *testing.T) {
	q := NewMemory(testSession)
	mustInsert(t, q, hold(9, job.NotDelayed, &testJob{group: "sync"}))
	free := mustInsert(t, q, hold(1, job.NotDelayed, &testJob{}))

	h, err := q.NextEligible(true, []string{"sync"})
	if err != nil || h == nil {
		t.Fatalf("next: %v, %v", h, err)
	}
	if h.ID != free {
		t.Fatalf("selected id %d from locked group, want %d", h.ID, free)
	}
}

func TestNetworkFilter(t *testing.T) {
	q := NewMemory(testSession)
	mustInsert(t, q, hold(9, job.NotDelayed, &testJob{network: true}))
	offline := mustInsert(t, q, hold(1, job.NotDelayed, &testJob{}))

	h, err := q.NextEligible(false, nil)
	if err != nil || h == nil {
		t.Fatalf("next: %v, %v", h, err)
	}
	if h.ID != offline {
		t.Fatalf("selected network job while offline, got id %d", h.ID)
	}
}

func TestLeaseAndRequeueResetsLease(t *testing.T) {
	q := NewMemory(testSession)
	mustInsert(t, q, hold(1, job.NotDelayed, &testJob{}))

	h, err := q.NextEligible(true, nil)
	if err != nil || h == nil {
		t.Fatalf("next: %v, %v", h, err)
	}
	if h.RunCount != 1 || h.SessionID != testSession {
		t.Fatalf("lease not stamped: runCount=%d session=%d", h.RunCount, h.SessionID)
	}
	// The leased holder is still stored but no longer selectable.
	if n, _ := q.Count(); n != 1 {
		t.Fatalf("count = %d, want 1 (leased holder stays stored)", n)
	}
	if again, _ := q.NextEligible(true, nil); again != nil {
		t.Fatalf("leased holder re-selected")
	}

	if err := q.InsertOrReplace(h); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	h2, err := q.NextEligible(true, nil)
	if err != nil || h2 == nil {
		t.Fatalf("next after requeue: %v, %v", h2, err)
	}
	if h2.ID != h.ID || h2.RunCount != 2 {
		t.Fatalf("requeued holder id=%d runCount=%d, want id=%d runCount=2", h2.ID, h2.RunCount, h.ID)
	}
}

func TestStaleSessionIsEligible(t *testing.T) {
	q := NewMemory(testSession)
	h := hold(1, job.NotDelayed, &testJob{})
	h.SessionID = testSession + 1 // leased by some other, dead instance
	mustInsert(t, q, h)

	got, err := q.NextEligible(true, nil)
	if err != nil || got == nil {
		t.Fatalf("stale-leased holder not recovered: %v, %v", got, err)
	}
	if got.SessionID != testSession {
		t.Fatalf("recovered holder not re-leased: session=%d", got.SessionID)
	}
}

func TestEarliestPendingDelay(t *testing.T) {
	q := NewMemory(testSession)
	if _, ok, _ := q.EarliestPendingDelay(true); ok {
		t.Fatalf("empty queue reported a pending delay")
	}

	near := time.Now().Add(time.Minute).UnixNano()
	far := time.Now().Add(time.Hour).UnixNano()
	mustInsert(t, q, hold(1, far, &testJob{}))
	mustInsert(t, q, hold(1, near, &testJob{}))
	mustInsert(t, q, hold(1, job.NotDelayed, &testJob{})) // undelayed, ignored
	mustInsert(t, q, hold(1, near-1, &testJob{network: true}))

	got, ok, err := q.EarliestPendingDelay(true)
	if err != nil || !ok {
		t.Fatalf("delay scan: ok=%v err=%v", ok, err)
	}
	if got != near-1 {
		t.Fatalf("earliest = %d, want %d", got, near-1)
	}

	// Without network the network-bound holder drops out.
	got, ok, err = q.EarliestPendingDelay(false)
	if err != nil || !ok {
		t.Fatalf("delay scan: ok=%v err=%v", ok, err)
	}
	if got != near {
		t.Fatalf("earliest offline = %d, want %d", got, near)
	}
}

func TestRemoveAndClear(t *testing.T) {
	q := NewMemory(testSession)
	h := hold(1, job.NotDelayed, &testJob{})
	mustInsert(t, q, h)
	mustInsert(t, q, hold(2, job.NotDelayed, &testJob{}))

	if err := q.Remove(h); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.Remove(h); err != ErrNotFound {
		t.Fatalf("second remove err = %v, want ErrNotFound", err)
	}
	if n, _ := q.Count(); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	if err := q.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := q.Count(); n != 0 {
		t.Fatalf("count after clear = %d, want 0", n)
	}
}
