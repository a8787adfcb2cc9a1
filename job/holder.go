package job

import "math"

const (
	// NotLeased is the SessionID of a holder no scheduler instance has
	// checked out.
	NotLeased int64 = math.MinInt64

	// NotDelayed is the RunAt of a holder that is eligible immediately.
	// It sorts before every real timestamp, so among equal priorities an
	// undelayed holder wins over a delayed one.
	NotDelayed int64 = math.MinInt64
)

// Holder is the scheduling envelope around a Job. The scheduler creates
// one per submission and is the only writer; workers treat it as opaque.
//
// A holder lives in exactly one queue. Selection stamps SessionID and
// bumps RunCount but leaves the holder stored; it is removed on success
// and re-stored (lease reset) on failure.
type Holder struct {
	// ID is unique within the originating queue.
	ID int64

	// Priority orders selection; higher runs first.
	Priority int

	// RunAt is the UnixNano instant before which the holder is not
	// eligible, or NotDelayed.
	RunAt int64

	// RunCount is the number of times the holder has been selected.
	RunCount int

	// SessionID identifies the scheduler instance currently holding the
	// lease, or NotLeased. A durable holder carrying the session id of a
	// dead process is eligible again after restart.
	SessionID int64

	// GroupID is copied from the Job at submission ("" = ungrouped).
	GroupID string

	// CreatedAt is the UnixNano submission instant.
	CreatedAt int64

	Job Job
}

// Delayed reports whether the holder carries a real RunAt.
func (h *Holder) Delayed() bool { return h.RunAt != NotDelayed }
