// Package queue defines the storage contract consumed by the scheduler
// and provides the in-memory implementation used by default.
package queue

import (
	"errors"

	"jobq/job"
)

// ErrNotFound is returned by Remove when no holder carries the given id.
var ErrNotFound = errors.New("queue: holder not found")

// Queue is an ordered collection of job holders.
//
// Implementations are NOT internally synchronized: the scheduler owns one
// mutex per queue instance and serializes every call through it. Storage
// I/O errors propagate to the caller; this layer defines no recovery.
type Queue interface {
	// Insert assigns a fresh unique id to the holder, stores it, and
	// returns the id.
	Insert(h *job.Holder) (int64, error)

	// InsertOrReplace stores a holder that already carries an id,
	// overwriting any stored holder with the same id and resetting its
	// lease (SessionID becomes job.NotLeased). Used for requeue.
	InsertOrReplace(h *job.Holder) error

	// Remove permanently deletes the holder with h's id.
	Remove(h *job.Holder) error

	// NextEligible returns the stored holder with the highest priority
	// among those that are eligible: not leased by the current session,
	// not in a locked group, not delayed into the future, and not
	// network-requiring while hasNetwork is false. Ties break on earliest
	// RunAt, then insertion order.
	//
	// The returned holder is leased as a side effect (RunCount bumped,
	// SessionID stamped) but stays stored until Remove or
	// InsertOrReplace. Returns (nil, nil) when nothing is eligible.
	NextEligible(hasNetwork bool, lockedGroups []string) (*job.Holder, error)

	// EarliestPendingDelay returns the minimum RunAt over unleased,
	// network-eligible holders whose RunAt lies in the future. ok is
	// false when no such holder exists.
	EarliestPendingDelay(hasNetwork bool) (runAt int64, ok bool, err error)

	// Count returns the number of stored holders, leased ones included.
	Count() (int, error)

	// Clear removes every stored holder.
	Clear() error
}

// Factory builds the two queue instances a scheduler owns. sessionID is
// the identity of the scheduler instance (used to detect stale leases);
// namespace partitions shared storage between schedulers.
type Factory interface {
	Durable(sessionID int64, namespace string) (Queue, error)
	Volatile(sessionID int64, namespace string) (Queue, error)
}

func groupLocked(groupID string, locked []string) bool {
	if groupID == "" {
		return false
	}
	for _, g := range locked {
		if g == groupID {
			return true
		}
	}
	return false
}
