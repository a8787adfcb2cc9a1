package jobq

import (
	"time"

	"jobq/job"
)

// Event types published on the Manager's bus.
const (
	EventJobAdded    = "job.added"
	EventJobStarted  = "job.started"
	EventJobDone     = "job.done"
	EventJobRequeued = "job.requeued"
	EventJobCanceled = "job.canceled"
	EventNetChanged  = "net.changed"
)

// JobEvent is the Data payload of every job.* event.
type JobEvent struct {
	ID        int64         `json:"id"`
	Namespace string        `json:"namespace"`
	Group     string        `json:"group,omitempty"`
	Priority  int           `json:"priority"`
	RunCount  int           `json:"run_count"`
	Durable   bool          `json:"durable"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// NetEvent is the Data payload of net.changed.
type NetEvent struct {
	Connected bool `json:"connected"`
}

func (m *Manager) jobEvent(h *job.Holder, dur time.Duration, err error) JobEvent {
	ev := JobEvent{
		ID:        h.ID,
		Namespace: m.cfg.Namespace,
		Group:     h.GroupID,
		Priority:  h.Priority,
		RunCount:  h.RunCount,
		Durable:   h.Job.Durable(),
		Duration:  dur,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
