package jobq

import (
	"time"

	"jobq/job"
	"jobq/pkg/eventbus"
	"jobq/pkg/logx"
	"jobq/queue"
)

const (
	defaultNamespace    = "default"
	defaultMaxConsumers = 5
	defaultIdleTimeout  = 15 * time.Second

	// networkPollInterval caps blocking waits when the network gate cannot
	// push change events, so workers notice delayed-job expiry and silent
	// connectivity changes without being told.
	networkPollInterval = 500 * time.Millisecond
)

// Injector is an optional dependency-injection hook. It runs on every job
// at submission, and again on durable jobs when they are first selected
// in a session (they may have been loaded fresh from storage).
type Injector interface {
	Inject(j job.Job)
}

// Config carries the collaborators and knobs of a Manager. The zero value
// is usable: in-memory queues (durable in contract only), an
// assumed-connected network gate, no injector, no-op logging.
type Config struct {
	// Namespace partitions shared queue storage between schedulers.
	Namespace string

	// MaxConsumers caps the number of concurrent workers.
	MaxConsumers int

	// IdleTimeout bounds how long a worker waits for work before retiring.
	IdleTimeout time.Duration

	// Queues builds the durable and volatile queue instances.
	Queues queue.Factory

	// Network reports connectivity. Gates implementing NetworkEventSource
	// push changes; others are polled on a bounded interval.
	Network NetworkGate

	// Injector, if set, runs on jobs per the Injector contract.
	Injector Injector

	Logger logx.Logger
	Bus    eventbus.Bus
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.MaxConsumers <= 0 {
		c.MaxConsumers = defaultMaxConsumers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.Queues == nil {
		c.Queues = queue.MemoryFactory{}
	}
	if c.Network == nil {
		c.Network = AssumeConnected{}
	}
	if c.Bus == nil {
		c.Bus = eventbus.New()
	}
	return c
}
