// Package schedule submits jobs to a scheduler on cron timetables. It
// only produces submissions; execution, priorities, and retries stay
// with the scheduler the jobs land in.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobq/job"
	"jobq/pkg/logx"
)

// Submitter is the scheduler surface a Trigger needs.
type Submitter interface {
	Submit(priority int, delay time.Duration, j job.Job) (int64, error)
}

// Config holds trigger settings.
type Config struct {
	// Timezone is an IANA name for interpreting cron specs; empty means
	// the process-local zone.
	Timezone string
}

type def struct {
	name     string
	spec     string
	priority int
	make     func() job.Job
}

// Trigger registers cron entries that each build and submit a fresh job
// when they fire. Entries may be added before or after Start.
type Trigger struct {
	mu sync.Mutex

	log logx.Logger
	sub Submitter
	cfg Config

	parser cron.Parser
	c      *cron.Cron
	defs   []def
}

func New(cfg Config, sub Submitter, log logx.Logger) *Trigger {
	return &Trigger{
		cfg: cfg,
		sub: sub,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a cron entry. The spec is validated immediately; makeJob
// is called once per firing so every submission gets a fresh job value.
func (t *Trigger) Add(name, spec string, priority int, makeJob func() job.Job) error {
	if makeJob == nil {
		return errors.New("schedule: nil job constructor")
	}
	if _, err := t.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule: bad spec %q: %w", spec, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	d := def{name: name, spec: spec, priority: priority, make: makeJob}
	t.defs = append(t.defs, d)
	if t.c != nil {
		return t.addLocked(d)
	}
	return nil
}

// AddInterval registers a fixed-interval entry.
func (t *Trigger) AddInterval(name string, every time.Duration, priority int, makeJob func() job.Job) error {
	if every <= 0 {
		return fmt.Errorf("schedule: non-positive interval %s", every)
	}
	return t.Add(name, fmt.Sprintf("@every %s", every), priority, makeJob)
}

// Start begins firing registered entries. It is a no-op when already
// started.
func (t *Trigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return
	}
	loc := t.loadLocationLocked()
	t.c = cron.New(cron.WithParser(t.parser), cron.WithLocation(loc))
	for _, d := range t.defs {
		_ = t.addLocked(d) // validated at Add time
	}
	t.c.Start()
	t.log.Info("trigger started",
		logx.String("tz", loc.String()),
		logx.Int("entries", len(t.defs)))
}

// Stop halts firing and waits for any in-flight submission callbacks.
// Definitions are kept; a later Start resumes them.
func (t *Trigger) Stop() {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	t.log.Info("trigger stopped")
}

func (t *Trigger) addLocked(d def) error {
	_, err := t.c.AddFunc(d.spec, func() { t.fire(d) })
	return err
}

func (t *Trigger) fire(d def) {
	id, err := t.sub.Submit(d.priority, 0, d.make())
	if err != nil {
		t.log.Warn("scheduled submit failed",
			logx.String("entry", d.name),
			logx.Err(err))
		return
	}
	t.log.Debug("scheduled submit",
		logx.String("entry", d.name),
		logx.Int64("id", id))
}

func (t *Trigger) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(t.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.log.Warn("invalid timezone, falling back to Local",
			logx.String("tz", tz),
			logx.Err(err))
		return time.Local
	}
	return loc
}
