package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"jobq/job"
	"jobq/pkg/logx"
)

type tickJob struct{ job.Base }

func (tickJob) Run(ctx context.Context) error { return nil }

type fakeSubmitter struct {
	count atomic.Int32
	last  atomic.Int32
}

func (s *fakeSubmitter) Submit(priority int, delay time.Duration, j job.Job) (int64, error) {
	s.last.Store(int32(priority))
	return int64(s.count.Add(1)), nil
}

func TestAddRejectsBadSpec(t *testing.T) {
	tr := New(Config{}, &fakeSubmitter{}, logx.Logger{})
	if err := tr.Add("bad", "not a cron spec", 0, func() job.Job { return tickJob{} }); err == nil {
		t.Fatalf("bad spec accepted")
	}
	if err := tr.Add("nil", "@every 1s", 0, nil); err == nil {
		t.Fatalf("nil constructor accepted")
	}
	if err := tr.AddInterval("neg", -time.Second, 0, func() job.Job { return tickJob{} }); err == nil {
		t.Fatalf("negative interval accepted")
	}
}

func TestIntervalEntrySubmits(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(Config{}, sub, logx.Logger{})
	if err := tr.AddInterval("tick", 20*time.Millisecond, 7, func() job.Job { return tickJob{} }); err != nil {
		t.Fatalf("add: %v", err)
	}

	tr.Start()
	defer tr.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for sub.count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.count.Load() == 0 {
		t.Fatalf("entry never fired")
	}
	if got := sub.last.Load(); got != 7 {
		t.Fatalf("submitted priority %d, want 7", got)
	}
}

func TestAddAfterStartRegisters(t *testing.T) {
	sub := &fakeSubmitter{}
	tr := New(Config{}, sub, logx.Logger{})
	tr.Start()
	defer tr.Stop()

	if err := tr.AddInterval("late", 20*time.Millisecond, 0, func() job.Job { return tickJob{} }); err != nil {
		t.Fatalf("add after start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sub.count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.count.Load() == 0 {
		t.Fatalf("late entry never fired")
	}
}
