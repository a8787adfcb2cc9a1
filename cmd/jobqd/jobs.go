package main

import (
	"context"
	"fmt"
	"net/http"

	"jobq/job"
	"jobq/pkg/logx"
)

// Built-in job types the daemon can schedule from its config file.

// logJob writes a line through the daemon logger. Volatile: a missed
// heartbeat is worthless after a restart.
type logJob struct {
	job.Base
	Message string `json:"message"`

	log logx.Logger
}

func (j *logJob) JobType() string { return "log" }

func (j *logJob) Run(ctx context.Context) error {
	j.log.Info(j.Message)
	return nil
}

// pingJob issues a GET and fails on transport errors or 4xx/5xx. It is
// durable and network-bound, so it exercises persistence, gating, and
// retry in one entry.
type pingJob struct {
	job.Base
	URL string `json:"url"`
}

func (j *pingJob) JobType() string { return "ping" }

func (j *pingJob) Run(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.URL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ping %s: status %d", j.URL, resp.StatusCode)
	}
	return nil
}

func newRegistry() *job.Registry {
	reg := job.NewRegistry()
	// Metadata lives on the constructor, payload on the instance.
	reg.Register("ping", func() job.Encodable {
		return &pingJob{Base: job.Base{Persistent: true, NeedsNetwork: true}}
	})
	return reg
}

// jobInjector rewires non-serializable collaborators into jobs, both at
// submission and when durable jobs come back from storage.
type jobInjector struct {
	log logx.Logger
}

func (i *jobInjector) Inject(j job.Job) {
	if lj, ok := j.(*logJob); ok {
		lj.log = i.log
	}
}
