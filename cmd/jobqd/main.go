// Command jobqd runs a standalone scheduler daemon: a YAML config
// declares the queue backend and cron-driven submissions, and edits to
// it are picked up live.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"jobq"
	"jobq/pkg/logx"
	"jobq/schedule"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./jobqd.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	logSvc, log := logx.New(cfg.logConfig())
	defer logSvc.Close()

	idle, err := parseDuration("idle_timeout", cfg.IdleTimeout, 0)
	if err != nil {
		return err
	}

	reg := newRegistry()
	queues, err := buildQueueFactory(cfg, reg, log.With(logx.String("comp", "queue")))
	if err != nil {
		return err
	}

	m, err := jobq.New(jobq.Config{
		Namespace:    cfg.Namespace,
		MaxConsumers: cfg.MaxConsumers,
		IdleTimeout:  idle,
		Queues:       queues,
		Injector:     &jobInjector{log: log.With(logx.String("comp", "job"))},
		Logger:       log,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	trig := schedule.New(schedule.Config{}, m, log.With(logx.String("comp", "schedule")))
	for _, e := range cfg.Schedules {
		makeJob, err := entryJob(e, log)
		if err != nil {
			return err
		}
		if e.Every != "" {
			every, err := parseDuration("schedules."+e.Name+".every", e.Every, 0)
			if err != nil {
				return err
			}
			err = trig.AddInterval(e.Name, every, e.Priority, makeJob)
			if err != nil {
				return err
			}
			continue
		}
		if err := trig.Add(e.Name, e.Spec, e.Priority, makeJob); err != nil {
			return err
		}
	}
	trig.Start()
	defer trig.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchConfig(gctx, cfgPath, log, func(next *fileConfig) {
			applyRuntime(next, logSvc, m)
		})
	})

	// Drain lifecycle events so failures surface in the daemon log even
	// when jobs themselves log nothing.
	g.Go(func() error {
		ch, unsub := m.Events().Subscribe(64)
		defer unsub()
		for {
			select {
			case <-gctx.Done():
				return nil
			case e, ok := <-ch:
				if !ok {
					return nil
				}
				if je, isJob := e.Data.(jobq.JobEvent); isJob && je.Error != "" {
					log.Warn("job attempt failed",
						logx.String("event", e.Type),
						logx.Int64("id", je.ID),
						logx.Int("runs", je.RunCount),
						logx.String("err", je.Error))
				}
			}
		}
	})

	log.Info("jobqd running",
		logx.String("config", cfgPath),
		logx.String("backend", cfg.Queue.Backend),
		logx.Int("schedules", len(cfg.Schedules)))

	<-gctx.Done()

	// Stop selection right away; the deferred Close waits for in-flight
	// jobs to report.
	m.Stop()
	return g.Wait()
}
