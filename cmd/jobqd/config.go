package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	"jobq"
	"jobq/job"
	"jobq/pkg/logx"
	"jobq/queue"
	"jobq/queue/pgqueue"
	"jobq/queue/redisqueue"
	"jobq/queue/sqlitequeue"
)

type fileConfig struct {
	Namespace    string `yaml:"namespace"`
	MaxConsumers int    `yaml:"max_consumers"`
	IdleTimeout  string `yaml:"idle_timeout"`

	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
		File    struct {
			Enabled bool   `yaml:"enabled"`
			Path    string `yaml:"path"`
		} `yaml:"file"`
	} `yaml:"log"`

	Queue struct {
		Backend string `yaml:"backend"` // memory (default), sqlite, postgres, redis
		SQLite  struct {
			Path        string `yaml:"path"`
			BusyTimeout string `yaml:"busy_timeout"`
		} `yaml:"sqlite"`
		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`
		Redis struct {
			URL      string `yaml:"url"`
			Addr     string `yaml:"addr"`
			DB       int    `yaml:"db"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
		} `yaml:"redis"`
	} `yaml:"queue"`

	Schedules []scheduleEntry `yaml:"schedules"`
}

type scheduleEntry struct {
	Name     string `yaml:"name"`
	Job      string `yaml:"job"` // log, ping
	Spec     string `yaml:"spec"`
	Every    string `yaml:"every"`
	Priority int    `yaml:"priority"`
	Message  string `yaml:"message"`
	URL      string `yaml:"url"`
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

func buildQueueFactory(cfg *fileConfig, reg *job.Registry, log logx.Logger) (queue.Factory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Backend)) {
	case "", "memory":
		return queue.MemoryFactory{}, nil
	case "sqlite":
		busy, err := parseDuration("queue.sqlite.busy_timeout", cfg.Queue.SQLite.BusyTimeout, time.Second)
		if err != nil {
			return nil, err
		}
		path := cfg.Queue.SQLite.Path
		if path == "" {
			path = "./jobq.db"
		}
		return sqlitequeue.Factory{
			Config:   sqlitequeue.Config{Path: path, BusyTimeout: busy},
			Registry: reg,
			Log:      log,
		}, nil
	case "postgres":
		return pgqueue.Factory{
			Config:   pgqueue.Config{DSN: cfg.Queue.Postgres.DSN},
			Registry: reg,
			Log:      log,
		}, nil
	case "redis":
		return redisqueue.Factory{
			Config: redisqueue.Config{
				URL:      cfg.Queue.Redis.URL,
				Addr:     cfg.Queue.Redis.Addr,
				DB:       cfg.Queue.Redis.DB,
				Username: cfg.Queue.Redis.Username,
				Password: cfg.Queue.Redis.Password,
			},
			Registry: reg,
			Log:      log,
		}, nil
	default:
		return nil, fmt.Errorf("queue.backend: unknown backend %q", cfg.Queue.Backend)
	}
}

func (c *fileConfig) logConfig() logx.Config {
	lc := logx.Config{Level: c.Log.Level, Console: c.Log.Console}
	lc.File.Enabled = c.Log.File.Enabled
	lc.File.Path = c.Log.File.Path
	if !lc.Console && !lc.File.Enabled {
		lc.Console = true
	}
	return lc
}

func entryJob(e scheduleEntry, log logx.Logger) (func() job.Job, error) {
	switch e.Job {
	case "log":
		if e.Message == "" {
			return nil, fmt.Errorf("schedule %q: log job needs a message", e.Name)
		}
		return func() job.Job {
			return &logJob{Message: e.Message, log: log}
		}, nil
	case "ping":
		if e.URL == "" {
			return nil, fmt.Errorf("schedule %q: ping job needs a url", e.Name)
		}
		return func() job.Job {
			return &pingJob{
				Base: job.Base{Persistent: true, NeedsNetwork: true},
				URL:  e.URL,
			}
		}, nil
	default:
		return nil, fmt.Errorf("schedule %q: unknown job type %q", e.Name, e.Job)
	}
}

// watchConfig reloads the file on change (debounced; editors fire
// several events per save) and hands parsed configs to apply. Only
// settings that can move at runtime are applied: log level/sinks and
// max_consumers.
func watchConfig(ctx context.Context, path string, log logx.Logger, apply func(*fileConfig)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var timerMu sync.Mutex
	var timer *time.Timer
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	reload := func() {
		cfg, err := loadConfig(path)
		if err != nil {
			log.Warn("config reload rejected", logx.String("path", path), logx.Err(err))
			return
		}
		apply(cfg)
		log.Info("config reloaded", logx.String("path", path))
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, reload)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}

// applyRuntime pushes reloadable settings into live components.
func applyRuntime(cfg *fileConfig, logSvc *logx.Service, m *jobq.Manager) {
	logSvc.Apply(cfg.logConfig())
	if cfg.MaxConsumers > 0 {
		m.SetMaxConsumers(cfg.MaxConsumers)
	}
}
