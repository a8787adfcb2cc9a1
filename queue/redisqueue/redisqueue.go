// Package redisqueue persists durable job holders in Redis. Holder
// records live in one hash per namespace; selection happens client-side,
// which is safe because the scheduler serializes all queue access.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"jobq/job"
	"jobq/pkg/logx"
	"jobq/queue"
)

// Config holds the Redis backend settings.
type Config struct {
	// URL, when set, wins over the discrete fields (redis:// / rediss://).
	URL      string
	Addr     string
	DB       int
	Username string
	Password string
}

// record is the wire form of a holder in the namespace hash.
type record struct {
	ID              int64           `json:"id"`
	Priority        int             `json:"priority"`
	RunAt           int64           `json:"run_at"`
	RunCount        int             `json:"run_count"`
	SessionID       int64           `json:"session_id"`
	GroupID         string          `json:"group_id,omitempty"`
	RequiresNetwork bool            `json:"requires_network,omitempty"`
	JobType         string          `json:"job_type"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       int64           `json:"created_at"`
}

// Redis implements queue.Queue on a Redis hash. Records written by an
// earlier session carry its stale session id and become eligible again
// for the current one.
type Redis struct {
	rdb       *redis.Client
	sessionID int64
	ns        string
	reg       *job.Registry
	log       logx.Logger
}

// Open connects to Redis and verifies the connection.
func Open(cfg Config, sessionID int64, namespace string, reg *job.Registry, log logx.Logger) (*Redis, error) {
	if reg == nil {
		return nil, errors.New("redisqueue: registry is required")
	}

	var opts *redis.Options
	if cfg.URL != "" {
		var err error
		opts, err = redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redisqueue: parse url: %w", err)
		}
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redisqueue: addr or url is required")
		}
		opts = &redis.Options{
			Addr:     cfg.Addr,
			DB:       cfg.DB,
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb, sessionID: sessionID, ns: namespace, reg: reg, log: log}, nil
}

func (q *Redis) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}

func (q *Redis) holdersKey() string { return "jobq:" + q.ns + ":holders" }
func (q *Redis) seqKey() string     { return "jobq:" + q.ns + ":seq" }

func (q *Redis) ctx() context.Context { return context.Background() }

func (q *Redis) Insert(h *job.Holder) (int64, error) {
	id, err := q.rdb.Incr(q.ctx(), q.seqKey()).Result()
	if err != nil {
		return 0, err
	}
	h.ID = id
	if err := q.put(h); err != nil {
		return 0, err
	}
	return id, nil
}

func (q *Redis) InsertOrReplace(h *job.Holder) error {
	h.SessionID = job.NotLeased
	return q.put(h)
}

func (q *Redis) put(h *job.Holder) error {
	typeName, payload, err := q.reg.Encode(h.Job)
	if err != nil {
		return err
	}
	rec := record{
		ID:              h.ID,
		Priority:        h.Priority,
		RunAt:           h.RunAt,
		RunCount:        h.RunCount,
		SessionID:       h.SessionID,
		GroupID:         h.GroupID,
		RequiresNetwork: h.Job.RequiresNetwork(),
		JobType:         typeName,
		Payload:         payload,
		CreatedAt:       h.CreatedAt,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.rdb.HSet(q.ctx(), q.holdersKey(), strconv.FormatInt(h.ID, 10), b).Err()
}

func (q *Redis) Remove(h *job.Holder) error {
	n, err := q.rdb.HDel(q.ctx(), q.holdersKey(), strconv.FormatInt(h.ID, 10)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func (q *Redis) NextEligible(hasNetwork bool, lockedGroups []string) (*job.Holder, error) {
	now := time.Now().UnixNano()
	all, err := q.rdb.HGetAll(q.ctx(), q.holdersKey()).Result()
	if err != nil {
		return nil, err
	}

	recs := make([]record, 0, len(all))
	for field, raw := range all {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			q.log.Error("dropping undecodable holder",
				logx.String("field", field),
				logx.Err(err))
			_, _ = q.rdb.HDel(q.ctx(), q.holdersKey(), field).Result()
			continue
		}
		recs = append(recs, rec)
	}

	for {
		var best *record
		bestIdx := -1
		for i := range recs {
			rec := &recs[i]
			if !eligible(rec, q.sessionID, now, hasNetwork, lockedGroups) {
				continue
			}
			if best == nil || beats(rec, best) {
				best, bestIdx = rec, i
			}
		}
		if best == nil {
			return nil, nil
		}

		j, err := q.reg.Decode(best.JobType, best.Payload)
		if err != nil {
			// Drop the record and re-pick so one corrupt record does not
			// stall selection.
			q.log.Error("dropping undecodable holder",
				logx.Int64("id", best.ID),
				logx.String("type", best.JobType),
				logx.Err(err))
			if delErr := q.rdb.HDel(q.ctx(), q.holdersKey(), strconv.FormatInt(best.ID, 10)).Err(); delErr != nil {
				return nil, delErr
			}
			recs[bestIdx] = recs[len(recs)-1]
			recs = recs[:len(recs)-1]
			continue
		}

		best.RunCount++
		best.SessionID = q.sessionID
		b, err := json.Marshal(best)
		if err != nil {
			return nil, err
		}
		if err := q.rdb.HSet(q.ctx(), q.holdersKey(), strconv.FormatInt(best.ID, 10), b).Err(); err != nil {
			return nil, err
		}

		return &job.Holder{
			ID:        best.ID,
			Priority:  best.Priority,
			RunAt:     best.RunAt,
			RunCount:  best.RunCount,
			SessionID: best.SessionID,
			GroupID:   best.GroupID,
			CreatedAt: best.CreatedAt,
			Job:       j,
		}, nil
	}
}

func (q *Redis) EarliestPendingDelay(hasNetwork bool) (int64, bool, error) {
	now := time.Now().UnixNano()
	all, err := q.rdb.HGetAll(q.ctx(), q.holdersKey()).Result()
	if err != nil {
		return 0, false, err
	}
	var min int64
	found := false
	for _, raw := range all {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.SessionID == q.sessionID || rec.RunAt <= now {
			continue
		}
		if !hasNetwork && rec.RequiresNetwork {
			continue
		}
		if !found || rec.RunAt < min {
			min = rec.RunAt
			found = true
		}
	}
	return min, found, nil
}

func (q *Redis) Count() (int, error) {
	n, err := q.rdb.HLen(q.ctx(), q.holdersKey()).Result()
	return int(n), err
}

func (q *Redis) Clear() error {
	return q.rdb.Del(q.ctx(), q.holdersKey(), q.seqKey()).Err()
}

func eligible(rec *record, sessionID, now int64, hasNetwork bool, locked []string) bool {
	if rec.SessionID == sessionID {
		return false
	}
	if rec.GroupID != "" {
		for _, g := range locked {
			if g == rec.GroupID {
				return false
			}
		}
	}
	if rec.RunAt > now {
		return false
	}
	if !hasNetwork && rec.RequiresNetwork {
		return false
	}
	return true
}

func beats(a, b *record) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.RunAt != b.RunAt {
		return a.RunAt < b.RunAt
	}
	return a.ID < b.ID
}

// Factory pairs a Redis durable queue with the default in-memory
// volatile queue.
type Factory struct {
	Config   Config
	Registry *job.Registry
	Log      logx.Logger
}

func (f Factory) Durable(sessionID int64, namespace string) (queue.Queue, error) {
	return Open(f.Config, sessionID, namespace, f.Registry, f.Log)
}

func (f Factory) Volatile(sessionID int64, namespace string) (queue.Queue, error) {
	return queue.NewMemory(sessionID), nil
}
