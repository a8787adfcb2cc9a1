// Package pgqueue persists durable job holders in PostgreSQL, for
// deployments where queue state must live off the host running the
// scheduler.
package pgqueue

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"jobq/job"
	"jobq/pkg/logx"
	"jobq/queue"
)

const schema = "jobq"

const createSQL = `
CREATE TABLE IF NOT EXISTS ` + schema + `.job_holder (
    id               BIGSERIAL PRIMARY KEY,
    ns               TEXT      NOT NULL,
    priority         INTEGER   NOT NULL,
    run_at           BIGINT    NOT NULL,
    run_count        INTEGER   NOT NULL DEFAULT 0,
    session_id       BIGINT    NOT NULL,
    group_id         TEXT      NOT NULL DEFAULT '',
    requires_network BOOLEAN   NOT NULL DEFAULT FALSE,
    job_type         TEXT      NOT NULL,
    payload          BYTEA     NOT NULL,
    created_at       BIGINT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_holder_select
    ON ` + schema + `.job_holder (ns, priority DESC, run_at ASC, id ASC);
`

// Config holds the PostgreSQL backend settings.
type Config struct {
	// DSN is a lib/pq connection string or URL.
	DSN string
}

// Postgres implements queue.Queue on a shared PostgreSQL table,
// partitioned by namespace. Rows stamped by an earlier session carry its
// stale session id and become eligible again for the current one.
type Postgres struct {
	db        *sql.DB
	sessionID int64
	ns        string
	reg       *job.Registry
	log       logx.Logger
}

// Open connects to the database, verifies the connection, and bootstraps
// the schema.
func Open(cfg Config, sessionID int64, namespace string, reg *job.Registry, log logx.Logger) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("pgqueue: dsn is required")
	}
	if reg == nil {
		return nil, errors.New("pgqueue: registry is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(createSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db, sessionID: sessionID, ns: namespace, reg: reg, log: log}, nil
}

func (q *Postgres) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *Postgres) Insert(h *job.Holder) (int64, error) {
	typeName, payload, err := q.reg.Encode(h.Job)
	if err != nil {
		return 0, err
	}
	err = q.db.QueryRow(
		`INSERT INTO `+schema+`.job_holder(ns, priority, run_at, run_count, session_id, group_id, requires_network, job_type, payload, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		q.ns, h.Priority, h.RunAt, h.RunCount, h.SessionID, h.GroupID,
		h.Job.RequiresNetwork(), typeName, payload, h.CreatedAt,
	).Scan(&h.ID)
	if err != nil {
		return 0, err
	}
	return h.ID, nil
}

func (q *Postgres) InsertOrReplace(h *job.Holder) error {
	h.SessionID = job.NotLeased
	typeName, payload, err := q.reg.Encode(h.Job)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(
		`INSERT INTO `+schema+`.job_holder(id, ns, priority, run_at, run_count, session_id, group_id, requires_network, job_type, payload, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (id) DO UPDATE SET
		     priority = excluded.priority,
		     run_at = excluded.run_at,
		     run_count = excluded.run_count,
		     session_id = excluded.session_id,
		     group_id = excluded.group_id,
		     requires_network = excluded.requires_network,
		     job_type = excluded.job_type,
		     payload = excluded.payload`,
		h.ID, q.ns, h.Priority, h.RunAt, h.RunCount, h.SessionID, h.GroupID,
		h.Job.RequiresNetwork(), typeName, payload, h.CreatedAt,
	)
	return err
}

func (q *Postgres) Remove(h *job.Holder) error {
	res, err := q.db.Exec(`DELETE FROM `+schema+`.job_holder WHERE id = $1 AND ns = $2`, h.ID, q.ns)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func (q *Postgres) NextEligible(hasNetwork bool, lockedGroups []string) (*job.Holder, error) {
	now := time.Now().UnixNano()

	var sb strings.Builder
	sb.WriteString(`SELECT id, priority, run_at, run_count, group_id, job_type, payload, created_at
		 FROM ` + schema + `.job_holder WHERE ns = $1 AND session_id != $2 AND run_at <= $3`)
	args := []any{q.ns, q.sessionID, now}
	if !hasNetwork {
		sb.WriteString(` AND requires_network = FALSE`)
	}
	if len(lockedGroups) > 0 {
		marks := make([]string, len(lockedGroups))
		for i, g := range lockedGroups {
			args = append(args, g)
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		sb.WriteString(` AND group_id NOT IN (` + strings.Join(marks, ",") + `)`)
	}
	sb.WriteString(` ORDER BY priority DESC, run_at ASC, id ASC LIMIT 1`)

	for {
		h := &job.Holder{}
		var typeName string
		var payload []byte
		err := q.db.QueryRow(sb.String(), args...).Scan(
			&h.ID, &h.Priority, &h.RunAt, &h.RunCount, &h.GroupID, &typeName, &payload, &h.CreatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		j, err := q.reg.Decode(typeName, payload)
		if err != nil {
			// An undecodable row would be re-selected forever; drop it and
			// keep scanning so one corrupt row does not stall selection.
			q.log.Error("dropping undecodable holder",
				logx.Int64("id", h.ID),
				logx.String("type", typeName),
				logx.Err(err))
			if _, delErr := q.db.Exec(`DELETE FROM `+schema+`.job_holder WHERE id = $1 AND ns = $2`, h.ID, q.ns); delErr != nil {
				return nil, delErr
			}
			continue
		}
		h.Job = j

		h.RunCount++
		h.SessionID = q.sessionID
		_, err = q.db.Exec(
			`UPDATE `+schema+`.job_holder SET run_count = $1, session_id = $2 WHERE id = $3 AND ns = $4`,
			h.RunCount, h.SessionID, h.ID, q.ns,
		)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

func (q *Postgres) EarliestPendingDelay(hasNetwork bool) (int64, bool, error) {
	now := time.Now().UnixNano()
	query := `SELECT MIN(run_at) FROM ` + schema + `.job_holder WHERE ns = $1 AND session_id != $2 AND run_at > $3`
	if !hasNetwork {
		query += ` AND requires_network = FALSE`
	}
	var min sql.NullInt64
	if err := q.db.QueryRow(query, q.ns, q.sessionID, now).Scan(&min); err != nil {
		return 0, false, err
	}
	if !min.Valid {
		return 0, false, nil
	}
	return min.Int64, true, nil
}

func (q *Postgres) Count() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM `+schema+`.job_holder WHERE ns = $1`, q.ns).Scan(&n)
	return n, err
}

func (q *Postgres) Clear() error {
	_, err := q.db.Exec(`DELETE FROM `+schema+`.job_holder WHERE ns = $1`, q.ns)
	return err
}

// Factory pairs a PostgreSQL durable queue with the default in-memory
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
