// Package sqlitequeue persists durable job holders in a local SQLite
// database, so queued work survives process restarts.
package sqlitequeue

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jobq/job"
	"jobq/pkg/logx"
	"jobq/queue"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config holds the SQLite backend settings.
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string
	// BusyTimeout is passed to PRAGMA busy_timeout when positive.
	BusyTimeout time.Duration
}

// SQLite implements queue.Queue on a single-file database. One instance
// serves one (sessionID, namespace) pair; holders written by an earlier
// session carry its stale session id and become eligible again here.
type SQLite struct {
	db        *sql.DB
	sessionID int64
	ns        string
	reg       *job.Registry
	log       logx.Logger
}

// Open opens (creating if needed) the database at cfg.Path and runs the
// embedded migrations.
func Open(cfg Config, sessionID int64, namespace string, reg *job.Registry, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlitequeue: path is required")
	}
	if reg == nil {
		return nil, errors.New("sqlitequeue: registry is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	q := &SQLite{db: db, sessionID: sessionID, ns: namespace, reg: reg, log: log}
	if err := q.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLite) migrate() error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = q.db.Exec(string(b))
	return err
}

func (q *SQLite) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *SQLite) Insert(h *job.Holder) (int64, error) {
	typeName, payload, err := q.reg.Encode(h.Job)
	if err != nil {
		return 0, err
	}
	res, err := q.db.Exec(
		`INSERT INTO job_holder(ns, priority, run_at, run_count, session_id, group_id, requires_network, job_type, payload, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		q.ns, h.Priority, h.RunAt, h.RunCount, h.SessionID, h.GroupID,
		boolInt(h.Job.RequiresNetwork()), typeName, payload, h.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	h.ID = id
	return id, nil
}

func (q *SQLite) InsertOrReplace(h *job.Holder) error {
	h.SessionID = job.NotLeased
	typeName, payload, err := q.reg.Encode(h.Job)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(
		`INSERT OR REPLACE INTO job_holder(id, ns, priority, run_at, run_count, session_id, group_id, requires_network, job_type, payload, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, q.ns, h.Priority, h.RunAt, h.RunCount, h.SessionID, h.GroupID,
		boolInt(h.Job.RequiresNetwork()), typeName, payload, h.CreatedAt,
	)
	return err
}

func (q *SQLite) Remove(h *job.Holder) error {
	res, err := q.db.Exec(`DELETE FROM job_holder WHERE id = ? AND ns = ?`, h.ID, q.ns)
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

func (q *SQLite) NextEligible(hasNetwork bool, lockedGroups []string) (*job.Holder, error) {
	now := time.Now().UnixNano()

	var sb strings.Builder
	sb.WriteString(`SELECT id, priority, run_at, run_count, group_id, job_type, payload, created_at
		 FROM job_holder WHERE ns = ? AND session_id != ? AND run_at <= ?`)
	args := []any{q.ns, q.sessionID, now}
	if !hasNetwork {
		sb.WriteString(` AND requires_network = 0`)
	}
	if len(lockedGroups) > 0 {
		sb.WriteString(` AND group_id NOT IN (?` + strings.Repeat(",?", len(lockedGroups)-1) + `)`)
		for _, g := range lockedGroups {
			args = append(args, g)
		}
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
			if _, delErr := q.db.Exec(`DELETE FROM job_holder WHERE id = ? AND ns = ?`, h.ID, q.ns); delErr != nil {
				return nil, delErr
			}
			continue
		}
		h.Job = j

		h.RunCount++
		h.SessionID = q.sessionID
		_, err = q.db.Exec(
			`UPDATE job_holder SET run_count = ?, session_id = ? WHERE id = ? AND ns = ?`,
			h.RunCount, h.SessionID, h.ID, q.ns,
		)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

func (q *SQLite) EarliestPendingDelay(hasNetwork bool) (int64, bool, error) {
	now := time.Now().UnixNano()
	query := `SELECT MIN(run_at) FROM job_holder WHERE ns = ? AND session_id != ? AND run_at > ?`
	if !hasNetwork {
		query += ` AND requires_network = 0`
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

func (q *SQLite) Count() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM job_holder WHERE ns = ?`, q.ns).Scan(&n)
	return n, err
}

func (q *SQLite) Clear() error {
	_, err := q.db.Exec(`DELETE FROM job_holder WHERE ns = ?`, q.ns)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Factory pairs a SQLite durable queue with the default in-memory
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
