package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kylerisse/pingpoll/pkg/observation"
)

const maxRetries = 3

// Record is one row of the ts table.
type Record struct {
	HostID    int64
	Timestamp int64
	// Online is nil when the host's state was unknown, otherwise 0 or 1.
	Online    *int64
	LatencyMS *float64
}

// AppendResult reports what one append inserted.
type AppendResult struct {
	// Registered counts hosts newly added to the hosts table.
	Registered int
	// Records counts rows added to the ts table.
	Records int
}

// AppendObservations registers unknown hosts and appends one ts row per
// observation, all in a single transaction. Hosts carrying a persisted id
// are matched by id, others by hostname; a host without a registry row gets
// one, with the next free id when it had none.
func (s *Store) AppendObservations(ctx context.Context, obs []observation.Observation) (AppendResult, error) {
	var res AppendResult
	if err := s.EnsureSchema(ctx); err != nil {
		return res, err
	}

	err := s.RunTx(ctx, func(tx *sql.Tx) error {
		res = AppendResult{}

		reg, err := s.loadRegistry(ctx, tx)
		if err != nil {
			return err
		}

		insertHost, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO hosts (id, hostname) VALUES (?, ?)`))
		if err != nil {
			return fmt.Errorf("store: prepare host insert: %w", err)
		}
		defer insertHost.Close()

		insertTS, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO ts (timestamp, host_id, online, latency_ms) VALUES (?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("store: prepare ts insert: %w", err)
		}
		defer insertTS.Close()

		for _, o := range obs {
			id, known := reg.lookup(o.Host.ID, o.Host.Persisted, o.Host.Identity)
			if !known {
				if _, err := insertHost.ExecContext(ctx, id, o.Host.Identity); err != nil {
					return fmt.Errorf("store: register host %s: %w", o.Host.Identity, err)
				}
				reg.add(id, o.Host.Identity)
				res.Registered++
				s.logger.Debugf("Registered host %s with id %d.", o.Host.Identity, id)
			}

			online, latency := recordValues(o)
			if _, err := insertTS.ExecContext(ctx, o.Timestamp, id, online, latency); err != nil {
				return fmt.Errorf("store: append observation for %s: %w", o.Host.Identity, err)
			}
			res.Records++
		}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

func recordValues(o observation.Observation) (sql.NullInt64, sql.NullFloat64) {
	var (
		online  sql.NullInt64
		latency sql.NullFloat64
	)
	switch o.Reachable {
	case observation.Up:
		online = sql.NullInt64{Int64: 1, Valid: true}
	case observation.Down:
		online = sql.NullInt64{Int64: 0, Valid: true}
	}
	if o.LatencyMS != nil {
		latency = sql.NullFloat64{Float64: *o.LatencyMS, Valid: true}
	}
	return online, latency
}

// registry is the in-transaction view of the hosts table.
type registry struct {
	byID   map[int64]string
	byName map[string]int64
	maxID  int64
}

func (s *Store) loadRegistry(ctx context.Context, tx *sql.Tx) (*registry, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, hostname FROM hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: read hosts: %w", err)
	}
	defer rows.Close()

	reg := &registry{byID: make(map[int64]string), byName: make(map[string]int64)}
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("store: scan hosts: %w", err)
		}
		reg.add(id, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: read hosts: %w", err)
	}
	return reg, nil
}

// lookup returns the registry id for a host and whether a row exists. For
// an unregistered host the returned id is the one to insert it under.
func (r *registry) lookup(id int64, persisted bool, name string) (int64, bool) {
	if persisted {
		_, ok := r.byID[id]
		return id, ok
	}
	if existing, ok := r.byName[name]; ok {
		return existing, true
	}
	return r.maxID + 1, false
}

func (r *registry) add(id int64, name string) {
	r.byID[id] = name
	if _, ok := r.byName[name]; !ok {
		r.byName[name] = id
	}
	if id > r.maxID {
		r.maxID = id
	}
}

// CountRecords returns the number of rows in the ts table.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count records: %w", err)
	}
	return n, nil
}

// Records returns every ts row in insertion order.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	order := "rowid"
	if s.dialect == dialectPostgres {
		order = "ctid"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT host_id, timestamp, online, latency_ms FROM ts ORDER BY `+order)
	if err != nil {
		return nil, fmt.Errorf("store: read records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			online  sql.NullInt64
			latency sql.NullFloat64
		)
		if err := rows.Scan(&rec.HostID, &rec.Timestamp, &online, &latency); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		if online.Valid {
			v := online.Int64
			rec.Online = &v
		}
		if latency.Valid {
			v := latency.Float64
			rec.LatencyMS = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: read records: %w", err)
	}
	return out, nil
}

// IsBusy reports whether err is an SQLite BUSY/locked condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx executes fn in a transaction, retrying up to three times with
// 100/200/300 ms backoff while the database is busy.
func (s *Store) RunTx(ctx context.Context, fn func(*sql.Tx) error) error {
	for i := 0; i < maxRetries; i++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsBusy(err) || i == maxRetries-1 {
			return err
		}
		s.logger.Warnf("Database %s is busy, retrying (%d/%d).", s.label, i+1, maxRetries-1)
		select {
		case <-ctx.Done():
			return fmt.Errorf("store: context cancelled during retry: %w", ctx.Err())
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
	return fmt.Errorf("store: max retries exceeded")
}

func (s *Store) runOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
