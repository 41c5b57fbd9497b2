package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "taskpool/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendBatch(ctx context.Context, b Batch) (err error) {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if b.At.IsZero() {
		b.At = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO batches(id, pool, at, records) VALUES(?,?,?,?)`,
		b.ID.String(), b.Pool, b.At.Format(time.RFC3339Nano), len(b.Records),
	); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records(batch_id, seq, outcome, value, err, duration_ms) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range b.Records {
		if _, err = stmt.ExecContext(ctx,
			b.ID.String(), int64(r.Seq), r.Outcome, nullStr(string(r.Value)), nullStr(r.Error), r.DurationMS,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, source, type, data) VALUES(?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Source, e.Type, nullStr(string(e.Data)),
	)
	return err
}

func (s *sqliteStore) RecentBatches(ctx context.Context, limit int) ([]Batch, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pool, at FROM batches ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var out []Batch
	for rows.Next() {
		var (
			id, pool, at string
			b            Batch
		)
		if err := rows.Scan(&id, &pool, &at); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if b.ID, err = uuid.Parse(id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("batch id %q: %w", id, err)
		}
		b.Pool = pool
		b.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, b)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		recs, err := s.records(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Records = recs
	}
	return out, nil
}

func (s *sqliteStore) records(ctx context.Context, id uuid.UUID) ([]RecordRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, outcome, value, err, duration_ms FROM records WHERE batch_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecordRow
	for rows.Next() {
		var (
			r        RecordRow
			seq      int64
			val, msg sql.NullString
		)
		if err := rows.Scan(&seq, &r.Outcome, &val, &msg, &r.DurationMS); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		if val.Valid {
			r.Value = []byte(val.String)
		}
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
