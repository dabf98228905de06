// Package refstore persists decision id to venue order mappings so a restarted
// process can tell which orders it already sent.
package refstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradecore/internal/execution"

	_ "modernc.org/sqlite"
)

// SQLite stores refs in a local sqlite file.
type SQLite struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("refstore path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS order_refs (
		decision_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		venue_ref TEXT,
		session TEXT NOT NULL,
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		size REAL NOT NULL,
		status TEXT NOT NULL,
		fill_price REAL,
		fill_size REAL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_order_refs_session_status ON order_refs(session, status);
	`
	_, err := db.Exec(stmt)
	return err
}

func (s *SQLite) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("refstore is closed")
	}
	return s.db, nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Put inserts or updates a ref. created_at is kept from the first insert.
func (s *SQLite) Put(ctx context.Context, ref execution.Ref) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if ref.DecisionID == "" {
		return fmt.Errorf("decision_id is required")
	}
	created, updated := ref.CreatedAt, ref.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if created.IsZero() {
		created = updated
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO order_refs(decision_id, client_id, venue_ref, session, instrument, side, size, status,
			fill_price, fill_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_id) DO UPDATE SET
			client_id=excluded.client_id,
			venue_ref=excluded.venue_ref,
			status=excluded.status,
			fill_price=excluded.fill_price,
			fill_size=excluded.fill_size,
			updated_at=excluded.updated_at;
	`, ref.DecisionID, ref.ClientID, nullIfEmpty(ref.VenueRef), ref.Session, ref.Instrument, string(ref.Side), ref.Size,
		string(ref.Status), nullIfZero(ref.FillPrice), nullIfZero(ref.FillSize), created.UnixMilli(), updated.UnixMilli())
	return err
}

const selectRef = `SELECT decision_id, client_id, venue_ref, session, instrument, side, size, status,
	fill_price, fill_size, created_at, updated_at FROM order_refs`

func (s *SQLite) Get(ctx context.Context, decisionID string) (execution.Ref, bool, error) {
	db, err := s.handle()
	if err != nil {
		return execution.Ref{}, false, err
	}
	row := db.QueryRowContext(ctx, selectRef+` WHERE decision_id = ?`, decisionID)
	ref, err := scanRef(row)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Ref{}, false, nil
	}
	if err != nil {
		return execution.Ref{}, false, err
	}
	return ref, true, nil
}

func (s *SQLite) Pending(ctx context.Context, session string) ([]execution.Ref, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectRef+` WHERE session = ? AND status IN (?, ?) ORDER BY created_at, decision_id`,
		session, string(execution.RefPending), string(execution.RefAccepted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []execution.Ref
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRef(row scanner) (execution.Ref, error) {
	var ref execution.Ref
	var side, status string
	var venueRef sql.NullString
	var fillPrice, fillSize sql.NullFloat64
	var created, updated int64
	err := row.Scan(&ref.DecisionID, &ref.ClientID, &venueRef, &ref.Session, &ref.Instrument, &side, &ref.Size,
		&status, &fillPrice, &fillSize, &created, &updated)
	if err != nil {
		return execution.Ref{}, err
	}
	ref.Side = execution.Side(side)
	ref.Status = execution.RefStatus(status)
	if venueRef.Valid {
		ref.VenueRef = venueRef.String
	}
	if fillPrice.Valid {
		ref.FillPrice = fillPrice.Float64
	}
	if fillSize.Valid {
		ref.FillSize = fillSize.Float64
	}
	ref.CreatedAt = time.UnixMilli(created).UTC()
	ref.UpdatedAt = time.UnixMilli(updated).UTC()
	return ref, nil
}

func nullIfZero(val float64) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullIfEmpty(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
