// Package store is the persistence facade: the only component allowed
// to write TransferEvent rows or SyncCursor rows. Built on a plain
// CREATE TABLE IF NOT EXISTS over modernc.org/sqlite. Cursor advance
// is expressed as a single conditional UPDATE, never read-then-write.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/emmick4/eth-event-indexer/internal/metrics"
)

// Store wraps a single sqlite connection. Concurrent writers are
// expected (C4's backfill loop and C5's tailer both call SaveEvents
// and AdvanceCursor on independent cursor ids), so the pool is capped
// at one connection and correctness leans on SQL's own conditional
// UPDATE rather than an in-process lock.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transfer_events (
	transaction_hash TEXT NOT NULL,
	log_index        INTEGER NOT NULL,
	block_number     INTEGER NOT NULL,
	timestamp        INTEGER NOT NULL,
	from_address     TEXT NOT NULL,
	to_address       TEXT NOT NULL,
	value            TEXT NOT NULL,
	indexed_at       INTEGER NOT NULL,
	PRIMARY KEY (transaction_hash, log_index)
);
CREATE INDEX IF NOT EXISTS idx_transfer_events_block ON transfer_events(block_number);
CREATE INDEX IF NOT EXISTS idx_transfer_events_from ON transfer_events(from_address);
CREATE INDEX IF NOT EXISTS idx_transfer_events_to ON transfer_events(to_address);

CREATE TABLE IF NOT EXISTS sync_cursors (
	id                TEXT PRIMARY KEY,
	last_synced_block INTEGER NOT NULL,
	last_synced_at    INTEGER NOT NULL
);
`

// Open creates (if absent) the schema at dbPath and returns a Store.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	// sqlite serializes writers at the file level; a single logical
	// connection avoids SQLITE_BUSY without adding an in-process mutex.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveEvents persists a batch as a single durable unit. Idempotent on
// (transactionHash, logIndex): a conflicting row is left unchanged.
// Returns how many rows were newly inserted vs. already present.
func (s *Store) SaveEvents(ctx context.Context, events []TransferEvent) (inserted, ignored int, err error) {
	if len(events) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transfer_events
			(transaction_hash, log_index, block_number, timestamp, from_address, to_address, value, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_hash, log_index) DO NOTHING
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, ev := range events {
		res, err := stmt.ExecContext(ctx,
			strings.ToLower(ev.TransactionHash), ev.LogIndex, ev.BlockNumber, ev.Timestamp,
			strings.ToLower(ev.From), strings.ToLower(ev.To), ev.Value, now.Unix())
		if err != nil {
			return 0, 0, fmt.Errorf("store: insert event: %w", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			inserted++
		} else {
			ignored++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("store: commit: %w", err)
	}

	if inserted > 0 {
		metrics.StoreEventsSaved.Add(float64(inserted))
	}
	if ignored > 0 {
		metrics.StoreEventsIgnored.Add(float64(ignored))
	}
	return inserted, ignored, nil
}

// GetCursor reads the current value of a named cursor. ok is false if
// the cursor row does not exist yet.
func (s *Store) GetCursor(ctx context.Context, id CursorID) (block uint64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_synced_block FROM sync_cursors WHERE id = ?`, string(id))
	if err := row.Scan(&block); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: get cursor %s: %w", id, err)
	}
	return block, true, nil
}

// CreateCursor creates the cursor row if absent. If a concurrent
// create wins the race, the loser transparently re-reads and returns
// the value the winner stored — callers never observe a conflict.
func (s *Store) CreateCursor(ctx context.Context, id CursorID, block uint64) (uint64, error) {
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (id, last_synced_block, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, string(id), block, now)
	if err != nil {
		return 0, fmt.Errorf("store: create cursor %s: %w", id, err)
	}

	stored, ok, err := s.GetCursor(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("store: create cursor %s: row missing after insert", id)
	}
	return stored, nil
}

// AdvanceCursor sets the cursor to block iff block strictly exceeds
// the stored value; otherwise it is a no-op. Expressed as a single
// conditional UPDATE so it is race-safe under concurrent writers to
// the same id, without a read-then-write step. If the row does not
// exist yet, it is created at block (this only happens if a caller
// skipped CreateCursor).
func (s *Store) AdvanceCursor(ctx context.Context, id CursorID, block uint64) error {
	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_cursors
		SET last_synced_block = ?, last_synced_at = ?
		WHERE id = ? AND last_synced_block < ?
	`, block, now, string(id), block)
	if err != nil {
		return fmt.Errorf("store: advance cursor %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// No row updated: either the cursor is already ahead (correct
	// no-op) or it never existed. Disambiguate without racing: try an
	// insert: ON CONFLICT DO NOTHING leaves an existing, already-ahead
	// row untouched.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (id, last_synced_block, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, string(id), block, now)
	if err != nil {
		return fmt.Errorf("store: advance cursor %s (seed): %w", id, err)
	}
	return nil
}

// GetEvents returns a page of events ordered blockNumber DESC, logIndex
// ASC, plus the total count matching the filter (ignoring pagination).
// Address filter inputs are lowercased before matching.
func (s *Store) GetEvents(ctx context.Context, f EventFilter) (PagedEvents, error) {
	var where []string
	var args []interface{}

	if f.From != "" {
		where = append(where, "from_address = ?")
		args = append(args, strings.ToLower(f.From))
	}
	if f.To != "" {
		where = append(where, "to_address = ?")
		args = append(args, strings.ToLower(f.To))
	}
	if f.StartBlock != nil {
		where = append(where, "block_number >= ?")
		args = append(args, *f.StartBlock)
	}
	if f.EndBlock != nil {
		where = append(where, "block_number <= ?")
		args = append(args, *f.EndBlock)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM transfer_events " + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return PagedEvents{}, fmt.Errorf("store: count events: %w", err)
	}

	page, pageSize := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	skip := (page - 1) * pageSize

	query := fmt.Sprintf(`
		SELECT transaction_hash, log_index, block_number, timestamp, from_address, to_address, value, indexed_at
		FROM transfer_events
		%s
		ORDER BY block_number DESC, log_index ASC
		LIMIT ? OFFSET ?
	`, whereClause)
	args = append(args, pageSize, skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return PagedEvents{}, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var events []TransferEvent
	for rows.Next() {
		var ev TransferEvent
		var indexedAtUnix int64
		if err := rows.Scan(&ev.TransactionHash, &ev.LogIndex, &ev.BlockNumber, &ev.Timestamp,
			&ev.From, &ev.To, &ev.Value, &indexedAtUnix); err != nil {
			return PagedEvents{}, fmt.Errorf("store: scan event: %w", err)
		}
		ev.IndexedAt = time.Unix(indexedAtUnix, 0).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return PagedEvents{}, fmt.Errorf("store: rows: %w", err)
	}

	return PagedEvents{Events: events, TotalCount: total}, nil
}

// Stats aggregates the whole transfer_events table. The value sum
// walks every row through math/big so a token with 256-bit balances
// never loses precision the way SQL's native SUM (float-backed) would.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM transfer_events`)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats query: %w", err)
	}
	defer rows.Close()

	total := new(big.Int)
	var count int64
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return Stats{}, fmt.Errorf("store: stats scan: %w", err)
		}
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return Stats{}, fmt.Errorf("store: stats: non-decimal value %q", v)
		}
		total.Add(total, n)
		count++
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("store: stats rows: %w", err)
	}

	return Stats{TotalEvents: count, TotalValueTransferred: total.String()}, nil
}

// Ping is a cheap liveness check for the HTTP health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
