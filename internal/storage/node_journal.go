package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/netwatch/internal/model"
)

// NodeJournal is an append-only audit log of node lifecycle events
type NodeJournal interface {
	// Record appends an event
	Record(ctx context.Context, event model.NodeEvent) error

	// List returns events newest first. An invalid ip lists every node.
	List(ctx context.Context, ip netip.Addr, offset, limit int) ([]model.NodeEvent, error)

	// Count returns the number of events, for one node or for all when ip is invalid
	Count(ctx context.Context, ip netip.Addr) (int, error)

	// DeleteBefore removes events older than before and reports how many were removed
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// SQLiteNodeJournal implements NodeJournal using SQLite
type SQLiteNodeJournal struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteNodeJournal opens or creates the journal at dbPath
func NewSQLiteNodeJournal(logger *zap.Logger, dbPath string) (*SQLiteNodeJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	journal := &SQLiteNodeJournal{
		logger: logger.Named("journal"),
		db:     db,
	}

	if err := journal.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return journal, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteNodeJournal) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS node_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			ip TEXT NOT NULL,
			host_name TEXT,
			occurred_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_node_events_ip ON node_events(ip);
		CREATE INDEX IF NOT EXISTS idx_node_events_occurred_at ON node_events(occurred_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Record implements NodeJournal.Record
func (s *SQLiteNodeJournal) Record(ctx context.Context, event model.NodeEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_events (
			id, type, ip, host_name, occurred_at
		) VALUES (?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Type),
		event.IP.String(),
		sql.NullString{String: event.HostName, Valid: event.HostName != ""},
		event.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record node event: %w", err)
	}
	return nil
}

// List implements NodeJournal.List
func (s *SQLiteNodeJournal) List(ctx context.Context, ip netip.Addr, offset, limit int) ([]model.NodeEvent, error) {
	query := "SELECT id, type, ip, host_name, occurred_at FROM node_events"
	args := make([]interface{}, 0, 3)

	if ip.IsValid() {
		query += " WHERE ip = ?"
		args = append(args, ip.String())
	}

	query += " ORDER BY occurred_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list node events: %w", err)
	}
	defer rows.Close()

	events := make([]model.NodeEvent, 0)
	for rows.Next() {
		var (
			event    model.NodeEvent
			typ      string
			addr     string
			hostName sql.NullString
		)
		if err := rows.Scan(&event.ID, &typ, &addr, &hostName, &event.At); err != nil {
			return nil, fmt.Errorf("failed to scan node event: %w", err)
		}

		event.Type = model.NodeEventType(typ)
		event.HostName = hostName.String
		if event.IP, err = netip.ParseAddr(addr); err != nil {
			return nil, fmt.Errorf("failed to parse stored ip %q: %w", addr, err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return events, nil
}

// Count implements NodeJournal.Count
func (s *SQLiteNodeJournal) Count(ctx context.Context, ip netip.Addr) (int, error) {
	query := "SELECT COUNT(*) FROM node_events"
	args := make([]interface{}, 0, 1)
	if ip.IsValid() {
		query += " WHERE ip = ?"
		args = append(args, ip.String())
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count node events: %w", err)
	}
	return count, nil
}

// DeleteBefore implements NodeJournal.DeleteBefore
func (s *SQLiteNodeJournal) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM node_events WHERE occurred_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete node events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old node events",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteNodeJournal) Close() error {
	return s.db.Close()
}
