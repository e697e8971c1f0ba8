package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/model"
)

// FleetDB is the SQLite-backed persistence layer. It holds only fleet
// membership configuration and the action audit log; host statuses are never
// persisted and are re-derived from polling after a restart.
type FleetDB struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (or creates) the fleet database at dbPath
func Open(logger *zap.Logger, dbPath string) (*FleetDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	f := &FleetDB{
		logger: logger.Named("fleet-db"),
		db:     db,
	}

	if err := f.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return f, nil
}

// initialize creates the necessary tables if they don't exist
func (f *FleetDB) initialize() error {
	_, err := f.db.Exec(`
		CREATE TABLE IF NOT EXISTS hosts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			address TEXT NOT NULL,
			class TEXT,
			capabilities TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS action_audit (
			request_id TEXT PRIMARY KEY,
			host_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			detail TEXT,
			attempts INTEGER NOT NULL,
			submitted_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_action_audit_host_id ON action_audit(host_id);
		CREATE INDEX IF NOT EXISTS idx_action_audit_completed_at ON action_audit(completed_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// SaveHost inserts or replaces a host's membership record
func (f *FleetDB) SaveHost(ctx context.Context, host model.Host) error {
	capabilities, err := json.Marshal(host.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	_, err = f.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO hosts (id, name, address, class, capabilities)
		VALUES (?, ?, ?, ?, ?)`,
		host.ID,
		host.Name,
		host.Address,
		host.Class,
		string(capabilities),
	)
	if err != nil {
		return fmt.Errorf("failed to save host: %w", err)
	}
	return nil
}

// DeleteHost removes a host's membership record
func (f *FleetDB) DeleteHost(ctx context.Context, hostID string) error {
	if _, err := f.db.ExecContext(ctx, "DELETE FROM hosts WHERE id = ?", hostID); err != nil {
		return fmt.Errorf("failed to delete host: %w", err)
	}
	return nil
}

// ListHosts returns all persisted hosts
func (f *FleetDB) ListHosts(ctx context.Context) ([]model.Host, error) {
	rows, err := f.db.QueryContext(ctx, "SELECT id, name, address, class, capabilities FROM hosts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []model.Host
	for rows.Next() {
		var host model.Host
		var class, capabilities sql.NullString

		if err := rows.Scan(&host.ID, &host.Name, &host.Address, &class, &capabilities); err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}

		host.Class = class.String
		if capabilities.Valid && capabilities.String != "" {
			if err := json.Unmarshal([]byte(capabilities.String), &host.Capabilities); err != nil {
				return nil, fmt.Errorf("failed to unmarshal capabilities for host %s: %w", host.ID, err)
			}
		}

		hosts = append(hosts, host)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return hosts, nil
}

// Close closes the database connection
func (f *FleetDB) Close() error {
	return f.db.Close()
}
