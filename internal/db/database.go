package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryDSN keeps the whole database inside the process. History never
// outlives the server, just like the rooms it describes.
const MemoryDSN = ":memory:"

type Database struct {
	db *sql.DB
}

// One code execution requested from a room
type Execution struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	Language   string    `json:"language"`
	Version    string    `json:"version"`
	Status     string    `json:"status"` // "ok" or "error"
	Output     string    `json:"output"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

func New(dsn string) (*Database, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Every pooled connection to :memory: would get its own empty
	// database, so the pool is pinned to one connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		language TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '*',
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_room_id ON executions(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Execution operations

// RecordExecution stores one execution. CreatedAt defaults to now.
func (d *Database) RecordExecution(e Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := d.db.Exec(`
		INSERT INTO executions (id, room_id, language, version, status, output, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.RoomID, e.Language, e.Version, e.Status, e.Output, e.Error, e.DurationMS, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record execution %s: %w", e.ID, err)
	}
	return nil
}

// GetExecution returns nil without error when the id is unknown
func (d *Database) GetExecution(id string) (*Execution, error) {
	row := d.db.QueryRow(`
		SELECT id, room_id, language, version, status, output, error, duration_ms, created_at
		FROM executions WHERE id = ?
	`, id)

	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListExecutions returns a room's executions, newest first
func (d *Database) ListExecutions(roomID string, limit, offset int) ([]Execution, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, language, version, status, output, error, duration_ms, created_at
		FROM executions
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

func (d *Database) CountExecutions(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM executions WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// ListHistoryRooms returns every room id that has history
func (d *Database) ListHistoryRooms() ([]string, error) {
	rows, err := d.db.Query("SELECT DISTINCT room_id FROM executions ORDER BY room_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneExecutions keeps the newest keep records of a room and returns how
// many were deleted
func (d *Database) PruneExecutions(roomID string, keep int) (int, error) {
	res, err := d.db.Exec(`
		DELETE FROM executions
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM executions
			WHERE room_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, roomID, roomID, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteRoomExecutions drops a room's whole history
func (d *Database) DeleteRoomExecutions(roomID string) (int, error) {
	res, err := d.db.Exec("DELETE FROM executions WHERE room_id = ?", roomID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total, failed int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, err
	}
	stats["execution_count"] = total

	if err := d.db.QueryRow("SELECT COUNT(*) FROM executions WHERE status = ?", StatusError).Scan(&failed); err != nil {
		return nil, err
	}
	stats["failed_execution_count"] = failed

	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*Execution, error) {
	var e Execution
	err := s.Scan(&e.ID, &e.RoomID, &e.Language, &e.Version, &e.Status, &e.Output, &e.Error, &e.DurationMS, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
