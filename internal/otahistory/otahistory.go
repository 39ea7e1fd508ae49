// Package otahistory persists a durable audit trail of OTA attempt outcomes
// (not telemetry — no sensor or relay data lives here) and in-flight relay
// command correlation records, repurposing the teacher's SQLite
// open/migrate/CRUD idiom from internal/storage/database.go.
package otahistory

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"

	"github.com/omniapi/gateway/internal/ota"
	"github.com/omniapi/gateway/internal/protocol"
)

// DB wraps the SQLite connection backing the OTA history and command tables.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the database at path and runs its migration.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("otahistory: open database: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("otahistory: migrate database: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ota_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_mac TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		from_version INTEGER NOT NULL,
		to_version INTEGER NOT NULL,
		result TEXT NOT NULL,
		error_message TEXT,
		chunks_sent INTEGER NOT NULL,
		retry_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		target_mac TEXT NOT NULL,
		channel INTEGER NOT NULL,
		action TEXT NOT NULL,
		issued_at DATETIME NOT NULL,
		acked INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Result enumerates the terminal outcome stored for an OtaHistoryEntry.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
	ResultAborted Result = "aborted"
)

// RecordOtaResult implements ota.HistorySink, translating a completed
// session's Result into an OtaHistoryEntry row.
func (db *DB) RecordOtaResult(r ota.Result) error {
	result := ResultSuccess
	if !r.Success {
		result = ResultFailed
		if strings.HasPrefix(r.ErrorMessage, "aborted") {
			result = ResultAborted
		}
	}
	_, err := db.conn.Exec(
		`INSERT INTO ota_history (target_mac, started_at, finished_at, from_version, to_version, result, error_message, chunks_sent, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TargetMac.String(), r.StartedAt, r.FinishedAt, r.FromVersion, r.NewVersion, string(result), r.ErrorMessage, r.ChunksSent, r.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("otahistory: insert ota_history: %w", err)
	}
	return nil
}

// Entry is one row of ota_history, for the HTTP/history query surface.
type Entry struct {
	ID           int64
	TargetMac    string
	StartedAt    time.Time
	FinishedAt   time.Time
	FromVersion  uint32
	NewVersion   uint32
	Result       Result
	ErrorMessage string
	ChunksSent   uint16
	RetryCount   uint8
}

// RecentForMac returns up to limit history entries for mac, most recent first.
func (db *DB) RecentForMac(mac protocol.Mac, limit int) ([]Entry, error) {
	rows, err := db.conn.Query(
		`SELECT id, target_mac, started_at, finished_at, from_version, to_version, result, error_message, chunks_sent, retry_count
		 FROM ota_history WHERE target_mac = ? ORDER BY id DESC LIMIT ?`,
		mac.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("otahistory: query ota_history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var result string
		if err := rows.Scan(&e.ID, &e.TargetMac, &e.StartedAt, &e.FinishedAt, &e.FromVersion, &e.NewVersion, &result, &e.ErrorMessage, &e.ChunksSent, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("otahistory: scan ota_history row: %w", err)
		}
		e.Result = Result(result)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CommandRecord tracks an in-flight relay command so an async RelayAck can
// be correlated back to the HTTP request that issued it.
type CommandRecord struct {
	ID        string
	TargetMac string
	Channel   uint8
	Action    string
	IssuedAt  time.Time
	Acked     bool
}

// NewCommand inserts a fresh CommandRecord with a generated UUID and
// returns its ID.
func (db *DB) NewCommand(mac protocol.Mac, channel uint8, action string) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.Exec(
		`INSERT INTO commands (id, target_mac, channel, action, issued_at, acked) VALUES (?, ?, ?, ?, ?, 0)`,
		id, mac.String(), channel, action, time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("otahistory: insert command: %w", err)
	}
	return id, nil
}

// AckCommand marks the most recent unacked command for (mac, channel) as
// acked, returning its ID.
func (db *DB) AckCommand(mac protocol.Mac, channel uint8) (string, error) {
	row := db.conn.QueryRow(
		`SELECT id FROM commands WHERE target_mac = ? AND channel = ? AND acked = 0 ORDER BY issued_at DESC LIMIT 1`,
		mac.String(), channel,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("otahistory: find pending command: %w", err)
	}
	if _, err := db.conn.Exec(`UPDATE commands SET acked = 1 WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("otahistory: ack command: %w", err)
	}
	return id, nil
}
