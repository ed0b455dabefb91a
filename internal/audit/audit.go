// Package audit records every operator command, lock action, restart, and
// auto-fix decision. Entries go to an append-only JSONL file and, when a
// database is configured, to a sqlite audit_log table so they can be queried
// after an incident even if the log files rotated.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/helmsman/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Detail    string `json:"detail,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
)

// Init opens the JSONL audit log under homeDir/logs and the sqlite audit
// database at dbPath. Idempotent; dbPath may be empty to skip the table sink.
func Init(homeDir, dbPath string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f

	if dbPath != "" {
		d, err := sql.Open("sqlite3", dbPath)
		if err != nil {
			file.Close()
			file = nil
			return fmt.Errorf("open audit db: %w", err)
		}
		if _, err := d.Exec(`
			CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				actor TEXT NOT NULL,
				action TEXT NOT NULL,
				decision TEXT NOT NULL,
				detail TEXT,
				trace_id TEXT
			);
		`); err != nil {
			d.Close()
			file.Close()
			file = nil
			return fmt.Errorf("create audit_log table: %w", err)
		}
		db = d
	}
	return nil
}

// Close flushes and closes both sinks.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	var first error
	if file != nil {
		first = file.Close()
		file = nil
	}
	if db != nil {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		db = nil
	}
	return first
}

// Record writes one audit entry. Secrets are redacted before persistence.
// actor is the operator id or "watchdog"/"controller" for autonomous actions.
func Record(ctx context.Context, actor, action, decision, detail string) {
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	traceID := shared.TraceID(ctx)

	if file != nil {
		ev := entry{
			Timestamp: ts,
			Actor:     actor,
			Action:    action,
			Decision:  decision,
			Detail:    detail,
			TraceID:   traceID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(ctx, `
			INSERT INTO audit_log (ts, actor, action, decision, detail, trace_id)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ts, actor, action, decision, detail, traceID)
	}
}

// Tail returns the most recent n entries from the sqlite sink, newest first.
// Returns nil when no database is configured.
func Tail(ctx context.Context, n int) ([]map[string]string, error) {
	mu.Lock()
	d := db
	mu.Unlock()
	if d == nil {
		return nil, nil
	}

	rows, err := d.QueryContext(ctx, `
		SELECT ts, actor, action, decision, COALESCE(detail, ''), COALESCE(trace_id, '')
		FROM audit_log ORDER BY id DESC LIMIT ?;
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		var ts, actor, action, decision, detail, traceID string
		if err := rows.Scan(&ts, &actor, &action, &decision, &detail, &traceID); err != nil {
			return nil, err
		}
		out = append(out, map[string]string{
			"ts": ts, "actor": actor, "action": action,
			"decision": decision, "detail": detail, "trace_id": traceID,
		})
	}
	return out, rows.Err()
}
