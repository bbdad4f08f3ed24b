package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/overseer/internal/events"
)

// AppendTaskLog persists one log line for a task.
func (s *Store) AppendTaskLog(taskID string, entry events.LogEntry) error {
	ts := entry.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var data string
	if entry.Data != nil {
		b, err := json.Marshal(entry.Data)
		if err == nil {
			data = string(b)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO task_logs (task_id, ts, level, message, data)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, ts.Format(time.RFC3339Nano), string(entry.Level), entry.Message, data)
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

// TaskLogs returns all persisted log lines for a task in insertion order.
func (s *Store) TaskLogs(taskID string) ([]events.LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT ts, level, message, data FROM task_logs
		WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()

	var out []events.LogEntry
	for rows.Next() {
		var (
			entry     events.LogEntry
			ts, level string
			data      string
		)
		if err := rows.Scan(&ts, &level, &entry.Message, &data); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		entry.TS, _ = time.Parse(time.RFC3339Nano, ts)
		entry.Level = events.LogLevel(level)
		if data != "" {
			var v any
			if json.Unmarshal([]byte(data), &v) == nil {
				entry.Data = v
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
