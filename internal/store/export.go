package store

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// exportVersion identifies the snapshot format.
const exportVersion = 1

// Column whitelists per table. Export writes only these columns and
// import accepts only these columns; anything else in a snapshot is
// ignored. New schema columns must be added here deliberately.
var exportColumns = map[string][]string{
	"tasks": {
		"id", "repository_id", "repo_url", "target_branch", "title", "description",
		"context_files", "build_command", "agent_type", "agent_model",
		"generated_spec", "final_spec", "spec_approved_at", "was_spec_edited",
		"branch_name", "pr_url", "pr_number", "changes_data", "conflict_files",
		"plan", "pending_feedback", "error", "status", "created_at", "updated_at",
	},
	"repositories": {
		"id", "url", "name", "default_branch", "detected_stack", "conventions",
		"learned_patterns", "created_at", "updated_at",
	},
	"task_logs": {
		"task_id", "ts", "level", "message", "data",
	},
}

// snapshot is the on-disk export document.
type snapshot struct {
	Version int                         `json:"version"`
	Tables  map[string][]map[string]any `json:"tables"`
}

// Export writes a JSON snapshot of all whitelisted tables to w.
func (s *Store) Export(w io.Writer) error {
	snap := snapshot{Version: exportVersion, Tables: make(map[string][]map[string]any)}
	for table, cols := range exportColumns {
		rows, err := s.exportTable(table, cols)
		if err != nil {
			return err
		}
		snap.Tables[table] = rows
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

func (s *Store) exportTable(table string, cols []string) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), table)
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", table, err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("export %s: %w", table, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Import loads a JSON snapshot produced by Export. Rows replace any
// existing rows with the same primary key; columns outside the
// whitelist are dropped silently.
func (s *Store) Import(r io.Reader) error {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != exportVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	// Fixed order: repositories before tasks before logs.
	for _, table := range []string{"repositories", "tasks", "task_logs"} {
		cols := exportColumns[table]
		for _, row := range snap.Tables[table] {
			present := make([]string, 0, len(cols))
			args := make([]any, 0, len(cols))
			for _, col := range cols {
				if v, ok := row[col]; ok {
					present = append(present, col)
					args = append(args, v)
				}
			}
			if len(present) == 0 {
				continue
			}
			query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
				table, strings.Join(present, ", "),
				strings.TrimSuffix(strings.Repeat("?, ", len(present)), ", "))
			if _, err := tx.Exec(query, args...); err != nil {
				return fmt.Errorf("import %s row: %w", table, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}
