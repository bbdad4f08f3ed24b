package git

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"
)

// FileStatus classifies a changed file.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusDeleted  FileStatus = "deleted"
)

// ChangedFile is one entry in a task's change set.
type ChangedFile struct {
	Path       string     `json:"path"`
	Status     FileStatus `json:"status"`
	Additions  int        `json:"additions"`
	Deletions  int        `json:"deletions"`
	OldContent string     `json:"oldContent,omitempty"`
	NewContent string     `json:"newContent,omitempty"`
}

// ChangedFiles merges the committed diff against baseBranch with the
// uncommitted working-tree state. Content snapshots are attached only
// for text files under the size cap.
func (m *Manager) ChangedFiles(wtPath, baseBranch string) ([]ChangedFile, error) {
	byPath := make(map[string]*ChangedFile)
	order := []string{}

	upsert := func(path string, status FileStatus) *ChangedFile {
		cf, ok := byPath[path]
		if !ok {
			cf = &ChangedFile{Path: path, Status: status}
			byPath[path] = cf
			order = append(order, path)
		} else {
			// A file added since base stays "added" even when later edited.
			if !(cf.Status == StatusAdded && status == StatusModified) {
				cf.Status = status
			}
		}
		return cf
	}

	hasBase := baseBranch != "" && m.refExists(wtPath, baseBranch)

	// Committed changes.
	var nameStatus, numstat string
	if hasBase {
		nameStatus, _ = m.run.Run(wtPath, "git", "diff", "--name-status", baseBranch+"..HEAD")
		numstat, _ = m.run.Run(wtPath, "git", "diff", "--numstat", baseBranch+"..HEAD")
	} else if m.refExists(wtPath, "HEAD") {
		nameStatus, _ = m.run.Run(wtPath, "git", "diff-tree", "-r", "--root", "--no-commit-id", "--name-status", "HEAD")
		numstat, _ = m.run.Run(wtPath, "git", "diff-tree", "-r", "--root", "--no-commit-id", "--numstat", "HEAD")
	}
	for _, line := range strings.Split(nameStatus, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		upsert(fields[len(fields)-1], letterStatus(fields[0]))
	}
	applyNumstat(byPath, numstat)

	// Uncommitted changes from porcelain status.
	porcelain, err := m.run.Run(wtPath, "git", "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		code := strings.TrimSpace(line[:2])
		path := strings.TrimSpace(line[3:])
		// Renames are reported as "old -> new"; track the new path.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		upsert(path, porcelainStatus(code))
	}
	uncommittedStat, _ := m.run.Run(wtPath, "git", "diff", "--numstat")
	applyNumstat(byPath, uncommittedStat)

	out := make([]ChangedFile, 0, len(order))
	for _, path := range order {
		cf := byPath[path]
		m.attachContent(wtPath, baseBranch, hasBase, cf)
		out = append(out, *cf)
	}
	return out, nil
}

// Diff returns a unified diff covering staged and unstaged changes
// relative to baseBranch, or to HEAD when the base is absent.
func (m *Manager) Diff(wtPath, baseBranch string) (string, error) {
	if baseBranch != "" && m.refExists(wtPath, baseBranch) {
		return m.run.Run(wtPath, "git", "diff", baseBranch)
	}
	if m.refExists(wtPath, "HEAD") {
		return m.run.Run(wtPath, "git", "diff", "HEAD")
	}
	staged, _ := m.run.Run(wtPath, "git", "diff", "--cached")
	unstaged, _ := m.run.Run(wtPath, "git", "diff")
	if staged == "" {
		return unstaged, nil
	}
	if unstaged == "" {
		return staged, nil
	}
	return staged + "\n" + unstaged, nil
}

func (m *Manager) refExists(wtPath, ref string) bool {
	_, err := m.run.Run(wtPath, "git", "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// attachContent adds old/new snapshots when the file is text within
// the size cap. Oversized or binary content is skipped silently.
func (m *Manager) attachContent(wtPath, baseBranch string, hasBase bool, cf *ChangedFile) {
	if cf.Status != StatusAdded && hasBase {
		old, err := m.run.Run(wtPath, "git", "show", baseBranch+":"+cf.Path)
		if err == nil && contentOK([]byte(old), m.opts.MaxContentBytes) {
			cf.OldContent = old
		}
	}
	if cf.Status != StatusDeleted {
		data, err := os.ReadFile(filepath.Join(wtPath, cf.Path))
		if err == nil && contentOK(data, m.opts.MaxContentBytes) {
			cf.NewContent = string(data)
		}
	}
}

// contentOK reports whether the bytes are UTF-8 text without NUL bytes
// and within the cap.
func contentOK(data []byte, maxBytes int) bool {
	if len(data) > maxBytes {
		return false
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return false
	}
	return utf8.Valid(data)
}

func letterStatus(code string) FileStatus {
	switch {
	case strings.HasPrefix(code, "A"):
		return StatusAdded
	case strings.HasPrefix(code, "D"):
		return StatusDeleted
	default:
		return StatusModified
	}
}

func porcelainStatus(code string) FileStatus {
	switch {
	case code == "??" || strings.Contains(code, "A"):
		return StatusAdded
	case strings.Contains(code, "D"):
		return StatusDeleted
	default:
		return StatusModified
	}
}

func applyNumstat(byPath map[string]*ChangedFile, numstat string) {
	for _, line := range strings.Split(numstat, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		cf, ok := byPath[fields[len(fields)-1]]
		if !ok {
			continue
		}
		// Binary files report "-" counts; leave them at zero.
		if add, err := strconv.Atoi(fields[0]); err == nil {
			cf.Additions += add
		}
		if del, err := strconv.Atoi(fields[1]); err == nil {
			cf.Deletions += del
		}
	}
}
