package events

import (
	"sync"
	"time"
)

// LogEntry is one line in a task's agent log buffer.
type LogEntry struct {
	TS      time.Time `json:"ts"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// ring is a bounded FIFO that evicts its oldest entry when full.
type ring[T any] struct {
	cap   int
	items []T
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{cap: capacity}
}

func (r *ring[T]) append(v T) {
	if len(r.items) >= r.cap {
		copy(r.items, r.items[1:])
		r.items = r.items[:len(r.items)-1]
	}
	r.items = append(r.items, v)
}

func (r *ring[T]) snapshot() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// History keeps per-task bounded buffers used by reconnecting
// subscribers to recover state: the agent log buffer and the chat/tool
// event history. It is safe for concurrent use.
type History struct {
	mu        sync.Mutex
	logCap    int
	chatCap   int
	retention time.Duration
	logs      map[string]*ring[LogEntry]
	chat      map[string]*ring[Event]
	timers    map[string]*time.Timer
}

// NewHistory creates history buffers with the given per-task caps.
// retention is how long a terminal task's log buffer survives.
func NewHistory(logCap, chatCap int, retention time.Duration) *History {
	return &History{
		logCap:    logCap,
		chatCap:   chatCap,
		retention: retention,
		logs:      make(map[string]*ring[LogEntry]),
		chat:      make(map[string]*ring[Event]),
		timers:    make(map[string]*time.Timer),
	}
}

// AppendLog records a log entry for the task, evicting the oldest entry
// once the cap is reached.
func (h *History) AppendLog(taskID string, entry LogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.logs[taskID]
	if !ok {
		r = newRing[LogEntry](h.logCap)
		h.logs[taskID] = r
	}
	r.append(entry)
}

// Logs returns a snapshot of the task's log buffer.
func (h *History) Logs(taskID string) []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.logs[taskID]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// AppendChat records a chat_message or tool_activity event.
func (h *History) AppendChat(taskID string, ev Event) {
	if ev.Type != TypeChatMessage && ev.Type != TypeToolActivity {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.chat[taskID]
	if !ok {
		r = newRing[Event](h.chatCap)
		h.chat[taskID] = r
	}
	r.append(ev)
}

// Chat returns a snapshot of the task's chat/tool history.
func (h *History) Chat(taskID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.chat[taskID]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// ScheduleLogEviction arms a timer that discards the task's log buffer
// after the retention period. Called when the task reaches a terminal
// status. Re-arming replaces any existing timer.
func (h *History) ScheduleLogEviction(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[taskID]; ok {
		t.Stop()
	}
	h.timers[taskID] = time.AfterFunc(h.retention, func() {
		h.mu.Lock()
		delete(h.logs, taskID)
		delete(h.timers, taskID)
		h.mu.Unlock()
	})
}

// CancelLogEviction disarms a pending eviction, used when a task leaves
// a terminal status path (e.g. a failed task is restarted).
func (h *History) CancelLogEviction(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[taskID]; ok {
		t.Stop()
		delete(h.timers, taskID)
	}
}

// Close stops all pending eviction timers.
func (h *History) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
	}
}
