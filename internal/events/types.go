// Package events provides the per-task event bus and its bounded
// history buffers.
package events

import (
	"time"
)

// Type defines the type of event carried on a task topic.
type Type string

const (
	// TypeLog carries an agent log entry.
	TypeLog Type = "log"
	// TypeStatus carries a task status transition.
	TypeStatus Type = "status"
	// TypeTimeoutWarning warns that the agent deadline is near.
	TypeTimeoutWarning Type = "timeout_warning"
	// TypeAwaitingReview signals the task is waiting on a human.
	TypeAwaitingReview Type = "awaiting_review"
	// TypeComplete signals a finished run; closes the topic.
	TypeComplete Type = "complete"
	// TypeError carries an error; terminal codes close the topic.
	TypeError Type = "error"
	// TypePRComment carries a newly observed forge comment.
	TypePRComment Type = "pr_comment"
	// TypeChatMessage carries assistant/user/system chat text.
	TypeChatMessage Type = "chat_message"
	// TypeToolActivity carries tool invocation progress.
	TypeToolActivity Type = "tool_activity"
	// TypeDropped marks events lost to subscriber back-pressure.
	TypeDropped Type = "dropped"
)

// Terminal error codes that close a topic.
const (
	ErrorCodeCancelled = "CANCELLED"
	ErrorCodeTimeout   = "TIMEOUT"
)

// Event is a single item on a task topic.
type Event struct {
	Type   Type      `json:"type"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data,omitempty"`
	Time   time.Time `json:"time"`
}

// New creates an event with the current timestamp.
func New(eventType Type, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// LogLevel classifies agent log entries.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogData is the payload of a TypeLog event.
type LogData struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
	Data    any      `json:"data,omitempty"`
}

// StatusData is the payload of a TypeStatus event.
type StatusData struct {
	New string `json:"new"`
}

// TimeoutWarningData is the payload of a TypeTimeoutWarning event.
type TimeoutWarningData struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AwaitingReviewData is the payload of a TypeAwaitingReview event.
type AwaitingReviewData struct {
	Message string `json:"message"`
}

// CompleteData is the payload of a TypeComplete event.
type CompleteData struct {
	PRURL   string `json:"pr_url,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// ErrorData is the payload of a TypeError event.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DroppedData is the payload of a TypeDropped marker.
type DroppedData struct {
	// Count is how many queued events were discarded for this subscriber.
	Count int `json:"count"`
}

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// ChatMessage is the payload of a TypeChatMessage event.
type ChatMessage struct {
	ID      string    `json:"id"`
	Role    ChatRole  `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

// ToolStatus tracks a tool invocation's progress.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolActivity is the payload of a TypeToolActivity event.
type ToolActivity struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Summary string     `json:"summary,omitempty"`
	Status  ToolStatus `json:"status"`
	TS      time.Time  `json:"ts"`
}

// PRComment is the payload of a TypePRComment event.
type PRComment struct {
	ID              int64  `json:"id"`
	Body            string `json:"body"`
	Author          string `json:"author"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at,omitempty"`
	IsReviewComment bool   `json:"is_review_comment"`
	Path            string `json:"path,omitempty"`
	Line            int    `json:"line,omitempty"`
}

// IsTerminal reports whether the event closes its topic: a complete
// event, or an error event carrying a terminal code.
func (e Event) IsTerminal() bool {
	if e.Type == TypeComplete {
		return true
	}
	if e.Type != TypeError {
		return false
	}
	if d, ok := e.Data.(ErrorData); ok {
		return d.Code == ErrorCodeCancelled || d.Code == ErrorCodeTimeout
	}
	return false
}
