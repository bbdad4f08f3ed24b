package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/overseer/internal/events"
	"github.com/randalmurphal/overseer/internal/proc"
	"github.com/randalmurphal/overseer/internal/secrets"
)

// finalSummaryCap bounds the summary stored on run completion.
const finalSummaryCap = 2048

// lastLineCount is how many trailing stdout lines form the fallback
// summary when the backend emits no structured result.
const lastLineCount = 5

// Publisher is the slice of the event bus the runner needs.
type Publisher interface {
	Publish(ev events.Event)
}

// Options configures a single agent run.
type Options struct {
	TaskID       string
	WorktreePath string
	Prompt       string
	AgentType    string
	Model        string
	PlanOnly     bool
	// SilenceWarning is how long to wait for the first stdout byte
	// before warning once. Zero means 30s.
	SilenceWarning time.Duration
	// OnFirstOutput fires when the child produces its first stdout
	// line. The supervisor uses it to move the task to in_progress.
	OnFirstOutput func()
	// LogSink receives every log entry in addition to the history
	// buffer, so logs survive buffer eviction. Optional.
	LogSink LogSink
}

// LogSink persists log entries beyond the in-memory history.
type LogSink interface {
	AppendTaskLog(taskID string, entry events.LogEntry) error
}

// Result describes how a run ended. Err is nil on clean exit.
type Result struct {
	Cancelled bool
	Summary   string
	Err       error
}

// Runner drives one coding-CLI subprocess for one task.
type Runner struct {
	opts    Options
	backend Backend
	bus     Publisher
	history *events.History
	procs   *proc.Supervisor
	sec     secrets.Accessor

	mu        sync.Mutex
	stdin     io.WriteCloser
	sawOutput bool
	queued    []string
	cancelled bool
}

// New creates a runner for the task. The backend is resolved from the
// agent type.
func New(opts Options, bus Publisher, history *events.History, procs *proc.Supervisor, sec secrets.Accessor) (*Runner, error) {
	backend, err := BackendFor(opts.AgentType)
	if err != nil {
		return nil, err
	}
	if opts.SilenceWarning <= 0 {
		opts.SilenceWarning = 30 * time.Second
	}
	return &Runner{
		opts:    opts,
		backend: backend,
		bus:     bus,
		history: history,
		procs:   procs,
		sec:     sec,
	}, nil
}

// Run spawns the child and blocks until it exits. The returned Result
// is never nil.
func (r *Runner) Run(ctx context.Context) *Result {
	cmd, viaStdin := buildCommand(r.backend, r.opts.WorktreePath, r.opts.Model, r.opts.Prompt)
	injectCredential(cmd, r.backend, r.sec)
	r.procs.Prepare(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &Result{Err: fmt.Errorf("open stdin: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Result{Err: fmt.Errorf("open stdout: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &Result{Err: fmt.Errorf("open stderr: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &Result{Err: fmt.Errorf("spawn %s: %w", r.backend.Executable, err)}
	}
	r.procs.Track(r.opts.TaskID, cmd)
	defer r.procs.Untrack(r.opts.TaskID, cmd.Process.Pid)

	r.mu.Lock()
	r.stdin = stdin
	r.mu.Unlock()

	if viaStdin {
		// The prompt goes first; stdin stays open for feedback lines.
		io.WriteString(stdin, r.opts.Prompt+"\n")
	}

	silence := time.AfterFunc(r.opts.SilenceWarning, func() {
		r.emitLog(events.LevelWarn, fmt.Sprintf(
			"no output from %s after %s; it may be authenticating, stuck, or waiting for input",
			r.backend.Executable, r.opts.SilenceWarning))
	})
	defer silence.Stop()

	go r.drainStderr(stderr)

	parser := r.backend.NewParser()
	var (
		lastLines  []string
		resultText string
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		r.noteFirstOutput(silence)

		if strings.TrimSpace(line) != "" {
			lastLines = append(lastLines, line)
			if len(lastLines) > lastLineCount {
				lastLines = lastLines[1:]
			}
		}
		for _, item := range parser.Parse(line) {
			if item.Kind == KindResult {
				resultText = item.Result
				continue
			}
			r.emit(item)
		}
	}

	stdin.Close()
	waitErr := cmd.Wait()

	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()

	switch {
	case cancelled || ctx.Err() != nil:
		return &Result{Cancelled: true}
	case waitErr != nil:
		return &Result{Err: fmt.Errorf("%s exited: %w", r.backend.Executable, waitErr)}
	default:
		return &Result{Summary: buildSummary(resultText, lastLines)}
	}
}

// AddFeedback forwards a user message to the child's stdin, queueing
// it until the child shows it is alive by producing output.
func (r *Runner) AddFeedback(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sawOutput && r.stdin != nil {
		io.WriteString(r.stdin, msg+"\n")
		return
	}
	r.queued = append(r.queued, msg)
}

// Cancel kills the child's process tree. Run returns a cancelled
// result shortly after.
func (r *Runner) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.procs.KillTask(r.opts.TaskID)
}

// noteFirstOutput flushes queued feedback and stops the silence timer
// the first time the child writes to stdout.
func (r *Runner) noteFirstOutput(silence *time.Timer) {
	r.mu.Lock()
	if r.sawOutput {
		r.mu.Unlock()
		return
	}
	r.sawOutput = true
	queued := r.queued
	r.queued = nil
	stdin := r.stdin
	r.mu.Unlock()

	silence.Stop()
	for _, msg := range queued {
		io.WriteString(stdin, msg+"\n")
	}
	if r.opts.OnFirstOutput != nil {
		r.opts.OnFirstOutput()
	}
}

func (r *Runner) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			r.emitLog(events.LevelWarn, truncate(line, textCap))
		}
	}
}

// emit publishes an item on the task topic and records it in the
// history buffers for reconnecting subscribers.
func (r *Runner) emit(item Item) {
	now := time.Now()
	switch item.Kind {
	case KindLog:
		entry := events.LogEntry{
			TS: now, Level: item.Log.Level, Message: item.Log.Message, Data: item.Log.Data,
		}
		r.history.AppendLog(r.opts.TaskID, entry)
		if r.opts.LogSink != nil {
			_ = r.opts.LogSink.AppendTaskLog(r.opts.TaskID, entry)
		}
		r.bus.Publish(events.New(events.TypeLog, r.opts.TaskID, item.Log))
	case KindChat:
		chat := item.Chat
		if chat.ID == "" {
			chat.ID = uuid.NewString()
		}
		chat.TS = now
		ev := events.New(events.TypeChatMessage, r.opts.TaskID, chat)
		r.history.AppendChat(r.opts.TaskID, ev)
		r.bus.Publish(ev)
	case KindTool:
		tool := item.Tool
		if tool.ID == "" {
			tool.ID = uuid.NewString()
		}
		tool.TS = now
		ev := events.New(events.TypeToolActivity, r.opts.TaskID, tool)
		r.history.AppendChat(r.opts.TaskID, ev)
		r.bus.Publish(ev)
	}
}

func (r *Runner) emitLog(level events.LogLevel, msg string) {
	r.emit(logItem(level, msg))
}

// buildSummary prefers the backend's structured result and falls back
// to the last non-empty stdout lines.
func buildSummary(resultText string, lastLines []string) string {
	summary := strings.TrimSpace(resultText)
	if summary == "" {
		summary = strings.TrimSpace(strings.Join(lastLines, "\n"))
	}
	return truncate(summary, finalSummaryCap)
}
