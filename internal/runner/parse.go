package runner

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/overseer/internal/events"
)

// Truncation caps applied before any payload is emitted.
const (
	textCap    = 1000
	toolCap    = 500
	summaryCap = 200
)

// ItemKind classifies a parsed stream item.
type ItemKind int

const (
	KindLog ItemKind = iota
	KindChat
	KindTool
	KindResult
)

// Item is one translated unit of backend output.
type Item struct {
	Kind ItemKind
	Log  events.LogData
	Chat events.ChatMessage
	Tool events.ToolActivity
	// Result is the backend's structured final summary.
	Result string
}

// Parser translates one stdout line into zero or more items. Parsers
// are JSON-first: lines that do not decode fall back to raw-text logs,
// and recognized JSON with an unknown shape degrades to a debug log.
type Parser interface {
	Parse(line string) []Item
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func logItem(level events.LogLevel, msg string) Item {
	return Item{Kind: KindLog, Log: events.LogData{Level: level, Message: msg}}
}

func rawLine(line string) []Item {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	return []Item{logItem(events.LevelInfo, truncate(line, textCap))}
}

// claudeParser understands the claude-code stream-json protocol:
// system/assistant/user envelopes, tool_use and tool_result content
// blocks, and a final result event.
type claudeParser struct{}

func (p *claudeParser) Parse(line string) []Item {
	if !gjson.Valid(line) {
		return rawLine(line)
	}
	doc := gjson.Parse(line)

	switch doc.Get("type").String() {
	case "system":
		if doc.Get("subtype").String() == "init" {
			model := doc.Get("model").String()
			return []Item{{Kind: KindChat, Chat: events.ChatMessage{
				Role:    events.RoleSystem,
				Content: truncate("session started (model "+model+")", textCap),
			}}}
		}
		return []Item{logItem(events.LevelDebug, truncate(line, textCap))}

	case "assistant":
		var items []Item
		doc.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if text := block.Get("text").String(); strings.TrimSpace(text) != "" {
					items = append(items, Item{Kind: KindChat, Chat: events.ChatMessage{
						Role:    events.RoleAssistant,
						Content: truncate(text, textCap),
					}})
				}
			case "tool_use":
				items = append(items, Item{Kind: KindTool, Tool: events.ToolActivity{
					ID:      block.Get("id").String(),
					Name:    block.Get("name").String(),
					Summary: truncate(block.Get("input").Raw, toolCap),
					Status:  events.ToolRunning,
				}})
			}
			return true
		})
		if items == nil {
			return []Item{logItem(events.LevelDebug, truncate(line, textCap))}
		}
		return items

	case "user":
		var items []Item
		doc.Get("message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "tool_result":
				status := events.ToolCompleted
				level := events.LevelDebug
				if block.Get("is_error").Bool() {
					status = events.ToolError
					level = events.LevelWarn
				}
				items = append(items, Item{Kind: KindTool, Tool: events.ToolActivity{
					ID:      block.Get("tool_use_id").String(),
					Summary: truncate(flattenContent(block.Get("content")), toolCap),
					Status:  status,
				}})
				items = append(items, logItem(level, truncate("tool result: "+flattenContent(block.Get("content")), toolCap)))
			case "text":
				if text := block.Get("text").String(); strings.TrimSpace(text) != "" {
					items = append(items, Item{Kind: KindChat, Chat: events.ChatMessage{
						Role:    events.RoleUser,
						Content: truncate(text, textCap),
					}})
				}
			}
			return true
		})
		if items == nil {
			return []Item{logItem(events.LevelDebug, truncate(line, textCap))}
		}
		return items

	case "result":
		result := doc.Get("result").String()
		items := []Item{{Kind: KindResult, Result: result}}
		if doc.Get("is_error").Bool() {
			items = append(items, logItem(events.LevelError, truncate(result, textCap)))
		}
		return items

	default:
		return []Item{logItem(events.LevelDebug, truncate(line, textCap))}
	}
}

// flattenContent renders a tool-result content value, which may be a
// plain string or an array of typed blocks.
func flattenContent(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var parts []string
	v.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			parts = append(parts, block.Get("text").String())
		}
		return true
	})
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	return v.Raw
}

// codexParser understands codex exec --json: item.started /
// item.completed envelopes wrapping a typed item.
type codexParser struct{}

func (p *codexParser) Parse(line string) []Item {
	if !gjson.Valid(line) {
		return rawLine(line)
	}
	doc := gjson.Parse(line)
	item := doc.Get("item")

	switch doc.Get("type").String() {
	case "item.started":
		switch item.Get("type").String() {
		case "command_execution", "tool_call":
			return []Item{{Kind: KindTool, Tool: events.ToolActivity{
				ID:      item.Get("id").String(),
				Name:    firstNonEmpty(item.Get("name").String(), item.Get("command").String()),
				Summary: truncate(item.Get("command").String(), toolCap),
				Status:  events.ToolRunning,
			}}}
		}
		return []Item{logItem(events.LevelDebug, truncate(line, textCap))}

	case "item.completed":
		switch item.Get("type").String() {
		case "agent_message":
			text := item.Get("text").String()
			return []Item{
				{Kind: KindChat, Chat: events.ChatMessage{
					Role:    events.RoleAssistant,
					Content: truncate(text, textCap),
				}},
				{Kind: KindResult, Result: text},
			}
		case "command_execution", "tool_call":
			status := events.ToolCompleted
			if item.Get("exit_code").Int() != 0 {
				status = events.ToolError
			}
			return []Item{{Kind: KindTool, Tool: events.ToolActivity{
				ID:      item.Get("id").String(),
				Name:    firstNonEmpty(item.Get("name").String(), item.Get("command").String()),
				Summary: truncate(item.Get("aggregated_output").String(), toolCap),
				Status:  status,
			}}}
		case "reasoning":
			return []Item{logItem(events.LevelDebug, truncate(item.Get("text").String(), summaryCap))}
		}
		return []Item{logItem(events.LevelDebug, truncate(line, textCap))}

	case "error":
		return []Item{logItem(events.LevelError, truncate(doc.Get("message").String(), textCap))}

	default:
		return []Item{logItem(events.LevelDebug, truncate(line, textCap))}
	}
}

// genericParser handles backends without a committed stream protocol:
// JSON lines with recognizable text fields become chat, everything
// else is logged raw.
type genericParser struct{}

func (p *genericParser) Parse(line string) []Item {
	if !gjson.Valid(line) {
		return rawLine(line)
	}
	doc := gjson.Parse(line)
	for _, field := range []string{"text", "message", "content"} {
		if v := doc.Get(field); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return []Item{{Kind: KindChat, Chat: events.ChatMessage{
				Role:    events.RoleAssistant,
				Content: truncate(v.String(), textCap),
			}}}
		}
	}
	return []Item{logItem(events.LevelDebug, truncate(line, textCap))}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
