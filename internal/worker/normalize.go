package worker

import (
	"fmt"
	"strings"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/events"
)

// Normalize maps a raw backend event onto zero or more log entries of the five
// internal kinds. Shapes that are not recognised produce nothing.
// Identity and timestamp fields are left for the caller to fill in.
func Normalize(ev backend.Event) []events.LogEvent {
	switch e := ev.(type) {
	case backend.ClaudeMessage:
		return normalizeClaude(e)
	case backend.CodexEvent:
		return normalizeCodex(e)
	case backend.Malformed:
		return nil
	default:
		return nil
	}
}

func normalizeClaude(m backend.ClaudeMessage) []events.LogEvent {
	switch m.Type {
	case "system":
		return []events.LogEvent{{Kind: events.LogSystem, Subtype: m.Subtype, Content: m.SessionID}}

	case "assistant":
		if m.Message == nil {
			return nil
		}
		var out []events.LogEvent
		for _, block := range m.Message.Content {
			switch block.Type {
			case "text":
				out = append(out, events.LogEvent{Kind: events.LogAssistant, Content: block.Text})
			case "tool_use":
				out = append(out, events.LogEvent{
					Kind:      events.LogToolUse,
					ToolName:  block.Name,
					ToolInput: string(block.Input),
					ToolUseID: block.ID,
				})
			}
		}
		return out

	case "user":
		if m.Message == nil {
			return nil
		}
		var out []events.LogEvent
		for _, block := range m.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			out = append(out, events.LogEvent{
				Kind:      events.LogToolResult,
				ToolUseID: block.ToolUseID,
				Content:   block.ResultText(),
				IsError:   block.IsError,
			})
		}
		return out

	case "result":
		report, _ := m.Outcome()
		return []events.LogEvent{{
			Kind:    events.LogResult,
			Subtype: m.Subtype,
			Content: m.Result,
			IsError: !report.Succeeded(),
		}}
	}
	return nil
}

func normalizeCodex(e backend.CodexEvent) []events.LogEvent {
	switch e.Type {
	case "thread.started":
		return []events.LogEvent{{Kind: events.LogSystem, Subtype: e.Type, Content: e.ThreadID}}

	case "turn.started":
		return []events.LogEvent{{Kind: events.LogSystem, Subtype: e.Type}}

	case "error":
		return []events.LogEvent{{Kind: events.LogSystem, Subtype: e.Type, Content: e.Message, IsError: true}}

	case "item.started":
		if e.Item == nil {
			return nil
		}
		switch e.Item.Type {
		case "command_execution":
			return []events.LogEvent{{Kind: events.LogToolUse, ToolName: "shell", ToolInput: e.Item.Command, ToolUseID: e.Item.ID}}
		case "mcp_tool_call":
			return []events.LogEvent{{Kind: events.LogToolUse, ToolName: e.Item.Server + "/" + e.Item.Tool, ToolUseID: e.Item.ID}}
		}
		return nil

	case "item.completed":
		if e.Item == nil {
			return nil
		}
		return normalizeCodexItem(e.Item)

	case "turn.completed":
		return []events.LogEvent{{Kind: events.LogResult, Subtype: e.Type, Content: e.Summary}}

	case "turn.failed":
		report, _ := e.Outcome()
		return []events.LogEvent{{Kind: events.LogResult, Subtype: e.Type, Content: report.ErrorMessage(), IsError: true}}
	}
	return nil
}

func normalizeCodexItem(item *backend.CodexItem) []events.LogEvent {
	switch item.Type {
	case "agent_message":
		return []events.LogEvent{{Kind: events.LogAssistant, Content: item.Text}}
	case "reasoning":
		return []events.LogEvent{{Kind: events.LogAssistant, Subtype: "reasoning", Content: item.Text}}
	case "command_execution":
		failed := item.Status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0)
		return []events.LogEvent{{
			Kind:      events.LogToolResult,
			ToolName:  "shell",
			ToolInput: item.Command,
			ToolUseID: item.ID,
			Content:   item.AggregatedOutput,
			IsError:   failed,
		}}
	case "file_change":
		changes := make([]string, 0, len(item.Changes))
		for _, c := range item.Changes {
			changes = append(changes, fmt.Sprintf("%s %s", c.Kind, c.Path))
		}
		return []events.LogEvent{{
			Kind:      events.LogToolResult,
			ToolName:  "apply_patch",
			ToolUseID: item.ID,
			Content:   strings.Join(changes, "\n"),
			IsError:   item.Status == "failed",
		}}
	case "mcp_tool_call":
		return []events.LogEvent{{
			Kind:      events.LogToolResult,
			ToolName:  item.Server + "/" + item.Tool,
			ToolUseID: item.ID,
			IsError:   item.Status == "failed",
		}}
	}
	return nil
}
