package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joescharf/warden/internal/agentd"
	"github.com/joescharf/warden/internal/models"
)

// maxToolResultLen bounds tool results persisted for audit.
const maxToolResultLen = 2000

// collectResults assembles the session's structured output. A push payload
// already carries the forwarder's view; the poll path reconstructs the
// same shape from the message list.
func (o *Orchestrator) collectResults(ctx context.Context, agent AgentClient, sessionID, remoteID string, push *CompletionPayload) (*models.SessionOutput, error) {
	out := &models.SessionOutput{}

	if push != nil {
		out.Response = push.Response
		out.Thinking = push.Thinking
		out.ToolCalls = push.ToolCalls
		out.Todos = push.Todos
	}

	systemPrompt := o.sessionSystemPrompt(ctx, sessionID)

	if out.Response == "" {
		messages, err := agent.Messages(ctx, remoteID)
		if err != nil {
			return nil, fmt.Errorf("fetch final messages: %w", err)
		}
		response, thinking, toolCalls := extractResults(messages, systemPrompt)
		out.Response = response
		out.Thinking = thinking
		out.ToolCalls = toolCalls
	}

	if len(out.Todos) == 0 {
		if todos, err := agent.Todos(ctx, remoteID); err == nil {
			for _, t := range todos {
				out.Todos = append(out.Todos, models.TodoItem{Text: t.Text, Status: t.Status})
			}
		}
	}

	if files, err := agent.ChangedFiles(ctx, remoteID); err == nil {
		out.ChangedFiles = files
	}

	// If the last message carried no text, promote the last chronological
	// thinking entry to the user-visible response.
	if out.Response == "" && len(out.Thinking) > 0 {
		out.Response = out.Thinking[len(out.Thinking)-1]
	}
	return out, nil
}

// extractResults walks the message list: the last text segment of the last
// non-user message becomes the response; every earlier text/thinking
// segment joins the trace; tool calls are recorded with truncated results.
// Segments that echo the system prompt verbatim are skipped.
func extractResults(messages []agentd.Message, systemPrompt string) (response string, thinking []string, toolCalls []models.ToolCall) {
	lastAgentIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			lastAgentIdx = i
			break
		}
	}

	for i, msg := range messages {
		if msg.Role == "user" {
			continue
		}
		for j, seg := range msg.Segments {
			switch seg.Type {
			case "tool_call":
				toolCalls = append(toolCalls, models.ToolCall{
					Name:   seg.ToolName,
					Status: seg.ToolStatus,
					Args:   seg.ToolArgs,
					Result: truncate(seg.ToolResult, maxToolResultLen),
				})
			case "text", "thinking":
				text := strings.TrimSpace(seg.Text)
				if text == "" || echoesSystemPrompt(text, systemPrompt) {
					continue
				}
				if i == lastAgentIdx && seg.Type == "text" && j == lastTextSegment(msg.Segments) {
					response = text
				} else {
					thinking = append(thinking, text)
				}
			}
		}
	}
	return response, thinking, toolCalls
}

// lastTextSegment returns the index of the final text segment, or -1.
func lastTextSegment(segments []agentd.Segment) int {
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i].Type == "text" {
			return i
		}
	}
	return -1
}

// echoesSystemPrompt heuristically detects a segment that is just the
// system prompt played back: models occasionally repeat their instructions
// at the start of a run.
func echoesSystemPrompt(text, systemPrompt string) bool {
	if systemPrompt == "" {
		return false
	}
	prompt := strings.TrimSpace(systemPrompt)
	if len(prompt) == 0 {
		return false
	}
	if text == prompt {
		return true
	}
	// A long prefix match catches echoes with trailing additions.
	if len(prompt) >= 64 && strings.HasPrefix(text, prompt[:64]) {
		return true
	}
	return false
}

// flattenFragments turns messages into human-readable log lines, one per
// segment, in order. Used by the poll channel's incremental logging.
func flattenFragments(messages []agentd.Message) []string {
	var lines []string
	for _, msg := range messages {
		for _, seg := range msg.Segments {
			switch seg.Type {
			case "tool_call":
				lines = append(lines, fmt.Sprintf("[tool] %s (%s)", seg.ToolName, seg.ToolStatus))
			case "thinking":
				lines = append(lines, "[thinking] "+truncate(strings.TrimSpace(seg.Text), 200))
			default:
				lines = append(lines, fmt.Sprintf("[%s] %s", msg.Role, truncate(strings.TrimSpace(seg.Text), 200)))
			}
		}
	}
	return lines
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// appendLogLines writes derived fragment lines to the durable session log.
func (o *Orchestrator) appendLogLines(ctx context.Context, sessionID string, lines []string) {
	if err := o.store.AppendSessionLogs(ctx, sessionID, lines); err != nil {
		o.log.Warn("append fragment logs failed", "session", sessionID, "err", err)
	}
}

// sessionSystemPrompt reads the system prompt back from the session's
// config blob for echo detection.
func (o *Orchestrator) sessionSystemPrompt(ctx context.Context, sessionID string) string {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return ""
	}
	var cfg sessionConfig
	if err := json.Unmarshal([]byte(session.Config), &cfg); err != nil {
		return ""
	}
	return cfg.SystemPrompt
}

func encodeOutput(out *models.SessionOutput) (string, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
