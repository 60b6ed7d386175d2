package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/warden/internal/agentd"
)

func TestExtractResults_LastTextIsResponse(t *testing.T) {
	messages := []agentd.Message{
		textMessage("user", "write a summary"),
		{Role: "assistant", Segments: []agentd.Segment{
			{Type: "thinking", Text: "reading the sources"},
			{Type: "tool_call", ToolName: "read_file", ToolStatus: "ok", ToolResult: "file body"},
			{Type: "text", Text: "Here is the summary."},
		}},
	}

	response, thinking, toolCalls := extractResults(messages, "")
	assert.Equal(t, "Here is the summary.", response)
	assert.Equal(t, []string{"reading the sources"}, thinking)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "read_file", toolCalls[0].Name)
	assert.Equal(t, "file body", toolCalls[0].Result)
}

func TestExtractResults_UserMessagesIgnored(t *testing.T) {
	messages := []agentd.Message{
		textMessage("assistant", "intermediate note"),
		textMessage("assistant", "final answer"),
		textMessage("user", "thanks"),
	}

	// The trailing user turn does not steal the response slot.
	response, thinking, _ := extractResults(messages, "")
	assert.Equal(t, "final answer", response)
	assert.Equal(t, []string{"intermediate note"}, thinking)
}

func TestExtractResults_EarlierTextJoinsTrace(t *testing.T) {
	messages := []agentd.Message{
		{Role: "assistant", Segments: []agentd.Segment{
			{Type: "text", Text: "first draft"},
			{Type: "text", Text: "final wording"},
		}},
	}

	response, thinking, _ := extractResults(messages, "")
	assert.Equal(t, "final wording", response)
	assert.Equal(t, []string{"first draft"}, thinking)
}

func TestExtractResults_SkipsSystemPromptEcho(t *testing.T) {
	prompt := "You are a careful research assistant. Cite every claim."
	messages := []agentd.Message{
		{Role: "assistant", Segments: []agentd.Segment{
			{Type: "text", Text: prompt},
			{Type: "text", Text: "Actual findings here."},
		}},
	}

	response, thinking, _ := extractResults(messages, prompt)
	assert.Equal(t, "Actual findings here.", response)
	assert.Empty(t, thinking)
}

func TestExtractResults_NoTextSegments(t *testing.T) {
	messages := []agentd.Message{
		{Role: "assistant", Segments: []agentd.Segment{
			{Type: "tool_call", ToolName: "bash", ToolStatus: "ok"},
		}},
	}

	response, thinking, toolCalls := extractResults(messages, "")
	assert.Empty(t, response)
	assert.Empty(t, thinking)
	assert.Len(t, toolCalls, 1)
}

func TestExtractResults_TruncatesToolResults(t *testing.T) {
	long := strings.Repeat("x", maxToolResultLen+500)
	messages := []agentd.Message{
		{Role: "assistant", Segments: []agentd.Segment{
			{Type: "tool_call", ToolName: "bash", ToolStatus: "ok", ToolResult: long},
		}},
	}

	_, _, toolCalls := extractResults(messages, "")
	require.Len(t, toolCalls, 1)
	assert.Len(t, toolCalls[0].Result, maxToolResultLen+len("..."))
	assert.True(t, strings.HasSuffix(toolCalls[0].Result, "..."))
}

func TestEchoesSystemPrompt(t *testing.T) {
	short := "Be terse."
	long := strings.Repeat("Follow the runbook precisely. ", 5)

	assert.True(t, echoesSystemPrompt(short, short))
	assert.False(t, echoesSystemPrompt("Be verbose.", short))
	assert.False(t, echoesSystemPrompt("anything", ""))

	// Long prompts also match by 64-char prefix.
	assert.True(t, echoesSystemPrompt(long[:80]+" extra trailing text", long))
	assert.False(t, echoesSystemPrompt("unrelated "+long, long))
}

func TestLastTextSegment(t *testing.T) {
	segments := []agentd.Segment{
		{Type: "text", Text: "a"},
		{Type: "tool_call", ToolName: "t"},
		{Type: "text", Text: "b"},
		{Type: "thinking", Text: "c"},
	}
	assert.Equal(t, 2, lastTextSegment(segments))
	assert.Equal(t, -1, lastTextSegment([]agentd.Segment{{Type: "thinking"}}))
}

func TestFlattenFragments(t *testing.T) {
	messages := []agentd.Message{
		textMessage("user", "  do the thing  "),
		{Role: "assistant", Segments: []agentd.Segment{
			{Type: "thinking", Text: "planning"},
			{Type: "tool_call", ToolName: "search", ToolStatus: "running"},
			{Type: "text", Text: "done"},
		}},
	}

	lines := flattenFragments(messages)
	assert.Equal(t, []string{
		"[user] do the thing",
		"[thinking] planning",
		"[tool] search (running)",
		"[assistant] done",
	}, lines)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcde...", truncate("abcdefgh", 5))
}

func TestCollectResults_ThinkingPromotedWhenNoText(t *testing.T) {
	f := newFixture(t)
	f.agent.messages = []agentd.Message{
		{Role: "assistant", Segments: []agentd.Segment{
			{Type: "thinking", Text: "early analysis"},
			{Type: "thinking", Text: "concluding thought"},
		}},
	}

	id := startRunning(t, f)
	out, err := f.orch.collectResults(context.Background(), f.agent, id, "remote-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "concluding thought", out.Response)
}

func TestCollectResults_PushPayloadSkipsMessageFetch(t *testing.T) {
	f := newFixture(t)
	f.agent.msgErr = assert.AnError // a fetch would fail loudly

	id := startRunning(t, f)
	out, err := f.orch.collectResults(context.Background(), f.agent, id, "remote-1", &CompletionPayload{
		Response: "from the forwarder",
	})
	require.NoError(t, err)
	assert.Equal(t, "from the forwarder", out.Response)
}
