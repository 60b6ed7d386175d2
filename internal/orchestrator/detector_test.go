package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/warden/internal/agentd"
	"github.com/joescharf/warden/internal/models"
	"github.com/joescharf/warden/internal/store"
)

func busyMap(id string) map[string]agentd.SessionState {
	return map[string]agentd.SessionState{id: agentd.SessionBusy}
}

func idleMap(id string) map[string]agentd.SessionState {
	return map[string]agentd.SessionState{id: agentd.SessionIdle}
}

func textMessage(role, text string) agentd.Message {
	return agentd.Message{Role: role, Segments: []agentd.Segment{{Type: "text", Text: text}}}
}

// startRunning dispatches a session and returns its id.
func startRunning(t *testing.T, f *fixture) string {
	t.Helper()
	receipt, err := f.orch.StartSession(context.Background(), "card-1", "do the task", StartOptions{})
	require.NoError(t, err)
	return receipt.SessionID
}

func decodeOutputJSON(t *testing.T, sess *models.Session) *models.SessionOutput {
	t.Helper()
	out := &models.SessionOutput{}
	require.NoError(t, json.Unmarshal([]byte(sess.Output), out))
	return out
}

// --- Poll channel ---

func TestPoll_BusyThenIdleCompletes(t *testing.T) {
	f := newFixture(t)
	f.agent.statusSeq = []map[string]agentd.SessionState{
		busyMap("remote-1"),
		busyMap("remote-1"),
		idleMap("remote-1"),
	}
	f.agent.messages = []agentd.Message{
		textMessage("user", "do the task"),
		textMessage("assistant", "All done, report written."),
	}
	f.agent.changed = []string{"report.md"}
	f.agent.files["report.md"] = "# report"

	id := startRunning(t, f)

	// Two busy polls: heartbeat recorded, still running.
	f.sched.Advance(f.orch.cfg.PollInterval)
	f.sched.Advance(f.orch.cfg.PollInterval)
	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusRunning, sess.Status)
	assert.NotNil(t, sess.LastHeartbeatAt)

	// Idle poll finalizes.
	f.sched.Advance(f.orch.cfg.PollInterval)
	sess = f.session(t, id)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)

	out := decodeOutputJSON(t, sess)
	assert.Equal(t, "All done, report written.", out.Response)
	assert.Equal(t, []string{"report.md"}, out.ChangedFiles)

	assert.Equal(t, 1, f.prov.killCount(sess.SandboxID))

	// The produced file landed in the scope manifest.
	files, err := f.store.ListScopeFiles(context.Background(), "card-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "report.md", files[0].Path)
}

func TestPoll_AgentErrorState(t *testing.T) {
	f := newFixture(t)
	f.agent.statusSeq = []map[string]agentd.SessionState{
		{"remote-1": agentd.SessionError},
	}

	id := startRunning(t, f)
	f.sched.Advance(f.orch.cfg.PollInterval)

	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)
	assert.Contains(t, sess.LastError, "agent_reported_error: ")
	assert.Equal(t, 1, f.prov.killCount(sess.SandboxID))
}

func TestPoll_TransportErrorsEscalate(t *testing.T) {
	f := newFixture(t)
	id := startRunning(t, f)
	f.agent.msgErr = fmt.Errorf("connection reset")

	// First two failed cycles reschedule; the third escalates.
	f.sched.Advance(f.orch.cfg.PollInterval)
	assert.Equal(t, models.SessionStatusRunning, f.session(t, id).Status)
	f.sched.Advance(f.orch.cfg.PollInterval)
	assert.Equal(t, models.SessionStatusRunning, f.session(t, id).Status)
	f.sched.Advance(f.orch.cfg.PollInterval)

	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)
	assert.Contains(t, sess.LastError, "poll_transport_failure: ")
	assert.Equal(t, 1, f.prov.killCount(sess.SandboxID))
}

func TestPoll_TransportErrorCounterResets(t *testing.T) {
	f := newFixture(t)
	f.agent.statusSeq = []map[string]agentd.SessionState{busyMap("remote-1")}
	id := startRunning(t, f)

	// Two failed cycles, then a healthy one, then two more failures:
	// the streak never reaches three, so the session keeps running.
	f.agent.msgErr = fmt.Errorf("connection reset")
	f.sched.Advance(f.orch.cfg.PollInterval)
	f.sched.Advance(f.orch.cfg.PollInterval)
	f.agent.msgErr = nil
	f.sched.Advance(f.orch.cfg.PollInterval)
	f.agent.msgErr = fmt.Errorf("connection reset")
	f.sched.Advance(f.orch.cfg.PollInterval)
	f.sched.Advance(f.orch.cfg.PollInterval)

	assert.Equal(t, models.SessionStatusRunning, f.session(t, id).Status)
}

func TestPoll_AbsentWithMessagesFinalizes(t *testing.T) {
	f := newFixture(t)
	f.agent.statusSeq = []map[string]agentd.SessionState{{}} // session gone from the map
	f.agent.messages = []agentd.Message{
		textMessage("assistant", "Finished and deregistered."),
	}

	id := startRunning(t, f)
	f.sched.Advance(f.orch.cfg.PollInterval)

	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	assert.Equal(t, "Finished and deregistered.", decodeOutputJSON(t, sess).Response)
}

func TestPoll_AbsentWithoutMessagesEventuallyFails(t *testing.T) {
	f := newFixture(t)
	f.agent.statusSeq = []map[string]agentd.SessionState{{}}

	id := startRunning(t, f)

	f.sched.Advance(f.orch.cfg.PollInterval)
	f.sched.Advance(f.orch.cfg.PollInterval)
	assert.Equal(t, models.SessionStatusRunning, f.session(t, id).Status)

	f.sched.Advance(f.orch.cfg.PollInterval)
	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)
	assert.Contains(t, sess.LastError, "poll_transport_failure: ")
	assert.Contains(t, sess.LastError, "never registered")
}

func TestPoll_MaxPollsTimeout(t *testing.T) {
	f := newFixture(t)
	f.orch.cfg.MaxPolls = 3
	f.agent.statusSeq = []map[string]agentd.SessionState{busyMap("remote-1")}

	id := startRunning(t, f)
	for i := 0; i < 4; i++ {
		f.sched.Advance(f.orch.cfg.PollInterval)
	}

	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)
	assert.Contains(t, sess.LastError, "timeout: ")
	assert.Equal(t, 1, f.prov.killCount(sess.SandboxID))
}

func TestPoll_LogsNewFragmentsOnce(t *testing.T) {
	f := newFixture(t)
	f.agent.statusSeq = []map[string]agentd.SessionState{busyMap("remote-1")}
	f.agent.messages = []agentd.Message{
		{Role: "assistant", Segments: []agentd.Segment{
			{Type: "tool_call", ToolName: "search", ToolStatus: "ok"},
			{Type: "thinking", Text: "considering options"},
		}},
	}

	id := startRunning(t, f)
	f.sched.Advance(f.orch.cfg.PollInterval)
	// Same fragments again: nothing new to log.
	f.sched.Advance(f.orch.cfg.PollInterval)

	logs, err := f.store.GetSessionLogs(context.Background(), id)
	require.NoError(t, err)

	var tool, thinking int
	for _, l := range logs {
		switch l.Message {
		case "[tool] search (ok)":
			tool++
		case "[thinking] considering options":
			thinking++
		}
	}
	assert.Equal(t, 1, tool, "fragments are logged exactly once")
	assert.Equal(t, 1, thinking)
}

func TestPoll_TerminalSessionIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.agent.statusSeq = []map[string]agentd.SessionState{busyMap("remote-1")}
	id := startRunning(t, f)

	require.NoError(t, f.orch.Cancel(context.Background(), id))

	f.sched.Advance(f.orch.cfg.PollInterval)
	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusCancelled, sess.Status)
}

// --- Push channel ---

func TestHandleCompletion_Push(t *testing.T) {
	f := newFixture(t)
	id := startRunning(t, f)

	payload := &CompletionPayload{
		Response: "Push says done.",
		Todos:    []models.TodoItem{{Text: "ship it", Status: "completed"}},
	}
	require.NoError(t, f.orch.HandleCompletion(context.Background(), id, payload))

	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	out := decodeOutputJSON(t, sess)
	assert.Equal(t, "Push says done.", out.Response)
	require.Len(t, out.Todos, 1)
	assert.Equal(t, "ship it", out.Todos[0].Text)
	assert.Equal(t, 1, f.prov.killCount(sess.SandboxID))
}

func TestHandleCompletion_ThenPollIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.agent.statusSeq = []map[string]agentd.SessionState{idleMap("remote-1")}
	f.agent.messages = []agentd.Message{textMessage("assistant", "poll view of the result")}

	id := startRunning(t, f)

	require.NoError(t, f.orch.HandleCompletion(context.Background(), id, &CompletionPayload{Response: "push won"}))
	sandboxID := f.session(t, id).SandboxID

	// The poll channel fires afterwards and must not overwrite anything.
	f.sched.Advance(f.orch.cfg.PollInterval)

	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	assert.Equal(t, "push won", decodeOutputJSON(t, sess).Response)
	assert.GreaterOrEqual(t, f.prov.killCount(sandboxID), 1, "redundant kills are harmless")
}

func TestHandleCompletion_UnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.orch.HandleCompletion(context.Background(), "missing", &CompletionPayload{})
	assert.True(t, store.IsNotFound(err))
}

// --- Watchdog ---

func TestWatchdog_FailsStuckSession(t *testing.T) {
	f := newFixture(t)
	id := startRunning(t, f)

	f.orch.watchdogFire(context.Background(), id)

	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusFailed, sess.Status)
	assert.Contains(t, sess.LastError, "timeout: watchdog fired")
	assert.Equal(t, 1, f.prov.killCount(sess.SandboxID))
}

func TestWatchdog_TerminalSessionGetsCleanupOnly(t *testing.T) {
	f := newFixture(t)
	id := startRunning(t, f)

	require.NoError(t, f.orch.HandleCompletion(context.Background(), id, &CompletionPayload{Response: "done"}))
	before := f.session(t, id)

	f.orch.watchdogFire(context.Background(), id)

	after := f.session(t, id)
	assert.Equal(t, models.SessionStatusCompleted, after.Status, "watchdog never rewrites a terminal status")
	assert.Equal(t, before.Output, after.Output)
	assert.Empty(t, after.LastError)
	assert.GreaterOrEqual(t, f.prov.killCount(after.SandboxID), 2, "cleanup still runs")
}

func TestWatchdog_FiringTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := startRunning(t, f)

	f.orch.watchdogFire(context.Background(), id)
	first := f.session(t, id)
	require.NotNil(t, first.CompletedAt)

	f.orch.watchdogFire(context.Background(), id)
	second := f.session(t, id)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.LastError, second.LastError)
	require.NotNil(t, second.CompletedAt)
	assert.Equal(t, first.CompletedAt.Unix(), second.CompletedAt.Unix())
}

// --- Cancel ---

func TestCancel_KillsSandboxAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := startRunning(t, f)
	ctx := context.Background()

	require.NoError(t, f.orch.Cancel(ctx, id))
	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusCancelled, sess.Status)
	assert.Equal(t, 1, f.prov.killCount(sess.SandboxID))

	require.NoError(t, f.orch.Cancel(ctx, id))
	assert.Equal(t, models.SessionStatusCancelled, f.session(t, id).Status)
}

func TestCancel_BeatsLateCompletion(t *testing.T) {
	f := newFixture(t)
	f.agent.statusSeq = []map[string]agentd.SessionState{idleMap("remote-1")}
	f.agent.messages = []agentd.Message{textMessage("assistant", "too late")}
	id := startRunning(t, f)

	require.NoError(t, f.orch.Cancel(context.Background(), id))

	// A straggling poll observes idle and tries to finalize.
	f.sched.Advance(f.orch.cfg.PollInterval)

	sess := f.session(t, id)
	assert.Equal(t, models.SessionStatusCancelled, sess.Status, "cancellation pre-empts every other outcome")
	assert.Empty(t, sess.Output)
}

// --- Heartbeats ---

func TestPoll_HeartbeatAdvances(t *testing.T) {
	f := newFixture(t)
	f.agent.statusSeq = []map[string]agentd.SessionState{busyMap("remote-1")}
	id := startRunning(t, f)

	assert.Nil(t, f.session(t, id).LastHeartbeatAt)
	f.sched.Advance(f.orch.cfg.PollInterval)

	hb := f.session(t, id).LastHeartbeatAt
	require.NotNil(t, hb)
	assert.WithinDuration(t, time.Now().UTC(), *hb, 5*time.Second)
}
