package orchestrator

import (
	"context"
	"fmt"

	"github.com/joescharf/warden/internal/agentd"
	"github.com/joescharf/warden/internal/models"
)

// The three completion channels (push callback, scheduled poll, watchdog
// timeout) are intentionally redundant. Each one checks terminal status
// before mutating anything, and the store's guarded transitions make the
// first terminal writer win, so any of them may fire in any order.

// pollState is the saved parameters a poll re-invocation carries. Each
// poll is a discrete unit of work re-entering through the scheduler, not a
// parked goroutine.
type pollState struct {
	polls           int
	seenFragments   int
	absentMisses    int
	transportErrors int
}

const (
	// maxAbsentMisses polls tolerate the remote session being missing from
	// the busy map with no messages before declaring the run incoherent.
	maxAbsentMisses = 3
	// maxTransportErrors bounds consecutive failed poll cycles before the
	// transport failure escalates to the session.
	maxTransportErrors = 3
	// perCycleRetries bounds transient fetch retries within one poll cycle.
	perCycleRetries = 3
)

func (o *Orchestrator) schedulePoll(sessionID, remoteID, endpoint string, st pollState) {
	o.sched.RunAfter(o.cfg.PollInterval, func() {
		o.pollStep(context.Background(), sessionID, remoteID, endpoint, st)
	})
}

func (o *Orchestrator) scheduleWatchdog(sessionID string) {
	o.sched.RunAfter(o.cfg.WatchdogTimeout, func() {
		o.watchdogFire(context.Background(), sessionID)
	})
}

// pollStep is one invocation of the poll channel.
func (o *Orchestrator) pollStep(ctx context.Context, sessionID, remoteID, endpoint string, st pollState) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		o.log.Error("poll: load session failed", "session", sessionID, "err", err)
		return
	}
	if session.Status.Terminal() {
		return
	}

	st.polls++
	if st.polls > o.cfg.MaxPolls {
		o.recordFailure(ctx, sessionID, models.FailureTimeout,
			fmt.Errorf("maximum poll count (%d) exceeded", o.cfg.MaxPolls))
		o.killSandbox(ctx, session.SandboxID, session.SandboxEndpoint)
		return
	}

	agent := o.newAgent(endpoint)

	// (a) Append log lines for fragments we have not seen yet. Dedup is by
	// fragment count, not content: in-place-updated messages must not
	// re-log.
	messages, err := o.fetchMessagesRetry(ctx, agent, remoteID)
	if err != nil {
		st.transportErrors++
		if st.transportErrors >= maxTransportErrors {
			o.recordFailure(ctx, sessionID, models.FailurePollTransport, err)
			o.killSandbox(ctx, session.SandboxID, session.SandboxEndpoint)
			return
		}
		o.schedulePoll(sessionID, remoteID, endpoint, st)
		return
	}
	st.transportErrors = 0

	fragments := flattenFragments(messages)
	if len(fragments) > st.seenFragments {
		o.appendLogLines(ctx, sessionID, fragments[st.seenFragments:])
		st.seenFragments = len(fragments)
	}

	// (b) Query the busy map and decide.
	statusMap, err := agent.StatusMap(ctx)
	if err != nil {
		st.transportErrors++
		if st.transportErrors >= maxTransportErrors {
			o.recordFailure(ctx, sessionID, models.FailurePollTransport, err)
			o.killSandbox(ctx, session.SandboxID, session.SandboxEndpoint)
			return
		}
		o.schedulePoll(sessionID, remoteID, endpoint, st)
		return
	}

	state, present := statusMap[remoteID]
	switch {
	case !present:
		// Ambiguous: either completed-and-removed or never registered.
		// Messages existing means the run happened; none after several
		// polls means it never started.
		if len(messages) == 0 {
			st.absentMisses++
			if st.absentMisses >= maxAbsentMisses {
				o.recordFailure(ctx, sessionID, models.FailurePollTransport,
					fmt.Errorf("remote session %s never registered and produced no messages", remoteID))
				o.killSandbox(ctx, session.SandboxID, session.SandboxEndpoint)
				return
			}
			o.schedulePoll(sessionID, remoteID, endpoint, st)
			return
		}
		o.finalize(ctx, sessionID, remoteID, session.SandboxID, endpoint, nil)

	case state == agentd.SessionBusy:
		if err := o.store.TouchSessionHeartbeat(ctx, sessionID); err != nil {
			o.log.Warn("heartbeat touch failed", "session", sessionID, "err", err)
		}
		o.schedulePoll(sessionID, remoteID, endpoint, st)

	case state == agentd.SessionError:
		o.recordFailure(ctx, sessionID, models.FailureAgentReported,
			fmt.Errorf("remote session %s reported error state", remoteID))
		o.killSandbox(ctx, session.SandboxID, session.SandboxEndpoint)

	default: // idle: run finished but not yet removed from the map
		o.finalize(ctx, sessionID, remoteID, session.SandboxID, endpoint, nil)
	}
}

// fetchMessagesRetry retries transient fetch failures within the same poll
// cycle without touching session status.
func (o *Orchestrator) fetchMessagesRetry(ctx context.Context, agent AgentClient, remoteID string) ([]agentd.Message, error) {
	var lastErr error
	for attempt := 0; attempt < perCycleRetries; attempt++ {
		messages, err := agent.Messages(ctx, remoteID)
		if err == nil {
			return messages, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// CompletionPayload is what the in-sandbox forwarder posts when it
// observes the agent go idle. The fastest channel.
type CompletionPayload struct {
	Response  string            `json:"response"`
	Thinking  []string          `json:"thinking,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Todos     []models.TodoItem `json:"todos,omitempty"`
}

// HandleCompletion is the push channel entry point, invoked by the
// callback API route.
func (o *Orchestrator) HandleCompletion(ctx context.Context, sessionID string, payload *CompletionPayload) error {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return nil
	}
	o.finalize(ctx, sessionID, session.RemoteSessionID, session.SandboxID, session.SandboxEndpoint, payload)
	return nil
}

// watchdogFire is the backstop guaranteeing every sandbox is eventually
// reclaimed. Already-terminal sessions get cleanup only; their status,
// output, and error are left untouched.
func (o *Orchestrator) watchdogFire(ctx context.Context, sessionID string) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		o.log.Error("watchdog: load session failed", "session", sessionID, "err", err)
		return
	}

	if !session.Status.Terminal() {
		o.recordFailure(ctx, sessionID, models.FailureTimeout,
			fmt.Errorf("watchdog fired after %s", o.cfg.WatchdogTimeout))
	}
	o.killSandbox(ctx, session.SandboxID, session.SandboxEndpoint)
}

// finalize collects results, captures produced files, marks the session
// completed, and kills the sandbox. Idempotent across channels: the
// guarded store write decides the winner, and a losing call's work is
// discarded harmlessly.
func (o *Orchestrator) finalize(ctx context.Context, sessionID, remoteID, sandboxID, endpoint string, push *CompletionPayload) {
	agent := o.newAgent(endpoint)

	output, err := o.collectResults(ctx, agent, sessionID, remoteID, push)
	if err != nil {
		// Partial progress is never silently discarded: fall back to an
		// empty output rather than losing the completion.
		o.appendLog(ctx, sessionID, "result collection failed: "+err.Error())
		output = &models.SessionOutput{}
	}

	if saved, skipped, err := o.captureFiles(ctx, sessionID, remoteID, agent, output); err != nil {
		o.appendLog(ctx, sessionID, "file capture failed: "+err.Error())
	} else if saved > 0 || skipped > 0 {
		o.appendLog(ctx, sessionID, fmt.Sprintf("captured %d files (%d skipped)", saved, skipped))
	}

	outputJSON, err := encodeOutput(output)
	if err != nil {
		o.log.Error("encode output failed", "session", sessionID, "err", err)
		outputJSON = "{}"
	}

	changed, err := o.store.CompleteSession(ctx, sessionID, outputJSON)
	if err != nil {
		o.log.Error("complete session write failed", "session", sessionID, "err", err)
	} else if changed {
		o.appendLog(ctx, sessionID, "session completed")
	}

	o.killSandbox(ctx, sandboxID, endpoint)
}

// captureFiles persists the sandbox's changed files into the scope
// manifest before the kill.
func (o *Orchestrator) captureFiles(ctx context.Context, sessionID, remoteID string, agent AgentClient, output *models.SessionOutput) (int, int, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}

	paths := output.ChangedFiles
	if len(paths) == 0 {
		paths, err = agent.ChangedFiles(ctx, remoteID)
		if err != nil {
			return 0, 0, err
		}
		output.ChangedFiles = paths
	}
	return o.continuity.Capture(ctx, session.Scope, agent, paths)
}
