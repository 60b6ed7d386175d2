package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joescharf/warden/internal/agentd"
	"github.com/joescharf/warden/internal/models"
	"github.com/joescharf/warden/internal/store"
)

// StartOptions configures one session start.
type StartOptions struct {
	Template     string // overrides Config.Template when set
	SystemPrompt string
	Model        string
	RestoreScope bool // restore the scope's captured files and state first
}

// Receipt is returned as soon as the task is dispatched. Callers must not
// block waiting for a result; completion arrives through the detector.
type Receipt struct {
	SessionID string              `json:"session_id"`
	Status    string              `json:"status"` // always "dispatched"
	Timings   *models.StepTimings `json:"timings"`
}

// sessionConfig is the config blob persisted on the session row.
type sessionConfig struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Template     string `json:"template"`
	Model        string `json:"model,omitempty"`
}

// StartSession provisions an environment, restores prior state, boots the
// agent server, dispatches the task, arms the detector channels, and
// returns. Any failure before running marks the session failed and kills
// whatever was provisioned.
func (o *Orchestrator) StartSession(ctx context.Context, scope, prompt string, opts StartOptions) (*Receipt, error) {
	template := opts.Template
	if template == "" {
		template = o.cfg.Template
	}

	// One active session per scope: a new request first cancels the old one.
	if existing, err := o.store.GetActiveSessionByScope(ctx, scope); err == nil {
		o.appendLog(ctx, existing.ID, "superseded by new session for scope "+scope)
		if err := o.Cancel(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("cancel previous session for scope %s: %w", scope, err)
		}
	} else if !store.IsNotFound(err) {
		return nil, err
	}

	cfgJSON, err := json.Marshal(sessionConfig{
		Prompt:       prompt,
		SystemPrompt: opts.SystemPrompt,
		Template:     template,
		Model:        opts.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("encode session config: %w", err)
	}

	session := &models.Session{Scope: scope, Config: string(cfgJSON)}
	if err := o.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	timings := &models.StepTimings{}
	start := time.Now()

	// 1. Obtain an environment: pool claim first, fresh provision second.
	sandboxID, endpoint, fromPool, err := o.acquireSandbox(ctx, session, template, scope)
	timings.AcquireMs = time.Since(start).Milliseconds()
	timings.FromWarmPool = fromPool
	if err != nil {
		o.failSpawn(ctx, session.ID, models.FailureProvisioning, err, "", "")
		return nil, err
	}

	agent := o.newAgent(endpoint)

	// 2. Restore prior-stage state before the agent can observe the
	// filesystem. Non-fatal: the run proceeds without restored context.
	if opts.RestoreScope {
		restoreStart := time.Now()
		if err := o.continuity.Restore(ctx, scope, agent); err != nil {
			o.appendLog(ctx, session.ID, "state restore failed (continuing): "+err.Error())
			o.log.Warn("state restore failed", "session", session.ID, "err", err)
		} else {
			o.appendLog(ctx, session.ID, "restored prior stage state")
		}
		timings.RestoreMs = time.Since(restoreStart).Milliseconds()
	}

	// 3. Start the agent server fire-and-forget, then wait for health.
	startupStart := time.Now()
	if err := o.bootAgentServer(ctx, agent); err != nil {
		o.failSpawn(ctx, session.ID, models.FailureServerStartup, err, sandboxID, endpoint)
		return nil, err
	}
	timings.StartupMs = time.Since(startupStart).Milliseconds()

	// 4. Configure credentials and create the remote session concurrently.
	authStart := time.Now()
	remoteID, err := o.authAndCreateSession(ctx, session.ID, agent)
	timings.AuthMs = time.Since(authStart).Milliseconds()
	if err != nil {
		// authAndCreateSession already recorded the precise failure kind.
		o.killSandbox(ctx, sandboxID, endpoint)
		return nil, err
	}

	// 5. Mark running with the environment handle and remote session id.
	if changed, err := o.store.MarkSessionRunning(ctx, session.ID, sandboxID, endpoint, remoteID); err != nil {
		o.killSandbox(ctx, sandboxID, endpoint)
		return nil, err
	} else if !changed {
		// Cancelled while spawning; tear down and stop quietly.
		o.killSandbox(ctx, sandboxID, endpoint)
		return nil, fmt.Errorf("session %s cancelled during spawn", session.ID)
	}

	// 6. Dispatch asynchronously; the server acknowledges and runs in the
	// background.
	dispatchStart := time.Now()
	promptOpts := agentd.PromptOptions{Model: opts.Model}
	if promptOpts.Model == "" {
		promptOpts.Model = o.cfg.Model
	}
	if err := agent.PromptAsync(ctx, remoteID, prompt, promptOpts); err != nil {
		o.failSpawn(ctx, session.ID, models.FailurePromptDispatch, err, sandboxID, endpoint)
		return nil, err
	}
	timings.DispatchMs = time.Since(dispatchStart).Milliseconds()

	// 7. Forwarder after dispatch, so it cannot observe idle before the
	// task has started. Then arm the poll and watchdog channels.
	if err := agent.StartForwarder(ctx, o.cfg.CallbackURL, o.cfg.CallbackToken); err != nil {
		o.appendLog(ctx, session.ID, "event forwarder failed to start (poll channel still active): "+err.Error())
	}
	o.schedulePoll(session.ID, remoteID, endpoint, pollState{})
	o.scheduleWatchdog(session.ID)

	timings.TotalMs = time.Since(start).Milliseconds()
	o.appendLog(ctx, session.ID, fmt.Sprintf("task dispatched (warm pool: %v, total %dms)", fromPool, timings.TotalMs))

	// 8. Return immediately.
	return &Receipt{SessionID: session.ID, Status: "dispatched", Timings: timings}, nil
}

// acquireSandbox claims from the warm pool, falling back to on-demand
// provisioning under a bounded timeout.
func (o *Orchestrator) acquireSandbox(ctx context.Context, session *models.Session, template, scope string) (sandboxID, endpoint string, fromPool bool, err error) {
	if entry, err := o.pool.Claim(ctx, template, session.ID); err == nil {
		o.appendLog(ctx, session.ID, "claimed warm sandbox "+entry.SandboxID)
		return entry.SandboxID, entry.Endpoint, true, nil
	} else if !store.IsNotFound(err) {
		return "", "", false, err
	}

	env := map[string]string{
		"WARDEN_AGENT_PORT":     fmt.Sprintf("%d", o.cfg.AgentPort),
		"ANTHROPIC_API_KEY":     o.cfg.AnthropicAPIKey,
		"WARDEN_CALLBACK_TOKEN": o.cfg.CallbackToken,
		"WARDEN_CALLBACK_URL":   o.cfg.CallbackURL,
		"WARDEN_SCOPE":          scope,
		"WARDEN_SESSION_ID":     session.ID,
	}
	h, err := o.prov.Create(ctx, template, env, o.cfg.ProvisionTimeout)
	if err != nil {
		return "", "", false, fmt.Errorf("provision sandbox: %w", err)
	}
	o.appendLog(ctx, session.ID, "provisioned sandbox "+h.ID)
	return h.ID, h.Endpoint, false, nil
}

// bootAgentServer launches the in-sandbox server and polls its health
// endpoint: 250ms steps for the first two seconds, then 1s steps, up to
// the configured ceiling.
func (o *Orchestrator) bootAgentServer(ctx context.Context, agent AgentClient) error {
	if err := agent.StartAgentServer(ctx, o.cfg.AgentPort); err != nil {
		return fmt.Errorf("start agent server: %w", err)
	}

	deadline := time.Now().Add(o.cfg.StartupTimeout)
	interval := 250 * time.Millisecond
	for attempt := 0; time.Now().Before(deadline); attempt++ {
		if err := agent.Health(ctx); err == nil {
			return nil
		}
		if attempt >= 8 {
			interval = time.Second
		}
		o.sleep(interval)
	}
	return fmt.Errorf("agent server not healthy after %s", o.cfg.StartupTimeout)
}

// authAndCreateSession runs credential configuration and remote session
// creation in parallel to shave startup latency. Either failure is fatal
// and is recorded on the session with its precise kind.
func (o *Orchestrator) authAndCreateSession(ctx context.Context, sessionID string, agent AgentClient) (string, error) {
	type result struct {
		remoteID string
		err      error
		kind     models.FailureKind
	}
	authCh := make(chan result, 1)
	sessCh := make(chan result, 1)

	go func() {
		if o.verifier != nil {
			if err := o.verifier.VerifyKey(ctx); err != nil {
				authCh <- result{err: err, kind: models.FailureAuthConfig}
				return
			}
		}
		if err := agent.ConfigureAuth(ctx, o.cfg.AnthropicAPIKey); err != nil {
			authCh <- result{err: err, kind: models.FailureAuthConfig}
			return
		}
		authCh <- result{}
	}()

	go func() {
		remoteID, err := agent.CreateSession(ctx)
		if err != nil {
			sessCh <- result{err: err, kind: models.FailureSessionCreation}
			return
		}
		sessCh <- result{remoteID: remoteID}
	}()

	auth := <-authCh
	sess := <-sessCh

	for _, r := range []result{auth, sess} {
		if r.err != nil {
			o.recordFailure(ctx, sessionID, r.kind, r.err)
			return "", r.err
		}
	}
	return sess.remoteID, nil
}

// recordFailure marks the session failed with a kind-prefixed error.
func (o *Orchestrator) recordFailure(ctx context.Context, sessionID string, kind models.FailureKind, cause error) {
	msg := fmt.Sprintf("%s: %v", kind, cause)
	changed, err := o.store.FailSession(ctx, sessionID, msg)
	if err != nil {
		o.log.Error("fail session write failed", "session", sessionID, "err", err)
		return
	}
	if changed {
		o.appendLog(ctx, sessionID, msg)
	}
}

// failSpawn records the failure and kills the sandbox, if one exists yet.
func (o *Orchestrator) failSpawn(ctx context.Context, sessionID string, kind models.FailureKind, cause error, sandboxID, endpoint string) {
	o.recordFailure(ctx, sessionID, kind, cause)
	o.killSandbox(ctx, sandboxID, endpoint)
}
