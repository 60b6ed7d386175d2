// Package orchestrator is the core of warden: the non-blocking spawn
// protocol, the three-channel completion detector, and teardown. No call
// here blocks for the length of an agent run; long waits re-enter through
// the scheduler.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/joescharf/warden/internal/agentd"
	"github.com/joescharf/warden/internal/llm"
	"github.com/joescharf/warden/internal/pool"
	"github.com/joescharf/warden/internal/sandbox"
	"github.com/joescharf/warden/internal/scheduler"
	"github.com/joescharf/warden/internal/statesync"
	"github.com/joescharf/warden/internal/store"
)

// AgentClient is the slice of the agent server API the orchestrator uses.
// *agentd.Client satisfies it; tests substitute fakes.
type AgentClient interface {
	Health(ctx context.Context) error
	ConfigureAuth(ctx context.Context, apiKey string) error
	CreateSession(ctx context.Context) (string, error)
	PromptAsync(ctx context.Context, sessionID, prompt string, opts agentd.PromptOptions) error
	StatusMap(ctx context.Context) (map[string]agentd.SessionState, error)
	Messages(ctx context.Context, sessionID string) ([]agentd.Message, error)
	Todos(ctx context.Context, sessionID string) ([]agentd.Todo, error)
	ChangedFiles(ctx context.Context, sessionID string) ([]string, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	WriteFileBase64(ctx context.Context, path, contentB64 string) error
	StartAgentServer(ctx context.Context, port int) error
	StartForwarder(ctx context.Context, callbackURL, token string) error
}

// Config tunes the orchestrator.
type Config struct {
	Template         string
	AgentPort        int
	AnthropicAPIKey  string
	Model            string
	CallbackURL      string
	CallbackToken    string
	ProvisionTimeout time.Duration
	StartupTimeout   time.Duration
	PollInterval     time.Duration
	MaxPolls         int
	WatchdogTimeout  time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		Template:         "agent-base",
		AgentPort:        8331,
		ProvisionTimeout: 90 * time.Second,
		StartupTimeout:   30 * time.Second,
		PollInterval:     20 * time.Second,
		MaxPolls:         90,
		WatchdogTimeout:  30 * time.Minute,
	}
}

// Orchestrator owns the session lifecycle end to end.
type Orchestrator struct {
	store      store.Store
	pool       *pool.Manager
	prov       sandbox.Provisioner
	sched      scheduler.Scheduler
	continuity *statesync.Manager
	verifier   llm.Verifier
	cfg        Config
	log        *slog.Logger

	// newAgent builds a client for a sandbox endpoint; replaceable in tests.
	newAgent func(endpoint string) AgentClient

	// sleep is the in-call wait used by the bounded startup health poll;
	// replaceable in tests.
	sleep func(time.Duration)
}

// New creates an orchestrator. verifier may be nil when no provider key is
// configured; auth verification is then skipped.
func New(s store.Store, pm *pool.Manager, prov sandbox.Provisioner, sched scheduler.Scheduler, cont *statesync.Manager, verifier llm.Verifier, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      s,
		pool:       pm,
		prov:       prov,
		sched:      sched,
		continuity: cont,
		verifier:   verifier,
		cfg:        cfg,
		log:        logger,
		newAgent:   func(endpoint string) AgentClient { return agentd.New(endpoint) },
		sleep:      time.Sleep,
	}
}

// appendLog writes an operational line to the session's durable log.
// Best-effort: logging must never abort a lifecycle transition.
func (o *Orchestrator) appendLog(ctx context.Context, sessionID, line string) {
	if err := o.store.AppendSessionLogs(ctx, sessionID, []string{line}); err != nil {
		o.log.Warn("append session log failed", "session", sessionID, "err", err)
	}
}

// killSandbox tears the environment down. Idempotent end to end: a dead or
// already-killed handle is not an error and never aborts the calling flow.
func (o *Orchestrator) killSandbox(ctx context.Context, sandboxID, endpoint string) {
	if sandboxID == "" {
		return
	}
	if err := o.prov.Kill(ctx, &sandbox.Handle{ID: sandboxID, Endpoint: endpoint}); err != nil {
		o.log.Warn("sandbox kill failed", "sandbox", sandboxID, "err", err)
	}
}

// Cancel terminates a session on user request. Cancellation pre-empts all
// other outcomes: once the guarded store write lands, no completion
// channel can overwrite it.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	changed, err := o.store.CancelSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if changed {
		o.appendLog(ctx, sessionID, "session cancelled by user")
	}

	// Best-effort kill either way; redundant kills are harmless.
	o.killSandbox(ctx, session.SandboxID, session.SandboxEndpoint)
	return nil
}
