package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/warden/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// SessionListFilter specifies filters for listing sessions.
type SessionListFilter struct {
	Scope  string
	Status models.SessionStatus
	Limit  int
}

// Store defines the persistence interface for warden.
//
// Status-changing session operations return whether the row was actually
// mutated: a false result means the session was already terminal and the
// write was skipped. That guard is what makes the completion channels
// race-safe.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetActiveSessionByScope(ctx context.Context, scope string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error)
	MarkSessionRunning(ctx context.Context, id, sandboxID, endpoint, remoteSessionID string) (bool, error)
	CompleteSession(ctx context.Context, id, outputJSON string) (bool, error)
	FailSession(ctx context.Context, id, errMsg string) (bool, error)
	CancelSession(ctx context.Context, id string) (bool, error)
	TouchSessionHeartbeat(ctx context.Context, id string) error
	AppendSessionLogs(ctx context.Context, sessionID string, lines []string) error
	GetSessionLogs(ctx context.Context, sessionID string) ([]*models.LogEntry, error)

	// Warm pool
	CreatePoolEntry(ctx context.Context, e *models.PoolEntry) error
	AttachPoolSandbox(ctx context.Context, id, sandboxID, endpoint string) error
	MarkPoolEntryReady(ctx context.Context, id string, expiresAt time.Time) error
	ClaimOldestReady(ctx context.Context, template, claimantID string) (*models.PoolEntry, error)
	CountPoolEntries(ctx context.Context, template string, status models.PoolStatus) (int, error)
	ListPoolEntries(ctx context.Context, template string) ([]*models.PoolEntry, error)
	ExpirePoolEntries(ctx context.Context, now time.Time) ([]*models.PoolEntry, error)
	DeleteExpiredPoolEntries(ctx context.Context, before time.Time) (int64, error)

	// CRDT state log
	InsertStateSnapshot(ctx context.Context, snap *models.StateSnapshot) error
	LatestStateSnapshot(ctx context.Context, scope string) (*models.StateSnapshot, error)
	InsertStateUpdate(ctx context.Context, upd *models.StateUpdate) error
	ListStateUpdatesSince(ctx context.Context, scope string, after time.Time) ([]*models.StateUpdate, error)
	DeleteStateUpdatesBefore(ctx context.Context, scope string, cutoff time.Time) (int64, error)

	// Scope file manifest
	SaveScopeFiles(ctx context.Context, files []*models.ScopeFile) error
	ListScopeFiles(ctx context.Context, scope string) ([]*models.ScopeFile, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
