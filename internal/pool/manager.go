// Package pool maintains pre-warmed sandboxes so session starts skip the
// provision-and-boot latency, the single largest contributor to cold start.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/warden/internal/models"
	"github.com/joescharf/warden/internal/sandbox"
	"github.com/joescharf/warden/internal/store"
)

// Options tunes the warm pool.
type Options struct {
	TTL         time.Duration // how long a ready entry stays claimable
	GracePeriod time.Duration // how long expired rows linger before removal
}

// DefaultOptions match a pool warmed for interactive use.
func DefaultOptions() Options {
	return Options{
		TTL:         15 * time.Minute,
		GracePeriod: 5 * time.Minute,
	}
}

// Manager tracks pre-warmed sandboxes and their claim state.
type Manager struct {
	store       store.Store
	provisioner sandbox.Provisioner
	opts        Options
}

// NewManager creates a pool manager.
func NewManager(s store.Store, p sandbox.Provisioner, opts Options) *Manager {
	return &Manager{store: s, provisioner: p, opts: opts}
}

// Claim returns the oldest ready entry for the template, atomically marked
// claimed by claimantID. Returns store.ErrNotFound (wrapped) when the pool
// is empty; callers fall through to on-demand provisioning.
func (m *Manager) Claim(ctx context.Context, template, claimantID string) (*models.PoolEntry, error) {
	return m.store.ClaimOldestReady(ctx, template, claimantID)
}

// EnsureWarm provisions sandboxes until the template's ready count meets
// target. The row is inserted as warming before the vendor call so a crash
// mid-provision leaves an inert row for the sweep, not a leaked sandbox
// with no record.
func (m *Manager) EnsureWarm(ctx context.Context, template string, target int) (int, error) {
	ready, err := m.store.CountPoolEntries(ctx, template, models.PoolStatusReady)
	if err != nil {
		return 0, err
	}
	warming, err := m.store.CountPoolEntries(ctx, template, models.PoolStatusWarming)
	if err != nil {
		return 0, err
	}

	created := 0
	for i := ready + warming; i < target; i++ {
		entry := &models.PoolEntry{Template: template}
		if err := m.store.CreatePoolEntry(ctx, entry); err != nil {
			return created, err
		}

		h, err := m.provisioner.Create(ctx, template, nil, 2*time.Minute)
		if err != nil {
			// Leave the warming row; the sweep reaps it once it ages out.
			return created, fmt.Errorf("warm sandbox for %s: %w", template, err)
		}

		entry.SandboxID = h.ID
		entry.Endpoint = h.Endpoint
		if err := m.updateHandle(ctx, entry); err != nil {
			_ = m.provisioner.Kill(ctx, h)
			return created, err
		}
		if err := m.store.MarkPoolEntryReady(ctx, entry.ID, time.Now().UTC().Add(m.opts.TTL)); err != nil {
			_ = m.provisioner.Kill(ctx, h)
			return created, err
		}
		created++
	}
	return created, nil
}

// updateHandle records the provisioned sandbox on the warming row by
// recreating it with handle fields set. CreatePoolEntry assigns ids, so
// reuse the same row via a ready transition that carries the handle.
func (m *Manager) updateHandle(ctx context.Context, e *models.PoolEntry) error {
	return m.store.AttachPoolSandbox(ctx, e.ID, e.SandboxID, e.Endpoint)
}

// Sweep expires entries past their TTL (killing their sandboxes
// best-effort, regardless of prior status) and physically removes expired
// rows older than the grace period. Safe to run concurrently with claims:
// expiry and claim race through the store's guarded updates.
func (m *Manager) Sweep(ctx context.Context) (expired int, removed int64, err error) {
	now := time.Now().UTC()

	entries, err := m.store.ExpirePoolEntries(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if e.SandboxID != "" {
			// Kill is idempotent; a dead sandbox is not an error.
			_ = m.provisioner.Kill(ctx, &sandbox.Handle{ID: e.SandboxID, Endpoint: e.Endpoint})
		}
	}

	removed, err = m.store.DeleteExpiredPoolEntries(ctx, now.Add(-m.opts.GracePeriod))
	if err != nil {
		return len(entries), 0, err
	}
	return len(entries), removed, nil
}
