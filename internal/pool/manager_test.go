package pool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/warden/internal/models"
	"github.com/joescharf/warden/internal/sandbox"
	"github.com/joescharf/warden/internal/store"
)

// fakeProvisioner counts creates and kills; optionally fails creates.
type fakeProvisioner struct {
	mu        sync.Mutex
	created   int
	killed    []string
	createErr error
}

func (f *fakeProvisioner) Create(_ context.Context, template string, _ map[string]string, _ time.Duration) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	id := fmt.Sprintf("sbx-%d", f.created)
	return &sandbox.Handle{ID: id, Endpoint: "https://" + id + ".example"}, nil
}

func (f *fakeProvisioner) Connect(_ context.Context, id string) (*sandbox.Handle, error) {
	return &sandbox.Handle{ID: id, Endpoint: "https://" + id + ".example"}, nil
}

func (f *fakeProvisioner) Kill(_ context.Context, h *sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, h.ID)
	return nil
}

func newTestManager(t *testing.T, opts Options) (*Manager, store.Store, *fakeProvisioner) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	prov := &fakeProvisioner{}
	return NewManager(s, prov, opts), s, prov
}

func TestEnsureWarm_ProvisionsToTarget(t *testing.T) {
	m, s, prov := newTestManager(t, DefaultOptions())
	ctx := context.Background()

	created, err := m.EnsureWarm(ctx, "agent-base", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, created)
	assert.Equal(t, 3, prov.created)

	entries, err := s.ListPoolEntries(ctx, "agent-base")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, models.PoolStatusReady, e.Status)
		assert.NotEmpty(t, e.SandboxID)
		assert.NotNil(t, e.ExpiresAt)
	}

	// Already at target: no new provisions.
	created, err = m.EnsureWarm(ctx, "agent-base", 3)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Equal(t, 3, prov.created)
}

func TestEnsureWarm_CreateFailureLeavesWarmingRow(t *testing.T) {
	m, s, prov := newTestManager(t, DefaultOptions())
	prov.createErr = fmt.Errorf("vendor capacity exhausted")
	ctx := context.Background()

	created, err := m.EnsureWarm(ctx, "agent-base", 1)
	assert.Error(t, err)
	assert.Zero(t, created)

	// The warming row remains as a record of the attempt; the sweep reaps
	// it once it ages out.
	count, err := s.CountPoolEntries(ctx, "agent-base", models.PoolStatusWarming)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClaim_OldestFirst(t *testing.T) {
	m, s, _ := newTestManager(t, DefaultOptions())
	ctx := context.Background()

	_, err := m.EnsureWarm(ctx, "agent-base", 2)
	require.NoError(t, err)

	entries, err := s.ListPoolEntries(ctx, "agent-base")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first, err := m.Claim(ctx, "agent-base", "sess-1")
	require.NoError(t, err)
	second, err := m.Claim(ctx, "agent-base", "sess-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.PoolStatusClaimed, first.Status)
	assert.Equal(t, "sess-1", first.ClaimantID)

	_, err = m.Claim(ctx, "agent-base", "sess-3")
	assert.True(t, store.IsNotFound(err))
}

func TestSweep_KillsExpiredAndRemovesStaleRows(t *testing.T) {
	m, s, prov := newTestManager(t, Options{TTL: 15 * time.Minute, GracePeriod: 5 * time.Minute})
	ctx := context.Background()

	// One entry already past TTL, one fresh.
	stale := &models.PoolEntry{Template: "agent-base"}
	require.NoError(t, s.CreatePoolEntry(ctx, stale))
	require.NoError(t, s.AttachPoolSandbox(ctx, stale.ID, "sbx-stale", "https://sbx-stale.example"))
	require.NoError(t, s.MarkPoolEntryReady(ctx, stale.ID, time.Now().UTC().Add(-10*time.Minute)))

	_, err := m.EnsureWarm(ctx, "agent-base", 2)
	require.NoError(t, err)

	expired, removed, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, []string{"sbx-stale"}, prov.killed, "expired sandboxes are killed")
	assert.Zero(t, removed, "expired rows linger for the grace period")

	// Ready count is back below target after the sweep.
	count, err := s.CountPoolEntries(ctx, "agent-base", models.PoolStatusReady)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSweep_RemovesRowsPastGracePeriod(t *testing.T) {
	m, s, _ := newTestManager(t, Options{TTL: 15 * time.Minute, GracePeriod: time.Minute})
	ctx := context.Background()

	old := &models.PoolEntry{Template: "agent-base"}
	require.NoError(t, s.CreatePoolEntry(ctx, old))
	require.NoError(t, s.AttachPoolSandbox(ctx, old.ID, "sbx-old", "https://sbx-old.example"))
	require.NoError(t, s.MarkPoolEntryReady(ctx, old.ID, time.Now().UTC().Add(-time.Hour)))

	// First sweep expires; second sweep removes (already past grace).
	_, _, err := m.Sweep(ctx)
	require.NoError(t, err)
	_, removed, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := s.ListPoolEntries(ctx, "agent-base")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweep_ReclaimsUnclaimableResidue(t *testing.T) {
	// An entry past its TTL is invisible to claimants but its sandbox is
	// still alive; the sweep is what actually reclaims it.
	m, s, prov := newTestManager(t, DefaultOptions())
	ctx := context.Background()

	e := &models.PoolEntry{Template: "agent-base"}
	require.NoError(t, s.CreatePoolEntry(ctx, e))
	require.NoError(t, s.AttachPoolSandbox(ctx, e.ID, "sbx-1", "https://sbx-1.example"))
	require.NoError(t, s.MarkPoolEntryReady(ctx, e.ID, time.Now().UTC().Add(-time.Minute)))

	_, err := s.ClaimOldestReady(ctx, "agent-base", "sess-late")
	assert.True(t, store.IsNotFound(err))

	expired, _, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, []string{"sbx-1"}, prov.killed)
}
