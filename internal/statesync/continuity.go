// Package statesync carries accumulated work across pipeline stages: a
// file manifest captured at completion plus a CRDT log of incremental
// state updates, both keyed per scope.
package statesync

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/joescharf/warden/internal/models"
	"github.com/joescharf/warden/internal/store"
)

// StateFilePath is the well-known location inside a sandbox where the
// materialized CRDT state is written for the agent to read on startup.
const StateFilePath = ".warden/state.json"

// compactionMargin keeps updates that raced with a compaction from being
// deleted before they were folded into a snapshot.
const compactionMargin = 5 * time.Second

// SandboxFS is the slice of the agent server client the continuity
// manager needs. WriteFileBase64 carries binary content; the sandbox
// decodes it on write, so raw bytes never pass through a JSON string.
type SandboxFS interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	WriteFileBase64(ctx context.Context, path, contentB64 string) error
}

// Manager implements capture, restore, and CRDT sync over the store.
type Manager struct {
	store store.Store
}

// NewManager creates a continuity manager.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// classify maps a file extension to a manifest type.
func classify(p string) models.FileType {
	switch strings.ToLower(path.Ext(p)) {
	case ".go", ".py", ".js", ".ts", ".tsx", ".jsx", ".rs", ".java", ".c", ".cc", ".cpp", ".h", ".rb", ".sh", ".sql", ".html", ".css":
		return models.FileTypeCode
	case ".md", ".markdown":
		return models.FileTypeMarkdown
	case ".json":
		return models.FileTypeJSON
	case ".pdf":
		return models.FileTypePDF
	default:
		return models.FileTypeText
	}
}

// isBase64PDF reports whether content is a base64-encoded PDF, detected by
// decoding the prefix and checking the %PDF magic bytes.
func isBase64PDF(content string) bool {
	if len(content) < 8 {
		return false
	}
	prefix, err := base64.StdEncoding.DecodeString(content[:8])
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(prefix), "%PDF")
}

// Capture persists every changed file from the sandbox into the scope's
// manifest. Best-effort: a file that fails to read is skipped, and the
// skip count is reported so callers can log it.
func (m *Manager) Capture(ctx context.Context, scope string, fs SandboxFS, changedPaths []string) (saved, skipped int, err error) {
	var files []*models.ScopeFile
	for _, p := range changedPaths {
		content, readErr := fs.ReadFile(ctx, p)
		if readErr != nil {
			skipped++
			continue
		}
		files = append(files, &models.ScopeFile{
			Scope:   scope,
			Path:    p,
			Name:    path.Base(p),
			Content: content,
			Type:    classify(p),
			Size:    int64(len(content)),
		})
	}
	if err := m.store.SaveScopeFiles(ctx, files); err != nil {
		return 0, skipped, fmt.Errorf("save scope files: %w", err)
	}
	return len(files), skipped, nil
}

// Restore writes the scope's persisted files into a fresh sandbox and
// materializes the latest CRDT state at StateFilePath. Binary content
// ships still base64-encoded and is decoded at the destination; text is
// written verbatim. Callers treat errors as non-fatal: the run proceeds
// without restored state.
func (m *Manager) Restore(ctx context.Context, scope string, fs SandboxFS) error {
	files, err := m.store.ListScopeFiles(ctx, scope)
	if err != nil {
		return fmt.Errorf("list scope files: %w", err)
	}

	for _, f := range files {
		if f.Type == models.FileTypePDF && isBase64PDF(f.Content) {
			if err := fs.WriteFileBase64(ctx, f.Path, f.Content); err != nil {
				return fmt.Errorf("restore %s: %w", f.Path, err)
			}
			continue
		}
		if err := fs.WriteFile(ctx, f.Path, f.Content); err != nil {
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
	}

	state, err := m.FullState(ctx, scope)
	if err != nil {
		return fmt.Errorf("load full state: %w", err)
	}
	if len(state) > 0 {
		encoded, err := state.Encode()
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		if err := fs.WriteFile(ctx, StateFilePath, string(encoded)); err != nil {
			return fmt.Errorf("write state file: %w", err)
		}
	}
	return nil
}

// PushUpdate appends one incremental delta to the scope's log.
func (m *Manager) PushUpdate(ctx context.Context, scope string, payload []byte, clientID string) error {
	if _, err := DecodeState(payload); err != nil {
		return fmt.Errorf("push update: %w", err)
	}
	return m.store.InsertStateUpdate(ctx, &models.StateUpdate{
		Scope:    scope,
		ClientID: clientID,
		Payload:  payload,
	})
}

// UpdatesSince returns updates after t in timestamp order.
func (m *Manager) UpdatesSince(ctx context.Context, scope string, t time.Time) ([]*models.StateUpdate, error) {
	return m.store.ListStateUpdatesSince(ctx, scope, t)
}

// FullState merges the latest snapshot (if any) with every update
// timestamped after it. Because merge is commutative, the order the store
// returns updates in never changes the result.
func (m *Manager) FullState(ctx context.Context, scope string) (State, error) {
	state := State{}
	var since time.Time

	snap, err := m.store.LatestStateSnapshot(ctx, scope)
	switch {
	case err == nil:
		state, err = DecodeState(snap.State)
		if err != nil {
			return nil, err
		}
		since = snap.CreatedAt
	case store.IsNotFound(err):
		// No snapshot yet; replay all updates.
	default:
		return nil, err
	}

	updates, err := m.store.ListStateUpdatesSince(ctx, scope, since)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		delta, err := DecodeState(u.Payload)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", u.ID, err)
		}
		state.Merge(delta)
	}
	return state, nil
}

// Compact folds the full state into a new snapshot, then deletes updates
// older than the snapshot time minus a safety margin so updates that raced
// with the compaction survive until the next pass.
func (m *Manager) Compact(ctx context.Context, scope string) (*models.StateSnapshot, error) {
	state, err := m.FullState(ctx, scope)
	if err != nil {
		return nil, err
	}
	encoded, err := state.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}

	snap := &models.StateSnapshot{
		Scope:     scope,
		State:     encoded,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.InsertStateSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	cutoff := snap.CreatedAt.Add(-compactionMargin)
	if _, err := m.store.DeleteStateUpdatesBefore(ctx, scope, cutoff); err != nil {
		return nil, err
	}
	return snap, nil
}
