package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/warden/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors when completion channels race.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// terminalStatuses is the SQL fragment guarding every terminal transition.
const terminalStatuses = "('completed', 'failed', 'cancelled')"

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = newULID()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusPending
	}
	if session.Config == "" {
		session.Config = "{}"
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, scope, status, sandbox_id, sandbox_endpoint, remote_session_id, config, output, last_error, last_heartbeat_at, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Scope, string(session.Status), session.SandboxID,
		session.SandboxEndpoint, session.RemoteSessionID, session.Config,
		session.Output, session.LastError, session.LastHeartbeatAt,
		session.CreatedAt, session.UpdatedAt, session.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, scope, status, sandbox_id, sandbox_endpoint, remote_session_id, config, output, last_error, last_heartbeat_at, created_at, updated_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	session := &models.Session{}
	var status string
	var heartbeatAt, completedAt sql.NullTime

	err := row.Scan(&session.ID, &session.Scope, &status,
		&session.SandboxID, &session.SandboxEndpoint, &session.RemoteSessionID,
		&session.Config, &session.Output, &session.LastError,
		&heartbeatAt, &session.CreatedAt, &session.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	session.Status = models.SessionStatus(status)
	if heartbeatAt.Valid {
		session.LastHeartbeatAt = &heartbeatAt.Time
	}
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	return session, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// GetActiveSessionByScope returns the newest non-terminal session for a
// scope, or ErrNotFound if the scope has no session in flight.
func (s *SQLiteStore) GetActiveSessionByScope(ctx context.Context, scope string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE scope = ? AND status NOT IN `+terminalStatuses+`
		ORDER BY created_at DESC LIMIT 1`, scope)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no active session for scope %s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active session by scope: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var conditions []string
	var args []any

	if filter.Scope != "" {
		conditions = append(conditions, "scope = ?")
		args = append(args, filter.Scope)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// MarkSessionRunning transitions pending -> running and attaches the
// sandbox handle. Returns false if the session already left pending
// (e.g. cancelled while spawning).
func (s *SQLiteStore) MarkSessionRunning(ctx context.Context, id, sandboxID, endpoint, remoteSessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status='running', sandbox_id=?, sandbox_endpoint=?, remote_session_id=?, updated_at=?
		WHERE id=? AND status='pending'`,
		sandboxID, endpoint, remoteSessionID, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark session running: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) CompleteSession(ctx context.Context, id, outputJSON string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status='completed', output=?, updated_at=?, completed_at=?
		WHERE id=? AND status NOT IN `+terminalStatuses,
		outputJSON, now, now, id)
	if err != nil {
		return false, fmt.Errorf("complete session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) FailSession(ctx context.Context, id, errMsg string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status='failed', last_error=?, updated_at=?, completed_at=?
		WHERE id=? AND status NOT IN `+terminalStatuses,
		errMsg, now, now, id)
	if err != nil {
		return false, fmt.Errorf("fail session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) CancelSession(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status='cancelled', updated_at=?, completed_at=?
		WHERE id=? AND status NOT IN `+terminalStatuses,
		now, now, id)
	if err != nil {
		return false, fmt.Errorf("cancel session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) TouchSessionHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat_at=?, updated_at=? WHERE id=?`, now, now, id)
	if err != nil {
		return fmt.Errorf("touch session heartbeat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendSessionLogs(ctx context.Context, sessionID string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_logs (session_id, message, created_at) VALUES (?, ?, ?)`,
			sessionID, line, now); err != nil {
			return fmt.Errorf("append session log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetSessionLogs returns log lines in insertion order.
func (s *SQLiteStore) GetSessionLogs(ctx context.Context, sessionID string) ([]*models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, message, created_at FROM session_logs
		WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*models.LogEntry
	for rows.Next() {
		e := &models.LogEntry{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// --- Warm pool ---

func (s *SQLiteStore) CreatePoolEntry(ctx context.Context, e *models.PoolEntry) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.Status == "" {
		e.Status = models.PoolStatusWarming
	}
	e.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pool_entries (id, template, sandbox_id, endpoint, status, claimant_id, created_at, ready_at, expires_at, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Template, e.SandboxID, e.Endpoint, string(e.Status),
		e.ClaimantID, e.CreatedAt, e.ReadyAt, e.ExpiresAt, e.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("create pool entry: %w", err)
	}
	return nil
}

// AttachPoolSandbox records the provisioned sandbox on a warming row.
func (s *SQLiteStore) AttachPoolSandbox(ctx context.Context, id, sandboxID, endpoint string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pool_entries SET sandbox_id=?, endpoint=? WHERE id=?`, sandboxID, endpoint, id)
	if err != nil {
		return fmt.Errorf("attach pool sandbox: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pool entry %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) MarkPoolEntryReady(ctx context.Context, id string, expiresAt time.Time) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE pool_entries SET status='ready', ready_at=?, expires_at=? WHERE id=? AND status='warming'`,
		now, expiresAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark pool entry ready: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pool entry %s: %w", id, ErrNotFound)
	}
	return nil
}

const poolColumns = `id, template, sandbox_id, endpoint, status, claimant_id, created_at, ready_at, expires_at, claimed_at`

func scanPoolEntry(row interface{ Scan(...any) error }) (*models.PoolEntry, error) {
	e := &models.PoolEntry{}
	var status string
	var readyAt, expiresAt, claimedAt sql.NullTime

	err := row.Scan(&e.ID, &e.Template, &e.SandboxID, &e.Endpoint, &status,
		&e.ClaimantID, &e.CreatedAt, &readyAt, &expiresAt, &claimedAt)
	if err != nil {
		return nil, err
	}
	e.Status = models.PoolStatus(status)
	if readyAt.Valid {
		e.ReadyAt = &readyAt.Time
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	if claimedAt.Valid {
		e.ClaimedAt = &claimedAt.Time
	}
	return e, nil
}

// ClaimOldestReady atomically claims the oldest unexpired ready entry for a
// template. The claim is a compare-and-set: the UPDATE only matches rows
// still in 'ready', so two concurrent claimants can never win the same row.
func (s *SQLiteStore) ClaimOldestReady(ctx context.Context, template, claimantID string) (*models.PoolEntry, error) {
	now := time.Now().UTC()
	for {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+poolColumns+` FROM pool_entries
			WHERE template = ? AND status = 'ready' AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY ready_at ASC LIMIT 1`, template, now)
		e, err := scanPoolEntry(row)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no ready pool entry for template %s: %w", template, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("find ready pool entry: %w", err)
		}

		result, err := s.db.ExecContext(ctx,
			`UPDATE pool_entries SET status='claimed', claimant_id=?, claimed_at=? WHERE id=? AND status='ready'`,
			claimantID, now, e.ID)
		if err != nil {
			return nil, fmt.Errorf("claim pool entry: %w", err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			// Lost the race for this row; try the next-oldest.
			continue
		}

		e.Status = models.PoolStatusClaimed
		e.ClaimantID = claimantID
		e.ClaimedAt = &now
		return e, nil
	}
}

func (s *SQLiteStore) CountPoolEntries(ctx context.Context, template string, status models.PoolStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pool_entries WHERE template = ? AND status = ?`,
		template, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pool entries: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ListPoolEntries(ctx context.Context, template string) ([]*models.PoolEntry, error) {
	query := `SELECT ` + poolColumns + ` FROM pool_entries`
	var args []any
	if template != "" {
		query += " WHERE template = ?"
		args = append(args, template)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pool entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.PoolEntry
	for rows.Next() {
		e, err := scanPoolEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ExpirePoolEntries marks every entry past its TTL as expired, regardless
// of prior status, and returns the entries that were just expired so the
// caller can kill their sandboxes.
func (s *SQLiteStore) ExpirePoolEntries(ctx context.Context, now time.Time) ([]*models.PoolEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+poolColumns+` FROM pool_entries
		WHERE status != 'expired' AND expires_at IS NOT NULL AND expires_at <= ?`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("find expirable pool entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var expired []*models.PoolEntry
	for rows.Next() {
		e, err := scanPoolEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool entry: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range expired {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE pool_entries SET status='expired' WHERE id=? AND status != 'expired'`, e.ID); err != nil {
			return nil, fmt.Errorf("expire pool entry: %w", err)
		}
		e.Status = models.PoolStatusExpired
	}
	return expired, nil
}

func (s *SQLiteStore) DeleteExpiredPoolEntries(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pool_entries WHERE status='expired' AND expires_at <= ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired pool entries: %w", err)
	}
	return result.RowsAffected()
}

// --- CRDT state log ---

func (s *SQLiteStore) InsertStateSnapshot(ctx context.Context, snap *models.StateSnapshot) error {
	if snap.ID == "" {
		snap.ID = newULID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_snapshots (id, scope, state, created_ns) VALUES (?, ?, ?, ?)`,
		snap.ID, snap.Scope, snap.State, snap.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert state snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestStateSnapshot(ctx context.Context, scope string) (*models.StateSnapshot, error) {
	snap := &models.StateSnapshot{}
	var createdNs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scope, state, created_ns FROM state_snapshots
		WHERE scope = ? ORDER BY created_ns DESC LIMIT 1`, scope,
	).Scan(&snap.ID, &snap.Scope, &snap.State, &createdNs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no snapshot for scope %s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest state snapshot: %w", err)
	}
	snap.CreatedAt = time.Unix(0, createdNs).UTC()
	return snap, nil
}

func (s *SQLiteStore) InsertStateUpdate(ctx context.Context, upd *models.StateUpdate) error {
	if upd.ID == "" {
		upd.ID = newULID()
	}
	if upd.CreatedAt.IsZero() {
		upd.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_updates (id, scope, client_id, payload, created_ns) VALUES (?, ?, ?, ?, ?)`,
		upd.ID, upd.Scope, upd.ClientID, upd.Payload, upd.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert state update: %w", err)
	}
	return nil
}

// ListStateUpdatesSince returns updates strictly after the given time, in
// timestamp order.
func (s *SQLiteStore) ListStateUpdatesSince(ctx context.Context, scope string, after time.Time) ([]*models.StateUpdate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, client_id, payload, created_ns FROM state_updates
		WHERE scope = ? AND created_ns > ? ORDER BY created_ns ASC`,
		scope, after.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list state updates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var updates []*models.StateUpdate
	for rows.Next() {
		u := &models.StateUpdate{}
		var createdNs int64
		if err := rows.Scan(&u.ID, &u.Scope, &u.ClientID, &u.Payload, &createdNs); err != nil {
			return nil, fmt.Errorf("scan state update: %w", err)
		}
		u.CreatedAt = time.Unix(0, createdNs).UTC()
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (s *SQLiteStore) DeleteStateUpdatesBefore(ctx context.Context, scope string, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM state_updates WHERE scope = ? AND created_ns < ?`,
		scope, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete state updates: %w", err)
	}
	return result.RowsAffected()
}

// --- Scope file manifest ---

func (s *SQLiteStore) SaveScopeFiles(ctx context.Context, files []*models.ScopeFile) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, f := range files {
		if f.ID == "" {
			f.ID = newULID()
		}
		f.CreatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scope_files (id, scope, path, name, content, file_type, size, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.Scope, f.Path, f.Name, f.Content, string(f.Type), f.Size, f.CreatedAt,
		); err != nil {
			return fmt.Errorf("save scope file %s: %w", f.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListScopeFiles returns the latest captured version of each path in a scope.
func (s *SQLiteStore) ListScopeFiles(ctx context.Context, scope string) ([]*models.ScopeFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, path, name, content, file_type, size, created_at FROM scope_files
		WHERE scope = ? AND id IN (
			SELECT MAX(id) FROM scope_files WHERE scope = ? GROUP BY path
		) ORDER BY path`, scope, scope)
	if err != nil {
		return nil, fmt.Errorf("list scope files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []*models.ScopeFile
	for rows.Next() {
		f := &models.ScopeFile{}
		var fileType string
		if err := rows.Scan(&f.ID, &f.Scope, &f.Path, &f.Name, &f.Content, &fileType, &f.Size, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scope file: %w", err)
		}
		f.Type = models.FileType(fileType)
		files = append(files, f)
	}
	return files, rows.Err()
}
