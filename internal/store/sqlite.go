package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/harness/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes all access and keeps conditional transitions atomic within
	// this process; busy_timeout covers other processes sharing the file.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

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

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalStrings(s string) []string {
	var v []string
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// --- Items ---

const itemColumns = `id, title, description, priority, state, retry_count, version, ready_at, created_at, updated_at, closed_at`

const priorityOrder = `CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 WHEN 'low' THEN 2 ELSE 3 END`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.WorkItem, error) {
	item := &models.WorkItem{}
	var priority, state string
	var closedAt sql.NullTime
	if err := row.Scan(&item.ID, &item.Title, &item.Description, &priority, &state,
		&item.RetryCount, &item.Version, &item.ReadyAt, &item.CreatedAt, &item.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}
	item.Priority = models.Priority(priority)
	item.State = models.HookState(state)
	if closedAt.Valid {
		item.ClosedAt = &closedAt.Time
	}
	return item, nil
}

func (s *SQLiteStore) CreateItem(ctx context.Context, item *models.WorkItem) error {
	if item.ID == "" {
		item.ID = newULID()
	}
	if item.Priority == "" {
		item.Priority = models.PriorityMedium
	}
	if item.State == "" {
		item.State = models.HookStateReady
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.ReadyAt.IsZero() {
		item.ReadyAt = item.CreatedAt
	}
	item.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.Title, item.Description, string(item.Priority), string(item.State),
			item.RetryCount, item.Version, item.ReadyAt.UTC(), item.CreatedAt.UTC(), item.UpdatedAt, nullTime(item.ClosedAt),
		)
		if err != nil {
			return fmt.Errorf("create item: %w", err)
		}
		for _, label := range item.Labels {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO item_labels (item_id, label) VALUES (?, ?)", item.ID, label); err != nil {
				return fmt.Errorf("label item: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*models.WorkItem, error) {
	return getItem(ctx, s.db, id)
}

func getItem(ctx context.Context, q queryer, id string) (*models.WorkItem, error) {
	item, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	labels, err := itemLabels(ctx, q, item.ID)
	if err != nil {
		return nil, err
	}
	item.Labels = labels
	return item, nil
}

func itemLabels(ctx context.Context, q queryer, itemID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT label FROM item_labels WHERE item_id = ? ORDER BY label", itemID)
	if err != nil {
		return nil, fmt.Errorf("get item labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// ListItems returns items in claim order: priority, then oldest ready first.
func (s *SQLiteStore) ListItems(ctx context.Context, filter ItemFilter) ([]*models.WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM items`
	var conditions []string
	var args []any

	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Label != "" {
		conditions = append(conditions, "id IN (SELECT item_id FROM item_labels WHERE label = ?)")
		args = append(args, filter.Label)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY " + priorityOrder + ", ready_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list items: %w", err)
	}
	_ = rows.Close()

	// Labels are loaded after the cursor is closed; the pool has one connection.
	for _, item := range items {
		labels, err := itemLabels(ctx, s.db, item.ID)
		if err != nil {
			return nil, err
		}
		item.Labels = labels
	}
	return items, nil
}

// UpdateItemState applies a conditional transition and maintains the claim
// row in the same transaction. It returns ErrStateConflict when the item is
// not in the expected state and version, or the claim owner does not match.
func (s *SQLiteStore) UpdateItemState(ctx context.Context, u StateUpdate) (*models.WorkItem, error) {
	at := u.At.UTC()
	if u.At.IsZero() {
		at = time.Now().UTC()
	}
	retryDelta := 0
	if u.IncrementRetry {
		retryDelta = 1
	}

	var updated *models.WorkItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if u.Expected == models.HookStateInProgress && u.Next != models.HookStateInProgress {
			query := "DELETE FROM claims WHERE item_id = ?"
			args := []any{u.ID}
			if u.ClaimAgent != "" {
				query += " AND agent_id = ?"
				args = append(args, u.ClaimAgent)
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("delete claim: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 && u.ClaimAgent != "" {
				return fmt.Errorf("%w: item %s is not claimed by %s", ErrStateConflict, u.ID, u.ClaimAgent)
			}
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE items SET
				state = ?,
				version = version + 1,
				retry_count = retry_count + ?,
				updated_at = ?,
				ready_at = CASE WHEN ? = 'ready' THEN ? ELSE ready_at END,
				closed_at = CASE WHEN ? = 'closed' THEN ? ELSE closed_at END
			WHERE id = ? AND state = ? AND version = ?`,
			string(u.Next), retryDelta, at,
			string(u.Next), at,
			string(u.Next), at,
			u.ID, string(u.Expected), u.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update item state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE id = ?", u.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check item: %w", err)
			}
			if exists == 0 {
				return fmt.Errorf("%w: item %s", ErrNotFound, u.ID)
			}
			return fmt.Errorf("%w: item %s is not %s at version %d", ErrStateConflict, u.ID, u.Expected, u.ExpectedVersion)
		}

		if u.Next == models.HookStateInProgress && u.Claim != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO claims (item_id, agent_id, claimed_at, last_heartbeat) VALUES (?, ?, ?, ?)`,
				u.ID, u.Claim.AgentID, u.Claim.ClaimedAt.UTC(), u.Claim.LastHeartbeat.UTC(),
			); err != nil {
				if strings.Contains(err.Error(), "UNIQUE") {
					return fmt.Errorf("%w: item %s already claimed", ErrStateConflict, u.ID)
				}
				return fmt.Errorf("insert claim: %w", err)
			}
		}

		updated, err = getItem(ctx, tx, u.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteStore) AppendLabel(ctx context.Context, itemID, label string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO item_labels (item_id, label) VALUES (?, ?)", itemID, label)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("%w: item %s", ErrNotFound, itemID)
		}
		return fmt.Errorf("append label: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByLabel(ctx context.Context, label string) ([]*models.WorkItem, error) {
	return s.ListItems(ctx, ItemFilter{Label: label})
}

func (s *SQLiteStore) CountItemsByState(ctx context.Context) (map[models.HookState]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM items GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.HookState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.HookState(state)] = n
	}
	return counts, rows.Err()
}

// --- Claims ---

func (s *SQLiteStore) GetClaim(ctx context.Context, itemID string) (*models.HookClaim, error) {
	c := &models.HookClaim{}
	err := s.db.QueryRowContext(ctx,
		"SELECT item_id, agent_id, claimed_at, last_heartbeat FROM claims WHERE item_id = ?", itemID,
	).Scan(&c.ItemID, &c.AgentID, &c.ClaimedAt, &c.LastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: claim for item %s", ErrNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListClaims(ctx context.Context) ([]*models.HookClaim, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT item_id, agent_id, claimed_at, last_heartbeat FROM claims ORDER BY claimed_at, item_id")
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claims []*models.HookClaim
	for rows.Next() {
		c := &models.HookClaim{}
		if err := rows.Scan(&c.ItemID, &c.AgentID, &c.ClaimedAt, &c.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// UpdateHeartbeat renews the claim on itemID only if agentID owns it.
func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, itemID, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE claims SET last_heartbeat = ? WHERE item_id = ? AND agent_id = ?", at.UTC(), itemID, agentID)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: claim for item %s by %s", ErrNotFound, itemID, agentID)
	}
	return nil
}

// --- Session results ---

func (s *SQLiteStore) RecordSessionResult(ctx context.Context, runID string, r *models.SessionResult) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_results (id, run_id, item_id, agent_id, outcome, summary, commit_ref, files, duration_ms, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newULID(), runID, r.ItemID, r.AgentID, string(r.Outcome), r.Summary, r.CommitRef,
		marshalStrings(r.FilesModified), r.Duration.Milliseconds(), r.Error, r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record session result: %w", err)
	}
	return nil
}

// ListSessionResults returns results for a run, oldest first. An empty runID lists all runs.
func (s *SQLiteStore) ListSessionResults(ctx context.Context, runID string, limit int) ([]*models.SessionResult, error) {
	query := `SELECT item_id, agent_id, outcome, summary, commit_ref, files, duration_ms, error, finished_at FROM session_results`
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY finished_at, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*models.SessionResult
	for rows.Next() {
		r := &models.SessionResult{}
		var outcome, files string
		var durationMs int64
		if err := rows.Scan(&r.ItemID, &r.AgentID, &outcome, &r.Summary, &r.CommitRef, &files, &durationMs, &r.Error, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan session result: %w", err)
		}
		r.Outcome = models.Outcome(outcome)
		r.FilesModified = unmarshalStrings(files)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Checkpoints ---

const checkpointColumns = `id, run_id, session_number, summary, reason, items_completed, items_in_progress, items_failed, commit_ref, confidence, redirect_notes, created_at`

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var completed, inProgress, failed string
	if err := row.Scan(&cp.ID, &cp.RunID, &cp.SessionNumber, &cp.Summary, &cp.Reason,
		&completed, &inProgress, &failed, &cp.CommitRef, &cp.Confidence, &cp.RedirectNotes, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.ItemsCompleted = unmarshalStrings(completed)
	cp.ItemsInProgress = unmarshalStrings(inProgress)
	cp.ItemsFailed = unmarshalStrings(failed)
	return cp, nil
}

func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = newULID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, cp.SessionNumber, cp.Summary, cp.Reason,
		marshalStrings(cp.ItemsCompleted), marshalStrings(cp.ItemsInProgress), marshalStrings(cp.ItemsFailed),
		cp.CommitRef, cp.Confidence, cp.RedirectNotes, cp.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// LatestCheckpoint returns the newest checkpoint of runID, or of any run when runID is empty.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT 1"

	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint for run %q", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns checkpoints newest first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, runID string, limit int) ([]*models.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// --- Runs ---

const runColumns = `id, status, sessions_completed, last_checkpoint_id, error, started_at, updated_at, ended_at`

func scanRun(row rowScanner) (*models.Run, error) {
	r := &models.Run{}
	var status string
	var endedAt sql.NullTime
	if err := row.Scan(&r.ID, &status, &r.SessionsCompleted, &r.LastCheckpointID, &r.Error,
		&r.StartedAt, &r.UpdatedAt, &endedAt); err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	return r, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = newULID()
	}
	if run.Status == "" {
		run.Status = models.RunStatusInitializing
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.SessionsCompleted, run.LastCheckpointID, run.Error,
		run.StartedAt.UTC(), run.UpdatedAt, nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) LatestRun(ctx context.Context) (*models.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no runs", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *models.Run) error {
	run.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, sessions_completed=?, last_checkpoint_id=?, error=?, updated_at=?, ended_at=? WHERE id=?`,
		string(run.Status), run.SessionsCompleted, run.LastCheckpointID, run.Error, run.UpdatedAt, nullTime(run.EndedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	return nil
}

// --- Redirects ---

func (s *SQLiteStore) CreateRedirect(ctx context.Context, r *models.Redirect) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO redirects (id, note, created_at, consumed_at) VALUES (?, ?, ?, ?)",
		r.ID, r.Note, r.CreatedAt.UTC(), nullTime(r.ConsumedAt))
	if err != nil {
		return fmt.Errorf("create redirect: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPendingRedirects(ctx context.Context) ([]*models.Redirect, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, note, created_at FROM redirects WHERE consumed_at IS NULL ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list redirects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Redirect
	for rows.Next() {
		r := &models.Redirect{}
		if err := rows.Scan(&r.ID, &r.Note, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan redirect: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ConsumeRedirects(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := []any{at.UTC()}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf("UPDATE redirects SET consumed_at = ? WHERE consumed_at IS NULL AND id IN (%s)",
		strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("consume redirects: %w", err)
	}
	return nil
}

// --- Merge slot ---

// AcquireMergeSlot takes the single merge slot lease for holder. It returns
// ErrStateConflict while another holder's lease is unexpired. Re-acquiring by
// the same holder renews the lease.
func (s *SQLiteStore) AcquireMergeSlot(ctx context.Context, holder, commitRef string, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		var expiresAt time.Time
		err := tx.QueryRowContext(ctx, "SELECT holder, expires_at FROM merge_slot WHERE id = 1").Scan(&current, &expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read merge slot: %w", err)
		case current != holder && expiresAt.After(now):
			return fmt.Errorf("%w: merge slot held by %s until %s", ErrStateConflict, current, expiresAt.Format(time.RFC3339))
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO merge_slot (id, holder, commit_ref, acquired_at, expires_at) VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET holder = excluded.holder, commit_ref = excluded.commit_ref,
				acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
			holder, commitRef, now, now.Add(ttl))
		if err != nil {
			return fmt.Errorf("acquire merge slot: %w", err)
		}
		return nil
	})
}

// ReleaseMergeSlot frees the slot if holder still owns it.
func (s *SQLiteStore) ReleaseMergeSlot(ctx context.Context, holder string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM merge_slot WHERE id = 1 AND holder = ?", holder); err != nil {
		return fmt.Errorf("release merge slot: %w", err)
	}
	return nil
}

// --- Merge records ---

func (s *SQLiteStore) SaveMergeRecord(ctx context.Context, rec *models.MergeRecord) error {
	if rec.ID == "" {
		rec.ID = newULID()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO merge_requests (id, run_id, worker_id, item_id, commit_ref, branch_name, files, status, conflict_type, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, conflict_type = excluded.conflict_type,
			reason = excluded.reason, updated_at = excluded.updated_at`,
		rec.ID, rec.RunID, rec.WorkerID, rec.ItemID, rec.CommitRef, rec.BranchName, marshalStrings(rec.Files),
		string(rec.Status), string(rec.ConflictType), rec.Reason, rec.CreatedAt.UTC(), rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save merge record: %w", err)
	}
	return nil
}

// ListMergeRecords returns merge records oldest first. An empty runID lists all runs.
func (s *SQLiteStore) ListMergeRecords(ctx context.Context, runID string, limit int) ([]*models.MergeRecord, error) {
	query := `SELECT id, run_id, worker_id, item_id, commit_ref, branch_name, files, status, conflict_type, reason, created_at, updated_at FROM merge_requests`
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY created_at, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list merge records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.MergeRecord
	for rows.Next() {
		rec := &models.MergeRecord{}
		var files, status, conflict string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.WorkerID, &rec.ItemID, &rec.CommitRef, &rec.BranchName,
			&files, &status, &conflict, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan merge record: %w", err)
		}
		rec.Files = unmarshalStrings(files)
		rec.Status = models.MergeStatus(status)
		rec.ConflictType = models.ConflictType(conflict)
		out = append(out, rec)
	}
	return out, rows.Err()
}
