package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is RFC3339 with fixed-width nanoseconds. Fixed width keeps TEXT
// ordering in SQLite identical to chronological ordering, which the
// latest-version queries rely on.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding the append-only chapter version log,
// the reward event log, and the background job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "bookspin.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	// This also makes appends linearizable: concurrent callers queue on the
	// one connection instead of interleaving writes.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for components that share the database
// (the vector index).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Chapter versions ---

const versionColumns = "rowid, id, chapter_id, version_type, content, metadata, created_at"

// AppendVersion records a new immutable version for the chapter and returns it
// with the generated id, timestamp, and insertion sequence filled in. Content
// is never rejected; only persistence failures surface as errors.
func (s *Store) AppendVersion(chapterID, versionType, content string, metadata map[string]string) (ChapterVersion, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return ChapterVersion{}, fmt.Errorf("marshaling metadata: %w", err)
	}

	v := ChapterVersion{
		ID:          uuid.New().String(),
		ChapterID:   chapterID,
		VersionType: versionType,
		Content:     content,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}

	res, err := s.db.Exec(`
		INSERT INTO chapter_versions (id, chapter_id, version_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.ChapterID, v.VersionType, v.Content, string(metaJSON), v.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return ChapterVersion{}, fmt.Errorf("inserting version: %w", err)
	}
	if v.Seq, err = res.LastInsertId(); err != nil {
		return ChapterVersion{}, fmt.Errorf("reading insertion sequence: %w", err)
	}
	return v, nil
}

// LatestVersion returns the most recent version for the chapter, optionally
// restricted to one version type (pass "" for any type). "Most recent" means
// maximum created_at; exact timestamp ties resolve to the later insertion.
func (s *Store) LatestVersion(chapterID, versionType string) (ChapterVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM chapter_versions WHERE chapter_id = ?`
	args := []any{chapterID}
	if versionType != "" {
		query += ` AND version_type = ?`
		args = append(args, versionType)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1`

	row := s.db.QueryRow(query, args...)
	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return ChapterVersion{}, ErrNotFound
	}
	if err != nil {
		return ChapterVersion{}, err
	}
	return v, nil
}

// GetVersion returns a single version by its globally unique id.
func (s *Store) GetVersion(id string) (ChapterVersion, error) {
	row := s.db.QueryRow(`SELECT `+versionColumns+` FROM chapter_versions WHERE id = ?`, id)
	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return ChapterVersion{}, ErrNotFound
	}
	if err != nil {
		return ChapterVersion{}, err
	}
	return v, nil
}

// ListVersions returns all versions for the chapter, most recent first.
// The result is a snapshot as of the query; there is no live cursor.
func (s *Store) ListVersions(chapterID string) ([]ChapterVersion, error) {
	rows, err := s.db.Query(`
		SELECT `+versionColumns+` FROM chapter_versions
		WHERE chapter_id = ? ORDER BY created_at DESC, rowid DESC`, chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ChapterVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

// RecentVersions returns the newest versions across all chapters.
func (s *Store) RecentVersions(limit int) ([]ChapterVersion, error) {
	rows, err := s.db.Query(`
		SELECT `+versionColumns+` FROM chapter_versions
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ChapterVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

// CountVersions returns the total number of stored versions across all chapters.
func (s *Store) CountVersions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chapter_versions`).Scan(&n)
	return n, err
}

func scanVersion(scan func(dest ...any) error) (ChapterVersion, error) {
	var v ChapterVersion
	var metaJSON, createdAt string
	if err := scan(&v.Seq, &v.ID, &v.ChapterID, &v.VersionType, &v.Content, &metaJSON, &createdAt); err != nil {
		return ChapterVersion{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &v.Metadata); err != nil {
		return ChapterVersion{}, fmt.Errorf("parsing metadata for %s: %w", v.ID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return ChapterVersion{}, fmt.Errorf("parsing created_at for %s: %w", v.ID, err)
	}
	v.CreatedAt = t
	return v, nil
}

// --- Reward events ---

// SaveRewardEvent appends one record to the reward log. The id and timestamp
// are generated when left empty.
func (s *Store) SaveRewardEvent(e RewardEvent) (RewardEvent, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return RewardEvent{}, fmt.Errorf("marshaling details: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO reward_events (id, created_at, event_type, chapter_id, version_id, reward, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreatedAt.Format(timeFormat), e.EventType, e.ChapterID, e.VersionID, e.Reward, string(detailsJSON),
	)
	if err != nil {
		return RewardEvent{}, fmt.Errorf("inserting reward event: %w", err)
	}
	return e, nil
}

// ListRewardEvents returns the most recent reward events for a chapter.
func (s *Store) ListRewardEvents(chapterID string, limit int) ([]RewardEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, event_type, chapter_id, version_id, reward, details
		FROM reward_events WHERE chapter_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, chapterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RewardEvent
	for rows.Next() {
		var e RewardEvent
		var createdAt, detailsJSON string
		var versionID sql.NullString
		if err := rows.Scan(&e.ID, &createdAt, &e.EventType, &e.ChapterID, &versionID, &e.Reward, &detailsJSON); err != nil {
			return nil, err
		}
		e.VersionID = versionID.String
		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			return nil, fmt.Errorf("parsing details for %s: %w", e.ID, err)
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", e.ID, err)
		}
		e.CreatedAt = t
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(timeFormat)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(timeFormat)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(timeFormat)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339Nano, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339Nano, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(timeFormat), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(timeFormat), now.Format(timeFormat), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
