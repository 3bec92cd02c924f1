package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/shared"
)

const (
	writeRetries   = 3
	writeRetryBase = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		exercise_id TEXT NOT NULL,
		course_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		container_id TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		last_seen_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active
		ON sessions(owner_id, exercise_id) WHERE ended_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen
		ON sessions(last_seen_at) WHERE ended_at IS NULL;

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		is_folder INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		UNIQUE(session_id, path)
	);

	CREATE TABLE IF NOT EXISTS commands (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		executed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `id, owner_id, exercise_id, course_id, status, container_id, started_at, ended_at, last_seen_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var containerID sql.NullString
	var endedAt sql.NullInt64
	var startedAt, lastSeen int64

	if err := row.Scan(
		&session.ID, &session.OwnerID, &session.ExerciseID, &session.CourseID,
		&session.Status, &containerID, &startedAt, &endedAt, &lastSeen,
	); err != nil {
		return nil, err
	}

	session.ContainerID = containerID.String
	session.StartedAt = fromMillis(startedAt)
	session.LastSeenAt = fromMillis(lastSeen)
	if endedAt.Valid {
		ended := fromMillis(endedAt.Int64)
		session.EndedAt = &ended
	}
	return &session, nil
}

// CreateSession inserts a new active session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)`
	err := s.withRetry(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.OwnerID, session.ExerciseID, session.CourseID,
			session.Status, nullString(session.ContainerID),
			toMillis(session.StartedAt), toMillis(session.LastSeenAt),
		)
		return err
	})
	if shared.IsSQLiteUniqueError(err) {
		return ErrActiveSessionExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// FindActiveSession retrieves the learner's non-ended session for an exercise.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, ownerID, exerciseID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE owner_id = ? AND exercise_id = ? AND ended_at IS NULL`,
		ownerID, exerciseID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan active session row: %w", err)
	}
	return session, nil
}

// UpdateSession writes status, container id and end time.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	var endedAt any
	if session.EndedAt != nil {
		endedAt = toMillis(*session.EndedAt)
	}
	var rows int64
	err := s.withRetry(ctx, "update session", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, container_id = ?, ended_at = ? WHERE id = ?`,
			session.Status, nullString(session.ContainerID), endedAt, session.ID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSession records learner activity on a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchSession affected 0 rows", "session_id", id)
	}
	return nil
}

// GetExpiredSessions retrieves active sessions idle for longer than ttl.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := toMillis(time.Now().Add(-ttl))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE ended_at IS NULL AND last_seen_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return sessions, nil
}

const fileColumns = `id, path, content, is_folder, updated_at`

func scanFile(row rowScanner) (*domain.File, error) {
	var file domain.File
	var updatedAt int64
	if err := row.Scan(&file.ID, &file.Path, &file.Content, &file.IsFolder, &updatedAt); err != nil {
		return nil, err
	}
	file.UpdatedAt = fromMillis(updatedAt)
	return &file, nil
}

// ListFiles returns every file and folder of a session ordered by path.
func (s *SQLiteStore) ListFiles(ctx context.Context, sessionID string) ([]*domain.File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE session_id = ? ORDER BY path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close file rows", "error", closeErr)
		}
	}()

	files := []*domain.File{}
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

// GetFile retrieves one file of a session.
func (s *SQLiteStore) GetFile(ctx context.Context, sessionID, fileID string) (*domain.File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE session_id = ? AND id = ?`, sessionID, fileID)
	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan file row: %w", err)
	}
	return file, nil
}

// CreateFile inserts a file or folder.
func (s *SQLiteStore) CreateFile(ctx context.Context, sessionID string, file *domain.File) error {
	err := s.withRetry(ctx, "create file", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO files (id, session_id, path, content, is_folder, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			file.ID, sessionID, file.Path, file.Content, file.IsFolder, toMillis(file.UpdatedAt))
		return err
	})
	if shared.IsSQLiteUniqueError(err) {
		return ErrDuplicatePath
	}
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

// UpdateFileContent replaces a file's content.
func (s *SQLiteStore) UpdateFileContent(ctx context.Context, sessionID, fileID, content string, at time.Time) error {
	var rows int64
	err := s.withRetry(ctx, "update file", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE files SET content = ?, updated_at = ? WHERE session_id = ? AND id = ? AND is_folder = 0`,
			content, toMillis(at), sessionID, fileID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameFile moves a file, or a folder together with its children.
func (s *SQLiteStore) RenameFile(ctx context.Context, sessionID, fileID, newPath string, at time.Time) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var oldPath string
		var isFolder bool
		err := tx.QueryRowContext(ctx,
			`SELECT path, is_folder FROM files WHERE session_id = ? AND id = ?`, sessionID, fileID,
		).Scan(&oldPath, &isFolder)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET path = ?, updated_at = ? WHERE session_id = ? AND id = ?`,
			newPath, toMillis(at), sessionID, fileID); err != nil {
			return err
		}
		if !isFolder {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE files SET path = ? || substr(path, ?), updated_at = ?
			 WHERE session_id = ? AND substr(path, 1, ?) = ?`,
			newPath+"/", runes(oldPath)+2, toMillis(at), sessionID, runes(oldPath)+1, oldPath+"/")
		return err
	})
	if shared.IsSQLiteUniqueError(err) {
		return ErrDuplicatePath
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("rename file: %w", err)
	}
	return err
}

// DeleteFile removes a file, or a folder together with its children.
func (s *SQLiteStore) DeleteFile(ctx context.Context, sessionID, fileID string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var path string
		var isFolder bool
		err := tx.QueryRowContext(ctx,
			`SELECT path, is_folder FROM files WHERE session_id = ? AND id = ?`, sessionID, fileID,
		).Scan(&path, &isFolder)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE session_id = ? AND id = ?`, sessionID, fileID); err != nil {
			return err
		}
		if !isFolder {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM files WHERE session_id = ? AND substr(path, 1, ?) = ?`,
			sessionID, runes(path)+1, path+"/")
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete file: %w", err)
	}
	return err
}

// AppendCommand adds a record to the session's command history.
func (s *SQLiteStore) AppendCommand(ctx context.Context, sessionID string, rec domain.CommandRecord) error {
	err := s.withRetry(ctx, "append command", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO commands (session_id, input, output, exit_code, executed_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, rec.Input, rec.Output, rec.ExitCode, toMillis(rec.Timestamp))
		return err
	})
	if err != nil {
		return fmt.Errorf("append command: %w", err)
	}
	return nil
}

// ListCommands returns the session's command history, oldest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, sessionID string) ([]domain.CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT input, output, exit_code, executed_at FROM commands WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close command rows", "error", closeErr)
		}
	}()

	records := []domain.CommandRecord{}
	for rows.Next() {
		var rec domain.CommandRecord
		var at int64
		if err := rows.Scan(&rec.Input, &rec.Output, &rec.ExitCode, &at); err != nil {
			return nil, fmt.Errorf("scan command row: %w", err)
		}
		rec.Timestamp = fromMillis(at)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return records, nil
}

// withRetry retries op on SQLITE_BUSY with exponential backoff.
func (s *SQLiteStore) withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < writeRetries; i++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) || i == writeRetries-1 {
			return err
		}
		delay := writeRetryBase * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, "transaction", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("rollback failed", "error", rbErr)
			}
			return err
		}
		return tx.Commit()
	})
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// runes counts characters the way SQLite's substr does for TEXT.
func runes(s string) int {
	return utf8.RuneCountInString(s)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
