// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redmage123/course-creator-sub015/internal/domain"
)

var (
	// ErrActiveSessionExists is returned when a learner already holds an
	// active session for the exercise.
	ErrActiveSessionExists = errors.New("active session already exists")
	// ErrDuplicatePath is returned when a file or folder path is taken.
	ErrDuplicatePath = errors.New("path already exists")
	// ErrNotFound is returned by updates that matched no row.
	ErrNotFound = errors.New("not found")
)

// Repository persists sessions, their files and their command history.
// Getters return (nil, nil) when the row does not exist.
type Repository interface {
	// CreateSession inserts a new active session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// FindActiveSession retrieves the learner's non-ended session for an exercise.
	FindActiveSession(ctx context.Context, ownerID, exerciseID string) (*domain.Session, error)

	// UpdateSession writes status, container id and end time.
	UpdateSession(ctx context.Context, session *domain.Session) error

	// TouchSession records learner activity on a session.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// GetExpiredSessions retrieves active sessions idle for longer than ttl.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// ListFiles returns every file and folder of a session ordered by path.
	ListFiles(ctx context.Context, sessionID string) ([]*domain.File, error)

	// GetFile retrieves one file of a session.
	GetFile(ctx context.Context, sessionID, fileID string) (*domain.File, error)

	// CreateFile inserts a file or folder.
	CreateFile(ctx context.Context, sessionID string, file *domain.File) error

	// UpdateFileContent replaces a file's content.
	UpdateFileContent(ctx context.Context, sessionID, fileID, content string, at time.Time) error

	// RenameFile moves a file, or a folder together with its children.
	RenameFile(ctx context.Context, sessionID, fileID, newPath string, at time.Time) error

	// DeleteFile removes a file, or a folder together with its children.
	DeleteFile(ctx context.Context, sessionID, fileID string) error

	// AppendCommand adds a record to the session's command history.
	AppendCommand(ctx context.Context, sessionID string, rec domain.CommandRecord) error

	// ListCommands returns the session's command history, oldest first.
	ListCommands(ctx context.Context, sessionID string) ([]domain.CommandRecord, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
