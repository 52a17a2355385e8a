// Package store persists council sessions. The postgres implementation is
// the production backend; the memory implementation backs tests and dev mode.
package store

import (
	"context"
	"errors"

	"github.com/opencouncil/councild/pkg/models"
)

// ErrNotFound is returned when a session does not exist for the given key.
var ErrNotFound = errors.New("session not found")

// Store is the session persistence contract. Append operations are atomic at
// the session-document level.
type Store interface {
	CreateSession(ctx context.Context, sess *models.CouncilSession) error
	GetSession(ctx context.Context, userID, sessionID string) (*models.CouncilSession, error)
	ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error)
	CountSessions(ctx context.Context, userID string) (int, error)
	// AppendMessages appends the given messages to the session in one atomic
	// write. Used to land the user turn and the assistant turn together.
	AppendMessages(ctx context.Context, userID, sessionID string, msgs ...models.Message) error
	UpdateTitle(ctx context.Context, userID, sessionID, title string) error
	DeleteSession(ctx context.Context, userID, sessionID string) error
	// Ping reports backend reachability for health checks.
	Ping(ctx context.Context) error
	Close() error
}
