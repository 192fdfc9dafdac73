// Package sessions owns per-user conversation state: durable storage,
// write-behind flushing, idle eviction, and recovery on load.
package sessions

import (
	"context"
	"errors"

	"github.com/stratumlabs/stratum/pkg/models"
)

// ErrNotFound is returned when no stored session exists for a user.
var ErrNotFound = errors.New("session not found")

// Store persists session records and the tool invocation log.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes a session record, replacing any previous one.
	Put(ctx context.Context, userID string, rec *models.SessionRecord) error
	// Get loads a session record or ErrNotFound.
	Get(ctx context.Context, userID string) (*models.SessionRecord, error)
	// List returns every stored user id.
	List(ctx context.Context) ([]string, error)
	// Delete removes a stored session. Missing sessions are not an error.
	Delete(ctx context.Context, userID string) error

	// AppendInvocation records one tool invocation.
	AppendInvocation(ctx context.Context, inv *models.ToolInvocation) error
	// ListInvocations returns a user's invocations, newest first.
	ListInvocations(ctx context.Context, userID string, limit int) ([]*models.ToolInvocation, error)

	Close() error
}
