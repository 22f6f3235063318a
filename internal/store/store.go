// Package store persists conversations and their agent state.
package store

import (
	"context"

	"github.com/orbitalops/dbagent/internal/domain"
)

// Repository is the persistence contract for conversations. Save merges
// into any existing record for the thread rather than replacing it, so
// concurrent readers never observe knowledge loss.
type Repository interface {
	Load(ctx context.Context, threadID string) (*domain.Conversation, error)
	Save(ctx context.Context, conv *domain.Conversation) error
	Delete(ctx context.Context, threadID string) error
	List(ctx context.Context, userID string, limit, offset int) ([]domain.ConversationSummary, error)
	Ping(ctx context.Context) error
	Close() error
}
