package store

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// EmailFilter narrows ListEmails results. Zero values mean "no filter".
type EmailFilter struct {
	Folder string
	Origin model.Origin
	Limit  int
}

// Store persists delivered emails. The pipeline itself never reads it
// back; it exists for the downstream consumers.
type Store interface {
	// SaveEmail inserts one delivered email.
	SaveEmail(ctx context.Context, em model.Email) error

	// ListEmails returns stored emails, newest first.
	ListEmails(ctx context.Context, filter EmailFilter) ([]model.Email, error)

	// CountEmails returns the number of stored emails.
	CountEmails(ctx context.Context) (int, error)

	// Close releases the underlying database.
	Close() error
}
