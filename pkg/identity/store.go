package identity

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Store is the persistence surface the identity engine runs on. The contact
// repository implements it; tests substitute an in-memory fake.
type Store interface {
	// LockIdentifiers serializes callers that touch the same email or phone number.
	LockIdentifiers(ctx context.Context, keys []string) error
	// FindMatching returns non-deleted contacts sharing the email or phone number, oldest first.
	FindMatching(ctx context.Context, email, phoneNumber *string) ([]models.Contact, error)
	// GetByID returns the contact, or nil when it does not exist.
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
	// Insert persists a new contact and returns the stored row.
	Insert(ctx context.Context, contact models.Contact) (*models.Contact, error)
	// UpdatePrecedenceAndLink demotes a contact to secondary under the given primary.
	UpdatePrecedenceAndLink(ctx context.Context, id, linkedID int64) error
	// RepointSecondaries moves secondaries of the former primaries under the surviving primary.
	RepointSecondaries(ctx context.Context, oldPrimaryIDs []int64, newPrimaryID int64) (int64, error)
	// FetchGroupFrontier returns the contact plus every contact linked directly to it.
	FetchGroupFrontier(ctx context.Context, id int64) ([]models.Contact, error)
}
