package identity

import (
	"context"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Resolver maps matched contacts to their primaries and merges identity
// groups that an identify request bridges.
type Resolver struct {
	logger ectologger.Logger
	store  Store
}

// NewResolver creates a new resolver
func NewResolver(logger ectologger.Logger, store Store) *Resolver {
	return &Resolver{
		logger: logger,
		store:  store,
	}
}

// PrimaryOf walks up the link chain from a contact to its primary. Links are
// expected to be a single hop, but stale chains are followed until a primary
// is reached. A missing parent or a cycle is an integrity fault.
func (r *Resolver) PrimaryOf(ctx context.Context, contact models.Contact) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.PrimaryOf")
	defer span.End()

	current := contact
	seen := map[int64]bool{}
	for !current.IsPrimary() {
		if current.LinkedID == nil {
			return nil, NewIntegrityFault("contact %d is secondary but has no linked contact", current.ID)
		}
		if seen[current.ID] {
			return nil, NewIntegrityFault("contact %d is part of a link cycle", current.ID)
		}
		seen[current.ID] = true

		parent, err := r.store.GetByID(ctx, *current.LinkedID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, NewIntegrityFault("contact %d links to missing contact %d", current.ID, *current.LinkedID)
		}
		current = *parent
	}
	return &current, nil
}

// ResolvePrimaries returns the distinct primaries of the matched contacts,
// oldest first.
func (r *Resolver) ResolvePrimaries(ctx context.Context, matches []models.Contact) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.ResolvePrimaries")
	defer span.End()

	byID := map[int64]models.Contact{}
	for _, match := range matches {
		primary, err := r.PrimaryOf(ctx, match)
		if err != nil {
			return nil, err
		}
		byID[primary.ID] = *primary
	}

	primaries := make([]models.Contact, 0, len(byID))
	for _, primary := range byID {
		primaries = append(primaries, primary)
	}
	sortContacts(primaries)
	return primaries, nil
}

// Merge collapses multiple primaries into one group. The oldest primary
// survives; the rest are demoted to secondaries under it and their own
// secondaries are repointed at it. Returns the survivor and the demoted IDs.
func (r *Resolver) Merge(ctx context.Context, primaries []models.Contact) (*models.Contact, []int64, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.Merge")
	defer span.End()

	survivor := primaries[0]
	demoted := make([]int64, 0, len(primaries)-1)
	for _, primary := range primaries[1:] {
		if err := r.store.UpdatePrecedenceAndLink(ctx, primary.ID, survivor.ID); err != nil {
			return nil, nil, err
		}
		demoted = append(demoted, primary.ID)
	}

	if _, err := r.store.RepointSecondaries(ctx, demoted, survivor.ID); err != nil {
		return nil, nil, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"survivor_id": survivor.ID,
		"demoted_ids": demoted,
	}).Info("Merged identity groups")

	return &survivor, demoted, nil
}

// sortContacts orders contacts by creation time, then by id for equal timestamps
func sortContacts(contacts []models.Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		if contacts[i].CreatedAt.Equal(contacts[j].CreatedAt) {
			return contacts[i].ID < contacts[j].ID
		}
		return contacts[i].CreatedAt.Before(contacts[j].CreatedAt)
	})
}
