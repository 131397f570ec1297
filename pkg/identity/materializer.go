package identity

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Materializer loads whole identity groups and projects them into the
// response shape.
type Materializer struct {
	logger ectologger.Logger
	store  Store
}

// NewMaterializer creates a new materializer
func NewMaterializer(logger ectologger.Logger, store Store) *Materializer {
	return &Materializer{
		logger: logger,
		store:  store,
	}
}

// Group returns every member of the primary's identity group, oldest first.
// A well-formed group is one frontier fetch, but any extra primaries found in
// a frontier are walked too so partially merged state still materializes as
// one group.
func (m *Materializer) Group(ctx context.Context, primary models.Contact) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Materializer.Group")
	defer span.End()

	visited := map[int64]models.Contact{}
	enqueued := map[int64]bool{primary.ID: true}
	queue := []int64{primary.ID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		frontier, err := m.store.FetchGroupFrontier(ctx, id)
		if err != nil {
			return nil, err
		}

		for _, member := range frontier {
			if _, ok := visited[member.ID]; ok {
				continue
			}
			visited[member.ID] = member

			if member.IsPrimary() && !enqueued[member.ID] {
				enqueued[member.ID] = true
				queue = append(queue, member.ID)
			}
		}
	}

	members := make([]models.Contact, 0, len(visited))
	for _, member := range visited {
		members = append(members, member)
	}
	sortContacts(members)

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"primary_id":   primary.ID,
		"member_count": len(members),
	}).Debug("Materialized identity group")

	return members, nil
}

// Project flattens an identity group into the consolidated contact view. The
// primary's identifiers come first, the rest follow in creation order without
// duplicates.
func (m *Materializer) Project(primary models.Contact, members []models.Contact) models.ContactIdentity {
	identity := models.ContactIdentity{
		PrimaryContactID:    primary.ID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: []int64{},
	}

	seenEmails := map[string]bool{}
	seenPhones := map[string]bool{}

	appendMember := func(member models.Contact) {
		if member.Email != nil && !seenEmails[*member.Email] {
			seenEmails[*member.Email] = true
			identity.Emails = append(identity.Emails, *member.Email)
		}
		if member.PhoneNumber != nil && !seenPhones[*member.PhoneNumber] {
			seenPhones[*member.PhoneNumber] = true
			identity.PhoneNumbers = append(identity.PhoneNumbers, *member.PhoneNumber)
		}
	}

	appendMember(primary)
	for _, member := range members {
		if member.ID == primary.ID {
			continue
		}
		appendMember(member)
		// A walked member can still be a not-yet-demoted primary; only
		// true secondaries belong in secondaryContactIds.
		if !member.IsPrimary() {
			identity.SecondaryContactIDs = append(identity.SecondaryContactIDs, member.ID)
		}
	}

	return identity
}
