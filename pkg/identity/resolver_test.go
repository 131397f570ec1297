package identity_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/models"
)

func TestResolver_PrimaryOfFollowsStaleChain(t *testing.T) {
	store := newFakeStore()
	primary := store.seed(strPtr("a@example.com"), nil, models.LinkPrecedencePrimary, nil)
	middle := store.seed(strPtr("b@example.com"), nil, models.LinkPrecedenceSecondary, &primary.ID)
	// stale link: points at another secondary instead of the primary
	leaf := store.seed(strPtr("c@example.com"), nil, models.LinkPrecedenceSecondary, &middle.ID)

	resolver := identity.NewResolver(testLogger(), store)
	resolved, err := resolver.PrimaryOf(context.Background(), *leaf)
	require.NoError(t, err)
	assert.Equal(t, primary.ID, resolved.ID)
}

func TestResolver_PrimaryOfMissingParent(t *testing.T) {
	store := newFakeStore()
	missing := int64(99)
	orphan := store.seed(strPtr("a@example.com"), nil, models.LinkPrecedenceSecondary, &missing)

	resolver := identity.NewResolver(testLogger(), store)
	_, err := resolver.PrimaryOf(context.Background(), *orphan)
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))
}

func TestResolver_PrimaryOfLinkCycle(t *testing.T) {
	store := newFakeStore()
	a := store.seed(strPtr("a@example.com"), nil, models.LinkPrecedenceSecondary, nil)
	b := store.seed(strPtr("b@example.com"), nil, models.LinkPrecedenceSecondary, &a.ID)
	store.contacts[a.ID].LinkedID = &b.ID

	resolver := identity.NewResolver(testLogger(), store)
	_, err := resolver.PrimaryOf(context.Background(), *store.contacts[a.ID])
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))
}

func TestResolver_ResolvePrimariesDedupesAndSorts(t *testing.T) {
	store := newFakeStore()
	older := store.seed(strPtr("a@example.com"), nil, models.LinkPrecedencePrimary, nil)
	olderSecondary := store.seed(strPtr("b@example.com"), nil, models.LinkPrecedenceSecondary, &older.ID)
	newer := store.seed(strPtr("c@example.com"), nil, models.LinkPrecedencePrimary, nil)

	resolver := identity.NewResolver(testLogger(), store)
	primaries, err := resolver.ResolvePrimaries(context.Background(), []models.Contact{*newer, *olderSecondary, *older})
	require.NoError(t, err)

	require.Len(t, primaries, 2)
	assert.Equal(t, older.ID, primaries[0].ID)
	assert.Equal(t, newer.ID, primaries[1].ID)
}

func TestResolver_MergeDemotesAndRepoints(t *testing.T) {
	store := newFakeStore()
	survivor := store.seed(strPtr("a@example.com"), nil, models.LinkPrecedencePrimary, nil)
	loser := store.seed(strPtr("b@example.com"), nil, models.LinkPrecedencePrimary, nil)
	dependent := store.seed(strPtr("c@example.com"), nil, models.LinkPrecedenceSecondary, &loser.ID)

	resolver := identity.NewResolver(testLogger(), store)
	merged, demoted, err := resolver.Merge(context.Background(), []models.Contact{*survivor, *loser})
	require.NoError(t, err)

	assert.Equal(t, survivor.ID, merged.ID)
	assert.Equal(t, []int64{loser.ID}, demoted)
	assert.Equal(t, models.LinkPrecedenceSecondary, store.contacts[loser.ID].LinkPrecedence)
	assert.Equal(t, survivor.ID, *store.contacts[loser.ID].LinkedID)
	assert.Equal(t, survivor.ID, *store.contacts[dependent.ID].LinkedID)
}
