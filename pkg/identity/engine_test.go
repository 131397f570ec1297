package identity_test

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func strPtr(s string) *string {
	return &s
}

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) IsOpen() bool { return !t.committed && !t.rolledBack }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}

func (t *fakeTx) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}

func (t *fakeTx) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}

func (t *fakeTx) QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row {
	return nil
}

type fakeDB struct {
	lastTx *fakeTx
}

func (d *fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	tx := &fakeTx{}
	d.lastTx = tx
	return ctx, tx, nil
}

// fakeStore is an in-memory identity.Store
type fakeStore struct {
	contacts map[int64]*models.Contact
	nextID   int64
	clock    time.Time
	lockKeys [][]string
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contacts: map[int64]*models.Contact{},
		nextID:   1,
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *fakeStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *fakeStore) seed(email, phone *string, precedence models.LinkPrecedence, linkedID *int64) *models.Contact {
	contact, _ := s.Insert(context.Background(), models.Contact{
		Email:          email,
		PhoneNumber:    phone,
		LinkedID:       linkedID,
		LinkPrecedence: precedence,
	})
	return contact
}

func (s *fakeStore) LockIdentifiers(ctx context.Context, keys []string) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.lockKeys = append(s.lockKeys, keys)
	return nil
}

func (s *fakeStore) FindMatching(ctx context.Context, email, phoneNumber *string) ([]models.Contact, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	var matches []models.Contact
	for _, contact := range s.contacts {
		if contact.DeletedAt != nil {
			continue
		}
		if (email != nil && contact.HasEmail(*email)) ||
			(phoneNumber != nil && contact.HasPhoneNumber(*phoneNumber)) {
			matches = append(matches, *contact)
		}
	}
	sortByCreation(matches)
	return matches, nil
}

func (s *fakeStore) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	contact, ok := s.contacts[id]
	if !ok || contact.DeletedAt != nil {
		return nil, nil
	}
	copied := *contact
	return &copied, nil
}

func (s *fakeStore) Insert(ctx context.Context, contact models.Contact) (*models.Contact, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	contact.ID = s.nextID
	s.nextID++
	contact.CreatedAt = s.tick()
	contact.UpdatedAt = contact.CreatedAt
	stored := contact
	s.contacts[stored.ID] = &stored
	copied := stored
	return &copied, nil
}

func (s *fakeStore) UpdatePrecedenceAndLink(ctx context.Context, id, linkedID int64) error {
	if s.failWith != nil {
		return s.failWith
	}
	contact := s.contacts[id]
	contact.LinkPrecedence = models.LinkPrecedenceSecondary
	contact.LinkedID = &linkedID
	contact.UpdatedAt = s.tick()
	return nil
}

func (s *fakeStore) RepointSecondaries(ctx context.Context, oldPrimaryIDs []int64, newPrimaryID int64) (int64, error) {
	if s.failWith != nil {
		return 0, s.failWith
	}
	old := map[int64]bool{}
	for _, id := range oldPrimaryIDs {
		old[id] = true
	}
	var count int64
	for _, contact := range s.contacts {
		if contact.LinkPrecedence != models.LinkPrecedenceSecondary || contact.LinkedID == nil {
			continue
		}
		if old[*contact.LinkedID] {
			linked := newPrimaryID
			contact.LinkedID = &linked
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) FetchGroupFrontier(ctx context.Context, id int64) ([]models.Contact, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	var frontier []models.Contact
	for _, contact := range s.contacts {
		if contact.DeletedAt != nil {
			continue
		}
		if contact.ID == id || (contact.LinkedID != nil && *contact.LinkedID == id) {
			frontier = append(frontier, *contact)
		}
	}
	sortByCreation(frontier)
	return frontier, nil
}

func sortByCreation(contacts []models.Contact) {
	for i := 0; i < len(contacts)-1; i++ {
		for j := 0; j < len(contacts)-i-1; j++ {
			a, b := contacts[j], contacts[j+1]
			if a.CreatedAt.After(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID > b.ID) {
				contacts[j], contacts[j+1] = b, a
			}
		}
	}
}

// fakeSink records emitted events
type fakeSink struct {
	created   []models.Contact
	linked    []int64
	survivors []int64
	merged    [][]int64
}

func (s *fakeSink) ContactCreated(ctx context.Context, contact models.Contact) {
	s.created = append(s.created, contact)
}

func (s *fakeSink) ContactLinked(ctx context.Context, contact models.Contact, primaryID int64) {
	s.linked = append(s.linked, contact.ID)
}

func (s *fakeSink) IdentityMerged(ctx context.Context, survivorID int64, mergedIDs []int64) {
	s.survivors = append(s.survivors, survivorID)
	s.merged = append(s.merged, mergedIDs)
}

func newTestEngine(store *fakeStore, sink identity.EventSink) (*identity.Engine, *fakeDB) {
	db := &fakeDB{}
	return identity.NewEngine(testLogger(), db, store, sink), db
}

func TestIdentify_CreatesPrimaryWhenNoMatch(t *testing.T) {
	store := newFakeStore()
	engine, db := newTestEngine(store, nil)

	resp, err := engine.Identify(context.Background(), models.IdentifyRequest{
		Email:       strPtr("doc@hillvalley.edu"),
		PhoneNumber: strPtr("555123"),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.Equal(t, []string{"doc@hillvalley.edu"}, resp.Contact.Emails)
	assert.Equal(t, []string{"555123"}, resp.Contact.PhoneNumbers)
	assert.Empty(t, resp.Contact.SecondaryContactIDs)

	require.Len(t, store.contacts, 1)
	assert.True(t, store.contacts[1].IsPrimary())
	assert.True(t, db.lastTx.committed)
}

func TestIdentify_RepeatRequestIsIdempotent(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)
	req := models.IdentifyRequest{Email: strPtr("doc@hillvalley.edu"), PhoneNumber: strPtr("555123")}

	first, err := engine.Identify(context.Background(), req)
	require.NoError(t, err)
	second, err := engine.Identify(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, store.contacts, 1)
}

func TestIdentify_NewPhoneCreatesSecondary(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)
	ctx := context.Background()

	_, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("doc@hillvalley.edu"), PhoneNumber: strPtr("555123")})
	require.NoError(t, err)

	resp, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("doc@hillvalley.edu"), PhoneNumber: strPtr("555999")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.Equal(t, []string{"doc@hillvalley.edu"}, resp.Contact.Emails)
	assert.Equal(t, []string{"555123", "555999"}, resp.Contact.PhoneNumbers)
	assert.Equal(t, []int64{2}, resp.Contact.SecondaryContactIDs)

	require.Len(t, store.contacts, 2)
	secondary := store.contacts[2]
	assert.Equal(t, models.LinkPrecedenceSecondary, secondary.LinkPrecedence)
	require.NotNil(t, secondary.LinkedID)
	assert.Equal(t, int64(1), *secondary.LinkedID)
}

func TestIdentify_RequiresAnIdentifier(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)

	_, err := engine.Identify(context.Background(), models.IdentifyRequest{})
	require.Error(t, err)
	assert.True(t, identity.IsInvalidRequest(err))

	// whitespace-only identifiers count as missing
	_, err = engine.Identify(context.Background(), models.IdentifyRequest{Email: strPtr("   ")})
	require.Error(t, err)
	assert.True(t, identity.IsInvalidRequest(err))

	assert.Empty(t, store.contacts)
}

func TestIdentify_MergesBridgedGroups(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)
	ctx := context.Background()

	_, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("george@hillvalley.edu"), PhoneNumber: strPtr("919191")})
	require.NoError(t, err)
	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("biffsucks@hillvalley.edu"), PhoneNumber: strPtr("717171")})
	require.NoError(t, err)

	// bridges both groups; the older primary survives
	resp, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("george@hillvalley.edu"), PhoneNumber: strPtr("717171")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.Equal(t, []string{"george@hillvalley.edu", "biffsucks@hillvalley.edu"}, resp.Contact.Emails)
	assert.Equal(t, []string{"919191", "717171"}, resp.Contact.PhoneNumbers)
	assert.Equal(t, []int64{2}, resp.Contact.SecondaryContactIDs)

	// no new contact was created, the second primary was demoted
	require.Len(t, store.contacts, 2)
	demoted := store.contacts[2]
	assert.Equal(t, models.LinkPrecedenceSecondary, demoted.LinkPrecedence)
	require.NotNil(t, demoted.LinkedID)
	assert.Equal(t, int64(1), *demoted.LinkedID)
}

func TestIdentify_MergeReparentsSecondaries(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)
	ctx := context.Background()

	_, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("a@example.com"), PhoneNumber: strPtr("111")})
	require.NoError(t, err)
	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("b@example.com"), PhoneNumber: strPtr("222")})
	require.NoError(t, err)
	// grows the second group with a secondary
	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("b@example.com"), PhoneNumber: strPtr("333")})
	require.NoError(t, err)

	resp, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("a@example.com"), PhoneNumber: strPtr("222")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.Equal(t, []int64{2, 3}, resp.Contact.SecondaryContactIDs)
	assert.Equal(t, []string{"111", "222", "333"}, resp.Contact.PhoneNumbers)

	// the demoted primary's secondary now points at the survivor
	reparented := store.contacts[3]
	require.NotNil(t, reparented.LinkedID)
	assert.Equal(t, int64(1), *reparented.LinkedID)
}

func TestIdentify_MergesGroupsMatchedThroughSecondaries(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)
	ctx := context.Background()

	_, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("a@example.com"), PhoneNumber: strPtr("111")})
	require.NoError(t, err)
	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("a@example.com"), PhoneNumber: strPtr("112")})
	require.NoError(t, err)
	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("b@example.com"), PhoneNumber: strPtr("222")})
	require.NoError(t, err)
	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("c@example.com"), PhoneNumber: strPtr("222")})
	require.NoError(t, err)
	require.Len(t, store.contacts, 4)

	// matches only the two groups' secondaries; their primaries still merge
	resp, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("c@example.com"), PhoneNumber: strPtr("112")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, resp.Contact.Emails)
	assert.Equal(t, []string{"111", "112", "222"}, resp.Contact.PhoneNumbers)
	assert.Equal(t, []int64{2, 3, 4}, resp.Contact.SecondaryContactIDs)

	// no new contact, the newer primary was demoted and its secondary repointed
	require.Len(t, store.contacts, 4)
	assert.Equal(t, models.LinkPrecedenceSecondary, store.contacts[3].LinkPrecedence)
	assert.Equal(t, int64(1), *store.contacts[3].LinkedID)
	assert.Equal(t, int64(1), *store.contacts[4].LinkedID)
}

func TestIdentify_NoInsertWhenValuesSpanGroup(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)
	ctx := context.Background()

	_, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("doc@hillvalley.edu"), PhoneNumber: strPtr("111")})
	require.NoError(t, err)
	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("doc@hillvalley.edu"), PhoneNumber: strPtr("222")})
	require.NoError(t, err)
	require.Len(t, store.contacts, 2)

	// email from the primary, phone from the secondary: nothing new
	resp, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("doc@hillvalley.edu"), PhoneNumber: strPtr("222")})
	require.NoError(t, err)

	assert.Len(t, store.contacts, 2)
	assert.Equal(t, []int64{2}, resp.Contact.SecondaryContactIDs)
}

func TestIdentify_SingleIdentifierLookup(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)
	ctx := context.Background()

	_, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("doc@hillvalley.edu"), PhoneNumber: strPtr("555123")})
	require.NoError(t, err)

	// a lookup with only a known phone returns the group without inserting
	resp, err := engine.Identify(ctx, models.IdentifyRequest{PhoneNumber: strPtr("555123")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.Equal(t, []string{"doc@hillvalley.edu"}, resp.Contact.Emails)
	assert.Len(t, store.contacts, 1)
}

func TestIdentify_LocksSortedIdentifierKeys(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)

	_, err := engine.Identify(context.Background(), models.IdentifyRequest{
		Email:       strPtr("doc@hillvalley.edu"),
		PhoneNumber: strPtr("555123"),
	})
	require.NoError(t, err)

	require.Len(t, store.lockKeys, 1)
	assert.ElementsMatch(t, []string{"email:doc@hillvalley.edu", "phone:555123"}, store.lockKeys[0])
}

func TestIdentify_StoreFailureRollsBack(t *testing.T) {
	store := newFakeStore()
	store.failWith = identity.NewStoreUnavailable("contact store unavailable")
	engine, db := newTestEngine(store, nil)

	_, err := engine.Identify(context.Background(), models.IdentifyRequest{Email: strPtr("doc@hillvalley.edu")})
	require.Error(t, err)
	assert.True(t, identity.IsStoreUnavailable(err))
	assert.False(t, db.lastTx.committed)
	assert.True(t, db.lastTx.rolledBack)
}

func TestIdentify_EmitsEventsAfterCommit(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	engine, _ := newTestEngine(store, sink)
	ctx := context.Background()

	_, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("a@example.com"), PhoneNumber: strPtr("111")})
	require.NoError(t, err)
	require.Len(t, sink.created, 1)
	assert.Equal(t, int64(1), sink.created[0].ID)

	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("a@example.com"), PhoneNumber: strPtr("222")})
	require.NoError(t, err)
	require.Len(t, sink.created, 2)
	assert.Equal(t, []int64{2}, sink.linked)

	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("b@example.com"), PhoneNumber: strPtr("333")})
	require.NoError(t, err)
	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("b@example.com"), PhoneNumber: strPtr("111")})
	require.NoError(t, err)

	require.Len(t, sink.survivors, 1)
	assert.Equal(t, int64(1), sink.survivors[0])
	assert.Equal(t, [][]int64{{3}}, sink.merged)
}

func TestIdentityOf_ResolvesFromAnyMember(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)
	ctx := context.Background()

	_, err := engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("doc@hillvalley.edu"), PhoneNumber: strPtr("111")})
	require.NoError(t, err)
	_, err = engine.Identify(ctx, models.IdentifyRequest{Email: strPtr("doc@hillvalley.edu"), PhoneNumber: strPtr("222")})
	require.NoError(t, err)

	resp, err := engine.IdentityOf(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.Equal(t, []int64{2}, resp.Contact.SecondaryContactIDs)
}

func TestIdentityOf_UnknownContact(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store, nil)

	_, err := engine.IdentityOf(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}
