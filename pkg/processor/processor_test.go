package processor_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/processor"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type noopTx struct{ closed bool }

func (t *noopTx) IsOpen() bool                       { return !t.closed }
func (t *noopTx) Commit(ctx context.Context) error   { t.closed = true; return nil }
func (t *noopTx) Rollback(ctx context.Context) error { t.closed = true; return nil }
func (t *noopTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (t *noopTx) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (t *noopTx) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (t *noopTx) QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row {
	return nil
}

type noopDB struct{}

func (d *noopDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &noopTx{}, nil
}

type memStore struct {
	contacts map[int64]*models.Contact
	nextID   int64
	clock    time.Time
	failWith error
}

func newMemStore() *memStore {
	return &memStore{
		contacts: map[int64]*models.Contact{},
		nextID:   1,
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) LockIdentifiers(ctx context.Context, keys []string) error {
	return s.failWith
}

func (s *memStore) FindMatching(ctx context.Context, email, phoneNumber *string) ([]models.Contact, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	var matches []models.Contact
	for _, contact := range s.contacts {
		if (email != nil && contact.HasEmail(*email)) ||
			(phoneNumber != nil && contact.HasPhoneNumber(*phoneNumber)) {
			matches = append(matches, *contact)
		}
	}
	return matches, nil
}

func (s *memStore) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	contact, ok := s.contacts[id]
	if !ok {
		return nil, nil
	}
	copied := *contact
	return &copied, nil
}

func (s *memStore) Insert(ctx context.Context, contact models.Contact) (*models.Contact, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	contact.ID = s.nextID
	s.nextID++
	s.clock = s.clock.Add(time.Second)
	contact.CreatedAt = s.clock
	contact.UpdatedAt = s.clock
	stored := contact
	s.contacts[stored.ID] = &stored
	copied := stored
	return &copied, nil
}

func (s *memStore) UpdatePrecedenceAndLink(ctx context.Context, id, linkedID int64) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.contacts[id].LinkPrecedence = models.LinkPrecedenceSecondary
	s.contacts[id].LinkedID = &linkedID
	return nil
}

func (s *memStore) RepointSecondaries(ctx context.Context, oldPrimaryIDs []int64, newPrimaryID int64) (int64, error) {
	return 0, s.failWith
}

func (s *memStore) FetchGroupFrontier(ctx context.Context, id int64) ([]models.Contact, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	var frontier []models.Contact
	for _, contact := range s.contacts {
		if contact.ID == id || (contact.LinkedID != nil && *contact.LinkedID == id) {
			frontier = append(frontier, *contact)
		}
	}
	return frontier, nil
}

func parsedMessage(t *testing.T, payload string) *kafka.IncomingMessage {
	t.Helper()
	msg := &kafka.IncomingMessage{Value: []byte(payload)}
	require.NoError(t, msg.ParseIdentifyRequest())
	return msg
}

func TestHandleMessage_ResolvesIdentify(t *testing.T) {
	store := newMemStore()
	engine := identity.NewEngine(testLogger(), &noopDB{}, store, nil)
	proc := processor.New(testLogger(), engine)

	err := proc.HandleMessage(context.Background(), parsedMessage(t, `{"email":"doc@hillvalley.edu","phoneNumber":"555123"}`))
	require.NoError(t, err)
	assert.Len(t, store.contacts, 1)
}

func TestHandleMessage_AcceptsNumericPhone(t *testing.T) {
	store := newMemStore()
	engine := identity.NewEngine(testLogger(), &noopDB{}, store, nil)
	proc := processor.New(testLogger(), engine)

	err := proc.HandleMessage(context.Background(), parsedMessage(t, `{"phoneNumber":555123}`))
	require.NoError(t, err)

	require.Len(t, store.contacts, 1)
	require.NotNil(t, store.contacts[1].PhoneNumber)
	assert.Equal(t, "555123", *store.contacts[1].PhoneNumber)
}

func TestHandleMessage_SkipsInvalidRequest(t *testing.T) {
	store := newMemStore()
	engine := identity.NewEngine(testLogger(), &noopDB{}, store, nil)
	proc := processor.New(testLogger(), engine)

	// no identifiers at all: swallowed so the consumer commits past it
	err := proc.HandleMessage(context.Background(), parsedMessage(t, `{"other":"field"}`))
	require.NoError(t, err)
	assert.Empty(t, store.contacts)
}

func TestHandleMessage_SkipsUnparsedMessage(t *testing.T) {
	store := newMemStore()
	engine := identity.NewEngine(testLogger(), &noopDB{}, store, nil)
	proc := processor.New(testLogger(), engine)

	err := proc.HandleMessage(context.Background(), &kafka.IncomingMessage{Value: []byte(`not json`)})
	require.NoError(t, err)
	assert.Empty(t, store.contacts)
}

func TestHandleMessage_PropagatesStoreErrors(t *testing.T) {
	store := newMemStore()
	store.failWith = identity.NewStoreUnavailable("contact store unavailable")
	engine := identity.NewEngine(testLogger(), &noopDB{}, store, nil)
	proc := processor.New(testLogger(), engine)

	err := proc.HandleMessage(context.Background(), parsedMessage(t, `{"email":"doc@hillvalley.edu"}`))
	require.Error(t, err)
	assert.True(t, identity.IsStoreUnavailable(err))
}
