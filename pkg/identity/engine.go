package identity

import (
	"context"
	"database/sql"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EventSink receives identity events after an identify call commits. Emission
// is best effort and must not fail the request.
type EventSink interface {
	ContactCreated(ctx context.Context, contact models.Contact)
	ContactLinked(ctx context.Context, contact models.Contact, primaryID int64)
	IdentityMerged(ctx context.Context, survivorID int64, mergedIDs []int64)
}

// TxStarter begins (or reuses) the transaction an identify call runs in.
// Satisfied by database.DB; tests substitute a no-op.
type TxStarter interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// Engine orchestrates identity resolution
type Engine struct {
	logger       ectologger.Logger
	db           TxStarter
	store        Store
	matcher      *Matcher
	resolver     *Resolver
	materializer *Materializer
	events       EventSink
}

// NewEngine creates a new identity engine. events may be nil when no broker
// is configured.
func NewEngine(logger ectologger.Logger, db TxStarter, store Store, events EventSink) *Engine {
	return &Engine{
		logger:       logger,
		db:           db,
		store:        store,
		matcher:      NewMatcher(logger, store),
		resolver:     NewResolver(logger, store),
		materializer: NewMaterializer(logger, store),
		events:       events,
	}
}

// Identify resolves a partial contact into its consolidated identity group,
// creating or linking contacts as needed. The whole call runs in one
// transaction; events are emitted only after commit.
func (e *Engine) Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Engine.Identify")
	defer span.End()

	start := time.Now()

	req, err := e.matcher.Normalize(req)
	if err != nil {
		metrics.IdentifyRequests.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ctxTx, tx, err := e.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		metrics.IdentifyRequests.WithLabelValues("error").Inc()
		return nil, NewStoreUnavailable("contact store unavailable")
	}
	defer tx.Rollback(ctxTx)

	if err := e.store.LockIdentifiers(ctxTx, e.matcher.LockKeys(req)); err != nil {
		metrics.IdentifyRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	primary, pending, err := e.resolve(ctxTx, req)
	if err != nil {
		metrics.IdentifyRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	members, err := e.materializer.Group(ctxTx, *primary)
	if err != nil {
		metrics.IdentifyRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	identity := e.materializer.Project(*primary, members)

	if err := tx.Commit(ctxTx); err != nil {
		metrics.IdentifyRequests.WithLabelValues("error").Inc()
		return nil, NewStoreUnavailable("failed to commit identify")
	}

	for _, emit := range pending {
		emit(ctx)
	}

	metrics.IdentifyRequests.WithLabelValues("ok").Inc()
	metrics.IdentifyDuration.Observe(time.Since(start).Seconds())

	return &models.IdentifyResponse{Contact: identity}, nil
}

// IdentityOf returns the consolidated identity group of an existing contact,
// resolved from any member. Read-only, no transaction needed.
func (e *Engine) IdentityOf(ctx context.Context, contactID int64) (*models.IdentifyResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Engine.IdentityOf")
	defer span.End()

	contact, err := e.store.GetByID(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		return nil, NewNotFound("contact %d not found", contactID)
	}

	primary, err := e.resolver.PrimaryOf(ctx, *contact)
	if err != nil {
		return nil, err
	}

	members, err := e.materializer.Group(ctx, *primary)
	if err != nil {
		return nil, err
	}

	identity := e.materializer.Project(*primary, members)
	return &models.IdentifyResponse{Contact: identity}, nil
}

// resolve finds or builds the identity group for the request and returns its
// primary plus the events to emit after commit.
func (e *Engine) resolve(ctx context.Context, req models.IdentifyRequest) (*models.Contact, []func(context.Context), error) {
	log := e.logger.WithContext(ctx)
	var pending []func(context.Context)

	matches, err := e.matcher.FindMatches(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	// No overlap with any known contact: start a new identity group.
	if len(matches) == 0 {
		created, err := e.store.Insert(ctx, models.Contact{
			Email:          req.Email,
			PhoneNumber:    req.PhoneNumber,
			LinkPrecedence: models.LinkPrecedencePrimary,
		})
		if err != nil {
			return nil, nil, err
		}

		metrics.ContactsCreated.WithLabelValues(string(models.LinkPrecedencePrimary)).Inc()
		pending = append(pending, e.emitCreated(*created))
		log.WithField("id", created.ID).Info("Created new identity group")
		return created, pending, nil
	}

	primaries, err := e.resolver.ResolvePrimaries(ctx, matches)
	if err != nil {
		return nil, nil, err
	}

	primary := &primaries[0]
	if len(primaries) > 1 {
		survivor, demoted, err := e.resolver.Merge(ctx, primaries)
		if err != nil {
			return nil, nil, err
		}
		primary = survivor

		metrics.IdentityMerges.Inc()
		survivorID := survivor.ID
		pending = append(pending, func(c context.Context) {
			if e.events != nil {
				e.events.IdentityMerged(c, survivorID, demoted)
			}
		})
	}

	members, err := e.materializer.Group(ctx, *primary)
	if err != nil {
		return nil, nil, err
	}

	// The request only grows the group when it carries an identifier the
	// group has not seen.
	if e.hasNewInformation(req, members) {
		secondary, err := e.store.Insert(ctx, models.Contact{
			Email:          req.Email,
			PhoneNumber:    req.PhoneNumber,
			LinkedID:       &primary.ID,
			LinkPrecedence: models.LinkPrecedenceSecondary,
		})
		if err != nil {
			return nil, nil, err
		}

		metrics.ContactsCreated.WithLabelValues(string(models.LinkPrecedenceSecondary)).Inc()
		pending = append(pending, e.emitCreated(*secondary))
		primaryID := primary.ID
		created := *secondary
		pending = append(pending, func(c context.Context) {
			if e.events != nil {
				e.events.ContactLinked(c, created, primaryID)
			}
		})
		log.WithFields(map[string]any{"id": secondary.ID, "primary_id": primary.ID}).Info("Linked new secondary contact")
	}

	return primary, pending, nil
}

func (e *Engine) emitCreated(contact models.Contact) func(context.Context) {
	return func(c context.Context) {
		if e.events != nil {
			e.events.ContactCreated(c, contact)
		}
	}
}

// hasNewInformation reports whether the request carries an email or phone
// number that no member of the group has.
func (e *Engine) hasNewInformation(req models.IdentifyRequest, members []models.Contact) bool {
	if req.Email != nil {
		known := false
		for _, member := range members {
			if member.HasEmail(*req.Email) {
				known = true
				break
			}
		}
		if !known {
			return true
		}
	}
	if req.PhoneNumber != nil {
		known := false
		for _, member := range members {
			if member.HasPhoneNumber(*req.PhoneNumber) {
				known = true
				break
			}
		}
		if !known {
			return true
		}
	}
	return false
}
