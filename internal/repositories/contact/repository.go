package contact

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var contactColumns = []string{"id", "email", "phone_number", "linked_id", "link_precedence", "created_at", "updated_at", "deleted_at"}

// Repository handles contact persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new contact repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
}

// q returns the open transaction on the context when there is one, so every
// store call inside an identify request shares the same unit of work.
func (r *Repository) q(ctx context.Context) querier {
	if tx, ok := database.TxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// dbError maps driver failures onto response codes. Serialization and deadlock
// failures are retryable by the caller, connection failures mean the store is
// down rather than the service.
func (r *Repository) dbError(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", "40P01":
			return httperror.NewHTTPError(http.StatusConflict, "conflicting identify in progress, retry the request")
		}
		if strings.HasPrefix(string(pqErr.Code), "08") {
			return httperror.NewHTTPError(http.StatusServiceUnavailable, "contact store unavailable")
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "contact store unavailable")
	}
	return httperror.NewHTTPError(http.StatusInternalServerError, msg)
}

// LockIdentifiers serializes identify calls that touch the same email or phone
// number. Keys are sorted before locking so two calls sharing both identifiers
// always acquire in the same order.
func (r *Repository) LockIdentifiers(ctx context.Context, keys []string) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.LockIdentifiers")
	defer span.End()

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	for _, key := range sorted {
		if _, err := r.q(ctx).ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("key", key).Error("Failed to acquire identifier lock")
			return r.dbError(err, "failed to lock identifiers")
		}
	}
	return nil
}

// FindMatching returns all non-deleted contacts that share the given email or
// phone number, oldest first.
func (r *Repository) FindMatching(ctx context.Context, email, phoneNumber *string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindMatching")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(contactColumns...)
	sb.From("contacts")

	match := []string{}
	if email != nil {
		match = append(match, sb.Equal("email", *email))
	}
	if phoneNumber != nil {
		match = append(match, sb.Equal("phone_number", *phoneNumber))
	}
	if len(match) == 0 {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "at least one of email or phoneNumber is required")
	}

	sb.Where(
		sb.Or(match...),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var contacts []models.Contact
	if err := r.q(ctx).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find matching contacts")
		return nil, r.dbError(err, "failed to find matching contacts")
	}
	return contacts, nil
}

// GetByID returns the contact with the given id, or nil if it does not exist.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.GetByID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(contactColumns...)
	sb.From("contacts")
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var contact models.Contact
	if err := r.q(ctx).GetContext(ctx, &contact, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to get contact")
		return nil, r.dbError(err, "failed to get contact")
	}
	return &contact, nil
}

// Insert persists a new contact and returns the stored row.
func (r *Repository) Insert(ctx context.Context, contact models.Contact) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Insert")
	defer span.End()

	now := time.Now().UTC()
	query := `
		INSERT INTO contacts (email, phone_number, linked_id, link_precedence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, email, phone_number, linked_id, link_precedence, created_at, updated_at, deleted_at
	`

	var created models.Contact
	err := r.q(ctx).GetContext(ctx, &created, query,
		contact.Email, contact.PhoneNumber, contact.LinkedID, contact.LinkPrecedence, now, now,
	)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"link_precedence": contact.LinkPrecedence,
			"linked_id":       contact.LinkedID,
		}).Error("Failed to insert contact")
		return nil, r.dbError(err, "failed to insert contact")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": created.ID, "link_precedence": created.LinkPrecedence}).Info("Created contact")
	return &created, nil
}

// UpdatePrecedenceAndLink demotes a contact to secondary under the given primary.
func (r *Repository) UpdatePrecedenceAndLink(ctx context.Context, id, linkedID int64) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.UpdatePrecedenceAndLink")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("contacts")
	sb.Set(
		sb.Assign("link_precedence", models.LinkPrecedenceSecondary),
		sb.Assign("linked_id", linkedID),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	result, err := r.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "linked_id": linkedID}).Error("Failed to demote contact")
		return r.dbError(err, "failed to demote contact")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "contact %d vanished during demotion", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "linked_id": linkedID}).Info("Demoted contact to secondary")
	return nil
}

// RepointSecondaries moves the secondaries of the given former primaries under
// the surviving primary. Only rows that are still secondaries are touched.
func (r *Repository) RepointSecondaries(ctx context.Context, oldPrimaryIDs []int64, newPrimaryID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.RepointSecondaries")
	defer span.End()

	if len(oldPrimaryIDs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("contacts")
	sb.Set(
		sb.Assign("linked_id", newPrimaryID),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.In("linked_id", sqlbuilder.Flatten(oldPrimaryIDs)...),
		sb.Equal("link_precedence", models.LinkPrecedenceSecondary),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	result, err := r.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"old_primary_ids": oldPrimaryIDs, "new_primary_id": newPrimaryID}).Error("Failed to repoint secondaries")
		return 0, r.dbError(err, "failed to repoint secondaries")
	}

	rows, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"old_primary_ids": oldPrimaryIDs,
		"new_primary_id":  newPrimaryID,
		"count":           rows,
	}).Info("Repointed secondaries")
	return rows, nil
}

// FetchGroupFrontier returns the contact itself plus every contact linked
// directly to it. Used to walk an identity group outward from any member.
func (r *Repository) FetchGroupFrontier(ctx context.Context, id int64) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FetchGroupFrontier")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(contactColumns...)
	sb.From("contacts")
	sb.Where(
		sb.Or(
			sb.Equal("id", id),
			sb.Equal("linked_id", id),
		),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var contacts []models.Contact
	if err := r.q(ctx).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to fetch group frontier")
		return nil, r.dbError(err, "failed to fetch linked contacts")
	}
	return contacts, nil
}

// Get retrieves a contact by ID for the read API.
func (r *Repository) Get(ctx context.Context, id int64) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Get")
	defer span.End()

	contact, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "contact %d not found", id)
	}
	return contact, nil
}

// List retrieves contacts with pagination
func (r *Repository) List(ctx context.Context, page, pageSize int) (*models.ContactListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("contacts")
	countSb.Where(countSb.IsNull("deleted_at"))

	countQuery, countArgs := countSb.Build()
	var totalCount int
	if err := r.q(ctx).GetContext(ctx, &totalCount, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"page": page, "page_size": pageSize}).Error("Failed to count contacts")
		return nil, r.dbError(err, "failed to count contacts")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(contactColumns...)
	sb.From("contacts")
	sb.Where(sb.IsNull("deleted_at"))
	sb.OrderBy("created_at DESC")
	sb.Limit(pageSize).Offset(offset)

	query, args := sb.Build()
	var contacts []models.Contact
	if err := r.q(ctx).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"page": page, "page_size": pageSize}).Error("Failed to list contacts")
		return nil, r.dbError(err, "failed to list contacts")
	}

	return &models.ContactListResponse{
		Items:      contacts,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// SoftDelete marks a contact as deleted
func (r *Repository) SoftDelete(ctx context.Context, id int64) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.SoftDelete")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("contacts")
	sb.Set(sb.Assign("deleted_at", now))
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	result, err := r.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to soft delete contact")
		return r.dbError(err, "failed to delete contact")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("contact %d not found", id))
	}

	r.logger.WithContext(ctx).WithField("id", id).Info("Soft deleted contact")
	return nil
}
