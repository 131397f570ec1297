// Package identity implements contact identity resolution
package identity

import (
	"context"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Matcher validates identify requests and finds the contacts they touch
type Matcher struct {
	logger   ectologger.Logger
	store    Store
	validate *validator.Validate
}

// NewMatcher creates a new matcher
func NewMatcher(logger ectologger.Logger, store Store) *Matcher {
	return &Matcher{
		logger:   logger,
		store:    store,
		validate: validator.New(),
	}
}

// Normalize trims the request identifiers, drops empty ones, and rejects
// requests that carry neither.
func (m *Matcher) Normalize(req models.IdentifyRequest) (models.IdentifyRequest, error) {
	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		if email == "" {
			req.Email = nil
		} else {
			req.Email = &email
		}
	}
	if req.PhoneNumber != nil {
		phone := strings.TrimSpace(*req.PhoneNumber)
		if phone == "" {
			req.PhoneNumber = nil
		} else {
			req.PhoneNumber = &phone
		}
	}

	if err := m.validate.Struct(req); err != nil {
		return req, NewInvalidRequest("at least one of email or phoneNumber is required")
	}
	return req, nil
}

// LockKeys returns the contention keys for the request's identifiers. Keys are
// prefixed by kind so an email and a phone number with the same text never
// collide.
func (m *Matcher) LockKeys(req models.IdentifyRequest) []string {
	keys := make([]string, 0, 2)
	if req.Email != nil {
		keys = append(keys, "email:"+*req.Email)
	}
	if req.PhoneNumber != nil {
		keys = append(keys, "phone:"+*req.PhoneNumber)
	}
	return keys
}

// FindMatches returns all contacts sharing either identifier, oldest first.
func (m *Matcher) FindMatches(ctx context.Context, req models.IdentifyRequest) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Matcher.FindMatches")
	defer span.End()

	matches, err := m.store.FindMatching(ctx, req.Email, req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	m.logger.WithContext(ctx).WithField("match_count", len(matches)).Debug("Found matching contacts")
	return matches, nil
}
