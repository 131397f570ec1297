package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// LinkPrecedence marks a contact as the anchor of its identity group or as a
// subordinate record linked to one.
type LinkPrecedence string

const (
	// LinkPrecedencePrimary is the canonical record of an identity group
	LinkPrecedencePrimary LinkPrecedence = "primary"
	// LinkPrecedenceSecondary is a record linked under a primary
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

// Contact represents a single stored contact record.
// Field order matches schema: id, email, phone_number, linked_id, link_precedence, ...
type Contact struct {
	ID             int64          `json:"id" db:"id"`
	Email          *string        `json:"email,omitempty" db:"email"`
	PhoneNumber    *string        `json:"phone_number,omitempty" db:"phone_number"`
	LinkedID       *int64         `json:"linked_id,omitempty" db:"linked_id"`
	LinkPrecedence LinkPrecedence `json:"link_precedence" db:"link_precedence"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsPrimary returns true if this contact anchors its identity group
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

// HasEmail returns true if the contact carries the given email
func (c *Contact) HasEmail(email string) bool {
	return c.Email != nil && *c.Email == email
}

// HasPhoneNumber returns true if the contact carries the given phone number
func (c *Contact) HasPhoneNumber(phone string) bool {
	return c.PhoneNumber != nil && *c.PhoneNumber == phone
}

// IdentifyRequest is the request for resolving a partial contact.
// At least one of Email and PhoneNumber must be present.
type IdentifyRequest struct {
	Email       *string `json:"email,omitempty" validate:"required_without=PhoneNumber"`
	PhoneNumber *string `json:"phoneNumber,omitempty" validate:"required_without=Email"`
}

// UnmarshalJSON accepts phoneNumber as either a JSON string or a JSON number,
// since clients send both.
func (r *IdentifyRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Email       *string `json:"email"`
		PhoneNumber any     `json:"phoneNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Email = raw.Email
	r.PhoneNumber = nil
	switch phone := raw.PhoneNumber.(type) {
	case nil:
	case string:
		r.PhoneNumber = &phone
	case float64:
		formatted := strconv.FormatFloat(phone, 'f', -1, 64)
		r.PhoneNumber = &formatted
	default:
		return fmt.Errorf("unsupported phoneNumber type %T", raw.PhoneNumber)
	}
	return nil
}

// ContactIdentity is the projected view of a resolved identity group.
// Emails and PhoneNumbers are distinct values in first-seen order with the
// primary's own values moved to the front.
type ContactIdentity struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse is the response for an identify call
type IdentifyResponse struct {
	Contact ContactIdentity `json:"contact"`
}

// ContactListResponse is the response for listing contacts
type ContactListResponse struct {
	Items      []Contact `json:"items"`
	TotalCount int       `json:"total_count"`
	Page       int       `json:"page"`
	PageSize   int       `json:"page_size"`
}
