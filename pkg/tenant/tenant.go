// Package tenant defines the tenant session record and its lifecycle.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("tenant session not found")
	ErrExists            = errors.New("tenant session already exists")
	ErrInvalidTransition = errors.New("invalid tenant status transition")
	ErrAuthFailure       = errors.New("tenant authentication failed")
)

// Status is the lifecycle state of a tenant session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusRevoked:
		return true
	}
	return false
}

// Session is the persisted connection descriptor for one tenant.
type Session struct {
	TenantID     string
	BundleID     string
	Token        string // opaque messaging-backend session token
	OwnerID      string // the owner's participant ID on the messaging backend
	Status       Status
	StatusReason string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// CanTransition reports whether a session may move from one status to another.
// Revoked is terminal; every other state may be revoked.
func CanTransition(from, to Status) bool {
	if to == StatusRevoked {
		return from != StatusRevoked
	}
	switch from {
	case StatusPending:
		return to == StatusActive
	case StatusActive:
		return to == StatusSuspended
	case StatusSuspended:
		return to == StatusActive
	}
	return false
}

// Transition moves s to the given status, stamping the reason.
func (s *Session) Transition(to Status, reason string, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%s -> %s: %w", s.Status, to, ErrInvalidTransition)
	}
	s.Status = to
	s.StatusReason = reason
	s.LastActiveAt = now
	return nil
}

// SessionStore persists one session per tenant. Implementations must keep
// each tenant's records under its own key so no lookup can cross tenants.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	Load(ctx context.Context, tenantID string) (Session, error)
	Update(ctx context.Context, s Session) error
	Revoke(ctx context.Context, tenantID, reason string) error
	List(ctx context.Context, statuses ...Status) ([]Session, error)
}
