// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSessionKey = errors.New("missing tenantId or sessionToken")
	ErrUnknownRole       = errors.New("unknown role")
)

type (
	TenantID      string
	SessionToken  string
	ParticipantID string
)

// SessionKey is the composite routing key for one call.
// It has no persistence of its own; the booking layer mints it.
type SessionKey struct {
	TenantID     TenantID
	SessionToken SessionToken
}

func NewSessionKey(tenantID, sessionToken string) (SessionKey, error) {
	k := SessionKey{TenantID: TenantID(tenantID), SessionToken: SessionToken(sessionToken)}
	if err := k.Validate(); err != nil {
		return SessionKey{}, err
	}
	return k, nil
}

func (k SessionKey) Validate() error {
	if k.TenantID == "" || k.SessionToken == "" {
		return ErrMissingSessionKey
	}
	return nil
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%s", k.TenantID, k.SessionToken)
}

// Role distinguishes the two call participants. The host initiates
// signaling once told the guest has arrived.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleHost:
		return RoleHost, nil
	case RoleGuest:
		return RoleGuest, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Other returns the opposite role in the pair.
func (r Role) Other() Role {
	if r == RoleHost {
		return RoleGuest
	}
	return RoleHost
}
