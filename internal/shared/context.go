package shared

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Role enumerates the identities allowed to act on billing data.
type Role string

const (
	RoleLandlord Role = "landlord"
	RoleTenant   Role = "tenant"
	RoleAdmin    Role = "admin"
)

// Header names populated by the upstream auth proxy.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Actor is the explicit identity threaded into every operation.
type Actor struct {
	UserID int64
	Role   Role
}

// IsPrivileged reports whether the actor bypasses ownership checks.
func (a Actor) IsPrivileged() bool {
	return a.Role == RoleAdmin
}

// Owns reports whether the actor is the given user or privileged.
func (a Actor) Owns(userID int64) bool {
	if a.IsPrivileged() {
		return true
	}
	return a.UserID != 0 && a.UserID == userID
}

// IsLandlordOf reports whether the actor may act as the given landlord.
func (a Actor) IsLandlordOf(landlordID int64) bool {
	return a.IsPrivileged() || (a.Role == RoleLandlord && a.Owns(landlordID))
}

// IsTenantOf reports whether the actor may act as the given tenant.
func (a Actor) IsTenantOf(tenantID int64) bool {
	return a.IsPrivileged() || (a.Role == RoleTenant && a.Owns(tenantID))
}

// ActorFromRequest reads the identity headers set by the auth proxy.
func ActorFromRequest(r *http.Request) (Actor, error) {
	rawID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	rawRole := strings.TrimSpace(r.Header.Get(HeaderUserRole))
	if rawID == "" || rawRole == "" {
		return Actor{}, fmt.Errorf("identity headers missing: %w", ErrUnauthorized)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return Actor{}, fmt.Errorf("invalid user id: %w", ErrUnauthorized)
	}
	role := Role(strings.ToLower(rawRole))
	switch role {
	case RoleLandlord, RoleTenant, RoleAdmin:
	default:
		return Actor{}, fmt.Errorf("role %q not allowed: %w", rawRole, ErrUnauthorized)
	}
	return Actor{UserID: id, Role: role}, nil
}
