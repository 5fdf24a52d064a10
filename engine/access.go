package engine

import (
	"context"
)

// Identity is a caller identity resolved by an external authentication layer.
// The engine trusts it as given.
type Identity struct {
	UserID      string
	Permissions []string

	// Profile is a snapshot of user attributes recorded with submissions.
	Profile map[string]interface{}
}

// Authenticated reports whether i identifies a user.
func (i *Identity) Authenticated() bool {
	return i != nil && i.UserID != ""
}

func (i *Identity) userID() string {
	if i == nil {
		return ""
	}
	return i.UserID
}

// AccessChecker decides whether a user may fill a form.
type AccessChecker interface {
	ValidateAccess(ctx context.Context, userID, formKey string) (bool, error)
}

// CapabilityChecker decides whether a set of held permissions satisfies
// any of a set of required permissions.
type CapabilityChecker interface {
	HasAny(have, required []string) bool
}

// SetCapabilities matches permissions by exact string equality.
type SetCapabilities struct{}

// HasAny reports whether any permission in required is in have.
func (SetCapabilities) HasAny(have, required []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, p := range have {
		set[p] = struct{}{}
	}
	for _, p := range required {
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}

// DefaultEditPermissions are the permissions that allow editing forms.
var DefaultEditPermissions = []string{"forms:edit", "admin"}
