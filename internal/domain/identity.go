// Package domain contains core domain types for the Chatter application.
package domain

import (
	"errors"
	"strings"
)

// ErrInvalidIdentity is returned when an identity is missing its id.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is the authenticated user bound to a client session.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Validate checks that the identity carries a usable id.
func (i Identity) Validate() error {
	if !ValidUserID(i.ID) {
		return ErrInvalidIdentity
	}
	return nil
}

// ValidUserID reports whether id can name a user: it is not blank, not in the
// pending namespace and cannot be confused with a conversation key.
func ValidUserID(id string) bool {
	return strings.TrimSpace(id) != "" &&
		!strings.HasPrefix(id, PendingPrefix) &&
		!strings.Contains(id, keySeparator)
}

// IsZero reports whether no identity has been set.
func (i Identity) IsZero() bool {
	return i.ID == "" && i.Name == ""
}

// DisplayName returns the name, falling back to the id.
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.ID
}
