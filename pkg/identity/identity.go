// Package identity defines the verified party admitted to a session and the
// gate that produces it from an inbound credential.
package identity

import "errors"

// Identity is an authenticated party. Immutable for the session's lifetime.
type Identity struct {
	ID          string `json:"userId"`
	DisplayName string `json:"username"`
}

// ErrAuthRejected is returned when a credential fails verification. The
// session is refused before it is admitted; no state is created for it.
var ErrAuthRejected = errors.New("identity: authentication rejected")

// Gate validates an inbound credential and yields a verified identity.
type Gate interface {
	Verify(token string) (Identity, error)
}
