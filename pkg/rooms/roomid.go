// Package rooms derives the canonical two-party room id and routes events to
// the sessions admitted to each room, locally and across gateway instances.
package rooms

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSelfChat rejects a room for a single identity.
	ErrSelfChat = errors.New("rooms: cannot open a chat with yourself")
	// ErrInvalidIdentity rejects empty or malformed identity ids.
	ErrInvalidIdentity = errors.New("rooms: invalid identity id")
)

// DeriveRoomID returns the canonical room id for an identity pair:
// the two ids sorted and joined with a hyphen. Symmetric in its arguments.
// Identity ids must be non-empty and hyphen-free so the derived id cannot
// collide across pairs.
func DeriveRoomID(a, b string) (string, error) {
	if a == "" || b == "" || strings.Contains(a, "-") || strings.Contains(b, "-") {
		return "", fmt.Errorf("%w: %q, %q", ErrInvalidIdentity, a, b)
	}
	if a == b {
		return "", fmt.Errorf("%w: %q", ErrSelfChat, a)
	}
	if a > b {
		a, b = b, a
	}
	return a + "-" + b, nil
}

// OtherParty returns the participant of roomID that is not identityID.
func OtherParty(roomID, identityID string) (string, bool) {
	first, second, found := strings.Cut(roomID, "-")
	if !found {
		return "", false
	}
	switch identityID {
	case first:
		return second, true
	case second:
		return first, true
	}
	return "", false
}
