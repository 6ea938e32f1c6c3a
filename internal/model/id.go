package model

import "github.com/oklog/ulid/v2"

// NewID generates a ULID string. Used for session identifiers and for the
// client-side request tokens, which both need lexically sortable uniqueness.
func NewID() string {
	return ulid.Make().String()
}
