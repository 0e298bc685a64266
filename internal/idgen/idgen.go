// Package idgen injects the identifier source for run and worker IDs, so
// tests can pin ids instead of depending on ambient randomness.
package idgen

import "github.com/google/uuid"

// IDGen produces opaque 128-bit identifiers.
type IDGen interface {
	NewID() string
}

// UUIDGen generates UUIDv4 strings. This is the production default.
type UUIDGen struct{}

func (UUIDGen) NewID() string { return uuid.NewString() }

// Static always returns the same ID, for tests that need a stable run ID.
type Static string

func (s Static) NewID() string { return string(s) }
