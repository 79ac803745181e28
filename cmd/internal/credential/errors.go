package credential

import "errors"

var (
	// ErrNotFound is returned by KeyValueStore implementations for a missing key.
	ErrNotFound = errors.New("key not found")

	// ErrSealKey is returned when the at-rest sealing key is malformed.
	ErrSealKey = errors.New("invalid seal key")

	// ErrSealedRecord is returned when a sealed record fails to open
	// (wrong key, truncated, or tampered ciphertext).
	ErrSealedRecord = errors.New("cannot open sealed record")

	// ErrNoIdentity is returned by PatchIdentity when no identity is stored.
	ErrNoIdentity = errors.New("no identity stored")
)
