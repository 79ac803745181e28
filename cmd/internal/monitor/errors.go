package monitor

import "errors"

var (
	// ErrNoCredential is returned by Connect when no credential was passed
	// and none is stored.
	ErrNoCredential = errors.New("no credential for channel handshake")
)
