package app

import (
	"errors"

	"beacon/cmd/internal/credential"
)

// ValidateSecurityConfig enforces the storage security policy at startup.
// Fail-fast: a deployment that demands a sealed store must never come up
// with credentials written in the clear.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.SealKeyHex == "" {
		if cfg.RequireSealedStore {
			return errors.New("security policy: BEACON_REQUIRE_SEALED_STORE=true but BEACON_STORE_SEAL_KEY_HEX is missing")
		}
		return nil
	}

	if _, err := credential.NewSealerFromHex(cfg.SealKeyHex); err != nil {
		if errors.Is(err, credential.ErrSealKey) {
			return errors.New("security policy: BEACON_STORE_SEAL_KEY_HEX must be 32 bytes of hex")
		}
		return err
	}
	return nil
}
