package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// Credential is the access/refresh token pair for the current session.
//
// Both tokens are opaque to this subsystem. Generation identifies one
// issue/refresh of the pair; it changes on every successful refresh and
// is the key concurrent refresh triggers coalesce on.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Generation   string    `json:"generation"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Identity is the locally cached summary of who the user is.
//
// It is written at login and patched on profile edits. It is not
// authoritative: privileged decisions must corroborate it through the
// claims verifier first.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Admin    bool   `json:"is_admin"`
}

// IdentityPatch carries partial identity updates. Nil fields are left as-is.
type IdentityPatch struct {
	Username *string
	Email    *string
	Role     *string
	Admin    *bool
}

// NewGeneration mints a ULID generation identifier for a token pair.
func NewGeneration(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now.UTC()), ulid.DefaultEntropy()).String()
}

// Fingerprint returns a short SHA-256 fingerprint of a token, safe for logs.
// Tokens themselves must never be logged, not even fragments.
func Fingerprint(token string) string {
	if token == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:4])
}

// newNonce fills a caller-provided nonce buffer (used by the sealer).
func newNonce(b []byte) error {
	_, err := rand.Read(b)
	return err
}
