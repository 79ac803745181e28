// Package claims cross-validates the authority's view of the user's role
// and permissions against the locally cached identity. Verification
// failures never surface as errors: callers get "no verified claims" and
// must fail closed.
package claims

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"beacon/cmd/internal/authority"
	"beacon/cmd/internal/credential"
)

const defaultTTL = 5 * time.Minute

// permissionFields is the exact permission set the authority must report.
// Anything more, less, or differently named is a shape violation.
var permissionFields = [...]string{"create", "read", "write", "delete", "execute", "assign"}

// VerifiedClaims is a server-confirmed role and permission set.
type VerifiedClaims struct {
	UserID      string
	Role        string
	Permissions map[string]bool
	VerifiedAt  time.Time
}

// Has reports whether the named permission is granted.
func (c *VerifiedClaims) Has(name string) bool {
	return c != nil && c.Permissions[name]
}

// RoleAuthority is the slice of the authority the verifier needs.
type RoleAuthority interface {
	CurrentRole(ctx context.Context, accessToken string) (authority.RoleResult, error)
}

// IdentitySource is the slice of the credential store the verifier needs.
type IdentitySource interface {
	Load(ctx context.Context) (*credential.Credential, error)
	LoadIdentity(ctx context.Context) (*credential.Identity, error)
}

type cacheEntry struct {
	claims  *VerifiedClaims
	expires time.Time
}

// Verifier resolves and caches verified claims with a short TTL.
type Verifier struct {
	ttl   time.Duration
	auth  RoleAuthority
	store IdentitySource
	log   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

// NewVerifier constructs a Verifier. ttl <= 0 selects the 5 minute
// default; log may be nil.
func NewVerifier(ttl time.Duration, store IdentitySource, auth RoleAuthority, log *slog.Logger) *Verifier {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		ttl:   ttl,
		auth:  auth,
		store: store,
		log:   log,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// Verify returns the current verified claims, or nil when no identity is
// stored, the authority cannot be reached, or any validation fails. A
// mismatch between server and local identity purges the cache entry: the
// next call re-verifies from scratch instead of serving possibly forged
// data.
func (v *Verifier) Verify(ctx context.Context) *VerifiedClaims {
	id, err := v.store.LoadIdentity(ctx)
	if err != nil || id == nil {
		return nil
	}

	if vc := v.fresh(id.UserID); vc != nil {
		return vc
	}

	cred, err := v.store.Load(ctx)
	if err != nil || cred == nil {
		return nil
	}

	res, err := v.auth.CurrentRole(ctx, cred.AccessToken)
	if err != nil {
		v.log.Warn("claims.query.fail", "err", err)
		return nil
	}
	if !v.validShape(res) {
		v.purge(id.UserID)
		return nil
	}
	if res.UserID != id.UserID {
		v.log.Warn("claims.mismatch", "server_user_id", res.UserID, "local_user_id", id.UserID)
		v.purge(id.UserID)
		return nil
	}
	if sub := tokenSubject(cred.AccessToken); sub != "" && sub != id.UserID {
		v.log.Warn("claims.token.mismatch", "token_sub", sub, "local_user_id", id.UserID)
		v.purge(id.UserID)
		return nil
	}

	perms := make(map[string]bool, len(permissionFields))
	for _, f := range permissionFields {
		perms[f] = res.Permissions[f]
	}
	vc := &VerifiedClaims{
		UserID:      res.UserID,
		Role:        res.Role,
		Permissions: perms,
		VerifiedAt:  v.now(),
	}

	v.mu.Lock()
	v.cache[id.UserID] = cacheEntry{claims: vc, expires: vc.VerifiedAt.Add(v.ttl)}
	v.mu.Unlock()
	return vc
}

// HasPermission reports whether the named permission is verified as
// granted. False on any verification failure.
func (v *Verifier) HasPermission(ctx context.Context, name string) bool {
	return v.Verify(ctx).Has(name)
}

// HasRole reports whether the verified role equals role. False on any
// verification failure.
func (v *Verifier) HasRole(ctx context.Context, role string) bool {
	vc := v.Verify(ctx)
	return vc != nil && vc.Role == role
}

// CurrentRole returns the verified role, or "" when verification fails.
func (v *Verifier) CurrentRole(ctx context.Context) string {
	vc := v.Verify(ctx)
	if vc == nil {
		return ""
	}
	return vc.Role
}

// Reset drops the whole cache. Wired to the session's sign-out signal.
func (v *Verifier) Reset() {
	v.mu.Lock()
	v.cache = make(map[string]cacheEntry)
	v.mu.Unlock()
}

func (v *Verifier) fresh(userID string) *VerifiedClaims {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.cache[userID]
	if !ok || v.now().After(e.expires) {
		delete(v.cache, userID)
		return nil
	}
	return e.claims
}

func (v *Verifier) purge(userID string) {
	v.mu.Lock()
	delete(v.cache, userID)
	v.mu.Unlock()
}

// validShape enforces the exact response contract: success flag, non-empty
// identifiers, exactly the six known permission fields, and a raw record
// whose identifiers agree with the top-level answer.
func (v *Verifier) validShape(res authority.RoleResult) bool {
	reject := func(reason string) bool {
		v.log.Warn("claims.shape.reject", "reason", reason)
		return false
	}

	if !res.Success {
		return reject("success flag not set")
	}
	if res.UserID == "" || res.Role == "" {
		return reject("missing user_id or user_role")
	}
	if len(res.Permissions) != len(permissionFields) {
		return reject("unexpected permission field count")
	}
	for _, f := range permissionFields {
		if _, ok := res.Permissions[f]; !ok {
			return reject("missing permission field: " + f)
		}
	}
	if res.Raw.ID == "" {
		return reject("missing raw record id")
	}
	if res.Raw.UserID != res.UserID {
		return reject("raw record user_id disagrees")
	}
	if res.Raw.Role != res.Role {
		return reject("raw record role disagrees")
	}
	return true
}

// tokenSubject extracts the unverified subject claim from a JWT access
// token. Opaque (non-JWT) tokens yield "" and skip the cross-check.
// Signature verification is the authority's job, not ours; the subject is
// only used as a consistency signal against the stored identity.
func tokenSubject(accessToken string) string {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(accessToken, claims)
	if err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
