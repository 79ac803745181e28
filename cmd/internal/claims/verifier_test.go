package claims

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/cmd/internal/authority"
	"beacon/cmd/internal/credential"
)

type fakeSource struct {
	cred *credential.Credential
	id   *credential.Identity
}

func (f fakeSource) Load(ctx context.Context) (*credential.Credential, error) {
	return f.cred, nil
}

func (f fakeSource) LoadIdentity(ctx context.Context) (*credential.Identity, error) {
	return f.id, nil
}

type fakeRole struct {
	mu    sync.Mutex
	res   authority.RoleResult
	err   error
	calls int
}

func (f *fakeRole) CurrentRole(ctx context.Context, accessToken string) (authority.RoleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

func (f *fakeRole) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func goodResult() authority.RoleResult {
	return authority.RoleResult{
		Success: true,
		UserID:  "u-1",
		Role:    "admin",
		Permissions: map[string]bool{
			"create": true, "read": true, "write": true,
			"delete": false, "execute": false, "assign": true,
		},
		Raw: authority.RawPermissionRecord{ID: "perm-1", UserID: "u-1", Role: "admin"},
	}
}

func testSource() fakeSource {
	return fakeSource{
		cred: &credential.Credential{AccessToken: "opaque-token", RefreshToken: "r"},
		id:   &credential.Identity{UserID: "u-1", Username: "sam", Role: "admin"},
	}
}

func TestVerifyCachesWithinTTL(t *testing.T) {
	role := &fakeRole{res: goodResult()}
	v := NewVerifier(0, testSource(), role, testLogger())

	vc := v.Verify(context.Background())
	require.NotNil(t, vc)
	assert.Equal(t, "u-1", vc.UserID)
	assert.Equal(t, "admin", vc.Role)
	assert.True(t, vc.Has("read"))
	assert.False(t, vc.Has("delete"))

	vc2 := v.Verify(context.Background())
	require.NotNil(t, vc2)
	assert.Equal(t, 1, role.callCount())
}

func TestVerifyTTLExpiryRefetches(t *testing.T) {
	role := &fakeRole{res: goodResult()}
	v := NewVerifier(time.Minute, testSource(), role, testLogger())

	clock := time.Now()
	v.now = func() time.Time { return clock }

	require.NotNil(t, v.Verify(context.Background()))
	require.Equal(t, 1, role.callCount())

	clock = clock.Add(2 * time.Minute)
	require.NotNil(t, v.Verify(context.Background()))
	assert.Equal(t, 2, role.callCount())
}

func TestVerifyWithoutIdentity(t *testing.T) {
	role := &fakeRole{res: goodResult()}
	v := NewVerifier(0, fakeSource{}, role, testLogger())

	assert.Nil(t, v.Verify(context.Background()))
	assert.Zero(t, role.callCount())
}

func TestVerifyAuthorityFailureFailsClosed(t *testing.T) {
	role := &fakeRole{err: errors.New("whoami unreachable")}
	v := NewVerifier(0, testSource(), role, testLogger())

	assert.Nil(t, v.Verify(context.Background()))
	assert.False(t, v.HasPermission(context.Background(), "read"))
	assert.False(t, v.HasRole(context.Background(), "admin"))
	assert.Empty(t, v.CurrentRole(context.Background()))
}

func TestVerifyUserMismatchPurges(t *testing.T) {
	role := &fakeRole{res: goodResult()}
	v := NewVerifier(0, testSource(), role, testLogger())

	require.NotNil(t, v.Verify(context.Background()))

	// The server starts answering for a different user: the cached entry
	// must not keep serving the old answer.
	forged := goodResult()
	forged.UserID = "u-666"
	forged.Raw.UserID = "u-666"
	role.mu.Lock()
	role.res = forged
	role.mu.Unlock()

	// Cache still fresh, so the forged answer is not observed yet.
	require.NotNil(t, v.Verify(context.Background()))

	v.Reset()
	assert.Nil(t, v.Verify(context.Background()))

	// Purged, not cached: every subsequent call re-verifies.
	before := role.callCount()
	assert.Nil(t, v.Verify(context.Background()))
	assert.Equal(t, before+1, role.callCount())
}

func TestVerifyShapeViolations(t *testing.T) {
	cases := map[string]func(*authority.RoleResult){
		"success flag unset":   func(r *authority.RoleResult) { r.Success = false },
		"empty user id":        func(r *authority.RoleResult) { r.UserID = "" },
		"empty role":           func(r *authority.RoleResult) { r.Role = "" },
		"missing permission":   func(r *authority.RoleResult) { delete(r.Permissions, "assign") },
		"extra permission":     func(r *authority.RoleResult) { r.Permissions["destroy"] = true },
		"renamed permission":   func(r *authority.RoleResult) { delete(r.Permissions, "read"); r.Permissions["view"] = true },
		"missing raw id":       func(r *authority.RoleResult) { r.Raw.ID = "" },
		"raw user disagrees":   func(r *authority.RoleResult) { r.Raw.UserID = "u-2" },
		"raw role disagrees":   func(r *authority.RoleResult) { r.Raw.Role = "user" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			res := goodResult()
			mutate(&res)
			v := NewVerifier(0, testSource(), &fakeRole{res: res}, testLogger())
			assert.Nil(t, v.Verify(context.Background()))
		})
	}
}

func TestVerifyTokenSubjectCrossCheck(t *testing.T) {
	signed := func(sub string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).
			SignedString([]byte("test-key"))
		require.NoError(t, err)
		return tok
	}

	src := testSource()
	src.cred = &credential.Credential{AccessToken: signed("u-1"), RefreshToken: "r"}
	v := NewVerifier(0, src, &fakeRole{res: goodResult()}, testLogger())
	assert.NotNil(t, v.Verify(context.Background()))

	src.cred = &credential.Credential{AccessToken: signed("somebody-else"), RefreshToken: "r"}
	v = NewVerifier(0, src, &fakeRole{res: goodResult()}, testLogger())
	assert.Nil(t, v.Verify(context.Background()))
}

func TestResetDropsCache(t *testing.T) {
	role := &fakeRole{res: goodResult()}
	v := NewVerifier(0, testSource(), role, testLogger())

	require.NotNil(t, v.Verify(context.Background()))
	require.Equal(t, 1, role.callCount())

	v.Reset()
	require.NotNil(t, v.Verify(context.Background()))
	assert.Equal(t, 2, role.callCount())
}
