package credential

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCredential() Credential {
	return Credential{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Generation:   NewGeneration(time.Now()),
		IssuedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

func testIdentity() Identity {
	return Identity{
		UserID:   "u-100",
		Username: "dana",
		Email:    "dana@example.test",
		Role:     "operator",
		Admin:    false,
	}
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	st := NewStore(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	cred, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred, "empty store must load nil")

	want := testCredential()
	wantID := testIdentity()
	require.NoError(t, st.Save(ctx, want, wantID))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	gotID, err := st.LoadIdentity(ctx)
	require.NoError(t, err)
	require.NotNil(t, gotID)
	assert.Equal(t, wantID, *gotID)
}

func TestStore_CredentialPairIsOneRecord(t *testing.T) {
	t.Parallel()

	kv := NewMemoryStore()
	st := NewStore(kv, nil, nil)
	ctx := context.Background()

	require.NoError(t, st.Save(ctx, testCredential(), testIdentity()))

	next := Credential{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		Generation:   NewGeneration(time.Now()),
		IssuedAt:     time.Now().UTC(),
	}
	require.NoError(t, st.SaveCredential(ctx, next))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Both tokens must come from the same generation.
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Equal(t, "refresh-2", got.RefreshToken)
	assert.Equal(t, next.Generation, got.Generation)
}

func TestStore_PatchIdentity(t *testing.T) {
	t.Parallel()

	st := NewStore(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	err := st.PatchIdentity(ctx, IdentityPatch{})
	assert.ErrorIs(t, err, ErrNoIdentity)

	require.NoError(t, st.Save(ctx, testCredential(), testIdentity()))

	name := "dana.w"
	require.NoError(t, st.PatchIdentity(ctx, IdentityPatch{Username: &name}))

	got, err := st.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dana.w", got.Username)
	assert.Equal(t, "u-100", got.UserID, "unpatched fields stay")
	assert.Equal(t, "operator", got.Role)
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	t.Parallel()

	st := NewStore(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	require.NoError(t, st.Save(ctx, testCredential(), testIdentity()))

	st.Clear(ctx)
	st.Clear(ctx) // second clear must be a no-op, not a panic or error

	cred, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)

	id, err := st.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestSealer_RoundtripAndTamper(t *testing.T) {
	t.Parallel()

	key := hex.EncodeToString(make([]byte, 32))
	sealer, err := NewSealerFromHex(key)
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte(`{"access_token":"a"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "access_token")

	plain, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"a"}`, string(plain))

	sealed[len(sealed)-1] ^= 0xff
	_, err = sealer.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedRecord)

	_, err = sealer.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrSealedRecord)
}

func TestSealer_BadKey(t *testing.T) {
	t.Parallel()

	_, err := NewSealerFromHex("not-hex")
	assert.ErrorIs(t, err, ErrSealKey)

	_, err = NewSealerFromHex("abcd")
	assert.ErrorIs(t, err, ErrSealKey)
}

func TestStore_SealedRoundtrip(t *testing.T) {
	t.Parallel()

	key := hex.EncodeToString(make([]byte, 32))
	sealer, err := NewSealerFromHex(key)
	require.NoError(t, err)

	kv := NewMemoryStore()
	st := NewStore(kv, sealer, nil)
	ctx := context.Background()

	want := testCredential()
	require.NoError(t, st.SaveCredential(ctx, want))

	// Raw record must not expose the tokens.
	raw, err := kv.Get(ctx, "beacon.credential")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), want.AccessToken)

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestSQLiteStore_Roundtrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv, err := NewSQLiteStore(ctx, t.TempDir()+"/beacon.db")
	require.NoError(t, err)
	defer kv.Close()

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "k", []byte("v1")))
	require.NoError(t, kv.Set(ctx, "k", []byte("v2")))

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, kv.Delete(ctx, "k"))
	require.NoError(t, kv.Delete(ctx, "k"))

	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "none", Fingerprint(""))
	fp := Fingerprint("secret-token")
	assert.Len(t, fp, 8)
	assert.Equal(t, fp, Fingerprint("secret-token"))
	assert.NotEqual(t, fp, Fingerprint("other-token"))
}
