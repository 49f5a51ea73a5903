package authn

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKeypair(t *testing.T) (priv *rsa.PrivateKey, pubPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	dir := t.TempDir()
	path := filepath.Join(dir, "jwt.pub.pem")
	require.NoError(t, os.WriteFile(path, pubPEM, 0o600))
	return key, path
}

func TestVerifyBearer_ValidToken(t *testing.T) {
	priv, pubPath := writeTestKeypair(t)
	v, err := NewVerifier(pubPath, nil)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "mobile-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	require.NoError(t, err)

	subject, _, err := v.VerifyBearer(signed)
	require.NoError(t, err)
	assert.Equal(t, "mobile-1", subject)
}

func TestVerifyBearer_RejectsExpired(t *testing.T) {
	priv, pubPath := writeTestKeypair(t)
	v, err := NewVerifier(pubPath, nil)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "mobile-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	require.NoError(t, err)

	_, _, err = v.VerifyBearer(signed)
	assert.Error(t, err)
}

func TestVerifyBearer_RejectsWrongKey(t *testing.T) {
	_, pubPath := writeTestKeypair(t)
	otherPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	v, err := NewVerifier(pubPath, nil)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "mobile-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(otherPriv)
	require.NoError(t, err)

	_, _, err = v.VerifyBearer(signed)
	assert.Error(t, err)
}

func TestIsTrustedAddr(t *testing.T) {
	_, pubPath := writeTestKeypair(t)
	v, err := NewVerifier(pubPath, []string{"127.0.0.1/32", "10.0.0.0/8"})
	require.NoError(t, err)

	assert.True(t, v.IsTrustedAddr("127.0.0.1:5050"))
	assert.True(t, v.IsTrustedAddr("10.1.2.3:9000"))
	assert.False(t, v.IsTrustedAddr("8.8.8.8:443"))
	assert.False(t, v.IsTrustedAddr("not-an-addr"))
}

func TestTokenStore_RecordAndRevoke(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenTokenStore(filepath.Join(dir, "tokens.db"))
	require.NoError(t, err)
	defer store.Close()

	tok := IssuedToken{JTI: "jti-1", Subject: "mobile-1", IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.Record(tok))

	revoked, err := store.IsRevoked("jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, store.Revoke("jti-1"))

	revoked, err = store.IsRevoked("jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestTokenStore_RevokeUnknownErrors(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenTokenStore(filepath.Join(dir, "tokens.db"))
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Revoke("ghost"))
}

func TestTokenStore_List(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenTokenStore(filepath.Join(dir, "tokens.db"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	require.NoError(t, store.Record(IssuedToken{JTI: "a", Subject: "s1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, store.Record(IssuedToken{JTI: "b", Subject: "s2", IssuedAt: now.Add(time.Minute), ExpiresAt: now.Add(2 * time.Hour)}))

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].JTI)
	assert.Equal(t, "b", all[1].JTI)
}

func TestVerifyBearerWithStore_RejectsRevoked(t *testing.T) {
	priv, pubPath := writeTestKeypair(t)
	v, err := NewVerifier(pubPath, nil)
	require.NoError(t, err)

	tokens, err := OpenTokenStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	defer tokens.Close()

	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        "jti-1",
		Subject:   "mobile-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	require.NoError(t, err)
	require.NoError(t, tokens.Record(IssuedToken{
		JTI: "jti-1", Subject: "mobile-1", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	subject, err := v.VerifyBearerWithStore(signed, tokens)
	require.NoError(t, err)
	assert.Equal(t, "mobile-1", subject)

	require.NoError(t, tokens.Revoke("jti-1"))

	_, err = v.VerifyBearerWithStore(signed, tokens)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")
}

func TestVerifyBearerWithStore_NilStoreSkipsCheck(t *testing.T) {
	priv, pubPath := writeTestKeypair(t)
	v, err := NewVerifier(pubPath, nil)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "mobile-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	require.NoError(t, err)

	subject, err := v.VerifyBearerWithStore(signed, nil)
	require.NoError(t, err)
	assert.Equal(t, "mobile-1", subject)
}
