package rest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vimo-ai/vlaude/internal/authn"
	"github.com/vimo-ai/vlaude/internal/store"
	"github.com/vimo-ai/vlaude/internal/store/pathmap"
	"github.com/vimo-ai/vlaude/internal/wire"
)

// httptest.NewRequest hands every request the RemoteAddr 192.0.2.1:1234;
// trusting that block exercises the trusted-CIDR path without tokens.
const testTrustedCIDR = "192.0.2.0/24"

func writeKeypair(t *testing.T) (privPath, pubPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPath = filepath.Join(dir, "jwt.pub.pem")
	require.NoError(t, os.WriteFile(pubPath,
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0o600))

	privPath = filepath.Join(dir, "jwt.pem")
	require.NoError(t, os.WriteFile(privPath,
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600))
	return privPath, pubPath
}

// fixtureStore builds a store root with one project and one 3-message
// session, returning the store and the project's real path.
func fixtureStore(t *testing.T) (*store.Store, string, string) {
	t.Helper()
	root := t.TempDir()
	realPath := t.TempDir()
	encoded := pathmap.Encode(realPath)
	dir := filepath.Join(root, encoded)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	sessionID := "11111111-2222-3333-4444-555555555555"
	lines := []string{
		fmt.Sprintf(`{"type":"user","uuid":"u1","cwd":%q,"timestamp":"2026-07-01T10:00:00Z","message":{"role":"user","content":"hi"}}`, realPath),
		`{"type":"assistant","uuid":"a1","parentUuid":"u1","timestamp":"2026-07-01T10:00:05Z","message":{"role":"assistant","content":"hello","usage":{"input_tokens":10,"output_tokens":4}}}`,
		`{"type":"summary","uuid":"x1","timestamp":"2026-07-01T10:00:06Z"}`,
		`{"type":"user","uuid":"u2","parentUuid":"a1","timestamp":"2026-07-01T10:01:00Z","message":{"role":"user","content":"more"}}`,
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	pm := pathmap.New(root)
	require.NoError(t, pm.Preload())
	return store.New(pm), realPath, sessionID
}

func newTestServer(t *testing.T, withSigning bool) (*Server, string, string) {
	t.Helper()
	st, realPath, sessionID := fixtureStore(t)

	privPath, pubPath := writeKeypair(t)
	verifier, err := authn.NewVerifier(pubPath, []string{testTrustedCIDR})
	require.NoError(t, err)

	tokens, err := authn.OpenTokenStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tokens.Close() })

	signing := ""
	if withSigning {
		signing = privPath
	}
	s, err := New(st, verifier, tokens, signing, time.Hour)
	require.NoError(t, err)
	return s, realPath, sessionID
}

func doRequest(s *Server, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	s.Register(mux)
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestProjects_ListsEnvelope(t *testing.T) {
	s, realPath, _ := newTestServer(t, false)

	w := doRequest(s, http.MethodGet, "/projects", "")
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Success bool            `json:"success"`
		Data    []store.Project `json:"data"`
		Total   int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.True(t, env.Success)
	require.Equal(t, 1, env.Total)
	assert.Equal(t, realPath, env.Data[0].RealPath)
	assert.Equal(t, filepath.Base(realPath), env.Data[0].Name)
}

func TestSessionsByPath_NotFoundForUnknownProject(t *testing.T) {
	s, _, _ := newTestServer(t, false)

	w := doRequest(s, http.MethodGet, "/sessions/by-path?path=/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var apiErr wire.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.False(t, apiErr.Success)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
}

func TestSessionMessages_PaginatesAndFiltersInternal(t *testing.T) {
	s, realPath, sessionID := newTestServer(t, false)

	w := doRequest(s, http.MethodGet,
		"/sessions/"+sessionID+"/messages?projectPath="+realPath+"&limit=2&offset=0", "")
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Success bool              `json:"success"`
		Data    []json.RawMessage `json:"data"`
		Total   int               `json:"total"`
		HasMore bool              `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.True(t, env.Success)
	// 4 lines on disk, 1 summary filtered, limit 2.
	require.Len(t, env.Data, 2)
	assert.True(t, env.HasMore)

	var first struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(env.Data[0], &first))
	assert.Equal(t, "user", first.Type)
}

func TestSessionMessages_DescOrder(t *testing.T) {
	s, realPath, sessionID := newTestServer(t, false)

	w := doRequest(s, http.MethodGet,
		"/sessions/"+sessionID+"/messages?projectPath="+realPath+"&limit=1&order=desc", "")
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Len(t, env.Data, 1)

	var first struct {
		UUID string `json:"uuid"`
	}
	require.NoError(t, json.Unmarshal(env.Data[0], &first))
	assert.Equal(t, "u2", first.UUID, "desc slices from the transcript tail")
}

func TestAuthorize_RejectsUntrustedWithoutToken(t *testing.T) {
	st, _, _ := fixtureStore(t)
	_, pubPath := writeKeypair(t)
	// No trusted CIDRs: httptest's synthetic address must present a token.
	verifier, err := authn.NewVerifier(pubPath, nil)
	require.NoError(t, err)
	s, err := New(st, verifier, nil, "", time.Hour)
	require.NoError(t, err)

	w := doRequest(s, http.MethodGet, "/projects", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGenerateToken_MintsVerifiableToken(t *testing.T) {
	s, _, _ := newTestServer(t, true)

	w := doRequest(s, http.MethodPost, "/auth/generate-token", `{"subject":"phone-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.True(t, env.Success)
	require.NotEmpty(t, env.Data.Token)

	subject, _, err := s.verifier.VerifyBearer(env.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, "phone-1", subject)

	// Minting recorded bookkeeping metadata.
	list, err := s.tokens.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "phone-1", list[0].Subject)
	assert.False(t, list[0].Revoked)
}

func TestGenerateToken_DisabledWithoutSigningKey(t *testing.T) {
	s, _, _ := newTestServer(t, false)
	w := doRequest(s, http.MethodPost, "/auth/generate-token", `{"subject":"phone-1"}`)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRevokeToken_StopsBearerAccess(t *testing.T) {
	st, _, _ := fixtureStore(t)
	privPath, pubPath := writeKeypair(t)

	tokens, err := authn.OpenTokenStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tokens.Close() })

	// The admin server sees requests from a trusted address and can mint
	// and revoke; the public server trusts no one and accepts bearers only.
	trustedVerifier, err := authn.NewVerifier(pubPath, []string{testTrustedCIDR})
	require.NoError(t, err)
	admin, err := New(st, trustedVerifier, tokens, privPath, time.Hour)
	require.NoError(t, err)

	untrustedVerifier, err := authn.NewVerifier(pubPath, nil)
	require.NoError(t, err)
	public, err := New(st, untrustedVerifier, tokens, "", time.Hour)
	require.NoError(t, err)

	w := doRequest(admin, http.MethodPost, "/auth/generate-token", `{"subject":"phone-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	token := env.Data.Token

	mux := http.NewServeMux()
	public.Register(mux)
	r := httptest.NewRequest(http.MethodGet, "/projects", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code, "valid token authorizes before revocation")

	list, err := tokens.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	w = doRequest(admin, http.MethodPost, "/auth/revoke-token", `{"jti":"`+list[0].JTI+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/projects", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "revoked token no longer authorizes")
}

func TestRevokeToken_UnknownJTI(t *testing.T) {
	s, _, _ := newTestServer(t, true)
	w := doRequest(s, http.MethodPost, "/auth/revoke-token", `{"jti":"nope"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTokens_ReturnsAuditTrail(t *testing.T) {
	s, _, _ := newTestServer(t, true)

	w := doRequest(s, http.MethodPost, "/auth/generate-token", `{"subject":"phone-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, http.MethodGet, "/auth/tokens", "")
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Success bool                `json:"success"`
		Data    []authn.IssuedToken `json:"data"`
		Total   int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.True(t, env.Success)
	require.Equal(t, 1, env.Total)
	assert.Equal(t, "phone-1", env.Data[0].Subject)
}
