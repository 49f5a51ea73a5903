// Package rest serves the paginated project/session/message retrieval
// surface the mobile client consumes, plus token administration: mobile
// onboarding via POST /auth/generate-token, and trusted-only revocation
// and audit endpoints. Every response uses the shared
// success/data/message envelope; errors carry a machine-readable code.
package rest

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vimo-ai/vlaude/internal/authn"
	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/store"
	"github.com/vimo-ai/vlaude/internal/wire"
)

// Server bundles the REST handlers and their collaborators.
type Server struct {
	store      *store.Store
	verifier   *authn.Verifier
	tokens     *authn.TokenStore
	signingKey *rsa.PrivateKey
	tokenTTL   time.Duration
	log        *slog.Logger

	// tokenLimiter throttles onboarding: token minting gets its own budget,
	// checked before the caller is authorized.
	tokenLimiter *rate.Limiter
}

// New builds a REST server. privateKeyPath may be empty, in which case
// POST /auth/generate-token is disabled.
func New(st *store.Store, verifier *authn.Verifier, tokens *authn.TokenStore, privateKeyPath string, tokenTTL time.Duration) (*Server, error) {
	s := &Server{
		store:        st,
		verifier:     verifier,
		tokens:       tokens,
		tokenTTL:     tokenTTL,
		log:          logging.ForComponent(logging.CompREST),
		tokenLimiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
	}
	if privateKeyPath != "" {
		pemBytes, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return nil, err
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
		if err != nil {
			return nil, err
		}
		s.signingKey = key
	}
	return s, nil
}

// Register installs the REST routes onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/projects", s.handleProjects)
	mux.HandleFunc("/projects/", s.handleProjectByID)
	mux.HandleFunc("/sessions/by-path", s.handleSessionsByPath)
	mux.HandleFunc("/sessions/by-session-id/", s.handleSessionByID)
	mux.HandleFunc("/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/sessions", s.handleCreateSession)
	mux.HandleFunc("/auth/generate-token", s.handleGenerateToken)
	mux.HandleFunc("/auth/revoke-token", s.handleRevokeToken)
	mux.HandleFunc("/auth/tokens", s.handleListTokens)
}

// adminOnly restricts token administration to trusted addresses; a stolen
// bearer token must not be able to un-revoke itself or enumerate others.
func (s *Server) adminOnly(r *http.Request) bool {
	return s.verifier.IsTrustedAddr(r.RemoteAddr)
}

// authorize applies the same identity rules as the WebSocket endpoint:
// trusted CIDR, client certificate, or bearer token.
func (s *Server) authorize(r *http.Request) bool {
	if s.verifier.IsTrustedAddr(r.RemoteAddr) {
		return true
	}
	if _, ok := authn.VerifyPeerCert(r.TLS); ok {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return false
	}
	_, err := s.verifier.VerifyBearerWithStore(token, s.tokens)
	return err == nil
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	limit := queryInt(r, "limit", 0)
	projects, err := s.store.ListProjects(limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list projects")
		return
	}
	writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true, Data: projects, Total: len(projects)})
}

func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/projects/")
	if id == "" || strings.Contains(id, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "project id is required")
		return
	}

	projects, err := s.store.ListProjects(0)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list projects")
		return
	}
	for _, p := range projects {
		if p.EncodedDirName == id {
			writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true, Data: p})
			return
		}
	}
	writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "project not found")
}

func (s *Server) handleSessionsByPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	realPath := r.URL.Query().Get("path")
	if realPath == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "path is required")
		return
	}
	limit := queryInt(r, "limit", 0)
	sessions, err := s.store.ListSessions(realPath, limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "project not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true, Data: sessions, Total: len(sessions)})
}

// handleSessionByID scans projects for the session, since a bare sessionId
// does not identify its owning project directory.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	sid := strings.TrimPrefix(r.URL.Path, "/sessions/by-session-id/")
	if sid == "" || strings.Contains(sid, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}

	projects, err := s.store.ListProjects(0)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list projects")
		return
	}
	for _, p := range projects {
		sessions, err := s.store.ListSessions(p.RealPath, 0)
		if err != nil {
			continue
		}
		for _, sess := range sessions {
			if sess.SessionID == sid {
				writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true, Data: sess})
				return
			}
		}
	}
	writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
}

// handleSessionRoutes serves GET /sessions/{sid}/messages.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/sessions/by-session-id/") {
		s.handleSessionByID(w, r)
		return
	}
	if strings.HasSuffix(r.URL.Path, "/messages") {
		s.handleSessionMessages(w, r)
		return
	}
	writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	sid := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/messages")
	if sid == "" || strings.Contains(sid, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}
	realPath := r.URL.Query().Get("projectPath")
	if realPath == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "projectPath is required")
		return
	}

	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	order := store.OrderAsc
	if r.URL.Query().Get("order") == string(store.OrderDesc) {
		order = store.OrderDesc
	}

	messages, err := s.store.ReadMessages(sid, realPath, limit, offset, order)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read messages")
		return
	}

	raw := make([]json.RawMessage, len(messages))
	for i := range messages {
		raw[i] = json.RawMessage(messages[i].Raw)
	}
	writeJSON(w, http.StatusOK, wire.APIEnvelope{
		Success: true,
		Data:    raw,
		Total:   len(raw),
		HasMore: limit > 0 && len(raw) == limit,
	})
}

// handleCreateSession validates the project path; the session itself is
// created by the assistant on first input and picked up by the Daemon's
// new-session detector.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	var req struct {
		ProjectPath string `json:"projectPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectPath == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "projectPath is required")
		return
	}
	info, err := os.Stat(req.ProjectPath)
	if err != nil || !info.IsDir() {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "project path does not exist")
		return
	}
	writeJSON(w, http.StatusOK, wire.APIEnvelope{
		Success: true,
		Data:    map[string]string{"realPath": req.ProjectPath},
		Message: "session will be created on first message",
	})
}

// handleGenerateToken mints an RS256 bearer token for mobile onboarding and
// records its metadata for audit/revocation.
func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.signingKey == nil {
		writeAPIError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "token minting is not configured")
		return
	}
	if !s.tokenLimiter.Allow() {
		writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many token requests")
		return
	}
	// Onboarding happens from a device already on the trusted network, or
	// one that proves possession of an existing identity.
	if !s.authorize(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	var req struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "subject is required")
		return
	}

	now := time.Now()
	jti := uuid.NewString()
	claims := jwt.RegisteredClaims{
		ID:        jti,
		Subject:   req.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.signingKey)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to sign token")
		return
	}

	if s.tokens != nil {
		if err := s.tokens.Record(authn.IssuedToken{
			JTI:       jti,
			Subject:   req.Subject,
			IssuedAt:  now,
			ExpiresAt: now.Add(s.tokenTTL),
		}); err != nil {
			s.log.Warn("token_record_failed", slog.String("jti", jti), slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, wire.APIEnvelope{
		Success: true,
		Data: map[string]any{
			"token":     signed,
			"expiresAt": now.Add(s.tokenTTL),
		},
	})
}

// handleRevokeToken marks an issued token as revoked by its jti; every
// bearer check consults the revocation flag after signature verification,
// so the token stops working immediately.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.tokens == nil {
		writeAPIError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "token store is not configured")
		return
	}
	if !s.adminOnly(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	var req struct {
		JTI string `json:"jti"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JTI == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "jti is required")
		return
	}
	if err := s.tokens.Revoke(req.JTI); err != nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true})
}

// handleListTokens returns the issued-token audit trail (metadata only,
// never the tokens themselves).
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.tokens == nil {
		writeAPIError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "token store is not configured")
		return
	}
	if !s.adminOnly(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	list, err := s.tokens.List()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list tokens")
		return
	}
	writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true, Data: list, Total: len(list)})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, wire.APIError{Success: false, Code: code, Message: message})
}
