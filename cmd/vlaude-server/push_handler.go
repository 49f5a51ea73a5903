package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/vimo-ai/vlaude/internal/authn"
	"github.com/vimo-ai/vlaude/internal/push"
	"github.com/vimo-ai/vlaude/internal/wire"
)

// pushSubscribeHandler lets an authenticated mobile client register its Web
// Push subscription, keyed by the clientId it was assigned on connect.
func pushSubscribeHandler(svc *push.Service, verifier *authn.Verifier, tokens *authn.TokenStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		if !authorized(r, verifier, tokens) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}

		var req struct {
			ClientID     string          `json:"clientId"`
			Subscription json.RawMessage `json:"subscription"`
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil || json.Unmarshal(body, &req) != nil || req.ClientID == "" || len(req.Subscription) == 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "clientId and subscription are required")
			return
		}
		if err := svc.Register(req.ClientID, req.Subscription); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wire.APIEnvelope{Success: true})
	}
}

func authorized(r *http.Request, verifier *authn.Verifier, tokens *authn.TokenStore) bool {
	if verifier.IsTrustedAddr(r.RemoteAddr) {
		return true
	}
	if _, ok := authn.VerifyPeerCert(r.TLS); ok {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return false
	}
	_, err := verifier.VerifyBearerWithStore(token, tokens)
	return err == nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.APIError{Success: false, Code: code, Message: message})
}
