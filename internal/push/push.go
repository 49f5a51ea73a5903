// Package push delivers best-effort Web Push nudges to mobile clients
// whose WebSocket connection is not currently open, triggered by
// approval-request issuance. Delivery is advisory; the WS/HTTP approval
// round-trip stays authoritative.
package push

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/wire"
)

// Config carries the VAPID credentials provisioned in the server config.
type Config struct {
	Subject    string
	PublicKey  string
	PrivateKey string
}

// GenerateVAPIDKeys mints a fresh VAPID keypair for first-run setup.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("push: generate vapid keys: %w", err)
	}
	return publicKey, privateKey, nil
}

// Service holds per-client push subscriptions and sends nudges. Mobile
// clients register their browser/OS push subscription after connecting;
// registrations live only for the process lifetime, matching the advisory
// nature of the channel.
type Service struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]*webpush.Subscription // clientID -> subscription
}

// NewService returns a Service ready to accept registrations.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:  cfg,
		log:  logging.ForComponent(logging.CompHub),
		subs: make(map[string]*webpush.Subscription),
	}
}

// Register associates clientID with a push subscription (the JSON blob the
// client's push API hands it).
func (s *Service) Register(clientID string, subscriptionJSON []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(subscriptionJSON, &sub); err != nil {
		return fmt.Errorf("push: parse subscription: %w", err)
	}
	s.mu.Lock()
	s.subs[clientID] = &sub
	s.mu.Unlock()
	return nil
}

// Unregister drops clientID's subscription.
func (s *Service) Unregister(clientID string) {
	s.mu.Lock()
	delete(s.subs, clientID)
	s.mu.Unlock()
}

// Subscribed reports whether clientID has a registered subscription.
func (s *Service) Subscribed(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[clientID]
	return ok
}

// NotifyApprovalRequest implements hub.Notifier: a compact payload naming
// the tool and request so the mobile OS can surface a tap-through
// notification.
func (s *Service) NotifyApprovalRequest(clientID string, req wire.ApprovalRequestPayload) error {
	s.mu.Lock()
	sub, ok := s.subs[clientID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("push: no subscription for client %s", clientID)
	}

	payload, err := json.Marshal(map[string]string{
		"kind":        "approval-request",
		"requestId":   req.RequestID,
		"sessionId":   req.SessionID,
		"toolName":    req.ToolName,
		"description": req.Description,
	})
	if err != nil {
		return fmt.Errorf("push: marshal payload: %w", err)
	}

	resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             60,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("push: send: %w", err)
	}
	defer resp.Body.Close()

	// 404/410 mean the endpoint is gone; drop the registration so the next
	// nudge does not retry a dead subscription.
	if resp.StatusCode == 404 || resp.StatusCode == 410 {
		s.Unregister(clientID)
		s.log.Info("push_subscription_expired", slog.String("client_id", clientID))
	}
	return nil
}
