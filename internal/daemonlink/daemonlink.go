// Package daemonlink carries Server<->Daemon traffic. The two directions
// are deliberately asymmetric to keep each side's transport listener
// independent: the Server initiates HTTP POSTs to the Daemon, and the
// Daemon holds one outbound WebSocket to the Server for all pushes,
// redialing forever with exponential backoff capped at 5 seconds.
package daemonlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vimo-ai/vlaude/internal/wire"
)

// Client is the Server's HTTP client to the Daemon, implementing
// hub.DaemonControl.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for the Daemon at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("daemonlink: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("daemonlink: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemonlink: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daemonlink: post %s: status %d: %s", path, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("daemonlink: decode %s response: %w", path, err)
		}
	}
	return nil
}

// SendMessage delivers a mobile-originated input to the Daemon's assistant
// via POST /sessions/send-message.
func (c *Client) SendMessage(ctx context.Context, sessionID, text, realPath, clientID string) error {
	return c.post(ctx, "/sessions/send-message", wire.SendMessageRequest{
		SessionID: sessionID,
		Text:      text,
		RealPath:  realPath,
		ClientID:  clientID,
	}, nil)
}

// CheckLoading is the ModeArbiter's loading probe, POST
// /sessions/check-loading.
func (c *Client) CheckLoading(ctx context.Context, sessionID, realPath string) (bool, error) {
	var out wire.CheckLoadingResponse
	err := c.post(ctx, "/sessions/check-loading", wire.CheckLoadingRequest{
		SessionID: sessionID,
		RealPath:  realPath,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Loading, nil
}

// AcquireWatch increments the Daemon-side watcher refcount for sessionID.
func (c *Client) AcquireWatch(ctx context.Context, sessionID, realPath string) error {
	return c.post(ctx, "/sessions/watch", wire.WatchRequest{SessionID: sessionID, RealPath: realPath}, nil)
}

// ReleaseWatch decrements the Daemon-side watcher refcount for sessionID.
func (c *Client) ReleaseWatch(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/sessions/unwatch", wire.WatchRequest{SessionID: sessionID}, nil)
}

// WatchNewSession arms a single-fire NewSessionDetector for realPath on
// behalf of clientID.
func (c *Client) WatchNewSession(ctx context.Context, realPath, clientID string) error {
	return c.post(ctx, "/sessions/watch-new", wire.WatchNewRequest{RealPath: realPath, ClientID: clientID}, nil)
}

// FindNewSession asks the Daemon for a transcript created very recently
// under realPath, answering a find-new-session request.
func (c *Client) FindNewSession(ctx context.Context, realPath string) (string, bool, error) {
	var out wire.FindNewResponse
	err := c.post(ctx, "/sessions/find-new", wire.WatchNewRequest{RealPath: realPath}, &out)
	if err != nil {
		return "", false, err
	}
	return out.SessionID, out.Found, nil
}

// ResumePush lifts the Daemon's watcher-push pause for sessionID, the
// cli:resumeLocal side effect.
func (c *Client) ResumePush(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/sessions/resume-push", wire.WatchRequest{SessionID: sessionID}, nil)
}

// ApprovalResponse forwards a mobile decision. accepted=false means the
// Daemon had already timed the request out.
func (c *Client) ApprovalResponse(ctx context.Context, requestID string, approved bool, reason string) (bool, error) {
	var out wire.ApprovalDecisionResponse
	err := c.post(ctx, "/approvals/response", wire.ApprovalDecisionRequest{
		RequestID: requestID,
		Approved:  approved,
		Reason:    reason,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Accepted, nil
}
