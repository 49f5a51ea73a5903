// Package wire defines the JSON frames exchanged on the Server's WebSocket
// endpoint, plus the HTTP payloads exchanged between Server and Daemon. A
// frame carries an event name and an opaque data payload, and every event
// on the wire gets its own typed payload instead of one shared struct with
// a pile of omitempty fields.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names sent by a client (CLI or mobile) to the Server.
const (
	EventJoin                = "join"
	EventLeave               = "leave"
	EventSessionSubscribe    = "session:subscribe"
	EventSessionUnsubscribe  = "session:unsubscribe"
	EventMessageSend         = "message:send"
	EventCLIReportUUID       = "cli:reportUUID"
	EventCLIRequestExitLocal = "cli:requestExitRemote"
	EventCLIResumeLocal      = "cli:resumeLocal"
	EventWatchNewSession     = "watch-new-session"
	EventFindNewSession      = "find-new-session"
	EventApprovalResponse    = "approval-response"
)

// Event names pushed by the Server to a client.
const (
	EventMessageNew             = "message:new"
	EventProjectUpdated         = "project:updated"
	EventSessionUpdated         = "session:updated"
	EventStatuslineMetrics      = "statusline:metricsUpdate"
	EventRemoteConnect          = "remote-connect"
	EventRemoteDisconnect       = "remote-disconnect"
	EventSessionConfirmed       = "server:sessionConfirmed"
	EventExitRemoteAllowed      = "server:exitRemoteAllowed"
	EventExitRemoteDenied       = "server:exitRemoteDenied"
	EventNewSessionCreated      = "new-session-created"
	EventNewSessionFound        = "found"
	EventNewSessionNotFound     = "not-found"
	EventWatchStarted           = "watch-started"
	EventApprovalRequest        = "approval-request"
	EventApprovalTimeout        = "approval-timeout"
	EventApprovalExpired        = "approval-expired"
	EventSDKError               = "sdk-error"
	EventError                  = "error"
	EventConnected              = "connected"
	EventHeartbeat              = "heartbeat"
)

// Frame is the envelope every WebSocket message is wrapped in.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a typed payload into a Frame ready for conn.WriteJSON.
func Encode(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Decode unmarshals a Frame's Data into dst.
func (f Frame) Decode(dst any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("wire: decode %s: %w", f.Event, err)
	}
	return nil
}

// ClientType identifies which kind of endpoint owns a connection.
type ClientType string

const (
	ClientCLI    ClientType = "cli"
	ClientMobile ClientType = "mobile"
)

// --- client -> server payloads ---

type JoinPayload struct {
	SessionID  string     `json:"sessionId"`
	ClientType ClientType `json:"clientType"`
	RealPath   string     `json:"realPath"`
}

type SessionSubscribePayload struct {
	SessionID string `json:"sessionId"`
	RealPath  string `json:"realPath"`
}

type SessionUnsubscribePayload struct {
	SessionID string `json:"sessionId"`
}

type MessageSendPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type ReportUUIDPayload struct {
	UUID     string `json:"uuid"`
	RealPath string `json:"realPath"`
}

type RequestExitRemotePayload struct {
	SessionID string `json:"sessionId"`
}

type ResumeLocalPayload struct {
	SessionID string `json:"sessionId"`
}

type WatchNewSessionPayload struct {
	RealPath string `json:"realPath"`
}

type ApprovalResponsePayload struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// --- server -> client payloads ---

type MessageNewPayload struct {
	SessionID string          `json:"sessionId"`
	Message   json.RawMessage `json:"message"`
}

type ProjectUpdatedPayload struct {
	RealPath string `json:"realPath"`
	Metadata any    `json:"metadata"`
}

type SessionUpdatedPayload struct {
	SessionID string `json:"sessionId"`
	Metadata  any    `json:"metadata"`
}

type MetricsUpdatePayload struct {
	SessionID         string    `json:"sessionId"`
	Connected         bool      `json:"connected"`
	Mode              string    `json:"mode"`
	ContextLength     int       `json:"contextLength"`
	ContextPercentage float64   `json:"contextPercentage"`
	InputTokens       int64     `json:"inputTokens"`
	OutputTokens      int64     `json:"outputTokens"`
	Timestamp         time.Time `json:"timestamp"`
}

type SessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionConfirmedPayload struct {
	SessionID string `json:"sessionId"`
}

type ExitRemoteDeniedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type NewSessionResultPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	RealPath  string `json:"realPath"`
}

type ApprovalRequestPayload struct {
	RequestID   string          `json:"requestId"`
	SessionID   string          `json:"sessionId"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input"`
	ToolUseID   string          `json:"toolUseId"`
	Description string          `json:"description"`
}

type ApprovalTimeoutPayload struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

type ApprovalExpiredPayload struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

type SDKErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type SDKErrorPayload struct {
	SessionID string         `json:"sessionId"`
	Error     SDKErrorDetail `json:"error"`
}

type LeavePayload struct {
	SessionID string `json:"sessionId"`
}

// ErrorPayload is sent in response to a protocol violation; no state change accompanies it.
type ErrorPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// --- Daemon -> Server push payloads ---

// DaemonApprovalRequestPayload is the Daemon's approval-request push. It
// carries the target mobile client (chosen by the Daemon as the most recent
// requester on the session) alongside the client-facing payload; the Hub
// strips TargetClientID before forwarding.
type DaemonApprovalRequestPayload struct {
	ApprovalRequestPayload
	TargetClientID string `json:"targetClientId"`
}

// --- Server <-> Daemon HTTP payloads ---

// SendMessageRequest is the body of POST /sessions/send-message.
type SendMessageRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	RealPath  string `json:"realPath"`
	ClientID  string `json:"clientId"`
}

// CheckLoadingRequest is the body of POST /sessions/check-loading.
type CheckLoadingRequest struct {
	SessionID string `json:"sessionId"`
	RealPath  string `json:"realPath"`
}

// CheckLoadingResponse is the response body of POST /sessions/check-loading.
type CheckLoadingResponse struct {
	Loading bool `json:"loading"`
}

// WatchRequest is the body of POST /sessions/watch and /sessions/unwatch
// (the Server's ref-counted acquire/release of a Daemon-side transcript
// watcher) and of /sessions/resume-push.
type WatchRequest struct {
	SessionID string `json:"sessionId"`
	RealPath  string `json:"realPath,omitempty"`
}

// WatchNewRequest is the body of POST /sessions/watch-new and
// /sessions/find-new.
type WatchNewRequest struct {
	RealPath string `json:"realPath"`
	ClientID string `json:"clientId"`
}

// FindNewResponse is the response body of POST /sessions/find-new.
type FindNewResponse struct {
	SessionID string `json:"sessionId,omitempty"`
	Found     bool   `json:"found"`
}

// ApprovalDecisionRequest is the body of POST /approvals/response, the
// Server forwarding a mobile client's decision back to the Daemon.
type ApprovalDecisionRequest struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// ApprovalDecisionResponse reports whether the Daemon accepted the decision
// as authoritative; false means the request had already timed out and the
// late response surfaces as approval-expired.
type ApprovalDecisionResponse struct {
	Accepted bool `json:"accepted"`
}

// APIError is the standard REST error shape.
type APIError struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIEnvelope is the standard REST success shape.
type APIEnvelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Total   int    `json:"total,omitempty"`
	HasMore bool   `json:"hasMore,omitempty"`
}
