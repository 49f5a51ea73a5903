package daemonlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vimo-ai/vlaude/internal/wire"
)

// recordingDaemon captures the last request per path and serves canned
// responses.
type recordingDaemon struct {
	mu        sync.Mutex
	bodies    map[string]json.RawMessage
	responses map[string]any
}

func newRecordingDaemon() *recordingDaemon {
	return &recordingDaemon{
		bodies:    make(map[string]json.RawMessage),
		responses: make(map[string]any),
	}
}

func (d *recordingDaemon) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		d.mu.Lock()
		d.bodies[r.URL.Path] = body
		resp, ok := d.responses[r.URL.Path]
		d.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			resp = wire.APIEnvelope{Success: true}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func (d *recordingDaemon) body(t *testing.T, path string, dst any) {
	t.Helper()
	d.mu.Lock()
	raw, ok := d.bodies[path]
	d.mu.Unlock()
	require.True(t, ok, "no request recorded for %s", path)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func TestSendMessage_PostsExpectedBody(t *testing.T) {
	d := newRecordingDaemon()
	srv := httptest.NewServer(d.handler())
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.SendMessage(context.Background(), "s1", "hello", "/p", "client-9"))

	var req wire.SendMessageRequest
	d.body(t, "/sessions/send-message", &req)
	assert.Equal(t, "s1", req.SessionID)
	assert.Equal(t, "hello", req.Text)
	assert.Equal(t, "/p", req.RealPath)
	assert.Equal(t, "client-9", req.ClientID)
}

func TestCheckLoading_DecodesResponse(t *testing.T) {
	d := newRecordingDaemon()
	d.responses["/sessions/check-loading"] = wire.CheckLoadingResponse{Loading: true}
	srv := httptest.NewServer(d.handler())
	defer srv.Close()

	c := NewClient(srv.URL)
	loading, err := c.CheckLoading(context.Background(), "s1", "/p")
	require.NoError(t, err)
	assert.True(t, loading)
}

func TestApprovalResponse_ReportsRejection(t *testing.T) {
	d := newRecordingDaemon()
	d.responses["/approvals/response"] = wire.ApprovalDecisionResponse{Accepted: false}
	srv := httptest.NewServer(d.handler())
	defer srv.Close()

	c := NewClient(srv.URL)
	accepted, err := c.ApprovalResponse(context.Background(), "r1", true, "")
	require.NoError(t, err)
	assert.False(t, accepted)

	var req wire.ApprovalDecisionRequest
	d.body(t, "/approvals/response", &req)
	assert.Equal(t, "r1", req.RequestID)
	assert.True(t, req.Approved)
}

func TestPost_SurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.ReleaseWatch(context.Background(), "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestFindNewSession_Found(t *testing.T) {
	d := newRecordingDaemon()
	d.responses["/sessions/find-new"] = wire.FindNewResponse{SessionID: "abc", Found: true}
	srv := httptest.NewServer(d.handler())
	defer srv.Close()

	c := NewClient(srv.URL)
	sid, found, err := c.FindNewSession(context.Background(), "/p")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc", sid)
}
