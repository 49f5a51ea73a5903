package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vimo-ai/vlaude/internal/eventbus"
)

func collectEvents(bus *eventbus.EventBus) (*[]eventbus.Event, func()) {
	var events []eventbus.Event
	unsub := bus.Subscribe(func(e eventbus.Event) {
		events = append(events, e)
	})
	return &events, unsub
}

func TestIssue_EmitsApprovalRequest(t *testing.T) {
	bus := eventbus.New()
	events, _ := collectEvents(bus)
	b := New(bus, nil)

	req := Request{RequestID: "r1", SessionID: "s1", ToolName: "Bash", Deadline: time.Now().Add(time.Hour)}
	b.Issue(req, true)

	require.Len(t, *events, 1)
	assert.Equal(t, eventbus.EventApprovalRequest, (*events)[0].Type)
	assert.True(t, b.Pending("r1"))
}

func TestRespond_ResolvesOnce(t *testing.T) {
	bus := eventbus.New()
	b := New(bus, nil)
	req := Request{RequestID: "r1", SessionID: "s1", Deadline: time.Now().Add(time.Hour)}
	b.Issue(req, true)

	resolved, ok := b.Respond("r1", true, "")
	require.True(t, ok)
	assert.Equal(t, "r1", resolved.RequestID)
	assert.False(t, b.Pending("r1"))
}

func TestRespond_UnknownRequestEmitsExpired(t *testing.T) {
	bus := eventbus.New()
	events, _ := collectEvents(bus)
	b := New(bus, nil)

	_, ok := b.Respond("ghost", true, "")
	assert.False(t, ok)

	require.Len(t, *events, 1)
	assert.Equal(t, eventbus.EventApprovalExpired, (*events)[0].Type)
}

func TestRespond_DuplicateAfterResolveIsRejected(t *testing.T) {
	bus := eventbus.New()
	b := New(bus, nil)
	req := Request{RequestID: "r1", SessionID: "s1", Deadline: time.Now().Add(time.Hour)}
	b.Issue(req, true)
	_, _ = b.Respond("r1", true, "")

	events, _ := collectEvents(bus)
	_, ok := b.Respond("r1", false, "")
	assert.False(t, ok)
	require.Len(t, *events, 1)
	assert.Equal(t, eventbus.EventApprovalExpired, (*events)[0].Type)
}

func TestTimeout_FiresAndEmitsTimeout(t *testing.T) {
	bus := eventbus.New()
	b := New(bus, nil)
	req := Request{RequestID: "r1", SessionID: "s1", Deadline: time.Now().Add(10 * time.Millisecond)}

	events, _ := collectEvents(bus)
	b.Issue(req, true)

	require.Eventually(t, func() bool {
		return !b.Pending("r1")
	}, time.Second, 5*time.Millisecond)

	var sawTimeout bool
	for _, e := range *events {
		if e.Type == eventbus.EventApprovalTimeout {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) NotifyApprovalRequest(clientID string, req Request) error {
	f.notified = append(f.notified, clientID)
	return nil
}

func TestIssue_NotifiesWhenDisconnected(t *testing.T) {
	bus := eventbus.New()
	n := &fakeNotifier{}
	b := New(bus, n)

	req := Request{RequestID: "r1", SessionID: "s1", TargetMobileID: "mobile-1", Deadline: time.Now().Add(time.Hour)}
	b.Issue(req, false)

	require.Len(t, n.notified, 1)
	assert.Equal(t, "mobile-1", n.notified[0])
}

func TestIssue_SkipsNotifyWhenConnected(t *testing.T) {
	bus := eventbus.New()
	n := &fakeNotifier{}
	b := New(bus, n)

	req := Request{RequestID: "r1", SessionID: "s1", TargetMobileID: "mobile-1", Deadline: time.Now().Add(time.Hour)}
	b.Issue(req, true)

	assert.Empty(t, n.notified)
}
