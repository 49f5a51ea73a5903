package mode

import (
	"testing"

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

func TestMobileJoined_TransitionsLocalToRemote(t *testing.T) {
	bus := eventbus.New()
	events, _ := collectEvents(bus)
	a := New(bus, func(string, string) (bool, error) { return false, nil })

	assert.Equal(t, Local, a.State("s1"))
	a.MobileJoined("s1", "/p")
	assert.Equal(t, Remote, a.State("s1"))

	require.Len(t, *events, 1)
	assert.Equal(t, eventbus.EventRemoteConnect, (*events)[0].Type)
}

func TestLastMobileLeft_NoOpWhenLocal(t *testing.T) {
	bus := eventbus.New()
	events, _ := collectEvents(bus)
	a := New(bus, func(string, string) (bool, error) { return false, nil })

	a.LastMobileLeft("s1")
	assert.Equal(t, Local, a.State("s1"))
	assert.Empty(t, *events)
}

func TestLastMobileLeft_RemoteToLocalEmitsDisconnect(t *testing.T) {
	bus := eventbus.New()
	a := New(bus, func(string, string) (bool, error) { return false, nil })
	a.MobileJoined("s1", "/p")

	events, _ := collectEvents(bus)
	a.LastMobileLeft("s1")

	assert.Equal(t, Local, a.State("s1"))
	require.Len(t, *events, 1)
	assert.Equal(t, eventbus.EventRemoteDisconnect, (*events)[0].Type)
}

func TestRequestExitRemote_DeniedWhileLoading(t *testing.T) {
	bus := eventbus.New()
	a := New(bus, func(string, string) (bool, error) { return true, nil })
	a.MobileJoined("s1", "/p")

	events, _ := collectEvents(bus)
	a.RequestExitRemote("s1")

	assert.Equal(t, Remote, a.State("s1"), "stays REMOTE while loading")
	require.Len(t, *events, 1)
	assert.Equal(t, eventbus.EventExitRemoteDenied, (*events)[0].Type)
}

func TestRequestExitRemote_AllowedWhenNotLoading(t *testing.T) {
	bus := eventbus.New()
	a := New(bus, func(string, string) (bool, error) { return false, nil })
	a.MobileJoined("s1", "/p")

	events, _ := collectEvents(bus)
	a.RequestExitRemote("s1")

	assert.Equal(t, Local, a.State("s1"))
	require.Len(t, *events, 1)
	assert.Equal(t, eventbus.EventExitRemoteAllowed, (*events)[0].Type)
}

func TestCLIResumeLocal_StaysLocal(t *testing.T) {
	bus := eventbus.New()
	a := New(bus, func(string, string) (bool, error) { return false, nil })
	a.CLIResumeLocal("s1")
	assert.Equal(t, Local, a.State("s1"))
}
