package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusWriter_WritesWhileConnected(t *testing.T) {
	realPath := t.TempDir()
	w := NewStatusWriter(realPath, 20*time.Millisecond,
		func() bool { return true },
		func() (string, string) { return "sid-1", "local" })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	path := filepath.Join(realPath, sideChannelDir, "session-sid-1.status")
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	var status StatusFile
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "sid-1", status.SessionID)
	assert.Equal(t, "local", status.Mode)
	// The final record on shutdown reports disconnected.
	assert.False(t, status.Connected)
	assert.WithinDuration(t, time.Now(), status.Timestamp, 5*time.Second)
}

func TestStatusWriter_PausesWhileDisconnected(t *testing.T) {
	realPath := t.TempDir()
	w := NewStatusWriter(realPath, 20*time.Millisecond,
		func() bool { return false },
		func() (string, string) { return "sid-1", "local" })

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	// Only the final shutdown record is on disk; no heartbeat ran.
	path := filepath.Join(realPath, sideChannelDir, "session-sid-1.status")
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	var status StatusFile
	require.NoError(t, json.Unmarshal(body, &status))
	assert.False(t, status.Connected)
}

func TestWatchSwitchSignals_ConsumesAndDeletes(t *testing.T) {
	realPath := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := WatchSwitchSignals(ctx, realPath)
	require.NoError(t, err)

	sig := SwitchSignal{
		PreviousSessionID: "a",
		CurrentSessionID:  "b",
		Timestamp:         time.Now(),
	}
	body, err := json.Marshal(sig)
	require.NoError(t, err)
	path := filepath.Join(realPath, sideChannelDir, switchSignalFile)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	select {
	case got := <-ch:
		assert.Equal(t, "a", got.PreviousSessionID)
		assert.Equal(t, "b", got.CurrentSessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("signal never delivered")
	}

	// The signal file is consumed.
	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestWatchSwitchSignals_DeliversPreexistingSignal(t *testing.T) {
	realPath := t.TempDir()
	dir := filepath.Join(realPath, sideChannelDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body, _ := json.Marshal(SwitchSignal{PreviousSessionID: "x", CurrentSessionID: "y"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, switchSignalFile), body, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := WatchSwitchSignals(ctx, realPath)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, "y", got.CurrentSessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("preexisting signal never delivered")
	}
}
