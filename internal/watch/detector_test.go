package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vimo-ai/vlaude/internal/store/pathmap"
)

func TestDetector_FiresOnceForNewTranscript(t *testing.T) {
	root := t.TempDir()
	pm := pathmap.New(root)
	d := NewDetector(pm)

	var mu sync.Mutex
	var calls int
	var gotID string
	done := make(chan struct{})

	err := d.Watch("client-1", "/p/proj", func(sessionID, realPath string) {
		mu.Lock()
		calls++
		gotID = sessionID
		mu.Unlock()
		close(done)
	})
	require.NoError(t, err)

	dirName, err := pm.Resolve("/p/proj")
	require.NoError(t, err)
	dirPath := filepath.Join(root, dirName)

	newID := uuid.New().String()
	require.NoError(t, os.WriteFile(filepath.Join(dirPath, newID+".jsonl"),
		[]byte(`{"type":"user","uuid":"1","timestamp":"2025-01-01T00:00:00Z"}`+"\n"), 0o644))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("detector did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, newID, gotID)
}

func TestDetector_IgnoresAgentSubordinateFiles(t *testing.T) {
	root := t.TempDir()
	pm := pathmap.New(root)
	d := NewDetector(pm)

	fired := make(chan struct{}, 1)
	err := d.Watch("client-2", "/p/other", func(sessionID, realPath string) {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	dirName, err := pm.Resolve("/p/other")
	require.NoError(t, err)
	dirPath := filepath.Join(root, dirName)

	require.NoError(t, os.WriteFile(filepath.Join(dirPath, "agent-sub.jsonl"), []byte("{}\n"), 0o644))

	select {
	case <-fired:
		t.Fatal("detector should not fire for agent-*.jsonl files")
	case <-time.After(300 * time.Millisecond):
	}
	d.Stop("client-2")
}

func TestSessionIDOf(t *testing.T) {
	id := uuid.New().String()
	got, ok := sessionIDOf(id + ".jsonl")
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = sessionIDOf("agent-" + id + ".jsonl")
	assert.False(t, ok)

	_, ok = sessionIDOf("not-a-uuid.jsonl")
	assert.False(t, ok)
}
