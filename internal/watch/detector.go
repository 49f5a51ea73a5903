package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/store/pathmap"
)

// NewSessionCallback is invoked exactly once when a new session transcript
// appears for the requesting client.
type NewSessionCallback func(sessionID, realPath string)

// Detector watches a project directory for new session transcripts under
// a single-fire contract: the first unseen transcript wins and the
// detector closes itself.
type Detector struct {
	root *pathmap.PathMap
	log  *slog.Logger

	mu      sync.Mutex
	byOwner map[string]*fsnotify.Watcher // requesting clientID -> watcher
}

// NewDetector returns a Detector rooted at the same store PathMap the rest
// of the core uses.
func NewDetector(pm *pathmap.PathMap) *Detector {
	return &Detector{
		root:    pm,
		log:     logging.ForComponent(logging.CompWatch),
		byOwner: make(map[string]*fsnotify.Watcher),
	}
}

// Watch snapshots existing transcripts for realPath, opens a directory
// watcher, and invokes cb exactly once on the first event naming a session
// transcript not in the snapshot — then closes itself. Detector identity is
// clientID, so concurrent CLIs on the same project are each served once.
func (d *Detector) Watch(clientID, realPath string, cb NewSessionCallback) error {
	dirPath, err := d.root.EnsureDir(realPath)
	if err != nil {
		return err
	}
	dirPath = filepath.Join(d.root.StoreRoot(), dirPath)

	existing, err := snapshotSessions(dirPath)
	if err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(dirPath); err != nil {
		fsw.Close()
		return err
	}

	d.mu.Lock()
	if old, ok := d.byOwner[clientID]; ok {
		old.Close()
	}
	d.byOwner[clientID] = fsw
	d.mu.Unlock()

	go d.pump(clientID, realPath, fsw, existing, cb)
	return nil
}

// Stop cancels any in-flight watch owned by clientID (used on disconnect).
func (d *Detector) Stop(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fsw, ok := d.byOwner[clientID]; ok {
		fsw.Close()
		delete(d.byOwner, clientID)
	}
}

func (d *Detector) pump(clientID, realPath string, fsw *fsnotify.Watcher, existing map[string]bool, cb NewSessionCallback) {
	defer func() {
		d.mu.Lock()
		if cur, ok := d.byOwner[clientID]; ok && cur == fsw {
			delete(d.byOwner, clientID)
		}
		d.mu.Unlock()
		fsw.Close()
	}()

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			sessionID, ok := sessionIDOf(ev.Name)
			if !ok || existing[sessionID] {
				continue
			}
			cb(sessionID, realPath)
			return
		case _, ok := <-fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func snapshotSessions(dirPath string) (map[string]bool, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if id, ok := sessionIDOf(e.Name()); ok {
			seen[id] = true
		}
	}
	return seen, nil
}

// sessionIDOf validates that name is a well-formed <uuid>.jsonl session
// transcript, excluding agent-*.jsonl subordinate files.
func sessionIDOf(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, "agent-") {
		return "", false
	}
	if !strings.HasSuffix(base, ".jsonl") {
		return "", false
	}
	id := strings.TrimSuffix(base, ".jsonl")
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}
