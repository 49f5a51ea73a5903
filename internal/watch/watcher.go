// Package watch implements the transcript watcher and the new-session
// detector. Watchers are ref-counted per session and exist only while
// someone subscribes, so the inotify working set stays proportional to
// active viewers; a 100ms coalescing timer absorbs the burst of write
// events a single appended line can produce.
package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vimo-ai/vlaude/internal/eventbus"
	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/store/pathmap"
	"github.com/vimo-ai/vlaude/internal/transcript"
)

// debounce absorbs the burst of fsnotify events a single JSONL append can
// produce (write + possibly a separate chmod/rename on some filesystems).
const debounce = 100 * time.Millisecond

// Metrics is the derived cumulative-usage snapshot emitted after each
// change, used to build a statusline:metricsUpdate frame.
type Metrics struct {
	SessionID         string
	InputTokens       int64
	OutputTokens      int64
	ContextLength     int64
	ContextPercentage float64
}

// watcherEntry is one sessionId's watch state.
type watcherEntry struct {
	fsWatcher   *fsnotify.Watcher
	refCount    int
	realPath    string
	path        string
	cancel      func()
	offset      int // number of Entry lines already delivered
	pending     []transcript.Entry // lines consumed while paused, flushed on Resume
}

// Watcher is TranscriptWatcher: a ref-counted set of per-file watchers.
type Watcher struct {
	root *pathmap.PathMap
	bus  *eventbus.EventBus
	log  *slog.Logger

	mu     sync.Mutex
	byID   map[string]*watcherEntry
	paused map[string]bool
}

// New returns a Watcher that reports changes onto bus.
func New(pm *pathmap.PathMap, bus *eventbus.EventBus) *Watcher {
	return &Watcher{
		root:   pm,
		bus:    bus,
		log:    logging.ForComponent(logging.CompWatch),
		byID:   make(map[string]*watcherEntry),
		paused: make(map[string]bool),
	}
}

// Acquire increments sessionId's refcount, opening a watcher on the
// transition from zero to one.
func (w *Watcher) Acquire(sessionID, realPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.byID[sessionID]; ok {
		e.refCount++
		return
	}

	encoded, err := w.root.Resolve(realPath)
	if err != nil {
		w.log.Warn("acquire_unresolved_path", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}
	path := filepath.Join(w.root.StoreRoot(), encoded, sessionID+".jsonl")
	if _, err := os.Stat(path); err != nil {
		w.log.Warn("acquire_missing_transcript", slog.String("session_id", sessionID), slog.String("path", path))
		return
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Error("acquire_watcher_init_failed", slog.String("error", err.Error()))
		return
	}
	if err := fsw.Add(path); err != nil {
		w.log.Error("acquire_watch_add_failed", slog.String("path", path), slog.String("error", err.Error()))
		fsw.Close()
		return
	}

	done := make(chan struct{})
	entry := &watcherEntry{
		fsWatcher: fsw,
		refCount:  1,
		realPath:  realPath,
		path:      path,
		cancel:    func() { close(done) },
	}
	w.byID[sessionID] = entry

	go w.pump(sessionID, entry, done)
}

// Release decrements sessionId's refcount, closing the watcher at zero.
func (w *Watcher) Release(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.byID[sessionID]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		e.cancel()
		e.fsWatcher.Close()
		delete(w.byID, sessionID)
	}
}

// Pause silences delivery for sessionID while the Daemon itself is the
// writer driving a REMOTE-mode reply, so the CLI's own file-change echo is
// not re-delivered to it.
func (w *Watcher) Pause(sessionID string) {
	w.mu.Lock()
	w.paused[sessionID] = true
	w.mu.Unlock()
}

// Resume lifts a previous Pause and flushes lines consumed while paused.
// User-type lines consumed during the pause were the remote writer's own
// echo and stay dropped; everything else (the assistant's reply) is
// delivered now, so subscribers still receive the generated messages the
// pause window covered.
func (w *Watcher) Resume(sessionID string) {
	w.mu.Lock()
	delete(w.paused, sessionID)
	var flush []transcript.Entry
	if e, ok := w.byID[sessionID]; ok && len(e.pending) > 0 {
		flush = e.pending
		e.pending = nil
	}
	w.mu.Unlock()

	for i := range flush {
		w.bus.Emit(eventbus.Event{
			Type:    eventbus.EventMessageNew,
			Channel: sessionID,
			Data:    &flush[i],
		})
	}
}

// pump runs in its own goroutine per acquired watcher, debouncing fsnotify
// events and re-reading the transcript tail on each settled burst.
func (w *Watcher) pump(sessionID string, e *watcherEntry, done <-chan struct{}) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-e.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			timerC = timer.C
		case err, ok := <-e.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watch_error", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			w.mu.Lock()
			if entry, ok := w.byID[sessionID]; ok && entry == e {
				delete(w.byID, sessionID)
			}
			w.mu.Unlock()
			e.fsWatcher.Close()
			return
		case <-timerC:
			timerC = nil
			w.deliver(sessionID, e)
		}
	}
}

// deliver re-reads new lines since the last delivered offset, emits each as
// message.new, and re-derives metrics from the most recent non-sidechain,
// non-error message's usage.
func (w *Watcher) deliver(sessionID string, e *watcherEntry) {
	w.mu.Lock()
	paused := w.paused[sessionID]
	w.mu.Unlock()

	entries, err := transcript.ReadEntriesFile(e.path)
	if err != nil {
		w.log.Warn("deliver_read_failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	start := e.offset
	if start > len(entries) {
		start = len(entries)
	}
	newEntries := entries[start:]
	e.offset = len(entries)
	if paused {
		// Consume without delivering: drop the remote writer's own user
		// echo, hold generated lines for the Resume flush.
		for i := range newEntries {
			if newEntries[i].IsInternal() || newEntries[i].Type == "user" {
				continue
			}
			e.pending = append(e.pending, newEntries[i])
		}
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	for i := range newEntries {
		if newEntries[i].IsInternal() {
			continue
		}
		w.bus.Emit(eventbus.Event{
			Type:    eventbus.EventMessageNew,
			Channel: sessionID,
			Data:    &newEntries[i],
		})
	}

	metrics := deriveMetrics(sessionID, entries)
	w.bus.Emit(eventbus.Event{
		Type:    eventbus.EventMetricsUpdate,
		Channel: sessionID,
		Data:    metrics,
	})
}

// deriveMetrics computes cumulative input/output tokens across the
// transcript and a context-length estimate from the most recent
// non-sidechain, non-error message's usage.
func deriveMetrics(sessionID string, entries []transcript.Entry) Metrics {
	m := Metrics{SessionID: sessionID}
	var lastContext int64
	for i := range entries {
		e := &entries[i]
		usage, ok := e.Usage()
		if !ok {
			continue
		}
		m.InputTokens += usage.InputTokens
		m.OutputTokens += usage.OutputTokens
		if e.IsSidechain || e.IsAPIErrorMessage {
			continue
		}
		lastContext = usage.InputTokens + usage.CacheReadInputTokens + usage.CacheCreationInputTokens
	}
	m.ContextLength = lastContext
	return m
}
