// Package pathmap maintains the cache between a project's real filesystem
// path and the on-disk store's encoded directory name. The encoding is
// lossy, so the authoritative direction is always realPath learned from a
// transcript's cwd field; the cache stores the reverse lookup built that
// way.
package pathmap

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vimo-ai/vlaude/internal/logging"
)

// ErrNotFound is returned by Resolve when no mapping exists and refresh
// could not synthesize or corroborate one.
var ErrNotFound = errors.New("pathmap: no encoded directory for path")

// freshWindow bounds how recently a candidate directory must have been
// touched to be accepted on the basenam-match heuristic.
const freshWindow = 60 * time.Second

// entry is one cached realPath -> encodedDirName mapping.
type entry struct {
	encodedDirName string
	dirPath        string
}

// PathMap is the process-local, non-persisted mapping cache. It is safe
// for concurrent use.
type PathMap struct {
	storeRoot string

	mu      sync.RWMutex
	entries map[string]entry // realPath -> entry

	group singleflight.Group // coalesces concurrent refresh(realPath) calls
	log   *slog.Logger
}

// New returns a PathMap rooted at storeRoot. Call Preload before first use
// to populate it from existing transcripts.
func New(storeRoot string) *PathMap {
	return &PathMap{
		storeRoot: storeRoot,
		entries:   make(map[string]entry),
		log:       logging.ForComponent(logging.CompStore),
	}
}

// StoreRoot returns the directory this PathMap is rooted at.
func (m *PathMap) StoreRoot() string {
	return m.storeRoot
}

// Preload scans every subdirectory of the store root once at process start.
// For each, the first JSONL containing a line with a cwd field is consulted to
// learn the true realPath; directories with no such line are ignored.
func (m *PathMap) Preload() error {
	dirEntries, err := os.ReadDir(m.storeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pathmap: preload readdir %s: %w", m.storeRoot, err)
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		dirPath := filepath.Join(m.storeRoot, de.Name())
		realPath, ok := findCwdInDir(dirPath)
		if !ok {
			continue
		}
		m.mu.Lock()
		m.entries[realPath] = entry{encodedDirName: de.Name(), dirPath: dirPath}
		m.mu.Unlock()
	}
	return nil
}

// Resolve returns the encoded directory name for realPath, refreshing the
// cache on a miss.
func (m *PathMap) Resolve(realPath string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[realPath]
	m.mu.RUnlock()
	if ok {
		if dirExists(e.dirPath) {
			return e.encodedDirName, nil
		}
		// Directory vanished since caching; evict and fall through to refresh.
		m.mu.Lock()
		delete(m.entries, realPath)
		m.mu.Unlock()
	}

	encoded, err, _ := m.group.Do(realPath, func() (interface{}, error) {
		return m.refresh(realPath)
	})
	if err != nil {
		return "", err
	}
	return encoded.(string), nil
}

// refresh re-derives the mapping for realPath: ASCII-prefix candidate
// filter, then cwd-line exact match, then the fresh-basename heuristic. It
// does NOT synthesize a new directory name; use EnsureDir for that (the
// new-session detector's use case).
func (m *PathMap) refresh(realPath string) (string, error) {
	dirEntries, err := os.ReadDir(m.storeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("pathmap: refresh readdir %s: %w", m.storeRoot, err)
	}

	prefix := asciiPrefix(realPath)
	basename := filepath.Base(realPath)

	var basenameCandidate string
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		name := de.Name()
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		dirPath := filepath.Join(m.storeRoot, name)

		if cwd, ok := findCwdInDir(dirPath); ok {
			if cwd == realPath {
				m.store(realPath, name, dirPath)
				return name, nil
			}
			continue
		}

		if strings.HasSuffix(name, basename) && dirYoungerThan(dirPath, freshWindow) {
			basenameCandidate = name
		}
	}

	if basenameCandidate != "" {
		m.store(realPath, basenameCandidate, filepath.Join(m.storeRoot, basenameCandidate))
		return basenameCandidate, nil
	}

	m.log.Debug("resolve_miss", slog.String("real_path", realPath))
	return "", ErrNotFound
}

// EnsureDir synthesizes the encoded directory for a project never seen
// before, creating it if absent. Used by NewSessionDetector before the
// assistant itself has written anything; per the
// design's Open Question resolution, synthesis happens ONLY here — every
// other call site fails with ErrNotFound instead of guessing.
func (m *PathMap) EnsureDir(realPath string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[realPath]
	m.mu.RUnlock()
	if ok && dirExists(e.dirPath) {
		return e.encodedDirName, nil
	}

	encoded := Encode(realPath)
	dirPath := filepath.Join(m.storeRoot, encoded)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return "", fmt.Errorf("pathmap: ensure dir %s: %w", dirPath, err)
	}
	m.store(realPath, encoded, dirPath)
	return encoded, nil
}

// Learn records a realPath -> encodedDirName mapping learned
// authoritatively, e.g. from a freshly-written cwd line.
func (m *PathMap) Learn(realPath, encodedDirName string) {
	m.store(realPath, encodedDirName, filepath.Join(m.storeRoot, encodedDirName))
}

func (m *PathMap) store(realPath, encodedDirName, dirPath string) {
	m.mu.Lock()
	m.entries[realPath] = entry{encodedDirName: encodedDirName, dirPath: dirPath}
	m.mu.Unlock()
}

// Encode applies the lossy, convenience encoding function: leading '-' plus
// every '/' replaced with '-'. It is never authoritative;
// callers must corroborate a synthesized name against a cwd line before
// trusting it, except via EnsureDir's "never seen before" contract.
func Encode(realPath string) string {
	trimmed := strings.TrimPrefix(filepath.Clean(realPath), "/")
	return "-" + strings.ReplaceAll(trimmed, "/", "-")
}

// asciiPrefix returns the leading ASCII run of realPath (with '/' mapped to
// '-'), used to cheaply skip store directories that cannot match.
func asciiPrefix(realPath string) string {
	trimmed := strings.TrimPrefix(filepath.Clean(realPath), "/")
	var b strings.Builder
	b.WriteByte('-')
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if c >= 0x80 {
			break
		}
		if c == '/' {
			b.WriteByte('-')
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func dirYoungerThan(path string, d time.Duration) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < d {
			return true
		}
	}
	return false
}

// findCwdInDir scans every contained JSONL for a line carrying a cwd field,
// returning the first one found.
func findCwdInDir(dirPath string) (string, bool) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		if strings.HasPrefix(e.Name(), "agent-") {
			continue
		}
		if cwd, ok := findCwdInFile(filepath.Join(dirPath, e.Name())); ok {
			return cwd, true
		}
	}
	return "", false
}

func findCwdInFile(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Cwd string `json:"cwd"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if probe.Cwd != "" {
			return probe.Cwd, true
		}
	}
	return "", false
}
