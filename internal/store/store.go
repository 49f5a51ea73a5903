// Package store is the read-only view over the on-disk session directory
// tree: project and session listing, paginated message reads, and the
// is-the-assistant-still-generating heuristic. The store never writes to
// a transcript; only the assistant child process appends to one.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vimo-ai/vlaude/internal/store/pathmap"
	"github.com/vimo-ai/vlaude/internal/transcript"
)

// ErrNotFound is returned when realPath has no known mapping, or a session
// or transcript does not exist.
var ErrNotFound = errors.New("store: not found")

// Order controls which end of the transcript pagination slices from.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Project is one project directory's metadata.
type Project struct {
	RealPath       string    `json:"realPath"`
	Name           string    `json:"name"`
	EncodedDirName string    `json:"encodedDirName"`
	LastAccessed   time.Time `json:"lastAccessed"`
	SessionCount   int       `json:"sessionCount"`
}

// Session is one transcript's metadata.
type Session struct {
	SessionID    string    `json:"sessionId"`
	RealPath     string    `json:"realPath"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUpdated  time.Time `json:"lastUpdated"`
	MessageCount int       `json:"messageCount"`
}

// Message is one delivered transcript record. Content is kept opaque;
// only metrics are extracted, the rest is propagated as-is.
type Message struct {
	Type              string          `json:"type"`
	UUID              string          `json:"uuid"`
	Timestamp         time.Time       `json:"timestamp"`
	IsSidechain       bool            `json:"isSidechain"`
	IsAPIErrorMessage bool            `json:"isApiErrorMessage"`
	Raw               []byte          `json:"-"`
	Usage             *transcript.Usage      `json:"usage,omitempty"`
}

// Store is a read-only view over a store root directory.
type Store struct {
	root *pathmap.PathMap
}

// New returns a Store backed by the given PathMap (already Preload'd).
func New(pm *pathmap.PathMap) *Store {
	return &Store{root: pm}
}

func (s *Store) projectDir(realPath string) (string, error) {
	encoded, err := s.root.Resolve(realPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, realPath)
	}
	return filepath.Join(s.root.StoreRoot(), encoded), nil
}

// transcriptPaths returns every non-agent *.jsonl file in a project
// directory, sorted by mtime descending.
func transcriptPaths(dirPath string) ([]string, time.Time, error) {
	matches, err := filepath.Glob(filepath.Join(dirPath, "*.jsonl"))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("store: glob %s: %w", dirPath, err)
	}
	type withMTime struct {
		path  string
		mtime time.Time
	}
	var files []withMTime
	var maxMTime time.Time
	for _, m := range matches {
		base := filepath.Base(m)
		if strings.HasPrefix(base, "agent-") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, withMTime{path: m, mtime: info.ModTime()})
		if info.ModTime().After(maxMTime) {
			maxMTime = info.ModTime()
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, maxMTime, nil
}

// ListProjects returns every project under the store root sorted by the
// maximum mtime among its transcripts, descending.
func (s *Store) ListProjects(limit int) ([]Project, error) {
	dirEntries, err := os.ReadDir(s.root.StoreRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: readdir %s: %w", s.root.StoreRoot(), err)
	}

	var projects []Project
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		dirPath := filepath.Join(s.root.StoreRoot(), de.Name())
		paths, maxMTime, err := transcriptPaths(dirPath)
		if err != nil || len(paths) == 0 {
			continue
		}
		realPath := inferRealPath(paths)
		if realPath == "" {
			continue
		}
		s.root.Learn(realPath, de.Name())
		count := 0
		for _, p := range paths {
			if !isSingleLineSummary(p) {
				count++
			}
		}
		projects = append(projects, Project{
			RealPath:       realPath,
			Name:           filepath.Base(realPath),
			EncodedDirName: de.Name(),
			LastAccessed:   maxMTime,
			SessionCount:   count,
		})
	}

	sort.Slice(projects, func(i, j int) bool { return projects[i].LastAccessed.After(projects[j].LastAccessed) })
	if limit > 0 && len(projects) > limit {
		projects = projects[:limit]
	}
	return projects, nil
}

// ListSessions returns session metadata for a project, sorted by transcript
// mtime descending, excluding single-line "summary" transcripts.
func (s *Store) ListSessions(realPath string, limit int) ([]Session, error) {
	dirPath, err := s.projectDir(realPath)
	if err != nil {
		return nil, err
	}

	paths, _, err := transcriptPaths(dirPath)
	if err != nil {
		return nil, err
	}

	var sessions []Session
	for _, p := range paths {
		if isSingleLineSummary(p) {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		entries, err := transcript.ReadEntriesFile(p)
		if err != nil {
			continue
		}
		count := 0
		for i := range entries {
			if !entries[i].IsInternal() {
				count++
			}
		}
		sessionID := strings.TrimSuffix(filepath.Base(p), ".jsonl")
		sessions = append(sessions, Session{
			SessionID:    sessionID,
			RealPath:     realPath,
			CreatedAt:    birthtime(p, info),
			LastUpdated:  info.ModTime(),
			MessageCount: count,
		})
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].LastUpdated.After(sessions[j].LastUpdated) })
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// ReadMessages parses sessionId's transcript, drops unparseable lines and
// internal types, then slices [offset:offset+limit] in the requested
// order.
func (s *Store) ReadMessages(sessionID, realPath string, limit, offset int, order Order) ([]Message, error) {
	dirPath, err := s.projectDir(realPath)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dirPath, sessionID+".jsonl")
	entries, err := transcript.ReadEntriesFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}

	messages := make([]Message, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.IsInternal() {
			continue
		}
		usage, ok := e.Usage()
		m := Message{
			Type:              e.Type,
			UUID:              e.UUID,
			Timestamp:         e.Timestamp,
			IsSidechain:       e.IsSidechain,
			IsAPIErrorMessage: e.IsAPIErrorMessage,
			Raw:               e.Raw,
		}
		if ok {
			m.Usage = &usage
		}
		messages = append(messages, m)
	}

	if order == OrderDesc {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(messages) {
		return []Message{}, nil
	}
	end := len(messages)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return messages[offset:end], nil
}

// IsLoading reports whether the assistant looks mid-generation: its most
// recent assistant record lacks a completion timestamp, or the transcript
// was modified within the last 5 seconds.
func (s *Store) IsLoading(sessionID, realPath string) (bool, error) {
	dirPath, err := s.projectDir(realPath)
	if err != nil {
		return false, err
	}
	path := filepath.Join(dirPath, sessionID+".jsonl")
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return false, fmt.Errorf("store: stat %s: %w", path, err)
	}
	if time.Since(info.ModTime()) < 5*time.Second {
		return true, nil
	}

	entries, err := transcript.ReadEntriesFile(path)
	if err != nil {
		return false, fmt.Errorf("store: read %s: %w", path, err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]
		if e.Type != "assistant" {
			continue
		}
		_, completed := e.CompletedAt()
		return !completed, nil
	}
	return false, nil
}

func isSingleLineSummary(path string) bool {
	entries, err := transcript.ReadEntriesFile(path)
	if err != nil || len(entries) != 1 {
		return false
	}
	return entries[0].Type == "summary"
}

func inferRealPath(transcriptPaths []string) string {
	for _, p := range transcriptPaths {
		entries, err := transcript.ReadEntriesFile(p)
		if err != nil {
			continue
		}
		for i := range entries {
			if entries[i].Cwd != "" {
				return entries[i].Cwd
			}
		}
	}
	return ""
}
