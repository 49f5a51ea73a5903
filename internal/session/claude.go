// Package session reads the assistant's own vendor configuration. The
// assistant records the last session it opened per project in its config
// file; the CLI wrapper uses that to resume without the user having to
// paste a UUID. The store of transcripts itself is owned by
// internal/store; this package only touches the vendor's config JSON.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// vendorProject is a project entry in the assistant's config.
type vendorProject struct {
	LastSessionID string `json:"lastSessionId"`
}

// vendorConfig is the structure of the assistant's .claude.json.
type vendorConfig struct {
	Projects map[string]vendorProject `json:"projects"`
}

// ConfigDir returns the assistant's config directory.
// Priority: 1) CLAUDE_CONFIG_DIR env, 2) ~/.claude
func ConfigDir() string {
	if envDir := os.Getenv("CLAUDE_CONFIG_DIR"); envDir != "" {
		return expandTilde(envDir)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude")
}

// LastSessionID returns the session the assistant most recently opened for
// projectPath, per the assistant's own config file.
func LastSessionID(projectPath string) (string, error) {
	configFile := filepath.Join(ConfigDir(), ".claude.json")

	data, err := os.ReadFile(configFile)
	if err != nil {
		return "", fmt.Errorf("read assistant config: %w", err)
	}

	var cfg vendorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("parse assistant config: %w", err)
	}

	if project, ok := cfg.Projects[projectPath]; ok && project.LastSessionID != "" {
		return project.LastSessionID, nil
	}
	return "", fmt.Errorf("no session found for project: %s", projectPath)
}

func expandTilde(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return path
}
