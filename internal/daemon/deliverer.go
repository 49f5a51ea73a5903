package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// execDeliverer runs the assistant binary in non-interactive resume mode to
// append one user turn to an existing session. The assistant itself writes
// the transcript; the Daemon only observes the result through the
// watcher.
type execDeliverer struct {
	assistantPath string
}

func (e *execDeliverer) Deliver(ctx context.Context, sessionID, realPath, text string) error {
	cmd := exec.CommandContext(ctx, e.assistantPath, "-p", "--resume", sessionID, text)
	cmd.Dir = realPath

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("assistant exec: %w: %s", err, detail)
		}
		return fmt.Errorf("assistant exec: %w", err)
	}
	return nil
}
