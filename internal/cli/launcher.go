package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// uuidLine is one record on the launcher's auxiliary pipe: the launcher
// intercepts the assistant's random-UUID primitive and writes each
// generated UUID as a JSON line on inherited descriptor 3.
type uuidLine struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// child is one running assistant instance under the launcher.
type child struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	uuidPipe *os.File // read end of fd 3; nil when resuming a known session
	restore  func()   // undoes raw mode on the controlling terminal
}

// spawn starts the assistant in realPath on a pty. When sessionID is
// non-empty the assistant is resumed into that session and no UUID pipe is
// attached; otherwise the auxiliary pipe is inherited as descriptor 3 and
// onUUID is invoked for each UUID the launcher reports.
func spawn(assistantPath string, assistantArgs []string, realPath, sessionID string, onUUID func(string), log *slog.Logger) (*child, error) {
	args := append([]string{}, assistantArgs...)
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}

	cmd := exec.Command(assistantPath, args...)
	cmd.Dir = realPath

	var pipeR, pipeW *os.File
	if sessionID == "" {
		var err error
		pipeR, pipeW, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("cli: uuid pipe: %w", err)
		}
		// ExtraFiles[0] becomes descriptor 3 in the child, the contract the
		// launcher writes UUIDs to.
		cmd.ExtraFiles = []*os.File{pipeW}
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		if pipeR != nil {
			pipeR.Close()
			pipeW.Close()
		}
		return nil, fmt.Errorf("cli: start assistant: %w", err)
	}
	if pipeW != nil {
		// Parent's copy of the write end; the child holds its own.
		pipeW.Close()
	}

	c := &child{cmd: cmd, ptmx: ptmx, uuidPipe: pipeR, restore: func() {}}

	if state, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
		c.restore = func() { _ = term.Restore(int(os.Stdin.Fd()), state) }
	}

	// Mirror terminal size changes into the pty.
	if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
		log.Debug("pty_size_inherit_failed", slog.String("error", err.Error()))
	}

	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
	go func() { _, _ = io.Copy(os.Stdout, ptmx) }()

	if pipeR != nil && onUUID != nil {
		go readUUIDs(pipeR, onUUID, log)
	}

	return c, nil
}

// readUUIDs parses JSON lines off the auxiliary pipe and forwards each
// well-formed UUID record.
func readUUIDs(r io.Reader, onUUID func(string), log *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec uuidLine
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Debug("uuid_pipe_malformed_line", slog.String("line", string(line)))
			continue
		}
		if rec.Type == "uuid" && rec.Value != "" {
			onUUID(rec.Value)
		}
	}
}

// terminate asks the assistant to exit gracefully.
func (c *child) terminate() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// wait blocks until the assistant exits and releases the pty, pipe, and
// terminal state.
func (c *child) wait() error {
	err := c.cmd.Wait()
	c.restore()
	c.ptmx.Close()
	if c.uuidPipe != nil {
		c.uuidPipe.Close()
	}
	return err
}
