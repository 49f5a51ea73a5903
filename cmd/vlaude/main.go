// vlaude is the CLI wrapper: it launches the assistant, negotiates session
// ownership with the server, and swaps between interactive local mode and
// passive remote mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vimo-ai/vlaude/internal/cli"
	"github.com/vimo-ai/vlaude/internal/config"
	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/session"
)

func main() {
	fs := flag.NewFlagSet("vlaude", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to CLI TOML config")
	resume := fs.String("resume", "", "Resume an existing session by UUID")
	continueLast := fs.Bool("continue", false, "Resume the project's most recent session")
	serverURL := fs.String("server", "", "Override server WebSocket URL")

	fs.Usage = func() {
		fmt.Println("Usage: vlaude [options] [project-dir]")
		fmt.Println()
		fmt.Println("Wraps the assistant so the session can be observed and taken")
		fmt.Println("over from a mobile client, then handed back.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  vlaude")
		fmt.Println("  vlaude ~/src/myproject")
		fmt.Println("  vlaude --resume 4f8e2c1a-0b6d-4c2e-9f3a-7d5b8e1c2a3f")
		fmt.Println("  vlaude --continue")
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	realPath, err := resolveProjectDir(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	sessionID := *resume
	if *continueLast {
		if sessionID != "" {
			fmt.Fprintln(os.Stderr, "Error: --resume and --continue are mutually exclusive")
			os.Exit(1)
		}
		sessionID, err = session.LastSessionID(realPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.LoadCLIConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}

	logging.Configure(filepath.Join(cfg.ProfileDir, "vlaude.log"), slog.LevelInfo, 20, 2, 7)

	controlURL, err := buildControlURL(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	control := cli.NewControl(controlURL)
	driver := cli.NewDriver(cfg, control, realPath, sessionID)

	if err := driver.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, cli.ErrForceExit) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveProjectDir picks the project directory: the positional argument or
// the current working directory, always absolute.
func resolveProjectDir(args []string) (string, error) {
	if len(args) > 1 {
		return "", fmt.Errorf("unexpected arguments: %v", args[1:])
	}
	dir := ""
	if len(args) == 1 {
		dir = args[0]
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		dir = cwd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("project dir %s does not exist", abs)
	}
	return abs, nil
}

// buildControlURL appends the CLI's identity (clientType, bearer token) to
// the configured server URL's query string.
func buildControlURL(cfg *config.CLIConfig) (string, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("clientType", "cli")
	if cfg.AuthToken != "" {
		q.Set("token", cfg.AuthToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
