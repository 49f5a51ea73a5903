// vlaude-daemon is the per-host sidecar owning the on-disk session store:
// transcript watching, new-session detection, and message delivery to the
// assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vimo-ai/vlaude/internal/config"
	"github.com/vimo-ai/vlaude/internal/daemon"
	"github.com/vimo-ai/vlaude/internal/logging"
)

func main() {
	fs := flag.NewFlagSet("vlaude-daemon", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to daemon TOML config")
	listenAddr := fs.String("listen", "", "Override listen address")
	storeRoot := fs.String("store-root", "", "Override session store root")

	fs.Usage = func() {
		fmt.Println("Usage: vlaude-daemon [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadDaemonConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *storeRoot != "" {
		cfg.StoreRoot = *storeRoot
	}

	logging.Configure(cfg.LogPath, slog.LevelInfo, 50, 3, 14)
	log := logging.ForComponent(logging.CompDaemon)

	if err := run(cfg, log); err != nil {
		log.Error("daemon_failed", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.DaemonConfig, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfg, nil)
	if err != nil {
		return err
	}
	defer d.Close()

	go d.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: d.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr), slog.String("store_root", cfg.StoreRoot))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
