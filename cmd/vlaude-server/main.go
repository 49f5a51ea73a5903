// vlaude-server is the central hub: WebSocket connectivity, mode
// arbitration, identity matching, authentication, and client fan-out.
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

	"github.com/vimo-ai/vlaude/internal/authn"
	"github.com/vimo-ai/vlaude/internal/config"
	"github.com/vimo-ai/vlaude/internal/daemonlink"
	"github.com/vimo-ai/vlaude/internal/eventbus"
	"github.com/vimo-ai/vlaude/internal/hub"
	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/match"
	"github.com/vimo-ai/vlaude/internal/mode"
	"github.com/vimo-ai/vlaude/internal/push"
	"github.com/vimo-ai/vlaude/internal/rest"
	"github.com/vimo-ai/vlaude/internal/store"
	"github.com/vimo-ai/vlaude/internal/store/pathmap"
)

func main() {
	fs := flag.NewFlagSet("vlaude-server", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to server TOML config")
	listenAddr := fs.String("listen", "", "Override listen address")

	fs.Usage = func() {
		fmt.Println("Usage: vlaude-server [options]")
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

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logging.Configure(cfg.LogPath, slog.LevelInfo, 50, 3, 14)
	log := logging.ForComponent(logging.CompHub)

	if err := run(cfg, log); err != nil {
		log.Error("server_failed", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.ServerConfig, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	verifier, err := authn.NewVerifier(cfg.JWTPublicKeyPath, cfg.TrustedCIDRs)
	if err != nil {
		return err
	}

	tokens, err := authn.OpenTokenStore(cfg.AuthDBPath)
	if err != nil {
		return err
	}
	defer tokens.Close()

	pm := pathmap.New(cfg.StoreRoot)
	if err := pm.Preload(); err != nil {
		return err
	}
	st := store.New(pm)

	daemon := daemonlink.NewClient(cfg.DaemonBaseURL)
	bus := eventbus.New()
	matcher := match.New()
	arbiter := mode.New(bus, func(sessionID, realPath string) (bool, error) {
		probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
		defer probeCancel()
		return daemon.CheckLoading(probeCtx, sessionID, realPath)
	})

	var notifier hub.Notifier
	var pushSvc *push.Service
	if cfg.PushEnabled {
		pushSvc = push.NewService(push.Config{
			Subject:    cfg.PushVAPIDSubject,
			PublicKey:  cfg.PushVAPIDPublicKey,
			PrivateKey: cfg.PushVAPIDPrivateKey,
		})
		notifier = pushSvc
	}

	h := hub.New(daemon, matcher, arbiter, bus, notifier)
	defer h.Close()

	restSrv, err := rest.New(st, verifier, tokens, cfg.JWTPrivateKeyPath, cfg.TokenTTL())
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", &hub.WSHandler{Hub: h, Verifier: verifier, Tokens: tokens, BaseCtx: ctx})
	restSrv.Register(mux)
	if pushSvc != nil {
		mux.HandleFunc("/push/subscribe", pushSubscribeHandler(pushSvc, verifier, tokens))
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			tlsCfg, err := authn.ListenerConfig(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.ClientCABundle)
			if err != nil {
				errCh <- err
				return
			}
			srv.TLSConfig = tlsCfg
			log.Info("listening_tls", slog.String("addr", cfg.ListenAddr))
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		log.Info("listening", slog.String("addr", cfg.ListenAddr))
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
