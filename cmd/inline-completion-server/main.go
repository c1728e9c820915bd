package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ricochet1k/inlinecomplete/internal/config"
	"github.com/ricochet1k/inlinecomplete/internal/logging"
	"github.com/ricochet1k/inlinecomplete/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: "+config.Path()+")")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintln(os.Stderr, "inline-completion-server:", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := ""
	if debug {
		level = "debug"
	}
	log, err := logging.New(level, debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	completer, closeCompleter, err := newCompleter(ctx, cfg.Server)
	if err != nil {
		return err
	}
	defer closeCompleter()

	handler := server.NewHandler(completer,
		server.WithLogger(log),
		server.WithToken(cfg.Server.Token),
		server.WithName(cfg.Server.Backend),
	)
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	handler.Mount(r)

	srv := &http.Server{Addr: cfg.Server.Listen, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Info("serving inline completions",
			zap.String("addr", cfg.Server.Listen),
			zap.String("backend", cfg.Server.Backend),
			zap.Bool("token_required", cfg.Server.Token != ""))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	handler.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newCompleter(ctx context.Context, cfg config.ServerConfig) (server.Completer, func(), error) {
	var completer server.Completer
	switch cfg.Backend {
	case config.BackendStatic:
		return &server.StaticCompleter{Fragments: cfg.StaticFragments, Delay: 50 * time.Millisecond}, func() {}, nil
	case config.BackendOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, nil, errors.New("openai backend needs OPENAI_API_KEY or server.openai_api_key")
		}
		completer = server.NewOpenAICompleter(server.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: int64(cfg.MaxTokens),
		})
	case config.BackendGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, nil, errors.New("gemini backend needs GEMINI_API_KEY or server.gemini_api_key")
		}
		gemini, err := server.NewGeminiCompleter(ctx, server.GeminiConfig{
			APIKey:    cfg.GeminiAPIKey,
			Model:     cfg.Model,
			MaxTokens: int32(cfg.MaxTokens),
		})
		if err != nil {
			return nil, nil, err
		}
		completer = gemini
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	cached := server.NewCachingCompleter(completer, cfg.CacheTTL)
	return cached, cached.Close, nil
}
