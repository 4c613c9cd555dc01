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
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/marutha-support/portal/internal/auth"
	"github.com/marutha-support/portal/internal/config"
	"github.com/marutha-support/portal/internal/handlers"
	"github.com/marutha-support/portal/internal/store/sqlstore"
)

const usage = `usage: marutha <command> [flags]

commands:
  serve                       run the page server
  login -email E -password P  log in and store the session
  register -email E -password P -confirm P [-name N] [-role R]
  logout                      log out and clear the session
  whoami                      show the logged-in user
  open <page>                 check whether the session may view a page
  chat [-with ID]             open the terminal chat`

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	if envErr != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, args)
	case "login":
		err = runLogin(ctx, cfg, args)
	case "register":
		err = runRegister(ctx, cfg, args)
	case "logout":
		err = runLogout(ctx, cfg, args)
	case "whoami":
		err = runWhoami(ctx, cfg, args)
	case "open":
		err = runOpen(cfg, args)
	case "chat":
		err = runChat(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Command failed", "command", cmd, "error", err)
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// openState opens the local storage database named by the configuration.
func openState(cfg *config.Config, profile string) (*sqlstore.SQLStore, error) {
	if cfg.StateDriver == "sqlite3" && cfg.StatePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	st, err := sqlstore.NewWithProfile(cfg.StateDriver, cfg.StatePath, profile)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return st, nil
}

func serve(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.Addr, "http service address")
	static := fs.String("static", cfg.StaticDir, "directory with the portal pages")
	fs.Parse(args)
	cfg.StaticDir = *static

	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := openState(cfg, "server")
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("Failed to close state store", "error", closeErr)
		}
	}()

	signer, err := auth.NewSigner(cfg.CookieSecret)
	if err != nil {
		return err
	}

	sessions := &handlers.SessionHandler{
		APIBase: cfg.APIBaseURL(),
		Store:   st,
		Signer:  signer,
		Secure:  !cfg.IsDevelopment(),
		Logger:  slog.Default(),
	}
	srv := &http.Server{
		Addr:         *addr,
		Handler:      handlers.Router(sessions, cfg.StaticDir, signer, slog.Default()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", *addr, "api_base", cfg.APIBaseURL(), "dev", cfg.IsDevelopment())
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

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}
