package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/avilchez/docsync/internal/actions"
	"github.com/avilchez/docsync/internal/backend"
	"github.com/avilchez/docsync/internal/cache"
	"github.com/avilchez/docsync/internal/config"
	"github.com/avilchez/docsync/internal/document"
	"github.com/avilchez/docsync/internal/importer"
	"github.com/avilchez/docsync/internal/logging"
	"github.com/avilchez/docsync/internal/netcheck"
	"github.com/avilchez/docsync/internal/realtime"
	"github.com/avilchez/docsync/internal/reconcile"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("docsync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("importer", cfg.ImportDir != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := cache.Open(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer db.Close()

	client := backend.NewClient(cfg.BackendURL, cfg.BackendKey, nil)

	token, user, err := authenticate(ctx, client, cfg, db, logger)
	if err != nil {
		return err
	}

	logger.Info("signed in",
		slog.String("email", user.Email),
		slog.String("user_id", user.ID),
	)

	docs := document.NewStore()

	checker := netcheck.New(cfg.BackendURL, nil)

	actsLogger := logging.ForComponent(logger, "actions")
	acts := actions.New(client, docs, checker,
		actions.LogNotifier{Logger: actsLogger}, actsLogger, cfg.Bucket)
	acts.SetSession(token, user.ID)

	rec := reconcile.New(client, streamFactory(cfg, logger), docs, db,
		logging.ForComponent(logger, "reconcile"))
	defer rec.Stop()

	rec.SetUser(ctx, token, user.ID)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ImportDir != "" {
		imp := importer.New(cfg.ImportDir, logging.ForComponent(logger, "importer"),
			func(ctx context.Context, name string, data []byte, contentType string) error {
				_, err := acts.UploadFile(ctx, name, data, contentType, nil)
				return err
			})
		g.Go(func() error {
			return imp.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("docsync shutting down")
		return nil
	}

	return err
}

// streamFactory builds realtime channels against the backend's
// websocket endpoint, one per user session.
func streamFactory(cfg *config.Config, logger *slog.Logger) reconcile.StreamFactory {
	channelLogger := logging.ForComponent(logger, "realtime")

	return func(sub realtime.Subscription) reconcile.Stream {
		return realtime.NewChannel(cfg.RealtimeURL(), cfg.BackendKey, sub, channelLogger)
	}
}

// authenticate tries the cached session first and falls back to a
// fresh password sign-in. The token and profile are persisted so the
// next launch can skip the password round-trip.
func authenticate(ctx context.Context, client *backend.Client, cfg *config.Config, db *cache.Cache, logger *slog.Logger) (string, *backend.User, error) {
	if token := db.Token(); token != "" {
		logger.Debug("trying cached session")

		user, err := client.CurrentUser(ctx, token)
		if err == nil {
			logger.Info("authenticated with cached session")

			return token, user, nil
		}

		logger.Debug("cached session rejected, signing in fresh",
			slog.String("error", err.Error()))
	}

	logger.Info("signing in", slog.String("email", cfg.Email))

	session, err := client.SignIn(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return "", nil, fmt.Errorf("signing in: %w", err)
	}

	if err := db.SetToken(session.AccessToken); err != nil {
		logger.Warn("failed to save session", slog.String("error", err.Error()))
	}

	if err := db.SaveProfile(session.User); err != nil {
		logger.Warn("failed to save profile", slog.String("error", err.Error()))
	}

	return session.AccessToken, &session.User, nil
}
