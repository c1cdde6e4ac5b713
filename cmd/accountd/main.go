package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	accounts "github.com/goliatone/go-accounts"
	"github.com/goliatone/go-accounts/api"
	"github.com/goliatone/go-accounts/internal/config"
	"github.com/goliatone/go-accounts/logging"
	"github.com/goliatone/go-accounts/relay"
	"github.com/goliatone/go-accounts/repository"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}

	zl := logging.New(cfg.Environment, cfg.LogLevel)
	provider := logging.NewProvider(zl)
	logger := provider.GetLogger("accountd")

	logger.Debug("config loaded", "config", print.MaybePrettyJSON(redacted(cfg)))

	if err := run(cfg, provider, logger); err != nil {
		logger.Fatal("accountd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, provider logging.Provider, logger accounts.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqldb, err := sql.Open(sqliteshim.ShimName, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if cfg.Database.MaxOpen > 0 {
		sqldb.SetMaxOpenConns(cfg.Database.MaxOpen)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	crypto, err := accounts.NewKeyStoreCrypto([]byte(cfg.Security.MasterSecret))
	if err != nil {
		return err
	}

	repo := repository.NewAccountRepository(db, crypto, repository.WithLoggerProvider(provider))
	repo.MustValidate()
	defer repo.Close()

	if err := repo.CreateSchema(ctx); err != nil {
		return err
	}

	opts := []accounts.ManagerOption{accounts.WithManagerLoggerProvider(provider)}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}

		sink := relay.NewRedisSink(client, relay.WithChannel(cfg.Redis.Channel))
		opts = append(opts, accounts.WithManagerActivitySink(sink))
		logger.Info("activity relay enabled", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	manager := accounts.NewAccountManager(accounts.Product(cfg.Product), repo, opts...)
	defer manager.Close()

	go logTransitions(ctx, manager, provider.GetLogger("accountd.events"))

	srv := router.NewFiberAdapter(func(_ *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			AppName:               "accountd",
			ReadTimeout:           cfg.HTTP.ReadTimeout,
			WriteTimeout:          cfg.HTTP.WriteTimeout,
			IdleTimeout:           cfg.HTTP.IdleTimeout,
			DisableStartupMessage: true,
		}))
	})
	api.RegisterRoutes(srv.Router(), api.NewController(manager, api.WithLoggerProvider(provider)))

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr(), "product", cfg.Product)
		errc <- srv.Serve(cfg.HTTP.Addr())
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func logTransitions(ctx context.Context, manager accounts.AccountManager, logger accounts.Logger) {
	accountSub := manager.OnAccountStateChanged(ctx)
	defer accountSub.Close()
	sessionSub := manager.OnSessionStateChanged(ctx)
	defer sessionSub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-accountSub.C():
			if !ok {
				return
			}
			logger.Info("account state changed",
				"user_id", ev.Account.UserID,
				"from", ev.Previous,
				"to", ev.State,
			)
		case ev, ok := <-sessionSub.C():
			if !ok {
				return
			}
			logger.Info("session state changed",
				"user_id", ev.Account.UserID,
				"session_id", ev.Account.SessionID,
				"from", ev.Previous,
				"to", ev.State,
			)
		}
	}
}

func redacted(cfg *config.AppConfig) config.AppConfig {
	out := *cfg
	if out.Security.MasterSecret != "" {
		out.Security.MasterSecret = "***"
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "***"
	}
	return out
}
