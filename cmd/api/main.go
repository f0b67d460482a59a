package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/alert"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/api"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/backend"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/challenge"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/config"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/identity"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/lifecycle"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/server"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/store"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/submission"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.WithError(err).Fatal("failed to open postgres")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.WithError(err).Fatal("failed to reach postgres")
	}

	stores, err := store.OpenPostgres(db)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize stores")
	}
	identityStore, err := identity.NewPostgresStore(db)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize identity store")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seedSettings(ctx, stores.Settings, cfg, log)

	docker := backend.New(cfg.Docker.BaseURL, log)
	manager := lifecycle.NewManager(docker, stores, cfg.Sweep.Interval, log)
	if err := manager.LoadSettings(ctx); err != nil {
		log.WithError(err).Fatal("failed to load settings")
	}
	if err := docker.Connect(ctx); err != nil {
		// Not fatal: admins can fix docker_base_url through the
		// settings route; the client reconnects on the next call.
		log.WithError(err).Warn("docker backend unreachable at startup")
	}

	catalog := challenge.NewCatalog(stores.Challenges, stores.Solves, log)
	identities := identity.NewService(identityStore, cfg.Auth.TokenSecret)

	var notifier alert.Notifier = alert.Discard{}
	if cfg.Alert.WebhookURL != "" {
		notifier = alert.NewWebhook(cfg.Alert.WebhookURL, log)
	}

	checker := submission.NewChecker(manager, stores, catalog, identityStore, notifier, log)

	limiter := api.NewRateLimiter(rdb, log)
	handler := api.NewHandler(manager, checker, catalog, identities, stores, limiter, cfg.Auth.TeamMode, log)
	router := api.NewRouter(handler)

	go manager.Run(ctx)

	srv := server.New(cfg.HTTP, router)
	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, server.ErrServerClosed) {
			log.Info("server shutdown gracefully")
			return
		}
		log.WithError(err).Error("server error")
		os.Exit(1)
	}
}

// seedSettings writes the env-provided docker endpoint and hostname
// into the settings table when no value is stored yet, so a fresh
// deployment works before the first admin settings update.
func seedSettings(ctx context.Context, settings store.SettingStore, cfg config.Config, log *logrus.Logger) {
	stored, err := settings.All(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to read settings")
	}

	defaults := map[string]string{
		lifecycle.KeyBaseURL:  cfg.Docker.BaseURL,
		lifecycle.KeyHostname: cfg.Docker.Hostname,
	}
	for key, value := range defaults {
		if stored[key] != "" || value == "" {
			continue
		}
		if err := settings.Set(ctx, key, value); err != nil {
			log.WithError(err).WithField("key", key).Fatal("failed to seed setting")
		}
	}
}
