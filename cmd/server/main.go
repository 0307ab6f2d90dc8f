package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"homeservices-realtime/internal/cache"
	"homeservices-realtime/internal/clock"
	"homeservices-realtime/internal/config"
	"homeservices-realtime/internal/database"
	"homeservices-realtime/internal/discord"
	"homeservices-realtime/internal/dispatch"
	"homeservices-realtime/internal/escalation"
	"homeservices-realtime/internal/events"
	"homeservices-realtime/internal/gateway"
	"homeservices-realtime/internal/handler"
	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/middleware"
	"homeservices-realtime/internal/presence"
	"homeservices-realtime/internal/repository"
	"homeservices-realtime/internal/router"
)

func main() {
	envFile := pflag.String("env-file", "", "load environment variables from this file")
	roster := pflag.String("roster", "", "YAML staff roster merged into STAFF_PHONES/STAFF_EMAILS")
	logLevel := pflag.String("log-level", "", "override LOG_LEVEL")
	pflag.Parse()

	cfg := config.Load(*envFile)
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logging.Init(cfg.LogLevel, !cfg.IsProduction())
	log := logging.Get()

	if *roster != "" {
		if err := cfg.ApplyRoster(*roster); err != nil {
			log.Fatal().Err(err).Msg("load staff roster")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Repositories
	subjectRepo := repository.NewSubjectRepository(db)
	notifRepo := repository.NewNotificationLogRepository(db)
	chatRepo := repository.NewChatRepository(db)

	// Presence mirror (optional)
	var (
		rdb    *redis.Client
		mirror *cache.PresenceMirror
	)
	if cfg.RedisURL != "" {
		rdb, err = cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, presence mirror disabled")
		} else {
			mirror = cache.NewPresenceMirror(rdb)
			if err := mirror.Reset(ctx); err != nil {
				log.Warn().Err(err).Msg("reset presence mirror")
			}
		}
	}

	// Channels
	dispatcher := dispatch.New(dispatch.NewProvider(dispatch.LiveConfig{
		SMSEndpoint:  cfg.SMSEndpoint,
		SMSAccountID: cfg.SMSAccountID,
		SMSAuthToken: cfg.SMSAuthToken,
		SMSFrom:      cfg.SMSFrom,
		SMTPHost:     cfg.SMTPHost,
		SMTPPort:     cfg.SMTPPort,
		SMTPUser:     cfg.SMTPUser,
		SMTPPass:     cfg.SMTPPass,
		SMTPFrom:     cfg.SMTPFrom,
	}))

	// Staff alert channel
	bot, err := discord.NewBot(cfg.DiscordBotToken, cfg.DiscordChannelID)
	if err != nil {
		log.Warn().Err(err).Msg("discord bot disabled")
	}

	// Realtime core
	verifier := presence.NewJWTVerifier(cfg.JWTSecret)
	var registry *presence.Registry
	if mirror != nil {
		registry = presence.NewRegistry(verifier, mirror, clock.Real())
	} else {
		registry = presence.NewRegistry(verifier, nil, clock.Real())
	}
	gw := gateway.New(gateway.Options{Enabled: cfg.RealtimeEnabled})

	routerOpts := router.Options{
		UrgentSMS:   cfg.SMSEnabled,
		StaffPhones: cfg.StaffPhones,
		Archiver:    chatRepo,
	}
	if bot != nil {
		routerOpts.Alerter = bot
	}
	rt := router.New(gw, registry, dispatcher, routerOpts)

	sched := escalation.New(dispatcher, subjectRepo, escalation.Config{
		GracePeriod:         time.Duration(cfg.GracePeriodDays) * 24 * time.Hour,
		SMSEnabled:          cfg.SMSEnabled,
		EngagementThreshold: cfg.EngagementIdleDays,
		AuditLog:            notifRepo,
		Reporter:            rt,
		StaffEmails:         cfg.StaffEmails,
	})
	rt.SetEscalationCounter(sched.Active)

	bot.ServeCommands(rt, sched)
	if err := bot.Start(); err != nil {
		log.Warn().Err(err).Msg("discord bot failed to start")
	}

	// Payment events
	var consumer *events.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err = events.NewConsumer(events.Options{
			Brokers:   cfg.KafkaBrokers,
			Topic:     cfg.KafkaTopic,
			GroupID:   cfg.KafkaGroupID,
			User:      cfg.KafkaUser,
			Password:  cfg.KafkaPassword,
			Mechanism: cfg.KafkaSASLMechanism,
		}, events.NewPaymentHandler(sched))
		if err != nil {
			log.Error().Err(err).Msg("payment consumer disabled")
		} else {
			go consumer.Run(ctx)
		}
	}

	gw.Start(ctx, cfg.RealtimeHost, rt)
	go rt.RunDashboard(ctx, cfg.DashboardInterval)
	go cleanupTranscripts(ctx, chatRepo, cfg.TranscriptRetentionDays)

	// Fiber app
	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
		BodyLimit:    1 * 1024 * 1024, // 1MB
		// Params and bodies outlive the request in archive and audit goroutines.
		Immutable: true,
	})
	app.Use(recover.New())
	app.Use(middleware.Logger())

	checks := []handler.Check{{Name: "database", Ping: db.Ping}}
	var directory handler.PresenceDirectory = registry
	if mirror != nil {
		checks = append(checks, handler.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		directory = mirror
	}

	handler.Routes{
		Health:    handler.NewHealthHandler(gw, checks...),
		Server:    handler.NewServerHandler(sched, verifier, subjectRepo),
		Chat:      handler.NewChatHandler(rt, chatRepo),
		Admin:     handler.NewAdminHandler(rt, gw, directory, notifRepo),
		Verifier:  verifier,
		ServerKey: cfg.ServerKey,
		AdminKey:  cfg.AdminKey,
	}.Mount(app)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	log.Info().
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Str("realtime", gw.Mode()).
		Msg("realtime backend running")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = app.ShutdownWithTimeout(5 * time.Second)
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("gateway stop")
	}
	if consumer != nil {
		_ = consumer.Close()
	}
	sched.Close()
	registry.Close()
	bot.Stop()
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info().Msg("server stopped")
}

// cleanupTranscripts prunes archived chat messages past the retention
// window once a day.
func cleanupTranscripts(ctx context.Context, repo *repository.ChatRepository, days int) {
	if days <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		n, err := repo.DeleteOlderThan(ctx, days)
		if err != nil {
			logging.Get().Warn().Err(err).Msg("transcript cleanup failed")
		} else if n > 0 {
			logging.Get().Info().Int64("deleted", n).Msg("pruned old transcripts")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
