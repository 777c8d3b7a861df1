package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tauhid97k/school-management-api/internal/auth"
	"github.com/tauhid97k/school-management-api/internal/config"
	"github.com/tauhid97k/school-management-api/internal/db"
	internalhttp "github.com/tauhid97k/school-management-api/internal/http"
	"github.com/tauhid97k/school-management-api/internal/limiter"
	"github.com/tauhid97k/school-management-api/internal/mail"
	"github.com/tauhid97k/school-management-api/internal/repository"
	"github.com/tauhid97k/school-management-api/internal/session"
	"github.com/tauhid97k/school-management-api/internal/verification"
)

func main() {
	cfg := config.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.Env == "local" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connection failed")
	}
	defer pool.Close()

	var loginLimiter *limiter.LoginLimiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("redis ping failed")
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("redis close error")
			}
		}()
		loginLimiter = limiter.NewLoginLimiter(redisClient, cfg.LoginAttemptLimit, cfg.LoginAttemptWindow)
	}

	mailer := mail.NewNopMailer(logger)
	if cfg.NATSAddr != "" {
		conn, err := nats.Connect(cfg.NATSAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect failed")
		}
		defer conn.Drain()
		mailer = mail.NewNATSMailer(conn, cfg.MailSubject)
	}

	tokens := auth.NewService(auth.Config{
		Issuer:           cfg.JWTIssuer,
		AccessSecret:     cfg.AccessTokenSecret,
		RefreshSecret:    cfg.RefreshTokenSecret,
		ResetSecret:      cfg.ResetTokenSecret,
		AccessTTL:        cfg.AccessTokenTTL,
		RotatedAccessTTL: cfg.RotatedAccessTokenTTL,
		RefreshTTL:       cfg.RefreshTokenTTL,
		ResetTTL:         cfg.ResetTokenTTL,
	})

	store := repository.NewStore(pool)
	sessions := session.NewManager(store, tokens, logger)
	codes := verification.NewIssuer(store, mailer, cfg.VerificationCodeTTL, logger)
	server := internalhttp.NewServer(cfg, store, tokens, sessions, codes, loginLimiter, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("auth service listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
