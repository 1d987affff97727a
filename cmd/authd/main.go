package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/veridian-id/veridian/pkg/authflow"
	"github.com/veridian-id/veridian/pkg/challenge"
	"github.com/veridian-id/veridian/pkg/crypt"
	"github.com/veridian-id/veridian/pkg/events"
	"github.com/veridian-id/veridian/pkg/notify"
	"github.com/veridian-id/veridian/pkg/resettoken"
	"github.com/veridian-id/veridian/pkg/session"
	"github.com/veridian-id/veridian/pkg/throttle"
	"github.com/veridian-id/veridian/pkg/twofa"
	"github.com/veridian-id/veridian/pkg/user"
	"github.com/veridian-id/veridian/pkg/webauth"
)

type ServerConfig struct {
	Host string `env:"HOST" env-default:"0.0.0.0"`
	Port uint16 `env:"PORT" env-default:"4000"`
}

type DbConfig struct {
	Host     string `env:"PG_HOST" env-default:""`
	Port     uint16 `env:"PG_PORT" env-default:"5432"`
	Database string `env:"PG_DATABASE" env-default:"veridian_db"`
	User     string `env:"PG_USER" env-default:"veridian"`
	Password string `env:"PG_PASSWORD" env-default:"pwd"`
}

func (d DbConfig) toDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Database)
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" env-default:""`
	Password string `env:"REDIS_PASSWORD" env-default:""`
	Database int    `env:"REDIS_DB" env-default:"0"`
}

type SMTPConfig struct {
	Host     string `env:"SMTP_HOST" env-default:""`
	Port     int    `env:"SMTP_PORT" env-default:"587"`
	TLS      bool   `env:"SMTP_TLS" env-default:"true"`
	Username string `env:"SMTP_USERNAME" env-default:""`
	Password string `env:"SMTP_PASSWORD" env-default:""`
	From     string `env:"SMTP_FROM" env-default:"no-reply@veridian.local"`
}

type AuthConfig struct {
	// EncryptionKey protects TOTP secrets and recovery codes at rest,
	// base64-encoded 32 bytes.
	EncryptionKey      string `env:"APP_ENCRYPTION_KEY" env-default:""`
	ResetTokenSecret   string `env:"RESET_TOKEN_SECRET" env-default:"very-secure-reset-secret"`
	Issuer             string `env:"TOTP_ISSUER" env-default:"veridian"`
	CookieSecure       bool   `env:"COOKIE_SECURE" env-default:"true"`
	ResetURL           string `env:"RESET_URL" env-default:"http://localhost:4000/reset-password"`
	PasswordConfirmTTL int    `env:"PASSWORD_CONFIRM_TTL_SECONDS" env-default:"10800"`
	ThrottleMax        int64  `env:"LOGIN_MAX_ATTEMPTS" env-default:"5"`
	ThrottleDecay      int    `env:"LOGIN_DECAY_SECONDS" env-default:"60"`
}

type Config struct {
	ServerConfig ServerConfig
	DbConfig     DbConfig
	RedisConfig  RedisConfig
	SMTPConfig   SMTPConfig
	AuthConfig   AuthConfig
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment")
	}

	config := Config{}
	cleanenv.ReadEnv(&config)

	ctx := context.Background()

	// Users: postgres when configured, otherwise in-memory.
	var users user.Repository
	if config.DbConfig.Host != "" {
		pool, err := pgxpool.New(ctx, config.DbConfig.toDSN())
		if err != nil {
			slog.Error("Failed creating dbpool", "host", config.DbConfig.Host, "db", config.DbConfig.Database, "err", err)
			os.Exit(-1)
		}
		if err := pool.Ping(ctx); err != nil {
			slog.Error("Failed to reach database", "err", err)
			os.Exit(-1)
		}
		users = user.NewPostgresRepository(pool)
		slog.Info("Using postgres user repository", "host", config.DbConfig.Host, "db", config.DbConfig.Database)
	} else {
		users = user.NewInMemRepository()
		slog.Warn("Using in-memory user repository, data will not survive restarts")
	}

	// Sessions and throttle counters: redis when configured.
	var sessions session.Store
	var counters throttle.CounterStore
	if config.RedisConfig.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     config.RedisConfig.Addr,
			Password: config.RedisConfig.Password,
			DB:       config.RedisConfig.Database,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to reach redis", "addr", config.RedisConfig.Addr, "err", err)
			os.Exit(-1)
		}
		sessions = session.NewRedisStore(client, 24*time.Hour)
		counters = throttle.NewRedisCounterStore(client)
		slog.Info("Using redis sessions and throttle counters", "addr", config.RedisConfig.Addr)
	} else {
		sessions = session.NewMemoryStore()
		counters = throttle.NewMemoryCounterStore()
		slog.Warn("Using in-memory sessions and throttle counters")
	}

	encKey := config.AuthConfig.EncryptionKey
	if encKey == "" {
		generated, err := crypt.GenerateKey()
		if err != nil {
			slog.Error("Failed to generate encryption key", "err", err)
			os.Exit(-1)
		}
		encKey = generated
		slog.Warn("APP_ENCRYPTION_KEY not set, generated an ephemeral key; enrollments will not survive restarts")
	}
	enc, err := crypt.NewFromBase64(encKey)
	if err != nil {
		slog.Error("Invalid APP_ENCRYPTION_KEY", "err", err)
		os.Exit(-1)
	}

	var sender notify.Sender
	if config.SMTPConfig.Host != "" {
		mailer, err := notify.NewMailer(notify.SMTPConfig{
			Host:     config.SMTPConfig.Host,
			Port:     config.SMTPConfig.Port,
			TLS:      config.SMTPConfig.TLS,
			Username: config.SMTPConfig.Username,
			Password: config.SMTPConfig.Password,
			From:     config.SMTPConfig.From,
		})
		if err != nil {
			slog.Error("Failed to create mailer", "err", err)
			os.Exit(-1)
		}
		sender = mailer
	} else {
		sender = notify.LogSender{}
	}
	notices := notify.NewNotices(sender, users)

	sink := events.NewFanoutSink(
		events.NewSlogSink(slog.Default()),
		notices,
	)

	twoFactor := twofa.NewService(users, enc, sink, twofa.WithIssuer(config.AuthConfig.Issuer))
	tokens := resettoken.NewService([]byte(config.AuthConfig.ResetTokenSecret), config.AuthConfig.Issuer)
	limiter := throttle.NewLimiter(counters,
		throttle.WithMaxAttempts(config.AuthConfig.ThrottleMax),
		throttle.WithDecay(time.Duration(config.AuthConfig.ThrottleDecay)*time.Second),
	)

	flow := authflow.NewDefaultFlow(&authflow.Services{
		Users:    users,
		Sessions: sessions,
		Limiter:  limiter,
		Sink:     sink,
	})
	resolver := challenge.NewResolver(users, sessions, twoFactor, tokens, sink, challenge.WithLimiter(limiter))

	handle := webauth.NewHandle(flow, resolver, twoFactor, users, sessions, tokens, notices,
		webauth.WithPasswordConfirmTTL(time.Duration(config.AuthConfig.PasswordConfirmTTL)*time.Second),
		webauth.WithSecureCookies(config.AuthConfig.CookieSecure),
		webauth.WithResetURL(config.AuthConfig.ResetURL),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	webauth.Routes(r, handle)

	addr := fmt.Sprintf("%s:%d", config.ServerConfig.Host, config.ServerConfig.Port)
	slog.Info("Starting auth server", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		slog.Error("Server stopped", "err", err)
		os.Exit(-1)
	}
}
