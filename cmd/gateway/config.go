package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
)

type config struct {
	listenAddr  string
	upstreamURL *url.URL

	rulesFile   string
	rulesReload bool

	resourceName         string
	httpMethodSpecify    bool
	requestAttributeName string
	originHeader         string
	trustXFF             bool
	traceServerErrors    bool
	limiterIdleTTL       time.Duration

	quotaRedisAddr     string
	quotaRedisPassword string
	quotaRedisDB       int
	quotaPrefix        string

	statsEnabled       bool
	statsRedisAddr     string
	statsRedisPassword string
	statsRedisDB       int
	statsPrefix        string
	statsTTL           time.Duration
	statsBucket        string
	statsTrackOrigins  bool

	redisConnectAttempts int

	logFile  string
	logLevel slog.Level
}

func envFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "listen-addr", Value: ":8080", Sources: cli.EnvVars("LISTEN_ADDR")},
		&cli.StringFlag{Name: "upstream-url", Usage: "URL do serviço protegido", Sources: cli.EnvVars("UPSTREAM_URL")},

		&cli.StringFlag{Name: "rules-file", Usage: "arquivo de regras .yaml/.yml/.json", Sources: cli.EnvVars("RULES_FILE")},
		&cli.BoolFlag{Name: "rules-reload", Value: true, Usage: "recarrega o arquivo de regras quando ele muda", Sources: cli.EnvVars("RULES_RELOAD")},

		&cli.StringFlag{Name: "resource-name", Usage: "rastreia todas as requisições sob um único recurso (padrão: path)", Sources: cli.EnvVars("RESOURCE_NAME")},
		&cli.BoolFlag{Name: "http-method-specify", Usage: "abre também a entry MÉTODO:recurso", Sources: cli.EnvVars("HTTP_METHOD_SPECIFY")},
		&cli.StringFlag{Name: "request-attribute-name", Sources: cli.EnvVars("REQUEST_ATTRIBUTE_NAME")},
		&cli.StringFlag{Name: "origin-header", Usage: "header que identifica o chamador (ex: X-Api-Key)", Sources: cli.EnvVars("ORIGIN_HEADER")},
		&cli.BoolFlag{Name: "trust-xff", Sources: cli.EnvVars("TRUST_XFF")},
		&cli.BoolFlag{Name: "trace-server-errors", Value: true, Usage: "conta respostas 5xx do upstream como erro", Sources: cli.EnvVars("TRACE_SERVER_ERRORS")},
		&cli.DurationFlag{Name: "limiter-idle-ttl", Value: 10 * time.Minute, Sources: cli.EnvVars("LIMITER_IDLE_TTL")},

		&cli.StringFlag{Name: "quota-redis-addr", Usage: "habilita regras de quota distribuída", Sources: cli.EnvVars("QUOTA_REDIS_ADDR")},
		&cli.StringFlag{Name: "quota-redis-password", Sources: cli.EnvVars("QUOTA_REDIS_PASSWORD")},
		&cli.IntFlag{Name: "quota-redis-db", Sources: cli.EnvVars("QUOTA_REDIS_DB")},
		&cli.StringFlag{Name: "quota-prefix", Value: "admission:quota:", Sources: cli.EnvVars("QUOTA_PREFIX")},

		&cli.BoolFlag{Name: "stats-enabled", Sources: cli.EnvVars("STATS_ENABLED")},
		&cli.StringFlag{Name: "stats-redis-addr", Sources: cli.EnvVars("STATS_REDIS_ADDR")},
		&cli.StringFlag{Name: "stats-redis-password", Sources: cli.EnvVars("STATS_REDIS_PASSWORD")},
		&cli.IntFlag{Name: "stats-redis-db", Sources: cli.EnvVars("STATS_REDIS_DB")},
		&cli.StringFlag{Name: "stats-prefix", Value: "admission:stats", Sources: cli.EnvVars("STATS_PREFIX")},
		&cli.DurationFlag{Name: "stats-ttl", Value: 24 * time.Hour, Sources: cli.EnvVars("STATS_TTL")},
		&cli.StringFlag{Name: "stats-bucket", Value: "minute", Sources: cli.EnvVars("STATS_BUCKET")},
		&cli.BoolFlag{Name: "stats-track-origins", Sources: cli.EnvVars("STATS_TRACK_ORIGINS")},

		&cli.IntFlag{Name: "redis-connect-attempts", Value: 5, Sources: cli.EnvVars("REDIS_CONNECT_ATTEMPTS")},

		&cli.StringFlag{Name: "log-file", Usage: "grava logs em arquivo rotacionado em vez de stderr", Sources: cli.EnvVars("LOG_FILE")},
		&cli.StringFlag{Name: "log-level", Value: "info", Sources: cli.EnvVars("LOG_LEVEL")},
	}
}

func configFromCommand(cmd *cli.Command) (config, error) {
	cfg := config{
		listenAddr:           cmd.String("listen-addr"),
		rulesFile:            strings.TrimSpace(cmd.String("rules-file")),
		rulesReload:          cmd.Bool("rules-reload"),
		resourceName:         strings.TrimSpace(cmd.String("resource-name")),
		httpMethodSpecify:    cmd.Bool("http-method-specify"),
		requestAttributeName: cmd.String("request-attribute-name"),
		originHeader:         strings.TrimSpace(cmd.String("origin-header")),
		trustXFF:             cmd.Bool("trust-xff"),
		traceServerErrors:    cmd.Bool("trace-server-errors"),
		limiterIdleTTL:       cmd.Duration("limiter-idle-ttl"),
		quotaRedisAddr:       strings.TrimSpace(cmd.String("quota-redis-addr")),
		quotaRedisPassword:   cmd.String("quota-redis-password"),
		quotaRedisDB:         cmd.Int("quota-redis-db"),
		quotaPrefix:          cmd.String("quota-prefix"),
		statsEnabled:         cmd.Bool("stats-enabled"),
		statsRedisAddr:       strings.TrimSpace(cmd.String("stats-redis-addr")),
		statsRedisPassword:   cmd.String("stats-redis-password"),
		statsRedisDB:         cmd.Int("stats-redis-db"),
		statsPrefix:          cmd.String("stats-prefix"),
		statsTTL:             cmd.Duration("stats-ttl"),
		statsBucket:          cmd.String("stats-bucket"),
		statsTrackOrigins:    cmd.Bool("stats-track-origins"),
		redisConnectAttempts: cmd.Int("redis-connect-attempts"),
		logFile:              strings.TrimSpace(cmd.String("log-file")),
	}

	if err := cfg.logLevel.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
		return config{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	raw := strings.TrimSpace(cmd.String("upstream-url"))
	if raw == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return config{}, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return config{}, fmt.Errorf("invalid UPSTREAM_URL %q: scheme and host are required", raw)
	}
	cfg.upstreamURL = u

	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.statsEnabled && c.statsRedisAddr == "" {
		return errors.New("STATS_REDIS_ADDR is required when STATS_ENABLED=true")
	}
	if c.limiterIdleTTL <= 0 {
		return errors.New("LIMITER_IDLE_TTL must be > 0")
	}
	if c.redisConnectAttempts <= 0 {
		return errors.New("REDIS_CONNECT_ATTEMPTS must be > 0")
	}
	switch strings.ToLower(c.statsBucket) {
	case "minute", "none":
	default:
		return fmt.Errorf("STATS_BUCKET must be minute or none, got %q", c.statsBucket)
	}
	return nil
}

// newApp monta o comando; run recebe a configuração já validada.
func newApp(run func(ctx context.Context, cfg config) error) *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "reverse proxy com controle de admissão por recurso",
		Flags: envFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := configFromCommand(cmd)
			if err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
}
