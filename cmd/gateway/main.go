package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"admission-gateway/middleware/admission"
	"admission-gateway/middleware/admission/domain"
	"admission-gateway/middleware/admission/infra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp(run).Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	logger, logCloser := newLogger(cfg)
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	rules := domain.Rules{}
	if cfg.rulesFile != "" {
		var err error
		if rules, err = infra.LoadRulesFile(cfg.rulesFile); err != nil {
			return err
		}
	}

	facilityOpts := []infra.Option{
		infra.WithRules(rules),
		infra.WithLogger(logger),
		infra.WithStoreOptions(infra.WithIdleTTL(cfg.limiterIdleTTL)),
		infra.WithQuotaPrefix(cfg.quotaPrefix),
	}

	if cfg.quotaRedisAddr != "" {
		rdb, err := connectRedis(ctx, logger, "quota", &redis.Options{
			Addr:     cfg.quotaRedisAddr,
			Password: cfg.quotaRedisPassword,
			DB:       cfg.quotaRedisDB,
		}, cfg.redisConnectAttempts)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		facilityOpts = append(facilityOpts, infra.WithRedis(rdb))
	}

	if cfg.statsEnabled {
		rdb, err := connectRedis(ctx, logger, "stats", &redis.Options{
			Addr:     cfg.statsRedisAddr,
			Password: cfg.statsRedisPassword,
			DB:       cfg.statsRedisDB,
		}, cfg.redisConnectAttempts)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		facilityOpts = append(facilityOpts, infra.WithStats(infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.statsPrefix),
			infra.WithStatsTTL(cfg.statsTTL),
			infra.WithStatsBucket(cfg.statsBucket),
			infra.WithStatsTrackOrigins(cfg.statsTrackOrigins),
		)))
	}

	facility, err := infra.NewFacility(facilityOpts...)
	if err != nil {
		return err
	}

	proxy := httputil.NewSingleHostReverseProxy(cfg.upstreamURL)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           newHandler(cfg, facility, proxy, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		facility.StartJanitor(gctx)
		<-gctx.Done()
		return nil
	})

	if cfg.rulesFile != "" && cfg.rulesReload {
		w, err := infra.WatchRules(cfg.rulesFile, func(r domain.Rules, err error) {
			if err != nil {
				logger.Error("rules reload failed, keeping current rules", "file", cfg.rulesFile, "error", err)
				return
			}
			if err := facility.LoadRules(r); err != nil {
				logger.Error("rules reload rejected", "file", cfg.rulesFile, "error", err)
			}
		}, 0)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("gateway listening",
			"addr", cfg.listenAddr,
			"upstream", cfg.upstreamURL.String(),
			"rules_file", cfg.rulesFile,
			"http_method_specify", cfg.httpMethodSpecify,
			"origin_header", cfg.originHeader,
			"trust_xff", cfg.trustXFF,
			"quota_redis", cfg.quotaRedisAddr != "",
			"stats_enabled", cfg.statsEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func newHandler(cfg config, facility domain.Facility, next http.Handler, logger *slog.Logger) http.Handler {
	resourceFn := admission.PathResource
	if cfg.resourceName != "" {
		resourceFn = admission.StaticResource(cfg.resourceName)
	}
	return admission.Middleware(admission.Options{
		Facility:             facility,
		ResourceFn:           resourceFn,
		OriginParser:         admission.HeaderOriginParser(cfg.originHeader, cfg.trustXFF),
		HTTPMethodSpecify:    cfg.httpMethodSpecify,
		RequestAttributeName: cfg.requestAttributeName,
		TraceServerErrors:    cfg.traceServerErrors,
		Logger:               logger,
	})(next)
}

func newLogger(cfg config) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.logFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // dias
			Compress:   true,
		}
		w, closer = lj, lj
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.logLevel})), closer
}

// connectRedis só devolve o cliente depois de um PING bem sucedido.
func connectRedis(ctx context.Context, logger *slog.Logger, name string, opts *redis.Options, attempts int) (*redis.Client, error) {
	rdb := redis.NewClient(opts)
	err := retry.New(
		retry.Attempts(uint(attempts)),
		retry.Delay(200*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("redis ping failed, retrying", "redis", name, "addr", opts.Addr, "attempt", n+1, "error", err)
		}),
	).Do(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s ping error: %w", name, err)
	}
	return rdb, nil
}
