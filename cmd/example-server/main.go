package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"admission-gateway/middleware/admission"
	"admission-gateway/middleware/admission/domain"
	"admission-gateway/middleware/admission/infra"
)

// errBackendDown simula uma falha de dependência; conta para o circuit breaker.
var errBackendDown = errors.New("orders backend unavailable")

func main() {
	// Exemplo: injetando o middleware diretamente no seu webserver (sem proxy)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	stats := infra.NewMemoryStatsStore(infra.WithTrackOrigins(true))

	facility, err := infra.NewFacility(
		infra.WithLogger(logger),
		infra.WithStats(stats),
		infra.WithRules(domain.Rules{
			Flow:        []domain.FlowRule{{Resource: "/orders/{id}", QPS: 5, Burst: 10}},
			Concurrency: []domain.ConcurrencyRule{{Resource: "POST:/orders", MaxConcurrency: 2}},
			Circuit:     []domain.CircuitRule{{Resource: "/orders/{id}", ConsecutiveFailures: 5, Timeout: 10 * time.Second}},
		}),
	)
	if err != nil {
		logger.Error("facility error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	facility.StartJanitor(ctx)

	// o middleware fica dentro do mux para ver o padrão da rota (r.Pattern)
	protect := admission.MiddlewareFunc(admission.Options{
		Facility:          facility,
		OriginParser:      admission.HeaderOriginParser("X-Api-Key", true), // ou vazio para usar IP
		HTTPMethodSpecify: true,
		Logger:            logger,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /orders/{id}", protect(func(w http.ResponseWriter, r *http.Request) error {
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil || id <= 0 {
			http.NotFound(w, r)
			return nil
		}
		if id%13 == 0 {
			return errBackendDown
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("order " + strconv.Itoa(id) + "\n"))
		return nil
	}))
	mux.Handle("POST /orders", protect(func(w http.ResponseWriter, r *http.Request) error {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
		return nil
	}))
	mux.HandleFunc("GET /admission/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total":     stats.Total(),
			"resources": stats.ByResource(),
			"origins":   stats.ByOrigin(),
			"blocks":    stats.BlocksByReason(),
		})
	})

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
