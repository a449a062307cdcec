// FILE: main.go
// Package main – Program entrypoint and HTTP/metrics server.
//
// Boot sequence:
//   1) setupLogging()              – zerolog console output
//   2) loadAgentEnv(-env path)     – read .env (no shell exports required)
//   3) cfg := loadConfigFromEnv()  – build and validate runtime Config
//   4) sup := NewSupervisor(cfg)   – buses, connector, traders, nonce
//   5) start Prometheus /healthz server on cfg.Port
//   6) sup.Run until SIGINT/SIGTERM
//
// Flags:
//   -env <path>   Path to the .env file (default ".env")
//
// Exit code 0 on clean shutdown, non-zero on fatal configuration
// errors (bad TRADING syntax, missing credentials, corrupt nonce file).

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	var envPath string
	flag.StringVar(&envPath, "env", ".env", "Path to the .env file")
	flag.Parse()

	setupLogging()
	loadAgentEnv(envPath)

	cfg, err := loadConfigFromEnv()
	if err != nil {
		log.Error().Err(err).Msg("configuration")
		os.Exit(1)
	}

	sup, err := NewSupervisor(cfg)
	if err != nil {
		log.Error().Err(err).Msg("startup")
		os.Exit(1)
	}

	// ---- HTTP metrics/health ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		log.Info().Int("port", cfg.Port).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("metrics server")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	sup.Run(ctx)

	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}
