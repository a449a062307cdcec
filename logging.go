// FILE: logging.go
// Package main – zerolog setup.
//
// One console logger for the whole process; components log through the
// zerolog global with structured fields (pair, currency, method, ...).
// LOG_LEVEL tunes verbosity (debug|info|warn|error), default info.

package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogging() {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(getEnv("LOG_LEVEL", "info"))); err == nil {
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
}
