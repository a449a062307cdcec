// FILE: env.go
// Package main – Environment helpers for the trading agent.
//
// This file provides:
//   1) Small helpers to read environment variables with sane defaults
//      (strings, ints, durations).
//   2) A safe loader (loadAgentEnv) that reads a .env file and hydrates
//      ONLY the keys the agent understands, never overriding variables
//      already present in the process env.
//
// The agent never requires `export $(cat .env ...)`; edit the file and
// restart.

package main

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// --------- .env loader (agent-only) ---------

// loadAgentEnv reads the given .env file and sets only the keys the
// agent needs. Existing process env always wins.
func loadAgentEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Info().Str("path", path).Msg("env file not found, relying on process env")
		return
	}
	defer f.Close()

	needed := map[string]struct{}{
		"EXCHANGE_SITE":          {},
		"API_KEY":                {},
		"API_SECRET":             {},
		"TRADING":                {},
		"CURRENCIES":             {},
		"EXCHANGE_MARGIN":        {},
		"ORDER_OUTDATE_PERIOD":   {},
		"DATA_DIR":               {},
		"TRIGGER_BALANCE_CHANGE": {},
		"PORT":                   {},
		"LOG_LEVEL":              {},
	}

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(line[len("export "):])
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if _, ok := needed[key]; !ok {
			continue
		}
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		} else if idx := strings.Index(val, "#"); idx >= 0 {
			val = strings.TrimSpace(val[:idx])
		}
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
		}
	}
	log.Info().Str("path", path).Msg("env file loaded")
}
