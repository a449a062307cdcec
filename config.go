// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// This file defines the Config struct (all the knobs the agent uses),
// the currency registry, and the parser for the TRADING pair list. The
// .env file is read by loadAgentEnv() (see env.go), so everything here
// works off the process env.
//
// Typical flow (see main.go):
//   loadAgentEnv(path)
//   cfg, err := loadConfigFromEnv()
//
// TRADING syntax, semicolon-separated entries:
//   btc_usd:margin=0.05,jitter=0.01,min=0.01,jump=0.05[,deal=0.01]
// Omitted knobs fall back to the defaults below; deal is genuinely
// optional (unset means "size from balance").

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Defaults for per-pair knobs when a TRADING entry omits them.
var (
	defaultMargin    = decimal.RequireFromString("0.05")
	defaultJitter    = decimal.RequireFromString("0.01")
	defaultMinAmount = decimal.RequireFromString("0.01")
	defaultPriceJump = decimal.RequireFromString("0.05")
)

// defaultOrderOutdatePeriod is the age after which an active order is
// considered stale and cancelled (roughly 35 days).
const defaultOrderOutdatePeriod = 35 * 24 * time.Hour

// Config holds all runtime knobs for trading and operations.
type Config struct {
	// Exchange endpoints & credentials
	ExchangeSite string
	APIKey       string
	APISecret    string

	// Trading
	Trading            []TradingOptions
	Currencies         map[string]Currency // keyed by lower-case wire name
	ExchangeMargin     decimal.Decimal     // added into every pair's margin
	OrderOutdatePeriod time.Duration

	// Deprecated balance-change trigger (T3); off unless explicitly
	// enabled, the completed-order mirror covers it.
	BalanceChangeTrigger bool

	// Ops
	DataDir string
	Port    int
}

// loadConfigFromEnv reads the process env (already hydrated by
// loadAgentEnv()) and returns a validated Config.
func loadConfigFromEnv() (Config, error) {
	cfg := Config{
		ExchangeSite:         strings.TrimRight(getEnv("EXCHANGE_SITE", "https://btc-e.nz"), "/"),
		APIKey:               getEnv("API_KEY", ""),
		APISecret:            getEnv("API_SECRET", ""),
		OrderOutdatePeriod:   getEnvDuration("ORDER_OUTDATE_PERIOD", defaultOrderOutdatePeriod),
		BalanceChangeTrigger: getEnvBool("TRIGGER_BALANCE_CHANGE", false),
		DataDir:              getEnv("DATA_DIR", "data"),
		Port:                 getEnvInt("PORT", 8080),
	}

	margin, err := parseDecimalEnv("EXCHANGE_MARGIN", "0.002")
	if err != nil {
		return Config{}, err
	}
	cfg.ExchangeMargin = margin

	cfg.Currencies, err = parseCurrencies(getEnv("CURRENCIES", ""))
	if err != nil {
		return Config{}, err
	}

	trading := getEnv("TRADING", "")
	if trading == "" {
		return Config{}, fmt.Errorf("TRADING must list at least one pair")
	}
	cfg.Trading, err = parseTrading(trading, cfg.Currencies, cfg.ExchangeMargin)
	if err != nil {
		return Config{}, err
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		return Config{}, fmt.Errorf("API_KEY and API_SECRET must be set")
	}
	return cfg, nil
}

func parseDecimalEnv(key, def string) (decimal.Decimal, error) {
	raw := getEnv(key, def)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: bad decimal %q", key, raw)
	}
	return d, nil
}

// defaultCurrencies is the built-in registry; CURRENCIES overrides or
// extends it. Cryptos quantize to 6 places, fiats to 3.
func defaultCurrencies() map[string]Currency {
	reg := make(map[string]Currency)
	for _, name := range []string{"btc", "ltc", "nmc", "nvc", "ppc", "eth"} {
		reg[name] = Currency{Name: strings.ToUpper(name), Places: 6}
	}
	for _, name := range []string{"usd", "eur", "rur"} {
		reg[name] = Currency{Name: strings.ToUpper(name), Places: 3}
	}
	return reg
}

// parseCurrencies parses "btc:6,usd:3" into registry entries layered
// over the defaults.
func parseCurrencies(spec string) (map[string]Currency, error) {
	reg := defaultCurrencies()
	if strings.TrimSpace(spec) == "" {
		return reg, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, placesRaw, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("CURRENCIES: bad entry %q (want name:places)", entry)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		places, err := strconv.ParseInt(strings.TrimSpace(placesRaw), 10, 32)
		if err != nil || places < 0 {
			return nil, fmt.Errorf("CURRENCIES: bad places in %q", entry)
		}
		reg[name] = Currency{Name: strings.ToUpper(name), Places: int32(places)}
	}
	return reg, nil
}

// parseTrading parses the TRADING list into per-pair options, adding
// the exchange margin into each pair's own margin.
func parseTrading(spec string, reg map[string]Currency, exchangeMargin decimal.Decimal) ([]TradingOptions, error) {
	var out []TradingOptions
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pairRaw, knobsRaw, _ := strings.Cut(entry, ":")
		pair, err := parsePair(pairRaw, reg)
		if err != nil {
			return nil, err
		}
		opts := TradingOptions{
			Pair:           pair,
			Margin:         defaultMargin,
			MarginJitter:   defaultJitter,
			MinAmount:      defaultMinAmount,
			PriceJumpValue: defaultPriceJump,
		}
		if knobsRaw != "" {
			for _, knob := range strings.Split(knobsRaw, ",") {
				knob = strings.TrimSpace(knob)
				if knob == "" {
					continue
				}
				key, valRaw, ok := strings.Cut(knob, "=")
				if !ok {
					return nil, fmt.Errorf("TRADING: bad knob %q in %q", knob, entry)
				}
				val, err := decimal.NewFromString(strings.TrimSpace(valRaw))
				if err != nil {
					return nil, fmt.Errorf("TRADING: bad decimal %q in %q", valRaw, entry)
				}
				switch strings.TrimSpace(key) {
				case "margin":
					opts.Margin = val
				case "jitter":
					opts.MarginJitter = val
				case "min":
					opts.MinAmount = val
				case "deal":
					opts.DealAmount = val
				case "jump":
					opts.PriceJumpValue = val
				default:
					return nil, fmt.Errorf("TRADING: unknown knob %q in %q", key, entry)
				}
			}
		}
		if opts.MarginJitter.IsNegative() {
			return nil, fmt.Errorf("TRADING: jitter must be non-negative in %q", entry)
		}
		opts.Margin = opts.Margin.Add(exchangeMargin)
		out = append(out, opts)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("TRADING must list at least one pair")
	}
	return out, nil
}

// parsePair resolves "btc_usd" against the currency registry.
func parsePair(raw string, reg map[string]Currency) (CurrencyPair, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	firstRaw, secondRaw, ok := strings.Cut(raw, "_")
	if !ok {
		return CurrencyPair{}, fmt.Errorf("TRADING: bad pair %q (want first_second)", raw)
	}
	first, ok := reg[firstRaw]
	if !ok {
		return CurrencyPair{}, fmt.Errorf("TRADING: unknown currency %q", firstRaw)
	}
	second, ok := reg[secondRaw]
	if !ok {
		return CurrencyPair{}, fmt.Errorf("TRADING: unknown currency %q", secondRaw)
	}
	return CurrencyPair{First: first, Second: second}, nil
}
