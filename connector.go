// FILE: connector.go
// Package main – Exchange connector: commands in, events out.
//
// One Connector instance serves every Trader. It subscribes to the
// command bus, talks to the exchange over two API surfaces, and
// publishes normalized events:
//   • public API  – GET {SITE}/api/3/ticker/{pair}; unauthenticated,
//     calls may run concurrently.
//   • trade API   – POST {SITE}/tapi; form body signed with
//     HMAC-SHA512, nonce-sequenced, strictly one request in flight so
//     nonces are consumed in increasing order and never reused.
//
// Trade calls retry up to tradeMaxAttempts with a warning every
// tradeWarnEvery failures; after the last attempt the command is
// dropped (the next poll is the retry). The "no orders"/"no trades"
// responses are not errors: they normalize to empty order lists.

package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	tradeMaxAttempts = 20
	tradeWarnEvery   = 5
	tradeRetryDelay  = 250 * time.Millisecond

	// tradeQueueSize bounds commands waiting for the single in-flight
	// trade slot. Poll cadence keeps it near empty in practice.
	tradeQueueSize = 1024
)

// errEmptyResult marks the exchange's "no orders"/"no trades" replies,
// which are data, not failures, and must not be retried.
var errEmptyResult = errors.New("empty result set")

// ---- public API client ----

type publicAPI struct {
	client  *http.Client
	baseURL string
}

func newPublicAPI(site string) *publicAPI {
	return &publicAPI{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: strings.TrimRight(site, "/") + "/api/3",
	}
}

// getPrice fetches the ticker and returns the last trade price.
func (a *publicAPI) getPrice(ctx context.Context, pairWire string) (decimal.Decimal, error) {
	IncAPIRequest("public", "ticker")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/ticker/"+pairWire, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		IncAPIFailure("public", "ticker")
		return decimal.Zero, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		IncAPIFailure("public", "ticker")
		return decimal.Zero, err
	}
	if resp.StatusCode >= 400 {
		IncAPIFailure("public", "ticker")
		return decimal.Zero, fmt.Errorf("ticker %s: HTTP %d: %s", pairWire, resp.StatusCode, data)
	}
	var ticker map[string]struct {
		Last json.Number `json:"last"`
	}
	if err := decodeJSON(data, &ticker); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	entry, ok := ticker[pairWire]
	if !ok {
		return decimal.Zero, fmt.Errorf("ticker %s: pair missing from response", pairWire)
	}
	price, err := decimal.NewFromString(entry.Last.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s: bad last price %q", pairWire, entry.Last)
	}
	return price, nil
}

// ---- trade API client ----

type tradeAPI struct {
	client    *http.Client
	endpoint  string
	key       string
	secret    string
	nonces    *NonceKeeper
	attempts  int
	warnEvery int
	delay     time.Duration
}

func newTradeAPI(site, key, secret string, nonces *NonceKeeper) *tradeAPI {
	return &tradeAPI{
		client:    &http.Client{Timeout: 15 * time.Second},
		endpoint:  strings.TrimRight(site, "/") + "/tapi",
		key:       key,
		secret:    secret,
		nonces:    nonces,
		attempts:  tradeMaxAttempts,
		warnEvery: tradeWarnEvery,
		delay:     tradeRetryDelay,
	}
}

// call runs a trade-API method with the bounded retry policy. Each
// attempt consumes a fresh nonce.
func (a *tradeAPI) call(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	reqID := uuid.NewString()
	logger := log.With().Str("method", method).Str("req_id", reqID).Logger()
	var lastErr error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		IncAPIRequest("trade", method)
		result, err := a.attempt(ctx, method, params)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, errEmptyResult) {
			return nil, err
		}
		IncAPIFailure("trade", method)
		lastErr = err
		if attempt%a.warnEvery == 0 {
			logger.Warn().Int("attempt", attempt).Err(err).Msg("trade API call keeps failing")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < a.attempts && a.delay > 0 {
			select {
			case <-time.After(a.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", a.attempts, lastErr)
}

// attempt performs one signed round trip.
func (a *tradeAPI) attempt(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	nonce, err := a.nonces.Get()
	if err != nil {
		return nil, err
	}
	body := buildRequestBody(method, nonce, params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Key", a.key)
	req.Header.Set("Sign", signRequestBody(a.secret, body))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, data)
	}

	var parsed struct {
		Success int             `json:"success"`
		Return  json.RawMessage `json:"return"`
		Error   string          `json:"error"`
	}
	if err := decodeJSON(data, &parsed); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if parsed.Success != 1 {
		switch parsed.Error {
		case "no orders", "no trades":
			return nil, fmt.Errorf("%s: %s: %w", method, parsed.Error, errEmptyResult)
		}
		return nil, fmt.Errorf("%s: exchange error: %s", method, parsed.Error)
	}
	return parsed.Return, nil
}

// buildRequestBody form-encodes method, nonce and params. Extra params
// are appended in sorted key order so the signed body is deterministic.
func buildRequestBody(method string, nonce int64, params map[string]string) string {
	pairs := []string{
		"method=" + url.QueryEscape(method),
		fmt.Sprintf("nonce=%d", nonce),
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(pairs, "&")
}

// signRequestBody computes the Sign header: hex HMAC-SHA512 of the
// body under the API secret.
func signRequestBody(secret, body string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// decodeJSON unmarshals preserving number precision (decimals are
// built from the literal digits, never via float64).
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// ---- Connector ----

// Connector translates commands to exchange calls and exchange
// responses to events. One instance is shared by all pairs.
type Connector struct {
	public     *publicAPI
	trade      *tradeAPI
	currencies map[string]Currency
	publish    func(Event)

	ctx     context.Context
	cancel  context.CancelFunc
	sub     *BusSubscription[Command]
	tradeCh chan Command
	wg      sync.WaitGroup
}

func NewConnector(cfg Config, nonces *NonceKeeper, publish func(Event)) *Connector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		public:     newPublicAPI(cfg.ExchangeSite),
		trade:      newTradeAPI(cfg.ExchangeSite, cfg.APIKey, cfg.APISecret, nonces),
		currencies: cfg.Currencies,
		publish:    publish,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the command bus and begins serving. Public-API
// commands run concurrently; trade-API commands feed the single
// serialized worker.
func (c *Connector) Start(commands *Bus[Command]) {
	log.Info().Msg("starting connector")
	c.sub = commands.Subscribe()
	c.tradeCh = make(chan Command, tradeQueueSize)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.tradeCh)
		for cmd := range c.sub.C() {
			c.dispatch(cmd)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for cmd := range c.tradeCh {
			c.serveTrade(cmd)
		}
	}()
}

// Stop cancels in-flight requests and waits for the workers.
func (c *Connector) Stop() {
	log.Info().Msg("stopping connector")
	c.cancel()
	if c.sub != nil {
		c.sub.Close()
	}
	c.wg.Wait()
}

func (c *Connector) dispatch(cmd Command) {
	switch cmd := cmd.(type) {
	case GetServerTimeCommand:
		c.emit(TimeEvent{Value: time.Now().UTC()})
	case GetPriceCommand:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveGetPrice(cmd)
		}()
	default:
		c.tradeCh <- cmd
	}
}

func (c *Connector) serveTrade(cmd Command) {
	switch cmd := cmd.(type) {
	case GetBalanceCommand:
		c.serveGetBalance(cmd)
	case GetActiveOrdersCommand:
		c.serveGetActiveOrders(cmd)
	case GetCompletedOrdersCommand:
		c.serveGetCompletedOrders(cmd)
	case CreateSellOrderCommand:
		c.serveCreateOrder(cmd.Pair, SideSell, cmd.Amount, cmd.Price)
	case CreateBuyOrderCommand:
		c.serveCreateOrder(cmd.Pair, SideBuy, cmd.Amount, cmd.Price)
	case CancelOrderCommand:
		c.serveCancelOrder(cmd)
	default:
		// A command kind the connector cannot serve is a bug in the
		// wiring, not a runtime condition.
		log.Panic().Str("kind", commandKind(cmd)).Msg("connector received unknown command")
	}
}

func (c *Connector) emit(ev Event) {
	IncEventMetric(eventKind(ev))
	c.publish(ev)
}

// ---- command handlers ----

func (c *Connector) serveGetPrice(cmd GetPriceCommand) {
	price, err := c.public.getPrice(c.ctx, cmd.Pair.wireString())
	if err != nil {
		// Next poll retries naturally; no event for this round.
		log.Warn().Str("pair", cmd.Pair.String()).Err(err).Msg("cannot get price")
		return
	}
	price = quantize(price, cmd.Pair.Second.Places)
	SetPriceMetric(cmd.Pair.String(), price.InexactFloat64())
	c.emit(PriceEvent{Pair: cmd.Pair, Value: price})
}

func (c *Connector) serveGetBalance(cmd GetBalanceCommand) {
	result, err := c.trade.call(c.ctx, "getInfo", nil)
	if err != nil {
		log.Warn().Str("currency", cmd.Currency.Name).Err(err).Msg("cannot get balance")
		return
	}
	var info struct {
		Funds map[string]json.Number `json:"funds"`
	}
	if err := decodeJSON(result, &info); err != nil {
		log.Warn().Err(err).Msg("cannot decode getInfo response")
		return
	}
	raw, ok := info.Funds[cmd.Currency.wireName()]
	if !ok {
		log.Warn().Str("currency", cmd.Currency.Name).Msg("currency missing from funds")
		return
	}
	amount, err := decimal.NewFromString(raw.String())
	if err != nil {
		log.Warn().Str("currency", cmd.Currency.Name).Err(err).Msg("bad balance value")
		return
	}
	c.emitBalance(cmd.Currency, amount)
}

func (c *Connector) serveGetActiveOrders(cmd GetActiveOrdersCommand) {
	pair := cmd.Pair
	result, err := c.trade.call(c.ctx, "ActiveOrders", map[string]string{"pair": pair.wireString()})
	if err != nil && !errors.Is(err, errEmptyResult) {
		log.Warn().Str("pair", pair.String()).Err(err).Msg("cannot get active orders")
		return
	}
	orders := []Order{}
	if err == nil {
		orders, err = parseActiveOrders(result, pair)
		if err != nil {
			log.Warn().Str("pair", pair.String()).Err(err).Msg("cannot decode active orders")
			return
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Price.LessThan(orders[j].Price) })
	c.emit(ActiveOrdersEvent{Pair: pair, Orders: orders})
}

func (c *Connector) serveGetCompletedOrders(cmd GetCompletedOrdersCommand) {
	pair := cmd.Pair
	result, err := c.trade.call(c.ctx, "TradeHistory", map[string]string{
		"pair":  pair.wireString(),
		"count": "20",
	})
	if err != nil && !errors.Is(err, errEmptyResult) {
		log.Warn().Str("pair", pair.String()).Err(err).Msg("cannot get completed orders")
		return
	}
	orders := []Order{}
	if err == nil {
		orders, err = parseCompletedOrders(result, pair)
		if err != nil {
			log.Warn().Str("pair", pair.String()).Err(err).Msg("cannot decode completed orders")
			return
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Completed.After(orders[j].Completed) })
	c.emit(CompletedOrdersEvent{Pair: pair, Orders: orders})
}

func (c *Connector) serveCreateOrder(pair CurrencyPair, side OrderSide, amount, price decimal.Decimal) {
	logger := log.With().
		Str("pair", pair.String()).
		Str("side", strings.ToLower(string(side))).
		Str("amount", amount.String()).
		Str("price", price.String()).
		Logger()
	logger.Debug().Msg("creating order")
	result, err := c.trade.call(c.ctx, "Trade", map[string]string{
		"pair":   pair.wireString(),
		"type":   strings.ToLower(string(side)),
		"rate":   price.String(),
		"amount": amount.String(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("cannot create order")
		return
	}
	c.publishFunds(result)
}

func (c *Connector) serveCancelOrder(cmd CancelOrderCommand) {
	log.Debug().Str("order_id", cmd.OrderID).Msg("cancelling order")
	result, err := c.trade.call(c.ctx, "CancelOrder", map[string]string{"order_id": cmd.OrderID})
	if err != nil {
		log.Warn().Str("order_id", cmd.OrderID).Err(err).Msg("cannot cancel order")
		return
	}
	c.publishFunds(result)
}

// publishFunds turns an updated funds map (returned by Trade and
// CancelOrder) into Balance events for every registered currency it
// mentions.
func (c *Connector) publishFunds(result json.RawMessage) {
	var payload struct {
		Funds map[string]json.Number `json:"funds"`
	}
	if err := decodeJSON(result, &payload); err != nil {
		log.Warn().Err(err).Msg("cannot decode funds")
		return
	}
	names := make([]string, 0, len(payload.Funds))
	for name := range payload.Funds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		currency, ok := c.currencies[name]
		if !ok {
			continue
		}
		amount, err := decimal.NewFromString(payload.Funds[name].String())
		if err != nil {
			log.Warn().Str("currency", name).Err(err).Msg("bad funds value")
			continue
		}
		c.emitBalance(currency, amount)
	}
}

func (c *Connector) emitBalance(currency Currency, amount decimal.Decimal) {
	amount = quantize(amount, currency.Places)
	SetBalanceMetric(currency.Name, amount.InexactFloat64())
	c.emit(BalanceEvent{Currency: currency, Value: amount})
}

// ---- response normalization ----

type activeOrderPayload struct {
	Pair             string      `json:"pair"`
	Type             string      `json:"type"`
	Amount           json.Number `json:"amount"`
	Rate             json.Number `json:"rate"`
	TimestampCreated int64       `json:"timestamp_created"`
}

func parseActiveOrders(result json.RawMessage, pair CurrencyPair) ([]Order, error) {
	var raw map[string]activeOrderPayload
	if err := decodeJSON(result, &raw); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(raw))
	for id, payload := range raw {
		if payload.Pair != "" && payload.Pair != pair.wireString() {
			continue
		}
		order, err := normalizeOrder(id, payload.Type, payload.Amount, payload.Rate, pair)
		if err != nil {
			return nil, err
		}
		order.Created = time.Unix(payload.TimestampCreated, 0).UTC()
		orders = append(orders, order)
	}
	return orders, nil
}

type completedOrderPayload struct {
	Pair      string      `json:"pair"`
	Type      string      `json:"type"`
	Amount    json.Number `json:"amount"`
	Rate      json.Number `json:"rate"`
	OrderID   json.Number `json:"order_id"`
	Timestamp int64       `json:"timestamp"`
}

func parseCompletedOrders(result json.RawMessage, pair CurrencyPair) ([]Order, error) {
	var raw map[string]completedOrderPayload
	if err := decodeJSON(result, &raw); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(raw))
	for _, payload := range raw {
		if payload.Pair != "" && payload.Pair != pair.wireString() {
			continue
		}
		order, err := normalizeOrder(payload.OrderID.String(), payload.Type, payload.Amount, payload.Rate, pair)
		if err != nil {
			return nil, err
		}
		order.Completed = time.Unix(payload.Timestamp, 0).UTC()
		orders = append(orders, order)
	}
	return orders, nil
}

// normalizeOrder maps a wire order onto the domain model: side from
// the type string ("sell" -> SELL, anything else BUY), amount
// quantized to the first currency, price to the second.
func normalizeOrder(id, orderType string, amount, rate json.Number, pair CurrencyPair) (Order, error) {
	amountDec, err := decimal.NewFromString(amount.String())
	if err != nil {
		return Order{}, fmt.Errorf("order %s: bad amount %q", id, amount)
	}
	priceDec, err := decimal.NewFromString(rate.String())
	if err != nil {
		return Order{}, fmt.Errorf("order %s: bad rate %q", id, rate)
	}
	side := SideBuy
	if orderType == "sell" {
		side = SideSell
	}
	return Order{
		ID:     id,
		Side:   side,
		Amount: quantize(amountDec, pair.First.Places),
		Price:  quantize(priceDec, pair.Second.Places),
	}, nil
}
