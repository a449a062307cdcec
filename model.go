// FILE: model.go
// Package main – Domain model shared by the trader and the connector.
//
// This file defines the value types the engine trades in:
//   • Currency / CurrencyPair: immutable descriptors built at startup
//   • TradingOptions: per-pair knobs (margin, jitter, amounts, jump)
//   • Order: normalized exchange order, identity by ID only
//   • Command / Event: the tagged variants carried by the two buses
//
// All monetary values are shopspring decimals; floats never touch money.
// Quantization is banker's rounding to the owning currency's places.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---- Currencies & pairs ----

// Currency is a symbolic currency name plus the number of fractional
// digits used when quantizing amounts/prices denominated in it.
type Currency struct {
	Name   string // upper-case symbol, e.g. "BTC"
	Places int32
}

func (c Currency) String() string { return c.Name }

// wireName is the lower-case form the exchange API expects.
func (c Currency) wireName() string { return strings.ToLower(c.Name) }

// CurrencyPair is an ordered (first, second) pair. The price of the
// pair is quoted in the second currency per unit of the first.
type CurrencyPair struct {
	First  Currency
	Second Currency
}

func (p CurrencyPair) String() string { return p.First.Name + "/" + p.Second.Name }

// wireString encodes the pair the way the exchange wire wants it,
// e.g. BTC/USD -> "btc_usd".
func (p CurrencyPair) wireString() string {
	return p.First.wireName() + "_" + p.Second.wireName()
}

// quantize rounds v half-even to the given number of places.
func quantize(v decimal.Decimal, places int32) decimal.Decimal {
	return v.RoundBank(places)
}

// ---- Trading options ----

// TradingOptions holds the per-pair knobs. Built once at startup from
// the TRADING config entry and never mutated.
type TradingOptions struct {
	Pair           CurrencyPair
	Margin         decimal.Decimal // fractional spread, e.g. 0.052
	MarginJitter   decimal.Decimal // non-negative bound for random margin noise
	MinAmount      decimal.Decimal
	DealAmount     decimal.Decimal // optional; zero means "derive from balance"
	PriceJumpValue decimal.Decimal // relative change that counts as a jump
}

// hasDealAmount reports whether a fixed deal size was configured.
func (o TradingOptions) hasDealAmount() bool { return o.DealAmount.IsPositive() }

// ---- Orders ----

// OrderSide is the side of an order.
type OrderSide string

const (
	SideSell OrderSide = "SELL"
	SideBuy  OrderSide = "BUY"
)

// opposite flips the side; a filled BUY is mirrored by a SELL and
// vice versa.
func (s OrderSide) opposite() OrderSide {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

// Order is a normalized view of an exchange order. Identity is the ID
// alone; the exchange is the system of record. Created/Completed are
// zero when the exchange did not report them.
type Order struct {
	ID        string
	Side      OrderSide
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Created   time.Time
	Completed time.Time
}

func (o Order) String() string {
	return fmt.Sprintf("Order(id=%s,side=%s,amount=%s,price=%s)",
		o.ID, strings.ToLower(string(o.Side)), o.Amount, o.Price)
}

// ---- Commands (Trader -> Connector) ----

// Command is the tagged variant the Trader publishes on the command
// bus. Dispatch is by concrete type.
type Command interface{ isCommand() }

type GetServerTimeCommand struct{}

type GetPriceCommand struct{ Pair CurrencyPair }

type GetBalanceCommand struct{ Currency Currency }

type GetActiveOrdersCommand struct{ Pair CurrencyPair }

type GetCompletedOrdersCommand struct{ Pair CurrencyPair }

type CreateSellOrderCommand struct {
	Pair   CurrencyPair
	Amount decimal.Decimal
	Price  decimal.Decimal
}

type CreateBuyOrderCommand struct {
	Pair   CurrencyPair
	Amount decimal.Decimal
	Price  decimal.Decimal
}

type CancelOrderCommand struct{ OrderID string }

func (GetServerTimeCommand) isCommand()      {}
func (GetPriceCommand) isCommand()           {}
func (GetBalanceCommand) isCommand()         {}
func (GetActiveOrdersCommand) isCommand()    {}
func (GetCompletedOrdersCommand) isCommand() {}
func (CreateSellOrderCommand) isCommand()    {}
func (CreateBuyOrderCommand) isCommand()     {}
func (CancelOrderCommand) isCommand()        {}

// commandKind names a command for logs and metrics.
func commandKind(c Command) string {
	switch c.(type) {
	case GetServerTimeCommand:
		return "get_server_time"
	case GetPriceCommand:
		return "get_price"
	case GetBalanceCommand:
		return "get_balance"
	case GetActiveOrdersCommand:
		return "get_active_orders"
	case GetCompletedOrdersCommand:
		return "get_completed_orders"
	case CreateSellOrderCommand:
		return "create_sell_order"
	case CreateBuyOrderCommand:
		return "create_buy_order"
	case CancelOrderCommand:
		return "cancel_order"
	default:
		return "unknown"
	}
}

// ---- Events (Connector -> Traders) ----

// Event is the tagged variant the Connector publishes on the event bus.
type Event interface{ isEvent() }

type TimeEvent struct{ Value time.Time }

type PriceEvent struct {
	Pair  CurrencyPair
	Value decimal.Decimal
}

type BalanceEvent struct {
	Currency Currency
	Value    decimal.Decimal
}

type ActiveOrdersEvent struct {
	Pair   CurrencyPair
	Orders []Order
}

type CompletedOrdersEvent struct {
	Pair   CurrencyPair
	Orders []Order
}

func (TimeEvent) isEvent()            {}
func (PriceEvent) isEvent()           {}
func (BalanceEvent) isEvent()         {}
func (ActiveOrdersEvent) isEvent()    {}
func (CompletedOrdersEvent) isEvent() {}

// eventKind names an event for logs and metrics.
func eventKind(e Event) string {
	switch e.(type) {
	case TimeEvent:
		return "time"
	case PriceEvent:
		return "price"
	case BalanceEvent:
		return "balance"
	case ActiveOrdersEvent:
		return "active_orders"
	case CompletedOrdersEvent:
		return "completed_orders"
	default:
		return "unknown"
	}
}
