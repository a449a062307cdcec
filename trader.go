// FILE: trader.go
// Package main – Per-pair trading pipeline.
//
// One Trader per configured pair. It drives all data acquisition with
// poll timers (the connector never polls on its own), derives decision
// streams from the events it gets back, and emits commands:
//   • price jump     – a move of at least price_jump_value places a
//     counter-offer on each side, margin away from the new price.
//   • completion     – every newly completed order is mirrored on the
//     opposite side at price*(1±(margin+jitter)) to capture the spread.
//   • balance change – deprecated alternate of the completion trigger;
//     only wired when TRIGGER_BALANCE_CHANGE is set.
// Active orders older than the outdate period are cancelled.
//
// Concurrency design: the Trader owns one goroutine (loop). Bus events
// and timer ticks are both handled there, so every pipeline callback
// runs single-threaded and the scan/distinct/combine state needs no
// locks.

package main

import (
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Poll cadence (first tick is immediate for every signal).
const (
	pollServerTimeInterval      = 1 * time.Second
	pollPriceInterval           = 10 * time.Second
	pollBalanceInterval         = 10 * time.Minute
	pollActiveOrdersInterval    = 1 * time.Hour
	pollCompletedOrdersInterval = 10 * time.Second

	// Time+price lines are throttled to one per window.
	logTimePriceInterval = 10 * time.Minute
)

// Order-creation reasons, for logs and metrics.
const (
	reasonPriceJump     = "jump"
	reasonMirror        = "mirror"
	reasonBalanceChange = "balance"
)

var decimalOne = decimal.NewFromInt(1)

// Trader runs the decision pipeline for a single pair.
type Trader struct {
	opts           TradingOptions
	outdateAfter   time.Duration
	balanceTrigger bool

	send func(Command)

	// Injectable for tests.
	now      func() time.Time
	jitterFn func() decimal.Decimal

	events   *Subject[Event]
	pipeline *CompositeDisposable

	sub  *BusSubscription[Event]
	quit chan struct{}
	done chan struct{}
}

// NewTrader builds the trader and wires its pipeline. send is invoked
// for every command the pipeline decides to emit; the supervisor wires
// it to the command bus.
func NewTrader(opts TradingOptions, cfg Config, send func(Command)) *Trader {
	t := &Trader{
		opts:           opts,
		outdateAfter:   cfg.OrderOutdatePeriod,
		balanceTrigger: cfg.BalanceChangeTrigger,
		send:           send,
		now:            func() time.Time { return time.Now().UTC() },
		events:         NewSubject[Event](),
	}
	t.jitterFn = t.randomJitter
	t.pipeline = t.wire()
	return t
}

// Start subscribes to the event bus and runs the trader loop.
func (t *Trader) Start(events *Bus[Event]) {
	t.logger().Info().Msg("starting trader")
	t.sub = events.Subscribe()
	t.quit = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop()
}

// Stop halts the loop and disposes every subscription.
func (t *Trader) Stop() {
	t.logger().Info().Msg("stopping trader")
	if t.quit != nil {
		close(t.quit)
		<-t.done
	}
	if t.sub != nil {
		t.sub.Close()
	}
	t.pipeline.Dispose()
}

func (t *Trader) logger() *zerolog.Logger {
	l := log.With().Str("pair", t.opts.Pair.String()).Logger()
	return &l
}

// loop is the trader's only goroutine: it serializes bus delivery and
// timer ticks into the pipeline.
func (t *Trader) loop() {
	defer close(t.done)

	// Every signal polls immediately once, then on its cadence.
	t.pollServerTime()
	t.pollPrice()
	t.pollBalances()
	t.pollActiveOrders()
	t.pollCompletedOrders()

	serverTime := time.NewTicker(pollServerTimeInterval)
	defer serverTime.Stop()
	price := time.NewTicker(pollPriceInterval)
	defer price.Stop()
	balance := time.NewTicker(pollBalanceInterval)
	defer balance.Stop()
	active := time.NewTicker(pollActiveOrdersInterval)
	defer active.Stop()
	completed := time.NewTicker(pollCompletedOrdersInterval)
	defer completed.Stop()

	for {
		select {
		case ev, ok := <-t.sub.C():
			if !ok {
				return
			}
			t.dispatch(ev)
		case <-serverTime.C:
			t.pollServerTime()
		case <-price.C:
			t.pollPrice()
		case <-balance.C:
			t.pollBalances()
		case <-active.C:
			t.pollActiveOrders()
		case <-completed.C:
			t.pollCompletedOrders()
		case <-t.quit:
			return
		}
	}
}

// dispatch pushes one event through the pipeline. Only the loop
// goroutine (or a test) may call it.
func (t *Trader) dispatch(ev Event) { t.events.Next(ev) }

func (t *Trader) emitCommand(cmd Command) {
	IncCommandMetric(commandKind(cmd))
	t.send(cmd)
}

// ---- pollers ----

func (t *Trader) pollServerTime() { t.emitCommand(GetServerTimeCommand{}) }

func (t *Trader) pollPrice() { t.emitCommand(GetPriceCommand{Pair: t.opts.Pair}) }

func (t *Trader) pollBalances() {
	t.emitCommand(GetBalanceCommand{Currency: t.opts.Pair.First})
	t.emitCommand(GetBalanceCommand{Currency: t.opts.Pair.Second})
}

func (t *Trader) pollActiveOrders() { t.emitCommand(GetActiveOrdersCommand{Pair: t.opts.Pair}) }

func (t *Trader) pollCompletedOrders() { t.emitCommand(GetCompletedOrdersCommand{Pair: t.opts.Pair}) }

// ---- derived streams ----

func (t *Trader) timeStream() Stream[time.Time] {
	return Map(
		Filter(t.events.Stream(), func(ev Event) bool {
			_, ok := ev.(TimeEvent)
			return ok
		}),
		func(ev Event) time.Time { return ev.(TimeEvent).Value },
	)
}

func (t *Trader) priceStream() Stream[decimal.Decimal] {
	return Map(
		Filter(t.events.Stream(), func(ev Event) bool {
			pe, ok := ev.(PriceEvent)
			return ok && pe.Pair == t.opts.Pair
		}),
		func(ev Event) decimal.Decimal { return ev.(PriceEvent).Value },
	)
}

// balancePoint is one observation of a currency balance together with
// the change since the previous observation (zero on the first).
type balancePoint struct {
	Balance decimal.Decimal
	Change  decimal.Decimal
	seen    bool
}

func (t *Trader) balanceStream(currency Currency) Stream[balancePoint] {
	values := Map(
		Filter(t.events.Stream(), func(ev Event) bool {
			be, ok := ev.(BalanceEvent)
			return ok && be.Currency == currency
		}),
		func(ev Event) decimal.Decimal { return ev.(BalanceEvent).Value },
	)
	return Scan(values, balancePoint{}, func(prev balancePoint, v decimal.Decimal) balancePoint {
		if !prev.seen {
			return balancePoint{Balance: v, Change: decimal.Zero, seen: true}
		}
		return balancePoint{Balance: v, Change: v.Sub(prev.Balance), seen: true}
	})
}

func (t *Trader) firstBalanceStream() Stream[balancePoint] {
	return t.balanceStream(t.opts.Pair.First)
}

func (t *Trader) secondBalanceStream() Stream[balancePoint] {
	return t.balanceStream(t.opts.Pair.Second)
}

func (t *Trader) activeOrdersStream() Stream[[]Order] {
	return Map(
		Filter(t.events.Stream(), func(ev Event) bool {
			ae, ok := ev.(ActiveOrdersEvent)
			return ok && ae.Pair == t.opts.Pair
		}),
		func(ev Event) []Order { return ev.(ActiveOrdersEvent).Orders },
	)
}

func (t *Trader) completedOrdersStream() Stream[[]Order] {
	return Map(
		Filter(t.events.Stream(), func(ev Event) bool {
			ce, ok := ev.(CompletedOrdersEvent)
			return ok && ce.Pair == t.opts.Pair
		}),
		func(ev Event) []Order { return ev.(CompletedOrdersEvent).Orders },
	)
}

// jumpingPriceStream holds the last "jumped" price and replaces it
// only when the relative move reaches price_jump_value. The
// initialization tick is not a jump.
func (t *Trader) jumpingPriceStream() Stream[decimal.Decimal] {
	held := Scan(t.priceStream(), decimal.Zero, func(prev, price decimal.Decimal) decimal.Decimal {
		if prev.IsZero() {
			return price
		}
		if price.Sub(prev).Abs().Div(prev).LessThan(t.opts.PriceJumpValue) {
			return prev
		}
		return price
	})
	return Skip(DistinctUntilChangedBy(held, decimal.Decimal.String), 1)
}

// completedDiff carries the set of order ids seen so far plus the
// orders that were new in the latest observation.
type completedDiff struct {
	seen  map[string]struct{}
	fresh []Order
}

// completedSinglyStream emits each completed order exactly once:
// successive CompletedOrders lists are diffed as sets by id and the
// difference is flattened.
func (t *Trader) completedSinglyStream() Stream[Order] {
	diffs := Scan(t.completedOrdersStream(), completedDiff{}, func(prev completedDiff, orders []Order) completedDiff {
		seen := make(map[string]struct{}, len(prev.seen)+len(orders))
		for id := range prev.seen {
			seen[id] = struct{}{}
		}
		var fresh []Order
		for _, order := range orders {
			if _, ok := prev.seen[order.ID]; !ok {
				fresh = append(fresh, order)
			}
			seen[order.ID] = struct{}{}
		}
		return completedDiff{seen: seen, fresh: fresh}
	})
	return FlatMap(diffs, func(d completedDiff) []Order { return d.fresh })
}

// ---- pipeline wiring ----

func (t *Trader) wire() *CompositeDisposable {
	pipeline := &CompositeDisposable{}
	pipeline.Add(
		t.subscribeTimeAndPrice(),
		t.subscribeBalances(),
		t.subscribeActiveOrders(),
		t.subscribePriceJump(),
		t.subscribeCompletedOrders(),
	)
	if t.balanceTrigger {
		pipeline.Add(t.subscribeBalanceChange())
	}
	return pipeline
}

func (t *Trader) subscribeTimeAndPrice() Disposable {
	throttled := ThrottleFirst(
		CombineLatest2(t.timeStream(), t.priceStream()),
		logTimePriceInterval, t.now,
	)
	return throttled.Subscribe(func(p Pair2[time.Time, decimal.Decimal]) {
		t.logger().Info().
			Time("server_time", p.A).
			Str("price", p.B.String()).
			Msg("time and price")
	})
}

func (t *Trader) subscribeBalances() Disposable {
	both := CombineLatest2(t.firstBalanceStream(), t.secondBalanceStream())
	distinct := DistinctUntilChangedBy(both, func(p Pair2[balancePoint, balancePoint]) string {
		return p.A.Balance.String() + "/" + p.B.Balance.String()
	})
	return distinct.Subscribe(func(p Pair2[balancePoint, balancePoint]) {
		t.logger().Info().
			Str(strings.ToLower(t.opts.Pair.First.Name), p.A.Balance.String()).
			Str(strings.ToLower(t.opts.Pair.First.Name)+"_change", p.A.Change.String()).
			Str(strings.ToLower(t.opts.Pair.Second.Name), p.B.Balance.String()).
			Str(strings.ToLower(t.opts.Pair.Second.Name)+"_change", p.B.Change.String()).
			Msg("balance")
	})
}

func (t *Trader) subscribeActiveOrders() Disposable {
	orders := t.activeOrdersStream()

	logged := orders.Subscribe(func(orders []Order) {
		if len(orders) == 0 {
			t.logger().Info().Msg("no active orders found")
			return
		}
		lines := make([]string, len(orders))
		for i, order := range orders {
			lines[i] = order.String()
		}
		t.logger().Info().Strs("orders", lines).Msg("active orders")
	})

	stale := Filter(
		FlatMap(orders, func(orders []Order) []Order { return orders }),
		func(order Order) bool {
			return !order.Created.IsZero() && t.now().Sub(order.Created) > t.outdateAfter
		},
	)
	cancelled := stale.Subscribe(t.cancelOrder)

	group := &CompositeDisposable{}
	group.Add(logged, cancelled)
	return group
}

// subscribePriceJump: on every jump, try a sell against
// the first-currency balance and a buy against the second. Distinct by
// price keeps it to one attempt per jump per side.
func (t *Trader) subscribePriceJump() Disposable {
	jump := t.jumpingPriceStream()
	firstBal := Map(t.firstBalanceStream(), func(b balancePoint) decimal.Decimal { return b.Balance })
	secondBal := Map(t.secondBalanceStream(), func(b balancePoint) decimal.Decimal { return b.Balance })

	sells := DistinctUntilChangedBy(
		CombineLatest2(jump, firstBal),
		func(p Pair2[decimal.Decimal, decimal.Decimal]) string { return p.A.String() },
	)
	buys := DistinctUntilChangedBy(
		CombineLatest2(jump, secondBal),
		func(p Pair2[decimal.Decimal, decimal.Decimal]) string { return p.A.String() },
	)

	group := &CompositeDisposable{}
	group.Add(
		sells.Subscribe(func(p Pair2[decimal.Decimal, decimal.Decimal]) {
			t.createSellOrder(p.B, p.A, reasonPriceJump)
		}),
		buys.Subscribe(func(p Pair2[decimal.Decimal, decimal.Decimal]) {
			t.createBuyOrder(p.B, p.A, reasonPriceJump)
		}),
	)
	return group
}

// subscribeCompletedOrders: each newly completed order
// is mirrored with the side flipped. Distinct by order id keeps
// balance updates from re-triggering the same mirror.
func (t *Trader) subscribeCompletedOrders() Disposable {
	combo := CombineLatest3(
		t.completedSinglyStream(),
		t.firstBalanceStream(),
		t.secondBalanceStream(),
	)
	distinct := DistinctUntilChangedBy(combo, func(p Pair3[Order, balancePoint, balancePoint]) string {
		return p.A.ID
	})
	return distinct.Subscribe(func(p Pair3[Order, balancePoint, balancePoint]) {
		t.mirrorOrder(p.A, p.B.Balance, p.C.Balance)
	})
}

// subscribeBalanceChange is the deprecated trigger: a positive
// balance change places an order at the current price adjusted by the
// margin. The completed-order mirror subsumes it; kept behind
// TRIGGER_BALANCE_CHANGE.
func (t *Trader) subscribeBalanceChange() Disposable {
	firstGrown := Map(
		Filter(t.firstBalanceStream(), func(b balancePoint) bool { return b.Change.IsPositive() }),
		func(b balancePoint) decimal.Decimal { return b.Balance },
	)
	secondGrown := Map(
		Filter(t.secondBalanceStream(), func(b balancePoint) bool { return b.Change.IsPositive() }),
		func(b balancePoint) decimal.Decimal { return b.Balance },
	)

	sells := DistinctUntilChangedBy(
		CombineLatest2(firstGrown, t.priceStream()),
		func(p Pair2[decimal.Decimal, decimal.Decimal]) string { return p.A.String() },
	)
	buys := DistinctUntilChangedBy(
		CombineLatest2(secondGrown, t.priceStream()),
		func(p Pair2[decimal.Decimal, decimal.Decimal]) string { return p.A.String() },
	)

	group := &CompositeDisposable{}
	group.Add(
		sells.Subscribe(func(p Pair2[decimal.Decimal, decimal.Decimal]) {
			t.createSellOrder(p.A, p.B, reasonBalanceChange)
		}),
		buys.Subscribe(func(p Pair2[decimal.Decimal, decimal.Decimal]) {
			t.createBuyOrder(p.A, p.B, reasonBalanceChange)
		}),
	)
	return group
}

// ---- decisions ----

// createSellOrder offers the first currency at price plus margin.
func (t *Trader) createSellOrder(balance, price decimal.Decimal, reason string) {
	margin := t.opts.Margin.Add(t.jitterFn())
	newPrice := quantize(price.Mul(decimalOne.Add(margin)), t.opts.Pair.Second.Places)
	amount := t.opts.DealAmount
	if !t.opts.hasDealAmount() {
		amount = decimal.Max(balance, t.opts.MinAmount)
	}
	t.logger().Info().
		Str("price", price.String()).
		Str("new_price", newPrice.String()).
		Str("margin", margin.String()).
		Str("reason", reason).
		Msg("create sell order")
	if amount.GreaterThan(balance) {
		t.logger().Info().Str("reason", reason).Msg("not enough funds for sell")
		return
	}
	IncOrderMetric(string(SideSell), reason)
	t.emitCommand(CreateSellOrderCommand{Pair: t.opts.Pair, Amount: amount, Price: newPrice})
}

// createBuyOrder bids for the first currency at price minus margin.
func (t *Trader) createBuyOrder(balance, price decimal.Decimal, reason string) {
	margin := t.opts.Margin.Add(t.jitterFn())
	newPrice := quantize(price.Mul(decimalOne.Sub(margin)), t.opts.Pair.Second.Places)
	amount := t.opts.DealAmount
	if !t.opts.hasDealAmount() {
		amount = decimal.Max(t.opts.MinAmount, quantize(balance.Div(newPrice), t.opts.Pair.First.Places))
	}
	t.logger().Info().
		Str("price", price.String()).
		Str("new_price", newPrice.String()).
		Str("margin", margin.String()).
		Str("reason", reason).
		Msg("create buy order")
	if amount.Mul(newPrice).GreaterThan(balance) {
		t.logger().Info().Str("reason", reason).Msg("not enough funds for buy")
		return
	}
	IncOrderMetric(string(SideBuy), reason)
	t.emitCommand(CreateBuyOrderCommand{Pair: t.opts.Pair, Amount: amount, Price: newPrice})
}

// mirrorOrder flips the side of a completed order,
// keep its amount, and price the mirror a margin away from its fill
// price.
func (t *Trader) mirrorOrder(completed Order, firstBalance, secondBalance decimal.Decimal) {
	margin := t.opts.Margin.Add(t.jitterFn())
	amount := completed.Amount
	if amount.LessThan(t.opts.MinAmount) {
		t.logger().Info().
			Str("order_id", completed.ID).
			Str("amount", amount.String()).
			Msg("completed order below minimum amount, not mirroring")
		return
	}

	side := completed.Side.opposite()
	var newPrice decimal.Decimal
	if side == SideSell {
		newPrice = quantize(completed.Price.Mul(decimalOne.Add(margin)), t.opts.Pair.Second.Places)
	} else {
		newPrice = quantize(completed.Price.Mul(decimalOne.Sub(margin)), t.opts.Pair.Second.Places)
	}
	t.logger().Info().
		Str("order_id", completed.ID).
		Str("side", strings.ToLower(string(side))).
		Str("amount", amount.String()).
		Str("price", completed.Price.String()).
		Str("new_price", newPrice.String()).
		Msg("mirror completed order")

	if side == SideSell {
		if amount.GreaterThan(firstBalance) {
			t.logger().Info().Str("order_id", completed.ID).Msg("not enough funds for sell")
			return
		}
		IncOrderMetric(string(SideSell), reasonMirror)
		t.emitCommand(CreateSellOrderCommand{Pair: t.opts.Pair, Amount: amount, Price: newPrice})
		return
	}
	if amount.Mul(newPrice).GreaterThan(secondBalance) {
		t.logger().Info().Str("order_id", completed.ID).Msg("not enough funds for buy")
		return
	}
	IncOrderMetric(string(SideBuy), reasonMirror)
	t.emitCommand(CreateBuyOrderCommand{Pair: t.opts.Pair, Amount: amount, Price: newPrice})
}

func (t *Trader) cancelOrder(order Order) {
	t.logger().Info().
		Str("order_id", order.ID).
		Time("created", order.Created).
		Dur("age", t.now().Sub(order.Created)).
		Msg("cancel outdated order")
	IncCancelledMetric()
	t.emitCommand(CancelOrderCommand{OrderID: order.ID})
}

// randomJitter draws uniformly from [-margin_jitter, +margin_jitter],
// quantized to 4 places.
func (t *Trader) randomJitter() decimal.Decimal {
	bound := t.opts.MarginJitter
	if !bound.IsPositive() {
		return decimal.Zero
	}
	f := bound.InexactFloat64()
	return quantize(decimal.NewFromFloat(-f+2*f*rand.Float64()), 4)
}
