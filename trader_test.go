// FILE: trader_test.go
package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() TradingOptions {
	return TradingOptions{
		Pair:           testPair(),
		Margin:         decimal.RequireFromString("0.05"),
		MarginJitter:   decimal.Zero,
		MinAmount:      decimal.RequireFromString("0.01"),
		PriceJumpValue: decimal.RequireFromString("0.05"),
	}
}

func testConfig() Config {
	return Config{
		Currencies:         testRegistry(),
		OrderOutdatePeriod: defaultOrderOutdatePeriod,
	}
}

// newTestTrader builds a trader whose pipeline is driven directly via
// dispatch, with jitter pinned to zero. The loop goroutine never runs.
func newTestTrader(t *testing.T, opts TradingOptions, cfg Config) (*Trader, *[]Command) {
	t.Helper()
	var cmds []Command
	tr := NewTrader(opts, cfg, func(c Command) { cmds = append(cmds, c) })
	tr.jitterFn = func() decimal.Decimal { return decimal.Zero }
	return tr, &cmds
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ---- balance stream ----

func TestBalanceStreamTracksChanges(t *testing.T) {
	tr, _ := newTestTrader(t, testOptions(), testConfig())
	usd := testPair().Second

	var points []balancePoint
	tr.secondBalanceStream().Subscribe(func(p balancePoint) { points = append(points, p) })

	tr.dispatch(BalanceEvent{Currency: usd, Value: dec("1000")})
	tr.dispatch(BalanceEvent{Currency: usd, Value: dec("1200")})
	tr.dispatch(BalanceEvent{Currency: usd, Value: dec("900")})

	require.Len(t, points, 3)
	assert.True(t, points[0].Change.IsZero())
	assert.True(t, points[1].Change.Equal(dec("200")))
	assert.True(t, points[2].Change.Equal(dec("-300")))
	// Each balance equals the previous balance plus the change.
	for i := 1; i < len(points); i++ {
		assert.True(t, points[i-1].Balance.Add(points[i].Change).Equal(points[i].Balance))
	}
}

func TestBalanceStreamIgnoresOtherCurrencies(t *testing.T) {
	tr, _ := newTestTrader(t, testOptions(), testConfig())

	var points []balancePoint
	tr.firstBalanceStream().Subscribe(func(p balancePoint) { points = append(points, p) })

	tr.dispatch(BalanceEvent{Currency: testPair().Second, Value: dec("1000")})
	assert.Empty(t, points)
}

// ---- price jump stream ----

func TestJumpingPriceStreamEmitsOnlyRealJumps(t *testing.T) {
	tr, _ := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	var jumps []decimal.Decimal
	tr.jumpingPriceStream().Subscribe(func(p decimal.Decimal) { jumps = append(jumps, p) })

	tr.dispatch(PriceEvent{Pair: pair, Value: dec("100")}) // init, not a jump
	tr.dispatch(PriceEvent{Pair: pair, Value: dec("102")}) // 2% move, held
	tr.dispatch(PriceEvent{Pair: pair, Value: dec("107")}) // 7% move, jump
	tr.dispatch(PriceEvent{Pair: pair, Value: dec("107")}) // repeat, no jump
	tr.dispatch(PriceEvent{Pair: pair, Value: dec("101")}) // 5.6% down, jump

	require.Len(t, jumps, 2)
	assert.True(t, jumps[0].Equal(dec("107")))
	assert.True(t, jumps[1].Equal(dec("101")))
}

// ---- completed-singly stream ----

func TestCompletedSinglyStreamEmitsEachOrderOnce(t *testing.T) {
	tr, _ := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	var seen []string
	tr.completedSinglyStream().Subscribe(func(o Order) { seen = append(seen, o.ID) })

	a := Order{ID: "1", Side: SideSell, Amount: dec("0.1"), Price: dec("100")}
	b := Order{ID: "2", Side: SideBuy, Amount: dec("0.2"), Price: dec("95")}
	c := Order{ID: "3", Side: SideSell, Amount: dec("0.3"), Price: dec("105")}

	// The first list seeds against the empty set: everything is fresh.
	tr.dispatch(CompletedOrdersEvent{Pair: pair, Orders: []Order{a}})
	tr.dispatch(CompletedOrdersEvent{Pair: pair, Orders: []Order{a, b}})
	tr.dispatch(CompletedOrdersEvent{Pair: pair, Orders: []Order{b, c}})
	tr.dispatch(CompletedOrdersEvent{Pair: pair, Orders: []Order{b, c}})

	assert.Equal(t, []string{"1", "2", "3"}, seen)
}

// ---- price jump trigger ----

// A 7% move with a USD balance on hand places one buy a margin below
// the new price, sized to spend the whole balance.
func TestPriceJumpPlacesBuyOrder(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	tr.dispatch(PriceEvent{Pair: pair, Value: dec("100")})
	tr.dispatch(PriceEvent{Pair: pair, Value: dec("107")})
	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("1000")})

	require.Len(t, *cmds, 1)
	buy, ok := (*cmds)[0].(CreateBuyOrderCommand)
	require.True(t, ok)
	assert.True(t, buy.Price.Equal(dec("101.65")), "got %s", buy.Price)
	assert.True(t, buy.Amount.Equal(dec("9.837678")), "got %s", buy.Amount)
}

func TestPriceJumpPlacesSellOrder(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	tr.dispatch(PriceEvent{Pair: pair, Value: dec("100")})
	tr.dispatch(PriceEvent{Pair: pair, Value: dec("107")})
	tr.dispatch(BalanceEvent{Currency: pair.First, Value: dec("2")})

	require.Len(t, *cmds, 1)
	sell, ok := (*cmds)[0].(CreateSellOrderCommand)
	require.True(t, ok)
	assert.True(t, sell.Price.Equal(dec("112.35")), "got %s", sell.Price) // 107 * 1.05
	assert.True(t, sell.Amount.Equal(dec("2")))
}

// Re-delivering the same price or balance must not duplicate orders.
func TestPriceJumpFiresOncePerJump(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	tr.dispatch(PriceEvent{Pair: pair, Value: dec("100")})
	tr.dispatch(PriceEvent{Pair: pair, Value: dec("107")})
	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("1000")})
	require.Len(t, *cmds, 1)

	tr.dispatch(PriceEvent{Pair: pair, Value: dec("107")})
	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("1000")})
	assert.Len(t, *cmds, 1)
}

func TestPriceJumpBelowThresholdIsIgnored(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("1000")})
	tr.dispatch(PriceEvent{Pair: pair, Value: dec("100")})
	tr.dispatch(PriceEvent{Pair: pair, Value: dec("104")})

	assert.Empty(t, *cmds)
}

func TestPriceJumpUsesDealAmountWhenConfigured(t *testing.T) {
	opts := testOptions()
	opts.DealAmount = dec("0.25")
	tr, cmds := newTestTrader(t, opts, testConfig())
	pair := testPair()

	tr.dispatch(PriceEvent{Pair: pair, Value: dec("100")})
	tr.dispatch(PriceEvent{Pair: pair, Value: dec("107")})
	tr.dispatch(BalanceEvent{Currency: pair.First, Value: dec("2")})

	require.Len(t, *cmds, 1)
	sell := (*cmds)[0].(CreateSellOrderCommand)
	assert.True(t, sell.Amount.Equal(dec("0.25")))
}

// ---- completed-order mirroring ----

// A completed sell is mirrored by a buy at the fill price minus the
// margin, with the same amount.
func TestCompletedSellMirroredAsBuy(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	tr.dispatch(BalanceEvent{Currency: pair.First, Value: dec("0.01")})
	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("1000")})
	tr.dispatch(CompletedOrdersEvent{Pair: pair, Orders: []Order{
		{ID: "1", Side: SideSell, Amount: dec("0.01"), Price: dec("100")},
	}})

	require.Len(t, *cmds, 1)
	buy, ok := (*cmds)[0].(CreateBuyOrderCommand)
	require.True(t, ok)
	assert.True(t, buy.Amount.Equal(dec("0.01")))
	assert.True(t, buy.Price.Equal(dec("95")), "got %s", buy.Price)
}

func TestCompletedBuyMirroredAsSell(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	tr.dispatch(BalanceEvent{Currency: pair.First, Value: dec("1")})
	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("0")})
	tr.dispatch(CompletedOrdersEvent{Pair: pair, Orders: []Order{
		{ID: "7", Side: SideBuy, Amount: dec("0.5"), Price: dec("100")},
	}})

	require.Len(t, *cmds, 1)
	sell, ok := (*cmds)[0].(CreateSellOrderCommand)
	require.True(t, ok)
	assert.True(t, sell.Amount.Equal(dec("0.5")))
	assert.True(t, sell.Price.Equal(dec("105")), "got %s", sell.Price)
}

// Balance refreshes after the mirror must not re-trigger it.
func TestMirrorNotRepeatedOnBalanceRefresh(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	tr.dispatch(BalanceEvent{Currency: pair.First, Value: dec("0.01")})
	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("1000")})
	tr.dispatch(CompletedOrdersEvent{Pair: pair, Orders: []Order{
		{ID: "1", Side: SideSell, Amount: dec("0.01"), Price: dec("100")},
	}})
	require.Len(t, *cmds, 1)

	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("999")})
	tr.dispatch(CompletedOrdersEvent{Pair: pair, Orders: []Order{
		{ID: "1", Side: SideSell, Amount: dec("0.01"), Price: dec("100")},
	}})
	assert.Len(t, *cmds, 1)
}

func TestMirrorSkipsDustOrders(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())

	tr.mirrorOrder(Order{ID: "1", Side: SideSell, Amount: dec("0.001"), Price: dec("100")}, dec("10"), dec("10000"))
	assert.Empty(t, *cmds)
}

func TestMirrorRespectsAffordability(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())

	// Mirror sell needs 0.5 BTC but only 0.1 is held.
	tr.mirrorOrder(Order{ID: "1", Side: SideBuy, Amount: dec("0.5"), Price: dec("100")}, dec("0.1"), dec("0"))
	assert.Empty(t, *cmds)

	// Mirror buy needs 0.5 * 95 = 47.5 USD but only 40 is held.
	tr.mirrorOrder(Order{ID: "2", Side: SideSell, Amount: dec("0.5"), Price: dec("100")}, dec("0"), dec("40"))
	assert.Empty(t, *cmds)
}

// ---- balance-change trigger (deprecated) ----

func TestBalanceChangeTriggerDisabledByDefault(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	tr.dispatch(PriceEvent{Pair: pair, Value: dec("100")})
	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("1000")})
	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("1900")})

	assert.Empty(t, *cmds)
}

func TestBalanceChangeTriggerPlacesOrderOnGrowth(t *testing.T) {
	cfg := testConfig()
	cfg.BalanceChangeTrigger = true
	tr, cmds := newTestTrader(t, testOptions(), cfg)
	pair := testPair()

	tr.dispatch(PriceEvent{Pair: pair, Value: dec("100")})
	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("1000")}) // first sample, change 0
	tr.dispatch(BalanceEvent{Currency: pair.Second, Value: dec("1900")}) // +900

	require.Len(t, *cmds, 1)
	buy, ok := (*cmds)[0].(CreateBuyOrderCommand)
	require.True(t, ok)
	assert.True(t, buy.Price.Equal(dec("95")))
	assert.True(t, buy.Amount.Equal(dec("20"))) // 1900 / 95
}

// ---- outdated order cancellation ----

func TestOutdatedActiveOrderCancelled(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	now := time.Date(2016, 8, 20, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	stale := Order{ID: "343152", Side: SideBuy, Amount: dec("1"), Price: dec("90"),
		Created: now.Add(-40 * 24 * time.Hour)}
	recent := Order{ID: "343154", Side: SideSell, Amount: dec("1"), Price: dec("110"),
		Created: now.Add(-1 * 24 * time.Hour)}
	tr.dispatch(ActiveOrdersEvent{Pair: pair, Orders: []Order{stale, recent}})

	require.Len(t, *cmds, 1)
	cancel, ok := (*cmds)[0].(CancelOrderCommand)
	require.True(t, ok)
	assert.Equal(t, "343152", cancel.OrderID)
}

func TestActiveOrderWithoutTimestampKept(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	pair := testPair()

	tr.dispatch(ActiveOrdersEvent{Pair: pair, Orders: []Order{
		{ID: "1", Side: SideBuy, Amount: dec("1"), Price: dec("90")},
	}})
	assert.Empty(t, *cmds)
}

// ---- decision guards ----

func TestSellOrderRequiresFunds(t *testing.T) {
	opts := testOptions()
	opts.DealAmount = dec("5")
	tr, cmds := newTestTrader(t, opts, testConfig())

	tr.createSellOrder(dec("1"), dec("100"), reasonPriceJump)
	assert.Empty(t, *cmds)
}

func TestBuyOrderRequiresFunds(t *testing.T) {
	opts := testOptions()
	opts.DealAmount = dec("5")
	tr, cmds := newTestTrader(t, opts, testConfig())

	// 5 * 95 = 475 USD needed, 400 held.
	tr.createBuyOrder(dec("400"), dec("100"), reasonPriceJump)
	assert.Empty(t, *cmds)
}

// ---- events for other pairs ----

func TestEventsForOtherPairsIgnored(t *testing.T) {
	tr, cmds := newTestTrader(t, testOptions(), testConfig())
	other := CurrencyPair{
		First:  Currency{Name: "LTC", Places: 6},
		Second: Currency{Name: "USD", Places: 3},
	}

	tr.dispatch(PriceEvent{Pair: other, Value: dec("100")})
	tr.dispatch(PriceEvent{Pair: other, Value: dec("107")})
	tr.dispatch(BalanceEvent{Currency: other.First, Value: dec("50")})
	tr.dispatch(CompletedOrdersEvent{Pair: other, Orders: []Order{
		{ID: "1", Side: SideSell, Amount: dec("1"), Price: dec("100")},
	}})

	assert.Empty(t, *cmds)
}

// ---- jitter ----

func TestRandomJitterStaysWithinBound(t *testing.T) {
	opts := testOptions()
	opts.MarginJitter = dec("0.01")
	tr, _ := newTestTrader(t, opts, testConfig())
	tr.jitterFn = tr.randomJitter

	for i := 0; i < 100; i++ {
		j := tr.randomJitter()
		assert.True(t, j.Abs().LessThanOrEqual(dec("0.01")), "jitter %s out of bound", j)
	}
}

func TestRandomJitterZeroWhenUnset(t *testing.T) {
	tr, _ := newTestTrader(t, testOptions(), testConfig())
	assert.True(t, tr.randomJitter().IsZero())
}
