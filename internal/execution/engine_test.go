package execution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/clock"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/events"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/idempotency"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/ledger"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/marketdata"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/orders"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

type fixture struct {
	engine   *Engine
	orders   *orders.Service
	ledger   *ledger.Service
	oracle   *marketdata.StaticOracle
	recorder *events.Recorder
	account  *models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Account{}, &models.Position{}, &models.Order{}, &models.Trade{}, &models.AlgoOrder{}))

	ledgerSvc := ledger.NewService(zap.NewNop(), db)
	oracle := marketdata.NewStaticOracle()
	recorder := events.NewRecorder()
	clk := clock.NewManual(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	ordersSvc := orders.NewService(zap.NewNop(), db, ledgerSvc, oracle, idempotency.NewMemoryStore(), recorder, clk, 0)
	engine := NewEngine(zap.NewNop(), ordersSvc, oracle, recorder, DefaultFeeSchedule())

	account, err := ledgerSvc.CreateAccount(context.Background(), uuid.New(), "USD")
	require.NoError(t, err)
	_, err = ledgerSvc.Apply(context.Background(), account.ID, ledger.Mutation{CashDelta: decimal.RequireFromString("1000")})
	require.NoError(t, err)

	return &fixture{engine: engine, orders: ordersSvc, ledger: ledgerSvc, oracle: oracle, recorder: recorder, account: account}
}

func (f *fixture) submit(t *testing.T, req models.OrderRequest) *models.Order {
	t.Helper()
	order, err := f.orders.Submit(context.Background(), req)
	require.NoError(t, err)
	return order
}

func (f *fixture) marketOrder(side, symbol, qty, key string) models.OrderRequest {
	return models.OrderRequest{
		AccountID:      f.account.ID,
		Symbol:         symbol,
		Side:           side,
		Type:           models.OrderTypeMarket,
		Quantity:       decimal.RequireFromString(qty),
		IdempotencyKey: key,
	}
}

func TestMarketBuyFillsAtOraclePrice(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("175.43"))
	ctx := context.Background()

	order := f.submit(t, f.marketOrder(models.SideBuy, "AAPL", "2", "fill-key-001"))
	trade, err := f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)

	// notional 350.86, 10 bps = 0.35086 -> floored to the $0.99 minimum
	assert.True(t, trade.Fee.Equal(decimal.RequireFromString("0.99")), "fee got %s", trade.Fee)
	assert.True(t, trade.Price.Equal(decimal.RequireFromString("175.43")))

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	// 1000 - 350.86 - 0.99
	assert.True(t, account.Balance.Equal(decimal.RequireFromString("648.15")), "balance got %s", account.Balance)
	assert.True(t, account.Pending.IsZero(), "reservation fully released")

	pos, err := f.ledger.GetPosition(ctx, f.account.ID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.RequireFromString("2")))
	assert.True(t, pos.AvgCost.Equal(decimal.RequireFromString("175.43")))

	got, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(got.RequestedQty))
}

func TestRoundTripRealizesTwoFees(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("100"))
	ctx := context.Background()

	buy := f.submit(t, f.marketOrder(models.SideBuy, "AAPL", "2", "fill-key-002"))
	buyTrade, err := f.engine.TryExecute(ctx, buy.ID)
	require.NoError(t, err)

	sell := f.submit(t, f.marketOrder(models.SideSell, "AAPL", "2", "fill-key-003"))
	sellTrade, err := f.engine.TryExecute(ctx, sell.ID)
	require.NoError(t, err)

	fee := decimal.RequireFromString("0.99")
	total := buyTrade.RealizedPnL.Add(sellTrade.RealizedPnL)
	assert.True(t, total.Equal(fee.Mul(decimal.NewFromInt(2)).Neg()), "round trip P&L got %s", total)

	pos, err := f.ledger.GetPosition(ctx, f.account.ID, "AAPL")
	require.NoError(t, err)
	assert.Nil(t, pos, "flat position must be removed")

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.RequireFromString("998.02")), "balance got %s", account.Balance)
}

func TestSellRealizedPnLAgainstAvgCost(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("100"))
	ctx := context.Background()

	buy := f.submit(t, f.marketOrder(models.SideBuy, "AAPL", "5", "fill-key-004"))
	_, err := f.engine.TryExecute(ctx, buy.ID)
	require.NoError(t, err)

	f.oracle.SetPrice("AAPL", decimal.RequireFromString("120"))
	sell := f.submit(t, f.marketOrder(models.SideSell, "AAPL", "5", "fill-key-005"))
	trade, err := f.engine.TryExecute(ctx, sell.ID)
	require.NoError(t, err)

	// (120-100)*5 - 0.99
	assert.True(t, trade.RealizedPnL.Equal(decimal.RequireFromString("99.01")), "pnl got %s", trade.RealizedPnL)
}

func TestLimitOrderWaitsForTrigger(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("110"))
	ctx := context.Background()

	limit := decimal.RequireFromString("100")
	order := f.submit(t, models.OrderRequest{
		AccountID:      f.account.ID,
		Symbol:         "AAPL",
		Side:           models.SideBuy,
		Type:           models.OrderTypeLimit,
		Quantity:       decimal.RequireFromString("1"),
		LimitPrice:     &limit,
		IdempotencyKey: "fill-key-006",
	})

	trade, err := f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, trade, "price above limit: no fill")

	f.oracle.SetPrice("AAPL", decimal.RequireFromString("99.5"))
	trade, err = f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.True(t, trade.Price.Equal(decimal.RequireFromString("99.5")), "limit fills at market price")
}

func TestStopOrderArmsOnCross(t *testing.T) {
	f := newFixture(t)
	f.givePosition(t, "AAPL", "3", "150")
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("150"))
	ctx := context.Background()

	stop := decimal.RequireFromString("140")
	order := f.submit(t, models.OrderRequest{
		AccountID:      f.account.ID,
		Symbol:         "AAPL",
		Side:           models.SideSell,
		Type:           models.OrderTypeStop,
		Quantity:       decimal.RequireFromString("3"),
		StopPrice:      &stop,
		IdempotencyKey: "fill-key-007",
	})

	trade, err := f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, trade, "stop not crossed")

	f.oracle.SetPrice("AAPL", decimal.RequireFromString("139"))
	trade, err = f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.True(t, trade.Price.Equal(decimal.RequireFromString("139")), "armed stop fills as market")
}

func TestStopLimitArmsThenHonorsLimit(t *testing.T) {
	f := newFixture(t)
	f.givePosition(t, "AAPL", "2", "150")
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("150"))
	ctx := context.Background()

	stop := decimal.RequireFromString("140")
	limit := decimal.RequireFromString("138")
	order := f.submit(t, models.OrderRequest{
		AccountID:      f.account.ID,
		Symbol:         "AAPL",
		Side:           models.SideSell,
		Type:           models.OrderTypeStopLimit,
		Quantity:       decimal.RequireFromString("2"),
		StopPrice:      &stop,
		LimitPrice:     &limit,
		IdempotencyKey: "fill-key-008",
	})

	// Gaps straight through the limit: arms but must not fill below it.
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("135"))
	trade, err := f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, trade)

	got, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, got.StopArmed, "arming persists across evaluations")

	f.oracle.SetPrice("AAPL", decimal.RequireFromString("139"))
	trade, err = f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
}

func TestTrailingStopRatchets(t *testing.T) {
	f := newFixture(t)
	f.givePosition(t, "AAPL", "1", "100")
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("100"))
	ctx := context.Background()

	offset := decimal.RequireFromString("5")
	order := f.submit(t, models.OrderRequest{
		AccountID:      f.account.ID,
		Symbol:         "AAPL",
		Side:           models.SideSell,
		Type:           models.OrderTypeTrailingStop,
		Quantity:       decimal.RequireFromString("1"),
		TrailingOffset: &offset,
		IdempotencyKey: "fill-key-009",
	})

	// First evaluation anchors the stop at 100-5=95.
	trade, err := f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, trade)

	// Rally ratchets the stop up to 110-5=105.
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("110"))
	trade, err = f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, trade)

	got, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StopPrice)
	assert.True(t, got.StopPrice.Equal(decimal.RequireFromString("105")), "stop got %s", got.StopPrice)

	// Retrace through the ratcheted stop triggers the sale.
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("104"))
	trade, err = f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
}

func TestPartialFillsAccumulate(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("10"))
	f.engine.SetMaxFillQty(decimal.RequireFromString("4"))
	ctx := context.Background()

	order := f.submit(t, f.marketOrder(models.SideBuy, "AAPL", "10", "fill-key-010"))

	trade, err := f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.True(t, trade.Quantity.Equal(decimal.RequireFromString("4")))

	got, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("4")))

	_, err = f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	_, err = f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)

	got, err = f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, got.Status)

	// Sum of trades equals filled quantity.
	var trades []models.Trade
	require.NoError(t, f.orders.DB().Where("order_id = ?", order.ID).Find(&trades).Error)
	sum := decimal.Zero
	for _, tr := range trades {
		sum = sum.Add(tr.Quantity)
	}
	assert.True(t, sum.Equal(got.FilledQty))
}

func TestIOCCancelsUnfilledRemainder(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("10"))
	f.engine.SetMaxFillQty(decimal.RequireFromString("4"))
	ctx := context.Background()

	req := f.marketOrder(models.SideBuy, "AAPL", "10", "fill-key-011")
	req.TimeInForce = models.TIFImmediate
	order := f.submit(t, req)

	trade, err := f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)

	got, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("4")))

	account, err := f.ledger.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, account.Pending.IsZero(), "remainder hold released")
}

func TestPriceOutageLeavesOrderWorking(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("100"))
	ctx := context.Background()

	order := f.submit(t, f.marketOrder(models.SideBuy, "AAPL", "1", "fill-key-012"))

	f.oracle.SetUnavailable("AAPL")
	_, err := f.engine.TryExecute(ctx, order.ID)
	assert.Equal(t, apperrors.KindPriceUnavailable, apperrors.KindOf(err))

	got, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusWorking, got.Status)

	// Feed recovers; the retry fills.
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("100"))
	trade, err := f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)
	assert.NotNil(t, trade)
}

func TestExecuteTerminalOrderFails(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("100"))
	ctx := context.Background()

	order := f.submit(t, f.marketOrder(models.SideBuy, "AAPL", "1", "fill-key-013"))
	_, err := f.orders.Cancel(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.engine.TryExecute(ctx, order.ID)
	assert.Equal(t, apperrors.KindInvalidTransition, apperrors.KindOf(err))
}

func TestFillCancelsOCOSibling(t *testing.T) {
	f := newFixture(t)
	// Each leg carries its own reservation, so the pair holds 10 shares.
	f.givePosition(t, "AAPL", "10", "150")
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("150"))
	ctx := context.Background()

	legs, err := f.orders.SubmitOCO(ctx, models.OCORequest{
		AccountID:      f.account.ID,
		Symbol:         "AAPL",
		Side:           models.SideSell,
		Quantity:       decimal.RequireFromString("5"),
		LimitPrice:     decimal.RequireFromString("180"),
		StopPrice:      decimal.RequireFromString("140"),
		IdempotencyKey: "oco-fill-001",
	})
	require.NoError(t, err)

	// Rally through the limit leg.
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("181"))
	trade, err := f.engine.TryExecute(ctx, legs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, trade)

	sibling, err := f.orders.Get(ctx, legs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, sibling.Status)

	// The fill consumed 5 reserved shares and the sibling's 5 were released
	// in the same transaction.
	pos, err := f.ledger.GetPosition(ctx, f.account.ID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.RequireFromString("5")))
	assert.True(t, pos.Reserved.IsZero(), "reserved got %s", pos.Reserved)
}

func TestFillEmitsOrderFilledEvent(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("100"))
	ctx := context.Background()

	order := f.submit(t, f.marketOrder(models.SideBuy, "AAPL", "1", "fill-key-014"))
	_, err := f.engine.TryExecute(ctx, order.ID)
	require.NoError(t, err)

	filled := f.recorder.EventsOfType(events.TypeOrderFilled)
	require.Len(t, filled, 1)
	assert.Equal(t, order.ID, filled[0].RefID)
	assert.Equal(t, "AAPL", filled[0].Details["symbol"])
}

func TestRunPassFillsMarketableOrders(t *testing.T) {
	f := newFixture(t)
	f.oracle.SetPrice("AAPL", decimal.RequireFromString("50"))
	ctx := context.Background()

	f.submit(t, f.marketOrder(models.SideBuy, "AAPL", "1", "fill-key-015"))
	limit := decimal.RequireFromString("40")
	f.submit(t, models.OrderRequest{
		AccountID:      f.account.ID,
		Symbol:         "AAPL",
		Side:           models.SideBuy,
		Type:           models.OrderTypeLimit,
		Quantity:       decimal.RequireFromString("1"),
		LimitPrice:     &limit,
		IdempotencyKey: "fill-key-016",
	})

	fills, err := f.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fills, "only the market order is marketable at 50")
}

func (f *fixture) givePosition(t *testing.T, symbol, qty, avgCost string) {
	t.Helper()
	_, err := f.ledger.Apply(context.Background(), f.account.ID, ledger.Mutation{
		Positions: []ledger.PositionDelta{{
			Symbol:        symbol,
			QuantityDelta: decimal.RequireFromString(qty),
			FillPrice:     decimal.RequireFromString(avgCost),
		}},
	})
	require.NoError(t, err)
}

func TestFeeScheduleFloor(t *testing.T) {
	fees := DefaultFeeSchedule()
	// 10 bps of 350.86 is 0.35086: floored.
	assert.True(t, fees.Fee(decimal.RequireFromString("350.86")).Equal(decimal.RequireFromString("0.99")))
	// 10 bps of 50000 is 50: above the floor.
	assert.True(t, fees.Fee(decimal.RequireFromString("50000")).Equal(decimal.RequireFromString("50")))
}
