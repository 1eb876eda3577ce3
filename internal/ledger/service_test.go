package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Account{}, &models.Position{}))
	return NewService(zap.NewNop(), db)
}

func fundedAccount(t *testing.T, s *Service, balance string) *models.Account {
	t.Helper()
	account, err := s.CreateAccount(context.Background(), uuid.New(), "USD")
	require.NoError(t, err)
	if balance != "0" {
		_, err = s.Apply(context.Background(), account.ID, Mutation{CashDelta: decimal.RequireFromString(balance)})
		require.NoError(t, err)
	}
	return account
}

func TestCreateAccountRejectsDuplicate(t *testing.T) {
	s := newTestService(t)
	userID := uuid.New()
	_, err := s.CreateAccount(context.Background(), userID, "USD")
	require.NoError(t, err)
	_, err = s.CreateAccount(context.Background(), userID, "USD")
	assert.Equal(t, apperrors.KindDuplicate, apperrors.KindOf(err))
}

func TestApplyRejectsOverdraw(t *testing.T) {
	s := newTestService(t)
	account := fundedAccount(t, s, "100")

	_, err := s.Apply(context.Background(), account.ID, Mutation{CashDelta: decimal.RequireFromString("-100.01")})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInsufficientFunds, apperrors.KindOf(err))

	got, err := s.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("100")), "failed apply must not change balance")
}

func TestApplyRejectsHoldBeyondBalance(t *testing.T) {
	s := newTestService(t)
	account := fundedAccount(t, s, "100")

	_, err := s.Apply(context.Background(), account.ID, Mutation{PendingDelta: decimal.RequireFromString("150")})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInsufficientFunds, apperrors.KindOf(err))
}

func TestApplyHoldReducesAvailable(t *testing.T) {
	s := newTestService(t)
	account := fundedAccount(t, s, "100")

	_, err := s.Apply(context.Background(), account.ID, Mutation{PendingDelta: decimal.RequireFromString("60")})
	require.NoError(t, err)

	got, err := s.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, got.Available().Equal(decimal.RequireFromString("40")))

	// Spending past the hold fails even though balance could cover it.
	_, err = s.Apply(context.Background(), account.ID, Mutation{CashDelta: decimal.RequireFromString("-50")})
	assert.Equal(t, apperrors.KindInsufficientFunds, apperrors.KindOf(err))
}

func TestApplyAverageCostRecomputation(t *testing.T) {
	s := newTestService(t)
	account := fundedAccount(t, s, "10000")
	ctx := context.Background()

	_, err := s.Apply(ctx, account.ID, Mutation{
		CashDelta: decimal.RequireFromString("-1000"),
		Positions: []PositionDelta{{
			Symbol:        "AAPL",
			QuantityDelta: decimal.RequireFromString("10"),
			FillPrice:     decimal.RequireFromString("100"),
		}},
	})
	require.NoError(t, err)

	res, err := s.Apply(ctx, account.ID, Mutation{
		CashDelta: decimal.RequireFromString("-2000"),
		Positions: []PositionDelta{{
			Symbol:        "AAPL",
			QuantityDelta: decimal.RequireFromString("10"),
			FillPrice:     decimal.RequireFromString("200"),
		}},
	})
	require.NoError(t, err)
	assert.True(t, res.PriorAvgCost["AAPL"].Equal(decimal.RequireFromString("100")))

	pos, err := s.GetPosition(ctx, account.ID, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	// (10*100 + 10*200) / 20 = 150
	assert.True(t, pos.AvgCost.Equal(decimal.RequireFromString("150")), "avg cost got %s", pos.AvgCost)
	assert.True(t, pos.Quantity.Equal(decimal.RequireFromString("20")))
}

func TestApplySellDoesNotChangeAvgCost(t *testing.T) {
	s := newTestService(t)
	account := fundedAccount(t, s, "10000")
	ctx := context.Background()

	_, err := s.Apply(ctx, account.ID, Mutation{
		Positions: []PositionDelta{{
			Symbol:        "TSLA",
			QuantityDelta: decimal.RequireFromString("4"),
			FillPrice:     decimal.RequireFromString("250"),
		}},
	})
	require.NoError(t, err)

	_, err = s.Apply(ctx, account.ID, Mutation{
		CashDelta: decimal.RequireFromString("600"),
		Positions: []PositionDelta{{
			Symbol:        "TSLA",
			QuantityDelta: decimal.RequireFromString("-2"),
		}},
	})
	require.NoError(t, err)

	pos, err := s.GetPosition(ctx, account.ID, "TSLA")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.AvgCost.Equal(decimal.RequireFromString("250")))
	assert.True(t, pos.Quantity.Equal(decimal.RequireFromString("2")))
}

func TestApplyRemovesFlatPosition(t *testing.T) {
	s := newTestService(t)
	account := fundedAccount(t, s, "10000")
	ctx := context.Background()

	_, err := s.Apply(ctx, account.ID, Mutation{
		Positions: []PositionDelta{{
			Symbol:        "MSFT",
			QuantityDelta: decimal.RequireFromString("3"),
			FillPrice:     decimal.RequireFromString("400"),
		}},
	})
	require.NoError(t, err)

	_, err = s.Apply(ctx, account.ID, Mutation{
		Positions: []PositionDelta{{
			Symbol:        "MSFT",
			QuantityDelta: decimal.RequireFromString("-3"),
		}},
	})
	require.NoError(t, err)

	pos, err := s.GetPosition(ctx, account.ID, "MSFT")
	require.NoError(t, err)
	assert.Nil(t, pos, "flat position should be removed")
}

func TestApplyRejectsOverselling(t *testing.T) {
	s := newTestService(t)
	account := fundedAccount(t, s, "1000")
	ctx := context.Background()

	_, err := s.Apply(ctx, account.ID, Mutation{
		Positions: []PositionDelta{{
			Symbol:        "NVDA",
			QuantityDelta: decimal.RequireFromString("1"),
			FillPrice:     decimal.RequireFromString("500"),
		}},
	})
	require.NoError(t, err)

	_, err = s.Apply(ctx, account.ID, Mutation{
		Positions: []PositionDelta{{
			Symbol:        "NVDA",
			QuantityDelta: decimal.RequireFromString("-2"),
		}},
	})
	assert.Equal(t, apperrors.KindInsufficientPosition, apperrors.KindOf(err))
}

func TestApplyRejectsReservationBeyondQuantity(t *testing.T) {
	s := newTestService(t)
	account := fundedAccount(t, s, "1000")
	ctx := context.Background()

	_, err := s.Apply(ctx, account.ID, Mutation{
		Positions: []PositionDelta{{
			Symbol:        "AMD",
			QuantityDelta: decimal.RequireFromString("5"),
			FillPrice:     decimal.RequireFromString("100"),
		}},
	})
	require.NoError(t, err)

	_, err = s.Apply(ctx, account.ID, Mutation{
		Positions: []PositionDelta{{Symbol: "AMD", ReservedDelta: decimal.RequireFromString("6")}},
	})
	assert.Equal(t, apperrors.KindInsufficientPosition, apperrors.KindOf(err))
}

func TestApplyWithRollsBackOnCallbackError(t *testing.T) {
	s := newTestService(t)
	account := fundedAccount(t, s, "100")

	_, err := s.ApplyWith(context.Background(), account.ID,
		Mutation{CashDelta: decimal.RequireFromString("-50")},
		func(tx *gorm.DB, _ *ApplyResult) error {
			return apperrors.New(apperrors.KindDuplicate, "boom")
		})
	require.Error(t, err)

	got, err := s.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("100")), "callback failure must roll back the cash delta")
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newTestService(t)
	account := fundedAccount(t, s, "100")

	const n = 10
	debit := decimal.RequireFromString("25") // only 4 of 10 fit

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Apply(context.Background(), account.ID, Mutation{CashDelta: debit.Neg()})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, apperrors.KindInsufficientFunds, apperrors.KindOf(err))
	}
	assert.Equal(t, 4, succeeded)

	got, err := s.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.Zero), "balance got %s", got.Balance)
	assert.False(t, got.Balance.IsNegative())
}

func TestTransferFunds(t *testing.T) {
	s := newTestService(t)
	from := fundedAccount(t, s, "300")
	to := fundedAccount(t, s, "0")
	ctx := context.Background()

	require.NoError(t, s.TransferFunds(ctx, from.ID, to.ID, decimal.RequireFromString("120")))

	gotFrom, err := s.GetAccount(ctx, from.ID)
	require.NoError(t, err)
	gotTo, err := s.GetAccount(ctx, to.ID)
	require.NoError(t, err)
	assert.True(t, gotFrom.Balance.Equal(decimal.RequireFromString("180")))
	assert.True(t, gotTo.Balance.Equal(decimal.RequireFromString("120")))

	err = s.TransferFunds(ctx, from.ID, to.ID, decimal.RequireFromString("500"))
	assert.Equal(t, apperrors.KindInsufficientFunds, apperrors.KindOf(err))
}
