// Package ledger is the durable holder of cash balances and positions. All
// mutations go through Apply, which is serialized per account: no committed
// state ever shows a negative balance, a negative position quantity, or a
// pending hold larger than the balance.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/metrics"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

// PositionDelta describes a quantity or reservation change for one symbol.
// FillPrice must be set when QuantityDelta is positive; it feeds the
// average-cost recomputation.
type PositionDelta struct {
	Symbol        string
	QuantityDelta decimal.Decimal
	ReservedDelta decimal.Decimal
	FillPrice     decimal.Decimal
}

// Mutation is the unit of atomic change against one account: a cash delta, a
// pending-hold delta and any number of position deltas. Either every delta
// commits or none do.
type Mutation struct {
	CashDelta    decimal.Decimal
	PendingDelta decimal.Decimal
	Positions    []PositionDelta
}

// ApplyResult reports the committed account state and, per symbol, the
// average cost before the mutation (needed for realized P&L on sells).
type ApplyResult struct {
	Account      models.Account
	PriorAvgCost map[string]decimal.Decimal
}

// Service implements the ledger store.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	locks  *lockRegistry
}

// NewService creates a ledger service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{
		logger: logger,
		db:     db,
		locks:  newLockRegistry(),
	}
}

// CreateAccount creates a cash account for a user and currency.
func (s *Service) CreateAccount(ctx context.Context, userID uuid.UUID, currency string) (*models.Account, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("user_id = ? AND currency = ?", userID, currency).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check account: %w", err)
	}
	if count > 0 {
		return nil, apperrors.New(apperrors.KindDuplicate, "account already exists for user %s currency %s", userID, currency)
	}

	now := time.Now()
	account := &models.Account{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Balance:   decimal.Zero,
		Pending:   decimal.Zero,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// GetAccount returns an account by id.
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.New(apperrors.KindNotFound, "account %s not found", accountID)
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}

// GetPosition returns the position for an account and symbol, or nil when no
// position exists.
func (s *Service) GetPosition(ctx context.Context, accountID uuid.UUID, symbol string) (*models.Position, error) {
	var position models.Position
	err := s.db.WithContext(ctx).Where("account_id = ? AND symbol = ?", accountID, symbol).First(&position).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find position: %w", err)
	}
	return &position, nil
}

// ListPositions returns all open positions for an account.
func (s *Service) ListPositions(ctx context.Context, accountID uuid.UUID) ([]*models.Position, error) {
	var positions []*models.Position
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	return positions, nil
}

// Apply atomically commits a mutation against one account. The account lock
// is held only for the validate-and-commit step; callers must fetch prices
// and call external collaborators before invoking Apply.
func (s *Service) Apply(ctx context.Context, accountID uuid.UUID, mut Mutation) (*ApplyResult, error) {
	return s.ApplyWith(ctx, accountID, mut, nil)
}

// ApplyWith commits a mutation and then runs fn inside the same database
// transaction, still under the account lock. Callers use it to keep order
// status updates and trade appends atomic with the balance change; if fn
// returns an error the whole mutation rolls back.
func (s *Service) ApplyWith(ctx context.Context, accountID uuid.UUID, mut Mutation, fn func(tx *gorm.DB, res *ApplyResult) error) (*ApplyResult, error) {
	unlock := s.locks.lockAll(accountID)
	defer unlock()
	return s.applyLocked(ctx, accountID, mut, fn)
}

// applyLocked performs the validate-and-commit step. The caller must hold
// the account lock.
func (s *Service) applyLocked(ctx context.Context, accountID uuid.UUID, mut Mutation, fn func(tx *gorm.DB, res *ApplyResult) error) (*ApplyResult, error) {
	result := &ApplyResult{PriorAvgCost: make(map[string]decimal.Decimal)}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.Account
		if err := tx.Where("id = ?", accountID).First(&account).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperrors.New(apperrors.KindNotFound, "account %s not found", accountID)
			}
			return fmt.Errorf("failed to load account: %w", err)
		}

		newBalance := account.Balance.Add(mut.CashDelta)
		newPending := account.Pending.Add(mut.PendingDelta)
		if newBalance.IsNegative() {
			return apperrors.New(apperrors.KindInsufficientFunds,
				"balance %s cannot absorb delta %s", account.Balance, mut.CashDelta)
		}
		if newPending.IsNegative() {
			return apperrors.New(apperrors.KindInvalidTransition,
				"pending hold %s cannot absorb delta %s", account.Pending, mut.PendingDelta)
		}
		if newPending.GreaterThan(newBalance) {
			return apperrors.New(apperrors.KindInsufficientFunds,
				"hold %s would exceed balance %s", newPending, newBalance)
		}

		res := tx.Model(&models.Account{}).
			Where("id = ? AND version = ?", account.ID, account.Version).
			Updates(map[string]interface{}{
				"balance":    newBalance,
				"pending":    newPending,
				"version":    account.Version + 1,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Another writer advanced the version between load and update.
			metrics.LedgerConflicts.Inc()
			return apperrors.New(apperrors.KindConcurrencyConflict,
				"account %s version %d lost the write race", account.ID, account.Version)
		}

		for _, pd := range mut.Positions {
			if err := s.applyPositionDelta(tx, accountID, pd, result); err != nil {
				return err
			}
		}

		account.Balance = newBalance
		account.Pending = newPending
		account.Version++
		result.Account = account

		if fn != nil {
			if err := fn(tx, result); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyPositionDelta mutates one position row inside the transaction,
// recomputing average cost on quantity increases.
func (s *Service) applyPositionDelta(tx *gorm.DB, accountID uuid.UUID, pd PositionDelta, result *ApplyResult) error {
	var position models.Position
	err := tx.Where("account_id = ? AND symbol = ?", accountID, pd.Symbol).First(&position).Error
	if err == gorm.ErrRecordNotFound {
		if pd.QuantityDelta.IsNegative() || pd.ReservedDelta.IsNegative() {
			return apperrors.New(apperrors.KindInsufficientPosition,
				"no position in %s to reduce", pd.Symbol)
		}
		now := time.Now()
		position = models.Position{
			ID:        uuid.New(),
			AccountID: accountID,
			Symbol:    pd.Symbol,
			Quantity:  decimal.Zero,
			Reserved:  decimal.Zero,
			AvgCost:   decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&position).Error; err != nil {
			return fmt.Errorf("failed to create position: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to load position: %w", err)
	}

	result.PriorAvgCost[pd.Symbol] = position.AvgCost

	newQty := position.Quantity.Add(pd.QuantityDelta)
	newReserved := position.Reserved.Add(pd.ReservedDelta)
	if newQty.IsNegative() {
		return apperrors.New(apperrors.KindInsufficientPosition,
			"position %s quantity %s cannot absorb delta %s", pd.Symbol, position.Quantity, pd.QuantityDelta)
	}
	if newReserved.IsNegative() {
		return apperrors.New(apperrors.KindInvalidTransition,
			"position %s reservation %s cannot absorb delta %s", pd.Symbol, position.Reserved, pd.ReservedDelta)
	}
	if newReserved.GreaterThan(newQty) {
		return apperrors.New(apperrors.KindInsufficientPosition,
			"position %s reservation %s would exceed quantity %s", pd.Symbol, newReserved, newQty)
	}

	newAvg := position.AvgCost
	if pd.QuantityDelta.IsPositive() {
		// new_avg = (old_qty*old_avg + fill_qty*fill_price) / (old_qty+fill_qty)
		notional := position.Quantity.Mul(position.AvgCost).
			Add(pd.QuantityDelta.Mul(pd.FillPrice))
		newAvg = notional.Div(newQty)
	}
	if newQty.IsZero() {
		// Avg cost is undefined on a flat position.
		newAvg = decimal.Zero
	}

	if newQty.IsZero() && newReserved.IsZero() {
		if err := tx.Delete(&models.Position{}, "id = ?", position.ID).Error; err != nil {
			return fmt.Errorf("failed to remove flat position: %w", err)
		}
		return nil
	}

	res := tx.Model(&models.Position{}).Where("id = ?", position.ID).
		Updates(map[string]interface{}{
			"quantity":   newQty,
			"reserved":   newReserved,
			"avg_cost":   newAvg,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update position: %w", res.Error)
	}
	return nil
}

// TransferFunds moves cash between two accounts atomically, acquiring both
// account locks in the fixed global order.
func (s *Service) TransferFunds(ctx context.Context, fromID, toID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperrors.New(apperrors.KindValidation, "transfer amount must be positive")
	}
	unlock := s.locks.lockAll(fromID, toID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, leg := range []struct {
			id    uuid.UUID
			delta decimal.Decimal
		}{
			{fromID, amount.Neg()},
			{toID, amount},
		} {
			var account models.Account
			if err := tx.Where("id = ?", leg.id).First(&account).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					return apperrors.New(apperrors.KindNotFound, "account %s not found", leg.id)
				}
				return fmt.Errorf("failed to load account: %w", err)
			}
			newBalance := account.Balance.Add(leg.delta)
			if newBalance.IsNegative() {
				return apperrors.New(apperrors.KindInsufficientFunds,
					"balance %s cannot absorb transfer of %s", account.Balance, amount)
			}
			if account.Pending.GreaterThan(newBalance) {
				return apperrors.New(apperrors.KindInsufficientFunds,
					"hold %s would exceed balance %s", account.Pending, newBalance)
			}
			res := tx.Model(&models.Account{}).
				Where("id = ? AND version = ?", account.ID, account.Version).
				Updates(map[string]interface{}{
					"balance":    newBalance,
					"version":    account.Version + 1,
					"updated_at": time.Now(),
				})
			if res.Error != nil {
				return fmt.Errorf("failed to update account: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				metrics.LedgerConflicts.Inc()
				return apperrors.New(apperrors.KindConcurrencyConflict,
					"account %s version %d lost the write race", account.ID, account.Version)
			}
		}
		return nil
	})
}
