// Package algo implements time-weighted average price execution: a parent
// order sliced into equal child market orders submitted at a fixed interval.
// Slice arithmetic is exact: the final slice absorbs truncation remainders so
// submitted quantity always sums to the parent total.
package algo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/clock"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/orders"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

// slicePrecision is the decimal scale child slice quantities are truncated
// to. The final slice absorbs whatever the truncation drops.
const slicePrecision = 8

// Service implements the TWAP slicer.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	orders *orders.Service
	clock  clock.Clock
}

// NewService creates a TWAP service.
func NewService(logger *zap.Logger, db *gorm.DB, ordersSvc *orders.Service, clk clock.Clock) *Service {
	return &Service{
		logger: logger,
		db:     db,
		orders: ordersSvc,
		clock:  clk,
	}
}

// Submit validates and persists a TWAP parent order. Slicing starts when the
// caller invokes Run.
func (s *Service) Submit(ctx context.Context, req models.TwapRequest) (*models.AlgoOrder, error) {
	if !req.TotalQty.IsPositive() {
		return nil, apperrors.New(apperrors.KindValidation, "total quantity must be positive")
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return nil, apperrors.New(apperrors.KindValidation, "side must be buy or sell")
	}
	duration := time.Duration(req.DurationSec) * time.Second
	interval := time.Duration(req.SliceIntervalSec) * time.Second
	if interval <= 0 || duration <= 0 {
		return nil, apperrors.New(apperrors.KindValidation, "duration and slice interval must be positive")
	}
	if interval > duration {
		return nil, apperrors.New(apperrors.KindValidation, "slice interval %s exceeds duration %s", interval, duration)
	}

	now := s.clock.Now()
	algo := &models.AlgoOrder{
		ID:            uuid.New(),
		AccountID:     req.AccountID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		TotalQty:      req.TotalQty,
		SubmittedQty:  decimal.Zero,
		FilledQty:     decimal.Zero,
		SliceInterval: interval,
		Duration:      duration,
		StartTime:     now,
		EndTime:       now.Add(duration),
		Status:        models.AlgoStatusWorking,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(algo).Error; err != nil {
		return nil, fmt.Errorf("failed to persist algo order: %w", err)
	}
	s.logger.Info("twap accepted",
		zap.String("algo_id", algo.ID.String()),
		zap.String("symbol", algo.Symbol),
		zap.String("total_qty", algo.TotalQty.String()),
		zap.Int("slices", s.SliceCount(algo)))
	return algo, nil
}

// SliceCount returns the number of child slices the schedule produces:
// ceil(duration / interval).
func (s *Service) SliceCount(algo *models.AlgoOrder) int {
	n := int(algo.Duration / algo.SliceInterval)
	if algo.Duration%algo.SliceInterval != 0 {
		n++
	}
	return n
}

// SliceQty returns the quantity of slice i (1-based) given the quantity
// already submitted. Every slice but the last is the truncated even share;
// the last is exactly the unsubmitted remainder.
func (s *Service) SliceQty(algo *models.AlgoOrder, i int) decimal.Decimal {
	n := s.SliceCount(algo)
	if i >= n {
		return algo.TotalQty.Sub(algo.SubmittedQty)
	}
	return algo.TotalQty.Div(decimal.NewFromInt(int64(n))).Truncate(slicePrecision)
}

// Run drives the slicing schedule to completion: one child market order per
// interval, the first submitted immediately. It blocks until the schedule
// ends or the context is cancelled, so callers launch it in a goroutine. A
// transient failure on one slice carries its quantity into the next; a
// parent that ends short of its total is marked degraded.
func (s *Service) Run(ctx context.Context, algoID uuid.UUID) error {
	algo, err := s.Get(ctx, algoID)
	if err != nil {
		return err
	}
	if algo.Status != models.AlgoStatusWorking {
		return apperrors.New(apperrors.KindInvalidTransition, "algo order %s is %s", algoID, algo.Status)
	}

	n := s.SliceCount(algo)
	carry := decimal.Zero
	for i := 1; i <= n; i++ {
		if i > 1 {
			select {
			case <-s.clock.After(algo.SliceInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// Re-read so an out-of-band cancel stops the schedule.
		algo, err = s.Get(ctx, algoID)
		if err != nil {
			return err
		}
		if algo.Status != models.AlgoStatusWorking {
			return nil
		}

		qty := s.SliceQty(algo, i).Add(carry)
		if i == n {
			qty = algo.TotalQty.Sub(algo.SubmittedQty)
		}
		if !qty.IsPositive() {
			continue
		}

		if err := s.submitSlice(ctx, algo, i, qty); err != nil {
			if apperrors.IsTransient(err) {
				// Shortfall carries into the next slice.
				carry = qty
				s.logger.Warn("twap slice deferred",
					zap.String("algo_id", algo.ID.String()),
					zap.Int("slice", i),
					zap.String("qty", qty.String()),
					zap.Error(err))
				continue
			}
			s.finish(ctx, algo, models.AlgoStatusDegraded, err.Error())
			return err
		}
		carry = decimal.Zero
	}

	algo, err = s.Get(ctx, algoID)
	if err != nil {
		return err
	}
	if algo.Status != models.AlgoStatusWorking {
		return nil
	}
	if algo.SubmittedQty.LessThan(algo.TotalQty) {
		s.finish(ctx, algo, models.AlgoStatusDegraded,
			fmt.Sprintf("submitted %s of %s before schedule end", algo.SubmittedQty, algo.TotalQty))
		return nil
	}
	s.finish(ctx, algo, models.AlgoStatusCompleted, "")
	return nil
}

// Cancel stops a working TWAP parent and cancels its open child orders.
func (s *Service) Cancel(ctx context.Context, algoID uuid.UUID) (*models.AlgoOrder, error) {
	algo, err := s.Get(ctx, algoID)
	if err != nil {
		return nil, err
	}
	if algo.Status != models.AlgoStatusWorking {
		return nil, apperrors.New(apperrors.KindInvalidTransition, "algo order %s is %s", algoID, algo.Status)
	}
	s.finish(ctx, algo, models.AlgoStatusCancelled, "")

	var children []*models.Order
	if err := s.db.WithContext(ctx).
		Where("parent_algo_id = ? AND status IN ?", algoID,
			[]string{models.OrderStatusWorking, models.OrderStatusPartiallyFilled}).
		Find(&children).Error; err != nil {
		return nil, fmt.Errorf("failed to list child orders: %w", err)
	}
	for _, child := range children {
		if _, err := s.orders.Cancel(ctx, child.ID); err != nil {
			if apperrors.KindOf(err) == apperrors.KindInvalidTransition {
				continue // lost the race to a fill
			}
			s.logger.Error("failed to cancel twap child",
				zap.String("algo_id", algoID.String()),
				zap.String("order_id", child.ID.String()),
				zap.Error(err))
		}
	}
	return algo, nil
}

// Get returns an algo order by id.
func (s *Service) Get(ctx context.Context, algoID uuid.UUID) (*models.AlgoOrder, error) {
	var algo models.AlgoOrder
	if err := s.db.WithContext(ctx).Where("id = ?", algoID).First(&algo).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.New(apperrors.KindNotFound, "algo order %s not found", algoID)
		}
		return nil, fmt.Errorf("failed to find algo order: %w", err)
	}
	return &algo, nil
}

// ListByAccount returns an account's algo orders, newest first.
func (s *Service) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.AlgoOrder, error) {
	var out []*models.AlgoOrder
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list algo orders: %w", err)
	}
	return out, nil
}

// submitSlice submits one child market order and advances the parent's
// submitted quantity. The slice index keys idempotency, so a crashed and
// restarted schedule cannot double-submit a slice.
func (s *Service) submitSlice(ctx context.Context, algo *models.AlgoOrder, i int, qty decimal.Decimal) error {
	req := models.OrderRequest{
		AccountID:      algo.AccountID,
		Symbol:         algo.Symbol,
		Side:           algo.Side,
		Type:           models.OrderTypeMarket,
		Quantity:       qty,
		TimeInForce:    models.TIFGoodTillCancel,
		IdempotencyKey: fmt.Sprintf("twap:%s:slice-%d", algo.ID, i),
		ParentAlgoID:   &algo.ID,
	}
	if _, err := s.orders.Submit(ctx, req); err != nil {
		return err
	}

	algo.SubmittedQty = algo.SubmittedQty.Add(qty)
	if err := s.db.WithContext(ctx).Model(&models.AlgoOrder{}).
		Where("id = ?", algo.ID).
		Updates(map[string]interface{}{
			"submitted_qty": algo.SubmittedQty,
			"updated_at":    s.clock.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to advance submitted quantity: %w", err)
	}
	s.logger.Info("twap slice submitted",
		zap.String("algo_id", algo.ID.String()),
		zap.Int("slice", i),
		zap.String("qty", qty.String()))
	return nil
}

// finish moves the parent to a terminal status, guarded so a concurrent
// cancel and schedule end cannot both win.
func (s *Service) finish(ctx context.Context, algo *models.AlgoOrder, status, reason string) {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": s.clock.Now(),
	}
	if reason != "" {
		updates["fail_reason"] = reason
	}
	res := s.db.WithContext(ctx).Model(&models.AlgoOrder{}).
		Where("id = ? AND status = ?", algo.ID, models.AlgoStatusWorking).
		Updates(updates)
	if res.Error != nil {
		s.logger.Error("failed to finish algo order",
			zap.String("algo_id", algo.ID.String()), zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		algo.Status = status
		algo.FailReason = reason
	}
}
