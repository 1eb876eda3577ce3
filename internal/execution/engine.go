// Package execution fills working orders against oracle prices. The engine
// owns trigger evaluation (limit, stop, stop-limit, trailing stop), fee
// computation and the atomic fill commit: balance, position, order status and
// trade record change together or not at all.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/events"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/ledger"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/marketdata"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/orders"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/metrics"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

// Engine executes working orders.
type Engine struct {
	logger    *zap.Logger
	orders    *orders.Service
	oracle    marketdata.Oracle
	publisher events.Publisher
	fees      FeeSchedule

	// maxFillQty caps the quantity filled per execution pass, modelling
	// venue liquidity. Zero means no cap.
	maxFillQty decimal.Decimal
}

// NewEngine creates an execution engine.
func NewEngine(
	logger *zap.Logger,
	ordersSvc *orders.Service,
	oracle marketdata.Oracle,
	publisher events.Publisher,
	fees FeeSchedule,
) *Engine {
	return &Engine{
		logger:    logger,
		orders:    ordersSvc,
		oracle:    oracle,
		publisher: publisher,
		fees:      fees,
	}
}

// SetMaxFillQty caps the quantity filled per TryExecute call. Orders larger
// than the cap fill across multiple passes through partially_filled.
func (e *Engine) SetMaxFillQty(q decimal.Decimal) {
	e.maxFillQty = q
}

// TryExecute evaluates one order against the current oracle price and, when
// the order's condition allows, commits a fill. It returns the trade when a
// fill happened and nil when the order remains working. A price outage leaves
// the order untouched; executing a terminal order fails with
// InvalidTransition.
func (e *Engine) TryExecute(ctx context.Context, orderID uuid.UUID) (*models.Trade, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		trade, err := e.executeOnce(ctx, orderID)
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindConcurrencyConflict {
				lastErr = err
				continue // refresh state and retry once
			}
			return nil, err
		}
		return trade, nil
	}
	return nil, lastErr
}

func (e *Engine) executeOnce(ctx context.Context, orderID uuid.UUID) (*models.Trade, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		return nil, apperrors.New(apperrors.KindInvalidTransition,
			"order %s is already %s", orderID, order.Status)
	}

	// The oracle is consulted before any account lock is taken.
	start := time.Now()
	quote, err := e.oracle.GetLastPrice(ctx, order.Symbol)
	metrics.OracleLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	decision, err := e.evaluate(ctx, order, quote.Price)
	if err != nil {
		return nil, err
	}
	if !decision.fill {
		if order.TimeInForce == models.TIFImmediate {
			if _, err := e.orders.Cancel(ctx, order.ID); err != nil &&
				apperrors.KindOf(err) != apperrors.KindInvalidTransition {
				return nil, err
			}
		}
		return nil, nil
	}

	trade, err := e.commitFill(ctx, order, decision.price)
	if err != nil {
		return nil, err
	}

	if order.TimeInForce == models.TIFImmediate && order.Status == models.OrderStatusPartiallyFilled {
		// IOC never rests: cancel whatever the pass could not fill.
		if _, err := e.orders.Cancel(ctx, order.ID); err != nil &&
			apperrors.KindOf(err) != apperrors.KindInvalidTransition {
			e.logger.Error("failed to cancel IOC remainder",
				zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}

	e.publishFilled(ctx, order, trade)
	return trade, nil
}

// decision is the outcome of trigger evaluation: whether to fill now and at
// what price.
type decision struct {
	fill  bool
	price decimal.Decimal
}

// evaluate applies the order type's trigger rule at the given market price.
// Stop arming and trailing-stop ratchets persist even when no fill follows.
func (e *Engine) evaluate(ctx context.Context, order *models.Order, price decimal.Decimal) (decision, error) {
	switch order.Type {
	case models.OrderTypeMarket:
		return decision{fill: true, price: price}, nil

	case models.OrderTypeLimit:
		return decision{fill: limitSatisfied(order.Side, price, *order.LimitPrice), price: price}, nil

	case models.OrderTypeStop:
		if order.StopArmed || stopCrossed(order.Side, price, *order.StopPrice) {
			return decision{fill: true, price: price}, nil
		}
		return decision{}, nil

	case models.OrderTypeStopLimit:
		if !order.StopArmed {
			if !stopCrossed(order.Side, price, *order.StopPrice) {
				return decision{}, nil
			}
			if err := e.armStop(ctx, order); err != nil {
				return decision{}, err
			}
		}
		return decision{fill: limitSatisfied(order.Side, price, *order.LimitPrice), price: price}, nil

	case models.OrderTypeTrailingStop:
		return e.evaluateTrailing(ctx, order, price)
	}
	return decision{}, apperrors.New(apperrors.KindValidation, "unsupported order type %q", order.Type)
}

// limitSatisfied reports whether the market price is at or better than the
// limit: buys fill at or below, sells at or above.
func limitSatisfied(side string, price, limit decimal.Decimal) bool {
	if side == models.SideBuy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// stopCrossed reports whether the market price crossed the stop: buys arm at
// or above, sells at or below.
func stopCrossed(side string, price, stop decimal.Decimal) bool {
	if side == models.SideBuy {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// evaluateTrailing ratchets the stop toward the best observed price and
// triggers when the market retraces through it. A sell stop trails below the
// high-water mark; a buy stop trails above the low-water mark.
func (e *Engine) evaluateTrailing(ctx context.Context, order *models.Order, price decimal.Decimal) (decision, error) {
	offset := *order.TrailingOffset
	if order.StopPrice == nil {
		initial := price.Sub(offset)
		if order.Side == models.SideBuy {
			initial = price.Add(offset)
		}
		if err := e.updateStopPrice(ctx, order, initial); err != nil {
			return decision{}, err
		}
		return decision{}, nil
	}

	stop := *order.StopPrice
	if order.Side == models.SideSell {
		if candidate := price.Sub(offset); candidate.GreaterThan(stop) {
			if err := e.updateStopPrice(ctx, order, candidate); err != nil {
				return decision{}, err
			}
			return decision{}, nil
		}
		if price.LessThanOrEqual(stop) {
			return decision{fill: true, price: price}, nil
		}
		return decision{}, nil
	}

	if candidate := price.Add(offset); candidate.LessThan(stop) {
		if err := e.updateStopPrice(ctx, order, candidate); err != nil {
			return decision{}, err
		}
		return decision{}, nil
	}
	if price.GreaterThanOrEqual(stop) {
		return decision{fill: true, price: price}, nil
	}
	return decision{}, nil
}

func (e *Engine) armStop(ctx context.Context, order *models.Order) error {
	if err := e.orders.DB().WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status IN ?", order.ID,
			[]string{models.OrderStatusWorking, models.OrderStatusPartiallyFilled}).
		Update("stop_armed", true).Error; err != nil {
		return fmt.Errorf("failed to arm stop: %w", err)
	}
	order.StopArmed = true
	return nil
}

func (e *Engine) updateStopPrice(ctx context.Context, order *models.Order, stop decimal.Decimal) error {
	if err := e.orders.DB().WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status IN ?", order.ID,
			[]string{models.OrderStatusWorking, models.OrderStatusPartiallyFilled}).
		Update("stop_price", stop).Error; err != nil {
		return fmt.Errorf("failed to ratchet trailing stop: %w", err)
	}
	order.StopPrice = &stop
	return nil
}

// commitFill applies one fill atomically: cash and position deltas, pro-rata
// reservation release, order status advance, trade append, parent algo
// progress and OCO sibling cancellation all commit in one transaction under
// the account lock.
func (e *Engine) commitFill(ctx context.Context, order *models.Order, price decimal.Decimal) (*models.Trade, error) {
	qty := order.RemainingQty()
	if !e.maxFillQty.IsZero() && qty.GreaterThan(e.maxFillQty) {
		qty = e.maxFillQty
	}
	final := qty.Equal(order.RemainingQty())

	notional := qty.Mul(price)
	fee := e.fees.Fee(notional)

	var mut ledger.Mutation
	if order.Side == models.SideBuy {
		release := order.ReservedCash.Mul(qty).Div(order.RequestedQty)
		if final {
			release = order.RemainingReservedCash()
		}
		mut = ledger.Mutation{
			CashDelta:    notional.Add(fee).Neg(),
			PendingDelta: release.Neg(),
			Positions: []ledger.PositionDelta{{
				Symbol:        order.Symbol,
				QuantityDelta: qty,
				FillPrice:     price,
			}},
		}
	} else {
		mut = ledger.Mutation{
			CashDelta: notional.Sub(fee),
			Positions: []ledger.PositionDelta{{
				Symbol:        order.Symbol,
				QuantityDelta: qty.Neg(),
				ReservedDelta: qty.Neg(),
			}},
		}
	}

	var siblings []*models.Order
	if final {
		var err error
		siblings, err = e.openSiblings(ctx, order)
		if err != nil {
			return nil, err
		}
		for _, sib := range siblings {
			rel := orders.ReleaseMutation(sib)
			mut.PendingDelta = mut.PendingDelta.Add(rel.PendingDelta)
			mut.Positions = append(mut.Positions, rel.Positions...)
		}
	}

	now := time.Now()
	trade := &models.Trade{
		ID:         uuid.New(),
		OrderID:    order.ID,
		AccountID:  order.AccountID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   qty,
		Price:      price,
		Fee:        fee,
		ExecutedAt: now,
	}

	_, err := e.orders.Ledger().ApplyWith(ctx, order.AccountID, mut, func(tx *gorm.DB, res *ledger.ApplyResult) error {
		// Each leg realizes its own commission; cost basis stays the raw
		// execution price, so a flat round trip nets exactly the two fees.
		if order.Side == models.SideSell {
			trade.RealizedPnL = price.Sub(res.PriorAvgCost[order.Symbol]).Mul(qty).Sub(fee)
		} else {
			trade.RealizedPnL = fee.Neg()
		}

		newFilled := order.FilledQty.Add(qty)
		status := models.OrderStatusPartiallyFilled
		updates := map[string]interface{}{
			"filled_qty": newFilled,
			"updated_at": now,
		}
		if final {
			status = models.OrderStatusFilled
			updates["filled_at"] = now
		}
		updates["status"] = status

		// Guard against a concurrent cancel between the snapshot and this
		// commit; losing the race rolls the whole fill back.
		upd := tx.Model(&models.Order{}).
			Where("id = ? AND status = ? AND filled_qty = ?", order.ID, order.Status, order.FilledQty).
			Updates(updates)
		if upd.Error != nil {
			return fmt.Errorf("failed to advance order: %w", upd.Error)
		}
		if upd.RowsAffected == 0 {
			return apperrors.New(apperrors.KindConcurrencyConflict,
				"order %s changed while filling", order.ID)
		}

		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("failed to record trade: %w", err)
		}

		if order.ParentAlgoID != nil {
			if err := e.advanceAlgoTx(tx, *order.ParentAlgoID, qty); err != nil {
				return err
			}
		}

		for _, sib := range siblings {
			upd := tx.Model(&models.Order{}).
				Where("id = ? AND status = ? AND filled_qty = ?", sib.ID, sib.Status, sib.FilledQty).
				Updates(map[string]interface{}{
					"status":     models.OrderStatusCancelled,
					"updated_at": now,
				})
			if upd.Error != nil {
				return fmt.Errorf("failed to cancel OCO sibling: %w", upd.Error)
			}
			if upd.RowsAffected == 0 {
				return apperrors.New(apperrors.KindConcurrencyConflict,
					"OCO sibling %s changed while filling", sib.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	order.FilledQty = order.FilledQty.Add(qty)
	if final {
		order.Status = models.OrderStatusFilled
	} else {
		order.Status = models.OrderStatusPartiallyFilled
	}

	metrics.FillsApplied.WithLabelValues(order.Side).Inc()
	e.logger.Info("order filled",
		zap.String("order_id", order.ID.String()),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
		zap.String("fee", fee.String()),
		zap.Bool("final", final))
	return trade, nil
}

// advanceAlgoTx adds a fill to the parent algo order's progress.
func (e *Engine) advanceAlgoTx(tx *gorm.DB, algoID uuid.UUID, qty decimal.Decimal) error {
	var algo models.AlgoOrder
	if err := tx.Where("id = ?", algoID).First(&algo).Error; err != nil {
		return fmt.Errorf("failed to load algo order: %w", err)
	}
	if err := tx.Model(&models.AlgoOrder{}).Where("id = ?", algo.ID).
		Updates(map[string]interface{}{
			"filled_qty": algo.FilledQty.Add(qty),
			"updated_at": time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to advance algo order: %w", err)
	}
	return nil
}

func (e *Engine) openSiblings(ctx context.Context, order *models.Order) ([]*models.Order, error) {
	if order.OCOGroupID == nil {
		return nil, nil
	}
	var siblings []*models.Order
	if err := e.orders.DB().WithContext(ctx).
		Where("oco_group_id = ? AND id <> ? AND status IN ?", order.OCOGroupID, order.ID,
			[]string{models.OrderStatusWorking, models.OrderStatusPartiallyFilled}).
		Find(&siblings).Error; err != nil {
		return nil, fmt.Errorf("failed to load OCO siblings: %w", err)
	}
	return siblings, nil
}

// RunPass evaluates every working order once, in submission order. Errors on
// one order are logged and do not block the rest; a price outage for one
// symbol leaves its orders working.
func (e *Engine) RunPass(ctx context.Context) (int, error) {
	working, err := e.orders.ListWorking(ctx)
	if err != nil {
		return 0, err
	}
	fills := 0
	for _, o := range working {
		trade, err := e.TryExecute(ctx, o.ID)
		if err != nil {
			switch apperrors.KindOf(err) {
			case apperrors.KindPriceUnavailable, apperrors.KindInvalidTransition:
				continue
			}
			e.logger.Error("execution pass failed for order",
				zap.String("order_id", o.ID.String()), zap.Error(err))
			continue
		}
		if trade != nil {
			fills++
		}
	}
	return fills, nil
}

func (e *Engine) publishFilled(ctx context.Context, order *models.Order, trade *models.Trade) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(ctx, events.Event{
		Type:      events.TypeOrderFilled,
		AccountID: order.AccountID,
		RefID:     order.ID,
		Details: map[string]interface{}{
			"trade_id": trade.ID.String(),
			"symbol":   trade.Symbol,
			"side":     trade.Side,
			"quantity": trade.Quantity.String(),
			"price":    trade.Price.String(),
			"final":    order.Status == models.OrderStatusFilled,
		},
		EmittedAt: time.Now(),
	})
}
