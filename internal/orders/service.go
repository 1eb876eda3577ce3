// Package orders owns the order lifecycle: validation, idempotent
// submission, buying-power and position reservation, cancellation and
// expiry. Fills are applied by the execution engine; this service never
// fills an order itself.
package orders

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
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/events"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/idempotency"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/ledger"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/marketdata"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/metrics"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

const idempotencyScope = "order"

// Service implements the order state machine.
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	ledger    *ledger.Service
	oracle    marketdata.Oracle
	idem      idempotency.Store
	publisher events.Publisher
	clock     clock.Clock
	window    time.Duration
}

// NewService creates an order service.
func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	ledgerSvc *ledger.Service,
	oracle marketdata.Oracle,
	idem idempotency.Store,
	publisher events.Publisher,
	clk clock.Clock,
	idempotencyWindow time.Duration,
) *Service {
	if idempotencyWindow == 0 {
		idempotencyWindow = 24 * time.Hour
	}
	return &Service{
		logger:    logger,
		db:        db,
		ledger:    ledgerSvc,
		oracle:    oracle,
		idem:      idem,
		publisher: publisher,
		clock:     clk,
		window:    idempotencyWindow,
	}
}

// Ledger exposes the ledger service for collaborating engines.
func (s *Service) Ledger() *ledger.Service { return s.ledger }

// DB exposes the database handle for collaborating engines.
func (s *Service) DB() *gorm.DB { return s.db }

// Submit validates and persists an order, reserving the required buying
// power (buys) or position quantity (sells). A replay with a previously seen
// idempotency key returns the original order without re-executing.
func (s *Service) Submit(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if existing, found, err := s.replay(ctx, req.AccountID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if found {
		metrics.OrdersSubmitted.WithLabelValues(req.Side, "duplicate").Inc()
		return existing, nil
	}

	if err := s.validate(&req); err != nil {
		metrics.OrdersSubmitted.WithLabelValues(req.Side, "rejected").Inc()
		return nil, err
	}

	order, err := s.buildOrder(&req)
	if err != nil {
		return nil, err
	}

	reservation, err := s.reservationFor(ctx, order)
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues(req.Side, "rejected").Inc()
		s.publishRejected(ctx, order, err)
		return nil, err
	}

	// Reservation and persistence commit together; the in-transaction
	// dedupe check makes concurrent same-key submits return one order.
	_, err = s.ledger.ApplyWith(ctx, order.AccountID, reservation, func(tx *gorm.DB, _ *ledger.ApplyResult) error {
		var count int64
		if err := tx.Model(&models.Order{}).
			Where("account_id = ? AND idempotency_key = ?", order.AccountID, order.IdempotencyKey).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check idempotency: %w", err)
		}
		if count > 0 {
			return apperrors.New(apperrors.KindDuplicate, "idempotency key already used")
		}
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to persist order: %w", err)
		}
		return nil
	})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindDuplicate {
			return s.findByKey(ctx, req.AccountID, req.IdempotencyKey)
		}
		metrics.OrdersSubmitted.WithLabelValues(req.Side, "rejected").Inc()
		s.publishRejected(ctx, order, err)
		return nil, err
	}

	if _, _, err := s.idem.PutIfAbsent(ctx, idempotencyScope, s.idemKey(req.AccountID, req.IdempotencyKey), order.ID.String(), s.window); err != nil {
		// The DB check above remains authoritative; cache loss only costs a
		// lookup on replay.
		s.logger.Warn("failed to record idempotency key", zap.Error(err))
	}

	metrics.OrdersSubmitted.WithLabelValues(req.Side, "accepted").Inc()
	s.logger.Info("order accepted",
		zap.String("order_id", order.ID.String()),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.String("type", order.Type),
		zap.String("qty", order.RequestedQty.String()))
	return order, nil
}

// SubmitOCO submits a linked limit/stop pair sharing one reservation group;
// filling or cancelling either leg cancels the other. The group id is written
// with each order row, so a leg is executable only once its link exists.
func (s *Service) SubmitOCO(ctx context.Context, req models.OCORequest) ([]*models.Order, error) {
	groupID := uuid.New()
	limitReq := models.OrderRequest{
		AccountID:      req.AccountID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           models.OrderTypeLimit,
		Quantity:       req.Quantity,
		LimitPrice:     &req.LimitPrice,
		TimeInForce:    models.TIFGoodTillCancel,
		IdempotencyKey: req.IdempotencyKey + ":limit",
		OCOGroupID:     &groupID,
	}
	stopReq := models.OrderRequest{
		AccountID:      req.AccountID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           models.OrderTypeStop,
		Quantity:       req.Quantity,
		StopPrice:      &req.StopPrice,
		TimeInForce:    models.TIFGoodTillCancel,
		IdempotencyKey: req.IdempotencyKey + ":stop",
		OCOGroupID:     &groupID,
	}

	limitOrder, err := s.Submit(ctx, limitReq)
	if err != nil {
		return nil, err
	}
	stopOrder, err := s.Submit(ctx, stopReq)
	if err != nil {
		// Unwind the first leg so the pair is all-or-nothing.
		if _, cancelErr := s.Cancel(ctx, limitOrder.ID); cancelErr != nil &&
			apperrors.KindOf(cancelErr) != apperrors.KindInvalidTransition {
			s.logger.Error("failed to unwind OCO leg",
				zap.String("order_id", limitOrder.ID.String()), zap.Error(cancelErr))
		}
		return nil, err
	}
	return []*models.Order{limitOrder, stopOrder}, nil
}

// Cancel transitions a working or partially filled order to cancelled,
// releasing the unfilled portion's reservation. Cancelling a terminal order
// fails with InvalidTransition. The losing side of a cancel/fill race
// observes InvalidTransition; state is never corrupted.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.terminate(ctx, orderID, models.OrderStatusCancelled)
}

// Expire transitions an order past its time-in-force deadline to expired;
// same reservation effect as cancel on the unfilled remainder.
func (s *Service) Expire(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.terminate(ctx, orderID, models.OrderStatusExpired)
}

// ExpireDue expires every working order whose deadline has passed. Invoked
// periodically by the scheduler; failures on one order do not block others.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var due []*models.Order
	if err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ? AND status IN ?", now,
			[]string{models.OrderStatusWorking, models.OrderStatusPartiallyFilled}).
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("failed to list due orders: %w", err)
	}
	expired := 0
	for _, o := range due {
		if _, err := s.Expire(ctx, o.ID); err != nil {
			if apperrors.KindOf(err) == apperrors.KindInvalidTransition {
				continue // lost the race to a fill or cancel
			}
			s.logger.Error("failed to expire order",
				zap.String("order_id", o.ID.String()), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) terminate(ctx context.Context, orderID uuid.UUID, terminal string) (*models.Order, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		order, err := s.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.IsTerminal() {
			return nil, apperrors.New(apperrors.KindInvalidTransition,
				"order %s is already %s", orderID, order.Status)
		}

		release := ReleaseMutation(order)
		siblings, err := s.openSiblings(ctx, order)
		if err != nil {
			return nil, err
		}
		for _, sib := range siblings {
			rel := ReleaseMutation(sib)
			release.PendingDelta = release.PendingDelta.Add(rel.PendingDelta)
			release.Positions = append(release.Positions, rel.Positions...)
		}

		_, err = s.ledger.ApplyWith(ctx, order.AccountID, release, func(tx *gorm.DB, _ *ledger.ApplyResult) error {
			if err := s.transitionTx(tx, order, terminal); err != nil {
				return err
			}
			for _, sib := range siblings {
				if err := s.transitionTx(tx, sib, models.OrderStatusCancelled); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindConcurrencyConflict {
				lastErr = err
				continue // refresh state and retry once
			}
			return nil, err
		}

		order.Status = terminal
		return order, nil
	}
	return nil, lastErr
}

// transitionTx moves an order to a terminal state, guarded against
// concurrent fills by matching the exact snapshot the release was computed
// from.
func (s *Service) transitionTx(tx *gorm.DB, order *models.Order, terminal string) error {
	res := tx.Model(&models.Order{}).
		Where("id = ? AND status = ? AND filled_qty = ?", order.ID, order.Status, order.FilledQty).
		Updates(map[string]interface{}{
			"status":     terminal,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update order status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.New(apperrors.KindConcurrencyConflict,
			"order %s changed while terminating", order.ID)
	}
	return nil
}

// openSiblings returns the other non-terminal legs of the order's OCO group.
func (s *Service) openSiblings(ctx context.Context, order *models.Order) ([]*models.Order, error) {
	if order.OCOGroupID == nil {
		return nil, nil
	}
	var siblings []*models.Order
	if err := s.db.WithContext(ctx).
		Where("oco_group_id = ? AND id <> ? AND status IN ?", order.OCOGroupID, order.ID,
			[]string{models.OrderStatusWorking, models.OrderStatusPartiallyFilled}).
		Find(&siblings).Error; err != nil {
		return nil, fmt.Errorf("failed to load OCO siblings: %w", err)
	}
	return siblings, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.New(apperrors.KindNotFound, "order %s not found", orderID)
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	return &order, nil
}

// ListByAccount returns an account's orders, newest first.
func (s *Service) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.Order, error) {
	var out []*models.Order
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return out, nil
}

// ListWorking returns all orders awaiting fills, used by the trigger
// evaluator.
func (s *Service) ListWorking(ctx context.Context) ([]*models.Order, error) {
	var out []*models.Order
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.OrderStatusWorking, models.OrderStatusPartiallyFilled}).
		Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list working orders: %w", err)
	}
	return out, nil
}

func (s *Service) validate(req *models.OrderRequest) error {
	if !req.Quantity.IsPositive() {
		return apperrors.New(apperrors.KindValidation, "quantity must be positive")
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return apperrors.New(apperrors.KindValidation, "side must be buy or sell")
	}
	switch req.Type {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return apperrors.New(apperrors.KindValidation, "limit order requires a positive limit price")
		}
	case models.OrderTypeStop:
		if req.StopPrice == nil || !req.StopPrice.IsPositive() {
			return apperrors.New(apperrors.KindValidation, "stop order requires a positive stop price")
		}
	case models.OrderTypeStopLimit:
		if req.StopPrice == nil || !req.StopPrice.IsPositive() {
			return apperrors.New(apperrors.KindValidation, "stop-limit order requires a positive stop price")
		}
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return apperrors.New(apperrors.KindValidation, "stop-limit order requires a positive limit price")
		}
	case models.OrderTypeTrailingStop:
		if req.TrailingOffset == nil || !req.TrailingOffset.IsPositive() {
			return apperrors.New(apperrors.KindValidation, "trailing stop requires a positive offset")
		}
	default:
		return apperrors.New(apperrors.KindValidation, "unsupported order type %q", req.Type)
	}
	if req.TimeInForce != "" &&
		req.TimeInForce != models.TIFGoodTillCancel &&
		req.TimeInForce != models.TIFDay &&
		req.TimeInForce != models.TIFImmediate {
		return apperrors.New(apperrors.KindValidation, "unsupported time in force %q", req.TimeInForce)
	}
	if req.IdempotencyKey == "" {
		return apperrors.New(apperrors.KindValidation, "idempotency key is required")
	}
	return nil
}

func (s *Service) buildOrder(req *models.OrderRequest) (*models.Order, error) {
	now := s.clock.Now()
	tif := req.TimeInForce
	if tif == "" {
		tif = models.TIFGoodTillCancel
	}
	order := &models.Order{
		ID:             uuid.New(),
		AccountID:      req.AccountID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		RequestedQty:   req.Quantity,
		FilledQty:      decimal.Zero,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		TrailingOffset: req.TrailingOffset,
		TimeInForce:    tif,
		Status:         models.OrderStatusWorking,
		ParentAlgoID:   req.ParentAlgoID,
		OCOGroupID:     req.OCOGroupID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if tif == models.TIFDay {
		endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, now.Location())
		order.ExpiresAt = &endOfDay
	}
	return order, nil
}

// reservationFor computes the ledger hold for a new order: buys reserve cash
// for the estimated notional, sells reserve position quantity. The oracle is
// consulted before any lock is taken.
func (s *Service) reservationFor(ctx context.Context, order *models.Order) (ledger.Mutation, error) {
	if order.Side == models.SideSell {
		return ledger.Mutation{
			Positions: []ledger.PositionDelta{{
				Symbol:        order.Symbol,
				ReservedDelta: order.RequestedQty,
			}},
		}, nil
	}

	estimate, err := s.estimatePrice(ctx, order)
	if err != nil {
		return ledger.Mutation{}, err
	}
	cost := order.RequestedQty.Mul(estimate)
	order.ReservedCash = cost
	return ledger.Mutation{PendingDelta: cost}, nil
}

// estimatePrice returns the price a buy reservation is sized against: the
// limit price when present, otherwise the oracle's last traded price.
func (s *Service) estimatePrice(ctx context.Context, order *models.Order) (decimal.Decimal, error) {
	if order.LimitPrice != nil {
		return *order.LimitPrice, nil
	}
	if order.StopPrice != nil {
		return *order.StopPrice, nil
	}
	start := time.Now()
	quote, err := s.oracle.GetLastPrice(ctx, order.Symbol)
	metrics.OracleLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return decimal.Zero, err
	}
	return quote.Price, nil
}

func (s *Service) replay(ctx context.Context, accountID uuid.UUID, key string) (*models.Order, bool, error) {
	id, found, err := s.idem.Get(ctx, idempotencyScope, s.idemKey(accountID, key))
	if err != nil {
		s.logger.Warn("idempotency lookup failed", zap.Error(err))
	} else if found {
		orderID, parseErr := uuid.Parse(id)
		if parseErr == nil {
			order, getErr := s.Get(ctx, orderID)
			if getErr == nil {
				return order, true, nil
			}
		}
	}
	// Fall back to the durable record.
	order, err := s.findByKey(ctx, accountID, key)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return order, true, nil
}

func (s *Service) findByKey(ctx context.Context, accountID uuid.UUID, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, key).First(&order).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.New(apperrors.KindNotFound, "no order for idempotency key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find order by key: %w", err)
	}
	return &order, nil
}

func (s *Service) idemKey(accountID uuid.UUID, key string) string {
	return accountID.String() + ":" + key
}

func (s *Service) publishRejected(ctx context.Context, order *models.Order, cause error) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, events.Event{
		Type:      events.TypeOrderRejected,
		AccountID: order.AccountID,
		RefID:     order.ID,
		Details: map[string]interface{}{
			"symbol": order.Symbol,
			"side":   order.Side,
			"reason": string(apperrors.KindOf(cause)),
		},
		EmittedAt: time.Now(),
	})
}

// ReleaseMutation computes the reservation release for an order's unfilled
// remainder: buys return held cash, sells return held quantity.
func ReleaseMutation(order *models.Order) ledger.Mutation {
	if order.Side == models.SideBuy {
		return ledger.Mutation{PendingDelta: order.RemainingReservedCash().Neg()}
	}
	return ledger.Mutation{
		Positions: []ledger.PositionDelta{{
			Symbol:        order.Symbol,
			ReservedDelta: order.RemainingQty().Neg(),
		}},
	}
}
