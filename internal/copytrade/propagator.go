// Package copytrade mirrors a trader's fills onto subscriber accounts. Each
// subscriber buys or sells a fixed notional per fill, sized at the fill
// price; one subscriber's rejection never blocks the others or the trader.
package copytrade

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/clock"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/events"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/orders"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

// copyQtyPrecision is the decimal scale copied quantities are truncated to.
const copyQtyPrecision = 8

// copyKeyPrefix marks orders the propagator itself submitted. Fills of such
// orders are never propagated again, so mutual subscriptions cannot ping-pong
// copies between accounts.
const copyKeyPrefix = "copy:"

// Propagator fans trader fills out to subscribers.
type Propagator struct {
	logger *zap.Logger
	db     *gorm.DB
	orders *orders.Service
	clock  clock.Clock
}

// NewPropagator creates a copy-trade propagator.
func NewPropagator(logger *zap.Logger, db *gorm.DB, ordersSvc *orders.Service, clk clock.Clock) *Propagator {
	return &Propagator{
		logger: logger,
		db:     db,
		orders: ordersSvc,
		clock:  clk,
	}
}

// Subscribe links a subscriber account to a trader account with a fixed
// notional per copied fill.
func (p *Propagator) Subscribe(ctx context.Context, subscriberID, traderID uuid.UUID, copyAmount decimal.Decimal) (*models.CopySubscription, error) {
	if subscriberID == traderID {
		return nil, apperrors.New(apperrors.KindValidation, "account cannot copy itself")
	}
	if !copyAmount.IsPositive() {
		return nil, apperrors.New(apperrors.KindValidation, "copy amount must be positive")
	}
	var count int64
	if err := p.db.WithContext(ctx).Model(&models.CopySubscription{}).
		Where("subscriber_account_id = ? AND trader_account_id = ? AND active = ?", subscriberID, traderID, true).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check subscription: %w", err)
	}
	if count > 0 {
		return nil, apperrors.New(apperrors.KindDuplicate,
			"account %s already copies trader %s", subscriberID, traderID)
	}

	sub := &models.CopySubscription{
		ID:                  uuid.New(),
		SubscriberAccountID: subscriberID,
		TraderAccountID:     traderID,
		CopyAmount:          copyAmount,
		Active:              true,
		CreatedAt:           p.clock.Now(),
	}
	if err := p.db.WithContext(ctx).Create(sub).Error; err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe deactivates a subscription. Copies already in flight are
// unaffected.
func (p *Propagator) Unsubscribe(ctx context.Context, subscriptionID uuid.UUID) error {
	res := p.db.WithContext(ctx).Model(&models.CopySubscription{}).
		Where("id = ? AND active = ?", subscriptionID, true).
		Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.New(apperrors.KindNotFound, "active subscription %s not found", subscriptionID)
	}
	return nil
}

// ListByTrader returns the active subscriptions copying a trader.
func (p *Propagator) ListByTrader(ctx context.Context, traderID uuid.UUID) ([]*models.CopySubscription, error) {
	var subs []*models.CopySubscription
	if err := p.db.WithContext(ctx).
		Where("trader_account_id = ? AND active = ?", traderID, true).
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// Start consumes fill events until the context is cancelled. Callers launch
// it in a goroutine with the channel from the event recorder's Subscribe.
func (p *Propagator) Start(ctx context.Context, feed <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if ev.Type != events.TypeOrderFilled {
				continue
			}
			if err := p.Propagate(ctx, ev); err != nil {
				p.logger.Error("failed to propagate fill",
					zap.String("trader_account_id", ev.AccountID.String()),
					zap.Error(err))
			}
		}
	}
}

// Propagate mirrors one fill event onto every active subscriber of the
// trader. The copied quantity is the subscription's notional divided by the
// fill price. Failures are per-subscriber: each is logged and the rest
// proceed.
func (p *Propagator) Propagate(ctx context.Context, ev events.Event) error {
	fill, err := parseFill(ev)
	if err != nil {
		return err
	}
	copied, err := p.isCopyOrder(ctx, ev.RefID)
	if err != nil {
		return err
	}
	if copied {
		return nil
	}

	subs, err := p.ListByTrader(ctx, ev.AccountID)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		qty := sub.CopyAmount.Div(fill.price).Truncate(copyQtyPrecision)
		if !qty.IsPositive() {
			continue
		}
		req := models.OrderRequest{
			AccountID:      sub.SubscriberAccountID,
			Symbol:         fill.symbol,
			Side:           fill.side,
			Type:           models.OrderTypeMarket,
			Quantity:       qty,
			TimeInForce:    models.TIFGoodTillCancel,
			IdempotencyKey: fmt.Sprintf("%s%s:%s", copyKeyPrefix, sub.ID, fill.tradeID),
		}
		if _, err := p.orders.Submit(ctx, req); err != nil {
			p.logger.Warn("copy order rejected",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("subscriber_account_id", sub.SubscriberAccountID.String()),
				zap.String("symbol", fill.symbol),
				zap.String("qty", qty.String()),
				zap.Error(err))
			continue
		}
		p.logger.Info("fill copied",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("symbol", fill.symbol),
			zap.String("side", fill.side),
			zap.String("qty", qty.String()))
	}
	return nil
}

// isCopyOrder reports whether the filled order was itself submitted by the
// propagator, identified by its idempotency key prefix. An order that cannot
// be found does not block propagation.
func (p *Propagator) isCopyOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	if orderID == uuid.Nil {
		return false, nil
	}
	var key string
	err := p.db.WithContext(ctx).Model(&models.Order{}).
		Select("idempotency_key").Where("id = ?", orderID).Scan(&key).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up filled order: %w", err)
	}
	return strings.HasPrefix(key, copyKeyPrefix), nil
}

type fillDetails struct {
	tradeID string
	symbol  string
	side    string
	price   decimal.Decimal
}

func parseFill(ev events.Event) (fillDetails, error) {
	out := fillDetails{
		tradeID: detailString(ev, "trade_id"),
		symbol:  detailString(ev, "symbol"),
		side:    detailString(ev, "side"),
	}
	if out.tradeID == "" || out.symbol == "" || out.side == "" {
		return out, apperrors.New(apperrors.KindValidation, "fill event missing trade details")
	}
	price, err := decimal.NewFromString(detailString(ev, "price"))
	if err != nil || !price.IsPositive() {
		return out, apperrors.New(apperrors.KindValidation, "fill event has no usable price")
	}
	out.price = price
	return out, nil
}

func detailString(ev events.Event, key string) string {
	v, _ := ev.Details[key].(string)
	return v
}
