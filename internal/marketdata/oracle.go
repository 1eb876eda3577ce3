// Package marketdata provides the last-traded-price oracle consumed by the
// execution engine. The engine treats a quote as a single authoritative value
// per query, not a stream.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
)

// Quote is the last traded price for a symbol at a point in time.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Oracle supplies last-traded prices. Implementations must respect the
// context deadline; callers never hold account locks across a quote fetch.
type Oracle interface {
	GetLastPrice(ctx context.Context, symbol string) (Quote, error)
}

// StaticOracle serves fixed prices from memory. Used by tests and by the
// copy/recurring schedulers in simulation mode.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	// Fail forces PriceUnavailable for listed symbols.
	fail map[string]bool
}

// NewStaticOracle creates an empty static oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		prices: make(map[string]decimal.Decimal),
		fail:   make(map[string]bool),
	}
}

// SetPrice sets the last traded price for a symbol.
func (o *StaticOracle) SetPrice(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
	delete(o.fail, symbol)
}

// SetUnavailable makes quotes for the symbol fail until a new price is set.
func (o *StaticOracle) SetUnavailable(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail[symbol] = true
}

// GetLastPrice implements Oracle.
func (o *StaticOracle) GetLastPrice(ctx context.Context, symbol string) (Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.fail[symbol] {
		return Quote{}, apperrors.New(apperrors.KindPriceUnavailable, "no price for symbol %s", symbol)
	}
	price, ok := o.prices[symbol]
	if !ok {
		return Quote{}, apperrors.New(apperrors.KindPriceUnavailable, "no price for symbol %s", symbol)
	}
	return Quote{Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}
