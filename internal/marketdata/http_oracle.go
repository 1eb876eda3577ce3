package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
)

// HTTPOracle fetches last-traded prices from an external price feed over
// HTTP. Each query uses a bounded timeout and exactly one retry; a second
// failure surfaces PriceUnavailable so the order stays working for the
// caller to retry later.
type HTTPOracle struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

type quoteResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewHTTPOracle creates an oracle client against the given feed base URL.
func NewHTTPOracle(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPOracle {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// GetLastPrice implements Oracle.
func (o *HTTPOracle) GetLastPrice(ctx context.Context, symbol string) (Quote, error) {
	quote, err := o.fetch(ctx, symbol)
	if err == nil {
		return quote, nil
	}
	o.logger.Warn("price fetch failed, retrying once",
		zap.String("symbol", symbol), zap.Error(err))

	quote, err = o.fetch(ctx, symbol)
	if err != nil {
		return Quote{}, apperrors.Wrap(apperrors.KindPriceUnavailable, err, "price feed unavailable for %s", symbol)
	}
	return quote, nil
}

func (o *HTTPOracle) fetch(ctx context.Context, symbol string) (Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	u := fmt.Sprintf("%s/v1/prices/%s", o.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to build quote request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("quote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	var qr quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return Quote{}, fmt.Errorf("failed to decode quote: %w", err)
	}
	if qr.Price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("price feed returned non-positive price for %s", symbol)
	}

	return Quote{Symbol: qr.Symbol, Price: qr.Price, Timestamp: qr.Timestamp}, nil
}
