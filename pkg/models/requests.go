package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderRequest represents an order submission request.
type OrderRequest struct {
	AccountID      uuid.UUID        `json:"account_id" binding:"required" validate:"required,uuid"`
	Symbol         string           `json:"symbol" binding:"required" validate:"required,min=1,max=12"`
	Side           string           `json:"side" binding:"required,oneof=buy sell" validate:"required,oneof=buy sell"`
	Type           string           `json:"type" binding:"required" validate:"required,oneof=market limit stop stop_limit trailing_stop"`
	Quantity       decimal.Decimal  `json:"quantity" binding:"required" validate:"required"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	TrailingOffset *decimal.Decimal `json:"trailing_offset,omitempty"`
	TimeInForce    string           `json:"time_in_force" validate:"omitempty,oneof=GTC DAY IOC"`
	IdempotencyKey string           `json:"idempotency_key" binding:"required" validate:"required,min=8,max=128"`
	// ParentAlgoID links a child slice to its TWAP parent. Set internally by
	// the algo service, never by API clients.
	ParentAlgoID *uuid.UUID `json:"-"`
	// OCOGroupID links the legs of a one-cancels-other pair. Set internally
	// by SubmitOCO so the link commits with the order row itself; a leg is
	// never live without its group.
	OCOGroupID *uuid.UUID `json:"-"`
}

// OCORequest represents a one-cancels-other pair: a limit leg and a stop leg
// linked so that a fill or cancel of one cancels the other.
type OCORequest struct {
	AccountID      uuid.UUID       `json:"account_id" binding:"required" validate:"required,uuid"`
	Symbol         string          `json:"symbol" binding:"required" validate:"required,min=1,max=12"`
	Side           string          `json:"side" binding:"required,oneof=buy sell" validate:"required,oneof=buy sell"`
	Quantity       decimal.Decimal `json:"quantity" binding:"required" validate:"required"`
	LimitPrice     decimal.Decimal `json:"limit_price" binding:"required" validate:"required"`
	StopPrice      decimal.Decimal `json:"stop_price" binding:"required" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required" validate:"required,min=8,max=128"`
}

// DepositRequest represents a fund deposit request.
type DepositRequest struct {
	AccountID      uuid.UUID       `json:"account_id" binding:"required" validate:"required,uuid"`
	Amount         decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	Source         string          `json:"source" binding:"required" validate:"required,oneof=bank_transfer card wallet"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required" validate:"required,min=8,max=128"`
}

// WithdrawalRequest represents a fund withdrawal request against a
// whitelisted destination.
type WithdrawalRequest struct {
	AccountID      uuid.UUID       `json:"account_id" binding:"required" validate:"required,uuid"`
	Amount         decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	DestinationID  uuid.UUID       `json:"destination_id" binding:"required" validate:"required,uuid"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required" validate:"required,min=8,max=128"`
}

// TwapRequest represents a TWAP parent order submission.
type TwapRequest struct {
	AccountID        uuid.UUID       `json:"account_id" binding:"required" validate:"required,uuid"`
	Symbol           string          `json:"symbol" binding:"required" validate:"required,min=1,max=12"`
	Side             string          `json:"side" binding:"required,oneof=buy sell" validate:"required,oneof=buy sell"`
	TotalQty         decimal.Decimal `json:"total_qty" binding:"required" validate:"required"`
	DurationSec      int64           `json:"duration_sec" binding:"required" validate:"required,gt=0"`
	SliceIntervalSec int64           `json:"slice_interval_sec" binding:"required" validate:"required,gt=0"`
}

// DestinationRequest represents a request to whitelist a withdrawal
// destination.
type DestinationRequest struct {
	UserID  uuid.UUID `json:"user_id" binding:"required" validate:"required,uuid"`
	Label   string    `json:"label" binding:"required" validate:"required,max=100"`
	Address string    `json:"address" binding:"required" validate:"required,min=5,max=200"`
}

// ScheduleRequest represents a recurring buy schedule creation request.
type ScheduleRequest struct {
	AccountID uuid.UUID       `json:"account_id" binding:"required" validate:"required,uuid"`
	Symbol    string          `json:"symbol" binding:"required" validate:"required,min=1,max=12"`
	Amount    decimal.Decimal `json:"amount" binding:"required" validate:"required"`
	Frequency string          `json:"frequency" binding:"required,oneof=daily weekly monthly" validate:"required,oneof=daily weekly monthly"`
}
