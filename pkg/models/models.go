package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order side values.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order types.
const (
	OrderTypeMarket       = "market"
	OrderTypeLimit        = "limit"
	OrderTypeStop         = "stop"
	OrderTypeStopLimit    = "stop_limit"
	OrderTypeTrailingStop = "trailing_stop"
)

// Order statuses. Transitions are monotonic: a terminal order never leaves
// its terminal state.
const (
	OrderStatusWorking         = "working"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
	OrderStatusExpired         = "expired"
)

// Time-in-force values.
const (
	TIFGoodTillCancel = "GTC"
	TIFDay            = "DAY"
	TIFImmediate      = "IOC"
)

// Fund transaction directions and statuses.
const (
	DirectionDeposit    = "deposit"
	DirectionWithdrawal = "withdrawal"

	TransferStatusPending   = "pending"
	TransferStatusCompleted = "completed"
	TransferStatusFailed    = "failed"
	TransferStatusCancelled = "cancelled"
)

// Withdrawal destination statuses.
const (
	DestinationPending  = "pending_approval"
	DestinationActive   = "active"
	DestinationDisabled = "disabled"
)

// Recurring schedule frequencies.
const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// Algo order statuses.
const (
	AlgoStatusWorking   = "working"
	AlgoStatusCompleted = "completed"
	AlgoStatusDegraded  = "degraded"
	AlgoStatusCancelled = "cancelled"
)

// Account represents a user's cash account for a specific currency.
// Balance is the total committed cash; Pending is the portion held by
// in-flight orders and withdrawals. Both are fixed-point decimals and are
// mutated only through the ledger service.
type Account struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Currency  string          `json:"currency" gorm:"index" validate:"required,len=3"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(32,16)"`
	Pending   decimal.Decimal `json:"pending" gorm:"type:decimal(32,16)"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Available returns the spendable portion of the balance.
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Pending)
}

// Position represents holdings of a symbol in an account. Reserved is the
// quantity held by working sell orders. AvgCost is undefined once Quantity
// returns to zero.
type Position struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AccountID uuid.UUID       `json:"account_id" gorm:"type:uuid;index:idx_position_account_symbol,unique" validate:"required,uuid"`
	Symbol    string          `json:"symbol" gorm:"index:idx_position_account_symbol,unique" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity" gorm:"type:decimal(32,16)"`
	Reserved  decimal.Decimal `json:"reserved" gorm:"type:decimal(32,16)"`
	AvgCost   decimal.Decimal `json:"avg_cost" gorm:"type:decimal(32,16)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AvailableQty returns the quantity not reserved by working sell orders.
func (p *Position) AvailableQty() decimal.Decimal {
	return p.Quantity.Sub(p.Reserved)
}

// Order represents a user's trading intent.
type Order struct {
	ID             uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AccountID      uuid.UUID        `json:"account_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Symbol         string           `json:"symbol" gorm:"index" validate:"required"`
	Side           string           `json:"side" validate:"required,oneof=buy sell"`
	Type           string           `json:"type" validate:"required,oneof=market limit stop stop_limit trailing_stop"`
	RequestedQty   decimal.Decimal  `json:"requested_qty" gorm:"type:decimal(32,16)"`
	FilledQty      decimal.Decimal  `json:"filled_qty" gorm:"type:decimal(32,16)"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty" gorm:"type:decimal(32,16)"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty" gorm:"type:decimal(32,16)"`
	TrailingOffset *decimal.Decimal `json:"trailing_offset,omitempty" gorm:"type:decimal(32,16)"`
	// StopArmed flips once the stop condition has been crossed; from then on
	// the order behaves as market (stop) or limit (stop_limit).
	StopArmed      bool       `json:"stop_armed"`
	TimeInForce    string     `json:"time_in_force" validate:"required,oneof=GTC DAY IOC"`
	Status         string     `json:"status" validate:"required,oneof=working partially_filled filled cancelled rejected expired"`
	ParentAlgoID   *uuid.UUID `json:"parent_algo_id,omitempty" gorm:"type:uuid;index"`
	OCOGroupID     *uuid.UUID `json:"oco_group_id,omitempty" gorm:"type:uuid;index"`
	IdempotencyKey string     `json:"idempotency_key" gorm:"index"`
	// ReservedCash is the buying power held for a buy order at submission;
	// released pro rata as fills commit and on cancel/expire.
	ReservedCash decimal.Decimal `json:"reserved_cash" gorm:"type:decimal(32,16)"`
	RejectReason string          `json:"reject_reason,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FilledAt     *time.Time      `json:"filled_at,omitempty"`
}

// RemainingQty returns the unfilled portion of the order.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.RequestedQty.Sub(o.FilledQty)
}

// IsTerminal reports whether the order is in a terminal state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// RemainingReservedCash returns the unreleased portion of the buy-side cash
// reservation, pro rata over the unfilled quantity.
func (o *Order) RemainingReservedCash() decimal.Decimal {
	if o.RequestedQty.IsZero() || o.ReservedCash.IsZero() {
		return decimal.Zero
	}
	return o.ReservedCash.Mul(o.RemainingQty()).Div(o.RequestedQty)
}

// Trade represents a single immutable execution of all or part of an order.
type Trade struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	OrderID     uuid.UUID       `json:"order_id" gorm:"type:uuid;index" validate:"required,uuid"`
	AccountID   uuid.UUID       `json:"account_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Symbol      string          `json:"symbol" gorm:"index" validate:"required"`
	Side        string          `json:"side" validate:"required,oneof=buy sell"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(32,16)"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	Fee         decimal.Decimal `json:"fee" gorm:"type:decimal(32,16)"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" gorm:"type:decimal(32,16)"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// FundTransaction represents a deposit or withdrawal between a cash account
// and an external destination.
type FundTransaction struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AccountID      uuid.UUID       `json:"account_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Direction      string          `json:"direction" validate:"required,oneof=deposit withdrawal"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"`
	Currency       string          `json:"currency" validate:"required,len=3"`
	DestinationID  *uuid.UUID      `json:"destination_id,omitempty" gorm:"type:uuid;index"`
	Status         string          `json:"status" validate:"required,oneof=pending completed failed cancelled"`
	IdempotencyKey string          `json:"idempotency_key" gorm:"index"`
	// ExternalRef is the settlement collaborator's transfer id.
	ExternalRef string     `json:"external_ref,omitempty" gorm:"index"`
	FailReason  string     `json:"fail_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WithdrawalDestination is a whitelisted external bank or wallet destination.
// A destination is usable for withdrawals only while active and only after
// the time-lock window since approval has elapsed.
type WithdrawalDestination struct {
	ID         uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID     uuid.UUID  `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Label      string     `json:"label" validate:"required,max=100"`
	Address    string     `json:"address" validate:"required,min=5,max=200"`
	Status     string     `json:"status" validate:"required,oneof=pending_approval active disabled"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// AlgoOrder is the parent of a TWAP execution. Child market orders reference
// it through Order.ParentAlgoID.
type AlgoOrder struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AccountID     uuid.UUID       `json:"account_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Symbol        string          `json:"symbol" validate:"required"`
	Side          string          `json:"side" validate:"required,oneof=buy sell"`
	TotalQty      decimal.Decimal `json:"total_qty" gorm:"type:decimal(32,16)"`
	SubmittedQty  decimal.Decimal `json:"submitted_qty" gorm:"type:decimal(32,16)"`
	FilledQty     decimal.Decimal `json:"filled_qty" gorm:"type:decimal(32,16)"`
	SliceInterval time.Duration   `json:"slice_interval"`
	Duration      time.Duration   `json:"duration"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	Status        string          `json:"status" validate:"required,oneof=working completed degraded cancelled"`
	FailReason    string          `json:"fail_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CopySubscription links a subscriber account to a trader account. The
// propagator reads these; it never mutates them.
type CopySubscription struct {
	ID                  uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	SubscriberAccountID uuid.UUID       `json:"subscriber_account_id" gorm:"type:uuid;index" validate:"required,uuid"`
	TraderAccountID     uuid.UUID       `json:"trader_account_id" gorm:"type:uuid;index" validate:"required,uuid"`
	CopyAmount          decimal.Decimal `json:"copy_amount" gorm:"type:decimal(32,16)"`
	Active              bool            `json:"active" gorm:"index"`
	CreatedAt           time.Time       `json:"created_at"`
}

// RecurringSchedule is a periodic buy instruction. NextExecutionDate is
// advanced by the scheduler only after a successful submission.
type RecurringSchedule struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	AccountID         uuid.UUID       `json:"account_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Symbol            string          `json:"symbol" validate:"required"`
	Amount            decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"`
	Frequency         string          `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	NextExecutionDate time.Time       `json:"next_execution_date" gorm:"index"`
	Active            bool            `json:"active" gorm:"index"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
