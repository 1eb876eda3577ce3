// Package transfers moves cash between ledger accounts and the outside
// world. Deposits credit only once the settlement collaborator confirms;
// withdrawals hold funds at initiation, debit on confirmation and release the
// hold on failure. Withdrawal destinations must be whitelisted, active and
// past the time-lock window since approval.
package transfers

import (
	"context"
	"errors"
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
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/metrics"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

const idempotencyScope = "transfer"

// Service implements deposits, withdrawals and destination management.
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	ledger    *ledger.Service
	gateway   Gateway
	idem      idempotency.Store
	publisher events.Publisher
	clock     clock.Clock

	timeLock          time.Duration
	settlementTimeout time.Duration
	window            time.Duration
}

// NewService creates a transfer service. timeLock is the destination
// probation window after approval; settlementTimeout bounds each gateway
// call.
func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	ledgerSvc *ledger.Service,
	gateway Gateway,
	idem idempotency.Store,
	publisher events.Publisher,
	clk clock.Clock,
	timeLock, settlementTimeout, idempotencyWindow time.Duration,
) *Service {
	if timeLock == 0 {
		timeLock = 24 * time.Hour
	}
	if settlementTimeout == 0 {
		settlementTimeout = 5 * time.Second
	}
	if idempotencyWindow == 0 {
		idempotencyWindow = 24 * time.Hour
	}
	return &Service{
		logger:            logger,
		db:                db,
		ledger:            ledgerSvc,
		gateway:           gateway,
		idem:              idem,
		publisher:         publisher,
		clock:             clk,
		timeLock:          timeLock,
		settlementTimeout: settlementTimeout,
		window:            idempotencyWindow,
	}
}

// Deposit initiates an inbound transfer. No cash moves until the settlement
// collaborator confirms through OnSettlementResult; an unconfirmed deposit
// never appears in the balance.
func (s *Service) Deposit(ctx context.Context, req models.DepositRequest) (*models.FundTransaction, error) {
	if existing, found, err := s.replay(ctx, req.AccountID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if found {
		return existing, nil
	}
	if !req.Amount.IsPositive() {
		return nil, apperrors.New(apperrors.KindValidation, "deposit amount must be positive")
	}
	account, err := s.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	fund := s.newTransaction(req.AccountID, models.DirectionDeposit, req.Amount, account.Currency, nil, req.IdempotencyKey)
	if err := s.createDeduped(ctx, fund); err != nil {
		if apperrors.KindOf(err) == apperrors.KindDuplicate {
			return s.findByKey(ctx, req.AccountID, req.IdempotencyKey)
		}
		return nil, err
	}

	ref, err := s.initiate(ctx, fund, s.gateway.InitiateDeposit)
	if err != nil {
		s.markFailed(ctx, fund, err.Error())
		return nil, err
	}
	if err := s.setExternalRef(ctx, fund, ref); err != nil {
		return nil, err
	}

	s.recordKey(ctx, req.AccountID, req.IdempotencyKey, fund.ID)
	s.logger.Info("deposit initiated",
		zap.String("transaction_id", fund.ID.String()),
		zap.String("amount", fund.Amount.String()),
		zap.String("external_ref", ref))
	return fund, nil
}

// Withdraw initiates an outbound transfer to a whitelisted destination. The
// amount is held immediately so it cannot be spent twice; the debit happens
// on settlement confirmation and the hold is released on failure. Note the
// reported cash balance does not drop at initiation: the hold sits in the
// pending column until the collaborator confirms, at which point the debit
// and the hold release land together. Spendable balance is reduced by the
// full amount from initiation onward either way.
func (s *Service) Withdraw(ctx context.Context, req models.WithdrawalRequest) (*models.FundTransaction, error) {
	if existing, found, err := s.replay(ctx, req.AccountID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if found {
		return existing, nil
	}
	if !req.Amount.IsPositive() {
		return nil, apperrors.New(apperrors.KindValidation, "withdrawal amount must be positive")
	}
	account, err := s.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if err := s.checkDestination(ctx, account.UserID, req.DestinationID); err != nil {
		return nil, err
	}

	fund := s.newTransaction(req.AccountID, models.DirectionWithdrawal, req.Amount, account.Currency, &req.DestinationID, req.IdempotencyKey)

	// Hold and record commit together. Insufficient available balance
	// surfaces here as InsufficientFunds.
	_, err = s.ledger.ApplyWith(ctx, req.AccountID, ledger.Mutation{PendingDelta: req.Amount},
		func(tx *gorm.DB, _ *ledger.ApplyResult) error {
			return s.createDedupedTx(tx, fund)
		})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindDuplicate {
			return s.findByKey(ctx, req.AccountID, req.IdempotencyKey)
		}
		return nil, err
	}

	ref, err := s.initiate(ctx, fund, s.gateway.InitiateWithdrawal)
	if err != nil {
		s.releaseHold(ctx, fund)
		s.markFailed(ctx, fund, err.Error())
		return nil, err
	}
	if err := s.setExternalRef(ctx, fund, ref); err != nil {
		return nil, err
	}

	s.recordKey(ctx, req.AccountID, req.IdempotencyKey, fund.ID)
	s.logger.Info("withdrawal initiated",
		zap.String("transaction_id", fund.ID.String()),
		zap.String("amount", fund.Amount.String()),
		zap.String("destination_id", req.DestinationID.String()),
		zap.String("external_ref", ref))
	return fund, nil
}

// OnSettlementResult is the webhook entry point for the settlement
// collaborator's final verdict. It is idempotent: a repeated verdict for an
// already settled transfer is a no-op.
func (s *Service) OnSettlementResult(ctx context.Context, externalRef string, success bool, reason string) (*models.FundTransaction, error) {
	fund, err := s.findByRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if fund.Status != models.TransferStatusPending {
		return fund, nil
	}

	switch {
	case fund.Direction == models.DirectionDeposit && success:
		err = s.settle(ctx, fund, ledger.Mutation{CashDelta: fund.Amount}, models.TransferStatusCompleted, "")
	case fund.Direction == models.DirectionDeposit:
		err = s.settle(ctx, fund, ledger.Mutation{}, models.TransferStatusFailed, reason)
	case success: // withdrawal confirmed: convert the hold into a debit
		err = s.settle(ctx, fund, ledger.Mutation{
			CashDelta:    fund.Amount.Neg(),
			PendingDelta: fund.Amount.Neg(),
		}, models.TransferStatusCompleted, "")
	default: // withdrawal failed: release the hold
		err = s.settle(ctx, fund, ledger.Mutation{PendingDelta: fund.Amount.Neg()}, models.TransferStatusFailed, reason)
	}
	if err != nil {
		return nil, err
	}

	if fund.Status == models.TransferStatusCompleted {
		metrics.TransferVolume.WithLabelValues(fund.Direction).Add(amountAsFloat(fund.Amount))
	}
	s.publishSettled(ctx, fund)
	return fund, nil
}

// settle commits the settlement mutation and the status transition together.
// The transition is guarded on the pending status so a duplicate webhook that
// races this one rolls back rather than double-applying.
func (s *Service) settle(ctx context.Context, fund *models.FundTransaction, mut ledger.Mutation, status, reason string) error {
	now := s.clock.Now()
	_, err := s.ledger.ApplyWith(ctx, fund.AccountID, mut, func(tx *gorm.DB, _ *ledger.ApplyResult) error {
		updates := map[string]interface{}{
			"status":     status,
			"updated_at": now,
		}
		if status == models.TransferStatusCompleted {
			updates["completed_at"] = now
		}
		if reason != "" {
			updates["fail_reason"] = reason
		}
		res := tx.Model(&models.FundTransaction{}).
			Where("id = ? AND status = ?", fund.ID, models.TransferStatusPending).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to settle transfer: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.New(apperrors.KindDuplicate, "transfer %s already settled", fund.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fund.Status = status
	fund.FailReason = reason
	if status == models.TransferStatusCompleted {
		fund.CompletedAt = &now
	}
	return nil
}

// AddDestination whitelists a new destination in pending approval.
func (s *Service) AddDestination(ctx context.Context, req models.DestinationRequest) (*models.WithdrawalDestination, error) {
	now := s.clock.Now()
	dest := &models.WithdrawalDestination{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Label:     req.Label,
		Address:   req.Address,
		Status:    models.DestinationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(dest).Error; err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}
	return dest, nil
}

// ApproveDestination activates a pending destination and starts its
// time-lock window.
func (s *Service) ApproveDestination(ctx context.Context, destinationID uuid.UUID) (*models.WithdrawalDestination, error) {
	dest, err := s.GetDestination(ctx, destinationID)
	if err != nil {
		return nil, err
	}
	if dest.Status != models.DestinationPending {
		return nil, apperrors.New(apperrors.KindInvalidTransition,
			"destination %s is %s, not pending approval", destinationID, dest.Status)
	}
	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Model(&models.WithdrawalDestination{}).
		Where("id = ?", destinationID).
		Updates(map[string]interface{}{
			"status":      models.DestinationActive,
			"approved_at": now,
			"updated_at":  now,
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to approve destination: %w", err)
	}
	dest.Status = models.DestinationActive
	dest.ApprovedAt = &now
	return dest, nil
}

// DisableDestination takes a destination out of service. In-flight
// withdrawals to it are unaffected; new ones are refused.
func (s *Service) DisableDestination(ctx context.Context, destinationID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.WithdrawalDestination{}).
		Where("id = ?", destinationID).
		Updates(map[string]interface{}{
			"status":     models.DestinationDisabled,
			"updated_at": s.clock.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to disable destination: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.New(apperrors.KindNotFound, "destination %s not found", destinationID)
	}
	return nil
}

// GetDestination returns a destination by id.
func (s *Service) GetDestination(ctx context.Context, destinationID uuid.UUID) (*models.WithdrawalDestination, error) {
	var dest models.WithdrawalDestination
	if err := s.db.WithContext(ctx).Where("id = ?", destinationID).First(&dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.New(apperrors.KindNotFound, "destination %s not found", destinationID)
		}
		return nil, fmt.Errorf("failed to find destination: %w", err)
	}
	return &dest, nil
}

// ListDestinations returns a user's destinations, newest first.
func (s *Service) ListDestinations(ctx context.Context, userID uuid.UUID) ([]*models.WithdrawalDestination, error) {
	var out []*models.WithdrawalDestination
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	return out, nil
}

// Get returns a fund transaction by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.FundTransaction, error) {
	var fund models.FundTransaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&fund).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.New(apperrors.KindNotFound, "transfer %s not found", id)
		}
		return nil, fmt.Errorf("failed to find transfer: %w", err)
	}
	return &fund, nil
}

// ListByAccount returns an account's fund transactions, newest first.
func (s *Service) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.FundTransaction, error) {
	var out []*models.FundTransaction
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return out, nil
}

// checkDestination enforces the destination whitelist: the destination must
// belong to the account's owner, be active, and have been approved at least
// the time-lock window ago.
func (s *Service) checkDestination(ctx context.Context, userID, destinationID uuid.UUID) error {
	dest, err := s.GetDestination(ctx, destinationID)
	if err != nil {
		return err
	}
	if dest.UserID != userID {
		return apperrors.New(apperrors.KindDestinationNotEligible,
			"destination %s does not belong to this user", destinationID)
	}
	if dest.Status != models.DestinationActive || dest.ApprovedAt == nil {
		return apperrors.New(apperrors.KindDestinationNotEligible,
			"destination %s is not active", destinationID)
	}
	if held := s.clock.Now().Sub(*dest.ApprovedAt); held < s.timeLock {
		return apperrors.New(apperrors.KindDestinationNotEligible,
			"destination %s is time-locked for another %s", destinationID, s.timeLock-held)
	}
	return nil
}

// initiate calls the gateway with a bounded timeout, retrying once on
// timeout. Exhausting both attempts surfaces as the transient
// SettlementTimeout. Any other gateway error means the collaborator answered
// and refused; that is terminal, so it is neither retried nor reported as a
// timeout.
func (s *Service) initiate(ctx context.Context, fund *models.FundTransaction,
	call func(context.Context, *models.FundTransaction) (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.settlementTimeout)
		ref, err := call(callCtx, fund)
		cancel()
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			s.logger.Warn("settlement initiation rejected",
				zap.String("transaction_id", fund.ID.String()),
				zap.Error(err))
			var appErr *apperrors.Error
			if errors.As(err, &appErr) {
				return "", err
			}
			return "", apperrors.Wrap(apperrors.KindInternal, err,
				"settlement collaborator rejected transfer %s", fund.ID)
		}
		lastErr = err
		s.logger.Warn("settlement initiation timed out",
			zap.String("transaction_id", fund.ID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return "", apperrors.Wrap(apperrors.KindSettlementTimeout, lastErr,
		"settlement collaborator unreachable for transfer %s", fund.ID)
}

func (s *Service) newTransaction(accountID uuid.UUID, direction string, amount decimal.Decimal, currency string, destinationID *uuid.UUID, key string) *models.FundTransaction {
	now := s.clock.Now()
	return &models.FundTransaction{
		ID:             uuid.New(),
		AccountID:      accountID,
		Direction:      direction,
		Amount:         amount,
		Currency:       currency,
		DestinationID:  destinationID,
		Status:         models.TransferStatusPending,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) createDeduped(ctx context.Context, fund *models.FundTransaction) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.createDedupedTx(tx, fund)
	})
}

func (s *Service) createDedupedTx(tx *gorm.DB, fund *models.FundTransaction) error {
	var count int64
	if err := tx.Model(&models.FundTransaction{}).
		Where("account_id = ? AND idempotency_key = ?", fund.AccountID, fund.IdempotencyKey).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check idempotency: %w", err)
	}
	if count > 0 {
		return apperrors.New(apperrors.KindDuplicate, "idempotency key already used")
	}
	if err := tx.Create(fund).Error; err != nil {
		return fmt.Errorf("failed to persist transfer: %w", err)
	}
	return nil
}

// releaseHold returns the withdrawal hold after a failed initiation. A
// release failure is logged, not returned: the caller's error is the
// initiation failure.
func (s *Service) releaseHold(ctx context.Context, fund *models.FundTransaction) {
	if _, err := s.ledger.Apply(ctx, fund.AccountID, ledger.Mutation{PendingDelta: fund.Amount.Neg()}); err != nil {
		s.logger.Error("failed to release withdrawal hold",
			zap.String("transaction_id", fund.ID.String()), zap.Error(err))
	}
}

func (s *Service) markFailed(ctx context.Context, fund *models.FundTransaction, reason string) {
	if err := s.db.WithContext(ctx).Model(&models.FundTransaction{}).
		Where("id = ? AND status = ?", fund.ID, models.TransferStatusPending).
		Updates(map[string]interface{}{
			"status":      models.TransferStatusFailed,
			"fail_reason": reason,
			"updated_at":  s.clock.Now(),
		}).Error; err != nil {
		s.logger.Error("failed to mark transfer failed",
			zap.String("transaction_id", fund.ID.String()), zap.Error(err))
		return
	}
	fund.Status = models.TransferStatusFailed
	fund.FailReason = reason
	s.publishSettled(ctx, fund)
}

func (s *Service) setExternalRef(ctx context.Context, fund *models.FundTransaction, ref string) error {
	if err := s.db.WithContext(ctx).Model(&models.FundTransaction{}).
		Where("id = ?", fund.ID).Update("external_ref", ref).Error; err != nil {
		return fmt.Errorf("failed to record external ref: %w", err)
	}
	fund.ExternalRef = ref
	return nil
}

func (s *Service) findByRef(ctx context.Context, externalRef string) (*models.FundTransaction, error) {
	var fund models.FundTransaction
	err := s.db.WithContext(ctx).Where("external_ref = ?", externalRef).First(&fund).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.New(apperrors.KindNotFound, "no transfer for reference %q", externalRef)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transfer by reference: %w", err)
	}
	return &fund, nil
}

func (s *Service) findByKey(ctx context.Context, accountID uuid.UUID, key string) (*models.FundTransaction, error) {
	var fund models.FundTransaction
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, key).First(&fund).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.New(apperrors.KindNotFound, "no transfer for idempotency key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transfer by key: %w", err)
	}
	return &fund, nil
}

func (s *Service) replay(ctx context.Context, accountID uuid.UUID, key string) (*models.FundTransaction, bool, error) {
	id, found, err := s.idem.Get(ctx, idempotencyScope, s.idemKey(accountID, key))
	if err != nil {
		s.logger.Warn("idempotency lookup failed", zap.Error(err))
	} else if found {
		fundID, parseErr := uuid.Parse(id)
		if parseErr == nil {
			if fund, getErr := s.Get(ctx, fundID); getErr == nil {
				return fund, true, nil
			}
		}
	}
	fund, err := s.findByKey(ctx, accountID, key)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return fund, true, nil
}

func (s *Service) recordKey(ctx context.Context, accountID uuid.UUID, key string, fundID uuid.UUID) {
	if _, _, err := s.idem.PutIfAbsent(ctx, idempotencyScope, s.idemKey(accountID, key), fundID.String(), s.window); err != nil {
		s.logger.Warn("failed to record idempotency key", zap.Error(err))
	}
}

func (s *Service) idemKey(accountID uuid.UUID, key string) string {
	return accountID.String() + ":" + key
}

func (s *Service) publishSettled(ctx context.Context, fund *models.FundTransaction) {
	if s.publisher == nil {
		return
	}
	eventType := events.TypeTransferCompleted
	if fund.Status == models.TransferStatusFailed {
		eventType = events.TypeTransferFailed
	}
	s.publisher.Publish(ctx, events.Event{
		Type:      eventType,
		AccountID: fund.AccountID,
		RefID:     fund.ID,
		Details: map[string]interface{}{
			"direction": fund.Direction,
			"amount":    fund.Amount.String(),
			"currency":  fund.Currency,
			"reason":    fund.FailReason,
		},
		EmittedAt: time.Now(),
	})
}

func amountAsFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
