// Package recurring executes standing buy instructions: a fixed notional of
// a symbol at a daily, weekly or monthly cadence. The next execution date
// advances only after a successful submission, so a failed run is retried on
// the next sweep instead of being skipped.
package recurring

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/zlqkhokhar1-creator/Brokerage-sub016/common/errors"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/clock"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/marketdata"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/orders"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

// buyQtyPrecision is the decimal scale purchased quantities are truncated to.
const buyQtyPrecision = 8

// Service implements recurring buy schedules.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	orders *orders.Service
	oracle marketdata.Oracle
	clock  clock.Clock
}

// NewService creates a recurring buy service.
func NewService(logger *zap.Logger, db *gorm.DB, ordersSvc *orders.Service, oracle marketdata.Oracle, clk clock.Clock) *Service {
	return &Service{
		logger: logger,
		db:     db,
		orders: ordersSvc,
		oracle: oracle,
		clock:  clk,
	}
}

// Create registers a schedule. The first execution is due immediately on the
// next sweep.
func (s *Service) Create(ctx context.Context, req models.ScheduleRequest) (*models.RecurringSchedule, error) {
	if !req.Amount.IsPositive() {
		return nil, apperrors.New(apperrors.KindValidation, "amount must be positive")
	}
	switch req.Frequency {
	case models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly:
	default:
		return nil, apperrors.New(apperrors.KindValidation, "unsupported frequency %q", req.Frequency)
	}

	now := s.clock.Now()
	schedule := &models.RecurringSchedule{
		ID:                uuid.New(),
		AccountID:         req.AccountID,
		Symbol:            req.Symbol,
		Amount:            req.Amount,
		Frequency:         req.Frequency,
		NextExecutionDate: now,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	return schedule, nil
}

// Pause deactivates a schedule without deleting its history.
func (s *Service) Pause(ctx context.Context, scheduleID uuid.UUID) error {
	return s.setActive(ctx, scheduleID, false)
}

// Resume reactivates a paused schedule. Executions missed while paused are
// not backfilled: the stored next date simply becomes due again.
func (s *Service) Resume(ctx context.Context, scheduleID uuid.UUID) error {
	return s.setActive(ctx, scheduleID, true)
}

func (s *Service) setActive(ctx context.Context, scheduleID uuid.UUID, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.RecurringSchedule{}).
		Where("id = ?", scheduleID).
		Updates(map[string]interface{}{
			"active":     active,
			"updated_at": s.clock.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update schedule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.New(apperrors.KindNotFound, "schedule %s not found", scheduleID)
	}
	return nil
}

// Get returns a schedule by id.
func (s *Service) Get(ctx context.Context, scheduleID uuid.UUID) (*models.RecurringSchedule, error) {
	var schedule models.RecurringSchedule
	if err := s.db.WithContext(ctx).Where("id = ?", scheduleID).First(&schedule).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.New(apperrors.KindNotFound, "schedule %s not found", scheduleID)
		}
		return nil, fmt.Errorf("failed to find schedule: %w", err)
	}
	return &schedule, nil
}

// ListByAccount returns an account's schedules, newest first.
func (s *Service) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.RecurringSchedule, error) {
	var out []*models.RecurringSchedule
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return out, nil
}

// RunDue executes every active schedule whose date has arrived. One
// schedule's failure leaves its date unchanged for the next sweep and does
// not block the others.
func (s *Service) RunDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var due []*models.RecurringSchedule
	if err := s.db.WithContext(ctx).
		Where("active = ? AND next_execution_date <= ?", true, now).
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	executed := 0
	for _, schedule := range due {
		if err := s.execute(ctx, schedule); err != nil {
			s.logger.Warn("recurring buy deferred",
				zap.String("schedule_id", schedule.ID.String()),
				zap.String("symbol", schedule.Symbol),
				zap.Error(err))
			continue
		}
		executed++
	}
	return executed, nil
}

// execute submits one market buy sized at the current price, then advances
// the schedule.
func (s *Service) execute(ctx context.Context, schedule *models.RecurringSchedule) error {
	quote, err := s.oracle.GetLastPrice(ctx, schedule.Symbol)
	if err != nil {
		return err
	}
	qty := schedule.Amount.Div(quote.Price).Truncate(buyQtyPrecision)
	if !qty.IsPositive() {
		return apperrors.New(apperrors.KindValidation,
			"amount %s buys no quantity at price %s", schedule.Amount, quote.Price)
	}

	req := models.OrderRequest{
		AccountID:      schedule.AccountID,
		Symbol:         schedule.Symbol,
		Side:           models.SideBuy,
		Type:           models.OrderTypeMarket,
		Quantity:       qty,
		TimeInForce:    models.TIFGoodTillCancel,
		IdempotencyKey: fmt.Sprintf("recurring:%s:%s", schedule.ID, schedule.NextExecutionDate.UTC().Format(time.RFC3339)),
	}
	if _, err := s.orders.Submit(ctx, req); err != nil {
		return err
	}

	next := NextDate(schedule.NextExecutionDate, schedule.Frequency)
	if err := s.db.WithContext(ctx).Model(&models.RecurringSchedule{}).
		Where("id = ?", schedule.ID).
		Updates(map[string]interface{}{
			"next_execution_date": next,
			"updated_at":          s.clock.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	schedule.NextExecutionDate = next

	s.logger.Info("recurring buy executed",
		zap.String("schedule_id", schedule.ID.String()),
		zap.String("symbol", schedule.Symbol),
		zap.String("qty", qty.String()),
		zap.Time("next", next))
	return nil
}

// NextDate returns the occurrence after t for the given frequency. Monthly
// advances clamp to the last day of the target month, so a schedule anchored
// on the 31st runs on the 30th or 28th when the month is shorter.
func NextDate(t time.Time, frequency string) time.Time {
	switch frequency {
	case models.FrequencyDaily:
		return t.AddDate(0, 0, 1)
	case models.FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case models.FrequencyMonthly:
		return addMonthClamped(t)
	}
	return t
}

func addMonthClamped(t time.Time) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day zero of the following month is this month's last day.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
