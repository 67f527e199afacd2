package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rentwise/rentwise/internal/readings"
	"github.com/rentwise/rentwise/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// FindByPeriod returns the record of unitID for period, ErrBillingNotFound otherwise.
	FindByPeriod(ctx context.Context, unitID int64, period time.Time) (Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	ListUnpaidDue(ctx context.Context, dueDate time.Time) ([]DueReminder, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	InsertLine(ctx context.Context, line ChargeLine) (ChargeLine, error)
	LockForUpdate(ctx context.Context, id int64) (Record, error)
	DeleteLines(ctx context.Context, billingID int64) error
	Replace(ctx context.Context, rec Record) (Record, error)
}

// ReadingsPort is the slice of the reading resolver billing relies on.
type ReadingsPort interface {
	Unit(ctx context.Context, unitID int64) (readings.Unit, error)
	Resolve(ctx context.Context, unitID int64, month time.Time) (readings.Resolution, error)
}

// Service orchestrates billing record flows.
type Service struct {
	repo     RepositoryPort
	readings ReadingsPort
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group
	// snapshotTimeout bounds a shared snapshot build, which outlives the
	// caller that started it.
	snapshotTimeout time.Duration
}

// NewService constructs the billing service.
func NewService(repo RepositoryPort, readings ReadingsPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, readings: readings, logger: logger, now: time.Now, snapshotTimeout: 10 * time.Second}
}

func (s *Service) authorize(ctx context.Context, actor shared.Actor, unitID int64) (readings.Unit, error) {
	unit, err := s.readings.Unit(ctx, unitID)
	if err != nil {
		return readings.Unit{}, err
	}
	if !actor.IsLandlordOf(unit.LandlordID) {
		return readings.Unit{}, fmt.Errorf("%w: not the landlord of unit %d", shared.ErrUnauthorized, unitID)
	}
	return unit, nil
}

// Create inserts the record for a unit and month together with its charge
// lines. A second record for the same unit and month fails with
// ErrDuplicatePeriod; the unique constraint decides races.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (Record, error) {
	if err := input.validate(); err != nil {
		return Record{}, err
	}
	unit, err := s.authorize(ctx, actor, input.UnitID)
	if err != nil {
		return Record{}, err
	}
	period := readings.MonthStart(input.Month)
	dueDate := readings.DueDate(unit.DueDay, period)
	if input.DueDate != nil {
		dueDate = dateOnly(*input.DueDate)
	}

	if _, err := s.repo.FindByPeriod(ctx, input.UnitID, period); err == nil {
		return Record{}, ErrDuplicatePeriod
	} else if !errors.Is(err, ErrBillingNotFound) {
		return Record{}, err
	}

	rec := Record{
		UnitID:            input.UnitID,
		Period:            period,
		DueDate:           dueDate,
		WaterAmount:       input.Water,
		ElectricityAmount: input.Electricity,
		RentAmount:        input.Rent,
		TotalAmountDue:    Total(input.Amounts, input.Charges),
		Status:            StatusUnpaid,
		DocumentURL:       input.DocumentURL,
	}
	var created Record
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		saved, err := tx.Insert(ctx, rec)
		if err != nil {
			if shared.IsUniqueViolation(err) {
				return ErrDuplicatePeriod
			}
			return err
		}
		lines, err := insertLines(ctx, tx, saved.ID, input.Charges)
		if err != nil {
			return err
		}
		saved.Lines = lines
		created = saved
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	s.logger.Info("billing record created",
		slog.Int64("billing_id", created.ID),
		slog.Int64("unit_id", created.UnitID),
		slog.String("period", created.Period.Format("2006-01")),
		slog.String("total", created.TotalAmountDue.String()))
	return created, nil
}

// Update replaces amounts and charge lines, recomputes the total and resets
// the record to unpaid.
func (s *Service) Update(ctx context.Context, actor shared.Actor, billingID int64, input UpdateInput) (Record, error) {
	if err := input.validate(); err != nil {
		return Record{}, err
	}
	var updated Record
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockForUpdate(ctx, billingID)
		if err != nil {
			return err
		}
		if _, err := s.authorize(ctx, actor, current.UnitID); err != nil {
			return err
		}
		if input.DueDate != nil {
			due := dateOnly(*input.DueDate)
			if !readings.MonthStart(due).Equal(current.Period) {
				return fmt.Errorf("%w: due_date must fall within the billing month", shared.ErrValidation)
			}
			current.DueDate = due
		}
		if input.DocumentURL != nil {
			current.DocumentURL = *input.DocumentURL
		}
		current.WaterAmount = input.Water
		current.ElectricityAmount = input.Electricity
		current.RentAmount = input.Rent
		current.TotalAmountDue = Total(input.Amounts, input.Charges)
		current.Status = StatusUnpaid
		current.PaidAt = nil

		if err := tx.DeleteLines(ctx, billingID); err != nil {
			return err
		}
		lines, err := insertLines(ctx, tx, billingID, input.Charges)
		if err != nil {
			return err
		}
		saved, err := tx.Replace(ctx, current)
		if err != nil {
			return err
		}
		saved.Lines = lines
		updated = saved
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	s.logger.Info("billing record updated",
		slog.Int64("billing_id", updated.ID),
		slog.String("total", updated.TotalAmountDue.String()))
	return updated, nil
}

func insertLines(ctx context.Context, tx TxRepository, billingID int64, charges []ChargeInput) ([]ChargeLine, error) {
	lines := make([]ChargeLine, 0, len(charges))
	for _, c := range charges {
		line, err := tx.InsertLine(ctx, ChargeLine{BillingID: billingID, Category: c.Category, Type: c.Type, Amount: c.Amount})
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Get returns a record with its lines and effective status.
func (s *Service) Get(ctx context.Context, billingID int64) (Record, error) {
	rec, err := s.repo.Get(ctx, billingID)
	if err != nil {
		return Record{}, err
	}
	rec.Status = rec.EffectiveStatus(s.now())
	return rec, nil
}

// Snapshot returns the unit's current-month record merged with its resolved
// readings, or a projection when no record exists yet.
func (s *Service) Snapshot(ctx context.Context, unitID int64, now time.Time) (Snapshot, error) {
	period := readings.MonthStart(now)
	key := fmt.Sprintf("%d:%s", unitID, period.Format("2006-01"))
	ch := s.group.DoChan(key, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.snapshotTimeout)
		defer cancel()
		return s.buildSnapshot(buildCtx, unitID, period, now)
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

func (s *Service) buildSnapshot(ctx context.Context, unitID int64, period, now time.Time) (Snapshot, error) {
	res, err := s.readings.Resolve(ctx, unitID, period)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		UnitID:      unitID,
		Period:      period,
		DueDate:     res.DueDate,
		Status:      StatusUnpaid,
		Water:       res.Water,
		Electricity: res.Electricity,
		Additional:  []ChargeLine{},
		Discounts:   []ChargeLine{},
	}

	rec, err := s.repo.FindByPeriod(ctx, unitID, period)
	if errors.Is(err, ErrBillingNotFound) {
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, err
	}

	id := rec.ID
	snap.BillingID = &id
	snap.DueDate = rec.DueDate
	snap.Status = rec.EffectiveStatus(now)
	snap.PaidAt = rec.PaidAt
	snap.WaterAmount = rec.WaterAmount
	snap.ElectricityAmount = rec.ElectricityAmount
	snap.RentAmount = rec.RentAmount
	snap.TotalAmountDue = rec.TotalAmountDue
	for _, line := range rec.Lines {
		switch line.Category {
		case CategoryAdditional:
			snap.Additional = append(snap.Additional, line)
			snap.TotalAdditional = snap.TotalAdditional.Add(line.Amount)
		case CategoryDiscount:
			snap.Discounts = append(snap.Discounts, line)
			snap.TotalDiscount = snap.TotalDiscount.Add(line.Amount)
		}
	}
	return snap, nil
}

// DueReminders lists unpaid records due on day.
func (s *Service) DueReminders(ctx context.Context, day time.Time) ([]DueReminder, error) {
	return s.repo.ListUnpaidDue(ctx, dateOnly(day))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
