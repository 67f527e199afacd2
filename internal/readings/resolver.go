package readings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rentwise/rentwise/internal/shared"
)

// Repository is the read/append store used by Resolver.
type Repository interface {
	// Unit returns the unit with its landlord and configured due day.
	// ErrUnitNotFound when the unit is absent.
	Unit(ctx context.Context, unitID int64) (Unit, error)
	// LatestBetween returns the newest reading with from <= reading_date < to, or nil.
	LatestBetween(ctx context.Context, unitID int64, utility UtilityType, from, to time.Time) (*MeterReading, error)
	// LatestBefore returns the newest reading with reading_date < before, or nil.
	LatestBefore(ctx context.Context, unitID int64, utility UtilityType, before time.Time) (*MeterReading, error)
	Insert(ctx context.Context, reading MeterReading) (MeterReading, error)
}

// Resolver derives due dates and reading pairs. It performs no writes except
// in Record.
type Resolver struct {
	repo   Repository
	logger *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(repo Repository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{repo: repo, logger: logger}
}

// Unit returns the unit record used for ownership checks and due dates.
func (r *Resolver) Unit(ctx context.Context, unitID int64) (Unit, error) {
	if unitID <= 0 {
		return Unit{}, ErrUnitNotFound
	}
	return r.repo.Unit(ctx, unitID)
}

// DueDate resolves the due date for unitID in month from its property configuration.
func (r *Resolver) DueDate(ctx context.Context, unitID int64, month time.Time) (time.Time, error) {
	unit, err := r.Unit(ctx, unitID)
	if err != nil {
		return time.Time{}, err
	}
	return DueDate(unit.DueDay, month), nil
}

// Resolve returns the due date and water/electricity readings for unitID in month.
func (r *Resolver) Resolve(ctx context.Context, unitID int64, month time.Time) (Resolution, error) {
	start := MonthStart(month)
	due, err := r.DueDate(ctx, unitID, start)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{UnitID: unitID, Month: start, DueDate: due}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pair, err := r.resolvePair(gctx, unitID, UtilityWater, start)
		res.Water = pair
		return err
	})
	g.Go(func() error {
		pair, err := r.resolvePair(gctx, unitID, UtilityElectricity, start)
		res.Electricity = pair
		return err
	})
	if err := g.Wait(); err != nil {
		return Resolution{}, err
	}
	return res, nil
}

func (r *Resolver) resolvePair(ctx context.Context, unitID int64, utility UtilityType, start time.Time) (Pair, error) {
	end := start.AddDate(0, 1, 0)
	current, err := r.repo.LatestBetween(ctx, unitID, utility, start, end)
	if err != nil {
		return Pair{}, fmt.Errorf("readings: current %s: %w", utility, err)
	}
	// The newest reading before the month is the preceding month's latest when
	// one exists, otherwise the latest of any earlier month.
	prior, err := r.repo.LatestBefore(ctx, unitID, utility, start)
	if err != nil {
		return Pair{}, fmt.Errorf("readings: previous %s: %w", utility, err)
	}

	var pair Pair
	if current != nil {
		v := current.CurrentReading
		pair.Current = &v
	}
	switch {
	case prior != nil:
		v := prior.CurrentReading
		pair.Previous = &v
	case current != nil && current.PreviousReading.Valid:
		v := current.PreviousReading.Decimal
		pair.Previous = &v
	}
	return pair, nil
}

// Record appends a meter reading. A missing previous reading is seeded from
// the latest earlier reading, or zero for the first reading of a meter.
// Only the unit's landlord or a privileged actor may record.
func (r *Resolver) Record(ctx context.Context, actor shared.Actor, input RecordInput) (MeterReading, error) {
	if err := input.validate(); err != nil {
		return MeterReading{}, err
	}
	unit, err := r.repo.Unit(ctx, input.UnitID)
	if err != nil {
		return MeterReading{}, err
	}
	if !actor.IsLandlordOf(unit.LandlordID) {
		return MeterReading{}, fmt.Errorf("%w: not the landlord of unit %d", shared.ErrUnauthorized, unit.ID)
	}
	readingDate := time.Date(input.ReadingDate.Year(), input.ReadingDate.Month(), input.ReadingDate.Day(), 0, 0, 0, 0, time.UTC)

	previous := decimal.Zero
	if input.PreviousReading != nil {
		previous = *input.PreviousReading
	} else {
		prior, err := r.repo.LatestBefore(ctx, input.UnitID, input.Utility, readingDate.AddDate(0, 0, 1))
		if err != nil {
			return MeterReading{}, fmt.Errorf("readings: seed previous: %w", err)
		}
		if prior != nil {
			previous = prior.CurrentReading
		}
	}
	if input.CurrentReading.LessThan(previous) {
		return MeterReading{}, ErrReadingRegression
	}

	saved, err := r.repo.Insert(ctx, MeterReading{
		UnitID:          input.UnitID,
		Utility:         input.Utility,
		ReadingDate:     readingDate,
		PreviousReading: decimal.NewNullDecimal(previous),
		CurrentReading:  input.CurrentReading,
	})
	if err != nil {
		return MeterReading{}, err
	}
	r.logger.Info("meter reading recorded",
		slog.Int64("unit_id", saved.UnitID),
		slog.String("utility", string(saved.Utility)),
		slog.String("current", saved.CurrentReading.String()))
	return saved, nil
}
