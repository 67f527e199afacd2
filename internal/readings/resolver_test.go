package readings

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rentwise/rentwise/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	units    map[int64]Unit
	readings []MeterReading
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{units: map[int64]Unit{}}
}

func (m *memoryRepo) Unit(ctx context.Context, unitID int64) (Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[unitID]
	if !ok {
		return Unit{}, ErrUnitNotFound
	}
	return u, nil
}

func (m *memoryRepo) latest(match func(MeterReading) bool) *MeterReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []MeterReading
	for _, r := range m.readings {
		if match(r) {
			hits = append(hits, r)
		}
	}
	if len(hits) == 0 {
		return nil
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].ReadingDate.Equal(hits[j].ReadingDate) {
			return hits[i].ID > hits[j].ID
		}
		return hits[i].ReadingDate.After(hits[j].ReadingDate)
	})
	out := hits[0]
	return &out
}

func (m *memoryRepo) LatestBetween(ctx context.Context, unitID int64, utility UtilityType, from, to time.Time) (*MeterReading, error) {
	return m.latest(func(r MeterReading) bool {
		return r.UnitID == unitID && r.Utility == utility && !r.ReadingDate.Before(from) && r.ReadingDate.Before(to)
	}), nil
}

func (m *memoryRepo) LatestBefore(ctx context.Context, unitID int64, utility UtilityType, before time.Time) (*MeterReading, error) {
	return m.latest(func(r MeterReading) bool {
		return r.UnitID == unitID && r.Utility == utility && r.ReadingDate.Before(before)
	}), nil
}

func (m *memoryRepo) Insert(ctx context.Context, reading MeterReading) (MeterReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	reading.ID = m.nextID
	reading.CreatedAt = time.Now()
	m.readings = append(m.readings, reading)
	return reading, nil
}

func (m *memoryRepo) add(unitID int64, utility UtilityType, date string, prev *float64, curr float64) {
	d, _ := time.Parse(time.DateOnly, date)
	r := MeterReading{UnitID: unitID, Utility: utility, ReadingDate: d, CurrentReading: decimal.NewFromFloat(curr)}
	if prev != nil {
		r.PreviousReading = decimal.NewNullDecimal(decimal.NewFromFloat(*prev))
	}
	_, _ = m.Insert(context.Background(), r)
}

func month(t *testing.T, raw string) time.Time {
	t.Helper()
	m, err := ParseMonth(raw)
	require.NoError(t, err)
	return m
}

func ptr(f float64) *float64 { return &f }

func requireDecimal(t *testing.T, want float64, got *decimal.Decimal) {
	t.Helper()
	require.NotNil(t, got)
	require.True(t, decimal.NewFromFloat(want).Equal(*got), "want %v got %s", want, got)
}

func TestDueDateClampsIntoMonth(t *testing.T) {
	cases := []struct {
		day   int
		month string
		want  string
	}{
		{31, "2025-06", "2025-06-30"},
		{31, "2025-02", "2025-02-28"},
		{30, "2024-02", "2024-02-29"},
		{15, "2025-06", "2025-06-15"},
		{0, "2025-06", "2025-06-30"},
		{-4, "2025-01", "2025-01-30"},
		{0, "2025-02", "2025-02-28"},
		{1, "2025-12", "2025-12-01"},
	}
	for _, tc := range cases {
		got := DueDate(tc.day, month(t, tc.month))
		require.Equal(t, tc.want, got.Format(time.DateOnly), "day=%d month=%s", tc.day, tc.month)
	}
}

func TestDueDateAlwaysWithinMonth(t *testing.T) {
	start := month(t, "2024-01")
	for i := 0; i < 24; i++ {
		m := start.AddDate(0, i, 0)
		for day := -1; day <= 40; day++ {
			got := DueDate(day, m)
			require.Equal(t, m.Month(), got.Month())
			require.Equal(t, m.Year(), got.Year())
			require.GreaterOrEqual(t, got.Day(), 1)
		}
	}
}

func TestResolveUsesPrecedingMonthForPrevious(t *testing.T) {
	repo := newMemoryRepo()
	repo.units[1] = Unit{ID: 1, PropertyID: 1, LandlordID: 10, DueDay: 31}
	repo.add(1, UtilityWater, "2025-04-20", nil, 80)
	repo.add(1, UtilityWater, "2025-05-10", nil, 100)
	repo.add(1, UtilityWater, "2025-05-28", nil, 110)
	repo.add(1, UtilityWater, "2025-06-02", nil, 120)
	repo.add(1, UtilityWater, "2025-06-25", nil, 135)

	res, err := NewResolver(repo, nil).Resolve(context.Background(), 1, month(t, "2025-06"))
	require.NoError(t, err)
	require.Equal(t, "2025-06-30", res.DueDate.Format(time.DateOnly))
	requireDecimal(t, 110, res.Water.Previous)
	requireDecimal(t, 135, res.Water.Current)
	consumption, ok := res.Water.Consumption()
	require.True(t, ok)
	require.Equal(t, "25", consumption.String())
	require.Nil(t, res.Electricity.Previous)
	require.Nil(t, res.Electricity.Current)
}

func TestResolveFallsBackToOlderMonths(t *testing.T) {
	repo := newMemoryRepo()
	repo.units[1] = Unit{ID: 1}
	repo.add(1, UtilityElectricity, "2025-02-14", nil, 900)
	repo.add(1, UtilityElectricity, "2025-06-03", nil, 1000)

	res, err := NewResolver(repo, nil).Resolve(context.Background(), 1, month(t, "2025-06"))
	require.NoError(t, err)
	requireDecimal(t, 900, res.Electricity.Previous)
	requireDecimal(t, 1000, res.Electricity.Current)
}

func TestResolveFirstReadingUsesStoredPrevious(t *testing.T) {
	repo := newMemoryRepo()
	repo.units[1] = Unit{ID: 1}
	repo.add(1, UtilityWater, "2025-06-05", ptr(40), 55)

	res, err := NewResolver(repo, nil).Resolve(context.Background(), 1, month(t, "2025-06"))
	require.NoError(t, err)
	requireDecimal(t, 40, res.Water.Previous)
	requireDecimal(t, 55, res.Water.Current)
}

func TestResolveDefaultsDueDayWithoutConfiguration(t *testing.T) {
	repo := newMemoryRepo()
	repo.units[1] = Unit{ID: 1}

	res, err := NewResolver(repo, nil).Resolve(context.Background(), 1, month(t, "2025-02"))
	require.NoError(t, err)
	require.Equal(t, "2025-02-28", res.DueDate.Format(time.DateOnly))
}

func TestResolveIsRepeatable(t *testing.T) {
	repo := newMemoryRepo()
	repo.units[1] = Unit{ID: 1}
	repo.add(1, UtilityWater, "2025-05-10", nil, 100)
	resolver := NewResolver(repo, nil)

	first, err := resolver.Resolve(context.Background(), 1, month(t, "2025-06"))
	require.NoError(t, err)
	second, err := resolver.Resolve(context.Background(), 1, month(t, "2025-06"))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, repo.readings, 1)
}

func TestResolveUnknownUnit(t *testing.T) {
	_, err := NewResolver(newMemoryRepo(), nil).Resolve(context.Background(), 7, month(t, "2025-06"))
	require.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestRecordSeedsPreviousReading(t *testing.T) {
	repo := newMemoryRepo()
	repo.units[1] = Unit{ID: 1, LandlordID: 10}
	resolver := NewResolver(repo, nil)
	landlord := shared.Actor{UserID: 10, Role: shared.RoleLandlord}
	date := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)

	first, err := resolver.Record(context.Background(), landlord, RecordInput{
		UnitID: 1, Utility: UtilityWater, ReadingDate: date, CurrentReading: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	require.True(t, first.PreviousReading.Valid)
	require.True(t, first.PreviousReading.Decimal.IsZero())
	require.Equal(t, 0, first.ReadingDate.Hour())

	second, err := resolver.Record(context.Background(), landlord, RecordInput{
		UnitID: 1, Utility: UtilityWater, ReadingDate: date.AddDate(0, 1, 0), CurrentReading: decimal.NewFromInt(72),
	})
	require.NoError(t, err)
	require.Equal(t, "50", second.PreviousReading.Decimal.String())
}

func TestRecordRejects(t *testing.T) {
	repo := newMemoryRepo()
	repo.units[1] = Unit{ID: 1, LandlordID: 10}
	resolver := NewResolver(repo, nil)
	landlord := shared.Actor{UserID: 10, Role: shared.RoleLandlord}
	date := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	prev := decimal.NewFromInt(90)

	_, err := resolver.Record(context.Background(), landlord, RecordInput{UnitID: 1, Utility: "gas", ReadingDate: date})
	require.True(t, errors.Is(err, shared.ErrValidation))

	_, err = resolver.Record(context.Background(), landlord, RecordInput{
		UnitID: 1, Utility: UtilityWater, ReadingDate: date, PreviousReading: &prev, CurrentReading: decimal.NewFromInt(80),
	})
	require.True(t, errors.Is(err, ErrReadingRegression))

	_, err = resolver.Record(context.Background(), landlord, RecordInput{
		UnitID: 2, Utility: UtilityWater, ReadingDate: date, CurrentReading: decimal.NewFromInt(1),
	})
	require.True(t, errors.Is(err, shared.ErrNotFound))

	other := shared.Actor{UserID: 11, Role: shared.RoleLandlord}
	_, err = resolver.Record(context.Background(), other, RecordInput{
		UnitID: 1, Utility: UtilityWater, ReadingDate: date, CurrentReading: decimal.NewFromInt(1),
	})
	require.True(t, errors.Is(err, shared.ErrUnauthorized))
	require.Empty(t, repo.readings)
}
