package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marees-france/mareesd/internal/cache"
	"github.com/marees-france/mareesd/internal/models"
	"github.com/marees-france/mareesd/internal/tide"
)

const testHarbor = "PORNICHET"

// stubFetcher plays the SHOM client with canned responses.
type stubFetcher struct {
	tidesEmpty bool
	coeffErr   error
	wlErr      error

	tideFetchStarts []string
	coeffFetchDays  []int
	wlFetchDates    []string
}

func (f *stubFetcher) FetchAndStoreWaterLevels(ctx context.Context, store cache.DocumentStore, doc models.Document, harborID, date string) (json.RawMessage, error) {
	f.wlFetchDates = append(f.wlFetchDates, date)
	if f.wlErr != nil {
		return nil, f.wlErr
	}
	samples := json.RawMessage(`[["08:55","3.52"],["09:05","3.61"]]`)
	if err := doc.SetDate(harborID, date, samples); err != nil {
		return nil, err
	}
	return samples, store.Save(ctx, doc)
}

func (f *stubFetcher) FetchAndStoreTides(ctx context.Context, store cache.DocumentStore, doc models.Document, harborID, startDate string, durationDays int) error {
	f.tideFetchStarts = append(f.tideFetchStarts, startDate)
	if f.tidesEmpty {
		return store.Save(ctx, doc)
	}
	start, err := time.Parse(models.DateFormat, startDate)
	if err != nil {
		return err
	}
	for i := 0; i < durationDays; i++ {
		date := start.AddDate(0, 0, i).Format(models.DateFormat)
		events := json.RawMessage(`[["tide.low","04:00","1.20","---"],["tide.high","10:15","5.30","80"]]`)
		if err := doc.SetDate(harborID, date, events); err != nil {
			return err
		}
	}
	return store.Save(ctx, doc)
}

func (f *stubFetcher) FetchAndStoreCoefficients(ctx context.Context, store cache.DocumentStore, doc models.Document, harborID string, startDate time.Time, days int) error {
	f.coeffFetchDays = append(f.coeffFetchDays, days)
	if f.coeffErr != nil {
		return f.coeffErr
	}
	for i := 0; i < days; i++ {
		date := startDate.AddDate(0, 0, i).Format(models.DateFormat)
		if err := doc.SetDate(harborID, date, json.RawMessage(`["80","102"]`)); err != nil {
			return err
		}
	}
	return store.Save(ctx, doc)
}

type fixture struct {
	coord       *Coordinator
	stub        *stubFetcher
	tides       *cache.MemoryDocumentStore
	coeffs      *cache.MemoryDocumentStore
	waterLevels *cache.MemoryDocumentStore
}

func newFixture(t *testing.T, stub *stubFetcher) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	// 09:00 Paris on 2025-05-11.
	now := time.Date(2025, 5, 11, 9, 0, 0, 0, loc)

	tidesStore := cache.NewMemoryDocumentStore()
	coeffStore := cache.NewMemoryDocumentStore()
	wlStore := cache.NewMemoryDocumentStore()

	coord := New(stub, tidesStore, coeffStore, wlStore, testHarbor, loc,
		tide.Thresholds{Spring: 100, Neap: 40}, time.Minute,
		&Options{Now: func() time.Time { return now }})

	return &fixture{coord: coord, stub: stub, tides: tidesStore, coeffs: coeffStore, waterLevels: wlStore}
}

func seedDates(t *testing.T, store cache.DocumentStore, value string, dates ...string) {
	t.Helper()
	ctx := context.Background()
	doc, err := store.Load(ctx)
	require.NoError(t, err)
	for _, date := range dates {
		require.NoError(t, doc.SetDate(testHarbor, date, json.RawMessage(value)))
	}
	require.NoError(t, store.Save(ctx, doc))
}

func TestRefresh_PublishesSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubFetcher{})

	tideEvents := `[["tide.low","04:00","1.20","---"],["tide.high","10:15","5.30","80"]]`
	seedDates(t, f.tides, tideEvents, "2025-05-10", "2025-05-11", "2025-05-12")
	seedDates(t, f.coeffs, `["78","80"]`, "2025-05-11")
	seedDates(t, f.coeffs, `["102"]`, "2025-05-12")
	seedDates(t, f.waterLevels, `[["08:55","3.52"]]`, "2025-05-11")

	require.NoError(t, f.coord.Refresh(context.Background()))

	snapshot, ok := f.coord.Snapshot()
	require.True(t, ok)
	require.NotNil(t, snapshot.Now)
	assert.Equal(t, models.TrendRising, snapshot.Now.Trend)
	require.NotNil(t, snapshot.Now.CurrentHeight)
	assert.InDelta(t, 3.52, *snapshot.Now.CurrentHeight, 0.001)
	require.NotNil(t, snapshot.NextSpringTide)
	assert.Equal(t, "2025-05-12", snapshot.NextSpringTide.Date)

	// Everything was cached, nothing should have been fetched.
	assert.Empty(t, f.stub.tideFetchStarts)
	assert.Empty(t, f.stub.coeffFetchDays)
	assert.Empty(t, f.stub.wlFetchDates)
}

func TestRefresh_RepairsMalformedTideCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubFetcher{})

	ctx := context.Background()
	doc := models.Document{testHarbor: json.RawMessage(`"not_a_dict"`)}
	require.NoError(t, f.tides.Save(ctx, doc))

	require.NoError(t, f.coord.Refresh(ctx))

	// Repair refetches eight days starting yesterday.
	require.Equal(t, []string{"2025-05-10"}, f.stub.tideFetchStarts)

	repaired, err := f.tides.Load(ctx)
	require.NoError(t, err)
	dates, err := repaired.HarborDates(testHarbor)
	require.NoError(t, err)
	assert.Contains(t, dates, "2025-05-11")

	_, ok := f.coord.Snapshot()
	assert.True(t, ok)
}

func TestRefresh_RepairsCorruptTideEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubFetcher{})

	// The sub-document is a map with plausible date keys, but the values
	// are not event lists. Without repair the harbor would wedge: every
	// date skips decoding and the prefetch job sees nothing missing.
	seedDates(t, f.tides, `"not_a_list"`, "2025-05-10", "2025-05-11", "2025-05-12")

	ctx := context.Background()
	require.NoError(t, f.coord.Refresh(ctx))

	require.Equal(t, []string{"2025-05-10"}, f.stub.tideFetchStarts)

	repaired, err := f.tides.Load(ctx)
	require.NoError(t, err)
	dates, err := repaired.HarborDates(testHarbor)
	require.NoError(t, err)
	events, ok := models.DecodeTideEvents(dates["2025-05-11"])
	require.True(t, ok)
	assert.Len(t, events, 2)

	_, published := f.coord.Snapshot()
	assert.True(t, published)
}

func TestRefresh_RepairsCorruptCoefficientEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubFetcher{})

	tideEvents := `[["tide.low","04:00","1.20","---"],["tide.high","10:15","5.30","80"]]`
	seedDates(t, f.tides, tideEvents, "2025-05-11")
	seedDates(t, f.coeffs, `{"nested":"map"}`, "2025-05-11")

	require.NoError(t, f.coord.Refresh(context.Background()))

	// The coefficient repair refetches the rolling year from month start.
	require.Equal(t, []int{365}, f.stub.coeffFetchDays)
	snapshot, ok := f.coord.Snapshot()
	require.True(t, ok)
	require.NotNil(t, snapshot.NextSpringTide)
}

func TestRefresh_NoTideDataKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubFetcher{})

	tideEvents := `[["tide.low","04:00","1.20","---"],["tide.high","10:15","5.30","80"]]`
	seedDates(t, f.tides, tideEvents, "2025-05-11")
	require.NoError(t, f.coord.Refresh(context.Background()))
	first, ok := f.coord.Snapshot()
	require.True(t, ok)

	// Wipe the cache and make the repair fetch come back empty.
	require.NoError(t, f.tides.Save(context.Background(), models.Document{}))
	f.stub.tidesEmpty = true

	err := f.coord.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoTideData)

	second, ok := f.coord.Snapshot()
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestRefresh_CoefficientFailureDegradesGracefully(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubFetcher{coeffErr: fmt.Errorf("upstream down")})

	tideEvents := `[["tide.low","04:00","1.20","---"],["tide.high","10:15","5.30","80"]]`
	seedDates(t, f.tides, tideEvents, "2025-05-11")

	require.NoError(t, f.coord.Refresh(context.Background()))

	snapshot, ok := f.coord.Snapshot()
	require.True(t, ok)
	assert.Nil(t, snapshot.NextSpringTide)
	assert.Nil(t, snapshot.NextNeapTide)
	require.NotNil(t, snapshot.Next)
	// The explicit per-event coefficient survives without the coefficient
	// dataset.
	assert.Equal(t, "80", snapshot.Next.Coefficient)
}

func TestRefresh_FetchesTodayWaterLevelsOnDemand(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubFetcher{})

	tideEvents := `[["tide.low","04:00","1.20","---"],["tide.high","10:15","5.30","80"]]`
	seedDates(t, f.tides, tideEvents, "2025-05-11")
	// Yesterday's water levels are cached, today's are not.
	seedDates(t, f.waterLevels, `[["23:55","2.00"]]`, "2025-05-10")

	require.NoError(t, f.coord.Refresh(context.Background()))

	assert.Equal(t, []string{"2025-05-11"}, f.stub.wlFetchDates)
	snapshot, ok := f.coord.Snapshot()
	require.True(t, ok)
	require.NotNil(t, snapshot.Now)
	require.NotNil(t, snapshot.Now.CurrentHeight)
	assert.InDelta(t, 3.52, *snapshot.Now.CurrentHeight, 0.001)
}

func TestRefresh_WaterLevelFailureOmitsCurrentHeight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubFetcher{wlErr: fmt.Errorf("upstream down")})

	tideEvents := `[["tide.low","04:00","1.20","---"],["tide.high","10:15","5.30","80"]]`
	seedDates(t, f.tides, tideEvents, "2025-05-11")

	require.NoError(t, f.coord.Refresh(context.Background()))

	snapshot, ok := f.coord.Snapshot()
	require.True(t, ok)
	require.NotNil(t, snapshot.Now)
	assert.Nil(t, snapshot.Now.CurrentHeight)
}

func TestRequestRefresh_NeverBlocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubFetcher{})

	// No run loop draining the channel; repeated requests must still return.
	for i := 0; i < 5; i++ {
		f.coord.RequestRefresh()
	}
}
