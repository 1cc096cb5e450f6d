// Package prefetch keeps the three dataset caches populated ahead of need.
// Each job reconciles its cache against a sliding date window: prune what
// fell behind the window, fetch what is missing ahead.
package prefetch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marees-france/mareesd/internal/cache"
	"github.com/marees-france/mareesd/internal/models"
	"github.com/marees-france/mareesd/internal/shom"
)

const (
	// Water levels are kept for today plus the next seven days.
	waterLevelWindowDays = 8
	// Tides are kept from yesterday through six days ahead so the parser can
	// always bracket "now", even just after midnight.
	tidesWindowDays = 8
	// Coefficients cover a rolling year starting at the current month.
	coefficientWindowDays = 365

	// Pause between consecutive per-day water level fetches, to stay polite
	// towards the public SHOM endpoint.
	defaultWaterLevelPause = 2 * time.Second
)

// Fetcher is the slice of the SHOM client the jobs need.
type Fetcher interface {
	FetchAndStoreWaterLevels(ctx context.Context, store cache.DocumentStore, doc models.Document, harborID, date string) (json.RawMessage, error)
	FetchAndStoreTides(ctx context.Context, store cache.DocumentStore, doc models.Document, harborID, startDate string, durationDays int) error
	FetchAndStoreCoefficients(ctx context.Context, store cache.DocumentStore, doc models.Document, harborID string, startDate time.Time, days int) error
}

// Jobs holds the three reconciliation jobs for one harbor.
type Jobs struct {
	fetcher Fetcher

	tides        cache.DocumentStore
	coefficients cache.DocumentStore
	waterLevels  cache.DocumentStore

	harborID string
	loc      *time.Location

	waterLevelPause time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

type JobsOptions struct {
	WaterLevelPause time.Duration
	Now             func() time.Time
}

func NewJobs(fetcher Fetcher, tides, coefficients, waterLevels cache.DocumentStore, harborID string, loc *time.Location, opts *JobsOptions) *Jobs {
	j := &Jobs{
		fetcher:         fetcher,
		tides:           tides,
		coefficients:    coefficients,
		waterLevels:     waterLevels,
		harborID:        harborID,
		loc:             loc,
		waterLevelPause: defaultWaterLevelPause,
		now:             time.Now,
	}
	if opts != nil {
		if opts.WaterLevelPause > 0 {
			j.waterLevelPause = opts.WaterLevelPause
		}
		if opts.Now != nil {
			j.now = opts.Now
		}
	}
	return j
}

// today returns midnight of the current day in the harbor's timezone.
func (j *Jobs) today() time.Time {
	now := j.now().In(j.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, j.loc)
}

// loadDates loads the dataset document and the harbor's date map. A malformed
// sub-document is treated as empty here; full repair belongs to the
// coordinator's validation pass.
func loadDates(ctx context.Context, store cache.DocumentStore, harborID string) (models.Document, models.DateMap, error) {
	doc, err := store.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	dates, err := doc.HarborDates(harborID)
	if err != nil {
		log.Warn().Err(err).Str("harbor_id", harborID).Msg("Malformed cache sub-document, treating as empty")
		doc.DeleteHarbor(harborID)
		dates = nil
	}
	if dates == nil {
		dates = models.DateMap{}
	}
	return doc, dates, nil
}

// Prune removes entries dated before cutoff, along with keys that are not
// dates at all, and persists the document when anything was removed. The
// HTTP layer reuses it to drop stale days before serving cached data.
func Prune(ctx context.Context, store cache.DocumentStore, doc models.Document, harborID string, dates models.DateMap, cutoff string) error {
	removed := 0
	for date := range dates {
		if _, err := time.Parse(models.DateFormat, date); err != nil {
			delete(dates, date)
			removed++
			continue
		}
		if date < cutoff {
			delete(dates, date)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	if err := doc.SetHarborDates(harborID, dates); err != nil {
		return err
	}
	if err := store.Save(ctx, doc); err != nil {
		return err
	}
	log.Debug().
		Str("harbor_id", harborID).
		Str("cutoff", cutoff).
		Int("removed", removed).
		Msg("Pruned stale cache entries")
	return nil
}

// RefreshWaterLevels prunes past days and fetches each missing day in the
// window one by one, pausing between calls. The first fetch failure aborts
// the run; earlier days already fetched stay cached.
func (j *Jobs) RefreshWaterLevels(ctx context.Context) error {
	today := j.today()
	todayStr := today.Format(models.DateFormat)

	doc, dates, err := loadDates(ctx, j.waterLevels, j.harborID)
	if err != nil {
		return err
	}
	if err := Prune(ctx, j.waterLevels, doc, j.harborID, dates, todayStr); err != nil {
		return err
	}

	fetched := 0
	for offset := 0; offset < waterLevelWindowDays; offset++ {
		date := today.AddDate(0, 0, offset).Format(models.DateFormat)
		if _, ok := dates[date]; ok {
			continue
		}
		if fetched > 0 {
			if err := sleep(ctx, j.waterLevelPause); err != nil {
				return err
			}
		}
		if _, err := j.fetcher.FetchAndStoreWaterLevels(ctx, j.waterLevels, doc, j.harborID, date); err != nil {
			return err
		}
		fetched++
	}

	log.Info().Str("harbor_id", j.harborID).Int("fetched_days", fetched).Msg("Water level prefetch complete")
	return nil
}

// RefreshTides prunes entries before yesterday and, on any gap in the
// window, refetches the whole eight-day range starting yesterday. The
// overwrite merge also refreshes days already cached, so predictions pick
// up upstream corrections.
func (j *Jobs) RefreshTides(ctx context.Context) error {
	yesterday := j.today().AddDate(0, 0, -1)

	doc, dates, err := loadDates(ctx, j.tides, j.harborID)
	if err != nil {
		return err
	}
	if err := Prune(ctx, j.tides, doc, j.harborID, dates, yesterday.Format(models.DateFormat)); err != nil {
		return err
	}

	missing := false
	for offset := 0; offset < tidesWindowDays; offset++ {
		date := yesterday.AddDate(0, 0, offset).Format(models.DateFormat)
		if _, ok := dates[date]; !ok {
			missing = true
			break
		}
	}
	if !missing {
		log.Debug().Str("harbor_id", j.harborID).Msg("Tide cache already covers the window")
		return nil
	}

	if err := j.fetcher.FetchAndStoreTides(ctx, j.tides, doc, j.harborID, yesterday.Format(models.DateFormat), tidesWindowDays); err != nil {
		return err
	}

	log.Info().Str("harbor_id", j.harborID).Int("fetched_days", tidesWindowDays).Msg("Tide prefetch complete")
	return nil
}

// RefreshCoefficients prunes entries before the start of the current month
// and fetches from the first missing day through the end of the rolling year.
// A short upstream response persists what parsed and surfaces
// shom.ErrIncompleteData to the caller.
func (j *Jobs) RefreshCoefficients(ctx context.Context) error {
	today := j.today()
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, j.loc)

	doc, dates, err := loadDates(ctx, j.coefficients, j.harborID)
	if err != nil {
		return err
	}
	if err := Prune(ctx, j.coefficients, doc, j.harborID, dates, monthStart.Format(models.DateFormat)); err != nil {
		return err
	}

	firstMissing := -1
	for offset := 0; offset < coefficientWindowDays; offset++ {
		date := monthStart.AddDate(0, 0, offset).Format(models.DateFormat)
		if _, ok := dates[date]; !ok {
			firstMissing = offset
			break
		}
	}
	if firstMissing < 0 {
		log.Debug().Str("harbor_id", j.harborID).Msg("Coefficient cache already covers the window")
		return nil
	}

	start := monthStart.AddDate(0, 0, firstMissing)
	days := coefficientWindowDays - firstMissing
	err = j.fetcher.FetchAndStoreCoefficients(ctx, j.coefficients, doc, j.harborID, start, days)
	if err != nil {
		if errors.Is(err, shom.ErrIncompleteData) {
			log.Warn().
				Str("harbor_id", j.harborID).
				Msg("Coefficient prefetch incomplete, cached what was returned")
		}
		return err
	}

	log.Info().Str("harbor_id", j.harborID).Int("fetched_days", days).Msg("Coefficient prefetch complete")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
