// Package coordinator owns the refresh cycle: validate and repair the three
// dataset caches, assemble the parser input for the configured harbor and
// publish the resulting snapshot.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marees-france/mareesd/internal/cache"
	"github.com/marees-france/mareesd/internal/models"
	"github.com/marees-france/mareesd/internal/prefetch"
	"github.com/marees-france/mareesd/internal/tide"
)

// Lookahead horizons when assembling parser input. Wider than the prefetch
// windows on purpose: whatever the cache holds within a year gets used.
const (
	tidesLookbackDays = 1
	lookaheadDays     = 366
)

// ErrNoTideData marks a refresh cycle that found no usable tide events.
// The previously published snapshot stays in place.
var ErrNoTideData = errors.New("no usable tide data in cache")

// Coordinator drives periodic refreshes and serves the latest snapshot.
type Coordinator struct {
	fetcher prefetch.Fetcher

	tides        cache.DocumentStore
	coefficients cache.DocumentStore
	waterLevels  cache.DocumentStore

	harborID   string
	loc        *time.Location
	thresholds tide.Thresholds
	interval   time.Duration

	now       func() time.Time
	onPublish func(models.Snapshot)

	mu       sync.RWMutex
	snapshot *models.Snapshot
	lastErr  error

	refreshCh chan struct{}
}

type Options struct {
	Now func() time.Time
	// OnPublish is called after each successful refresh with the new
	// snapshot.
	OnPublish func(models.Snapshot)
}

func New(fetcher prefetch.Fetcher, tides, coefficients, waterLevels cache.DocumentStore, harborID string, loc *time.Location, thresholds tide.Thresholds, interval time.Duration, opts *Options) *Coordinator {
	c := &Coordinator{
		fetcher:      fetcher,
		tides:        tides,
		coefficients: coefficients,
		waterLevels:  waterLevels,
		harborID:     harborID,
		loc:          loc,
		thresholds:   thresholds,
		interval:     interval,
		now:          time.Now,
		refreshCh:    make(chan struct{}, 1),
	}
	if opts != nil {
		if opts.Now != nil {
			c.now = opts.Now
		}
		c.onPublish = opts.OnPublish
	}
	return c
}

// Snapshot returns the latest published snapshot. ok is false until the
// first successful refresh.
func (c *Coordinator) Snapshot() (models.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return models.Snapshot{}, false
	}
	return *c.snapshot, true
}

// LastError returns the error from the most recent refresh cycle, nil after
// a clean one.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// RequestRefresh asks the run loop for an immediate out-of-band refresh.
// Never blocks; a refresh already pending is good enough.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Run refreshes immediately, then on every interval tick or refresh request
// until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.refreshAndRecord(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshAndRecord(ctx)
		case <-c.refreshCh:
			c.refreshAndRecord(ctx)
		}
	}
}

func (c *Coordinator) refreshAndRecord(ctx context.Context) {
	err := c.Refresh(ctx)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("harbor_id", c.harborID).Msg("Refresh cycle failed")
	}
}

// Refresh runs one full cycle. Tides are required; coefficients and water
// levels degrade gracefully to an emptier snapshot.
func (c *Coordinator) Refresh(ctx context.Context) error {
	now := c.now()
	today := time.Date(now.In(c.loc).Year(), now.In(c.loc).Month(), now.In(c.loc).Day(), 0, 0, 0, 0, c.loc)

	tideDates, err := c.validateAndRepair(ctx, c.tides, cache.DatasetTides, today)
	if err != nil {
		return fmt.Errorf("tides cache unusable: %w", err)
	}

	coeffDates, err := c.validateAndRepair(ctx, c.coefficients, cache.DatasetCoefficients, today)
	if err != nil {
		log.Warn().Err(err).Str("harbor_id", c.harborID).Msg("Coefficient cache unusable, snapshot will omit forecasts")
		coeffDates = models.DateMap{}
	}

	input := tide.Input{
		Tides:        c.collectTides(tideDates, today),
		Coefficients: c.collectCoefficients(coeffDates, today),
		WaterLevels:  c.todayWaterLevels(ctx, today),
	}

	if len(input.Tides) == 0 {
		return fmt.Errorf("harbor %s: %w", c.harborID, ErrNoTideData)
	}

	snapshot := tide.ComputeSnapshot(input, now, c.loc, c.thresholds)

	c.mu.Lock()
	c.snapshot = &snapshot
	c.mu.Unlock()

	if c.onPublish != nil {
		c.onPublish(snapshot)
	}

	log.Debug().
		Str("harbor_id", c.harborID).
		Int("tide_days", len(input.Tides)).
		Int("coefficient_days", len(input.Coefficients)).
		Int("water_level_samples", len(input.WaterLevels)).
		Msg("Published refreshed snapshot")
	return nil
}

// validateAndRepair checks the harbor's sub-document for the dataset. An
// absent, malformed or empty sub-document (empty is acceptable only for
// water levels), or one holding a non-list per-date value, triggers a
// repair: drop the harbor key, persist, refetch the dataset's default range
// and reload.
func (c *Coordinator) validateAndRepair(ctx context.Context, store cache.DocumentStore, dataset string, today time.Time) (models.DateMap, error) {
	doc, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}

	dates, err := doc.HarborDates(c.harborID)
	if err == nil && dates != nil && datesWellFormed(dates) {
		if len(dates) > 0 || dataset == cache.DatasetWaterLevels {
			return dates, nil
		}
	}

	log.Warn().
		Str("harbor_id", c.harborID).
		Str("dataset", dataset).
		Msg("Cache sub-document absent or invalid, repairing")

	doc.DeleteHarbor(c.harborID)
	if err := store.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("clearing %s cache for repair: %w", dataset, err)
	}

	if err := c.refetchDefaultRange(ctx, store, dataset, doc, today); err != nil {
		return nil, fmt.Errorf("repairing %s cache: %w", dataset, err)
	}

	doc, err = store.Load(ctx)
	if err != nil {
		return nil, err
	}
	dates, err = doc.HarborDates(c.harborID)
	if err != nil {
		return nil, fmt.Errorf("%s cache still malformed after repair: %w", dataset, err)
	}
	if dates == nil {
		dates = models.DateMap{}
	}
	return dates, nil
}

// datesWellFormed reports whether every per-date value is a JSON list, the
// shape all three datasets store. One corrupt entry condemns the whole
// sub-document, so the repair path refetches a clean range instead of
// serving cycles that silently skip every date.
func datesWellFormed(dates models.DateMap) bool {
	for _, raw := range dates {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return false
		}
	}
	return true
}

func (c *Coordinator) refetchDefaultRange(ctx context.Context, store cache.DocumentStore, dataset string, doc models.Document, today time.Time) error {
	switch dataset {
	case cache.DatasetTides:
		yesterday := today.AddDate(0, 0, -1)
		return c.fetcher.FetchAndStoreTides(ctx, store, doc, c.harborID, yesterday.Format(models.DateFormat), 8)
	case cache.DatasetCoefficients:
		monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, c.loc)
		return c.fetcher.FetchAndStoreCoefficients(ctx, store, doc, c.harborID, monthStart, 365)
	case cache.DatasetWaterLevels:
		_, err := c.fetcher.FetchAndStoreWaterLevels(ctx, store, doc, c.harborID, today.Format(models.DateFormat))
		return err
	}
	return fmt.Errorf("unknown dataset %s", dataset)
}

// collectTides decodes cached tide events from yesterday through the
// lookahead horizon. Undecodable dates are skipped.
func (c *Coordinator) collectTides(dates models.DateMap, today time.Time) map[string][]models.TideEvent {
	from := today.AddDate(0, 0, -tidesLookbackDays).Format(models.DateFormat)
	to := today.AddDate(0, 0, lookaheadDays).Format(models.DateFormat)

	out := make(map[string][]models.TideEvent)
	for date, raw := range dates {
		if date < from || date > to {
			continue
		}
		events, ok := models.DecodeTideEvents(raw)
		if !ok {
			log.Warn().Str("harbor_id", c.harborID).Str("date", date).Msg("Undecodable tide entry, skipping date")
			continue
		}
		if len(events) > 0 {
			out[date] = events
		}
	}
	return out
}

func (c *Coordinator) collectCoefficients(dates models.DateMap, today time.Time) map[string][]string {
	from := today.Format(models.DateFormat)
	to := today.AddDate(0, 0, lookaheadDays).Format(models.DateFormat)

	out := make(map[string][]string)
	for date, raw := range dates {
		if date < from || date > to {
			continue
		}
		coeffs, ok := models.DecodeCoefficients(raw)
		if !ok {
			log.Warn().Str("harbor_id", c.harborID).Str("date", date).Msg("Undecodable coefficient entry, skipping date")
			continue
		}
		if len(coeffs) > 0 {
			out[date] = coeffs
		}
	}
	return out
}

// todayWaterLevels returns today's samples, fetching them on demand when the
// cache has no entry for today. Failures degrade to no current height.
func (c *Coordinator) todayWaterLevels(ctx context.Context, today time.Time) []models.WaterLevelSample {
	todayStr := today.Format(models.DateFormat)

	doc, err := c.waterLevels.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Str("harbor_id", c.harborID).Msg("Could not load water level cache")
		return nil
	}

	dates, err := doc.HarborDates(c.harborID)
	if err != nil {
		log.Warn().Err(err).Str("harbor_id", c.harborID).Msg("Malformed water level cache, skipping current height")
		return nil
	}

	raw, ok := dates[todayStr]
	if !ok {
		raw, err = c.fetcher.FetchAndStoreWaterLevels(ctx, c.waterLevels, doc, c.harborID, todayStr)
		if err != nil {
			log.Warn().Err(err).Str("harbor_id", c.harborID).Str("date", todayStr).Msg("On-demand water level fetch failed")
			return nil
		}
	}

	samples, ok := models.DecodeWaterLevels(raw)
	if !ok {
		log.Warn().Str("harbor_id", c.harborID).Str("date", todayStr).Msg("Undecodable water level entry")
		return nil
	}
	return samples
}
