package shom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marees-france/mareesd/internal/cache"
	"github.com/marees-france/mareesd/internal/models"
	"github.com/marees-france/mareesd/pkg/http/client"
)

// Headers sent on every SHOM request. The service rejects requests without
// a browser User-Agent and Referer.
var Headers = map[string]string{
	"Referer":    "https://maree.shom.fr/",
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/109.0.0.0 Safari/537.36",
}

const (
	waterLevelTimeout = 30 * time.Second
	// The coefficient endpoint can return up to 365 days in one call.
	coefficientTimeout = 60 * time.Second

	waterLevelPoints = 288 // 5-minute samples per day
)

// tidesTimeout grows with the requested duration.
func tidesTimeout(durationDays int) time.Duration {
	return time.Duration(15+5*durationDays) * time.Second
}

// Client wraps the retrying fetcher with the three dataset-specific
// fetch-and-cache operations. Each operation validates the payload's gross
// shape, merges it into the harbor's sub-document and persists the whole
// document through the store. On failure the document is left untouched
// (coefficients excepted, see FetchAndStoreCoefficients).
type Client struct {
	fetcher client.Interface
	baseURL string
}

func NewClient(fetcher client.Interface, baseURL string) *Client {
	return &Client{
		fetcher: fetcher,
		baseURL: baseURL,
	}
}

func (c *Client) waterLevelsURL(harborID, date string) string {
	v := url.Values{}
	v.Set("harborName", harborID)
	v.Set("duration", "1")
	v.Set("date", date)
	v.Set("utc", "standard")
	v.Set("nbpoints", strconv.Itoa(waterLevelPoints))
	return c.baseURL + "/wl?" + v.Encode()
}

func (c *Client) tidesURL(harborID, date string, durationDays int) string {
	v := url.Values{}
	v.Set("harborName", harborID)
	v.Set("duration", strconv.Itoa(durationDays))
	v.Set("date", date)
	v.Set("utc", "standard")
	v.Set("correlation", "1")
	return c.baseURL + "/hlt?" + v.Encode()
}

func (c *Client) coefficientsURL(harborID, date string, days int) string {
	v := url.Values{}
	v.Set("harborName", harborID)
	v.Set("duration", strconv.Itoa(days))
	v.Set("date", date)
	v.Set("utc", "standard")
	v.Set("correlation", "1")
	return c.baseURL + "/coeff?" + v.Encode()
}

// FetchAndStoreWaterLevels fetches one day of water levels, validates the
// {date: [samples]} envelope, stores the bare sample list under the harbor
// and date, persists the document and returns the stored list.
func (c *Client) FetchAndStoreWaterLevels(ctx context.Context, store cache.DocumentStore, doc models.Document, harborID, date string) (json.RawMessage, error) {
	data, err := c.fetcher.GetJSON(ctx, c.waterLevelsURL(harborID, date), waterLevelTimeout)
	if err != nil {
		return nil, newAPIError(cache.DatasetWaterLevels, harborID, "fetch failed", err)
	}

	// The payload must be {date: [...]} with the requested date present.
	// Anything else is discarded, never cached.
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, newAPIError(cache.DatasetWaterLevels, harborID, "unexpected payload shape", err)
	}
	samples, ok := envelope[date]
	if !ok {
		return nil, newAPIError(cache.DatasetWaterLevels, harborID,
			fmt.Sprintf("payload missing date key %s", date), nil)
	}
	var sampleList []json.RawMessage
	if err := json.Unmarshal(samples, &sampleList); err != nil {
		return nil, newAPIError(cache.DatasetWaterLevels, harborID, "date value is not a list", err)
	}

	if err := doc.SetDate(harborID, date, samples); err != nil {
		return nil, err
	}
	if err := store.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("saving water level cache for %s on %s: %w", harborID, date, err)
	}

	log.Debug().
		Str("harbor_id", harborID).
		Str("date", date).
		Int("samples", len(sampleList)).
		Msg("Cached water level data")
	return samples, nil
}

// FetchAndStoreTides fetches durationDays of tide events starting at
// startDate and merges them date by date into the harbor's sub-document.
func (c *Client) FetchAndStoreTides(ctx context.Context, store cache.DocumentStore, doc models.Document, harborID, startDate string, durationDays int) error {
	data, err := c.fetcher.GetJSON(ctx, c.tidesURL(harborID, startDate, durationDays), tidesTimeout(durationDays))
	if err != nil {
		return newAPIError(cache.DatasetTides, harborID, "fetch failed", err)
	}

	var byDate map[string]json.RawMessage
	if err := json.Unmarshal(data, &byDate); err != nil {
		return newAPIError(cache.DatasetTides, harborID, "unexpected payload shape", err)
	}

	dates, err := doc.HarborDates(harborID)
	if err != nil || dates == nil {
		dates = models.DateMap{}
	}
	for date, tides := range byDate {
		dates[date] = tides
		log.Debug().Str("harbor_id", harborID).Str("date", date).Msg("Updated tide cache")
	}
	if err := doc.SetHarborDates(harborID, dates); err != nil {
		return err
	}
	if err := store.Save(ctx, doc); err != nil {
		return fmt.Errorf("saving tides cache for %s starting %s: %w", harborID, startDate, err)
	}

	log.Debug().Str("harbor_id", harborID).Msg("Saved updated tides cache")
	return nil
}

// FetchAndStoreCoefficients fetches days of coefficients starting at
// startDate. The payload is a list of per-month lists of per-day entries;
// each day is a list of coefficient strings, any of which may arrive wrapped
// in a single-element list and is unwrapped. Days are assigned sequentially
// from startDate. If fewer days parse than requested the days that did parse
// are still persisted, and ErrIncompleteData is returned.
func (c *Client) FetchAndStoreCoefficients(ctx context.Context, store cache.DocumentStore, doc models.Document, harborID string, startDate time.Time, days int) error {
	startDateStr := startDate.Format(models.DateFormat)
	data, err := c.fetcher.GetJSON(ctx, c.coefficientsURL(harborID, startDateStr, days), coefficientTimeout)
	if err != nil {
		return newAPIError(cache.DatasetCoefficients, harborID, "fetch failed", err)
	}

	var months []json.RawMessage
	if err := json.Unmarshal(data, &months); err != nil {
		return newAPIError(cache.DatasetCoefficients, harborID, "unexpected payload shape", err)
	}

	dates, err := doc.HarborDates(harborID)
	if err != nil || dates == nil {
		dates = models.DateMap{}
	}

	processed := 0
	for _, month := range months {
		if processed >= days {
			break
		}
		var dailyEntries []json.RawMessage
		if err := json.Unmarshal(month, &dailyEntries); err != nil {
			continue
		}
		for _, daily := range dailyEntries {
			if processed >= days {
				break
			}
			date := startDate.AddDate(0, 0, processed).Format(models.DateFormat)
			coeffs, ok := parseDailyCoefficients(daily)
			if !ok {
				log.Warn().
					Str("harbor_id", harborID).
					Str("date", date).
					Msg("Unexpected format for daily coefficients, skipping day")
			} else if len(coeffs) == 0 {
				log.Warn().
					Str("harbor_id", harborID).
					Str("date", date).
					Msg("No valid coefficients found for day, skipping")
			} else {
				encoded, err := json.Marshal(coeffs)
				if err != nil {
					return fmt.Errorf("encoding coefficients for %s on %s: %w", harborID, date, err)
				}
				dates[date] = encoded
				log.Debug().
					Str("harbor_id", harborID).
					Str("date", date).
					Strs("coefficients", coeffs).
					Msg("Updated coefficient cache")
			}
			processed++
		}
	}

	if err := doc.SetHarborDates(harborID, dates); err != nil {
		return err
	}

	if processed == days {
		if err := store.Save(ctx, doc); err != nil {
			return fmt.Errorf("saving coefficients cache for %s starting %s: %w", harborID, startDateStr, err)
		}
		log.Debug().
			Str("harbor_id", harborID).
			Int("days", processed).
			Msg("Saved updated coefficients cache")
		return nil
	}

	log.Error().
		Str("harbor_id", harborID).
		Str("start_date", startDateStr).
		Int("processed", processed).
		Int("expected", days).
		Msg("Coefficient response shorter than requested")
	// Persist the days that did parse to avoid re-fetching them later.
	if processed > 0 {
		if err := store.Save(ctx, doc); err != nil {
			return fmt.Errorf("saving partial coefficients cache for %s: %w", harborID, err)
		}
		log.Debug().
			Str("harbor_id", harborID).
			Int("days", processed).
			Msg("Saved partially updated coefficients cache")
	}
	return fmt.Errorf("coefficients for %s starting %s: processed %d of %d days: %w",
		harborID, startDateStr, processed, days, ErrIncompleteData)
}

// parseDailyCoefficients normalizes one day's coefficient entry. Items are
// either plain strings or single-element lists wrapping a string; the
// wrapping is an upstream inconsistency and is undone here. ok is false when
// the entry is not a list at all.
func parseDailyCoefficients(daily json.RawMessage) ([]string, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(daily, &items); err != nil {
		return nil, false
	}
	coeffs := make([]string, 0, len(items))
	for _, item := range items {
		var plain string
		if err := json.Unmarshal(item, &plain); err == nil {
			coeffs = append(coeffs, plain)
			continue
		}
		var wrapped []string
		if err := json.Unmarshal(item, &wrapped); err == nil && len(wrapped) == 1 {
			coeffs = append(coeffs, wrapped[0])
			continue
		}
		log.Warn().RawJSON("item", item).Msg("Unexpected item format within daily coefficients, skipping")
	}
	return coeffs, true
}
