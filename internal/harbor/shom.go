// Package harbor resolves the SHOM harbor directory: the list of tidal
// observation points, lookup by id and nearest-harbor search.
package harbor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marees-france/mareesd/internal/cache"
	"github.com/marees-france/mareesd/internal/models"
	"github.com/marees-france/mareesd/pkg/http/client"
)

const directoryFetchTimeout = 30 * time.Second

// Finder serves the harbor directory from a two-level cache: process memory
// first, then the shared S3 cache, then the SHOM WFS endpoint.
type Finder struct {
	fetcher    client.Interface
	harborsURL string
	cache      *cache.HarborCache

	cacheMutex sync.RWMutex
	harbors    []models.Harbor
}

// NewFinder creates a Finder. harborCache may be nil, in which case only the
// in-memory level is used.
func NewFinder(fetcher client.Interface, harborsURL string, harborCache *cache.HarborCache) *Finder {
	return &Finder{
		fetcher:    fetcher,
		harborsURL: harborsURL,
		cache:      harborCache,
	}
}

// FindHarbor looks a harbor up by its SHOM id.
func (f *Finder) FindHarbor(ctx context.Context, harborID string) (*models.Harbor, error) {
	harbors, err := f.getHarborList(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting harbor list: %w", err)
	}

	for _, harbor := range harbors {
		if harbor.ID == harborID {
			return &harbor, nil
		}
	}

	return nil, fmt.Errorf("harbor not found: %s", harborID)
}

// ListHarbors returns the full directory.
func (f *Finder) ListHarbors(ctx context.Context) ([]models.Harbor, error) {
	return f.getHarborList(ctx)
}

// FindNearestHarbors returns up to limit harbors sorted by great-circle
// distance from the given point.
func (f *Finder) FindNearestHarbors(ctx context.Context, lat, lon float64, limit int) ([]models.Harbor, error) {
	harbors, err := f.getHarborList(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting harbor list: %w", err)
	}

	// Calculate distances in parallel using worker pool
	const workerCount = 4
	work := make(chan models.Harbor, len(harbors))
	results := make(chan models.Harbor, len(harbors))

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for harbor := range work {
				harbor.Distance = calculateDistance(lat, lon, harbor.Latitude, harbor.Longitude)
				results <- harbor
			}
		}()
	}

	for _, harbor := range harbors {
		work <- harbor
	}
	close(work)

	go func() {
		wg.Wait()
		close(results)
	}()

	var withDistance []models.Harbor
	for harbor := range results {
		withDistance = append(withDistance, harbor)
	}

	sort.Slice(withDistance, func(i, j int) bool {
		return withDistance[i].Distance < withDistance[j].Distance
	})

	if limit > 0 && len(withDistance) > limit {
		withDistance = withDistance[:limit]
	}

	return withDistance, nil
}

func (f *Finder) getHarborList(ctx context.Context) ([]models.Harbor, error) {
	f.cacheMutex.RLock()
	cached := f.harbors
	f.cacheMutex.RUnlock()

	if cached != nil {
		log.Debug().Msg("Cache HIT for harbor list")
		return cached, nil
	}

	if f.cache != nil {
		harbors, err := f.cache.GetHarbors(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Reading harbor directory from S3 cache failed")
		} else if harbors != nil {
			log.Debug().Int("harbor_count", len(harbors)).Msg("Loaded harbor directory from S3 cache")
			f.cacheMutex.Lock()
			f.harbors = harbors
			f.cacheMutex.Unlock()
			return harbors, nil
		}
	}
	log.Debug().Msg("Cache MISS for harbor list, calling SHOM WFS")

	data, err := f.fetcher.GetJSON(ctx, f.harborsURL, directoryFetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("fetching harbor directory: %w", err)
	}

	harbors, err := parseDirectory(data)
	if err != nil {
		return nil, err
	}

	log.Debug().Int("harbor_count", len(harbors)).Msg("Caching harbor directory")

	f.cacheMutex.Lock()
	f.harbors = harbors
	f.cacheMutex.Unlock()

	if f.cache != nil {
		if err := f.cache.SaveHarbors(ctx, harbors); err != nil {
			log.Warn().Err(err).Msg("Writing harbor directory to S3 cache failed")
		}
	}

	return harbors, nil
}

// parseDirectory decodes the WFS GetFeature GeoJSON response. Features with
// missing ids or malformed geometry are skipped.
func parseDirectory(data json.RawMessage) ([]models.Harbor, error) {
	var wfsResp struct {
		Features []struct {
			Properties struct {
				CST      string `json:"cst"`
				Toponyme string `json:"toponyme"`
			} `json:"properties"`
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}

	if err := json.Unmarshal(data, &wfsResp); err != nil {
		return nil, fmt.Errorf("decoding harbor directory: %w", err)
	}

	harbors := make([]models.Harbor, 0, len(wfsResp.Features))
	for _, feature := range wfsResp.Features {
		if feature.Properties.CST == "" {
			continue
		}
		if len(feature.Geometry.Coordinates) < 2 {
			log.Warn().Str("harbor_id", feature.Properties.CST).Msg("Harbor feature without coordinates, skipping")
			continue
		}
		harbors = append(harbors, models.Harbor{
			ID:      feature.Properties.CST,
			Name:    feature.Properties.Toponyme,
			Display: feature.Properties.Toponyme,
			// GeoJSON order is longitude first.
			Longitude: feature.Geometry.Coordinates[0],
			Latitude:  feature.Geometry.Coordinates[1],
		})
	}

	sort.Slice(harbors, func(i, j int) bool {
		return harbors[i].ID < harbors[j].ID
	})
	return harbors, nil
}

func calculateDistance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371.0 // km

	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
