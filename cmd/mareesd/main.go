package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marees-france/mareesd/internal/api"
	"github.com/marees-france/mareesd/internal/cache"
	"github.com/marees-france/mareesd/internal/config"
	"github.com/marees-france/mareesd/internal/coordinator"
	"github.com/marees-france/mareesd/internal/harbor"
	"github.com/marees-france/mareesd/internal/models"
	"github.com/marees-france/mareesd/internal/prefetch"
	"github.com/marees-france/mareesd/internal/shom"
	"github.com/marees-france/mareesd/internal/tide"
	"github.com/marees-france/mareesd/pkg/http/client"
)

const (
	documentCacheSize = 4
	documentCacheTTL  = time.Minute
	harborCacheTTL    = 30 * 24 * time.Hour
	shutdownTimeout   = 10 * time.Second
)

func main() {
	cfg := config.LoadFromEnv()
	cfg.InitializeLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		log.Fatal().Err(err).Msg("Loading Europe/Paris timezone failed")
	}

	tidesStore, tidesCached := newDocumentStore(ctx, cache.DatasetTides)
	coeffStore, coeffCached := newDocumentStore(ctx, cache.DatasetCoefficients)
	wlStore, wlCached := newDocumentStore(ctx, cache.DatasetWaterLevels)

	fetcher := client.New(client.Options{Headers: shom.Headers})
	shomClient := shom.NewClient(fetcher, cfg.ShomBaseURL)

	var harborCache *cache.HarborCache
	if cfg.HarborCacheBucket != "" {
		s3Client, err := cache.NewS3Client(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("S3 unavailable, harbor directory cache disabled")
		} else {
			harborCache = cache.NewHarborCache(s3Client, cfg.HarborCacheBucket, harborCacheTTL)
		}
	}
	finder := harbor.NewFinder(fetcher, cfg.HarborsURL, harborCache)

	jobs := prefetch.NewJobs(shomClient, tidesStore, coeffStore, wlStore, cfg.HarborID, loc, nil)
	scheduler := prefetch.NewScheduler(jobs, loc, cfg.PrefetchWindowStartHour, cfg.PrefetchWindowEndHour)

	coord := coordinator.New(shomClient, tidesStore, coeffStore, wlStore, cfg.HarborID, loc,
		tide.Thresholds{Spring: cfg.SpringTideThreshold, Neap: cfg.NeapTideThreshold},
		cfg.RefreshInterval, &coordinator.Options{
			OnPublish: func(snapshot models.Snapshot) {
				log.Info().
					Str("harbor_id", cfg.HarborID).
					Time("last_update", snapshot.LastUpdate).
					Msg("Snapshot updated")
			},
		})

	var clearers []api.Clearer
	for _, c := range []*cache.CachedDocumentStore{tidesCached, coeffCached, wlCached} {
		if c != nil {
			clearers = append(clearers, c)
		}
	}
	server := api.NewServer(coord, finder, shomClient, tidesStore, coeffStore, wlStore,
		cfg.HarborID, loc, &api.ServerOptions{Clearers: clearers})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		coord.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("harbor_id", cfg.HarborID).
		Msg("mareesd listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("HTTP server failed")
		stop()
	}

	wg.Wait()
	log.Info().Msg("mareesd stopped")
}

// newDocumentStore builds the dataset's persistent store fronted by the
// in-memory layer. Without working AWS credentials the daemon degrades to a
// process-local store so local runs still work.
func newDocumentStore(ctx context.Context, dataset string) (cache.DocumentStore, *cache.CachedDocumentStore) {
	var inner cache.DocumentStore
	dynamoClient, err := cache.NewDynamoClient(ctx)
	if err != nil {
		log.Warn().Err(err).Str("dataset", dataset).Msg("DynamoDB unavailable, using in-memory store")
		inner = cache.NewMemoryDocumentStore()
	} else {
		inner = cache.NewDynamoDocumentStore(dynamoClient, dataset)
	}

	cached, err := cache.NewCachedDocumentStore(inner, dataset, documentCacheSize, documentCacheTTL)
	if err != nil {
		log.Warn().Err(err).Str("dataset", dataset).Msg("LRU layer unavailable, using store directly")
		return inner, nil
	}
	return cached, cached
}
