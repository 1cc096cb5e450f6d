package prefetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs each prefetch job once at startup, then daily at a random
// time inside the configured window. Each job draws its own random time so
// installations do not hammer SHOM in lockstep.
type Scheduler struct {
	jobs *Jobs
	loc  *time.Location

	windowStartHour int
	windowEndHour   int

	now func() time.Time

	// rand is shared by the per-job goroutines and is not safe for
	// concurrent use on its own.
	randMu sync.Mutex
	rand   *rand.Rand
}

func NewScheduler(jobs *Jobs, loc *time.Location, windowStartHour, windowEndHour int) *Scheduler {
	if windowEndHour <= windowStartHour {
		windowEndHour = windowStartHour + 1
	}
	return &Scheduler{
		jobs:            jobs,
		loc:             loc,
		windowStartHour: windowStartHour,
		windowEndHour:   windowEndHour,
		now:             time.Now,
		rand:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type namedJob struct {
	name string
	run  func(context.Context) error
}

// Run executes the startup pass then blocks scheduling daily runs until the
// context is cancelled. Startup failures are logged, not fatal; the
// coordinator repairs missing data on demand.
func (s *Scheduler) Run(ctx context.Context) {
	jobs := []namedJob{
		{"coefficients", s.jobs.RefreshCoefficients},
		{"tides", s.jobs.RefreshTides},
		{"water_levels", s.jobs.RefreshWaterLevels},
	}

	for _, job := range jobs {
		if err := job.run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("job", job.name).Msg("Startup prefetch failed")
		}
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job namedJob) {
			defer wg.Done()
			s.runDaily(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) runDaily(ctx context.Context, job namedJob) {
	for {
		next := s.nextRunTime()
		log.Debug().
			Str("job", job.name).
			Time("next_run", next).
			Msg("Scheduled next prefetch run")

		if err := sleep(ctx, time.Until(next)); err != nil {
			return
		}
		if err := job.run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("job", job.name).Msg("Daily prefetch failed")
		}
	}
}

// nextRunTime picks a uniformly random instant inside tomorrow-or-today's
// window, always strictly in the future.
func (s *Scheduler) nextRunTime() time.Time {
	now := s.now().In(s.loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)

	windowSeconds := (s.windowEndHour - s.windowStartHour) * 3600
	for {
		s.randMu.Lock()
		seconds := s.rand.Intn(windowSeconds)
		s.randMu.Unlock()
		offset := time.Duration(seconds) * time.Second
		candidate := day.Add(time.Duration(s.windowStartHour) * time.Hour).Add(offset)
		if candidate.After(now) {
			return candidate
		}
		day = day.AddDate(0, 0, 1)
	}
}
