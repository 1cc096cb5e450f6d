package prefetch

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRunTime_InsideWindowAndFuture(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	scheduler := NewScheduler(nil, loc, 1, 5)
	scheduler.rand = rand.New(rand.NewSource(42))

	tests := []struct {
		name string
		now  time.Time
	}{
		{name: "before the window", now: time.Date(2025, 5, 11, 0, 30, 0, 0, loc)},
		{name: "inside the window", now: time.Date(2025, 5, 11, 3, 0, 0, 0, loc)},
		{name: "after the window", now: time.Date(2025, 5, 11, 12, 0, 0, 0, loc)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			scheduler.now = func() time.Time { return tt.now }

			for i := 0; i < 50; i++ {
				next := scheduler.nextRunTime()
				assert.True(t, next.After(tt.now), "next run must be in the future")
				assert.GreaterOrEqual(t, next.Hour(), 1)
				assert.Less(t, next.Hour(), 5)
				assert.LessOrEqual(t, next.Sub(tt.now), 48*time.Hour)
			}
		})
	}
}

func TestNextRunTime_SafeForConcurrentJobs(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	scheduler := NewScheduler(nil, loc, 1, 5)
	now := time.Date(2025, 5, 11, 0, 30, 0, 0, loc)
	scheduler.now = func() time.Time { return now }

	// One goroutine per daily job, all drawing from the shared source.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				next := scheduler.nextRunTime()
				assert.True(t, next.After(now))
			}
		}()
	}
	wg.Wait()
}

func TestNewScheduler_DegenerateWindow(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	scheduler := NewScheduler(nil, loc, 3, 3)
	assert.Equal(t, 4, scheduler.windowEndHour)
}
