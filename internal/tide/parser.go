// Package tide derives the published tide state from cached SHOM data.
// The parser is a pure function over (tide events, coefficients, water
// levels, now); all I/O and repair happens in the coordinator.
package tide

import (
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marees-france/mareesd/internal/models"
)

// Thresholds are the coefficient levels that qualify a day as a spring or
// neap tide.
type Thresholds struct {
	Spring int
	Neap   int
}

// Input is the date-windowed slice of cache state one refresh cycle sees.
// Tides span yesterday through the lookahead horizon, coefficients start at
// today, water levels are today's samples only.
type Input struct {
	Tides        map[string][]models.TideEvent
	Coefficients map[string][]string
	WaterLevels  []models.WaterLevelSample
}

// maxSampleAge is how far a water-level sample may sit from "now" before it
// stops being a credible current height.
const maxSampleAge = 15 * time.Minute

type flatEvent struct {
	eventType   models.TideType
	instant     time.Time
	localDate   string
	height      string
	coefficient string
}

// ComputeSnapshot locates "now" within the sorted tide events and assembles
// the derived snapshot. Individual records that fail to parse are skipped,
// never fatal; absent facts stay nil and are omitted from the JSON form.
func ComputeSnapshot(in Input, now time.Time, loc *time.Location, th Thresholds) models.Snapshot {
	snapshot := models.Snapshot{LastUpdate: now.UTC()}

	events := flattenEvents(in.Tides, loc)
	sort.Slice(events, func(i, j int) bool {
		return events[i].instant.Before(events[j].instant)
	})
	fillCoefficients(events, in.Coefficients)

	// First event strictly after now. sort.Search keeps this O(log n).
	idx := sort.Search(len(events), func(i int) bool {
		return events[i].instant.After(now)
	})

	if idx < len(events) {
		next := events[idx]
		nextFact := &models.Event{
			Trend:          next.eventType,
			StartingTime:   next.instant,
			FinishedTime:   next.instant,
			FinishedHeight: next.height,
			Coefficient:    next.coefficient,
		}
		if idx > 0 {
			nextFact.StartingHeight = events[idx-1].height
		}
		snapshot.Next = nextFact

		if idx > 0 {
			previous := events[idx-1]
			previousFact := &models.Event{
				Trend:          previous.eventType,
				StartingTime:   previous.instant,
				FinishedTime:   previous.instant,
				FinishedHeight: previous.height,
				Coefficient:    previous.coefficient,
			}
			if idx > 1 {
				previousFact.StartingHeight = events[idx-2].height
			}
			snapshot.Previous = previousFact

			trend := models.TrendFalling
			if previous.eventType == models.TideTypeLow {
				trend = models.TrendRising
			}
			snapshot.Now = &models.Interval{
				Trend:          trend,
				StartingTime:   previous.instant,
				FinishedTime:   next.instant,
				StartingHeight: previous.height,
				FinishedHeight: next.height,
				// The coefficient governing the upcoming extremum defines
				// the interval.
				Coefficient: next.coefficient,
			}
		}
	}

	if snapshot.Now != nil {
		if height, ok := currentHeight(in.WaterLevels, now, loc); ok {
			snapshot.Now.CurrentHeight = &height
		}
	}

	spring, neap := scanCoefficients(in.Coefficients, now.In(loc).Format(models.DateFormat), th)
	snapshot.NextSpringTide = spring
	snapshot.NextNeapTide = neap

	return snapshot
}

func flattenEvents(tides map[string][]models.TideEvent, loc *time.Location) []flatEvent {
	var events []flatEvent
	for date, dayEvents := range tides {
		for _, event := range dayEvents {
			if event.IsPlaceholder() {
				continue
			}
			local, err := time.ParseInLocation(models.DateFormat+" 15:04", date+" "+event.Time, loc)
			if err != nil {
				log.Warn().
					Str("date", date).
					Str("time", event.Time).
					Msg("Could not parse tide event datetime, skipping")
				continue
			}
			coefficient := event.Coefficient
			if coefficient == models.PlaceholderValue {
				coefficient = ""
			}
			events = append(events, flatEvent{
				eventType:   event.Type,
				instant:     local.UTC(),
				localDate:   date,
				height:      event.Height,
				coefficient: coefficient,
			})
		}
	}
	return events
}

// fillCoefficients assigns the day's maximum numeric coefficient to events
// that arrived without one. Explicit coefficients are never overwritten.
func fillCoefficients(events []flatEvent, coefficients map[string][]string) {
	for i := range events {
		if events[i].coefficient != "" {
			continue
		}
		dayCoeffs, ok := coefficients[events[i].localDate]
		if !ok {
			continue
		}
		if max, found := models.MaxCoefficient(dayCoeffs); found {
			events[i].coefficient = strconv.Itoa(max)
		}
	}
}

// currentHeight finds the water-level sample nearest to now and accepts it
// only when it is at most maxSampleAge away. Malformed samples are skipped.
func currentHeight(samples []models.WaterLevelSample, now time.Time, loc *time.Location) (float64, bool) {
	today := now.In(loc).Format(models.DateFormat)

	var closest *models.WaterLevelSample
	minDiff := time.Duration(1<<63 - 1)

	for i, sample := range samples {
		if !sample.Valid() {
			continue
		}
		timeStr := sample.Time()
		switch len(timeStr) {
		case 5: // HH:MM
			timeStr += ":00"
		case 8: // HH:MM:SS
		default:
			log.Warn().Str("time", timeStr).Msg("Unexpected water level time format, skipping sample")
			continue
		}
		local, err := time.ParseInLocation(models.DateFormat+" 15:04:05", today+" "+timeStr, loc)
		if err != nil {
			log.Warn().Str("time", timeStr).Msg("Could not parse water level sample time, skipping")
			continue
		}
		diff := now.Sub(local)
		if diff < 0 {
			diff = -diff
		}
		if diff < minDiff {
			minDiff = diff
			closest = &samples[i]
		}
	}

	if closest == nil {
		log.Warn().Msg("No parseable water level samples for today")
		return 0, false
	}
	if minDiff > maxSampleAge {
		log.Warn().Dur("age", minDiff).Msg("Closest water level sample too old for current height")
		return 0, false
	}
	height, err := strconv.ParseFloat(closest.Height(), 64)
	if err != nil {
		log.Warn().Str("height", closest.Height()).Msg("Could not parse water level height")
		return 0, false
	}
	return height, true
}

// scanCoefficients walks coefficient days chronologically from today and
// records the first day qualifying as a spring tide and, independently, the
// first qualifying as a neap tide. The scan stops once both are found.
func scanCoefficients(coefficients map[string][]string, today string, th Thresholds) (*models.CoefficientForecast, *models.CoefficientForecast) {
	dates := make([]string, 0, len(coefficients))
	for date := range coefficients {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	var spring, neap *models.CoefficientForecast
	for _, date := range dates {
		if date < today {
			continue
		}
		max, found := models.MaxCoefficient(coefficients[date])
		if !found {
			continue
		}
		if spring == nil && max >= th.Spring {
			spring = &models.CoefficientForecast{Date: date, Coefficient: strconv.Itoa(max)}
			log.Debug().Str("date", date).Int("coefficient", max).Msg("Found next spring tide")
		}
		if neap == nil && max <= th.Neap {
			neap = &models.CoefficientForecast{Date: date, Coefficient: strconv.Itoa(max)}
			log.Debug().Str("date", date).Int("coefficient", max).Msg("Found next neap tide")
		}
		if spring != nil && neap != nil {
			break
		}
	}
	return spring, neap
}
