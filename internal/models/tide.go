package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type TideType string

const (
	TideTypeHigh TideType = "tide.high"
	TideTypeLow  TideType = "tide.low"
)

type TideTrend string

const (
	TrendRising  TideTrend = "rising"
	TrendFalling TideTrend = "falling"
)

const (
	// Placeholder values the SHOM API uses for non-events.
	PlaceholderTime  = "--:--"
	PlaceholderValue = "---"

	DateFormat = "2006-01-02"
)

// TideEvent is one high or low tide occurrence as published by SHOM.
// On the wire it is a 4-element array: [type, local time, height, coefficient].
// Height and coefficient are decimal strings; "---" marks an absent value.
type TideEvent struct {
	Type        TideType
	Time        string
	Height      string
	Coefficient string
}

func (e TideEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]string{string(e.Type), e.Time, e.Height, e.Coefficient})
}

func (e *TideEvent) UnmarshalJSON(data []byte) error {
	var fields []string
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decoding tide event: %w", err)
	}
	if len(fields) != 4 {
		return fmt.Errorf("decoding tide event: expected 4 fields, got %d", len(fields))
	}
	e.Type = TideType(fields[0])
	e.Time = fields[1]
	e.Height = fields[2]
	e.Coefficient = fields[3]
	return nil
}

// IsPlaceholder reports whether the event is a non-event filler entry.
func (e TideEvent) IsPlaceholder() bool {
	return e.Time == PlaceholderTime || e.Height == PlaceholderValue
}

// WaterLevelSample is a [local time, height] pair. Times are "HH:MM" or
// "HH:MM:SS" in the harbor's timezone.
type WaterLevelSample []string

func (s WaterLevelSample) Valid() bool {
	return len(s) == 2
}

func (s WaterLevelSample) Time() string {
	return s[0]
}

func (s WaterLevelSample) Height() string {
	return s[1]
}

// DecodeTideEvents decodes a cached per-date tide value, skipping entries
// that do not match the 4-element array shape. A nil slice with ok=false
// means the value itself was not an array.
func DecodeTideEvents(raw json.RawMessage) ([]TideEvent, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	events := make([]TideEvent, 0, len(items))
	for _, item := range items {
		var event TideEvent
		if err := json.Unmarshal(item, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, true
}

// DecodeCoefficients decodes a cached per-date coefficient value. Entries
// that are not strings are skipped.
func DecodeCoefficients(raw json.RawMessage) ([]string, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	coeffs := make([]string, 0, len(items))
	for _, item := range items {
		var coeff string
		if err := json.Unmarshal(item, &coeff); err != nil {
			continue
		}
		coeffs = append(coeffs, coeff)
	}
	return coeffs, true
}

// DecodeWaterLevels decodes a cached per-date water level value, skipping
// samples that are not two-element string pairs.
func DecodeWaterLevels(raw json.RawMessage) ([]WaterLevelSample, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	samples := make([]WaterLevelSample, 0, len(items))
	for _, item := range items {
		var sample WaterLevelSample
		if err := json.Unmarshal(item, &sample); err != nil {
			continue
		}
		if !sample.Valid() {
			continue
		}
		samples = append(samples, sample)
	}
	return samples, true
}

// MaxCoefficient returns the largest numeric coefficient in the list.
// Non-numeric entries are ignored; ok is false when none are numeric.
func MaxCoefficient(coeffs []string) (int, bool) {
	best := 0
	found := false
	for _, c := range coeffs {
		v, err := strconv.Atoi(c)
		if err != nil || v < 0 {
			continue
		}
		if !found || v > best {
			best = v
			found = true
		}
	}
	return best, found
}

// Harbor is one tidal observation point from the SHOM directory.
type Harbor struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Display   string  `json:"display"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Distance  float64 `json:"distance,omitempty"`
}

// Snapshot is the derived tide state published after each refresh cycle.
// Absent facts are omitted from the JSON form entirely.
type Snapshot struct {
	Now            *Interval            `json:"now,omitempty"`
	Next           *Event               `json:"next,omitempty"`
	Previous       *Event               `json:"previous,omitempty"`
	NextSpringTide *CoefficientForecast `json:"next_spring_tide,omitempty"`
	NextNeapTide   *CoefficientForecast `json:"next_neap_tide,omitempty"`
	LastUpdate     time.Time            `json:"last_update"`
}

// Event describes a single tide extremum. StartingHeight is the height of
// the preceding extremum, so the pair describes the swing into this event.
type Event struct {
	Trend          TideType  `json:"tide_trend"`
	StartingTime   time.Time `json:"starting_time"`
	FinishedTime   time.Time `json:"finished_time"`
	StartingHeight string    `json:"starting_height,omitempty"`
	FinishedHeight string    `json:"finished_height"`
	Coefficient    string    `json:"coefficient,omitempty"`
}

// Interval describes the span between the previous and next tide events,
// the one "now" falls inside.
type Interval struct {
	Trend          TideTrend `json:"tide_trend"`
	StartingTime   time.Time `json:"starting_time"`
	FinishedTime   time.Time `json:"finished_time"`
	StartingHeight string    `json:"starting_height"`
	FinishedHeight string    `json:"finished_height"`
	Coefficient    string    `json:"coefficient,omitempty"`
	CurrentHeight  *float64  `json:"current_height,omitempty"`
}

// CoefficientForecast names the first upcoming spring or neap tide date.
type CoefficientForecast struct {
	Date        string `json:"date"`
	Coefficient string `json:"coefficient"`
}
