package models

import (
	"encoding/json"
	"fmt"
)

// Document is one dataset's full cache: harbor id -> raw per-harbor
// sub-document. The sub-document stays raw so shape validation and repair
// operate on exactly what was persisted.
type Document map[string]json.RawMessage

// DateMap is a decoded per-harbor sub-document: date string -> raw value.
type DateMap map[string]json.RawMessage

// HarborDates decodes the sub-document for a harbor. A missing harbor yields
// (nil, nil); a present but malformed sub-document yields an error, which is
// what the coordinator's repair path keys off.
func (d Document) HarborDates(harborID string) (DateMap, error) {
	raw, ok := d[harborID]
	if !ok {
		return nil, nil
	}
	var dates DateMap
	if err := json.Unmarshal(raw, &dates); err != nil {
		return nil, fmt.Errorf("decoding cache for harbor %s: %w", harborID, err)
	}
	return dates, nil
}

// SetHarborDates replaces the harbor's sub-document. An empty map removes
// the harbor key entirely.
func (d Document) SetHarborDates(harborID string, dates DateMap) error {
	if len(dates) == 0 {
		delete(d, harborID)
		return nil
	}
	raw, err := json.Marshal(dates)
	if err != nil {
		return fmt.Errorf("encoding cache for harbor %s: %w", harborID, err)
	}
	d[harborID] = raw
	return nil
}

// SetDate stores a single date's value under the harbor, creating the
// sub-document when absent. A malformed existing sub-document is replaced
// rather than kept.
func (d Document) SetDate(harborID, date string, value json.RawMessage) error {
	dates, err := d.HarborDates(harborID)
	if err != nil || dates == nil {
		dates = DateMap{}
	}
	dates[date] = value
	return d.SetHarborDates(harborID, dates)
}

func (d Document) DeleteHarbor(harborID string) {
	delete(d, harborID)
}
