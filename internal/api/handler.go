// Package api exposes the daemon's HTTP surface: the derived snapshot, the
// raw cached datasets, the harbor directory and the reinitialize control.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marees-france/mareesd/internal/cache"
	"github.com/marees-france/mareesd/internal/models"
	"github.com/marees-france/mareesd/internal/prefetch"
)

const (
	defaultNearestLimit = 5
	maxRangeDays        = 366
)

type APIResponse struct {
	ResponseType string `json:"responseType"`
}

type ErrorResponse struct {
	APIResponse
	Error string `json:"error"`
}

type SnapshotResponse struct {
	APIResponse
	HarborID string          `json:"harborId"`
	Snapshot models.Snapshot `json:"snapshot"`
}

type TidesResponse struct {
	APIResponse
	HarborID string                        `json:"harborId"`
	Tides    map[string][]models.TideEvent `json:"tides"`
}

type CoefficientsResponse struct {
	APIResponse
	HarborID     string              `json:"harborId"`
	Coefficients map[string][]string `json:"coefficients"`
}

type WaterLevelsResponse struct {
	APIResponse
	HarborID    string                    `json:"harborId"`
	Date        string                    `json:"date"`
	WaterLevels []models.WaterLevelSample `json:"waterLevels"`
}

type HarborsResponse struct {
	APIResponse
	Harbors []models.Harbor `json:"harbors"`
}

type ReinitializeResponse struct {
	APIResponse
	Status string `json:"status"`
}

func NewErrorResponse(message string) *ErrorResponse {
	return &ErrorResponse{
		APIResponse: APIResponse{ResponseType: "error"},
		Error:       message,
	}
}

// Coordinator is the slice of the refresh coordinator the handlers need.
type Coordinator interface {
	Snapshot() (models.Snapshot, bool)
	LastError() error
	RequestRefresh()
}

// HarborFinder resolves the harbor directory.
type HarborFinder interface {
	ListHarbors(ctx context.Context) ([]models.Harbor, error)
	FindNearestHarbors(ctx context.Context, lat, lon float64, limit int) ([]models.Harbor, error)
}

// Clearer drops an in-memory cache layer.
type Clearer interface {
	Clear()
}

// Server wires the handlers to the coordinator, stores and finder.
type Server struct {
	coordinator Coordinator
	finder      HarborFinder
	fetcher     prefetch.Fetcher

	tides        cache.DocumentStore
	coefficients cache.DocumentStore
	waterLevels  cache.DocumentStore

	clearers []Clearer

	harborID string
	loc      *time.Location
	now      func() time.Time
}

type ServerOptions struct {
	Clearers []Clearer
	Now      func() time.Time
}

func NewServer(coordinator Coordinator, finder HarborFinder, fetcher prefetch.Fetcher, tides, coefficients, waterLevels cache.DocumentStore, harborID string, loc *time.Location, opts *ServerOptions) *Server {
	s := &Server{
		coordinator:  coordinator,
		finder:       finder,
		fetcher:      fetcher,
		tides:        tides,
		coefficients: coefficients,
		waterLevels:  waterLevels,
		harborID:     harborID,
		loc:          loc,
		now:          time.Now,
	}
	if opts != nil {
		s.clearers = opts.Clearers
		if opts.Now != nil {
			s.now = opts.Now
		}
	}
	return s
}

// Routes returns the daemon's HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/tides", s.handleTides)
	mux.HandleFunc("GET /api/coefficients", s.handleCoefficients)
	mux.HandleFunc("GET /api/waterlevels", s.handleWaterLevels)
	mux.HandleFunc("GET /api/harbors", s.handleHarbors)
	mux.HandleFunc("POST /api/reinitialize", s.handleReinitialize)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Error encoding response body")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, NewErrorResponse(message))
}

// harborOf returns the requested harbor id, defaulting to the daemon's
// configured harbor.
func (s *Server) harborOf(query url.Values) string {
	if harbor := query.Get("harbor"); harbor != "" {
		return harbor
	}
	return s.harborID
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if harbor := s.harborOf(r.URL.Query()); harbor != s.harborID {
		writeError(w, http.StatusNotFound, "no snapshot for harbor "+harbor)
		return
	}

	snapshot, ok := s.coordinator.Snapshot()
	if !ok {
		message := "snapshot not available yet"
		if err := s.coordinator.LastError(); err != nil {
			message = err.Error()
		}
		writeError(w, http.StatusServiceUnavailable, message)
		return
	}
	writeJSON(w, http.StatusOK, &SnapshotResponse{
		APIResponse: APIResponse{ResponseType: "snapshot"},
		HarborID:    s.harborID,
		Snapshot:    snapshot,
	})
}

// dateRange is the parsed date/days pair. bounded is false when neither
// parameter was given, meaning the caller wants everything cached.
type dateRange struct {
	start   time.Time
	days    int
	bounded bool
}

// parseRange reads date and days query parameters. date defaults to today in
// the harbor's timezone, days to 1; with neither present the range is
// unbounded.
func (s *Server) parseRange(query url.Values) (dateRange, error) {
	hasDate := query.Get("date") != ""
	hasDays := query.Get("days") != ""
	if !hasDate && !hasDays {
		return dateRange{}, nil
	}

	date := s.today()
	if hasDate {
		dateStr := query.Get("date")
		parsed, err := time.ParseInLocation(models.DateFormat, dateStr, s.loc)
		if err != nil {
			return dateRange{}, InvalidDateError{dateStr}
		}
		date = parsed
	}

	days := 1
	if hasDays {
		daysStr := query.Get("days")
		parsed, err := strconv.Atoi(daysStr)
		if err != nil || parsed < 1 || parsed > maxRangeDays {
			return dateRange{}, InvalidDaysError{daysStr}
		}
		days = parsed
	}
	return dateRange{start: date, days: days, bounded: true}, nil
}

// selectDates returns the cached dates the range covers.
func (r dateRange) selectDates(dates models.DateMap) []string {
	if !r.bounded {
		out := make([]string, 0, len(dates))
		for date := range dates {
			out = append(out, date)
		}
		return out
	}
	out := make([]string, 0, r.days)
	for i := 0; i < r.days; i++ {
		day := r.start.AddDate(0, 0, i).Format(models.DateFormat)
		if _, ok := dates[day]; ok {
			out = append(out, day)
		}
	}
	return out
}

func (s *Server) today() time.Time {
	now := s.now().In(s.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
}

func (s *Server) handleTides(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	harborID := s.harborOf(query)
	rng, err := s.parseRange(query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dates, err := s.loadDates(r.Context(), s.tides, harborID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading tide cache failed")
		return
	}

	out := make(map[string][]models.TideEvent)
	for _, day := range rng.selectDates(dates) {
		if events, ok := models.DecodeTideEvents(dates[day]); ok {
			out[day] = events
		}
	}

	writeJSON(w, http.StatusOK, &TidesResponse{
		APIResponse: APIResponse{ResponseType: "tides"},
		HarborID:    harborID,
		Tides:       out,
	})
}

func (s *Server) handleCoefficients(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	harborID := s.harborOf(query)
	rng, err := s.parseRange(query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dates, err := s.loadDates(r.Context(), s.coefficients, harborID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading coefficient cache failed")
		return
	}

	out := make(map[string][]string)
	for _, day := range rng.selectDates(dates) {
		if coeffs, ok := models.DecodeCoefficients(dates[day]); ok {
			out[day] = coeffs
		}
	}

	writeJSON(w, http.StatusOK, &CoefficientsResponse{
		APIResponse:  APIResponse{ResponseType: "coefficients"},
		HarborID:     harborID,
		Coefficients: out,
	})
}

// handleWaterLevels serves one day of samples, fetching synchronously from
// SHOM on a cache miss for today or a future date. Days already behind
// today are pruned from the cache before serving.
func (s *Server) handleWaterLevels(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	harborID := s.harborOf(query)

	date := s.today()
	if dateStr := query.Get("date"); dateStr != "" {
		parsed, err := time.ParseInLocation(models.DateFormat, dateStr, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, InvalidDateError{dateStr}.Error())
			return
		}
		date = parsed
	}
	dateStr := date.Format(models.DateFormat)

	doc, err := s.waterLevels.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading water level cache failed")
		return
	}
	dates, err := doc.HarborDates(harborID)
	if err != nil {
		dates = models.DateMap{}
	}
	if err := prefetch.Prune(r.Context(), s.waterLevels, doc, harborID, dates, s.today().Format(models.DateFormat)); err != nil {
		log.Warn().Err(err).Str("harbor_id", harborID).Msg("Pruning water level cache failed")
	}

	raw, ok := dates[dateStr]
	if !ok {
		raw, err = s.fetcher.FetchAndStoreWaterLevels(r.Context(), s.waterLevels, doc, harborID, dateStr)
		if err != nil {
			log.Warn().Err(err).Str("date", dateStr).Msg("Water level fetch for API request failed")
			writeError(w, http.StatusBadGateway, "fetching water levels failed")
			return
		}
	}

	samples, ok := models.DecodeWaterLevels(raw)
	if !ok {
		writeError(w, http.StatusInternalServerError, "cached water levels are malformed")
		return
	}

	writeJSON(w, http.StatusOK, &WaterLevelsResponse{
		APIResponse: APIResponse{ResponseType: "water_levels"},
		HarborID:    harborID,
		Date:        dateStr,
		WaterLevels: samples,
	})
}

func (s *Server) handleHarbors(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	lat, lon, err := ParseCoordinates(query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var harbors []models.Harbor
	if query.Has("lat") && query.Has("lon") {
		limit := defaultNearestLimit
		if limitStr := query.Get("limit"); limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		harbors, err = s.finder.FindNearestHarbors(r.Context(), lat, lon, limit)
	} else {
		harbors, err = s.finder.ListHarbors(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "resolving harbor directory failed")
		return
	}

	writeJSON(w, http.StatusOK, &HarborsResponse{
		APIResponse: APIResponse{ResponseType: "harbors"},
		Harbors:     harbors,
	})
}

// handleReinitialize drops the harbor's entries from all three dataset
// caches, refetches each dataset's default range and asks the coordinator
// for an immediate refresh.
func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	harborID := s.harborOf(r.URL.Query())
	today := s.today()

	for _, clearer := range s.clearers {
		clearer.Clear()
	}

	if err := s.clearHarbor(ctx, s.tides, harborID); err != nil {
		writeError(w, http.StatusInternalServerError, "clearing tide cache failed")
		return
	}
	if err := s.clearHarbor(ctx, s.coefficients, harborID); err != nil {
		writeError(w, http.StatusInternalServerError, "clearing coefficient cache failed")
		return
	}
	if err := s.clearHarbor(ctx, s.waterLevels, harborID); err != nil {
		writeError(w, http.StatusInternalServerError, "clearing water level cache failed")
		return
	}

	yesterday := today.AddDate(0, 0, -1)
	if doc, err := s.tides.Load(ctx); err == nil {
		if err := s.fetcher.FetchAndStoreTides(ctx, s.tides, doc, harborID, yesterday.Format(models.DateFormat), 8); err != nil {
			log.Warn().Err(err).Msg("Reinitialize tide fetch failed")
		}
	}
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, s.loc)
	if doc, err := s.coefficients.Load(ctx); err == nil {
		if err := s.fetcher.FetchAndStoreCoefficients(ctx, s.coefficients, doc, harborID, monthStart, 365); err != nil {
			log.Warn().Err(err).Msg("Reinitialize coefficient fetch failed")
		}
	}
	if doc, err := s.waterLevels.Load(ctx); err == nil {
		if _, err := s.fetcher.FetchAndStoreWaterLevels(ctx, s.waterLevels, doc, harborID, today.Format(models.DateFormat)); err != nil {
			log.Warn().Err(err).Msg("Reinitialize water level fetch failed")
		}
	}

	s.coordinator.RequestRefresh()

	log.Info().Str("harbor_id", harborID).Msg("Caches reinitialized")
	writeJSON(w, http.StatusAccepted, &ReinitializeResponse{
		APIResponse: APIResponse{ResponseType: "reinitialize"},
		Status:      "accepted",
	})
}

func (s *Server) clearHarbor(ctx context.Context, store cache.DocumentStore, harborID string) error {
	doc, err := store.Load(ctx)
	if err != nil {
		return err
	}
	doc.DeleteHarbor(harborID)
	return store.Save(ctx, doc)
}

func (s *Server) loadDates(ctx context.Context, store cache.DocumentStore, harborID string) (models.DateMap, error) {
	doc, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	dates, err := doc.HarborDates(harborID)
	if err != nil || dates == nil {
		return models.DateMap{}, nil
	}
	return dates, nil
}

// ParseCoordinates reads optional lat/lon query parameters. Both absent is
// fine; one absent, unparsable values or out-of-range coordinates are not.
func ParseCoordinates(query url.Values) (float64, float64, error) {
	hasLat := query.Has("lat")
	hasLon := query.Has("lon")

	if !hasLat && !hasLon {
		return 0, 0, nil
	}
	if hasLat != hasLon {
		return 0, 0, InvalidCoordinatesError{}
	}

	lat, err := strconv.ParseFloat(query.Get("lat"), 64)
	if err != nil {
		return 0, 0, InvalidCoordinatesError{}
	}
	lon, err := strconv.ParseFloat(query.Get("lon"), 64)
	if err != nil {
		return 0, 0, InvalidCoordinatesError{}
	}

	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, InvalidCoordinatesError{}
	}

	return lat, lon, nil
}

type InvalidCoordinatesError struct{}

func (e InvalidCoordinatesError) Error() string {
	return "Invalid coordinates"
}

type InvalidDateError struct {
	Value string
}

func (e InvalidDateError) Error() string {
	return "Invalid date: " + e.Value
}

type InvalidDaysError struct {
	Value string
}

func (e InvalidDaysError) Error() string {
	return "Invalid days: " + e.Value
}
