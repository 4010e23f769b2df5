// Package api exposes HTTP handlers for the territory service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/TravisMcGray/territory-app/internal/auth"
	"github.com/TravisMcGray/territory-app/internal/domain"
	"github.com/TravisMcGray/territory-app/internal/geo"
	"github.com/TravisMcGray/territory-app/internal/persistence"
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/activities", h.recordActivity).Methods(http.MethodPost)
	v1.HandleFunc("/activities", h.listActivities).Methods(http.MethodGet)
	v1.HandleFunc("/activities/{id}", h.deleteActivity).Methods(http.MethodDelete)
	v1.HandleFunc("/users/me/stats", h.userStats).Methods(http.MethodGet)

	// Subrouters match on their own, so both need the JSON fallbacks.
	for _, router := range []*mux.Router{r, v1} {
		router.NotFoundHandler = http.HandlerFunc(notFound)
		router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "no such endpoint")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) recordActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := authorize(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req RecordActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	in, err := req.toInput(claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	result, err := h.service.RecordActivity(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := RecordActivityResponse{
		Activity:        toActivityView(result.Activity),
		CellsCaptured:   result.CellsCaptured(),
		NewTerritory:    result.NewlyCaptured,
		StolenTerritory: result.Stolen,
		Revisited:       result.Revisited,
		UserStats:       h.toStatsView(result.Stats),
	}
	if result.MilestoneReached {
		resp.Milestone = "You can now change your username!"
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := authorize(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	q := r.URL.Query()
	list, err := h.service.ListActivities(r.Context(), domain.ListQuery{
		UserID: claims.Subject,
		Kind:   domain.Kind(q.Get("type")),
		Page:   persistence.ParsePage(q.Get("page"), q.Get("limit")),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := ListActivitiesResponse{
		Pagination: PaginationView{
			Page:  list.Page.Number,
			Limit: list.Page.Limit,
			Total: list.Total,
			Pages: list.Pages(),
		},
		Count:      len(list.Items),
		Activities: make([]ActivityView, 0, len(list.Items)),
	}
	for _, a := range list.Items {
		resp.Activities = append(resp.Activities, toActivityView(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := authorize(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	result, err := h.service.DeleteActivity(r.Context(), mux.Vars(r)["id"], claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	released := result.ReleasedCells
	if released == nil {
		released = []string{}
	}
	writeJSON(w, http.StatusOK, DeleteActivityResponse{
		ActivityID:       result.ActivityID,
		ReleasedCells:    released,
		DistanceReverted: result.DistanceReverted,
	})
}

func (h *Handler) userStats(w http.ResponseWriter, r *http.Request) {
	claims, ok := authorize(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	stats, err := h.service.UserStats(r.Context(), claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toStatsView(stats))
}

// authorize requires claims on the request carrying at least one of scopes.
func authorize(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

// RecordActivityRequest is the payload for POST /v1/activities.
type RecordActivityRequest struct {
	ActivityType  string      `json:"activityType"`
	Coordinates   []geo.Point `json:"coordinates"`
	Duration      float64     `json:"duration"` // seconds
	ElevationGain float64     `json:"elevationGain"`
}

// maxDurationSeconds is the longest duration a time.Duration can hold.
var maxDurationSeconds = math.Floor(float64(math.MaxInt64) / float64(time.Second))

func (r RecordActivityRequest) toInput(userID string) (domain.RecordActivityInput, error) {
	duration, err := durationFromSeconds(r.Duration)
	if err != nil {
		return domain.RecordActivityInput{}, err
	}
	return domain.RecordActivityInput{
		UserID:        userID,
		Kind:          domain.Kind(r.ActivityType),
		Coordinates:   r.Coordinates,
		Duration:      duration,
		ElevationGain: r.ElevationGain,
	}, nil
}

// durationFromSeconds converts a positive seconds figure, rounding sub-nanosecond values up
// to one nanosecond. Non-positive values map to zero and are rejected by the domain.
func durationFromSeconds(sec float64) (time.Duration, error) {
	switch {
	case math.IsNaN(sec) || sec <= 0:
		return 0, nil
	case sec > maxDurationSeconds:
		return 0, &domain.ValidationError{
			Code:    domain.CodeInvalidDuration,
			Message: fmt.Sprintf("duration must be at most %.0f seconds", maxDurationSeconds),
			Index:   -1,
		}
	}
	d := time.Duration(sec * float64(time.Second))
	if d < time.Nanosecond {
		d = time.Nanosecond
	}
	return d, nil
}

// ActivityView exposes an activity with its derived figures.
type ActivityView struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"userId"`
	Type                string    `json:"type"`
	Distance            float64   `json:"distance"` // miles
	DurationSeconds     float64   `json:"duration"`
	DurationMinutes     int       `json:"durationMinutes"`
	Pace                float64   `json:"pace"`  // min/mile
	Speed               float64   `json:"speed"` // mph
	ElevationGainMeters float64   `json:"elevationGain"`
	ElevationGainFeet   float64   `json:"elevationGainFeet"`
	CellsCaptured       int       `json:"cellsCaptured"`
	Cells               []string  `json:"cells"`
	CreatedAt           time.Time `json:"createdAt"`
}

// StatsView is the caller's aggregate counters.
type StatsView struct {
	TotalWalks         int64   `json:"totalWalks"`
	TotalRuns          int64   `json:"totalRuns"`
	TotalDistance      float64 `json:"totalDistance"`
	TotalCellsCaptured int64   `json:"totalCellsCaptured"`
	CanChangeUsername  bool    `json:"canChangeUsername"`
}

// RecordActivityResponse describes a committed capture.
type RecordActivityResponse struct {
	Activity        ActivityView `json:"activity"`
	CellsCaptured   int          `json:"cellsCaptured"`
	NewTerritory    int          `json:"newTerritory"`
	StolenTerritory int          `json:"stolenTerritory"`
	Revisited       int          `json:"revisited"`
	Milestone       string       `json:"milestone,omitempty"`
	UserStats       StatsView    `json:"userStats"`
}

// PaginationView describes the window returned by a list call.
type PaginationView struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Pagination PaginationView `json:"pagination"`
	Count      int            `json:"count"`
	Activities []ActivityView `json:"activities"`
}

// DeleteActivityResponse reports what a deletion reverted.
type DeleteActivityResponse struct {
	ActivityID       string   `json:"activityId"`
	ReleasedCells    []string `json:"releasedCells"`
	DistanceReverted float64  `json:"distanceReverted"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		body := map[string]any{"type": verr.Code, "detail": verr.Message}
		if verr.Code == domain.CodeInvalidCoordinate {
			body["index"] = verr.Index
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "please retry")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toActivityView(a domain.Activity) ActivityView {
	cells := a.Cells
	if cells == nil {
		cells = []string{}
	}
	return ActivityView{
		ID:                  a.ID,
		UserID:              a.UserID,
		Type:                string(a.Kind),
		Distance:            a.DistanceMiles,
		DurationSeconds:     a.Duration.Seconds(),
		DurationMinutes:     int(math.Round(a.Duration.Minutes())),
		Pace:                round2(a.PaceMinutesPerMile()),
		Speed:               round2(a.SpeedMPH()),
		ElevationGainMeters: a.ElevationGain,
		ElevationGainFeet:   a.ElevationGainFeet(),
		CellsCaptured:       len(a.Cells),
		Cells:               cells,
		CreatedAt:           a.CreatedAt,
	}
}

func (h *Handler) toStatsView(s domain.UserStats) StatsView {
	return StatsView{
		TotalWalks:         s.TotalWalks,
		TotalRuns:          s.TotalRuns,
		TotalDistance:      round2(s.TotalDistance),
		TotalCellsCaptured: s.TotalCellsCaptured,
		CanChangeUsername:  h.service.CanChangeUsername(s),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
