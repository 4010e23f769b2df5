package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/TravisMcGray/territory-app/internal/auth"
	"github.com/TravisMcGray/territory-app/internal/domain"
	"github.com/TravisMcGray/territory-app/internal/geo"
	"github.com/TravisMcGray/territory-app/internal/persistence/memory"
)

var testAuth = auth.Config{Secret: "test-secret", Issuer: "territory.test"}

// latitudeCells assigns cells by the first point's latitude.
type latitudeCells map[float64][]string

func (l latitudeCells) Process(points []geo.Point) (geo.Path, error) {
	for i, p := range points {
		if !p.Valid() {
			return geo.Path{}, &geo.InvalidCoordinateError{Index: i}
		}
	}
	return geo.Path{DistanceMiles: 2, Cells: l[points[0].Latitude]}, nil
}

type testServer struct {
	handler http.Handler
	store   *memory.Store
}

func newTestServer(t *testing.T, threshold int64) testServer {
	t.Helper()
	store := memory.New()
	cfg := domain.DefaultConfig()
	cfg.MilestoneThreshold = threshold
	service := domain.NewService(store, latitudeCells{
		1: {"c1", "c2"},
		2: {"c1"},
	}, cfg, domain.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	r := mux.NewRouter()
	NewHandler(service).RegisterRoutes(r)
	return testServer{handler: auth.NewMiddleware(testAuth).Wrap(r), store: store}
}

func token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	tok, err := auth.Sign(testAuth, subject, scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s testServer) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func walk(lat float64) map[string]any {
	return map[string]any{
		"activityType":  "walk",
		"coordinates":   []map[string]float64{{"latitude": lat, "longitude": -122.4}, {"latitude": lat + 0.01, "longitude": -122.4}},
		"duration":      1800,
		"elevationGain": 10,
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRecordActivityReturnsCaptureSummary(t *testing.T) {
	srv := newTestServer(t, 2)
	alice := token(t, "alice", auth.ScopeActivitiesWrite)

	rec := srv.do(t, http.MethodPost, "/v1/activities", alice, walk(1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[RecordActivityResponse](t, rec)
	require.Equal(t, 2, resp.CellsCaptured)
	require.Equal(t, 2, resp.NewTerritory)
	require.Zero(t, resp.StolenTerritory)
	require.NotEmpty(t, resp.Milestone)
	require.Equal(t, "walk", resp.Activity.Type)
	require.Equal(t, "alice", resp.Activity.UserID)
	require.Equal(t, 30, resp.Activity.DurationMinutes)
	require.Equal(t, 15.0, resp.Activity.Pace)
	require.Equal(t, 4.0, resp.Activity.Speed)
	require.Equal(t, 33.0, resp.Activity.ElevationGainFeet)
	require.Equal(t, StatsView{TotalWalks: 1, TotalDistance: 2, TotalCellsCaptured: 2, CanChangeUsername: true}, resp.UserStats)

	bob := token(t, "bob", auth.ScopeActivitiesWrite)
	body := walk(2)
	body["activityType"] = "run"
	rec = srv.do(t, http.MethodPost, "/v1/activities", bob, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp = decode[RecordActivityResponse](t, rec)
	require.Equal(t, 1, resp.StolenTerritory)
	require.Empty(t, resp.Milestone)
}

func TestRecordActivityValidation(t *testing.T) {
	srv := newTestServer(t, 100)
	alice := token(t, "alice", auth.ScopeActivitiesWrite)

	cases := []struct {
		name   string
		mutate func(map[string]any)
		code   string
	}{
		{"bad type", func(b map[string]any) { b["activityType"] = "swim" }, domain.CodeInvalidActivityType},
		{"no coordinates", func(b map[string]any) { b["coordinates"] = []any{} }, domain.CodeInvalidCoordinates},
		{"zero duration", func(b map[string]any) { b["duration"] = 0 }, domain.CodeInvalidDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := walk(1)
			tc.mutate(body)
			rec := srv.do(t, http.MethodPost, "/v1/activities", alice, body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, tc.code, decode[map[string]any](t, rec)["type"])
		})
	}

	body := walk(1)
	body["coordinates"] = []map[string]float64{{"latitude": 1, "longitude": 1}, {"latitude": 91, "longitude": 1}}
	rec := srv.do(t, http.MethodPost, "/v1/activities", alice, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decode[map[string]any](t, rec)
	require.Equal(t, domain.CodeInvalidCoordinate, payload["type"])
	require.Equal(t, float64(1), payload["index"])

	require.Nil(t, srv.store.Cell("c1"))
	require.Empty(t, srv.store.Outbox())
}

func TestRecordActivityDurationBounds(t *testing.T) {
	srv := newTestServer(t, 100)
	alice := token(t, "alice", auth.ScopeActivitiesWrite)

	body := walk(1)
	body["duration"] = 1e10
	rec := srv.do(t, http.MethodPost, "/v1/activities", alice, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decode[map[string]any](t, rec)
	require.Equal(t, domain.CodeInvalidDuration, payload["type"])
	require.Equal(t, "duration must be at most 9223372036 seconds", payload["detail"])
	require.NotContains(t, payload, "index")
	require.Nil(t, srv.store.Cell("c1"))

	body = walk(1)
	body["duration"] = 1e-12
	rec = srv.do(t, http.MethodPost, "/v1/activities", alice, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[RecordActivityResponse](t, rec)
	require.Equal(t, 1e-9, resp.Activity.DurationSeconds)
}

func TestDurationFromSeconds(t *testing.T) {
	cases := []struct {
		sec  float64
		want time.Duration
	}{
		{0, 0},
		{-5, 0},
		{-1e300, 0},
		{1e-12, time.Nanosecond},
		{1.5, 1500 * time.Millisecond},
		{3600, time.Hour},
	}
	for _, tc := range cases {
		got, err := durationFromSeconds(tc.sec)
		require.NoError(t, err, "%v", tc.sec)
		require.Equal(t, tc.want, got, "%v", tc.sec)
	}

	_, err := durationFromSeconds(maxDurationSeconds + 1)
	require.True(t, domain.IsValidation(err))
}

func TestRecordActivityRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, 100)
	req := httptest.NewRequest(http.MethodPost, "/v1/activities", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, "alice", auth.ScopeActivitiesWrite))
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScopesAndTokensAreEnforced(t *testing.T) {
	srv := newTestServer(t, 100)

	rec := srv.do(t, http.MethodPost, "/v1/activities", "", walk(1))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodPost, "/v1/activities", token(t, "alice", auth.ScopeActivitiesRead), walk(1))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodGet, "/v1/activities", token(t, "alice", auth.ScopeActivitiesRead), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListActivitiesPaginates(t *testing.T) {
	srv := newTestServer(t, 100)
	alice := token(t, "alice", auth.ScopeActivitiesWrite)
	for i := 0; i < 3; i++ {
		rec := srv.do(t, http.MethodPost, "/v1/activities", alice, walk(1))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := srv.do(t, http.MethodGet, "/v1/activities?page=2&limit=2", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListActivitiesResponse](t, rec)
	require.Equal(t, PaginationView{Page: 2, Limit: 2, Total: 3, Pages: 2}, resp.Pagination)
	require.Equal(t, 1, resp.Count)

	rec = srv.do(t, http.MethodGet, "/v1/activities?type=run&limit=500", alice, nil)
	resp = decode[ListActivitiesResponse](t, rec)
	require.Equal(t, 50, resp.Pagination.Limit)
	require.Zero(t, resp.Pagination.Total)
	require.NotNil(t, resp.Activities)
}

func TestDeleteActivityCompensates(t *testing.T) {
	srv := newTestServer(t, 100)
	alice := token(t, "alice", auth.ScopeActivitiesWrite)
	bob := token(t, "bob", auth.ScopeActivitiesWrite)

	created := decode[RecordActivityResponse](t, srv.do(t, http.MethodPost, "/v1/activities", alice, walk(1)))
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/activities", bob, walk(2)).Code)

	path := fmt.Sprintf("/v1/activities/%s", created.Activity.ID)
	rec := srv.do(t, http.MethodDelete, path, bob, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodDelete, path, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[DeleteActivityResponse](t, rec)
	require.Equal(t, []string{"c2"}, resp.ReleasedCells)
	require.Equal(t, 2.0, resp.DistanceReverted)
	require.Equal(t, "bob", srv.store.Cell("c1").OwnerID)

	rec = srv.do(t, http.MethodDelete, path, alice, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodGet, "/v1/users/me/stats", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, StatsView{TotalCellsCaptured: 1}, decode[StatsView](t, rec))
}

func TestUnknownRoutesReturnJSON(t *testing.T) {
	srv := newTestServer(t, 100)
	alice := token(t, "alice", auth.ScopeActivitiesWrite)

	rec := srv.do(t, http.MethodPut, "/v1/activities", alice, nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "method_not_allowed", decode[map[string]string](t, rec)["type"])

	for _, path := range []string{"/v1/territories", "/v2/activities"} {
		rec = srv.do(t, http.MethodGet, path, alice, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
		require.Equal(t, "not_found", decode[map[string]string](t, rec)["type"], path)
	}
}
