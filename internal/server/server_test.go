package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs/insight-api/internal/apperror"
	"github.com/meridianlabs/insight-api/internal/config"
	"github.com/meridianlabs/insight-api/internal/pipeline"
	"github.com/meridianlabs/insight-api/internal/report"
	"github.com/meridianlabs/insight-api/pkg/events"
	"github.com/meridianlabs/insight-api/pkg/models"
)

// fakeAuth accepts one token and answers permission checks from a flat map.
type fakeAuth struct {
	token   string
	user    *models.User
	perms   map[string]bool // "feature:action" -> allowed
	permAll bool
}

func (f *fakeAuth) ValidateSession(_ context.Context, token string) (*models.User, error) {
	if token != f.token {
		return nil, apperror.NewAuth("invalid session")
	}
	return f.user, nil
}

func (f *fakeAuth) HasPermission(_ context.Context, _ uuid.UUID, featureKey, action string) (bool, error) {
	if f.permAll {
		return true, nil
	}
	return f.perms[featureKey+":"+action], nil
}

// fakeExecutor matches queries by SQL substring.
type fakeExecutor struct {
	responses map[string][]map[string]interface{}
	err       error
	queries   []string
}

func (f *fakeExecutor) ExecuteQuery(_ context.Context, sql string, _ []interface{}) ([]map[string]interface{}, error) {
	f.queries = append(f.queries, sql)
	if f.err != nil {
		return nil, f.err
	}
	for marker, rows := range f.responses {
		if strings.Contains(sql, marker) {
			return rows, nil
		}
	}
	return nil, nil
}

// fakeHealth reports a fixed health state.
type fakeHealth struct{ err error }

func (f *fakeHealth) Health(context.Context) error { return f.err }

type testDeps struct {
	auth      *fakeAuth
	crm       *fakeExecutor
	analytics *fakeExecutor
	pipeline  *fakeQueryer
	checks    map[string]HealthChecker
}

func defaultDeps() *testDeps {
	return &testDeps{
		auth: &fakeAuth{
			token:   "tok-valid",
			user:    &models.User{ID: uuid.New(), RoleID: uuid.New(), Email: "ana@example.com"},
			permAll: true,
		},
		crm:       &fakeExecutor{responses: map[string][]map[string]interface{}{}},
		analytics: &fakeExecutor{responses: map[string][]map[string]interface{}{}},
		pipeline:  &fakeQueryer{},
		checks: map[string]HealthChecker{
			"crm":       &fakeHealth{},
			"analytics": &fakeHealth{},
			"redis":     &fakeHealth{},
		},
	}
}

func newTestServer(deps *testDeps) *Server {
	logger := zap.NewNop()
	return NewServer(
		config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		deps.crm,
		deps.analytics,
		report.NewEngine(logger),
		deps.auth,
		pipeline.NewService(deps.pipeline, events.NewBus(logger), logger),
		events.NewBus(logger),
		logger,
		deps.checks,
	)
}

// fakeQueryer backs the pipeline service in handler tests.
type fakeQueryer struct {
	rows []map[string]interface{}
	err  error
}

func (f *fakeQueryer) ExecuteQuery(_ context.Context, _ string, _ []interface{}) ([]map[string]interface{}, error) {
	return f.rows, f.err
}

func doRequest(srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func validReportBody() map[string]interface{} {
	return map[string]interface{}{
		"dateRange":     map[string]string{"start": "2026-01-01", "end": "2026-01-31"},
		"dimensions":    []string{"country", "source"},
		"depth":         0,
		"sortBy":        "orders",
		"sortDirection": "DESC",
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(defaultDeps())

	rec := doRequest(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyEndpointFailsWhenDependencyDown(t *testing.T) {
	deps := defaultDeps()
	deps.checks["crm"] = &fakeHealth{err: assert.AnError}
	srv := newTestServer(deps)

	rec := doRequest(srv, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReportRequiresSession(t *testing.T) {
	srv := newTestServer(defaultDeps())

	rec := doRequest(srv, http.MethodPost, "/api/reports/dashboard", "", validReportBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)
}

func TestReportRejectsInvalidToken(t *testing.T) {
	srv := newTestServer(defaultDeps())

	rec := doRequest(srv, http.MethodPost, "/api/reports/dashboard", "tok-wrong", validReportBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReportRequiresViewPermission(t *testing.T) {
	deps := defaultDeps()
	deps.auth.permAll = false
	deps.auth.perms = map[string]bool{}
	srv := newTestServer(deps)

	rec := doRequest(srv, http.MethodPost, "/api/reports/dashboard", "tok-valid", validReportBody())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDashboardReportReturnsRows(t *testing.T) {
	deps := defaultDeps()
	deps.crm.responses = map[string][]map[string]interface{}{
		"FROM orders o": {
			{"dimension_value": "denmark", "customers": int64(10), "orders": int64(20), "subscriptions": int64(5), "approved": int64(10), "revenue": 999.5},
		},
		"FROM one_time_sales": {
			{"dimension_value": "Denmark", "otsCount": int64(3)},
		},
		"FROM subscriptions": {
			{"dimension_value": "DENMARK", "trialCount": int64(4)},
		},
	}
	srv := newTestServer(deps)

	rec := doRequest(srv, http.MethodPost, "/api/reports/dashboard", "tok-valid", validReportBody())
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	require.Len(t, rows, 1)

	assert.Equal(t, "Denmark", rows[0]["key"])
	assert.Equal(t, "Denmark", rows[0]["attribute"])
	assert.Equal(t, true, rows[0]["hasChildren"])
	assert.Nil(t, rows[0]["children"])

	metrics := rows[0]["metrics"].(map[string]interface{})
	assert.Equal(t, 3.0, metrics["otsCount"])
	assert.Equal(t, 4.0, metrics["trialCount"])
	assert.Equal(t, 0.5, metrics["approvalRate"])
}

func TestReportValidationFailureReturns400(t *testing.T) {
	srv := newTestServer(defaultDeps())

	body := validReportBody()
	body["dimensions"] = []string{"country", "shoe-size"}

	rec := doRequest(srv, http.MethodPost, "/api/reports/dashboard", "tok-valid", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "shoe-size")
}

func TestUnknownReportReturns400(t *testing.T) {
	srv := newTestServer(defaultDeps())

	rec := doRequest(srv, http.MethodPost, "/api/reports/quarterly", "tok-valid", validReportBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportInvalidDateReturns400(t *testing.T) {
	srv := newTestServer(defaultDeps())

	body := validReportBody()
	body["dateRange"] = map[string]string{"start": "last tuesday", "end": "2026-01-31"}

	rec := doRequest(srv, http.MethodPost, "/api/reports/dashboard", "tok-valid", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportDatabaseErrorMapsAppErrorStatus(t *testing.T) {
	deps := defaultDeps()
	deps.crm.err = &apperror.AppError{
		Kind:       apperror.KindTimeout,
		Message:    "query timed out",
		HTTPStatus: http.StatusGatewayTimeout,
	}
	srv := newTestServer(deps)

	rec := doRequest(srv, http.MethodPost, "/api/reports/dashboard", "tok-valid", validReportBody())
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, "query timed out", env.Error)
}

func TestOnPageReportBuildsSessionTree(t *testing.T) {
	deps := defaultDeps()
	deps.analytics.responses = map[string][]map[string]interface{}{
		"FROM page_sessions": {
			{"country": "DK", "page_path": "/pricing", "sessions": int64(100), "pageviews": int64(180), "bounces": int64(40), "scrolls": int64(60), "form_starts": int64(20), "form_submits": int64(10)},
			{"country": "DK", "page_path": "/home", "sessions": int64(300), "pageviews": int64(420), "bounces": int64(30), "scrolls": int64(120), "form_starts": int64(50), "form_submits": int64(25)},
		},
	}
	srv := newTestServer(deps)

	body := validReportBody()
	body["dimensions"] = []string{"country", "page"}
	body["sortBy"] = "sessions"

	rec := doRequest(srv, http.MethodPost, "/api/reports/on-page", "tok-valid", body)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	require.Len(t, rows, 1)

	metrics := rows[0]["metrics"].(map[string]interface{})
	assert.Equal(t, 400.0, metrics["sessions"])
	// Parent rate from parent sums (70/400), not the mean of child rates.
	assert.InDelta(t, 0.175, metrics["bounceRate"], 1e-9)

	children := rows[0]["children"].([]interface{})
	assert.Len(t, children, 2)
}

func TestRestoreReportReturnsRestoredKeys(t *testing.T) {
	deps := defaultDeps()
	deps.crm.responses = map[string][]map[string]interface{}{
		"FROM orders o": {
			{"dimension_value": "Denmark", "customers": int64(10), "orders": int64(20), "subscriptions": int64(5), "approved": int64(10), "revenue": 100.0},
		},
	}
	srv := newTestServer(deps)

	body := validReportBody()
	body["report"] = "dashboard"
	body["expandedKeys"] = []string{"Denmark"}

	rec := doRequest(srv, http.MethodPost, "/api/reports/restore", "tok-valid", body)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)

	var resp struct {
		Rows         []map[string]interface{} `json:"rows"`
		RestoredKeys []string                 `json:"restoredKeys"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, []string{"Denmark"}, resp.RestoredKeys)
	require.Len(t, resp.Rows, 1)
	// The expanded branch was fetched and attached (empty level is []).
	assert.NotNil(t, resp.Rows[0]["children"])
}

func TestInvalidBodyReturns400(t *testing.T) {
	srv := newTestServer(defaultDeps())

	req := httptest.NewRequest(http.MethodPost, "/api/reports/dashboard", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer tok-valid")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionCookieAccepted(t *testing.T) {
	srv := newTestServer(defaultDeps())

	req := httptest.NewRequest(http.MethodGet, "/api/pipeline/cards", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: "tok-valid"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipelineCreateRequiresCreatePermission(t *testing.T) {
	deps := defaultDeps()
	deps.auth.permAll = false
	deps.auth.perms = map[string]bool{"pipeline:can_view": true}
	srv := newTestServer(deps)

	rec := doRequest(srv, http.MethodPost, "/api/pipeline/cards", "tok-valid", map[string]interface{}{
		"title": "Spring launch post",
		"stage": "idea",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// View is still allowed for the same role.
	rec = doRequest(srv, http.MethodGet, "/api/pipeline/cards", "tok-valid", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipelineCreateReturns201(t *testing.T) {
	cardID := uuid.New()
	deps := defaultDeps()
	deps.pipeline.rows = []map[string]interface{}{
		{
			"id":          cardID.String(),
			"title":       "Spring launch post",
			"stage":       "idea",
			"assignee_id": nil,
			"campaign":    "",
			"folder_id":   nil,
			"position":    int64(0),
		},
	}
	srv := newTestServer(deps)

	rec := doRequest(srv, http.MethodPost, "/api/pipeline/cards", "tok-valid", map[string]interface{}{
		"title": "Spring launch post",
		"stage": "idea",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)

	var card map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &card))
	assert.Equal(t, cardID.String(), card["id"])
}

func TestPipelineInvalidCardIDReturns400(t *testing.T) {
	srv := newTestServer(defaultDeps())

	rec := doRequest(srv, http.MethodDelete, "/api/pipeline/cards/not-a-uuid", "tok-valid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
