package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/breaker"
	"github.com/arbiter-mod/sieve/moderation/cachestore"
	"github.com/arbiter-mod/sieve/moderation/coalesce"
	"github.com/arbiter-mod/sieve/moderation/countstore"
	"github.com/arbiter-mod/sieve/moderation/engine"
	"github.com/arbiter-mod/sieve/moderation/evidence"
	"github.com/arbiter-mod/sieve/moderation/fingerprint"
	"github.com/arbiter-mod/sieve/moderation/vendor"
)

func testServer(t *testing.T) *Server {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	dir := engine.NewMockDirectory()
	dir.Insert(engine.AccountRecord{UserID: "alice", CreatedAt: time.Now().Add(-365 * 24 * time.Hour)})

	eng := &engine.Engine{
		Logger: logger,
		Vendors: vendor.Registry{
			{Adapter: vendor.NewMockAdapter("mock-text", []string{moderation.CategorySpam}, 0.2, true), Weight: 1.0},
		},
		Breakers:   breaker.NewRegistry(logger, breaker.DefaultConfig()),
		Optimizer:  coalesce.NewOptimizer(logger, coalesce.DefaultConfig()),
		Cache:      cachestore.NewMemDecisionCache(100, time.Hour),
		Counters:   countstore.NewMemCountStore(),
		Policies:   engine.NewPolicySnapshot(moderation.NewMemPolicyStore(defaultPolicies()...), time.Minute),
		Evidence:   evidence.NewService(logger, evidence.NewMemBlockStore(), evidence.NewMemAuditStore()),
		Directory:  dir,
		Media:      engine.NewMediaFetcher(1 << 20),
		NearImages: fingerprint.NewNearIndex(64, 10),
		Config:     engine.DefaultConfig(),
	}
	return &Server{logger: logger, engine: eng}
}

func doRequest(t *testing.T, handler echo.HandlerFunc, method, target string, body any, params ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	err := handler(c)
	if err != nil {
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		rec.Code = he.Code
	}
	return rec
}

func TestHealthzHandler(t *testing.T) {
	assert := assert.New(t)
	s := testServer(t)

	rec := doRequest(t, s.handleHealthz, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal("ok", resp.Status)
	assert.True(resp.Vendors["mock-text"])
}

func TestModerateHandler(t *testing.T) {
	assert := assert.New(t)
	s := testServer(t)

	input := moderation.ContentInput{
		ID:             "c1",
		Type:           moderation.ContentPost,
		Text:           "hello world",
		UserID:         "alice",
		UserReputation: 60,
	}
	rec := doRequest(t, s.handleModerate, http.MethodPost, "/api/moderate", input)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp moderateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal("c1", resp.Decision.ContentID)
	assert.Equal(moderation.ActionAllow, resp.Decision.Action)
	assert.Equal(1, resp.Result.SuccessCount())
}

func TestModerateBatchHandlerRejectsEmpty(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s.handleModerateBatch, http.MethodPost, "/api/moderate/batch", moderateBatchRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakerControlHandler(t *testing.T) {
	assert := assert.New(t)
	s := testServer(t)

	rec := doRequest(t, s.handleBreakerControl, http.MethodPost, "/api/breakers/mock-text/force-open", nil,
		"vendor", "mock-text", "action", "force-open")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal("open", s.engine.Breakers.Get("mock-text").State().String())

	rec = doRequest(t, s.handleBreakerControl, http.MethodPost, "/api/breakers/mock-text/bogus", nil,
		"vendor", "mock-text", "action", "bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditQueryHandlerRequiresFilter(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s.handleAuditQuery, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvidenceFetchHandlerRejectsBadRef(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s.handleEvidenceFetch, http.MethodGet, "/api/evidence/not-a-cid", nil,
		"ref", "not-a-cid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
