// Copyright (C) 2025 AI Code Reviewer contributors
// Tests for the REST and websocket surfaces.

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/admission"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/analysis"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/breaker"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/jobs"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/ratelimit"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, Deps) {
	t.Helper()
	limCfg := ratelimit.DefaultConfig()
	// Generous budgets so only the dedicated rate-limit tests hit them.
	limCfg.Limits[ratelimit.ClassConnection] = ratelimit.ClassLimit{MaxRequests: 100, Window: time.Minute}
	limCfg.Limits[ratelimit.ClassAPI] = ratelimit.ClassLimit{MaxRequests: 1000, Window: time.Minute}
	limCfg.Limits[ratelimit.ClassSessionMessage] = ratelimit.ClassLimit{MaxRequests: 1000, Window: time.Minute}
	return newTestRouterWithLimits(t, limCfg)
}

func newTestRouterWithLimits(t *testing.T, limCfg ratelimit.Config) (*gin.Engine, Deps) {
	t.Helper()

	limiter := ratelimit.NewSlidingWindowLimiter(limCfg)

	gate := admission.NewGate(admission.Config{}, nil, nil)
	breakers := breaker.NewRegistry(nil)

	reg := analysis.NewRegistry()
	reg.Register(analysis.NewStaticAnalyzer("python"), "python")
	orch := analysis.NewOrchestrator(analysis.OrchestratorConfig{}, reg, gate, analysis.NewSecurityAnalyzer(), nil, nil)

	st, err := store.New(store.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	hub := NewSessionHub()
	manager := jobs.NewManager(jobs.Config{}, limiter, gate, orch, st, hub, nil)

	deps := Deps{
		Store:    st,
		Limiter:  limiter,
		Gate:     gate,
		Breakers: breakers,
		Manager:  manager,
		Hub:      hub,
	}
	r := gin.New()
	RegisterRoutes(r, deps)
	return r, deps
}

func doGet(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", path, nil)
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doGet(r, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["healthy"])
}

func TestGetResult(t *testing.T) {
	r, deps := newTestRouter(t)
	require.NoError(t, deps.Store.Put(datatypes.StoredResult{
		AnalysisID: "res-1",
		SessionID:  "sess-1",
		Status:     datatypes.JobCompleted,
		CreatedAt:  time.Now(),
		Payload:    &datatypes.MergedResult{OverallScore: 8, QualityLabel: "excellent"},
	}))

	w := doGet(r, "/api/v1/results/res-1?sessionId=sess-1")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])

	result := body["result"].(map[string]any)
	assert.Equal(t, "res-1", result["analysisId"])
}

func TestGetResultWrongSessionIs404(t *testing.T) {
	r, deps := newTestRouter(t)
	require.NoError(t, deps.Store.Put(datatypes.StoredResult{
		AnalysisID:    "res-2",
		SessionID:     "sess-owner",
		ClientAddress: "203.0.113.9",
		Status:        datatypes.JobCompleted,
		CreatedAt:     time.Now(),
	}))

	// Wrong session and wrong address: authorization failure surfaces
	// as not-found, never as a distinguishable error.
	w := doGet(r, "/api/v1/results/res-2?sessionId=sess-intruder")
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "not found")
}

func TestGetResultExpiredIs410(t *testing.T) {
	r, deps := newTestRouter(t)
	require.NoError(t, deps.Store.Put(datatypes.StoredResult{
		AnalysisID: "res-3",
		SessionID:  "sess-1",
		Status:     datatypes.JobCompleted,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		TTLSeconds: 3600,
	}))

	w := doGet(r, "/api/v1/results/res-3?sessionId=sess-1")
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["success"])
}

func TestListResults(t *testing.T) {
	r, deps := newTestRouter(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, deps.Store.Put(datatypes.StoredResult{
			AnalysisID: id,
			SessionID:  "sess-1",
			Status:     datatypes.JobCompleted,
			CreatedAt:  time.Now(),
		}))
	}

	w := doGet(r, "/api/v1/results?sessionId=sess-1&limit=2")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["count"])
}

func TestStatsEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	for _, path := range []string{
		"/api/v1/stats/storage",
		"/api/v1/stats/ratelimit",
		"/api/v1/stats/admission",
		"/api/v1/stats/breakers",
	} {
		w := doGet(r, path)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, true, decodeBody(t, w)["success"], path)
	}
}

func TestBreakerStatsListKnownDependencies(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doGet(r, "/api/v1/stats/breakers")
	body := decodeBody(t, w)
	snapshots := body["breakers"].([]any)
	assert.Len(t, snapshots, len(breaker.KnownDependencies))
}

func TestAPIRateLimit(t *testing.T) {
	limCfg := ratelimit.DefaultConfig()
	limCfg.Limits[ratelimit.ClassAPI] = ratelimit.ClassLimit{MaxRequests: 2, Window: time.Minute}
	r, _ := newTestRouterWithLimits(t, limCfg)

	assert.Equal(t, http.StatusOK, doGet(r, "/api/v1/stats/storage").Code)
	assert.Equal(t, http.StatusOK, doGet(r, "/api/v1/stats/storage").Code)
	w := doGet(r, "/api/v1/stats/storage")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["success"])
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doGet(r, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "reviewer_")
}

// === Websocket session tests ===

func dialSession(t *testing.T, r *gin.Engine) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(r)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws, func() {
		ws.Close()
		srv.Close()
	}
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev map[string]any
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func TestSessionCreatedOnConnect(t *testing.T) {
	r, _ := newTestRouter(t)
	ws, cleanup := dialSession(t, r)
	defer cleanup()

	ev := readEvent(t, ws)
	assert.Equal(t, datatypes.EventSessionCreated, ev["type"])
	assert.NotEmpty(t, ev["sessionId"])
}

func TestHeartbeatAck(t *testing.T) {
	r, _ := newTestRouter(t)
	ws, cleanup := dialSession(t, r)
	defer cleanup()
	readEvent(t, ws) // session_created

	require.NoError(t, ws.WriteJSON(map[string]string{"type": datatypes.EventHeartbeat}))
	ev := readEvent(t, ws)
	assert.Equal(t, datatypes.EventHeartbeatAck, ev["type"])
}

func TestSubmitJobOverSession(t *testing.T) {
	r, _ := newTestRouter(t)
	ws, cleanup := dialSession(t, r)
	defer cleanup()
	readEvent(t, ws) // session_created

	require.NoError(t, ws.WriteJSON(datatypes.SessionRequest{
		Type: datatypes.EventSubmitJob,
		Job: datatypes.SubmitRequest{
			Code:         "def f():\n    return 1/0\n",
			Language:     "python",
			AnalysisType: "static",
		},
	}))

	// Acceptance notice, then progress frames, then the terminal event.
	var (
		sawAccepted  bool
		sawProgress  bool
		terminalType string
		result       map[string]any
	)
	for terminalType == "" {
		ev := readEvent(t, ws)
		switch ev["type"] {
		case datatypes.EventNotice:
			assert.Equal(t, "info", ev["level"])
			sawAccepted = true
		case datatypes.EventProgress:
			sawProgress = true
		case datatypes.EventCompleted, datatypes.EventFailed, datatypes.EventCancelled:
			terminalType = ev["type"].(string)
			if res, ok := ev["result"].(map[string]any); ok {
				result = res
			}
		}
	}

	assert.True(t, sawAccepted)
	assert.True(t, sawProgress)
	assert.Equal(t, datatypes.EventCompleted, terminalType)
	require.NotNil(t, result)
	assert.LessOrEqual(t, result["overallScore"].(float64), 4.0)
}

func TestSubmitInvalidJobGetsErrorNotice(t *testing.T) {
	r, _ := newTestRouter(t)
	ws, cleanup := dialSession(t, r)
	defer cleanup()
	readEvent(t, ws) // session_created

	require.NoError(t, ws.WriteJSON(datatypes.SessionRequest{
		Type: datatypes.EventSubmitJob,
		Job:  datatypes.SubmitRequest{Code: "", Language: "python"},
	}))

	ev := readEvent(t, ws)
	assert.Equal(t, datatypes.EventNotice, ev["type"])
	assert.Equal(t, "error", ev["level"])
}

func TestUnknownEventTypeGetsWarning(t *testing.T) {
	r, _ := newTestRouter(t)
	ws, cleanup := dialSession(t, r)
	defer cleanup()
	readEvent(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "bogus_event"}))
	ev := readEvent(t, ws)
	assert.Equal(t, datatypes.EventNotice, ev["type"])
	assert.Equal(t, "warning", ev["level"])
}

func TestConnectionRateLimitBeforeUpgrade(t *testing.T) {
	limCfg := ratelimit.DefaultConfig()
	limCfg.Limits[ratelimit.ClassConnection] = ratelimit.ClassLimit{MaxRequests: 1, Window: time.Minute}
	limCfg.FloodThreshold = 100
	r, _ := newTestRouterWithLimits(t, limCfg)

	srv := httptest.NewServer(r)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
