package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentvm/agentvm/internal/vm"
	"github.com/agentvm/agentvm/pkg/config"
	"github.com/agentvm/agentvm/pkg/logger"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.New()
	cfg.Server.RateLimitRPS = 1000
	srv, err := New(cfg, logger.NewDefault("test"))
	require.NoError(t, err)
	return srv
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_RunProgram(t *testing.T) {
	srv := testServer(t)

	program := map[string]any{
		"op": "seq",
		"steps": []any{
			map[string]any{"op": "varSet", "key": "sum", "value": map[string]any{
				"$expr": "binary", "op": "+",
				"left":  map[string]any{"$expr": "ident", "name": "a"},
				"right": map[string]any{"$expr": "ident", "name": "b"},
			}},
			map[string]any{"op": "return", "value": "sum"},
		},
	}

	rec := postJSON(t, srv.Handler(), "/v1/run", map[string]any{
		"program": program,
		"args":    map[string]any{"a": 2, "b": 3},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result vm.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Nil(t, result.Error)
	assert.Equal(t, float64(5), result.Result)
	assert.Greater(t, result.FuelUsed, 0.0)
}

func TestServer_RunRejectsMalformedProgram(t *testing.T) {
	srv := testServer(t)

	rec := postJSON(t, srv.Handler(), "/v1/run", map[string]any{
		"program": map[string]any{"op": "varSet"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv.Handler(), "/v1/run", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ProcedureLifecycle(t *testing.T) {
	srv := testServer(t)
	h := srv.Handler()

	program := map[string]any{
		"op": "seq",
		"steps": []any{
			map[string]any{"op": "return", "value": map[string]any{"$expr": "literal", "value": "stored"}},
		},
	}

	rec := postJSON(t, h, "/v1/procedures", map[string]any{"program": program})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, vm.IsToken(created.Token))

	// Run by token.
	rec = postJSON(t, h, "/v1/run", map[string]any{"program": created.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	var result vm.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "stored", result.Result)

	// Stats see it.
	req := httptest.NewRequest(http.MethodGet, "/v1/procedures/stats", nil)
	statsRec := httptest.NewRecorder()
	h.ServeHTTP(statsRec, req)
	require.Equal(t, http.StatusOK, statsRec.Code)
	var stats struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(statsRec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Count)

	// Release it; a second delete is a 404.
	delReq := httptest.NewRequest(http.MethodDelete, "/v1/procedures/"+created.Token, nil)
	delRec := httptest.NewRecorder()
	h.ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusOK, delRec.Code)

	delRec = httptest.NewRecorder()
	h.ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusNotFound, delRec.Code)

	// Running a released token is a 404.
	rec = postJSON(t, h, "/v1/run", map[string]any{"program": created.Token})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DepthHeaderPropagation(t *testing.T) {
	srv := testServer(t)

	program := map[string]any{
		"op": "seq",
		"steps": []any{
			map[string]any{"op": "httpFetch", "url": map[string]any{"$expr": "literal", "value": "http://127.0.0.1:1/x"}},
		},
	}
	data, _ := json.Marshal(map[string]any{"program": program})
	req := httptest.NewRequest(http.MethodPost, "/v1/run", bytes.NewReader(data))
	req.Header.Set("X-Agent-Depth", "10")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result vm.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Error)
	assert.Regexp(t, `depth exceeded`, result.Error.Message)
}

func TestServer_Health(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
