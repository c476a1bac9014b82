package agent_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
	transportagent "github.com/alanyang/agent-coordinator/internal/transport/agent"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(t *testing.T) (*gin.Engine, *registry.Service) {
	t.Helper()
	svc := registry.NewService(nil, nil)
	r := gin.New()
	transportagent.Register(r.Group("/agents"), svc)
	return r, svc
}

func seed(t *testing.T, svc *registry.Service, id, typ string, caps ...string) {
	t.Helper()
	_, err := svc.Register(context.Background(), domainagent.New(id, typ, caps))
	require.NoError(t, err)
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequestWithContext(context.Background(), method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ── POST /register ────────────────────────────────────────────────────────────

func TestRegisterAgent_Success(t *testing.T) {
	r, svc := newRouter(t)

	w := do(r, http.MethodPost, "/agents/register", map[string]any{
		"agent_id":         "tech-1",
		"agent_type":       "technical",
		"capabilities":     []string{"rsi", "macd"},
		"reputation_score": 0.9,
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var got domainagent.Profile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "tech-1", got.ID)
	assert.InDelta(t, 0.9, got.ReputationScore, 1e-9)
	assert.InDelta(t, 1.0, got.ServiceLevel, 1e-9)
	assert.Equal(t, domainagent.StatusHealthy, got.Status)

	_, ok := svc.Get("tech-1")
	assert.True(t, ok)
}

func TestRegisterAgent_Validation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing id", map[string]any{"agent_type": "technical"}},
		{"missing type", map[string]any{"agent_id": "a1"}},
		{"reputation out of range", map[string]any{"agent_id": "a1", "agent_type": "technical", "reputation_score": 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRouter(t)
			w := do(r, http.MethodPost, "/agents/register", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

// ── POST /:id/heartbeat ───────────────────────────────────────────────────────

func TestHeartbeat(t *testing.T) {
	r, svc := newRouter(t)
	seed(t, svc, "a1", "technical")

	w := do(r, http.MethodPost, "/agents/a1/heartbeat", map[string]any{"load_factor": 0.4})
	assert.Equal(t, http.StatusOK, w.Code)

	p, _ := svc.Get("a1")
	assert.InDelta(t, 0.4, p.LoadFactor, 1e-9)
}

func TestHeartbeat_EmptyBody(t *testing.T) {
	r, svc := newRouter(t)
	seed(t, svc, "a1", "technical")

	w := do(r, http.MethodPost, "/agents/a1/heartbeat", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHeartbeat_UnknownAgent(t *testing.T) {
	r, _ := newRouter(t)
	w := do(r, http.MethodPost, "/agents/ghost/heartbeat", map[string]any{"load_factor": 0.1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeartbeat_InvalidStatus(t *testing.T) {
	r, svc := newRouter(t)
	seed(t, svc, "a1", "technical")
	w := do(r, http.MethodPost, "/agents/a1/heartbeat", map[string]any{"status": "sleepy"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ── DELETE /:id ───────────────────────────────────────────────────────────────

func TestUnregisterAgent(t *testing.T) {
	r, svc := newRouter(t)
	seed(t, svc, "a1", "technical")

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/agents/a1", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/agents/a1", nil).Code)
}

// ── GET / and GET /:id ────────────────────────────────────────────────────────

func TestListAgents_Filters(t *testing.T) {
	r, svc := newRouter(t)
	seed(t, svc, "t1", "technical", "rsi")
	seed(t, svc, "t2", "technical", "macd")
	seed(t, svc, "s1", "sentiment", "rsi")

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"t1", "t2", "s1"}},
		{"?type=technical", []string{"t1", "t2"}},
		{"?capability=rsi", []string{"t1", "s1"}},
		{"?type=technical&capability=rsi", []string{"t1"}},
		{"?status=offline", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := do(r, http.MethodGet, "/agents/"+tt.query, nil)
			require.Equal(t, http.StatusOK, w.Code)
			var got []domainagent.Profile
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			ids := make([]string, 0, len(got))
			for _, p := range got {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestListAgents_InvalidStatus(t *testing.T) {
	r, _ := newRouter(t)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/agents/?status=asleep", nil).Code)
}

func TestGetAgent(t *testing.T) {
	r, svc := newRouter(t)
	seed(t, svc, "a1", "technical")

	w := do(r, http.MethodGet, "/agents/a1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got domainagent.Profile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "technical", got.Type)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/agents/ghost", nil).Code)
}

// ── GET /best and /breakers ───────────────────────────────────────────────────

func TestBestAgent(t *testing.T) {
	r, svc := newRouter(t)
	low := domainagent.New("low", "technical", []string{"rsi"})
	low.ReputationScore = 0.2
	_, err := svc.Register(context.Background(), low)
	require.NoError(t, err)
	seed(t, svc, "high", "technical", "rsi")

	w := do(r, http.MethodGet, "/agents/best?capability=rsi", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got domainagent.Profile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "high", got.ID)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/agents/best?capability=volume", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/agents/best", nil).Code)
}

func TestBreakers(t *testing.T) {
	r, svc := newRouter(t)
	seed(t, svc, "a1", "technical")

	w := do(r, http.MethodGet, "/agents/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Contains(t, got, "a1")
	assert.Equal(t, "closed", got["a1"]["state"])
}
