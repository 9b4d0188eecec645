package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/comply-core/pkg/agents"
	"github.com/user/comply-core/pkg/cache"
	"github.com/user/comply-core/pkg/escalation"
	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/model"
	"github.com/user/comply-core/pkg/orchestrator"
	"github.com/user/comply-core/pkg/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	graphs := graph.NewStore(nil)
	_, err = graphs.Publish(graph.Bundle{
		Version: 1,
		Threats: []graph.Threat{{ID: "t-phish", Severity: 5}},
		Frameworks: []graph.Framework{
			{ID: "iso", Name: "ISO", Controls: []graph.Control{
				{ID: "A.1", Effort: 3, Threats: []string{"t-phish"}},
			}},
		},
	})
	require.NoError(t, err)

	registry := agents.NewRegistry()
	require.NoError(t, registry.Register(agents.NewBaselineAgent("iso")))

	engine := escalation.NewEngine(escalation.Config{Thresholds: escalation.DefaultThresholds()}, st, nil)
	resultCache := cache.New(time.Minute, 10*time.Second, nil)
	orch := orchestrator.New(registry, graphs, orchestrator.NewResolver(nil, []string{"iso"}),
		resultCache, engine, st, nil,
		orchestrator.Config{AgentTimeout: time.Second, MaxWorkers: 2}, nil)

	return New(":0", orch, st, graphs, resultCache, nil)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func assessBody(industry string, employees int) map[string]any {
	return map[string]any{
		"company_profile": map[string]any{
			"name":              "Acme",
			"industry":          industry,
			"employees":         employees,
			"jurisdiction":      "us",
			"declared_controls": []string{"A.1"},
		},
	}
}

func TestAssessEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, "POST", "/assess", assessBody("retail", 100))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res model.AssessmentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, model.StateClosed, res.Status)
	assert.False(t, res.Cached)

	// Same request again comes from the cache.
	rec = do(t, s, "POST", "/assess", assessBody("retail", 100))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Cached)

	// Stored copy is retrievable with its audit trail.
	rec = do(t, s, "GET", "/assess/"+res.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, "GET", "/assess/"+res.ID+"/decisions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var trail []model.EscalationDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	assert.NotEmpty(t, trail)
}

func TestAssessEndpointErrors(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, "POST", "/assess", map[string]any{"company_profile": map[string]any{"name": "Acme"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest("POST", "/assess", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	body := assessBody("retail", 10)
	body["frameworks"] = []string{"pci"}
	rec = do(t, s, "POST", "/assess", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "GET", "/assess/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviewEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, "POST", "/assess", assessBody("healthcare", 1200))
	require.Equal(t, http.StatusOK, rec.Code)
	var res model.AssessmentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, model.StatePendingHumanReview, res.Status)

	review := map[string]string{"decision": "approved", "reviewer_id": "rev-1", "notes": "ok"}
	rec = do(t, s, "POST", fmt.Sprintf("/assess/%s/review", res.ID), review)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, model.StateReviewedApproved, res.Status)

	// Reviewing twice conflicts.
	rec = do(t, s, "POST", fmt.Sprintf("/assess/%s/review", res.ID), review)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// reviewer_id is mandatory.
	rec = do(t, s, "POST", fmt.Sprintf("/assess/%s/review", res.ID), map[string]string{"decision": "approved"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, "POST", "/graph/publish", graph.Bundle{
		Version:    2,
		Frameworks: []graph.Framework{{ID: "iso", Name: "ISO", Controls: []graph.Control{{ID: "A.1"}}}},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Non-monotonic version is rejected.
	rec = do(t, s, "POST", "/graph/publish", graph.Bundle{
		Version:    2,
		Frameworks: []graph.Framework{{ID: "iso", Name: "ISO", Controls: []graph.Control{{ID: "A.1"}}}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPublishInvalidatesCache(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, "POST", "/assess", assessBody("retail", 100))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, s.cache.Len())

	rec = do(t, s, "POST", "/graph/publish", graph.Bundle{
		Version:    2,
		Frameworks: []graph.Framework{{ID: "iso", Name: "ISO", Controls: []graph.Control{{ID: "A.1"}}}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Results computed against the old snapshot are gone.
	assert.Equal(t, 0, s.cache.Len())
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	empty := New(":0", nil, nil, graph.NewStore(nil), nil, nil)
	rec = do(t, empty, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
