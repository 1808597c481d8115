package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqic/communicator/pkg/events"
	"github.com/mqic/communicator/pkg/scheduler"
	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/types"
	"github.com/mqic/communicator/pkg/worker"
)

type fixedPool struct{ stats worker.Stats }

func (f fixedPool) Snapshot() worker.Stats { return f.stats }

type fixedSched struct{ m scheduler.MetricsSnapshot }

func (f fixedSched) Metrics() scheduler.MetricsSnapshot { return f.m }

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := NewServer(store, nil, fixedPool{stats: worker.Stats{Total: 3, Succeeded: 2, Failed: 1}},
		fixedSched{m: scheduler.MetricsSnapshot{StarvationPrevented: 1}})
	return srv, store
}

func doGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListCases(t *testing.T) {
	srv, store := newTestServer(t)
	_, err := store.AddCase(filepath.Join(t.TempDir(), "case_a"), types.PriorityHigh)
	require.NoError(t, err)
	_, err = store.AddCase(filepath.Join(t.TempDir(), "case_b"), types.PriorityLow)
	require.NoError(t, err)

	rec := doGet(t, srv, "/v1/cases")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cases []*types.Case `json:"cases"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	// Priority ordering from the store: high before low.
	assert.Equal(t, types.PriorityHigh, body.Cases[0].Priority)
}

func TestListCasesFilteredByStatus(t *testing.T) {
	srv, store := newTestServer(t)
	c, err := store.AddCase(filepath.Join(t.TempDir(), "case_a"), types.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, store.UpdateCaseStatus(c.ID, types.CaseStatusRunning, 40))
	_, err = store.AddCase(filepath.Join(t.TempDir(), "case_b"), types.PriorityNormal)
	require.NoError(t, err)

	rec := doGet(t, srv, "/v1/cases?status=running")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

func TestGetCaseWithSteps(t *testing.T) {
	srv, store := newTestServer(t)
	c, err := store.AddCase(filepath.Join(t.TempDir(), "case_a"), types.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, store.RecordWorkflowStep(&types.WorkflowStepRecord{
		ID: "rec-1", CaseID: c.ID, Step: "preprocess", RunID: "abcd1234",
		Outcome: types.StepOutcomeCompleted, StartedAt: time.Now(),
	}))

	rec := doGet(t, srv, "/v1/cases/1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Case  *types.Case                 `json:"case"`
		Steps []*types.WorkflowStepRecord `json:"workflow_steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, c.ID, body.Case.ID)
	require.Len(t, body.Steps, 1)
	assert.Equal(t, "preprocess", body.Steps[0].Step)
}

func TestGetCaseNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doGet(t, srv, "/v1/cases/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCaseRejectsNonNumericID(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doGet(t, srv, "/v1/cases/abc")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListGpus(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.EnsureGpuExists("gpu_0"))
	require.NoError(t, store.EnsureGpuExists("gpu_1"))

	rec := doGet(t, srv, "/v1/gpus")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Gpus  []*types.GpuResource `json:"gpus"`
		Count int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestEventsFromBroker(t *testing.T) {
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	srv := NewServer(store, broker, nil, nil)
	broker.Publish(&events.Event{Type: events.EventCaseRegistered, Message: "case registered"})

	require.Eventually(t, func() bool {
		rec := doGet(t, srv, "/v1/events")
		var body struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return false
		}
		return body.Count == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStats(t *testing.T) {
	srv, store := newTestServer(t)
	_, err := store.AddCase(filepath.Join(t.TempDir(), "case_a"), types.PriorityNormal)
	require.NoError(t, err)

	rec := doGet(t, srv, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workers       worker.Stats   `json:"workers"`
		CasesByStatus map[string]int `json:"cases_by_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Workers.Total)
	assert.Equal(t, 1, body.CasesByStatus["submitted"])
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doGet(t, srv, "/healthz")
	// Status code depends on component reports; the body must parse.
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "status")
}

func TestMetricsExposition(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doGet(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mqic_")
}
