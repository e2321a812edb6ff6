package shuffle

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdminServer(t *testing.T) (*AdminServer, *Executor, *Metrics) {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	e := newTestExecutor(m)

	as, err := NewAdminServer("127.0.0.1:0", "node-a", e, m, reg)
	require.NoError(t, err)
	as.Start()
	t.Cleanup(as.Stop)

	return as, e, m
}

func TestAdmin_Status(t *testing.T) {
	as, e, m := newTestAdminServer(t)
	e.Submit(&stubTask{name: "t1"})
	m.recordPacketReceived("node-b")

	resp, err := http.Get("http://" + as.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "node-a", body.HostID)
	assert.Equal(t, 1, body.ActiveTasks)
	assert.Equal(t, int64(1), body.Metrics["packets_received"])
}

func TestAdmin_TasksFilteredByJob(t *testing.T) {
	as, e, _ := newTestAdminServer(t)
	f := newReaderFixture(t)
	e.Submit(f.r)
	e.Submit(NewSocketWriter("job-2", "node-c", nil, testOptions()...))

	resp, err := http.Get("http://" + as.Addr() + "/tasks?job=job-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body tasksResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "reader:job-1:node-a", body.Tasks[0].Name)
	assert.Equal(t, "unassigned", body.Tasks[0].State)
}

func TestAdmin_Metrics(t *testing.T) {
	as, _, m := newTestAdminServer(t)
	m.recordInvalidation()

	resp, err := http.Get("http://" + as.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "shuffle_transport_invalidations_total 1")
}

func TestAdmin_MethodNotAllowed(t *testing.T) {
	as, _, _ := newTestAdminServer(t)

	for _, path := range []string{"/status", "/tasks"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		as.server.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestAdmin_NilExecutor(t *testing.T) {
	as, err := NewAdminServer("127.0.0.1:0", "node-a", nil, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	defer as.listener.Close()

	rec := httptest.NewRecorder()
	as.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tasks":[]}`, rec.Body.String())
}
