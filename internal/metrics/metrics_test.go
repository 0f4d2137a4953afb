package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorObserver(t *testing.T) {
	obs := NewExecutor("metrics-test")
	obs.Gauges(3, 2, 7)
	obs.Task("completed")
	obs.Task("completed")
	obs.Task("rejected")

	assert.Equal(t, 3.0, testutil.ToFloat64(executorThreads.WithLabelValues("metrics-test")))
	assert.Equal(t, 2.0, testutil.ToFloat64(executorWorking.WithLabelValues("metrics-test")))
	assert.Equal(t, 7.0, testutil.ToFloat64(executorQueueDepth.WithLabelValues("metrics-test")))
	assert.Equal(t, 2.0, testutil.ToFloat64(executorTasksTotal.WithLabelValues("metrics-test", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(executorTasksTotal.WithLabelValues("metrics-test", "rejected")))
}

func TestConnectionsObserver(t *testing.T) {
	obs := NewConnections()
	active := testutil.ToFloat64(connectionsActive)
	in := testutil.ToFloat64(connectionBytesTotal.WithLabelValues(DirectionIn))
	pings := testutil.ToFloat64(commandsTotal.WithLabelValues("PING"))

	obs.ConnectionOpened()
	obs.ConnectionOpened()
	obs.ConnectionClosed()
	obs.BytesRead(12)
	obs.BytesWritten(7)
	obs.Command("PING")

	assert.Equal(t, active+1, testutil.ToFloat64(connectionsActive))
	assert.Equal(t, in+12, testutil.ToFloat64(connectionBytesTotal.WithLabelValues(DirectionIn)))
	assert.Equal(t, pings+1, testutil.ToFloat64(commandsTotal.WithLabelValues("PING")))
}

func quietAdmin(stats StatsFunc) *Admin {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewAdmin("127.0.0.1:0", stats, log)
}

func TestAdminRoutes(t *testing.T) {
	admin := quietAdmin(func() any {
		return map[string]int{"connections": 4}
	})
	srv := httptest.NewServer(admin.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health.Status)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var stats map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, map[string]int{"connections": 4}, stats)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	NewConnections().Command("GET")
	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "mirkv_commands_total"))

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminStatsWithoutSource(t *testing.T) {
	rec := httptest.NewRecorder()
	quietAdmin(nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestAdminRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- quietAdmin(nil).Run(ctx) }()

	cancel()
	assert.NoError(t, <-done)
}
