package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpguard/mcpbridge/internal/bridge"
	"github.com/mcpguard/mcpbridge/internal/config"
	"github.com/mcpguard/mcpbridge/internal/metrics"
)

type fakeSource struct {
	state  bridge.State
	status bridge.Status
}

func (f *fakeSource) State() bridge.State   { return f.state }
func (f *fakeSource) Status() bridge.Status { return f.status }

func TestHealth(t *testing.T) {
	tests := []struct {
		state bridge.State
		code  int
	}{
		{bridge.StateStarting, http.StatusServiceUnavailable},
		{bridge.StateRunning, http.StatusOK},
		{bridge.StateDraining, http.StatusServiceUnavailable},
		{bridge.StateStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			api := NewStatusAPI(nil, &fakeSource{state: tt.state}, nil)

			rec := httptest.NewRecorder()
			api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.state.String()+"\n", rec.Body.String())
		})
	}
}

func TestStatus(t *testing.T) {
	cfg := &config.Config{InstanceID: "6f1c", ChildCommand: "/opt/sqlcl/bin/sql"}
	src := &fakeSource{
		state: bridge.StateRunning,
		status: bridge.Status{
			State:       "running",
			ChildPID:    4242,
			Inbound:     3,
			Outbound:    2,
			Rewritten:   5,
			ChildFacing: "stdio",
		},
	}
	api := NewStatusAPI(cfg, src, nil)

	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "6f1c", body["instance_id"])
	assert.Equal(t, "/opt/sqlcl/bin/sql", body["command"])
	assert.Equal(t, "running", body["state"])
	assert.EqualValues(t, 4242, body["child_pid"])
	assert.EqualValues(t, 3, body["inbound_messages"])
	assert.EqualValues(t, 5, body["schemas_rewritten"])
	assert.Equal(t, "stdio", body["child_transport"])
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.Forwarded(metrics.DirectionInbound, 10)
	m.SetState("running", bridge.StateNames())

	api := NewStatusAPI(nil, &fakeSource{}, m.Registry)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `mcpbridge_messages_forwarded_total{direction="inbound"} 1`)
	assert.Contains(t, body, `mcpbridge_payload_bytes_total{direction="inbound"} 10`)
	assert.Contains(t, body, `mcpbridge_state{state="running"} 1`)
	assert.Contains(t, body, `mcpbridge_state{state="stopped"} 0`)
}

func TestMetricsRouteAbsentWithoutRegistry(t *testing.T) {
	api := NewStatusAPI(nil, &fakeSource{}, nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRejectsOtherMethods(t *testing.T) {
	api := NewStatusAPI(nil, &fakeSource{}, nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := NewStatusAPI(nil, &fakeSource{state: bridge.StateRunning}, nil)
	addr, err := Serve(ctx, "127.0.0.1:0", api.Router())
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running\n", string(body))

	cancel()
	assert.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
		if err != nil {
			return true
		}
		resp.Body.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServeBadAddress(t *testing.T) {
	_, err := Serve(context.Background(), "127.0.0.1:notaport", http.NotFoundHandler())
	require.Error(t, err)
}
