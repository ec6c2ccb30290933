package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDiagnostics(t *testing.T, metricsHandler http.Handler, gate *ReadinessGate) (string, context.CancelFunc) {
	t.Helper()

	server, err := NewDiagnosticsServer("127.0.0.1:0", metricsHandler, gate, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- server.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case serveErr := <-done:
			assert.NoError(t, serveErr)
		case <-time.After(5 * time.Second):
			t.Error("diagnostics server did not shut down")
		}
	})

	return "http://" + server.Addr(), cancel
}

func getJSON(t *testing.T, url string) (int, map[string]string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)

	defer resp.Body.Close()

	var body map[string]string

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return resp.StatusCode, body
}

func TestDiagnostics_Healthz(t *testing.T) {
	t.Parallel()

	base, _ := startDiagnostics(t, nil, NewReadinessGate())

	code, body := getJSON(t, base+"/healthz")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestDiagnostics_ReadyzFollowsGate(t *testing.T) {
	t.Parallel()

	gate := NewReadinessGate()
	base, _ := startDiagnostics(t, nil, gate)

	code, body := getJSON(t, base+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["status"])

	gate.MarkReady()

	code, body = getJSON(t, base+"/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestDiagnostics_MetricsRoute(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write([]byte("# HELP dummy\n"))
	})

	base, _ := startDiagnostics(t, handler, NewReadinessGate())

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(payload), "# HELP")
}

func TestDiagnostics_MetricsDisabledWithoutHandler(t *testing.T) {
	t.Parallel()

	base, _ := startDiagnostics(t, nil, NewReadinessGate())

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReadinessGate_NilIsReady(t *testing.T) {
	t.Parallel()

	var gate *ReadinessGate

	assert.True(t, gate.Ready())
}
