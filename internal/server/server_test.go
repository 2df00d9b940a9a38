package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"astroseq/internal/config"
	"astroseq/internal/mode"
	"astroseq/internal/session"
	"astroseq/internal/simulator"
	"astroseq/internal/storage"
)

type fixture struct {
	srv   *Server
	host  *session.Host
	store *storage.Store
	http  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts := simulator.DefaultOptions()
	opts.Log = log
	sim := simulator.New(opts)

	cfg := config.Default()
	cfg.Session.Camera = opts.Camera
	cfg.Session.Mount = opts.Mount
	cfg.Session.TicksPerSecond = 50

	store, err := storage.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	host, err := session.New(session.Options{Config: cfg, Client: sim, Solver: sim.Solver(), Store: store, Log: log})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		host.Run(ctx, nil)
	}()

	srv := NewServer("127.0.0.1:0", host, store, opts.Mount, log)
	srv.startBackground(ctx)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return &fixture{srv: srv, host: host, store: store, http: ts}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.http.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartModeAndAbort(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/modes/goto", map[string]any{"target": map[string]float64{"ra": 5.5, "dec": -5}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var st session.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, mode.TypeGoto, st.Mode)
	runID := st.RunID
	require.NotEmpty(t, runID)

	resp = f.post(t, "/abort", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, mode.TypeWaiting, st.Mode)

	resp = f.get(t, "/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []storage.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, storage.StatusAborted, runs[0].Status)

	resp = f.get(t, "/runs/"+runID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []storage.EventRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	assert.NotEmpty(t, events)
}

func TestStartModeRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/modes/unknown", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.post(t, "/modes/goto", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "goto needs a target")

	resp, err := http.Post(f.http.URL+"/modes/goto", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.get(t, "/runs?limit=0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCalibrationFallsBackToStore(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/calibration")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, f.store.RecordCalibration(storage.CalibrationRecord{
		RunID: "r1", Mount: simulator.DefaultOptions().Mount, MoveRAX: 1, MoveRAY: 2, MoveDecX: 3, MoveDecY: 4,
	}))
	resp = f.get(t, "/calibration")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var c mode.MountMoveCalibrRes
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	assert.Equal(t, mode.MountMoveCalibrRes{MoveRAX: 1, MoveRAY: 2, MoveDecX: 3, MoveDecY: 4}, c)
}

func TestWebSocketReceivesEvents(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.hub.Connected() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp := f.post(t, "/modes/capture_platesolve", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev session.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == session.EventWatchdog {
			continue
		}
		assert.Equal(t, session.EventModeStarted, ev.Type)
		assert.Equal(t, mode.TypeCapturePlatesolve, ev.Mode)
		assert.NotEmpty(t, ev.RunID)
		return
	}
}

func TestHealthWatchReportsFatal(t *testing.T) {
	h := NewHealth("127.0.0.1:0", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := h.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	events := make(chan session.Event, 2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Watch(ctx, events)
	}()
	events <- session.Event{Type: session.EventProgress}
	events <- session.Event{Type: session.EventFatal, Error: "camera gone"}
	close(events)
	<-done

	st, err = h.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestProbeReachesHealthServer(t *testing.T) {
	h := NewHealth("127.0.0.1:0", slog.New(slog.NewTextHandler(io.Discard, nil)))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.Serve(ctx, lis) }()

	probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer probeCancel()
	st, err := Probe(probeCtx, lis.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("health server did not stop")
	}
}
