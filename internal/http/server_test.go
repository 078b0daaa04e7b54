package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gantry/internal/check"
	"github.com/fyrsmithlabs/gantry/internal/config"
	"github.com/fyrsmithlabs/gantry/internal/events"
	"github.com/fyrsmithlabs/gantry/internal/gate"
	"github.com/fyrsmithlabs/gantry/internal/phase"
	"github.com/fyrsmithlabs/gantry/internal/pipeline"
	"github.com/fyrsmithlabs/gantry/internal/report"
	"github.com/fyrsmithlabs/gantry/internal/rollback"
	"github.com/fyrsmithlabs/gantry/internal/store"
)

// passFailInvoker passes every check except the ids listed in fail.
type passFailInvoker struct {
	fail map[string]bool
}

func (p *passFailInvoker) Invoke(_ context.Context, def check.Definition) (check.Raw, error) {
	return check.Raw{Passed: !p.fail[def.ID]}, nil
}

type stubDeployment struct{ ref string }

func (s *stubDeployment) Snapshot(context.Context) (*rollback.Checkpoint, error) {
	return &rollback.Checkpoint{StateRef: s.ref}, nil
}

func (s *stubDeployment) Revert(context.Context, *rollback.Checkpoint) error { return nil }

type serverFixture struct {
	server  *Server
	store   *store.Memory
	invoker *passFailInvoker
}

func newServerFixture(t *testing.T, nc *nats.Conn) *serverFixture {
	t.Helper()

	invoker := &passFailInvoker{fail: make(map[string]bool)}
	runner, err := check.NewRunner(nil, invoker, nil)
	require.NoError(t, err)

	evaluator := gate.NewEvaluator(gate.DefaultEvaluatorConfig(), nil, nil)
	mgr, err := rollback.NewManager(&stubDeployment{ref: "rev-1"}, runner, nil, nil)
	require.NoError(t, err)

	executor, err := phase.NewExecutor(phase.ExecutorConfig{}, runner, evaluator, mgr, nil)
	require.NoError(t, err)

	st := store.NewMemory()

	var emitter events.Emitter = events.NopEmitter{}
	if nc != nil {
		emitter, err = events.NewNATSEmitter(nc, nil)
		require.NoError(t, err)
	}

	engine, err := pipeline.NewEngine(config.EngineConfig{}, st, executor, mgr, emitter, nil)
	require.NoError(t, err)

	srv, err := NewServer(engine, nc, zap.NewNop(), nil)
	require.NoError(t, err)

	return &serverFixture{server: srv, store: st, invoker: invoker}
}

const runDefinition = `{
	"name": "release",
	"phases": [
		{
			"name": "build",
			"checks": [
				{"id": "unit", "required": true, "invocation": {"kind": "func"}}
			],
			"gate": {"kind": "strict-all"}
		},
		{
			"name": "canary",
			"boundary": true,
			"checks": [
				{"id": "smoke", "required": true, "invocation": {"kind": "func"}}
			],
			"gate": {"kind": "strict-all"}
		}
	]
}`

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoHeaderContentType, "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func TestHealth(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := doJSON(t, fx.server, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newServerFixture(t, nil)
	rec := doJSON(t, fx.server, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartRun(t *testing.T) {
	t.Run("completes", func(t *testing.T) {
		fx := newServerFixture(t, nil)
		rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs", runDefinition)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var rep report.RunReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
		assert.Equal(t, report.OutcomeCompleted, rep.Outcome)
		assert.NotEmpty(t, rep.RunID)
		assert.Len(t, rep.Phases, 2)
	})

	t.Run("halts on failure", func(t *testing.T) {
		fx := newServerFixture(t, nil)
		fx.invoker.fail["smoke"] = true

		rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs", runDefinition)
		require.Equal(t, http.StatusCreated, rec.Code)

		var rep report.RunReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
		assert.Equal(t, report.OutcomeHalted, rep.Outcome)
		assert.Equal(t, "canary", rep.HaltedPhase)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		fx := newServerFixture(t, nil)
		rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs", "{not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects invalid definition", func(t *testing.T) {
		fx := newServerFixture(t, nil)
		rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs", `{"name": "empty"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetRun(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs", runDefinition)
	require.Equal(t, http.StatusCreated, rec.Code)
	var rep report.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))

	t.Run("found", func(t *testing.T) {
		rec := doJSON(t, fx.server, http.MethodGet, "/api/v1/runs/"+rep.RunID, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var run pipeline.Run
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
		assert.Equal(t, pipeline.StatusCompleted, run.Status)
		assert.NotNil(t, run.Checkpoint)
	})

	t.Run("not found", func(t *testing.T) {
		rec := doJSON(t, fx.server, http.MethodGet, "/api/v1/runs/unknown", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := doJSON(t, fx.server, http.MethodGet, "/api/v1/runs", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var runs []pipeline.Run
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
		assert.Len(t, runs, 1)
	})

	t.Run("report", func(t *testing.T) {
		rec := doJSON(t, fx.server, http.MethodGet, "/api/v1/runs/"+rep.RunID+"/report", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var got report.RunReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, report.OutcomeCompleted, got.Outcome)
	})
}

func TestResumeRun(t *testing.T) {
	fx := newServerFixture(t, nil)
	fx.invoker.fail["smoke"] = true

	rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs", runDefinition)
	require.Equal(t, http.StatusCreated, rec.Code)
	var rep report.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.Equal(t, report.OutcomeHalted, rep.Outcome)

	t.Run("resumes halted run", func(t *testing.T) {
		fx.invoker.fail["smoke"] = false

		rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs/"+rep.RunID+"/resume", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resumed report.RunReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
		assert.Equal(t, report.OutcomeCompleted, resumed.Outcome)
	})

	t.Run("rejects completed run", func(t *testing.T) {
		rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs/"+rep.RunID+"/resume", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown run", func(t *testing.T) {
		rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs/unknown/resume", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAbortRun(t *testing.T) {
	fx := newServerFixture(t, nil)

	rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs", runDefinition)
	require.Equal(t, http.StatusCreated, rec.Code)
	var rep report.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))

	// The run already finished; abort is a conflict, not a 500.
	rec = doJSON(t, fx.server, http.MethodPost, "/api/v1/runs/"+rep.RunID+"/abort", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, fx.server, http.MethodPost, "/api/v1/runs/unknown/abort", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRollbackRun(t *testing.T) {
	t.Run("rolls back completed run", func(t *testing.T) {
		fx := newServerFixture(t, nil)

		rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs", runDefinition)
		require.Equal(t, http.StatusCreated, rec.Code)
		var rep report.RunReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
		require.Equal(t, report.OutcomeCompleted, rep.Outcome)

		rec = doJSON(t, fx.server, http.MethodPost, "/api/v1/runs/"+rep.RunID+"/rollback", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp RollbackResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Rollback)
		assert.True(t, resp.Rollback.Reverted)
	})

	t.Run("no checkpoint is a conflict", func(t *testing.T) {
		fx := newServerFixture(t, nil)
		fx.invoker.fail["unit"] = true // halt before the boundary

		rec := doJSON(t, fx.server, http.MethodPost, "/api/v1/runs", runDefinition)
		require.Equal(t, http.StatusCreated, rec.Code)
		var rep report.RunReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))

		rec = doJSON(t, fx.server, http.MethodPost, "/api/v1/runs/"+rep.RunID+"/rollback", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestRunEventsSSE(t *testing.T) {
	ns := startTestNATSServer(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	fx := newServerFixture(t, nc)

	ts := httptest.NewServer(fx.server.Echo())
	defer ts.Close()

	t.Run("unknown run", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/runs/unknown/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("streams until terminal event", func(t *testing.T) {
		// Seed a run so the stream endpoint accepts the id, then drive
		// events through the bus the way the engine does.
		run := &pipeline.Run{ID: "run-sse", Status: pipeline.StatusRunning, CreatedAt: time.Now()}
		run.Definition = pipeline.Definition{Name: "release", Phases: []phase.Definition{
			{Name: "build", Checks: []check.Definition{{ID: "unit", Invocation: check.Invocation{Kind: "func"}}}, Gate: gate.Policy{Kind: gate.PolicyStrictAll}},
		}}
		require.NoError(t, fx.store.Save(context.Background(), run))

		resp, err := http.Get(ts.URL + "/api/v1/runs/run-sse/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		emitter, err := events.NewNATSEmitter(nc, nil)
		require.NoError(t, err)

		// Give the subscription a moment to land before publishing.
		time.Sleep(100 * time.Millisecond)
		emitter.Emit(context.Background(), events.Event{RunID: "run-sse", Type: events.TypePhaseStarted, Phase: "build", At: time.Now()})
		emitter.Emit(context.Background(), events.Event{RunID: "run-sse", Type: events.TypeRunCompleted, At: time.Now()})

		var lines []string
		scanner := bufio.NewScanner(resp.Body)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for scanner.Scan() {
				lines = append(lines, scanner.Text())
			}
		}()

		select {
		case <-done:
			// Stream closed after the terminal event.
		case <-time.After(10 * time.Second):
			t.Fatal("stream did not close after terminal event")
		}

		joined := strings.Join(lines, "\n")
		assert.Contains(t, joined, "event: phase_started")
		assert.Contains(t, joined, "event: run_completed")
		assert.Contains(t, joined, `"phase":"build"`)
	})
}
