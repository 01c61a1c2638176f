package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/config"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/control"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/engine"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
)

// #region helpers
// readyEngine answers every collector with metrics that pass the default gate
// and acts on every subject.
type readyEngine struct {
	action string
}

func (e readyEngine) Decide(context.Context, string, string) (shadow.Decision, error) {
	return shadow.Decision{Action: e.action, Evidence: 70, Risk: 40, Coverage: 60, Confidence: 65}, nil
}

func (readyEngine) Collect(_ context.Context, section string, h gate.Horizon) (interface{}, error) {
	switch section {
	case engine.SectionData:
		return gate.DataMetrics{Tokens: 60, Chains: 2, TimeSpanDays: 200, Signals: 12000, AvgCoverage: 0.5, MissingRate: 0.05}, nil
	case engine.SectionLabels:
		return gate.LabelsMetrics{Labeled: 1500, Positives: 200, LabelCoverage: 0.6, MaxLabelLagHours: 24}, nil
	case engine.SectionNegative:
		return gate.NegativeMetrics{Negatives: 400, NegativeRatio: 0.4, HardNegatives: 80}, nil
	case engine.SectionTemporal:
		return gate.TemporalMetrics{DistinctDays: 40, MaxGapDays: 3, RecentShare: 0.1}, nil
	case engine.SectionPerformance:
		if h == gate.Horizon7d {
			return gate.PerformanceMetrics{Precision: 0.65, StabilityStdDev: 0.05, Drift: 0.1, NegativeRatio: 0.3, Samples: 1500}, nil
		}
		return gate.PerformanceMetrics{Precision: 0.6, FalsePositiveRate: 0.2, NegativeRatio: 0.3, Samples: 300}, nil
	}
	return nil, errors.New("unknown section " + section)
}

func dialBufconn(t *testing.T, register func(*grpc.Server)) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestApp(t *testing.T, h engine.Handler) *App {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var client *engine.Client
	if h != nil {
		conn := dialBufconn(t, func(s *grpc.Server) { engine.Register(s, h) })
		client = engine.NewClientWithConn(conn)
	}

	cfg := config.DefaultConfig()
	cfg.Shadow.Subjects = []string{"AAA", "BBB", "CCC"}
	cfg.Shadow.ComparisonsPerSecond = 0
	app, err := build(db, client, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return app
}

var feedbackKey = ledger.Key{Scope: "actor", ScopeID: "a-1", Target: "alpha", Key: "evidence"}

// #endregion helpers

// #region job-tests
func TestGateTick_OfflineFailsClosed(t *testing.T) {
	app := newTestApp(t, nil)
	ctx := context.Background()
	assert.False(t, app.EngineConfigured())

	out := app.GateTick(ctx)
	assert.Equal(t, gate.StatusBlocked, out[gate.Horizon24h])
	assert.Equal(t, gate.StatusBlocked, out[gate.Horizon7d])

	allowed, err := app.TrainingAllowed(ctx, gate.Horizon24h)
	require.NoError(t, err)
	assert.False(t, allowed)

	history, err := app.Gate.History(ctx, gate.Horizon24h, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestGateTick_PassesWithReadyEngine(t *testing.T) {
	app := newTestApp(t, readyEngine{action: shadow.ActionNeutral})
	ctx := context.Background()

	out := app.GateTick(ctx)
	assert.Equal(t, gate.StatusPassed, out[gate.Horizon24h])
	assert.Equal(t, gate.StatusPassed, out[gate.Horizon7d])

	allowed, err := app.Permission.Allowed(ctx, gate.Horizon7d)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestGateTick_FrozenLearningBlocks(t *testing.T) {
	app := newTestApp(t, readyEngine{action: shadow.ActionNeutral})
	ctx := context.Background()
	_, err := app.Control.Freeze(ctx, "incident", "ops")
	require.NoError(t, err)

	out := app.GateTick(ctx)
	assert.Equal(t, gate.StatusBlocked, out[gate.Horizon24h])
}

func TestSweep_FlipsForceReference(t *testing.T) {
	app := newTestApp(t, readyEngine{action: "BUY"})
	ctx := context.Background()

	ev, err := app.Sweep(ctx, newLimiter(0))
	require.NoError(t, err)
	assert.Equal(t, shadow.VerdictForceV1, ev.Verdict)
	assert.Equal(t, 3, ev.Metrics.Samples)

	v, err := app.LatestVerdict(ctx, "")
	require.NoError(t, err)
	assert.True(t, v.UseReference())
}

func TestSweep_OfflineSkipsComparisons(t *testing.T) {
	app := newTestApp(t, nil)

	ev, err := app.Sweep(context.Background(), newLimiter(100))
	require.NoError(t, err)
	assert.Equal(t, shadow.VerdictOK, ev.Verdict)
	assert.Equal(t, 0, ev.Metrics.Samples)
}

func TestSweep_CancelledContext(t *testing.T) {
	app := newTestApp(t, readyEngine{action: "BUY"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := app.Sweep(ctx, newLimiter(1))
	assert.Error(t, err)
}

func TestDriftTick_ReportsStatus(t *testing.T) {
	app := newTestApp(t, nil)
	s, err := app.DriftTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, control.StatusActive, s)
}

func TestEvery_RunsImmediatelyAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := every(ctx, time.Hour, func(context.Context) {
		calls++
		cancel()
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// #endregion job-tests

// #region health-tests
func TestHealthMirror(t *testing.T) {
	m := newHealthMirror()
	ctx := context.Background()
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := m.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: LearningService})
		require.NoError(t, err)
		return resp.Status
	}

	m.set(control.StatusActive)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	m.set(control.StatusFrozen)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	m.set(control.StatusDegraded)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t, nil)
	rec := httptest.NewRecorder()
	app.healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthzReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, control.StatusActive, body.Status)
	assert.Equal(t, string(shadow.VerdictUnknown), body.Verdict)
	assert.False(t, body.Engine)
}

// #endregion health-tests

// #region rpc-tests
func invoke(t *testing.T, conn *grpc.ClientConn, method string, req map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(req)
	require.NoError(t, err)
	out := &structpb.Struct{}
	return out, conn.Invoke(context.Background(), method, in, out)
}

func TestControllerService_ApplyFeedback(t *testing.T) {
	app := newTestApp(t, nil)
	_, err := app.Ledger.GetOrCreate(context.Background(), feedbackKey, 0.5)
	require.NoError(t, err)
	conn := dialBufconn(t, func(s *grpc.Server) { RegisterController(s, app) })

	key := map[string]interface{}{"scope": "actor", "scope_id": "a-1", "target": "alpha", "key": "evidence"}
	out, err := invoke(t, conn, applyFeedbackMethod, map[string]interface{}{"key": key, "score": 1.0, "reason": "outcome"})
	require.NoError(t, err)
	assert.Equal(t, "applied", out.Fields["action"].GetStringValue())
	w := out.Fields["weight"].GetNumberValue()
	assert.Greater(t, w, 0.5)
	assert.LessOrEqual(t, w, 0.55+1e-9)

	_, err = invoke(t, conn, applyFeedbackMethod, map[string]interface{}{"key": key, "score": 3.0})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke(t, conn, applyFeedbackMethod, map[string]interface{}{"score": 0.5})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	missing := map[string]interface{}{"scope": "actor", "scope_id": "a-2", "target": "alpha", "key": "evidence"}
	out, err = invoke(t, conn, applyFeedbackMethod, map[string]interface{}{"key": missing, "score": 0.5})
	require.NoError(t, err)
	assert.Equal(t, "not_found", out.Fields["action"].GetStringValue())
}

func TestControllerService_VerdictAndPermission(t *testing.T) {
	app := newTestApp(t, nil)
	conn := dialBufconn(t, func(s *grpc.Server) { RegisterController(s, app) })

	out, err := invoke(t, conn, verdictMethod, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, string(shadow.VerdictUnknown), out.Fields["verdict"].GetStringValue())
	assert.False(t, out.Fields["use_reference"].GetBoolValue())

	out, err = invoke(t, conn, trainingAllowedMethod, map[string]interface{}{"horizon": "24h"})
	require.NoError(t, err)
	assert.False(t, out.Fields["allowed"].GetBoolValue())

	_, err = invoke(t, conn, trainingAllowedMethod, map[string]interface{}{"horizon": "1y"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// #endregion rpc-tests

// #region serve-tests
func TestServe_StopsOnCancel(t *testing.T) {
	app := newTestApp(t, nil)
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	adminLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, grpcLis, adminLis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + adminLis.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

// #endregion serve-tests
