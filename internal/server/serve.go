package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/control"
)

// LearningService is the grpc.health.v1 service name that mirrors the
// learning status: NOT_SERVING while frozen.
const LearningService = "adaptive.safety.v1.Learning"

// #region health
// healthMirror publishes learning status transitions to a gRPC health server.
type healthMirror struct {
	srv  *health.Server
	last control.Status
}

func newHealthMirror() *healthMirror {
	return &healthMirror{srv: health.NewServer()}
}

func (h *healthMirror) set(s control.Status) {
	if s == "" || s == h.last {
		return
	}
	h.last = s
	st := healthpb.HealthCheckResponse_SERVING
	if s == control.StatusFrozen {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus(LearningService, st)
}

type healthzReply struct {
	Status      control.Status `json:"status"`
	HealthScore float64        `json:"health_score"`
	Rate        float64        `json:"effective_learning_rate"`
	Verdict     string         `json:"kill_switch_verdict"`
	Engine      bool           `json:"engine_configured"`
}

// healthz reports 200 with the control summary, 503 when the store is unreadable.
func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	lc, err := a.Control.GetOrCreate(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	verdict, err := a.KillSwitch.LatestVerdict(r.Context(), a.cfg.Shadow.Window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthzReply{
		Status:      lc.Status,
		HealthScore: lc.HealthScore,
		Rate:        lc.EffectiveLearningRate,
		Verdict:     string(verdict),
		Engine:      a.EngineConfigured(),
	})
}

// #endregion health

// #region serve
// Serve runs the gRPC listener, the admin HTTP listener and the periodic jobs
// until ctx is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", a.cfg.Server.GRPCAddr, err)
	}
	adminLis, err := net.Listen("tcp", a.cfg.Server.AdminAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("listen admin %s: %w", a.cfg.Server.AdminAddr, err)
	}
	return a.serve(ctx, grpcLis, adminLis)
}

func (a *App) serve(ctx context.Context, grpcLis, adminLis net.Listener) error {
	mirror := newHealthMirror()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, mirror.srv)
	RegisterController(grpcServer, a)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", a.healthz)
	admin := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	a.logger.Info("safety controller serving",
		"grpc", grpcLis.Addr().String(),
		"admin", adminLis.Addr().String(),
		"app", a.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := admin.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return every(gctx, a.cfg.DriftCheckInterval(), func(ctx context.Context) {
			if s, err := a.DriftTick(ctx); err == nil {
				mirror.set(s)
			}
		})
	})
	if !a.EngineConfigured() {
		a.logger.Warn("no decision engine configured; gate and shadow jobs disabled")
	} else {
		if iv := a.cfg.GateInterval(); iv > 0 {
			g.Go(func() error {
				return every(gctx, iv, func(ctx context.Context) { a.GateTick(ctx) })
			})
		}
		if iv := a.cfg.ShadowSweepInterval(); iv > 0 && len(a.cfg.Shadow.Subjects) > 0 {
			limiter := newLimiter(a.cfg.Shadow.ComparisonsPerSecond)
			g.Go(func() error {
				return every(gctx, iv, func(ctx context.Context) { _, _ = a.Sweep(ctx, limiter) })
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSec) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		mirror.srv.Shutdown()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("admin shutdown", "error", err)
		}
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		a.logger.Info("safety controller stopped")
		return nil
	})
	return g.Wait()
}

// #endregion serve
