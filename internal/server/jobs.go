package server

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/control"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
)

// #region ticker
// every runs fn immediately and then on each tick until ctx is done. Job
// errors are logged by fn and never stop the loop.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	fn(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}

// #endregion ticker

// #region drift-job
// DriftTick runs the drift guard once and returns the controller's status.
func (a *App) DriftTick(ctx context.Context) (control.Status, error) {
	report, err := a.Control.CheckDriftGuard(ctx)
	if err != nil {
		a.logger.Error("drift guard failed", "error", err)
		return "", err
	}
	for _, w := range report.Warnings {
		a.logger.Warn("drift guard warning", "warning", w)
	}
	return report.Status, nil
}

// #endregion drift-job

// #region gate-job
// GateTick runs the readiness gate for both horizons. A failed horizon does
// not stop the other.
func (a *App) GateTick(ctx context.Context) map[gate.Horizon]gate.Status {
	out := make(map[gate.Horizon]gate.Status, 2)
	for _, h := range []gate.Horizon{gate.Horizon24h, gate.Horizon7d} {
		res, err := a.Gate.Run(ctx, h)
		if err != nil {
			a.logger.Error("gate run failed", "horizon", h, "error", err)
			out[h] = gate.StatusBlocked
			continue
		}
		out[h] = res.Status
		a.logger.Info("gate run",
			"horizon", h,
			"status", res.Status,
			"training_allowed", res.TrainingAllowed,
			"reason", res.Reason(),
		)
	}
	return out
}

// #endregion gate-job

// #region shadow-job
// Sweep compares every configured subject, throttled by limiter, then
// re-evaluates the window. A failed comparison is logged and skipped.
func (a *App) Sweep(ctx context.Context, limiter *rate.Limiter) (shadow.Evaluation, error) {
	window := a.cfg.Shadow.Window
	compared := 0
	for _, subject := range a.cfg.Shadow.Subjects {
		if err := limiter.Wait(ctx); err != nil {
			return shadow.Evaluation{}, err
		}
		if _, err := a.KillSwitch.Compare(ctx, subject, window); err != nil {
			a.logger.Warn("shadow comparison failed", "subject", subject, "error", err)
			continue
		}
		compared++
	}

	ev, err := a.KillSwitch.Check(ctx, window)
	if err != nil {
		a.logger.Error("kill switch check failed", "window", window, "error", err)
		return shadow.Evaluation{}, err
	}
	a.logger.Info("shadow sweep",
		"window", window,
		"compared", compared,
		"verdict", ev.Verdict,
		"agreement", ev.Metrics.AgreementRate,
	)
	return ev, nil
}

// newLimiter allows perSecond comparisons with a burst of one; zero or
// negative means unthrottled.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// #endregion shadow-job
