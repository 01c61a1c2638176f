package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS learning_control (
	control_id                TEXT PRIMARY KEY,
	status                    TEXT NOT NULL CHECK (status IN ('active', 'frozen', 'degraded', 'manual_override')),
	status_reason             TEXT,
	base_learning_rate        REAL NOT NULL,
	effective_learning_rate   REAL NOT NULL,
	rate_half_life_days       REAL NOT NULL,
	min_learning_rate         REAL NOT NULL,
	max_learning_rate         REAL NOT NULL,
	drift_threshold           REAL NOT NULL,
	current_max_drift         REAL NOT NULL DEFAULT 0,
	current_avg_drift         REAL NOT NULL DEFAULT 0,
	drift_freeze_count        INTEGER NOT NULL DEFAULT 0,
	confidence_floor          REAL NOT NULL,
	min_evidence_for_learning INTEGER NOT NULL,
	total_freeze_events       INTEGER NOT NULL DEFAULT 0,
	health_score              REAL NOT NULL DEFAULT 1 CHECK (health_score BETWEEN 0 AND 1),
	last_freeze_at            TEXT,
	last_unfreeze_at          TEXT,
	override_by               TEXT,
	override_at               TEXT,
	override_rate             REAL NOT NULL DEFAULT 0,
	epoch_started_at          TEXT NOT NULL,
	version                   INTEGER NOT NULL,
	updated_at                TEXT NOT NULL,
	CHECK (status != 'frozen' OR effective_learning_rate = 0)
);
`

const columns = `control_id, status, status_reason, base_learning_rate, effective_learning_rate,
	rate_half_life_days, min_learning_rate, max_learning_rate, drift_threshold,
	current_max_drift, current_avg_drift, drift_freeze_count, confidence_floor,
	min_evidence_for_learning, total_freeze_events, health_score, last_freeze_at,
	last_unfreeze_at, override_by, override_at, override_rate, epoch_started_at,
	version, updated_at`

// #endregion schema

// #region load
func (c *Controller) load(ctx context.Context) (*LearningControl, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM learning_control WHERE control_id = ?`, c.cfg.ControlID)

	var lc LearningControl
	var status string
	var reason, overrideBy sql.NullString
	var lastFreeze, lastUnfreeze, overrideAt sql.NullString
	var epoch, updated string
	err := row.Scan(
		&lc.ControlID, &status, &reason, &lc.BaseLearningRate, &lc.EffectiveLearningRate,
		&lc.RateHalfLifeDays, &lc.MinLearningRate, &lc.MaxLearningRate, &lc.DriftThreshold,
		&lc.CurrentMaxDrift, &lc.CurrentAvgDrift, &lc.DriftFreezeCount, &lc.ConfidenceFloor,
		&lc.MinEvidenceForLearning, &lc.TotalFreezeEvents, &lc.HealthScore, &lastFreeze,
		&lastUnfreeze, &overrideBy, &overrideAt, &lc.OverrideRate, &epoch,
		&lc.Version, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load learning control: %w", err)
	}

	lc.Status = Status(status)
	lc.StatusReason = reason.String
	lc.OverrideBy = overrideBy.String
	lc.LastFreezeAt = store.TimeFromNull(lastFreeze)
	lc.LastUnfreezeAt = store.TimeFromNull(lastUnfreeze)
	lc.OverrideAt = store.TimeFromNull(overrideAt)
	lc.EpochStartedAt = store.ParseTime(epoch)
	lc.UpdatedAt = store.ParseTime(updated)
	return &lc, nil
}

// #endregion load

// #region insert
// insert creates the row if absent. A concurrent creator wins silently.
func (c *Controller) insert(ctx context.Context, lc LearningControl) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO learning_control (`+columns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(control_id) DO NOTHING`,
		lc.ControlID, string(lc.Status), store.NullIfEmpty(lc.StatusReason),
		lc.BaseLearningRate, lc.EffectiveLearningRate,
		lc.RateHalfLifeDays, lc.MinLearningRate, lc.MaxLearningRate, lc.DriftThreshold,
		lc.CurrentMaxDrift, lc.CurrentAvgDrift, lc.DriftFreezeCount, lc.ConfidenceFloor,
		lc.MinEvidenceForLearning, lc.TotalFreezeEvents, lc.HealthScore,
		store.NullTime(lc.LastFreezeAt), store.NullTime(lc.LastUnfreezeAt),
		store.NullIfEmpty(lc.OverrideBy), store.NullTime(lc.OverrideAt), lc.OverrideRate,
		store.FormatTime(lc.EpochStartedAt), lc.Version, store.FormatTime(lc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert learning control: %w", err)
	}
	return nil
}

// #endregion insert

// #region cas
// compareAndSwap writes lc only if the stored version is still expected.
// It reports false when another writer got there first.
func (c *Controller) compareAndSwap(ctx context.Context, lc LearningControl, expected int64) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE learning_control SET
			status = ?, status_reason = ?, base_learning_rate = ?, effective_learning_rate = ?,
			rate_half_life_days = ?, min_learning_rate = ?, max_learning_rate = ?, drift_threshold = ?,
			current_max_drift = ?, current_avg_drift = ?, drift_freeze_count = ?, confidence_floor = ?,
			min_evidence_for_learning = ?, total_freeze_events = ?, health_score = ?,
			last_freeze_at = ?, last_unfreeze_at = ?, override_by = ?, override_at = ?,
			override_rate = ?, epoch_started_at = ?, version = ?, updated_at = ?
		 WHERE control_id = ? AND version = ?`,
		string(lc.Status), store.NullIfEmpty(lc.StatusReason), lc.BaseLearningRate, lc.EffectiveLearningRate,
		lc.RateHalfLifeDays, lc.MinLearningRate, lc.MaxLearningRate, lc.DriftThreshold,
		lc.CurrentMaxDrift, lc.CurrentAvgDrift, lc.DriftFreezeCount, lc.ConfidenceFloor,
		lc.MinEvidenceForLearning, lc.TotalFreezeEvents, lc.HealthScore,
		store.NullTime(lc.LastFreezeAt), store.NullTime(lc.LastUnfreezeAt),
		store.NullIfEmpty(lc.OverrideBy), store.NullTime(lc.OverrideAt),
		lc.OverrideRate, store.FormatTime(lc.EpochStartedAt), lc.Version, store.FormatTime(lc.UpdatedAt),
		lc.ControlID, expected,
	)
	if err != nil {
		return false, fmt.Errorf("update learning control: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update learning control: %w", err)
	}
	return n == 1, nil
}

// #endregion cas
