package audit

import "time"

// #region entry
// Entry is a single row in the audit_log table.
type Entry struct {
	ID          string
	Component   string // "ledger" | "control" | "gate" | "shadow"
	Action      string
	Actor       string
	SubjectID   string // run id, control id, window ...
	Reason      string
	DetailsJSON string
	CreatedAt   time.Time
}

// #endregion entry

// Component names used across the control plane.
const (
	ComponentLedger  = "ledger"
	ComponentControl = "control"
	ComponentGate    = "gate"
	ComponentShadow  = "shadow"
)
