package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to safety_controller.db")
	last := flag.Int("last", 20, "show N most recently updated weights")
	scope := flag.String("scope", "", "filter by scope")
	scopeID := flag.String("scope-id", "", "filter by scope id")
	target := flag.String("target", "", "filter by target")
	frozenOnly := flag.Bool("frozen", false, "only frozen weights")
	key := flag.String("key", "", "show one weight with history: scope/scope_id/target/key")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/safety_controller.db [--last N] [--scope s] [--scope-id id] [--target t] [--frozen] [--key s/id/t/k] [--json]")
		os.Exit(2)
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	l, err := ledger.NewLedger(db, ledger.DefaultCorridor())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if *key != "" {
		err = runDetailMode(ctx, l, *key, *jsonOut)
	} else {
		err = runListMode(ctx, l, ledger.ListFilter{
			Scope:      *scope,
			ScopeID:    *scopeID,
			Target:     *target,
			FrozenOnly: *frozenOnly,
			Limit:      *last,
		}, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	Key         string  `json:"key"`
	Base        float64 `json:"base"`
	Current     float64 `json:"current"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Drift       float64 `json:"drift"`
	Direction   string  `json:"direction"`
	Evidence    int64   `json:"evidence"`
	BoundaryHit int64   `json:"boundary_hits"`
	Frozen      bool    `json:"frozen"`
	UpdatedAt   string  `json:"updated_at"`
}

func runListMode(ctx context.Context, l *ledger.Ledger, filter ledger.ListFilter, jsonOut bool) error {
	recs, err := l.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "no weights found")
		return nil
	}

	rows := make([]listRow, len(recs))
	for i, r := range recs {
		rows[i] = listRow{
			Key:         r.Key.String(),
			Base:        r.BaseWeight,
			Current:     r.CurrentWeight,
			Min:         r.MinWeight,
			Max:         r.MaxWeight,
			Drift:       r.DriftFromBase,
			Direction:   string(r.DriftDirection),
			Evidence:    r.EvidenceCount,
			BoundaryHit: r.HitBoundaryCount,
			Frozen:      r.Frozen,
			UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
		}
	}

	if jsonOut {
		return printJSON(rows)
	}
	return printListTable(rows)
}

func printListTable(rows []listRow) error {
	fmt.Printf("%-40s  %8s  %8s  %17s  %8s  %-6s  %5s  %4s  %-6s  %s\n",
		"Key", "Base", "Current", "Corridor", "Drift", "Dir", "Evid", "Bnd", "Frozen", "Updated")
	fmt.Printf("%-40s+-%8s+-%8s+-%17s+-%8s+-%-6s+-%5s+-%4s+-%-6s+-%s\n",
		strings.Repeat("-", 40), "--------", "--------", strings.Repeat("-", 17), "--------", "------", "-----", "----", "------", "--------------------")

	frozen := 0
	for _, r := range rows {
		fz := ""
		if r.Frozen {
			fz = "yes"
			frozen++
		}
		fmt.Printf("%-40s  %8.4f  %8.4f  [%7.4f,%7.4f]  %+8.4f  %-6s  %5d  %4d  %-6s  %s\n",
			shortKey(r.Key), r.Base, r.Current, r.Min, r.Max, r.Drift, r.Direction, r.Evidence, r.BoundaryHit, fz, r.UpdatedAt)
	}
	fmt.Printf("\n%d weights, %d frozen\n", len(rows), frozen)
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	listRow
	CumulativeDrift float64             `json:"cumulative_drift"`
	TotalPositive   float64             `json:"total_positive"`
	TotalNegative   float64             `json:"total_negative"`
	FrozenReason    string              `json:"frozen_reason,omitempty"`
	Version         int64               `json:"version"`
	History         []ledger.Adjustment `json:"history"`
}

func runDetailMode(ctx context.Context, l *ledger.Ledger, raw string, jsonOut bool) error {
	key, err := parseKey(raw)
	if err != nil {
		return err
	}
	r, err := l.Get(ctx, key)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("weight %s not found", key)
	}

	out := detailOutput{
		listRow: listRow{
			Key:         r.Key.String(),
			Base:        r.BaseWeight,
			Current:     r.CurrentWeight,
			Min:         r.MinWeight,
			Max:         r.MaxWeight,
			Drift:       r.DriftFromBase,
			Direction:   string(r.DriftDirection),
			Evidence:    r.EvidenceCount,
			BoundaryHit: r.HitBoundaryCount,
			Frozen:      r.Frozen,
			UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
		},
		CumulativeDrift: r.CumulativeDrift,
		TotalPositive:   r.TotalPositive,
		TotalNegative:   r.TotalNegative,
		FrozenReason:    r.FrozenReason,
		Version:         r.Version,
		History:         r.History,
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Key:        %s (v%d)\n", out.Key, out.Version)
	fmt.Printf("Weight:     %.4f (base %.4f, corridor [%.4f, %.4f])\n", out.Current, out.Base, out.Min, out.Max)
	fmt.Printf("Drift:      %+.4f %s, cumulative %.4f\n", out.Drift, out.Direction, out.CumulativeDrift)
	fmt.Printf("Evidence:   %d (+%.2f / -%.2f), %d boundary hits\n", out.Evidence, out.TotalPositive, out.TotalNegative, out.BoundaryHit)
	if out.Frozen {
		fmt.Printf("Frozen:     %s\n", out.FrozenReason)
	}

	fmt.Printf("\nHistory (oldest first):\n")
	for _, a := range out.History {
		fmt.Printf("  %s  %8.4f -> %8.4f  score %+.2f  %s\n",
			a.Timestamp.Format(time.RFC3339), a.OldWeight, a.NewWeight, a.FeedbackScore, a.Reason)
	}
	return nil
}

func parseKey(raw string) (ledger.Key, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 4 {
		return ledger.Key{}, fmt.Errorf("key %q: want scope/scope_id/target/key", raw)
	}
	k := ledger.Key{Scope: parts[0], ScopeID: parts[1], Target: parts[2], Key: parts[3]}
	if !k.Valid() {
		return ledger.Key{}, fmt.Errorf("key %q has an empty component", raw)
	}
	return k, nil
}

// #endregion detail-mode

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortKey(k string) string {
	if len(k) > 40 {
		return k[:37] + "..."
	}
	return k
}

// #endregion output
