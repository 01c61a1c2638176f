package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/replay"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture JSON")
	rate := flag.Float64("rate", 0, "override the fixture's learning rate")
	jsonOut := flag.Bool("json", false, "print results and summary as JSON")
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [--rate 0.05] [--json]")
		os.Exit(2)
	}
	os.Exit(runFixtureMode(*fixturePath, *rate, *jsonOut))
}

// #endregion main

// #region fixture-mode

func runFixtureMode(path string, rate float64, jsonOut bool) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}
	config, err := f.Config.ToReplayConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixture config: %v\n", err)
		return 2
	}
	if rate > 0 {
		config.LearningRate = rate
	}

	results, final, err := replay.Replay(context.Background(), f.Seeds(), f.ToEvents(), config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}
	summary := replay.Summarize(results, final)

	if jsonOut {
		data, err := json.MarshalIndent(map[string]interface{}{
			"description": f.Description,
			"results":     results,
			"summary":     summary,
		}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal json: %v\n", err)
			return 2
		}
		fmt.Println(string(data))
		return diverged(results, f.ExpectedResults)
	}

	if f.Description != "" {
		fmt.Printf("%s\n\n", f.Description)
	}
	code := printComparison(results, f.ExpectedResults)
	printSummary(summary)
	return code
}

// #endregion fixture-mode

// #region output

// printComparison outputs a comparison table and returns the exit code.
// Without expected results every event is listed and the run passes.
func printComparison(results []replay.Result, expected []replay.FixtureExpectedResult) int {
	fmt.Printf("%-8s| %-10s| %-10s| %9s| %9s| %-4s| %s\n", "Event", "Expected", "Replayed", "Exp W", "Got W", "Bnd", "Match")
	fmt.Printf("%-8s+%-11s+%-11s+%10s+%10s+%-5s+%s\n",
		"--------", "-----------", "-----------", "----------", "----------", "-----", "------")

	matches := 0
	for i, r := range results {
		if i >= len(expected) {
			fmt.Printf("%-8s| %-10s| %-10s| %9s| %9.4f| %-4t| %s\n", r.EventID, "-", r.Action, "-", r.Weight, r.HitBoundary, "-")
			continue
		}
		e := expected[i]
		match := "DIFF"
		if resultMatches(e, r) {
			match = "OK"
			matches++
		}
		fmt.Printf("%-8s| %-10s| %-10s| %9.4f| %9.4f| %-4t| %s\n", r.EventID, e.Action, r.Action, e.Weight, r.Weight, r.HitBoundary, match)
	}

	total := len(expected)
	if len(results) < total {
		total = len(results)
	}
	if total == 0 {
		return 0
	}
	diverge := total - matches
	fmt.Printf("\nComparison: %d total, %d match, %d diverge\n", total, matches, diverge)
	if diverge > 0 {
		return 1
	}
	return 0
}

func printSummary(s replay.Summary) {
	fmt.Printf("\nSummary: %d events, %d applied, %d frozen, %d skipped, %d not found, %d boundary hits\n",
		s.TotalEvents, s.Applied, s.Frozen, s.Skipped, s.NotFound, s.BoundaryHits)
	for _, w := range s.FinalWeights {
		state := ""
		if w.Frozen {
			state = " frozen"
		}
		fmt.Printf("  %-40s %.4f (base %.4f, drift %+.4f)%s\n", w.Key.String(), w.CurrentWeight, w.BaseWeight, w.DriftFromBase, state)
	}
}

// resultMatches compares action, boundary flag and weight to 1e-9.
func resultMatches(e replay.FixtureExpectedResult, r replay.Result) bool {
	return e.ID == r.EventID &&
		e.Action == string(r.Action) &&
		e.HitBoundary == r.HitBoundary &&
		math.Abs(e.Weight-r.Weight) <= 1e-9
}

func diverged(results []replay.Result, expected []replay.FixtureExpectedResult) int {
	for i := 0; i < len(results) && i < len(expected); i++ {
		if !resultMatches(expected[i], results[i]) {
			return 1
		}
	}
	return 0
}

// #endregion output
