package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// trendWindow is the number of recent runs compared against the window
// before it when judging the score trend.
const trendWindow = 5

// Stats summarizes a slice of run log entries.
type Stats struct {
	TotalRuns       int
	SuccessRate     float64 // fraction of runs with success score >= 3
	AvgSuccess      float64
	AvgPlanQuality  float64
	AvgReasoning    float64
	AvgDuration     time.Duration
	ByGoalType      map[string]GoalTypeStats
	Trend           string // "improving", "declining" or "stable"
}

// GoalTypeStats is the per-goal-type breakdown.
type GoalTypeStats struct {
	Runs       int
	AvgSuccess float64
}

// ComputeStats aggregates the last n entries, or all of them when n <= 0
// or exceeds the log size.
func (s *Store) ComputeStats(lastN int) (*Stats, error) {
	entries, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	if lastN > 0 && lastN < len(entries) {
		entries = entries[len(entries)-lastN:]
	}
	return computeStats(entries), nil
}

func computeStats(entries []Entry) *Stats {
	stats := &Stats{
		TotalRuns:  len(entries),
		ByGoalType: make(map[string]GoalTypeStats),
		Trend:      "stable",
	}
	if len(entries) == 0 {
		return stats
	}

	var sumSuccess, sumPlan, sumReasoning float64
	var sumDuration time.Duration
	scored := 0
	passing := 0
	goalSums := make(map[string]float64)

	for _, e := range entries {
		sumDuration += time.Duration(e.DurationMS) * time.Millisecond

		gt := stats.ByGoalType[e.GoalType]
		gt.Runs++
		stats.ByGoalType[e.GoalType] = gt

		if e.Score == nil {
			continue
		}
		scored++
		sumSuccess += float64(e.Score.Success)
		sumPlan += float64(e.Score.PlanQuality)
		sumReasoning += float64(e.Score.Reasoning)
		goalSums[e.GoalType] += float64(e.Score.Success)
		if e.Score.Success >= 3 {
			passing++
		}
	}

	stats.AvgDuration = sumDuration / time.Duration(len(entries))
	if scored > 0 {
		stats.AvgSuccess = sumSuccess / float64(scored)
		stats.AvgPlanQuality = sumPlan / float64(scored)
		stats.AvgReasoning = sumReasoning / float64(scored)
		stats.SuccessRate = float64(passing) / float64(scored)
	}

	for name, gt := range stats.ByGoalType {
		if gt.Runs > 0 {
			gt.AvgSuccess = goalSums[name] / float64(gt.Runs)
			stats.ByGoalType[name] = gt
		}
	}

	stats.Trend = computeTrend(entries)
	return stats
}

// computeTrend compares the average success score of the most recent
// window against the window before it.
func computeTrend(entries []Entry) string {
	if len(entries) < 2*trendWindow {
		return "stable"
	}

	recent := windowAvg(entries[len(entries)-trendWindow:])
	prior := windowAvg(entries[len(entries)-2*trendWindow : len(entries)-trendWindow])

	switch {
	case recent > prior+0.5:
		return "improving"
	case recent < prior-0.5:
		return "declining"
	default:
		return "stable"
	}
}

func windowAvg(entries []Entry) float64 {
	sum := 0.0
	n := 0
	for _, e := range entries {
		if e.Score != nil {
			sum += float64(e.Score.Success)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Format renders the stats as a human-readable block for the REPL.
func (st *Stats) Format() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Runs: %d\n", st.TotalRuns)
	if st.TotalRuns == 0 {
		b.WriteString("No runs recorded yet.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Success rate: %.0f%%\n", st.SuccessRate*100)
	fmt.Fprintf(&b, "Average scores: success %.1f, plan %.1f, reasoning %.1f\n",
		st.AvgSuccess, st.AvgPlanQuality, st.AvgReasoning)
	fmt.Fprintf(&b, "Average duration: %s\n", st.AvgDuration.Round(time.Millisecond))
	fmt.Fprintf(&b, "Trend: %s\n", st.Trend)

	if len(st.ByGoalType) > 0 {
		b.WriteString("By goal type:\n")
		names := make([]string, 0, len(st.ByGoalType))
		for name := range st.ByGoalType {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			gt := st.ByGoalType[name]
			fmt.Fprintf(&b, "  %-8s %d run(s), avg success %.1f\n", name, gt.Runs, gt.AvgSuccess)
		}
	}

	return b.String()
}
