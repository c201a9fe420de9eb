package tracker

import (
	"fmt"
	"sort"
)

// DegradingWorker identifies a worker whose recent outcomes fell behind,
// with the signals an operator needs to decide on a restart.
type DegradingWorker struct {
	Name             string  `json:"name"`
	PredictedSuccess float64 `json:"predicted_success"`
	RecentFailures   int     `json:"recent_failures"`
}

// CostAnalysis summarizes spend across the pool.
type CostAnalysis struct {
	TotalCost      float64 `json:"total_cost"`
	AvgCostPerTask float64 `json:"avg_cost_per_task"`
	MostEfficient  string  `json:"most_efficient,omitempty"`
	LeastEfficient string  `json:"least_efficient,omitempty"`
}

// Insights is the pool-level report surfaced by the stats endpoint.
type Insights struct {
	TotalWorkers      int                 `json:"total_workers"`
	HealthyWorkers    int                 `json:"healthy_workers"`
	DegradingWorkers  []DegradingWorker   `json:"degrading_workers"`
	TopPerformers     []Scored            `json:"top_performers"`
	Recommendations   []string            `json:"recommendations"`
	Cost              CostAnalysis        `json:"cost_analysis"`
	SpecializationMap map[string][]string `json:"specialization_map"`
}

// Insights builds a pool-level report from every worker's record. The
// healthy-worker count comes from the health monitor, which owns that
// judgment.
func (t *Tracker) Insights(healthyWorkers int) Insights {
	snapshots := t.Snapshots()

	in := Insights{
		TotalWorkers:      len(snapshots),
		HealthyWorkers:    healthyWorkers,
		DegradingWorkers:  []DegradingWorker{},
		Recommendations:   []string{},
		SpecializationMap: map[string][]string{},
	}

	type costed struct {
		name        string
		costPerTask float64
	}
	var (
		all        []Scored
		byCost     []costed
		totalTasks int64
	)

	names := make([]string, 0, len(snapshots))
	for name := range snapshots {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := snapshots[name]

		if s.Trend == TrendDegrading {
			in.DegradingWorkers = append(in.DegradingWorkers, DegradingWorker{
				Name:             name,
				PredictedSuccess: s.PredictedSuccess,
				RecentFailures:   s.ConsecutiveFailures,
			})
		}

		in.Cost.TotalCost += s.TotalCost
		totalTasks += s.TotalTasks

		if len(s.OptimalTypes) > 0 {
			types := make([]string, 0, len(s.OptimalTypes))
			for _, tt := range s.OptimalTypes {
				types = append(types, string(tt))
			}
			in.SpecializationMap[name] = types
		}

		if s.TotalTasks > 5 {
			byCost = append(byCost, costed{name: name, costPerTask: s.CostPerTask})
		}

		all = append(all, Scored{Name: name, Score: t.Score(name, "")})
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > 3 {
		all = all[:3]
	}
	in.TopPerformers = all

	if totalTasks > 0 {
		in.Cost.AvgCostPerTask = in.Cost.TotalCost / float64(totalTasks)
	}
	if len(byCost) > 0 {
		sort.SliceStable(byCost, func(i, j int) bool {
			return byCost[i].costPerTask < byCost[j].costPerTask
		})
		in.Cost.MostEfficient = byCost[0].name
		in.Cost.LeastEfficient = byCost[len(byCost)-1].name
	}

	if n := len(in.DegradingWorkers); n > 0 {
		in.Recommendations = append(in.Recommendations,
			fmt.Sprintf("%d worker(s) showing degraded performance; consider a restart", n))
	}
	if healthyWorkers < 2 {
		in.Recommendations = append(in.Recommendations,
			"low worker availability; consider starting more workers")
	}
	if len(in.SpecializationMap) == 0 && totalTasks > 50 {
		in.Recommendations = append(in.Recommendations,
			"no specialized workers detected; consider dedicating workers per task type")
	}
	if len(in.Recommendations) == 0 {
		in.Recommendations = append(in.Recommendations, "system operating normally")
	}

	return in
}
