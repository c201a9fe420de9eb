// Package tracker keeps per-worker performance statistics and turns them
// into routing scores. Every completed attempt feeds a worker's record;
// scores blend predicted success, speed, quality, expertise, and cost so
// the router can rank candidates without consulting raw history.
package tracker

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/maestrohq/maestro/internal/models"
)

// Trend classifies the direction a worker's recent outcomes are moving in.
type Trend string

const (
	// TrendLearning means the worker has too few outcomes to judge.
	TrendLearning Trend = "learning"
	// TrendImproving means recent outcomes beat the preceding window.
	TrendImproving Trend = "improving"
	// TrendStable means recent and older windows are within tolerance.
	TrendStable Trend = "stable"
	// TrendDegrading means recent outcomes fell behind the older window.
	TrendDegrading Trend = "degrading"
)

const (
	// historyWindow bounds the rolling duration/outcome/quality histories.
	historyWindow = 20

	// neutralScore is returned for workers with no recorded tasks yet.
	neutralScore = 50.0

	// trendTolerance is the outcome-rate delta beyond which a trend is
	// declared improving or degrading.
	trendTolerance = 0.1

	// specializationMinTasks gates specialization detection until the
	// worker has seen enough traffic to be judged.
	specializationMinTasks = 15

	// specializationShare is the traffic share a task type must reach to
	// count as one of the worker's optimal types.
	specializationShare = 0.40
)

// predictionWeights bias the predicted success rate toward the most
// recent outcomes. Index 0 is the oldest of the last five.
var predictionWeights = [5]float64{1.0, 1.2, 1.4, 1.6, 2.0}

// Outcome is one finished attempt as seen by the tracker.
type Outcome struct {
	TaskType models.StepType
	Success  bool
	Duration time.Duration
	Quality  float64
	// Scored reports whether Quality carries a validator score. Transport
	// failures produce unscored outcomes.
	Scored bool
	Tokens int
	Cost   float64
}

// Snapshot is a read-only copy of one worker's record.
type Snapshot struct {
	Worker              string                    `json:"worker"`
	TotalTasks          int64                     `json:"total_tasks"`
	SuccessCount        int64                     `json:"success_count"`
	FailureCount        int64                     `json:"failure_count"`
	ConsecutiveFailures int                       `json:"consecutive_failures"`
	LastFailure         time.Time                 `json:"last_failure,omitempty"`
	AvgResponseTime     float64                   `json:"avg_response_time"`
	AvgQuality          float64                   `json:"avg_quality"`
	TotalTokens         int64                     `json:"total_tokens"`
	TotalCost           float64                   `json:"total_cost"`
	CostPerTask         float64                   `json:"cost_per_task"`
	Uptime              float64                   `json:"uptime_percentage"`
	PredictedSuccess    float64                   `json:"predicted_success_rate"`
	Trend               Trend                     `json:"performance_trend"`
	OptimalTypes        []models.StepType         `json:"optimal_task_types,omitempty"`
	Specialization      float64                   `json:"specialization_score"`
	LearningPhase       bool                      `json:"learning_phase"`
	TaskTypes           map[models.StepType]int64 `json:"task_types,omitempty"`
}

// record holds one worker's mutable statistics. Each record carries its
// own mutex so feedback for one worker never blocks scoring another.
type record struct {
	mu sync.Mutex

	totalTasks          int64
	successCount        int64
	failureCount        int64
	consecutiveFailures int
	lastFailure         time.Time

	avgResponseTime float64 // seconds, adaptive EMA
	avgQuality      float64 // 0-10, adaptive EMA
	totalTokens     int64
	totalCost       float64
	costPerTask     float64
	uptime          float64 // percent

	durations []float64 // seconds, last historyWindow
	outcomes  []float64 // 1 success / 0 failure, last historyWindow
	qualities []float64 // last historyWindow scored attempts

	taskTypes        map[models.StepType]int64
	predictedSuccess float64
	trend            Trend
	optimalTypes     []models.StepType
	specialization   float64
	learningPhase    bool
}

func newRecord() *record {
	return &record{
		uptime:           100.0,
		predictedSuccess: 100.0,
		trend:            TrendStable,
		learningPhase:    true,
		taskTypes:        make(map[models.StepType]int64),
	}
}

// Tracker aggregates per-worker records. The zero value is not usable;
// construct with New.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*record

	// now is swappable for tests.
	now func() time.Time
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// lookup returns the record for a worker, or nil when the worker has
// never been recorded.
func (t *Tracker) lookup(name string) *record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[name]
}

// obtain returns the record for a worker, creating it on first use.
func (t *Tracker) obtain(name string) *record {
	if r := t.lookup(name); r != nil {
		return r
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[name]
	if !ok {
		r = newRecord()
		t.records[name] = r
	}
	return r
}

// Record folds one outcome into the worker's statistics and refreshes the
// derived trend, specialization, and predicted success rate.
func (t *Tracker) Record(workerName string, o Outcome) {
	r := t.obtain(workerName)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalTasks++
	if o.TaskType != "" {
		r.taskTypes[o.TaskType]++
	}

	// Adaptive learning rate: new workers adjust their averages quickly,
	// established workers slowly.
	var alpha float64
	switch {
	case r.totalTasks < 10:
		alpha = 0.5
		r.learningPhase = true
	case r.totalTasks < 50:
		alpha = 0.3
		r.learningPhase = false
	default:
		alpha = 0.2
		r.learningPhase = false
	}

	if o.Success {
		r.successCount++
		r.consecutiveFailures = 0
	} else {
		r.failureCount++
		r.consecutiveFailures++
		r.lastFailure = t.now()
	}

	seconds := o.Duration.Seconds()
	r.durations = appendBounded(r.durations, seconds)
	if o.Success {
		r.outcomes = appendBounded(r.outcomes, 1)
	} else {
		r.outcomes = appendBounded(r.outcomes, 0)
	}

	if r.avgResponseTime == 0 {
		r.avgResponseTime = seconds
	} else {
		r.avgResponseTime = alpha*seconds + (1-alpha)*r.avgResponseTime
	}

	if o.Scored {
		r.qualities = appendBounded(r.qualities, o.Quality)
		if r.avgQuality == 0 {
			r.avgQuality = o.Quality
		} else {
			r.avgQuality = alpha*o.Quality + (1-alpha)*r.avgQuality
		}
	}

	r.totalTokens += int64(o.Tokens)
	r.totalCost += o.Cost
	r.costPerTask = r.totalCost / float64(r.totalTasks)
	r.uptime = float64(r.successCount) / float64(r.totalTasks) * 100

	r.refreshTrend()
	r.refreshSpecialization()
	r.refreshPrediction()
}

// refreshTrend compares the most recent ten outcomes to the preceding
// ten. Workers with fewer than ten outcomes are still learning.
func (r *record) refreshTrend() {
	if len(r.outcomes) < 10 {
		r.trend = TrendLearning
		return
	}

	recent := r.outcomes[len(r.outcomes)-10:]
	older := recent
	if len(r.outcomes) >= 20 {
		older = r.outcomes[len(r.outcomes)-20 : len(r.outcomes)-10]
	}

	diff := mean(recent) - mean(older)
	switch {
	case diff > trendTolerance:
		r.trend = TrendImproving
	case diff < -trendTolerance:
		r.trend = TrendDegrading
	default:
		r.trend = TrendStable
	}
}

// refreshSpecialization marks task types that dominate this worker's
// traffic as optimal once enough tasks have been seen.
func (r *record) refreshSpecialization() {
	if r.totalTasks < specializationMinTasks || len(r.taskTypes) == 0 {
		return
	}

	var total, maxCount int64
	for _, n := range r.taskTypes {
		total += n
		if n > maxCount {
			maxCount = n
		}
	}

	var optimal []models.StepType
	for taskType, n := range r.taskTypes {
		if float64(n)/float64(total) >= specializationShare {
			optimal = append(optimal, taskType)
		}
	}
	sort.Slice(optimal, func(i, j int) bool { return optimal[i] < optimal[j] })

	r.optimalTypes = optimal
	if len(optimal) > 0 {
		r.specialization = math.Min(100, float64(maxCount)/float64(total)*100)
	} else {
		r.specialization = 0
	}
}

// refreshPrediction estimates the success rate of the next task from the
// last five outcomes, weighting recent ones more heavily. Workers with
// fewer than five outcomes fall back to their lifetime uptime.
func (r *record) refreshPrediction() {
	if len(r.outcomes) < 5 {
		r.predictedSuccess = r.uptime
		return
	}

	recent := r.outcomes[len(r.outcomes)-5:]
	var weightedSum, weightTotal float64
	for i, s := range recent {
		weightedSum += s * predictionWeights[i]
		weightTotal += predictionWeights[i]
	}
	r.predictedSuccess = weightedSum / weightTotal * 100
}

// Score ranks a worker in [0, 100] for a task type. Unknown workers and
// workers with no history score a neutral 50 so new capacity gets tried.
func (t *Tracker) Score(workerName string, taskType models.StepType) float64 {
	r := t.lookup(workerName)
	if r == nil {
		return neutralScore
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.totalTasks == 0 {
		return neutralScore
	}

	// Predicted success carries the most weight: 35 points.
	successScore := r.predictedSuccess / 100 * 35

	// Speed: up to 25 points, boosted when the recent five attempts ran
	// faster than the five before them.
	var speedScore float64
	if r.avgResponseTime > 0 {
		base := math.Min(25, 1/r.avgResponseTime*100)
		if len(r.durations) >= 10 {
			recent := mean(r.durations[len(r.durations)-5:])
			older := mean(r.durations[len(r.durations)-10 : len(r.durations)-5])
			if recent < older {
				base *= 1.1
			}
		}
		speedScore = base
	}

	// Quality: up to 20 points, boosted on an upward quality trend.
	var qualityScore float64
	if r.avgQuality > 0 {
		base := r.avgQuality / 10 * 20
		if len(r.qualities) >= 10 {
			recent := mean(r.qualities[len(r.qualities)-5:])
			older := mean(r.qualities[len(r.qualities)-10 : len(r.qualities)-5])
			if recent > older {
				base *= 1.1
			}
		}
		qualityScore = base
	}

	// Expertise: full 15 points for a declared specialization, otherwise
	// proportional to experience with the type.
	var expertiseScore float64
	if taskType != "" {
		if containsType(r.optimalTypes, taskType) {
			expertiseScore = 15
		} else if n, ok := r.taskTypes[taskType]; ok {
			expertiseScore = math.Min(15, float64(n)/10*15)
		}
	}

	// Cost efficiency: up to 5 points, anchored at $0.01 per task.
	var costScore float64
	if r.costPerTask > 0 {
		ratio := 0.01 / math.Max(r.costPerTask, 0.001)
		costScore = math.Min(5, ratio*5)
	}

	// Consecutive failures cut the score, harder when the worker is
	// already degrading.
	var failurePenalty float64
	if r.consecutiveFailures > 0 {
		if r.trend == TrendDegrading {
			failurePenalty = math.Min(30, float64(r.consecutiveFailures)*10)
		} else {
			failurePenalty = math.Min(20, float64(r.consecutiveFailures)*5)
		}
	}

	var trendBonus float64
	switch {
	case r.trend == TrendImproving:
		trendBonus = 5
	case r.trend == TrendStable && r.totalTasks > 20:
		trendBonus = 3
	}

	total := successScore + speedScore + qualityScore + expertiseScore +
		costScore + trendBonus - failurePenalty

	return math.Max(0, math.Min(100, total))
}

// Scored pairs a worker with its score for one ranking pass.
type Scored struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Rank scores each candidate for the task type and returns them best
// first. Ties keep the caller's order, so an upstream preference (for
// example idle-first) survives equal scores.
func (t *Tracker) Rank(candidates []string, taskType models.StepType) []Scored {
	ranked := make([]Scored, 0, len(candidates))
	for _, name := range candidates {
		ranked = append(ranked, Scored{Name: name, Score: t.Score(name, taskType)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Snapshot returns a copy of one worker's record. ok is false when the
// worker has never been recorded.
func (t *Tracker) Snapshot(workerName string) (Snapshot, bool) {
	r := t.lookup(workerName)
	if r == nil {
		return Snapshot{}, false
	}
	return r.snapshot(workerName), true
}

// Snapshots returns a copy of every worker's record keyed by name.
func (t *Tracker) Snapshots() map[string]Snapshot {
	t.mu.RLock()
	names := make([]string, 0, len(t.records))
	for name := range t.records {
		names = append(names, name)
	}
	t.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		if r := t.lookup(name); r != nil {
			out[name] = r.snapshot(name)
		}
	}
	return out
}

func (r *record) snapshot(name string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make(map[models.StepType]int64, len(r.taskTypes))
	for k, v := range r.taskTypes {
		types[k] = v
	}

	return Snapshot{
		Worker:              name,
		TotalTasks:          r.totalTasks,
		SuccessCount:        r.successCount,
		FailureCount:        r.failureCount,
		ConsecutiveFailures: r.consecutiveFailures,
		LastFailure:         r.lastFailure,
		AvgResponseTime:     r.avgResponseTime,
		AvgQuality:          r.avgQuality,
		TotalTokens:         r.totalTokens,
		TotalCost:           r.totalCost,
		CostPerTask:         r.costPerTask,
		Uptime:              r.uptime,
		PredictedSuccess:    r.predictedSuccess,
		Trend:               r.trend,
		OptimalTypes:        append([]models.StepType(nil), r.optimalTypes...),
		Specialization:      r.specialization,
		LearningPhase:       r.learningPhase,
		TaskTypes:           types,
	}
}

// Reset clears a worker's failure streak so it can re-enter selection
// after recovery. Lifetime counters are kept.
func (t *Tracker) Reset(workerName string) {
	r := t.lookup(workerName)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
	r.lastFailure = time.Time{}
}

func appendBounded(history []float64, v float64) []float64 {
	history = append(history, v)
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	return history
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func containsType(types []models.StepType, t models.StepType) bool {
	for _, c := range types {
		if c == t {
			return true
		}
	}
	return false
}
