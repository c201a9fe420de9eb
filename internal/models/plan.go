package models

// Plan is an ordered sequence of step kinds produced for one user message.
// Plans are linear chains of at most three steps; each step's output feeds
// the next step's context, and the plan aborts on the first failed step.
type Plan struct {
	Steps       []StepType `json:"steps"`
	Reasoning   string     `json:"reasoning"`
	IsMultiStep bool       `json:"is_multi_step"`
}

// MaxPlanSteps caps how many steps a plan may carry.
const MaxPlanSteps = 3

// StepStrings returns the step kinds as plain strings for logging.
func (p Plan) StepStrings() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = string(s)
	}
	return out
}

// DefaultPlan is the fallback when planning is unavailable or invalid.
func DefaultPlan(reasoning string) Plan {
	return Plan{
		Steps:       []StepType{StepTypeGeneral},
		Reasoning:   reasoning,
		IsMultiStep: false,
	}
}

// Validation is the validator's judgment of one worker answer.
type Validation struct {
	IsComplete  bool    `json:"is_complete"`
	Quality     float64 `json:"quality"`
	ShouldRetry bool    `json:"should_retry"`
	Reasoning   string  `json:"reasoning"`
	Confidence  float64 `json:"confidence"`
}
