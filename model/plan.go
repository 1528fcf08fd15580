package model

// RiskLevel classifies how dangerous a plan step is. It routes approval:
// high and critical steps require the human in the loop.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns the numeric ordering of a risk level. Unknown levels rank
// as medium.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 1
	}
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Step is one unit of work within a plan, executed as one sandboxed tool
// call.
type Step struct {
	ID          string         `json:"id"`
	Gear        string         `json:"gear"`
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	RiskLevel   RiskLevel      `json:"risk_level"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Plan is the structured output of the planner: an ordered list of steps.
// After validation the plan is frozen; retries produce a new plan with a
// new ID.
type Plan struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	Steps       []Step         `json:"steps"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	JournalSkip bool           `json:"journal_skip,omitempty"`
}

// StrippedStep is the information-barrier projection of a step. Only
// these fields ever cross the validator boundary.
type StrippedStep struct {
	ID         string         `json:"id"`
	Gear       string         `json:"gear"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	RiskLevel  RiskLevel      `json:"risk_level"`
}

// StrippedPlan is the information-barrier projection of a plan: IDs,
// gears, actions, parameters, and declared risk. Never reasoning,
// descriptions, or metadata.
type StrippedPlan struct {
	ID    string         `json:"id"`
	JobID string         `json:"job_id"`
	Steps []StrippedStep `json:"steps"`
}

// Strip projects a plan down to the fields the validator may see.
func (p *Plan) Strip() StrippedPlan {
	steps := make([]StrippedStep, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = StrippedStep{
			ID:         s.ID,
			Gear:       s.Gear,
			Action:     s.Action,
			Parameters: s.Parameters,
			RiskLevel:  s.RiskLevel,
		}
	}
	return StrippedPlan{ID: p.ID, JobID: p.JobID, Steps: steps}
}
