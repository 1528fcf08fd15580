package model

// Verdict is the validator's judgement of a plan.
type Verdict string

const (
	VerdictApproved          Verdict = "approved"
	VerdictNeedsRevision     Verdict = "needs_revision"
	VerdictNeedsUserApproval Verdict = "needs_user_approval"
	VerdictRejected          Verdict = "rejected"
)

// StepValidation is the validator's per-step result.
type StepValidation struct {
	StepID    string    `json:"step_id"`
	Verdict   Verdict   `json:"verdict"`
	Category  string    `json:"category,omitempty"`
	RiskLevel RiskLevel `json:"risk_level"`
	Reasoning string    `json:"reasoning,omitempty"`
}

// ValidationResult is what the validator emits for a plan.
type ValidationResult struct {
	Verdict     Verdict          `json:"verdict"`
	OverallRisk RiskLevel        `json:"overall_risk"`
	Steps       []StepValidation `json:"steps,omitempty"`
}
