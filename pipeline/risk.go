package pipeline

import (
	"context"
	"strings"

	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/router"
)

// Step categories produced by the rule-based risk classifier.
const (
	CategoryReadFiles        = "read_files"
	CategoryWriteFiles       = "write_files"
	CategoryDeleteFiles      = "delete_files"
	CategoryNetworkRequest   = "network_request"
	CategoryShell            = "shell"
	CategoryPayment          = "payment"
	CategoryCredentialAccess = "credential_access"
	CategoryUnknown          = "unknown"
)

// riskRule matches a step by substrings of its gear and action names.
// The first matching rule wins; order encodes precedence.
type riskRule struct {
	keywords []string
	category string
	risk     model.RiskLevel
}

var riskRules = []riskRule{
	{[]string{"pay", "purchase", "transaction", "checkout"}, CategoryPayment, model.RiskCritical},
	{[]string{"credential", "secret", "token", "password", "keychain"}, CategoryCredentialAccess, model.RiskHigh},
	{[]string{"shell", "exec", "command", "spawn"}, CategoryShell, model.RiskHigh},
	{[]string{"delete", "remove", "purge", "truncate"}, CategoryDeleteFiles, model.RiskHigh},
	{[]string{"write", "create", "move", "copy", "rename", "append", "save"}, CategoryWriteFiles, model.RiskMedium},
	{[]string{"fetch", "request", "download", "upload", "http", "web", "network", "send"}, CategoryNetworkRequest, model.RiskMedium},
	{[]string{"read", "list", "search", "stat", "glob", "find"}, CategoryReadFiles, model.RiskLow},
}

// ClassifyStep assigns a category and risk level from the step's gear
// and action names. The declared risk level never lowers the result.
func ClassifyStep(step model.StrippedStep) (string, model.RiskLevel) {
	haystack := strings.ToLower(step.Gear + " " + step.Action)
	for _, rule := range riskRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.category, model.MaxRisk(rule.risk, step.RiskLevel)
			}
		}
	}
	return CategoryUnknown, model.MaxRisk(model.RiskMedium, step.RiskLevel)
}

// ClassifyPlan runs the rule table over every step and applies the
// composite rules. A credential_access step followed by a
// network_request step anywhere later in the plan raises the overall
// risk to critical (exfiltration shape).
func ClassifyPlan(plan model.StrippedPlan) model.ValidationResult {
	result := model.ValidationResult{OverallRisk: model.RiskLow}

	credentialSeen := false
	for _, step := range plan.Steps {
		category, risk := ClassifyStep(step)
		if category == CategoryCredentialAccess {
			credentialSeen = true
		}
		if credentialSeen && category == CategoryNetworkRequest {
			risk = model.RiskCritical
		}
		result.Steps = append(result.Steps, model.StepValidation{
			StepID:    step.ID,
			Verdict:   model.VerdictApproved,
			Category:  category,
			RiskLevel: risk,
			Reasoning: "rule-based classification",
		})
		result.OverallRisk = model.MaxRisk(result.OverallRisk, risk)
	}

	switch result.OverallRisk {
	case model.RiskHigh, model.RiskCritical:
		result.Verdict = model.VerdictNeedsUserApproval
		for i := range result.Steps {
			if result.Steps[i].RiskLevel.Rank() >= model.RiskHigh.Rank() {
				result.Steps[i].Verdict = model.VerdictNeedsUserApproval
			}
		}
	default:
		result.Verdict = model.VerdictApproved
	}
	return result
}

// FallbackValidator returns a validate.request handler backed by the
// rule table, used when no external validator component is registered.
func FallbackValidator() router.Handler {
	return func(_ context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		var req model.ValidateRequest
		if err := model.DecodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		result := ClassifyPlan(req.Plan)
		payload, err := model.EncodePayload(result)
		if err != nil {
			return nil, err
		}
		return &model.AxisMessage{Type: model.MsgValidateReply, Payload: payload}, nil
	}
}
