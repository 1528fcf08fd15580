package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types routed through the Axis router.
const (
	MsgPlanRequest     = "plan.request"
	MsgPlanReply       = "plan.reply"
	MsgValidateRequest = "validate.request"
	MsgValidateReply   = "validate.reply"
	MsgExecuteRequest  = "execute.request"
	MsgExecuteReply    = "execute.reply"
	MsgReflectRequest  = "reflect.request"
	MsgReflectReply    = "reflect.reply"
)

// AxisMessage is the logical message exchanged between named components.
type AxisMessage struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	JobID         string          `json:"job_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
}

// SignedEnvelope wraps an AxisMessage with Ed25519 authentication. The
// signature covers the canonical byte string
// messageId|timestamp|signer|payload.
type SignedEnvelope struct {
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	Signer    string          `json:"signer"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
}

// SigningBytes returns the canonical bytes the envelope signature covers.
// Timestamps are rendered in RFC 3339 UTC with nanoseconds so that any
// byte-level mutation of the serialized envelope invalidates the
// signature.
func (e *SignedEnvelope) SigningBytes() []byte {
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	b := make([]byte, 0, len(e.MessageID)+len(ts)+len(e.Signer)+len(e.Payload)+3)
	b = append(b, e.MessageID...)
	b = append(b, '|')
	b = append(b, ts...)
	b = append(b, '|')
	b = append(b, e.Signer...)
	b = append(b, '|')
	b = append(b, e.Payload...)
	return b
}

// PlanRequest is the payload of plan.request.
type PlanRequest struct {
	UserMessage         string         `json:"user_message"`
	JobID               string         `json:"job_id"`
	ConversationHistory []ChatMessage  `json:"conversation_history,omitempty"`
	RelevantMemories    []string       `json:"relevant_memories,omitempty"`
	ActiveJobs          []string       `json:"active_jobs,omitempty"`
	FailureState        *FailureState  `json:"failure_state,omitempty"`
	CumulativeTokens    int            `json:"cumulative_tokens,omitempty"`
	ForceFullPath       bool           `json:"force_full_path,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// ChatMessage is one entry of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FailureState accumulates planner feedback across revision loops.
type FailureState struct {
	RevisionCount int      `json:"revision_count"`
	Reasons       []string `json:"reasons,omitempty"`
}

// Planner reply path markers.
const (
	PathFast = "fast"
	PathFull = "full"
)

// PlanResponse is the payload of the planner's reply: either a fast-path
// plain text answer or a full structured plan.
type PlanResponse struct {
	Path string `json:"path"`
	Text string `json:"text,omitempty"`
	Plan *Plan  `json:"plan,omitempty"`
}

// ValidateRequest is the payload of validate.request. It carries only the
// stripped plan; the information barrier forbids anything else.
type ValidateRequest struct {
	Plan StrippedPlan `json:"plan"`
}

// ExecuteRequest is the payload of execute.request for one plan step.
type ExecuteRequest struct {
	Gear       string         `json:"gear"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	StepID     string         `json:"step_id"`
	JobID      string         `json:"job_id,omitempty"`
}

// ExecuteResponse is the success payload of the tool runtime's reply.
type ExecuteResponse struct {
	Result     any        `json:"result,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	StepID     string     `json:"step_id"`
	Error      *ToolError `json:"error,omitempty"`
}

// ReflectRequest is the payload of reflect.request sent to the memory
// writer after a job completes.
type ReflectRequest struct {
	JobID    string `json:"job_id"`
	Summary  string `json:"summary"`
	Outcome  string `json:"outcome"`
	Steps    int    `json:"steps"`
	Duration int64  `json:"duration_ms"`
}

// EncodePayload marshals a payload value for an AxisMessage.
func EncodePayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload unmarshals an AxisMessage payload into v.
func DecodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("decode payload: empty payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
