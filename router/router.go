package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridianhq/meridian/audit"
	"github.com/meridianhq/meridian/model"
)

// Router errors.
var (
	// ErrAuthentication covers unknown signers, bad signatures, expired
	// timestamps, and replayed message IDs.
	ErrAuthentication = errors.New("authentication failure")

	// ErrNoHandler is returned when no component is registered for the
	// message's receiver.
	ErrNoHandler = errors.New("no handler registered")

	errExpiredTimestamp = fmt.Errorf("%w: timestamp outside replay window", ErrAuthentication)
	errFutureTimestamp  = fmt.Errorf("%w: timestamp too far in the future", ErrAuthentication)
	errDuplicateMessage = fmt.Errorf("%w: duplicate message id", ErrAuthentication)
	errUnknownSigner    = fmt.Errorf("%w: unknown signer", ErrAuthentication)
	errBadSignature     = fmt.Errorf("%w: signature verification failed", ErrAuthentication)
)

// Handler processes one message for a component and returns the reply.
type Handler func(ctx context.Context, msg *model.AxisMessage) (*model.AxisMessage, error)

// Router dispatches signed envelopes to registered component handlers.
type Router struct {
	keys   *KeyRegistry
	replay *ReplayWindow
	signer *Signer
	writer audit.Writer
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Router. The signer is the router's own identity used to
// sign replies; its public key is registered automatically.
func New(keys *KeyRegistry, replay *ReplayWindow, signer *Signer, writer audit.Writer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	keys.Register(signer.ComponentID, signer.keys.Public)
	return &Router{
		keys:     keys,
		replay:   replay,
		signer:   signer,
		writer:   writer,
		logger:   logger,
		tracer:   otel.Tracer("meridian/router"),
		handlers: make(map[string]Handler),
	}
}

// Keys returns the key registry (sandbox supervisor registers ephemeral
// child keys here).
func (r *Router) Keys() *KeyRegistry { return r.keys }

// Register installs the handler for a component ID, replacing any prior
// handler.
func (r *Router) Register(componentID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[componentID] = h
}

// Registered reports whether a component has a handler.
func (r *Router) Registered(componentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[componentID]
	return ok
}

// Dispatch verifies an inbound envelope, invokes the receiver's handler,
// and returns the signed reply. Concurrent dispatches are independent.
func (r *Router) Dispatch(ctx context.Context, env *model.SignedEnvelope) (*model.SignedEnvelope, error) {
	if err := r.verify(env); err != nil {
		r.auditRejection(ctx, env, err)
		return nil, err
	}

	var msg model.AxisMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal envelope payload: %w", err)
	}

	ctx, span := r.tracer.Start(ctx, "router.dispatch",
		trace.WithAttributes(
			attribute.String("message.type", msg.Type),
			attribute.String("message.from", msg.From),
			attribute.String("message.to", msg.To),
		))
	defer span.End()

	r.mu.RLock()
	handler, ok := r.handlers[msg.To]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("component %s: %w", msg.To, ErrNoHandler)
	}

	reply, err := handler(ctx, &msg)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
	}
	r.auditDispatch(ctx, &msg, outcome)

	if err != nil {
		return nil, err
	}
	if reply == nil {
		reply = &model.AxisMessage{Type: msg.Type + ".reply"}
	}
	if reply.ID == "" {
		reply.ID = model.NewMessageID()
	}
	reply.CorrelationID = msg.ID
	reply.Timestamp = time.Now().UTC()
	reply.From = msg.To
	reply.To = msg.From
	if reply.JobID == "" {
		reply.JobID = msg.JobID
	}

	return r.signer.Sign(reply)
}

// Send is the caller-side convenience: wrap, sign, dispatch, and unwrap
// the verified reply.
func (r *Router) Send(ctx context.Context, signer *Signer, msg *model.AxisMessage) (*model.AxisMessage, error) {
	if msg.ID == "" {
		msg.ID = model.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.From == "" {
		msg.From = signer.ComponentID
	}

	env, err := signer.Sign(msg)
	if err != nil {
		return nil, err
	}
	replyEnv, err := r.Dispatch(ctx, env)
	if err != nil {
		return nil, err
	}

	pub, ok := r.keys.Lookup(replyEnv.Signer)
	if !ok || !Verify(pub, replyEnv) {
		return nil, fmt.Errorf("reply from %s: %w", replyEnv.Signer, errBadSignature)
	}

	var reply model.AxisMessage
	if err := json.Unmarshal(replyEnv.Payload, &reply); err != nil {
		return nil, fmt.Errorf("unmarshal reply payload: %w", err)
	}
	return &reply, nil
}

func (r *Router) verify(env *model.SignedEnvelope) error {
	pub, ok := r.keys.Lookup(env.Signer)
	if !ok {
		return fmt.Errorf("signer %s: %w", env.Signer, errUnknownSigner)
	}
	if err := r.replay.Check(env.MessageID, env.Timestamp); err != nil {
		return err
	}
	if !Verify(pub, env) {
		return errBadSignature
	}
	return nil
}

func (r *Router) auditDispatch(ctx context.Context, msg *model.AxisMessage, outcome string) {
	if r.writer == nil {
		return
	}
	entry := audit.Entry{
		Actor:   msg.From,
		Action:  msg.Type,
		Target:  msg.To,
		JobID:   msg.JobID,
		Outcome: outcome,
		At:      time.Now().UTC(),
	}
	if err := r.writer.Write(ctx, entry); err != nil {
		r.logger.Warn("audit write failed", "action", msg.Type, "error", err)
	}
}

func (r *Router) auditRejection(ctx context.Context, env *model.SignedEnvelope, cause error) {
	r.logger.Warn("envelope rejected",
		"signer", env.Signer, "message_id", env.MessageID, "error", cause)
	if r.writer == nil {
		return
	}
	entry := audit.Entry{
		Actor:   env.Signer,
		Action:  "envelope.rejected",
		Outcome: "rejected",
		Details: map[string]string{"reason": cause.Error(), "message_id": env.MessageID},
		At:      time.Now().UTC(),
	}
	if err := r.writer.Write(ctx, entry); err != nil {
		r.logger.Warn("audit write failed", "action", "envelope.rejected", "error", err)
	}
}
