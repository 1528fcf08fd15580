package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/router"
)

// SecretSource resolves declared secret names to their values.
type SecretSource func(names []string) (map[string][]byte, error)

// childRequest is the handshake frame the supervisor writes to the
// child's stdin. The signing key is the ephemeral Ed25519 private key
// the child must sign its reply envelope with.
type childRequest struct {
	CorrelationID string         `json:"correlation_id"`
	ComponentID   string         `json:"component_id"`
	Gear          string         `json:"gear"`
	Action        string         `json:"action"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	StepID        string         `json:"step_id"`
	Workspace     string         `json:"workspace"`
	SigningKey    []byte         `json:"signing_key"`
}

// spawnFunc runs the child process with the handshake frame and returns
// the reply frame. Swappable for tests.
type spawnFunc func(ctx context.Context, m *GearManifest, env []string, request []byte) ([]byte, error)

// Supervisor executes plan steps as sandboxed tool processes. It is the
// execute.request handler on the router.
type Supervisor struct {
	gears       *Registry
	keys        *router.KeyRegistry
	workspace   string
	killTimeout time.Duration
	secrets     SecretSource
	logger      *slog.Logger
	spawn       spawnFunc
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Gears       *Registry
	Keys        *router.KeyRegistry
	Workspace   string
	KillTimeout time.Duration
	Secrets     SecretSource // optional
	Logger      *slog.Logger
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	killTimeout := opts.KillTimeout
	if killTimeout <= 0 {
		killTimeout = 10 * time.Second
	}
	s := &Supervisor{
		gears:       opts.Gears,
		keys:        opts.Keys,
		workspace:   opts.Workspace,
		killTimeout: killTimeout,
		secrets:     opts.Secrets,
		logger:      logger,
	}
	s.spawn = s.defaultSpawn
	return s
}

// Handler returns the execute.request handler. Tool-level failures are
// returned inside the ExecuteResponse so the pipeline's classifier can
// act on them; only protocol errors fail the dispatch itself.
func (s *Supervisor) Handler() router.Handler {
	return func(ctx context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		var req model.ExecuteRequest
		if err := model.DecodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		resp := s.execute(ctx, &req)
		resp.StepID = req.StepID
		payload, err := model.EncodePayload(resp)
		if err != nil {
			return nil, err
		}
		return &model.AxisMessage{Type: model.MsgExecuteReply, Payload: payload}, nil
	}
}

func (s *Supervisor) execute(ctx context.Context, req *model.ExecuteRequest) model.ExecuteResponse {
	manifest, ok := s.gears.Get(req.Gear)
	if !ok {
		return toolFailure("unknown_gear", fmt.Sprintf("no manifest for gear %q", req.Gear), 404)
	}
	action, ok := manifest.Actions[req.Action]
	if !ok {
		return toolFailure("unknown_action",
			fmt.Sprintf("gear %q has no action %q", req.Gear, req.Action), 404)
	}

	fsPatterns := append(append([]string(nil),
		manifest.Permissions.FS.Read...), manifest.Permissions.FS.Write...)
	for param, typ := range action.Params {
		if typ != "path" {
			continue
		}
		value, ok := req.Parameters[param].(string)
		if !ok {
			continue
		}
		if err := ValidatePath(s.workspace, fsPatterns, value); err != nil {
			return toolFailure("path_denied", err.Error(), 403)
		}
	}

	keys, err := router.GenerateKeypair()
	if err != nil {
		return toolFailure("sandbox_failure", err.Error(), 0)
	}
	componentID := fmt.Sprintf("gear:%s:%s", req.Gear, uuid.NewString()[:8])
	s.keys.Register(componentID, keys.Public)
	defer func() {
		s.keys.Remove(componentID)
		keys.Zero()
	}()

	secretsDir, cleanup, err := s.materializeSecrets(manifest)
	if err != nil {
		return toolFailure("sandbox_failure", err.Error(), 0)
	}
	defer cleanup()

	correlationID := model.NewMessageID()
	frame, err := json.Marshal(childRequest{
		CorrelationID: correlationID,
		ComponentID:   componentID,
		Gear:          req.Gear,
		Action:        req.Action,
		Parameters:    req.Parameters,
		StepID:        req.StepID,
		Workspace:     s.workspace,
		SigningKey:    keys.PrivateBytes(),
	})
	if err != nil {
		return toolFailure("sandbox_failure", err.Error(), 0)
	}

	env := BuildEnv(s.workspace, manifest, secretsDir, nil)
	start := time.Now()
	reply, err := s.spawn(ctx, manifest, env, frame)
	if err != nil {
		s.logger.Error("tool process failed",
			"gear", req.Gear, "action", req.Action, "step_id", req.StepID, "error", err)
		return toolFailure("sandbox_failure", err.Error(), 0)
	}

	resp, err := s.verifyReply(reply, componentID, keys, correlationID)
	if err != nil {
		s.logger.Error("tool reply rejected",
			"gear", req.Gear, "step_id", req.StepID, "error", err)
		return toolFailure("sandbox_failure", err.Error(), 0)
	}
	if resp.DurationMs == 0 {
		resp.DurationMs = time.Since(start).Milliseconds()
	}
	return *resp
}

// verifyReply checks the child's envelope: it must be signed by the
// ephemeral key assigned at spawn and echo the handshake correlation
// ID.
func (s *Supervisor) verifyReply(reply []byte, componentID string, keys *router.Keypair, correlationID string) (*model.ExecuteResponse, error) {
	var env model.SignedEnvelope
	if err := json.Unmarshal(reply, &env); err != nil {
		return nil, fmt.Errorf("malformed reply envelope: %w", err)
	}
	if env.Signer != componentID {
		return nil, fmt.Errorf("reply signed by %q, want %q", env.Signer, componentID)
	}
	if !router.Verify(keys.Public, &env) {
		return nil, fmt.Errorf("reply signature verification failed")
	}
	var msg model.AxisMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed reply message: %w", err)
	}
	if msg.CorrelationID != correlationID {
		return nil, fmt.Errorf("reply correlation %q does not echo request %q",
			msg.CorrelationID, correlationID)
	}
	var resp model.ExecuteResponse
	if err := model.DecodePayload(msg.Payload, &resp); err != nil {
		return nil, fmt.Errorf("malformed execute response: %w", err)
	}
	return &resp, nil
}

func (s *Supervisor) materializeSecrets(m *GearManifest) (string, func(), error) {
	if len(m.Permissions.Secrets) == 0 || s.secrets == nil {
		return "", func() {}, nil
	}
	values, err := s.secrets(m.Permissions.Secrets)
	if err != nil {
		return "", nil, fmt.Errorf("resolve secrets: %w", err)
	}
	dir, err := WriteSecrets(s.workspace, values)
	if err != nil {
		return "", nil, err
	}
	return dir.Path(), dir.Cleanup, nil
}

func toolFailure(code, message string, status int) model.ExecuteResponse {
	return model.ExecuteResponse{Error: &model.ToolError{
		Code:    code,
		Message: message,
		Status:  status,
	}}
}

// defaultSpawn starts the gear's entrypoint, applies resource limits,
// writes the handshake frame, and reads the single reply frame.
// Cancellation or the manifest timeout escalates SIGTERM to SIGKILL
// after the kill timeout.
func (s *Supervisor) defaultSpawn(ctx context.Context, m *GearManifest, env []string, request []byte) ([]byte, error) {
	if m.Limits.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.Limits.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.Command(m.Entrypoint)
	cmd.Dir = s.workspace
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", m.Entrypoint, err)
	}

	if err := applyMemoryLimit(cmd.Process.Pid, m.Limits.MaxMemoryMb); err != nil {
		s.terminate(cmd)
		return nil, err
	}

	if err := WriteFrame(stdin, request); err != nil {
		s.terminate(cmd)
		return nil, err
	}
	stdin.Close()

	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		payload, err := ReadFrame(stdout)
		ch <- result{payload, err}
	}()

	select {
	case res := <-ch:
		go s.terminate(cmd)
		if res.err != nil {
			return nil, fmt.Errorf("%w (stderr: %s)", res.err, truncate(stderr.String(), 512))
		}
		return res.payload, nil
	case <-ctx.Done():
		s.terminate(cmd)
		return nil, fmt.Errorf("tool %s: %w", m.ID, ctx.Err())
	}
}

// terminate reaps the child: SIGTERM, then SIGKILL after the kill
// timeout.
func (s *Supervisor) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.killTimeout):
		_ = cmd.Process.Kill()
		<-done
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
