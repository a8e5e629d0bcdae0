package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/degree-anchor/anchor-api/util"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	scriptCreateStudentDID  = "create-dids.js"
	scriptCreateEmployerDID = "create-employer-did.js"
	scriptIssueCredential   = "issue-credential.js"
	scriptVerifyCredential  = "verify-credential.js"

	defaultToolkitTimeout = 60 * time.Second
	// Signed credentials are small; anything near this is a misbehaving script.
	defaultToolkitMaxOutput = 1024 * 1024
	// How long to wait for stdout to drain after the script exits.
	defaultToolkitWaitDelay = 2 * time.Second
	// Only the tail of stderr is kept for error messages.
	maxStderrInError = 512
)

var errEmptyOutput = errors.New("no output")

type DIDKind int

const (
	DIDStudent DIDKind = iota
	DIDEmployer
)

func ParseDIDKind(s string) (DIDKind, error) {
	switch s {
	case "student":
		return DIDStudent, nil
	case "employer":
		return DIDEmployer, nil
	}
	return 0, fmt.Errorf("unknown DID type %q", s)
}

func (k DIDKind) String() string {
	if k == DIDEmployer {
		return "employer"
	}
	return "student"
}

// VerifyResult is the toolkit's verdict on a verifiable credential.
type VerifyResult struct {
	Valid  bool            `json:"valid"`
	Reason string          `json:"reason,omitempty"`
	Raw    json.RawMessage `json:"raw"`
}

// CredentialToolkit issues and verifies decentralized identifiers and
// verifiable credentials. No retries are attempted; callers decide.
type CredentialToolkit interface {
	CreateDID(ctx context.Context, kind DIDKind) (json.RawMessage, error)
	IssueCredential(ctx context.Context, holderDID string, claims map[string]any) (json.RawMessage, error)
	VerifyCredential(ctx context.Context, vc json.RawMessage) (*VerifyResult, error)
}

// ProcessToolkitConfig contains the configuration for a ProcessToolkit.
type ProcessToolkitConfig struct {
	// Interpreter used to run the scripts, e.g. "node".
	Command string
	// Directory holding the toolkit scripts.
	Dir       string
	Timeout   time.Duration
	MaxOutput int64
	// Grace period for output still held open by processes the script
	// left behind.
	WaitDelay time.Duration
	Logger    *zap.Logger
}

// ProcessToolkit runs one toolkit script per call. The JSON request is passed
// as the last argument and the JSON response is read from stdout.
type ProcessToolkit struct {
	command   string
	dir       string
	timeout   time.Duration
	maxOutput int64
	waitDelay time.Duration
	logger    *zap.Logger
}

func NewProcessToolkit(config *ProcessToolkitConfig) *ProcessToolkit {
	t := &ProcessToolkit{
		command:   config.Command,
		dir:       config.Dir,
		timeout:   config.Timeout,
		maxOutput: config.MaxOutput,
		waitDelay: config.WaitDelay,
		logger:    config.Logger,
	}
	if t.timeout <= 0 {
		t.timeout = defaultToolkitTimeout
	}
	if t.maxOutput <= 0 {
		t.maxOutput = defaultToolkitMaxOutput
	}
	if t.waitDelay <= 0 {
		t.waitDelay = defaultToolkitWaitDelay
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

func (t *ProcessToolkit) CreateDID(ctx context.Context, kind DIDKind) (json.RawMessage, error) {
	script := scriptCreateStudentDID
	if kind == DIDEmployer {
		script = scriptCreateEmployerDID
	}
	return t.run(ctx, script, nil)
}

func (t *ProcessToolkit) IssueCredential(ctx context.Context, holderDID string, claims map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{
		"holderDid": holderDID,
		"degree":    claims,
	})
	if err != nil {
		return nil, err
	}
	return t.run(ctx, scriptIssueCredential, payload)
}

func (t *ProcessToolkit) VerifyCredential(ctx context.Context, vc json.RawMessage) (*VerifyResult, error) {
	out, err := t.run(ctx, scriptVerifyCredential, vc)
	if err != nil {
		return nil, err
	}

	valid := gjson.GetBytes(out, "valid")
	if valid.Type != gjson.True && valid.Type != gjson.False {
		return nil, &ToolkitProtocolError{Script: scriptVerifyCredential, Msg: "missing boolean \"valid\" in response"}
	}
	result := &VerifyResult{Valid: valid.Bool(), Raw: out}
	if reason := gjson.GetBytes(out, "reason"); reason.Exists() {
		result.Reason = reason.String()
	} else if reason := gjson.GetBytes(out, "error"); reason.Exists() {
		result.Reason = reason.String()
	}
	return result, nil
}

func (t *ProcessToolkit) run(ctx context.Context, script string, payload []byte) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{filepath.Join(t.dir, script)}
	if payload != nil {
		args = append(args, string(payload))
	}
	cmd := exec.CommandContext(ctx, t.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout := util.NewLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	// A background process inheriting stdout would otherwise keep Wait
	// blocked until it exits.
	cmd.WaitDelay = t.waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ToolkitUnavailableError{Script: script, Err: err}
	}

	err := cmd.Wait()
	if overflow := stdout.Err(); overflow != nil {
		return nil, &ToolkitProtocolError{Script: script, Msg: overflow.Error()}
	}
	switch {
	case errors.Is(err, exec.ErrWaitDelay):
		t.logger.Warn("Toolkit script left its output open",
			zap.String("script", script),
			zap.Duration("elapsed", time.Since(start)))
	case err != nil:
		t.logger.Warn("Toolkit script failed",
			zap.String("script", script),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, &ToolkitUnavailableError{Script: script, Stderr: tail(stderr.String()), Err: err}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, &ToolkitUnavailableError{Script: script, Stderr: tail(stderr.String()), Err: errEmptyOutput}
	}
	if !gjson.ValidBytes(out) {
		return nil, &ToolkitProtocolError{Script: script, Msg: "malformed JSON output"}
	}

	t.logger.Debug("Toolkit script succeeded",
		zap.String("script", script),
		zap.Duration("elapsed", time.Since(start)))
	return json.RawMessage(out), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrInError {
		return s[len(s)-maxStderrInError:]
	}
	return s
}
