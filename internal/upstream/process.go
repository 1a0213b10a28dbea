package upstream

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	gateway "github.com/modelmux/modelmux/internal"
	"github.com/modelmux/modelmux/internal/upstream/sseutil"
)

var _ Upstream = (*ProcessUpstream)(nil)

// ProcessUpstream drives a local CLI as the backend: the prompt goes in on
// stdin, the completion comes back on stdout, and stderr is surfaced as
// error text. The child is killed when the call context is canceled.
type ProcessUpstream struct {
	command string
	args    []string
	cfg     Config
	quota   *QuotaState
}

// NewProcess creates a child-process adapter for the given command line.
func NewProcess(cfg Config, command string, args []string) *ProcessUpstream {
	return &ProcessUpstream{
		command: command,
		args:    args,
		cfg:     cfg,
		quota:   NewQuotaState(cfg.CooldownTime),
	}
}

func (p *ProcessUpstream) Name() string         { return p.cfg.Name }
func (p *ProcessUpstream) Config() Config       { return p.cfg }
func (p *ProcessUpstream) Quota() *QuotaState   { return p.quota }
func (p *ProcessUpstream) SupportsStream() bool { return p.cfg.SupportsStream }

func (p *ProcessUpstream) newCmd(ctx context.Context, prompt string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// runErr folds the exit status and captured stderr into one error.
func (p *ProcessUpstream) runErr(ctx context.Context, err error, stderr *bytes.Buffer) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", p.cfg.Name, ctx.Err())
	}
	msg := strings.TrimSpace(stderr.String())
	if msg != "" {
		return fmt.Errorf("%s: %v: %s", p.cfg.Name, err, msg)
	}
	return fmt.Errorf("%s: %w", p.cfg.Name, err)
}

// Call runs the command once and returns its full stdout as the response.
func (p *ProcessUpstream) Call(ctx context.Context, prompt string, opts *gateway.CallOptions) (*gateway.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, callDeadline(&p.cfg, opts))
	defer cancel()

	cmd := p.newCmd(ctx, prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.quota.RecordDispatch()
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, p.runErr(ctx, err, &stderr)
	}

	model := p.cfg.DefaultModel
	if opts != nil {
		model = p.cfg.ResolveModel(opts.Model)
	}
	return &gateway.Response{
		Model:      model,
		Text:       strings.TrimRight(stdout.String(), "\n"),
		Provider:   p.cfg.Name,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// CallStream runs the command and forwards each stdout line as a chunk.
func (p *ProcessUpstream) CallStream(ctx context.Context, prompt string, opts *gateway.CallOptions, sink *gateway.StreamSink) error {
	if !p.cfg.SupportsStream {
		return fmt.Errorf("%s: %w", p.cfg.Name, gateway.ErrStreamUnsupported)
	}

	ctx, cancel := context.WithTimeout(ctx, callDeadline(&p.cfg, opts))
	defer cancel()

	cmd := p.newCmd(ctx, prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: stdout pipe: %w", p.cfg.Name, err)
	}

	p.quota.RecordDispatch()
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: start: %w", p.cfg.Name, err)
	}

	scanner := sseutil.NewScanner(stdout)
	for scanner.Scan() {
		sink.OnChunk(scanner.Text() + "\n")
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return p.runErr(ctx, err, &stderr)
	}
	if scanErr != nil {
		return fmt.Errorf("%s: read stdout: %w", p.cfg.Name, scanErr)
	}

	if sink.OnEnd != nil {
		sink.OnEnd(time.Since(start))
	}
	return nil
}

// HealthCheck verifies the command binary resolves on PATH.
func (p *ProcessUpstream) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := exec.LookPath(p.command)
	st := HealthStatus{OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}
