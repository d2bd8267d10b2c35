// Package runner executes one analysis script at a time as a child process.
// The payload is written to its stdin and a JSON object is expected on its
// stdout.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrTimeout         = errors.New("timeout")
	ErrKilled          = errors.New("killed")
	ErrInProgress      = errors.New("script in progress")
	ErrExit            = errors.New("script failed")
	ErrMalformedOutput = errors.New("malformed output")
)

// waitDelay bounds how long a terminated process may keep its pipes open
// before it is killed.
const waitDelay = 500 * time.Millisecond

type StderrFunc func(ctx context.Context, line string)

// LogStderr forwards stderr lines to the debug log.
func LogStderr(ctx context.Context, line string) {
	slog.DebugContext(ctx, "script stderr", "line", line)
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

// Output is the decoded top level JSON object a script printed.
type Output map[string]json.RawMessage

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  []byte
	Err     error
}

type Runner struct {
	mx     sync.Mutex
	cmd    *exec.Cmd
	last   Result
	stderr StderrFunc
}

func NewRunner(stderr StderrFunc) *Runner {
	return &Runner{stderr: stderr}
}

// Run starts proto, feeds it payload and waits for it to finish. Only one
// process runs at a time, a concurrent call gets ErrInProgress.
//
// The process is terminated when ctx is done (ErrKilled) or when
// proto.Timeout elapses (ErrTimeout). A non-zero exit is reported as ErrExit
// and anything but a JSON object on stdout as ErrMalformedOutput.
func (r *Runner) Run(ctx context.Context, proto Command, payload any) (Output, error) {
	stdin, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	if ctx.Err() != nil {
		return nil, killed(context.Cause(ctx))
	}

	runCtx := ctx
	if proto.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, proto.Timeout, ErrTimeout)
		defer cancel()
	} else {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	}

	cmd := exec.CommandContext(runCtx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	lines := newLineWriter(ctx, r.stderr)
	cmd.Stderr = lines
	setProcAttr(cmd)
	cmd.Cancel = func() error {
		return terminate(cmd)
	}
	cmd.WaitDelay = waitDelay

	res := Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}
	if err := r.start(cmd, &res); err != nil {
		return nil, err
	}

	err = cmd.Wait()
	lines.Flush()
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState
	res.Stdout = stdout.Bytes()

	err = classify(runCtx, err)
	res.Err = err
	r.finish(res)
	if err != nil {
		return nil, err
	}

	var out Output
	if err := json.Unmarshal(res.Stdout, &out); err != nil || out == nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedOutput, abbrev(res.Stdout))
	}
	return out, nil
}

func (r *Runner) start(cmd *exec.Cmd, res *Result) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}
	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = res.Started
		res.Err = err
		r.last = *res
		return err
	}
	r.cmd = cmd
	return nil
}

func (r *Runner) finish(res Result) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.cmd = nil
	r.last = res
}

// Running reports whether a process is being tracked.
func (r *Runner) Running() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.cmd != nil
}

// LastResult returns the result of the last finished process.
func (r *Runner) LastResult() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.last
}

func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrTimeout) {
			return ErrTimeout
		}
		return killed(cause)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s", ErrExit, exitErr)
	}
	return err
}

func killed(cause error) error {
	if errors.Is(cause, ErrKilled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrKilled, cause)
}

func abbrev(b []byte) string {
	const limit = 128
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return "empty stdout"
	}
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
