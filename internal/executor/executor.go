// Package executor runs producers and action commands as subprocesses with
// argv-only invocation, a wall-clock budget and capped output capture.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/crossbard/internal/config"
	"github.com/mattjoyce/crossbard/internal/log"
	"github.com/mattjoyce/crossbard/internal/producer"
)

// Options bound every run.
type Options struct {
	DefaultTimeout time.Duration
	KillGrace      time.Duration
	MaxConcurrent  int
	MaxOutputBytes int
	MaxStderrBytes int
	// EnvPrefix namespaces the variables handed to producers, e.g. "CROSSBAR_".
	EnvPrefix string
	// Env holds global values exported as <prefix><KEY>.
	Env     map[string]string
	Version string
}

// OptionsFromConfig maps the executor config section.
func OptionsFromConfig(cfg config.ExecutorConfig, version string) Options {
	return Options{
		DefaultTimeout: cfg.DefaultTimeout,
		KillGrace:      cfg.KillGrace,
		MaxConcurrent:  cfg.MaxConcurrent,
		MaxOutputBytes: cfg.MaxOutputBytes,
		MaxStderrBytes: cfg.MaxStderrBytes,
		EnvPrefix:      cfg.EnvPrefix,
		Env:            cfg.Env,
		Version:        version,
	}
}

// Invocation is one subprocess request.
type Invocation struct {
	ProducerID string
	Argv       []string
	Dir        string
	// Env is appended to the parent environment as KEY=VALUE entries.
	Env []string
	// Timeout of zero uses Options.DefaultTimeout.
	Timeout time.Duration
}

// Executor runs invocations through a system-wide pool of MaxConcurrent slots.
type Executor struct {
	opts   Options
	slots  *semaphore.Weighted
	logger *slog.Logger
}

// New creates an executor. Zero-valued limits fall back to the config defaults.
func New(opts Options) *Executor {
	def := config.Defaults().Executor
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = def.DefaultTimeout
	}
	if opts.KillGrace < 0 {
		opts.KillGrace = 0
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = def.MaxOutputBytes
	}
	if opts.MaxStderrBytes <= 0 {
		opts.MaxStderrBytes = def.MaxStderrBytes
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = def.EnvPrefix
	}
	return &Executor{
		opts:   opts,
		slots:  semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger: log.WithComponent("executor"),
	}
}

// RunSpec runs a discovered producer with its timeout override and the
// producer environment.
func (e *Executor) RunSpec(ctx context.Context, spec producer.Spec) Result {
	return e.Run(ctx, Invocation{
		ProducerID: spec.ID,
		Argv:       spec.Argv(),
		Dir:        filepath.Dir(spec.Path),
		Env:        e.ProducerEnv(spec),
		Timeout:    spec.Timeout,
	})
}

// ProducerEnv returns the prefixed variables for a producer run.
func (e *Executor) ProducerEnv(spec producer.Spec) []string {
	p := e.opts.EnvPrefix
	env := []string{
		p + "PLUGIN_ID=" + spec.ID,
		p + "PLUGIN_NAME=" + spec.Name,
		p + "PLUGIN_INTERVAL=" + strconv.FormatInt(int64(spec.Interval/time.Second), 10),
		p + "PLUGIN_PATH=" + spec.Path,
	}
	env = append(env, e.BaseEnv()...)
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, p+"PLUGIN_"+envKey(k)+"="+spec.Env[k])
	}
	return env
}

// BaseEnv returns the prefixed variables shared by every subprocess.
func (e *Executor) BaseEnv() []string {
	p := e.opts.EnvPrefix
	env := []string{
		p + "OS=" + runtime.GOOS,
		p + "ARCH=" + runtime.GOARCH,
		p + "VERSION=" + e.opts.Version,
	}
	for _, k := range sortedKeys(e.opts.Env) {
		env = append(env, p+envKey(k)+"="+e.opts.Env[k])
	}
	return env
}

// Run executes one invocation. It blocks for a pool slot first; the time
// budget starts once the slot is held. It never returns an error: every
// outcome is encoded in the Result.
func (e *Executor) Run(ctx context.Context, inv Invocation) Result {
	res := Result{
		RunID:      uuid.NewString(),
		ProducerID: inv.ProducerID,
		ExitCode:   -1,
	}
	logger := e.logger.With("producer", inv.ProducerID, "run_id", res.RunID)

	if len(inv.Argv) == 0 || inv.Argv[0] == "" {
		res.StartedAt = time.Now()
		res.Status = StatusSpawnFailure
		res.SpawnErr = errors.New("empty argv")
		return res
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		res.StartedAt = time.Now()
		res.Status = StatusSpawnFailure
		res.SpawnErr = fmt.Errorf("waiting for executor slot: %w", err)
		return res
	}
	defer e.slots.Release(1)

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}

	stdout := newCappedBuffer(e.opts.MaxOutputBytes)
	stderr := newCappedBuffer(e.opts.MaxStderrBytes)

	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bounds Wait when a background grandchild keeps the pipes open.
	cmd.WaitDelay = e.opts.KillGrace + time.Second
	setProcessGroup(cmd)

	logger.Debug("spawning", "argv", inv.Argv, "timeout", timeout)

	res.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		res.Duration = time.Since(res.StartedAt)
		res.Status = StatusSpawnFailure
		res.SpawnErr = err
		logger.Warn("spawn failed", "error", err)
		return res
	}

	budget := time.NewTimer(timeout)
	defer budget.Stop()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	timedOut := false
	select {
	case err = <-waitErr:
	case <-budget.C:
		timedOut = true
		logger.Warn("run timed out, sending SIGTERM", "timeout", timeout)
		err = e.stop(cmd, waitErr, logger)
	case <-ctx.Done():
		timedOut = true
		logger.Info("run cancelled, terminating")
		err = e.stop(cmd, waitErr, logger)
	}

	res.Duration = time.Since(res.StartedAt)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.StdoutTruncated = stdout.truncated
	res.StderrTruncated = stderr.truncated

	switch {
	case timedOut:
		res.Status = StatusTimeout
	case err == nil || errors.Is(err, exec.ErrWaitDelay):
		res.ExitCode = cmd.ProcessState.ExitCode()
		if res.ExitCode == 0 {
			res.Status = StatusSuccess
		} else {
			res.Status = StatusNonZeroExit
		}
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Status = StatusNonZeroExit
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Status = StatusNonZeroExit
			if cmd.ProcessState != nil {
				res.ExitCode = cmd.ProcessState.ExitCode()
			}
			logger.Warn("wait failed", "error", err)
		}
	}

	if res.StdoutTruncated {
		logger.Warn("stdout truncated", "max_bytes", e.opts.MaxOutputBytes)
	}
	logger.Debug("run finished",
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

// stop sends SIGTERM to the process group, waits KillGrace, then SIGKILLs it.
func (e *Executor) stop(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	if err := terminate(cmd); err != nil {
		logger.Debug("SIGTERM failed", "error", err)
	}

	grace := time.NewTimer(e.opts.KillGrace)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		// The leader is gone; make sure nothing else in its group survives.
		_ = kill(cmd)
		return err
	case <-grace.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if err := kill(cmd); err != nil {
			logger.Error("SIGKILL failed", "error", err)
		}
		return <-waitErr
	}
}

// envKey upper-cases a config key and replaces anything outside [A-Z0-9_].
func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, k)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Detach starts an invocation without waiting for it, for terminal windows
// and URL openers that outlive the action. It does not take a pool slot and
// ignores Timeout. The child is reaped in the background.
func (e *Executor) Detach(inv Invocation) (int, error) {
	if len(inv.Argv) == 0 || inv.Argv[0] == "" {
		return 0, errors.New("empty argv")
	}
	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", inv.Argv[0], err)
	}
	pid := cmd.Process.Pid
	e.logger.Debug("detached", "producer", inv.ProducerID, "argv", inv.Argv, "pid", pid)
	go func() {
		if err := cmd.Wait(); err != nil {
			e.logger.Debug("detached process exited", "pid", pid, "error", err)
		}
	}()
	return pid, nil
}
