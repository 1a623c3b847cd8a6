// Package action dispatches the command, link and refresh attributes of a
// selected menu line.
//
// Commands run as an argument vector: bash=<exe> with param1..paramN becomes
// [exe, p1, ..., pN]. The one exception is a bash value that carries shell
// syntax and no params, which runs as [shell, "-c", value] with the value
// passed as a single argument. That path is off when allow_shell is false.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mattjoyce/crossbard/internal/config"
	"github.com/mattjoyce/crossbard/internal/events"
	"github.com/mattjoyce/crossbard/internal/executor"
	"github.com/mattjoyce/crossbard/internal/log"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/scheduler"
	"github.com/mattjoyce/crossbard/internal/store"
)

var (
	ErrNoAction        = errors.New("menu item has no action")
	ErrShellDisabled   = errors.New("shell commands are disabled")
	ErrRateLimited     = errors.New("action rate limit exceeded")
	ErrNoItem          = errors.New("menu item not found")
	ErrNoTerminal      = errors.New("no terminal configured")
	ErrSchemeForbidden = errors.New("link scheme not allowed")
)

var allowedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"file":   true,
	"mailto": true,
}

// Kinds of dispatched action.
const (
	KindCommand  = "command"
	KindTerminal = "terminal"
	KindShell    = "shell"
	KindHref     = "href"
	KindRefresh  = "refresh"
)

// Runner runs and detaches subprocesses. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, inv executor.Invocation) executor.Result
	Detach(inv executor.Invocation) (int, error)
	ProducerEnv(spec producer.Spec) []string
}

// Refresher triggers out-of-cycle runs. *scheduler.Scheduler satisfies it.
type Refresher interface {
	RequestRefresh(id string) error
}

// Lookup resolves a producer id to its current spec.
type Lookup func(id string) (producer.Spec, bool)

// Records reads stored snapshots. *store.Store satisfies it.
type Records interface {
	Get(id string) (store.Record, bool)
}

// Options configure a Dispatcher.
type Options struct {
	Timeout    time.Duration
	AllowShell bool
	Shell      string
	Terminal   []string
	Opener     []string
	RatePerSec float64
	Burst      int
}

// OptionsFromConfig maps the actions config section.
func OptionsFromConfig(cfg config.ActionsConfig) Options {
	return Options{
		Timeout:    cfg.Timeout,
		AllowShell: cfg.AllowShell,
		Shell:      cfg.Shell,
		Terminal:   cfg.Terminal,
		Opener:     cfg.Opener,
		RatePerSec: cfg.RatePerSec,
		Burst:      cfg.Burst,
	}
}

// Outcome describes what a dispatch did.
type Outcome struct {
	ProducerID string   `json:"producer_id"`
	Kinds      []string `json:"kinds"`
	Argv       []string `json:"argv,omitempty"`
	PID        int      `json:"pid,omitempty"`

	Status   executor.Status `json:"status,omitempty"`
	ExitCode int             `json:"exit_code,omitempty"`
	Stdout   string          `json:"stdout,omitempty"`
	Stderr   string          `json:"stderr,omitempty"`

	Refreshed bool `json:"refreshed"`
}

// Dispatcher executes menu actions.
type Dispatcher struct {
	opts      Options
	runner    Runner
	refresher Refresher
	lookup    Lookup
	records   Records
	events    events.Publisher
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates a dispatcher. A non-positive RatePerSec disables limiting.
func New(opts Options, runner Runner, refresher Refresher, lookup Lookup, records Records, hub events.Publisher) *Dispatcher {
	if hub == nil {
		hub = events.Discard{}
	}
	if opts.Shell == "" {
		opts.Shell = config.Defaults().Actions.Shell
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		opts:      opts,
		runner:    runner,
		refresher: refresher,
		lookup:    lookup,
		records:   records,
		events:    hub,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    log.WithComponent("action"),
	}
}

// DispatchItem runs the action of the menu line at index in the producer's
// stored record.
func (d *Dispatcher) DispatchItem(ctx context.Context, producerID string, index int) (Outcome, error) {
	rec, ok := d.records.Get(producerID)
	if !ok {
		return Outcome{ProducerID: producerID}, fmt.Errorf("%s has no data: %w", producerID, ErrNoItem)
	}
	if index < 0 || index >= len(rec.Menu) {
		return Outcome{ProducerID: producerID}, fmt.Errorf("%s item %d: %w", producerID, index, ErrNoItem)
	}
	return d.Dispatch(ctx, producerID, rec.Menu[index].Attributes)
}

// Dispatch runs the actions encoded in attrs: a command (bash), a link
// (href) and a refresh, in that order. A refresh follows a command even
// when the command fails.
func (d *Dispatcher) Dispatch(ctx context.Context, producerID string, attrs map[string]string) (Outcome, error) {
	out := Outcome{ProducerID: producerID, Kinds: []string{}}

	bash := attrs["bash"]
	href := attrs["href"]
	refresh := isTrue(attrs["refresh"])
	if bash == "" && href == "" && !refresh {
		return out, ErrNoAction
	}

	spec, ok := d.lookup(producerID)
	if !ok {
		return out, scheduler.ErrUnknownProducer
	}
	if !d.limiter.Allow() {
		d.logger.Warn("action rate limited", "producer", producerID)
		return out, ErrRateLimited
	}
	logger := d.logger.With("producer", producerID)

	var errs []error
	if bash != "" {
		if err := d.runCommand(ctx, spec, attrs, &out, logger); err != nil {
			errs = append(errs, err)
		}
	}
	if href != "" {
		if err := d.open(spec, href, &out, logger); err != nil {
			errs = append(errs, err)
		}
	}
	if refresh {
		out.Kinds = append(out.Kinds, KindRefresh)
		if err := d.refresher.RequestRefresh(producerID); err != nil {
			logger.Info("refresh not started", "error", err)
			errs = append(errs, fmt.Errorf("refresh %s: %w", producerID, err))
		} else {
			out.Refreshed = true
		}
	}

	d.events.Publish(events.TypeActionDispatched, out)
	return out, errors.Join(errs...)
}

func (d *Dispatcher) runCommand(ctx context.Context, spec producer.Spec, attrs map[string]string, out *Outcome, logger *slog.Logger) error {
	argv, kind, err := d.CommandArgv(attrs)
	if err != nil {
		return err
	}
	inv := executor.Invocation{
		ProducerID: spec.ID,
		Argv:       argv,
		Dir:        filepath.Dir(spec.Path),
		Env:        d.runner.ProducerEnv(spec),
		Timeout:    d.opts.Timeout,
	}

	if isTrue(attrs["terminal"]) {
		if len(d.opts.Terminal) == 0 {
			return ErrNoTerminal
		}
		inv.Argv = append(append([]string(nil), d.opts.Terminal...), argv...)
		out.Kinds = append(out.Kinds, KindTerminal)
		out.Argv = inv.Argv
		pid, err := d.runner.Detach(inv)
		if err != nil {
			return err
		}
		out.PID = pid
		logger.Info("command opened in terminal", "argv", inv.Argv, "pid", pid)
		return nil
	}

	out.Kinds = append(out.Kinds, kind)
	out.Argv = argv
	res := d.runner.Run(ctx, inv)
	out.Status = res.Status
	out.ExitCode = res.ExitCode
	out.Stdout = string(res.Stdout)
	out.Stderr = string(res.Stderr)
	logger.Info("command finished",
		"kind", kind,
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res.Err()
}

func (d *Dispatcher) open(spec producer.Spec, href string, out *Outcome, logger *slog.Logger) error {
	u, err := url.Parse(href)
	if err != nil {
		return fmt.Errorf("parse href: %w", err)
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("%q: %w", u.Scheme, ErrSchemeForbidden)
	}
	if len(d.opts.Opener) == 0 {
		return errors.New("no opener configured")
	}
	argv := append(append([]string(nil), d.opts.Opener...), href)
	out.Kinds = append(out.Kinds, KindHref)
	pid, err := d.runner.Detach(executor.Invocation{ProducerID: spec.ID, Argv: argv})
	if err != nil {
		return err
	}
	if out.Argv == nil {
		out.Argv = argv
	}
	logger.Info("opened link", "href", href, "pid", pid)
	return nil
}

// CommandArgv builds the argument vector for a bash attribute and reports
// whether it is a plain command or the shell exception.
func (d *Dispatcher) CommandArgv(attrs map[string]string) ([]string, string, error) {
	bash := attrs["bash"]
	if bash == "" {
		return nil, "", ErrNoAction
	}
	params := Params(attrs)
	if len(params) > 0 || !needsShell(bash) {
		return append([]string{bash}, params...), KindCommand, nil
	}
	if !d.opts.AllowShell {
		return nil, "", ErrShellDisabled
	}
	return []string{d.opts.Shell, "-c", bash}, KindShell, nil
}

// Params returns param1..paramN up to the first missing index.
func Params(attrs map[string]string) []string {
	var params []string
	for i := 1; ; i++ {
		v, ok := attrs["param"+strconv.Itoa(i)]
		if !ok {
			return params
		}
		params = append(params, v)
	}
}

// needsShell reports whether a bash value is more than a single executable.
func needsShell(v string) bool {
	return strings.ContainsAny(v, " \t\n|&;<>()$`\\\"'*?[]#~{}")
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
