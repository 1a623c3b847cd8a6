// Package doctor validates crossbard configuration and producer setup.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/crossbard/internal/auth"
	"github.com/mattjoyce/crossbard/internal/config"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/storage"
)

// shortInterval is the cadence below which a producer is flagged as noisy.
const shortInterval = 5 * time.Second

// Result holds the outcome of a validation run.
type Result struct {
	Valid     bool    `json:"valid"`
	Producers int     `json:"producers"`
	Errors    []Issue `json:"errors,omitempty"`
	Warnings  []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against a discovery pass.
type Doctor struct {
	cfg      *config.Config
	set      producer.Set
	skipped  []*producer.DiscoveryError
	lookPath func(string) (string, error)
	checkFS  func(string) error
}

// New creates a Doctor from a loaded config and the result of discovery.
func New(cfg *config.Config, set producer.Set, skipped []*producer.DiscoveryError) *Doctor {
	return &Doctor{
		cfg:      cfg,
		set:      set,
		skipped:  skipped,
		lookPath: exec.LookPath,
		checkFS:  storage.CheckLocalFilesystem,
	}
}

// Check discovers producers under the configured roots and validates.
func Check(cfg *config.Config) *Result {
	set, skipped, err := producer.Discover(cfg.Producers.Dirs, producer.OptionsFromConfig(cfg.Producers))
	d := New(cfg, set, skipped)
	r := d.Validate()
	if err != nil && len(cfg.Producers.Dirs) > 0 {
		d.addError(r, "producers", "producers.dirs", err.Error())
		r.Valid = false
	}
	return r
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true, Producers: d.set.Len()}

	d.validateStore(r)
	d.validateRoots(r)
	d.reportDiscovery(r)
	d.validateOverrides(r)
	d.validateInterpreters(r)
	d.validateActions(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnSuspiciousSchedule(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateStore(r *Result) {
	if strings.TrimSpace(d.cfg.Store.Path) == "" {
		d.addError(r, "store", "store.path", "store.path is required")
		return
	}
	err := d.checkFS(d.cfg.Store.Path)
	var fsErr *storage.FilesystemError
	switch {
	case errors.As(err, &fsErr):
		d.addError(r, "store", "store.path", fsErr.Error())
	case err != nil:
		d.addWarning(r, "store", "store.path", err.Error())
	}
}

// validateRoots checks that producer directories exist.
func (d *Doctor) validateRoots(r *Result) {
	if len(d.cfg.Producers.Dirs) == 0 {
		d.addError(r, "producers", "producers.dirs", "at least one producer directory is required")
		return
	}
	for i, dir := range d.cfg.Producers.Dirs {
		field := fmt.Sprintf("producers.dirs[%d]", i)
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			d.addWarning(r, "producers", field, fmt.Sprintf("%s is not accessible: %v", dir, err))
		case !info.IsDir():
			d.addWarning(r, "producers", field, fmt.Sprintf("%s is not a directory", dir))
		}
	}
	if d.set.Len() == 0 {
		d.addWarning(r, "producers", "producers.dirs", "no producers discovered")
	}
}

// reportDiscovery turns skipped entries into warnings; they never stop the daemon.
func (d *Doctor) reportDiscovery(r *Result) {
	for _, de := range d.skipped {
		msg := de.Reason
		if de.Err != nil {
			msg = fmt.Sprintf("%s: %v", de.Reason, de.Err)
		}
		d.addWarning(r, "discovery", de.Path, msg)
	}
}

// validateOverrides checks override keys against discovered producers.
func (d *Doctor) validateOverrides(r *Result) {
	ids := make([]string, 0, len(d.cfg.Producers.Overrides))
	for id := range d.cfg.Producers.Overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		o := d.cfg.Producers.Overrides[id]
		field := fmt.Sprintf("producers.overrides.%s", id)
		if _, _, _, err := producer.ParseFileName(id); err != nil {
			d.addError(r, "overrides", field, fmt.Sprintf("override key %q is not a producer file name: %v", id, err))
			continue
		}
		sp, ok := d.set.Get(id)
		if !ok {
			d.addWarning(r, "overrides", field, fmt.Sprintf("override for %q matches no discovered producer", id))
			continue
		}
		if o.Timeout < 0 {
			d.addError(r, "overrides", field+".timeout", "timeout must not be negative")
		}
		if o.Timeout > sp.Interval {
			d.addWarning(r, "overrides", field+".timeout",
				fmt.Sprintf("timeout %s exceeds interval %s", o.Timeout, sp.Interval))
		}
	}
}

// validateInterpreters checks that interpreters used by discovered producers resolve.
func (d *Doctor) validateInterpreters(r *Result) {
	checked := make(map[string]bool)
	for _, sp := range d.set.Enabled() {
		if len(sp.Interpreter) == 0 || checked[sp.Kind] {
			continue
		}
		checked[sp.Kind] = true
		if _, err := d.lookPath(sp.Interpreter[0]); err != nil {
			d.addWarning(r, "interpreters", fmt.Sprintf("producers.interpreters.%s", sp.Kind),
				fmt.Sprintf("interpreter %q for %s producers not found", sp.Interpreter[0], sp.Kind))
		}
	}
}

func (d *Doctor) validateActions(r *Result) {
	a := d.cfg.Actions
	if a.AllowShell {
		if _, err := d.lookPath(a.Shell); err != nil {
			d.addError(r, "actions", "actions.shell", fmt.Sprintf("shell %q not found", a.Shell))
		}
	}
	if len(a.Opener) == 0 {
		d.addWarning(r, "actions", "actions.opener", "no opener configured; href actions will fail")
	} else if _, err := d.lookPath(a.Opener[0]); err != nil {
		d.addWarning(r, "actions", "actions.opener", fmt.Sprintf("opener %q not found", a.Opener[0]))
	}
	if len(a.Terminal) > 0 {
		if _, err := d.lookPath(a.Terminal[0]); err != nil {
			d.addWarning(r, "actions", "actions.terminal", fmt.Sprintf("terminal %q not found", a.Terminal[0]))
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
		return
	}
	if d.cfg.API.Auth.APIKey != "" || len(d.cfg.API.Auth.Tokens) > 0 {
		if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
			d.addWarning(r, "api", "api.auth", "both api_key and tokens configured; api_key grants full access")
		}
		return
	}
	if config.IsLoopback(d.cfg.API.Listen) {
		d.addWarning(r, "api", "api.auth", "no authentication configured; loopback clients get full access")
		return
	}
	d.addError(r, "api", "api.auth", fmt.Sprintf("api.listen %q is not loopback and no authentication is configured", d.cfg.API.Listen))
}

// validateTokenScopes checks scope names.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// warnSuspiciousSchedule flags producers that run very often or whose
// timeout outlasts their interval.
func (d *Doctor) warnSuspiciousSchedule(r *Result) {
	for _, sp := range d.set.Enabled() {
		if sp.Interval < shortInterval {
			d.addWarning(r, "schedule", sp.ID, fmt.Sprintf("interval %s is very short (< %s)", sp.Interval, shortInterval))
		}
		if sp.Timeout == 0 && d.cfg.Executor.DefaultTimeout > sp.Interval {
			d.addWarning(r, "schedule", sp.ID,
				fmt.Sprintf("default timeout %s exceeds interval %s", d.cfg.Executor.DefaultTimeout, sp.Interval))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		fmt.Fprintf(&b, "Configuration valid (%d producer(s)).\n", r.Producers)
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d producer(s), %d warning(s))\n", r.Producers, len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
