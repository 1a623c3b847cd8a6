package doctor

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/crossbard/internal/config"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/storage"
)

func validConfig(dir string) *config.Config {
	cfg := config.Defaults()
	cfg.Producers.Dirs = []string{dir}
	cfg.Store.Path = filepath.Join(dir, "store.db")
	cfg.Actions.Opener = []string{"true"}
	return cfg
}

func specs(list ...producer.Spec) producer.Set {
	return producer.NewSet(list)
}

func cpuSpec() producer.Spec {
	return producer.Spec{ID: "cpu.10s.sh", Name: "cpu", Kind: "sh", Interval: 10 * time.Second, Enabled: true}
}

func newDoctor(cfg *config.Config, set producer.Set, skipped ...*producer.DiscoveryError) *Doctor {
	d := New(cfg, set, skipped)
	d.lookPath = func(name string) (string, error) {
		if strings.HasPrefix(name, "missing") {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}
	d.checkFS = func(string) error { return nil }
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t.TempDir()), specs(cpuSpec())).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
	if r.Producers != 1 {
		t.Fatalf("producers = %d", r.Producers)
	}
}

func TestValidate_NoRoots(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t.TempDir())
	cfg.Producers.Dirs = nil
	r := newDoctor(cfg, specs()).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "producers", "at least one")
}

func TestValidate_MissingRootIsWarning(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := validConfig(dir)
	cfg.Producers.Dirs = append(cfg.Producers.Dirs, filepath.Join(dir, "nope"))
	r := newDoctor(cfg, specs(cpuSpec())).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "producers", "not accessible")
}

func TestValidate_DiscoveryErrorsAreWarnings(t *testing.T) {
	t.Parallel()
	skipped := &producer.DiscoveryError{Path: "/p/notes.txt", Reason: "malformed producer name", Err: errors.New("bad")}
	r := newDoctor(validConfig(t.TempDir()), specs(cpuSpec()), skipped).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "discovery", "malformed producer name: bad")
}

func TestValidate_Overrides(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t.TempDir())
	cfg.Producers.Overrides = map[string]config.ProducerOverride{
		"cpu.10s.sh":  {Timeout: time.Minute},
		"ghost.5m.sh": {},
		"not-a-name":  {},
	}
	r := newDoctor(cfg, specs(cpuSpec())).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "overrides", "not a producer file name")
	assertHasWarning(t, r, "overrides", "matches no discovered producer")
	assertHasWarning(t, r, "overrides", "exceeds interval")
}

func TestValidate_MissingInterpreter(t *testing.T) {
	t.Parallel()
	sp := producer.Spec{ID: "x.1m.py", Kind: "py", Interval: time.Minute, Enabled: true, Interpreter: []string{"missing-python"}}
	r := newDoctor(validConfig(t.TempDir()), specs(sp)).Validate()
	assertHasWarning(t, r, "interpreters", "missing-python")
}

func TestValidate_Actions(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t.TempDir())
	cfg.Actions.Shell = "missing-sh"
	cfg.Actions.Opener = nil
	cfg.Actions.Terminal = []string{"missing-term", "-e"}
	r := newDoctor(cfg, specs(cpuSpec())).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "actions", "missing-sh")
	assertHasWarning(t, r, "actions", "no opener")
	assertHasWarning(t, r, "actions", "missing-term")

	cfg.Actions.AllowShell = false
	r = newDoctor(cfg, specs(cpuSpec())).Validate()
	if !r.Valid {
		t.Fatalf("shell is not checked when disabled: %v", r.Errors)
	}
}

func TestValidate_API(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		listen    string
		key       string
		tokens    []config.APIToken
		wantValid bool
		warning   string
		errorText string
	}{
		{name: "loopback open", listen: "127.0.0.1:8787", wantValid: true, warning: "loopback clients"},
		{name: "public open", listen: "0.0.0.0:8787", wantValid: false, errorText: "not loopback"},
		{name: "public with key", listen: "0.0.0.0:8787", key: "k", wantValid: true},
		{name: "bad scope", listen: "0.0.0.0:8787", tokens: []config.APIToken{{Token: "t", Scopes: []string{"plugin:rw"}}}, wantValid: false, errorText: "unknown scope"},
		{name: "good scopes", listen: "0.0.0.0:8787", tokens: []config.APIToken{{Token: "t", Scopes: []string{"store:ro", "producers:rw"}}}, wantValid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t.TempDir())
			cfg.API.Enabled = true
			cfg.API.Listen = tt.listen
			cfg.API.Auth.APIKey = tt.key
			cfg.API.Auth.Tokens = tt.tokens
			r := newDoctor(cfg, specs(cpuSpec())).Validate()
			if r.Valid != tt.wantValid {
				t.Fatalf("valid = %v, errors: %v", r.Valid, r.Errors)
			}
			if tt.warning != "" {
				assertHasWarning(t, r, "api", tt.warning)
			}
			if tt.errorText != "" {
				found := false
				for _, e := range r.Errors {
					if strings.Contains(e.Message, tt.errorText) {
						found = true
					}
				}
				if !found {
					t.Fatalf("expected error containing %q, got: %v", tt.errorText, r.Errors)
				}
			}
		})
	}
}

func TestValidate_StoreFilesystem(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t.TempDir()), specs(cpuSpec()))
	d.checkFS = func(path string) error {
		return &storage.FilesystemError{Path: path, FSType: "nfs"}
	}
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected network store path to be an error")
	}
	assertHasError(t, r, "store", "network filesystem")

	d = newDoctor(validConfig(t.TempDir()), specs(cpuSpec()))
	d.checkFS = func(string) error { return errors.New("statfs unsupported") }
	r = d.Validate()
	if !r.Valid {
		t.Fatalf("undetectable filesystem should only warn, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "store", "statfs unsupported")
}

func TestValidate_SuspiciousSchedule(t *testing.T) {
	t.Parallel()
	fast := producer.Spec{ID: "tick.1s.sh", Kind: "sh", Interval: time.Second, Enabled: true}
	r := newDoctor(validConfig(t.TempDir()), specs(fast)).Validate()
	assertHasWarning(t, r, "schedule", "very short")
	assertHasWarning(t, r, "schedule", "default timeout")
}

func TestCheckRunsDiscovery(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cpu.10s.sh"), []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("docs"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := validConfig(dir)
	cfg.Actions.Shell = "/bin/sh"
	cfg.Actions.Opener = []string{"/bin/sh"}

	r := Check(cfg)
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	if r.Producers != 1 {
		t.Fatalf("producers = %d", r.Producers)
	}
	assertHasWarning(t, r, "discovery", "malformed producer name")
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true, Producers: 2})
	if !strings.Contains(out, "valid") || !strings.Contains(out, "2 producer") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "discovery", Message: "skipped"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR [test] x.y: broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
	if !strings.Contains(out, "WARN  [discovery] skipped") {
		t.Fatalf("expected warning in output, got: %s", out)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true, Producers: 1})
	if err != nil {
		t.Fatal(err)
	}
	var decoded Result
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !decoded.Valid || decoded.Producers != 1 {
		t.Fatalf("decoded = %+v", decoded)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
