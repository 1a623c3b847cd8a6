package action

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crossbard/internal/executor"
	"github.com/mattjoyce/crossbard/internal/log"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/protocol"
	"github.com/mattjoyce/crossbard/internal/scheduler"
	"github.com/mattjoyce/crossbard/internal/store"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls []string
	err   error
	// before runs inside RequestRefresh, e.g. to check ordering.
	before func()
}

func (f *fakeRefresher) RequestRefresh(id string) error {
	if f.before != nil {
		f.before()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return f.err
}

func (f *fakeRefresher) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type fixture struct {
	dir        string
	spec       producer.Spec
	refresher  *fakeRefresher
	store      *store.Store
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, mut func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:       dir,
		refresher: &fakeRefresher{},
		store:     store.New(store.NewMemoryBackend(), store.Options{}),
		spec: producer.Spec{
			ID:       "pomodoro.1s.sh",
			Name:     "pomodoro",
			Path:     filepath.Join(dir, "pomodoro.1s.sh"),
			Interval: time.Second,
			Enabled:  true,
		},
	}
	opts := Options{
		Timeout:    5 * time.Second,
		AllowShell: true,
		Shell:      "/bin/sh",
		RatePerSec: 100,
		Burst:      100,
	}
	if mut != nil {
		mut(&opts)
	}
	ex := executor.New(executor.Options{DefaultTimeout: 5 * time.Second, EnvPrefix: "CROSSBAR_", Version: "test"})
	lookup := func(id string) (producer.Spec, bool) {
		if id == f.spec.ID {
			return f.spec, true
		}
		return producer.Spec{}, false
	}
	f.dispatcher = New(opts, ex, f.refresher, lookup, f.store, nil)
	return f
}

func waitForFile(t *testing.T, path string) string {
	t.Helper()
	var data []byte
	require.Eventually(t, func() bool {
		var err error
		data, err = os.ReadFile(path)
		return err == nil && len(data) > 0
	}, 3*time.Second, 20*time.Millisecond)
	return string(data)
}

func TestCommandArgv(t *testing.T) {
	tests := []struct {
		name       string
		attrs      map[string]string
		allowShell bool
		wantArgv   []string
		wantKind   string
		wantErr    error
	}{
		{
			name:     "plain executable",
			attrs:    map[string]string{"bash": "/usr/bin/say"},
			wantArgv: []string{"/usr/bin/say"},
			wantKind: KindCommand,
		},
		{
			name:     "params become arguments",
			attrs:    map[string]string{"bash": "/usr/bin/open", "param1": "-a", "param2": "Activity Monitor"},
			wantArgv: []string{"/usr/bin/open", "-a", "Activity Monitor"},
			wantKind: KindCommand,
		},
		{
			name:     "params stop at first gap",
			attrs:    map[string]string{"bash": "echo", "param1": "a", "param3": "c"},
			wantArgv: []string{"echo", "a"},
			wantKind: KindCommand,
		},
		{
			name:       "shell syntax uses the shell",
			attrs:      map[string]string{"bash": `echo "x" | pbcopy`},
			allowShell: true,
			wantArgv:   []string{"/bin/sh", "-c", `echo "x" | pbcopy`},
			wantKind:   KindShell,
		},
		{
			name:     "shell syntax with shell disabled",
			attrs:    map[string]string{"bash": "echo hi > /tmp/x"},
			wantErr:  ErrShellDisabled,
			wantKind: "",
		},
		{
			name:    "no bash attribute",
			attrs:   map[string]string{"refresh": "true"},
			wantErr: ErrNoAction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Options{AllowShell: tt.allowShell, Shell: "/bin/sh"}, nil, nil, nil, nil, nil)
			argv, kind, err := d.CommandArgv(tt.attrs)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantArgv, argv)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestDispatchArgvIsNotShellInterpreted(t *testing.T) {
	f := newFixture(t, nil)
	marker := filepath.Join(f.dir, "pwned")
	script := writeScript(t, f.dir, "echo.sh", `printf '%s' "$1"`+"\n")

	out, err := f.dispatcher.Dispatch(context.Background(), f.spec.ID, map[string]string{
		"bash":   script,
		"param1": "x; touch " + marker,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{KindCommand}, out.Kinds)
	assert.Equal(t, executor.StatusSuccess, out.Status)
	assert.Equal(t, "x; touch "+marker, out.Stdout)
	assert.NoFileExists(t, marker)
}

func TestDispatchShellException(t *testing.T) {
	f := newFixture(t, nil)
	state := filepath.Join(f.dir, "state.json")

	// A pomodoro-style action line as a producer prints it.
	line := `Stop | bash='echo "{\"running\":false}" > "` + state + `"' terminal=false refresh=true`
	snap, err := protocol.Parse(f.spec.ID, []byte("🍅\n---\n"+line))
	require.NoError(t, err)
	require.NoError(t, f.store.Replace(context.Background(), f.spec.ID, snap))

	f.refresher.before = func() {
		assert.FileExists(t, state, "refresh must follow the command")
	}
	out, err := f.dispatcher.DispatchItem(context.Background(), f.spec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{KindShell, KindRefresh}, out.Kinds)
	assert.True(t, out.Refreshed)
	assert.Equal(t, []string{f.spec.ID}, f.refresher.called())

	data, err := os.ReadFile(state)
	require.NoError(t, err)
	assert.Equal(t, `{"running":false}`, strings.TrimSpace(string(data)))
}

func TestDispatchShellDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AllowShell = false })
	target := filepath.Join(f.dir, "out")

	_, err := f.dispatcher.Dispatch(context.Background(), f.spec.ID, map[string]string{
		"bash": "echo hi > " + target,
	})
	assert.ErrorIs(t, err, ErrShellDisabled)
	assert.NoFileExists(t, target)
}

func TestDispatchCommandFailureStillRefreshes(t *testing.T) {
	f := newFixture(t, nil)
	script := writeScript(t, f.dir, "fail.sh", "echo nope >&2\nexit 4\n")

	out, err := f.dispatcher.Dispatch(context.Background(), f.spec.ID, map[string]string{
		"bash":    script,
		"refresh": "true",
	})
	var execErr *executor.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 4, execErr.Code)
	assert.Equal(t, "nope\n", out.Stderr)
	assert.True(t, out.Refreshed)
}

func TestDispatchRefreshOnly(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.dispatcher.Dispatch(context.Background(), f.spec.ID, map[string]string{"refresh": "true"})
	require.NoError(t, err)
	assert.True(t, out.Refreshed)

	f.refresher.err = scheduler.ErrBusy
	out, err = f.dispatcher.Dispatch(context.Background(), f.spec.ID, map[string]string{"refresh": "true"})
	assert.ErrorIs(t, err, scheduler.ErrBusy)
	assert.False(t, out.Refreshed)
}

func TestDispatchHref(t *testing.T) {
	dir := t.TempDir()
	got := filepath.Join(dir, "opened")
	opener := writeScript(t, dir, "opener.sh", `printf '%s' "$1" > "`+got+`"`+"\n")
	f := newFixture(t, func(o *Options) { o.Opener = []string{opener} })

	out, err := f.dispatcher.Dispatch(context.Background(), f.spec.ID, map[string]string{
		"href": "https://www.coingecko.com/en/coins/bitcoin",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{KindHref}, out.Kinds)
	assert.Equal(t, "https://www.coingecko.com/en/coins/bitcoin", waitForFile(t, got))

	_, err = f.dispatcher.Dispatch(context.Background(), f.spec.ID, map[string]string{
		"href": "javascript:alert(1)",
	})
	assert.ErrorIs(t, err, ErrSchemeForbidden)
}

func TestDispatchTerminal(t *testing.T) {
	dir := t.TempDir()
	got := filepath.Join(dir, "argv")
	term := writeScript(t, dir, "term.sh", `printf '%s ' "$@" > "`+got+`"`+"\n")

	f := newFixture(t, func(o *Options) { o.Terminal = []string{term, "-e"} })
	out, err := f.dispatcher.Dispatch(context.Background(), f.spec.ID, map[string]string{
		"bash":     "htop",
		"terminal": "true",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{KindTerminal}, out.Kinds)
	assert.Positive(t, out.PID)
	assert.Equal(t, "-e htop", strings.TrimSpace(waitForFile(t, got)))

	noTerm := newFixture(t, nil)
	_, err = noTerm.dispatcher.Dispatch(context.Background(), noTerm.spec.ID, map[string]string{
		"bash":     "htop",
		"terminal": "true",
	})
	assert.ErrorIs(t, err, ErrNoTerminal)
}

func TestDispatchRateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RatePerSec = 0.1
		o.Burst = 1
	})

	_, err := f.dispatcher.Dispatch(context.Background(), f.spec.ID, map[string]string{"refresh": "true"})
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(context.Background(), f.spec.ID, map[string]string{"refresh": "true"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, f.refresher.called(), 1)
}

func TestDispatchErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, f.spec.ID, map[string]string{"color": "red"})
	assert.ErrorIs(t, err, ErrNoAction)

	_, err = f.dispatcher.Dispatch(ctx, "ghost.1s.sh", map[string]string{"refresh": "true"})
	assert.ErrorIs(t, err, scheduler.ErrUnknownProducer)

	_, err = f.dispatcher.DispatchItem(ctx, f.spec.ID, 0)
	assert.ErrorIs(t, err, ErrNoItem)

	snap, perr := protocol.Parse(f.spec.ID, []byte("T\n---\nonly item"))
	require.NoError(t, perr)
	require.NoError(t, f.store.Replace(ctx, f.spec.ID, snap))

	_, err = f.dispatcher.DispatchItem(ctx, f.spec.ID, 1)
	assert.ErrorIs(t, err, ErrNoItem)
	_, err = f.dispatcher.DispatchItem(ctx, f.spec.ID, 0)
	assert.ErrorIs(t, err, ErrNoAction)
}

func TestParams(t *testing.T) {
	assert.Nil(t, Params(map[string]string{"bash": "x"}))
	assert.Equal(t, []string{"a", ""}, Params(map[string]string{"param1": "a", "param2": ""}))
}
