package producer

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/crossbard/internal/events"
	"github.com/mattjoyce/crossbard/internal/log"
)

// Delta is the difference between two discovery passes.
type Delta struct {
	Added   []Spec `json:"added"`
	Removed []Spec `json:"removed"`
	// Changed holds the new spec for ids whose spec differs.
	Changed []Spec `json:"changed"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares two sets. Added and Changed follow next's order, Removed
// follows prev's order.
func Diff(prev, next Set) Delta {
	var d Delta
	for _, sp := range next.specs {
		old, ok := prev.Get(sp.ID)
		switch {
		case !ok:
			d.Added = append(d.Added, sp)
		case !old.Equal(sp):
			d.Changed = append(d.Changed, sp)
		}
	}
	for _, sp := range prev.specs {
		if _, ok := next.Get(sp.ID); !ok {
			d.Removed = append(d.Removed, sp)
		}
	}
	return d
}

// Pass is the outcome of one discovery pass.
type Pass struct {
	Set    Set
	Delta  Delta
	Errors []*DiscoveryError
}

// Registry holds the current producer set and serialises rediscovery.
type Registry struct {
	roots []string
	opts  Options

	mu      sync.RWMutex
	current Set

	group    singleflight.Group
	onChange func(Delta)
	events   events.Publisher
	logger   *slog.Logger
}

// NewRegistry creates a registry over the given roots. onChange, if non-nil,
// is called once per pass that produced a non-empty delta.
func NewRegistry(roots []string, opts Options, onChange func(Delta)) *Registry {
	return &Registry{
		roots:    append([]string(nil), roots...),
		opts:     opts,
		onChange: onChange,
		events:   events.Discard{},
		logger:   log.WithComponent("registry"),
	}
}

// SetPublisher sends a discovery.error event for every skipped entry.
func (r *Registry) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Discard{}
	}
	r.mu.Lock()
	r.events = p
	r.mu.Unlock()
}

// SetOnChange replaces the change callback. It must be called before the
// first Rediscover that should be observed.
func (r *Registry) SetOnChange(fn func(Delta)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Current returns the last discovered set.
func (r *Registry) Current() Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Get looks up a producer in the current set.
func (r *Registry) Get(id string) (Spec, bool) {
	return r.Current().Get(id)
}

// Rediscover runs a discovery pass and swaps in the new set. Concurrent
// callers share a single pass.
func (r *Registry) Rediscover(ctx context.Context) (Pass, error) {
	ch := r.group.DoChan("discover", func() (any, error) {
		return r.discover()
	})
	select {
	case <-ctx.Done():
		return Pass{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Pass{}, res.Err
		}
		return res.Val.(Pass), nil
	}
}

func (r *Registry) discover() (Pass, error) {
	next, errs, err := Discover(r.roots, r.opts)
	if err != nil {
		return Pass{}, err
	}
	r.mu.Lock()
	delta := Diff(r.current, next)
	r.current = next
	onChange := r.onChange
	pub := r.events
	r.mu.Unlock()

	for _, de := range errs {
		r.logger.Warn("producer skipped", "path", de.Path, "reason", de.Reason, "error", de.Err)
		payload := map[string]any{"path": de.Path, "reason": de.Reason}
		if de.Err != nil {
			payload["error"] = de.Err.Error()
		}
		pub.Publish(events.TypeDiscoveryError, payload)
	}

	r.logger.Info("discovery complete",
		"producers", next.Len(),
		"added", len(delta.Added),
		"removed", len(delta.Removed),
		"changed", len(delta.Changed),
		"skipped", len(errs),
	)
	if onChange != nil && !delta.Empty() {
		onChange(delta)
	}
	return Pass{Set: next, Delta: delta, Errors: errs}, nil
}
