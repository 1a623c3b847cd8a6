package producer

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Spec describes one discovered producer. Specs are values: a discovery pass
// builds a fresh Set and nothing mutates a Spec afterwards.
type Spec struct {
	// ID is the producer file name, e.g. "cpu.10s.sh". It is the store key.
	ID string `json:"id"`
	// Name is the token before the first ".", e.g. "cpu".
	Name string `json:"name"`
	Path string `json:"path"`
	// Kind is the file extension that selects an interpreter.
	Kind     string        `json:"kind"`
	Interval time.Duration `json:"interval"`
	Enabled  bool          `json:"enabled"`
	// Timeout overrides the executor default when non-zero.
	Timeout time.Duration     `json:"timeout,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Interpreter is the argv prefix used to run Path; empty means Path is
	// executed directly.
	Interpreter []string `json:"interpreter,omitempty"`
	// Fingerprint is "blake3:<hex>" of the file contents.
	Fingerprint string `json:"fingerprint"`
}

// Argv returns the argument vector that runs the producer.
func (s Spec) Argv() []string {
	argv := make([]string, 0, len(s.Interpreter)+1)
	argv = append(argv, s.Interpreter...)
	return append(argv, s.Path)
}

// DisplayName is the capitalised name token, used when a producer prints an
// empty header.
func (s Spec) DisplayName() string {
	return DisplayName(s.ID)
}

// DisplayName derives the fallback title from a producer id: "cpu.10s.sh" -> "Cpu".
func DisplayName(id string) string {
	name, _, _ := strings.Cut(id, ".")
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// Equal reports whether two specs would run identically.
func (s Spec) Equal(o Spec) bool {
	return s.ID == o.ID &&
		s.Name == o.Name &&
		s.Path == o.Path &&
		s.Kind == o.Kind &&
		s.Interval == o.Interval &&
		s.Enabled == o.Enabled &&
		s.Timeout == o.Timeout &&
		s.Fingerprint == o.Fingerprint &&
		slices.Equal(s.Interpreter, o.Interpreter) &&
		maps.Equal(s.Env, o.Env)
}

// Set is an ordered, immutable collection of specs. Order is discovery order:
// roots as configured, lexical within a root.
type Set struct {
	specs []Spec
	index map[string]int
}

// NewSet builds a Set from specs in the given order. Later duplicates of an
// id are dropped.
func NewSet(specs []Spec) Set {
	s := Set{index: make(map[string]int, len(specs))}
	for _, sp := range specs {
		if _, dup := s.index[sp.ID]; dup {
			continue
		}
		s.index[sp.ID] = len(s.specs)
		s.specs = append(s.specs, sp)
	}
	return s
}

// Len returns the number of specs, enabled or not.
func (s Set) Len() int { return len(s.specs) }

// Get looks up a spec by id.
func (s Set) Get(id string) (Spec, bool) {
	i, ok := s.index[id]
	if !ok {
		return Spec{}, false
	}
	return s.specs[i], true
}

// All returns a copy of the specs in order.
func (s Set) All() []Spec {
	return slices.Clone(s.specs)
}

// Enabled returns the enabled specs in order.
func (s Set) Enabled() []Spec {
	out := make([]Spec, 0, len(s.specs))
	for _, sp := range s.specs {
		if sp.Enabled {
			out = append(out, sp)
		}
	}
	return out
}

// EnabledIDs returns the ids of enabled specs in order. This is the list
// published to the store.
func (s Set) EnabledIDs() []string {
	ids := make([]string, 0, len(s.specs))
	for _, sp := range s.specs {
		if sp.Enabled {
			ids = append(ids, sp.ID)
		}
	}
	return ids
}
