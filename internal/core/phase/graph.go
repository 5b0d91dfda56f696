package phase

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/example/pipectl/internal/core/effects"
)

//go:embed graph.yaml
var graphYAML []byte

// DefaultTagPrefix is prepended to phase names to form projected tag names.
const DefaultTagPrefix = "phase:"

// graphDoc is the on-disk shape of the embedded graph declaration.
type graphDoc struct {
	Phases   []string            `yaml:"phases"`
	Terminal []string            `yaml:"terminal"`
	Edges    map[string][]string `yaml:"edges"`
	Failure  struct {
		Phase     string   `yaml:"phase"`
		ExtraTags []string `yaml:"extra_tags"`
	} `yaml:"failure"`
}

// Machine validates phase transitions against the declared edge graph and
// computes the tag effects attached to each edge. Machines are immutable
// after construction and safe for concurrent use.
type Machine struct {
	phases    []Phase
	declared  map[Phase]bool
	terminal  map[Phase]bool
	edges     map[Phase]map[Phase]bool
	failure   Phase
	extraTags []string
	tagPrefix string
}

// Default is the machine compiled from the embedded graph declaration with
// the default tag prefix. Construction failure of the embedded graph is a
// build defect, hence the panic.
var Default = mustLoad(DefaultTagPrefix)

func mustLoad(prefix string) *Machine {
	m, err := NewMachine(prefix)
	if err != nil {
		panic(fmt.Sprintf("phase: invalid embedded graph: %v", err))
	}
	return m
}

// NewMachine compiles the embedded graph declaration into a Machine using
// the given tag prefix for phase-label projection.
func NewMachine(tagPrefix string) (*Machine, error) {
	var doc graphDoc
	if err := yaml.Unmarshal(graphYAML, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse graph: %w", err)
	}

	m := &Machine{
		declared:  make(map[Phase]bool, len(doc.Phases)),
		terminal:  make(map[Phase]bool, len(doc.Terminal)),
		edges:     make(map[Phase]map[Phase]bool, len(doc.Edges)),
		failure:   Phase(doc.Failure.Phase),
		extraTags: doc.Failure.ExtraTags,
		tagPrefix: tagPrefix,
	}

	for _, name := range doc.Phases {
		p := Phase(name)
		if m.declared[p] {
			return nil, fmt.Errorf("duplicate phase %q", name)
		}
		m.declared[p] = true
		m.phases = append(m.phases, p)
	}
	for _, name := range doc.Terminal {
		p := Phase(name)
		if !m.declared[p] {
			return nil, fmt.Errorf("terminal phase %q not declared", name)
		}
		m.terminal[p] = true
	}
	if !m.declared[m.failure] || !m.terminal[m.failure] {
		return nil, fmt.Errorf("failure phase %q must be a declared terminal", doc.Failure.Phase)
	}
	for from, tos := range doc.Edges {
		f := Phase(from)
		if !m.declared[f] {
			return nil, fmt.Errorf("edge source %q not declared", from)
		}
		if m.terminal[f] {
			return nil, fmt.Errorf("terminal phase %q has outgoing edges", from)
		}
		targets := make(map[Phase]bool, len(tos))
		for _, to := range tos {
			t := Phase(to)
			if !m.declared[t] {
				return nil, fmt.Errorf("edge target %q not declared", to)
			}
			if t == f {
				return nil, fmt.Errorf("self-loop declared on %q", from)
			}
			targets[t] = true
		}
		m.edges[f] = targets
	}

	return m, nil
}

// Phases returns the declared phase set in declaration order.
func (m *Machine) Phases() []Phase {
	out := make([]Phase, len(m.phases))
	copy(out, m.phases)
	return out
}

// Declared reports whether p is a member of the declared phase set.
func (m *Machine) Declared(p Phase) bool { return m.declared[p] }

// Terminal reports whether p accepts no outgoing transitions.
func (m *Machine) Terminal(p Phase) bool { return m.terminal[p] }

// Tag returns the projected tag name for a phase.
func (m *Machine) Tag(p Phase) string { return m.tagPrefix + string(p) }

// Validate checks the edge from -> to and, if allowed, returns the tag
// effects the transition implies. The effect list is a pure function of the
// edge; nothing is applied here.
func (m *Machine) Validate(from, to Phase) ([]effects.TagEffect, error) {
	if !m.declared[from] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, from)
	}
	if !m.declared[to] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, to)
	}
	if m.terminal[from] {
		return nil, fmt.Errorf("%w: %s accepts no transitions (requested %s -> %s)", ErrTerminalPhase, from, from, to)
	}
	if to != m.failure && !m.edges[from][to] {
		return nil, fmt.Errorf("%w: no edge %s -> %s", ErrIllegalTransition, from, to)
	}

	effs := []effects.TagEffect{
		effects.RemoveTag(m.Tag(from)),
		effects.AddTag(m.Tag(to)),
	}
	if to == m.failure {
		for _, tag := range m.extraTags {
			effs = append(effs, effects.AddTag(tag))
		}
	}
	return effs, nil
}

// DesiredTags returns the complete tag set an external object should carry
// for an entity currently in phase p. Used for reconciliation: the sync
// layer removes every other projected phase tag and adds these.
func (m *Machine) DesiredTags(p Phase) []string {
	tags := []string{m.Tag(p)}
	if p == m.failure {
		tags = append(tags, m.extraTags...)
	}
	return tags
}

// ProjectedTags returns every tag this machine may ever project, sorted.
// Reconciliation treats only these as owned; foreign tags are untouched.
func (m *Machine) ProjectedTags() []string {
	tags := make([]string, 0, len(m.phases)+len(m.extraTags))
	for _, p := range m.phases {
		tags = append(tags, m.Tag(p))
	}
	tags = append(tags, m.extraTags...)
	sort.Strings(tags)
	return tags
}
