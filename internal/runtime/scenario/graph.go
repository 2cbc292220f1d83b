package scenario

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tiger/callflow/internal/errinfo"
	"github.com/tiger/callflow/internal/observability/metrics"
)

var (
	// ErrAlreadyRunning is the cause of starting a step that is already running.
	ErrAlreadyRunning = errors.New("step already running")
	// ErrConflict is the cause of starting a step while a conflicting peer runs.
	ErrConflict = errors.New("conflicting step is running")
)

// ConflictError refuses a start because a conflicting peer is running.
type ConflictError struct {
	Step string
	Peer string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot start step %q: conflicting step %q is running", e.Step, e.Peer)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Node is a step as seen by the graph.
type Node interface {
	Name() string
}

// Graph holds conflict and child relations between the steps of one call, and
// their running flags. Admission and the running flag change under one lock.
type Graph struct {
	mu        sync.Mutex
	conflicts map[Node]map[Node]struct{}
	parents   map[Node]map[Node]struct{}
	running   map[Node]bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		conflicts: map[Node]map[Node]struct{}{},
		parents:   map[Node]map[Node]struct{}{},
		running:   map[Node]bool{},
	}
}

// Conflict declares a and b mutually exclusive. Symmetric and idempotent.
func (g *Graph) Conflict(a, b Node) {
	if a == b {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	link(g.conflicts, a, b)
	link(g.conflicts, b, a)
}

// Child declares child as composed by parent.
func (g *Graph) Child(parent, child Node) {
	if parent == child {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	link(g.parents, child, parent)
}

// Conflicting reports whether a conflict between a and b was declared.
func (g *Graph) Conflicting(a, b Node) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.conflicts[a][b]
	return ok
}

// Running reports the running flag of n.
func (g *Graph) Running(n Node) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[n]
}

func (g *Graph) admit(n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running[n] {
		return errinfo.Wrap("scenario.Step.Start",
			fmt.Sprintf("step %q is already running", n.Name()),
			ErrAlreadyRunning,
			map[string]any{"step": n.Name()})
	}
	for peer := range g.conflicts[n] {
		if !g.running[peer] || g.related(n, peer) {
			continue
		}
		metrics.RecordStepConflict(n.Name(), peer.Name())
		return &ConflictError{Step: n.Name(), Peer: peer.Name()}
	}
	g.running[n] = true
	return nil
}

func (g *Graph) release(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, n)
}

// related is true when one node is an ancestor of the other, or when both are
// children of the same running parent.
func (g *Graph) related(a, b Node) bool {
	if g.ancestor(a, b) || g.ancestor(b, a) {
		return true
	}
	for parent := range g.parents[a] {
		if _, ok := g.parents[b][parent]; ok && g.running[parent] {
			return true
		}
	}
	return false
}

// ancestor reports whether anc is a transitive parent of n.
func (g *Graph) ancestor(anc, n Node) bool {
	seen := map[Node]bool{}
	stack := []Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for p := range g.parents[cur] {
			if p == anc {
				return true
			}
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false
}

func link(m map[Node]map[Node]struct{}, from, to Node) {
	if m[from] == nil {
		m[from] = map[Node]struct{}{}
	}
	m[from][to] = struct{}{}
}
