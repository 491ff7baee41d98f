// Package resolver builds the dependency graph of a batch over experiments,
// runs, registered models and model versions.
//
// Export and import use different edges over the same nodes. On export a
// parent embeds its children's manifests, so an experiment waits for its runs,
// a version for its backing run and a model for its versions. On import a
// child references its parent on the target, so a run waits for its
// experiment and a version for its model and its backing run.
package resolver

import (
	"fmt"
	"sort"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/manifest"
)

// PulledNote marks nodes added only because a selected object needs them.
const PulledNote = "pulled for dependency"

// Node is one object of the graph.
type Node struct {
	ID       string
	Kind     string
	SourceID string
	// Root nodes were selected (or enumerated as children of a selected
	// object); the rest were pulled in.
	Root bool
	Note string
	// Deps must finish ok or skipped before this node runs.
	Deps []string
	// After must finish before this node runs, whatever their outcome.
	After []string
}

// NodeID returns the graph id of an object.
func NodeID(kind, sourceID string) string {
	return kind + ":" + sourceID
}

// Graph is a set of nodes with dependency edges. The zero value is not
// usable; call New.
type Graph struct {
	nodes map[string]*Node
	order []*Node
	edges map[[2]string]bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node), edges: make(map[[2]string]bool)}
}

// Add inserts a selected object. Adding an object twice returns the first
// node, promoted to root.
func (g *Graph) Add(kind, sourceID string) *Node {
	if n, ok := g.nodes[NodeID(kind, sourceID)]; ok {
		if !n.Root {
			n.Root = true
			n.Note = ""
		}
		return n
	}
	return g.insert(kind, sourceID, true, "")
}

// Pull inserts an object needed by another one, unless it is already there.
func (g *Graph) Pull(kind, sourceID, neededBy string) *Node {
	if n, ok := g.nodes[NodeID(kind, sourceID)]; ok {
		return n
	}
	return g.insert(kind, sourceID, false, fmt.Sprintf("%s by %s", PulledNote, neededBy))
}

func (g *Graph) insert(kind, sourceID string, root bool, note string) *Node {
	n := &Node{ID: NodeID(kind, sourceID), Kind: kind, SourceID: sourceID, Root: root, Note: note}
	g.nodes[n.ID] = n
	g.order = append(g.order, n)
	return n
}

// Require makes from wait for to to succeed.
func (g *Graph) Require(from, to *Node) {
	if g.link(from, to) {
		from.Deps = append(from.Deps, to.ID)
	}
}

// Order makes from wait for to to finish.
func (g *Graph) Order(from, to *Node) {
	if g.link(from, to) {
		from.After = append(from.After, to.ID)
	}
}

func (g *Graph) link(from, to *Node) bool {
	k := [2]string{from.ID, to.ID}
	if from == to || g.edges[k] {
		return false
	}
	g.edges[k] = true
	return true
}

// Get returns a node, or nil.
func (g *Graph) Get(kind, sourceID string) *Node {
	return g.nodes[NodeID(kind, sourceID)]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.order...)
}

// Roots returns the root nodes in insertion order.
func (g *Graph) Roots() []*Node {
	var out []*Node
	for _, n := range g.order {
		if n.Root {
			out = append(out, n)
		}
	}
	return out
}

// Linked returns the nodes of kind that n waits for, sorted by source id.
func (g *Graph) Linked(n *Node, kind string) []*Node {
	var out []*Node
	for _, id := range append(append([]string(nil), n.Deps...), n.After...) {
		if m := g.nodes[id]; m != nil && m.Kind == kind {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return manifest.NumericLess(out[i].SourceID, out[j].SourceID) })
	return out
}

var kindRank = map[string]int{
	manifest.KindExperiment: 0,
	manifest.KindRun:        1,
	manifest.KindVersion:    2,
	manifest.KindModel:      3,
}

func before(a, b *Node) bool {
	if kindRank[a.Kind] != kindRank[b.Kind] {
		return kindRank[a.Kind] < kindRank[b.Kind]
	}
	if a.SourceID != b.SourceID {
		return manifest.NumericLess(a.SourceID, b.SourceID)
	}
	return a.ID < b.ID
}

// Sorted returns the nodes in dependency order: every node comes after the
// nodes it waits for. Among ready nodes, experiments come first, then runs,
// versions and models, each by source id.
func (g *Graph) Sorted() ([]*Node, error) {
	indegree := make(map[string]int, len(g.order))
	dependents := make(map[string][]*Node)
	var ready []*Node
	for _, n := range g.order {
		waits := append(append([]string(nil), n.Deps...), n.After...)
		indegree[n.ID] = len(waits)
		for _, d := range waits {
			dependents[d] = append(dependents[d], n)
		}
		if len(waits) == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]*Node, 0, len(g.order))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return before(ready[i], ready[j]) })
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, dep := range dependents[n.ID] {
			indegree[dep.ID]--
			if indegree[dep.ID] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(out) != len(g.order) {
		return nil, errs.Errorf(errs.KindInvalid, "resolve", "dependency cycle among %d objects", len(g.order)-len(out))
	}
	return out, nil
}
