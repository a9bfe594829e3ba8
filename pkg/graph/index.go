// Package graph indexes workflow definitions and validates their structure.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dukex/autoflow/pkg/models"
)

var ErrCycle = errors.New("graph contains a cycle")

// Index is the in-memory arena of a definition: nodes keyed by id plus
// adjacency lists of edge positions. It is built once per snapshot.
type Index struct {
	nodes    map[string]*models.Node
	order    []string
	position map[string]int
	edges    []*models.Edge
	out      map[string][]int
	in       map[string][]int
}

// NewIndex builds an index. Duplicate node ids keep the first node; edges
// whose endpoints are unknown are kept in Edges but not in the adjacency lists.
func NewIndex(def models.Definition) *Index {
	idx := &Index{
		nodes:    make(map[string]*models.Node, len(def.Nodes)),
		order:    make([]string, 0, len(def.Nodes)),
		position: make(map[string]int, len(def.Nodes)),
		out:      make(map[string][]int),
		in:       make(map[string][]int),
	}

	for _, node := range def.Nodes {
		if node == nil || node.ID == "" {
			continue
		}

		if _, exists := idx.nodes[node.ID]; exists {
			continue
		}

		idx.position[node.ID] = len(idx.order)
		idx.order = append(idx.order, node.ID)
		idx.nodes[node.ID] = node
	}

	for _, edge := range def.Edges {
		if edge == nil {
			continue
		}

		pos := len(idx.edges)
		idx.edges = append(idx.edges, edge)

		if !idx.Has(edge.Source) || !idx.Has(edge.Target) {
			continue
		}

		idx.out[edge.Source] = append(idx.out[edge.Source], pos)
		idx.in[edge.Target] = append(idx.in[edge.Target], pos)
	}

	return idx
}

func (i *Index) Has(id string) bool {
	_, ok := i.nodes[id]

	return ok
}

func (i *Index) Node(id string) *models.Node {
	return i.nodes[id]
}

// IDs returns node ids in definition order.
func (i *Index) IDs() []string {
	return i.order
}

func (i *Index) Len() int {
	return len(i.order)
}

func (i *Index) Edge(pos int) *models.Edge {
	return i.edges[pos]
}

func (i *Index) EdgeCount() int {
	return len(i.edges)
}

// Outgoing returns the positions of edges leaving id.
func (i *Index) Outgoing(id string) []int {
	return i.out[id]
}

// Incoming returns the positions of edges entering id.
func (i *Index) Incoming(id string) []int {
	return i.in[id]
}

// Triggers returns the ids of trigger nodes in definition order.
func (i *Index) Triggers() []string {
	triggers := make([]string, 0, 1)

	for _, id := range i.order {
		if i.nodes[id].Kind == models.NodeKindTrigger {
			triggers = append(triggers, id)
		}
	}

	return triggers
}

// Reachable returns the set of nodes reachable from start, start included.
func (i *Index) Reachable(start string) map[string]bool {
	seen := map[string]bool{}
	if !i.Has(start) {
		return seen
	}

	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if seen[id] {
			continue
		}

		seen[id] = true

		for _, pos := range i.out[id] {
			stack = append(stack, i.edges[pos].Target)
		}
	}

	return seen
}

// TopologicalOrder sorts nodes with Kahn's algorithm. Among ready nodes the
// one declared first in the definition goes first, so the order is stable.
func (i *Index) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(i.order))
	for _, id := range i.order {
		indegree[id] = len(i.in[id])
	}

	ready := make([]int, 0, len(i.order))

	for _, id := range i.order {
		if indegree[id] == 0 {
			ready = append(ready, i.position[id])
		}
	}

	sorted := make([]string, 0, len(i.order))

	for len(ready) > 0 {
		id := i.order[ready[0]]
		ready = ready[1:]
		sorted = append(sorted, id)

		for _, pos := range i.out[id] {
			target := i.edges[pos].Target

			indegree[target]--
			if indegree[target] == 0 {
				ready = insertSorted(ready, i.position[target])
			}
		}
	}

	if len(sorted) != len(i.order) {
		return nil, fmt.Errorf("%w: %d of %d nodes could not be ordered", ErrCycle, len(i.order)-len(sorted), len(i.order))
	}

	return sorted, nil
}

func insertSorted(list []int, value int) []int {
	at := sort.SearchInts(list, value)
	list = append(list, 0)
	copy(list[at+1:], list[at:])
	list[at] = value

	return list
}

// FindCycle returns one cycle as a node path (first node repeated at the end),
// or nil when the graph is acyclic. It uses a colored depth-first search.
func (i *Index) FindCycle() []string {
	const (
		white = iota
		grey
		black
	)

	color := make(map[string]int, len(i.order))
	parent := make(map[string]string, len(i.order))

	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey

		for _, pos := range i.out[id] {
			target := i.edges[pos].Target

			switch color[target] {
			case grey:
				cycle = []string{target}
				for at := id; at != target; at = parent[at] {
					cycle = append(cycle, at)
				}

				cycle = append(cycle, target)
				reverse(cycle)

				return true
			case white:
				parent[target] = id
				if visit(target) {
					return true
				}
			}
		}

		color[id] = black

		return false
	}

	for _, id := range i.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}

	return nil
}

func reverse(list []string) {
	for a, b := 0, len(list)-1; a < b; a, b = a+1, b-1 {
		list[a], list[b] = list[b], list[a]
	}
}
