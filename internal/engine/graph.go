package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dbplane/dbplane/internal/ir"
)

// DAG is the dependency graph over planned resources, used for ordering
// convergence operations.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // topological order (creation order)
	revOrder []string // reverse topological order (destruction order)
}

type dagNode struct {
	addr     string
	edges    []string // resources this node depends on
	revEdges []string // resources that depend on this node
}

// BuildDAG constructs a dependency graph from planned specs. Edges come from
// explicit DependsOn and from implicit deferred handles in properties.
func BuildDAG(specs []*ir.ResourceSpec) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode),
	}

	for _, spec := range specs {
		dag.nodes[spec.Address()] = &dagNode{addr: spec.Address()}
	}

	for _, spec := range specs {
		node := dag.nodes[spec.Address()]

		for _, dep := range spec.DependsOn {
			if _, ok := dag.nodes[dep]; ok {
				node.edges = append(node.edges, dep)
			}
		}

		for _, ref := range extractRefs(spec.Properties) {
			depAddr := refToAddr(ref)
			if depAddr == "" {
				continue
			}
			if _, ok := dag.nodes[depAddr]; ok {
				node.edges = append(node.edges, depAddr)
			}
		}
	}

	dag.buildRevEdges()

	order, err := dag.topoSort()
	if err != nil {
		return nil, err
	}
	dag.setOrder(order)
	return dag, nil
}

// BuildDAGFromState constructs a dependency graph from state resources, used
// when planning a full teardown.
func BuildDAGFromState(resources []*ir.ResourceState) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode),
	}

	for _, res := range resources {
		dag.nodes[res.Address()] = &dagNode{addr: res.Address()}
	}
	for _, res := range resources {
		node := dag.nodes[res.Address()]
		for _, dep := range res.Dependencies {
			if _, ok := dag.nodes[dep]; !ok {
				dag.nodes[dep] = &dagNode{addr: dep}
			}
			node.edges = append(node.edges, dep)
		}
	}

	dag.buildRevEdges()

	order, err := dag.topoSort()
	if err != nil {
		return nil, err
	}
	dag.setOrder(order)
	return dag, nil
}

func (d *DAG) buildRevEdges() {
	for addr, node := range d.nodes {
		for _, dep := range node.edges {
			d.nodes[dep].revEdges = append(d.nodes[dep].revEdges, addr)
		}
	}
}

func (d *DAG) setOrder(order []string) {
	d.order = order
	d.revOrder = make([]string, len(order))
	for i, addr := range order {
		d.revOrder[len(order)-1-i] = addr
	}
}

// CreationOrder returns resources in dependency-respecting creation order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns resources in reverse dependency order (safe for
// deletion: consumers go before producers).
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// Dependencies returns the addresses a resource depends on.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// TransitiveDeps returns all addresses reachable from addr through edges.
func (d *DAG) TransitiveDeps(addr string) []string {
	seen := make(map[string]bool)
	var visit func(a string)
	visit = func(a string) {
		node, ok := d.nodes[a]
		if !ok {
			return
		}
		for _, dep := range node.edges {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(addr)

	deps := make([]string, 0, len(seen))
	for a := range seen {
		deps = append(deps, a)
	}
	sort.Strings(deps)
	return deps
}

// topoSort runs Kahn's algorithm. A non-empty remainder means a cycle; the
// error names its members so the offending references can be found.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int)
	for addr := range d.nodes {
		inDegree[addr] = len(d.nodes[addr].edges)
	}

	var queue []string
	for addr, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, addr)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		next := make([]string, 0)
		for _, dependent := range d.nodes[node].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(sorted) != len(d.nodes) {
		inCycle := make([]string, 0)
		done := make(map[string]bool, len(sorted))
		for _, addr := range sorted {
			done[addr] = true
		}
		for addr := range d.nodes {
			if !done[addr] {
				inCycle = append(inCycle, addr)
			}
		}
		sort.Strings(inCycle)
		return nil, fmt.Errorf("dependency cycle detected between: %s", strings.Join(inCycle, ", "))
	}

	return sorted, nil
}
