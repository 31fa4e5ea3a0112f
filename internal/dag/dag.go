// Package dag derives the predecessor relation of a bound rule set from
// declared I/O overlap and rejects cycles.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"womflow/internal/model"
	"womflow/internal/womerror"
)

// Graph is the dependency graph of one plan. Edges point from producer to
// consumer; lookups are by rule name.
type Graph struct {
	rules map[string]*model.Rule
	order []string            // rule names in plan order
	preds map[string][]string // consumer -> producers
	succs map[string][]string // producer -> consumers
}

// Build derives edges from declared I/O: r' -> r iff an output path of r'
// equals an input path of r, or an output model identifier equals an input
// model identifier. A cycle is a CyclicWorkflow error naming the cycle.
func Build(rules []*model.Rule) (*Graph, error) {
	g := &Graph{
		rules: make(map[string]*model.Rule, len(rules)),
		preds: make(map[string][]string, len(rules)),
		succs: make(map[string][]string, len(rules)),
	}
	for _, r := range rules {
		g.rules[r.Name] = r
		g.order = append(g.order, r.Name)
	}
	for _, consumer := range rules {
		for _, producer := range rules {
			// a rule consuming its own output is a self-cycle
			if consumer.Follows(producer) {
				g.preds[consumer.Name] = append(g.preds[consumer.Name], producer.Name)
				g.succs[producer.Name] = append(g.succs[producer.Name], consumer.Name)
			}
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, womerror.Newf(womerror.CyclicWorkflow,
			"the workflow contains a cycle: %s", strings.Join(cycle, " -> "))
	}
	return g, nil
}

// Predecessors returns the producers a rule waits for.
func (g *Graph) Predecessors(name string) []string {
	return g.preds[name]
}

// Successors returns the consumers of a rule's outputs.
func (g *Graph) Successors(name string) []string {
	return g.succs[name]
}

// Names returns every rule name in plan order.
func (g *Graph) Names() []string {
	return g.order
}

// findCycle runs a DFS over the successor relation and returns the first
// cycle found, closed on itself, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the stack
		black = 2 // done
	)
	color := make(map[string]int, len(g.order))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)
		for _, next := range g.succs[name] {
			switch color[next] {
			case grey:
				// slice the stack from the first occurrence of next
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}
	for _, name := range g.order {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

// DOT renders the graph in Graphviz dot format for visualization.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph workflow {\n")
	b.WriteString("\trankdir=TB;\n\tnode [shape=box];\n")
	for _, name := range g.order {
		r := g.rules[name]
		fmt.Fprintf(&b, "\t%q [label=%q];\n", name, name+"\\n"+r.Tool)
	}
	edges := make([]string, 0)
	for _, producer := range g.order {
		for _, consumer := range g.succs[producer] {
			edges = append(edges, fmt.Sprintf("\t%q -> %q;\n", producer, consumer))
		}
	}
	sort.Strings(edges)
	for _, e := range edges {
		b.WriteString(e)
	}
	b.WriteString("}\n")
	return b.String()
}
