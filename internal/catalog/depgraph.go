package catalog

import (
	"fmt"
	"sort"
	"strings"

	"igloomcp/internal/warehouse"
)

// Edge is one dependency: From (a view, function or procedure) reads To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the object dependency graph for one or more databases.
type Graph struct {
	Databases []string `json:"databases"`
	Nodes     []string `json:"nodes"`
	Edges     []Edge   `json:"edges"`
}

// BuildGraph derives dependencies from the DDL of derived objects in the
// given snapshots. Only references to objects present in the snapshots
// become edges; external references are dropped.
func BuildGraph(snaps ...*Snapshot) *Graph {
	g := &Graph{}

	// Objects addressable by every unambiguous suffix of their FQN.
	known := map[string]string{}
	byName := map[string][]string{}
	for _, snap := range snaps {
		g.Databases = append(g.Databases, snap.Database)
		for _, o := range snap.Objects {
			fqn := o.FQN()
			g.Nodes = append(g.Nodes, fqn)
			known[strings.ToUpper(fqn)] = fqn
			known[strings.ToUpper(o.Schema+"."+o.Name)] = fqn
			byName[strings.ToUpper(o.Name)] = append(byName[strings.ToUpper(o.Name)], fqn)
		}
	}
	for name, fqns := range byName {
		if len(fqns) == 1 {
			known[name] = fqns[0]
		}
	}

	seen := map[Edge]bool{}
	for _, snap := range snaps {
		for _, o := range snap.Objects {
			if o.Kind == "table" || o.DDL == "" {
				continue
			}
			from := o.FQN()
			attr := warehouse.Attribute(o.DDL)
			for _, ref := range attr.Tables {
				to, ok := known[strings.ToUpper(ref)]
				if !ok || to == from {
					continue
				}
				e := Edge{From: from, To: to}
				if !seen[e] {
					seen[e] = true
					g.Edges = append(g.Edges, e)
				}
			}
		}
	}

	sort.Strings(g.Nodes)
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].To < g.Edges[j].To
	})
	return g
}

// FilterSchema narrows the graph to one schema's objects plus their
// direct neighbors across schema boundaries.
func (g *Graph) FilterSchema(schema string) *Graph {
	want := strings.ToUpper(schema)
	inSchema := func(fqn string) bool {
		parts := strings.Split(fqn, ".")
		return len(parts) == 3 && strings.ToUpper(parts[1]) == want
	}

	keep := map[string]bool{}
	for _, n := range g.Nodes {
		if inSchema(n) {
			keep[n] = true
		}
	}

	out := &Graph{Databases: g.Databases}
	nodes := map[string]bool{}
	for n := range keep {
		nodes[n] = true
	}
	for _, e := range g.Edges {
		if keep[e.From] || keep[e.To] {
			out.Edges = append(out.Edges, e)
			nodes[e.From] = true
			nodes[e.To] = true
		}
	}
	for n := range nodes {
		out.Nodes = append(out.Nodes, n)
	}
	sort.Strings(out.Nodes)
	return out
}

// DOT renders the graph in Graphviz dot format.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph catalog {\n  rankdir=LR;\n")
	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "  %q;\n", n)
	}
	for _, e := range g.Edges {
		fmt.Fprintf(&b, "  %q -> %q;\n", e.From, e.To)
	}
	b.WriteString("}\n")
	return b.String()
}
