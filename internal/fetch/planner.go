// Package fetch resolves eager-fetch directives (named entity graphs and
// ad-hoc association paths) into fetch joins on a query.
//
// A fetch join selects the associated entity's columns in the same statement
// as the root entity, so loading N members with their teams costs one round
// trip instead of N+1.
package fetch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/entityctx/internal/faults"
	"github.com/roach88/entityctx/internal/queryir"
	"github.com/roach88/entityctx/internal/schema"
)

// Graph is a reusable, named fetch directive: the association paths of Entity
// to load eagerly. Paths are dotted property names relative to the entity
// ("team", "team.league").
type Graph struct {
	Name   string
	Entity string
	Paths  []string
}

// Graphs is the registry of named graphs.
type Graphs struct {
	graphs *xsync.MapOf[string, Graph]
}

// NewGraphs creates an empty graph registry.
func NewGraphs() *Graphs {
	return &Graphs{graphs: xsync.NewMapOf[string, Graph]()}
}

// Register adds a named graph. Names are unique.
func (g *Graphs) Register(graph Graph) error {
	if graph.Name == "" || graph.Entity == "" {
		return faults.New(faults.CodeSpecGraph, "graph needs a name and an entity")
	}
	if len(graph.Paths) == 0 {
		return faults.New(faults.CodeSpecGraph, "graph %s has no paths", graph.Name)
	}
	if _, loaded := g.graphs.LoadOrStore(graph.Name, graph); loaded {
		return faults.New(faults.CodeSpecGraph, "graph %s already registered", graph.Name)
	}
	return nil
}

// Lookup returns the named graph.
func (g *Graphs) Lookup(name string) (Graph, bool) {
	return g.graphs.Load(name)
}

// Names returns the registered graph names, sorted.
func (g *Graphs) Names() []string {
	var names []string
	g.graphs.Range(func(name string, _ Graph) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Planner merges fetch directives into queries.
type Planner struct {
	reg    *schema.Registry
	graphs *Graphs
}

// NewPlanner creates a planner over the schema and graph registries.
func NewPlanner(reg *schema.Registry, graphs *Graphs) *Planner {
	return &Planner{reg: reg, graphs: graphs}
}

// Plan adds fetch joins for the paths of graphName (if not empty) and for the
// ad-hoc paths to sel. Paths the query already joins are upgraded to fetch
// joins in place, keeping the query's join kind and alias, so the original
// predicate is never altered. Overlapping directives are merged: every
// association is joined at most once.
//
// Fetch directives apply to entity projections only.
func (p *Planner) Plan(sel queryir.Select, graphName string, paths []string) (queryir.Select, error) {
	var all []string
	if graphName != "" {
		g, ok := p.graphs.Lookup(graphName)
		if !ok {
			return sel, faults.New(faults.CodeSpecGraph, "graph %q is not registered", graphName)
		}
		if g.Entity != sel.From.Entity {
			return sel, faults.New(faults.CodeSpecGraph, "graph %s is declared for %s, query selects %s", g.Name, g.Entity, sel.From.Entity)
		}
		all = append(all, g.Paths...)
	}
	all = append(all, paths...)
	if len(all) == 0 {
		return sel, nil
	}

	proj, ok := sel.Projection.(queryir.EntityProjection)
	if !ok || proj.Alias != sel.From.Alias {
		return sel, faults.New(faults.CodeSpecGraph, "fetch directives require the root entity projection")
	}

	root, ok := p.reg.Entity(sel.From.Entity)
	if !ok {
		return sel, faults.New(faults.CodeSpecEntity, "unknown entity %q", sel.From.Entity)
	}

	joins := append([]queryir.Join(nil), sel.Joins...)
	for _, path := range all {
		var err error
		if joins, err = p.addPath(root, sel.From.Alias, joins, path); err != nil {
			return sel, err
		}
	}
	sel.Joins = joins
	return sel, nil
}

func (p *Planner) addPath(root *schema.Entity, rootAlias string, joins []queryir.Join, path string) ([]queryir.Join, error) {
	owner, alias := root, rootAlias
	for _, segment := range strings.Split(path, ".") {
		assoc, ok := owner.Association(segment)
		if !ok {
			return nil, faults.New(faults.CodeSpecGraph, "fetch path %q: %s has no association %q", path, owner.Name, segment)
		}
		target, err := owner.Target(assoc)
		if err != nil {
			return nil, faults.Wrap(faults.CodeSpecGraph, err, "fetch path %q", path)
		}

		step := queryir.Path{Alias: alias, Property: segment}
		idx := indexOf(joins, step)
		if idx < 0 {
			joins = append(joins, queryir.Join{
				Kind:  queryir.LeftJoin,
				Path:  step,
				Alias: fetchAlias(joins, alias, segment),
			})
			idx = len(joins) - 1
		}
		joins[idx].Fetch = true
		owner, alias = target, joins[idx].Alias
	}
	return joins, nil
}

func indexOf(joins []queryir.Join, path queryir.Path) int {
	for i, j := range joins {
		if j.Path == path {
			return i
		}
	}
	return -1
}

func fetchAlias(joins []queryir.Join, owner, segment string) string {
	base := fmt.Sprintf("%s_%s", owner, segment)
	alias := base
	for n := 2; ; n++ {
		taken := false
		for _, j := range joins {
			if j.Alias == alias {
				taken = true
				break
			}
		}
		if !taken {
			return alias
		}
		alias = fmt.Sprintf("%s%d", base, n)
	}
}
