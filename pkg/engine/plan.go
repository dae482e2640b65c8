package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Plan is the execution subgraph induced by the requested targets, in stable
// topological order. Plans exist only for the Execution phase.
type Plan struct {
	// Targets are the requested entry tasks after dedup.
	Targets []int

	// Order is the schedule: every task in the transitive dependency closure
	// of Targets, dependencies before dependents.
	Order []int

	reg *Registry
}

// dfs colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully explored
)

// BuildPlan resolves the requested task names (plus the default target list
// when useDefaults is set) to an execution plan. Unknown names and dependency
// cycles fail with a graph error before anything runs.
//
// The topological order is stable: ties break by definition order, then by
// name. Two invocations over the same config produce the same order.
func BuildPlan(reg *Registry, requested []string, useDefaults bool) (*Plan, error) {
	var targets []int
	seen := map[int]bool{}
	for _, name := range requested {
		id, ok := reg.Lookup(name)
		if !ok {
			return nil, NewError(ErrGraph, fmt.Sprintf("unknown task %q", name), nil)
		}
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	if useDefaults {
		for _, id := range reg.Targets() {
			if !seen[id] {
				seen[id] = true
				targets = append(targets, id)
			}
		}
	}
	if len(targets) == 0 {
		return nil, NewError(ErrGraph, "no targets requested; pass task names or -D", nil)
	}

	if cycle := findCycle(reg); cycle != nil {
		return nil, NewError(ErrGraph,
			fmt.Sprintf("dependency cycle: %s", formatCycle(reg, cycle)), nil)
	}

	closure := map[int]bool{}
	var collect func(id int)
	collect = func(id int) {
		if closure[id] {
			return
		}
		closure[id] = true
		for _, d := range reg.Task(id).Deps {
			collect(d)
		}
	}
	for _, t := range targets {
		collect(t)
	}

	order := topoOrder(reg, closure)
	return &Plan{Targets: targets, Order: order, reg: reg}, nil
}

// findCycle runs a three-color DFS over the whole registry following
// dependency edges. It returns the offending path, ending with the repeated
// task, or nil when the graph is acyclic.
func findCycle(reg *Registry) []int {
	color := make([]int, reg.Len())
	var path []int
	var cycle []int

	var visit func(id int) bool
	visit = func(id int) bool {
		color[id] = colorGray
		path = append(path, id)
		for _, dep := range reg.Task(id).Deps {
			switch color[dep] {
			case colorGray:
				// Back edge. Slice the path from the first occurrence of dep.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]int{}, path[start:]...), dep)
				return true
			case colorWhite:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = colorBlack
		return false
	}

	for id := 0; id < reg.Len(); id++ {
		if color[id] == colorWhite && visit(id) {
			return cycle
		}
	}
	return nil
}

// topoOrder produces the stable topological order of the closure. Among
// ready tasks the smallest definition order wins, then the smaller name.
func topoOrder(reg *Registry, closure map[int]bool) []int {
	indegree := map[int]int{}
	dependents := map[int][]int{}
	for id := range closure {
		for _, d := range reg.Task(id).Deps {
			if closure[d] {
				indegree[id]++
				dependents[d] = append(dependents[d], id)
			}
		}
	}

	var ready []int
	for id := range closure {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b int) bool {
		if a != b {
			ta, tb := reg.Task(a), reg.Task(b)
			if ta.ID != tb.ID {
				return ta.ID < tb.ID
			}
			return ta.Name < tb.Name
		}
		return false
	}

	order := make([]int, 0, len(closure))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}

// Tasks returns the planned tasks in execution order, for --show output.
func (p *Plan) Tasks() []*Task {
	out := make([]*Task, len(p.Order))
	for i, id := range p.Order {
		out[i] = p.reg.Task(id)
	}
	return out
}

func formatCycle(reg *Registry, cycle []int) string {
	names := make([]string, len(cycle))
	for i, id := range cycle {
		t := reg.Task(id)
		if t.Name != "" {
			names[i] = t.Name
		} else {
			names[i] = fmt.Sprintf("#%d", id)
		}
	}
	return strings.Join(names, " -> ")
}
