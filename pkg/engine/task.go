package engine

import (
	"fmt"
	"sort"
)

// Task is a named executable unit registered during the Definition phase.
// Tasks are identified by name, never mutated after the registry is sealed,
// and referenced elsewhere by their arena index.
type Task struct {
	// ID is the task's index in the registry arena. It doubles as the
	// definition order: IDs are assigned monotonically at registration.
	ID int

	// Name is the unique human name. For script-defined tasks this is the
	// global binding the task handle was assigned to.
	Name string

	// Description is free text shown by --list.
	Description string

	// Deps holds the IDs of direct dependencies, deduplicated, in the order
	// they were first given.
	Deps []int

	// HasBody reports whether a body callable was registered for this task.
	// Bodyless tasks are grouping nodes and always succeed.
	HasBody bool
}

// Registry is the task arena built during the Definition phase.
type Registry struct {
	tasks   []*Task
	byName  map[string]int
	targets []int
	sealed  bool
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]int{}}
}

// Define appends a new task and returns its ID. Dependencies must already be
// registered, which makes definition-time cycles impossible to express;
// cycle detection in BuildPlan guards the invariant regardless.
func (r *Registry) Define(description string, deps []int) (int, error) {
	if r.sealed {
		return 0, NewError(ErrGraph, "task() called after the definition phase ended", nil)
	}
	seen := make(map[int]bool, len(deps))
	uniq := make([]int, 0, len(deps))
	for _, d := range deps {
		if d < 0 || d >= len(r.tasks) {
			return 0, NewError(ErrGraph, fmt.Sprintf("dependency handle %d does not reference a registered task", d), nil)
		}
		if !seen[d] {
			seen[d] = true
			uniq = append(uniq, d)
		}
	}
	id := len(r.tasks)
	r.tasks = append(r.tasks, &Task{
		ID:          id,
		Description: description,
		Deps:        uniq,
		HasBody:     false,
	})
	return id, nil
}

// SetBody marks the task as having a body callable. The callable itself stays
// with the script host; the engine only needs to know whether to invoke it.
func (r *Registry) SetBody(id int) {
	r.tasks[id].HasBody = true
}

// Resolve assigns the task's unique name. Names come from the script's global
// bindings after the config executes. Binding the same task twice, or reusing
// a name, is a definition-time error.
func (r *Registry) Resolve(id int, name string) error {
	if id < 0 || id >= len(r.tasks) {
		return NewError(ErrGraph, fmt.Sprintf("no task with handle %d", id), nil)
	}
	t := r.tasks[id]
	if t.Name != "" && t.Name != name {
		return NewError(ErrGraph,
			fmt.Sprintf("task bound to two names: %q and %q", t.Name, name), nil)
	}
	if prev, ok := r.byName[name]; ok && prev != id {
		return NewError(ErrGraph, fmt.Sprintf("duplicate task name %q", name), nil)
	}
	t.Name = name
	r.byName[name] = id
	return nil
}

// Seal ends the Definition phase. Every task must have been resolved to a
// name; an anonymous task is unreachable and therefore an error.
func (r *Registry) Seal() error {
	for _, t := range r.tasks {
		if t.Name == "" {
			return NewError(ErrGraph,
				fmt.Sprintf("task %q was defined but never bound to a name", t.Description), nil)
		}
	}
	r.sealed = true
	return nil
}

// Sealed reports whether the Definition phase has concluded.
func (r *Registry) Sealed() bool {
	return r.sealed
}

// AddTarget appends a task to the default target list. Appending the same
// task twice is a no-op.
func (r *Registry) AddTarget(id int) error {
	if r.sealed {
		return NewError(ErrGraph, "target() called after the definition phase ended", nil)
	}
	if id < 0 || id >= len(r.tasks) {
		return NewError(ErrGraph, fmt.Sprintf("target handle %d does not reference a registered task", id), nil)
	}
	for _, t := range r.targets {
		if t == id {
			return nil
		}
	}
	r.targets = append(r.targets, id)
	return nil
}

// Targets returns the default target list in append order.
func (r *Registry) Targets() []int {
	return r.targets
}

// Lookup returns the ID for a task name.
func (r *Registry) Lookup(name string) (int, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Task returns the task with the given ID.
func (r *Registry) Task(id int) *Task {
	return r.tasks[id]
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	return len(r.tasks)
}

// ListByName returns all tasks sorted by name, for --list output.
func (r *Registry) ListByName() []*Task {
	out := make([]*Task, len(r.tasks))
	copy(out, r.tasks)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
