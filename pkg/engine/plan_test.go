package engine

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

// buildRegistry registers tasks in order; deps reference earlier names.
func buildRegistry(t *testing.T, defs [][2]string) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, def := range defs {
		name, depSpec := def[0], def[1]
		var deps []int
		if depSpec != "" {
			for _, d := range strings.Split(depSpec, ",") {
				id, ok := reg.Lookup(d)
				if !ok {
					t.Fatalf("dep %q not yet registered", d)
				}
				deps = append(deps, id)
			}
		}
		id, err := reg.Define("task "+name, deps)
		if err != nil {
			t.Fatalf("Define(%q): %v", name, err)
		}
		if err := reg.Resolve(id, name); err != nil {
			t.Fatalf("Resolve(%q): %v", name, err)
		}
	}
	if err := reg.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return reg
}

func orderNames(reg *Registry, plan *Plan) []string {
	names := make([]string, len(plan.Order))
	for i, id := range plan.Order {
		names[i] = reg.Task(id).Name
	}
	return names
}

func TestBuildPlan_LinearChain(t *testing.T) {
	reg := buildRegistry(t, [][2]string{{"a", ""}, {"b", "a"}, {"c", "b"}})
	plan, err := BuildPlan(reg, []string{"c"}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	want := []string{"a", "b", "c"}
	if got := orderNames(reg, plan); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestBuildPlan_Diamond(t *testing.T) {
	reg := buildRegistry(t, [][2]string{
		{"root", ""}, {"left", "root"}, {"right", "root"}, {"join", "left,right"},
	})
	plan, err := BuildPlan(reg, []string{"join"}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	want := []string{"root", "left", "right", "join"}
	if got := orderNames(reg, plan); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestBuildPlan_UnknownTarget(t *testing.T) {
	reg := buildRegistry(t, [][2]string{{"a", ""}})
	_, err := BuildPlan(reg, []string{"nope"}, false)
	if err == nil {
		t.Fatal("expected error for unknown target")
	}
	if KindOf(err) != ErrGraph {
		t.Errorf("kind = %v, want %v", KindOf(err), ErrGraph)
	}
	if ExitCodeFor(err) != ExitPlanError {
		t.Errorf("exit = %d, want %d", ExitCodeFor(err), ExitPlanError)
	}
}

func TestBuildPlan_CycleDetected(t *testing.T) {
	// Cycles cannot be expressed through Define's already-registered rule, so
	// wire one directly into the arena the way a corrupted registry would.
	reg := NewRegistry()
	a, _ := reg.Define("task a", nil)
	b, _ := reg.Define("task b", []int{a})
	reg.Resolve(a, "a")
	reg.Resolve(b, "b")
	reg.Task(a).Deps = []int{b}
	if err := reg.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	_, err := BuildPlan(reg, []string{"a"}, false)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if KindOf(err) != ErrGraph {
		t.Errorf("kind = %v, want %v", KindOf(err), ErrGraph)
	}
	msg := err.Error()
	if !strings.Contains(msg, "a") || !strings.Contains(msg, "b") {
		t.Errorf("cycle message should name both tasks: %q", msg)
	}
}

func TestBuildPlan_DefaultTargetsDedup(t *testing.T) {
	reg := NewRegistry()
	a, _ := reg.Define("task a", nil)
	b, _ := reg.Define("task b", []int{a})
	reg.Resolve(a, "a")
	reg.Resolve(b, "b")
	reg.AddTarget(b)
	reg.AddTarget(b) // duplicate append is a no-op
	if err := reg.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// b requested positionally and present in defaults: appears once.
	plan, err := BuildPlan(reg, []string{"b"}, true)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Targets) != 1 {
		t.Errorf("targets = %v, want exactly one", plan.Targets)
	}
	want := []string{"a", "b"}
	if got := orderNames(reg, plan); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestBuildPlan_NoTargets(t *testing.T) {
	reg := buildRegistry(t, [][2]string{{"a", ""}})
	if _, err := BuildPlan(reg, nil, false); err == nil {
		t.Fatal("expected error when nothing is requested")
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	reg := NewRegistry()
	a, _ := reg.Define("first", nil)
	b, _ := reg.Define("second", nil)
	if err := reg.Resolve(a, "x"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := reg.Resolve(b, "x"); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestRegistry_DefineAfterSeal(t *testing.T) {
	reg := buildRegistry(t, [][2]string{{"a", ""}})
	if _, err := reg.Define("late", nil); err == nil {
		t.Fatal("expected error defining after seal")
	}
}

// Topological order must be stable across repeated runs over the same config.
func TestBuildPlan_StableOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		reg := NewRegistry()
		n := 5 + rng.Intn(20)
		names := make([]string, n)
		for i := 0; i < n; i++ {
			var deps []int
			for d := 0; d < i; d++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, d)
				}
			}
			id, err := reg.Define("t", deps)
			if err != nil {
				t.Fatalf("Define: %v", err)
			}
			names[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
			if err := reg.Resolve(id, names[i]); err != nil {
				t.Fatalf("Resolve: %v", err)
			}
		}
		if err := reg.Seal(); err != nil {
			t.Fatalf("Seal: %v", err)
		}

		first, err := BuildPlan(reg, []string{names[n-1]}, false)
		if err != nil {
			t.Fatalf("BuildPlan: %v", err)
		}
		for rep := 0; rep < 5; rep++ {
			again, err := BuildPlan(reg, []string{names[n-1]}, false)
			if err != nil {
				t.Fatalf("BuildPlan: %v", err)
			}
			if !reflect.DeepEqual(first.Order, again.Order) {
				t.Fatalf("trial %d: order changed between runs: %v vs %v",
					trial, first.Order, again.Order)
			}
		}

		// Dependencies always precede dependents.
		pos := map[int]int{}
		for i, id := range first.Order {
			pos[id] = i
		}
		for _, id := range first.Order {
			for _, dep := range reg.Task(id).Deps {
				if pos[dep] >= pos[id] {
					t.Fatalf("dep %d scheduled after dependent %d", dep, id)
				}
			}
		}
	}
}
