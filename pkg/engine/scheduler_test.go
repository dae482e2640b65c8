package engine

import (
	"testing"

	"github.com/hpg/hpg/pkg/events"
)

// runnerFunc adapts a function to the BodyRunner interface.
type runnerFunc func(id int) (Outcome, error)

func (f runnerFunc) RunBody(id int) (Outcome, error) { return f(id) }

// scriptedRunner returns outcomes by task name, defaulting to success.
func scriptedRunner(reg *Registry, outcomes map[string]Outcome) BodyRunner {
	return runnerFunc(func(id int) (Outcome, error) {
		if o, ok := outcomes[reg.Task(id).Name]; ok {
			return o, nil
		}
		return Success(), nil
	})
}

func markBodies(reg *Registry) {
	for id := 0; id < reg.Len(); id++ {
		reg.SetBody(id)
	}
}

func taskEnds(rec *events.Recorder) map[string]string {
	ends := map[string]string{}
	for _, ev := range rec.Events {
		if ev.Kind == events.KindTaskEnd {
			ends[ev.Task] = ev.Outcome
		}
	}
	return ends
}

func TestScheduler_LinearChainSuccess(t *testing.T) {
	reg := buildRegistry(t, [][2]string{{"a", ""}, {"b", "a"}, {"c", "b"}})
	markBodies(reg)
	plan, err := BuildPlan(reg, []string{"c"}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	rec := &events.Recorder{}
	sched := NewScheduler(reg, scriptedRunner(reg, nil), rec)
	if err := sched.Run(plan); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, name := range []string{"a", "b", "c"} {
		id, _ := reg.Lookup(name)
		if got := sched.Outcome(id).Kind; got != OutcomeSuccess {
			t.Errorf("outcome[%s] = %v, want success", name, got)
		}
	}
}

func TestScheduler_CancelPropagatesToDependents(t *testing.T) {
	reg := buildRegistry(t, [][2]string{{"a", ""}, {"b", "a"}})
	markBodies(reg)
	plan, err := BuildPlan(reg, []string{"b"}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	rec := &events.Recorder{}
	sched := NewScheduler(reg, scriptedRunner(reg, map[string]Outcome{
		"a": Cancel("not applicable"),
	}), rec)
	if err := sched.Run(plan); err != nil {
		t.Fatalf("Run returned error for cancel: %v", err)
	}

	ends := taskEnds(rec)
	if ends["a"] != "cancel" {
		t.Errorf("TaskEnd[a] = %q, want cancel", ends["a"])
	}
	if ends["b"] != "skipped" {
		t.Errorf("TaskEnd[b] = %q, want skipped", ends["b"])
	}
}

func TestScheduler_SiblingSubtreeUnaffectedByCancel(t *testing.T) {
	reg := buildRegistry(t, [][2]string{
		{"root", ""}, {"canceller", "root"}, {"down", "canceller"}, {"sibling", "root"},
	})
	markBodies(reg)
	plan, err := BuildPlan(reg, []string{"down", "sibling"}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	rec := &events.Recorder{}
	sched := NewScheduler(reg, scriptedRunner(reg, map[string]Outcome{
		"canceller": Cancel(""),
	}), rec)
	if err := sched.Run(plan); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ends := taskEnds(rec)
	if ends["down"] != "skipped" {
		t.Errorf("TaskEnd[down] = %q, want skipped", ends["down"])
	}
	if ends["sibling"] != "success" {
		t.Errorf("TaskEnd[sibling] = %q, want success", ends["sibling"])
	}
}

func TestScheduler_FailureHaltsPlan(t *testing.T) {
	// Definition order puts the independent task c between a and b, so the
	// schedule is a, c, b. Failing a must prevent both c and b from starting.
	reg := NewRegistry()
	a, _ := reg.Define("task a", nil)
	c, _ := reg.Define("task c", nil)
	b, _ := reg.Define("task b", []int{a})
	reg.Resolve(a, "a")
	reg.Resolve(c, "c")
	reg.Resolve(b, "b")
	markBodies(reg)
	if err := reg.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	plan, err := BuildPlan(reg, []string{"b", "c"}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	rec := &events.Recorder{}
	sched := NewScheduler(reg, scriptedRunner(reg, map[string]Outcome{
		"a": Fail("bad"),
	}), rec)
	err = sched.Run(plan)
	if err == nil {
		t.Fatal("expected task failure error")
	}
	if ExitCodeFor(err) != ExitTaskFail {
		t.Errorf("exit = %d, want %d", ExitCodeFor(err), ExitTaskFail)
	}

	ends := taskEnds(rec)
	if ends["a"] != "fail" {
		t.Errorf("TaskEnd[a] = %q, want fail", ends["a"])
	}
	if _, started := ends["c"]; started {
		t.Error("c must not be marked after the plan aborts")
	}
	if _, started := ends["b"]; started {
		t.Error("b must not be marked after the plan aborts")
	}
	if got := sched.Outcome(c).Kind; got != OutcomeUnrun {
		t.Errorf("outcome[c] = %v, want unrun", got)
	}
}

func TestScheduler_EventOrdering(t *testing.T) {
	reg := buildRegistry(t, [][2]string{{"a", ""}, {"b", "a"}})
	markBodies(reg)
	plan, err := BuildPlan(reg, []string{"b"}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	rec := &events.Recorder{}
	sched := NewScheduler(reg, scriptedRunner(reg, nil), rec)
	if err := sched.Run(plan); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// TaskBegin{T} precedes TaskEnd{T}, and across tasks the order matches
	// execution order.
	var trace []string
	for _, ev := range rec.Events {
		switch ev.Kind {
		case events.KindTaskBegin:
			trace = append(trace, "begin:"+ev.Task)
		case events.KindTaskEnd:
			trace = append(trace, "end:"+ev.Task)
		}
	}
	want := []string{"begin:a", "end:a", "begin:b", "end:b"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestScheduler_BodylessTaskSucceeds(t *testing.T) {
	reg := buildRegistry(t, [][2]string{{"group", ""}})
	plan, err := BuildPlan(reg, []string{"group"}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	sched := NewScheduler(reg, runnerFunc(func(int) (Outcome, error) {
		t.Fatal("bodyless task must not invoke the runner")
		return Outcome{}, nil
	}), &events.Recorder{})
	if err := sched.Run(plan); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
