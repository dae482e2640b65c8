package engine

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hpg/hpg/pkg/events"
)

// BodyRunner re-enters the script host to execute one task body. It returns
// the task's outcome; a script-level runtime error surfaces as a Fail
// outcome, not a Go error. Go errors are reserved for host breakage.
type BodyRunner interface {
	RunBody(id int) (Outcome, error)
}

// Scheduler walks a plan in topological order, strictly serially, invoking
// each task body at most once after all its dependencies reached a terminal
// outcome.
type Scheduler struct {
	reg    *Registry
	runner BodyRunner
	sink   events.Sink

	outcomes map[int]Outcome
}

// NewScheduler creates a scheduler over the sealed registry.
func NewScheduler(reg *Registry, runner BodyRunner, sink events.Sink) *Scheduler {
	return &Scheduler{
		reg:      reg,
		runner:   runner,
		sink:     sink,
		outcomes: map[int]Outcome{},
	}
}

// Outcome returns the recorded outcome for a task, or Unrun.
func (s *Scheduler) Outcome(id int) Outcome {
	if o, ok := s.outcomes[id]; ok {
		return o
	}
	return Outcome{Kind: OutcomeUnrun}
}

// Run executes the plan. It returns a task-failure error when a body fails;
// cancellation is not an error. On failure remaining tasks are neither
// started nor marked.
func (s *Scheduler) Run(plan *Plan) error {
	s.sink.Emit(events.RunBegin(len(plan.Order)))
	for _, id := range plan.Order {
		task := s.reg.Task(id)

		if skip, ok := s.dependencyVeto(task); ok {
			s.outcomes[id] = Skipped()
			log.Debug().Str("task", task.Name).Str("cause", skip).Msg("skipping task")
			s.sink.Emit(events.TaskEnd(task.Name, string(OutcomeSkipped), ""))
			continue
		}

		s.sink.Emit(events.TaskBegin(task.Name))
		outcome, err := s.run(task)
		if err != nil {
			s.sink.Emit(events.RunEnd(false))
			return err
		}
		s.outcomes[id] = outcome
		s.sink.Emit(events.TaskEnd(task.Name, string(outcome.Kind), outcome.Reason))

		if outcome.Kind == OutcomeFail {
			s.sink.Emit(events.RunEnd(false))
			return NewError(ErrTaskFailure, outcome.Reason, nil).WithTask(task.Name)
		}
	}
	s.sink.Emit(events.RunEnd(true))
	return nil
}

// dependencyVeto reports whether a direct dependency's outcome forces a skip,
// returning the vetoing task's name.
func (s *Scheduler) dependencyVeto(task *Task) (string, bool) {
	for _, dep := range task.Deps {
		switch s.Outcome(dep).Kind {
		case OutcomeCancel, OutcomeSkipped:
			return s.reg.Task(dep).Name, true
		}
	}
	return "", false
}

func (s *Scheduler) run(task *Task) (Outcome, error) {
	if !task.HasBody {
		return Success(), nil
	}
	outcome, err := s.runner.RunBody(task.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("task %s: %w", task.Name, err)
	}
	return outcome, nil
}
