// Package engine implements the HPG task graph: task registration during the
// Definition phase, plan construction over the dependency DAG, and serial
// topological scheduling during the Execution phase.
//
// The engine is script-host agnostic. The script host registers tasks through
// a Registry and hands the scheduler a BodyRunner that can re-enter the host
// to execute a task body. Progress is reported through an events.Sink.
//
// # Lifecycle
//
//  1. Definition - the script host calls Registry.Define and Registry.AddTarget
//     while the root config executes. The registry is then sealed.
//  2. Plan - BuildPlan resolves the requested targets to the transitive
//     dependency closure, rejects cycles and unknown names, and produces a
//     stable topological order.
//  3. Execution - Scheduler.Run walks the order, invoking each task body at
//     most once and propagating Cancel outcomes to dependents as Skipped.
//
// Failure halts the plan; cancellation only prunes the cancelled task's
// dependents. Both are ordinary outcomes, not Go errors; errors returned by
// the engine carry an ErrorKind that maps to the process exit class.
package engine
