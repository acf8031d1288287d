// Package task runs long, interruptible procedures. A Task is a setup, a
// repeatable step and a teardown; a Runner drives it through the lifecycle
//
//	Idle -> Starting -> Running <-> Pausing/Paused/Resuming -> Stopping -> Idle
//
// and guarantees that teardown runs exactly once per successful start, on
// every exit path: normal completion, abort, step error or panic.
//
// It contains:
//
//   - State: the discrete lifecycle states
//   - RunState: the observable state of the current or last run
//   - Control: the handle a task uses to cooperate with pause and abort
//
// Abort is a flag, not a state. It is observed at every step boundary and at
// every cooperative wait inside a step.
package task
