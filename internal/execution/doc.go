// Package execution runs a goal implementation for one goal event.
//
// A Pipeline marks the goal in process, runs the pre-goal hook, the
// implementation's executor and the post-goal hook, then records the final
// state. Failures are wrapped in a GoalExecutionError naming the stage
// that failed, reported through a Notifier and persisted on the event.
// Listeners observe every execution before it starts and after it ends.
//
// Concurrent executions of the same goal event are refused with
// ErrAlreadyExecuting, within a process by a KeyedGuard and across processes
// by claiming the event with a conditional requested -> in_process update.
package execution
