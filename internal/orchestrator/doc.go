// Package orchestrator dispatches agent turns and routes their outcomes.
//
// # Overview
//
// The orchestrator owns the envelope around agent execution. It never
// runs the conversation itself: a Runner receives a Turn and reports an
// Outcome later. The Executor ties that loop to the session registry and
// the subtask coordinator:
//
//	Launch → Runner.Start → ... → HandleOutcome → Stop | MarkError | resume
//
// # Delegation
//
// A coordinating session delegates work with Delegate. Every subtask gets
// its own session and turn. When the last sibling reaches a terminal
// state the coordinator reports exactly one resume, and the Executor
// dispatches the merged results to the parent session in the background.
//
// # Failures
//
// Background resumes never fail silently. A resume that cannot restore
// its parent, cannot render results, cannot dispatch, or panics becomes
// a workflow:error event and a persisted error record, wrapped in a
// CoordinationError.
//
// # Transport
//
// NATSRunner carries turns to out-of-process agent workers over NATS and
// feeds their outcomes and runner events back into the process.
package orchestrator
