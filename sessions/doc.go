// Package sessions tracks the sessions a node is currently running.
//
// A Session pairs a phase machine with the engine it exclusively owns and the
// dispatcher that drives it. The Registry is the only place sessions are
// created and destroyed:
//
//	Create    -> atomic insert, fails when the id is taken
//	Remove    -> deletes exactly the given Session and invalidates its engine
//	TearDown  -> Remove of whatever Session currently holds the id
//	ResetAll  -> best-effort Remove of every Session
//
// Removal compares the Session pointer, so a failure reported by a stale
// command can never destroy a newer session created under the same id.
package sessions
