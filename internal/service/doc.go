// Package service supervises prediction cycles.
//
// Overview
// The Supervisor is the single owner of the cycle lock, the job registry and
// the engine snapshot. A cycle is started synchronously (Run), as an
// asynchronous job (Submit) or by the scheduler (Do). Only one cycle runs at a
// time; a second request does not wait, it reports busy.
//
// Every invocation gets its own cancellation token keyed by the job id. Kill
// with a job id cancels that token only, a bare Kill cancels all of them. The
// token is registered before the job worker starts, so a job killed while
// still queued never runs.
//
// Data flow:
//
//	Supervisor              cycle.Executor           runner.Runner
//	    |                        |                        |
//	Run/Submit/tick             |                        |
//	    | TryLock, ReadMapping   |                        |
//	    | Run(ctx, mapping) ---->| Resolve artifact       |
//	    |                        | Run(cmd, payload) ---->| exec, stdin, stdout
//	    |                        |<------ Output ---------|
//	    |                        | Normalize, Publish     |
//	    |<------ Report ---------|                        |
//	    | snapshot, job result   |                        |
//
// Invariants:
//   - At most one cycle in flight.
//   - A job reaches exactly one terminal status.
//   - A canceled job never publishes.
package service
