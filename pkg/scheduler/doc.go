/*
Package scheduler runs the periodic tasks that drive sandboxes through their
lifecycle without blocking any request path: pick up newly requested
sandboxes, watch heartbeats, reap anything stuck past its state timeout,
tear down stopping/unhealthy sandboxes, reconcile against the host daemon's
live view, and trim old history.

# Architecture

Each task gets its own goroutine and its own ticker, not one shared loop:

	┌─────────────────────────────────────────────────────────┐
	│                        Runner                           │
	│  process-requested   5s   ──▶ requested → creating       │
	│  check-heartbeats   30s   ──▶ active/ready → stopping    │
	│  check-timeouts     15s   ──▶ stuck transitional → unhealthy │
	│  process-stopping   10s   ──▶ stopping → destroying      │
	│  process-unhealthy  30s   ──▶ unhealthy → destroying     │
	│  reconcile          60s   ──▶ cross-check against host   │
	│  cleanup-old         1h   ──▶ delete old destroyed rows  │
	└─────────────────────────────────────────────────────────┘

Every task is idempotent: re-scanning the same records on the next tick
produces the same effect, so a crash mid-task is recovered by the next tick
rather than by any special resume logic. The status-driven tasks select
records through the store's (status, statusChangedAt) index;
process-requested, check-timeouts, process-stopping, process-unhealthy and
cleanup-old take at most BatchSize records per status per tick, and
anything left over is picked up on the following tick. check-heartbeats
handles every active and ready sandbox each tick, and reconcile scans all
sandbox records and ready pool entries.

# Usage

	runner := scheduler.New(mgr, hostClient, setupCoordinator, scheduler.DefaultConfig())
	runner.Start()
	defer runner.Stop()

# Relationship to the state machine

The scheduler never mutates a sandbox's status directly. Every transition
goes through pkg/sandbox.Transition/Apply and commits via the control
plane's Raft-backed Manager.Apply, exactly as an API handler or an inbound
host callback would — the scheduler is just another caller of the same
transition rules, driven by time instead of an external event.
*/
package scheduler
