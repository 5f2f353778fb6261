/*
Package reconciler implements the watchdog that keeps every watched entity's
refresh loop alive.

# Why Loops Stall

A REFRESH_PRICE loop continues only because each task, when it finishes,
publishes its successor. Anything that breaks that chain ends the loop:

  - the worker process dies after reading the task and before re-arming
  - a delayed task is claimed from the delayed set and the node dies before
    publishing it
  - the re-arm publish fails because the store is briefly unreachable
  - a redelivered copy finds the entity busy and steps aside, while the
    holder was itself a stale copy
  - an operator clears the queues

None of these is reported anywhere. The watchdog does not try to detect them
directly; it watches the one thing every live loop does, which is refresh
its lease.

# Lease Model

Each loop refreshes sched:lease:<entity> with its trace id whenever it is
re-armed, with a TTL several times the re-arm delay. A loop that has stopped
for any reason simply lets the key expire.

	             lease TTL
	 ├──────────────────────────────┤
	 re-arm                         re-arm            healthy
	 ├───────┼───────┼───────┤
	 re-arm  x                      expired           stalled
	                                   │
	                                   ▼
	                            watchdog re-seeds

# Reconciliation Pass

On every pass the master:

 1. lists the watch-list from storage
 2. checks all leases with one batched read (lease.Store.CheckActive)
 3. seeds a new REFRESH_PRICE loop, under a fresh trace, for every entity
    whose lease is gone

	entities ──► CheckActive ──► inactive? ──► Seed (new trace)
	                                  │
	                                  └── active ──► nothing to do

A failure to seed one entity is logged and counted; the pass moves on and the
next pass retries. A failure to list entities or to read the leases fails the
whole pass, since there is nothing safe to act on.

Passes are serialized by a mutex, so a manual trigger and a scheduled run on
the same node never overlap.

# Duplicates

A re-seed while the old loop is merely slow yields at most one duplicate
task. The new trace replaces the lease value; the old loop notices on its
next re-arm that the lease names another trace and stops. The two may both
fetch once, which is harmless because writes are idempotent upserts.

# Scheduling

The pass is registered by package scheduler as the watchdog job, which runs
it only on a non-denylisted master. Each re-seed increments
heron_entities_reseeded_total and publishes an entity.reseeded event; pass
duration goes to heron_watchdog_duration_seconds.

# Example

	r := reconciler.NewReconciler(store, leases, dispatcher, broker)
	res, err := r.Reconcile(ctx)
	// res.Checked, res.Active, res.Reseeded, res.Failed
*/
package reconciler
