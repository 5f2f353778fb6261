/*
Package worker consumes refresh tasks from the queue on every node.

Each node runs one Worker. Mastership plays no part here: the master decides
what gets published, but every admitted node takes a share of the work.

# Architecture

	┌──────────────────────────── NODE ─────────────────────────────┐
	│                                                                │
	│   run loop (one goroutine)                                     │
	│     ├─ admission gate  ── denylisted? sleep                    │
	│     ├─ PromoteDue      ── delayed ZSET ─► streams              │
	│     ├─ Reclaim         ── XAUTOCLAIM idle entries (periodic)   │
	│     ├─ reserve         ── take free pool slots                 │
	│     └─ Read            ── XREADGROUP, COUNT = slots held       │
	│                 │                                              │
	│                 ▼                                              │
	│   ┌───────────────────────────────────────────┐                │
	│   │ pool (semaphore.Weighted, Concurrency)     │                │
	│   │   Handle ─ Handle ─ Handle ─ ...           │                │
	│   └───────────────────────────────────────────┘                │
	│          │            │             │                          │
	│       lock         fetch         store                         │
	│   sched:lock:   upstream API   bbolt / postgres / influx       │
	└────────────────────────────────────────────────────────────────┘

# Run Loop

The loop never waits for a batch to finish. On each pass it:

 1. checks the admission gate; a denylisted node sleeps IdleBackoff and
    reads nothing, leaving its pending entries for others to reclaim
 2. promotes delayed tasks that have come due on every topic it serves
 3. every ReclaimEvery, takes over entries other consumers left idle for
    longer than the queue's ReclaimIdle
 4. reserves pool slots: it blocks for one free slot, then grabs any other
    free slots up to BatchSize
 5. reads at most that many messages and starts one goroutine per message

Each goroutine releases its slot when its task ends, so the next read can go
out as soon as any slot frees up. A slow upstream call for one entity holds a
single slot and nothing else.

Reads over several partitions may return more than was asked for, because
XREADGROUP applies COUNT per stream. Messages beyond the reserved slots wait
for a slot of their own before starting. Reclaimed messages are dispatched the
same way with no slots reserved up front.

# Task Lifecycle

For each delivered task, Handle:

 1. skips it if the task id was already processed (sched:processed:<id>)
 2. takes the guard lock entity:<code>:<type>, skipping the task when
    another node holds it
 3. records RUNNING, fetches from upstream and persists the result
 4. records SUCCESS, SKIPPED (no data) or FAILED
 5. re-arms looped task types through the dispatcher
 6. acknowledges and deletes the stream entry

The guard lock is keyed by entity and task type. A KLINE scan and the
REFRESH_PRICE loop of the same entity run side by side; two deliveries of the
same entity and type do not.

Outcome mapping:

	duplicate delivery     SKIPPED  no re-arm
	guard held elsewhere   SKIPPED  no re-arm
	lock store error       FAILED   re-arm
	entity not watched     FAILED   no re-arm (the loop ends)
	fetch.ErrNoData        SKIPPED  re-arm
	any other error        FAILED   re-arm
	success                SUCCESS  re-arm

A busy guard means the holder is running the same loop and will re-arm it
itself, so the skipped copy must not fork a second loop. If the holder was
itself a stale copy the loop lapses, and the watchdog re-seeds it within one
lease TTL.

Re-arming is idempotent per task id (see package dispatch), so a task that is
redelivered after a crash between re-arm and ack continues its loop once.

# Persistence

Price and ETF tasks append the quote to the time series and then apply it to
the watched entity through storage.Store.UpdateEntity. That read-modify-write
runs in one transaction and touches only the quote fields, so it never
overwrites the extrema written concurrently by the scheduler.

K-line and tick tasks upsert their rows; neither touches the entity record.

# Shutdown

Stop cancels the run loop and waits for it, then waits for every task still
in flight. Tasks that have started run on a context detached from
cancellation and complete, ack included. Messages read but not yet started
stay pending in their stream and are reclaimed by another consumer.

# Usage

	w := worker.NewWorker(worker.Config{
		Node:        self,
		Concurrency: 8,
		BatchSize:   8,
	}, worker.Deps{
		Client:  rdb,
		Queue:   q,
		Status:  leases,
		Rearm:   dispatcher,
		Locker:  locker,
		Fetcher: fetcher,
		Store:   store,
		Gate:    gate,
		Broker:  broker,
	})
	w.Start(ctx)
	defer w.Stop()

ProcessBatch runs a fixed set of messages on the same pool and returns when
they are all done.

# Metrics

	heron_tasks_processed_total{topic,status}
	heron_task_duration_seconds{topic}
	heron_tasks_reclaimed_total

A failed task also publishes task.failed on the event broker, and a skipped
one task.skipped.
*/
package worker
