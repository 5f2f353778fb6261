/*
Package lease keeps per-entity liveness keys and task status records in the
coordination store.

Three kinds of record live here, each with its own lifetime:

	sched:lease:<entity>                  trace id       TTL (5m)
	sched:status:<entity>:<type>:<trace>  JSON record    30m active, 5m terminal
	sched:status:index                    ZSET           score = updated_at ms
	sched:rearm:<task id>                 "1"            ClaimTTL (6h)

# Liveness

A looped entity is alive while its lease key exists. The dispatcher writes
the key with the loop's trace id every time it publishes the next iteration,
so a healthy loop keeps pushing the expiry forward:

	Seed ─► Refresh(trace) ─► task ─► Rearm ─► Refresh(trace) ─► task ─► ...
	                                    │
	                     crash, lost message, failed publish
	                                    │
	                                    ▼
	                        key expires after TTL
	                                    │
	                                    ▼
	                      watchdog: CheckActive = false
	                                    │
	                                    ▼
	                         Seed (new trace) ─► ...

Current returns the trace owning the key. A loop whose trace no longer
matches has been superseded and stops re-arming. CheckActive answers for a
whole watch list with one MGET, which the cluster client splits per slot.

# Re-arm Claims

ClaimRearm is a SET NX on sched:rearm:<task id>. The first caller for a task
id wins; a redelivered copy of the same task loses and does not publish a
second successor. ClaimTTL must outlast the queue's reclaim idle time so a
late redelivery still finds the claim. ReleaseRearm drops a claim whose
successor failed to publish, letting a retry try again.

# Status Records

PutStatus writes one record per entity, task type and trace, and indexes it
in sched:status:index scored by update time. A record of a given trace is
overwritten as the task moves through its states:

	WAITING ─► RUNNING ─► SUCCESS | FAILED | SKIPPED

RUNNING and WAITING records get the longer active TTL so an operator can see
long-parked tasks. Everything else expires quickly.

The index itself has no TTL. Records expire underneath it, leaving members
that point at nothing. ListStatuses and AllStatuses drop those members as
they meet them, and CleanupIndex sweeps the whole index in chunks of 500 on
a schedule. Clear removes every record and the index but keeps liveness
keys, so running loops are unaffected.

# Example

	leases := lease.NewStore(rdb, lease.DefaultOptions())

	if err := leases.Refresh(ctx, "600519", trace); err != nil {
		return err
	}
	active, err := leases.CheckActive(ctx, []string{"600519", "000001"})

	page, total, err := leases.ListStatuses(ctx, 1, 20)
*/
package lease
