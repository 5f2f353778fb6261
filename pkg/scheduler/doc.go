/*
Package scheduler runs heron's periodic jobs on the master.

# Guards

Jobs are registered by name on a gocron scheduler in singleton mode, so a
slow run is never overlapped by the next tick on the same node. Every run
passes through the same two guards before doing anything:

	if !s.master.IsMaster() { return }
	if s.gate.IsBlacklisted(ctx, s.gate.Self()) { return }

Non-master nodes therefore tick but do nothing, and take over immediately
when they win an election. A denylisted master also stays idle, and a
denylist that cannot be read counts as denylisted. In practice a denylisted
node does not stay master for long: the elector steps it aside on its next
heartbeat.

Errors and panics are logged and recorded on the job's span; they never reach
gocron, so one bad run never unschedules a job.

# Jobs

The jobs registered by heron serve are:

	watchdog           re-seed stalled refresh loops (package reconciler)
	scan.kline         one KLINE task per entity
	scan.etf           one ETF task per ETF
	scan.tick          one TICK task per stock
	status.cleanup     prune the status index, under a cluster lock
	extrema.recompute  week/year high-low, under a cluster lock

A zero interval in the configuration disables a job. Trigger runs a job
immediately, through the same guards.

# Scans

Each scan lists the watch-list, filters it by entity kind and hands the codes
to the dispatcher's Fanout under one trace id shared by the whole run. Per
entity publish failures do not stop the scan; they are joined into the job's
error. A completed scan publishes scan.completed with the task count.

# Extrema

The extrema job runs under the extrema.recompute cluster lock, so at most one
node computes at a time even across a failover. For each entity it reads
stored daily bars and derives:

	week high/low   bars of the last 7 days
	year high/low   bars of the last year

The new values are written with storage.Store.UpdateEntity, which changes
only those four fields inside one transaction. Quote fields written by the
worker in the meantime are preserved.

Entities are independent. An error listing bars or writing one entity is
logged and the job moves on to the next; the errors are returned joined once
the pass is complete.
*/
package scheduler
