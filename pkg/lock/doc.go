/*
Package lock provides lease-based cluster locks in the coordination store.

A lock is a single key, sched:lock:<name>, holding a token:

	<owner>|<acquired unix ms>|<uuid>

The owner part names the holding node for diagnostics (Holder). The uuid
makes every acquisition distinct, so a process can only release or renew
the exact lease it took.

# Acquire and Release

	Acquire(name, wait)
	   attempt 1: SET NX PX, polling every PollInterval for up to wait
	   attempt 2: after RetryStep
	   attempt 3: after 2*RetryStep
	   ...        Retries further attempts, linear backoff
	   ─► true   lock held, renewal started
	   ─► false  another owner held it throughout

TryAcquire makes one SET NX and never waits. The worker uses it for entity
guards, where a busy lock means skip, not wait.

While held, a background goroutine renews the lease every LeaseTTL/3 with an
owner-checked PEXPIRE script. If renewal finds the key gone or owned by
someone else it stops and logs; the work under the lock is not interrupted.

Release stops renewal and deletes the key only if it still holds this
process's token. It never returns an error. An expired lock, a lock taken
over by another owner and an unreachable store are each logged, since the
lease runs out on its own anyway.

RunExclusive wraps Acquire, fn and Release for jobs such as the extrema
recompute that must run on at most one node:

	ran, err := locker.RunExclusive(ctx, "extrema.recompute", 5*time.Second, func(ctx context.Context) error {
		return recompute(ctx)
	})

# Lock Names

	extrema.recompute       extrema recompute job
	status.cleanup          status index sweep
	entity:<code>:<type>    one refresh of an entity and task type

A nil Locker or one built without a client fails every acquisition with
ErrNotReady rather than panicking.
*/
package lock
