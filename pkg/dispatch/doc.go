/*
Package dispatch turns "refresh this entity" into a queued task.

Every task heron publishes goes through a Dispatcher, whichever component
asks for it:

	watchdog      Seed     new trace, REFRESH_PRICE
	worker        Rearm    same trace, next iteration after the re-arm delay
	scans         Fanout   one shared trace per scan run
	admin CLI     Seed     new trace, any type

Submit does the same three things for all of them, in order:

 1. refresh the entity's liveness lease, for looped types only
 2. record a WAITING status under the task's trace
 3. publish the task, immediately or into the delayed set

The lease goes first. If the publish then fails the lease still expires on
schedule and the watchdog restarts the loop; the reverse order could leave a
published task with no lease, which the watchdog would double up.

A failure to write the WAITING record is logged and ignored. Status records
are for operators, not for control flow.

# Traces

A trace id names one loop (or one scan). It is a dash-free UUID, carried by
every task of the loop and written as the lease value. Seed always starts a
new trace; Rearm always keeps the previous one.

# Re-arm

Rearm publishes the next iteration only if all of these hold:

  - the task type loops (REFRESH_PRICE)
  - the entity's lease is missing or still names this trace
  - this task id has not re-armed before

The second check ends a loop that the watchdog has replaced with a newer
trace. The third makes re-arming idempotent under at-least-once delivery:
the claim is recorded in the lease store before publishing and released if
the publish fails.

	prev ─► superseded? ─yes─► stop
	          │no
	          ▼
	       ClaimRearm ─lost─► stop (already continued)
	          │won
	          ▼
	        Submit ─err─► ReleaseRearm, return err
	          │
	          ▼
	        next

# Fanout

Fanout publishes one task per code under a shared trace. A failure for one
code is logged and joined into the returned error; the rest still go out.
*/
package dispatch
