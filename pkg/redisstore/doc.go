/*
Package redisstore connects to the coordination store and owns its key
namespace.

Mode selects the go-redis client: single, cluster or sentinel, all exposed as
redis.UniversalClient. Connect pings before returning so a node never starts
against a store it cannot reach.

Every key heron writes starts with sched: and is built by a helper in this
package:

	sched:master                           elected master address
	sched:nodes, sched:node:<addr>         node registry and heartbeats
	sched:denylist                         denylisted node addresses
	sched:lock:<name>                      cluster locks
	sched:lease:<entity>                   loop liveness
	sched:rearm:<task id>                  re-arm claims
	sched:status:<entity>:<type>:<trace>   status records
	sched:status:index                     status index
	sched:queue:<topic>:<partition>        task streams
	sched:delayed:<topic>                  delayed tasks
	sched:processed:<task id>              completed task markers

The Lua scripts here (owner-checked delete and expire) back locks and the
master key. MGet falls back to a pipeline of GETs on a cluster client,
where a single MGET cannot span slots.
*/
package redisstore
