/*
Package queue is heron's task log, built on Redis Streams.

Each task type has a topic, and each topic is split into partitions, one
stream per partition. A task goes to the partition chosen by FNV-1a of its
entity code, so all tasks of one entity land on the same stream.

# Key Layout

	sched:queue:<topic>:<partition>   stream, entries {key, task}
	sched:delayed:<topic>             ZSET of task JSON, score = due time ms

Topics:

	stock.refresh      REFRESH_PRICE
	stock.kline.task   KLINE
	stock.etf.task     ETF
	stock.tick.task    TICK

Every node joins the same consumer group (heron-workers by default) under
its own consumer name. The group is created lazily on first read, from id 0
with MKSTREAM, and a BUSYGROUP reply is treated as success.

# Delivery

	Publish ──► XADD ──► stream ──► XREADGROUP ──► worker ──► Ack (XACK + XDEL)
	                        ▲                        │
	PublishAfter ─► ZADD    │                  dies mid-task
	                 │      │                        │
	            PromoteDue ─┘                        ▼
	                                  entry stays pending in the group
	                                                 │
	                                  XAUTOCLAIM after ReclaimIdle
	                                                 │
	                                                 ▼
	                                       another consumer

Delivery is at least once. An entry is pending from the moment it is read
until it is acknowledged; if its consumer dies, Reclaim lets any other
consumer take it over once it has been idle for ReclaimIdle. Consumers must
therefore be idempotent, which the worker ensures with processed markers and
re-arm claims.

Ack deletes the entry as well as acknowledging it, so stream length tracks
work not yet done. MaxLen additionally caps each stream, approximately, as a
guard against a stalled cluster.

# Delayed Tasks

PublishAfter parks a task in the topic's delayed set. PromoteDue moves up to
100 due tasks onto their streams and is called by every consumer on every
loop pass. Several nodes may race: a task is published only by the node whose
ZREM removed it. A node that crashes between ZREM and XADD loses the task;
for looped tasks the watchdog restarts the loop when its lease lapses.

# Reading

Read asks for up to count new entries across every partition of the given
topics and blocks up to Block when there are none. COUNT applies to each
stream separately, so a read may return more than count entries in total.

On a Redis Cluster the partitions of a topic hash to different slots and a
single XREADGROUP cannot span them. Read then polls each partition without
blocking and sleeps for Block when all were empty.

Entries that cannot be decoded are acknowledged and dropped on read, so a
poison message is never redelivered.
*/
package queue
