/*
Package membership decides which heron node is the master.

Exactly one node at a time drives the periodic scans and the watchdog; every
node consumes work. Two electors implement the same Elector contract.

# Redis Elector

RedisElector is the default. Each heartbeat does the following:

	SET   sched:node:<addr> {address, last_seen} PX NodeTTL
	SADD  sched:nodes <addr>                      first time: node.joined
	SET   sched:master <addr> NX PX MasterTTL     won: became master
	PEXPIRE sched:master if value == <addr>       renewed: still master

When the master dies its key expires and the next beat of any other node
takes over, so failover is bounded by the master TTL plus one heartbeat.

Any store error immediately drops local master status. A node that cannot
see the store must not act as master, even if its key has not expired yet.

Nodes lists the registry with live heartbeats. Members whose heartbeat key
has expired are removed from sched:nodes as a side effect.

# Raft Elector

RaftElector runs a hashicorp/raft group and treats the raft leader as master.
The leader replicates the server configuration through a small FSM into the
bbolt nodes bucket, which is what Nodes returns on every member. Timeouts are
tuned for LAN failover within a few seconds.

	raft-bolt-store    log and stable store
	file snapshots     snapshot store
	TCP transport      bind_addr

A new cluster is bootstrapped by the node with bootstrap set, from its own
address plus the configured peers (id=addr).

# Denylist

An elector may be given a Vetoer, normally the admission gate, with SetVeto.
A vetoed node keeps heartbeating, so it stays visible in Nodes, but it does
not hold mastership:

  - the Redis elector deletes the master key if it owns it and skips the race
  - the Raft elector transfers leadership to another voter

Another admitted node then becomes master on its next heartbeat instead of
waiting for the key to expire. Lifting the denylist does not unseat the new
master; the admitted node simply competes again when the key is next free.

# Observing Mastership

IsMaster only reads a cached flag and is safe to call from hot paths such as
scheduler callbacks. Transitions are logged, published as master.elected and
master.lost events, and mirrored in the heron_is_master gauge.

	elector := membership.NewRedisElector(rdb, self, membership.DefaultRedisOptions(), broker)
	elector.SetVeto(gate)
	if err := elector.Start(ctx); err != nil {
		return err
	}
	defer elector.Stop()

RedisElector.Stop ends the heartbeat and resigns, deleting the master key if
this node still holds it, so a planned shutdown fails over without waiting
for expiry.
*/
package membership
