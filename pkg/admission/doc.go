// Package admission implements the cluster-wide node denylist.
//
// The denylist is the set sched:denylist of node addresses. A denylisted
// node stops reading from the queue, runs no scheduled jobs and steps aside
// as master, but keeps heartbeating. A denylist that cannot be read counts
// as denylisted, so a node cut off from the store stops working rather than
// working blind.
package admission
