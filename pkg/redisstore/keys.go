package redisstore

import "strconv"

// Key namespace shared by every component. Operational tooling relies on
// these names; do not change them.
const (
	Prefix = "sched:"

	KeyDenylist    = Prefix + "denylist"
	KeyMaster      = Prefix + "master"
	KeyNodes       = Prefix + "nodes"
	KeyStatusIndex = Prefix + "status:index"
)

// LockKey is the key of a cluster lock
func LockKey(name string) string { return Prefix + "lock:" + name }

// LeaseKey is the liveness key of an entity loop
func LeaseKey(entity string) string { return Prefix + "lease:" + entity }

// NodeKey is the heartbeat key of a node
func NodeKey(addr string) string { return Prefix + "node:" + addr }

// StatusMember is the status index member for one record
func StatusMember(entity, taskType, trace string) string {
	return entity + ":" + taskType + ":" + trace
}

// StatusKey is the key holding one status record
func StatusKey(member string) string { return Prefix + "status:" + member }

// StreamKey is one partition stream of a topic
func StreamKey(topic string, partition int) string {
	return Prefix + "queue:" + topic + ":" + strconv.Itoa(partition)
}

// DelayedKey is the delayed-task set of a topic
func DelayedKey(topic string) string { return Prefix + "delayed:" + topic }

// ProcessedKey marks a task id as completed
func ProcessedKey(taskID string) string { return Prefix + "processed:" + taskID }

// RearmKey marks that a task id has already continued its loop
func RearmKey(taskID string) string { return Prefix + "rearm:" + taskID }
