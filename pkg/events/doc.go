/*
Package events distributes Raft role-change notifications from the
engine to anything that registers interest: metrics collection,
readiness probes, or an embedding application watching for leadership
changes.

# Architecture

A single Broker per engine owns a bounded queue and one notifier
goroutine. RegisterForRoleChanges/Unregister swap in a fresh
copy-on-write listener slice under a mutex so the notifier goroutine
never needs to lock to read the current listener set; Publish is
non-blocking and drops events rather than stalling a member's Raft
loop if the queue is ever full.

# Usage

	broker := events.NewBroker(64)
	broker.Start()
	defer broker.Stop()

	token := broker.RegisterForRoleChanges(func(rc events.RoleChange) {
		metrics.RaftLeader.WithLabelValues(strconv.Itoa(rc.ShardID)).
			Set(boolToFloat(rc.Role == raft.RoleLeader))
	})
	defer broker.Unregister(token)

	broker.Publish(events.RoleChange{ShardID: 3, MemberID: 7, Term: 12, Role: raft.RoleLeader})
*/
package events
