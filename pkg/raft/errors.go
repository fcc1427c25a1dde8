// Package raft holds the sentinel errors and small shared types that
// every other Raft package needs without creating an import cycle:
// the typed client-misuse errors, checked with
// errors.Is, and the {FOLLOWER, CANDIDATE, LEADER} role variant used
// throughout pkg/member, pkg/shard, and pkg/engine.
package raft

import "errors"

// Sentinel errors surfaced to callers. Wrapped with
// fmt.Errorf("...: %w", err) where additional context helps.
var (
	ErrNotLeader = errors.New("raft: not leader")
	ErrSlaveMode = errors.New("raft: member is in slave mode")
	ErrSameShard = errors.New("raft: cannot slave to a peer in the same shard")
	ErrTimeout   = errors.New("raft: timed out waiting for commit")
	ErrShutdown  = errors.New("raft: engine is shutting down")
	ErrBadIndex  = errors.New("raft: index must be >= 1")
	ErrOversize  = errors.New("raft: payload exceeds command_max_size")
)

// Role is the tagged variant a CoreMember occupies; role-specific
// state lives on the CoreMember rather than a type hierarchy.
type Role string

const (
	RoleFollower  Role = "FOLLOWER"
	RoleCandidate Role = "CANDIDATE"
	RoleLeader    Role = "LEADER"
)

// CommandStatus is the lifecycle of a checked-out Command.
type CommandStatus string

const (
	StatusFree      CommandStatus = "FREE"
	StatusWaiting   CommandStatus = "WAITING"
	StatusCommitted CommandStatus = "COMMITTED"
	StatusTimeout   CommandStatus = "TIMEOUT"
	StatusError     CommandStatus = "ERROR"
)
