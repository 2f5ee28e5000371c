package chronicle

import (
	"context"
	"time"
)

// SystemState is the Agent's answer to get_system_state.
type SystemState string

const (
	StateProvisioned SystemState = "provisioned"
	StateRemoved     SystemState = "removed"
	StateJoining     SystemState = "joining_cluster"
)

// SystemStateReply carries the Agent's system-state answer plus the
// metadata snapshot it was computed from.
type SystemStateReply struct {
	State SystemState
	Meta  Metadata
}

// Metadata is the Agent's metadata snapshot: peer, history id, term, config,
// high seqno, high term and the pending-branch flag, plus the Agent's
// electable/removed flags and its current quorum rule. It carries no peer
// id separate from Peer.
type Metadata struct {
	Peer           PeerID
	HistoryID      HistoryID
	Term           Term
	Config         []PeerID
	HighSeqno      uint64
	HighTerm       Term
	PendingBranch  bool
	Electable      bool
	Removed        bool
	CurrentQuorum  Quorum
}

// Position derives this node's LogPosition from the metadata snapshot.
func (m Metadata) Position() LogPosition {
	return LogPosition{TermVoted: m.HighTerm, HighSeqno: m.HighSeqno}
}

// Agent is the external metadata/log store consumed by the Leader FSM. Its
// implementation, storage format and replication protocol are out of scope
// for this subsystem; only this contract is specified.
type Agent interface {
	// GetSystemState answers provisioned/removed/joining_cluster for
	// initial-state resolution. Any other answer is a fatal condition for
	// the caller.
	GetSystemState(ctx context.Context) (SystemStateReply, error)

	// GetMetadata returns the current metadata snapshot.
	GetMetadata(ctx context.Context) (Metadata, error)

	// CheckGrantVote verifies history match and that position is not
	// behind this node's own position, returning nil to grant.
	CheckGrantVote(ctx context.Context, hid HistoryID, candidate PeerID, position LogPosition) error

	// CheckMember asks the Agent whether peerID/peerSeqno is still
	// recognized as a cluster member in hid.
	CheckMember(ctx context.Context, hid HistoryID, peer PeerID, peerID PeerID, peerSeqno uint64) (bool, error)

	// MarkRemoved persists that self has been removed from the cluster.
	MarkRemoved(ctx context.Context, self PeerID, selfID PeerID) error

	// Sync is a no-op round-trip used only to flush queued metadata events
	// before a caller reads state.
	Sync(ctx context.Context) error
}

// PeerTransport sends and receives typed messages to/from the "leader"
// endpoint on remote peers. Fire-and-forget sends never block on remote
// mailbox backpressure; if the remote is unreachable or its queue is full,
// the message is silently dropped.
type PeerTransport interface {
	// SendHeartbeat is a non-blocking fire-and-forget send.
	SendHeartbeat(peer PeerID, info LeaderInfo)
	// SendSteppingDown is a non-blocking fire-and-forget send.
	SendSteppingDown(peer PeerID, info LeaderInfo)

	// RequestVote is a request/reply call; ctx governs its timeout.
	RequestVote(ctx context.Context, peer PeerID, candidate PeerID, hid HistoryID, position LogPosition) (VoteReply, error)
	// RequestCheckMember is a request/reply call; ctx governs its timeout.
	RequestCheckMember(ctx context.Context, peer PeerID, hid HistoryID, self PeerID, selfID PeerID, selfSeqno uint64) (CheckMemberReply, error)

	// Handlers registers the callbacks invoked when this node receives
	// messages addressed to the "leader" endpoint. Implementations call
	// these synchronously from their own receive loop.
	Handlers(h PeerTransportHandlers)
}

// PeerTransportHandlers are the inbound message callbacks a PeerTransport
// implementation drives; the FSM registers itself here via Run.
type PeerTransportHandlers struct {
	OnHeartbeat     func(from PeerID, info LeaderInfo)
	OnSteppingDown  func(from PeerID, info LeaderInfo)
	OnRequestVote   func(from PeerID, candidate PeerID, hid HistoryID, position LogPosition) VoteReply
	OnCheckMember   func(from PeerID, hid HistoryID, peer PeerID, peerID PeerID, peerSeqno uint64) CheckMemberReply
}

// VoteRejectReason enumerates protocol refusals for request_vote.
type VoteRejectReason string

const (
	RejectInElection  VoteRejectReason = "in_election"
	RejectCheckMember VoteRejectReason = "check_member"
	RejectHaveLeader  VoteRejectReason = "have_leader"
	RejectAgent       VoteRejectReason = "agent_refused"
)

// VoteReply is the reply to request_vote.
type VoteReply struct {
	Granted    bool
	LatestTerm Term
	Reason     VoteRejectReason
	HaveLeader *LeaderInfo
}

// CheckMemberReply is the reply to check_member.
type CheckMemberReply struct {
	IsMember bool
	Err      string
}

// PeerMonitor reports peer liveness and up/down transitions, consumed, not
// implemented, by this subsystem.
type PeerMonitor interface {
	// LivePeers returns the currently-reachable subset of the configured
	// peer set (excluding self).
	LivePeers() map[PeerID]struct{}
	// Subscribe returns a channel of up/down events. The channel is closed
	// when ctx is done.
	Subscribe(ctx context.Context) <-chan PeerUpDownEvent
}

// PeerUpDownEvent reports a single peer transitioning live/dead.
type PeerUpDownEvent struct {
	Peer PeerID
	Up   bool
	At   time.Time
}

// EventBusEventKind enumerates the Agent-originated events the FSM
// subscribes to.
type EventBusEventKind string

const (
	EvSystemStateProvisioned EventBusEventKind = "system_state_provisioned"
	EvSystemStateRemoved     EventBusEventKind = "system_state_removed"
	EvNewHistory             EventBusEventKind = "new_history"
	EvTermEstablished        EventBusEventKind = "term_established"
	EvNewConfig              EventBusEventKind = "new_config"
)

// MetadataEvent is a single Agent-originated event delivered in commit
// order.
type MetadataEvent struct {
	Kind      EventBusEventKind
	HistoryID HistoryID
	Term      Term
	Meta      Metadata
	Config    []PeerID
}

// EventBus is the process-wide event bus the FSM subscribes to, filtering
// for the metadata events it cares about before queuing them to its
// mailbox.
type EventBus interface {
	SubscribeMetadata(ctx context.Context) <-chan MetadataEvent
}

// Proposer is the external collaborator that replicates log entries once a
// leader is established. The FSM calls the methods below on leadership
// transitions; the proposer in turn calls back into the FSM through
// NoteTermEstablished/NoteTermFinished.
type Proposer interface {
	// OnLeaderTentative is invoked by the FSM the instant this node wins an
	// election and enters Leader{tentative}, before any client traffic is
	// served. The proposer is expected to drive its own commit protocol
	// (e.g. a no-op/barrier write through quorum) and call
	// FSM.NoteTermEstablished(info.HistoryID, info.Term) once that commit
	// lands, which is what actually flips the term to established.
	OnLeaderTentative(info LeaderInfo)
	// OnLeaderEstablished is invoked by the FSM once a term transitions to
	// established, so the proposer can begin replicating in that term.
	OnLeaderEstablished(info LeaderInfo)
	// OnLeaderLost is invoked when this node stops being leader or
	// follower of info's incarnation.
	OnLeaderLost(info LeaderInfo)
}

// KV is the exposed client interface onto the replicated state machine;
// out of scope beyond this shape, which exists only so reference wiring
// has something concrete to inject.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}
