package chronicle

import "time"

// The Leader FSM's mailbox carries a closed set of event types, all
// processed by the single actor goroutine in Run. Peer-transport inbound
// requests carry a reply channel so the synchronous request/reply contract
// PeerTransport exposes to its own receive loop can still be served while
// every read/write of FSM state happens on the actor goroutine alone.

type evHeartbeat struct {
	from PeerID
	info LeaderInfo
}

type evSteppingDown struct {
	from PeerID
	info LeaderInfo
}

type evPeerUpDown struct {
	peer PeerID
	up   bool
}

type evMetadata struct{ e MetadataEvent }

type electionResult struct {
	ok   bool
	term Term
	err  error
}

type checkMemberResult struct {
	removedSelf bool
	err         error
}

type evNoteTermEstablished struct {
	hid  HistoryID
	term Term
}

type evNoteTermFinished struct {
	hid  HistoryID
	term Term
}

type evAnnounce struct{}

type evSync struct{ done chan struct{} }

type evRequestVote struct {
	from      PeerID
	candidate PeerID
	hid       HistoryID
	position  LogPosition
	reply     chan VoteReply
}

type evRequestCheckMember struct {
	from      PeerID
	hid       HistoryID
	peer      PeerID
	peerID    PeerID
	peerSeqno uint64
	reply     chan CheckMemberReply
}

type evGetLeader struct{ reply chan leaderLookupResult }

type evGetState struct{ reply chan string }

type leaderLookupResult struct {
	info LeaderInfo
	ok   bool
}

type evWaitForLeader struct {
	incarnation Incarnation
	timeout     time.Duration
	reply       chan leaderLookupResult
}

// evWaiterTimeout is posted by a waiter's AfterFunc timer, carrying the
// entry back onto the actor goroutine so waiterRegistry's bookkeeping is
// only ever touched from there.
type evWaiterTimeout struct{ entry *waiterEntry }

// resyncArgs is the payload carried by every transition that lands in
// Observer while also updating its electable/removed/history-id fields in
// one step, so onEnterObserver has a single place to apply them.
type resyncArgs struct {
	hid       HistoryID
	electable bool
	removed   bool
}
