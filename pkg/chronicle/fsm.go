package chronicle

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/looplab/fsm"

	"github.com/chronicle-db/chronicle/pkg/internal/logutil"
)

// FSM states: the six states a node's leader-lifecycle can be in.
const (
	stObserver    = "observer"
	stVotedFor    = "voted_for"
	stCandidate   = "candidate"
	stLeader      = "leader"
	stFollower    = "follower"
	stCheckMember = "check_member"
)

// Transition trigger names, one per edge in the state-transition table.
const (
	evnElect             = "elect"
	evnToCheckMember      = "to_check_member"
	evnVoteTimeout        = "vote_timeout"
	evnFollowerTimeout    = "follower_timeout"
	evnElected            = "elected"
	evnElectionFailed     = "election_failed"
	evnMemberOK           = "member_ok"
	evnMemberRemoved      = "member_removed"
	evnHeartbeatAccept    = "heartbeat_accept"
	evnLeaderSteppedDown  = "leader_stepped_down"
	evnTrackedPeerDown    = "tracked_peer_down"
	evnNewHistory         = "new_history"
	evnNewConfigFlip      = "new_config_flip"
	evnRemovedMeta        = "removed_meta"
	evnTermFinished       = "term_finished"
	evnGrantVote          = "grant_vote"
)

var allStates = []string{stObserver, stVotedFor, stCandidate, stLeader, stFollower, stCheckMember}

var nonLeaderStates = []string{stObserver, stVotedFor, stCandidate, stFollower, stCheckMember}

var heartbeatAcceptSrc = []string{stObserver, stVotedFor, stCandidate, stCheckMember, stFollower, stLeader}

const agentCallTimeout = 2 * time.Second

// FSM is the per-node leader lifecycle state machine (C6). It is driven by
// a single actor goroutine started by Run; every other method posts a
// message to its mailbox and waits on a reply channel, so no field below
// is touched concurrently with the actor loop.
type FSM struct {
	opts Options
	ctx  context.Context

	sm      *fsm.FSM
	timers  *timerSet
	mailbox chan any
	waiters *waiterRegistry
	pub     *publisher

	// cluster-wide config, refreshed from metadata events
	peers  map[PeerID]struct{}
	quorum Quorum

	// liveness cache, refreshed from the peer monitor
	livePeers map[PeerID]struct{}

	// per-node data: whether this node is eligible to stand for election,
	// whether it has been removed from the current config, and which
	// history it currently tracks
	electable bool
	removed   bool
	historyID HistoryID

	cachedTerm     Term
	cachedPosition LogPosition
	lastMeta       Metadata

	votedFor PeerID
	votedAt  time.Time

	leaderPeer   PeerID
	leaderTerm   Term
	leaderStatus LeaderStatus

	backoff int

	workerCancel context.CancelFunc
	electionDone chan electionResult
	checkMemberDone chan checkMemberResult
}

// NewFSM constructs a Leader FSM. Run must be called to start its actor
// loop before any other method is used.
func NewFSM(opts Options) (*FSM, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	f := &FSM{
		opts:      opts,
		timers:    newTimerSet(time.Now().UnixNano()),
		mailbox:   make(chan any, opts.MailboxSize),
		waiters:   newWaiterRegistry(),
		pub:       newPublisher(),
		livePeers: make(map[PeerID]struct{}),
		backoff:   1,
	}

	f.sm = fsm.NewFSM(stObserver, fsm.Events{
		{Name: evnElect, Src: []string{stObserver}, Dst: stCandidate},
		{Name: evnToCheckMember, Src: []string{stObserver}, Dst: stCheckMember},
		{Name: evnVoteTimeout, Src: []string{stVotedFor}, Dst: stObserver},
		{Name: evnFollowerTimeout, Src: []string{stFollower}, Dst: stObserver},
		{Name: evnElected, Src: []string{stCandidate}, Dst: stLeader},
		{Name: evnElectionFailed, Src: []string{stCandidate}, Dst: stObserver},
		{Name: evnMemberOK, Src: []string{stCheckMember}, Dst: stObserver},
		{Name: evnMemberRemoved, Src: []string{stCheckMember}, Dst: stObserver},
		{Name: evnHeartbeatAccept, Src: heartbeatAcceptSrc, Dst: stFollower},
		{Name: evnLeaderSteppedDown, Src: []string{stFollower}, Dst: stObserver},
		{Name: evnTrackedPeerDown, Src: []string{stFollower, stVotedFor}, Dst: stObserver},
		{Name: evnNewHistory, Src: allStates, Dst: stObserver},
		{Name: evnNewConfigFlip, Src: nonLeaderStates, Dst: stObserver},
		{Name: evnRemovedMeta, Src: nonLeaderStates, Dst: stObserver},
		{Name: evnTermFinished, Src: []string{stLeader}, Dst: stObserver},
		{Name: evnGrantVote, Src: []string{stObserver, stVotedFor}, Dst: stVotedFor},
	}, fsm.Callbacks{
		"leave_state":            f.onLeaveAny,
		"enter_state":            f.onEnterAny,
		"enter_" + stObserver:    f.onEnterObserver,
		"enter_" + stVotedFor:    f.onEnterVotedFor,
		"enter_" + stCandidate:   f.onEnterCandidate,
		"enter_" + stLeader:      f.onEnterLeader,
		"enter_" + stFollower:    f.onEnterFollower,
		"enter_" + stCheckMember: f.onEnterCheckMember,
	})

	return f, nil
}

// Run resolves the initial state against the Agent, wires up the peer
// transport, subscribes to the event bus and peer monitor, and then runs
// the actor loop until ctx is done.
func (f *FSM) Run(ctx context.Context) error {
	f.ctx = ctx

	ss, err := f.opts.Agent.GetSystemState(ctx)
	if err != nil {
		return fmt.Errorf("chronicle: get_system_state: %w", err)
	}
	if err := f.resolveInitialState(ss); err != nil {
		return err
	}
	f.livePeers = f.opts.Monitor.LivePeers()

	// The FSM library only invokes enter_* callbacks on a transition; the
	// initial state needs its setup run by hand once.
	f.onEnterObserver(ctx, nil)
	f.onEnterAny(ctx, nil)

	f.opts.Transport.Handlers(f.handlers())

	metaCh := f.opts.Bus.SubscribeMetadata(ctx)
	peerCh := f.opts.Monitor.Subscribe(ctx)
	go f.forwardMetadata(ctx, metaCh)
	go f.forwardPeerEvents(ctx, peerCh)

	RegisterMetrics()

	for {
		select {
		case <-ctx.Done():
			f.cancelWorker()
			f.timers.cancelAll()
			return ctx.Err()
		case ev := <-f.mailbox:
			f.handle(ev)
		case fired := <-f.timers.fire:
			f.handleTimerFired(fired)
		case r := <-f.electionDone:
			f.handleElectionResult(r)
		case r := <-f.checkMemberDone:
			f.handleCheckMemberResult(r)
		}
	}
}

func (f *FSM) resolveInitialState(ss SystemStateReply) error {
	f.lastMeta = ss.Meta
	switch ss.State {
	case StateProvisioned:
		f.historyID = ss.Meta.HistoryID
		f.cachedTerm = ss.Meta.Term
		f.cachedPosition = ss.Meta.Position()
		f.peers = peerSet(ss.Meta.Config)
		f.quorum = quorumFor(ss.Meta, f.peers)
		f.removed = false
		f.electable = f.computeElectable(ss.Meta)
	case StateRemoved:
		f.historyID = ss.Meta.HistoryID
		f.peers = peerSet(ss.Meta.Config)
		f.quorum = quorumFor(ss.Meta, f.peers)
		f.removed = true
		f.electable = false
	case StateJoining:
		f.historyID = ss.Meta.HistoryID
		f.peers = map[PeerID]struct{}{}
		f.quorum = Majority{Set: map[PeerID]struct{}{}}
		f.removed = false
		f.electable = false
	default:
		return fmt.Errorf("chronicle: unexpected system state %q", ss.State)
	}
	return nil
}

func (f *FSM) computeElectable(meta Metadata) bool {
	if meta.Removed {
		return false
	}
	for _, p := range meta.Config {
		if p == f.opts.Self {
			return true
		}
	}
	return false
}

func peerSet(ids []PeerID) map[PeerID]struct{} {
	m := make(map[PeerID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func clonePeerSet(m map[PeerID]struct{}) map[PeerID]struct{} {
	c := make(map[PeerID]struct{}, len(m))
	for k := range m {
		c[k] = struct{}{}
	}
	return c
}

// quorumFor picks the Agent-supplied quorum rule when meta carries one
// (e.g. a Joint straddling a reconfiguration), falling back to a plain
// Majority over peers for an Agent implementation that leaves
// CurrentQuorum unset.
func quorumFor(meta Metadata, peers map[PeerID]struct{}) Quorum {
	if meta.CurrentQuorum != nil {
		return meta.CurrentQuorum
	}
	return Majority{Set: clonePeerSet(peers)}
}

// fireEvent triggers sm and logs, rather than panics, on an invalid or
// failed transition: most callers race a timer or worker result against a
// state change that already made the trigger stale.
func (f *FSM) fireEvent(name string, args ...any) {
	if !f.sm.Can(name) {
		logutil.Debugf(f.opts.Logger, "chronicle: %s not valid from %s, dropped", name, f.sm.Current())
		return
	}
	if err := f.sm.Event(f.ctx, name, args...); err != nil {
		logutil.Errorf(f.opts.Logger, "chronicle: %s from %s failed: %v", name, f.sm.Current(), err)
	}
}

func firstArg[T any](ev *fsm.Event) (T, bool) {
	var zero T
	if ev == nil || len(ev.Args) == 0 {
		return zero, false
	}
	v, ok := ev.Args[0].(T)
	return v, ok
}

// --- generic leave/enter callbacks, run on every transition ---

func (f *FSM) onLeaveAny(ctx context.Context, ev *fsm.Event) {
	switch ev.Src {
	case stLeader:
		f.broadcastSteppingDown()
		f.notifyProposerLost()
	case stFollower:
		f.notifyProposerLost()
	}
	f.cancelWorker()
	f.timers.cancelAllStateScoped()
}

func (f *FSM) onEnterAny(ctx context.Context, ev *fsm.Event) {
	cur := f.sm.Current()
	switch cur {
	case stLeader, stFollower, stCheckMember:
		f.timers.cancel(timerCheckMember)
	case stObserver:
		if f.removed {
			f.timers.cancel(timerCheckMember)
		} else {
			f.timers.set(timerCheckMember, f.opts.CheckMemberAfter)
		}
	default:
		f.timers.set(timerCheckMember, f.opts.CheckMemberAfter)
	}
	f.updateStateMetric(cur)
	f.publishCurrent(false)
}

func (f *FSM) updateStateMetric(cur string) {
	for _, s := range allStates {
		v := 0.0
		if s == cur {
			v = 1
		}
		MetricCurrentState.WithLabelValues(s).Set(v)
	}
	if cur == stLeader && f.leaderStatus == StatusEstablished {
		MetricIsLeader.Set(1)
	} else {
		MetricIsLeader.Set(0)
	}
	if f.removed {
		MetricRemoved.Set(1)
	} else {
		MetricRemoved.Set(0)
	}
}

// --- state-specific enter callbacks ---

func (f *FSM) onEnterObserver(ctx context.Context, ev *fsm.Event) {
	electionFailed := ev != nil && ev.Event == evnElectionFailed
	resync, hasResync := firstArg[resyncArgs](ev)
	f.applyObserverEntry(electionFailed, resync, hasResync)
}

// applyObserverEntry is the side-effecting body of onEnterObserver, pulled
// out so a self-transition that looplab/fsm treats as a NoTransitionError
// (Dst already equal to Current, so neither leave_state nor enter_state
// run) can still be applied by hand — see fireResyncToObserver.
func (f *FSM) applyObserverEntry(electionFailed bool, resync resyncArgs, hasResync bool) {
	f.leaderPeer = ""
	f.leaderTerm = Term{}
	f.leaderStatus = statusInactive
	f.votedFor = ""

	if electionFailed {
		f.backoff *= 2
		if f.backoff > f.opts.MaxBackoff {
			f.backoff = f.opts.MaxBackoff
		}
	}
	if hasResync {
		f.historyID = resync.hid
		f.electable = resync.electable
		f.removed = resync.removed
	}
	f.scheduleObserverTimer()
}

// fireResyncToObserver fires a resync event whose destination is Observer.
// When the FSM is already Observer, looplab/fsm's Event call returns a
// NoTransitionError and skips every leave_state/enter_state callback, which
// would silently drop the resync (Invariant 4 requires it to apply even
// when the FSM never "left" Observer). Applied by hand in that case.
func (f *FSM) fireResyncToObserver(name string, resync resyncArgs) {
	if f.sm.Current() == stObserver {
		f.applyObserverEntry(false, resync, true)
		f.onEnterAny(f.ctx, nil)
		return
	}
	f.fireEvent(name, resync)
}

func (f *FSM) scheduleObserverTimer() {
	if f.electable {
		d := f.timers.observerWait(f.opts.HeartbeatInterval, f.opts.ObserverMultiplier, f.backoff)
		f.timers.set(timerState, d)
	}
}

func (f *FSM) onEnterVotedFor(ctx context.Context, ev *fsm.Event) {
	if p, ok := firstArg[PeerID](ev); ok {
		f.applyVotedForEntry(p)
	}
}

// applyVotedForEntry is the side-effecting body of onEnterVotedFor, pulled
// out so a re-grant to the same or a newer candidate while already
// VotedFor — a self-transition looplab/fsm skips callbacks for — still
// resets votedAt and the state timer, since a re-grant is a fresh vote.
func (f *FSM) applyVotedForEntry(candidate PeerID) {
	f.votedFor = candidate
	f.votedAt = time.Now()
	f.backoff = 1
	f.timers.set(timerState, time.Duration(f.opts.FollowerMultiplier)*f.opts.HeartbeatInterval)
}

func (f *FSM) onEnterCandidate(ctx context.Context, ev *fsm.Event) {
	MetricElectionsStarted.Inc()
	f.timers.set(timerState, time.Duration(f.opts.CandidateMultiplier)*f.opts.HeartbeatInterval)

	snap := electionSnapshot{
		self:     f.opts.Self,
		hid:      f.historyID,
		term:     f.cachedTerm,
		position: f.cachedPosition,
		quorum:   f.quorum,
		peers:    clonePeerSet(f.peers),
	}
	wctx, cancel := context.WithCancel(f.ctx)
	f.workerCancel = cancel
	done := make(chan electionResult, 1)
	f.electionDone = done
	go runElectionWorker(wctx, f, snap, done)
}

func (f *FSM) onEnterLeader(ctx context.Context, ev *fsm.Event) {
	term, _ := firstArg[Term](ev)
	f.leaderPeer = f.opts.Self
	f.leaderTerm = term
	f.leaderStatus = StatusTentative
	f.backoff = 1
	MetricElectionsWon.Inc()
	MetricTermChanges.Inc()
	f.timers.set(timerSendHeartbeat, 0)
	f.opts.Proposer.OnLeaderTentative(LeaderInfo{Leader: f.leaderPeer, HistoryID: f.historyID, Term: f.leaderTerm, Status: f.leaderStatus})
}

func (f *FSM) onEnterFollower(ctx context.Context, ev *fsm.Event) {
	info, _ := firstArg[LeaderInfo](ev)
	f.applyFollowerEntry(info)
}

// applyFollowerEntry is the side-effecting body of onEnterFollower, pulled
// out so a repeat heartbeat from the same established leader while already
// Follower — a self-transition looplab/fsm skips callbacks for — still
// re-arms the state timer instead of letting it expire under a healthy
// leader.
func (f *FSM) applyFollowerEntry(info LeaderInfo) {
	if info.Term != f.leaderTerm {
		MetricTermChanges.Inc()
	}
	f.leaderPeer = info.Leader
	f.leaderTerm = info.Term
	f.leaderStatus = info.Status
	f.backoff = 1
	f.timers.set(timerState, time.Duration(f.opts.FollowerMultiplier)*f.opts.HeartbeatInterval)
}

func (f *FSM) onEnterCheckMember(ctx context.Context, ev *fsm.Event) {
	MetricCheckMemberRuns.Inc()
	f.timers.set(timerState, f.opts.CheckMemberTimeout)

	snap := checkMemberSnapshot{
		self:      f.opts.Self,
		hid:       f.historyID,
		highSeqno: f.cachedPosition.HighSeqno,
		peers:     clonePeerSet(f.peers),
	}
	wctx, cancel := context.WithCancel(f.ctx)
	f.workerCancel = cancel
	done := make(chan checkMemberResult, 1)
	f.checkMemberDone = done
	go runCheckMemberWorker(wctx, f, snap, done)
}

// --- worker helpers ---

func (f *FSM) cancelWorker() {
	if f.workerCancel != nil {
		f.workerCancel()
		f.workerCancel = nil
	}
	f.electionDone = nil
	f.checkMemberDone = nil
}

func (f *FSM) handleElectionResult(r electionResult) {
	if f.workerCancel != nil {
		f.workerCancel()
		f.workerCancel = nil
	}
	f.electionDone = nil
	if r.err != nil {
		logutil.Warnf(f.opts.Logger, "chronicle: election failed: %v", r.err)
		f.fireEvent(evnElectionFailed)
		return
	}
	f.fireEvent(evnElected, NextTerm(r.term, f.opts.Self))
}

func (f *FSM) handleCheckMemberResult(r checkMemberResult) {
	if f.workerCancel != nil {
		f.workerCancel()
		f.workerCancel = nil
	}
	f.checkMemberDone = nil
	if r.err != nil {
		logutil.Warnf(f.opts.Logger, "chronicle: check_member failed: %v", r.err)
		f.fireEvent(evnMemberOK)
		return
	}
	if r.removedSelf {
		if err := f.opts.Agent.MarkRemoved(f.ctx, f.opts.Self, f.opts.Self); err != nil {
			logutil.Errorf(f.opts.Logger, "chronicle: mark_removed failed: %v", err)
		}
		f.fireEvent(evnMemberRemoved, resyncArgs{hid: f.historyID, electable: false, removed: true})
		return
	}
	f.fireEvent(evnMemberOK)
}

// --- timer dispatch ---

func (f *FSM) handleTimerFired(fired timerFired) {
	if !f.timers.isCurrent(fired) {
		return
	}
	switch fired.name {
	case timerState:
		f.handleStateTimer()
	case timerSendHeartbeat:
		f.handleHeartbeatTimer()
	case timerCheckMember:
		f.handleCheckMemberTimer()
	}
}

func (f *FSM) handleStateTimer() {
	switch f.sm.Current() {
	case stObserver:
		if f.electable {
			f.fireEvent(evnElect)
		}
	case stVotedFor:
		f.fireEvent(evnVoteTimeout)
	case stFollower:
		f.fireEvent(evnFollowerTimeout)
	case stCandidate:
		f.fireEvent(evnElectionFailed)
	case stCheckMember:
		f.fireEvent(evnMemberOK)
	}
}

func (f *FSM) handleHeartbeatTimer() {
	if f.sm.Current() != stLeader {
		return
	}
	f.broadcastHeartbeat()
	f.timers.set(timerSendHeartbeat, f.opts.HeartbeatInterval)
}

func (f *FSM) handleCheckMemberTimer() {
	if f.sm.Current() == stObserver && !f.electable {
		f.fireEvent(evnToCheckMember)
		return
	}
	f.timers.set(timerCheckMember, f.opts.CheckMemberAfter)
}

// --- outbound peer messages ---

func (f *FSM) broadcastHeartbeat() {
	info := LeaderInfo{Leader: f.opts.Self, HistoryID: f.historyID, Term: f.leaderTerm, Status: f.leaderStatus}
	for peer := range f.livePeers {
		if peer == f.opts.Self {
			continue
		}
		f.opts.Transport.SendHeartbeat(peer, info)
	}
}

func (f *FSM) broadcastSteppingDown() {
	info := LeaderInfo{Leader: f.leaderPeer, HistoryID: f.historyID, Term: f.leaderTerm, Status: f.leaderStatus}
	for peer := range f.livePeers {
		if peer == f.opts.Self {
			continue
		}
		f.opts.Transport.SendSteppingDown(peer, info)
	}
}

func (f *FSM) notifyProposerLost() {
	if f.opts.Proposer == nil {
		return
	}
	f.opts.Proposer.OnLeaderLost(LeaderInfo{Leader: f.leaderPeer, HistoryID: f.historyID, Term: f.leaderTerm, Status: f.leaderStatus})
}

// --- publication ---

func (f *FSM) currentLeaderInfoForPublish() (LeaderInfo, bool) {
	switch f.sm.Current() {
	case stLeader, stFollower:
		return LeaderInfo{Leader: f.leaderPeer, HistoryID: f.historyID, Term: f.leaderTerm, Status: f.leaderStatus}, true
	default:
		return LeaderInfo{}, false
	}
}

func (f *FSM) publishCurrent(force bool) {
	info, ok := f.currentLeaderInfoForPublish()
	if !ok {
		f.pub.Clear()
		return
	}
	changed := f.pub.Store(info)
	// Waiters, like publisher.Load, must never see a tentative leader:
	// waking them early would hand out an incarnation that can still be
	// abandoned before the proposer confirms it (invariant 3).
	if (changed || force) && info.Status == StatusEstablished {
		f.waiters.notify(info)
	}
}

// --- mailbox dispatch ---

func (f *FSM) handle(ev any) {
	switch e := ev.(type) {
	case evHeartbeat:
		f.onHeartbeat(e)
	case evSteppingDown:
		if f.sm.Current() == stFollower && f.leaderPeer == e.from {
			f.fireEvent(evnLeaderSteppedDown)
		}
	case evPeerUpDown:
		f.onPeerUpDown(e)
	case evMetadata:
		f.onMetadataEvent(e.e)
	case evRequestVote:
		e.reply <- f.handleRequestVote(e)
	case evRequestCheckMember:
		f.onRequestCheckMember(e)
	case evGetLeader:
		info, ok := f.pub.Load()
		e.reply <- leaderLookupResult{info: info, ok: ok}
	case evGetState:
		e.reply <- f.sm.Current()
	case evWaitForLeader:
		f.onWaitForLeader(e)
	case evWaiterTimeout:
		f.waiters.timeoutFire(e.entry)
	case evAnnounce:
		f.publishCurrent(true)
	case evSync:
		_ = f.opts.Agent.Sync(f.ctx)
		close(e.done)
	case evNoteTermEstablished:
		f.onNoteTermEstablished(e)
	case evNoteTermFinished:
		if f.sm.Current() == stLeader && f.historyID == e.hid && f.leaderTerm == e.term {
			f.fireEvent(evnTermFinished)
		}
	}
}

func (f *FSM) onHeartbeat(e evHeartbeat) {
	info := e.info
	if info.HistoryID != f.historyID {
		return
	}
	cur := f.sm.Current()
	ourTerm, ourStatus := f.leaderTerm, f.leaderStatus
	if cur != stLeader && cur != stFollower {
		ourTerm, ourStatus = f.cachedTerm, statusInactive
	}

	accept := false
	switch {
	case info.Term == ourTerm:
		accept = true
	case info.Term.Number > ourTerm.Number:
		accept = true
	case info.Term.Number == ourTerm.Number:
		switch {
		case info.Status == StatusEstablished:
			if ourStatus == StatusEstablished {
				f.raiseFatal("two established leaders in history %s term %s: self=%s incoming=%s", f.historyID, ourTerm, f.leaderPeer, info.Leader)
				return
			}
			accept = true
		case info.Status == StatusTentative && ourStatus == statusInactive:
			accept = true
		}
	}
	if !accept {
		return
	}
	// An established leader never steps down on an accepted heartbeat alone
	// (that is the proposer's call, via NoteTermFinished); a still-tentative
	// one yields, since nothing has committed under its term yet.
	if cur == stLeader && ourStatus == StatusEstablished {
		return
	}
	if cur == stFollower {
		// Self-transition: looplab/fsm treats Follower->Follower as a
		// NoTransitionError and would skip onEnterFollower entirely.
		f.applyFollowerEntry(info)
		f.onEnterAny(f.ctx, nil)
		return
	}
	f.fireEvent(evnHeartbeatAccept, info)
}

func (f *FSM) onPeerUpDown(e evPeerUpDown) {
	if e.up {
		f.livePeers[e.peer] = struct{}{}
		return
	}
	delete(f.livePeers, e.peer)
	cur := f.sm.Current()
	if (cur == stFollower && f.leaderPeer == e.peer) || (cur == stVotedFor && f.votedFor == e.peer) {
		f.fireEvent(evnTrackedPeerDown)
	}
}

func (f *FSM) onMetadataEvent(e MetadataEvent) {
	f.lastMeta = e.Meta
	switch e.Kind {
	case EvSystemStateProvisioned:
		f.peers = peerSet(e.Meta.Config)
		f.quorum = quorumFor(e.Meta, f.peers)
		f.cachedTerm = e.Meta.Term
		f.cachedPosition = e.Meta.Position()
		f.fireResyncToObserver(evnNewHistory, resyncArgs{hid: e.Meta.HistoryID, electable: f.computeElectable(e.Meta), removed: false})
	case EvSystemStateRemoved:
		if f.sm.Current() == stLeader {
			f.removed = true
			f.electable = false
			return
		}
		f.fireResyncToObserver(evnRemovedMeta, resyncArgs{hid: f.historyID, electable: false, removed: true})
	case EvNewHistory:
		f.peers = peerSet(e.Meta.Config)
		f.quorum = quorumFor(e.Meta, f.peers)
		f.fireResyncToObserver(evnNewHistory, resyncArgs{hid: e.HistoryID, electable: f.computeElectable(e.Meta), removed: f.removed})
	case EvTermEstablished:
		if e.Term.Compare(f.cachedTerm) > 0 {
			f.cachedTerm = e.Term
		}
	case EvNewConfig:
		f.peers = peerSet(e.Config)
		f.quorum = quorumFor(e.Meta, f.peers)
		electable := f.computeElectable(Metadata{Config: e.Config, Removed: f.removed})
		if f.sm.Current() == stLeader {
			f.electable = electable
			return
		}
		if electable != f.electable {
			f.fireResyncToObserver(evnNewConfigFlip, resyncArgs{hid: f.historyID, electable: electable, removed: f.removed})
		}
	}
}

func (f *FSM) handleRequestVote(e evRequestVote) VoteReply {
	switch f.sm.Current() {
	case stCandidate:
		return VoteReply{Granted: false, LatestTerm: f.cachedTerm, Reason: RejectInElection}
	case stCheckMember:
		return VoteReply{Granted: false, LatestTerm: f.cachedTerm, Reason: RejectCheckMember}
	case stLeader, stFollower:
		info := LeaderInfo{Leader: f.leaderPeer, HistoryID: f.historyID, Term: f.leaderTerm, Status: f.leaderStatus}
		return VoteReply{Granted: false, LatestTerm: f.leaderTerm, Reason: RejectHaveLeader, HaveLeader: &info}
	}

	ctx, cancel := context.WithTimeout(f.ctx, agentCallTimeout)
	defer cancel()
	if err := f.opts.Agent.CheckGrantVote(ctx, e.hid, e.candidate, e.position); err != nil {
		return VoteReply{Granted: false, LatestTerm: f.cachedTerm, Reason: RejectAgent}
	}
	if f.sm.Current() == stVotedFor {
		// Self-transition: looplab/fsm treats VotedFor->VotedFor as a
		// NoTransitionError and would skip onEnterVotedFor entirely.
		f.applyVotedForEntry(e.candidate)
		f.onEnterAny(f.ctx, nil)
	} else {
		f.fireEvent(evnGrantVote, e.candidate)
	}
	return VoteReply{Granted: true, LatestTerm: f.cachedTerm}
}

func (f *FSM) onRequestCheckMember(e evRequestCheckMember) {
	ctx, cancel := context.WithTimeout(f.ctx, agentCallTimeout)
	defer cancel()
	ok, err := f.opts.Agent.CheckMember(ctx, e.hid, e.peer, e.peerID, e.peerSeqno)
	reply := CheckMemberReply{IsMember: ok}
	if err != nil {
		reply.Err = err.Error()
	}
	select {
	case e.reply <- reply:
	default:
	}
}

func (f *FSM) onWaitForLeader(e evWaitForLeader) {
	if cur, ok := f.pub.Load(); ok && (e.incarnation.isAny() || cur.Incarnation() != e.incarnation) {
		e.reply <- leaderLookupResult{info: cur, ok: true}
		return
	}
	f.waiters.add(e.incarnation, e.reply, e.timeout, func(entry *waiterEntry) {
		select {
		case f.mailbox <- evWaiterTimeout{entry: entry}:
		case <-f.ctx.Done():
		}
	})
}

func (f *FSM) onNoteTermEstablished(e evNoteTermEstablished) {
	if f.sm.Current() != stLeader || f.historyID != e.hid || f.leaderTerm != e.term || f.leaderStatus != StatusTentative {
		return
	}
	f.leaderStatus = StatusEstablished
	MetricIsLeader.Set(1)
	f.publishCurrent(false)
	if f.opts.Proposer != nil {
		f.opts.Proposer.OnLeaderEstablished(LeaderInfo{Leader: f.leaderPeer, HistoryID: f.historyID, Term: f.leaderTerm, Status: f.leaderStatus})
	}
}

// --- transport wiring ---

func (f *FSM) handlers() PeerTransportHandlers {
	return PeerTransportHandlers{
		OnHeartbeat: func(from PeerID, info LeaderInfo) {
			select {
			case f.mailbox <- evHeartbeat{from: from, info: info}:
			case <-f.ctx.Done():
			}
		},
		OnSteppingDown: func(from PeerID, info LeaderInfo) {
			select {
			case f.mailbox <- evSteppingDown{from: from, info: info}:
			case <-f.ctx.Done():
			}
		},
		OnRequestVote: func(from PeerID, candidate PeerID, hid HistoryID, position LogPosition) VoteReply {
			reply := make(chan VoteReply, 1)
			select {
			case f.mailbox <- evRequestVote{from: from, candidate: candidate, hid: hid, position: position, reply: reply}:
			case <-f.ctx.Done():
				return VoteReply{Granted: false, Reason: RejectAgent}
			}
			select {
			case r := <-reply:
				return r
			case <-f.ctx.Done():
				return VoteReply{Granted: false, Reason: RejectAgent}
			}
		},
		OnCheckMember: func(from PeerID, hid HistoryID, peer PeerID, peerID PeerID, peerSeqno uint64) CheckMemberReply {
			reply := make(chan CheckMemberReply, 1)
			select {
			case f.mailbox <- evRequestCheckMember{from: from, hid: hid, peer: peer, peerID: peerID, peerSeqno: peerSeqno, reply: reply}:
			case <-f.ctx.Done():
				return CheckMemberReply{Err: "shutting down"}
			}
			select {
			case r := <-reply:
				return r
			case <-f.ctx.Done():
				return CheckMemberReply{Err: "shutting down"}
			}
		},
	}
}

func (f *FSM) forwardMetadata(ctx context.Context, ch <-chan MetadataEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			select {
			case f.mailbox <- evMetadata{e: e}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *FSM) forwardPeerEvents(ctx context.Context, ch <-chan PeerUpDownEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			select {
			case f.mailbox <- evPeerUpDown{peer: e.Peer, up: e.Up}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *FSM) raiseFatal(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	logutil.Errorf(f.opts.Logger, "chronicle: fatal: %s", reason)
	if f.opts.Fatal != nil {
		f.opts.Fatal(reason)
		return
	}
	os.Exit(1)
}

// --- public API ---

// GetLeader returns the published leader, or ErrNoLeader if no established
// leader is currently known.
func (f *FSM) GetLeader(ctx context.Context) (LeaderInfo, error) {
	reply := make(chan leaderLookupResult, 1)
	select {
	case f.mailbox <- evGetLeader{reply: reply}:
	case <-ctx.Done():
		return LeaderInfo{}, ctx.Err()
	}
	select {
	case r := <-reply:
		if !r.ok {
			return LeaderInfo{}, ErrNoLeader
		}
		return r.info, nil
	case <-ctx.Done():
		return LeaderInfo{}, ctx.Err()
	}
}

// CurrentState returns the FSM's current state name (observer, voted_for,
// candidate, leader, follower or check_member), routed through the actor
// mailbox like every other read of FSM-owned state.
func (f *FSM) CurrentState(ctx context.Context) (string, error) {
	reply := make(chan string, 1)
	select {
	case f.mailbox <- evGetState{reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WaitForLeader blocks until a leader distinct from incarnation (or any
// leader, for AnyIncarnation) is published, timeout elapses, or ctx is
// done.
func (f *FSM) WaitForLeader(ctx context.Context, incarnation Incarnation, timeout time.Duration) (LeaderInfo, error) {
	reply := make(chan leaderLookupResult, 1)
	select {
	case f.mailbox <- evWaitForLeader{incarnation: incarnation, timeout: timeout, reply: reply}:
	case <-ctx.Done():
		return LeaderInfo{}, ctx.Err()
	}
	select {
	case r := <-reply:
		if !r.ok {
			return LeaderInfo{}, ErrNoLeader
		}
		return r.info, nil
	case <-ctx.Done():
		return LeaderInfo{}, ctx.Err()
	}
}

// AnnounceLeaderStatus forces a republish of the current leader snapshot
// and wakes any matching waiters, even if nothing changed.
func (f *FSM) AnnounceLeaderStatus() {
	select {
	case f.mailbox <- evAnnounce{}:
	case <-f.ctx.Done():
	}
}

// NoteTermEstablished is called by the proposer once it has confirmed
// quorum commit in (hid, term); it flips a matching tentative Leader to
// established.
func (f *FSM) NoteTermEstablished(hid HistoryID, term Term) {
	select {
	case f.mailbox <- evNoteTermEstablished{hid: hid, term: term}:
	case <-f.ctx.Done():
	}
}

// NoteTermFinished is called by the proposer when it gives up the term; it
// returns a matching Leader to Observer.
func (f *FSM) NoteTermFinished(hid HistoryID, term Term) {
	select {
	case f.mailbox <- evNoteTermFinished{hid: hid, term: term}:
	case <-f.ctx.Done():
	}
}

// Sync flushes queued Agent events before the caller reads state.
func (f *FSM) Sync(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case f.mailbox <- evSync{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
