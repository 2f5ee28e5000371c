package chronicle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeAgent is the minimal in-memory Agent a scenario test needs: a fixed
// metadata snapshot plus vote bookkeeping, grounded on the Agent contract's
// GetSystemState/GetMetadata/CheckGrantVote/CheckMember/MarkRemoved/Sync
// shape rather than any storage concern.
type fakeAgent struct {
	mu        sync.Mutex
	meta      Metadata
	removed   bool
	votedTerm map[HistoryID]Term
	votedFor  map[HistoryID]PeerID
}

func newFakeAgent(hid HistoryID, config []PeerID, self PeerID) *fakeAgent {
	return &fakeAgent{
		meta: Metadata{
			Peer:      self,
			HistoryID: hid,
			Config:    config,
			Electable: true,
		},
		votedTerm: map[HistoryID]Term{},
		votedFor:  map[HistoryID]PeerID{},
	}
}

func (a *fakeAgent) GetSystemState(ctx context.Context) (SystemStateReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.removed {
		return SystemStateReply{State: StateRemoved, Meta: a.meta}, nil
	}
	return SystemStateReply{State: StateProvisioned, Meta: a.meta}, nil
}

func (a *fakeAgent) GetMetadata(ctx context.Context) (Metadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.meta, nil
}

var (
	errFakeHistoryMismatch = errors.New("fakeAgent: history mismatch")
	errFakeBehindPosition  = errors.New("fakeAgent: behind position")
	errFakeAlreadyVoted    = errors.New("fakeAgent: already voted for a different candidate")
)

func (a *fakeAgent) CheckGrantVote(ctx context.Context, hid HistoryID, candidate PeerID, position LogPosition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hid != a.meta.HistoryID {
		return errFakeHistoryMismatch
	}
	if position.Behind(a.meta.Position()) {
		return errFakeBehindPosition
	}
	term, have := a.votedTerm[hid]
	if have && term.Number == a.meta.Term.Number {
		if a.votedFor[hid] != candidate {
			return errFakeAlreadyVoted
		}
	}
	a.votedTerm[hid] = a.meta.Term
	a.votedFor[hid] = candidate
	return nil
}

func (a *fakeAgent) CheckMember(ctx context.Context, hid HistoryID, peer PeerID, peerID PeerID, peerSeqno uint64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hid != a.meta.HistoryID {
		return false, nil
	}
	for _, p := range a.meta.Config {
		if p == peerID {
			return true, nil
		}
	}
	return false, nil
}

func (a *fakeAgent) MarkRemoved(ctx context.Context, self PeerID, selfID PeerID) error {
	a.mu.Lock()
	a.removed = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) Sync(ctx context.Context) error { return nil }

func (a *fakeAgent) isRemoved() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removed
}

// fakeNetwork wires together every fakeTransport registered on it,
// dispatching RequestVote/CheckMember/heartbeat calls to the addressed
// peer's currently-registered PeerTransportHandlers, in-process and
// without any real network.
type fakeNetwork struct {
	mu    sync.Mutex
	peers map[PeerID]*fakeTransport
}

func newFakeNetwork() *fakeNetwork { return &fakeNetwork{peers: map[PeerID]*fakeTransport{}} }

func (n *fakeNetwork) register(id PeerID, t *fakeTransport) {
	n.mu.Lock()
	n.peers[id] = t
	n.mu.Unlock()
}

func (n *fakeNetwork) lookup(id PeerID) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

type fakeTransport struct {
	self PeerID
	net  *fakeNetwork

	mu       sync.RWMutex
	handlers PeerTransportHandlers
	dropAll  bool
}

func newFakeTransport(self PeerID, net *fakeNetwork) *fakeTransport {
	t := &fakeTransport{self: self, net: net}
	net.register(self, t)
	return t
}

func (t *fakeTransport) Handlers(h PeerTransportHandlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *fakeTransport) setDropAll(drop bool) {
	t.mu.Lock()
	t.dropAll = drop
	t.mu.Unlock()
}

func (t *fakeTransport) isDropping() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropAll
}

func (t *fakeTransport) SendHeartbeat(peer PeerID, info LeaderInfo) {
	if t.isDropping() {
		return
	}
	dst := t.net.lookup(peer)
	if dst == nil {
		return
	}
	go func() {
		dst.mu.RLock()
		h := dst.handlers.OnHeartbeat
		dst.mu.RUnlock()
		if h != nil {
			h(t.self, info)
		}
	}()
}

func (t *fakeTransport) SendSteppingDown(peer PeerID, info LeaderInfo) {
	if t.isDropping() {
		return
	}
	dst := t.net.lookup(peer)
	if dst == nil {
		return
	}
	go func() {
		dst.mu.RLock()
		h := dst.handlers.OnSteppingDown
		dst.mu.RUnlock()
		if h != nil {
			h(t.self, info)
		}
	}()
}

func (t *fakeTransport) RequestVote(ctx context.Context, peer PeerID, candidate PeerID, hid HistoryID, position LogPosition) (VoteReply, error) {
	if t.isDropping() {
		return VoteReply{}, context.DeadlineExceeded
	}
	dst := t.net.lookup(peer)
	if dst == nil {
		return VoteReply{}, context.DeadlineExceeded
	}
	dst.mu.RLock()
	h := dst.handlers.OnRequestVote
	dst.mu.RUnlock()
	if h == nil {
		return VoteReply{}, context.DeadlineExceeded
	}
	return h(t.self, candidate, hid, position), nil
}

func (t *fakeTransport) RequestCheckMember(ctx context.Context, peer PeerID, hid HistoryID, self PeerID, selfID PeerID, selfSeqno uint64) (CheckMemberReply, error) {
	if t.isDropping() {
		return CheckMemberReply{}, context.DeadlineExceeded
	}
	dst := t.net.lookup(peer)
	if dst == nil {
		return CheckMemberReply{}, context.DeadlineExceeded
	}
	dst.mu.RLock()
	h := dst.handlers.OnCheckMember
	dst.mu.RUnlock()
	if h == nil {
		return CheckMemberReply{}, context.DeadlineExceeded
	}
	return h(t.self, hid, self, selfID, selfSeqno), nil
}

// fakeMonitor reports a fixed live-peer set and never emits up/down events
// unless the test explicitly drives one through its channel.
type fakeMonitor struct {
	mu   sync.RWMutex
	live map[PeerID]struct{}
	ch   chan PeerUpDownEvent
}

func newFakeMonitor(live ...PeerID) *fakeMonitor {
	m := &fakeMonitor{live: map[PeerID]struct{}{}, ch: make(chan PeerUpDownEvent, 16)}
	for _, p := range live {
		m.live[p] = struct{}{}
	}
	return m
}

func (m *fakeMonitor) LivePeers() map[PeerID]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[PeerID]struct{}, len(m.live))
	for p := range m.live {
		out[p] = struct{}{}
	}
	return out
}

func (m *fakeMonitor) Subscribe(ctx context.Context) <-chan PeerUpDownEvent { return m.ch }

func (m *fakeMonitor) signalDown(peer PeerID) {
	m.mu.Lock()
	delete(m.live, peer)
	m.mu.Unlock()
	m.ch <- PeerUpDownEvent{Peer: peer, Up: false, At: time.Now()}
}

// fakeBus never delivers anything unless the test writes to its channel.
type fakeBus struct{ ch chan MetadataEvent }

func newFakeBus() *fakeBus { return &fakeBus{ch: make(chan MetadataEvent, 16)} }

func (b *fakeBus) SubscribeMetadata(ctx context.Context) <-chan MetadataEvent { return b.ch }

// fakeProposer auto-confirms every term the moment it goes tentative, the
// way a real proposer would confirm a quorum-committed barrier write
// immediately after winning an election.
type fakeProposer struct {
	fsm *FSM

	mu          sync.Mutex
	established []LeaderInfo
	lost        []LeaderInfo
}

func (p *fakeProposer) OnLeaderTentative(info LeaderInfo) {
	p.fsm.NoteTermEstablished(info.HistoryID, info.Term)
}

func (p *fakeProposer) OnLeaderEstablished(info LeaderInfo) {
	p.mu.Lock()
	p.established = append(p.established, info)
	p.mu.Unlock()
}

func (p *fakeProposer) OnLeaderLost(info LeaderInfo) {
	p.mu.Lock()
	p.lost = append(p.lost, info)
	p.mu.Unlock()
}

func newTestFSM(t *testing.T, self PeerID, hid HistoryID, config []PeerID, net *fakeNetwork, live ...PeerID) (*FSM, *fakeAgent, *fakeMonitor, *fakeBus) {
	t.Helper()
	agent := newFakeAgent(hid, config, self)
	transport := newFakeTransport(self, net)
	monitor := newFakeMonitor(live...)
	bus := newFakeBus()
	proposer := &fakeProposer{}

	f, err := NewFSM(Options{
		Self:                self,
		Agent:               agent,
		Transport:           transport,
		Monitor:             monitor,
		Bus:                 bus,
		Proposer:            proposer,
		Logger:              zap.NewNop(),
		HeartbeatInterval:   10 * time.Millisecond,
		ObserverMultiplier:  3,
		CandidateMultiplier: 50,
		FollowerMultiplier:  20,
		ExtraWaitTime:       2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewFSM: %v", err)
	}
	proposer.fsm = f
	return f, agent, monitor, bus
}

func runUntil(t *testing.T, f *FSM, ctx context.Context) chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()
	return errCh
}

func awaitLeader(t *testing.T, ctx context.Context, f *FSM, timeout time.Duration) LeaderInfo {
	t.Helper()
	info, err := f.WaitForLeader(ctx, AnyIncarnation, timeout)
	if err != nil {
		t.Fatalf("WaitForLeader: %v", err)
	}
	return info
}

func TestFSM_SoloProvisioningBecomesEstablishedLeader(t *testing.T) {
	net := newFakeNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	self := PeerID("solo")
	f, _, _, _ := newTestFSM(t, self, "h1", []PeerID{self}, net)
	errCh := runUntil(t, f, ctx)
	defer func() { cancel(); <-errCh }()

	info := awaitLeader(t, ctx, f, 2*time.Second)
	if info.Leader != self || info.Status != StatusEstablished {
		t.Fatalf("got %+v, want established leader %s", info, self)
	}

	got, err := f.GetLeader(context.Background())
	if err != nil || got.Leader != self {
		t.Fatalf("GetLeader: %+v, %v", got, err)
	}
}

func TestFSM_ThreeNodeHappyPathElectsOneEstablishedLeader(t *testing.T) {
	net := newFakeNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := []PeerID{"a", "b", "c"}
	fa, _, _, _ := newTestFSM(t, "a", "h1", config, net, "b", "c")
	fb, _, _, _ := newTestFSM(t, "b", "h1", config, net, "a", "c")
	fc, _, _, _ := newTestFSM(t, "c", "h1", config, net, "a", "b")

	errA := runUntil(t, fa, ctx)
	errB := runUntil(t, fb, ctx)
	errC := runUntil(t, fc, ctx)
	defer func() {
		cancel()
		<-errA
		<-errB
		<-errC
	}()

	var leaders []LeaderInfo
	for _, f := range []*FSM{fa, fb, fc} {
		info, err := f.WaitForLeader(ctx, AnyIncarnation, 3*time.Second)
		if err != nil {
			t.Fatalf("WaitForLeader: %v", err)
		}
		leaders = append(leaders, info)
	}
	for i, info := range leaders {
		if info.Leader != leaders[0].Leader || info.Term != leaders[0].Term {
			t.Fatalf("node %d disagrees on leader: %+v vs %+v", i, info, leaders[0])
		}
		if info.Status != StatusEstablished {
			t.Fatalf("node %d: expected established, got %+v", i, info)
		}
	}
}

func TestFSM_LeaderDisconnectTriggersReElection(t *testing.T) {
	net := newFakeNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := []PeerID{"a", "b", "c"}
	fsms := map[PeerID]*FSM{}
	monitors := map[PeerID]*fakeMonitor{}
	var errChs []chan error
	for _, self := range config {
		var live []PeerID
		for _, p := range config {
			if p != self {
				live = append(live, p)
			}
		}
		f, _, mon, _ := newTestFSM(t, self, "h1", config, net, live...)
		fsms[self] = f
		monitors[self] = mon
		errChs = append(errChs, runUntil(t, f, ctx))
	}
	defer func() {
		cancel()
		for _, errCh := range errChs {
			<-errCh
		}
	}()

	first, err := fsms["a"].WaitForLeader(ctx, AnyIncarnation, 3*time.Second)
	if err != nil {
		t.Fatalf("initial WaitForLeader: %v", err)
	}

	net.lookup(first.Leader).setDropAll(true)

	var survivor PeerID
	for _, p := range config {
		if p != first.Leader {
			survivor = p
			break
		}
	}
	monitors[survivor].signalDown(first.Leader)

	second, err := fsms[survivor].WaitForLeader(ctx, first.Incarnation(), 3*time.Second)
	if err != nil {
		t.Fatalf("re-election WaitForLeader: %v", err)
	}
	if second.Incarnation() == first.Incarnation() {
		t.Fatalf("expected a new incarnation after leader disconnect, got the same one: %+v", second)
	}
}

// TestFSM_TentativeLeaderYieldsToEstablishedHeartbeatAtEqualTerm covers the
// split-tentative case: two nodes each reach Leader{tentative} at the same
// term number under different leader hints. The one that hears the other's
// heartbeat announcing status=established first folds to Follower rather
// than racing it out as a fatal dual-leader condition.
func TestFSM_TentativeLeaderYieldsToEstablishedHeartbeatAtEqualTerm(t *testing.T) {
	net := newFakeNetwork()
	self := PeerID("b")
	f, _, _, _ := newTestFSM(t, self, "h1", []PeerID{"a", "b"}, net, "a")

	ctx := context.Background()
	f.ctx = ctx
	f.historyID = "h1"
	term := Term{Number: 1, Hint: self}
	f.leaderPeer = self
	f.leaderTerm = term
	f.leaderStatus = StatusTentative
	f.sm.SetState(stLeader)

	// a reached the same term number first and its proposer already
	// confirmed the commit; its heartbeat arrives before b's own commit
	// does.
	f.onHeartbeat(evHeartbeat{from: "a", info: LeaderInfo{
		Leader: "a", HistoryID: "h1", Term: Term{Number: term.Number, Hint: "a"}, Status: StatusEstablished,
	}})

	if f.sm.Current() != stFollower {
		t.Fatalf("expected b to fold to follower, got %s", f.sm.Current())
	}
	if f.leaderPeer != "a" || f.leaderStatus != StatusEstablished {
		t.Fatalf("expected b to adopt a as established leader, got leader=%s status=%v", f.leaderPeer, f.leaderStatus)
	}
}

// TestFSM_RemovedNodeSelfHealsViaCheckMember covers the silently-removed
// case: c's own Agent record already lacks c from the config (so it is never
// electable), so it periodically probes its configured peers via CheckMember; once a
// sampled peer reports it is no longer a member, c marks itself removed and
// settles into Observer{removed=true}.
func TestFSM_RemovedNodeSelfHealsViaCheckMember(t *testing.T) {
	net := newFakeNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notMember := func(from PeerID, hid HistoryID, peer PeerID, peerID PeerID, peerSeqno uint64) CheckMemberReply {
		return CheckMemberReply{IsMember: peerID != "c"}
	}
	newFakeTransport("a", net).Handlers(PeerTransportHandlers{OnCheckMember: notMember})
	newFakeTransport("b", net).Handlers(PeerTransportHandlers{OnCheckMember: notMember})

	cAgent := newFakeAgent("h1", []PeerID{"a", "b"}, "c")
	cTransport := newFakeTransport("c", net)
	cMonitor := newFakeMonitor("a", "b")
	cBus := newFakeBus()
	f, err := NewFSM(Options{
		Self:                "c",
		Agent:               cAgent,
		Transport:           cTransport,
		Monitor:             cMonitor,
		Bus:                 cBus,
		Proposer:            &fakeProposer{},
		Logger:              zap.NewNop(),
		HeartbeatInterval:   10 * time.Millisecond,
		ObserverMultiplier:  3,
		CandidateMultiplier: 50,
		FollowerMultiplier:  20,
		ExtraWaitTime:       2 * time.Millisecond,
		CheckMemberAfter:    15 * time.Millisecond,
		CheckMemberTimeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewFSM: %v", err)
	}

	errCh := runUntil(t, f, ctx)
	defer func() { cancel(); <-errCh }()

	deadline := time.Now().Add(2 * time.Second)
	for !cAgent.isRemoved() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !cAgent.isRemoved() {
		t.Fatal("expected c's Agent to be told mark_removed")
	}

	state, err := f.CurrentState(ctx)
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	if state != stObserver {
		t.Fatalf("expected c to settle in observer, got %s", state)
	}
}

// TestFSM_HistoryChangeDuringLeadershipResetsFollowersToObserver covers a
// history change arriving while a is Leader: evnNewHistory's Src spans
// every state, so a, b and c all fall straight back to Observer and the
// previously published leader is cleared, with no window where a stale
// leader_info remains visible.
func TestFSM_HistoryChangeDuringLeadershipResetsFollowersToObserver(t *testing.T) {
	net := newFakeNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := []PeerID{"a", "b", "c"}
	fa, _, _, busA := newTestFSM(t, "a", "h1", config, net, "b", "c")
	fb, _, _, busB := newTestFSM(t, "b", "h1", config, net, "a", "c")
	fc, _, _, busC := newTestFSM(t, "c", "h1", config, net, "a", "b")

	errA := runUntil(t, fa, ctx)
	errB := runUntil(t, fb, ctx)
	errC := runUntil(t, fc, ctx)
	defer func() {
		cancel()
		<-errA
		<-errB
		<-errC
	}()

	for _, f := range []*FSM{fa, fb, fc} {
		if _, err := f.WaitForLeader(ctx, AnyIncarnation, 3*time.Second); err != nil {
			t.Fatalf("WaitForLeader: %v", err)
		}
	}

	// The new history's config says nothing about any of a/b/c yet (as if
	// it is a fresh epoch none of them has been told it belongs to), so
	// none schedules a fresh election timer and Observer sticks for the
	// rest of the test instead of racing a reelection.
	newMeta := Metadata{HistoryID: "h2", Config: nil}
	for _, bus := range []*fakeBus{busA, busB, busC} {
		bus.ch <- MetadataEvent{Kind: EvNewHistory, HistoryID: "h2", Meta: newMeta, Config: nil}
	}

	for _, f := range []*FSM{fa, fb, fc} {
		deadline := time.Now().Add(3 * time.Second)
		var state string
		for time.Now().Before(deadline) {
			var err error
			state, err = f.CurrentState(ctx)
			if err != nil {
				t.Fatalf("CurrentState: %v", err)
			}
			if state == stObserver {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if state != stObserver {
			t.Fatalf("expected observer after history change, got %s", state)
		}
		if _, err := f.GetLeader(ctx); !errors.Is(err, ErrNoLeader) {
			t.Fatalf("expected leader info cleared after history change, got err=%v", err)
		}
	}
}
