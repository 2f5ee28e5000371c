// Package node is the lifecycle facade tying together the Leader FSM and
// its collaborators — the bolt Agent, the gRPC peer transport, the
// memberlist peer monitor, the in-process event bus and a reference
// proposer — into a single runnable unit, the way cmd/chronicled and the
// CLI's run command want to start and stop a whole node with one call.
package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-db/chronicle/pkg/adminhttp"
	"github.com/chronicle-db/chronicle/pkg/agent"
	"github.com/chronicle-db/chronicle/pkg/chronicle"
	"github.com/chronicle-db/chronicle/pkg/eventbus"
	"github.com/chronicle-db/chronicle/pkg/kv"
	mlmonitor "github.com/chronicle-db/chronicle/pkg/peermonitor/memberlist"
	grpcpeer "github.com/chronicle-db/chronicle/pkg/peertransport/grpc"
	"github.com/chronicle-db/chronicle/pkg/proposer"
)

// LeaderEvent is a process-local notification of a leader-established/lost
// transition for Subscribe callers other than wait_for_leader's
// point-in-time query, grounded on the same fan-out shape pkg/eventbus
// uses for chronicle.MetadataEvent.
type LeaderEvent struct {
	Info        chronicle.LeaderInfo
	Established bool
}

// leaderEventBus fans out LeaderEvent to every Subscribe caller without
// blocking the FSM's actor goroutine on a slow or absent reader.
type leaderEventBus struct {
	mu   sync.Mutex
	subs map[chan LeaderEvent]struct{}
}

func newLeaderEventBus() *leaderEventBus {
	return &leaderEventBus{subs: make(map[chan LeaderEvent]struct{})}
}

func (b *leaderEventBus) subscribe(ctx context.Context) <-chan LeaderEvent {
	ch := make(chan LeaderEvent, 8)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (b *leaderEventBus) publish(ev LeaderEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// fanoutProposer wraps the reference proposer.Logging (which the FSM also
// needs for its own transition bookkeeping) and additionally publishes
// every transition onto the Node's leaderEventBus.
type fanoutProposer struct {
	inner *proposer.Logging
	bus   *leaderEventBus
}

func (p *fanoutProposer) OnLeaderTentative(info chronicle.LeaderInfo) {
	p.inner.OnLeaderTentative(info)
}

func (p *fanoutProposer) OnLeaderEstablished(info chronicle.LeaderInfo) {
	p.inner.OnLeaderEstablished(info)
	p.bus.publish(LeaderEvent{Info: info, Established: true})
}

func (p *fanoutProposer) OnLeaderLost(info chronicle.LeaderInfo) {
	p.inner.OnLeaderLost(info)
	p.bus.publish(LeaderEvent{Info: info, Established: false})
}

var _ chronicle.Proposer = (*fanoutProposer)(nil)

// Config assembles a Node. Applications embed chronicle by filling this in
// and calling Build/Run from pkg/bootstrap.
type Config struct {
	Self   chronicle.PeerID
	SelfID chronicle.PeerID

	// DataDir holds the bolt-backed Agent database (<DataDir>/agent.db).
	DataDir string

	// PeerBind is the gRPC peer-transport listen address.
	PeerBind string
	// Peers maps every cluster peer (including Self) to its gRPC address.
	Peers map[chronicle.PeerID]string

	// MemberBind/MemberAdvertise configure the gossip peer monitor.
	MemberBind      string
	MemberAdvertise string
	// Seeds lists initial gossip rendezvous addresses.
	Seeds []string

	ServerTLS *tls.Config
	ClientTLS *tls.Config

	// AdminBind, if non-empty, starts the read-only admin HTTP surface
	// (/leader, /status, /healthz, /metrics) on this address.
	AdminBind string
	// AdminTLS, if set, serves the admin HTTP surface over TLS.
	AdminTLS *tls.Config

	Logger *zap.Logger

	// Timing knobs, forwarded to chronicle.Options.
	HeartbeatInterval   time.Duration
	ObserverMultiplier  int
	CandidateMultiplier int
	FollowerMultiplier  int
	MaxBackoff          int
	ExtraWaitTime       time.Duration
	CheckMemberAfter    time.Duration
	CheckMemberTimeout  time.Duration

	// Bootstrap, when true and the Agent has never been provisioned,
	// seeds history "default" with Peers' keys as the initial config.
	Bootstrap bool
}

// Node owns one running Leader FSM instance plus its collaborators.
type Node struct {
	cfg       Config
	logger    *zap.Logger
	agent     *agent.Agent
	bus       *eventbus.Bus
	transport *grpcpeer.Transport
	monitor   *mlmonitor.Monitor
	proposer  *proposer.Logging
	leaderBus *leaderEventBus
	fsm       *chronicle.FSM
	admin     *adminhttp.Server
	kv        *kv.Memory

	mu      sync.Mutex
	cancel  context.CancelFunc
	runErr  chan error
	started bool
}

// Build assembles a Node from cfg without starting it.
func Build(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Self == "" {
		return nil, fmt.Errorf("node: empty Self peer id")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("node: empty DataDir")
	}

	bus := eventbus.New(cfg.Logger)

	ag, err := agent.Open(filepath.Join(cfg.DataDir, "agent.db"), cfg.Self, cfg.SelfID, bus, cfg.Logger)
	if err != nil {
		return nil, err
	}

	if cfg.Bootstrap {
		meta, err := ag.GetMetadata(context.Background())
		if err != nil {
			return nil, err
		}
		if meta.HistoryID == "" {
			config := make([]chronicle.PeerID, 0, len(cfg.Peers))
			for p := range cfg.Peers {
				config = append(config, p)
			}
			if err := ag.Provision(context.Background(), chronicle.HistoryID("default"), config, true); err != nil {
				return nil, err
			}
		}
	}

	resolver := grpcpeer.StaticResolver{}
	for p, addr := range cfg.Peers {
		resolver[p] = addr
	}
	transport := grpcpeer.New(grpcpeer.Config{
		Self:        cfg.Self,
		Bind:        cfg.PeerBind,
		Resolver:    resolver,
		CallTimeout: 3 * time.Second,
		ServerTLS:   cfg.ServerTLS,
		ClientTLS:   cfg.ClientTLS,
		Logger:      cfg.Logger,
	})

	monitor, err := mlmonitor.New(mlmonitor.Options{
		Self:      cfg.Self,
		Bind:      cfg.MemberBind,
		Advertise: cfg.MemberAdvertise,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	prop := proposer.New(cfg.Logger)
	leaderBus := newLeaderEventBus()
	fanout := &fanoutProposer{inner: prop, bus: leaderBus}

	fsm, err := chronicle.NewFSM(chronicle.Options{
		Self:                cfg.Self,
		Agent:               ag,
		Transport:           transport,
		Monitor:             monitor,
		Bus:                 bus,
		Proposer:            fanout,
		Logger:              cfg.Logger,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		ObserverMultiplier:  cfg.ObserverMultiplier,
		CandidateMultiplier: cfg.CandidateMultiplier,
		FollowerMultiplier:  cfg.FollowerMultiplier,
		MaxBackoff:          cfg.MaxBackoff,
		ExtraWaitTime:       cfg.ExtraWaitTime,
		CheckMemberAfter:    cfg.CheckMemberAfter,
		CheckMemberTimeout:  cfg.CheckMemberTimeout,
	}.WithDefaults())
	if err != nil {
		return nil, err
	}
	prop.Attach(fsm)

	n := &Node{
		cfg:       cfg,
		logger:    cfg.Logger,
		agent:     ag,
		bus:       bus,
		transport: transport,
		monitor:   monitor,
		proposer:  prop,
		leaderBus: leaderBus,
		fsm:       fsm,
		kv:        kv.New(),
	}
	if cfg.AdminBind != "" {
		admin := adminhttp.NewServer(cfg.AdminBind, cfg.Logger)
		if cfg.AdminTLS != nil {
			admin.UseTLS(cfg.AdminTLS)
		}
		n.admin = admin
	}
	return n, nil
}

// Run builds and starts a Node.
func Run(ctx context.Context, cfg Config) (*Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// Start launches the peer transport, the gossip monitor and the Leader FSM.
// It returns once the transport is listening; the FSM runs in the
// background until ctx is done or Close is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.transport.SetStatusProvider(n.statusSnapshot)
	if err := n.transport.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := n.monitor.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if len(n.cfg.Seeds) > 0 {
		if err := n.monitor.Join(n.cfg.Seeds); err != nil {
			cancel()
			return err
		}
	}

	n.runErr = make(chan error, 1)
	go func() { n.runErr <- n.fsm.Run(runCtx) }()

	if n.admin != nil {
		if err := n.admin.Start(runCtx, n.adminLeader, n.adminStatus); err != nil {
			cancel()
			return err
		}
	}

	n.started = true
	return nil
}

// Close stops the Leader FSM and every collaborator it owns.
func (n *Node) Close() error {
	n.mu.Lock()
	cancel := n.cancel
	runErr := n.runErr
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if runErr != nil {
		<-runErr
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if n.admin != nil {
		_ = n.admin.Stop(stopCtx)
	}
	n.transport.Stop(stopCtx)
	_ = n.monitor.Stop()
	return n.agent.Close()
}

// Leader returns the currently published leader, if any.
func (n *Node) Leader(ctx context.Context) (chronicle.LeaderInfo, error) {
	return n.fsm.GetLeader(ctx)
}

// WaitForLeader blocks until an established leader distinct from
// incarnation (or any established leader, for chronicle.AnyIncarnation) is
// published or timeout elapses.
func (n *Node) WaitForLeader(ctx context.Context, incarnation chronicle.Incarnation, timeout time.Duration) (chronicle.LeaderInfo, error) {
	return n.fsm.WaitForLeader(ctx, incarnation, timeout)
}

// NodeStatus is a JSON-serializable snapshot of a running Node, the shape
// the admin HTTP surface's GET /status serves. The peer transport's Status
// RPC, which the CLI status/wait subcommands read, answers with
// grpcpeer.StatusSnapshot instead.
type NodeStatus struct {
	FSMState    string               `json:"fsm_state"`
	HasLeader   bool                 `json:"has_leader"`
	Leader      chronicle.LeaderInfo `json:"leader,omitempty"`
	MemberCount int                  `json:"member_count"`
}

// Status reports the FSM's current state name, the published leader (if
// any), and the live member count this node's gossip monitor currently
// tracks (including itself).
func (n *Node) Status(ctx context.Context) (*NodeStatus, error) {
	state, err := n.fsm.CurrentState(ctx)
	if err != nil {
		return nil, err
	}
	out := &NodeStatus{FSMState: state, MemberCount: len(n.monitor.LivePeers()) + 1}
	if info, err := n.fsm.GetLeader(ctx); err == nil {
		out.HasLeader = true
		out.Leader = info
	}
	return out, nil
}

// Subscribe returns a channel of LeaderEvent for process-local consumers
// other than WaitForLeader callers; the channel closes once ctx is done.
func (n *Node) Subscribe(ctx context.Context) <-chan LeaderEvent {
	return n.leaderBus.subscribe(ctx)
}

// KV returns the reference in-memory chronicle.KV client applications can
// use while a real replicated client is out of scope. It is process-local
// and not replicated across peers.
func (n *Node) KV() chronicle.KV {
	return n.kv
}

// adminLeader backs the admin HTTP surface's GET /leader.
func (n *Node) adminLeader(ctx context.Context) ([]byte, bool, error) {
	info, err := n.fsm.GetLeader(ctx)
	if err != nil {
		if errors.Is(err, chronicle.ErrNoLeader) {
			return nil, false, nil
		}
		return nil, false, err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// adminStatus backs the admin HTTP surface's GET /status.
func (n *Node) adminStatus(ctx context.Context) ([]byte, error) {
	st, err := n.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

func (n *Node) statusSnapshot() grpcpeer.StatusSnapshot {
	info, err := n.fsm.GetLeader(context.Background())
	if err == nil && info.Status == chronicle.StatusEstablished {
		return grpcpeer.StatusSnapshot{State: "running", HasLeader: true, Leader: info}
	}
	return grpcpeer.StatusSnapshot{State: "running", HasLeader: false}
}
