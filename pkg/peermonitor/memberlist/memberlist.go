// Package memberlist implements chronicle.PeerMonitor over HashiCorp's
// gossip-based SWIM protocol, so the Leader FSM learns peer up/down
// transitions without polling.
package memberlist

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
	"github.com/chronicle-db/chronicle/pkg/internal/logutil"
)

// Options configures the gossip membership layer.
type Options struct {
	Self      chronicle.PeerID
	Bind      string
	Advertise string
	Logger    *zap.Logger

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int
}

// Monitor implements chronicle.PeerMonitor.
type Monitor struct {
	opts Options

	mu   sync.RWMutex
	ml   *memberlist.Memberlist
	live map[chronicle.PeerID]struct{}

	subsMu sync.Mutex
	subs   map[chan chronicle.PeerUpDownEvent]struct{}

	closed bool
}

// New validates opts and returns an unstarted Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Self == "" {
		return nil, fmt.Errorf("peermonitor/memberlist: empty Self peer id")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("peermonitor/memberlist: empty Bind address")
	}
	return &Monitor{
		opts: opts,
		live: make(map[chronicle.PeerID]struct{}),
		subs: make(map[chan chronicle.PeerUpDownEvent]struct{}),
	}, nil
}

// Start creates and launches the underlying gossip instance, stopping it
// when ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ml != nil {
		m.mu.Unlock()
		return nil
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = string(m.opts.Self)
	host, portStr, err := net.SplitHostPort(m.opts.Bind)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("peermonitor/memberlist: invalid bind address %q: %w", m.opts.Bind, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	cfg.BindAddr = host
	cfg.BindPort = port

	if m.opts.Advertise != "" {
		ahost, aportStr, err := net.SplitHostPort(m.opts.Advertise)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("peermonitor/memberlist: invalid advertise address %q: %w", m.opts.Advertise, err)
		}
		aport, err := parsePort(aportStr)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		cfg.AdvertiseAddr = ahost
		cfg.AdvertisePort = aport
	}
	if m.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = m.opts.ProbeInterval
	}
	if m.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = m.opts.ProbeTimeout
	}
	if m.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = m.opts.SuspicionMult
	}
	cfg.Events = &eventDelegate{monitor: m}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.ml = ml
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()
	return nil
}

// Join attempts to rendezvous with an initial set of seed addresses.
func (m *Monitor) Join(seeds []string) error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return fmt.Errorf("peermonitor/memberlist: not started")
	}
	if len(seeds) == 0 {
		return nil
	}
	_, err := ml.Join(seeds)
	return err
}

// Leave broadcasts a graceful departure, best-effort.
func (m *Monitor) Leave() error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return nil
	}
	return ml.Leave(time.Second)
}

// Stop shuts down the gossip instance and closes every active subscription.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ml := m.ml
	m.ml = nil
	m.mu.Unlock()
	if ml != nil {
		_ = ml.Shutdown()
	}
	m.subsMu.Lock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[chan chronicle.PeerUpDownEvent]struct{})
	m.subsMu.Unlock()
	return nil
}

// HealthScore exposes memberlist's local awareness score (lower is
// healthier; -1 if not started).
func (m *Monitor) HealthScore() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return -1
	}
	return m.ml.GetHealthScore()
}

// LivePeers implements chronicle.PeerMonitor.
func (m *Monitor) LivePeers() map[chronicle.PeerID]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[chronicle.PeerID]struct{}, len(m.live))
	for p := range m.live {
		if p != m.opts.Self {
			out[p] = struct{}{}
		}
	}
	return out
}

// Subscribe implements chronicle.PeerMonitor.
func (m *Monitor) Subscribe(ctx context.Context) <-chan chronicle.PeerUpDownEvent {
	ch := make(chan chronicle.PeerUpDownEvent, 16)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	go func() {
		<-ctx.Done()
		m.subsMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subsMu.Unlock()
	}()
	return ch
}

func (m *Monitor) setLive(peer chronicle.PeerID, up bool) {
	m.mu.Lock()
	if up {
		m.live[peer] = struct{}{}
	} else {
		delete(m.live, peer)
	}
	m.mu.Unlock()
}

func (m *Monitor) emit(ev chronicle.PeerUpDownEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			logutil.Warnf(m.opts.Logger, "peermonitor/memberlist: dropping event for %s: subscriber channel full", ev.Peer)
		}
	}
}

// eventDelegate adapts memberlist's node-level callbacks into
// chronicle.PeerUpDownEvent notifications.
type eventDelegate struct{ monitor *Monitor }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	if n == nil {
		return
	}
	peer := chronicle.PeerID(n.Name)
	d.monitor.setLive(peer, true)
	d.monitor.emit(chronicle.PeerUpDownEvent{Peer: peer, Up: true, At: time.Now()})
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	if n == nil {
		return
	}
	peer := chronicle.PeerID(n.Name)
	d.monitor.setLive(peer, false)
	d.monitor.emit(chronicle.PeerUpDownEvent{Peer: peer, Up: false, At: time.Now()})
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {}

func parsePort(s string) (int, error) {
	var p int
	if _, err := fmt.Sscanf(s, "%d", &p); err != nil || p < 0 || p > 65535 {
		return 0, fmt.Errorf("peermonitor/memberlist: invalid port %q", s)
	}
	return p, nil
}

var _ chronicle.PeerMonitor = (*Monitor)(nil)
