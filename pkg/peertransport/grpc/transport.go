package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
	"github.com/chronicle-db/chronicle/pkg/internal/logutil"
	obsmetrics "github.com/chronicle-db/chronicle/pkg/observability/metrics"
)

// Resolver maps a PeerID to a dialable "host:port" address. Implementations
// typically back this with the same peer set the cluster's membership layer
// tracks.
type Resolver interface {
	Addr(peer chronicle.PeerID) (string, bool)
}

// StaticResolver is a fixed peer-id-to-address map, the common case for a
// statically configured cluster.
type StaticResolver map[chronicle.PeerID]string

func (r StaticResolver) Addr(peer chronicle.PeerID) (string, bool) {
	addr, ok := r[peer]
	return addr, ok
}

// Transport implements chronicle.PeerTransport over gRPC: a listening
// server dispatching to the registered handlers, and a connection-cached
// client used for outbound sends and request/reply calls.
type Transport struct {
	self     chronicle.PeerID
	resolver Resolver
	logger   *zap.Logger

	srv *server
	cl  *client

	mu         sync.RWMutex
	handlers   chronicle.PeerTransportHandlers
	statusFunc func() StatusSnapshot
}

// Config configures a Transport.
type Config struct {
	Self        chronicle.PeerID
	Bind        string
	Resolver    Resolver
	CallTimeout time.Duration
	ServerTLS   *tls.Config
	ClientTLS   *tls.Config
	Logger      *zap.Logger
}

// New builds a Transport bound to cfg.Bind but does not start listening; call
// Start to begin serving inbound peer RPCs.
func New(cfg Config) *Transport {
	obsmetrics.Register()
	srv := &server{bind: cfg.Bind}
	if cfg.ServerTLS != nil {
		srv.useTLS(cfg.ServerTLS)
	}
	cl := newClient(cfg.CallTimeout)
	if cfg.ClientTLS != nil {
		cl.useTLS(cfg.ClientTLS)
	}
	return &Transport{
		self:     cfg.Self,
		resolver: cfg.Resolver,
		logger:   cfg.Logger,
		srv:      srv,
		cl:       cl,
	}
}

// Handlers implements chronicle.PeerTransport.
func (t *Transport) Handlers(h chronicle.PeerTransportHandlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

// SetStatusProvider registers the callback the Status RPC answers with.
func (t *Transport) SetStatusProvider(fn func() StatusSnapshot) {
	t.mu.Lock()
	t.statusFunc = fn
	t.mu.Unlock()
}

// Start begins serving inbound peer RPCs, dispatching to whatever handlers
// were registered via Handlers before this call.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.RLock()
	h := t.handlers
	sf := t.statusFunc
	t.mu.RUnlock()
	return t.srv.start(ctx, h, sf)
}

// QueryStatus dials addr directly (bypassing the peer resolver, since the
// caller — typically the CLI — already has a raw address) and returns its
// reported StatusSnapshot.
func (t *Transport) QueryStatus(ctx context.Context, addr string) (StatusSnapshot, error) {
	resp, err := t.cl.status(ctx, addr)
	if err != nil {
		return StatusSnapshot{}, err
	}
	out := StatusSnapshot{State: resp.State, HasLeader: resp.HasLeader}
	if resp.HasLeader {
		out.Leader = fromWireLeaderInfo(resp.Leader)
	}
	return out, nil
}

// Addr returns the bound listen address, resolved once Start has run.
func (t *Transport) Addr() string { return t.srv.addr() }

// Stop gracefully shuts down the listening server.
func (t *Transport) Stop(ctx context.Context) { t.srv.stop(ctx) }

func (t *Transport) addrOf(peer chronicle.PeerID) (string, bool) {
	if t.resolver == nil {
		return "", false
	}
	return t.resolver.Addr(peer)
}

func (t *Transport) observe(method string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	obsmetrics.PeerRequestsTotal.WithLabelValues(method, result).Inc()
	obsmetrics.PeerRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// SendHeartbeat implements chronicle.PeerTransport: fire-and-forget,
// dropped silently if the peer is unresolvable or unreachable.
func (t *Transport) SendHeartbeat(peer chronicle.PeerID, info chronicle.LeaderInfo) {
	addr, ok := t.addrOf(peer)
	if !ok {
		return
	}
	cid := uuid.NewString()
	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := t.cl.heartbeat(ctx, addr, &heartbeatMsg{CorrelationID: cid, From: string(t.self), Info: toWireLeaderInfo(info)})
		t.observe("heartbeat", start, err)
		if err != nil {
			logutil.Debugf(t.logger, "heartbeat[%s] to %s failed: %v", cid, peer, err)
		}
	}()
}

// SendSteppingDown implements chronicle.PeerTransport: fire-and-forget.
func (t *Transport) SendSteppingDown(peer chronicle.PeerID, info chronicle.LeaderInfo) {
	addr, ok := t.addrOf(peer)
	if !ok {
		return
	}
	cid := uuid.NewString()
	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := t.cl.steppingDown(ctx, addr, &steppingDownMsg{CorrelationID: cid, From: string(t.self), Info: toWireLeaderInfo(info)})
		t.observe("stepping_down", start, err)
		if err != nil {
			logutil.Debugf(t.logger, "stepping_down[%s] to %s failed: %v", cid, peer, err)
		}
	}()
}

// RequestVote implements chronicle.PeerTransport.
func (t *Transport) RequestVote(ctx context.Context, peer chronicle.PeerID, candidate chronicle.PeerID, hid chronicle.HistoryID, position chronicle.LogPosition) (chronicle.VoteReply, error) {
	addr, ok := t.addrOf(peer)
	if !ok {
		return chronicle.VoteReply{}, fmt.Errorf("peertransport/grpc: no address for peer %s", peer)
	}
	start := time.Now()
	resp, err := t.cl.requestVote(ctx, addr, &requestVoteReq{
		CorrelationID: uuid.NewString(),
		From:          string(t.self),
		Candidate:     string(candidate),
		HistoryID:     string(hid),
		Position:      toWirePosition(position),
	})
	t.observe("request_vote", start, err)
	if err != nil {
		return chronicle.VoteReply{}, err
	}
	return fromWireVoteReply(*resp), nil
}

// RequestCheckMember implements chronicle.PeerTransport.
func (t *Transport) RequestCheckMember(ctx context.Context, peer chronicle.PeerID, hid chronicle.HistoryID, self chronicle.PeerID, selfID chronicle.PeerID, selfSeqno uint64) (chronicle.CheckMemberReply, error) {
	addr, ok := t.addrOf(peer)
	if !ok {
		return chronicle.CheckMemberReply{}, fmt.Errorf("peertransport/grpc: no address for peer %s", peer)
	}
	start := time.Now()
	resp, err := t.cl.checkMember(ctx, addr, &checkMemberReq{
		CorrelationID: uuid.NewString(),
		From:          string(self),
		HistoryID:     string(hid),
		Peer:          string(self),
		PeerID:        string(selfID),
		PeerSeqno:     selfSeqno,
	})
	t.observe("check_member", start, err)
	if err != nil {
		return chronicle.CheckMemberReply{}, err
	}
	return chronicle.CheckMemberReply{IsMember: resp.IsMember, Err: resp.Err}, nil
}

var _ chronicle.PeerTransport = (*Transport)(nil)
