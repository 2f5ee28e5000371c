package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
	"github.com/chronicle-db/chronicle/pkg/observability/tracing"
)

// StatusSnapshot is what a node reports in answer to the Status RPC, a
// convenience endpoint the CLI uses that sits outside chronicle.PeerTransport
// (which has no concept of an operator-facing status query).
type StatusSnapshot struct {
	State     string
	HasLeader bool
	Leader    chronicle.LeaderInfo
}

// peerServer is the gRPC-shaped view of chronicle.PeerTransportHandlers plus
// the Status convenience call.
type peerServer interface {
	Heartbeat(ctx context.Context, in *heartbeatMsg) (*empty, error)
	SteppingDown(ctx context.Context, in *steppingDownMsg) (*empty, error)
	RequestVote(ctx context.Context, in *requestVoteReq) (*requestVoteResp, error)
	CheckMember(ctx context.Context, in *checkMemberReq) (*checkMemberResp, error)
	Status(ctx context.Context, in *empty) (*statusResp, error)
}

type peerServerImpl struct {
	handlers   chronicle.PeerTransportHandlers
	statusFunc func() StatusSnapshot
}

func (s *peerServerImpl) Status(ctx context.Context, _ *empty) (*statusResp, error) {
	_, end := tracing.StartSpan(ctx, "peer.status")
	defer end()
	if s.statusFunc == nil {
		return &statusResp{State: "unknown"}, nil
	}
	snap := s.statusFunc()
	out := &statusResp{State: snap.State, HasLeader: snap.HasLeader}
	if snap.HasLeader {
		out.Leader = toWireLeaderInfo(snap.Leader)
	}
	return out, nil
}

func (s *peerServerImpl) Heartbeat(ctx context.Context, in *heartbeatMsg) (*empty, error) {
	_, end := tracing.StartSpan(ctx, "peer.heartbeat")
	defer end()
	if s.handlers.OnHeartbeat != nil {
		s.handlers.OnHeartbeat(chronicle.PeerID(in.From), fromWireLeaderInfo(in.Info))
	}
	return &empty{}, nil
}

func (s *peerServerImpl) SteppingDown(ctx context.Context, in *steppingDownMsg) (*empty, error) {
	_, end := tracing.StartSpan(ctx, "peer.stepping_down")
	defer end()
	if s.handlers.OnSteppingDown != nil {
		s.handlers.OnSteppingDown(chronicle.PeerID(in.From), fromWireLeaderInfo(in.Info))
	}
	return &empty{}, nil
}

func (s *peerServerImpl) RequestVote(ctx context.Context, in *requestVoteReq) (*requestVoteResp, error) {
	_, end := tracing.StartSpan(ctx, "peer.request_vote")
	defer end()
	if s.handlers.OnRequestVote == nil {
		return &requestVoteResp{Granted: false, Reason: string(chronicle.RejectAgent)}, nil
	}
	reply := s.handlers.OnRequestVote(chronicle.PeerID(in.From), chronicle.PeerID(in.Candidate), chronicle.HistoryID(in.HistoryID), fromWirePosition(in.Position))
	out := toWireVoteReply(reply)
	return &out, nil
}

func (s *peerServerImpl) CheckMember(ctx context.Context, in *checkMemberReq) (*checkMemberResp, error) {
	_, end := tracing.StartSpan(ctx, "peer.check_member")
	defer end()
	if s.handlers.OnCheckMember == nil {
		return &checkMemberResp{IsMember: true}, nil
	}
	reply := s.handlers.OnCheckMember(chronicle.PeerID(in.From), chronicle.HistoryID(in.HistoryID), chronicle.PeerID(in.Peer), chronicle.PeerID(in.PeerID), in.PeerSeqno)
	return &checkMemberResp{IsMember: reply.IsMember, Err: reply.Err}, nil
}

var _Peer_serviceDesc = grpc.ServiceDesc{
	ServiceName: "chronicle.v1.Peer",
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: _Peer_Heartbeat_Handler},
		{MethodName: "SteppingDown", Handler: _Peer_SteppingDown_Handler},
		{MethodName: "RequestVote", Handler: _Peer_RequestVote_Handler},
		{MethodName: "CheckMember", Handler: _Peer_CheckMember_Handler},
		{MethodName: "Status", Handler: _Peer_Status_Handler},
	},
}

func _Peer_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/chronicle.v1.Peer/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).Status(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_Heartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(heartbeatMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/chronicle.v1.Peer/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).Heartbeat(ctx, req.(*heartbeatMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_SteppingDown_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(steppingDownMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).SteppingDown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/chronicle.v1.Peer/SteppingDown"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).SteppingDown(ctx, req.(*steppingDownMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_RequestVote_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(requestVoteReq)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/chronicle.v1.Peer/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).RequestVote(ctx, req.(*requestVoteReq))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_CheckMember_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(checkMemberReq)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).CheckMember(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/chronicle.v1.Peer/CheckMember"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).CheckMember(ctx, req.(*checkMemberReq))
	}
	return interceptor(ctx, in, info, handler)
}

// server owns the listening side of the peer transport: a gRPC server
// registered with the JSON codec and the standard health service.
type server struct {
	bind   string
	lis    net.Listener
	srv    *grpc.Server
	tlsCfg *tls.Config
}

func (s *server) useTLS(cfg *tls.Config) { s.tlsCfg = cfg }

func (s *server) start(ctx context.Context, handlers chronicle.PeerTransportHandlers, statusFunc func() StatusSnapshot) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	srv.RegisterService(&_Peer_serviceDesc, &peerServerImpl{handlers: handlers, statusFunc: statusFunc})

	go func() {
		<-ctx.Done()
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

func (s *server) addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *server) stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	ch := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		s.srv.Stop()
	}
	s.srv = nil
}
