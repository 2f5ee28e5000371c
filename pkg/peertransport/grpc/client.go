package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

type client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
	cm      *connManager
}

func newClient(timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &client{timeout: timeout}
}

func (c *client) useTLS(cfg *tls.Config) { c.tlsCfg = cfg }

func (c *client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

func (c *client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	if c.cm == nil {
		c.cm = newConnManager(30*time.Second, c.dialCtx)
	}
	return c.cm.get(ctx, addr)
}

func (c *client) heartbeat(ctx context.Context, addr string, req *heartbeatMsg) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	return cc.Invoke(cctx, "/chronicle.v1.Peer/Heartbeat", req, new(empty))
}

func (c *client) steppingDown(ctx context.Context, addr string, req *steppingDownMsg) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	return cc.Invoke(cctx, "/chronicle.v1.Peer/SteppingDown", req, new(empty))
}

func (c *client) requestVote(ctx context.Context, addr string, req *requestVoteReq) (*requestVoteResp, error) {
	cc, rel, err := c.getConn(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer rel()
	out := new(requestVoteResp)
	if err := cc.Invoke(ctx, "/chronicle.v1.Peer/RequestVote", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) checkMember(ctx context.Context, addr string, req *checkMemberReq) (*checkMemberResp, error) {
	cc, rel, err := c.getConn(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer rel()
	out := new(checkMemberResp)
	if err := cc.Invoke(ctx, "/chronicle.v1.Peer/CheckMember", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) status(ctx context.Context, addr string) (*statusResp, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return nil, err
	}
	defer rel()
	out := new(statusResp)
	if err := cc.Invoke(cctx, "/chronicle.v1.Peer/Status", new(empty), out); err != nil {
		return nil, err
	}
	return out, nil
}
