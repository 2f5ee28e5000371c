// Package bootstrap assembles a pkg/node.Node from a flat Config, the way
// an application (or cmd/chronicled) wants to start a whole chronicle node
// with one call instead of wiring every collaborator by hand.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
	"github.com/chronicle-db/chronicle/pkg/node"
	tlsx "github.com/chronicle-db/chronicle/pkg/security/tlsconfig"
)

// Config defines the high-level inputs to assemble a chronicle node with
// sensible defaults.
type Config struct {
	Self   string
	SelfID string

	DataDir  string
	PeerBind string
	// PeersCSV is a comma-separated list of "peerID=host:port" entries,
	// including Self.
	PeersCSV string

	MemberBind      string
	MemberAdvertise string
	// SeedsCSV is a comma-separated list of gossip rendezvous addresses.
	SeedsCSV string

	// AdminBind, if non-empty, starts the read-only admin HTTP surface
	// (/leader, /status, /healthz, /metrics) on this address.
	AdminBind string

	Bootstrap bool

	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	HeartbeatInterval   time.Duration
	ObserverMultiplier  int
	CandidateMultiplier int
	FollowerMultiplier  int
	MaxBackoff          int
	ExtraWaitTime       time.Duration
	CheckMemberAfter    time.Duration
	CheckMemberTimeout  time.Duration

	Logger *zap.Logger
}

// ParsePeers parses a "id=addr,id=addr" list into a peer map.
func ParsePeers(csv string) (map[chronicle.PeerID]string, error) {
	out := map[chronicle.PeerID]string{}
	for _, part := range splitCSV(csv) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("bootstrap: invalid peer entry %q, want id=host:port", part)
		}
		out[chronicle.PeerID(kv[0])] = kv[1]
	}
	return out, nil
}

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Build assembles a node.Node from cfg without starting it.
func Build(cfg Config) (*node.Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Self == "" {
		return nil, fmt.Errorf("bootstrap: missing Self")
	}
	peers, err := ParsePeers(cfg.PeersCSV)
	if err != nil {
		return nil, err
	}

	var serverTLS, clientTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{
			Enable:             true,
			CAFile:             cfg.TLSCA,
			CertFile:           cfg.TLSCert,
			KeyFile:            cfg.TLSKey,
			InsecureSkipVerify: cfg.TLSSkipVerify,
			ServerName:         cfg.TLSServerName,
		}
		if serverTLS, err = topts.ServerHotReload(); err != nil {
			return nil, err
		}
		if clientTLS, err = topts.ClientHotReload(); err != nil {
			return nil, err
		}
	}

	selfID := cfg.SelfID
	if selfID == "" {
		selfID = cfg.Self
	}

	seeds := splitCSV(cfg.SeedsCSV)

	return node.Build(node.Config{
		Self:                chronicle.PeerID(cfg.Self),
		SelfID:              chronicle.PeerID(selfID),
		DataDir:             cfg.DataDir,
		PeerBind:            cfg.PeerBind,
		Peers:               peers,
		MemberBind:          cfg.MemberBind,
		MemberAdvertise:     cfg.MemberAdvertise,
		Seeds:               seeds,
		AdminBind:           cfg.AdminBind,
		AdminTLS:            serverTLS,
		ServerTLS:           serverTLS,
		ClientTLS:           clientTLS,
		Logger:              cfg.Logger,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		ObserverMultiplier:  cfg.ObserverMultiplier,
		CandidateMultiplier: cfg.CandidateMultiplier,
		FollowerMultiplier:  cfg.FollowerMultiplier,
		MaxBackoff:          cfg.MaxBackoff,
		ExtraWaitTime:       cfg.ExtraWaitTime,
		CheckMemberAfter:    cfg.CheckMemberAfter,
		CheckMemberTimeout:  cfg.CheckMemberTimeout,
		Bootstrap:           cfg.Bootstrap,
	})
}

// Run builds and starts a node, returning it for lifecycle control. The
// caller must call Close when finished.
func Run(ctx context.Context, cfg Config) (*node.Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}
