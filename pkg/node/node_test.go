package node

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeTCPAddr: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

// memberlist binds both a UDP and a TCP socket on the same port, so the
// free port needs to come from a UDP probe the way
// pkg/peermonitor/memberlist's own tests pick one.
func freeUDPAddr(t *testing.T) string {
	t.Helper()
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeUDPAddr: %v", err)
	}
	defer a.Close()
	return a.LocalAddr().String()
}

// A single-node config never calls out over the peer transport to elect
// itself (election.go counts the self vote locally), so it is safe to run
// against real loopback sockets without a second process.
func soloConfig(t *testing.T) Config {
	t.Helper()
	self := chronicle.PeerID("solo")
	peerAddr := freeTCPAddr(t)
	memberAddr := freeUDPAddr(t)
	return Config{
		Self:                self,
		SelfID:              "solo-id",
		DataDir:             t.TempDir(),
		PeerBind:            peerAddr,
		Peers:               map[chronicle.PeerID]string{self: peerAddr},
		MemberBind:          memberAddr,
		MemberAdvertise:     memberAddr,
		Logger:              zap.NewNop(),
		Bootstrap:           true,
		HeartbeatInterval:   10 * time.Millisecond,
		ObserverMultiplier:  3,
		CandidateMultiplier: 5,
		FollowerMultiplier:  20,
		ExtraWaitTime:       2 * time.Millisecond,
	}
}

func TestNode_SoloBootstrapElectsItselfEstablishedLeader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := Run(ctx, soloConfig(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer n.Close()

	info, err := n.WaitForLeader(ctx, chronicle.AnyIncarnation, 5*time.Second)
	if err != nil {
		t.Fatalf("wait for leader: %v", err)
	}
	if info.Leader != "solo" || info.Status != chronicle.StatusEstablished {
		t.Fatalf("got %+v", info)
	}

	got, err := n.Leader(ctx)
	if err != nil || got.Incarnation() != info.Incarnation() {
		t.Fatalf("Leader() = %+v, err=%v; want %+v", got, err, info)
	}
}

func TestNode_StatusReportsLeaderStateAndMemberCount(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := Run(ctx, soloConfig(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer n.Close()

	if _, err := n.WaitForLeader(ctx, chronicle.AnyIncarnation, 5*time.Second); err != nil {
		t.Fatalf("wait for leader: %v", err)
	}

	status, err := n.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.HasLeader || status.Leader.Leader != "solo" {
		t.Fatalf("got %+v", status)
	}
	if status.MemberCount != 1 {
		t.Fatalf("got member count %d, want 1 for a solo node", status.MemberCount)
	}
}

func TestNode_SubscribeDeliversLeaderEstablished(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := Run(ctx, soloConfig(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer n.Close()

	// Subscribe before the first election completes: the FSM waits at
	// least one observer timeout before a solo node even attempts to
	// become a candidate, so subscribing immediately after Run is ahead
	// of the first OnLeaderEstablished by construction.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	events := n.Subscribe(subCtx)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Established && ev.Info.Leader == "solo" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for a leader-established event")
		}
	}
}

func TestNode_KVStoresAndRetrievesValues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := Run(ctx, soloConfig(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer n.Close()

	if err := n.KV().Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := n.KV().Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("get = %q, %v, %v; want v, true, nil", got, ok, err)
	}
	if _, ok, err := n.KV().Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("get missing = ok=%v, err=%v; want ok=false", ok, err)
	}
}

func TestNode_AdminHTTPServesLeaderStatusHealthzMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := soloConfig(t)
	cfg.AdminBind = freeTCPAddr(t)
	n, err := Run(ctx, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer n.Close()

	if _, err := n.WaitForLeader(ctx, chronicle.AnyIncarnation, 5*time.Second); err != nil {
		t.Fatalf("wait for leader: %v", err)
	}

	base := "http://" + cfg.AdminBind
	var resp *http.Response
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		resp, err = http.Get(base + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/leader")
	if err != nil {
		t.Fatalf("leader: %v", err)
	}
	defer resp.Body.Close()
	var info chronicle.LeaderInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode leader: %v", err)
	}
	if info.Leader != "solo" {
		t.Fatalf("got leader %+v", info)
	}

	resp, err = http.Get(base + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var status NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.HasLeader {
		t.Fatalf("got status %+v", status)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}

func TestNode_CloseSucceedsAfterStart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := Run(ctx, soloConfig(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := n.WaitForLeader(ctx, chronicle.AnyIncarnation, 5*time.Second); err != nil {
		t.Fatalf("wait for leader: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
