package grpc

import (
	"testing"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
)

func TestWireTerm_RoundTrips(t *testing.T) {
	in := chronicle.Term{Number: 42, Hint: "n1"}
	got := fromWireTerm(toWireTerm(in))
	if got != in {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}

func TestWirePosition_RoundTrips(t *testing.T) {
	in := chronicle.LogPosition{TermVoted: chronicle.Term{Number: 3, Hint: "n2"}, HighSeqno: 99}
	got := fromWirePosition(toWirePosition(in))
	if got != in {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}

func TestWireLeaderInfo_RoundTrips(t *testing.T) {
	in := chronicle.LeaderInfo{
		Leader:    "n1",
		HistoryID: "h1",
		Term:      chronicle.Term{Number: 7, Hint: "n1"},
		Status:    chronicle.StatusEstablished,
	}
	got := fromWireLeaderInfo(toWireLeaderInfo(in))
	if got != in {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}

func TestWireVoteReply_RoundTripsWithoutHaveLeader(t *testing.T) {
	in := chronicle.VoteReply{Granted: true, LatestTerm: chronicle.Term{Number: 5}}
	got := fromWireVoteReply(toWireVoteReply(in))
	if got.Granted != in.Granted || got.LatestTerm != in.LatestTerm || got.HaveLeader != nil {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}

func TestWireVoteReply_RoundTripsWithHaveLeader(t *testing.T) {
	leader := chronicle.LeaderInfo{Leader: "n2", HistoryID: "h1", Term: chronicle.Term{Number: 5, Hint: "n2"}, Status: chronicle.StatusEstablished}
	in := chronicle.VoteReply{
		Granted:    false,
		LatestTerm: chronicle.Term{Number: 5},
		Reason:     chronicle.RejectHaveLeader,
		HaveLeader: &leader,
	}
	got := fromWireVoteReply(toWireVoteReply(in))
	if got.Granted != in.Granted || got.Reason != in.Reason {
		t.Fatalf("got %+v, want %+v", got, in)
	}
	if got.HaveLeader == nil || *got.HaveLeader != leader {
		t.Fatalf("got HaveLeader %+v, want %+v", got.HaveLeader, leader)
	}
}

func TestStaticResolver_AddrLooksUpKnownAndUnknownPeers(t *testing.T) {
	r := StaticResolver{"n1": "127.0.0.1:9001"}
	if addr, ok := r.Addr("n1"); !ok || addr != "127.0.0.1:9001" {
		t.Fatalf("got %q, %v", addr, ok)
	}
	if _, ok := r.Addr("n2"); ok {
		t.Fatal("expected unknown peer to miss")
	}
}
