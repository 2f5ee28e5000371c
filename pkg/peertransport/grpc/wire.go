// Package grpc implements chronicle.PeerTransport over gRPC using a
// hand-written service descriptor and a JSON wire codec, so the peer
// protocol needs no protobuf code generation step.
package grpc

import (
	"github.com/chronicle-db/chronicle/pkg/chronicle"
)

type wireTerm struct {
	Number uint64 `json:"number"`
	Hint   string `json:"hint,omitempty"`
}

func toWireTerm(t chronicle.Term) wireTerm {
	return wireTerm{Number: t.Number, Hint: string(t.Hint)}
}

func fromWireTerm(t wireTerm) chronicle.Term {
	return chronicle.Term{Number: t.Number, Hint: chronicle.PeerID(t.Hint)}
}

type wirePosition struct {
	TermVoted wireTerm `json:"term_voted"`
	HighSeqno uint64   `json:"high_seqno"`
}

func toWirePosition(p chronicle.LogPosition) wirePosition {
	return wirePosition{TermVoted: toWireTerm(p.TermVoted), HighSeqno: p.HighSeqno}
}

func fromWirePosition(p wirePosition) chronicle.LogPosition {
	return chronicle.LogPosition{TermVoted: fromWireTerm(p.TermVoted), HighSeqno: p.HighSeqno}
}

type wireLeaderInfo struct {
	Leader    string   `json:"leader"`
	HistoryID string   `json:"history_id"`
	Term      wireTerm `json:"term"`
	Status    string   `json:"status"`
}

func toWireLeaderInfo(i chronicle.LeaderInfo) wireLeaderInfo {
	return wireLeaderInfo{
		Leader:    string(i.Leader),
		HistoryID: string(i.HistoryID),
		Term:      toWireTerm(i.Term),
		Status:    string(i.Status),
	}
}

func fromWireLeaderInfo(i wireLeaderInfo) chronicle.LeaderInfo {
	return chronicle.LeaderInfo{
		Leader:    chronicle.PeerID(i.Leader),
		HistoryID: chronicle.HistoryID(i.HistoryID),
		Term:      fromWireTerm(i.Term),
		Status:    chronicle.LeaderStatus(i.Status),
	}
}

type heartbeatMsg struct {
	CorrelationID string         `json:"cid,omitempty"`
	From          string         `json:"from"`
	Info          wireLeaderInfo `json:"info"`
}

type steppingDownMsg struct {
	CorrelationID string         `json:"cid,omitempty"`
	From          string         `json:"from"`
	Info          wireLeaderInfo `json:"info"`
}

type empty struct{}

type requestVoteReq struct {
	CorrelationID string       `json:"cid,omitempty"`
	From          string       `json:"from"`
	Candidate     string       `json:"candidate"`
	HistoryID     string       `json:"history_id"`
	Position      wirePosition `json:"position"`
}

type requestVoteResp struct {
	Granted    bool            `json:"granted"`
	LatestTerm wireTerm        `json:"latest_term"`
	Reason     string          `json:"reason,omitempty"`
	HaveLeader *wireLeaderInfo `json:"have_leader,omitempty"`
}

func toWireVoteReply(r chronicle.VoteReply) requestVoteResp {
	out := requestVoteResp{
		Granted:    r.Granted,
		LatestTerm: toWireTerm(r.LatestTerm),
		Reason:     string(r.Reason),
	}
	if r.HaveLeader != nil {
		w := toWireLeaderInfo(*r.HaveLeader)
		out.HaveLeader = &w
	}
	return out
}

func fromWireVoteReply(r requestVoteResp) chronicle.VoteReply {
	out := chronicle.VoteReply{
		Granted:    r.Granted,
		LatestTerm: fromWireTerm(r.LatestTerm),
		Reason:     chronicle.VoteRejectReason(r.Reason),
	}
	if r.HaveLeader != nil {
		li := fromWireLeaderInfo(*r.HaveLeader)
		out.HaveLeader = &li
	}
	return out
}

type checkMemberReq struct {
	CorrelationID string `json:"cid,omitempty"`
	From          string `json:"from"`
	HistoryID     string `json:"history_id"`
	Peer          string `json:"peer"`
	PeerID        string `json:"peer_id"`
	PeerSeqno     uint64 `json:"peer_seqno"`
}

type checkMemberResp struct {
	IsMember bool   `json:"is_member"`
	Err      string `json:"err,omitempty"`
}

type statusResp struct {
	State     string         `json:"state"`
	HasLeader bool           `json:"has_leader"`
	Leader    wireLeaderInfo `json:"leader,omitempty"`
}
