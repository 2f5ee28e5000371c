package chronicle

import "testing"

func TestTerm_CompareOrdersByNumberOnly(t *testing.T) {
	a := Term{Number: 3, Hint: "n1"}
	b := Term{Number: 3, Hint: "n2"}
	if a.Compare(b) != 0 {
		t.Fatalf("expected equal terms with different hints to compare 0")
	}
	if (Term{Number: 2}).Compare(Term{Number: 3}) != -1 {
		t.Fatal("expected lower number to compare -1")
	}
	if (Term{Number: 5}).Compare(Term{Number: 3}) != 1 {
		t.Fatal("expected higher number to compare 1")
	}
}

func TestNextTerm(t *testing.T) {
	got := NextTerm(Term{Number: 4, Hint: "old"}, "candidate")
	if got.Number != 5 || got.Hint != "candidate" {
		t.Fatalf("got %+v", got)
	}
}

func TestLogPosition_CompareLexicographic(t *testing.T) {
	older := LogPosition{TermVoted: Term{Number: 1}, HighSeqno: 100}
	newer := LogPosition{TermVoted: Term{Number: 2}, HighSeqno: 1}
	if !older.Behind(newer) {
		t.Fatal("expected lower term to be behind regardless of seqno")
	}

	same := LogPosition{TermVoted: Term{Number: 1}, HighSeqno: 50}
	ahead := LogPosition{TermVoted: Term{Number: 1}, HighSeqno: 51}
	if !same.Behind(ahead) {
		t.Fatal("expected lower seqno at the same term to be behind")
	}
	if ahead.Behind(same) {
		t.Fatal("expected higher seqno at the same term not to be behind")
	}
	if same.Behind(same) {
		t.Fatal("a position is never behind itself")
	}
}

func TestMajority_HasQuorum(t *testing.T) {
	set := map[PeerID]struct{}{"a": {}, "b": {}, "c": {}}
	m := Majority{Set: set}

	if m.HasQuorum(map[PeerID]struct{}{"a": {}}) {
		t.Fatal("one of three should not be a majority")
	}
	if !m.HasQuorum(map[PeerID]struct{}{"a": {}, "b": {}}) {
		t.Fatal("two of three should be a majority")
	}
	if (Majority{}).HasQuorum(map[PeerID]struct{}{}) {
		t.Fatal("an empty set can never have quorum")
	}
}

func TestAll_HasQuorumRequiresEveryMember(t *testing.T) {
	set := map[PeerID]struct{}{"a": {}, "b": {}}
	a := All{Set: set}
	if a.HasQuorum(map[PeerID]struct{}{"a": {}}) {
		t.Fatal("missing b should fail All")
	}
	if !a.HasQuorum(map[PeerID]struct{}{"a": {}, "b": {}, "c": {}}) {
		t.Fatal("extra votes beyond the set should still satisfy All")
	}
}

func TestJoint_HasQuorumRequiresBoth(t *testing.T) {
	q1 := Majority{Set: map[PeerID]struct{}{"a": {}, "b": {}}}
	q2 := Majority{Set: map[PeerID]struct{}{"c": {}, "d": {}, "e": {}}}
	j := Joint{Q1: q1, Q2: q2}

	if j.HasQuorum(map[PeerID]struct{}{"a": {}, "c": {}, "d": {}}) {
		t.Fatal("q1 (a,b) has only 'a' out of two, should fail the joint quorum")
	}
	if !j.HasQuorum(map[PeerID]struct{}{"a": {}, "b": {}, "c": {}, "d": {}}) {
		t.Fatal("both halves satisfied should satisfy the joint quorum")
	}
}

func TestLeaderInfo_Incarnation(t *testing.T) {
	li := LeaderInfo{Leader: "n1", HistoryID: "h1", Term: Term{Number: 2, Hint: "n1"}, Status: StatusEstablished}
	inc := li.Incarnation()
	if inc.Leader != "n1" || inc.HistoryID != "h1" || inc.Term.Number != 2 {
		t.Fatalf("got %+v", inc)
	}
	li2 := li
	li2.Status = statusInactive
	if li2.Incarnation() != inc {
		t.Fatal("Incarnation must ignore Status")
	}
}
