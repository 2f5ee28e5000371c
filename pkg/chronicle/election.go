package chronicle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chronicle-db/chronicle/pkg/internal/logutil"
)

// electionSnapshot is the metadata the election worker needs, taken once
// at spawn time so the worker never touches FSM-owned state concurrently.
type electionSnapshot struct {
	self     PeerID
	hid      HistoryID
	term     Term
	position LogPosition
	quorum   Quorum
	peers    map[PeerID]struct{}
}

// runElectionWorker implements the one-shot Candidate worker. It never
// touches FSM state directly: its only communication with the actor is the
// electionResult value sent on done, exactly once, unless ctx is canceled
// first (forced termination on state exit, invariant 1).
func runElectionWorker(ctx context.Context, f *FSM, snap electionSnapshot, done chan<- electionResult) {
	defer func() {
		if r := recover(); r != nil {
			logutil.Errorf(f.opts.Logger, "election worker panic: %v", r)
			select {
			case done <- electionResult{err: ErrWorkerCrashed}:
			case <-ctx.Done():
			}
		}
	}()

	if _, ok := snap.peers[snap.self]; !ok {
		send(ctx, done, electionResult{err: ErrNotVoter})
		return
	}
	others := make([]PeerID, 0, len(snap.peers))
	for p := range snap.peers {
		if p != snap.self {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		send(ctx, done, electionResult{ok: true, term: snap.term})
		return
	}

	votes := map[PeerID]struct{}{snap.self: {}}
	maxTerm := snap.term
	var votesMu sync.Mutex
	quorumHint := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range others {
		peer := peer
		g.Go(func() error {
			reply, err := f.opts.Transport.RequestVote(gctx, peer, snap.self, snap.hid, snap.position)
			if err != nil {
				logutil.Debugf(f.opts.Logger, "request_vote to %s failed: %v", peer, err)
				return nil
			}
			if !reply.Granted {
				logutil.Debugf(f.opts.Logger, "request_vote to %s refused: %s", peer, reply.Reason)
				votesMu.Lock()
				if reply.LatestTerm.Compare(maxTerm) > 0 {
					maxTerm = reply.LatestTerm
				}
				votesMu.Unlock()
				return nil
			}
			votesMu.Lock()
			votes[peer] = struct{}{}
			if reply.LatestTerm.Compare(maxTerm) > 0 {
				maxTerm = reply.LatestTerm
			}
			hasQuorum := snap.quorum.HasQuorum(votes)
			votesMu.Unlock()
			if hasQuorum {
				// Best-effort nudge; the outer wait loop below is what
				// actually decides when to stop, this just lets it wake
				// promptly instead of polling.
				select {
				case quorumHint <- struct{}{}:
				default:
				}
			}
			return nil
		})
	}

	// Wait for either quorum (with the extra-wait grace period to let
	// stragglers refresh maxTerm) or exhaustion of all replies.
	waitDone := make(chan struct{})
	go func() { _ = g.Wait(); close(waitDone) }()

	extraWaitStarted := false
	var extraTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if extraTimer != nil {
				extraTimer.Stop()
			}
			return
		case <-waitDone:
			votesMu.Lock()
			ok := snap.quorum.HasQuorum(votes)
			term := maxTerm
			votesMu.Unlock()
			if extraTimer != nil {
				extraTimer.Stop()
			}
			if ok {
				send(ctx, done, electionResult{ok: true, term: term})
			} else {
				send(ctx, done, electionResult{err: ErrNoQuorum})
			}
			return
		case <-quorumHint:
			if extraWaitStarted {
				continue
			}
			votesMu.Lock()
			ok := snap.quorum.HasQuorum(votes)
			votesMu.Unlock()
			if !ok {
				continue
			}
			extraWaitStarted = true
			extraTimer = time.NewTimer(f.opts.ExtraWaitTime)
		case <-timerCOrNil(extraTimer):
			votesMu.Lock()
			term := maxTerm
			votesMu.Unlock()
			send(ctx, done, electionResult{ok: true, term: term})
			return
		}
	}
}

func send(ctx context.Context, done chan<- electionResult, r electionResult) {
	select {
	case done <- r:
	case <-ctx.Done():
	}
}

// timerCOrNil returns t.C, or a nil channel (which blocks forever in a
// select) when t is nil, letting a single select loop work whether or not
// the extra-wait timer has been armed yet.
func timerCOrNil(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
