package chronicle

import (
	"context"
	"math/rand"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/chronicle-db/chronicle/pkg/internal/logutil"
)

// checkMemberSampleSize bounds how many peers a single probe asks, to keep
// a membership check cheap even against a large cluster.
const checkMemberSampleSize = 5

// checkMemberSnapshot is the metadata the CheckMember worker needs, taken
// once at spawn time.
type checkMemberSnapshot struct {
	self      PeerID
	hid       HistoryID
	highSeqno uint64
	peers     map[PeerID]struct{}
}

// runCheckMemberWorker implements the one-shot membership self-check. It
// samples up to checkMemberSampleSize random peers and asks each whether
// self is still a recognized member of hid; any single ok(false) marks the
// node removed.
func runCheckMemberWorker(ctx context.Context, f *FSM, snap checkMemberSnapshot, done chan<- checkMemberResult) {
	defer func() {
		if r := recover(); r != nil {
			logutil.Errorf(f.opts.Logger, "check_member worker panic: %v", r)
			select {
			case done <- checkMemberResult{err: ErrWorkerCrashed}:
			case <-ctx.Done():
			}
		}
	}()

	others := make([]PeerID, 0, len(snap.peers))
	for p := range snap.peers {
		if p != snap.self {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		select {
		case done <- checkMemberResult{}:
		case <-ctx.Done():
		}
		return
	}
	rand.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })
	if len(others) > checkMemberSampleSize {
		others = others[:checkMemberSampleSize]
	}

	var removedSelf atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range others {
		peer := peer
		g.Go(func() error {
			reply, err := f.opts.Transport.RequestCheckMember(gctx, peer, snap.hid, snap.self, snap.self, snap.highSeqno)
			if err != nil {
				logutil.Debugf(f.opts.Logger, "check_member to %s failed: %v", peer, err)
				return nil
			}
			if reply.Err != "" {
				logutil.Debugf(f.opts.Logger, "check_member to %s errored: %s", peer, reply.Err)
				return nil
			}
			if !reply.IsMember {
				removedSelf.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case done <- checkMemberResult{removedSelf: removedSelf.Load()}:
	case <-ctx.Done():
	}
}
