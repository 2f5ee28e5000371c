package chronicle

import "sync/atomic"

// publisher is the single-writer/many-reader cell holding the
// process-local leader snapshot (C8). The FSM is the only writer; any
// number of readers call Load concurrently without coordination.
type publisher struct {
	ptr atomic.Pointer[LeaderInfo]
}

func newPublisher() *publisher { return &publisher{} }

// Load returns the current snapshot and whether it represents a visible
// (established) leader. A nil or non-established snapshot reports ok=false
// per invariant 3: tentative leaders are never visible to clients.
func (p *publisher) Load() (LeaderInfo, bool) {
	v := p.ptr.Load()
	if v == nil || v.Status != StatusEstablished {
		return LeaderInfo{}, false
	}
	return *v, true
}

// Store swaps in a new snapshot. It returns true when the snapshot's
// incarnation or status actually changed, which the caller uses to decide
// whether to wake waiters.
func (p *publisher) Store(info LeaderInfo) (changed bool) {
	old := p.ptr.Load()
	p.ptr.Store(&info)
	if old == nil {
		return true
	}
	return *old != info
}

// Clear removes the published snapshot, used on transition to Observer
// where no leader is tracked any more.
func (p *publisher) Clear() (changed bool) {
	old := p.ptr.Swap(nil)
	return old != nil
}
