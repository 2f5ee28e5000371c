// Package proposer provides a minimal reference chronicle.Proposer: it logs
// leadership transitions and exposes the current established incarnation,
// so that wiring tests and cmd/chronicled have something concrete to inject
// without pulling in the replicated log itself, which is out of this
// subsystem's scope.
package proposer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
	"github.com/chronicle-db/chronicle/pkg/internal/logutil"
)

// Logging is a reference chronicle.Proposer that just tracks the current
// incarnation and logs transitions. It has no replicated log of its own to
// commit a barrier write through, so it confirms every tentative term
// immediately instead of waiting on a real quorum commit.
type Logging struct {
	logger *zap.Logger
	fsm    *chronicle.FSM

	mu      sync.RWMutex
	current chronicle.LeaderInfo
	active  bool
}

// New builds a Logging proposer.
func New(logger *zap.Logger) *Logging {
	return &Logging{logger: logger}
}

// Attach gives the proposer the FSM it confirms tentative terms against.
// Callers must call this after NewFSM but before FSM.Run, mirroring the
// chronicle.Proposer/FSM construction cycle.
func (p *Logging) Attach(fsm *chronicle.FSM) {
	p.fsm = fsm
}

// OnLeaderTentative implements chronicle.Proposer.
func (p *Logging) OnLeaderTentative(info chronicle.LeaderInfo) {
	logutil.Infof(p.logger, "proposer: leader tentative %s term=%s history=%s", info.Leader, info.Term, info.HistoryID)
	p.fsm.NoteTermEstablished(info.HistoryID, info.Term)
}

// OnLeaderEstablished implements chronicle.Proposer.
func (p *Logging) OnLeaderEstablished(info chronicle.LeaderInfo) {
	p.mu.Lock()
	p.current = info
	p.active = true
	p.mu.Unlock()
	logutil.Infof(p.logger, "proposer: leader established %s term=%s history=%s", info.Leader, info.Term, info.HistoryID)
}

// OnLeaderLost implements chronicle.Proposer.
func (p *Logging) OnLeaderLost(info chronicle.LeaderInfo) {
	p.mu.Lock()
	if p.current.Incarnation() == info.Incarnation() {
		p.active = false
	}
	p.mu.Unlock()
	logutil.Infof(p.logger, "proposer: leader lost %s term=%s history=%s", info.Leader, info.Term, info.HistoryID)
}

// Current returns the last-established incarnation and whether it is still
// believed active.
func (p *Logging) Current() (chronicle.LeaderInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, p.active
}

var _ chronicle.Proposer = (*Logging)(nil)
