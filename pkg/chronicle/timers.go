package chronicle

import (
	"math/rand"
	"time"
)

// timerSet holds the FSM's named timers. State-scoped timers are canceled
// on every state exit (invariant 2); check_member is not state-scoped and
// survives transitions among the states it applies to.
type timerSet struct {
	rng    *rand.Rand
	stamp  map[string]*time.Timer
	gens   map[string]uint64
	fire   chan timerFired
	curGen uint64
}

type timerFired struct {
	name string
	gen  uint64
}

func newTimerSet(seed int64) *timerSet {
	return &timerSet{
		rng:   rand.New(rand.NewSource(seed)),
		stamp: make(map[string]*time.Timer),
		gens:  make(map[string]uint64),
		fire:  make(chan timerFired, 8),
	}
}

// nextGen guards against a timer that fired concurrently with a
// cancellation; the FSM compares the generation carried in timerFired
// against the one current when handling it and drops stale fires. Each
// FSM owns its own timerSet, so this only needs to be unique per instance,
// not process-wide.
func (t *timerSet) nextGen() uint64 { t.curGen++; return t.curGen }

func (t *timerSet) set(name string, d time.Duration) {
	t.cancel(name)
	gen := t.nextGen()
	t.stamp[name] = time.AfterFunc(d, func() {
		select {
		case t.fire <- timerFired{name: name, gen: gen}:
		default:
		}
	})
	t.gens[name] = gen
}

func (t *timerSet) isCurrent(f timerFired) bool { return t.gens[f.name] == f.gen }

func (t *timerSet) cancel(name string) {
	if tm, ok := t.stamp[name]; ok {
		tm.Stop()
		delete(t.stamp, name)
	}
}

// cancelAllStateScoped cancels every timer except check_member, which is
// not state-scoped and survives transitions among the states it applies to.
func (t *timerSet) cancelAllStateScoped() {
	for name := range t.stamp {
		if name == timerCheckMember {
			continue
		}
		t.cancel(name)
	}
}

func (t *timerSet) cancelAll() {
	for name := range t.stamp {
		t.cancel(name)
	}
}

const (
	timerState        = "state"
	timerSendHeartbeat = "send_heartbeat"
	timerCheckMember   = "check_member"
)

// observerWait returns H + rand(1..Mult_obs*backoff*H).
func (t *timerSet) observerWait(h time.Duration, mult, backoff int) time.Duration {
	upper := int64(h) * int64(mult) * int64(backoff)
	if upper <= 0 {
		return h
	}
	return h + time.Duration(1+t.rng.Int63n(upper))
}
