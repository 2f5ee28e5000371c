package chronicle

import "time"

// waiterRegistry tracks blocked WaitForLeader callers. All access happens
// from the FSM's actor goroutine: registration happens when handling
// evWaitForLeader, and the registry is drained whenever a publish yields a
// new visible leader.
type waiterRegistry struct {
	entries map[*waiterEntry]struct{}
}

type waiterEntry struct {
	incarnation Incarnation
	reply       chan leaderLookupResult
	timer       *time.Timer
	replied     bool
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{entries: make(map[*waiterEntry]struct{})}
}

// add registers a waiter and arms its per-call timeout timer. onTimeout is
// invoked from the timer's own goroutine and must only enqueue a mailbox
// event, never touch FSM state directly.
func (w *waiterRegistry) add(incarnation Incarnation, reply chan leaderLookupResult, timeout time.Duration, onTimeout func(*waiterEntry)) *waiterEntry {
	e := &waiterEntry{incarnation: incarnation, reply: reply}
	e.timer = time.AfterFunc(timeout, func() { onTimeout(e) })
	w.entries[e] = struct{}{}
	return e
}

// notify replies to and deregisters every waiter whose incarnation differs
// from info's — a waiter already holding the current incarnation keeps
// waiting for the next one.
func (w *waiterRegistry) notify(info LeaderInfo) {
	inc := info.Incarnation()
	for e := range w.entries {
		if e.incarnation == inc {
			continue
		}
		w.reply(e, leaderLookupResult{info: info, ok: true})
	}
}

func (w *waiterRegistry) reply(e *waiterEntry, res leaderLookupResult) {
	if e.replied {
		return
	}
	e.replied = true
	e.timer.Stop()
	delete(w.entries, e)
	select {
	case e.reply <- res:
	default:
	}
}

// timeoutFire is called from the actor loop after onTimeout enqueued the
// expiry; it is idempotent against a concurrent notify.
func (w *waiterRegistry) timeoutFire(e *waiterEntry) {
	if _, ok := w.entries[e]; !ok {
		return
	}
	w.reply(e, leaderLookupResult{})
}
