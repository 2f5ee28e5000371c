package chronicle

import "errors"

// ErrNoLeader is returned by GetLeader/WaitForLeader when no established
// leader is currently known.
var ErrNoLeader = errors.New("chronicle: no leader")

// ErrNotVoter is returned by the election worker when self is not a member
// of the configured peer set.
var ErrNotVoter = errors.New("chronicle: self not in configured peer set")

// ErrNoQuorum is returned by the election worker when replies are
// exhausted without reaching quorum.
var ErrNoQuorum = errors.New("chronicle: no quorum reached")

// ErrWorkerCrashed is the result a worker reports after recovering from a
// panic; the panic value itself is logged, not wrapped.
var ErrWorkerCrashed = errors.New("chronicle: worker crashed")

// FatalFunc is invoked when a local invariant failure is detected (two
// established leaders observed for the same history/term). When none is
// injected the FSM logs the reason and exits the process; injecting one lets
// tests observe the fatal path without killing the test binary. An
// unexpected Agent system state at startup does not go through FatalFunc:
// FSM.Run returns it as an error.
type FatalFunc func(reason string, fields ...any)
