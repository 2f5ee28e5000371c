package chronicle

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Options carries the dependency-injected collaborators and the tuning
// knobs for a single Leader FSM instance.
type Options struct {
	Self PeerID

	Agent     Agent
	Transport PeerTransport
	Monitor   PeerMonitor
	Bus       EventBus
	Proposer  Proposer

	Logger *zap.Logger

	// Fatal is invoked on a detected local invariant failure. It defaults
	// to logging and exiting the process.
	Fatal FatalFunc

	// HeartbeatInterval is H, the base timing unit.
	HeartbeatInterval time.Duration
	// ObserverMultiplier bounds the randomized observer wait (Mult_obs).
	ObserverMultiplier int
	// CandidateMultiplier scales the candidate timeout (Mult_cand).
	CandidateMultiplier int
	// FollowerMultiplier scales the follower/voted timeout (Mult_foll).
	FollowerMultiplier int
	// MaxBackoff ceilings the exponential backoff factor.
	MaxBackoff int
	// ExtraWaitTime is the post-quorum wait for higher terms.
	ExtraWaitTime time.Duration
	// CheckMemberAfter is the idle period before a membership probe.
	CheckMemberAfter time.Duration
	// CheckMemberTimeout bounds time spent in CheckMember.
	CheckMemberTimeout time.Duration
	// MailboxSize bounds the FSM's inbound event buffer.
	MailboxSize int
}

// WithDefaults returns a copy of o with zero-valued knobs set to sensible
// production defaults.
func (o Options) WithDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 100 * time.Millisecond
	}
	if o.ObserverMultiplier <= 0 {
		o.ObserverMultiplier = 5
	}
	if o.CandidateMultiplier <= 0 {
		o.CandidateMultiplier = 50
	}
	if o.FollowerMultiplier <= 0 {
		o.FollowerMultiplier = 20
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 16
	}
	if o.ExtraWaitTime <= 0 {
		o.ExtraWaitTime = 10 * time.Millisecond
	}
	if o.CheckMemberAfter <= 0 {
		o.CheckMemberAfter = 10 * time.Second
	}
	if o.CheckMemberTimeout <= 0 {
		o.CheckMemberTimeout = 10 * time.Second
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 64
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Validate checks that the required collaborators are present.
func (o Options) Validate() error {
	if o.Self == "" {
		return errors.New("chronicle: empty Self peer id")
	}
	if o.Agent == nil {
		return errors.New("chronicle: nil Agent")
	}
	if o.Transport == nil {
		return errors.New("chronicle: nil Transport")
	}
	if o.Monitor == nil {
		return errors.New("chronicle: nil Monitor")
	}
	if o.Bus == nil {
		return errors.New("chronicle: nil Bus")
	}
	return nil
}
