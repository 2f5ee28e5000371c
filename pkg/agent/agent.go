// Package agent implements a reference chronicle.Agent backed by BoltDB: a
// single-file, transactional key/value store holding the metadata snapshot,
// the per-(history,term) vote record and the system-state marker the Leader
// FSM reads at startup.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
	"github.com/chronicle-db/chronicle/pkg/eventbus"
	"github.com/chronicle-db/chronicle/pkg/internal/logutil"
)

var (
	bucketMeta  = []byte("metadata")
	bucketVotes = []byte("votes")
	bucketState = []byte("system_state")

	keyMeta  = []byte("current")
	keyState = []byte("current")
)

// persistedMeta is the JSON encoding of chronicle.Metadata stored under
// bucketMeta/keyMeta. Config is stored in the order the caller supplied it;
// it is not sorted.
type persistedMeta struct {
	Version       int                 `json:"version"`
	Peer          chronicle.PeerID    `json:"peer"`
	HistoryID     chronicle.HistoryID `json:"history_id"`
	Term          chronicle.Term      `json:"term"`
	Config        []chronicle.PeerID  `json:"config"`
	HighSeqno     uint64              `json:"high_seqno"`
	HighTerm      chronicle.Term      `json:"high_term"`
	PendingBranch bool                `json:"pending_branch"`
	Electable     bool                `json:"electable"`
	Removed       bool                `json:"removed"`
	// JointConfig, when non-empty, is the prior config a reconfiguration
	// is still straddling: CurrentQuorum requires agreement under both
	// Config and JointConfig until CommitConfig clears it.
	JointConfig []chronicle.PeerID `json:"joint_config,omitempty"`
	// Bootstrapping is true from Provision until the first EstablishTerm:
	// the founding peer set has never yet agreed on a term together, so
	// the very first election requires every founding member rather than
	// a bare majority.
	Bootstrapping bool `json:"bootstrapping"`
}

func peerSet(ids []chronicle.PeerID) map[chronicle.PeerID]struct{} {
	set := make(map[chronicle.PeerID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (p persistedMeta) toMetadata() chronicle.Metadata {
	var quorum chronicle.Quorum
	switch {
	case len(p.JointConfig) > 0:
		quorum = chronicle.Joint{
			Q1: chronicle.Majority{Set: peerSet(p.JointConfig)},
			Q2: chronicle.Majority{Set: peerSet(p.Config)},
		}
	case p.Bootstrapping:
		quorum = chronicle.All{Set: peerSet(p.Config)}
	default:
		quorum = chronicle.Majority{Set: peerSet(p.Config)}
	}
	return chronicle.Metadata{
		Peer:          p.Peer,
		HistoryID:     p.HistoryID,
		Term:          p.Term,
		Config:        p.Config,
		HighSeqno:     p.HighSeqno,
		HighTerm:      p.HighTerm,
		PendingBranch: p.PendingBranch,
		Electable:     p.Electable,
		Removed:       p.Removed,
		CurrentQuorum: quorum,
	}
}

// systemStateRecord is the JSON encoding stored under bucketState/keyState.
type systemStateRecord struct {
	State chronicle.SystemState `json:"state"`
}

// Agent is a BoltDB-backed reference implementation of chronicle.Agent. It
// also exposes administrative mutators (Provision, SetConfig,
// EstablishTerm) that a bootstrap/CLI layer drives and that publish the
// corresponding chronicle.MetadataEvent onto the injected event bus — the
// producer side chronicle.EventBus otherwise only has a consumer contract
// for.
type Agent struct {
	db     *bolt.DB
	bus    *eventbus.Bus
	self   chronicle.PeerID
	selfID chronicle.PeerID
	logger *zap.Logger

	// mu serializes the read-check-write sequences (vote idempotency,
	// config/term admin updates) that span more than one bolt transaction
	// worth of invariant checking.
	mu sync.Mutex
}

// Open opens (creating if absent) the bolt database at path and returns a
// ready-to-use Agent.
func Open(path string, self, selfID chronicle.PeerID, bus *eventbus.Bus, logger *zap.Logger) (*Agent, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("agent: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketVotes, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Agent{db: db, bus: bus, self: self, selfID: selfID, logger: logger}, nil
}

// Close releases the underlying bolt file handle.
func (a *Agent) Close() error { return a.db.Close() }

func (a *Agent) readMeta(tx *bolt.Tx) (persistedMeta, bool, error) {
	raw := tx.Bucket(bucketMeta).Get(keyMeta)
	if raw == nil {
		return persistedMeta{}, false, nil
	}
	var pm persistedMeta
	if err := json.Unmarshal(raw, &pm); err != nil {
		return persistedMeta{}, false, err
	}
	return pm, true, nil
}

func (a *Agent) writeMeta(tx *bolt.Tx, pm persistedMeta) error {
	pm.Version = 1
	raw, err := json.Marshal(pm)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put(keyMeta, raw)
}

func (a *Agent) readState(tx *bolt.Tx) (chronicle.SystemState, bool) {
	raw := tx.Bucket(bucketState).Get(keyState)
	if raw == nil {
		return "", false
	}
	var rec systemStateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", false
	}
	return rec.State, true
}

func (a *Agent) writeState(tx *bolt.Tx, st chronicle.SystemState) error {
	raw, err := json.Marshal(systemStateRecord{State: st})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketState).Put(keyState, raw)
}

// GetSystemState implements chronicle.Agent.
func (a *Agent) GetSystemState(ctx context.Context) (chronicle.SystemStateReply, error) {
	var out chronicle.SystemStateReply
	err := a.db.View(func(tx *bolt.Tx) error {
		st, ok := a.readState(tx)
		if !ok {
			st = chronicle.StateJoining
		}
		pm, _, err := a.readMeta(tx)
		if err != nil {
			return err
		}
		out = chronicle.SystemStateReply{State: st, Meta: pm.toMetadata()}
		return nil
	})
	return out, err
}

// GetMetadata implements chronicle.Agent.
func (a *Agent) GetMetadata(ctx context.Context) (chronicle.Metadata, error) {
	var out chronicle.Metadata
	err := a.db.View(func(tx *bolt.Tx) error {
		pm, _, err := a.readMeta(tx)
		if err != nil {
			return err
		}
		out = pm.toMetadata()
		return nil
	})
	return out, err
}

func voteKey(hid chronicle.HistoryID, termNumber uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", hid, termNumber))
}

// CheckGrantVote implements chronicle.Agent: grants when hid matches our
// own history, position is not behind our own, and no other candidate has
// already been granted this (history,term) — a repeat request from the
// same candidate is granted idempotently.
func (a *Agent) CheckGrantVote(ctx context.Context, hid chronicle.HistoryID, candidate chronicle.PeerID, position chronicle.LogPosition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Update(func(tx *bolt.Tx) error {
		pm, ok, err := a.readMeta(tx)
		if err != nil {
			return err
		}
		if !ok || pm.HistoryID != hid {
			return fmt.Errorf("agent: history mismatch granting vote for %s", hid)
		}
		if position.Behind(pm.toMetadata().Position()) {
			return fmt.Errorf("agent: candidate %s position is behind our own", candidate)
		}
		vb := tx.Bucket(bucketVotes)
		key := voteKey(hid, position.TermVoted.Number)
		if existing := vb.Get(key); existing != nil {
			if string(existing) != string(candidate) {
				return fmt.Errorf("agent: already granted term %d to %s, refusing %s", position.TermVoted.Number, existing, candidate)
			}
			return nil
		}
		return vb.Put(key, []byte(candidate))
	})
}

// CheckMember implements chronicle.Agent: peer is a member iff hid matches
// our own history and peerID is present in the current configuration.
func (a *Agent) CheckMember(ctx context.Context, hid chronicle.HistoryID, peer chronicle.PeerID, peerID chronicle.PeerID, peerSeqno uint64) (bool, error) {
	var isMember bool
	err := a.db.View(func(tx *bolt.Tx) error {
		pm, ok, err := a.readMeta(tx)
		if err != nil {
			return err
		}
		if !ok || pm.HistoryID != hid {
			isMember = false
			return nil
		}
		for _, id := range pm.Config {
			if id == peerID {
				isMember = true
				return nil
			}
		}
		return nil
	})
	return isMember, err
}

// MarkRemoved implements chronicle.Agent: persists removal and publishes
// EvSystemStateRemoved so any local subscriber (including a future restart
// of the Leader FSM) observes it without polling.
func (a *Agent) MarkRemoved(ctx context.Context, self chronicle.PeerID, selfID chronicle.PeerID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var pm persistedMeta
	err := a.db.Update(func(tx *bolt.Tx) error {
		var ok bool
		var err error
		pm, ok, err = a.readMeta(tx)
		if err != nil {
			return err
		}
		if !ok {
			pm.Peer = self
		}
		pm.Removed = true
		pm.Electable = false
		if err := a.writeMeta(tx, pm); err != nil {
			return err
		}
		return a.writeState(tx, chronicle.StateRemoved)
	})
	if err != nil {
		return err
	}
	if a.bus != nil {
		a.bus.Publish(chronicle.MetadataEvent{
			Kind:      chronicle.EvSystemStateRemoved,
			HistoryID: pm.HistoryID,
			Term:      pm.Term,
			Meta:      pm.toMetadata(),
		})
	}
	logutil.Infof(a.logger, "agent: marked %s removed from %s", self, pm.HistoryID)
	return nil
}

// Sync implements chronicle.Agent. BoltDB's Update transactions already
// fsync on commit, so there is nothing queued left to flush; this exists
// only to satisfy callers that need a round-trip confirmation.
func (a *Agent) Sync(ctx context.Context) error {
	return a.db.View(func(tx *bolt.Tx) error { return nil })
}

var _ chronicle.Agent = (*Agent)(nil)
