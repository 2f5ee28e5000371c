package agent

import (
	"context"

	"github.com/boltdb/bolt"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
)

// Provision initializes the first history this node will track: it seeds
// the metadata bucket, marks system state provisioned and publishes both
// EvSystemStateProvisioned and EvNewHistory. It is a bootstrap-time
// operation, not part of the chronicle.Agent contract the Leader FSM uses.
func (a *Agent) Provision(ctx context.Context, hid chronicle.HistoryID, config []chronicle.PeerID, electable bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	pm := persistedMeta{
		Peer:          a.self,
		HistoryID:     hid,
		Config:        config,
		Electable:     electable,
		Bootstrapping: true,
	}
	err := a.db.Update(func(tx *bolt.Tx) error {
		if err := a.writeMeta(tx, pm); err != nil {
			return err
		}
		return a.writeState(tx, chronicle.StateProvisioned)
	})
	if err != nil {
		return err
	}
	if a.bus != nil {
		a.bus.Publish(chronicle.MetadataEvent{Kind: chronicle.EvSystemStateProvisioned, HistoryID: hid, Meta: pm.toMetadata(), Config: config})
		a.bus.Publish(chronicle.MetadataEvent{Kind: chronicle.EvNewHistory, HistoryID: hid, Meta: pm.toMetadata(), Config: config})
	}
	return nil
}

// SetConfig updates the tracked peer configuration and publishes
// EvNewConfig. Used when the cluster's membership changes.
//
// If config differs from the previously stored one, the old config is
// kept as the joint half of CurrentQuorum (chronicle.Joint) until
// CommitConfig is called, so an election mid-reconfiguration needs
// agreement from both the old and new peer sets rather than silently
// switching quorum rules out from under an in-flight vote.
func (a *Agent) SetConfig(ctx context.Context, config []chronicle.PeerID) error {
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
			pm.Peer = a.self
		}
		if ok && !samePeerSet(pm.Config, config) {
			pm.JointConfig = pm.Config
		}
		pm.Config = config
		return a.writeMeta(tx, pm)
	})
	if err != nil {
		return err
	}
	if a.bus != nil {
		a.bus.Publish(chronicle.MetadataEvent{Kind: chronicle.EvNewConfig, HistoryID: pm.HistoryID, Meta: pm.toMetadata(), Config: config})
	}
	return nil
}

// CommitConfig clears any in-flight joint reconfiguration, collapsing
// CurrentQuorum back down to a plain chronicle.Majority over the current
// config. Called once the new config is known to be durably replicated.
func (a *Agent) CommitConfig(ctx context.Context) error {
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
		if !ok || len(pm.JointConfig) == 0 {
			return nil
		}
		pm.JointConfig = nil
		return a.writeMeta(tx, pm)
	})
	if err != nil {
		return err
	}
	if a.bus != nil {
		a.bus.Publish(chronicle.MetadataEvent{Kind: chronicle.EvNewConfig, HistoryID: pm.HistoryID, Meta: pm.toMetadata(), Config: pm.Config})
	}
	return nil
}

func samePeerSet(a, b []chronicle.PeerID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[chronicle.PeerID]struct{}, len(a))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

// EstablishTerm records that term has been committed by the proposer and
// publishes EvTermEstablished so any FSM still caching an older term
// catches up to it.
func (a *Agent) EstablishTerm(ctx context.Context, hid chronicle.HistoryID, term chronicle.Term, highSeqno uint64) error {
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
		if !ok || pm.HistoryID != hid {
			return nil
		}
		pm.Term = term
		pm.HighTerm = term
		pm.Bootstrapping = false
		if highSeqno > pm.HighSeqno {
			pm.HighSeqno = highSeqno
		}
		return a.writeMeta(tx, pm)
	})
	if err != nil {
		return err
	}
	if a.bus != nil {
		a.bus.Publish(chronicle.MetadataEvent{Kind: chronicle.EvTermEstablished, HistoryID: hid, Term: term, Meta: pm.toMetadata()})
	}
	return nil
}
