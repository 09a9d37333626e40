// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bft

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/validators"
)

// Phase is the step of the round state machine.
type Phase uint8

const (
	Idle Phase = iota
	Propose
	PrevotePhase
	PrecommitPhase
	Commit
	ViewChange
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Propose:
		return "propose"
	case PrevotePhase:
		return "prevote"
	case PrecommitPhase:
		return "precommit"
	case Commit:
		return "commit"
	case ViewChange:
		return "view-change"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Round is a point-in-time view of the engine, safe to hand to readers.
type Round struct {
	Height   uint64     `json:"height"`
	View     uint64     `json:"view"`
	Proposer ids.NodeID `json:"proposer"`
	Phase    Phase      `json:"phase"`
	// Prevotes and Precommits are the voting weight seen in this view.
	Prevotes   uint64 `json:"prevotes"`
	Precommits uint64 `json:"precommits"`
}

// tally counts one kind of vote in one view. A validator's first vote is the
// only one counted.
type tally struct {
	votes      map[ids.NodeID]ids.ID
	voters     set.Set[ids.NodeID]
	weights    map[ids.ID]uint64
	total      uint64
	commitSigs map[ids.ID][]block.Signature
}

func newTally() *tally {
	return &tally{
		votes:      make(map[ids.NodeID]ids.ID),
		voters:     set.NewSet[ids.NodeID](0),
		weights:    make(map[ids.ID]uint64),
		commitSigs: make(map[ids.ID][]block.Signature),
	}
}

// add records v and reports whether it was counted. A conflicting second vote
// is returned as the previously counted bundle ID.
func (t *tally) add(vdrs *validators.Set, v *Vote) (ids.ID, bool) {
	if t.voters.Contains(v.NodeID) {
		return t.votes[v.NodeID], false
	}
	t.voters.Add(v.NodeID)
	t.votes[v.NodeID] = v.BundleID
	weight := vdrs.Weight(v.NodeID)
	t.weights[v.BundleID] += weight
	t.total += weight
	if v.Kind == Precommit {
		t.commitSigs[v.BundleID] = append(t.commitSigs[v.BundleID], block.Signature{
			NodeID:    v.NodeID,
			Signature: v.CommitSignature,
		})
	}
	return v.BundleID, true
}

// quorum returns the bundle holding at least the threshold, if any.
func (t *tally) quorum(vdrs *validators.Set) (ids.ID, bool) {
	if t == nil {
		return ids.Empty, false
	}
	for id, w := range t.weights {
		if vdrs.HasQuorum(w) {
			return id, true
		}
	}
	return ids.Empty, false
}

func (t *tally) weight() uint64 {
	if t == nil {
		return 0
	}
	return t.total
}

// certificate returns the commit signatures for id in NodeID order.
func (t *tally) certificate(id ids.ID) []block.Signature {
	sigs := slices.Clone(t.commitSigs[id])
	slices.SortFunc(sigs, func(a, b block.Signature) int {
		return bytes.Compare(a.NodeID[:], b.NodeID[:])
	})
	return sigs
}

type proposal struct {
	msg      *Proposal
	bundleID ids.ID
}

// heightState is everything the engine has learned about one height across
// its views. Bundles are keyed by ID so a bundle re-proposed in a later view
// is verified once.
type heightState struct {
	height uint64
	vdrs   *validators.Set

	proposals  map[uint64]*proposal
	bundles    map[ids.ID]*block.Bundle
	verified   map[ids.ID]error
	prevotes   map[uint64]*tally
	precommits map[uint64]*tally

	// lockedView is the latest view this node precommitted in.
	lockedView int64
	lockedID   ids.ID
	// validView is the latest view with a prevote quorum for a held bundle.
	validView int64
	validID   ids.ID
}

func newHeightState(height uint64, vdrs *validators.Set) *heightState {
	return &heightState{
		height:     height,
		vdrs:       vdrs,
		proposals:  make(map[uint64]*proposal),
		bundles:    make(map[ids.ID]*block.Bundle),
		verified:   make(map[ids.ID]error),
		prevotes:   make(map[uint64]*tally),
		precommits: make(map[uint64]*tally),
		lockedView: NoValidView,
		validView:  NoValidView,
	}
}

func (s *heightState) tallies(kind VoteKind) map[uint64]*tally {
	if kind == Precommit {
		return s.precommits
	}
	return s.prevotes
}

func (s *heightState) tally(kind VoteKind, view uint64) *tally {
	tallies := s.tallies(kind)
	t, ok := tallies[view]
	if !ok {
		t = newTally()
		tallies[view] = t
	}
	return t
}

// hasPolka reports whether id gathered a prevote quorum in view.
func (s *heightState) hasPolka(view int64, id ids.ID) bool {
	if view < 0 {
		return false
	}
	t, ok := s.prevotes[uint64(view)]
	if !ok {
		return false
	}
	return s.vdrs.HasQuorum(t.weights[id])
}

// views returns the views of tallies in ascending order.
func views(tallies map[uint64]*tally) []uint64 {
	return slices.Sorted(maps.Keys(tallies))
}
