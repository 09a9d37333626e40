// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validators

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	safemath "github.com/luxfi/poe/utils/math"
)

var (
	ErrEmptySet             = errors.New("empty validator set")
	ErrZeroWeight           = errors.New("validator weight must be positive")
	ErrDuplicateValidator   = errors.New("duplicate validator")
	ErrInvalidPublicKey     = errors.New("invalid public key")
	ErrUnknownValidator     = errors.New("unknown validator")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrRetroactiveRotation  = errors.New("rotation must take effect at a future height")
	ErrInsufficientApproval = errors.New("insufficient rotation approval")
	ErrConflictingRotation  = errors.New("rotation already scheduled at or after height")
)

// Validator is one voting member. PublicKey is a compressed BLS key.
type Validator struct {
	NodeID    ids.NodeID `serialize:"true" json:"nodeID"`
	PublicKey []byte     `serialize:"true" json:"publicKey"`
	Weight    uint64     `serialize:"true" json:"weight"`
}

// Set is an immutable validator set active from EffectiveHeight until the
// next scheduled set.
type Set struct {
	epoch           uint64
	effectiveHeight uint64
	members         []Validator
	keys            []*bls.PublicKey
	index           map[ids.NodeID]int
	totalWeight     uint64
	threshold       uint64
}

// NewSet validates members and orders them by NodeID.
func NewSet(epoch, effectiveHeight uint64, members []Validator) (*Set, error) {
	if len(members) == 0 {
		return nil, ErrEmptySet
	}
	sorted := slices.Clone(members)
	slices.SortFunc(sorted, func(a, b Validator) int {
		return bytes.Compare(a.NodeID[:], b.NodeID[:])
	})

	s := &Set{
		epoch:           epoch,
		effectiveHeight: effectiveHeight,
		members:         sorted,
		keys:            make([]*bls.PublicKey, len(sorted)),
		index:           make(map[ids.NodeID]int, len(sorted)),
	}
	for i, v := range sorted {
		if v.Weight == 0 {
			return nil, fmt.Errorf("%w: %s", ErrZeroWeight, v.NodeID)
		}
		if _, ok := s.index[v.NodeID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v.NodeID)
		}
		pk, err := bls.PublicKeyFromCompressedBytes(v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPublicKey, v.NodeID, err)
		}
		total, err := safemath.Add(s.totalWeight, v.Weight)
		if err != nil {
			return nil, err
		}
		s.totalWeight = total
		s.keys[i] = pk
		s.index[v.NodeID] = i
	}
	twoThirds, err := safemath.MulDiv(s.totalWeight, 2, 3)
	if err != nil {
		return nil, err
	}
	s.threshold = twoThirds + 1
	return s, nil
}

func (s *Set) Epoch() uint64 {
	return s.epoch
}

func (s *Set) EffectiveHeight() uint64 {
	return s.effectiveHeight
}

func (s *Set) Len() int {
	return len(s.members)
}

// Members returns a copy of the members in NodeID order.
func (s *Set) Members() []Validator {
	return slices.Clone(s.members)
}

func (s *Set) NodeIDs() []ids.NodeID {
	nodeIDs := make([]ids.NodeID, len(s.members))
	for i, v := range s.members {
		nodeIDs[i] = v.NodeID
	}
	return nodeIDs
}

func (s *Set) TotalWeight() uint64 {
	return s.totalWeight
}

// Threshold is the smallest weight strictly above two thirds of the total.
func (s *Set) Threshold() uint64 {
	return s.threshold
}

func (s *Set) Contains(nodeID ids.NodeID) bool {
	_, ok := s.index[nodeID]
	return ok
}

func (s *Set) Weight(nodeID ids.NodeID) uint64 {
	i, ok := s.index[nodeID]
	if !ok {
		return 0
	}
	return s.members[i].Weight
}

func (s *Set) PublicKey(nodeID ids.NodeID) (*bls.PublicKey, bool) {
	i, ok := s.index[nodeID]
	if !ok {
		return nil, false
	}
	return s.keys[i], true
}

// WeightOf sums the weight of the members in nodeIDs. Non-members count zero.
func (s *Set) WeightOf(nodeIDs set.Set[ids.NodeID]) uint64 {
	var total uint64
	for nodeID := range nodeIDs {
		// Cannot overflow: the sum over all members fits.
		total += s.Weight(nodeID)
	}
	return total
}

func (s *Set) HasQuorum(weight uint64) bool {
	return weight >= s.threshold
}

// Proposer selects the leader of (height, view) by weighted round robin: slot
// (height + view) mod TotalWeight falls into exactly one member's weight range
// when members are laid out in NodeID order.
func (s *Set) Proposer(height, view uint64) ids.NodeID {
	slot := (height%s.totalWeight + view%s.totalWeight) % s.totalWeight
	for _, v := range s.members {
		if slot < v.Weight {
			return v.NodeID
		}
		slot -= v.Weight
	}
	return s.members[len(s.members)-1].NodeID
}

// Verify checks sig over msg against nodeID's key.
func (s *Set) Verify(nodeID ids.NodeID, msg, sig []byte) error {
	pk, ok := s.PublicKey(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, nodeID)
	}
	signature, err := bls.SignatureFromBytes(sig)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSignature, nodeID, err)
	}
	if !bls.Verify(pk, signature, msg) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, nodeID)
	}
	return nil
}

// SetRecord is the canonical encoding of a Set.
type SetRecord struct {
	Epoch           uint64      `serialize:"true" json:"epoch"`
	EffectiveHeight uint64      `serialize:"true" json:"effectiveHeight"`
	Members         []Validator `serialize:"true" json:"members"`
}

func (s *Set) Record() *SetRecord {
	return &SetRecord{
		Epoch:           s.epoch,
		EffectiveHeight: s.effectiveHeight,
		Members:         s.Members(),
	}
}

func (s *Set) Bytes() ([]byte, error) {
	return Codec.Marshal(CodecVersion, s.Record())
}

func (s *Set) ID() (ids.ID, error) {
	b, err := s.Bytes()
	if err != nil {
		return ids.Empty, err
	}
	return hash.ComputeHash256Array(b), nil
}

func ParseSet(b []byte) (*Set, error) {
	var r SetRecord
	if _, err := Codec.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return NewSet(r.Epoch, r.EffectiveHeight, r.Members)
}
