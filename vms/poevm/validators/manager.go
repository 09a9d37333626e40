// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validators

import (
	"fmt"
	"slices"
	"sync"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/utils/wrappers"
)

// Signer produces BLS signatures for one validator.
type Signer interface {
	PublicKey() *bls.PublicKey
	Sign(msg []byte) (*bls.Signature, error)
}

// Approval is one current validator's signature over a rotation.
type Approval struct {
	NodeID    ids.NodeID `serialize:"true" json:"nodeID"`
	Signature []byte     `serialize:"true" json:"signature"`
}

// Rotation replaces the validator set from EffectiveHeight on. Approvals must
// stay the last field: the signed bytes are the encoding without it.
type Rotation struct {
	Epoch           uint64      `serialize:"true" json:"epoch"`
	EffectiveHeight uint64      `serialize:"true" json:"effectiveHeight"`
	Members         []Validator `serialize:"true" json:"members"`
	Approvals       []Approval  `serialize:"true" json:"approvals"`
}

// UnsignedBytes is the message approvers sign.
func (r *Rotation) UnsignedBytes() ([]byte, error) {
	unsigned := *r
	unsigned.Approvals = nil
	b, err := Codec.Marshal(CodecVersion, &unsigned)
	if err != nil {
		return nil, err
	}
	// Drop the length prefix of the empty approval list.
	return b[:len(b)-wrappers.IntLen], nil
}

// Approve appends signer's approval to the rotation.
func (r *Rotation) Approve(nodeID ids.NodeID, signer Signer) error {
	msg, err := r.UnsignedBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return err
	}
	r.Approvals = append(r.Approvals, Approval{
		NodeID:    nodeID,
		Signature: bls.SignatureToBytes(sig),
	})
	return nil
}

// Manager holds the schedule of validator sets by effective height. The
// schedule is copy-on-write: readers get a stable slice and sets are never
// modified once published.
type Manager struct {
	log log.Logger

	mu   sync.RWMutex
	sets []*Set
}

// NewManager starts the schedule with the genesis set.
func NewManager(logger log.Logger, genesis *Set) *Manager {
	return &Manager{
		log:  logger,
		sets: []*Set{genesis},
	}
}

// GetSet returns the set active at height.
func (m *Manager) GetSet(height uint64) *Set {
	m.mu.RLock()
	sets := m.sets
	m.mu.RUnlock()

	i, found := slices.BinarySearchFunc(sets, height, func(s *Set, h uint64) int {
		switch {
		case s.effectiveHeight < h:
			return -1
		case s.effectiveHeight > h:
			return 1
		default:
			return 0
		}
	})
	if found {
		return sets[i]
	}
	if i == 0 {
		return sets[0]
	}
	return sets[i-1]
}

// Sets returns the whole schedule in effective-height order.
func (m *Manager) Sets() []*Set {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.sets)
}

// VerifyRotation checks that r takes effect strictly after currentHeight, does
// not overlap an already scheduled set and carries approvals from the set
// active at currentHeight worth at least its threshold.
func (m *Manager) VerifyRotation(r *Rotation, currentHeight uint64) (*Set, error) {
	if r.EffectiveHeight <= currentHeight {
		return nil, fmt.Errorf("%w: effective %d, current %d", ErrRetroactiveRotation, r.EffectiveHeight, currentHeight)
	}

	m.mu.RLock()
	last := m.sets[len(m.sets)-1]
	m.mu.RUnlock()
	if last.effectiveHeight >= r.EffectiveHeight {
		return nil, fmt.Errorf("%w: %d", ErrConflictingRotation, last.effectiveHeight)
	}

	next, err := NewSet(r.Epoch, r.EffectiveHeight, r.Members)
	if err != nil {
		return nil, err
	}

	msg, err := r.UnsignedBytes()
	if err != nil {
		return nil, err
	}
	active := m.GetSet(currentHeight)
	approvers := set.NewSet[ids.NodeID](len(r.Approvals))
	for _, a := range r.Approvals {
		if approvers.Contains(a.NodeID) {
			continue
		}
		if err := active.Verify(a.NodeID, msg, a.Signature); err != nil {
			return nil, err
		}
		approvers.Add(a.NodeID)
	}
	if weight := active.WeightOf(approvers); !active.HasQuorum(weight) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInsufficientApproval, weight, active.Threshold())
	}
	return next, nil
}

// ScheduleRotation verifies r and publishes the new set.
func (m *Manager) ScheduleRotation(r *Rotation, currentHeight uint64) (*Set, error) {
	next, err := m.VerifyRotation(r, currentHeight)
	if err != nil {
		return nil, err
	}
	if err := m.Schedule(next); err != nil {
		return nil, err
	}
	m.log.Info("scheduled validator rotation",
		log.Uint64("epoch", next.epoch),
		log.Uint64("effectiveHeight", next.effectiveHeight),
		log.Int("members", next.Len()),
		log.Uint64("currentHeight", currentHeight),
	)
	return next, nil
}

// Schedule publishes an already verified set, as when restoring from disk.
func (m *Manager) Schedule(s *Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.sets[len(m.sets)-1]
	if last.effectiveHeight >= s.effectiveHeight {
		return fmt.Errorf("%w: %d", ErrConflictingRotation, last.effectiveHeight)
	}
	sets := make([]*Set, len(m.sets), len(m.sets)+1)
	copy(sets, m.sets)
	m.sets = append(sets, s)
	return nil
}

// Unschedule withdraws s if it is the last set of the schedule. It undoes a
// Schedule whose height never committed.
func (m *Manager) Unschedule(s *Set) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.sets)
	if n == 1 || m.sets[n-1] != s {
		return false
	}
	m.sets = slices.Clone(m.sets[:n-1])
	return true
}
