// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"bytes"
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/luxfi/ids"

	"github.com/luxfi/poe/utils/math/fixed"
)

type balanceKey struct {
	account ids.ShortID
	class   TokenClass
}

// Snapshot is the committed ledger state after a height. It is never mutated;
// proposals build a Diff on top of it and committing the diff yields a new
// Snapshot.
type Snapshot struct {
	height         uint64
	supply         [numClasses]TokenSupplyState
	balances       map[balanceKey]Balance
	attestation    Attestation
	attestationID  ids.ID
	hasAttestation bool
}

// Allocation is a genesis credit.
type Allocation struct {
	Account ids.ShortID `json:"account"`
	Class   TokenClass  `json:"class"`
	Amount  fixed.Dec   `json:"amount"`
}

// NewGenesisSnapshot builds the height-0 state. It is the only place
// Governance supply is ever issued. Network and Reserve start empty.
func NewGenesisSnapshot(allocations []Allocation) (*Snapshot, error) {
	s := &Snapshot{
		balances: make(map[balanceKey]Balance),
	}
	for _, c := range Classes {
		s.supply[c] = TokenSupplyState{Class: c}
	}
	for _, a := range allocations {
		if !a.Class.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownClass, a.Class)
		}
		if a.Class == Network || a.Class == Reserve {
			return nil, fmt.Errorf("%w: %s cannot be allocated at genesis", ErrInvariantViolation, a.Class)
		}
		if a.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidAmount, a.Amount, a.Account)
		}
		supply, err := s.supply[a.Class].Supply.Add(a.Amount)
		if err != nil {
			return nil, err
		}
		s.supply[a.Class].Supply = supply

		key := balanceKey{account: a.Account, class: a.Class}
		bal := s.balances[key]
		if bal.Spendable, err = bal.Spendable.Add(a.Amount); err != nil {
			return nil, err
		}
		s.balances[key] = bal
	}
	return s, nil
}

// Height of the last applied block.
func (s *Snapshot) Height() uint64 {
	return s.height
}

func (s *Snapshot) Supply(c TokenClass) (TokenSupplyState, error) {
	if !c.Valid() {
		return TokenSupplyState{}, fmt.Errorf("%w: %d", ErrUnknownClass, c)
	}
	return s.supply[c], nil
}

// Supplies returns every class in class order.
func (s *Snapshot) Supplies() []TokenSupplyState {
	return slices.Clone(s.supply[:])
}

func (s *Snapshot) Balance(account ids.ShortID, c TokenClass) Balance {
	return s.balances[balanceKey{account: account, class: c}]
}

// LatestAttestation returns the most recent Reserve attestation.
func (s *Snapshot) LatestAttestation() (Attestation, ids.ID, bool) {
	return s.attestation, s.attestationID, s.hasAttestation
}

// AccountBalance is a persisted balance row.
type AccountBalance struct {
	Account ids.ShortID `serialize:"true"`
	Class   TokenClass  `serialize:"true"`
	Balance Balance     `serialize:"true"`
}

// Record is the canonical encoding of a Snapshot.
type Record struct {
	Height         uint64             `serialize:"true"`
	Supply         []TokenSupplyState `serialize:"true"`
	Balances       []AccountBalance   `serialize:"true"`
	HasAttestation bool               `serialize:"true"`
	Attestation    Attestation        `serialize:"true"`
}

// Record returns the snapshot with balances ordered by account then class.
func (s *Snapshot) Record() *Record {
	r := &Record{
		Height:         s.height,
		Supply:         s.Supplies(),
		Balances:       make([]AccountBalance, 0, len(s.balances)),
		HasAttestation: s.hasAttestation,
		Attestation:    s.attestation,
	}
	for key, bal := range s.balances {
		r.Balances = append(r.Balances, AccountBalance{
			Account: key.account,
			Class:   key.class,
			Balance: bal,
		})
	}
	slices.SortFunc(r.Balances, func(a, b AccountBalance) int {
		if c := bytes.Compare(a.Account[:], b.Account[:]); c != 0 {
			return c
		}
		return cmp.Compare(a.Class, b.Class)
	})
	return r
}

// Bytes returns the canonical encoding of the snapshot.
func (s *Snapshot) Bytes() ([]byte, error) {
	return Codec.Marshal(CodecVersion, s.Record())
}

// ParseSnapshot decodes bytes produced by Bytes.
func ParseSnapshot(b []byte) (*Snapshot, error) {
	var r Record
	if _, err := Codec.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return FromRecord(&r)
}

func FromRecord(r *Record) (*Snapshot, error) {
	if len(r.Supply) != numClasses {
		return nil, fmt.Errorf("%w: %d supply rows", ErrInvariantViolation, len(r.Supply))
	}
	s := &Snapshot{
		height:         r.Height,
		balances:       make(map[balanceKey]Balance, len(r.Balances)),
		attestation:    r.Attestation,
		hasAttestation: r.HasAttestation,
	}
	for i, row := range r.Supply {
		if row.Class != TokenClass(i) {
			return nil, fmt.Errorf("%w: supply row %d is %s", ErrInvariantViolation, i, row.Class)
		}
		s.supply[i] = row
	}
	for _, row := range r.Balances {
		if !row.Class.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownClass, row.Class)
		}
		s.balances[balanceKey{account: row.Account, class: row.Class}] = row.Balance
	}
	if s.hasAttestation {
		id, err := s.attestation.ID()
		if err != nil {
			return nil, err
		}
		s.attestationID = id
	}
	return s, nil
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.balances = maps.Clone(s.balances)
	if c.balances == nil {
		c.balances = make(map[balanceKey]Balance)
	}
	return &c
}
