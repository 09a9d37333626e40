// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"errors"
	"fmt"

	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"

	"github.com/luxfi/poe/utils/math/fixed"
)

var (
	ErrImmutableSupply     = errors.New("immutable supply")
	ErrInsufficientBacking = errors.New("insufficient backing")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownAttestation  = errors.New("unknown attestation")
	ErrUnknownClass        = errors.New("unknown token class")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrEpochMismatch       = errors.New("epoch mismatch")
	ErrStaleAttestation    = errors.New("attestation older than latest")
)

// TokenSupplyState is the supply of one class as of an epoch.
type TokenSupplyState struct {
	Class  TokenClass `serialize:"true" json:"class"`
	Supply fixed.Dec  `serialize:"true" json:"supply"`
	Epoch  uint64     `serialize:"true" json:"epoch"`
}

// Balance of one account in one class. Locked funds count toward supply but
// cannot be spent.
type Balance struct {
	Spendable fixed.Dec `serialize:"true" json:"spendable"`
	Locked    fixed.Dec `serialize:"true" json:"locked"`
}

func (b Balance) Total() (fixed.Dec, error) {
	return b.Spendable.Add(b.Locked)
}

// Attestation is an external custodian's statement of the value backing the
// Reserve supply.
type Attestation struct {
	BackingValue fixed.Dec `serialize:"true" json:"backingValue"`
	ProofRef     string    `serialize:"true" json:"proofRef"`
	Timestamp    uint64    `serialize:"true" json:"timestamp"`
}

func (a *Attestation) Validate() error {
	if a.BackingValue.Sign() < 0 {
		return fmt.Errorf("%w: backing %s", fixed.ErrNegative, a.BackingValue)
	}
	if a.ProofRef == "" {
		return fmt.Errorf("%w: empty proof reference", ErrUnknownAttestation)
	}
	return nil
}

// ID is the hash of the canonical encoding. Reserve mints reference it.
func (a *Attestation) ID() (ids.ID, error) {
	b, err := Codec.Marshal(CodecVersion, a)
	if err != nil {
		return ids.Empty, err
	}
	return hash.ComputeHash256Array(b), nil
}

type DeltaKind uint8

const (
	Mint DeltaKind = iota
	Burn
	Transfer
)

func (k DeltaKind) String() string {
	switch k {
	case Mint:
		return "mint"
	case Burn:
		return "burn"
	case Transfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// TokenDelta is one supply or balance change recorded in a block.
//
// Mints credit To, burns debit From, transfers move Amount from From to To.
// AttestationID is set only on Reserve mints.
type TokenDelta struct {
	Kind          DeltaKind   `serialize:"true" json:"kind"`
	Class         TokenClass  `serialize:"true" json:"class"`
	Epoch         uint64      `serialize:"true" json:"epoch"`
	From          ids.ShortID `serialize:"true" json:"from"`
	To            ids.ShortID `serialize:"true" json:"to"`
	Amount        fixed.Dec   `serialize:"true" json:"amount"`
	AttestationID ids.ID      `serialize:"true" json:"attestationID"`
}

// FeeShares moves a job fee from its payer to the parties that earned it.
// The earner's reserve share is credited as locked balance.
type FeeShares struct {
	Payer    ids.ShortID
	Earner   ids.ShortID
	Owner    ids.ShortID
	Treasury ids.ShortID

	Total          fixed.Dec
	ReserveShare   fixed.Dec
	SpendableShare fixed.Dec
	OwnerShare     fixed.Dec
	TreasuryShare  fixed.Dec
}
