// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package block

import (
	"errors"
	"fmt"

	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"

	"github.com/luxfi/poe/utils/math/fixed"
	"github.com/luxfi/utils/wrappers"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/mint"
	"github.com/luxfi/poe/vms/poevm/poe"
	"github.com/luxfi/poe/vms/poevm/settlement"
	"github.com/luxfi/poe/vms/poevm/validators"
)

var (
	ErrUnknownLedger       = errors.New("unknown ledger")
	ErrForeignPayload      = errors.New("payload does not belong to ledger")
	ErrIndexRefMismatch    = errors.New("poe index reference mismatch")
	ErrHeightMismatch      = errors.New("height mismatch")
	ErrPrevHashMismatch    = errors.New("previous hash mismatch")
	ErrWrongBlockCount     = errors.New("bundle must hold one block per ledger")
	ErrWrongLedgerOrder    = errors.New("bundle blocks out of ledger order")
	ErrProposerMismatch    = errors.New("proposer mismatch")
	ErrTimestampMismatch   = errors.New("timestamp mismatch")
	ErrUnexpectedDeltaKind = errors.New("unexpected token delta kind")
)

// Signature is one validator's BLS signature over the bundle ID.
type Signature struct {
	NodeID    ids.NodeID `serialize:"true" json:"nodeID"`
	Signature []byte     `serialize:"true" json:"signature"`
}

// Block is one domain ledger's entry at a height.
//
// Payload sections are routed by ledger: Activity carries the samples and the
// index, Cluster the rotations, Execution the receipts, Transact transfers and
// Economy mints, burns and attestations. Sections of other ledgers stay empty.
//
// QuorumSignatures must stay the last field: the block ID covers the encoding
// without it.
type Block struct {
	Height      uint64     `serialize:"true" json:"height"`
	Ledger      LedgerID   `serialize:"true" json:"ledger"`
	PrevHash    ids.ID     `serialize:"true" json:"prevHash"`
	PoEIndexRef ids.ID     `serialize:"true" json:"poeIndexRef"`
	ProposerID  ids.NodeID `serialize:"true" json:"proposerID"`
	Timestamp   uint64     `serialize:"true" json:"timestamp"`

	Samples         []poe.ActivitySample `serialize:"true" json:"samples,omitempty"`
	ExpectedSources uint32               `serialize:"true" json:"expectedSources,omitempty"`
	Index           poe.Index            `serialize:"true" json:"index"`
	Clamps          []poe.ClampEvent     `serialize:"true" json:"clamps,omitempty"`

	Rotations []validators.Rotation `serialize:"true" json:"rotations,omitempty"`

	FeeReceipts []settlement.Receipt `serialize:"true" json:"feeReceipts,omitempty"`

	Gamma            fixed.Dec            `serialize:"true" json:"gamma"`
	NetworkAllowance fixed.Dec            `serialize:"true" json:"networkAllowance"`
	Attestations     []ledger.Attestation `serialize:"true" json:"attestations,omitempty"`

	TokenDeltas []ledger.TokenDelta `serialize:"true" json:"tokenDeltas,omitempty"`

	QuorumSignatures []Signature `serialize:"true" json:"quorumSignatures,omitempty"`
}

// UnsignedBytes is the encoding the block ID covers.
func (b *Block) UnsignedBytes() ([]byte, error) {
	unsigned := *b
	unsigned.QuorumSignatures = nil
	bytes, err := Codec.Marshal(CodecVersion, &unsigned)
	if err != nil {
		return nil, err
	}
	// Drop the length prefix of the empty signature list.
	return bytes[:len(bytes)-wrappers.IntLen], nil
}

func (b *Block) ID() (ids.ID, error) {
	bytes, err := b.UnsignedBytes()
	if err != nil {
		return ids.Empty, err
	}
	return hash.ComputeHash256Array(bytes), nil
}

// Bytes is the full encoding including quorum signatures.
func (b *Block) Bytes() ([]byte, error) {
	return Codec.Marshal(CodecVersion, b)
}

func Parse(bytes []byte) (*Block, error) {
	b := &Block{}
	if _, err := Codec.Unmarshal(bytes, b); err != nil {
		return nil, err
	}
	return b, nil
}

// VerifyPayload checks that only the sections owned by the block's ledger are
// populated and that they are internally consistent.
func (b *Block) VerifyPayload() error {
	if !b.Ledger.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownLedger, b.Ledger)
	}

	owns := func(l LedgerID, populated bool, section string) error {
		if populated && b.Ledger != l {
			return fmt.Errorf("%w: %s in %s block", ErrForeignPayload, section, b.Ledger)
		}
		return nil
	}
	err := errors.Join(
		owns(Activity, len(b.Samples) > 0 || b.ExpectedSources != 0 || b.Index != (poe.Index{}) || len(b.Clamps) > 0, "activity"),
		owns(Cluster, len(b.Rotations) > 0, "rotations"),
		owns(Execution, len(b.FeeReceipts) > 0, "fee receipts"),
		owns(Economy, !b.Gamma.IsZero() || !b.NetworkAllowance.IsZero() || len(b.Attestations) > 0, "economy"),
		owns(Economy, len(b.TokenDeltas) > 0 && b.Ledger != Transact, "token deltas"),
	)
	if err != nil {
		return err
	}

	switch b.Ledger {
	case Activity:
		if b.Index.Epoch != b.Height {
			return fmt.Errorf("%w: index epoch %d at height %d", ErrHeightMismatch, b.Index.Epoch, b.Height)
		}
		if b.Index.Phi.Sign() < 0 {
			return fmt.Errorf("%w: %s", mint.ErrNegativeIndex, b.Index.Phi)
		}
		indexID, err := b.Index.ID()
		if err != nil {
			return err
		}
		if indexID != b.PoEIndexRef {
			return fmt.Errorf("%w: index hashes to %s, block references %s", ErrIndexRefMismatch, indexID, b.PoEIndexRef)
		}
	case Execution:
		for i := range b.FeeReceipts {
			if err := b.FeeReceipts[i].Verify(); err != nil {
				return err
			}
		}
	case Transact:
		for _, d := range b.TokenDeltas {
			if d.Kind != ledger.Transfer {
				return fmt.Errorf("%w: %s in %s block", ErrUnexpectedDeltaKind, d.Kind, b.Ledger)
			}
		}
	case Economy:
		if err := mint.VerifyGamma(b.Gamma); err != nil {
			return err
		}
		for _, d := range b.TokenDeltas {
			if d.Kind == ledger.Transfer {
				return fmt.Errorf("%w: %s in %s block", ErrUnexpectedDeltaKind, d.Kind, b.Ledger)
			}
		}
	}
	return nil
}
