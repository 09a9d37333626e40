// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package block

import (
	"fmt"

	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"
)

// Bundle is the unit of agreement: one block per domain ledger at a single
// height, committed together or not at all.
type Bundle struct {
	Height uint64  `serialize:"true" json:"height"`
	Blocks []Block `serialize:"true" json:"blocks"`
}

// Heads are the IDs of each ledger's last committed block.
type Heads [NumLedgers]ids.ID

// ID hashes the height and the block IDs in ledger order. Validators sign it.
func (b *Bundle) ID() (ids.ID, error) {
	if len(b.Blocks) != NumLedgers {
		return ids.Empty, fmt.Errorf("%w: %d", ErrWrongBlockCount, len(b.Blocks))
	}
	preimage := database.PackUInt64(b.Height)
	for i := range b.Blocks {
		blkID, err := b.Blocks[i].ID()
		if err != nil {
			return ids.Empty, err
		}
		preimage = append(preimage, blkID[:]...)
	}
	return hash.ComputeHash256Array(preimage), nil
}

// BlockIDs returns the block IDs in ledger order.
func (b *Bundle) BlockIDs() (Heads, error) {
	var heads Heads
	if len(b.Blocks) != NumLedgers {
		return heads, fmt.Errorf("%w: %d", ErrWrongBlockCount, len(b.Blocks))
	}
	for i := range b.Blocks {
		blkID, err := b.Blocks[i].ID()
		if err != nil {
			return heads, err
		}
		heads[i] = blkID
	}
	return heads, nil
}

// Verify checks the bundle shape: exactly one block per ledger in ledger
// order, one shared height, index reference, proposer and timestamp, every
// block extending its own ledger's head, and every payload well formed.
func (b *Bundle) Verify(heads Heads) error {
	if len(b.Blocks) != NumLedgers {
		return fmt.Errorf("%w: %d", ErrWrongBlockCount, len(b.Blocks))
	}
	first := &b.Blocks[0]
	for i := range b.Blocks {
		blk := &b.Blocks[i]
		switch {
		case blk.Ledger != LedgerID(i):
			return fmt.Errorf("%w: %s at position %d", ErrWrongLedgerOrder, blk.Ledger, i)
		case blk.Height != b.Height:
			return fmt.Errorf("%w: %s block at %d in bundle %d", ErrHeightMismatch, blk.Ledger, blk.Height, b.Height)
		case blk.PoEIndexRef != first.PoEIndexRef:
			return fmt.Errorf("%w: %s references %s, %s references %s", ErrIndexRefMismatch, blk.Ledger, blk.PoEIndexRef, first.Ledger, first.PoEIndexRef)
		case blk.ProposerID != first.ProposerID:
			return fmt.Errorf("%w: %s block", ErrProposerMismatch, blk.Ledger)
		case blk.Timestamp != first.Timestamp:
			return fmt.Errorf("%w: %s block", ErrTimestampMismatch, blk.Ledger)
		case blk.PrevHash != heads[i]:
			return fmt.Errorf("%w: %s block extends %s, head is %s", ErrPrevHashMismatch, blk.Ledger, blk.PrevHash, heads[i])
		}
		if err := blk.VerifyPayload(); err != nil {
			return err
		}
	}
	return nil
}

// SetQuorumSignatures attaches the commit certificate to every block.
func (b *Bundle) SetQuorumSignatures(sigs []Signature) {
	for i := range b.Blocks {
		b.Blocks[i].QuorumSignatures = append([]Signature(nil), sigs...)
	}
}

// Block returns the block of ledger l.
func (b *Bundle) Block(l LedgerID) *Block {
	if !l.Valid() || int(l) >= len(b.Blocks) {
		return nil
	}
	return &b.Blocks[l]
}

func (b *Bundle) Bytes() ([]byte, error) {
	return Codec.Marshal(CodecVersion, b)
}

func ParseBundle(bytes []byte) (*Bundle, error) {
	b := &Bundle{}
	if _, err := Codec.Unmarshal(bytes, b); err != nil {
		return nil, err
	}
	return b, nil
}
