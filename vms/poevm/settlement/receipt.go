// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settlement

import (
	"errors"
	"fmt"

	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"

	"github.com/luxfi/poe/utils/math/fixed"

	safemath "github.com/luxfi/poe/utils/math"
)

var (
	ErrInvalidRatios = errors.New("invalid fee split ratios")
	ErrHashMismatch  = errors.New("settlement hash mismatch")
	ErrShareSum      = errors.New("shares do not sum to total fee")
	ErrInvalidJob    = errors.New("invalid priced job")
)

// Ratios are basis points of job value. The defaults sum to the 1% fee rate:
// 0.2% reserve, 0.3% spendable, 0.2% owner and 0.3% treasury.
type Ratios struct {
	Version      uint64 `serialize:"true" json:"version"`
	ReserveBps   uint64 `serialize:"true" json:"reserve-bps"`
	SpendableBps uint64 `serialize:"true" json:"spendable-bps"`
	OwnerBps     uint64 `serialize:"true" json:"owner-bps"`
	TreasuryBps  uint64 `serialize:"true" json:"treasury-bps"`
}

func DefaultRatios() Ratios {
	return Ratios{
		Version:      1,
		ReserveBps:   20,
		SpendableBps: 30,
		OwnerBps:     20,
		TreasuryBps:  30,
	}
}

// Total returns the summed basis points of every share.
func (r *Ratios) Total() (uint64, error) {
	total := r.ReserveBps
	for _, bps := range []uint64{r.SpendableBps, r.OwnerBps, r.TreasuryBps} {
		var err error
		total, err = safemath.Add(total, bps)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (r *Ratios) Validate() error {
	if r.TreasuryBps == 0 {
		return fmt.Errorf("%w: treasury share must be non-zero", ErrInvalidRatios)
	}
	total, err := r.Total()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRatios, err)
	}
	if total > 10_000 {
		return fmt.Errorf("%w: %d bps exceeds 100%%", ErrInvalidRatios, total)
	}
	return nil
}

// PricedJob is a unit of completed work with its fee.
type PricedJob struct {
	JobID    ids.ID      `json:"jobID"`
	TotalFee fixed.Dec   `json:"totalFee"`
	Payer    ids.ShortID `json:"payer"`
	Earner   ids.ShortID `json:"earner"`
	Metadata string      `json:"metadata"`
}

func (j *PricedJob) Validate() error {
	switch {
	case j.JobID == ids.Empty:
		return fmt.Errorf("%w: empty job id", ErrInvalidJob)
	case j.TotalFee.Sign() <= 0:
		return fmt.Errorf("%w: fee %s", ErrInvalidJob, j.TotalFee)
	case j.Payer == j.Earner:
		return fmt.Errorf("%w: payer is earner", ErrInvalidJob)
	default:
		return nil
	}
}

// Receipt is the immutable record of one fee split. SettlementHash is the
// hash of the receipt encoded with an empty SettlementHash.
type Receipt struct {
	JobID          ids.ID      `serialize:"true" json:"jobID"`
	Payer          ids.ShortID `serialize:"true" json:"payer"`
	Earner         ids.ShortID `serialize:"true" json:"earner"`
	RatiosVersion  uint64      `serialize:"true" json:"ratiosVersion"`
	TotalFee       fixed.Dec   `serialize:"true" json:"totalFee"`
	ReserveShare   fixed.Dec   `serialize:"true" json:"reserveShare"`
	SpendableShare fixed.Dec   `serialize:"true" json:"spendableShare"`
	OwnerShare     fixed.Dec   `serialize:"true" json:"ownerShare"`
	TreasuryShare  fixed.Dec   `serialize:"true" json:"treasuryShare"`
	SettlementHash ids.ID      `serialize:"true" json:"settlementHash"`
}

// UnsignedBytes is the canonical encoding the settlement hash covers.
func (r *Receipt) UnsignedBytes() ([]byte, error) {
	unsigned := *r
	unsigned.SettlementHash = ids.Empty
	return Codec.Marshal(CodecVersion, &unsigned)
}

// Bytes is the full encoding, settlement hash included.
func (r *Receipt) Bytes() ([]byte, error) {
	return Codec.Marshal(CodecVersion, r)
}

func (r *Receipt) computeHash() (ids.ID, error) {
	b, err := r.UnsignedBytes()
	if err != nil {
		return ids.Empty, err
	}
	return hash.ComputeHash256Array(b), nil
}

// Verify checks the sum invariant and the settlement hash.
func (r *Receipt) Verify() error {
	sum, err := fixed.Sum(r.ReserveShare, r.SpendableShare, r.OwnerShare, r.TreasuryShare)
	if err != nil {
		return err
	}
	if !sum.Equal(r.TotalFee) {
		return fmt.Errorf("%w: %s != %s for job %s", ErrShareSum, sum, r.TotalFee, r.JobID)
	}
	h, err := r.computeHash()
	if err != nil {
		return err
	}
	if h != r.SettlementHash {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrHashMismatch, r.SettlementHash, h)
	}
	return nil
}

// ParseReceipt decodes and verifies a receipt.
func ParseReceipt(b []byte) (*Receipt, error) {
	r := &Receipt{}
	if _, err := Codec.Unmarshal(b, r); err != nil {
		return nil, err
	}
	return r, r.Verify()
}

// Split divides the job fee by ratios. Each non-treasury share is
// fee*r/sum(r), rounded half-to-even; the treasury receives the remainder so
// the shares always sum to the fee exactly.
func Split(job PricedJob, ratios Ratios) (*Receipt, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if err := ratios.Validate(); err != nil {
		return nil, err
	}

	total, err := ratios.Total()
	if err != nil {
		return nil, err
	}
	share := func(bps uint64) (fixed.Dec, error) {
		weighted, err := job.TotalFee.MulUint64(bps)
		if err != nil {
			return fixed.Zero, err
		}
		return weighted.DivUint64(total)
	}

	r := &Receipt{
		JobID:         job.JobID,
		Payer:         job.Payer,
		Earner:        job.Earner,
		RatiosVersion: ratios.Version,
		TotalFee:      job.TotalFee,
	}
	if r.ReserveShare, err = share(ratios.ReserveBps); err != nil {
		return nil, err
	}
	if r.SpendableShare, err = share(ratios.SpendableBps); err != nil {
		return nil, err
	}
	if r.OwnerShare, err = share(ratios.OwnerBps); err != nil {
		return nil, err
	}
	distributed, err := fixed.Sum(r.ReserveShare, r.SpendableShare, r.OwnerShare)
	if err != nil {
		return nil, err
	}
	if r.TreasuryShare, err = job.TotalFee.Sub(distributed); err != nil {
		return nil, err
	}
	if r.TreasuryShare.Sign() < 0 {
		return nil, fmt.Errorf("%w: treasury remainder %s", ErrShareSum, r.TreasuryShare)
	}
	if r.SettlementHash, err = r.computeHash(); err != nil {
		return nil, err
	}
	return r, nil
}
