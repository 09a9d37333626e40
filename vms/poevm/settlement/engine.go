// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settlement

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/poe/vms/poevm/ledger"
)

// Engine splits job fees and stages the resulting balance moves on a ledger
// diff.
type Engine struct {
	log      log.Logger
	owner    ids.ShortID
	treasury ids.ShortID
}

func NewEngine(logger log.Logger, owner, treasury ids.ShortID) *Engine {
	return &Engine{
		log:      logger,
		owner:    owner,
		treasury: treasury,
	}
}

// Shares converts a receipt into the ledger moves it justifies.
func (e *Engine) Shares(r *Receipt) ledger.FeeShares {
	return ledger.FeeShares{
		Payer:          r.Payer,
		Earner:         r.Earner,
		Owner:          e.owner,
		Treasury:       e.treasury,
		Total:          r.TotalFee,
		ReserveShare:   r.ReserveShare,
		SpendableShare: r.SpendableShare,
		OwnerShare:     r.OwnerShare,
		TreasuryShare:  r.TreasuryShare,
	}
}

// Settle splits job and stages the shares on diff.
func (e *Engine) Settle(diff *ledger.Diff, job PricedJob, ratios Ratios) (*Receipt, error) {
	r, err := Split(job, ratios)
	if err != nil {
		return nil, err
	}
	if err := diff.ApplyFeeShares(e.Shares(r)); err != nil {
		e.log.Warn("fee split rejected by ledger",
			log.Stringer("jobID", job.JobID),
			log.Stringer("payer", job.Payer),
			log.Stringer("fee", job.TotalFee),
			log.Err(err),
		)
		return nil, err
	}
	return r, nil
}

// Apply stages a receipt recorded in a block after checking its hash.
func (e *Engine) Apply(diff *ledger.Diff, r *Receipt) error {
	if err := r.Verify(); err != nil {
		return err
	}
	return diff.ApplyFeeShares(e.Shares(r))
}
