// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poevm

import (
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/poe/utils/math/fixed"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/poe"
	"github.com/luxfi/poe/vms/poevm/settlement"
	"github.com/luxfi/poe/vms/poevm/validators"
)

// SubmitActivitySample records a source's measurement for an upcoming epoch.
func (vm *VM) SubmitActivitySample(s poe.ActivitySample) error {
	vm.lock.RLock()
	committed := vm.snapshot.Height()
	vm.lock.RUnlock()

	if s.Epoch <= committed {
		return fmt.Errorf("%w: epoch %d, committed %d", ErrStaleSample, s.Epoch, committed)
	}
	return vm.collector.Submit(s)
}

// SubmitPricedJob queues a job for settlement. A job settles at most once.
func (vm *VM) SubmitPricedJob(job settlement.PricedJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	vm.lock.Lock()
	defer vm.lock.Unlock()

	if vm.pending.jobIDs.Contains(job.JobID) {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.JobID)
	}
	settled, err := vm.state.HasReceipt(job.JobID)
	if err != nil {
		return err
	}
	if settled {
		return fmt.Errorf("%w: %s", ErrJobSettled, job.JobID)
	}
	if len(vm.pending.jobs) >= vm.MaxPendingJobs {
		return fmt.Errorf("%w: %d", ErrMempoolFull, vm.MaxPendingJobs)
	}
	vm.pending.addJob(job)
	if vm.metrics != nil {
		vm.metrics.SetPendingJobs(len(vm.pending.jobs))
	}
	return nil
}

// SubmitReserveAttestation queues a custodian attestation. It must be newer
// than every attestation ahead of it and cover the Reserve supply.
func (vm *VM) SubmitReserveAttestation(a ledger.Attestation) error {
	if err := a.Validate(); err != nil {
		return err
	}

	vm.lock.Lock()
	defer vm.lock.Unlock()

	b, err := vm.draft()
	if err != nil {
		return err
	}
	if err := b.attest(a); err != nil {
		return err
	}
	vm.pending.attestations = append(vm.pending.attestations, a)
	vm.log.Info("queued reserve attestation",
		log.String("proofRef", a.ProofRef),
		log.Stringer("backingValue", a.BackingValue),
		log.Uint64("timestamp", a.Timestamp),
	)
	return nil
}

// SubmitReserveMint queues a Reserve mint against the latest attestation.
// It fails with ledger.ErrInsufficientBacking when the attested backing does
// not cover the resulting supply.
func (vm *VM) SubmitReserveMint(to ids.ShortID, amount fixed.Dec) error {
	return vm.SubmitSupplyChange(ledger.TokenDelta{
		Kind:   ledger.Mint,
		Class:  ledger.Reserve,
		To:     to,
		Amount: amount,
	})
}

// SubmitSupplyChange queues a Utility or Reserve mint or burn. The change is
// checked against the committed state and everything queued ahead of it.
func (vm *VM) SubmitSupplyChange(d ledger.TokenDelta) error {
	switch {
	case d.Kind == ledger.Transfer:
		return fmt.Errorf("%w: use SubmitTransfer", ErrUnsupportedChange)
	case d.Class == ledger.Governance:
		return fmt.Errorf("%w: %s %s", ledger.ErrImmutableSupply, d.Class, d.Kind)
	case d.Class == ledger.Network:
		return fmt.Errorf("%w: %s supply is minted by the gate", ErrUnsupportedChange, d.Class)
	case !d.Class.Valid():
		return fmt.Errorf("%w: %d", ledger.ErrUnknownClass, d.Class)
	}
	d.Epoch = 0
	d.AttestationID = ids.Empty

	vm.lock.Lock()
	defer vm.lock.Unlock()

	b, err := vm.draft()
	if err != nil {
		return err
	}
	if err := b.changeSupply(d); err != nil {
		vm.log.Info("rejected supply change",
			log.Stringer("kind", d.Kind),
			log.Stringer("class", d.Class),
			log.Stringer("amount", d.Amount),
			log.Err(err),
		)
		return err
	}
	vm.pending.supplyChanges = append(vm.pending.supplyChanges, d)
	return nil
}

// SubmitTransfer queues a move of spendable balance between accounts.
func (vm *VM) SubmitTransfer(from, to ids.ShortID, c ledger.TokenClass, amount fixed.Dec) error {
	d := ledger.TokenDelta{
		Kind:   ledger.Transfer,
		Class:  c,
		From:   from,
		To:     to,
		Amount: amount,
	}

	vm.lock.Lock()
	defer vm.lock.Unlock()

	b, err := vm.draft()
	if err != nil {
		return err
	}
	for _, t := range vm.pending.transfers {
		_ = b.transfer(t)
	}
	if err := b.transfer(d); err != nil {
		return err
	}
	vm.pending.transfers = append(vm.pending.transfers, d)
	return nil
}

// ProposeValidatorRotation queues an approved rotation for the next bundles.
func (vm *VM) ProposeValidatorRotation(r validators.Rotation) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if _, err := vm.validators.VerifyRotation(&r, vm.snapshot.Height()+1); err != nil {
		return err
	}
	vm.pending.rotations = append(vm.pending.rotations, r)
	return nil
}

// SubmitPriceReference sets the external price the stability monitor compares
// supply growth against. It holds until the next reference.
func (vm *VM) SubmitPriceReference(price fixed.Dec) error {
	if price.Sign() <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	vm.lock.Lock()
	defer vm.lock.Unlock()

	vm.price = price
	vm.hasPrice = true
	return nil
}

// UpdateWeights registers a new version of the index weights. Bundles built
// from now on use it and it becomes active once one commits.
func (vm *VM) UpdateWeights(w poe.Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}

	vm.lock.Lock()
	defer vm.lock.Unlock()

	if latest := vm.weights[len(vm.weights)-1].Version; w.Version <= latest {
		return fmt.Errorf("%w: weights %d, latest %d", ErrStaleVersion, w.Version, latest)
	}
	vm.weights = append(vm.weights, w)
	vm.log.Info("registered weights",
		log.Uint64("version", w.Version),
	)
	return nil
}

// UpdateRatios registers a new version of the fee split ratios. Jobs settled
// from now on use it.
func (vm *VM) UpdateRatios(r settlement.Ratios) error {
	if err := r.Validate(); err != nil {
		return err
	}

	vm.lock.Lock()
	defer vm.lock.Unlock()

	if latest := vm.ratios[len(vm.ratios)-1].Version; r.Version <= latest {
		return fmt.Errorf("%w: ratios %d, latest %d", ErrStaleVersion, r.Version, latest)
	}
	vm.ratios = append(vm.ratios, r)
	vm.log.Info("registered fee split ratios",
		log.Uint64("version", r.Version),
	)
	return nil
}
