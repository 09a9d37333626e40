// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poevm

import (
	"context"
	"fmt"
	"slices"

	"github.com/luxfi/log"

	"github.com/luxfi/poe/consensus/bft"
	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/metrics"
	"github.com/luxfi/poe/vms/poevm/stability"
	"github.com/luxfi/poe/vms/poevm/state"
	"github.com/luxfi/poe/vms/poevm/validators"
)

// Commit implements bft.Application. It checks the commit certificate,
// applies the bundle and persists it together with the new snapshot, the
// stability alerts it raised and any parameter versions it activated.
func (vm *VM) Commit(_ context.Context, b *block.Bundle) error {
	bundleID, err := b.ID()
	if err != nil {
		return err
	}
	if err := bft.VerifyCertificate(vm.validators.GetSet(b.Height), bundleID, b.Blocks[0].QuorumSignatures); err != nil {
		return err
	}

	vm.lock.Lock()
	defer vm.lock.Unlock()

	parent := vm.snapshot
	if b.Height != parent.Height()+1 {
		return fmt.Errorf("%w: committing %d on %d", ErrNotNextHeight, b.Height, parent.Height())
	}
	diff, err := vm.execute(parent, b)
	if err != nil {
		return err
	}
	snap, err := diff.Apply()
	if err != nil {
		return err
	}

	commit := &state.Commit{
		Bundle:   b,
		Snapshot: snap,
	}
	for i := range b.Block(block.Cluster).Rotations {
		next, err := vm.validators.VerifyRotation(&b.Block(block.Cluster).Rotations[i], b.Height)
		if err != nil {
			return err
		}
		commit.ValidatorSets = append(commit.ValidatorSets, next)
	}

	activity := b.Block(block.Activity)
	weightsVersion := activity.Index.WeightsVersion
	if weightsVersion != vm.activeWeights {
		w, err := vm.weightsVersion(weightsVersion)
		if err != nil {
			return err
		}
		commit.Weights = &w
	}
	receipts := b.Block(block.Execution).FeeReceipts
	ratiosVersion := vm.activeRatios
	for _, r := range receipts {
		ratiosVersion = max(ratiosVersion, r.RatiosVersion)
	}
	if ratiosVersion != vm.activeRatios {
		r, err := vm.ratiosVersion(ratiosVersion)
		if err != nil {
			return err
		}
		commit.Ratios = &r
	}

	// Rotations are scheduled first and withdrawn if the height fails to
	// persist.
	scheduled := make([]*validators.Set, 0, len(commit.ValidatorSets))
	for _, next := range commit.ValidatorSets {
		if err := vm.validators.Schedule(next); err != nil {
			vm.unschedule(scheduled)
			return err
		}
		scheduled = append(scheduled, next)
	}

	commit.Alerts, err = vm.observe(b, snap, diff.UtilityBandHit())
	if err != nil {
		vm.unschedule(scheduled)
		return err
	}
	if err := vm.state.CommitBundle(commit); err != nil {
		vm.unschedule(scheduled)
		return fmt.Errorf("failed to persist height %d: %w", b.Height, err)
	}

	for _, next := range scheduled {
		vm.log.Info("scheduled validator rotation",
			log.Uint64("epoch", next.Epoch()),
			log.Uint64("effectiveHeight", next.EffectiveHeight()),
			log.Int("members", next.Len()),
		)
	}
	vm.snapshot = snap
	vm.proposal = nil
	vm.activeWeights = weightsVersion
	vm.activeRatios = ratiosVersion
	vm.collector.Prune(b.Height)
	vm.pending.removeCommitted(b, snap, vm.lastEffectiveHeight())

	if vm.metrics != nil {
		vm.metrics.MarkAccepted(metrics.Block{
			Height:   b.Height,
			Phi:      activity.Index.Phi,
			Gamma:    b.Block(block.Economy).Gamma,
			Supplies: snap.Supplies(),
			Alerts:   commit.Alerts,
			Clamps:   len(activity.Clamps),
			Receipts: len(receipts),
		})
		vm.metrics.SetPendingJobs(len(vm.pending.jobs))
	}

	vm.log.Info("accepted bundle",
		log.Uint64("height", b.Height),
		log.Stringer("bundleID", bundleID),
		log.Stringer("proposer", activity.ProposerID),
		log.Stringer("phi", activity.Index.Phi),
		log.Int("receipts", len(receipts)),
		log.Int("alerts", len(commit.Alerts)),
	)
	return nil
}

// observe feeds the committed height to the stability monitor.
func (vm *VM) observe(b *block.Bundle, snap *ledger.Snapshot, bandHit bool) ([]stability.Alert, error) {
	network, err := snap.Supply(ledger.Network)
	if err != nil {
		return nil, err
	}
	utility, err := snap.Supply(ledger.Utility)
	if err != nil {
		return nil, err
	}
	activity := b.Block(block.Activity)
	return vm.monitor.Observe(stability.Observation{
		Height:         b.Height,
		Phi:            activity.Index.Phi,
		NetworkSupply:  network.Supply,
		UtilitySupply:  utility.Supply,
		UtilityBandHit: bandHit,
		Clamps:         len(activity.Clamps),
		Price:          vm.price,
		HasPrice:       vm.hasPrice,
	})
}

func (vm *VM) unschedule(sets []*validators.Set) {
	for _, s := range slices.Backward(sets) {
		vm.validators.Unschedule(s)
	}
}

func (vm *VM) lastEffectiveHeight() uint64 {
	sets := vm.validators.Sets()
	return sets[len(sets)-1].EffectiveHeight()
}
