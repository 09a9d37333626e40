// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poevm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/poe/consensus/bft"
	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/mint"
	"github.com/luxfi/poe/vms/poevm/poe"
	"github.com/luxfi/poe/vms/poevm/settlement"
)

// VerifyBundle implements bft.Application. It re-derives every ledger of b
// from the recorded inputs and dry-runs the token changes on the committed
// state. A recomputation that disagrees with the proposer is reported as
// bft.ErrNonDeterministicRecomputation.
//
// The first bundle accepted at a height closes its sample collection and is
// kept as the content this node proposes if a later view falls to it.
func (vm *VM) VerifyBundle(ctx context.Context, b *block.Bundle) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	parent := vm.snapshot
	if b.Height != parent.Height()+1 {
		return fmt.Errorf("%w: verifying %d on %d", ErrNotNextHeight, b.Height, parent.Height())
	}
	if err := b.Verify(vm.state.Heads()); err != nil {
		return err
	}

	first := &b.Blocks[0]
	if !vm.validators.GetSet(b.Height).Contains(first.ProposerID) {
		return fmt.Errorf("%w: %s", ErrUnknownProposer, first.ProposerID)
	}
	if parentTime := vm.state.Timestamp(); first.Timestamp < parentTime {
		return fmt.Errorf("%w: %d < %d", ErrTimestampBeforeParent, first.Timestamp, parentTime)
	}
	if maxTime := vm.clock.Unix() + uint64(maxFutureTimestamp/time.Second); first.Timestamp > maxTime {
		return fmt.Errorf("%w: %d > %d", ErrFutureTimestamp, first.Timestamp, maxTime)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return vm.verifyActivity(b)
	})
	g.Go(func() error {
		return vm.verifyCluster(b)
	})
	g.Go(func() error {
		return vm.verifyExecution(ctx, b)
	})
	g.Go(func() error {
		return vm.verifyTransact(b)
	})
	g.Go(func() error {
		return vm.verifyEconomy(b)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	diff, err := vm.execute(parent, b)
	if err == nil {
		_, err = diff.Apply()
	}
	if err != nil {
		vm.log.Warn("bundle violates ledger invariants",
			log.Uint64("height", b.Height),
			log.Stringer("proposer", first.ProposerID),
			log.Err(err),
		)
		return err
	}

	vm.collector.Close(b.Height)
	if vm.proposal == nil || vm.proposal.Height != b.Height {
		vm.proposal = withProposer(b, first.ProposerID, first.Timestamp)
	}
	return nil
}

func nonDeterministic(err error) error {
	return fmt.Errorf("%w: %w", bft.ErrNonDeterministicRecomputation, err)
}

func (vm *VM) verifyActivity(b *block.Bundle) error {
	activity := b.Block(block.Activity)
	expected := len(vm.genesis.ExpectedSources)
	if int(activity.ExpectedSources) != expected {
		return fmt.Errorf("%w: recorded %d, want %d", ErrExpectedSources, activity.ExpectedSources, expected)
	}
	for i := range activity.Samples {
		s := &activity.Samples[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if !slices.Contains(vm.genesis.ExpectedSources, s.SourceID) {
			return fmt.Errorf("%w: %q", poe.ErrUnknownSource, s.SourceID)
		}
	}

	weights, err := vm.weightsVersion(activity.Index.WeightsVersion)
	if err != nil {
		return err
	}
	result, err := poe.Verify(&activity.Index, activity.Samples, expected, weights, vm.PhiEpsilon)
	switch {
	case errors.Is(err, poe.ErrMismatch):
		vm.log.Error("index recomputation mismatch",
			log.Uint64("height", b.Height),
			log.Stringer("proposer", activity.ProposerID),
			log.Stringer("recordedPhi", activity.Index.Phi),
			log.Stringer("recomputedPhi", result.Index.Phi),
			log.Uint64("weightsVersion", weights.Version),
			log.Int("samples", len(activity.Samples)),
			log.Int("expectedSources", expected),
			log.Err(err),
		)
		return nonDeterministic(err)
	case err != nil:
		return err
	}
	if !slices.Equal(result.Clamps, activity.Clamps) {
		return nonDeterministic(fmt.Errorf("recorded %d clamp events, recomputed %d", len(activity.Clamps), len(result.Clamps)))
	}
	return nil
}

func (vm *VM) verifyEconomy(b *block.Bundle) error {
	economy := b.Block(block.Economy)
	phi := b.Block(block.Activity).Index.Phi
	gamma, err := mint.Gamma(phi)
	if err != nil {
		return err
	}
	allowance, err := mint.EpochMint(vm.genesis.BaseMintRate, phi)
	if err != nil {
		return err
	}
	if !gamma.Equal(economy.Gamma) || !allowance.Equal(economy.NetworkAllowance) {
		vm.log.Error("mint gate recomputation mismatch",
			log.Uint64("height", b.Height),
			log.Stringer("phi", phi),
			log.Stringer("recordedGamma", economy.Gamma),
			log.Stringer("recomputedGamma", gamma),
			log.Stringer("recordedAllowance", economy.NetworkAllowance),
			log.Stringer("recomputedAllowance", allowance),
		)
		return nonDeterministic(fmt.Errorf("gamma %s allowance %s, recomputed %s %s",
			economy.Gamma, economy.NetworkAllowance, gamma, allowance))
	}

	limit := vm.MaxDeltasPerBundle
	if !allowance.IsZero() {
		limit++
	}
	if len(economy.TokenDeltas) > limit {
		return fmt.Errorf("%w: %d economy deltas", ErrTooManyDeltas, len(economy.TokenDeltas))
	}

	reward := vm.genesis.Treasury
	var networkMints int
	for i, d := range economy.TokenDeltas {
		if d.Class != ledger.Network {
			continue
		}
		networkMints++
		if i != 0 || d.Kind != ledger.Mint || d.To != reward || !d.Amount.Equal(allowance) {
			return fmt.Errorf("%w: %s of %s to %s at %d", ErrRewardMismatch, d.Kind, d.Amount, d.To, i)
		}
	}
	if !allowance.IsZero() && networkMints == 0 {
		return fmt.Errorf("%w: missing mint of %s", ErrRewardMismatch, allowance)
	}
	return nil
}

func (vm *VM) verifyExecution(ctx context.Context, b *block.Bundle) error {
	receipts := b.Block(block.Execution).FeeReceipts
	if len(receipts) > vm.MaxJobsPerBundle {
		return fmt.Errorf("%w: %d", ErrTooManyJobs, len(receipts))
	}
	seen := set.NewSet[ids.ID](len(receipts))
	for i := range receipts {
		if err := ctx.Err(); err != nil {
			return err
		}

		r := &receipts[i]
		if seen.Contains(r.JobID) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, r.JobID)
		}
		seen.Add(r.JobID)

		settled, err := vm.state.HasReceipt(r.JobID)
		if err != nil {
			return err
		}
		if settled {
			return fmt.Errorf("%w: %s", ErrJobSettled, r.JobID)
		}

		ratios, err := vm.ratiosVersion(r.RatiosVersion)
		if err != nil {
			return err
		}
		recomputed, err := settlement.Split(settlement.PricedJob{
			JobID:    r.JobID,
			TotalFee: r.TotalFee,
			Payer:    r.Payer,
			Earner:   r.Earner,
		}, ratios)
		if err != nil {
			return err
		}
		if recomputed.SettlementHash != r.SettlementHash {
			vm.log.Error("fee split recomputation mismatch",
				log.Uint64("height", b.Height),
				log.Stringer("jobID", r.JobID),
				log.Uint64("ratiosVersion", r.RatiosVersion),
				log.Stringer("recorded", r.SettlementHash),
				log.Stringer("recomputed", recomputed.SettlementHash),
			)
			return nonDeterministic(fmt.Errorf("%w: job %s", settlement.ErrHashMismatch, r.JobID))
		}
	}
	return nil
}

func (vm *VM) verifyTransact(b *block.Bundle) error {
	if n := len(b.Block(block.Transact).TokenDeltas); n > vm.MaxDeltasPerBundle {
		return fmt.Errorf("%w: %d transfers", ErrTooManyDeltas, n)
	}
	return nil
}

func (vm *VM) verifyCluster(b *block.Bundle) error {
	rotations := b.Block(block.Cluster).Rotations
	if len(rotations) > 1 {
		return fmt.Errorf("%w: %d", ErrTooManyRotations, len(rotations))
	}
	for i := range rotations {
		if _, err := vm.validators.VerifyRotation(&rotations[i], b.Height); err != nil {
			return err
		}
	}
	return nil
}
