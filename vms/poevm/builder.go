// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poevm

import (
	"context"
	"fmt"
	"slices"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/mint"
	"github.com/luxfi/poe/vms/poevm/poe"
	"github.com/luxfi/poe/vms/poevm/settlement"
)

// builder assembles a bundle one input at a time. Every input is staged on the
// diff of the inputs accepted so far. A rejected input poisons the diff, so
// the diff is rebuilt from the accepted bundle before the next input.
type builder struct {
	vm     *VM
	parent *ledger.Snapshot
	bundle *block.Bundle
	diff   *ledger.Diff

	// attestationID is the latest attestation as of the staged inputs.
	attestationID ids.ID
	// err is set when the accepted bundle itself stopped executing.
	err error
}

func (vm *VM) newBuilder(parent *ledger.Snapshot, proposer ids.NodeID, timestamp uint64, indexRef ids.ID) *builder {
	height := parent.Height() + 1
	heads := vm.state.Heads()
	b := &block.Bundle{
		Height: height,
		Blocks: make([]block.Block, block.NumLedgers),
	}
	for i, l := range block.Ledgers {
		b.Blocks[i] = block.Block{
			Height:      height,
			Ledger:      l,
			PrevHash:    heads[i],
			PoEIndexRef: indexRef,
			ProposerID:  proposer,
			Timestamp:   timestamp,
		}
	}
	_, attestationID, _ := parent.LatestAttestation()
	return &builder{
		vm:            vm,
		parent:        parent,
		bundle:        b,
		attestationID: attestationID,
	}
}

// reset executes the accepted bundle from the parent.
func (b *builder) reset() error {
	diff, err := b.vm.execute(b.parent, b.bundle)
	if err != nil {
		b.err = err
		return err
	}
	b.diff = diff
	return nil
}

func (b *builder) stage(apply func(*ledger.Diff) error) error {
	if b.err != nil {
		return b.err
	}
	err := apply(b.diff)
	if err == nil {
		return nil
	}
	if resetErr := b.reset(); resetErr != nil {
		return resetErr
	}
	return err
}

func (b *builder) attest(a ledger.Attestation) error {
	var attestationID ids.ID
	err := b.stage(func(d *ledger.Diff) error {
		var err error
		attestationID, err = d.Attest(a)
		return err
	})
	if err != nil {
		return err
	}
	economy := b.bundle.Block(block.Economy)
	economy.Attestations = append(economy.Attestations, a)
	b.attestationID = attestationID
	return nil
}

// changeSupply stages a mint or burn of the Economy ledger. Reserve mints
// reference the latest attestation.
func (b *builder) changeSupply(d ledger.TokenDelta) error {
	d.Epoch = b.bundle.Height
	if d.Kind == ledger.Mint && d.Class == ledger.Reserve {
		d.AttestationID = b.attestationID
	}
	if err := b.stage(func(diff *ledger.Diff) error {
		return diff.ApplyDelta(d)
	}); err != nil {
		return err
	}
	economy := b.bundle.Block(block.Economy)
	economy.TokenDeltas = append(economy.TokenDeltas, d)
	return nil
}

func (b *builder) settle(job settlement.PricedJob, ratios settlement.Ratios) error {
	var receipt *settlement.Receipt
	if err := b.stage(func(diff *ledger.Diff) error {
		var err error
		receipt, err = b.vm.settler.Settle(diff, job, ratios)
		return err
	}); err != nil {
		return err
	}
	execution := b.bundle.Block(block.Execution)
	execution.FeeReceipts = append(execution.FeeReceipts, *receipt)
	return nil
}

func (b *builder) transfer(d ledger.TokenDelta) error {
	d.Kind = ledger.Transfer
	d.Epoch = b.bundle.Height
	if err := b.stage(func(diff *ledger.Diff) error {
		return diff.ApplyDelta(d)
	}); err != nil {
		return err
	}
	transact := b.bundle.Block(block.Transact)
	transact.TokenDeltas = append(transact.TokenDeltas, d)
	return nil
}

// BuildBundle implements bft.Application. It computes the index of height
// from the collected samples, gates the Network mint by it and fills the
// bundle from the mempool. Inputs the ledger rejects are dropped from the
// mempool.
//
// The first bundle built or accepted at a height fixes its samples, index and
// token deltas. Later views propose the same content and only the proposer and
// timestamp change.
func (vm *VM) BuildBundle(_ context.Context, height uint64, proposer ids.NodeID) (*block.Bundle, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	parent := vm.snapshot
	if height != parent.Height()+1 {
		return nil, fmt.Errorf("%w: building %d on %d", ErrNotNextHeight, height, parent.Height())
	}
	timestamp := max(vm.clock.Unix(), vm.state.Timestamp())
	if vm.proposal != nil && vm.proposal.Height == height {
		vm.log.Info("re-proposing bundle",
			log.Uint64("height", height),
			log.Stringer("proposer", proposer),
			log.Stringer("firstProposer", vm.proposal.Blocks[0].ProposerID),
		)
		return withProposer(vm.proposal, proposer, timestamp), nil
	}

	vm.collector.Close(height)
	weights := vm.weights[len(vm.weights)-1]
	samples := vm.collector.Samples(height)
	expected := len(vm.genesis.ExpectedSources)
	result, err := poe.Calculate(height, samples, expected, weights)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate index: %w", err)
	}
	indexID, err := result.Index.ID()
	if err != nil {
		return nil, err
	}
	gamma, err := mint.Gamma(result.Index.Phi)
	if err != nil {
		return nil, err
	}
	allowance, err := mint.EpochMint(vm.genesis.BaseMintRate, result.Index.Phi)
	if err != nil {
		return nil, err
	}

	b := vm.newBuilder(parent, proposer, timestamp, indexID)
	activity := b.bundle.Block(block.Activity)
	activity.Samples = samples
	activity.ExpectedSources = uint32(expected)
	activity.Index = result.Index
	activity.Clamps = result.Clamps
	economy := b.bundle.Block(block.Economy)
	economy.Gamma = gamma
	economy.NetworkAllowance = allowance
	if err := b.reset(); err != nil {
		return nil, err
	}

	vm.buildAttestations(b)
	if !allowance.IsZero() {
		if err := b.changeSupply(ledger.TokenDelta{
			Kind:   ledger.Mint,
			Class:  ledger.Network,
			To:     vm.genesis.Treasury,
			Amount: allowance,
		}); err != nil {
			return nil, fmt.Errorf("failed to stage network mint: %w", err)
		}
	}
	vm.buildSupplyChanges(b)
	vm.buildJobs(b)
	vm.buildTransfers(b)
	vm.buildRotation(b)

	if b.err != nil {
		return nil, b.err
	}
	if _, err := b.diff.Apply(); err != nil {
		return nil, err
	}

	vm.log.Info("built bundle",
		log.Uint64("height", height),
		log.Stringer("proposer", proposer),
		log.Stringer("phi", result.Index.Phi),
		log.Stringer("networkAllowance", allowance),
		log.Int("samples", len(samples)),
		log.Int("clamps", len(result.Clamps)),
		log.Int("attestations", len(economy.Attestations)),
		log.Int("supplyChanges", len(economy.TokenDeltas)),
		log.Int("receipts", len(b.bundle.Block(block.Execution).FeeReceipts)),
		log.Int("transfers", len(b.bundle.Block(block.Transact).TokenDeltas)),
		log.Int("rotations", len(b.bundle.Block(block.Cluster).Rotations)),
	)
	vm.proposal = withProposer(b.bundle, proposer, timestamp)
	return b.bundle, nil
}

// withProposer returns a copy of b authored by proposer at timestamp.
func withProposer(b *block.Bundle, proposer ids.NodeID, timestamp uint64) *block.Bundle {
	c := &block.Bundle{
		Height: b.Height,
		Blocks: slices.Clone(b.Blocks),
	}
	for i := range c.Blocks {
		c.Blocks[i].ProposerID = proposer
		c.Blocks[i].Timestamp = timestamp
		c.Blocks[i].QuorumSignatures = nil
	}
	return c
}

func (vm *VM) buildAttestations(b *builder) {
	kept := vm.pending.attestations[:0]
	for _, a := range vm.pending.attestations {
		if err := b.attest(a); err != nil {
			vm.log.Warn("dropping attestation",
				log.String("proofRef", a.ProofRef),
				log.Uint64("timestamp", a.Timestamp),
				log.Err(err),
			)
			continue
		}
		kept = append(kept, a)
	}
	vm.pending.attestations = kept
}

func (vm *VM) buildSupplyChanges(b *builder) {
	var (
		kept     = vm.pending.supplyChanges[:0]
		accepted int
	)
	for _, d := range vm.pending.supplyChanges {
		if accepted >= vm.MaxDeltasPerBundle {
			kept = append(kept, d)
			continue
		}
		if err := b.changeSupply(d); err != nil {
			vm.log.Warn("dropping supply change",
				log.Stringer("kind", d.Kind),
				log.Stringer("class", d.Class),
				log.Stringer("amount", d.Amount),
				log.Err(err),
			)
			continue
		}
		accepted++
		kept = append(kept, d)
	}
	vm.pending.supplyChanges = kept
}

func (vm *VM) buildJobs(b *builder) {
	var (
		ratios   = vm.ratios[len(vm.ratios)-1]
		rejected = set.NewSet[ids.ID](0)
		accepted int
	)
	for _, job := range vm.pending.jobs {
		if accepted >= vm.MaxJobsPerBundle {
			break
		}
		if err := b.settle(job, ratios); err != nil {
			rejected.Add(job.JobID)
			continue
		}
		accepted++
	}
	vm.pending.dropJobs(rejected)
}

func (vm *VM) buildTransfers(b *builder) {
	var (
		kept     = vm.pending.transfers[:0]
		accepted int
	)
	for _, d := range vm.pending.transfers {
		if accepted >= vm.MaxDeltasPerBundle {
			kept = append(kept, d)
			continue
		}
		if err := b.transfer(d); err != nil {
			vm.log.Warn("dropping transfer",
				log.Stringer("class", d.Class),
				log.Stringer("from", d.From),
				log.Stringer("amount", d.Amount),
				log.Err(err),
			)
			continue
		}
		accepted++
		kept = append(kept, d)
	}
	vm.pending.transfers = kept
}

// buildRotation includes the first pending rotation that verifies against the
// set active at the bundle height.
func (vm *VM) buildRotation(b *builder) {
	kept := vm.pending.rotations[:0]
	cluster := b.bundle.Block(block.Cluster)
	for _, r := range vm.pending.rotations {
		if len(cluster.Rotations) > 0 {
			kept = append(kept, r)
			continue
		}
		if _, err := vm.validators.VerifyRotation(&r, b.bundle.Height); err != nil {
			vm.log.Warn("dropping validator rotation",
				log.Uint64("epoch", r.Epoch),
				log.Uint64("effectiveHeight", r.EffectiveHeight),
				log.Err(err),
			)
			continue
		}
		cluster.Rotations = append(cluster.Rotations, r)
		kept = append(kept, r)
	}
	vm.pending.rotations = kept
}

// draft stages the pending supply inputs on the committed state, so that a new
// input is checked against what will be built ahead of it.
func (vm *VM) draft() (*builder, error) {
	b := vm.newBuilder(vm.snapshot, ids.EmptyNodeID, 0, ids.Empty)
	if err := b.reset(); err != nil {
		return nil, err
	}
	for _, a := range vm.pending.attestations {
		_ = b.attest(a)
	}
	for _, d := range vm.pending.supplyChanges {
		_ = b.changeSupply(d)
	}
	return b, b.err
}
