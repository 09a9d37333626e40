// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poevm

import (
	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/ledger"
)

// execute stages the token changes of b on a diff of parent. Every validator
// applies a bundle in the same order: Reserve attestations, the gated Network
// allowance, the Economy mints and burns, the fee receipts, then transfers.
func (vm *VM) execute(parent *ledger.Snapshot, b *block.Bundle) (*ledger.Diff, error) {
	diff, err := ledger.NewDiff(parent, b.Height, vm.genesis.Rules)
	if err != nil {
		return nil, err
	}

	economy := b.Block(block.Economy)
	for _, a := range economy.Attestations {
		if _, err := diff.Attest(a); err != nil {
			return nil, err
		}
	}
	if err := diff.SetNetworkAllowance(economy.NetworkAllowance); err != nil {
		return nil, err
	}
	for _, d := range economy.TokenDeltas {
		if err := diff.ApplyDelta(d); err != nil {
			return nil, err
		}
	}

	receipts := b.Block(block.Execution).FeeReceipts
	for i := range receipts {
		if err := vm.settler.Apply(diff, &receipts[i]); err != nil {
			return nil, err
		}
	}

	for _, d := range b.Block(block.Transact).TokenDeltas {
		if err := diff.ApplyDelta(d); err != nil {
			return nil, err
		}
	}
	return diff, nil
}
