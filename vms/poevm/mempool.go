// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poevm

import (
	"slices"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/settlement"
	"github.com/luxfi/poe/vms/poevm/validators"
)

// mempool holds the inputs submitted for the next bundles, in arrival order.
// It is guarded by the VM lock.
type mempool struct {
	jobs   []settlement.PricedJob
	jobIDs set.Set[ids.ID]

	attestations []ledger.Attestation
	// supplyChanges are the Utility and Reserve mints and burns. Their epoch
	// and attestation are filled in when they are built into a bundle.
	supplyChanges []ledger.TokenDelta
	transfers     []ledger.TokenDelta
	rotations     []validators.Rotation
}

func newMempool() mempool {
	return mempool{
		jobIDs: set.NewSet[ids.ID](0),
	}
}

func (m *mempool) addJob(job settlement.PricedJob) {
	m.jobs = append(m.jobs, job)
	m.jobIDs.Add(job.JobID)
}

// dropJobs removes the jobs in jobIDs.
func (m *mempool) dropJobs(jobIDs set.Set[ids.ID]) {
	if jobIDs.Len() == 0 {
		return
	}
	m.jobs = slices.DeleteFunc(m.jobs, func(j settlement.PricedJob) bool {
		return jobIDs.Contains(j.JobID)
	})
	for _, jobID := range jobIDs.List() {
		m.jobIDs.Remove(jobID)
	}
}

// pendingDelta normalizes a delta recorded in a block to the form it was
// submitted in.
func pendingDelta(d ledger.TokenDelta) ledger.TokenDelta {
	d.Epoch = 0
	d.AttestationID = ids.Empty
	return d
}

// removeDeltas drops one pending entry for every recorded delta.
func removeDeltas(pending []ledger.TokenDelta, recorded []ledger.TokenDelta) []ledger.TokenDelta {
	for _, d := range recorded {
		d = pendingDelta(d)
		if i := slices.IndexFunc(pending, func(p ledger.TokenDelta) bool {
			return p.Kind == d.Kind &&
				p.Class == d.Class &&
				p.From == d.From &&
				p.To == d.To &&
				p.Amount.Equal(d.Amount)
		}); i >= 0 {
			pending = slices.Delete(pending, i, i+1)
		}
	}
	return pending
}

// removeCommitted drops everything b included and everything it made
// inapplicable. lastEffective is the effective height of the last scheduled
// validator set.
func (m *mempool) removeCommitted(b *block.Bundle, snap *ledger.Snapshot, lastEffective uint64) {
	receipts := b.Block(block.Execution).FeeReceipts
	settled := set.NewSet[ids.ID](len(receipts))
	for _, r := range receipts {
		settled.Add(r.JobID)
	}
	m.dropJobs(settled)

	if latest, _, ok := snap.LatestAttestation(); ok {
		m.attestations = slices.DeleteFunc(m.attestations, func(a ledger.Attestation) bool {
			return a.Timestamp <= latest.Timestamp
		})
	}

	// The Network mint is never pending.
	m.supplyChanges = removeDeltas(m.supplyChanges, b.Block(block.Economy).TokenDeltas)
	m.transfers = removeDeltas(m.transfers, b.Block(block.Transact).TokenDeltas)

	floor := max(b.Height, lastEffective)
	m.rotations = slices.DeleteFunc(m.rotations, func(r validators.Rotation) bool {
		return r.EffectiveHeight <= floor
	})
}
