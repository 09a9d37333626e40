// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poevm

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/crypto/bls/signer/localsigner"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/poe/consensus/bft"
	"github.com/luxfi/poe/utils/math/fixed"
	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/genesis"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/mint"
	"github.com/luxfi/poe/vms/poevm/poe"
	"github.com/luxfi/poe/vms/poevm/settlement"
	"github.com/luxfi/poe/vms/poevm/validators"
)

var (
	alice    = ids.ShortID{1}
	bob      = ids.ShortID{2}
	owner    = ids.ShortID{8}
	treasury = ids.ShortID{9}

	testSources = []string{"dex", "lending"}
	testConfig  = []byte(`{
		"consensus": {"round-timeout": 2000000000, "max-timeout": 8000000000},
		"sample-timeout": 0,
		"sample-poll-interval": 10000000
	}`)
)

func newTestVMs(t *testing.T, n int) []*VM {
	vms, _ := newTestNetwork(t, n)
	return vms
}

func newTestNetwork(t *testing.T, n int) ([]*VM, *bft.LocalNetwork) {
	type node struct {
		nodeID ids.NodeID
		signer *localsigner.LocalSigner
	}
	nodes := make([]node, n)
	members := make([]genesis.Validator, n)
	for i := range nodes {
		sk, err := localsigner.New()
		require.NoError(t, err)
		nodes[i] = node{nodeID: ids.GenerateTestNodeID(), signer: sk}
		members[i], err = genesis.NewValidator(nodes[i].nodeID, bls.PublicKeyToCompressedBytes(sk.PublicKey()), 1)
		require.NoError(t, err)
	}
	g := genesis.New(
		1_700_000_000,
		members,
		[]ledger.Allocation{
			{Account: alice, Class: ledger.Governance, Amount: fixed.FromUint64(1_000)},
			{Account: alice, Class: ledger.Utility, Amount: fixed.FromUint64(10_000)},
		},
		owner,
		treasury,
		testSources,
	)
	genesisBytes, err := g.Bytes()
	require.NoError(t, err)

	net := bft.NewLocalNetwork(1024)
	vms := make([]*VM, n)
	for i, node := range nodes {
		vm := &VM{}
		require.NoError(t, vm.Initialize(
			context.Background(),
			&Context{
				NodeID:  node.nodeID,
				Signer:  node.signer,
				Network: net.Join(node.nodeID),
				Log:     log.NewNoOpLogger(),
			},
			memdb.New(),
			genesisBytes,
			testConfig,
		))
		t.Cleanup(func() {
			require.NoError(t, vm.Shutdown(context.Background()))
		})
		vms[i] = vm
	}
	return vms, net
}

func testSample(source string, epoch uint64) poe.ActivitySample {
	return poe.ActivitySample{
		SourceID:       source,
		Epoch:          epoch,
		Volume:         fixed.FromUint64(500_000),
		UptimeFraction: fixed.One,
		QualityScore:   fixed.MustParse("0.5"),
	}
}

func submitSamples(t *testing.T, vm *VM, epoch uint64) {
	for _, source := range testSources {
		require.NoError(t, vm.SubmitActivitySample(testSample(source, epoch)))
	}
}

func commitNext(t *testing.T, vm *VM) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := vm.engine.RunHeight(ctx, vm.state.Height()+1)
	require.NoError(t, err)
	require.Equal(t, bft.AllCommitted, out.Kind)
}

func supply(t *testing.T, vm *VM, c ledger.TokenClass) string {
	s, err := vm.GetTokenSupply(c)
	require.NoError(t, err)
	return s.Supply.String()
}

func TestCommitGatedMint(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	submitSamples(t, vm, 1)
	commitNext(t, vm)

	// 0.4 volume + 0.2 uptime + 0.1 quality.
	activity, err := vm.GetBlock(block.Activity, 1)
	require.NoError(err)
	require.Equal("0.7", activity.Index.Phi.String())
	require.Len(activity.Samples, 2)

	allowance, err := mint.EpochMint(mint.DefaultBaseRate, activity.Index.Phi)
	require.NoError(err)
	require.Equal(allowance.String(), supply(t, vm, ledger.Network))
	reward := vm.GetBalance(treasury, ledger.Network)
	require.Equal(allowance, reward.Spendable)

	economy, err := vm.GetBlock(block.Economy, 1)
	require.NoError(err)
	require.Len(economy.TokenDeltas, 1)
	require.Equal(ledger.Network, economy.TokenDeltas[0].Class)

	// Governance supply is fixed at genesis.
	require.Equal("1000", supply(t, vm, ledger.Governance))

	status := vm.ReadStatus()
	require.Equal(uint64(1), uint64(status.Height))
	require.False(status.Stale)
}

func TestNoActivityNoMint(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	commitNext(t, vm)

	activity, err := vm.GetBlock(block.Activity, 1)
	require.NoError(err)
	require.True(activity.Index.Phi.IsZero())

	economy, err := vm.GetBlock(block.Economy, 1)
	require.NoError(err)
	require.True(economy.NetworkAllowance.IsZero())
	require.Empty(economy.TokenDeltas)
	require.Equal("0", supply(t, vm, ledger.Network))
}

func TestReserveMintNeedsBacking(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	require.NoError(vm.SubmitReserveAttestation(ledger.Attestation{
		BackingValue: fixed.FromUint64(900),
		ProofRef:     "custodian/1",
		Timestamp:    1,
	}))

	err := vm.SubmitReserveMint(alice, fixed.FromUint64(1_000))
	require.ErrorIs(err, ledger.ErrInsufficientBacking)
	require.Empty(vm.pending.supplyChanges)

	require.NoError(vm.SubmitReserveMint(alice, fixed.FromUint64(900)))
	err = vm.SubmitReserveMint(alice, fixed.FromUint64(1))
	require.ErrorIs(err, ledger.ErrInsufficientBacking)

	commitNext(t, vm)
	require.Equal("900", supply(t, vm, ledger.Reserve))
	require.Equal("900", vm.GetBalance(alice, ledger.Reserve).Spendable.String())
	require.Empty(vm.pending.attestations)
	require.Empty(vm.pending.supplyChanges)

	// A stale attestation is refused.
	err = vm.SubmitReserveAttestation(ledger.Attestation{
		BackingValue: fixed.FromUint64(2_000),
		ProofRef:     "custodian/0",
		Timestamp:    1,
	})
	require.ErrorIs(err, ledger.ErrStaleAttestation)
}

func TestSubmitSupplyChangeRejects(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	err := vm.SubmitSupplyChange(ledger.TokenDelta{
		Kind:   ledger.Mint,
		Class:  ledger.Governance,
		To:     alice,
		Amount: fixed.One,
	})
	require.ErrorIs(err, ledger.ErrImmutableSupply)

	err = vm.SubmitSupplyChange(ledger.TokenDelta{
		Kind:   ledger.Mint,
		Class:  ledger.Network,
		To:     alice,
		Amount: fixed.One,
	})
	require.ErrorIs(err, ErrUnsupportedChange)

	err = vm.SubmitSupplyChange(ledger.TokenDelta{
		Kind:   ledger.Burn,
		Class:  ledger.Utility,
		From:   bob,
		Amount: fixed.One,
	})
	require.ErrorIs(err, ledger.ErrInsufficientBalance)

	err = vm.SubmitTransfer(alice, bob, ledger.Utility, fixed.FromUint64(20_000))
	require.ErrorIs(err, ledger.ErrInsufficientBalance)

	require.ErrorIs(vm.SubmitActivitySample(testSample("dex", 0)), ErrStaleSample)
	require.ErrorIs(vm.SubmitActivitySample(testSample("oracle", 1)), poe.ErrUnknownSource)
	require.ErrorIs(vm.SubmitPriceReference(fixed.Zero), ErrInvalidPrice)
}

func TestSettleJob(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	job := settlement.PricedJob{
		JobID:    ids.GenerateTestID(),
		TotalFee: fixed.FromUint64(1_000),
		Payer:    alice,
		Earner:   bob,
		Metadata: "inference",
	}
	require.NoError(vm.SubmitPricedJob(job))
	require.ErrorIs(vm.SubmitPricedJob(job), ErrDuplicateJob)
	require.NoError(vm.SubmitTransfer(alice, bob, ledger.Utility, fixed.FromUint64(500)))
	commitNext(t, vm)

	receipt, err := vm.GetFeeReceipt(job.JobID)
	require.NoError(err)
	require.Equal("200", receipt.ReserveShare.String())
	require.Equal("300", receipt.SpendableShare.String())
	require.Equal("200", receipt.OwnerShare.String())
	require.Equal("300", receipt.TreasuryShare.String())
	require.NoError(receipt.Verify())

	require.Equal("8500", vm.GetBalance(alice, ledger.Utility).Spendable.String())
	earned := vm.GetBalance(bob, ledger.Utility)
	require.Equal("800", earned.Spendable.String())
	require.Equal("200", earned.Locked.String())
	require.Equal("300", vm.GetBalance(treasury, ledger.Utility).Spendable.String())
	require.Equal("10000", supply(t, vm, ledger.Utility))

	require.ErrorIs(vm.SubmitPricedJob(job), ErrJobSettled)
	require.Empty(vm.pending.jobs)
	require.Empty(vm.pending.transfers)

	// A bundle replaying the settled job is refused.
	ctx := context.Background()
	b, err := vm.BuildBundle(ctx, 2, vm.ctx.NodeID)
	require.NoError(err)
	b.Block(block.Execution).FeeReceipts = []settlement.Receipt{*receipt}
	require.ErrorIs(vm.VerifyBundle(ctx, b), ErrJobSettled)
}

func TestVerifyDetectsTamperedIndex(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	submitSamples(t, vm, 1)

	ctx := context.Background()
	b, err := vm.BuildBundle(ctx, 1, vm.ctx.NodeID)
	require.NoError(err)
	require.NoError(vm.VerifyBundle(ctx, b))

	activity := b.Block(block.Activity)
	activity.Index.Phi = fixed.MustParse("0.9")
	indexID, err := activity.Index.ID()
	require.NoError(err)
	for i := range b.Blocks {
		b.Blocks[i].PoEIndexRef = indexID
	}
	err = vm.VerifyBundle(ctx, b)
	require.ErrorIs(err, bft.ErrNonDeterministicRecomputation)

	// Verification never touches committed state.
	require.Zero(vm.state.Height())
}

func TestVerifyRejectsUnknownProposer(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	ctx := context.Background()
	b, err := vm.BuildBundle(ctx, 1, vm.ctx.NodeID)
	require.NoError(err)

	stranger := ids.GenerateTestNodeID()
	for i := range b.Blocks {
		b.Blocks[i].ProposerID = stranger
	}
	require.ErrorIs(vm.VerifyBundle(ctx, b), ErrUnknownProposer)

	_, err = vm.BuildBundle(ctx, 2, vm.ctx.NodeID)
	require.ErrorIs(err, ErrNotNextHeight)
}

func TestUpdateWeightsActivates(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	w := poe.DefaultWeights()
	require.ErrorIs(vm.UpdateWeights(w), ErrStaleVersion)

	w.Version = 2
	w.Volume = fixed.MustParse("0.5")
	require.NoError(vm.UpdateWeights(w))

	submitSamples(t, vm, 1)
	commitNext(t, vm)

	activity, err := vm.GetBlock(block.Activity, 1)
	require.NoError(err)
	require.Equal(uint64(2), activity.Index.WeightsVersion)
	require.Equal("0.8", activity.Index.Phi.String())

	persisted, err := vm.state.Weights()
	require.NoError(err)
	require.Len(persisted, 2)
	require.Equal(uint64(2), vm.activeWeights)
}

func TestRun(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	submitSamples(t, vm, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- vm.Run(ctx)
	}()
	require.Eventually(func() bool {
		return vm.ReadStatus().Height >= 3
	}, 20*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(<-done, context.Canceled)

	activity, err := vm.GetBlock(block.Activity, 1)
	require.NoError(err)
	require.Equal("0.7", activity.Index.Phi.String())

	// Heights without samples commit a zero index.
	activity, err = vm.GetBlock(block.Activity, 2)
	require.NoError(err)
	require.True(activity.Index.Phi.IsZero())
	require.Empty(activity.Samples)

	// A single validator never needs a second view.
	for h := uint64(1); h <= 2; h++ {
		b, err := vm.state.GetBundle(h)
		require.NoError(err)
		require.Equal(vm.ctx.NodeID, b.Blocks[0].ProposerID)
		require.Len(b.Blocks[0].QuorumSignatures, 1)
	}
}

func TestLateSampleRejectedAfterProposal(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	require.NoError(vm.SubmitActivitySample(testSample("dex", 1)))

	ctx := context.Background()
	first, err := vm.BuildBundle(ctx, 1, vm.ctx.NodeID)
	require.NoError(err)
	firstIndex := first.Block(block.Activity).Index
	require.Equal("0.35", firstIndex.Phi.String())

	// The samples of a height are fixed once its first bundle is built.
	err = vm.SubmitActivitySample(testSample("lending", 1))
	require.ErrorIs(err, poe.ErrEpochClosed)
	require.NoError(vm.SubmitActivitySample(testSample("lending", 2)))

	again, err := vm.BuildBundle(ctx, 1, ids.GenerateTestNodeID())
	require.NoError(err)
	require.Equal(first.Blocks[0].PoEIndexRef, again.Blocks[0].PoEIndexRef)
	require.Equal(firstIndex, again.Block(block.Activity).Index)
	require.Len(again.Block(block.Activity).Samples, 1)

	commitNext(t, vm)
	activity, err := vm.GetBlock(block.Activity, 1)
	require.NoError(err)
	require.Equal(first.Blocks[0].PoEIndexRef, activity.PoEIndexRef)
}

func TestViewChangeReusesBundleContent(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	submitSamples(t, vm, 1)
	job := settlement.PricedJob{
		JobID:    ids.GenerateTestID(),
		TotalFee: fixed.FromUint64(100),
		Payer:    alice,
		Earner:   bob,
	}
	require.NoError(vm.SubmitPricedJob(job))
	require.NoError(vm.SubmitTransfer(alice, bob, ledger.Utility, fixed.FromUint64(5)))

	ctx := context.Background()
	view0, err := vm.BuildBundle(ctx, 1, vm.ctx.NodeID)
	require.NoError(err)

	// Inputs queued after the first proposal wait for the next height.
	require.NoError(vm.SubmitTransfer(alice, bob, ledger.Utility, fixed.FromUint64(7)))

	next := ids.GenerateTestNodeID()
	view1, err := vm.BuildBundle(ctx, 1, next)
	require.NoError(err)
	for i := range view1.Blocks {
		require.Equal(next, view1.Blocks[i].ProposerID)
		require.Equal(view0.Blocks[i].PoEIndexRef, view1.Blocks[i].PoEIndexRef)
		require.Equal(view0.Blocks[i].TokenDeltas, view1.Blocks[i].TokenDeltas)
		require.Equal(view0.Blocks[i].FeeReceipts, view1.Blocks[i].FeeReceipts)
	}
	economy := view1.Block(block.Economy)
	require.Equal(treasury, economy.TokenDeltas[0].To)
	require.Equal(view0.Block(block.Economy).NetworkAllowance, economy.NetworkAllowance)
	require.Len(view1.Block(block.Transact).TokenDeltas, 1)

	// The first proposal is untouched by the re-proposal.
	require.Equal(vm.ctx.NodeID, view0.Blocks[0].ProposerID)
}

func TestViewChangeCommitsFirstBundleContent(t *testing.T) {
	require := require.New(t)

	vms, net := newTestNetwork(t, 4)
	for _, vm := range vms {
		submitSamples(t, vm, 1)
	}

	vdrs, err := vms[0].ValidatorSet(1)
	require.NoError(err)
	silent := vdrs.Proposer(1, 0)
	var (
		proposer *VM
		online   []*VM
	)
	for _, vm := range vms {
		if vm.ctx.NodeID == silent {
			proposer = vm
			continue
		}
		online = append(online, vm)
	}
	require.NotNil(proposer)
	require.Len(online, 3)

	// The view-0 proposer builds its bundle but nobody hears it.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	net.Disconnect(silent)
	view0, err := proposer.BuildBundle(ctx, 1, silent)
	require.NoError(err)

	eg, egCtx := errgroup.WithContext(ctx)
	outcomes := make([]bft.Outcome, len(online))
	for i, vm := range online {
		eg.Go(func() error {
			var err error
			outcomes[i], err = vm.engine.RunHeight(egCtx, 1)
			return err
		})
	}
	require.NoError(eg.Wait())

	for i, vm := range online {
		out := outcomes[i]
		require.Equal(bft.AllCommitted, out.Kind)
		require.GreaterOrEqual(out.View, uint64(1))
		require.NotEqual(silent, out.Bundle.Blocks[0].ProposerID)

		for _, l := range block.Ledgers {
			committed, err := vm.GetBlock(l, 1)
			require.NoError(err)
			built := view0.Block(l)
			require.Equal(built.PoEIndexRef, committed.PoEIndexRef)
			require.ElementsMatch(built.TokenDeltas, committed.TokenDeltas)
		}
		require.Equal(supply(t, online[0], ledger.Network), supply(t, vm, ledger.Network))
	}
	require.False(view0.Block(block.Economy).NetworkAllowance.IsZero())
}

func TestCommitWithdrawsRotationOnPersistFailure(t *testing.T) {
	require := require.New(t)

	vm := newTestVMs(t, 1)[0]
	sk, err := localsigner.New()
	require.NoError(err)
	joining := validators.Validator{
		NodeID:    ids.GenerateTestNodeID(),
		PublicKey: bls.PublicKeyToCompressedBytes(sk.PublicKey()),
		Weight:    1,
	}
	rotation := validators.Rotation{
		Epoch:           1,
		EffectiveHeight: 5,
		Members:         []validators.Validator{joining},
	}
	require.NoError(rotation.Approve(vm.ctx.NodeID, vm.ctx.Signer))
	require.NoError(vm.ProposeValidatorRotation(rotation))

	ctx := context.Background()
	b, err := vm.BuildBundle(ctx, 1, vm.ctx.NodeID)
	require.NoError(err)
	require.Len(b.Block(block.Cluster).Rotations, 1)

	// A certified bundle that does not extend the stored heads cannot be
	// persisted.
	b.Block(block.Transact).PrevHash = ids.GenerateTestID()
	certify(t, vm, b)
	err = vm.Commit(ctx, b)
	require.ErrorIs(err, block.ErrPrevHashMismatch)

	require.Zero(vm.state.Height())
	require.Len(vm.validators.Sets(), 1)
	require.False(vm.validators.GetSet(5).Contains(joining.NodeID))
	persisted, err := vm.state.ValidatorSets()
	require.NoError(err)
	require.Len(persisted, 1)

	// The intact bundle commits and schedules the rotation with it.
	commitNext(t, vm)
	require.Len(vm.validators.Sets(), 2)
	require.True(vm.validators.GetSet(5).Contains(joining.NodeID))
	persisted, err = vm.state.ValidatorSets()
	require.NoError(err)
	require.Len(persisted, 2)
}

// certify signs b with the single validator of vm.
func certify(t *testing.T, vm *VM, b *block.Bundle) {
	bundleID, err := b.ID()
	require.NoError(t, err)
	sig, err := vm.ctx.Signer.Sign(bundleID[:])
	require.NoError(t, err)
	b.SetQuorumSignatures([]block.Signature{{
		NodeID:    vm.ctx.NodeID,
		Signature: bls.SignatureToBytes(sig),
	}})
}

func TestDevnet(t *testing.T) {
	require := require.New(t)

	const heights = 3
	vms := newTestVMs(t, 4)
	job := settlement.PricedJob{
		JobID:    ids.GenerateTestID(),
		TotalFee: fixed.FromUint64(100),
		Payer:    alice,
		Earner:   bob,
	}
	for _, vm := range vms {
		for h := uint64(1); h <= heights; h++ {
			submitSamples(t, vm, h)
		}
		require.NoError(vm.SubmitPricedJob(job))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	for _, vm := range vms {
		eg.Go(func() error {
			for h := uint64(1); h <= heights; h++ {
				if _, err := vm.engine.RunHeight(ctx, h); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(eg.Wait())

	want := vms[0].state.Heads()
	for _, vm := range vms {
		require.Equal(uint64(heights), vm.state.Height())
		require.Equal(want, vm.state.Heads())
		require.Equal(vms[0].snapshot.Supplies(), vm.snapshot.Supplies())
		require.Equal("1000", supply(t, vm, ledger.Governance))
		_, err := vm.GetFeeReceipt(job.JobID)
		require.NoError(err)
		require.Empty(vm.pending.jobs)
	}

	// Replaying the stored bundles from genesis reproduces the state.
	vm := vms[0]
	genesisState, err := vm.genesis.State()
	require.NoError(err)
	snap := genesisState.Snapshot
	for h := uint64(1); h <= heights; h++ {
		b, err := vm.state.GetBundle(h)
		require.NoError(err)
		diff, err := vm.execute(snap, b)
		require.NoError(err)
		snap, err = diff.Apply()
		require.NoError(err)
	}
	require.Equal(vm.snapshot.Supplies(), snap.Supplies())
	require.Equal(vm.snapshot.Balance(bob, ledger.Utility), snap.Balance(bob, ledger.Utility))
}
