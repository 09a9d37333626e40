// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/crypto/bls/signer/localsigner"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/poe/utils/math/fixed"
	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/mint"
	"github.com/luxfi/poe/vms/poevm/poe"
	"github.com/luxfi/poe/vms/poevm/validators"
)

type testNode struct {
	nodeID ids.NodeID
	signer *localsigner.LocalSigner
}

func newTestNodes(t *testing.T, n int) ([]*testNode, *validators.Set) {
	nodes := make([]*testNode, n)
	members := make([]validators.Validator, n)
	for i := range nodes {
		sk, err := localsigner.New()
		require.NoError(t, err)
		nodes[i] = &testNode{nodeID: ids.GenerateTestNodeID(), signer: sk}
		members[i] = validators.Validator{
			NodeID:    nodes[i].nodeID,
			PublicKey: bls.PublicKeyToCompressedBytes(sk.PublicKey()),
			Weight:    1,
		}
	}
	vdrs, err := validators.NewSet(0, 0, members)
	require.NoError(t, err)
	return nodes, vdrs
}

// testApp builds bundles whose contents depend only on the height, so every
// proposer of a height produces the same index and token deltas.
type testApp struct {
	vdrs      *validators.Set
	verifyErr error

	mu        sync.Mutex
	heads     block.Heads
	committed []*block.Bundle
}

func (a *testApp) ValidatorSet(uint64) (*validators.Set, error) {
	return a.vdrs, nil
}

func (a *testApp) BuildBundle(_ context.Context, height uint64, proposer ids.NodeID) (*block.Bundle, error) {
	a.mu.Lock()
	heads := a.heads
	a.mu.Unlock()

	index := poe.Index{Epoch: height, Phi: fixed.FromUint64(height)}
	indexID, err := index.ID()
	if err != nil {
		return nil, err
	}
	gamma, err := mint.Gamma(index.Phi)
	if err != nil {
		return nil, err
	}
	b := &block.Bundle{Height: height, Blocks: make([]block.Block, block.NumLedgers)}
	for i, l := range block.Ledgers {
		b.Blocks[i] = block.Block{
			Height:      height,
			Ledger:      l,
			PrevHash:    heads[i],
			PoEIndexRef: indexID,
			ProposerID:  proposer,
			Timestamp:   height,
		}
	}
	b.Blocks[block.Activity].Index = index
	b.Blocks[block.Economy].Gamma = gamma
	b.Blocks[block.Economy].TokenDeltas = []ledger.TokenDelta{{
		Kind:   ledger.Mint,
		Class:  ledger.Network,
		Epoch:  height,
		To:     ids.ShortID{1},
		Amount: gamma,
	}}
	return b, nil
}

func (a *testApp) VerifyBundle(_ context.Context, b *block.Bundle) error {
	if a.verifyErr != nil {
		return a.verifyErr
	}
	a.mu.Lock()
	heads := a.heads
	a.mu.Unlock()

	if err := b.Verify(heads); err != nil {
		return err
	}
	want := fixed.FromUint64(b.Height)
	if got := b.Blocks[block.Activity].Index.Phi; !got.Equal(want) {
		return fmt.Errorf("%w: phi %s, recomputed %s", ErrNonDeterministicRecomputation, got, want)
	}
	return nil
}

func (a *testApp) Commit(_ context.Context, b *block.Bundle) error {
	bundleID, err := b.ID()
	if err != nil {
		return err
	}
	if err := VerifyCertificate(a.vdrs, bundleID, b.Blocks[0].QuorumSignatures); err != nil {
		return err
	}
	heads, err := b.BlockIDs()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.heads = heads
	a.committed = append(a.committed, b)
	return nil
}

type testMetrics struct {
	mu          sync.Mutex
	viewChanges []uint64
	withheld    []string
	commits     int
}

func (m *testMetrics) ViewChanged(_, view uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.viewChanges = append(m.viewChanges, view)
}

func (m *testMetrics) PrevoteWithheld(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.withheld = append(m.withheld, reason)
}

func (m *testMetrics) Committed(uint64, uint64, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commits++
}

func testConfig(roundTimeout time.Duration) Config {
	return Config{
		RoundTimeout:     roundTimeout,
		TimeoutDelta:     roundTimeout / 2,
		MaxTimeout:       4 * roundTimeout,
		FutureBufferSize: 1024,
	}
}

type testEngine struct {
	node    *testNode
	app     *testApp
	metrics *testMetrics
	engine  *Engine
}

func newTestEngines(t *testing.T, cfg Config, vdrs *validators.Set, nodes []*testNode) []*testEngine {
	net := NewLocalNetwork(1024)
	engines := make([]*testEngine, len(nodes))
	for i, n := range nodes {
		app := &testApp{vdrs: vdrs}
		metrics := &testMetrics{}
		e, err := New(cfg, log.NewNoOpLogger(), n.nodeID, n.signer, app, net.Join(n.nodeID), metrics)
		require.NoError(t, err)
		engines[i] = &testEngine{node: n, app: app, metrics: metrics, engine: e}
	}
	return engines
}

func runHeights(ctx context.Context, engines []*testEngine, heights uint64) ([][]Outcome, error) {
	outcomes := make([][]Outcome, len(engines))
	eg, ctx := errgroup.WithContext(ctx)
	for i, te := range engines {
		eg.Go(func() error {
			for h := uint64(1); h <= heights; h++ {
				out, err := te.engine.RunHeight(ctx, h)
				if err != nil {
					return err
				}
				outcomes[i] = append(outcomes[i], out)
			}
			return nil
		})
	}
	return outcomes, eg.Wait()
}

func TestEngineCommitsHeights(t *testing.T) {
	require := require.New(t)

	nodes, vdrs := newTestNodes(t, 4)
	engines := newTestEngines(t, testConfig(2*time.Second), vdrs, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	outcomes, err := runHeights(ctx, engines, 3)
	require.NoError(err)

	for h := range 3 {
		want, err := outcomes[0][h].Bundle.ID()
		require.NoError(err)
		for i, te := range engines {
			out := outcomes[i][h]
			require.Equal(AllCommitted, out.Kind)
			require.Equal(uint64(h+1), out.Height)

			got, err := out.Bundle.ID()
			require.NoError(err)
			require.Equal(want, got)
			require.Equal(vdrs.Proposer(out.Height, out.View), out.Bundle.Blocks[0].ProposerID)
			require.Len(te.app.committed, 3)
		}
	}

	// Every block of a bundle carries the same certificate.
	b := engines[0].app.committed[0]
	bundleID, err := b.ID()
	require.NoError(err)
	for _, blk := range b.Blocks {
		require.Equal(b.Blocks[0].QuorumSignatures, blk.QuorumSignatures)
	}
	require.NoError(VerifyCertificate(vdrs, bundleID, b.Blocks[block.Transact].QuorumSignatures))

	status := engines[0].engine.Status()
	require.Equal(uint64(3), status.Height)
	require.Equal(Idle, status.Phase)
}

func TestEngineViewChangeOnSilentProposer(t *testing.T) {
	require := require.New(t)

	nodes, vdrs := newTestNodes(t, 4)
	silent := vdrs.Proposer(1, 0)
	var online []*testNode
	for _, n := range nodes {
		if n.nodeID != silent {
			online = append(online, n)
		}
	}
	require.Len(online, 3)
	engines := newTestEngines(t, testConfig(300*time.Millisecond), vdrs, online)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	outcomes, err := runHeights(ctx, engines, 1)
	require.NoError(err)

	// What the silent proposer would have proposed at view 0.
	reference, err := engines[0].app.BuildBundle(ctx, 1, silent)
	require.NoError(err)

	for i, te := range engines {
		out := outcomes[i][0]
		require.Equal(AllCommitted, out.Kind)
		require.Equal(uint64(1), out.Height)
		require.Equal(uint64(1), out.View)

		committed := out.Bundle
		require.Equal(vdrs.Proposer(1, 1), committed.Blocks[0].ProposerID)
		require.Equal(reference.Blocks[0].PoEIndexRef, committed.Blocks[0].PoEIndexRef)
		require.Equal(reference.Blocks[block.Activity].Index, committed.Blocks[block.Activity].Index)
		require.Equal(reference.Blocks[block.Economy].TokenDeltas, committed.Blocks[block.Economy].TokenDeltas)

		te.metrics.mu.Lock()
		require.Equal([]uint64{1}, te.metrics.viewChanges)
		te.metrics.mu.Unlock()
	}
}

func TestEngineWithholdsPrevoteOnRecomputationMismatch(t *testing.T) {
	require := require.New(t)

	nodes, vdrs := newTestNodes(t, 4)
	engines := newTestEngines(t, testConfig(2*time.Second), vdrs, nodes)
	faulty := engines[3]
	faulty.app.verifyErr = fmt.Errorf("%w: phi differs", ErrNonDeterministicRecomputation)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	outcomes, err := runHeights(ctx, engines, 1)
	require.NoError(err)

	// The honest three are a quorum on their own, and the faulty node follows
	// the certificate.
	for i := range engines {
		require.Equal(AllCommitted, outcomes[i][0].Kind)
		require.Equal(uint64(0), outcomes[i][0].View)
	}

	faulty.metrics.mu.Lock()
	require.Equal([]string{"non-deterministic"}, faulty.metrics.withheld)
	faulty.metrics.mu.Unlock()

	for _, sig := range outcomes[0][0].Bundle.Blocks[0].QuorumSignatures {
		require.NotEqual(faulty.node.nodeID, sig.NodeID)
	}
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{}, log.NewNoOpLogger(), ids.EmptyNodeID, nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidTimeout)
}

func TestEngineStopsOnContextCancel(t *testing.T) {
	require := require.New(t)

	nodes, vdrs := newTestNodes(t, 4)
	// A lone validator can never reach quorum.
	engines := newTestEngines(t, testConfig(50*time.Millisecond), vdrs, nodes[:1])

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := engines[0].engine.RunHeight(ctx, 1)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Equal(Idle, engines[0].engine.Status().Phase)

	engines[0].metrics.mu.Lock()
	require.NotEmpty(engines[0].metrics.viewChanges)
	require.Equal(uint64(1), engines[0].metrics.viewChanges[0])
	engines[0].metrics.mu.Unlock()
}

func TestEngineSingleValidatorCommits(t *testing.T) {
	require := require.New(t)

	nodes, vdrs := newTestNodes(t, 1)
	engines := newTestEngines(t, testConfig(2*time.Second), vdrs, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcomes, err := runHeights(ctx, engines, 3)
	require.NoError(err)

	// Its own votes are a quorum, so no height needs a second view.
	for h, out := range outcomes[0] {
		require.Equal(AllCommitted, out.Kind)
		require.Equal(uint64(h+1), out.Height)
		require.Zero(out.View)
		require.Len(out.Bundle.Blocks[0].QuorumSignatures, 1)
	}
	require.Len(engines[0].app.committed, 3)

	engines[0].metrics.mu.Lock()
	require.Empty(engines[0].metrics.viewChanges)
	require.Equal(3, engines[0].metrics.commits)
	engines[0].metrics.mu.Unlock()
}

func TestTallyCountsFirstVote(t *testing.T) {
	require := require.New(t)

	nodes, vdrs := newTestNodes(t, 4)
	first, second := ids.GenerateTestID(), ids.GenerateTestID()

	tl := newTally()
	id, counted := tl.add(vdrs, &Vote{Kind: Prevote, NodeID: nodes[0].nodeID, BundleID: first})
	require.True(counted)
	require.Equal(first, id)

	id, counted = tl.add(vdrs, &Vote{Kind: Prevote, NodeID: nodes[0].nodeID, BundleID: second})
	require.False(counted)
	require.Equal(first, id)
	require.Equal(uint64(1), tl.weight())

	for _, n := range nodes[1:3] {
		_, counted := tl.add(vdrs, &Vote{Kind: Prevote, NodeID: n.nodeID, BundleID: first})
		require.True(counted)
	}
	id, ok := tl.quorum(vdrs)
	require.True(ok)
	require.Equal(first, id)
}
