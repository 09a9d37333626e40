// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package devnet

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/crypto/bls/signer/localsigner"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/poe/consensus/bft"
	"github.com/luxfi/poe/utils/math/fixed"
	"github.com/luxfi/poe/vms/poevm"
	"github.com/luxfi/poe/vms/poevm/config"
	"github.com/luxfi/poe/vms/poevm/genesis"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/poe"
	"github.com/luxfi/poe/vms/poevm/settlement"
)

const (
	genesisTimestamp = 1_700_000_000
	networkBuffer    = 4096
	payerFunds       = 1_000_000_000
)

var (
	ErrDiverged = errors.New("validators diverged")

	payer    = ids.ShortID{1}
	earner   = ids.ShortID{2}
	owner    = ids.ShortID{8}
	treasury = ids.ShortID{9}
)

// Run starts config.Validators nodes on one in-process network, feeds them
// synthetic activity and priced jobs, commits config.Heights heights and
// writes the resulting supplies and alerts to w.
func Run(ctx context.Context, c *Config, logger log.Logger, w io.Writer) error {
	vms, err := start(ctx, c)
	if err != nil {
		return err
	}
	defer func() {
		for _, vm := range vms {
			if err := vm.Shutdown(context.Background()); err != nil {
				logger.Warn("failed to shut down validator",
					log.Err(err),
				)
			}
		}
	}()

	if err := feed(vms, c); err != nil {
		return err
	}

	logger.Info("starting devnet",
		log.Int("validators", c.Validators),
		log.Uint64("heights", c.Heights),
		log.Int("sources", c.Sources),
		log.Int("jobsPerHeight", c.JobsPerHeight),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, vm := range vms {
		g.Go(func() error {
			return vm.RunUntil(gctx, c.Heights)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("devnet stopped: %w", err)
	}

	supplies, err := agreedSupplies(vms)
	if err != nil {
		return err
	}
	logger.Info("devnet finished",
		log.Uint64("height", uint64(vms[0].ReadStatus().Height)),
	)
	return report(w, vms[0], supplies)
}

func start(ctx context.Context, c *Config) ([]*poevm.VM, error) {
	type node struct {
		nodeID ids.NodeID
		signer *localsigner.LocalSigner
	}
	nodes := make([]node, c.Validators)
	members := make([]genesis.Validator, c.Validators)
	for i := range nodes {
		sk, err := localsigner.New()
		if err != nil {
			return nil, err
		}
		nodes[i] = node{nodeID: ids.GenerateTestNodeID(), signer: sk}
		members[i], err = genesis.NewValidator(nodes[i].nodeID, bls.PublicKeyToCompressedBytes(sk.PublicKey()), 1)
		if err != nil {
			return nil, err
		}
	}

	g := genesis.New(
		genesisTimestamp,
		members,
		[]ledger.Allocation{
			{Account: payer, Class: ledger.Utility, Amount: fixed.FromUint64(payerFunds)},
			{Account: owner, Class: ledger.Governance, Amount: fixed.FromUint64(1_000_000)},
		},
		owner,
		treasury,
		sourceNames(c.Sources),
	)
	genesisBytes, err := g.Bytes()
	if err != nil {
		return nil, err
	}
	configBytes, err := nodeConfig(c)
	if err != nil {
		return nil, err
	}

	net := bft.NewLocalNetwork(networkBuffer)
	vms := make([]*poevm.VM, 0, len(nodes))
	for i, n := range nodes {
		var nodeLog log.Logger = log.NewNoOpLogger()
		if c.Verbose {
			nodeLog = log.NewLogger(fmt.Sprintf("node-%d", i))
		}
		vm := &poevm.VM{}
		if err := vm.Initialize(
			ctx,
			&poevm.Context{
				NodeID:  n.nodeID,
				Signer:  n.signer,
				Network: net.Join(n.nodeID),
				Log:     nodeLog,
			},
			memdb.New(),
			genesisBytes,
			configBytes,
		); err != nil {
			for _, started := range vms {
				_ = started.Shutdown(context.Background())
			}
			return nil, fmt.Errorf("failed to initialize validator %d: %w", i, err)
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

// nodeConfig spreads the synthetic jobs evenly over the heights and starts
// every height as soon as its samples are in.
func nodeConfig(c *Config) ([]byte, error) {
	cfg := config.DefaultConfig
	cfg.Consensus.RoundTimeout = c.RoundTimeout
	cfg.Consensus.MaxTimeout = max(cfg.Consensus.MaxTimeout, 4*c.RoundTimeout)
	cfg.SampleTimeout = 0
	if c.JobsPerHeight > 0 {
		cfg.MaxJobsPerBundle = c.JobsPerHeight
	}
	cfg.MetricsEnabled = false
	return json.Marshal(cfg)
}

func sourceNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("source-%d", i)
	}
	return names
}

// feed submits the inputs of every height up front. Every validator sees the
// same samples, so any of them can propose.
func feed(vms []*poevm.VM, c *Config) error {
	sources := sourceNames(c.Sources)
	for _, vm := range vms {
		if err := vm.SubmitPriceReference(fixed.One); err != nil {
			return err
		}
		for height := uint64(1); height <= c.Heights; height++ {
			for i, source := range sources {
				if err := vm.SubmitActivitySample(syntheticSample(source, i, height)); err != nil {
					return err
				}
			}
		}
		for n := range uint64(c.JobsPerHeight) * c.Heights {
			if err := vm.SubmitPricedJob(syntheticJob(n)); err != nil {
				return err
			}
		}
	}
	return nil
}

func syntheticSample(source string, i int, height uint64) poe.ActivitySample {
	step := (height + uint64(i)) % 5
	return poe.ActivitySample{
		SourceID:       source,
		Epoch:          height,
		Volume:         fixed.FromUint64(100_000 * (1 + step)),
		UptimeFraction: fixed.FromBps(9_500 + 100*step),
		QualityScore:   fixed.FromBps(5_000 + 1_000*((height*uint64(i+1))%5)),
	}
}

func syntheticJob(n uint64) settlement.PricedJob {
	var jobID ids.ID
	binary.BigEndian.PutUint64(jobID[:], n+1)
	return settlement.PricedJob{
		JobID:    jobID,
		TotalFee: fixed.FromUint64(1_000 + 10*n),
		Payer:    payer,
		Earner:   earner,
		Metadata: fmt.Sprintf("job-%d", n),
	}
}

func agreedSupplies(vms []*poevm.VM) ([]ledger.TokenSupplyState, error) {
	var supplies []ledger.TokenSupplyState
	for _, c := range ledger.Classes {
		want, err := vms[0].GetTokenSupply(c)
		if err != nil {
			return nil, err
		}
		for i, vm := range vms[1:] {
			got, err := vm.GetTokenSupply(c)
			if err != nil {
				return nil, err
			}
			if !got.Supply.Equal(want.Supply) {
				return nil, fmt.Errorf("%w: %s supply %s on validator %d, %s on validator 0",
					ErrDiverged, c, got.Supply, i+1, want.Supply)
			}
		}
		supplies = append(supplies, want)
	}
	return supplies, nil
}

func report(w io.Writer, vm *poevm.VM, supplies []ledger.TokenSupplyState) error {
	status := vm.ReadStatus()
	if _, err := fmt.Fprintf(w, "committed height %d\n", status.Height); err != nil {
		return err
	}
	for _, s := range supplies {
		if _, err := fmt.Fprintf(w, "%-10s supply %s (epoch %d)\n", s.Class, s.Supply, s.Epoch); err != nil {
			return err
		}
	}
	var alerts int
	for a := range vm.StreamStabilityAlerts(0) {
		alerts++
		if _, err := fmt.Fprintf(w, "alert at %d: %s, %s (%s)\n", a.Height, a.Kind, a.Recommendation, a.Detail); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d stability alerts\n", alerts)
	return err
}
