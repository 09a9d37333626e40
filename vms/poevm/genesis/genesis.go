// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package genesis defines the chain parameters every validator must share and
// the height-0 state built from them.
package genesis

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxfi/crypto/address/formatting"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/poe/utils/math/fixed"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/mint"
	"github.com/luxfi/poe/vms/poevm/poe"
	"github.com/luxfi/poe/vms/poevm/settlement"
	"github.com/luxfi/poe/vms/poevm/state"
	"github.com/luxfi/poe/vms/poevm/validators"
)

const maxElasticBandBps = 10_000

var (
	ErrInvalidGenesis = errors.New("invalid genesis")
	ErrNoValidators   = errors.New("genesis has no validators")
)

// Validator is a genesis validator. PublicKey is the hex encoded compressed
// BLS key.
type Validator struct {
	NodeID    ids.NodeID `json:"nodeID"`
	PublicKey string     `json:"publicKey"`
	Weight    uint64     `json:"weight"`
}

// Genesis is the JSON genesis document.
type Genesis struct {
	Timestamp   uint64              `json:"timestamp"`
	Validators  []Validator         `json:"validators"`
	Allocations []ledger.Allocation `json:"allocations"`

	Weights poe.Weights       `json:"weights"`
	Ratios  settlement.Ratios `json:"ratios"`
	Rules   ledger.Rules      `json:"rules"`

	// BaseMintRate is the Network issuance of an epoch at Γ = 1.
	BaseMintRate fixed.Dec `json:"baseMintRate"`
	// Owner and Treasury receive their fee shares of every job.
	Owner    ids.ShortID `json:"owner"`
	Treasury ids.ShortID `json:"treasury"`
	// ExpectedSources are the activity sources each epoch waits for.
	ExpectedSources []string `json:"expectedSources"`
}

// New returns a genesis with the default economic parameters.
func New(timestamp uint64, vdrs []Validator, allocations []ledger.Allocation, owner, treasury ids.ShortID, sources []string) *Genesis {
	return &Genesis{
		Timestamp:       timestamp,
		Validators:      vdrs,
		Allocations:     allocations,
		Weights:         poe.DefaultWeights(),
		Ratios:          settlement.DefaultRatios(),
		Rules:           ledger.Rules{ElasticBandBps: ledger.DefaultElasticBandBps},
		BaseMintRate:    mint.DefaultBaseRate,
		Owner:           owner,
		Treasury:        treasury,
		ExpectedSources: sources,
	}
}

// NewValidator encodes a validator's compressed public key.
func NewValidator(nodeID ids.NodeID, publicKey []byte, weight uint64) (Validator, error) {
	pk, err := formatting.Encode(formatting.Hex, publicKey)
	if err != nil {
		return Validator{}, err
	}
	return Validator{
		NodeID:    nodeID,
		PublicKey: pk,
		Weight:    weight,
	}, nil
}

// Parse decodes and validates a genesis document.
func Parse(b []byte) (*Genesis, error) {
	g := &Genesis{}
	if err := json.Unmarshal(b, g); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGenesis, err)
	}
	return g, g.Verify()
}

func (g *Genesis) Bytes() ([]byte, error) {
	return json.Marshal(g)
}

func (g *Genesis) Verify() error {
	if len(g.Validators) == 0 {
		return ErrNoValidators
	}
	if err := g.Weights.Validate(); err != nil {
		return err
	}
	if err := g.Ratios.Validate(); err != nil {
		return err
	}
	switch {
	case g.Rules.ElasticBandBps > maxElasticBandBps:
		return fmt.Errorf("%w: elastic band %d bps", ErrInvalidGenesis, g.Rules.ElasticBandBps)
	case g.BaseMintRate.Sign() < 0:
		return fmt.Errorf("%w: negative base mint rate %s", ErrInvalidGenesis, g.BaseMintRate)
	case g.Owner == g.Treasury:
		return fmt.Errorf("%w: owner is treasury", ErrInvalidGenesis)
	}
	sources := set.NewSet[string](len(g.ExpectedSources))
	for _, s := range g.ExpectedSources {
		if s == "" || sources.Contains(s) {
			return fmt.Errorf("%w: source %q", ErrInvalidGenesis, s)
		}
		sources.Add(s)
	}
	return nil
}

// ValidatorSet builds the set active from height 0.
func (g *Genesis) ValidatorSet() (*validators.Set, error) {
	members := make([]validators.Validator, len(g.Validators))
	for i, v := range g.Validators {
		pk, err := formatting.Decode(formatting.Hex, v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: public key of %s: %w", ErrInvalidGenesis, v.NodeID, err)
		}
		members[i] = validators.Validator{
			NodeID:    v.NodeID,
			PublicKey: pk,
			Weight:    v.Weight,
		}
	}
	return validators.NewSet(0, 0, members)
}

// State builds the height-0 state. It is the only place Governance supply is
// issued.
func (g *Genesis) State() (*state.Genesis, error) {
	vdrs, err := g.ValidatorSet()
	if err != nil {
		return nil, err
	}
	snap, err := ledger.NewGenesisSnapshot(g.Allocations)
	if err != nil {
		return nil, err
	}
	return &state.Genesis{
		Timestamp:  g.Timestamp,
		Snapshot:   snap,
		Validators: vdrs,
		Weights:    g.Weights,
		Ratios:     g.Ratios,
	}, nil
}
