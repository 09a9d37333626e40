// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poevm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"github.com/luxfi/utils/json"

	"github.com/luxfi/poe/consensus/bft"
	"github.com/luxfi/poe/utils/math/fixed"
	"github.com/luxfi/poe/utils/timer/mockable"
	"github.com/luxfi/poe/vms/poevm/api"
	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/config"
	"github.com/luxfi/poe/vms/poevm/genesis"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/metrics"
	"github.com/luxfi/poe/vms/poevm/poe"
	"github.com/luxfi/poe/vms/poevm/settlement"
	"github.com/luxfi/poe/vms/poevm/stability"
	"github.com/luxfi/poe/vms/poevm/state"
	"github.com/luxfi/poe/vms/poevm/validators"

	utilmetric "github.com/luxfi/poe/utils/metric"
)

const (
	// Namespace prefixes every metric of the VM.
	Namespace = "poevm"

	// maxFutureTimestamp is how far ahead of the local clock a proposed
	// bundle may be.
	maxFutureTimestamp = 10 * time.Second
)

var (
	_ bft.Application = (*VM)(nil)
	_ api.VM          = (*VM)(nil)

	ErrNotInitialized        = errors.New("vm not initialized")
	ErrNotNextHeight         = errors.New("bundle does not extend the committed height")
	ErrUnknownVersion        = errors.New("unknown parameter version")
	ErrStaleVersion          = errors.New("parameter version older than active")
	ErrUnknownProposer       = errors.New("proposer is not a validator")
	ErrTimestampBeforeParent = errors.New("timestamp before parent")
	ErrFutureTimestamp       = errors.New("timestamp too far in the future")
	ErrExpectedSources       = errors.New("expected source count mismatch")
	ErrRewardMismatch        = errors.New("network mint does not match the gated reward")
	ErrTooManyJobs           = errors.New("too many fee receipts")
	ErrTooManyDeltas         = errors.New("too many token deltas")
	ErrTooManyRotations      = errors.New("at most one rotation per bundle")
	ErrDuplicateJob          = errors.New("duplicate job")
	ErrJobSettled            = errors.New("job already settled")
	ErrMempoolFull           = errors.New("pending job limit reached")
	ErrStaleSample           = errors.New("sample for a committed epoch")
	ErrUnsupportedChange     = errors.New("unsupported supply change")
	ErrInvalidPrice          = errors.New("price reference must be positive")
)

// Context carries what the node gives the VM: its identity, its signer and its
// view of the validator network.
type Context struct {
	NodeID  ids.NodeID
	Signer  validators.Signer
	Network bft.Network
	Log     log.Logger
	// Registerer receives the VM metrics. Nil uses a private registry.
	Registerer metric.Registry
}

// VM is one validator's PoE node. It collects the inputs of each height,
// proposes and verifies bundles for the consensus engine and serves the
// committed state.
type VM struct {
	config.Config

	log        log.Logger
	ctx        *Context
	registerer metric.Registry

	// Used to check local time
	clock mockable.Clock

	genesis    *genesis.Genesis
	state      *state.State
	validators *validators.Manager
	collector  *poe.Collector
	settler    *settlement.Engine
	monitor    *stability.Monitor
	metrics    *metrics.Metrics
	engine     *bft.Engine

	// lock guards everything below. The consensus engine holds it while it
	// builds, verifies or commits, readers hold it to take a consistent view.
	lock     sync.RWMutex
	snapshot *ledger.Snapshot
	pending  mempool

	// proposal is the first bundle built for the height being decided. Later
	// views propose its content again under their own proposer.
	proposal *block.Bundle

	// weights and ratios hold every known version in version order. The
	// active version is the one the last committed height used.
	weights       []poe.Weights
	ratios        []settlement.Ratios
	activeWeights uint64
	activeRatios  uint64

	price    fixed.Dec
	hasPrice bool
}

// Initialize opens the state, writing genesis on first start, and wires the
// consensus engine.
func (vm *VM) Initialize(
	_ context.Context,
	chainCtx *Context,
	db database.Database,
	genesisBytes []byte,
	configBytes []byte,
) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	vm.ctx = chainCtx
	vm.log = chainCtx.Log
	vm.registerer = chainCtx.Registerer
	if vm.registerer == nil {
		vm.registerer = metric.NewRegistry()
	}

	cfg, err := config.GetConfig(configBytes)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	vm.Config = *cfg

	vm.genesis, err = genesis.Parse(genesisBytes)
	if err != nil {
		return fmt.Errorf("failed to parse genesis: %w", err)
	}

	vm.state, err = state.New(db, vm.log)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	if !vm.state.Initialized() {
		genesisState, err := vm.genesis.State()
		if err != nil {
			return err
		}
		if err := vm.state.Initialize(genesisState); err != nil {
			return fmt.Errorf("failed to initialize genesis state: %w", err)
		}
	}

	vm.snapshot, err = vm.state.Snapshot()
	if err != nil {
		return err
	}
	if err := vm.loadValidators(); err != nil {
		return err
	}
	if err := vm.loadVersions(); err != nil {
		return err
	}

	vm.collector = poe.NewCollector(&vm.clock, vm.SampleTimeout, vm.genesis.ExpectedSources)
	vm.settler = settlement.NewEngine(vm.log, vm.genesis.Owner, vm.genesis.Treasury)
	vm.pending = newMempool()

	vm.monitor, err = stability.NewMonitor(vm.Stability, vm.log)
	if err != nil {
		return err
	}
	alerts, err := vm.state.Alerts(0)
	if err != nil {
		return err
	}
	vm.monitor.Restore(alerts)

	var consensusMetrics bft.Metrics
	if vm.MetricsEnabled {
		vm.metrics, err = metrics.New(Namespace, vm.registerer)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		consensusMetrics = vm.metrics
	}
	vm.engine, err = bft.New(
		vm.Consensus,
		vm.log,
		chainCtx.NodeID,
		chainCtx.Signer,
		vm,
		chainCtx.Network,
		consensusMetrics,
	)
	if err != nil {
		return err
	}

	vm.log.Info("initialized poe vm",
		log.Stringer("nodeID", chainCtx.NodeID),
		log.Uint64("height", vm.state.Height()),
		log.Uint64("weightsVersion", vm.activeWeights),
		log.Uint64("ratiosVersion", vm.activeRatios),
		log.Int("expectedSources", len(vm.genesis.ExpectedSources)),
	)
	return nil
}

func (vm *VM) loadValidators() error {
	sets, err := vm.state.ValidatorSets()
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return fmt.Errorf("%w: no validator set", state.ErrNotInitialized)
	}
	vm.validators = validators.NewManager(vm.log, sets[0])
	for _, s := range sets[1:] {
		if err := vm.validators.Schedule(s); err != nil {
			return err
		}
	}
	return nil
}

func (vm *VM) loadVersions() error {
	var err error
	if vm.weights, err = vm.state.Weights(); err != nil {
		return err
	}
	if vm.ratios, err = vm.state.Ratios(); err != nil {
		return err
	}
	if len(vm.weights) == 0 || len(vm.ratios) == 0 {
		return fmt.Errorf("%w: no weights or ratios", state.ErrNotInitialized)
	}
	vm.activeWeights = vm.weights[len(vm.weights)-1].Version
	vm.activeRatios = vm.ratios[len(vm.ratios)-1].Version
	return nil
}

// Run drives consensus from the next uncommitted height until ctx is done.
func (vm *VM) Run(ctx context.Context) error {
	return vm.RunUntil(ctx, math.MaxUint64)
}

// RunUntil drives consensus until lastHeight is committed. Each height first
// waits until its activity samples are in.
func (vm *VM) RunUntil(ctx context.Context, lastHeight uint64) error {
	if vm.engine == nil {
		return ErrNotInitialized
	}
	for height := vm.state.Height() + 1; height <= lastHeight; height++ {
		if err := vm.awaitSamples(ctx, height); err != nil {
			return err
		}
		if _, err := vm.engine.RunHeight(ctx, height); err != nil {
			return err
		}
	}
	return nil
}

func (vm *VM) awaitSamples(ctx context.Context, height uint64) error {
	vm.collector.Open(height)
	if vm.collector.Ready(height) {
		return nil
	}
	ticker := time.NewTicker(vm.SamplePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if vm.collector.Ready(height) {
				return nil
			}
		}
	}
}

// Shutdown closes the state. Run must have returned.
func (vm *VM) Shutdown(context.Context) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if vm.state == nil {
		return nil
	}
	vm.log.Info("shutting down poe vm")
	return vm.state.Close()
}

// CreateHandlers returns the read-only JSON-RPC API.
func (vm *VM) CreateHandlers(context.Context) (map[string]http.Handler, error) {
	var interceptor utilmetric.APIInterceptor
	if vm.MetricsEnabled {
		var err error
		interceptor, err = utilmetric.NewAPIInterceptor(utilmetric.AppendNamespace(Namespace, "api"), vm.registerer)
		if err != nil {
			return nil, err
		}
	}
	handler, err := api.NewHandler(api.NewService(vm, vm.log), interceptor)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s service: %w", api.Name, err)
	}
	return map[string]http.Handler{
		"/rpc": handler,
	}, nil
}

// ReadStatus reports the committed height and whether a view change is in
// progress.
func (vm *VM) ReadStatus() api.ReadStatus {
	round := vm.engine.Status()
	return api.ReadStatus{
		Height: json.Uint64(vm.state.Height()),
		Stale:  round.Phase == bft.ViewChange || round.View > 0,
	}
}

// Round returns the consensus round in progress.
func (vm *VM) Round() bft.Round {
	return vm.engine.Status()
}

func (vm *VM) GetBlock(l block.LedgerID, height uint64) (*block.Block, error) {
	return vm.state.GetBlock(l, height)
}

func (vm *VM) GetTokenSupply(c ledger.TokenClass) (ledger.TokenSupplyState, error) {
	return vm.state.Supply(c)
}

func (vm *VM) GetTokenSupplyAt(c ledger.TokenClass, height uint64) (ledger.TokenSupplyState, error) {
	return vm.state.SupplyAt(c, height)
}

func (vm *VM) GetFeeReceipt(jobID ids.ID) (*settlement.Receipt, error) {
	return vm.state.GetReceipt(jobID)
}

// GetBalance returns the committed balance of an account.
func (vm *VM) GetBalance(account ids.ShortID, c ledger.TokenClass) ledger.Balance {
	vm.lock.RLock()
	defer vm.lock.RUnlock()

	return vm.snapshot.Balance(account, c)
}

// StreamStabilityAlerts yields the persisted alerts raised at or after
// fromHeight. The sequence ends at the last committed alert; a later session
// resumes from the last height seen plus one.
func (vm *VM) StreamStabilityAlerts(fromHeight uint64) iter.Seq[stability.Alert] {
	return func(yield func(stability.Alert) bool) {
		alerts, err := vm.state.Alerts(fromHeight)
		if err != nil {
			vm.log.Error("failed to read stability alerts",
				log.Uint64("fromHeight", fromHeight),
				log.Err(err),
			)
			return
		}
		for _, a := range alerts {
			if !yield(a) {
				return
			}
		}
	}
}

// ValidatorSet implements bft.Application.
func (vm *VM) ValidatorSet(height uint64) (*validators.Set, error) {
	return vm.validators.GetSet(height), nil
}

// weightsVersion returns the weights of version if it is known and not older
// than the active version.
func (vm *VM) weightsVersion(version uint64) (poe.Weights, error) {
	if version < vm.activeWeights {
		return poe.Weights{}, fmt.Errorf("%w: weights %d before active %d", ErrStaleVersion, version, vm.activeWeights)
	}
	i := slices.IndexFunc(vm.weights, func(w poe.Weights) bool {
		return w.Version == version
	})
	if i < 0 {
		return poe.Weights{}, fmt.Errorf("%w: weights %d", ErrUnknownVersion, version)
	}
	return vm.weights[i], nil
}

func (vm *VM) ratiosVersion(version uint64) (settlement.Ratios, error) {
	if version < vm.activeRatios {
		return settlement.Ratios{}, fmt.Errorf("%w: ratios %d before active %d", ErrStaleVersion, version, vm.activeRatios)
	}
	i := slices.IndexFunc(vm.ratios, func(r settlement.Ratios) bool {
		return r.Version == version
	})
	if i < 0 {
		return settlement.Ratios{}, fmt.Errorf("%w: ratios %d", ErrUnknownVersion, version)
	}
	return vm.ratios[i], nil
}
