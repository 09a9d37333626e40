// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/luxfi/cache"
	"github.com/luxfi/cache/lru"
	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	hashicorplru "github.com/hashicorp/golang-lru"

	"github.com/luxfi/poe/utils/compression"
	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/poe"
	"github.com/luxfi/poe/vms/poevm/settlement"
	"github.com/luxfi/poe/vms/poevm/stability"
	"github.com/luxfi/poe/vms/poevm/validators"
)

const (
	defaultTreeDegree = 2
	blockCacheSize    = 512
	receiptCacheSize  = 4096

	// MaxBlockSize bounds a decompressed block.
	MaxBlockSize = 16 * 1024 * 1024
)

var (
	ErrNotInitialized     = errors.New("state not initialized")
	ErrAlreadyInitialized = errors.New("state already initialized")
	ErrNotExtending       = errors.New("bundle does not extend the committed height")
	ErrSnapshotHeight     = errors.New("snapshot height does not match bundle")
	ErrDuplicateReceipt   = errors.New("duplicate fee receipt")
	ErrBlockMismatch      = errors.New("stored block does not match its key")

	BlockPrefix         = []byte("block")
	SupplyPrefix        = []byte("supply")
	SupplyHistoryPrefix = []byte("supplyHistory")
	ReceiptPrefix       = []byte("receipt")
	AttestationPrefix   = []byte("attestation")
	AlertPrefix         = []byte("alert")
	ValidatorSetPrefix  = []byte("validatorSet")
	WeightsPrefix       = []byte("weights")
	RatiosPrefix        = []byte("ratios")
	SingletonPrefix     = []byte("singleton")

	InitializedKey = []byte("initialized")
	HeightKey      = []byte("height")
	HeadsKey       = []byte("heads")
	SnapshotKey    = []byte("snapshot")
	TimestampKey   = []byte("timestamp")
)

// Genesis is the height-0 state.
type Genesis struct {
	Timestamp  uint64
	Snapshot   *ledger.Snapshot
	Validators *validators.Set
	Weights    poe.Weights
	Ratios     settlement.Ratios
}

// Commit is everything a finalized bundle changes.
type Commit struct {
	Bundle   *block.Bundle
	Snapshot *ledger.Snapshot
	Alerts   []stability.Alert
	// ValidatorSets are the sets scheduled by the bundle's rotations.
	ValidatorSets []*validators.Set
	// Weights and Ratios are set when governance activated a new version.
	Weights *poe.Weights
	Ratios  *settlement.Ratios
}

type blockKey struct {
	ledger block.LedgerID
	height uint64
}

type supplyEntry struct {
	height uint64
	state  ledger.TokenSupplyState
}

func supplyEntryLess(a, b supplyEntry) bool {
	return a.height < b.height
}

type headsRecord struct {
	Heads []ids.ID `serialize:"true"`
}

// State persists finalized bundles and the records derived from them. All
// writes of one bundle land in a single batch.
type State struct {
	log        log.Logger
	compressor compression.Compressor

	baseDB *versiondb.Database

	blockDBs        [block.NumLedgers]database.Database
	supplyDB        database.Database
	supplyHistoryDB database.Database
	receiptDB       database.Database
	attestationDB   database.Database
	alertDB         database.Database
	validatorSetDB  database.Database
	weightsDB       database.Database
	ratiosDB        database.Database
	singletonDB     database.Database

	blockCache   cache.Cacher[blockKey, *block.Block]
	receiptCache *hashicorplru.Cache

	mu          sync.RWMutex
	initialized bool
	height      uint64
	timestamp   uint64
	heads       block.Heads
	supply      [len(ledger.Classes)]ledger.TokenSupplyState
	history     [len(ledger.Classes)]*btree.BTreeG[supplyEntry]
}

// New opens the state over db, loading whatever was committed before.
func New(db database.Database, logger log.Logger) (*State, error) {
	compressor, err := compression.NewZstdCompressor(MaxBlockSize)
	if err != nil {
		return nil, err
	}
	receiptCache, err := hashicorplru.New(receiptCacheSize)
	if err != nil {
		return nil, err
	}

	baseDB := versiondb.New(db)
	blockDB := prefixdb.New(BlockPrefix, baseDB)
	s := &State{
		log:             logger,
		compressor:      compressor,
		baseDB:          baseDB,
		supplyDB:        prefixdb.New(SupplyPrefix, baseDB),
		supplyHistoryDB: prefixdb.New(SupplyHistoryPrefix, baseDB),
		receiptDB:       prefixdb.New(ReceiptPrefix, baseDB),
		attestationDB:   prefixdb.New(AttestationPrefix, baseDB),
		alertDB:         prefixdb.New(AlertPrefix, baseDB),
		validatorSetDB:  prefixdb.New(ValidatorSetPrefix, baseDB),
		weightsDB:       prefixdb.New(WeightsPrefix, baseDB),
		ratiosDB:        prefixdb.New(RatiosPrefix, baseDB),
		singletonDB:     prefixdb.New(SingletonPrefix, baseDB),
		blockCache:      lru.NewCache[blockKey, *block.Block](blockCacheSize),
		receiptCache:    receiptCache,
	}
	for _, l := range block.Ledgers {
		s.blockDBs[l] = prefixdb.New([]byte{byte(l)}, blockDB)
	}
	for i := range s.history {
		s.history[i] = btree.NewG(defaultTreeDegree, supplyEntryLess)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) load() error {
	initialized, err := s.singletonDB.Has(InitializedKey)
	if err != nil || !initialized {
		return err
	}

	height, err := database.GetUInt64(s.singletonDB, HeightKey)
	if err != nil {
		return fmt.Errorf("failed to load height: %w", err)
	}
	timestamp, err := database.GetUInt64(s.singletonDB, TimestampKey)
	if err != nil {
		return fmt.Errorf("failed to load timestamp: %w", err)
	}
	headsBytes, err := s.singletonDB.Get(HeadsKey)
	if err != nil {
		return fmt.Errorf("failed to load heads: %w", err)
	}
	var heads headsRecord
	if _, err := Codec.Unmarshal(headsBytes, &heads); err != nil {
		return fmt.Errorf("failed to parse heads: %w", err)
	}
	if len(heads.Heads) != block.NumLedgers {
		return fmt.Errorf("%w: %d heads", block.ErrWrongBlockCount, len(heads.Heads))
	}

	for _, c := range ledger.Classes {
		supplyBytes, err := s.supplyDB.Get([]byte{byte(c)})
		if err != nil {
			return fmt.Errorf("failed to load %s supply: %w", c, err)
		}
		if _, err := Codec.Unmarshal(supplyBytes, &s.supply[c]); err != nil {
			return fmt.Errorf("failed to parse %s supply: %w", c, err)
		}
	}

	it := s.supplyHistoryDB.NewIterator()
	defer it.Release()
	for it.Next() {
		c, h, err := parseSupplyHistoryKey(it.Key())
		if err != nil {
			return err
		}
		if !c.Valid() {
			return fmt.Errorf("%w: %d", ledger.ErrUnknownClass, c)
		}
		entry := supplyEntry{height: h}
		if _, err := Codec.Unmarshal(it.Value(), &entry.state); err != nil {
			return fmt.Errorf("failed to parse supply history: %w", err)
		}
		s.history[c].ReplaceOrInsert(entry)
	}
	if err := it.Error(); err != nil {
		return err
	}

	s.initialized = true
	s.height = height
	s.timestamp = timestamp
	copy(s.heads[:], heads.Heads)

	s.log.Info("loaded state",
		log.Uint64("height", height),
		log.Int("supplyHistory", s.historyLen()),
	)
	return nil
}

func (s *State) historyLen() int {
	n := 0
	for _, t := range s.history {
		n += t.Len()
	}
	return n
}

// Initialized reports whether genesis has been written.
func (s *State) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.initialized
}

// Initialize writes the genesis state.
func (s *State) Initialize(g *Genesis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}
	if g.Snapshot.Height() != 0 {
		return fmt.Errorf("%w: genesis snapshot at %d", ErrSnapshotHeight, g.Snapshot.Height())
	}
	defer s.baseDB.Abort()

	if err := s.putSnapshot(g.Snapshot, 0); err != nil {
		return err
	}
	if err := s.putValidatorSet(g.Validators); err != nil {
		return err
	}
	if err := s.putVersioned(s.weightsDB, g.Weights.Version, &g.Weights); err != nil {
		return err
	}
	if err := s.putVersioned(s.ratiosDB, g.Ratios.Version, &g.Ratios); err != nil {
		return err
	}
	if err := s.putHead(0, g.Timestamp, block.Heads{}); err != nil {
		return err
	}
	if err := s.singletonDB.Put(InitializedKey, nil); err != nil {
		return err
	}
	if err := s.commit(); err != nil {
		return err
	}

	s.initialized = true
	s.height = 0
	s.timestamp = g.Timestamp
	s.heads = block.Heads{}
	s.updateSupply(g.Snapshot, 0)

	s.log.Info("initialized genesis state",
		log.Int("validators", g.Validators.Len()),
		log.Uint64("weightsVersion", g.Weights.Version),
		log.Uint64("ratiosVersion", g.Ratios.Version),
	)
	return nil
}

// CommitBundle persists a finalized bundle with its derived state. Nothing is
// written unless every record is.
func (s *State) CommitBundle(c *Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	b := c.Bundle
	if b.Height != s.height+1 {
		return fmt.Errorf("%w: height %d after %d", ErrNotExtending, b.Height, s.height)
	}
	if c.Snapshot.Height() != b.Height {
		return fmt.Errorf("%w: snapshot %d, bundle %d", ErrSnapshotHeight, c.Snapshot.Height(), b.Height)
	}
	if len(b.Blocks) != block.NumLedgers {
		return fmt.Errorf("%w: %d", block.ErrWrongBlockCount, len(b.Blocks))
	}
	heads, err := b.BlockIDs()
	if err != nil {
		return err
	}
	for i := range b.Blocks {
		if b.Blocks[i].PrevHash != s.heads[i] {
			return fmt.Errorf("%w: %s at %d", block.ErrPrevHashMismatch, block.Ledgers[i], b.Height)
		}
	}
	defer s.baseDB.Abort()

	for i := range b.Blocks {
		if err := s.putBlock(&b.Blocks[i]); err != nil {
			return err
		}
	}
	receipts := b.Blocks[block.Execution].FeeReceipts
	for i := range receipts {
		if err := s.putReceipt(&receipts[i]); err != nil {
			return err
		}
	}
	for _, a := range b.Blocks[block.Economy].Attestations {
		if err := s.putAttestation(a); err != nil {
			return err
		}
	}
	for i, a := range c.Alerts {
		alertBytes, err := Codec.Marshal(CodecVersion, &a)
		if err != nil {
			return err
		}
		if err := s.alertDB.Put(alertKey(a.Height, uint32(i)), alertBytes); err != nil {
			return err
		}
	}
	for _, vdrs := range c.ValidatorSets {
		if err := s.putValidatorSet(vdrs); err != nil {
			return err
		}
	}
	if c.Weights != nil {
		if err := s.putVersioned(s.weightsDB, c.Weights.Version, c.Weights); err != nil {
			return err
		}
	}
	if c.Ratios != nil {
		if err := s.putVersioned(s.ratiosDB, c.Ratios.Version, c.Ratios); err != nil {
			return err
		}
	}
	if err := s.putSnapshot(c.Snapshot, b.Height); err != nil {
		return err
	}
	timestamp := b.Blocks[0].Timestamp
	if err := s.putHead(b.Height, timestamp, heads); err != nil {
		return err
	}
	if err := s.commit(); err != nil {
		return err
	}

	for i := range b.Blocks {
		s.blockCache.Put(blockKey{ledger: b.Blocks[i].Ledger, height: b.Height}, &b.Blocks[i])
	}
	for i := range receipts {
		s.receiptCache.Add(receipts[i].JobID, &receipts[i])
	}
	s.height = b.Height
	s.timestamp = timestamp
	s.heads = heads
	s.updateSupply(c.Snapshot, b.Height)

	s.log.Debug("committed bundle",
		log.Uint64("height", b.Height),
		log.Int("receipts", len(receipts)),
		log.Int("alerts", len(c.Alerts)),
	)
	return nil
}

func (s *State) commit() error {
	batch, err := s.baseDB.CommitBatch()
	if err != nil {
		return err
	}
	return batch.Write()
}

func (s *State) putBlock(blk *block.Block) error {
	blkBytes, err := blk.Bytes()
	if err != nil {
		return err
	}
	compressed, err := s.compressor.Compress(blkBytes)
	if err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}
	return s.blockDBs[blk.Ledger].Put(heightKey(blk.Height), compressed)
}

func (s *State) putReceipt(r *settlement.Receipt) error {
	has, err := s.receiptDB.Has(r.JobID[:])
	if err != nil {
		return err
	}
	if has {
		return fmt.Errorf("%w: %s", ErrDuplicateReceipt, r.JobID)
	}
	receiptBytes, err := r.Bytes()
	if err != nil {
		return err
	}
	return s.receiptDB.Put(r.JobID[:], receiptBytes)
}

func (s *State) putAttestation(a ledger.Attestation) error {
	attestationID, err := a.ID()
	if err != nil {
		return err
	}
	attestationBytes, err := Codec.Marshal(CodecVersion, &a)
	if err != nil {
		return err
	}
	return s.attestationDB.Put(attestationID[:], attestationBytes)
}

func (s *State) putValidatorSet(vdrs *validators.Set) error {
	setBytes, err := vdrs.Bytes()
	if err != nil {
		return err
	}
	return s.validatorSetDB.Put(heightKey(vdrs.EffectiveHeight()), setBytes)
}

func (s *State) putVersioned(db database.Database, version uint64, v any) error {
	b, err := Codec.Marshal(CodecVersion, v)
	if err != nil {
		return err
	}
	return db.Put(heightKey(version), b)
}

// putSnapshot writes the snapshot and every supply that changed since the
// last commit.
func (s *State) putSnapshot(snap *ledger.Snapshot, height uint64) error {
	snapBytes, err := snap.Bytes()
	if err != nil {
		return err
	}
	if err := s.singletonDB.Put(SnapshotKey, snapBytes); err != nil {
		return err
	}
	for _, supply := range snap.Supplies() {
		if s.initialized && supply.Supply.Equal(s.supply[supply.Class].Supply) {
			continue
		}
		supplyBytes, err := Codec.Marshal(CodecVersion, &supply)
		if err != nil {
			return err
		}
		if err := s.supplyDB.Put([]byte{byte(supply.Class)}, supplyBytes); err != nil {
			return err
		}
		if err := s.supplyHistoryDB.Put(supplyHistoryKey(supply.Class, height), supplyBytes); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) updateSupply(snap *ledger.Snapshot, height uint64) {
	for _, supply := range snap.Supplies() {
		if height > 0 && supply.Supply.Equal(s.supply[supply.Class].Supply) {
			continue
		}
		s.supply[supply.Class] = supply
		s.history[supply.Class].ReplaceOrInsert(supplyEntry{height: height, state: supply})
	}
}

func (s *State) putHead(height, timestamp uint64, heads block.Heads) error {
	headsBytes, err := Codec.Marshal(CodecVersion, &headsRecord{Heads: heads[:]})
	if err != nil {
		return err
	}
	if err := s.singletonDB.Put(HeadsKey, headsBytes); err != nil {
		return err
	}
	if err := database.PutUInt64(s.singletonDB, TimestampKey, timestamp); err != nil {
		return err
	}
	return database.PutUInt64(s.singletonDB, HeightKey, height)
}

// Height of the last committed bundle.
func (s *State) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.height
}

// Timestamp of the last committed bundle.
func (s *State) Timestamp() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.timestamp
}

// Heads are the block IDs each ledger's next block must chain to.
func (s *State) Heads() block.Heads {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.heads
}

// GetBlock returns the block of ledger l at height.
func (s *State) GetBlock(l block.LedgerID, height uint64) (*block.Block, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", block.ErrUnknownLedger, l)
	}
	key := blockKey{ledger: l, height: height}
	if blk, ok := s.blockCache.Get(key); ok {
		return blk, nil
	}

	compressed, err := s.blockDBs[l].Get(heightKey(height))
	if err != nil {
		return nil, err
	}
	blkBytes, err := s.compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block: %w", err)
	}
	blk, err := block.Parse(blkBytes)
	if err != nil {
		return nil, err
	}
	if blk.Ledger != l || blk.Height != height {
		return nil, fmt.Errorf("%w: %s at %d", ErrBlockMismatch, l, height)
	}
	s.blockCache.Put(key, blk)
	return blk, nil
}

// GetBundle reassembles the five blocks finalized at height.
func (s *State) GetBundle(height uint64) (*block.Bundle, error) {
	b := &block.Bundle{
		Height: height,
		Blocks: make([]block.Block, block.NumLedgers),
	}
	for i, l := range block.Ledgers {
		blk, err := s.GetBlock(l, height)
		if err != nil {
			return nil, err
		}
		b.Blocks[i] = *blk
	}
	return b, nil
}

// Supply is the latest committed supply of c.
func (s *State) Supply(c ledger.TokenClass) (ledger.TokenSupplyState, error) {
	if !c.Valid() {
		return ledger.TokenSupplyState{}, fmt.Errorf("%w: %d", ledger.ErrUnknownClass, c)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return ledger.TokenSupplyState{}, ErrNotInitialized
	}
	return s.supply[c], nil
}

// SupplyAt is the supply of c as committed at height.
func (s *State) SupplyAt(c ledger.TokenClass, height uint64) (ledger.TokenSupplyState, error) {
	if !c.Valid() {
		return ledger.TokenSupplyState{}, fmt.Errorf("%w: %d", ledger.ErrUnknownClass, c)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if height > s.height {
		return ledger.TokenSupplyState{}, database.ErrNotFound
	}
	var (
		found ledger.TokenSupplyState
		ok    bool
	)
	s.history[c].DescendLessOrEqual(supplyEntry{height: height}, func(e supplyEntry) bool {
		found, ok = e.state, true
		return false
	})
	if !ok {
		return ledger.TokenSupplyState{}, database.ErrNotFound
	}
	return found, nil
}

// GetReceipt returns the fee receipt of a settled job.
func (s *State) GetReceipt(jobID ids.ID) (*settlement.Receipt, error) {
	if r, ok := s.receiptCache.Get(jobID); ok {
		return r.(*settlement.Receipt), nil
	}
	receiptBytes, err := s.receiptDB.Get(jobID[:])
	if err != nil {
		return nil, err
	}
	r, err := settlement.ParseReceipt(receiptBytes)
	if err != nil {
		return nil, err
	}
	s.receiptCache.Add(jobID, r)
	return r, nil
}

// HasReceipt reports whether jobID was already settled.
func (s *State) HasReceipt(jobID ids.ID) (bool, error) {
	if s.receiptCache.Contains(jobID) {
		return true, nil
	}
	return s.receiptDB.Has(jobID[:])
}

// GetAttestation returns a committed Reserve attestation by ID.
func (s *State) GetAttestation(attestationID ids.ID) (ledger.Attestation, error) {
	var a ledger.Attestation
	attestationBytes, err := s.attestationDB.Get(attestationID[:])
	if err != nil {
		return a, err
	}
	_, err = Codec.Unmarshal(attestationBytes, &a)
	return a, err
}

// Alerts returns the persisted alerts raised at or after fromHeight.
func (s *State) Alerts(fromHeight uint64) ([]stability.Alert, error) {
	it := s.alertDB.NewIteratorWithStart(heightKey(fromHeight))
	defer it.Release()

	var alerts []stability.Alert
	for it.Next() {
		var a stability.Alert
		if _, err := Codec.Unmarshal(it.Value(), &a); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, it.Error()
}

// ValidatorSets returns every persisted set in effective height order.
func (s *State) ValidatorSets() ([]*validators.Set, error) {
	it := s.validatorSetDB.NewIterator()
	defer it.Release()

	var sets []*validators.Set
	for it.Next() {
		vdrs, err := validators.ParseSet(it.Value())
		if err != nil {
			return nil, err
		}
		sets = append(sets, vdrs)
	}
	return sets, it.Error()
}

// Snapshot loads the committed ledger snapshot.
func (s *State) Snapshot() (*ledger.Snapshot, error) {
	snapBytes, err := s.singletonDB.Get(SnapshotKey)
	if err != nil {
		return nil, err
	}
	return ledger.ParseSnapshot(snapBytes)
}

// Weights returns every persisted weights version in version order.
func (s *State) Weights() ([]poe.Weights, error) {
	it := s.weightsDB.NewIterator()
	defer it.Release()

	var all []poe.Weights
	for it.Next() {
		var w poe.Weights
		if _, err := Codec.Unmarshal(it.Value(), &w); err != nil {
			return nil, err
		}
		all = append(all, w)
	}
	return all, it.Error()
}

// Ratios returns every persisted ratios version in version order.
func (s *State) Ratios() ([]settlement.Ratios, error) {
	it := s.ratiosDB.NewIterator()
	defer it.Release()

	var all []settlement.Ratios
	for it.Next() {
		var r settlement.Ratios
		if _, err := Codec.Unmarshal(it.Value(), &r); err != nil {
			return nil, err
		}
		all = append(all, r)
	}
	return all, it.Error()
}

func (s *State) Close() error {
	return s.baseDB.Close()
}
