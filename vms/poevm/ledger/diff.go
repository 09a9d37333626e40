// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/poe/utils/math/fixed"
)

// DefaultElasticBandBps bounds the Utility supply change of one epoch to 5% of
// the supply at the start of the epoch.
const DefaultElasticBandBps = 500

// Rules are the per-chain issuance parameters a Diff enforces.
type Rules struct {
	// ElasticBandBps is the largest net Utility supply change per epoch, in
	// basis points of the supply at the start of the epoch.
	ElasticBandBps uint64 `json:"elastic-band-bps"`
}

// Diff stages the token changes of one block on top of a Snapshot.
//
// Every Apply* call validates the class rules before staging. The first
// failure poisons the diff: every later call returns the same error and Apply
// refuses to produce a snapshot, so a block's deltas are applied entirely or
// not at all.
type Diff struct {
	parent *Snapshot
	epoch  uint64
	rules  Rules

	supply         [numClasses]fixed.Dec
	balances       map[balanceKey]Balance
	attestation    *Attestation
	attestationID  ids.ID
	networkGate    fixed.Dec
	networkMinted  bool
	utilityStart   fixed.Dec
	utilityBandHit bool

	err error
}

// NewDiff starts the diff of epoch, which must follow the parent's height.
func NewDiff(parent *Snapshot, epoch uint64, rules Rules) (*Diff, error) {
	if epoch != parent.height+1 {
		return nil, fmt.Errorf("%w: building %d on %d", ErrEpochMismatch, epoch, parent.height)
	}
	d := &Diff{
		parent:       parent,
		epoch:        epoch,
		rules:        rules,
		balances:     make(map[balanceKey]Balance),
		utilityStart: parent.supply[Utility].Supply,
	}
	for _, c := range Classes {
		d.supply[c] = parent.supply[c].Supply
	}
	return d, nil
}

func (d *Diff) Epoch() uint64 {
	return d.epoch
}

// Err returns the error that poisoned the diff, if any.
func (d *Diff) Err() error {
	return d.err
}

// SetNetworkAllowance sets the gated Network mint of this epoch.
func (d *Diff) SetNetworkAllowance(amount fixed.Dec) error {
	if d.err != nil {
		return d.err
	}
	if amount.Sign() < 0 {
		return d.fail(fmt.Errorf("%w: negative network allowance %s", ErrInvariantViolation, amount))
	}
	d.networkGate = amount
	return nil
}

func (d *Diff) NetworkAllowance() fixed.Dec {
	return d.networkGate
}

// UtilityBandHit reports whether a Utility change brought the supply to the
// edge of its elastic band.
func (d *Diff) UtilityBandHit() bool {
	return d.utilityBandHit
}

func (d *Diff) Supply(c TokenClass) fixed.Dec {
	return d.supply[c]
}

func (d *Diff) Balance(account ids.ShortID, c TokenClass) Balance {
	key := balanceKey{account: account, class: c}
	if bal, ok := d.balances[key]; ok {
		return bal
	}
	return d.parent.balances[key]
}

// Attest records a Reserve attestation. It becomes the latest attestation and
// later Reserve mints in this diff must reference it.
func (d *Diff) Attest(a Attestation) (ids.ID, error) {
	if d.err != nil {
		return ids.Empty, d.err
	}
	if err := a.Validate(); err != nil {
		return ids.Empty, d.fail(err)
	}
	if latest, ok := d.latestAttestation(); ok && a.Timestamp <= latest.Timestamp {
		return ids.Empty, d.fail(fmt.Errorf("%w: %d <= %d", ErrStaleAttestation, a.Timestamp, latest.Timestamp))
	}
	id, err := a.ID()
	if err != nil {
		return ids.Empty, d.fail(err)
	}
	// The current Reserve supply must stay covered by the new statement.
	if a.BackingValue.Cmp(d.supply[Reserve]) < 0 {
		return ids.Empty, d.fail(fmt.Errorf("%w: backing %s below supply %s", ErrInsufficientBacking, a.BackingValue, d.supply[Reserve]))
	}
	d.attestation = &a
	d.attestationID = id
	return id, nil
}

func (d *Diff) latestAttestation() (Attestation, bool) {
	if d.attestation != nil {
		return *d.attestation, true
	}
	return d.parent.attestation, d.parent.hasAttestation
}

func (d *Diff) latestAttestationID() (ids.ID, bool) {
	if d.attestation != nil {
		return d.attestationID, true
	}
	return d.parent.attestationID, d.parent.hasAttestation
}

// ApplyMint issues amount of class to the spendable balance of to.
func (d *Diff) ApplyMint(c TokenClass, to ids.ShortID, amount fixed.Dec, epoch uint64, attestationID ids.ID) error {
	if err := d.check(c, amount, epoch); err != nil {
		return err
	}
	supply, err := d.supply[c].Add(amount)
	if err != nil {
		return d.fail(err)
	}

	switch c {
	case Governance:
		return d.fail(fmt.Errorf("%w: %s mint of %s at epoch %d", ErrImmutableSupply, c, amount, epoch))
	case Network:
		if d.networkMinted {
			return d.fail(fmt.Errorf("%w: second %s mint at epoch %d", ErrInvariantViolation, c, epoch))
		}
		if amount.Cmp(d.networkGate) > 0 {
			return d.fail(fmt.Errorf("%w: %s mint %s exceeds gated allowance %s", ErrInvariantViolation, c, amount, d.networkGate))
		}
		d.networkMinted = true
	case Utility:
		if err := d.checkBand(supply); err != nil {
			return d.fail(err)
		}
	case Reserve:
		latestID, ok := d.latestAttestationID()
		if !ok || latestID != attestationID {
			return d.fail(fmt.Errorf("%w: %s", ErrUnknownAttestation, attestationID))
		}
		latest, _ := d.latestAttestation()
		if latest.BackingValue.Cmp(supply) < 0 {
			return d.fail(fmt.Errorf("%w: backing %s, resulting supply %s", ErrInsufficientBacking, latest.BackingValue, supply))
		}
	}

	if err := d.credit(to, c, amount, false); err != nil {
		return err
	}
	d.supply[c] = supply
	return nil
}

// ApplyBurn destroys amount of class from the spendable balance of from.
// Only Utility and Reserve can be burned.
func (d *Diff) ApplyBurn(c TokenClass, from ids.ShortID, amount fixed.Dec, epoch uint64) error {
	if err := d.check(c, amount, epoch); err != nil {
		return err
	}
	supply, err := d.supply[c].Sub(amount)
	if err != nil {
		return d.fail(err)
	}

	switch c {
	case Governance:
		return d.fail(fmt.Errorf("%w: %s burn at epoch %d", ErrImmutableSupply, c, epoch))
	case Network:
		return d.fail(fmt.Errorf("%w: %s supply only changes through the mint gate", ErrInvariantViolation, c))
	case Utility:
		if err := d.checkBand(supply); err != nil {
			return d.fail(err)
		}
	}

	if err := d.debit(from, c, amount); err != nil {
		return err
	}
	d.supply[c] = supply
	return nil
}

// ApplyTransfer moves spendable funds between accounts.
func (d *Diff) ApplyTransfer(from, to ids.ShortID, c TokenClass, amount fixed.Dec) error {
	if err := d.check(c, amount, d.epoch); err != nil {
		return err
	}
	if from == to {
		return d.fail(fmt.Errorf("%w: transfer to self %s", ErrInvariantViolation, from))
	}
	if err := d.debit(from, c, amount); err != nil {
		return err
	}
	return d.credit(to, c, amount, false)
}

// ApplyFeeShares debits the payer's spendable Utility and credits the shares.
// Supply is unchanged.
func (d *Diff) ApplyFeeShares(s FeeShares) error {
	if err := d.check(Utility, s.Total, d.epoch); err != nil {
		return err
	}
	sum, err := fixed.Sum(s.ReserveShare, s.SpendableShare, s.OwnerShare, s.TreasuryShare)
	if err != nil {
		return d.fail(err)
	}
	if !sum.Equal(s.Total) {
		return d.fail(fmt.Errorf("%w: shares sum to %s, fee is %s", ErrInvariantViolation, sum, s.Total))
	}
	for _, share := range []fixed.Dec{s.ReserveShare, s.SpendableShare, s.OwnerShare, s.TreasuryShare} {
		if share.Sign() < 0 {
			return d.fail(fmt.Errorf("%w: negative share %s", ErrInvariantViolation, share))
		}
	}

	if err := d.debit(s.Payer, Utility, s.Total); err != nil {
		return err
	}
	if err := d.credit(s.Earner, Utility, s.ReserveShare, true); err != nil {
		return err
	}
	if err := d.credit(s.Earner, Utility, s.SpendableShare, false); err != nil {
		return err
	}
	if err := d.credit(s.Owner, Utility, s.OwnerShare, false); err != nil {
		return err
	}
	return d.credit(s.Treasury, Utility, s.TreasuryShare, false)
}

// ApplyDelta applies a recorded block delta.
func (d *Diff) ApplyDelta(delta TokenDelta) error {
	switch delta.Kind {
	case Mint:
		return d.ApplyMint(delta.Class, delta.To, delta.Amount, delta.Epoch, delta.AttestationID)
	case Burn:
		return d.ApplyBurn(delta.Class, delta.From, delta.Amount, delta.Epoch)
	case Transfer:
		if delta.Epoch != d.epoch {
			return d.fail(fmt.Errorf("%w: transfer for %d in %d", ErrEpochMismatch, delta.Epoch, d.epoch))
		}
		return d.ApplyTransfer(delta.From, delta.To, delta.Class, delta.Amount)
	default:
		return d.fail(fmt.Errorf("%w: unknown delta kind %d", ErrInvariantViolation, delta.Kind))
	}
}

// Apply returns the snapshot with every staged change applied.
func (d *Diff) Apply() (*Snapshot, error) {
	if d.err != nil {
		return nil, d.err
	}
	s := d.parent.clone()
	s.height = d.epoch
	for _, c := range Classes {
		s.supply[c] = TokenSupplyState{
			Class:  c,
			Supply: d.supply[c],
			Epoch:  d.epoch,
		}
	}
	for key, bal := range d.balances {
		if bal.Spendable.IsZero() && bal.Locked.IsZero() {
			delete(s.balances, key)
			continue
		}
		s.balances[key] = bal
	}
	if d.attestation != nil {
		s.attestation = *d.attestation
		s.attestationID = d.attestationID
		s.hasAttestation = true
	}
	return s, nil
}

func (d *Diff) check(c TokenClass, amount fixed.Dec, epoch uint64) error {
	if d.err != nil {
		return d.err
	}
	if !c.Valid() {
		return d.fail(fmt.Errorf("%w: %d", ErrUnknownClass, c))
	}
	if amount.Sign() <= 0 {
		return d.fail(fmt.Errorf("%w: %s", ErrInvalidAmount, amount))
	}
	if epoch != d.epoch {
		return d.fail(fmt.Errorf("%w: delta for %d in %d", ErrEpochMismatch, epoch, d.epoch))
	}
	return nil
}

// checkBand enforces |supply - start| <= start * band. A change that reaches
// or crosses the edge marks the band as hit.
func (d *Diff) checkBand(supply fixed.Dec) error {
	band, err := d.utilityStart.Mul(fixed.FromBps(d.rules.ElasticBandBps))
	if err != nil {
		return err
	}
	change, err := supply.Sub(d.utilityStart)
	if err != nil {
		return err
	}
	reach := change.AbsValue().Cmp(band)
	if reach >= 0 {
		d.utilityBandHit = true
	}
	if reach > 0 {
		return fmt.Errorf("%w: %s change %s exceeds elastic band %s", ErrInvariantViolation, Utility, change, band)
	}
	return nil
}

func (d *Diff) credit(account ids.ShortID, c TokenClass, amount fixed.Dec, locked bool) error {
	if amount.IsZero() {
		return nil
	}
	bal := d.Balance(account, c)
	var err error
	if locked {
		bal.Locked, err = bal.Locked.Add(amount)
	} else {
		bal.Spendable, err = bal.Spendable.Add(amount)
	}
	if err != nil {
		return d.fail(err)
	}
	d.balances[balanceKey{account: account, class: c}] = bal
	return nil
}

func (d *Diff) debit(account ids.ShortID, c TokenClass, amount fixed.Dec) error {
	bal := d.Balance(account, c)
	if bal.Spendable.Cmp(amount) < 0 {
		return d.fail(fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, account, bal.Spendable, c, amount))
	}
	var err error
	if bal.Spendable, err = bal.Spendable.Sub(amount); err != nil {
		return d.fail(err)
	}
	d.balances[balanceKey{account: account, class: c}] = bal
	return nil
}

func (d *Diff) fail(err error) error {
	if d.err == nil {
		d.err = err
	}
	return d.err
}
