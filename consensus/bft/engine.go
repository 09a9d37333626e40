// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bft

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/validators"
)

var (
	ErrQuorumTimeout                 = errors.New("quorum not reached before round timeout")
	ErrNonDeterministicRecomputation = errors.New("non-deterministic recomputation")
	ErrInvalidSignature              = errors.New("invalid signature")
)

// Application is the replicated state machine the engine drives.
type Application interface {
	// ValidatorSet returns the set voting at height.
	ValidatorSet(height uint64) (*validators.Set, error)
	// BuildBundle assembles the bundle of height with proposer as its author.
	BuildBundle(ctx context.Context, height uint64, proposer ids.NodeID) (*block.Bundle, error)
	// VerifyBundle re-derives the bundle independently of its proposer. It
	// must not change committed state.
	VerifyBundle(ctx context.Context, b *block.Bundle) error
	// Commit applies a bundle that carries its commit certificate.
	Commit(ctx context.Context, b *block.Bundle) error
}

// Metrics is notified of consensus events.
type Metrics interface {
	ViewChanged(height, view uint64)
	PrevoteWithheld(reason string)
	Committed(height, view uint64, elapsed time.Duration)
}

type noMetrics struct{}

func (noMetrics) ViewChanged(uint64, uint64) {}

func (noMetrics) PrevoteWithheld(string) {}

func (noMetrics) Committed(uint64, uint64, time.Duration) {}

// OutcomeKind is the result of one view: the whole bundle committed, or
// nothing did and the height is retried in the next view.
type OutcomeKind uint8

const (
	AllCommitted OutcomeKind = iota
	Retry
)

func (k OutcomeKind) String() string {
	switch k {
	case AllCommitted:
		return "all-committed"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

type Outcome struct {
	Kind   OutcomeKind
	Height uint64
	View   uint64
	// Bundle is the committed bundle with its certificate. Set on AllCommitted.
	Bundle *block.Bundle
	// Err is why the view was retried.
	Err error
}

// Engine runs the round state machine of one validator.
type Engine struct {
	cfg     Config
	log     log.Logger
	nodeID  ids.NodeID
	signer  validators.Signer
	app     Application
	net     Network
	metrics Metrics

	// future holds raw messages for heights not yet started.
	future [][]byte

	mu     sync.RWMutex
	status Round
}

func New(
	cfg Config,
	logger log.Logger,
	nodeID ids.NodeID,
	signer validators.Signer,
	app Application,
	net Network,
	metrics Metrics,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = noMetrics{}
	}
	return &Engine{
		cfg:     cfg,
		log:     logger,
		nodeID:  nodeID,
		signer:  signer,
		app:     app,
		net:     net,
		metrics: metrics,
	}, nil
}

// Status returns the current round.
func (e *Engine) Status() Round {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.status
}

func (e *Engine) setStatus(r Round) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status = r
}

// Run commits heights from fromHeight on until ctx is done.
func (e *Engine) Run(ctx context.Context, fromHeight uint64) error {
	for height := fromHeight; ; height++ {
		if _, err := e.RunHeight(ctx, height); err != nil {
			return err
		}
	}
}

// RunHeight runs views of height until its bundle commits. Heights are
// strictly sequential: the caller must not start height+1 before this returns.
func (e *Engine) RunHeight(ctx context.Context, height uint64) (Outcome, error) {
	vdrs, err := e.app.ValidatorSet(height)
	if err != nil {
		return Outcome{}, fmt.Errorf("validator set at %d: %w", height, err)
	}
	st := newHeightState(height, vdrs)
	e.replayFuture(st)

	start := time.Now()
	for view := uint64(0); ; view++ {
		out, err := e.runView(ctx, st, view)
		if err != nil {
			e.setStatus(Round{Height: height, View: view, Phase: Idle})
			return Outcome{}, err
		}
		if out.Kind == AllCommitted {
			elapsed := time.Since(start)
			e.metrics.Committed(height, out.View, elapsed)
			e.log.Info("committed bundle",
				log.Uint64("height", height),
				log.Uint64("view", out.View),
				log.Stringer("proposer", out.Bundle.Blocks[0].ProposerID),
				log.Duration("elapsed", elapsed),
			)
			e.setStatus(Round{Height: height, View: out.View, Phase: Idle})
			return out, nil
		}

		next := vdrs.Proposer(height, view+1)
		e.log.Info("view change",
			log.Uint64("height", height),
			log.Uint64("view", view+1),
			log.Stringer("proposer", next),
			log.Err(out.Err),
		)
		e.setStatus(Round{Height: height, View: view + 1, Proposer: next, Phase: ViewChange})
		e.metrics.ViewChanged(height, view+1)
	}
}

type viewState struct {
	view     uint64
	proposer ids.NodeID
	phase    Phase
}

func (e *Engine) runView(ctx context.Context, st *heightState, view uint64) (Outcome, error) {
	vs := &viewState{
		view:     view,
		proposer: st.vdrs.Proposer(st.height, view),
		phase:    Propose,
	}
	e.publish(st, vs)

	if vs.proposer == e.nodeID {
		if err := e.propose(ctx, st, view); err != nil {
			e.log.Warn("failed to propose",
				log.Uint64("height", st.height),
				log.Uint64("view", view),
				log.Err(err),
			)
		}
	}

	timer := time.NewTimer(e.cfg.Timeout(view))
	defer timer.Stop()

	for {
		out, done, err := e.step(ctx, st, vs)
		if err != nil || done {
			return out, err
		}
		e.publish(st, vs)

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-timer.C:
			return Outcome{
				Kind:   Retry,
				Height: st.height,
				View:   view,
				Err:    fmt.Errorf("%w: height %d view %d in %s", ErrQuorumTimeout, st.height, view, vs.phase),
			}, nil
		case msg := <-e.net.Receive():
			e.handle(st, msg)
		}
	}
}

func (e *Engine) publish(st *heightState, vs *viewState) {
	e.setStatus(Round{
		Height:     st.height,
		View:       vs.view,
		Proposer:   vs.proposer,
		Phase:      vs.phase,
		Prevotes:   st.prevotes[vs.view].weight(),
		Precommits: st.precommits[vs.view].weight(),
	})
}

// propose re-proposes the latest bundle that gathered a prevote quorum, or
// builds a fresh one.
func (e *Engine) propose(ctx context.Context, st *heightState, view uint64) error {
	p := &Proposal{
		Height:    st.height,
		View:      view,
		ValidView: NoValidView,
		Proposer:  e.nodeID,
	}
	if b, ok := st.bundles[st.validID]; ok && st.validView != NoValidView {
		p.ValidView = st.validView
		p.Bundle = *b
	} else {
		b, err := e.app.BuildBundle(ctx, st.height, e.nodeID)
		if err != nil {
			return err
		}
		p.Bundle = *b
	}
	if err := signProposal(p, e.signer); err != nil {
		return err
	}
	msg, err := encodeProposal(p)
	if err != nil {
		return err
	}
	e.net.Broadcast(msg)
	e.onProposal(st, p, false)
	return nil
}

func (e *Engine) vote(st *heightState, kind VoteKind, view uint64, bundleID ids.ID) {
	v := &Vote{
		Kind:     kind,
		Height:   st.height,
		View:     view,
		BundleID: bundleID,
		NodeID:   e.nodeID,
	}
	if err := signVote(v, e.signer); err != nil {
		e.log.Error("failed to sign vote",
			log.Stringer("kind", kind),
			log.Uint64("height", st.height),
			log.Uint64("view", view),
			log.Err(err),
		)
		return
	}
	msg, err := encodeVote(v)
	if err != nil {
		e.log.Error("failed to encode vote", log.Err(err))
		return
	}
	e.net.Broadcast(msg)
	st.tally(kind, view).add(st.vdrs, v)
}

// handle routes one gossiped message. Messages for older heights are dropped
// and messages for later heights are held until that height starts.
func (e *Engine) handle(st *heightState, raw []byte) {
	p, v, err := decode(raw)
	if err != nil {
		e.log.Debug("dropping undecodable message", log.Err(err))
		return
	}
	var height uint64
	if p != nil {
		height = p.Height
	} else {
		height = v.Height
	}
	switch {
	case height < st.height:
		return
	case height > st.height:
		if len(e.future) >= e.cfg.FutureBufferSize {
			e.log.Debug("dropping future message",
				log.Uint64("height", height),
				log.Int("buffered", len(e.future)),
			)
			return
		}
		e.future = append(e.future, raw)
		return
	}

	if p != nil {
		e.onProposal(st, p, true)
	} else {
		e.onVote(st, v)
	}
}

func (e *Engine) replayFuture(st *heightState) {
	pending := e.future
	e.future = nil
	for _, raw := range pending {
		e.handle(st, raw)
	}
}

func (e *Engine) onProposal(st *heightState, p *Proposal, verify bool) {
	if _, ok := st.proposals[p.View]; ok {
		return
	}
	if verify {
		if err := verifyProposal(st.vdrs, p); err != nil {
			e.log.Debug("dropping proposal",
				log.Uint64("height", p.Height),
				log.Uint64("view", p.View),
				log.Stringer("proposer", p.Proposer),
				log.Err(err),
			)
			return
		}
	}
	bundleID, err := p.Bundle.ID()
	if err != nil {
		e.log.Debug("dropping malformed proposal", log.Err(err))
		return
	}
	st.proposals[p.View] = &proposal{msg: p, bundleID: bundleID}
	if _, ok := st.bundles[bundleID]; !ok {
		b := p.Bundle
		st.bundles[bundleID] = &b
	}
}

func (e *Engine) onVote(st *heightState, v *Vote) {
	if err := verifyVote(st.vdrs, v); err != nil {
		e.log.Debug("dropping vote",
			log.Stringer("kind", v.Kind),
			log.Uint64("view", v.View),
			log.Stringer("nodeID", v.NodeID),
			log.Err(err),
		)
		return
	}
	if prev, counted := st.tally(v.Kind, v.View).add(st.vdrs, v); !counted && prev != v.BundleID {
		e.log.Warn("conflicting vote",
			log.Stringer("kind", v.Kind),
			log.Uint64("height", v.Height),
			log.Uint64("view", v.View),
			log.Stringer("nodeID", v.NodeID),
			log.Stringer("first", prev),
			log.Stringer("second", v.BundleID),
		)
	}
}

// step advances the view as far as the known messages allow.
func (e *Engine) step(ctx context.Context, st *heightState, vs *viewState) (Outcome, bool, error) {
	e.trackValid(ctx, st)

	if vs.phase == Propose {
		if p, ok := st.proposals[vs.view]; ok {
			vs.phase = PrevotePhase
			if e.shouldPrevote(ctx, st, vs.view, p) {
				e.vote(st, Prevote, vs.view, p.bundleID)
			}
		}
	}

	if vs.phase == PrevotePhase {
		if id, ok := st.prevotes[vs.view].quorum(st.vdrs); ok {
			vs.phase = PrecommitPhase
			if _, held := st.bundles[id]; held && e.verify(ctx, st, id) == nil {
				st.lockedView = int64(vs.view)
				st.lockedID = id
				e.vote(st, Precommit, vs.view, id)
			}
		}
	}

	for _, view := range views(st.precommits) {
		t := st.precommits[view]
		id, ok := t.quorum(st.vdrs)
		if !ok {
			continue
		}
		b, held := st.bundles[id]
		if !held {
			continue
		}
		vs.phase = Commit
		e.publish(st, vs)

		committed := &block.Bundle{
			Height: b.Height,
			Blocks: slices.Clone(b.Blocks),
		}
		committed.SetQuorumSignatures(t.certificate(id))
		if err := e.app.Commit(ctx, committed); err != nil {
			return Outcome{}, true, fmt.Errorf("committing height %d: %w", st.height, err)
		}
		return Outcome{
			Kind:   AllCommitted,
			Height: st.height,
			View:   view,
			Bundle: committed,
		}, true, nil
	}
	return Outcome{}, false, nil
}

// trackValid remembers the latest view whose prevote quorum is for a bundle
// this node holds and accepts.
func (e *Engine) trackValid(ctx context.Context, st *heightState) {
	for _, view := range views(st.prevotes) {
		if int64(view) <= st.validView {
			continue
		}
		id, ok := st.prevotes[view].quorum(st.vdrs)
		if !ok {
			continue
		}
		if _, held := st.bundles[id]; !held || e.verify(ctx, st, id) != nil {
			continue
		}
		st.validView = int64(view)
		st.validID = id
	}
}

func (e *Engine) verify(ctx context.Context, st *heightState, id ids.ID) error {
	if err, ok := st.verified[id]; ok {
		return err
	}
	err := e.app.VerifyBundle(ctx, st.bundles[id])
	st.verified[id] = err
	return err
}

// shouldPrevote decides this node's prevote for the view's proposal. A node
// locked on another bundle only moves when the proposal is backed by a newer
// prevote quorum.
func (e *Engine) shouldPrevote(ctx context.Context, st *heightState, view uint64, p *proposal) bool {
	if err := e.verify(ctx, st, p.bundleID); err != nil {
		fields := []any{
			log.Uint64("height", st.height),
			log.Uint64("view", view),
			log.Stringer("proposer", p.msg.Proposer),
			log.Stringer("bundleID", p.bundleID),
			log.Err(err),
		}
		if errors.Is(err, ErrNonDeterministicRecomputation) {
			e.log.Error("withholding prevote", fields...)
			e.metrics.PrevoteWithheld("non-deterministic")
		} else {
			e.log.Warn("withholding prevote", fields...)
			e.metrics.PrevoteWithheld("invalid")
		}
		return false
	}

	if st.lockedView == NoValidView || st.lockedID == p.bundleID {
		return true
	}
	vr := p.msg.ValidView
	if vr >= st.lockedView && vr < int64(view) && st.hasPolka(vr, p.bundleID) {
		return true
	}
	e.log.Info("withholding prevote",
		log.Uint64("height", st.height),
		log.Uint64("view", view),
		log.Stringer("lockedID", st.lockedID),
		log.Int("lockedView", int(st.lockedView)),
		log.Stringer("bundleID", p.bundleID),
	)
	e.metrics.PrevoteWithheld("locked")
	return false
}
