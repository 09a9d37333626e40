// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bft

import (
	"errors"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/utils/wrappers"
	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/validators"
)

var (
	ErrUnknownOp          = errors.New("unknown message op")
	ErrWrongProposer      = errors.New("proposal from wrong proposer")
	ErrInsufficientWeight = errors.New("insufficient certificate weight")
)

// Op tags the payload of a Message.
type Op uint8

const (
	ProposalOp Op = iota
	VoteOp
)

// Message is the wire envelope gossiped between validators.
type Message struct {
	Op      Op     `serialize:"true"`
	Payload []byte `serialize:"true"`
}

// VoteKind distinguishes the two voting phases.
type VoteKind uint8

const (
	Prevote VoteKind = iota
	Precommit
)

func (k VoteKind) String() string {
	switch k {
	case Prevote:
		return "prevote"
	case Precommit:
		return "precommit"
	default:
		return fmt.Sprintf("VoteKind(%d)", uint8(k))
	}
}

// NoValidView marks a proposal of a freshly built bundle.
const NoValidView = -1

// Proposal carries the proposer's bundle for (Height, View). ValidView is the
// view in which the bundle last gathered a prevote quorum, or NoValidView.
//
// Signature must stay the last field.
type Proposal struct {
	Height    uint64       `serialize:"true"`
	View      uint64       `serialize:"true"`
	ValidView int64        `serialize:"true"`
	Proposer  ids.NodeID   `serialize:"true"`
	Bundle    block.Bundle `serialize:"true"`
	Signature []byte       `serialize:"true"`
}

func (p *Proposal) UnsignedBytes() ([]byte, error) {
	unsigned := *p
	unsigned.Signature = nil
	return unsignedBytes(&unsigned)
}

// Vote is a prevote or precommit for BundleID at (Height, View). Precommits
// also carry CommitSignature over the bundle ID alone, which becomes part of
// the commit certificate stored with every block.
//
// Signature must stay the last field.
type Vote struct {
	Kind            VoteKind   `serialize:"true"`
	Height          uint64     `serialize:"true"`
	View            uint64     `serialize:"true"`
	BundleID        ids.ID     `serialize:"true"`
	NodeID          ids.NodeID `serialize:"true"`
	CommitSignature []byte     `serialize:"true"`
	Signature       []byte     `serialize:"true"`
}

func (v *Vote) UnsignedBytes() ([]byte, error) {
	unsigned := *v
	unsigned.Signature = nil
	return unsignedBytes(&unsigned)
}

func unsignedBytes(v any) ([]byte, error) {
	b, err := Codec.Marshal(CodecVersion, v)
	if err != nil {
		return nil, err
	}
	// Drop the length prefix of the empty signature.
	return b[:len(b)-wrappers.IntLen], nil
}

func signProposal(p *Proposal, signer validators.Signer) error {
	msg, err := p.UnsignedBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return err
	}
	p.Signature = bls.SignatureToBytes(sig)
	return nil
}

func signVote(v *Vote, signer validators.Signer) error {
	if v.Kind == Precommit {
		sig, err := signer.Sign(v.BundleID[:])
		if err != nil {
			return err
		}
		v.CommitSignature = bls.SignatureToBytes(sig)
	}
	msg, err := v.UnsignedBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return err
	}
	v.Signature = bls.SignatureToBytes(sig)
	return nil
}

// verifyProposal checks that p comes from the proposer of its view and is
// signed by it.
func verifyProposal(vdrs *validators.Set, p *Proposal) error {
	if want := vdrs.Proposer(p.Height, p.View); p.Proposer != want {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongProposer, p.Proposer, want)
	}
	if p.Bundle.Height != p.Height {
		return fmt.Errorf("%w: bundle %d in proposal %d", block.ErrHeightMismatch, p.Bundle.Height, p.Height)
	}
	msg, err := p.UnsignedBytes()
	if err != nil {
		return err
	}
	if err := vdrs.Verify(p.Proposer, msg, p.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

func verifyVote(vdrs *validators.Set, v *Vote) error {
	switch v.Kind {
	case Prevote:
	case Precommit:
		if err := vdrs.Verify(v.NodeID, v.BundleID[:], v.CommitSignature); err != nil {
			return fmt.Errorf("%w: commit signature: %w", ErrInvalidSignature, err)
		}
	default:
		return fmt.Errorf("%w: vote kind %d", ErrUnknownOp, v.Kind)
	}
	msg, err := v.UnsignedBytes()
	if err != nil {
		return err
	}
	if err := vdrs.Verify(v.NodeID, msg, v.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

func encodeProposal(p *Proposal) ([]byte, error) {
	payload, err := Codec.Marshal(CodecVersion, p)
	if err != nil {
		return nil, err
	}
	return Codec.Marshal(CodecVersion, &Message{Op: ProposalOp, Payload: payload})
}

func encodeVote(v *Vote) ([]byte, error) {
	payload, err := Codec.Marshal(CodecVersion, v)
	if err != nil {
		return nil, err
	}
	return Codec.Marshal(CodecVersion, &Message{Op: VoteOp, Payload: payload})
}

// decode returns exactly one of a proposal or a vote.
func decode(b []byte) (*Proposal, *Vote, error) {
	var msg Message
	if _, err := Codec.Unmarshal(b, &msg); err != nil {
		return nil, nil, err
	}
	switch msg.Op {
	case ProposalOp:
		p := &Proposal{}
		if _, err := Codec.Unmarshal(msg.Payload, p); err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case VoteOp:
		v := &Vote{}
		if _, err := Codec.Unmarshal(msg.Payload, v); err != nil {
			return nil, nil, err
		}
		return nil, v, nil
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownOp, msg.Op)
	}
}

// VerifyCertificate checks that sigs are valid signatures over bundleID from
// members of vdrs holding at least the quorum threshold.
func VerifyCertificate(vdrs *validators.Set, bundleID ids.ID, sigs []block.Signature) error {
	signers := set.NewSet[ids.NodeID](len(sigs))
	for _, s := range sigs {
		if signers.Contains(s.NodeID) {
			continue
		}
		if err := vdrs.Verify(s.NodeID, bundleID[:], s.Signature); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		signers.Add(s.NodeID)
	}
	if weight := vdrs.WeightOf(signers); !vdrs.HasQuorum(weight) {
		return fmt.Errorf("%w: %d of %d", ErrInsufficientWeight, weight, vdrs.Threshold())
	}
	return nil
}
