// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api provides the read-only JSON-RPC service of the PoE VM.
package api

import (
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/utils/json"

	"github.com/luxfi/poe/vms/poevm/block"
	"github.com/luxfi/poe/vms/poevm/ledger"
	"github.com/luxfi/poe/vms/poevm/settlement"
	"github.com/luxfi/poe/vms/poevm/stability"

	utilmetric "github.com/luxfi/poe/utils/metric"
)

const (
	Name = "poe"

	// MaxAlerts bounds the alerts returned by one GetStabilityAlerts call.
	MaxAlerts = 1024
)

var ErrInvalidRequest = errors.New("invalid request")

// ReadStatus accompanies every read. Stale is set while the node is in a view
// change: the data is the last committed state and a newer height may be
// about to commit.
type ReadStatus struct {
	Height json.Uint64 `json:"height"`
	Stale  bool        `json:"stale"`
}

// VM is the read side of the node.
type VM interface {
	ReadStatus() ReadStatus
	GetBlock(l block.LedgerID, height uint64) (*block.Block, error)
	GetTokenSupply(c ledger.TokenClass) (ledger.TokenSupplyState, error)
	GetTokenSupplyAt(c ledger.TokenClass, height uint64) (ledger.TokenSupplyState, error)
	GetFeeReceipt(jobID ids.ID) (*settlement.Receipt, error)
	StreamStabilityAlerts(fromHeight uint64) iter.Seq[stability.Alert]
}

type Service struct {
	vm  VM
	log log.Logger
}

func NewService(vm VM, logger log.Logger) *Service {
	return &Service{
		vm:  vm,
		log: logger,
	}
}

// NewHandler serves the service over JSON-RPC 2.0. A nil interceptor
// disables request metrics.
func NewHandler(service *Service, interceptor utilmetric.APIInterceptor) (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json.NewCodec(), "application/json")
	server.RegisterCodec(json.NewCodec(), "application/json;charset=UTF-8")
	if interceptor != nil {
		server.RegisterInterceptFunc(interceptor.InterceptRequest)
		server.RegisterAfterFunc(interceptor.AfterRequest)
	}
	if err := server.RegisterService(service, Name); err != nil {
		return nil, err
	}
	return server, nil
}

type StatusArgs struct{}

type StatusReply struct {
	ReadStatus
}

func (s *Service) Status(_ *http.Request, _ *StatusArgs, reply *StatusReply) error {
	s.log.Debug("API called",
		log.String("service", Name),
		log.String("method", "status"),
	)

	reply.ReadStatus = s.vm.ReadStatus()
	return nil
}

type GetBlockArgs struct {
	Ledger block.LedgerID `json:"ledger"`
	Height json.Uint64    `json:"height"`
}

type GetBlockReply struct {
	Block   *block.Block `json:"block"`
	BlockID ids.ID       `json:"blockID"`
	Status  ReadStatus   `json:"status"`
}

// GetBlock returns the committed block of a domain ledger at a height.
func (s *Service) GetBlock(_ *http.Request, args *GetBlockArgs, reply *GetBlockReply) error {
	s.log.Debug("API called",
		log.String("service", Name),
		log.String("method", "getBlock"),
		log.Stringer("ledger", args.Ledger),
		log.Uint64("height", uint64(args.Height)),
	)

	reply.Status = s.vm.ReadStatus()
	b, err := s.vm.GetBlock(args.Ledger, uint64(args.Height))
	if err != nil {
		return fmt.Errorf("couldn't get %s block %d: %w", args.Ledger, args.Height, err)
	}
	blkID, err := b.ID()
	if err != nil {
		return err
	}
	reply.Block = b
	reply.BlockID = blkID
	return nil
}

type GetTokenSupplyArgs struct {
	Class ledger.TokenClass `json:"class"`
	// Height selects a historical supply. Nil reads the latest.
	Height *json.Uint64 `json:"height,omitempty"`
}

type GetTokenSupplyReply struct {
	Supply ledger.TokenSupplyState `json:"supply"`
	Status ReadStatus              `json:"status"`
}

func (s *Service) GetTokenSupply(_ *http.Request, args *GetTokenSupplyArgs, reply *GetTokenSupplyReply) error {
	s.log.Debug("API called",
		log.String("service", Name),
		log.String("method", "getTokenSupply"),
		log.Stringer("class", args.Class),
	)

	if !args.Class.Valid() {
		return fmt.Errorf("%w: unknown class %d", ErrInvalidRequest, args.Class)
	}
	reply.Status = s.vm.ReadStatus()

	var err error
	if args.Height == nil {
		reply.Supply, err = s.vm.GetTokenSupply(args.Class)
	} else {
		reply.Supply, err = s.vm.GetTokenSupplyAt(args.Class, uint64(*args.Height))
	}
	return err
}

type GetFeeReceiptArgs struct {
	JobID ids.ID `json:"jobID"`
}

type GetFeeReceiptReply struct {
	Receipt *settlement.Receipt `json:"receipt"`
	Status  ReadStatus          `json:"status"`
}

func (s *Service) GetFeeReceipt(_ *http.Request, args *GetFeeReceiptArgs, reply *GetFeeReceiptReply) error {
	s.log.Debug("API called",
		log.String("service", Name),
		log.String("method", "getFeeReceipt"),
		log.Stringer("jobID", args.JobID),
	)

	if args.JobID == ids.Empty {
		return fmt.Errorf("%w: jobID required", ErrInvalidRequest)
	}
	reply.Status = s.vm.ReadStatus()
	receipt, err := s.vm.GetFeeReceipt(args.JobID)
	if err != nil {
		return fmt.Errorf("couldn't get receipt %s: %w", args.JobID, err)
	}
	reply.Receipt = receipt
	return nil
}

type GetStabilityAlertsArgs struct {
	FromHeight json.Uint64 `json:"fromHeight"`
	Limit      json.Uint32 `json:"limit"`
}

type GetStabilityAlertsReply struct {
	Alerts []stability.Alert `json:"alerts"`
	// NextHeight resumes the stream in a later call.
	NextHeight json.Uint64 `json:"nextHeight"`
	Status     ReadStatus  `json:"status"`
}

// GetStabilityAlerts pages through the alert stream. Callers pass NextHeight
// back as FromHeight to continue. A page never splits the alerts of one
// height.
func (s *Service) GetStabilityAlerts(_ *http.Request, args *GetStabilityAlertsArgs, reply *GetStabilityAlertsReply) error {
	s.log.Debug("API called",
		log.String("service", Name),
		log.String("method", "getStabilityAlerts"),
		log.Uint64("fromHeight", uint64(args.FromHeight)),
	)

	limit := int(args.Limit)
	if limit <= 0 || limit > MaxAlerts {
		limit = MaxAlerts
	}

	reply.Status = s.vm.ReadStatus()
	reply.Alerts = []stability.Alert{}
	reply.NextHeight = args.FromHeight
	for a := range s.vm.StreamStabilityAlerts(uint64(args.FromHeight)) {
		if len(reply.Alerts) >= limit && a.Height != uint64(reply.NextHeight)-1 {
			break
		}
		reply.Alerts = append(reply.Alerts, a)
		reply.NextHeight = json.Uint64(a.Height + 1)
	}
	return nil
}
