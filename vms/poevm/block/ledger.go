// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package block

import (
	"encoding/json"
	"fmt"
)

// LedgerID names one of the five domain ledgers that advance together.
type LedgerID uint8

const (
	// Activity records the samples and the index of the height.
	Activity LedgerID = iota
	// Cluster records validator rotations.
	Cluster
	// Execution records fee split receipts.
	Execution
	// Transact records transfers.
	Transact
	// Economy records mints, burns and reserve attestations.
	Economy

	NumLedgers = 5
)

var Ledgers = [NumLedgers]LedgerID{Activity, Cluster, Execution, Transact, Economy}

func (l LedgerID) String() string {
	switch l {
	case Activity:
		return "activity"
	case Cluster:
		return "cluster"
	case Execution:
		return "execution"
	case Transact:
		return "transact"
	case Economy:
		return "economy"
	default:
		return fmt.Sprintf("ledger(%d)", uint8(l))
	}
}

func (l LedgerID) Valid() bool {
	return l < NumLedgers
}

func ParseLedgerID(s string) (LedgerID, error) {
	for _, l := range Ledgers {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLedger, s)
}

func (l LedgerID) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *LedgerID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseLedgerID(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
