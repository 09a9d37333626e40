// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luxfi/database"

	"github.com/luxfi/poe/vms/poevm/ledger"
)

const supplyHistoryKeyLen = 1 + database.Uint64Size

var errInvalidKey = errors.New("invalid key")

// supplyHistoryKey orders entries by class, then height.
func supplyHistoryKey(c ledger.TokenClass, height uint64) []byte {
	return append([]byte{byte(c)}, database.PackUInt64(height)...)
}

func parseSupplyHistoryKey(key []byte) (ledger.TokenClass, uint64, error) {
	if len(key) != supplyHistoryKeyLen {
		return 0, 0, fmt.Errorf("%w: supply history key of %d bytes", errInvalidKey, len(key))
	}
	return ledger.TokenClass(key[0]), binary.BigEndian.Uint64(key[1:]), nil
}

// alertKey orders alerts by height, then by the order they were raised.
func alertKey(height uint64, seq uint32) []byte {
	return binary.BigEndian.AppendUint32(database.PackUInt64(height), seq)
}

func heightKey(height uint64) []byte {
	return database.PackUInt64(height)
}
