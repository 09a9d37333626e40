// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"encoding/json"
	"fmt"
)

// TokenClass identifies one of the four ledger currencies.
type TokenClass uint8

const (
	// Governance (GEN) is issued once at genesis and never again.
	Governance TokenClass = iota
	// Network (NEX) is issued each epoch by the mint gate.
	Network
	// Utility (FLX) pays for work; its supply moves within an elastic band.
	Utility
	// Reserve (AUR) is backed by externally attested value.
	Reserve

	numClasses = 4
)

var Classes = [numClasses]TokenClass{Governance, Network, Utility, Reserve}

func (c TokenClass) String() string {
	switch c {
	case Governance:
		return "GEN"
	case Network:
		return "NEX"
	case Utility:
		return "FLX"
	case Reserve:
		return "AUR"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

func (c TokenClass) Valid() bool {
	return c < numClasses
}

func ParseClass(s string) (TokenClass, error) {
	for _, c := range Classes {
		if c.String() == s {
			return c, nil
		}
	}
	switch s {
	case "governance":
		return Governance, nil
	case "network":
		return Network, nil
	case "utility":
		return Utility, nil
	case "reserve":
		return Reserve, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownClass, s)
}

func (c TokenClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *TokenClass) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClass(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
