// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package compression compresses persisted ledger entries.
package compression

import "errors"

var (
	ErrInvalidMaxSizeCompressor = errors.New("invalid compressor max size")
	ErrDecompressedMsgTooLarge  = errors.New("decompressed entry too large")
	ErrMsgTooLarge              = errors.New("entry too large to be compressed")
)

// Compressor compresses and decompresses byte slices. Implementations are
// safe for concurrent use.
type Compressor interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
}

type noCompressor struct{}

// NewNoCompressor returns a Compressor that copies its input unchanged.
func NewNoCompressor() Compressor {
	return noCompressor{}
}

func (noCompressor) Compress(msg []byte) ([]byte, error) {
	return append([]byte(nil), msg...), nil
}

func (noCompressor) Decompress(msg []byte) ([]byte, error) {
	return append([]byte(nil), msg...), nil
}
