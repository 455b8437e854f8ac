// Package codec provides the single canonical serialization used to measure
// and persist opaque cache values across all three tiers: the serialization
// used for sizing must match the one used by persistence. It also
// implements optional value compression for the L2 tier.
package codec

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// CompressionThreshold is the default size above which L2 values are
// zstd-compressed.
const CompressionThreshold = 1024

var (
	encoderPool *zstd.Encoder
	decoderPool *zstd.Decoder
)

func init() {
	var err error
	encoderPool, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("codec: creating zstd encoder: %v", err))
	}
	decoderPool, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("codec: creating zstd decoder: %v", err))
	}
}

// Marshal canonically serializes an opaque value. All tiers must use this
// function so that size accounting (L1) is consistent with the bytes
// actually written to Redis (L2) and Postgres (L3).
func Marshal(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a value previously produced by Marshal into dst.
func Unmarshal(data []byte, dst any) error {
	if err := msgpack.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// UnmarshalAny decodes a value previously produced by Marshal into a generic
// any, preserving maps/slices/scalars without a caller-supplied target type.
func UnmarshalAny(data []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("codec: unmarshal: %w", err)
	}
	return v, nil
}

// Size returns the canonical serialized byte length of value, used by L1 for
// byte-cap accounting.
func Size(value any) (int, error) {
	b, err := Marshal(value)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Compress zstd-compresses data. Used by L2 above CompressionThreshold.
func Compress(data []byte) []byte {
	return encoderPool.EncodeAll(data, nil)
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	out, err := decoderPool.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}
	return out, nil
}
