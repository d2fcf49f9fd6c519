/*
 * Copyright 2026 The chwire Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package compress

import (
	"fmt"
	"slices"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/chwire/chwire-go/protocol"
)

// Method is the method byte stored at offset 16 of every frame.
type Method byte

const (
	MethodNone Method = 0x02
	MethodLZ4  Method = 0x82
	MethodZSTD Method = 0x90
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodLZ4:
		return "lz4"
	case MethodZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("method(0x%02x)", byte(m))
	}
}

// BlockCodec compresses one block of a frame.
//
// Implementations are stateless from the caller's perspective and safe for
// concurrent use.
type BlockCodec interface {
	// Method returns the method byte written into the frame header.
	Method() Method
	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress decodes src into dst, which is sized to the exact uncompressed length.
	Decompress(dst, src []byte) error
}

var (
	LZ4  BlockCodec = lz4Codec{}
	ZSTD BlockCodec = zstdCodec{}
	None BlockCodec = noneCodec{}
)

// CodecFor returns the codec registered for a method byte.
func CodecFor(m Method) (BlockCodec, error) {
	switch m {
	case MethodLZ4:
		return LZ4, nil
	case MethodZSTD:
		return ZSTD, nil
	case MethodNone:
		return None, nil
	default:
		return nil, protocol.Errorf(protocol.KindBadMagic, "unknown method byte 0x%02x", byte(m))
	}
}

var lz4CompressorPool = sync.Pool{
	New: func() any {
		return &lz4.Compressor{}
	},
}

type lz4Codec struct{}

func (lz4Codec) Method() Method { return MethodLZ4 }

func (lz4Codec) Compress(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst, nil
	}

	bound := lz4.CompressBlockBound(len(src))
	start := len(dst)
	dst = slices.Grow(dst, bound)[:start+bound]

	lc, _ := lz4CompressorPool.Get().(*lz4.Compressor)
	defer lz4CompressorPool.Put(lc)

	// With a full-bound destination the block is never reported incompressible.
	n, err := lc.CompressBlock(src, dst[start:])
	if err != nil {
		return dst[:start], err
	}
	if n == 0 {
		return dst[:start], fmt.Errorf("lz4: empty block for %d input bytes", len(src))
	}
	return dst[:start+n], nil
}

func (lz4Codec) Decompress(dst, src []byte) error {
	if len(dst) == 0 && len(src) == 0 {
		return nil
	}
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return protocol.Wrap(protocol.KindCorruptBlock, err, "lz4")
	}
	if n != len(dst) {
		return protocol.Errorf(protocol.KindCorruptBlock, "lz4: decoded %d bytes, header declares %d", n, len(dst))
	}
	return nil
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		encoder, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderCRC(false),
		)
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder for pool: %v", err))
		}
		return encoder
	},
}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder for pool: %v", err))
		}
		return decoder
	},
}

type zstdCodec struct{}

func (zstdCodec) Method() Method { return MethodZSTD }

func (zstdCodec) Compress(dst, src []byte) ([]byte, error) {
	encoder := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(encoder)
	return encoder.EncodeAll(src, dst), nil
}

func (zstdCodec) Decompress(dst, src []byte) error {
	decoder := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(decoder)

	out, err := decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return protocol.Wrap(protocol.KindCorruptBlock, err, "zstd")
	}
	if len(out) != len(dst) {
		return protocol.Errorf(protocol.KindCorruptBlock, "zstd: decoded %d bytes, header declares %d", len(out), len(dst))
	}
	copy(dst, out)
	return nil
}

type noneCodec struct{}

func (noneCodec) Method() Method { return MethodNone }

func (noneCodec) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (noneCodec) Decompress(dst, src []byte) error {
	if len(src) != len(dst) {
		return protocol.Errorf(protocol.KindCorruptBlock, "none: payload has %d bytes, header declares %d", len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
