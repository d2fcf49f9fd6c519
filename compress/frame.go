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
	"encoding/binary"
	"slices"

	"github.com/chwire/chwire-go/protocol"
)

const (
	// ChecksumSize is the size of the checksum prefix.
	ChecksumSize = 16
	// HeaderSize is the size of the mini-header: method byte and two int32 sizes.
	HeaderSize = 9
	// FrameHeaderSize is the checksum plus the mini-header.
	FrameHeaderSize = ChecksumSize + HeaderSize

	// MaxBlockSize bounds both sizes declared by a frame header.
	MaxBlockSize = 1 << 30
)

// FrameHeader is the decoded 25-byte prefix of a frame.
type FrameHeader struct {
	Checksum Hash128
	Method   Method
	// CompressedSize counts the mini-header and the payload.
	CompressedSize   uint32
	UncompressedSize uint32
}

// PayloadSize is the number of compressed bytes following the header.
func (h FrameHeader) PayloadSize() int {
	return int(h.CompressedSize) - HeaderSize
}

// FrameSize is the total number of bytes the frame occupies on the wire.
func (h FrameHeader) FrameSize() int {
	return ChecksumSize + int(h.CompressedSize)
}

// ParseHeader decodes and validates the first FrameHeaderSize bytes of b.
func ParseHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, protocol.Errorf(protocol.KindTruncatedFrame, "header has %d of %d bytes", len(b), FrameHeaderSize)
	}

	h := FrameHeader{
		Checksum:         ReadHash128(b),
		Method:           Method(b[ChecksumSize]),
		CompressedSize:   binary.LittleEndian.Uint32(b[ChecksumSize+1:]),
		UncompressedSize: binary.LittleEndian.Uint32(b[ChecksumSize+5:]),
	}
	if _, err := CodecFor(h.Method); err != nil {
		return FrameHeader{}, err
	}
	if h.CompressedSize < HeaderSize || h.CompressedSize > MaxBlockSize {
		return FrameHeader{}, protocol.Errorf(protocol.KindCorruptBlock, "compressed size %d out of range", h.CompressedSize)
	}
	if h.UncompressedSize > MaxBlockSize {
		return FrameHeader{}, protocol.Errorf(protocol.KindCorruptBlock, "uncompressed size %d out of range", h.UncompressedSize)
	}
	return h, nil
}

// EncodeFrame compresses src with codec and appends exactly one frame to dst.
//
// A nil codec selects LZ4.
func EncodeFrame(dst, src []byte, codec BlockCodec) ([]byte, error) {
	if codec == nil {
		codec = LZ4
	}
	if len(src) > MaxBlockSize {
		return dst, protocol.Errorf(protocol.KindInvalidValue, "block of %d bytes exceeds %d", len(src), MaxBlockSize)
	}

	start := len(dst)
	dst = slices.Grow(dst, FrameHeaderSize)[:start+FrameHeaderSize]
	out, err := codec.Compress(dst, src)
	if err != nil {
		return dst[:start], err
	}

	frame := out[start:]
	compressed := len(frame) - FrameHeaderSize
	frame[ChecksumSize] = byte(codec.Method())
	binary.LittleEndian.PutUint32(frame[ChecksumSize+1:], uint32(compressed+HeaderSize))
	binary.LittleEndian.PutUint32(frame[ChecksumSize+5:], uint32(len(src)))
	Checksum(frame[ChecksumSize:]).Put(frame)
	return out, nil
}

// DecodeFrame decodes the frame at the start of frame and appends the
// uncompressed bytes to dst. Bytes after the frame are ignored.
func DecodeFrame(dst, frame []byte) ([]byte, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return dst, err
	}
	if len(frame) < h.FrameSize() {
		return dst, protocol.Errorf(protocol.KindTruncatedFrame, "frame has %d of %d bytes", len(frame), h.FrameSize())
	}
	return decodeBlock(dst, h, frame[ChecksumSize:h.FrameSize()])
}

// decodeBlock verifies body (mini-header plus payload) against h and appends
// the decompressed bytes to dst.
func decodeBlock(dst []byte, h FrameHeader, body []byte) ([]byte, error) {
	if sum := Checksum(body); sum != h.Checksum {
		return dst, protocol.Errorf(protocol.KindChecksumMismatch,
			"stored %016x%016x, computed %016x%016x", h.Checksum.High, h.Checksum.Low, sum.High, sum.Low)
	}

	codec, err := CodecFor(h.Method)
	if err != nil {
		return dst, err
	}

	if dst == nil {
		dst = []byte{}
	}
	start := len(dst)
	size := int(h.UncompressedSize)
	dst = slices.Grow(dst, size)[:start+size]
	if err := codec.Decompress(dst[start:], body[HeaderSize:]); err != nil {
		return dst[:start], err
	}
	return dst, nil
}
