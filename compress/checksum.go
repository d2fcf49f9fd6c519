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

	"github.com/go-faster/city"
)

// Hash128 is a 128-bit frame checksum.
type Hash128 struct {
	Low  uint64
	High uint64
}

// Checksum computes the CityHash v1.0.2 128-bit hash the server uses for frames.
func Checksum(b []byte) Hash128 {
	h := city.CH128(b)
	return Hash128{Low: h.Low, High: h.High}
}

// ChecksumRange computes the checksum of b[off : off+n].
func ChecksumRange(b []byte, off, n int) Hash128 {
	return Checksum(b[off : off+n])
}

// Put writes the hash in wire order: the low half first, both little-endian.
// dst must hold at least ChecksumSize bytes.
func (h Hash128) Put(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.Low)
	binary.LittleEndian.PutUint64(dst[8:16], h.High)
}

// ReadHash128 reads a hash stored in wire order.
func ReadHash128(src []byte) Hash128 {
	return Hash128{
		Low:  binary.LittleEndian.Uint64(src[0:8]),
		High: binary.LittleEndian.Uint64(src[8:16]),
	}
}
