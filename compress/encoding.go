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
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Content-Encoding tokens understood in HTTP compression mode.
const (
	EncodingLZ4  = "lz4"
	EncodingZSTD = "zstd"
	EncodingGzip = "gzip"
)

// ValidEncoding reports whether token names a supported HTTP content encoding.
func ValidEncoding(token string) bool {
	switch token {
	case EncodingLZ4, EncodingZSTD, EncodingGzip:
		return true
	default:
		return false
	}
}

// NewEncodingWriter wraps w with the standard stream format for token.
//
// Closing the returned writer finishes the stream but leaves w open.
func NewEncodingWriter(token string, w io.Writer) (io.WriteCloser, error) {
	switch token {
	case EncodingLZ4:
		return lz4.NewWriter(w), nil
	case EncodingZSTD:
		return zstd.NewWriter(w)
	case EncodingGzip:
		return gzip.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", token)
	}
}

// NewEncodingReader wraps r with the standard stream decoder for token.
func NewEncodingReader(token string, r io.Reader) (io.ReadCloser, error) {
	switch token {
	case EncodingLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case EncodingZSTD:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case EncodingGzip:
		return gzip.NewReader(r)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", token)
	}
}
