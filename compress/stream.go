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
	"errors"
	"io"
	"slices"

	"github.com/chwire/chwire-go/protocol"
)

// DefaultBlockSize is the amount of uncompressed data a Writer packs into one frame.
const DefaultBlockSize = 64 * 1024

// ErrClosed is returned by writes to a closed Writer.
var ErrClosed = errors.New("compress: writer is closed")

// Writer buffers uncompressed bytes and writes them downstream as frames.
//
// A Writer belongs to a single request and is not safe for concurrent use.
type Writer struct {
	w      io.Writer
	codec  BlockCodec
	buf    []byte
	frame  []byte
	closed bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithBlockSize sets the uncompressed capacity of a frame. Non-positive values are ignored.
func WithBlockSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.buf = make([]byte, 0, min(n, MaxBlockSize))
		}
	}
}

// WithCodec selects the block codec. LZ4 is the default.
func WithCodec(codec BlockCodec) WriterOption {
	return func(w *Writer) {
		if codec != nil {
			w.codec = codec
		}
	}
}

// NewWriter creates a Writer framing its input onto w.
func NewWriter(w io.Writer, opts ...WriterOption) *Writer {
	cw := &Writer{w: w, codec: LZ4}
	for _, opt := range opts {
		opt(cw)
	}
	if cw.buf == nil {
		cw.buf = make([]byte, 0, DefaultBlockSize)
	}
	return cw
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}

	n := 0
	for len(p) > 0 {
		k := min(cap(w.buf)-len(w.buf), len(p))
		w.buf = append(w.buf, p[:k]...)
		p = p[k:]
		n += k
		if len(w.buf) == cap(w.buf) {
			if err := w.flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Flush writes any buffered bytes as one frame.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrClosed
	}
	return w.flush()
}

// Close flushes the buffer. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	err := w.flush()
	w.closed = true
	return err
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	frame, err := EncodeFrame(w.frame[:0], w.buf, w.codec)
	if err != nil {
		return err
	}
	w.frame = frame
	w.buf = w.buf[:0]
	_, err = w.w.Write(frame)
	return err
}

// Reader decodes a stream of frames.
//
// The decode buffer grows to the largest frame seen and never shrinks.
// A Reader belongs to a single request and is not safe for concurrent use.
type Reader struct {
	r      io.Reader
	header [FrameHeaderSize]byte
	body   []byte
	buf    []byte
	pos    int
	err    error
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithBufferSize sets the initial capacity of the decode buffer.
func WithBufferSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.buf = make([]byte, 0, min(n, MaxBlockSize))
		}
	}
}

// NewReader creates a Reader decoding frames from r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	cr := &Reader{r: r}
	for _, opt := range opts {
		opt(cr)
	}
	return cr
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for r.pos >= len(r.buf) {
		if r.err != nil {
			return 0, r.err
		}
		if err := r.fill(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}

// Cap reports the capacity of the decode buffer.
func (r *Reader) Cap() int {
	return cap(r.buf)
}

func (r *Reader) fill() error {
	n, err := io.ReadFull(r.r, r.header[:])
	switch {
	case err == io.EOF && n == 0:
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return protocol.Wrap(protocol.KindTruncatedFrame, err, "header")
	case err != nil:
		return err
	}

	h, err := ParseHeader(r.header[:])
	if err != nil {
		return err
	}

	size := int(h.CompressedSize)
	r.body = slices.Grow(r.body[:0], size)[:size]
	copy(r.body, r.header[ChecksumSize:])
	if _, err := io.ReadFull(r.r, r.body[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return protocol.Wrap(protocol.KindTruncatedFrame, io.ErrUnexpectedEOF, "payload")
		}
		return err
	}

	buf, err := decodeBlock(r.buf[:0], h, r.body)
	if err != nil {
		return err
	}
	r.buf = buf
	r.pos = 0
	return nil
}
