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

// Package protocol holds the error taxonomy shared by the wire codecs.
//
// A protocol error means the bytes on the wire cannot be trusted: a frame is
// malformed or a value has no encoding. It is always fatal to the request.
package protocol

import (
	"fmt"
)

// Kind classifies a protocol error.
type Kind int

const (
	// KindBadMagic indicates an unknown compression method byte.
	KindBadMagic Kind = iota + 1
	// KindChecksumMismatch indicates the frame checksum does not match its content.
	KindChecksumMismatch
	// KindTruncatedFrame indicates the stream ended inside a frame.
	KindTruncatedFrame
	// KindCorruptBlock indicates the compressed block cannot be decoded to its declared size.
	KindCorruptBlock
	// KindUnsupportedType indicates a column type tag without a wire encoding.
	KindUnsupportedType
	// KindInvalidValue indicates a value that cannot be encoded against its column.
	KindInvalidValue
)

func (k Kind) String() string {
	switch k {
	case KindBadMagic:
		return "bad magic"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindTruncatedFrame:
		return "truncated frame"
	case KindCorruptBlock:
		return "corrupt block"
	case KindUnsupportedType:
		return "unsupported type"
	case KindInvalidValue:
		return "invalid value"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrBadMagic         = &Error{Kind: KindBadMagic}
	ErrChecksumMismatch = &Error{Kind: KindChecksumMismatch}
	ErrTruncatedFrame   = &Error{Kind: KindTruncatedFrame}
	ErrCorruptBlock     = &Error{Kind: KindCorruptBlock}
	ErrUnsupportedType  = &Error{Kind: KindUnsupportedType}
	ErrInvalidValue     = &Error{Kind: KindInvalidValue}
)

// Error is a malformed frame or an unencodable value.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// Errorf creates an Error of the given kind with a formatted detail.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := "protocol error: " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
