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

package chwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/chwire/chwire-go/protocol"
)

// FaultCause classifies why a request failed, for the retry policy.
type FaultCause int

const (
	// FaultNone is an unclassified failure. As a retry cause it disables retries.
	FaultNone FaultCause = iota
	// FaultNoHTTPResponse is a connection dropped before a response arrived.
	FaultNoHTTPResponse
	// FaultConnectTimeout is a connect that timed out or was refused.
	FaultConnectTimeout
	// FaultConnectionRequestTimeout is a timeout waiting for a pooled connection.
	FaultConnectionRequestTimeout
	// FaultSocketTimeout is a read or write that timed out.
	FaultSocketTimeout
	// FaultServerRetryable is a server error flagged as retryable.
	FaultServerRetryable
)

var faultCauseNames = [...]string{
	FaultNone:                     "None",
	FaultNoHTTPResponse:           "NoHttpResponse",
	FaultConnectTimeout:           "ConnectTimeout",
	FaultConnectionRequestTimeout: "ConnectionRequestTimeout",
	FaultSocketTimeout:            "SocketTimeout",
	FaultServerRetryable:          "ServerRetryable",
}

func (c FaultCause) String() string {
	if c >= 0 && int(c) < len(faultCauseNames) {
		return faultCauseNames[c]
	}
	return fmt.Sprintf("FaultCause(%d)", int(c))
}

// FaultCauses is a set of fault causes eligible for retry.
type FaultCauses uint8

// DefaultRetryCauses is used when the configuration names none.
const DefaultRetryCauses = FaultCauses(1<<FaultNoHTTPResponse |
	1<<FaultConnectTimeout |
	1<<FaultConnectionRequestTimeout |
	1<<FaultServerRetryable)

// NewFaultCauses builds a set from causes.
func NewFaultCauses(causes ...FaultCause) FaultCauses {
	var s FaultCauses
	for _, c := range causes {
		s |= 1 << c
	}
	return s
}

// Has reports whether c is in the set.
func (s FaultCauses) Has(c FaultCause) bool {
	return s&(1<<c) != 0
}

// Disabled reports whether the set carries the None marker.
func (s FaultCauses) Disabled() bool {
	return s.Has(FaultNone)
}

func (s FaultCauses) String() string {
	var names []string
	for c := FaultNone; int(c) < len(faultCauseNames); c++ {
		if s.Has(c) {
			names = append(names, c.String())
		}
	}
	return strings.Join(names, ",")
}

// ParseFaultCauses parses a comma separated list of cause names.
func ParseFaultCauses(s string) (FaultCauses, error) {
	var set FaultCauses
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		found := false
		for c, n := range faultCauseNames {
			if strings.EqualFold(n, name) {
				set |= 1 << c
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown fault cause %q", name)
		}
	}
	return set, nil
}

// ClassifyFault maps a request error to a fault cause.
//
// A TransportError carries its cause. Other errors are classified by what
// they wrap: a refused or failed dial counts as a connect timeout, I/O
// timeouts as socket timeouts and a connection closed or reset before a
// response as no response.
func ClassifyFault(err error) FaultCause {
	if err == nil {
		return FaultNone
	}

	var se *ServerError
	if errors.As(err, &se) {
		if se.Retryable {
			return FaultServerRetryable
		}
		return FaultNone
	}

	var te *TransportError
	if errors.As(err, &te) && te.Cause != FaultNone {
		return te.Cause
	}

	var pe *protocol.Error
	if errors.As(err, &pe) || errors.Is(err, context.Canceled) {
		return FaultNone
	}

	if errors.Is(err, errLeaseTimeout) {
		return FaultConnectionRequestTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return FaultConnectTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FaultConnectTimeout
	}

	var ne net.Error
	if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return FaultSocketTimeout
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return FaultNoHTTPResponse
	}
	return FaultNone
}

// ShouldRetry reports whether err may be retried under causes.
//
// A set carrying FaultNone never retries. A server error is retried only when
// it is flagged retryable and FaultServerRetryable is in the set.
func ShouldRetry(err error, causes FaultCauses) bool {
	if err == nil || causes.Disabled() {
		return false
	}

	var se *ServerError
	if errors.As(err, &se) {
		return se.Retryable && causes.Has(FaultServerRetryable)
	}

	cause := ClassifyFault(err)
	return cause != FaultNone && causes.Has(cause)
}

// ServerRetryPolicy decides whether a server error may be retried.
type ServerRetryPolicy func(*ServerError) bool

// NeverRetryServerErrors is the default ServerRetryPolicy.
func NeverRetryServerErrors(*ServerError) bool {
	return false
}

// RetryServerCodes returns a ServerRetryPolicy accepting the given codes.
func RetryServerCodes(codes ...int) ServerRetryPolicy {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(e *ServerError) bool {
		_, ok := set[e.Code]
		return ok
	}
}
