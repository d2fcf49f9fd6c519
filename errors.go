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
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/chwire/chwire-go/protocol"
)

// ProtocolError is a malformed frame or an unencodable value.
type ProtocolError = protocol.Error

// ServerError is a request the server received and rejected.
type ServerError struct {
	// Code is the server exception code.
	Code int
	// Message is the exception text with whitespace collapsed.
	Message string
	// HTTPStatus is the status code of the response.
	HTTPStatus int
	// QueryID is the query id reported by the server, if any.
	QueryID string
	// Retryable is decided by the client's ServerRetryPolicy.
	Retryable bool
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Stage tells how far a failed request got.
type Stage int

const (
	// StageConnect means the request never reached the server.
	StageConnect Stage = iota
	// StageTransfer means the connection was lost after the request was sent.
	StageTransfer
)

func (s Stage) String() string {
	if s == StageConnect {
		return "connect"
	}
	return "transfer"
}

// TransportError is a failure below the HTTP exchange: connect failures,
// timeouts, dropped connections and bad gateways.
type TransportError struct {
	Cause FaultCause
	Stage Stage
	// StatusCode is set when the failure is an HTTP status such as 502.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	msg := "transport error during " + e.Stage.String()
	if e.Cause != FaultNone {
		msg += " (" + e.Cause.String() + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": http %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ClientMisconfigurationError is a configuration the client cannot work with,
// including a proxy that demands credentials.
type ClientMisconfigurationError struct {
	Message string
	Err     error
}

func (e *ClientMisconfigurationError) Error() string {
	if e.Err != nil {
		return "client misconfiguration: " + e.Message + ": " + e.Err.Error()
	}
	return "client misconfiguration: " + e.Message
}

func (e *ClientMisconfigurationError) Unwrap() error {
	return e.Err
}

func misconfigured(format string, args ...any) error {
	return &ClientMisconfigurationError{Message: fmt.Sprintf(format, args...)}
}

var (
	errBadGateway     = errors.New("bad gateway")
	errLeaseTimeout   = errors.New("timed out waiting for a pooled connection")
	errPoolClosed     = errors.New("connection pool is closed")
	errNotReplayable  = errors.New("request body cannot be replayed")
	errUnexpectedPing = errors.New("unexpected ping response")
	errSocketTimeout  = errors.New("socket read timed out")
	errResponseClosed = errors.New("response closed")
)

const (
	// errorLookahead is how much of an error body is inspected at most.
	errorLookahead = 64 * 1024
	// maxErrorMessage caps the message extracted from an error body.
	maxErrorMessage = 16 * 1024
)

var exceptionPattern = regexp.MustCompile(`Code: (\d+)\. DB::Exception:`)

// parseErrorBody extracts a server exception from an error response body.
//
// code is the value of the exception code header, or 0 when absent. The
// message runs from the "Code: N. DB::Exception:" marker to the end of the
// inspected body.
func parseErrorBody(body io.Reader, code int) (int, string) {
	data, err := io.ReadAll(io.LimitReader(body, errorLookahead))
	if err != nil && len(data) == 0 {
		return code, fmt.Sprintf("unreadable error: %v", err)
	}

	start := -1
	if code != 0 {
		start = bytes.Index(data, []byte("Code: "+strconv.Itoa(code)+". DB::Exception:"))
	}
	if start < 0 {
		if m := exceptionPattern.FindSubmatchIndex(data); m != nil {
			start = m[0]
			if code == 0 {
				code, _ = strconv.Atoi(string(data[m[2]:m[3]]))
			}
		}
	}
	if start < 0 {
		snippet := normalizeMessage(data)
		if snippet == "" {
			return code, "unreadable error"
		}
		return code, "unreadable error: " + truncate(snippet, 1024)
	}
	return code, truncate(normalizeMessage(data[start:]), maxErrorMessage)
}

// normalizeMessage turns escaped newlines and whitespace runs into single spaces.
func normalizeMessage(b []byte) string {
	s := strings.ReplaceAll(string(b), `\n`, " ")
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sneakyBodyClose closes the body and ignores the error.
// This is useful to close the HTTP response body when we don't care about the error.
func sneakyBodyClose(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}
