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
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chwire/chwire-go/compress"
)

// recorded is a request as seen by the fake server, body decompressed.
type recorded struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
	// Ctx is done once the client went away.
	Ctx context.Context
}

// fakeServer imitates the HTTP interface of the server: it undoes request
// compression, records the request and compresses the reply the way the
// request asked for.
type fakeServer struct {
	*httptest.Server

	t testing.TB

	mu       sync.Mutex
	requests []*recorded
	// reply produces the uncompressed response for a recorded request.
	// A nil reply answers "Ok.\n".
	reply func(w http.ResponseWriter, req *recorded) []byte
}

func newFakeServer(t testing.TB, reply func(w http.ResponseWriter, req *recorded) []byte) *fakeServer {
	s := &fakeServer{t: t, reply: reply}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var body io.Reader = r.Body
	if enc := r.Header.Get("Content-Encoding"); enc != "" {
		dr, err := compress.NewEncodingReader(enc, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer dr.Close()
		body = dr
	} else if q.Get("decompress") == "1" {
		body = compress.NewReader(r.Body)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		w.Header().Set(headerExceptionCode, "27")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprintf(w, "Code: 27. DB::Exception: Cannot parse input: %v", err)
		return
	}

	req := &recorded{Method: r.Method, Path: r.URL.Path, Query: q, Header: r.Header.Clone(), Body: data, Ctx: r.Context()}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if id := q.Get("query_id"); id != "" {
		w.Header().Set(headerQueryID, id)
	}
	w.Header().Set(headerTimezone, "UTC")
	w.Header().Set(headerSummary, `{"read_rows":"3","read_bytes":"24","written_rows":"0","written_bytes":"0","total_rows_to_read":"3","result_rows":"3","result_bytes":"80","elapsed_ns":"1200"}`)

	out := []byte("Ok.\n")
	if s.reply != nil {
		out = s.reply(w, req)
	}
	if out == nil {
		return
	}

	var dst io.WriteCloser = nopWriteCloser{w}
	switch {
	case r.URL.Path == "/ping":
	case q.Get("enable_http_compression") == "1" && r.Header.Get("Accept-Encoding") != "":
		enc := r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Encoding", enc)
		dst, err = compress.NewEncodingWriter(enc, w)
		require.NoError(s.t, err)
	case q.Get("compress") == "1":
		dst = compress.NewWriter(w)
	}
	_, _ = dst.Write(out)
	_ = dst.Close()
}

func (s *fakeServer) last() *recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(s.t, s.requests)
	return s.requests[len(s.requests)-1]
}

func (s *fakeServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// newTestClient creates a client for the fake server and closes it with the test.
func newTestClient(t testing.TB, s *fakeServer, setup func(cfg *Config), opts ...Option) *Client {
	cfg := NewConfig(s.URL)
	cfg.Retry = 0
	if setup != nil {
		setup(cfg)
	}
	c, err := NewClient(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
