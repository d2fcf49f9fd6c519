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
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chwire/chwire-go/compress"
)

func TestQueryRequestShape(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.Password = "secret"
		cfg.Roles = []string{"reader"}
		cfg.Settings["max_threads"] = "4"
		cfg.Settings["readonly"] = "1"
		cfg.ClientName = "itest"
		cfg.MaxExecutionTime = 1500 * time.Millisecond
	})

	resp, err := c.Query(context.Background(), "SELECT {x:UInt8}", &QuerySettings{
		QueryID:    "q-1",
		Format:     "TSV",
		Database:   "analytics",
		Parameters: map[string]string{"x": "1"},
		Settings:   map[string]string{"max_threads": "2"},
	})
	require.NoError(t, err)
	data, err := io.ReadAll(resp)
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	require.Equal(t, "Ok.\n", string(data))
	require.Equal(t, "q-1", resp.QueryID)
	require.Equal(t, "UTC", resp.Timezone)
	require.Equal(t, "TSV", resp.Format)
	require.EqualValues(t, 3, resp.Summary.ReadRows)
	require.EqualValues(t, 1200, resp.Summary.ElapsedNS)

	req := s.last()
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "/", req.Path)
	require.Equal(t, "SELECT {x:UInt8}", string(req.Body))

	require.Equal(t, "q-1", req.Query.Get("query_id"))
	require.Equal(t, "1", req.Query.Get("param_x"))
	require.Equal(t, []string{"reader"}, req.Query["role"])
	require.Equal(t, "2", req.Query.Get("max_threads"))
	require.Equal(t, "1", req.Query.Get("readonly"))
	require.Equal(t, "2", req.Query.Get("max_execution_time"))
	require.Equal(t, "1", req.Query.Get("compress"))
	require.False(t, req.Query.Has("decompress"))
	require.False(t, req.Query.Has("query"))

	require.Equal(t, "TSV", req.Header.Get(headerFormat))
	require.Equal(t, "analytics", req.Header.Get(headerDatabase))
	require.Equal(t, "q-1", req.Header.Get(headerQueryID))
	require.True(t, strings.HasPrefix(req.Header.Get("User-Agent"), "itest chwire-go/"+Version))

	user, password, ok := (&http.Request{Header: req.Header}).BasicAuth()
	require.True(t, ok)
	require.Equal(t, "default", user)
	require.Equal(t, "secret", password)
}

func TestQueryGeneratesQueryID(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, nil)

	resp, err := c.Query(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Discard())

	id := s.last().Query.Get("query_id")
	require.Len(t, id, 36)
	require.Equal(t, id, resp.QueryID)
}

func TestAuthHeaders(t *testing.T) {
	for _, tc := range []struct {
		name     string
		setup    func(cfg *Config)
		settings *QuerySettings
		check    func(t *testing.T, h http.Header)
	}{
		{
			name:  "access token",
			setup: func(cfg *Config) { cfg.AccessToken = "tok" },
			check: func(t *testing.T, h http.Header) {
				require.Equal(t, "Bearer tok", h.Get("Authorization"))
				require.Empty(t, h.Get(headerUser))
			},
		},
		{
			name: "user and key headers",
			setup: func(cfg *Config) {
				cfg.UseBasicAuth = false
				cfg.User = "alice"
				cfg.Password = "pw"
			},
			check: func(t *testing.T, h http.Header) {
				require.Empty(t, h.Get("Authorization"))
				require.Equal(t, "alice", h.Get(headerUser))
				require.Equal(t, "pw", h.Get(headerKey))
			},
		},
		{
			name:     "caller authorization wins",
			setup:    func(cfg *Config) { cfg.Password = "pw" },
			settings: &QuerySettings{Headers: http.Header{"Authorization": {"Bearer custom"}}},
			check: func(t *testing.T, h http.Header) {
				require.Equal(t, "Bearer custom", h.Get("Authorization"))
				require.Empty(t, h.Get(headerKey))
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newFakeServer(t, nil)
			c := newTestClient(t, s, tc.setup)
			_, err := c.Execute(context.Background(), "SELECT 1", tc.settings)
			require.NoError(t, err)
			tc.check(t, s.last().Header)
		})
	}
}

func TestClientCompressionOfStatement(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.ClientCompression = true
	})

	statement := "SELECT " + strings.Repeat("1 + ", 1000) + "1"
	_, err := c.Execute(context.Background(), statement, nil)
	require.NoError(t, err)

	req := s.last()
	require.Equal(t, "1", req.Query.Get("decompress"))
	require.Equal(t, "1", req.Query.Get("compress"))
	require.Equal(t, statement, string(req.Body))
}

func TestDisableNativeCompression(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.ClientCompression = true
		cfg.DisableNativeCompression = true
	})

	_, err := c.Execute(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)

	req := s.last()
	require.False(t, req.Query.Has("compress"))
	require.False(t, req.Query.Has("decompress"))
	require.Equal(t, "SELECT 1", string(req.Body))
}

func TestHTTPCompression(t *testing.T) {
	payload := bytes.Repeat([]byte("chwire,"), 20000)

	for _, enc := range []string{compress.EncodingLZ4, compress.EncodingZSTD, compress.EncodingGzip} {
		t.Run(enc, func(t *testing.T) {
			s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
				return payload
			})
			c := newTestClient(t, s, func(cfg *Config) {
				cfg.UseHTTPCompression = true
				cfg.ClientCompression = true
				cfg.HTTPCompressionEncoding = enc
				// native settings are dropped in HTTP mode
				cfg.Settings["compress"] = "1"
			})

			resp, err := c.Query(context.Background(), "SELECT 'chwire'", nil)
			require.NoError(t, err)
			data, err := io.ReadAll(resp)
			require.NoError(t, err)
			require.NoError(t, resp.Close())
			require.Equal(t, payload, data)

			req := s.last()
			require.Equal(t, "SELECT 'chwire'", string(req.Body))
			require.Equal(t, enc, req.Header.Get("Content-Encoding"))
			require.Equal(t, enc, req.Header.Get("Accept-Encoding"))
			require.Equal(t, "1", req.Query.Get("enable_http_compression"))
			require.False(t, req.Query.Has("compress"))
			require.False(t, req.Query.Has("decompress"))
		})
	}
}

func TestPerRequestCompressionOverride(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, nil)

	off := false
	_, err := c.Execute(context.Background(), "SELECT 1", &QuerySettings{ServerCompression: &off})
	require.NoError(t, err)
	require.False(t, s.last().Query.Has("compress"))
}

func TestBadGateway(t *testing.T) {
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		w.WriteHeader(http.StatusBadGateway)
		return nil
	})
	c := newTestClient(t, s, func(cfg *Config) { cfg.Retry = 3 })

	_, err := c.Query(context.Background(), "SELECT 1", nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusBadGateway, te.StatusCode)
	require.ErrorIs(t, err, errBadGateway)
	require.False(t, ShouldRetry(err, DefaultRetryCauses))
	require.Equal(t, 1, s.count())
}

func TestProxyAuthenticationRequired(t *testing.T) {
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		w.WriteHeader(http.StatusProxyAuthRequired)
		return nil
	})
	c := newTestClient(t, s, nil)

	_, err := c.Query(context.Background(), "SELECT 1", nil)
	var ce *ClientMisconfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestServerErrors(t *testing.T) {
	syntax := "Code: 62. DB::Exception: Syntax error: failed at position 1:\\nSELEC 1. (SYNTAX_ERROR) (version 24.3.1)\n"

	for _, tc := range []struct {
		name    string
		reply   func(w http.ResponseWriter, req *recorded) []byte
		code    int
		status  int
		message string
	}{
		{
			name: "compressed body with code header",
			reply: func(w http.ResponseWriter, req *recorded) []byte {
				w.Header().Set(headerExceptionCode, "62")
				w.WriteHeader(http.StatusInternalServerError)
				return []byte(syntax)
			},
			code:    62,
			status:  http.StatusInternalServerError,
			message: "Code: 62. DB::Exception: Syntax error: failed at position 1: SELEC 1. (SYNTAX_ERROR) (version 24.3.1)",
		},
		{
			name: "exception header on 200",
			reply: func(w http.ResponseWriter, req *recorded) []byte {
				w.Header().Set(headerExceptionCode, "241")
				return []byte("Code: 241. DB::Exception: Memory limit exceeded. (MEMORY_LIMIT_EXCEEDED)")
			},
			code:    241,
			status:  http.StatusOK,
			message: "Code: 241. DB::Exception: Memory limit exceeded. (MEMORY_LIMIT_EXCEEDED)",
		},
		{
			name: "uncompressed body without header",
			reply: func(w http.ResponseWriter, req *recorded) []byte {
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, "Code: 60. DB::Exception: Table default.nope does not exist. (UNKNOWN_TABLE)")
				return nil
			},
			code:    60,
			status:  http.StatusNotFound,
			message: "Code: 60. DB::Exception: Table default.nope does not exist. (UNKNOWN_TABLE)",
		},
		{
			name: "unparseable body",
			reply: func(w http.ResponseWriter, req *recorded) []byte {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, "upstream unavailable")
				return nil
			},
			code:    0,
			status:  http.StatusServiceUnavailable,
			message: "unreadable error: upstream unavailable",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newFakeServer(t, tc.reply)
			c := newTestClient(t, s, func(cfg *Config) { cfg.Retry = 2 })

			_, err := c.Query(context.Background(), "SELEC 1", &QuerySettings{QueryID: "q-err"})
			var se *ServerError
			require.ErrorAs(t, err, &se)
			require.Equal(t, tc.code, se.Code)
			require.Equal(t, tc.status, se.HTTPStatus)
			require.Equal(t, tc.message, se.Message)
			require.Equal(t, "q-err", se.QueryID)
			require.False(t, se.Retryable)
			require.Equal(t, 1, s.count())
		})
	}
}

func TestResponseHeaderTimeout(t *testing.T) {
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		select {
		case <-req.Ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return nil
	})
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.SocketTimeout = 50 * time.Millisecond
		cfg.Retry = 3
	})

	_, err := c.Query(context.Background(), "SELECT sleep(3)", nil)
	require.Error(t, err)
	require.Equal(t, FaultSocketTimeout, ClassifyFault(err))
	require.False(t, ShouldRetry(err, DefaultRetryCauses))
	require.Equal(t, 1, s.count())
}

func TestBodyReadTimeout(t *testing.T) {
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		_, _ = io.WriteString(w, "first row\n")
		w.(http.Flusher).Flush()
		select {
		case <-req.Ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return nil
	})
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.ServerCompression = false
		cfg.SocketTimeout = 100 * time.Millisecond
	})

	resp, err := c.Query(context.Background(), "SELECT sleepEachRow(1)", nil)
	require.NoError(t, err)
	defer resp.Close()

	_, err = io.ReadAll(resp)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, FaultSocketTimeout, te.Cause)
	require.Equal(t, StageTransfer, te.Stage)
}

func TestPing(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, func(cfg *Config) { cfg.Password = "secret" })

	require.NoError(t, c.Ping(context.Background()))

	req := s.last()
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "/ping", req.Path)
	require.Empty(t, req.Query)
	require.Empty(t, req.Header.Get("Authorization"))
}

func TestPingUnexpectedBody(t *testing.T) {
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		return []byte("<html>proxy</html>")
	})
	c := newTestClient(t, s, nil)

	err := c.Ping(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, errUnexpectedPing))
}

func TestBuildURLKeepsEndpointPath(t *testing.T) {
	cfg := NewConfig("http://localhost:8123/clickhouse/?extremes=1")
	tr, err := newTransport(cfg, &options{logger: zap.NewNop(), retryPolicy: NeverRetryServerErrors})
	require.NoError(t, err)
	defer tr.close()

	req := &request{statement: "SELECT 1", settings: &QuerySettings{QueryID: "q"}}
	u := tr.buildURL(req, tr.resolveCompression(req.settings))
	require.Equal(t, "/clickhouse/", u.Path)
	require.Equal(t, "1", u.Query().Get("extremes"))
	require.Equal(t, "1", u.Query().Get("compress"))

	ping := tr.buildURL(&request{path: "/ping", settings: &QuerySettings{}}, compression{})
	require.Equal(t, "/clickhouse/ping", ping.Path)
	require.Empty(t, ping.RawQuery)
}

func TestFormatSeconds(t *testing.T) {
	require.Equal(t, "0", formatSeconds(0))
	require.Equal(t, "1", formatSeconds(time.Millisecond))
	require.Equal(t, "2", formatSeconds(2*time.Second))
	require.Equal(t, "3", formatSeconds(2*time.Second+time.Nanosecond))
}
