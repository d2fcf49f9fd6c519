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
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptrace"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chwire/chwire-go/compress"
)

// Version is the client version reported in the User-Agent.
const Version = "0.1.0"

const (
	headerFormat            = "X-ClickHouse-Format"
	headerQueryID           = "X-ClickHouse-Query-Id"
	headerDatabase          = "X-ClickHouse-Database"
	headerUser              = "X-ClickHouse-User"
	headerKey               = "X-ClickHouse-Key"
	headerSSLAuth           = "X-ClickHouse-SSL-Certificate-Auth"
	headerExceptionCode     = "X-ClickHouse-Exception-Code"
	headerSummary           = "X-ClickHouse-Summary"
	headerTimezone          = "X-ClickHouse-Timezone"
	headerServerDisplayName = "X-ClickHouse-Server-Display-Name"
)

// compressedStatuses are the response codes whose bodies the server
// compresses when asked to.
var compressedStatuses = map[int]bool{
	http.StatusOK:                  true,
	http.StatusCreated:             true,
	http.StatusAccepted:            true,
	http.StatusNoContent:           true,
	http.StatusResetContent:        true,
	http.StatusPartialContent:      true,
	http.StatusNotModified:         true,
	http.StatusBadRequest:          true,
	http.StatusNotFound:            true,
	http.StatusInternalServerError: true,
}

// bodyWriter produces a request body. It may be called once per attempt.
type bodyWriter func(w io.Writer) error

// request is one logical operation against the server.
type request struct {
	method    string
	path      string
	statement string
	// data, when set, is sent as the body and the statement travels in the
	// query parameter.
	data bodyWriter
	// replayable is false when data can be produced only once.
	replayable bool
	settings   *QuerySettings
}

// compression is the resolved compression mode of a request.
type compression struct {
	http     bool
	encoding string
	// server compresses the response.
	server bool
	// client compresses the request.
	client bool
}

type transport struct {
	cfg         *Config
	endpoint    *url.URL
	client      *http.Client
	http        *http.Transport
	pool        *pool
	logger      *zap.Logger
	retryPolicy ServerRetryPolicy
	userAgent   string
}

func newTransport(cfg *Config, o *options) (*transport, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, &ClientMisconfigurationError{Message: "invalid endpoint", Err: err}
	}

	dialer, err := baseDialer(cfg)
	if err != nil {
		return nil, err
	}

	t := &transport{
		cfg:         cfg,
		endpoint:    endpoint,
		pool:        newPool(cfg, dialer, o.observer, o.logger),
		logger:      o.logger.With(zap.String("component", "transport")),
		retryPolicy: o.retryPolicy,
		userAgent:   userAgent(cfg.ClientName),
	}

	if o.httpClient != nil {
		t.client = o.httpClient
		return t, nil
	}

	tc, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	t.http = &http.Transport{
		DialContext:           t.pool.dial,
		TLSClientConfig:       tc,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          cfg.MaxOpenConnections,
		MaxIdleConnsPerHost:   cfg.MaxOpenConnections,
		MaxConnsPerHost:       cfg.MaxOpenConnections,
		IdleConnTimeout:       cfg.KeepAliveTimeout,
		DisableKeepAlives:     !cfg.PoolEnabled,
		DisableCompression:    true,
		ResponseHeaderTimeout: cfg.SocketTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.ProxyType == ProxyHTTP {
		t.http.Proxy = http.ProxyURL(cfg.proxyURL())
	}
	t.pool.closeIdle = t.http.CloseIdleConnections

	t.client = &http.Client{
		Transport: t.http,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if cfg.CookiesEnabled {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		t.client.Jar = jar
	}

	t.pool.startVent()
	return t, nil
}

func userAgent(clientName string) string {
	ua := fmt.Sprintf("chwire-go/%s (%s; go %s; HttpClient net/http)",
		Version, runtime.GOOS, strings.TrimPrefix(runtime.Version(), "go"))
	if clientName != "" {
		ua = clientName + " " + ua
	}
	return ua
}

func (t *transport) close() {
	t.pool.close(t.http)
}

// resolveCompression applies request overrides to the configured mode.
// HTTP compression takes precedence over native compression.
func (t *transport) resolveCompression(s *QuerySettings) compression {
	c := compression{
		http:     t.cfg.UseHTTPCompression,
		encoding: t.cfg.HTTPCompressionEncoding,
		server:   t.cfg.ServerCompression,
		client:   t.cfg.ClientCompression,
	}
	if s != nil {
		if s.UseHTTPCompression != nil {
			c.http = *s.UseHTTPCompression
		}
		if s.ServerCompression != nil {
			c.server = *s.ServerCompression
		}
		if s.ClientCompression != nil {
			c.client = *s.ClientCompression
		}
	}
	if !c.http && t.cfg.DisableNativeCompression {
		c.server, c.client = false, false
	}
	return c
}

// buildURL assembles the request URL with its query parameters.
func (t *transport) buildURL(req *request, mode compression) *url.URL {
	u := *t.endpoint
	if req.path != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + req.path
	} else if u.Path == "" {
		u.Path = "/"
	}
	if req.path == "/ping" {
		u.RawQuery = ""
		return &u
	}

	q := u.Query()
	s := req.settings
	if s.QueryID != "" {
		q.Set("query_id", s.QueryID)
	}
	for name, v := range s.Parameters {
		q.Set("param_"+name, v)
	}
	roles := t.cfg.Roles
	if s.Roles != nil {
		roles = s.Roles
	}
	for _, r := range roles {
		q.Add("role", r)
	}
	if t.cfg.MaxExecutionTime > 0 {
		q.Set(KeyMaxExecutionTime, formatSeconds(t.cfg.MaxExecutionTime))
	}
	for k, v := range t.cfg.Settings {
		q.Set(k, v)
	}
	for k, v := range s.Settings {
		q.Set(k, v)
	}

	if mode.http {
		if q.Has("compress") || q.Has("decompress") {
			t.logger.Debug("http compression enabled, dropping native compression settings",
				zap.String("query_id", s.QueryID))
			q.Del("compress")
			q.Del("decompress")
		}
		if mode.server || mode.client {
			q.Set("enable_http_compression", "1")
		}
	} else {
		if mode.server {
			q.Set("compress", "1")
		}
		if mode.client || (t.cfg.AppCompressedData && req.data != nil) {
			q.Set("decompress", "1")
		}
	}

	if req.data != nil {
		q.Set("query", req.statement)
	}
	u.RawQuery = q.Encode()
	return &u
}

// formatSeconds renders d in whole seconds, rounding up.
func formatSeconds(d time.Duration) string {
	return strconv.FormatInt(int64((d+time.Second-1)/time.Second), 10)
}

func (t *transport) format(s *QuerySettings) string {
	if s.Format != "" {
		return s.Format
	}
	return t.cfg.Format
}

// setHeaders fills the request headers.
func (t *transport) setHeaders(hr *http.Request, req *request, mode compression) {
	h := hr.Header
	s := req.settings
	for k, vs := range s.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}

	h.Set("User-Agent", t.userAgent)
	if req.path == "/ping" {
		return
	}

	h.Set("Content-Type", "text/plain; charset=UTF-8")
	if format := t.format(s); format != "" {
		h.Set(headerFormat, format)
	}
	if s.QueryID != "" {
		h.Set(headerQueryID, s.QueryID)
	}
	database := s.Database
	if database == "" {
		database = t.cfg.Database
	}
	if database != "" {
		h.Set(headerDatabase, database)
	}

	t.setAuth(hr)

	if mode.http {
		if mode.server {
			h.Set("Accept-Encoding", mode.encoding)
		}
		if mode.client {
			h.Set("Content-Encoding", mode.encoding)
		}
	}
}

// setAuth adds credentials unless the caller provided their own.
func (t *transport) setAuth(hr *http.Request) {
	h := hr.Header
	if h.Get("Authorization") != "" || h.Get(headerUser) != "" {
		return
	}
	switch {
	case t.cfg.AccessToken != "":
		h.Set("Authorization", "Bearer "+t.cfg.AccessToken)
	case t.cfg.SSLAuthentication:
		h.Set(headerSSLAuth, "on")
		h.Set(headerUser, t.cfg.User)
	case t.cfg.UseBasicAuth:
		hr.SetBasicAuth(t.cfg.User, t.cfg.Password)
	default:
		h.Set(headerUser, t.cfg.User)
		if t.cfg.Password != "" {
			h.Set(headerKey, t.cfg.Password)
		}
	}
}

// requestBody is the body of one attempt and the goroutine producing it.
type requestBody struct {
	reader io.Reader
	pipe   *io.PipeReader
	done   chan struct{}
	err    error
}

// stop closes the pipe and waits for the producer to exit.
func (b *requestBody) stop() error {
	if b.pipe == nil {
		return nil
	}
	_ = b.pipe.CloseWithError(errResponseClosed)
	<-b.done
	if errors.Is(b.err, io.ErrClosedPipe) || errors.Is(b.err, errResponseClosed) {
		return nil
	}
	return b.err
}

func (t *transport) wrapBody(w io.Writer, mode compression, framed bool) (io.WriteCloser, error) {
	switch {
	case framed || !mode.client:
		return nopWriteCloser{w}, nil
	case mode.http:
		return compress.NewEncodingWriter(mode.encoding, w)
	default:
		return compress.NewWriter(w, compress.WithBlockSize(t.cfg.LZ4BufferSize)), nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (t *transport) newBody(req *request, mode compression) (*requestBody, error) {
	if req.method == http.MethodGet {
		return &requestBody{}, nil
	}

	if req.data == nil {
		if !mode.client {
			return &requestBody{reader: strings.NewReader(req.statement)}, nil
		}
		var buf bytes.Buffer
		w, err := t.wrapBody(&buf, mode, false)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, req.statement); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return &requestBody{reader: bytes.NewReader(buf.Bytes())}, nil
	}

	pr, pw := io.Pipe()
	b := &requestBody{reader: pr, pipe: pr, done: make(chan struct{})}
	go func() {
		defer close(b.done)
		w, err := t.wrapBody(pw, mode, t.cfg.AppCompressedData)
		if err == nil {
			err = req.data(w)
			if cerr := w.Close(); err == nil {
				err = cerr
			}
		}
		b.err = err
		_ = pw.CloseWithError(err)
	}()
	return b, nil
}

// execute runs one attempt of req.
func (t *transport) execute(ctx context.Context, req *request) (*Response, error) {
	if req.method == "" {
		req.method = http.MethodPost
	}
	release, err := t.pool.lease(ctx, t.endpoint.Host)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	cleanup := func() {
		cancel(errResponseClosed)
		release()
	}
	if t.cfg.RequestTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		prev := cleanup
		cleanup = func() {
			cancelTimeout()
			prev()
		}
	}

	mode := t.resolveCompression(req.settings)
	if req.method == http.MethodGet {
		mode = compression{}
	}
	body, err := t.newBody(req, mode)
	if err != nil {
		cleanup()
		return nil, err
	}

	var conn *trackedConn
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			conn = t.pool.gotConn(info.Conn)
		},
	}
	u := t.buildURL(req, mode)
	hr, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), req.method, u.String(), body.reader)
	if err != nil {
		_ = body.stop()
		cleanup()
		return nil, err
	}
	t.setHeaders(hr, req, mode)

	start := time.Now()
	resp, err := t.client.Do(hr)
	if err != nil {
		berr := body.stop()
		t.pool.putConn(conn)
		cleanup()
		var pe *ProtocolError
		if errors.As(berr, &pe) {
			return nil, berr
		}
		stage := StageConnect
		if conn != nil {
			stage = StageTransfer
		}
		err = transportError(ctx, err, stage)
		t.logger.Debug("request failed",
			zap.String("query_id", req.settings.QueryID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	t.logger.Debug("response received",
		zap.String("query_id", req.settings.QueryID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	finish := func() error {
		sneakyBodyClose(resp.Body)
		berr := body.stop()
		t.pool.putConn(conn)
		cleanup()
		return berr
	}
	// a body that could not be produced explains any error status
	fail := func(err error) (*Response, error) {
		var pe *ProtocolError
		if berr := finish(); errors.As(berr, &pe) {
			return nil, berr
		}
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusBadGateway:
		return fail(&TransportError{Stage: StageTransfer, StatusCode: resp.StatusCode, Err: errBadGateway})

	case resp.StatusCode == http.StatusProxyAuthRequired:
		return fail(misconfigured("proxy authentication required"))

	case resp.StatusCode >= http.StatusBadRequest || resp.Header.Get(headerExceptionCode) != "":
		se := t.serverError(resp, mode)
		se.Retryable = t.retryPolicy(se)
		return fail(se)
	}

	r := newResponse(resp, req.settings.QueryID, t.format(req.settings))
	var raw io.ReadCloser = resp.Body
	if t.cfg.SocketTimeout > 0 {
		raw = newTimeoutBody(raw, t.cfg.SocketTimeout, cancel)
	}
	decoded, err := t.decodeBody(raw, resp, mode)
	if err != nil {
		_ = finish()
		return nil, err
	}
	r.body = &mappedBody{ctx: ctx, r: decoded}
	r.closers = append(r.closers, func() error {
		err := decoded.Close()
		if raw != decoded {
			sneakyBodyClose(raw)
		}
		return errors.Join(err, finish())
	})
	return r, nil
}

// decodeBody wraps a successful response body in the matching decompressor.
func (t *transport) decodeBody(body io.ReadCloser, resp *http.Response, mode compression) (io.ReadCloser, error) {
	if mode.http {
		token := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
		if token == "" || token == "identity" {
			return body, nil
		}
		r, err := compress.NewEncodingReader(token, body)
		if err != nil {
			return nil, &TransportError{Stage: StageTransfer, StatusCode: resp.StatusCode, Err: err}
		}
		return r, nil
	}
	if mode.server && compressedStatuses[resp.StatusCode] {
		return io.NopCloser(compress.NewReader(body, compress.WithBufferSize(t.cfg.LZ4BufferSize))), nil
	}
	return body, nil
}

// serverError reads an error response into a ServerError.
func (t *transport) serverError(resp *http.Response, mode compression) *ServerError {
	code, _ := strconv.Atoi(resp.Header.Get(headerExceptionCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, errorLookahead))
	if err != nil && len(raw) == 0 {
		return &ServerError{
			Code:       code,
			Message:    fmt.Sprintf("unreadable error: %v", err),
			HTTPStatus: resp.StatusCode,
			QueryID:    resp.Header.Get(headerQueryID),
		}
	}

	var body io.Reader = bytes.NewReader(raw)
	switch {
	case mode.http && resp.Header.Get("Content-Encoding") != "":
		if r, err := compress.NewEncodingReader(strings.ToLower(resp.Header.Get("Content-Encoding")), bytes.NewReader(raw)); err == nil {
			if out, _ := io.ReadAll(r); len(out) > 0 {
				body = bytes.NewReader(out)
			}
			_ = r.Close()
		}
	case !mode.http && mode.server && compressedStatuses[resp.StatusCode]:
		// errors raised before the first block are sent uncompressed
		if out, _ := io.ReadAll(compress.NewReader(bytes.NewReader(raw))); len(out) > 0 {
			body = bytes.NewReader(out)
		}
	}

	code, msg := parseErrorBody(body, code)
	return &ServerError{
		Code:       code,
		Message:    msg,
		HTTPStatus: resp.StatusCode,
		QueryID:    resp.Header.Get(headerQueryID),
	}
}

// transportError classifies a failed round trip.
func transportError(ctx context.Context, err error, stage Stage) error {
	if errors.Is(context.Cause(ctx), errSocketTimeout) {
		return &TransportError{Cause: FaultSocketTimeout, Stage: StageTransfer, Err: err}
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.Canceled) && !errors.Is(context.Cause(ctx), errResponseClosed) {
		return err
	}
	return &TransportError{Cause: ClassifyFault(err), Stage: stage, Err: err}
}

// timeoutBody cancels the request when a single read blocks longer than
// the socket timeout.
type timeoutBody struct {
	io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newTimeoutBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelCauseFunc) *timeoutBody {
	b := &timeoutBody{ReadCloser: rc, timeout: timeout}
	b.timer = time.AfterFunc(timeout, func() { cancel(errSocketTimeout) })
	b.timer.Stop()
	return b
}

func (b *timeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.ReadCloser.Read(p)
	b.timer.Stop()
	return n, err
}

func (b *timeoutBody) Close() error {
	b.timer.Stop()
	return b.ReadCloser.Close()
}

// mappedBody turns I/O failures of a response body into TransportErrors.
type mappedBody struct {
	ctx context.Context
	r   io.Reader
}

func (b *mappedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return n, err
	}
	return n, transportError(b.ctx, err, StageTransfer)
}

// ping checks the server is reachable.
func (t *transport) ping(ctx context.Context) error {
	resp, err := t.execute(ctx, &request{method: http.MethodGet, path: "/ping", settings: &QuerySettings{}})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp, 64))
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) != "Ok." {
		return fmt.Errorf("%w: %q", errUnexpectedPing, body)
	}
	return nil
}
