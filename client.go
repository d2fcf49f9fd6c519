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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chwire/chwire-go/rowbinary"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	observer    PoolObserver
	retryPolicy ServerRetryPolicy
	httpClient  *http.Client
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPoolObserver receives connection pool events.
func WithPoolObserver(observer PoolObserver) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// WithServerRetryPolicy decides which server errors are retryable.
func WithServerRetryPolicy(policy ServerRetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = policy
	}
}

// WithHTTPClient sends requests through hc instead of the pooled transport.
// Connection tracking and TLS or proxy settings do not apply to hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// QuerySettings are per-request settings. Zero values fall back to the
// client configuration.
type QuerySettings struct {
	// QueryID identifies the query. A random UUID is used when empty.
	QueryID  string
	Format   string
	Database string
	// Parameters are bound to {name:Type} placeholders of the statement.
	Parameters map[string]string
	// Settings are server settings for this request.
	Settings map[string]string
	// Roles replace the configured roles when not nil.
	Roles []string
	// RetryCauses replaces the configured retry causes when not nil.
	RetryCauses *FaultCauses

	ServerCompression  *bool
	ClientCompression  *bool
	UseHTTPCompression *bool

	// Headers are added to the request. An Authorization or
	// X-ClickHouse-User header replaces the generated credentials.
	Headers http.Header
}

func (s *QuerySettings) clone() *QuerySettings {
	if s == nil {
		return &QuerySettings{}
	}
	c := *s
	return &c
}

// InsertSettings are settings of an insert.
type InsertSettings struct {
	QuerySettings
	// DeduplicationToken is sent as insert_deduplication_token.
	DeduplicationToken string
}

func (s *InsertSettings) querySettings() *QuerySettings {
	if s == nil {
		return &QuerySettings{}
	}
	qs := s.QuerySettings.clone()
	if s.DeduplicationToken != "" {
		settings := make(map[string]string, len(qs.Settings)+1)
		for k, v := range qs.Settings {
			settings[k] = v
		}
		settings["insert_deduplication_token"] = s.DeduplicationToken
		qs.Settings = settings
	}
	return qs
}

// Client talks to the server over HTTP. It is safe for concurrent use.
type Client struct {
	cfg       *Config
	logger    *zap.Logger
	transport *transport
}

// NewClient creates a client for cfg.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, misconfigured("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{
		logger:      zap.NewNop(),
		retryPolicy: NeverRetryServerErrors,
	}
	for _, opt := range opts {
		opt(o)
	}

	t, err := newTransport(cfg, o)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		logger:    o.logger.With(zap.String("component", "client")),
		transport: t,
	}, nil
}

// Close stops background work and closes idle connections.
func (c *Client) Close() error {
	c.transport.close()
	return nil
}

// Query sends a statement and returns the streamed response.
//
// Failures are retried per the configured retry causes. The caller must
// close the response.
func (c *Client) Query(ctx context.Context, statement string, settings *QuerySettings) (*Response, error) {
	return c.do(ctx, &request{
		statement:  statement,
		replayable: true,
		settings:   settings.clone(),
	})
}

// Execute sends a statement, discards its result and returns the summary.
func (c *Client) Execute(ctx context.Context, statement string, settings *QuerySettings) (*Summary, error) {
	resp, err := c.Query(ctx, statement, settings)
	if err != nil {
		return nil, err
	}
	if err := resp.Discard(); err != nil {
		return nil, err
	}
	return &resp.Summary, nil
}

// Insert encodes rows as RowBinary and inserts them into table.
//
// table is used verbatim; see Table.Identifier for quoting. Column names
// come from cols and are omitted when none is named.
func (c *Client) Insert(ctx context.Context, table string, cols []*rowbinary.Column, rows [][]any, settings *InsertSettings) (*Summary, error) {
	if len(cols) == 0 {
		return nil, errors.New("insert needs at least one column")
	}
	statement := insertStatement(table, columnNames(cols), FormatRowBinary)
	return c.insert(ctx, statement, true, settings, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		enc := rowbinary.NewEncoder(bw)
		for i, row := range rows {
			if err := enc.EncodeRow(row, cols); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return bw.Flush()
	})
}

// InsertStream inserts data already in the format named by statement,
// e.g. "INSERT INTO t FORMAT CSV". The reader is consumed once, so the
// insert is never retried.
func (c *Client) InsertStream(ctx context.Context, statement string, data io.Reader, settings *InsertSettings) (*Summary, error) {
	return c.insert(ctx, statement, false, settings, func(w io.Writer) error {
		_, err := io.Copy(w, data)
		return err
	})
}

func (c *Client) insert(ctx context.Context, statement string, replayable bool, settings *InsertSettings, data bodyWriter) (*Summary, error) {
	resp, err := c.do(ctx, &request{
		statement:  statement,
		data:       data,
		replayable: replayable,
		settings:   settings.querySettings(),
	})
	if err != nil {
		return nil, err
	}
	if err := resp.Discard(); err != nil {
		return nil, err
	}
	return &resp.Summary, nil
}

func columnNames(cols []*rowbinary.Column) []string {
	names := make([]string, 0, len(cols))
	for _, col := range cols {
		if col.Name != "" {
			names = append(names, col.Name)
		}
	}
	if len(names) != len(cols) {
		return nil
	}
	return names
}

func insertStatement(table string, names []string, format string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	if len(names) > 0 {
		b.WriteString(" (")
		for i, n := range names {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(n))
		}
		b.WriteByte(')')
	}
	b.WriteString(" FORMAT ")
	b.WriteString(format)
	return b.String()
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.transport.ping(ctx)
}

// do runs req with retries.
func (c *Client) do(ctx context.Context, req *request) (*Response, error) {
	if req.settings.QueryID == "" {
		req.settings.QueryID = uuid.NewString()
	}
	causes := c.cfg.RetryCauses
	if req.settings.RetryCauses != nil {
		causes = *req.settings.RetryCauses
	}
	attempts := c.cfg.Retry + 1
	if !req.replayable {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		resp, err := c.transport.execute(ctx, req)
		if err == nil {
			return resp, nil
		}
		if attempt >= attempts || !ShouldRetry(err, causes) || ctx.Err() != nil {
			if attempt > 1 {
				err = fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return nil, err
		}
		c.logger.Warn("retrying request",
			zap.String("query_id", req.settings.QueryID),
			zap.Int("attempt", attempt),
			zap.Stringer("cause", ClassifyFault(err)),
			zap.Error(err))
	}
}

// QueryHandle is a query running in the background.
type QueryHandle struct {
	done   chan struct{}
	cancel context.CancelFunc
	resp   *Response
	err    error
}

// Submit starts a query and returns immediately.
//
// The query runs until it completes, ctx is done or Cancel is called. The
// response from Wait must be closed.
func (c *Client) Submit(ctx context.Context, statement string, settings *QuerySettings) *QueryHandle {
	qctx, cancel := context.WithCancel(ctx)
	h := &QueryHandle{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(h.done)
		h.resp, h.err = c.Query(qctx, statement, settings)
		if h.err != nil {
			cancel()
			return
		}
		h.resp.onClose(func() error {
			cancel()
			return nil
		})
	}()
	return h
}

// Done is closed when the response headers arrived or the query failed.
func (h *QueryHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the query has a response or ctx is done.
func (h *QueryHandle) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-h.done:
		return h.resp, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts the query.
func (h *QueryHandle) Cancel() {
	h.cancel()
}
