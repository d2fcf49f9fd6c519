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
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/chwire/chwire-go/rowbinary"
)

// Result formats understood by Rows.
const (
	FormatRowBinary                  = "RowBinary"
	FormatRowBinaryWithNamesAndTypes = "RowBinaryWithNamesAndTypes"
	FormatArrowStream                = "ArrowStream"
)

// Summary is the progress summary the server sends with a response.
type Summary struct {
	ReadRows        uint64 `json:"read_rows,string"`
	ReadBytes       uint64 `json:"read_bytes,string"`
	WrittenRows     uint64 `json:"written_rows,string"`
	WrittenBytes    uint64 `json:"written_bytes,string"`
	TotalRowsToRead uint64 `json:"total_rows_to_read,string"`
	ResultRows      uint64 `json:"result_rows,string"`
	ResultBytes     uint64 `json:"result_bytes,string"`
	ElapsedNS       uint64 `json:"elapsed_ns,string"`
}

func parseSummary(s string) (Summary, error) {
	var summary Summary
	if s == "" {
		return summary, nil
	}
	err := json.Unmarshal([]byte(s), &summary)
	return summary, err
}

// Response is the streamed, decompressed result of a request.
//
// It must be closed to return its connection to the pool.
type Response struct {
	StatusCode        int
	QueryID           string
	Format            string
	Timezone          string
	ServerDisplayName string
	Summary           Summary
	Header            http.Header

	body      io.Reader
	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

func newResponse(resp *http.Response, queryID, format string) *Response {
	r := &Response{
		StatusCode:        resp.StatusCode,
		QueryID:           resp.Header.Get(headerQueryID),
		Format:            resp.Header.Get(headerFormat),
		Timezone:          resp.Header.Get(headerTimezone),
		ServerDisplayName: resp.Header.Get(headerServerDisplayName),
		Header:            resp.Header,
		body:              resp.Body,
	}
	if r.QueryID == "" {
		r.QueryID = queryID
	}
	if r.Format == "" {
		r.Format = format
	}
	// a malformed summary leaves the zero value
	r.Summary, _ = parseSummary(resp.Header.Get(headerSummary))
	return r
}

// Read reads the decompressed response body.
func (r *Response) Read(p []byte) (int, error) {
	return r.body.Read(p)
}

// Close releases the response. It is safe to call more than once.
func (r *Response) Close() error {
	r.closeOnce.Do(func() {
		for i := len(r.closers) - 1; i >= 0; i-- {
			r.closeErr = errors.Join(r.closeErr, r.closers[i]())
		}
	})
	return r.closeErr
}

func (r *Response) onClose(f func() error) {
	r.closers = append(r.closers, f)
}

// Discard drains and closes the response.
func (r *Response) Discard() error {
	_, err := io.Copy(io.Discard, r)
	return errors.Join(err, r.Close())
}

// Rows reads a RowBinary response row by row.
//
// For RowBinaryWithNamesAndTypes the columns are read from the header and
// cols may be omitted. For RowBinary cols must describe every column.
func (r *Response) Rows(cols ...*rowbinary.Column) (*Rows, error) {
	dec := rowbinary.NewDecoder(r)
	rows := &Rows{resp: r, dec: dec, cols: cols}
	if r.Format == FormatRowBinaryWithNamesAndTypes {
		header, err := dec.DecodeHeader()
		if err != nil && err != io.EOF {
			return nil, err
		}
		if len(cols) == 0 {
			rows.cols = header
		} else if len(header) != len(cols) {
			return nil, fmt.Errorf("response has %d columns, %d given", len(header), len(cols))
		}
	}
	if len(rows.cols) == 0 {
		return nil, errors.New("no columns to decode")
	}
	return rows, nil
}

// ReadAll reads every row of the response and closes it.
func (r *Response) ReadAll(cols ...*rowbinary.Column) ([][]any, error) {
	defer func() { _ = r.Close() }()

	rows, err := r.Rows(cols...)
	if err != nil {
		return nil, err
	}
	var values [][]any
	for rows.Next() {
		values = append(values, rows.Values())
	}
	return values, rows.Err()
}

// Rows iterates the rows of a response.
type Rows struct {
	resp *Response
	dec  *rowbinary.Decoder
	cols []*rowbinary.Column
	row  []any
	err  error
}

// Columns returns the column descriptors of the rows.
func (rs *Rows) Columns() []*rowbinary.Column {
	return rs.cols
}

// Next decodes the next row. It returns false at the end of the rows or on
// error; check Err afterwards.
func (rs *Rows) Next() bool {
	if rs.err != nil {
		return false
	}
	row, err := rs.dec.DecodeRow(rs.cols)
	if err != nil {
		if err != io.EOF {
			rs.err = err
		}
		rs.row = nil
		return false
	}
	rs.row = row
	return true
}

// Values returns the current row.
func (rs *Rows) Values() []any {
	return rs.row
}

// Err returns the error that stopped iteration, if any.
func (rs *Rows) Err() error {
	return rs.err
}

// Close closes the underlying response.
func (rs *Rows) Close() error {
	return rs.resp.Close()
}
