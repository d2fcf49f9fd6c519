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
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chwire/chwire-go/compress"
	"github.com/chwire/chwire-go/rowbinary"
)

// namesAndTypes renders rows as a RowBinaryWithNamesAndTypes result.
func namesAndTypes(t testing.TB, names, types []string, cols []*rowbinary.Column, rows [][]any) []byte {
	var buf bytes.Buffer
	header := make([]any, len(names))
	for i, n := range names {
		header[i] = n
	}
	require.NoError(t, rowbinary.Serialize(&buf, header, rowbinary.NewArray(rowbinary.NewString())))
	for _, typ := range types {
		require.NoError(t, rowbinary.Serialize(&buf, typ, rowbinary.NewString()))
	}
	enc := rowbinary.NewEncoder(&buf)
	for _, row := range rows {
		require.NoError(t, enc.EncodeRow(row, cols))
	}
	return buf.Bytes()
}

func decodeRows(t testing.TB, data []byte, cols []*rowbinary.Column) [][]any {
	dec := rowbinary.NewDecoder(bytes.NewReader(data))
	var rows [][]any
	for {
		row, err := dec.DecodeRow(cols)
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func serverError(w http.ResponseWriter, status, code int, msg string) []byte {
	w.Header().Set(headerExceptionCode, fmt.Sprint(code))
	w.WriteHeader(status)
	return []byte(fmt.Sprintf("Code: %d. DB::Exception: %s", code, msg))
}

func TestQueryRows(t *testing.T) {
	faker := gofakeit.New(42)
	cols := []*rowbinary.Column{
		rowbinary.NewUInt64(),
		rowbinary.NewString(),
		rowbinary.Nullable(rowbinary.NewFloat64()),
		rowbinary.NewArray(rowbinary.NewString()),
	}
	var rows [][]any
	for i := 0; i < 50; i++ {
		var score any
		if i%3 != 0 {
			score = faker.Float64()
		}
		rows = append(rows, []any{uint64(i), faker.Name(), score, []any{faker.Word(), faker.Word()}})
	}
	payload := namesAndTypes(t,
		[]string{"id", "name", "score", "tags"},
		[]string{"UInt64", "String", "Nullable(Float64)", "Array(LowCardinality(String))"},
		cols, rows)

	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		w.Header().Set(headerFormat, FormatRowBinaryWithNamesAndTypes)
		return payload
	})
	c := newTestClient(t, s, nil)

	resp, err := c.Statement("SELECT * FROM players").Query(context.Background())
	require.NoError(t, err)
	rs, err := resp.Rows()
	require.NoError(t, err)
	defer rs.Close()

	var names []string
	for _, col := range rs.Columns() {
		names = append(names, col.Name)
	}
	require.Equal(t, []string{"id", "name", "score", "tags"}, names)
	require.True(t, rs.Columns()[2].Nullable)

	var got [][]any
	for rs.Next() {
		got = append(got, rs.Values())
	}
	require.NoError(t, rs.Err())
	require.Equal(t, rows, got)
	require.Equal(t, FormatRowBinaryWithNamesAndTypes, s.last().Header.Get(headerFormat))
}

func TestQueryRowsTruncated(t *testing.T) {
	cols := []*rowbinary.Column{rowbinary.NewUInt64()}
	payload := namesAndTypes(t, []string{"id"}, []string{"UInt64"}, cols, [][]any{{uint64(1)}, {uint64(2)}})

	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		w.Header().Set(headerFormat, FormatRowBinaryWithNamesAndTypes)
		return payload[:len(payload)-3]
	})
	c := newTestClient(t, s, nil)

	_, err := c.Statement("SELECT id FROM t").Execute(context.Background())
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestInsertRowBinary(t *testing.T) {
	faker := gofakeit.New(7)
	cols := []*rowbinary.Column{
		rowbinary.Named("id", rowbinary.NewUInt64()),
		rowbinary.Named("name", rowbinary.NewString()),
		rowbinary.Named("at", rowbinary.NewDateTime(time.UTC)),
	}
	var rows [][]any
	for i := 0; i < 100; i++ {
		rows = append(rows, []any{uint64(i), faker.Username(), time.Unix(1700000000+int64(i), 0).UTC()})
	}

	s := newFakeServer(t, nil)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.ClientCompression = true
		cfg.LZ4BufferSize = 512
	})

	tbl := c.Table("events")
	tbl.Database = "db"
	summary, err := tbl.Insert(context.Background(), cols, rows, &InsertSettings{DeduplicationToken: "batch-1"})
	require.NoError(t, err)
	require.EqualValues(t, 3, summary.ReadRows)

	req := s.last()
	require.Equal(t, "INSERT INTO `db`.`events` (`id`, `name`, `at`) FORMAT RowBinary", req.Query.Get("query"))
	require.Equal(t, "1", req.Query.Get("decompress"))
	require.Equal(t, "batch-1", req.Query.Get("insert_deduplication_token"))
	require.Equal(t, rows, decodeRows(t, req.Body, cols))
}

func TestInsertAppCompressedData(t *testing.T) {
	var framed bytes.Buffer
	w := compress.NewWriter(&framed)
	_, err := w.Write([]byte("1,chwire\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	s := newFakeServer(t, nil)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.AppCompressedData = true
	})

	_, err = c.InsertStream(context.Background(), "INSERT INTO t FORMAT CSV", bytes.NewReader(framed.Bytes()), nil)
	require.NoError(t, err)

	req := s.last()
	require.Equal(t, "1", req.Query.Get("decompress"))
	require.Equal(t, "1,chwire\n", string(req.Body))
}

func TestInsertEncodeError(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, func(cfg *Config) { cfg.Retry = 3 })

	cols := []*rowbinary.Column{rowbinary.Named("id", rowbinary.NewUInt64())}
	_, err := c.Insert(context.Background(), "t", cols, [][]any{{uint64(1)}, {"two"}}, nil)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.False(t, ShouldRetry(err, DefaultRetryCauses))
}

func TestRetryRetryableServerError(t *testing.T) {
	var calls atomic.Int32
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		if calls.Add(1) <= 2 {
			return serverError(w, http.StatusServiceUnavailable, 202, "Too many simultaneous queries. (TOO_MANY_SIMULTANEOUS_QUERIES)")
		}
		return []byte("Ok.\n")
	})

	c := newTestClient(t, s, func(cfg *Config) { cfg.Retry = 2 }, WithServerRetryPolicy(RetryServerCodes(202)))
	_, err := c.Execute(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	require.Equal(t, 3, s.count())

	// the same query id is used by every attempt
	ids := map[string]struct{}{}
	s.mu.Lock()
	for _, r := range s.requests {
		ids[r.Query.Get("query_id")] = struct{}{}
	}
	s.mu.Unlock()
	require.Len(t, ids, 1)
}

func TestRetryExhausted(t *testing.T) {
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		return serverError(w, http.StatusServiceUnavailable, 202, "Too many simultaneous queries.")
	})

	c := newTestClient(t, s, func(cfg *Config) { cfg.Retry = 1 }, WithServerRetryPolicy(RetryServerCodes(202)))
	_, err := c.Execute(context.Background(), "SELECT 1", nil)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	require.True(t, se.Retryable)
	require.Contains(t, err.Error(), "after 2 attempts")
	require.Equal(t, 2, s.count())
}

func TestServerErrorsAreNotRetriedByDefault(t *testing.T) {
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		return serverError(w, http.StatusServiceUnavailable, 202, "Too many simultaneous queries.")
	})

	c := newTestClient(t, s, func(cfg *Config) { cfg.Retry = 3 })
	_, err := c.Execute(context.Background(), "SELECT 1", nil)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	require.False(t, se.Retryable)
	require.Equal(t, 1, s.count())
}

func TestRetryCausesOverride(t *testing.T) {
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		return serverError(w, http.StatusServiceUnavailable, 202, "Too many simultaneous queries.")
	})

	c := newTestClient(t, s, func(cfg *Config) { cfg.Retry = 3 }, WithServerRetryPolicy(RetryServerCodes(202)))
	causes := NewFaultCauses(FaultNone, FaultServerRetryable)
	_, err := c.Execute(context.Background(), "SELECT 1", &QuerySettings{RetryCauses: &causes})
	require.Error(t, err)
	require.Equal(t, 1, s.count())
}

func TestInsertStreamIsNotRetried(t *testing.T) {
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		return serverError(w, http.StatusServiceUnavailable, 202, "Too many simultaneous queries.")
	})
	c := newTestClient(t, s, func(cfg *Config) { cfg.Retry = 3 }, WithServerRetryPolicy(RetryServerCodes(202)))

	_, err := c.InsertStream(context.Background(), "INSERT INTO t FORMAT CSV", bytes.NewBufferString("1\n2\n"), nil)
	require.Error(t, err)
	require.Equal(t, 1, s.count())

	cols := []*rowbinary.Column{rowbinary.NewUInt8()}
	_, err = c.Insert(context.Background(), "t", cols, [][]any{{uint8(1)}}, nil)
	require.Error(t, err)
	require.Equal(t, 1+4, s.count())
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := NewConfig("http://" + addr)
	cfg.Retry = 2
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Query(context.Background(), "SELECT 1", nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, FaultConnectTimeout, te.Cause)
	require.Equal(t, StageConnect, te.Stage)
	require.Contains(t, err.Error(), "after 3 attempts")
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(NewConfig("ftp://localhost"))
	var ce *ClientMisconfigurationError
	require.ErrorAs(t, err, &ce)

	_, err = NewClient(nil)
	require.ErrorAs(t, err, &ce)
}

func TestSubmitWait(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, nil)

	h := c.Submit(context.Background(), "SELECT 1", &QuerySettings{QueryID: "async-1"})
	<-h.Done()
	resp, err := h.Wait(context.Background())
	require.NoError(t, err)
	data, err := io.ReadAll(resp)
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	require.Equal(t, "Ok.\n", string(data))
	require.Equal(t, "async-1", resp.QueryID)
}

func TestSubmitCancel(t *testing.T) {
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		select {
		case <-req.Ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return nil
	})
	c := newTestClient(t, s, func(cfg *Config) { cfg.Retry = 3 })

	h := c.Submit(context.Background(), "SELECT sleep(3)", nil)
	require.Eventually(t, func() bool { return s.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	_, err := h.Wait(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h.Cancel()
	resp, err := h.Wait(context.Background())
	require.Nil(t, resp)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, FaultNone, ClassifyFault(err))
	require.Equal(t, 1, s.count())
}

func TestStatement(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, nil)

	id := uuid.New()
	stmt := c.Statement("SELECT {n:UInt8}").Bind("n", "3")
	stmt.ID = &id
	stmt.ExecTimeout = 2 * time.Second
	stmt.Settings = map[string]string{"max_threads": "1"}
	_, err := stmt.Exec(context.Background())
	require.NoError(t, err)

	req := s.last()
	require.Equal(t, "SELECT {n:UInt8}", string(req.Body))
	require.Equal(t, "3", req.Query.Get("param_n"))
	require.Equal(t, id.String(), req.Query.Get("query_id"))
	require.Equal(t, "2", req.Query.Get("max_execution_time"))
	require.Equal(t, "1", req.Query.Get("max_threads"))
	require.Equal(t, FormatRowBinaryWithNamesAndTypes, req.Header.Get(headerFormat))
	// the caller's map is left alone
	require.Len(t, stmt.Settings, 1)
}

func TestTableColumns(t *testing.T) {
	str := rowbinary.NewString()
	describe := namesAndTypes(t,
		[]string{"name", "type", "default_type"},
		[]string{"String", "String", "String"},
		[]*rowbinary.Column{str, str, str},
		[][]any{
			{"id", "UInt64", ""},
			{"ts", "DateTime64(3, 'UTC')", ""},
			{"attrs", "Map(LowCardinality(String), Nullable(Int32))", ""},
		})

	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		w.Header().Set(headerFormat, FormatRowBinaryWithNamesAndTypes)
		return describe
	})
	c := newTestClient(t, s, nil)

	tbl := c.Table("weird`name")
	tbl.Database = "db"
	cols, err := tbl.Columns(context.Background())
	require.NoError(t, err)
	require.Equal(t, "DESCRIBE TABLE `db`.`weird\\`name`", string(s.last().Body))

	require.Len(t, cols, 3)
	require.Equal(t, "id", cols[0].Name)
	require.Equal(t, rowbinary.UInt64, cols[0].Type)
	require.Equal(t, rowbinary.DateTime64, cols[1].Type)
	require.Equal(t, 3, cols[1].Scale)
	require.Equal(t, rowbinary.Map, cols[2].Type)
	require.True(t, cols[2].Value.Nullable)
}

func TestTableDrop(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, nil)

	require.NoError(t, c.Table("events").Drop(context.Background()))
	require.Equal(t, "DROP TABLE IF EXISTS `events`", string(s.last().Body))
}

func TestRowCable(t *testing.T) {
	cols := []*rowbinary.Column{
		rowbinary.Named("id", rowbinary.NewInt64()),
		rowbinary.Named("name", rowbinary.NewString()),
	}

	var mu sync.Mutex
	var inserted [][]any
	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		rows := decodeRows(t, req.Body, cols)
		mu.Lock()
		inserted = append(inserted, rows...)
		mu.Unlock()
		return nil
	})
	c := newTestClient(t, s, nil)

	cable := c.RowCable("events", cols, nil)
	cable.BatchRows = 2
	cable.Start(context.Background())

	faker := gofakeit.New(3)
	var sent [][]any
	var errs []<-chan error
	for i := 0; i < 5; i++ {
		row := []any{int64(i), faker.FirstName()}
		sent = append(sent, row)
		_, errCh := cable.Send(row...)
		errs = append(errs, errCh)
	}

	done, errCh := cable.Send(int64(99))
	<-done
	require.Error(t, <-errCh)

	cable.Close()
	for _, errCh := range errs {
		require.NoError(t, <-errCh)
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Slice(inserted, func(i, j int) bool { return inserted[i][0].(int64) < inserted[j][0].(int64) })
	require.Equal(t, sent, inserted)
	require.Equal(t, "INSERT INTO events (`id`, `name`) FORMAT RowBinary", s.last().Query.Get("query"))
}

func newArrowRecord(t testing.TB, n int) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64},
		{Name: "s", Type: arrow.BinaryTypes.String},
	}, nil)
	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()
	for i := 0; i < n; i++ {
		b.Field(0).(*array.Int64Builder).Append(int64(i))
		b.Field(1).(*array.StringBuilder).Append(fmt.Sprintf("row-%d", i))
	}
	return b.NewRecord()
}

func TestInsertArrow(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, nil)

	rec := newArrowRecord(t, 10)
	defer rec.Release()

	_, err := c.InsertArrow(context.Background(), "events", []arrow.Record{rec, rec}, nil)
	require.NoError(t, err)

	req := s.last()
	require.Equal(t, "INSERT INTO events (`a`, `s`) FORMAT ArrowStream", req.Query.Get("query"))
	batches, err := decodeArrowBatches(bytes.NewReader(req.Body))
	require.NoError(t, err)
	require.Len(t, batches, 2)
	for _, b := range batches {
		require.EqualValues(t, 10, b.NumRows())
		require.True(t, b.Schema().Equal(rec.Schema()))
		b.Release()
	}

	_, err = c.InsertArrow(context.Background(), "events", nil, nil)
	require.Error(t, err)
}

func TestReadArrow(t *testing.T) {
	rec := newArrowRecord(t, 5)
	defer rec.Release()
	var buf bytes.Buffer
	require.NoError(t, encodeArrowBatches(&buf, rec.Schema(), []arrow.Record{rec}))

	s := newFakeServer(t, func(w http.ResponseWriter, req *recorded) []byte {
		w.Header().Set(headerFormat, FormatArrowStream)
		return buf.Bytes()
	})
	c := newTestClient(t, s, nil)

	resp, err := c.Query(context.Background(), "SELECT a, s FROM t", &QuerySettings{Format: FormatArrowStream})
	require.NoError(t, err)
	batches, err := resp.ReadArrow()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.EqualValues(t, 5, batches[0].NumRows())
	batches[0].Release()
}

func TestEncodeArrowSchemaMismatch(t *testing.T) {
	rec := newArrowRecord(t, 1)
	defer rec.Release()
	other := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Int32}}, nil)

	require.Error(t, encodeArrowBatches(io.Discard, other, []arrow.Record{rec}))
	require.Error(t, encodeArrowBatches(io.Discard, other, nil))
}

func TestIdentifiers(t *testing.T) {
	c := &Client{}
	require.Equal(t, "`events`", c.Table("events").Identifier())

	tbl := c.Table("a`b\\c\td\x01")
	tbl.Database = "db"
	require.Equal(t, "`db`.`a\\`b\\\\c\\td\\x01`", tbl.Identifier())

	require.Equal(t,
		"INSERT INTO t (`id`, `na\\`me`) FORMAT RowBinary",
		insertStatement("t", []string{"id", "na`me"}, FormatRowBinary))
	require.Equal(t, "INSERT INTO t FORMAT CSV", insertStatement("t", nil, "CSV"))
	require.Nil(t, columnNames([]*rowbinary.Column{rowbinary.Named("a", rowbinary.NewInt8()), rowbinary.NewInt8()}))
}

func TestStreamingInsertsSurviveConnectionTTL(t *testing.T) {
	s := newFakeServer(t, nil)
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.MaxOpenConnections = 2
		cfg.ConnectionTTL = 2 * time.Millisecond
		cfg.VentInterval = time.Millisecond
	})

	for i := 0; i < 50; i++ {
		_, err := c.InsertStream(context.Background(), "INSERT INTO t FORMAT CSV",
			bytes.NewBufferString(fmt.Sprintf("%d\n", i)), nil)
		require.NoError(t, err, "insert %d", i)
	}
	require.Equal(t, 50, s.count())
}
