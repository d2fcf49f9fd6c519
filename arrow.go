package chwire

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/ipc"
)

// encodeArrowBatches writes the batches as an Arrow IPC stream.
func encodeArrowBatches(w io.Writer, schema *arrow.Schema, batches []arrow.Record) (err error) {
	if len(batches) == 0 {
		return errors.New("cannot encode empty batches")
	}

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	defer func() {
		err = errors.Join(err, writer.Close())
	}()

	for _, batch := range batches {
		if !batch.Schema().Equal(schema) {
			return errors.New("schema mismatch")
		}
		if err := writer.Write(batch); err != nil {
			return err
		}
	}
	return nil
}

// decodeArrowBatches reads every record of an Arrow IPC stream. The caller
// releases the returned records.
func decodeArrowBatches(r io.Reader) ([]arrow.Record, error) {
	reader, err := ipc.NewReader(r, ipc.WithDelayReadSchema(true))
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	defer reader.Release()

	batches := make([]arrow.Record, 0)
	for reader.Next() {
		batch := reader.Record()
		batch.Retain()
		batches = append(batches, batch)
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		for _, batch := range batches {
			batch.Release()
		}
		return nil, err
	}
	return batches, nil
}

// InsertArrow inserts record batches into table using the ArrowStream
// format. All batches must share the schema of the first one.
func (c *Client) InsertArrow(ctx context.Context, table string, batches []arrow.Record, settings *InsertSettings) (*Summary, error) {
	if len(batches) == 0 {
		return nil, errors.New("cannot insert empty batches")
	}
	schema := batches[0].Schema()
	names := make([]string, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		names = append(names, f.Name)
	}
	statement := insertStatement(table, names, FormatArrowStream)
	return c.insert(ctx, statement, true, settings, func(w io.Writer) error {
		return encodeArrowBatches(w, schema, batches)
	})
}

// ReadArrow reads an ArrowStream response and closes it. The caller
// releases the returned records.
func (r *Response) ReadArrow() ([]arrow.Record, error) {
	defer func() { _ = r.Close() }()
	return decodeArrowBatches(r)
}
