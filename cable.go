package chwire

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chwire/chwire-go/rowbinary"
)

// RowCable batches rows and inserts them in the background.
//
// A batch is sent once it holds BatchRows rows or BatchInterval elapsed
// since the last flush, whichever comes first.
type RowCable struct {
	c *Client

	table    string
	cols     []*rowbinary.Column
	settings *InsertSettings

	sendRows  []*sendRow
	sendRowCh chan *sendRow
	inflight  sync.WaitGroup
	stopped   chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	started   atomic.Bool

	BatchRows     int
	BatchInterval time.Duration
}

type sendRow struct {
	row []any

	err  chan error
	done chan struct{}
}

func (r *sendRow) finish(err error) {
	if err != nil {
		r.err <- err
	}
	close(r.err)
	close(r.done)
}

// RowCable creates a cable inserting into table. Rows sent must match cols.
func (c *Client) RowCable(table string, cols []*rowbinary.Column, settings *InsertSettings) *RowCable {
	return &RowCable{
		c:             c,
		table:         table,
		cols:          cols,
		settings:      settings,
		sendRows:      make([]*sendRow, 0),
		sendRowCh:     make(chan *sendRow),
		stopped:       make(chan struct{}),
		BatchRows:     10000,
		BatchInterval: time.Second,
	}
}

// Start runs the batching loop until Close. ctx bounds every insert.
func (c *RowCable) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.run(ctx)
	})
}

func (c *RowCable) run(ctx context.Context) {
	defer close(c.stopped)

	ticker := time.NewTicker(c.BatchInterval)
	defer ticker.Stop()

	stop, tick := false, false
	for {
		if (tick || len(c.sendRows) >= c.BatchRows) && len(c.sendRows) > 0 {
			c.flush(ctx, c.sendRows)
			c.sendRows = make([]*sendRow, 0, len(c.sendRows))
		}
		tick = false

		if stop {
			c.inflight.Wait()
			return
		}

		select {
		case <-ticker.C:
			tick = true
		case r, more := <-c.sendRowCh:
			if !more {
				stop, tick = true, true
				continue
			}
			if len(r.row) != len(c.cols) {
				r.finish(fmt.Errorf("row has %d values, want %d", len(r.row), len(c.cols)))
				continue
			}
			c.sendRows = append(c.sendRows, r)
		}
	}
}

func (c *RowCable) flush(ctx context.Context, batch []*sendRow) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		rows := make([][]any, 0, len(batch))
		for _, r := range batch {
			rows = append(rows, r.row)
		}
		_, err := c.c.Insert(ctx, c.table, c.cols, rows, c.settings)
		if err != nil {
			c.c.logger.Warn("cable insert failed",
				zap.String("table", c.table),
				zap.Int("rows", len(rows)),
				zap.Error(err))
		}
		for _, r := range batch {
			r.finish(err)
		}
	}()
}

// Send queues a row. done is closed once the row was inserted or failed;
// err carries the failure, if any.
func (c *RowCable) Send(row ...any) (<-chan struct{}, <-chan error) {
	r := &sendRow{
		row:  row,
		err:  make(chan error, 1),
		done: make(chan struct{}),
	}
	c.sendRowCh <- r
	return r.done, r.err
}

// Close flushes pending rows and waits for in-flight inserts. Rows must
// not be sent after Close.
func (c *RowCable) Close() {
	c.closeOnce.Do(func() {
		close(c.sendRowCh)
	})
	if c.started.Load() {
		<-c.stopped
	}
}
