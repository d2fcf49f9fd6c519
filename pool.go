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
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/semaphore"
)

// PoolObserver receives connection pool events. Calls are made
// synchronously on the request path and must not block.
type PoolObserver interface {
	// OnLease is called when a request obtained a lease after waiting wait.
	OnLease(route string, wait time.Duration)
	// OnLeaseTimeout is called when a request gave up waiting for a lease.
	OnLeaseTimeout(route string)
	// OnRelease is called when a lease is returned.
	OnRelease(route string)
	// OnConnOpen is called when a connection is established.
	OnConnOpen(addr string)
	// OnConnClose is called when a connection is closed.
	OnConnClose(addr string)
	// OnVent is called after a sweep closed n connections.
	OnVent(n int)
}

type nopObserver struct{}

func (nopObserver) OnLease(string, time.Duration) {}
func (nopObserver) OnLeaseTimeout(string)         {}
func (nopObserver) OnRelease(string)              {}
func (nopObserver) OnConnOpen(string)             {}
func (nopObserver) OnConnClose(string)            {}
func (nopObserver) OnVent(int)                    {}

const connClosed = -1

// trackedConn is a pooled network connection with its lifecycle state.
//
// users counts the requests the connection is serving; zero means idle and
// connClosed means closed. Only the transition into connClosed closes the
// socket, so a sweep and a finishing request cannot close it twice.
type trackedConn struct {
	net.Conn

	pool    *pool
	addr    string
	created time.Time

	lastUsed  atomic.Int64
	users     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// acquire marks the connection busy. It fails once the connection is closed.
func (c *trackedConn) acquire() bool {
	for {
		n := c.users.Load()
		if n == connClosed {
			return false
		}
		if c.users.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops one user and reports whether the connection became idle.
func (c *trackedConn) release(now time.Time) bool {
	c.lastUsed.Store(now.UnixNano())
	for {
		n := c.users.Load()
		if n <= 0 {
			return false
		}
		if c.users.CompareAndSwap(n, n-1) {
			return n == 1
		}
	}
}

// retire moves an idle connection to closed.
func (c *trackedConn) retire() bool {
	return c.users.CompareAndSwap(0, connClosed)
}

func (c *trackedConn) idle() bool {
	return c.users.Load() == 0
}

func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.users.Store(connClosed)
		c.closeErr = c.Conn.Close()
		c.pool.forget(c)
	})
	return c.closeErr
}

// expired reports whether an idle connection should be closed at now.
func (c *trackedConn) expired(now time.Time, keepAlive, ttl time.Duration) bool {
	if ttl > 0 && now.Sub(c.created) >= ttl {
		return true
	}
	return keepAlive > 0 && now.Sub(time.Unix(0, c.lastUsed.Load())) >= keepAlive
}

// asTracked finds the trackedConn beneath TLS wrappers.
func asTracked(c net.Conn) *trackedConn {
	for c != nil {
		switch v := c.(type) {
		case *trackedConn:
			return v
		case interface{ NetConn() net.Conn }:
			c = v.NetConn()
		default:
			return nil
		}
	}
	return nil
}

// pool bounds and tracks the connections of one client.
type pool struct {
	cfg      *Config
	logger   *zap.Logger
	observer PoolObserver
	dialer   proxy.ContextDialer
	now      func() time.Time

	// closeIdle closes the connections the http.Transport holds idle. When
	// set, expired connections are only closed through it, so a socket is
	// never closed while the transport hands it to a new request.
	closeIdle func()

	mu     sync.Mutex
	conns  map[*trackedConn]struct{}
	routes map[string]*semaphore.Weighted
	closed bool

	stopCh    chan struct{}
	stopOnce  sync.Once
	ventGroup sync.WaitGroup
}

func newPool(cfg *Config, dialer proxy.ContextDialer, observer PoolObserver, logger *zap.Logger) *pool {
	if observer == nil {
		observer = nopObserver{}
	}
	return &pool{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "pool")),
		observer: observer,
		dialer:   dialer,
		now:      time.Now,
		conns:    make(map[*trackedConn]struct{}),
		routes:   make(map[string]*semaphore.Weighted),
		stopCh:   make(chan struct{}),
	}
}

// dial opens and registers a connection. It is installed as the
// DialContext of the http.Transport.
func (p *pool) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	raw, err := p.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	now := p.now()
	c := &trackedConn{Conn: raw, pool: p, addr: addr, created: now}
	c.lastUsed.Store(now.UnixNano())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = raw.Close()
		return nil, errPoolClosed
	}
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	p.observer.OnConnOpen(addr)
	p.logger.Debug("connection opened", zap.String("addr", addr))
	return c, nil
}

func (p *pool) forget(c *trackedConn) {
	p.mu.Lock()
	_, ok := p.conns[c]
	delete(p.conns, c)
	p.mu.Unlock()
	if ok {
		p.observer.OnConnClose(c.addr)
	}
}

// gotConn marks the connection serving a request busy.
func (p *pool) gotConn(conn net.Conn) *trackedConn {
	c := asTracked(conn)
	if c != nil {
		c.acquire()
	}
	return c
}

// putConn releases the connection and closes it when past its TTL
// or when keep-alives are off.
func (p *pool) putConn(c *trackedConn) {
	if c == nil {
		return
	}
	now := p.now()
	if !c.release(now) {
		return
	}
	if !p.cfg.PoolEnabled {
		if c.retire() {
			_ = c.Close()
		}
		return
	}
	if p.cfg.ConnectionTTL > 0 && now.Sub(c.created) >= p.cfg.ConnectionTTL {
		// a connection not yet back in the transport's idle list is left
		// to the next vent
		p.retireIdle([]*trackedConn{c})
	}
}

// retireIdle closes the idle connections among cs and returns how many
// were closed.
func (p *pool) retireIdle(cs []*trackedConn) int {
	if len(cs) == 0 {
		return 0
	}
	if p.closeIdle == nil {
		n := 0
		for _, c := range cs {
			if !c.retire() {
				continue
			}
			if err := c.Close(); err != nil {
				p.logger.Warn("failed to close idle connection", zap.String("addr", c.addr), zap.Error(err))
			}
			n++
		}
		return n
	}

	p.closeIdle()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range cs {
		if _, open := p.conns[c]; !open {
			n++
		}
	}
	return n
}

func (p *pool) route(key string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.routes[key]
	if !ok {
		sem = semaphore.NewWeighted(int64(p.cfg.MaxOpenConnections))
		p.routes[key] = sem
	}
	return sem
}

// lease waits for a free slot on route, bounded by the connection request
// timeout. The returned release func is idempotent.
func (p *pool) lease(ctx context.Context, route string) (func(), error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, &TransportError{Cause: FaultNone, Stage: StageConnect, Err: errPoolClosed}
	}

	sem := p.route(route)
	start := p.now()
	wctx := ctx
	if p.cfg.ConnectionRequestTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectionRequestTimeout)
		defer cancel()
	}
	if err := sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.observer.OnLeaseTimeout(route)
		p.logger.Debug("lease timed out",
			zap.String("route", route),
			zap.Duration("timeout", p.cfg.ConnectionRequestTimeout))
		return nil, &TransportError{Cause: FaultConnectionRequestTimeout, Stage: StageConnect, Err: errLeaseTimeout}
	}
	p.observer.OnLease(route, p.now().Sub(start))

	var once sync.Once
	return func() {
		once.Do(func() {
			sem.Release(1)
			p.observer.OnRelease(route)
		})
	}, nil
}

// startVent runs the idle sweep until close.
func (p *pool) startVent() {
	if !p.cfg.PoolEnabled || p.cfg.VentInterval <= 0 {
		return
	}
	p.ventGroup.Add(1)
	go func() {
		defer p.ventGroup.Done()
		ticker := time.NewTicker(p.cfg.VentInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.vent()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// vent closes idle connections past keep-alive or TTL and returns how many.
func (p *pool) vent() int {
	now := p.now()

	p.mu.Lock()
	var stale []*trackedConn
	for c := range p.conns {
		if c.idle() && c.expired(now, p.cfg.KeepAliveTimeout, p.cfg.ConnectionTTL) {
			stale = append(stale, c)
		}
	}
	p.mu.Unlock()

	n := p.retireIdle(stale)
	if n > 0 {
		p.observer.OnVent(n)
		p.logger.Debug("vented idle connections", zap.Int("closed", n))
	}
	return n
}

// openConns reports the number of open connections.
func (p *pool) openConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// close stops the vent and closes all idle connections. Busy connections
// are closed by the transport once their requests finish.
func (p *pool) close(transport *http.Transport) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.stopCh)
		p.ventGroup.Wait()
		if transport != nil {
			transport.CloseIdleConnections()
		}

		p.mu.Lock()
		var idle []*trackedConn
		for c := range p.conns {
			if c.retire() {
				idle = append(idle, c)
			}
		}
		p.mu.Unlock()
		for _, c := range idle {
			_ = c.Close()
		}
	})
}
