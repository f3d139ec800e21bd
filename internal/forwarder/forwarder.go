// Package forwarder implements the port-forwarding layer that sits on top
// of a multiplex.Socket: a local TCP listener accepts application
// connections and relays their bytes as multiplex frames, while inbound
// frames from the peer lazily dial the same local forward port and relay
// bytes back into it.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qbalin/nat-tunnel/internal/multiplex"
)

// Defaults bound how long an inbound channel whose local dial never
// succeeds can accumulate pending frames before it is evicted.
const (
	defaultMaxPendingFrames    = 256
	defaultPendingQueueTimeout = 10 * time.Second
)

// channel is the entry owned by the channel table. It is never accessed
// outside the table's owning goroutine, so it needs no internal locking of
// its own.
type channel struct {
	id       string
	conn     net.Conn
	ready    bool
	pending  [][]byte
	deadline *time.Timer
}

// Forwarder owns the channel table shared between the outbound (accept
// local, send to peer) and inbound (receive from peer, dial local) roles:
// one table, two writers, so a single goroutine owns it and both roles
// submit requests to it over a channel.
type Forwarder struct {
	forwardPort int
	peer        *multiplex.Socket
	logger      *slog.Logger

	maxPendingFrames    int
	pendingQueueTimeout time.Duration

	requests chan func(map[string]*channel)

	wg sync.WaitGroup
}

// New creates a Forwarder. Call Run to start the outbound listener and the
// channel table's owning goroutine; incoming frames must be routed to
// HandleFrame (typically via multiplex.Socket's Handler callback).
func New(forwardPort int, peer *multiplex.Socket, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		forwardPort:         forwardPort,
		peer:                peer,
		logger:              logger,
		maxPendingFrames:    defaultMaxPendingFrames,
		pendingQueueTimeout: defaultPendingQueueTimeout,
		requests:            make(chan func(map[string]*channel)),
	}
}

// Run starts the channel table owner and the outbound listener. It returns
// only after ctx is canceled and every connection goroutine has finished. A
// fatal Accept error stops the listener but does not end Run by itself; that
// error is returned once ctx is canceled.
func (f *Forwarder) Run(ctx context.Context) error {
	table := make(map[string]*channel)
	tableDone := make(chan struct{})
	go func() {
		defer close(tableDone)
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-f.requests:
				req(table)
			}
		}
	}()

	err := f.runOutboundListener(ctx)
	<-tableDone
	f.wg.Wait()
	return err
}

// withTable runs fn against the channel table on its owning goroutine and
// waits for it to complete, giving callers a synchronous, race-free view.
func (f *Forwarder) withTable(ctx context.Context, fn func(map[string]*channel)) {
	done := make(chan struct{})
	select {
	case f.requests <- func(t map[string]*channel) {
		fn(t)
		close(done)
	}:
		<-done
	case <-ctx.Done():
	}
}

// runOutboundListener accepts local application connections, assigns each a
// fresh channel id, and forwards its bytes as multiplex frames.
func (f *Forwarder) runOutboundListener(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", f.forwardPort))
	if err != nil {
		// A listener error (typically "address already in use") is logged
		// and we continue; the service is still reachable via the inbound
		// path.
		f.logger.Warn("forwarder: outbound listener failed, continuing in inbound-only mode", "port", f.forwardPort, "err", err)
		<-ctx.Done()
		return nil
	}
	f.logger.Info("forwarder: listening for local connections", "port", f.forwardPort)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		id := uuid.NewString()
		f.wg.Add(1)
		go f.serveOutboundConn(ctx, id, conn)
	}
}

// serveOutboundConn owns one locally accepted connection: it registers the
// channel, then copies bytes from it into multiplex frames until it closes.
func (f *Forwarder) serveOutboundConn(ctx context.Context, id string, conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	f.withTable(ctx, func(t map[string]*channel) {
		t[id] = &channel{id: id, conn: conn, ready: true}
	})
	defer f.withTable(ctx, func(t map[string]*channel) {
		delete(t, id)
	})

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := f.peer.Write(id, buf[:n]); werr != nil {
				f.logger.Debug("forwarder: write to peer failed", "channel", id, "err", werr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// HandleFrame routes one frame received from the peer multiplex socket to
// its local connection, dialing the forward port lazily if this is the
// first frame seen for channelID. The peer
// multiplex socket invokes this synchronously and in wire order, so two
// frames for the same new channelID can never race each other here — but a
// placeholder, not-ready entry is still inserted before the dial begins, so
// the only path that can ever start a dial is the one that found no entry.
func (f *Forwarder) HandleFrame(ctx context.Context, channelID string, data []byte) {
	var (
		writeConn net.Conn
		dial      bool
		overflow  bool
	)
	f.withTable(ctx, func(t map[string]*channel) {
		c, ok := t[channelID]
		if !ok {
			c = &channel{id: channelID, pending: [][]byte{data}}
			c.deadline = time.AfterFunc(f.pendingQueueTimeout, func() {
				f.evictStaleChannel(ctx, channelID)
			})
			t[channelID] = c
			dial = true
			return
		}
		if c.ready {
			writeConn = c.conn
			return
		}
		if len(c.pending) >= f.maxPendingFrames {
			overflow = true
			return
		}
		c.pending = append(c.pending, data)
	})

	switch {
	case dial:
		f.wg.Add(1)
		go f.dialChannel(ctx, channelID)
	case overflow:
		f.logger.Warn("forwarder: pending queue overflow, dropping channel", "channel", channelID)
		f.evictStaleChannel(ctx, channelID)
	case writeConn != nil:
		if _, err := writeConn.Write(data); err != nil {
			f.logger.Debug("forwarder: write to local conn failed", "channel", channelID, "err", err)
		}
	}
}

// dialChannel performs the lazy dial for a channel already registered as a
// not-ready placeholder, then flips it to ready and drains whatever frames
// queued up while the dial was in flight, in FIFO order, before any frame
// received after readiness.
func (f *Forwarder) dialChannel(ctx context.Context, channelID string) {
	defer f.wg.Done()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", f.forwardPort), 5*time.Second)
	if err != nil {
		f.logger.Warn("forwarder: could not dial local forward port for inbound channel", "channel", channelID, "err", err)
		f.withTable(ctx, func(t map[string]*channel) {
			if c, ok := t[channelID]; ok && c.deadline != nil {
				c.deadline.Stop()
			}
			delete(t, channelID)
		})
		return
	}

	var stillWanted, drained bool
	f.withTable(ctx, func(t map[string]*channel) {
		c, ok := t[channelID]
		if !ok {
			return
		}
		stillWanted = true
		if c.deadline != nil {
			c.deadline.Stop()
			c.deadline = nil
		}
		// Drain on the table's goroutine, before the entry turns ready, so
		// HandleFrame cannot write a newer frame ahead of the queued ones.
		for _, msg := range c.pending {
			if _, err := conn.Write(msg); err != nil {
				f.logger.Debug("forwarder: drain write failed", "channel", channelID, "err", err)
				delete(t, channelID)
				return
			}
		}
		drained = true
		c.conn = conn
		c.ready = true
		c.pending = nil
	})
	if !stillWanted || !drained {
		conn.Close()
		return
	}

	f.wg.Add(1)
	go f.serveInboundConn(ctx, &channel{id: channelID, conn: conn})
}

// evictStaleChannel closes and removes a channel whose local dial never
// became ready within pendingQueueTimeout, or whose pending queue reached
// maxPendingFrames. It is a no-op if the channel was already removed for
// another reason (dial failure, a drain write error).
func (f *Forwarder) evictStaleChannel(ctx context.Context, channelID string) {
	var toClose net.Conn
	var found bool
	f.withTable(ctx, func(t map[string]*channel) {
		c, ok := t[channelID]
		if !ok {
			return
		}
		found = true
		toClose = c.conn
		if c.deadline != nil {
			c.deadline.Stop()
		}
		delete(t, channelID)
	})
	if !found {
		return
	}
	if toClose != nil {
		toClose.Close()
	}
	f.logger.Warn("forwarder: evicted channel whose local dial was not ready", "channel", channelID)
}

// serveInboundConn relays bytes from a locally-dialed connection back to the
// peer under channelID, until the connection closes.
func (f *Forwarder) serveInboundConn(ctx context.Context, c *channel) {
	defer f.wg.Done()
	defer c.conn.Close()
	defer f.withTable(ctx, func(t map[string]*channel) {
		delete(t, c.id)
	})

	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if werr := f.peer.Write(c.id, buf[:n]); werr != nil {
				f.logger.Debug("forwarder: write to peer failed", "channel", c.id, "err", werr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
