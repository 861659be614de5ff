package rtcore

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/relaydb/rtcore/internal/framing"
)

// ErrHubClosed is returned by HubConnection.Request once its underlying
// connection has been closed, locally or by the worker going away.
var ErrHubClosed = fmt.Errorf("hub connection closed")

// HubConnection is the hub's side of one worker's control connection. A
// worker speaks first: a raw 4-byte pid handshake frame, then ordinary
// length-prefixed request/reply messages. Only one request may be in
// flight per connection at a time, matching the worker's own single
// pending-call discipline.
type HubConnection struct {
	pid    uint32
	conn   net.Conn
	framer *framing.Framer
	logger *Logger

	mu     sync.Mutex
	waiter chan hubReply
	closed atomic.Bool
}

type hubReply struct {
	data []byte
	err  error
}

// PID returns the worker process id this connection was opened by.
func (h *HubConnection) PID() uint32 { return h.pid }

// IsClosed reports whether the connection has been torn down.
func (h *HubConnection) IsClosed() bool { return h.closed.Load() }

// Request writes payload and blocks for the matching reply, or until ctx
// is done. It fails immediately if another request is already in
// flight on this connection.
func (h *HubConnection) Request(ctx context.Context, payload []byte) ([]byte, error) {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h.waiter != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("hub connection to pid %d: a request is already in progress", h.pid)
	}
	ch := make(chan hubReply, 1)
	h.waiter = ch
	h.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = h.conn.SetWriteDeadline(deadline)
	}
	if err := h.framer.WriteMessage(payload); err != nil {
		h.mu.Lock()
		h.waiter = nil
		h.mu.Unlock()
		return nil, fmt.Errorf("hub connection to pid %d: write failed: %w", h.pid, err)
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop is the connection's sole reader: it delivers each incoming
// message to whichever Request call is currently waiting. On error (or
// EOF, meaning the worker process went away) it fails that waiter and
// marks the connection closed.
func (h *HubConnection) readLoop() {
	for {
		msg, err := h.framer.ReadMessage()

		h.mu.Lock()
		w := h.waiter
		h.waiter = nil
		h.mu.Unlock()

		if err != nil {
			h.closed.Store(true)
			if w != nil {
				w <- hubReply{err: fmt.Errorf("connection to worker pid %d lost: %w", h.pid, err)}
			}
			_ = h.conn.Close()
			return
		}

		if w != nil {
			w <- hubReply{data: msg}
		}
		// A message with no waiting Request is unexpected under the
		// single-in-flight contract; it is dropped rather than panicking
		// the reader.
	}
}

// Close closes the underlying connection. Safe to call more than once.
func (h *HubConnection) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.conn.Close()
}

// Hub is the pool's control-plane listener: it accepts one connection
// per worker process over a Unix socket, reads each worker's pid
// handshake, and hands out HubConnections keyed by pid so the Pool
// Manager can route calls to a specific worker.
type Hub struct {
	sockPath string
	sockMgr  *SocketManager
	logger   *Logger
	metrics  *Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[uint32]*HubConnection
	waiters  map[uint32][]chan *HubConnection
	wg       sync.WaitGroup
}

// NewHub creates a Hub listening on sockPath once Start is called.
// sockMgr may be nil, in which case the listening socket is left at
// whatever mode the OS default umask produces.
func NewHub(sockPath string, sockMgr *SocketManager, logger *Logger, metrics *Metrics) *Hub {
	return &Hub{
		sockPath: sockPath,
		sockMgr:  sockMgr,
		logger:   logger,
		metrics:  metrics,
		conns:    map[uint32]*HubConnection{},
		waiters:  map[uint32][]chan *HubConnection{},
	}
}

// Start binds the Unix socket, applies the configured socket
// permissions, and begins accepting worker connections in the
// background.
func (h *Hub) Start() error {
	_ = os.Remove(h.sockPath)

	l, err := net.Listen("unix", h.sockPath)
	if err != nil {
		return fmt.Errorf("hub: listen on %s: %w", h.sockPath, err)
	}

	if h.sockMgr != nil {
		if err := h.sockMgr.SetSocketPermissions(h.sockPath); err != nil {
			_ = l.Close()
			return fmt.Errorf("hub: set permissions on %s: %w", h.sockPath, err)
		}
	}

	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()

	h.wg.Add(1)
	go h.acceptLoop(l)
	return nil
}

func (h *Hub) acceptLoop(l net.Listener) {
	defer h.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		h.wg.Add(1)
		go h.handleConn(conn)
	}
}

func (h *Hub) handleConn(conn net.Conn) {
	defer h.wg.Done()

	pid, err := framing.ReadPID(conn)
	if err != nil {
		if h.logger != nil {
			h.logger.WarnContext(context.Background(), "hub: dropping connection, pid handshake failed", "error", err)
		}
		_ = conn.Close()
		return
	}

	hc := &HubConnection{pid: pid, conn: conn, framer: framing.NewFramer(conn), logger: h.logger}

	h.mu.Lock()
	h.conns[pid] = hc
	waiting := h.waiters[pid]
	delete(h.waiters, pid)
	h.mu.Unlock()

	if h.logger != nil {
		h.logger.InfoContext(context.Background(), "worker connected to hub", "pid", pid)
	}
	for _, w := range waiting {
		w <- hc
	}

	hc.readLoop()

	h.mu.Lock()
	if h.conns[pid] == hc {
		delete(h.conns, pid)
	}
	h.mu.Unlock()
}

// GetByPID returns the HubConnection for pid, blocking until that worker
// connects (or ctx is done) if it hasn't yet.
func (h *Hub) GetByPID(ctx context.Context, pid uint32) (*HubConnection, error) {
	h.mu.Lock()
	if hc, ok := h.conns[pid]; ok {
		h.mu.Unlock()
		return hc, nil
	}
	ch := make(chan *HubConnection, 1)
	h.waiters[pid] = append(h.waiters[pid], ch)
	h.mu.Unlock()

	select {
	case hc := <-ch:
		return hc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop closes the listener and every live worker connection, then waits
// for the accept loop and all handler goroutines to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	l := h.listener
	conns := make([]*HubConnection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	h.wg.Wait()
	_ = os.Remove(h.sockPath)
	return nil
}
