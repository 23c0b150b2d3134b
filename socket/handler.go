package socket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/camlink/broker"
	"github.com/mbocsi/camlink/metrics"
)

const (
	DefaultQueueCapacity = 25
	DefaultDialTimeout   = 5 * time.Second
	MaxFrameSize         = 1 << 20
)

var (
	ErrStopped          = errors.New("socket handler stopped")
	ErrAlreadyConnected = errors.New("socket handler already has a live connection")
)

type State int32

const (
	Idle State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectError reports a failed dial, bind or accept. Retrying is up to the caller.
type ConnectError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("socket %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type session struct {
	conn net.Conn
	done chan struct{}
	// sent is closed once the send loop has returned.
	sent chan struct{}
	once sync.Once
}

// Handler owns at most one live stream socket and runs one receive loop and
// one send loop for it. Frames are newline-delimited UTF-8 text.
type Handler struct {
	name        string
	queue       chan string
	dispatch    broker.Executor
	dialTimeout time.Duration

	mu       sync.Mutex
	state    State
	session  *session
	listener net.Listener
	stopCh   chan struct{}

	stopped atomic.Bool

	onData         func(string)
	onConnected    func()
	onDisconnected func()
}

type Option func(*Handler)

func WithQueueCapacity(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.queue = make(chan string, n)
		}
	}
}

// WithExecutor runs the data and state callbacks on e instead of the socket
// goroutines.
func WithExecutor(e broker.Executor) Option {
	return func(h *Handler) {
		if e != nil {
			h.dispatch = e
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.dialTimeout = d
		}
	}
}

func NewHandler(name string, opts ...Option) *Handler {
	h := &Handler{
		name:        name,
		queue:       make(chan string, DefaultQueueCapacity),
		dispatch:    broker.Immediate,
		dialTimeout: DefaultDialTimeout,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) OnData(fn func(line string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onData = fn
}

func (h *Handler) OnConnected(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnected = fn
}

func (h *Handler) OnDisconnected(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnected = fn
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) IsConnected() bool {
	return h.State() == Connected
}

func (h *Handler) RemoteAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil
	}
	return h.session.conn.RemoteAddr()
}

func (h *Handler) LocalAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil
	}
	return h.session.conn.LocalAddr()
}

// setState changes the state unless a live session owns it.
func (h *Handler) setState(s State) {
	h.mu.Lock()
	if h.session == nil {
		h.state = s
	}
	h.mu.Unlock()
}

// ConnectTo dials host:port as a client.
func (h *Handler) ConnectTo(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if h.stopped.Load() {
		return nil, &ConnectError{Op: "connect", Addr: addr, Err: ErrStopped}
	}
	h.setState(Connecting)

	d := net.Dialer{Timeout: h.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		h.setState(Idle)
		metrics.SocketErrors.WithLabelValues(h.name, "connect").Inc()
		return nil, &ConnectError{Op: "connect", Addr: addr, Err: err}
	}
	slog.Debug("Socket connected", "transport", h.name, "addr", addr)
	return conn, nil
}

// Bind opens the listening socket without blocking and returns the bound
// port, so the caller can advertise it before calling ListenOn.
func (h *Handler) Bind(port int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, err := h.bindLocked(port)
	if err != nil {
		return 0, err
	}
	return l.Addr().(*net.TCPAddr).Port, nil
}

func (h *Handler) bindLocked(port int) (net.Listener, error) {
	if h.listener != nil {
		return h.listener, nil
	}
	addr := net.JoinHostPort("", strconv.Itoa(port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		metrics.SocketErrors.WithLabelValues(h.name, "listen").Inc()
		return nil, &ConnectError{Op: "listen", Addr: addr, Err: err}
	}
	h.listener = l
	return l, nil
}

// ListenOn blocks until a peer connects on port, ctx is done or the handler
// is stopped. The listener is released once a peer has been accepted. With a
// session already live it returns ErrAlreadyConnected without binding.
func (h *Handler) ListenOn(ctx context.Context, port int) (net.Conn, error) {
	if h.stopped.Load() {
		return nil, &ConnectError{Op: "accept", Addr: strconv.Itoa(port), Err: ErrStopped}
	}
	h.mu.Lock()
	if h.session != nil {
		h.mu.Unlock()
		return nil, &ConnectError{Op: "accept", Addr: strconv.Itoa(port), Err: ErrAlreadyConnected}
	}
	l, err := h.bindLocked(port)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.state = Connecting
	h.mu.Unlock()
	if h.stopped.Load() {
		h.CloseListener()
		h.setState(Idle)
		return nil, &ConnectError{Op: "accept", Addr: strconv.Itoa(port), Err: ErrStopped}
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	slog.Debug("Waiting for peer", "transport", h.name, "addr", l.Addr().String())
	conn, err := l.Accept()
	h.CloseListener()
	if err != nil {
		h.setState(Idle)
		if h.stopped.Load() {
			err = ErrStopped
		} else if ctx.Err() != nil {
			err = ctx.Err()
		} else if !errors.Is(err, net.ErrClosed) {
			metrics.SocketErrors.WithLabelValues(h.name, "accept").Inc()
		}
		return nil, &ConnectError{Op: "accept", Addr: l.Addr().String(), Err: err}
	}
	slog.Debug("Peer accepted", "transport", h.name, "remote", conn.RemoteAddr().String())
	return conn, nil
}

// CloseListener releases a bound but unused listener.
func (h *Handler) CloseListener() {
	h.mu.Lock()
	l := h.listener
	h.listener = nil
	h.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// StartCommunication binds conn to the handler and spawns exactly one
// receive loop and one send loop for it.
func (h *Handler) StartCommunication(conn net.Conn) error {
	h.mu.Lock()
	if h.stopped.Load() {
		h.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	if h.session != nil {
		h.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	s := &session{conn: conn, done: make(chan struct{}), sent: make(chan struct{})}
	h.session = s
	h.state = Connected
	cb := h.onConnected
	h.mu.Unlock()

	// The send loop runs before the callback so a Close from inside it
	// does not wait on a loop that never started.
	go h.sendLoop(s)
	slog.Info("Socket communication started", "transport", h.name, "remote", conn.RemoteAddr().String())
	if cb != nil {
		h.dispatch(cb)
	}

	go h.receiveLoop(s)
	return nil
}

func (h *Handler) receiveLoop(s *session) {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)

	for scanner.Scan() {
		if h.stopped.Load() {
			continue
		}
		line := scanner.Text()
		metrics.FramesReceived.WithLabelValues(h.name).Inc()

		h.mu.Lock()
		cb := h.onData
		h.mu.Unlock()
		if cb != nil {
			h.dispatch(func() { cb(line) })
		}
	}

	select {
	case <-s.done:
	default:
		if err := scanner.Err(); err != nil {
			metrics.SocketErrors.WithLabelValues(h.name, "read").Inc()
			slog.Warn("Socket read error", "transport", h.name, "error", err)
		} else {
			slog.Info("Peer closed the connection", "transport", h.name)
		}
	}
	h.closeSession(s)
}

func (h *Handler) sendLoop(s *session) {
	defer close(s.sent)
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case <-s.done:
			return
		case line := <-h.queue:
			_, err := w.WriteString(line + "\n")
			if err == nil {
				err = w.Flush()
			}
			if err != nil {
				select {
				case <-s.done:
				default:
					metrics.SocketErrors.WithLabelValues(h.name, "write").Inc()
					slog.Warn("Socket write error", "transport", h.name, "error", err)
				}
				// closeSession waits for this loop to return.
				go h.closeSession(s)
				return
			}
			metrics.FramesSent.WithLabelValues(h.name).Inc()
		}
	}
}

// Enqueue appends line to the outbound queue. It blocks while the queue is
// full and returns early only if ctx is done or the handler is stopped.
// Delivery is at most once per socket: frames still queued when a socket
// closes are dropped, while frames enqueued after Close returns wait for the
// next socket.
func (h *Handler) Enqueue(ctx context.Context, line string) error {
	h.mu.Lock()
	stopCh := h.stopCh
	h.mu.Unlock()

	select {
	case h.queue <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopped
	}
}

// Close releases the live socket, if any. The disconnected callback fires
// once per live connection no matter how often Close is called.
func (h *Handler) Close() {
	h.mu.Lock()
	s := h.session
	h.mu.Unlock()
	if s != nil {
		h.closeSession(s)
	}
}

func (h *Handler) closeSession(s *session) {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()

		h.mu.Lock()
		if h.session == s {
			h.session = nil
			h.state = Closed
		}
		cb := h.onDisconnected
		h.mu.Unlock()

		<-s.sent
		h.drain()
		slog.Info("Socket closed", "transport", h.name)
		if cb != nil {
			h.dispatch(cb)
		}
	})
}

func (h *Handler) drain() {
	dropped := 0
	defer func() {
		if dropped > 0 {
			metrics.FramesDropped.WithLabelValues(h.name).Add(float64(dropped))
			slog.Debug("Dropped frames queued for a closed socket", "transport", h.name, "count", dropped)
		}
	}()
	for {
		select {
		case <-h.queue:
			dropped++
		default:
			return
		}
	}
}

// Stop makes both loops exit without dispatching further traffic, unblocks
// pending Enqueue and ListenOn calls and closes the socket.
func (h *Handler) Stop() {
	h.mu.Lock()
	if !h.stopped.Swap(true) {
		close(h.stopCh)
	}
	h.mu.Unlock()
	h.CloseListener()
	h.Close()
}

// Resume clears a previous Stop so the handler can be reused.
func (h *Handler) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Swap(false) {
		h.stopCh = make(chan struct{})
	}
}

func (h *Handler) Stopped() bool {
	return h.stopped.Load()
}
