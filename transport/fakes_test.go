package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbocsi/camlink/proto"
)

// registry is an in-memory Discovery shared by several transports.
type registry struct {
	mu    sync.Mutex
	peers map[string]Peer
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]Peer)}
}

func (r *registry) Advertise(identity string, port int) (func(), error) {
	r.mu.Lock()
	r.peers[identity] = Peer{Identity: identity, Host: "127.0.0.1", Port: port}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.peers, identity)
		r.mu.Unlock()
	}, nil
}

func (r *registry) Browse(ctx context.Context, onPeer func(Peer)) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		peers := make([]Peer, 0, len(r.peers))
		for _, p := range r.peers {
			peers = append(peers, p)
		}
		r.mu.Unlock()
		for _, p := range peers {
			onPeer(p)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// groupService reports a fixed group role as soon as a group is requested.
// A silent service accepts the request but never forms a group.
type groupService struct {
	info   GroupInfo
	silent bool

	mu       sync.Mutex
	requests int
	removed  int
}

func (g *groupService) RequestGroup(ctx context.Context, onGroup func(GroupInfo)) error {
	g.mu.Lock()
	g.requests++
	g.mu.Unlock()
	if !g.silent {
		go onGroup(g.info)
	}
	return nil
}

func (g *groupService) counts() (requests, removed int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests, g.removed
}

func (g *groupService) RemoveGroup() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed++
	return nil
}

// awareHub links the fake data path services of several devices.
type awareHub struct {
	mu        sync.Mutex
	published map[string]bool
	ports     map[string]int
}

func newAwareHub() *awareHub {
	return &awareHub{published: make(map[string]bool), ports: make(map[string]int)}
}

type dataPaths struct {
	hub  *awareHub
	mu   sync.Mutex
	self string
}

func (d *dataPaths) Publish(ctx context.Context, service, identity string) error {
	d.mu.Lock()
	d.self = identity
	d.mu.Unlock()
	d.hub.mu.Lock()
	d.hub.published[identity] = true
	d.hub.mu.Unlock()
	return nil
}

func (d *dataPaths) Subscribe(ctx context.Context, service string, onPeer func(AwarePeer)) error {
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			d.hub.mu.Lock()
			ids := make([]string, 0, len(d.hub.published))
			for id := range d.hub.published {
				ids = append(ids, id)
			}
			d.hub.mu.Unlock()
			for _, id := range ids {
				onPeer(AwarePeer{Handle: id, Identity: id})
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (d *dataPaths) RequestDataPath(ctx context.Context, peer AwarePeer, port int, onAvailable func(DataPath), onLost func()) error {
	d.mu.Lock()
	self := d.self
	d.mu.Unlock()
	if port > 0 {
		d.hub.mu.Lock()
		d.hub.ports[self] = port
		d.hub.mu.Unlock()
		return nil
	}
	go func() {
		for ctx.Err() == nil {
			d.hub.mu.Lock()
			p, ok := d.hub.ports[peer.Identity]
			d.hub.mu.Unlock()
			if ok {
				onAvailable(DataPath{Host: "127.0.0.1", Port: p})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return nil
}

func (d *dataPaths) Close() error { return nil }

// stalledPaths reports one peer whose data path never becomes available.
// RequestDataPath blocks until the session ends, as a slow platform might.
type stalledPaths struct {
	peer AwarePeer

	mu         sync.Mutex
	publishes  int
	requests   int
	peerReturn chan struct{}
}

func newStalledPaths(peer AwarePeer) *stalledPaths {
	return &stalledPaths{peer: peer, peerReturn: make(chan struct{}, 8)}
}

func (s *stalledPaths) Publish(ctx context.Context, service, identity string) error {
	s.mu.Lock()
	s.publishes++
	s.mu.Unlock()
	return nil
}

func (s *stalledPaths) Subscribe(ctx context.Context, service string, onPeer func(AwarePeer)) error {
	go func() {
		onPeer(s.peer)
		s.peerReturn <- struct{}{}
	}()
	return nil
}

func (s *stalledPaths) RequestDataPath(ctx context.Context, peer AwarePeer, port int, onAvailable func(DataPath), onLost func()) error {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (s *stalledPaths) Close() error { return nil }

func (s *stalledPaths) counts() (publishes, requests int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishes, s.requests
}

// fakeConn is a scripted Connection.
type fakeConn struct {
	name  string
	video bool
	// connectOnConnect brings the connection up synchronously in Connect.
	connectOnConnect bool
	initErr          error

	mu          sync.Mutex
	connected   bool
	inits       int
	connects    int
	stops       int
	disconnects int
	sent        []proto.Message
	onMsg       func(proto.Message)
	onState     func(bool)
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{name: name, video: true}
}

func (f *fakeConn) Name() string         { return f.name }
func (f *fakeConn) IsVideoCapable() bool { return f.video }

func (f *fakeConn) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return f.initErr
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	up := f.connectOnConnect
	f.mu.Unlock()
	if up {
		f.setConnected(true)
	}
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.setConnected(false)
}

func (f *fakeConn) SendMessage(msg proto.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Start() {}

func (f *fakeConn) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeConn) OnMessage(fn func(proto.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMsg = fn
}

func (f *fakeConn) OnStateChange(fn func(bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeConn) setConnected(v bool) {
	f.mu.Lock()
	changed := f.connected != v
	f.connected = v
	cb := f.onState
	f.mu.Unlock()
	if changed && cb != nil {
		cb(v)
	}
}

func (f *fakeConn) deliver(msg proto.Message) {
	f.mu.Lock()
	cb := f.onMsg
	f.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (f *fakeConn) counts() (connects, stops, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.stops, f.disconnects
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// freePort finds a loopback port nobody is listening on.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// messageSink collects delivered messages.
type messageSink struct {
	mu   sync.Mutex
	msgs []proto.Message
}

func (s *messageSink) add(m proto.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
}

func (s *messageSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *messageSink) first() proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[0]
}
