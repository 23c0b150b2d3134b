package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/camlink/proto"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func TestNetwork_PairsWithDiscoveredPeer(t *testing.T) {
	reg := newRegistry()
	a := NewNetwork(reg, 0)
	b := NewNetwork(reg, 0)
	a.retryDelay, b.retryDelay = 20*time.Millisecond, 20*time.Millisecond
	defer a.Disconnect()
	defer b.Disconnect()

	var got messageSink
	b.OnMessage(got.add)

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))

	require.Eventually(t, func() bool { return a.IsConnected() && b.IsConnected() }, waitFor, tick)
	assert.Equal(t, Connected, a.State())

	require.True(t, a.SendMessage(proto.NewCommand(proto.CommandConnected)))
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	cmd, ok := got.first().Command()
	require.True(t, ok)
	assert.Equal(t, proto.CommandConnected, cmd)
}

func TestNetwork_IgnoresOwnAdvertisement(t *testing.T) {
	reg := newRegistry()
	n := NewNetwork(reg, 0)
	defer n.Disconnect()

	require.NoError(t, n.Connect(context.Background()))
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.peers) == 1
	}, waitFor, tick)

	time.Sleep(200 * time.Millisecond)
	assert.False(t, n.IsConnected())
	assert.Equal(t, Discovering, n.State())
}

func TestNetwork_ConnectIsIdempotentWhileDiscovering(t *testing.T) {
	reg := newRegistry()
	n := NewNetwork(reg, 0)
	defer n.Disconnect()

	require.NoError(t, n.Connect(context.Background()))
	id := n.Identity()
	require.NoError(t, n.Connect(context.Background()))
	assert.Equal(t, id, n.Identity())
}

func TestNetwork_SendWithoutPeerFails(t *testing.T) {
	n := NewNetwork(newRegistry(), 0)
	assert.False(t, n.SendMessage(proto.NewCommand(proto.CommandConnected)))
}

func TestNetwork_DisconnectNotifiesListener(t *testing.T) {
	reg := newRegistry()
	a := NewNetwork(reg, 0)
	b := NewNetwork(reg, 0)
	defer b.Disconnect()

	states := make(chan bool, 4)
	a.OnStateChange(func(up bool) { states <- up })

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	require.Eventually(t, a.IsConnected, waitFor, tick)
	assert.True(t, <-states)

	a.Disconnect()
	select {
	case up := <-states:
		assert.False(t, up)
	case <-time.After(waitFor):
		t.Fatal("no disconnect notification")
	}
	assert.Equal(t, Disconnected, a.State())
	require.Eventually(t, func() bool { return !b.IsConnected() }, waitFor, tick)
}

func TestDirect_OwnerAndClientPair(t *testing.T) {
	port := freePort(t)
	owner := NewPeerToPeerDirect(&groupService{info: GroupInfo{IsOwner: true}}, port)
	clientGroups := &groupService{info: GroupInfo{OwnerAddress: "127.0.0.1"}}
	client := NewPeerToPeerDirect(clientGroups, port)
	client.isLocal = func(string) bool { return false }
	client.retryDelay = 20 * time.Millisecond

	var got messageSink
	owner.OnMessage(got.add)

	require.NoError(t, owner.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool { return owner.IsConnected() && client.IsConnected() }, waitFor, tick)

	require.True(t, client.SendMessage(proto.NewCommand(proto.CommandDisconnected)))
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)

	client.Disconnect()
	owner.Disconnect()
	clientGroups.mu.Lock()
	assert.Equal(t, 1, clientGroups.removed)
	clientGroups.mu.Unlock()
}

func TestDirect_SkipsLocalOwnerAddress(t *testing.T) {
	d := NewPeerToPeerDirect(&groupService{info: GroupInfo{OwnerAddress: "127.0.0.1"}}, freePort(t))
	defer d.Disconnect()

	require.NoError(t, d.Connect(context.Background()))
	time.Sleep(150 * time.Millisecond)
	assert.False(t, d.IsConnected())
	assert.Equal(t, Discovering, d.State())
}

func TestDirect_ConnectRestartsAfterUnreachableOwner(t *testing.T) {
	groups := &groupService{info: GroupInfo{OwnerAddress: "127.0.0.1"}}
	d := NewPeerToPeerDirect(groups, freePort(t))
	d.isLocal = func(string) bool { return false }
	d.dialAttempts = 2
	d.retryDelay = 10 * time.Millisecond
	defer d.Disconnect()

	require.NoError(t, d.Connect(context.Background()))
	require.Eventually(t, func() bool { return d.State() == Disconnected }, waitFor, tick)
	_, removed := groups.counts()
	assert.Equal(t, 1, removed)

	require.NoError(t, d.Connect(context.Background()))
	require.Eventually(t, func() bool {
		requests, _ := groups.counts()
		return requests == 2
	}, waitFor, tick)
}

func TestDirect_PairingTimeoutEndsStalledRound(t *testing.T) {
	groups := &groupService{silent: true}
	d := NewPeerToPeerDirect(groups, freePort(t))
	d.pairingTimeout = 300 * time.Millisecond
	defer d.Disconnect()

	require.NoError(t, d.Connect(context.Background()))
	require.Eventually(t, func() bool {
		requests, _ := groups.counts()
		return requests == 1
	}, waitFor, tick)
	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, Discovering, d.State(), "a live round is not restarted")

	require.Eventually(t, func() bool { return d.State() == Disconnected }, waitFor, tick)
	require.NoError(t, d.Connect(context.Background()))
	require.Eventually(t, func() bool {
		requests, _ := groups.counts()
		return requests == 2
	}, waitFor, tick)
}

func TestDirect_DefaultPort(t *testing.T) {
	d := NewPeerToPeerDirect(&groupService{}, 0)
	assert.Equal(t, DefaultDirectPort, d.port)
	assert.True(t, d.IsVideoCapable())
}

func TestAware_PairsOverDataPath(t *testing.T) {
	hub := newAwareHub()
	a := NewPeerToPeerAware(&dataPaths{hub: hub}, "", 0)
	b := NewPeerToPeerAware(&dataPaths{hub: hub}, "", 0)
	defer a.Disconnect()
	defer b.Disconnect()

	var got messageSink
	a.OnMessage(got.add)

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	require.Eventually(t, func() bool { return a.IsConnected() && b.IsConnected() }, waitFor, tick)

	require.True(t, b.SendMessage(proto.NewCommand(proto.CommandConnected)))
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	assert.False(t, a.IsVideoCapable())
}

func TestAware_AlonePublishesButNeverConnects(t *testing.T) {
	hub := newAwareHub()
	a := NewPeerToPeerAware(&dataPaths{hub: hub}, "", 0)
	defer a.Disconnect()

	require.NoError(t, a.Connect(context.Background()))
	time.Sleep(150 * time.Millisecond)
	assert.False(t, a.IsConnected())
}

func TestAware_StalledDataPathDoesNotWedge(t *testing.T) {
	// "a-peer" sorts before every generated identity, so this side dials.
	paths := newStalledPaths(AwarePeer{Handle: "h", Identity: "a-peer"})
	a := NewPeerToPeerAware(paths, "", 0)
	a.pairingTimeout = 50 * time.Millisecond
	defer a.Disconnect()

	require.NoError(t, a.Connect(context.Background()))
	select {
	case <-paths.peerReturn:
	case <-time.After(waitFor):
		t.Fatal("peer callback blocked on the data path request")
	}

	require.Eventually(t, func() bool { return a.State() == Disconnected }, waitFor, tick)
	require.NoError(t, a.Connect(context.Background()))
	require.Eventually(t, func() bool {
		publishes, requests := paths.counts()
		return publishes == 2 && requests == 2
	}, waitFor, tick)
	assert.False(t, a.IsConnected())
}
