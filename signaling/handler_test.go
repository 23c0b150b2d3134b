package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/camlink/broker"
	"github.com/mbocsi/camlink/proto"
	"github.com/mbocsi/camlink/router"
)

type fakePipeline struct {
	mu         sync.Mutex
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     int
}

func (f *fakePipeline) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakePipeline) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePipeline) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, desc)
	return nil
}

func (f *fakePipeline) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePipeline) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakePipeline) snapshot() (remote []webrtc.SessionDescription, candidates int, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), f.remote...), len(f.candidates), f.closed
}

func outboundTap(t *testing.T, buses *broker.Buses) chan proto.Message {
	t.Helper()
	ch := make(chan proto.Message, 8)
	buses.Outbound.Subscribe("tap", func(m proto.Message) { ch <- m }, nil, nil)
	return ch
}

func nextSignal(t *testing.T, ch chan proto.Message, dir proto.Direction) proto.Signal {
	t.Helper()
	select {
	case m := <-ch:
		sig, ok, err := m.Signaling(dir)
		require.True(t, ok, "message has no %s signaling", dir)
		require.NoError(t, err)
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound signal")
		return proto.Signal{}
	}
}

func TestHandler_CaptureAnswersOffer(t *testing.T) {
	buses := broker.NewBuses()
	defer buses.Close()
	out := outboundTap(t, buses)

	p := &fakePipeline{}
	h := NewHandler(RoleCapture, buses, p)
	require.True(t, h.Start())
	assert.False(t, h.Start())

	offer, err := proto.NewSignaling(proto.ToCapture, proto.Signal{Type: proto.SignalOffer, SDP: "remote-offer"})
	require.NoError(t, err)
	router.New(buses).Route(offer)

	sig := nextSignal(t, out, proto.ToView)
	assert.Equal(t, proto.SignalAnswer, sig.Type)
	assert.Equal(t, "answer-sdp", sig.SDP)

	remote, _, _ := p.snapshot()
	require.Len(t, remote, 1)
	assert.Equal(t, webrtc.SDPTypeOffer, remote[0].Type)
	assert.Equal(t, "remote-offer", remote[0].SDP)
}

func TestHandler_ViewStartsCallAndAppliesAnswer(t *testing.T) {
	buses := broker.NewBuses()
	defer buses.Close()
	out := outboundTap(t, buses)

	p := &fakePipeline{}
	h := NewHandler(RoleView, buses, p)
	require.True(t, h.Start())

	require.NoError(t, h.StartCall(context.Background()))
	sig := nextSignal(t, out, proto.ToCapture)
	assert.Equal(t, proto.SignalOffer, sig.Type)

	answer, err := proto.NewSignaling(proto.ToView, proto.Signal{Type: proto.SignalAnswer, SDP: "remote-answer"})
	require.NoError(t, err)
	router.New(buses).Route(answer)

	require.Eventually(t, func() bool {
		remote, _, _ := p.snapshot()
		return len(remote) == 1 && remote[0].Type == webrtc.SDPTypeAnswer
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_CandidatesAndBye(t *testing.T) {
	buses := broker.NewBuses()
	defer buses.Close()

	p := &fakePipeline{}
	h := NewHandler(RoleView, buses, p)

	mid := "0"
	var idx uint16
	require.NoError(t, h.Handle(context.Background(), proto.Signal{
		Type: proto.SignalCandidate, Candidate: "candidate:1 1 udp 1 10.0.0.2 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx,
	}))
	require.NoError(t, h.Handle(context.Background(), proto.Signal{Type: proto.SignalBye}))
	require.NoError(t, h.Handle(context.Background(), proto.Signal{Type: proto.SignalBye}))

	_, candidates, closed := p.snapshot()
	assert.Equal(t, 1, candidates)
	assert.Equal(t, 1, closed)

	err := h.Handle(context.Background(), proto.Signal{Type: proto.SignalCandidate, Candidate: "c"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandler_SendCandidateAndHangup(t *testing.T) {
	buses := broker.NewBuses()
	defer buses.Close()
	out := outboundTap(t, buses)

	p := &fakePipeline{}
	h := NewHandler(RoleCapture, buses, p)

	h.SendCandidate(webrtc.ICECandidateInit{Candidate: "candidate:abc"})
	sig := nextSignal(t, out, proto.ToView)
	assert.Equal(t, proto.SignalCandidate, sig.Type)
	assert.Equal(t, "candidate:abc", sig.Candidate)

	require.NoError(t, h.Hangup())
	sig = nextSignal(t, out, proto.ToView)
	assert.Equal(t, proto.SignalBye, sig.Type)
	_, _, closed := p.snapshot()
	assert.Equal(t, 1, closed)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("view")
	require.NoError(t, err)
	assert.Equal(t, RoleView, r)
	_, err = ParseRole("both")
	assert.Error(t, err)
}

func TestPeerConnection_OfferAnswer(t *testing.T) {
	viewer, err := NewPeerConnection(PeerConnectionOptions{ReceiveVideo: true})
	require.NoError(t, err)
	defer viewer.Close()
	camera, err := NewPeerConnection(PeerConnectionOptions{})
	require.NoError(t, err)
	defer camera.Close()

	ctx := context.Background()
	offer, err := viewer.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=video")

	require.NoError(t, camera.SetRemoteDescription(offer))
	answer, err := camera.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, viewer.SetRemoteDescription(answer))
}

func TestHandler_CallAfterByeUsesFreshSession(t *testing.T) {
	buses := broker.NewBuses()
	defer buses.Close()
	out := outboundTap(t, buses)

	viewer, err := NewPeerConnection(PeerConnectionOptions{ReceiveVideo: true})
	require.NoError(t, err)
	defer viewer.Close()
	camera, err := NewPeerConnection(PeerConnectionOptions{})
	require.NoError(t, err)
	defer camera.Close()

	view := NewHandler(RoleView, buses, viewer)
	capture := NewHandler(RoleCapture, buses, camera)
	ctx := context.Background()

	for round := 0; round < 2; round++ {
		require.NoError(t, view.StartCall(ctx), "round %d", round)
		offer := nextSignal(t, out, proto.ToCapture)
		require.Equal(t, proto.SignalOffer, offer.Type)

		require.NoError(t, capture.Handle(ctx, offer), "round %d", round)
		answer := nextSignal(t, out, proto.ToView)
		require.Equal(t, proto.SignalAnswer, answer.Type)
		require.NoError(t, view.Handle(ctx, answer), "round %d", round)

		require.NoError(t, view.Handle(ctx, proto.Signal{Type: proto.SignalBye}))
		require.NoError(t, capture.Handle(ctx, proto.Signal{Type: proto.SignalBye}))
		assert.Equal(t, webrtc.PeerConnectionStateClosed, viewer.State())
		assert.Equal(t, webrtc.PeerConnectionStateClosed, camera.State())
	}
}

func TestPeerConnection_ReopensAfterClose(t *testing.T) {
	p, err := NewPeerConnection(PeerConnectionOptions{ReceiveVideo: true})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	offer, err := p.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=video")
	assert.NotEqual(t, webrtc.PeerConnectionStateClosed, p.State())
	require.NoError(t, p.Close())
}

func TestHandler_ViewWaitsAgainWhenLinkDrops(t *testing.T) {
	buses := broker.NewBuses()
	defer buses.Close()

	p := &fakePipeline{}
	h := NewHandler(RoleView, buses, p)
	require.True(t, h.Start())
	defer h.Stop()
	require.NoError(t, h.StartCall(context.Background()))

	r := router.New(buses)
	r.Route(proto.NewCommand(proto.CommandConnected))
	r.Route(proto.NewCommand(proto.CommandDisconnected))

	require.Eventually(t, func() bool {
		_, _, closed := p.snapshot()
		return closed == 1
	}, 2*time.Second, 5*time.Millisecond)
	err := h.Handle(context.Background(), proto.Signal{Type: proto.SignalCandidate, Candidate: "c"})
	assert.ErrorIs(t, err, ErrClosed)
}
