package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaPipeline is the media stack the signaling exchange drives.
type MediaPipeline interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// PeerConnection is a MediaPipeline backed by a pion peer connection with
// trickle ICE. Close ends the current session only: the next offer or
// answer builds a fresh pion connection from the same options.
type PeerConnection struct {
	opts PeerConnectionOptions

	mu sync.Mutex
	pc *webrtc.PeerConnection
}

type PeerConnectionOptions struct {
	ICEServers []string
	// ReceiveVideo adds a receive-only video transceiver, as the viewing side does.
	ReceiveVideo bool
	// OnCandidate receives local ICE candidates as they are gathered.
	OnCandidate func(webrtc.ICECandidateInit)
}

func NewPeerConnection(opts PeerConnectionOptions) (*PeerConnection, error) {
	p := &PeerConnection{opts: opts}
	pc, err := p.build()
	if err != nil {
		return nil, err
	}
	p.pc = pc
	return p, nil
}

func (p *PeerConnection) build() (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(p.opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: p.opts.ICEServers}}
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if p.opts.ReceiveVideo {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add video transceiver: %w", err)
		}
	}

	onCandidate := p.opts.OnCandidate
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || onCandidate == nil {
			return
		}
		onCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		slog.Info("Media session state changed", "state", s.String())
	})
	return pc, nil
}

// conn returns the live pion connection, replacing one that was closed.
func (p *PeerConnection) conn() (*webrtc.PeerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc != nil && p.pc.ConnectionState() != webrtc.PeerConnectionStateClosed {
		return p.pc, nil
	}
	pc, err := p.build()
	if err != nil {
		return nil, err
	}
	p.pc = pc
	return pc, nil
}

func (p *PeerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	pc, err := p.conn()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return offer, nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	pc, err := p.conn()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return answer, nil
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc, err := p.conn()
	if err != nil {
		return err
	}
	return pc.SetRemoteDescription(desc)
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc, err := p.conn()
	if err != nil {
		return err
	}
	return pc.AddICECandidate(c)
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// State reports the current session's state, Closed between sessions.
func (p *PeerConnection) State() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return p.pc.ConnectionState()
}
