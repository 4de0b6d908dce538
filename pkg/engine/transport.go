package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/protocol"
)

// transport wraps one peer connection in a fixed role. Producing transports
// receive client tracks and hand them to producers; consuming transports
// carry server-created consumer tracks.
type transport struct {
	id       string
	clientID string
	role     protocol.TransportRole
	pc       *webrtc.PeerConnection
	logger   logging.Logger

	mu            sync.Mutex
	producers     map[protocol.MediaKind]*producer
	pendingTracks map[protocol.MediaKind]*webrtc.TrackRemote
	closed        bool
}

func newTransport(id, clientID string, role protocol.TransportRole, pc *webrtc.PeerConnection, logger logging.Logger) *transport {
	return &transport{
		id:            id,
		clientID:      clientID,
		role:          role,
		pc:            pc,
		logger:        logger,
		producers:     make(map[protocol.MediaKind]*producer),
		pendingTracks: make(map[protocol.MediaKind]*webrtc.TrackRemote),
	}
}

// connect applies the remote description. A remote offer yields the local
// answer with gathered candidates; a remote answer completes a server
// initiated exchange and yields nil.
func (t *transport) connect(ctx context.Context, desc protocol.SessionDescription) (*protocol.SessionDescription, error) {
	switch desc.Type {
	case "offer":
		remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}
		if err := t.pc.SetRemoteDescription(remote); err != nil {
			return nil, fmt.Errorf("set remote offer: %w", err)
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return nil, fmt.Errorf("create answer: %w", err)
		}
		gathered := webrtc.GatheringCompletePromise(t.pc)
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return nil, fmt.Errorf("set local answer: %w", err)
		}
		select {
		case <-gathered:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		local := t.pc.LocalDescription()
		return &protocol.SessionDescription{Type: "answer", SDP: local.SDP}, nil

	case "answer":
		remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}
		if err := t.pc.SetRemoteDescription(remote); err != nil {
			return nil, fmt.Errorf("set remote answer: %w", err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown description type %q", desc.Type)
	}
}

// createOffer builds a local offer with gathered candidates, used for
// server-initiated renegotiation on consuming transports.
func (t *transport) createOffer(ctx context.Context) (*protocol.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	local := t.pc.LocalDescription()
	return &protocol.SessionDescription{Type: "offer", SDP: local.SDP}, nil
}

// claimProducer reserves the transport's inbound track of the producer's
// kind. If the track already arrived it binds immediately.
func (t *transport) claimProducer(p *producer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return protocol.Errorf(protocol.CodeProduceError, "transport %s is closed", t.id)
	}
	if _, exists := t.producers[p.kind]; exists {
		return protocol.Errorf(protocol.CodeProduceError,
			"transport %s already produces %s", t.id, p.kind)
	}
	t.producers[p.kind] = p
	p.setTransport(t)
	if track, ok := t.pendingTracks[p.kind]; ok {
		delete(t.pendingTracks, p.kind)
		p.bindTrack(track, t.pc)
	}
	return nil
}

// bindTrack routes an inbound track to the producer claiming its kind, or
// parks it until produce arrives.
func (t *transport) bindTrack(kind protocol.MediaKind, track *webrtc.TrackRemote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if p, ok := t.producers[kind]; ok {
		p.bindTrack(track, t.pc)
		return
	}
	t.pendingTracks[kind] = track
}

// releaseProducer drops the kind reservation so a later produce can reuse it.
func (t *transport) releaseProducer(p *producer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.producers[p.kind]; ok && current == p {
		delete(t.producers, p.kind)
	}
}

func (t *transport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}
