package engine

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/protocol"
)

// producer owns one inbound media stream and fans its RTP packets out to
// subscribers: consumer tracks on other clients' transports and recording
// taps. Subscribers decide themselves whether to drop packets (paused).
type producer struct {
	id       string
	clientID string
	kind     protocol.MediaKind
	logger   logging.Logger

	mu        sync.RWMutex
	params    protocol.RTPParameters
	track     *webrtc.TrackRemote
	pc        *webrtc.PeerConnection
	transport *transport
	subs      map[string]func(*rtp.Packet)
	closed    bool
}

func newProducer(id, clientID string, kind protocol.MediaKind, params protocol.RTPParameters, logger logging.Logger) *producer {
	if params.MimeType == "" {
		switch kind {
		case protocol.MediaKindAudio:
			params.MimeType = webrtc.MimeTypeOpus
			params.ClockRate = 48000
			params.PayloadType = 111
		case protocol.MediaKindVideo:
			params.MimeType = webrtc.MimeTypeH264
			params.ClockRate = 90000
			params.PayloadType = 102
		}
	}
	return &producer{
		id:       id,
		clientID: clientID,
		kind:     kind,
		logger:   logger,
		params:   params,
		subs:     make(map[string]func(*rtp.Packet)),
	}
}

// bindTrack attaches the negotiated inbound track and starts the fan-out
// loop. Parameters are refined from the negotiated codec.
func (p *producer) bindTrack(track *webrtc.TrackRemote, pc *webrtc.PeerConnection) {
	p.mu.Lock()
	if p.closed || p.track != nil {
		p.mu.Unlock()
		return
	}
	p.track = track
	p.pc = pc
	codec := track.Codec()
	p.params = protocol.RTPParameters{
		MimeType:    codec.MimeType,
		PayloadType: uint8(codec.PayloadType),
		ClockRate:   codec.ClockRate,
		SSRC:        uint32(track.SSRC()),
	}
	p.mu.Unlock()

	p.logger.Debug("producer track bound", "producerId", p.id, "mime", codec.MimeType)
	go p.fanOut(track)
}

// fanOut reads inbound RTP until the track ends and delivers each packet to
// every subscriber.
func (p *producer) fanOut(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.logger.Debug("producer track ended", "producerId", p.id, "error", err)
			return
		}
		p.mu.RLock()
		for _, deliver := range p.subs {
			deliver(pkt)
		}
		p.mu.RUnlock()
	}
}

// subscribe registers a packet sink under the subscriber's id.
func (p *producer) subscribe(id string, deliver func(*rtp.Packet)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.subs[id] = deliver
}

func (p *producer) unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, id)
}

// requestKeyframe sends a PLI toward the producing client so resumed
// subscribers can decode immediately. A no-op until the track is bound.
func (p *producer) requestKeyframe() {
	p.mu.RLock()
	track, pc := p.track, p.pc
	p.mu.RUnlock()
	if track == nil || pc == nil {
		return
	}
	if err := pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	}); err != nil {
		p.logger.Debug("keyframe request failed", "producerId", p.id, "error", err)
	}
}

func (p *producer) rtpParameters() protocol.RTPParameters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.params
}

func (p *producer) mimeType() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.params.MimeType
}

func (p *producer) setTransport(t *transport) {
	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()
}

// close detaches all subscribers and frees the transport's kind slot. The
// fan-out loop exits when the track itself ends (transport close or client
// disconnect).
func (p *producer) close() {
	p.mu.Lock()
	p.closed = true
	p.subs = make(map[string]func(*rtp.Packet))
	t := p.transport
	p.mu.Unlock()
	if t != nil {
		t.releaseProducer(p)
	}
}
