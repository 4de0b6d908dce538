package engine

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/relaycast/relaycast/pkg/protocol"
)

// consumer is a server-side outbound track mirroring one producer to one
// consuming transport. It starts paused; packets are dropped until resume.
type consumer struct {
	id         string
	producerID string
	clientID   string

	producer *producer
	track    *webrtc.TrackLocalStaticRTP
	sender   *webrtc.RTPSender
	paused   atomic.Bool
}

func newConsumer(id string, t *transport, p *producer) (*consumer, error) {
	params := p.rtpParameters()
	capability := webrtc.RTPCodecCapability{
		MimeType:  params.MimeType,
		ClockRate: params.ClockRate,
	}
	if p.kind == protocol.MediaKindAudio {
		capability.Channels = 2
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, id, p.clientID)
	if err != nil {
		return nil, err
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)

	c := &consumer{
		id:         id,
		producerID: p.id,
		clientID:   t.clientID,
		producer:   p,
		track:      track,
		sender:     sender,
	}
	c.paused.Store(true)
	p.subscribe(id, c.deliver)
	return c, nil
}

func (c *consumer) deliver(pkt *rtp.Packet) {
	if c.paused.Load() {
		return
	}
	// Write errors mean the transport is gone; the packet is simply dropped.
	_ = c.track.WriteRTP(pkt)
}

// resume unpauses delivery and asks the producer for a keyframe so video
// starts decodable.
func (c *consumer) resume() {
	if c.paused.CompareAndSwap(true, false) {
		c.producer.requestKeyframe()
	}
}

func (c *consumer) close() {
	c.paused.Store(true)
	c.producer.unsubscribe(c.id)
	_ = c.sender.Stop()
}

// drainRTCP consumes RTCP reports on a sender; the interceptors need the
// reads to keep flowing.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
