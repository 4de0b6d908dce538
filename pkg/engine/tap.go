package engine

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/protocol"
)

// tap is a passive transport: a plain loopback UDP endpoint with no
// ICE/DTLS that forwards one producer's RTP to a local process. Packets
// flow only once the tap is connected to a destination and resumed.
type tap struct {
	id     string
	conn   *net.UDPConn
	logger logging.Logger

	mu         sync.Mutex
	dest       *net.UDPAddr
	producer   *producer
	consumerID string
	closed     bool

	resumed atomic.Bool
}

func (tp *tap) deliver(pkt *rtp.Packet) {
	if !tp.resumed.Load() {
		return
	}
	tp.mu.Lock()
	dest := tp.dest
	closed := tp.closed
	tp.mu.Unlock()
	if closed || dest == nil {
		return
	}
	b, err := pkt.Marshal()
	if err != nil {
		return
	}
	if _, err := tp.conn.WriteToUDP(b, dest); err != nil {
		tp.logger.Debug("tap write failed", "tapId", tp.id, "error", err)
	}
}

func (tp *tap) close() {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return
	}
	tp.closed = true
	p, cid := tp.producer, tp.consumerID
	tp.mu.Unlock()

	tp.resumed.Store(false)
	if p != nil {
		p.unsubscribe(cid)
	}
	_ = tp.conn.Close()
}

// OpenPassiveTap binds a loopback UDP endpoint for the recording bridge.
func (e *WebRTCEngine) OpenPassiveTap(ctx context.Context) (*TapInfo, error) {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if !started {
		return nil, protocol.ErrEngineUnavailable
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeRecorderStartFailed, "bind tap endpoint: %v", err)
	}

	tp := &tap{id: uuid.NewString(), conn: conn, logger: e.logger}
	e.mu.Lock()
	e.taps[tp.id] = tp
	e.mu.Unlock()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	e.logger.Debug("passive tap opened", "tapId", tp.id, "localPort", port)
	return &TapInfo{ID: tp.id, LocalPort: port}, nil
}

// TapConsume attaches a paused tap consumer to the producer.
func (e *WebRTCEngine) TapConsume(ctx context.Context, tapID, producerID string) (*TapConsumerInfo, error) {
	e.mu.RLock()
	tp, tapOK := e.taps[tapID]
	p, prodOK := e.producers[producerID]
	e.mu.RUnlock()
	if !tapOK {
		return nil, protocol.Errorf(protocol.CodeNotFound, "tap %s not found", tapID)
	}
	if !prodOK {
		return nil, protocol.Errorf(protocol.CodeNotFound, "producer %s not found", producerID)
	}

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeRecorderStartFailed, "tap %s is closed", tapID)
	}
	if tp.producer != nil {
		tp.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeConsumeError, "tap %s already consumes a producer", tapID)
	}
	tp.producer = p
	tp.consumerID = uuid.NewString()
	consumerID := tp.consumerID
	tp.mu.Unlock()

	p.subscribe(consumerID, tp.deliver)
	return &TapConsumerInfo{
		ID:            consumerID,
		ProducerID:    producerID,
		Kind:          p.kind,
		RTPParameters: p.rtpParameters(),
	}, nil
}

// ConnectTap points the tap at a local destination port. Call order is the
// bridge's responsibility: connect only after the destination is listening.
func (e *WebRTCEngine) ConnectTap(ctx context.Context, tapID string, destPort int) error {
	e.mu.RLock()
	tp, ok := e.taps[tapID]
	e.mu.RUnlock()
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "tap %s not found", tapID)
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "tap %s is closed", tapID)
	}
	tp.dest = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: destPort}
	return nil
}

// ResumeTap unpauses the tap consumer and requests a keyframe so the
// downstream encoder can start on a decodable frame.
func (e *WebRTCEngine) ResumeTap(ctx context.Context, tapID string) error {
	e.mu.RLock()
	tp, ok := e.taps[tapID]
	e.mu.RUnlock()
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "tap %s not found", tapID)
	}

	tp.mu.Lock()
	p := tp.producer
	closed := tp.closed
	tp.mu.Unlock()
	if closed {
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "tap %s is closed", tapID)
	}
	if p == nil {
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "tap %s has no consumer", tapID)
	}

	tp.resumed.Store(true)
	p.requestKeyframe()
	return nil
}

// CloseTap releases the tap consumer and endpoint.
func (e *WebRTCEngine) CloseTap(tapID string) error {
	e.mu.Lock()
	tp, ok := e.taps[tapID]
	if ok {
		delete(e.taps, tapID)
	}
	e.mu.Unlock()
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "tap %s not found", tapID)
	}
	tp.close()
	return nil
}
