package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/protocol"
)

// Options configures the pion-backed engine.
type Options struct {
	// ICEServers are relayed to clients and used for local gathering.
	ICEServers []protocol.ICEServer

	// UDPPortMin/UDPPortMax restrict the ephemeral ICE port range.
	// Both zero leaves the range unrestricted.
	UDPPortMin uint16
	UDPPortMax uint16

	Logger logging.Logger
}

// WebRTCEngine implements Engine on top of pion/webrtc. Each transport is
// one peer connection; producers fan RTP packets out to consumer tracks and
// recording taps.
type WebRTCEngine struct {
	opts   Options
	logger logging.Logger

	mu         sync.RWMutex
	api        *webrtc.API
	started    bool
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer
	taps       map[string]*tap

	renegotiate RenegotiationHandler
}

// routerCodecs is the codec set registered with the media engine and
// reported by Capabilities.
var routerCodecs = []protocol.CodecCapability{
	{Kind: protocol.MediaKindAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	{Kind: protocol.MediaKindVideo, MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
}

// NewWebRTCEngine creates an engine. Start must be called before any other
// operation succeeds.
func NewWebRTCEngine(opts Options) *WebRTCEngine {
	return &WebRTCEngine{
		opts:       opts,
		logger:     logging.OrNop(opts.Logger),
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
		consumers:  make(map[string]*consumer),
		taps:       make(map[string]*tap),
	}
}

// Start builds the routing context: media engine, interceptor registry and
// the API all transports are created from.
func (e *WebRTCEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return protocol.Errorf(protocol.CodeEngineUnavailable, "register opus: %v", err)
	}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return protocol.Errorf(protocol.CodeEngineUnavailable, "register h264: %v", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return protocol.Errorf(protocol.CodeEngineUnavailable, "register interceptors: %v", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if e.opts.UDPPortMin != 0 || e.opts.UDPPortMax != 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(e.opts.UDPPortMin, e.opts.UDPPortMax); err != nil {
			return protocol.Errorf(protocol.CodeEngineUnavailable, "set udp port range: %v", err)
		}
	}

	e.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	e.started = true
	e.logger.Info("media engine started", "codecs", len(routerCodecs))
	return nil
}

// OnRenegotiationNeeded registers the handler for server-initiated offers.
func (e *WebRTCEngine) OnRenegotiationNeeded(fn RenegotiationHandler) {
	e.mu.Lock()
	e.renegotiate = fn
	e.mu.Unlock()
}

// Capabilities returns the router codec set.
func (e *WebRTCEngine) Capabilities(ctx context.Context) (protocol.RTPCapabilities, error) {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if !started {
		return protocol.RTPCapabilities{}, protocol.ErrEngineUnavailable
	}
	codecs := make([]protocol.CodecCapability, len(routerCodecs))
	copy(codecs, routerCodecs)
	return protocol.RTPCapabilities{Codecs: codecs}, nil
}

// CreateTransport opens a peer connection for the client in the given role.
func (e *WebRTCEngine) CreateTransport(ctx context.Context, clientID string, role protocol.TransportRole) (*TransportInfo, error) {
	e.mu.RLock()
	api := e.api
	started := e.started
	e.mu.RUnlock()
	if !started {
		return nil, protocol.ErrEngineUnavailable
	}

	iceServers := make([]webrtc.ICEServer, 0, len(e.opts.ICEServers))
	for _, s := range e.opts.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: s.URLs})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeConnectError, "create peer connection: %v", err)
	}

	t := newTransport(uuid.NewString(), clientID, role, pc, e.logger)
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.handleTrack(t, track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debug("transport connection state",
			"transportId", t.id, "clientId", clientID, "state", state.String())
	})
	if role == protocol.TransportRoleConsuming {
		pc.OnNegotiationNeeded(func() {
			e.pushOffer(t)
		})
	}

	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()

	e.logger.Debug("transport created", "transportId", t.id, "clientId", clientID, "role", string(role))
	return &TransportInfo{ID: t.id, ClientID: clientID, Role: role, ICEServers: e.opts.ICEServers}, nil
}

// pushOffer creates a renegotiation offer on a consuming transport and
// hands it to the registered handler.
func (e *WebRTCEngine) pushOffer(t *transport) {
	e.mu.RLock()
	fn := e.renegotiate
	e.mu.RUnlock()
	if fn == nil {
		return
	}

	offer, err := t.createOffer(context.Background())
	if err != nil {
		e.logger.Warn("renegotiation offer failed", "transportId", t.id, "error", err)
		return
	}
	fn(t.clientID, t.id, *offer)
}

// ConnectTransport applies the client's session description.
func (e *WebRTCEngine) ConnectTransport(ctx context.Context, transportID string, desc protocol.SessionDescription) (*protocol.SessionDescription, error) {
	t, err := e.transport(transportID)
	if err != nil {
		return nil, err
	}
	answer, err := t.connect(ctx, desc)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeConnectError, "connect transport %s: %v", transportID, err)
	}
	return answer, nil
}

// Produce registers a producer bound to the transport's inbound track of
// the given kind.
func (e *WebRTCEngine) Produce(ctx context.Context, transportID string, kind protocol.MediaKind, params protocol.RTPParameters) (*ProducerInfo, error) {
	if !kind.Valid() {
		return nil, protocol.Errorf(protocol.CodeProduceError, "unknown media kind %q", kind)
	}
	t, err := e.transport(transportID)
	if err != nil {
		return nil, err
	}
	if t.role != protocol.TransportRoleProducing {
		return nil, protocol.Errorf(protocol.CodeProduceError, "transport %s is not a producing transport", transportID)
	}

	p := newProducer(uuid.NewString(), t.clientID, kind, params, e.logger)
	if err := t.claimProducer(p); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()

	e.logger.Info("producer created",
		"producerId", p.id, "clientId", t.clientID, "kind", string(kind))
	return &ProducerInfo{ID: p.id, ClientID: t.clientID, Kind: kind, RTPParameters: p.rtpParameters()}, nil
}

// CanConsume reports kind/mime compatibility between a producer and the
// given receive capabilities.
func (e *WebRTCEngine) CanConsume(producerID string, caps protocol.RTPCapabilities) bool {
	e.mu.RLock()
	p, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	return caps.CanReceive(p.kind, p.mimeType())
}

// Consume creates a paused consumer track for the producer on the given
// consuming transport.
func (e *WebRTCEngine) Consume(ctx context.Context, transportID, producerID string, caps protocol.RTPCapabilities) (*ConsumerInfo, error) {
	t, err := e.transport(transportID)
	if err != nil {
		return nil, err
	}
	if t.role != protocol.TransportRoleConsuming {
		return nil, protocol.Errorf(protocol.CodeConsumeError, "transport %s is not a consuming transport", transportID)
	}

	e.mu.RLock()
	p, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "producer %s not found", producerID)
	}
	if !caps.CanReceive(p.kind, p.mimeType()) {
		return nil, protocol.Errorf(protocol.CodeConsumeError,
			"capabilities cannot receive %s (%s)", p.kind, p.mimeType())
	}

	c, err := newConsumer(uuid.NewString(), t, p)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeConsumeError, "consume producer %s: %v", producerID, err)
	}

	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()

	e.logger.Debug("consumer created",
		"consumerId", c.id, "producerId", producerID, "clientId", t.clientID)
	return &ConsumerInfo{ID: c.id, ProducerID: producerID, Kind: p.kind, RTPParameters: p.rtpParameters()}, nil
}

// ResumeConsumer unpauses a consumer and asks the producer for a keyframe.
func (e *WebRTCEngine) ResumeConsumer(ctx context.Context, consumerID string) error {
	e.mu.RLock()
	c, ok := e.consumers[consumerID]
	e.mu.RUnlock()
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "consumer %s not found", consumerID)
	}
	c.resume()
	return nil
}

// CloseTransport releases a transport, its peer connection and every
// producer or consumer running on it.
func (e *WebRTCEngine) CloseTransport(transportID string) error {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	if ok {
		delete(e.transports, transportID)
	}
	e.mu.Unlock()
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "transport %s not found", transportID)
	}
	return t.close()
}

// CloseProducer releases a producer and detaches its subscribers.
func (e *WebRTCEngine) CloseProducer(producerID string) error {
	e.mu.Lock()
	p, ok := e.producers[producerID]
	if ok {
		delete(e.producers, producerID)
	}
	e.mu.Unlock()
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "producer %s not found", producerID)
	}
	p.close()
	return nil
}

// CloseConsumer releases a consumer.
func (e *WebRTCEngine) CloseConsumer(consumerID string) error {
	e.mu.Lock()
	c, ok := e.consumers[consumerID]
	if ok {
		delete(e.consumers, consumerID)
	}
	e.mu.Unlock()
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "consumer %s not found", consumerID)
	}
	c.close()
	return nil
}

// transport looks up a live transport.
func (e *WebRTCEngine) transport(id string) (*transport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started {
		return nil, protocol.ErrEngineUnavailable
	}
	t, ok := e.transports[id]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "transport %s not found", id)
	}
	return t, nil
}

// handleTrack binds an inbound track to the producer waiting for its kind,
// or parks it until produce is called.
func (e *WebRTCEngine) handleTrack(t *transport, track *webrtc.TrackRemote) {
	kind := protocol.MediaKindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = protocol.MediaKindVideo
	}
	e.logger.Debug("inbound track",
		"transportId", t.id, "kind", string(kind), "ssrc", uint32(track.SSRC()),
		"mime", track.Codec().MimeType)
	t.bindTrack(kind, track)
}

// Close releases every transport and tap.
func (e *WebRTCEngine) Close() error {
	e.mu.Lock()
	transports := e.transports
	taps := e.taps
	e.transports = make(map[string]*transport)
	e.producers = make(map[string]*producer)
	e.consumers = make(map[string]*consumer)
	e.taps = make(map[string]*tap)
	e.started = false
	e.mu.Unlock()

	for _, t := range transports {
		_ = t.close()
	}
	for _, tp := range taps {
		tp.close()
	}
	return nil
}
