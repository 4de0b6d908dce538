package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/relaycast/relaycast/pkg/engine"
	"github.com/relaycast/relaycast/pkg/protocol"
)

// MockEngine implements engine.Engine for testing. It tracks every created
// and closed resource and lets tests override individual operations through
// the *Func fields. The zero value is unusable; use NewMockEngine.
type MockEngine struct {
	mu sync.Mutex

	// Unavailable makes capability and transport calls fail with
	// protocol.ErrEngineUnavailable, simulating an engine without a
	// routing context.
	Unavailable bool

	// Override hooks. Nil hooks fall back to the default behavior.
	CapabilitiesFunc     func(ctx context.Context) (protocol.RTPCapabilities, error)
	CreateTransportFunc  func(clientID string, role protocol.TransportRole) (*engine.TransportInfo, error)
	ConnectTransportFunc func(transportID string, desc protocol.SessionDescription) (*protocol.SessionDescription, error)
	ProduceFunc          func(transportID string, kind protocol.MediaKind) (*engine.ProducerInfo, error)
	ConsumeFunc          func(transportID, producerID string, caps protocol.RTPCapabilities) (*engine.ConsumerInfo, error)
	OpenPassiveTapFunc   func() (*engine.TapInfo, error)
	TapConsumeFunc       func(tapID, producerID string) (*engine.TapConsumerInfo, error)
	ConnectTapFunc       func(tapID string, destPort int) error
	ResumeTapFunc        func(tapID string) error

	transports map[string]*engine.TransportInfo
	producers  map[string]*engine.ProducerInfo
	consumers  map[string]*engine.ConsumerInfo
	taps       map[string]*engine.TapInfo
	resumed    map[string]bool

	// Closed resource ids, in close order.
	ClosedTransports []string
	ClosedProducers  []string
	ClosedConsumers  []string
	ClosedTaps       []string

	// TapOps records every tap operation in call order, e.g. "open:t1",
	// "consume:t1:p1", "connect:t1:5004", "resume:t1", "close:t1". Tests
	// assert startup ordering against this log.
	TapOps []string

	renegotiate engine.RenegotiationHandler
	nextTapPort int
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		transports:  make(map[string]*engine.TransportInfo),
		producers:   make(map[string]*engine.ProducerInfo),
		consumers:   make(map[string]*engine.ConsumerInfo),
		taps:        make(map[string]*engine.TapInfo),
		resumed:     make(map[string]bool),
		nextTapPort: 40000,
	}
}

var mockRouterCapabilities = protocol.RTPCapabilities{
	Codecs: []protocol.CodecCapability{
		{Kind: protocol.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: protocol.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000},
	},
}

// RouterCapabilities returns the capability set the mock reports, for use
// as a compatible client declaration in tests.
func RouterCapabilities() protocol.RTPCapabilities {
	codecs := make([]protocol.CodecCapability, len(mockRouterCapabilities.Codecs))
	copy(codecs, mockRouterCapabilities.Codecs)
	return protocol.RTPCapabilities{Codecs: codecs}
}

// AudioOnlyCapabilities returns a declaration that can receive audio but
// not video.
func AudioOnlyCapabilities() protocol.RTPCapabilities {
	return protocol.RTPCapabilities{Codecs: []protocol.CodecCapability{
		{Kind: protocol.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	}}
}

func (m *MockEngine) Capabilities(ctx context.Context) (protocol.RTPCapabilities, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return protocol.RTPCapabilities{}, protocol.ErrEngineUnavailable
	}
	if m.CapabilitiesFunc != nil {
		return m.CapabilitiesFunc(ctx)
	}
	return RouterCapabilities(), nil
}

func (m *MockEngine) CreateTransport(ctx context.Context, clientID string, role protocol.TransportRole) (*engine.TransportInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return nil, protocol.ErrEngineUnavailable
	}
	if m.CreateTransportFunc != nil {
		info, err := m.CreateTransportFunc(clientID, role)
		if err != nil {
			return nil, err
		}
		m.transports[info.ID] = info
		return info, nil
	}
	info := &engine.TransportInfo{ID: uuid.NewString(), ClientID: clientID, Role: role}
	m.transports[info.ID] = info
	return info, nil
}

func (m *MockEngine) ConnectTransport(ctx context.Context, transportID string, desc protocol.SessionDescription) (*protocol.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectTransportFunc != nil {
		return m.ConnectTransportFunc(transportID, desc)
	}
	if _, ok := m.transports[transportID]; !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "transport %s not found", transportID)
	}
	if desc.Type == "offer" {
		return &protocol.SessionDescription{Type: "answer", SDP: "mock-answer"}, nil
	}
	return nil, nil
}

func (m *MockEngine) Produce(ctx context.Context, transportID string, kind protocol.MediaKind, params protocol.RTPParameters) (*engine.ProducerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProduceFunc != nil {
		info, err := m.ProduceFunc(transportID, kind)
		if err != nil {
			return nil, err
		}
		m.producers[info.ID] = info
		return info, nil
	}
	t, ok := m.transports[transportID]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "transport %s not found", transportID)
	}
	if params.MimeType == "" {
		params = defaultRTPParameters(kind)
	}
	info := &engine.ProducerInfo{ID: uuid.NewString(), ClientID: t.ClientID, Kind: kind, RTPParameters: params}
	m.producers[info.ID] = info
	return info, nil
}

func (m *MockEngine) CanConsume(producerID string, caps protocol.RTPCapabilities) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.producers[producerID]
	if !ok {
		return false
	}
	return caps.CanReceive(p.Kind, p.RTPParameters.MimeType)
}

func (m *MockEngine) Consume(ctx context.Context, transportID, producerID string, caps protocol.RTPCapabilities) (*engine.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConsumeFunc != nil {
		info, err := m.ConsumeFunc(transportID, producerID, caps)
		if err != nil {
			return nil, err
		}
		m.consumers[info.ID] = info
		return info, nil
	}
	if _, ok := m.transports[transportID]; !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "transport %s not found", transportID)
	}
	p, ok := m.producers[producerID]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "producer %s not found", producerID)
	}
	if !caps.CanReceive(p.Kind, p.RTPParameters.MimeType) {
		return nil, protocol.Errorf(protocol.CodeConsumeError,
			"capabilities cannot receive %s (%s)", p.Kind, p.RTPParameters.MimeType)
	}
	info := &engine.ConsumerInfo{ID: uuid.NewString(), ProducerID: producerID, Kind: p.Kind, RTPParameters: p.RTPParameters}
	m.consumers[info.ID] = info
	return info, nil
}

func (m *MockEngine) ResumeConsumer(ctx context.Context, consumerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumers[consumerID]; !ok {
		return protocol.Errorf(protocol.CodeNotFound, "consumer %s not found", consumerID)
	}
	m.resumed[consumerID] = true
	return nil
}

func (m *MockEngine) CloseTransport(transportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transports, transportID)
	m.ClosedTransports = append(m.ClosedTransports, transportID)
	return nil
}

func (m *MockEngine) CloseProducer(producerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.producers, producerID)
	m.ClosedProducers = append(m.ClosedProducers, producerID)
	return nil
}

func (m *MockEngine) CloseConsumer(consumerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consumers, consumerID)
	m.ClosedConsumers = append(m.ClosedConsumers, consumerID)
	return nil
}

func (m *MockEngine) OpenPassiveTap(ctx context.Context) (*engine.TapInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenPassiveTapFunc != nil {
		info, err := m.OpenPassiveTapFunc()
		if err != nil {
			return nil, err
		}
		m.taps[info.ID] = info
		m.TapOps = append(m.TapOps, "open:"+info.ID)
		return info, nil
	}
	m.nextTapPort++
	info := &engine.TapInfo{ID: uuid.NewString(), LocalPort: m.nextTapPort}
	m.taps[info.ID] = info
	m.TapOps = append(m.TapOps, "open:"+info.ID)
	return info, nil
}

func (m *MockEngine) TapConsume(ctx context.Context, tapID, producerID string) (*engine.TapConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TapConsumeFunc != nil {
		info, err := m.TapConsumeFunc(tapID, producerID)
		if err != nil {
			return nil, err
		}
		m.TapOps = append(m.TapOps, "consume:"+tapID+":"+producerID)
		return info, nil
	}
	if _, ok := m.taps[tapID]; !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "tap %s not found", tapID)
	}
	p, ok := m.producers[producerID]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "producer %s not found", producerID)
	}
	m.TapOps = append(m.TapOps, "consume:"+tapID+":"+producerID)
	return &engine.TapConsumerInfo{
		ID:            uuid.NewString(),
		ProducerID:    producerID,
		Kind:          p.Kind,
		RTPParameters: p.RTPParameters,
	}, nil
}

func (m *MockEngine) ConnectTap(ctx context.Context, tapID string, destPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectTapFunc != nil {
		return m.ConnectTapFunc(tapID, destPort)
	}
	if _, ok := m.taps[tapID]; !ok {
		return protocol.Errorf(protocol.CodeNotFound, "tap %s not found", tapID)
	}
	m.TapOps = append(m.TapOps, fmt.Sprintf("connect:%s:%d", tapID, destPort))
	return nil
}

func (m *MockEngine) ResumeTap(ctx context.Context, tapID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ResumeTapFunc != nil {
		return m.ResumeTapFunc(tapID)
	}
	if _, ok := m.taps[tapID]; !ok {
		return protocol.Errorf(protocol.CodeNotFound, "tap %s not found", tapID)
	}
	m.TapOps = append(m.TapOps, "resume:"+tapID)
	return nil
}

func (m *MockEngine) CloseTap(tapID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.taps, tapID)
	m.ClosedTaps = append(m.ClosedTaps, tapID)
	m.TapOps = append(m.TapOps, "close:"+tapID)
	return nil
}

func (m *MockEngine) OnRenegotiationNeeded(fn engine.RenegotiationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renegotiate = fn
}

// TriggerRenegotiation invokes the registered renegotiation handler, as the
// real engine does after a consuming-side track addition.
func (m *MockEngine) TriggerRenegotiation(clientID, transportID string, offer protocol.SessionDescription) {
	m.mu.Lock()
	fn := m.renegotiate
	m.mu.Unlock()
	if fn != nil {
		fn(clientID, transportID, offer)
	}
}

func (m *MockEngine) Close() error {
	return nil
}

// AddProducer seeds a producer without going through Produce.
func (m *MockEngine) AddProducer(id, clientID string, kind protocol.MediaKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producers[id] = &engine.ProducerInfo{
		ID: id, ClientID: clientID, Kind: kind, RTPParameters: defaultRTPParameters(kind),
	}
}

// TransportCount returns the number of live (not closed) transports.
func (m *MockEngine) TransportCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transports)
}

// ConsumerResumed reports whether ResumeConsumer was called for the id.
func (m *MockEngine) ConsumerResumed(consumerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumed[consumerID]
}

// GetTapOps returns a copy of the tap operation log.
func (m *MockEngine) GetTapOps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.TapOps...)
}

// GetClosedProducers returns a copy of the closed producer ids.
func (m *MockEngine) GetClosedProducers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.ClosedProducers...)
}

// GetClosedConsumers returns a copy of the closed consumer ids.
func (m *MockEngine) GetClosedConsumers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.ClosedConsumers...)
}

// GetClosedTransports returns a copy of the closed transport ids.
func (m *MockEngine) GetClosedTransports() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.ClosedTransports...)
}

// GetClosedTaps returns a copy of the closed tap ids.
func (m *MockEngine) GetClosedTaps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.ClosedTaps...)
}

func defaultRTPParameters(kind protocol.MediaKind) protocol.RTPParameters {
	if kind == protocol.MediaKindAudio {
		return protocol.RTPParameters{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000}
	}
	return protocol.RTPParameters{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000}
}
