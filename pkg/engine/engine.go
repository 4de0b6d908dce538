// Package engine exposes the media engine operations the orchestration
// layer needs: capability negotiation, transport/producer/consumer
// lifecycle, and the passive tap surface used by the recording bridge.
//
// The Engine interface is the only thing the signaling and stream layers
// depend on; WebRTCEngine is the production implementation on top of pion.
package engine

import (
	"context"

	"github.com/relaycast/relaycast/pkg/protocol"
)

// TransportInfo describes a freshly created transport. The SDP exchange
// happens later through ConnectTransport.
type TransportInfo struct {
	ID         string
	ClientID   string
	Role       protocol.TransportRole
	ICEServers []protocol.ICEServer
}

// ProducerInfo describes a registered producer.
type ProducerInfo struct {
	ID            string
	ClientID      string
	Kind          protocol.MediaKind
	RTPParameters protocol.RTPParameters
}

// ConsumerInfo describes a consumer created for a producer. Consumers start
// paused and deliver no media until resumed.
type ConsumerInfo struct {
	ID            string
	ProducerID    string
	Kind          protocol.MediaKind
	RTPParameters protocol.RTPParameters
}

// TapInfo describes a passive tap transport: a plain UDP endpoint with no
// ICE/DTLS, used to hand media to a local process.
type TapInfo struct {
	ID        string
	LocalPort int
}

// TapConsumerInfo describes the paused consumer feeding a tap.
type TapConsumerInfo struct {
	ID            string
	ProducerID    string
	Kind          protocol.MediaKind
	RTPParameters protocol.RTPParameters
}

// RenegotiationHandler receives server-initiated offers for consuming
// transports after track additions.
type RenegotiationHandler func(clientID, transportID string, offer protocol.SessionDescription)

// Engine is the capability surface consumed from the media engine. All
// failures carry protocol error codes so the signaling layer can reply
// without inspecting engine internals.
type Engine interface {
	// Capabilities returns the router RTP capabilities. It fails with
	// protocol.ErrEngineUnavailable before the engine is started.
	Capabilities(ctx context.Context) (protocol.RTPCapabilities, error)

	// CreateTransport opens a transport for the client in the given role.
	CreateTransport(ctx context.Context, clientID string, role protocol.TransportRole) (*TransportInfo, error)

	// ConnectTransport applies the remote session description. When desc is
	// an offer the returned description is the answer; when desc answers a
	// server offer the return value is nil.
	ConnectTransport(ctx context.Context, transportID string, desc protocol.SessionDescription) (*protocol.SessionDescription, error)

	// Produce registers an outbound media stream on a producing transport.
	Produce(ctx context.Context, transportID string, kind protocol.MediaKind, params protocol.RTPParameters) (*ProducerInfo, error)

	// CanConsume reports whether a producer's media is compatible with the
	// given receive capabilities. Consume performs this check itself; it is
	// exposed for discovery.
	CanConsume(producerID string, caps protocol.RTPCapabilities) bool

	// Consume creates a paused consumer for the producer on a consuming
	// transport. It fails with a consume error when the capabilities are
	// incompatible, creating nothing.
	Consume(ctx context.Context, transportID, producerID string, caps protocol.RTPCapabilities) (*ConsumerInfo, error)

	// ResumeConsumer unpauses a consumer and requests a keyframe from the
	// source producer.
	ResumeConsumer(ctx context.Context, consumerID string) error

	// CloseTransport releases a transport and everything running on it.
	CloseTransport(transportID string) error

	// CloseProducer releases a producer and detaches its subscribers.
	CloseProducer(producerID string) error

	// CloseConsumer releases a consumer.
	CloseConsumer(consumerID string) error

	// OpenPassiveTap binds a plain UDP endpoint for the recording bridge.
	OpenPassiveTap(ctx context.Context) (*TapInfo, error)

	// TapConsume attaches a paused tap consumer to the producer. One tap
	// holds at most one consumer.
	TapConsume(ctx context.Context, tapID, producerID string) (*TapConsumerInfo, error)

	// ConnectTap points the tap at a local destination port. Media flows
	// only once the tap is both connected and resumed.
	ConnectTap(ctx context.Context, tapID string, destPort int) error

	// ResumeTap unpauses the tap consumer and requests a keyframe.
	ResumeTap(ctx context.Context, tapID string) error

	// CloseTap releases the tap consumer and the tap endpoint.
	CloseTap(tapID string) error

	// OnRenegotiationNeeded registers the handler for server-initiated
	// offers. Must be set before transports are created.
	OnRenegotiationNeeded(fn RenegotiationHandler)

	// Close shuts the engine down, releasing every live resource.
	Close() error
}
