// Package protocol defines the signaling wire format: the JSON envelope
// exchanged over the WebSocket connection, the request, reply and event
// payloads, the media parameter types they carry, and the error taxonomy.
//
// Requests carry a client-chosen id; the server answers each request with
// exactly one ack or error reply bearing the same id. Messages without an
// id are fire-and-forget. Events are server-initiated and carry no id.
package protocol

import "encoding/json"

// Request message types (client to server).
const (
	MsgGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	MsgSetRtpCapabilities       = "setRtpCapabilities"
	MsgCreateProducerTransport  = "createProducerTransport"
	MsgConnectProducerTransport = "connectProducerTransport"
	MsgCreateConsumerTransport  = "createConsumerTransport"
	MsgConnectConsumerTransport = "connectConsumerTransport"
	MsgProduce                  = "produce"
	MsgCloseProducer            = "closeProducer"
	MsgConsume                  = "consume"
	MsgResumeConsumer           = "resumeConsumer"
	MsgListProducers            = "listProducers"
	MsgStartBroadcast           = "startBroadcast"
	MsgStopBroadcast            = "stopBroadcast"
	MsgListStreams              = "listStreams"
)

// Reply and event message types (server to client).
const (
	MsgAck   = "ack"
	MsgError = "error"

	EventWelcome        = "welcome"
	EventNewProducer    = "newProducer"
	EventProducerClosed = "producerClosed"
	EventStreamLive     = "streamLive"
	EventStreamEnded    = "streamEnded"
	EventTransportOffer = "transportOffer"
)

// Envelope is an inbound client message. Data is decoded per message type
// by the handler.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is an outbound reply or event.
type ServerMessage struct {
	Type  string      `json:"type"`
	ID    string      `json:"id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

// Ack builds a successful reply for the given request id.
func Ack(id string, data interface{}) *ServerMessage {
	return &ServerMessage{Type: MsgAck, ID: id, Data: data}
}

// ErrorReply builds an error reply for the given request id.
func ErrorReply(id string, err error) *ServerMessage {
	return &ServerMessage{Type: MsgError, ID: id, Error: FromError(err)}
}

// Event builds a fire-and-forget server message.
func Event(typ string, data interface{}) *ServerMessage {
	return &ServerMessage{Type: typ, Data: data}
}

// MediaKind distinguishes audio from video resources.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// TransportRole distinguishes the sending from the receiving side of a
// client's media path.
type TransportRole string

const (
	TransportRoleProducing TransportRole = "producing"
	TransportRoleConsuming TransportRole = "consuming"
)

// CodecCapability describes one codec the router can route.
type CodecCapability struct {
	Kind      MediaKind `json:"kind"`
	MimeType  string    `json:"mimeType"`
	ClockRate uint32    `json:"clockRate"`
	Channels  uint16    `json:"channels,omitempty"`
}

// RTPCapabilities is the codec set a router offers or a client declares it
// can receive.
type RTPCapabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// CanReceive reports whether the capabilities include a codec of the given
// kind and mime type. An empty mime type matches any codec of the kind.
func (c RTPCapabilities) CanReceive(kind MediaKind, mimeType string) bool {
	for _, codec := range c.Codecs {
		if codec.Kind != kind {
			continue
		}
		if mimeType == "" || codec.MimeType == mimeType {
			return true
		}
	}
	return false
}

// RTPParameters describe a single RTP stream.
type RTPParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	SSRC        uint32 `json:"ssrc,omitempty"`
}

// SessionDescription carries one side of an SDP exchange.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICEServer is relayed to clients so both sides gather matching candidates.
type ICEServer struct {
	URLs []string `json:"urls"`
}

// Request payloads.
type (
	// SetRtpCapabilitiesData declares the sender's receive capabilities.
	SetRtpCapabilitiesData struct {
		RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
	}

	// ConnectTransportData carries the client's session description for a
	// previously created transport.
	ConnectTransportData struct {
		DTLSParameters SessionDescription `json:"dtlsParameters"`
	}

	// ProduceData announces an outbound track on the producing transport.
	ProduceData struct {
		Kind          MediaKind     `json:"kind"`
		RTPParameters RTPParameters `json:"rtpParameters"`
	}

	// ConsumeData requests a consumer for another client's producer.
	ConsumeData struct {
		ProducerID string `json:"producerId"`
	}

	// ResumeConsumerData unpauses a consumer by id.
	ResumeConsumerData struct {
		ConsumerID string `json:"consumerId"`
	}

	// StartBroadcastData opts the sender into a stream group. StreamKey is
	// optional; the server generates one when absent.
	StartBroadcastData struct {
		StreamKey string `json:"streamKey,omitempty"`
	}

	// StopBroadcastData opts the sender out of a stream group.
	StopBroadcastData struct {
		StreamKey string `json:"streamKey"`
	}
)

// Reply payloads.
type (
	// TransportCreatedData is the ack for createProducerTransport and
	// createConsumerTransport.
	TransportCreatedData struct {
		ID         string      `json:"id"`
		ICEServers []ICEServer `json:"iceServers,omitempty"`
	}

	// TransportConnectedData is the ack for the connect requests. Answer is
	// present when the client's description was an offer.
	TransportConnectedData struct {
		Connected bool                `json:"connected"`
		Answer    *SessionDescription `json:"answer,omitempty"`
	}

	// ProduceResult carries the new producer id.
	ProduceResult struct {
		ID string `json:"id"`
	}

	// CloseProducerResult acknowledges an explicit producer release.
	CloseProducerResult struct {
		Closed bool `json:"closed"`
	}

	// ConsumeResult carries everything the client needs to receive the
	// consumer's media.
	ConsumeResult struct {
		ID            string        `json:"id"`
		ProducerID    string        `json:"producerId"`
		Kind          MediaKind     `json:"kind"`
		RTPParameters RTPParameters `json:"rtpParameters"`
	}

	// ResumeConsumerResult acknowledges a resume.
	ResumeConsumerResult struct {
		Resumed bool `json:"resumed"`
	}

	// ProducerEntry is one element of a listProducers reply.
	ProducerEntry struct {
		ProducerID string `json:"producerId"`
		ClientID   string `json:"clientId"`
	}

	// StartBroadcastResult reports the joined stream and whether a recorder
	// is attached.
	StartBroadcastResult struct {
		Success     bool   `json:"success"`
		StreamKey   string `json:"streamKey"`
		PlaybackURL string `json:"playbackUrl"`
		Recording   bool   `json:"recording"`
	}

	// StopBroadcastResult acknowledges leaving a stream.
	StopBroadcastResult struct {
		Success bool `json:"success"`
	}

	// StreamEntry is one element of a listStreams reply.
	StreamEntry struct {
		StreamKey   string   `json:"streamKey"`
		PlaybackURL string   `json:"playbackUrl"`
		Members     []string `json:"members"`
		IsLive      bool     `json:"isLive"`
	}
)

// Event payloads.
type (
	// WelcomeEvent tells a client its assigned connection id.
	WelcomeEvent struct {
		ClientID string `json:"clientId"`
	}

	// NewProducerEvent announces another client's producer.
	NewProducerEvent struct {
		ProducerID string `json:"producerId"`
		ClientID   string `json:"clientId"`
	}

	// ProducerClosedEvent announces that a producer is gone.
	ProducerClosedEvent struct {
		ProducerID string `json:"producerId"`
	}

	// StreamLiveEvent announces that a stream started recording.
	StreamLiveEvent struct {
		StreamKey   string   `json:"streamKey"`
		PlaybackURL string   `json:"playbackUrl"`
		Members     []string `json:"members"`
	}

	// StreamEndedEvent announces that a stream stopped recording.
	StreamEndedEvent struct {
		StreamKey string `json:"streamKey"`
	}

	// TransportOfferEvent carries a server-initiated renegotiation offer
	// for a consuming transport.
	TransportOfferEvent struct {
		TransportID string             `json:"transportId"`
		SDP         SessionDescription `json:"sdp"`
	}
)
