// Package signal is the signaling protocol handler: it upgrades client
// connections, maps each request onto registry and engine operations, and
// replies with exactly one ack or error per request. Events (new producer,
// stream live, transport offers) fan out through the hub.
package signal

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaycast/relaycast/pkg/engine"
	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/metrics"
	"github.com/relaycast/relaycast/pkg/protocol"
	"github.com/relaycast/relaycast/pkg/registry"
	"github.com/relaycast/relaycast/pkg/stream"
)

// Handler wires the signaling surface to the engine, registry and stream
// manager.
type Handler struct {
	engine   engine.Engine
	registry *registry.Registry
	streams  *stream.Manager
	hub      *Hub
	logger   logging.Logger
	upgrader websocket.Upgrader

	// baseCtx parents every request; Shutdown cancels it so in-flight
	// engine calls abort instead of outliving the server.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a handler and registers the engine's renegotiation callback
// so server offers reach the right client as transportOffer events.
func New(eng engine.Engine, reg *registry.Registry, streams *stream.Manager, hub *Hub, logger logging.Logger) *Handler {
	baseCtx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		engine:   eng,
		registry: reg,
		streams:  streams,
		hub:      hub,
		logger:   logging.OrNop(logger),
		baseCtx:  baseCtx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from arbitrary origins; auth is out of scope
			// at this layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	eng.OnRenegotiationNeeded(func(clientID, transportID string, offer protocol.SessionDescription) {
		h.hub.SendTo(clientID, protocol.Event(protocol.EventTransportOffer, protocol.TransportOfferEvent{
			TransportID: transportID,
			SDP:         offer,
		}))
	})
	return h
}

// HandleWS upgrades the connection and runs the client until it
// disconnects.
func (h *Handler) HandleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.NewString(), conn, h, h.logger)
	h.registry.AddClient(client.ID)
	h.hub.register(client)

	client.logger.Info("client connected", "remote", conn.RemoteAddr().String())
	client.Send(protocol.Event(protocol.EventWelcome, protocol.WelcomeEvent{ClientID: client.ID}))

	go client.writePump()
	go client.taskPump()
	client.readPump()

	// readPump returned: the connection is gone.
	h.disconnect(client)
}

// dispatch applies one request and sends its reply. Failures never escape:
// every error, including a recovered panic, becomes an error reply when the
// request carries an id.
func (h *Handler) dispatch(c *Client, env protocol.Envelope) {
	var (
		data interface{}
		err  error
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("handler panic", "type", env.Type, "panic", r)
				err = protocol.Errorf(protocol.CodeInternal, "internal error handling %s", env.Type)
			}
		}()
		data, err = h.handle(c, env)
	}()

	status := "ok"
	if err != nil {
		status = protocol.FromError(err).Code
	}
	metrics.RequestsTotal.WithLabelValues(env.Type, status).Inc()

	if env.ID == "" {
		if err != nil {
			c.logger.Warn("fire-and-forget message failed", "type", env.Type, "error", err)
		}
		return
	}
	if err != nil {
		c.Send(protocol.ErrorReply(env.ID, err))
		return
	}
	c.Send(protocol.Ack(env.ID, data))
}

// Shutdown cancels the context requests run under. Operations dispatched
// afterwards fail fast instead of starting new engine work.
func (h *Handler) Shutdown() {
	h.cancel()
}

func (h *Handler) handle(c *Client, env protocol.Envelope) (interface{}, error) {
	ctx := h.baseCtx
	switch env.Type {
	case protocol.MsgGetRouterRtpCapabilities:
		return h.handleGetCapabilities(ctx, c)
	case protocol.MsgSetRtpCapabilities:
		return h.handleSetCapabilities(c, env.Data)
	case protocol.MsgCreateProducerTransport:
		return h.handleCreateTransport(ctx, c, protocol.TransportRoleProducing)
	case protocol.MsgCreateConsumerTransport:
		return h.handleCreateTransport(ctx, c, protocol.TransportRoleConsuming)
	case protocol.MsgConnectProducerTransport:
		return h.handleConnectTransport(ctx, c, protocol.TransportRoleProducing, env.Data)
	case protocol.MsgConnectConsumerTransport:
		return h.handleConnectTransport(ctx, c, protocol.TransportRoleConsuming, env.Data)
	case protocol.MsgProduce:
		return h.handleProduce(ctx, c, env.Data)
	case protocol.MsgCloseProducer:
		return h.handleCloseProducer(c)
	case protocol.MsgConsume:
		return h.handleConsume(ctx, c, env.Data)
	case protocol.MsgResumeConsumer:
		return h.handleResumeConsumer(ctx, c, env.Data)
	case protocol.MsgListProducers:
		return h.handleListProducers(c)
	case protocol.MsgStartBroadcast:
		return h.handleStartBroadcast(ctx, c, env.Data)
	case protocol.MsgStopBroadcast:
		return h.handleStopBroadcast(c, env.Data)
	case protocol.MsgListStreams:
		return h.streams.ListStreams(), nil
	default:
		return nil, protocol.Errorf(protocol.CodeBadRequest, "unknown message type %q", env.Type)
	}
}

func (h *Handler) handleGetCapabilities(ctx context.Context, c *Client) (interface{}, error) {
	caps, err := h.engine.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	c.markRouterCapsSent()
	return caps, nil
}

func (h *Handler) handleSetCapabilities(c *Client, data json.RawMessage) (interface{}, error) {
	if !c.routerCapsSent() {
		return nil, protocol.Errorf(protocol.CodePreconditionFailed,
			"getRouterRtpCapabilities must be called before setRtpCapabilities")
	}
	var payload protocol.SetRtpCapabilitiesData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "invalid setRtpCapabilities payload: %v", err)
	}
	if len(payload.RTPCapabilities.Codecs) == 0 {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "rtpCapabilities must list at least one codec")
	}
	c.setRecvCaps(payload.RTPCapabilities)
	return nil, nil
}

func (h *Handler) handleCreateTransport(ctx context.Context, c *Client, role protocol.TransportRole) (interface{}, error) {
	info, err := h.engine.CreateTransport(ctx, c.ID, role)
	if err != nil {
		return nil, err
	}
	rec := registry.TransportRecord{ID: info.ID, Role: role, ClientID: c.ID}
	if err := h.registry.PutTransport(rec); err != nil {
		// A live record for this role already exists: release the fresh
		// engine transport and surface the conflict.
		_ = h.engine.CloseTransport(info.ID)
		return nil, err
	}
	return protocol.TransportCreatedData{ID: info.ID, ICEServers: info.ICEServers}, nil
}

func (h *Handler) handleConnectTransport(ctx context.Context, c *Client, role protocol.TransportRole, data json.RawMessage) (interface{}, error) {
	rec, err := h.registry.Transport(c.ID, role)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodePreconditionFailed,
			"no %s transport; create it before connecting", role)
	}
	var payload protocol.ConnectTransportData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "invalid connect payload: %v", err)
	}
	if payload.DTLSParameters.SDP == "" {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "dtlsParameters.sdp is required")
	}
	answer, err := h.engine.ConnectTransport(ctx, rec.ID, payload.DTLSParameters)
	if err != nil {
		return nil, err
	}
	return protocol.TransportConnectedData{Connected: true, Answer: answer}, nil
}

func (h *Handler) handleProduce(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	rec, err := h.registry.Transport(c.ID, protocol.TransportRoleProducing)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodePreconditionFailed,
			"no producing transport; create one before produce")
	}
	var payload protocol.ProduceData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "invalid produce payload: %v", err)
	}
	if !payload.Kind.Valid() {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "unknown media kind %q", payload.Kind)
	}

	info, err := h.engine.Produce(ctx, rec.ID, payload.Kind, payload.RTPParameters)
	if err != nil {
		return nil, err
	}
	if err := h.registry.PutProducer(registry.ProducerRecord{
		ID: info.ID, Kind: payload.Kind, ClientID: c.ID,
	}); err != nil {
		_ = h.engine.CloseProducer(info.ID)
		return nil, err
	}

	h.hub.BroadcastExcept(c.ID, protocol.Event(protocol.EventNewProducer, protocol.NewProducerEvent{
		ProducerID: info.ID,
		ClientID:   c.ID,
	}))
	if payload.Kind == protocol.MediaKindVideo {
		h.streams.HandleProducerAdded(ctx)
	}
	c.logger.Info("producer created", "producerId", info.ID, "kind", string(payload.Kind))
	return protocol.ProduceResult{ID: info.ID}, nil
}

func (h *Handler) handleCloseProducer(c *Client) (interface{}, error) {
	rec, err := h.registry.RemoveProducer(c.ID)
	if err != nil {
		return nil, err
	}
	h.closeProducer(rec, c.ID)
	return protocol.CloseProducerResult{Closed: true}, nil
}

// closeProducer releases a producer, sweeps consumers referencing it across
// all clients, lets the stream manager react, and announces the closure.
func (h *Handler) closeProducer(rec registry.ProducerRecord, ownerID string) {
	_ = h.engine.CloseProducer(rec.ID)
	for _, consumer := range h.registry.RemoveConsumersForProducer(rec.ID) {
		_ = h.engine.CloseConsumer(consumer.ID)
	}
	h.streams.HandleProducerClosed(rec.ID)
	h.hub.BroadcastExcept(ownerID, protocol.Event(protocol.EventProducerClosed, protocol.ProducerClosedEvent{
		ProducerID: rec.ID,
	}))
}

func (h *Handler) handleConsume(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	caps, ok := c.recvCapabilities()
	if !ok {
		return nil, protocol.Errorf(protocol.CodePreconditionFailed,
			"setRtpCapabilities must be called before consume")
	}
	rec, err := h.registry.Transport(c.ID, protocol.TransportRoleConsuming)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodePreconditionFailed,
			"no consuming transport; create one before consume")
	}
	var payload protocol.ConsumeData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "invalid consume payload: %v", err)
	}
	if payload.ProducerID == "" {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "producerId is required")
	}

	info, err := h.engine.Consume(ctx, rec.ID, payload.ProducerID, caps)
	if err != nil {
		return nil, err
	}
	if err := h.registry.PutConsumer(registry.ConsumerRecord{
		ID: info.ID, ProducerID: info.ProducerID, ClientID: c.ID, Paused: true,
	}); err != nil {
		_ = h.engine.CloseConsumer(info.ID)
		return nil, err
	}
	return protocol.ConsumeResult{
		ID:            info.ID,
		ProducerID:    info.ProducerID,
		Kind:          info.Kind,
		RTPParameters: info.RTPParameters,
	}, nil
}

func (h *Handler) handleResumeConsumer(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var payload protocol.ResumeConsumerData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "invalid resumeConsumer payload: %v", err)
	}
	if _, err := h.registry.Consumer(c.ID, payload.ConsumerID); err != nil {
		return nil, err
	}
	if err := h.engine.ResumeConsumer(ctx, payload.ConsumerID); err != nil {
		return nil, err
	}
	if err := h.registry.SetConsumerPaused(c.ID, payload.ConsumerID, false); err != nil {
		return nil, err
	}
	return protocol.ResumeConsumerResult{Resumed: true}, nil
}

func (h *Handler) handleListProducers(c *Client) (interface{}, error) {
	records := h.registry.ListProducersExcluding(c.ID)
	entries := make([]protocol.ProducerEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, protocol.ProducerEntry{ProducerID: rec.ID, ClientID: rec.ClientID})
	}
	return entries, nil
}

func (h *Handler) handleStartBroadcast(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var payload protocol.StartBroadcastData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, protocol.Errorf(protocol.CodeBadRequest, "invalid startBroadcast payload: %v", err)
		}
	}
	result, err := h.streams.StartBroadcast(ctx, c.ID, payload.StreamKey)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (h *Handler) handleStopBroadcast(c *Client, data json.RawMessage) (interface{}, error) {
	var payload protocol.StopBroadcastData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "invalid stopBroadcast payload: %v", err)
	}
	if payload.StreamKey == "" {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "streamKey is required")
	}
	if err := h.streams.StopBroadcast(c.ID, payload.StreamKey); err != nil {
		return nil, err
	}
	return protocol.StopBroadcastResult{Success: true}, nil
}

// disconnect releases everything the client owned. Order matters: engine
// resources first, then stream membership (which may stop a recorder), then
// the producer-gone announcements to surviving peers.
func (h *Handler) disconnect(c *Client) {
	c.close()

	removed := h.registry.RemoveAllForClient(c.ID)
	for _, consumer := range removed.Consumers {
		_ = h.engine.CloseConsumer(consumer.ID)
	}
	if removed.Producer != nil {
		_ = h.engine.CloseProducer(removed.Producer.ID)
		for _, consumer := range h.registry.RemoveConsumersForProducer(removed.Producer.ID) {
			_ = h.engine.CloseConsumer(consumer.ID)
		}
	}
	for _, transport := range removed.Transports {
		_ = h.engine.CloseTransport(transport.ID)
	}

	h.streams.HandleDisconnect(c.ID)

	if removed.Producer != nil {
		h.streams.HandleProducerClosed(removed.Producer.ID)
		h.hub.BroadcastExcept(c.ID, protocol.Event(protocol.EventProducerClosed, protocol.ProducerClosedEvent{
			ProducerID: removed.Producer.ID,
		}))
	}

	h.hub.unregister(c)
	c.logger.Info("client disconnected")
}
