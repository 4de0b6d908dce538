package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/relaycast/relaycast/internal/test/mocks"
	"github.com/relaycast/relaycast/pkg/protocol"
	"github.com/relaycast/relaycast/pkg/registry"
	"github.com/relaycast/relaycast/pkg/stream"
)

// testFixture hosts a full signaling stack over a mock engine and a fake
// recorder factory.
type testFixture struct {
	t        *testing.T
	server   *httptest.Server
	engine   *mocks.MockEngine
	registry *registry.Registry
	streams  *stream.Manager
	hub      *Hub
	handler  *Handler
}

// fakeRecorder satisfies stream.Recorder for broadcast tests without an
// encoder subprocess.
type fakeRecorder struct {
	key        string
	producerID string
	mu         sync.Mutex
	stopped    bool
}

func (r *fakeRecorder) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *fakeRecorder) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.stopped
}

func (r *fakeRecorder) PlaybackPath() string { return stream.PlaybackPath(r.key) }
func (r *fakeRecorder) ProducerID() string   { return r.producerID }

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	eng := mocks.NewMockEngine()
	reg := registry.New()
	hub := NewHub(mocks.NewMockLogger())
	factory := func(ctx context.Context, streamKey, producerID string, onExit func()) (stream.Recorder, error) {
		return &fakeRecorder{key: streamKey, producerID: producerID}, nil
	}
	streams := stream.NewManager(reg, hub, factory, mocks.NewMockLogger())
	handler := New(eng, reg, streams, hub, mocks.NewMockLogger())

	router := gin.New()
	router.GET("/ws", handler.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testFixture{
		t:        t,
		server:   server,
		engine:   eng,
		registry: reg,
		streams:  streams,
		hub:      hub,
		handler:  handler,
	}
}

// serverMsg is the decoded wire shape used by test clients.
type serverMsg struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *protocol.Error `json:"error,omitempty"`
}

// testClient is a synchronous protocol client: one request in flight at a
// time, events buffered until asked for.
type testClient struct {
	t        *testing.T
	conn     *websocket.Conn
	ClientID string

	mu      sync.Mutex
	nextID  int
	replies map[string]chan serverMsg
	events  chan serverMsg
	pending []serverMsg
	closed  chan struct{}
}

func (f *testFixture) dial() *testClient {
	f.t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &testClient{
		t:       f.t,
		conn:    conn,
		replies: make(map[string]chan serverMsg),
		events:  make(chan serverMsg, 64),
		closed:  make(chan struct{}),
	}
	f.t.Cleanup(c.Close)
	go c.readLoop()

	welcome := c.waitEvent(protocol.EventWelcome)
	var data protocol.WelcomeEvent
	require.NoError(f.t, json.Unmarshal(welcome.Data, &data))
	c.ClientID = data.ClientID
	return c
}

func (c *testClient) readLoop() {
	for {
		var msg serverMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			close(c.closed)
			return
		}
		if msg.ID != "" && (msg.Type == protocol.MsgAck || msg.Type == protocol.MsgError) {
			c.mu.Lock()
			ch, ok := c.replies[msg.ID]
			delete(c.replies, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		c.events <- msg
	}
}

// request sends a request and waits for its reply.
func (c *testClient) request(msgType string, data interface{}) serverMsg {
	c.t.Helper()
	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("%d", c.nextID)
	ch := make(chan serverMsg, 1)
	c.replies[id] = ch
	c.mu.Unlock()

	require.NoError(c.t, c.conn.WriteJSON(map[string]interface{}{
		"type": msgType,
		"id":   id,
		"data": data,
	}))

	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		c.t.Fatalf("no reply to %s within deadline", msgType)
		return serverMsg{}
	}
}

// ack sends a request and requires a successful reply, decoding its data
// into out when non-nil.
func (c *testClient) ack(msgType string, data interface{}, out interface{}) {
	c.t.Helper()
	msg := c.request(msgType, data)
	require.Equal(c.t, protocol.MsgAck, msg.Type, "expected ack for %s, got error: %v", msgType, msg.Error)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(msg.Data, out))
	}
}

// fail sends a request and requires an error reply with the given code.
func (c *testClient) fail(msgType string, data interface{}, code string) {
	c.t.Helper()
	msg := c.request(msgType, data)
	require.Equal(c.t, protocol.MsgError, msg.Type, "expected error reply for %s", msgType)
	require.NotNil(c.t, msg.Error)
	require.Equal(c.t, code, msg.Error.Code)
}

// fire sends a message without an id; no reply is expected.
func (c *testClient) fire(msgType string, data interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]interface{}{
		"type": msgType,
		"data": data,
	}))
}

// waitEvent returns the next event of the given type, buffering others.
func (c *testClient) waitEvent(eventType string) serverMsg {
	c.t.Helper()
	c.mu.Lock()
	for i, msg := range c.pending {
		if msg.Type == eventType {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.mu.Unlock()
			return msg
		}
	}
	c.mu.Unlock()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-c.events:
			if msg.Type == eventType {
				return msg
			}
			c.mu.Lock()
			c.pending = append(c.pending, msg)
			c.mu.Unlock()
		case <-deadline:
			c.t.Fatalf("event %s not received within deadline", eventType)
			return serverMsg{}
		}
	}
}

// setup performs the standard capability handshake.
func (c *testClient) setup() {
	c.t.Helper()
	c.ack(protocol.MsgGetRouterRtpCapabilities, nil, nil)
	c.fire(protocol.MsgSetRtpCapabilities, protocol.SetRtpCapabilitiesData{
		RTPCapabilities: mocks.RouterCapabilities(),
	})
}

// produceVideo runs the producing-side handshake and returns the producer id.
func (c *testClient) produceVideo() string {
	c.t.Helper()
	c.ack(protocol.MsgCreateProducerTransport, nil, nil)
	c.ack(protocol.MsgConnectProducerTransport, protocol.ConnectTransportData{
		DTLSParameters: protocol.SessionDescription{Type: "offer", SDP: "client-offer"},
	}, nil)
	var result protocol.ProduceResult
	c.ack(protocol.MsgProduce, protocol.ProduceData{Kind: protocol.MediaKindVideo}, &result)
	return result.ID
}

func (c *testClient) Close() {
	_ = c.conn.Close()
	select {
	case <-c.closed:
	case <-time.After(time.Second):
	}
}
