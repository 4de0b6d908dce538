package mocks

import (
	"sync"

	"github.com/relaycast/relaycast/pkg/protocol"
)

// MockNotifier implements the stream manager's Notifier for testing,
// recording every broadcast message.
type MockNotifier struct {
	mu       sync.Mutex
	Messages []NotifierCall
}

type NotifierCall struct {
	Msg    *protocol.ServerMessage
	Except string
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (n *MockNotifier) Broadcast(msg *protocol.ServerMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Messages = append(n.Messages, NotifierCall{Msg: msg})
}

func (n *MockNotifier) BroadcastExcept(clientID string, msg *protocol.ServerMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Messages = append(n.Messages, NotifierCall{Msg: msg, Except: clientID})
}

// EventsOfType returns the recorded messages with the given type.
func (n *MockNotifier) EventsOfType(typ string) []*protocol.ServerMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*protocol.ServerMessage
	for _, call := range n.Messages {
		if call.Msg.Type == typ {
			out = append(out, call.Msg)
		}
	}
	return out
}

// CountOfType returns how many messages of the type were broadcast.
func (n *MockNotifier) CountOfType(typ string) int {
	return len(n.EventsOfType(typ))
}

// Reset clears recorded messages.
func (n *MockNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Messages = nil
}
