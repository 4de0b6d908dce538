// Package stream tracks named broadcast groups: which clients opted in,
// whether a recording bridge is attached, and when recording starts and
// stops. Each group moves through absent → active → recording → absent;
// every check-then-act sequence runs inside a per-stream-key critical
// section so concurrent requests can never double-start a recorder.
package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/metrics"
	"github.com/relaycast/relaycast/pkg/protocol"
	"github.com/relaycast/relaycast/pkg/registry"
)

// Recorder is the recording bridge surface the manager drives. Stop must be
// idempotent.
type Recorder interface {
	Stop()
	IsActive() bool
	PlaybackPath() string
	ProducerID() string
}

// RecorderFactory builds and starts a recording bridge for a stream key and
// source producer. onExit is invoked once if the bridge dies on its own
// after a successful start.
type RecorderFactory func(ctx context.Context, streamKey, producerID string, onExit func()) (Recorder, error)

// Notifier fans events out to connected clients. Implemented by the
// signaling hub.
type Notifier interface {
	Broadcast(msg *protocol.ServerMessage)
	BroadcastExcept(clientID string, msg *protocol.ServerMessage)
}

type group struct {
	mu       sync.Mutex
	key      string
	members  map[string]struct{}
	recorder Recorder
}

func (g *group) memberList() []string {
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Manager owns the stream group table.
type Manager struct {
	logger   logging.Logger
	registry *registry.Registry
	notifier Notifier
	factory  RecorderFactory

	mu     sync.Mutex
	groups map[string]*group
}

// NewManager creates a manager with no groups.
func NewManager(reg *registry.Registry, notifier Notifier, factory RecorderFactory, logger logging.Logger) *Manager {
	return &Manager{
		logger:   logging.OrNop(logger),
		registry: reg,
		notifier: notifier,
		factory:  factory,
		groups:   make(map[string]*group),
	}
}

// PlaybackPath returns the playlist path for a stream key. Valid whether or
// not the stream is currently recording.
func PlaybackPath(streamKey string) string {
	return fmt.Sprintf("/hls/%s/index.m3u8", streamKey)
}

func (m *Manager) getOrCreate(key string) *group {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key]
	if !ok {
		g = &group{key: key, members: make(map[string]struct{})}
		m.groups[key] = g
		metrics.StreamsActive.Inc()
	}
	return g
}

func (m *Manager) get(key string) (*group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key]
	return g, ok
}

// deleteGroup drops the group from the table if it is still the registered
// one and still empty. The caller holds g.mu.
func (m *Manager) deleteGroup(g *group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.groups[g.key]; ok && current == g && len(g.members) == 0 {
		delete(m.groups, g.key)
		metrics.StreamsActive.Dec()
	}
}

// StartBroadcast opts the client into the stream group for the key,
// creating the group if needed; an empty key gets a generated one. If a
// video producer exists and no recorder is attached yet, a recorder is
// attached and streamLive is broadcast. A recorder failure leaves the group
// active with the member added and returns the error.
func (m *Manager) StartBroadcast(ctx context.Context, clientID, streamKey string) (*protocol.StartBroadcastResult, error) {
	if streamKey == "" {
		streamKey = uuid.NewString()
	}

	// Re-check after locking: the group can be deleted between the table
	// lookup and acquiring its lock when the last member leaves concurrently.
	var g *group
	for {
		g = m.getOrCreate(streamKey)
		g.mu.Lock()
		if current, ok := m.get(streamKey); ok && current == g {
			break
		}
		g.mu.Unlock()
	}
	defer g.mu.Unlock()
	g.members[clientID] = struct{}{}

	err := m.attachRecorderLocked(ctx, g)
	result := &protocol.StartBroadcastResult{
		Success:     err == nil,
		StreamKey:   streamKey,
		PlaybackURL: PlaybackPath(streamKey),
		Recording:   g.recorder != nil,
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attachRecorderLocked attaches a recorder to the group when one is not
// attached and a video producer is available. The caller holds g.mu; that
// lock is the per-key critical section keeping check and act atomic.
func (m *Manager) attachRecorderLocked(ctx context.Context, g *group) error {
	if g.recorder != nil {
		return nil
	}
	source, ok := m.registry.FirstVideoProducer()
	if !ok {
		return nil
	}

	key := g.key
	rec, err := m.factory(ctx, key, source.ID, func() { m.detachRecorder(key) })
	if err != nil {
		metrics.RecorderFailuresTotal.Inc()
		m.logger.Error("recorder attach failed",
			"streamKey", key, "producerId", source.ID, "error", err)
		return err
	}
	g.recorder = rec
	metrics.RecorderStartsTotal.Inc()
	metrics.RecordersActive.Inc()
	m.logger.Info("stream recording",
		"streamKey", key, "producerId", source.ID, "members", len(g.members))
	m.notifier.Broadcast(protocol.Event(protocol.EventStreamLive, protocol.StreamLiveEvent{
		StreamKey:   key,
		PlaybackURL: rec.PlaybackPath(),
		Members:     g.memberList(),
	}))
	return nil
}

// StopBroadcast removes the client from the group. When the last member
// leaves, any attached recorder is stopped and the group is deleted.
func (m *Manager) StopBroadcast(clientID, streamKey string) error {
	g, ok := m.get(streamKey)
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "stream %s not found", streamKey)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, member := g.members[clientID]; !member {
		return protocol.Errorf(protocol.CodeNotFound,
			"client %s is not a member of stream %s", clientID, streamKey)
	}
	delete(g.members, clientID)
	if len(g.members) > 0 {
		return nil
	}

	m.stopRecorderLocked(g)
	m.deleteGroup(g)
	m.logger.Info("stream group removed", "streamKey", streamKey)
	return nil
}

// stopRecorderLocked stops and detaches the group's recorder, broadcasting
// streamEnded. The caller holds g.mu.
func (m *Manager) stopRecorderLocked(g *group) {
	if g.recorder == nil {
		return
	}
	g.recorder.Stop()
	g.recorder = nil
	metrics.RecordersActive.Dec()
	m.notifier.Broadcast(protocol.Event(protocol.EventStreamEnded, protocol.StreamEndedEvent{
		StreamKey: g.key,
	}))
}

// HandleDisconnect runs an implicit stopBroadcast for every group the
// client belongs to.
func (m *Manager) HandleDisconnect(clientID string) {
	m.mu.Lock()
	groups := make([]*group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		g.mu.Lock()
		if _, member := g.members[clientID]; !member {
			g.mu.Unlock()
			continue
		}
		delete(g.members, clientID)
		if len(g.members) == 0 {
			m.stopRecorderLocked(g)
			m.deleteGroup(g)
			m.logger.Info("stream group removed", "streamKey", g.key, "clientId", clientID)
		}
		g.mu.Unlock()
	}
}

// HandleProducerAdded attaches recorders reactively: a group created before
// any video producer existed starts recording as soon as one appears.
// Attach failures are logged, not surfaced; the next startBroadcast retries.
func (m *Manager) HandleProducerAdded(ctx context.Context) {
	m.mu.Lock()
	groups := make([]*group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		g.mu.Lock()
		if len(g.members) > 0 {
			_ = m.attachRecorderLocked(ctx, g)
		}
		g.mu.Unlock()
	}
}

// HandleProducerClosed stops any recorder whose tap source is the closed
// producer. The group keeps its members and returns to the non-recording
// state; a later producer can bring it live again.
func (m *Manager) HandleProducerClosed(producerID string) {
	m.mu.Lock()
	groups := make([]*group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		g.mu.Lock()
		if g.recorder != nil && g.recorder.ProducerID() == producerID {
			m.logger.Info("recorder source closed", "streamKey", g.key, "producerId", producerID)
			m.stopRecorderLocked(g)
		}
		g.mu.Unlock()
	}
}

// detachRecorder handles a bridge that died on its own (encoder crash):
// the recorder is detached and streamEnded broadcast, members are kept.
func (m *Manager) detachRecorder(streamKey string) {
	g, ok := m.get(streamKey)
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recorder == nil || g.recorder.IsActive() {
		return
	}
	m.logger.Warn("recorder exited", "streamKey", streamKey)
	m.stopRecorderLocked(g)
}

// ListStreams returns a discovery entry per group.
func (m *Manager) ListStreams() []protocol.StreamEntry {
	m.mu.Lock()
	groups := make([]*group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	entries := make([]protocol.StreamEntry, 0, len(groups))
	for _, g := range groups {
		g.mu.Lock()
		entries = append(entries, protocol.StreamEntry{
			StreamKey:   g.key,
			PlaybackURL: PlaybackPath(g.key),
			Members:     g.memberList(),
			IsLive:      g.recorder != nil && g.recorder.IsActive(),
		})
		g.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StreamKey < entries[j].StreamKey })
	return entries
}

// IsRecording reports whether the key has an attached, active recorder.
func (m *Manager) IsRecording(streamKey string) bool {
	g, ok := m.get(streamKey)
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recorder != nil && g.recorder.IsActive()
}
