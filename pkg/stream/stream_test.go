package stream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycast/relaycast/internal/test/mocks"
	"github.com/relaycast/relaycast/pkg/protocol"
	"github.com/relaycast/relaycast/pkg/registry"
)

type fakeRecorder struct {
	key        string
	producerID string

	mu      sync.Mutex
	stopped bool
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

func (r *fakeRecorder) PlaybackPath() string { return PlaybackPath(r.key) }
func (r *fakeRecorder) ProducerID() string   { return r.producerID }

// fakeFactory builds fakeRecorders, counting calls and optionally failing.
type fakeFactory struct {
	mu         sync.Mutex
	err        error
	created    []*fakeRecorder
	lastOnExit func()
}

func (f *fakeFactory) create(ctx context.Context, streamKey, producerID string, onExit func()) (Recorder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec := &fakeRecorder{key: streamKey, producerID: producerID}
	f.created = append(f.created, rec)
	f.lastOnExit = onExit
	return rec, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *registry.Registry, *mocks.MockNotifier, *fakeFactory) {
	t.Helper()
	reg := registry.New()
	notifier := mocks.NewMockNotifier()
	factory := &fakeFactory{}
	mgr := NewManager(reg, notifier, factory.create, mocks.NewMockLogger())
	return mgr, reg, notifier, factory
}

func addVideoProducer(t *testing.T, reg *registry.Registry, clientID, producerID string) {
	t.Helper()
	reg.AddClient(clientID)
	require.NoError(t, reg.PutProducer(registry.ProducerRecord{
		ID: producerID, Kind: protocol.MediaKindVideo, ClientID: clientID,
	}))
}

// TestStartBroadcastWithoutProducer tests that a group without a video
// producer stays active and non-recording.
func TestStartBroadcastWithoutProducer(t *testing.T) {
	mgr, reg, notifier, factory := newTestManager(t)
	reg.AddClient("alice")

	result, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "show", result.StreamKey)
	assert.Equal(t, "/hls/show/index.m3u8", result.PlaybackURL)
	assert.False(t, result.Recording)
	assert.Equal(t, 0, factory.count())
	assert.Equal(t, 0, notifier.CountOfType(protocol.EventStreamLive))
}

// TestStartBroadcastGeneratesKey tests server-side key generation.
func TestStartBroadcastGeneratesKey(t *testing.T) {
	mgr, reg, _, _ := newTestManager(t)
	reg.AddClient("alice")

	result, err := mgr.StartBroadcast(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.StreamKey)
}

// TestReactiveRecorderAttach tests the group-first-producer-later path: the
// recorder attaches when the producer appears, and streamLive fires exactly
// once.
func TestReactiveRecorderAttach(t *testing.T) {
	mgr, reg, notifier, factory := newTestManager(t)
	reg.AddClient("alice")

	_, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.NoError(t, err)
	assert.False(t, mgr.IsRecording("show"))

	addVideoProducer(t, reg, "bob", "p1")
	mgr.HandleProducerAdded(context.Background())

	assert.True(t, mgr.IsRecording("show"))
	assert.Equal(t, 1, factory.count())
	assert.Equal(t, 1, notifier.CountOfType(protocol.EventStreamLive))

	// A second notification must not re-attach or re-announce.
	mgr.HandleProducerAdded(context.Background())
	assert.Equal(t, 1, factory.count())
	assert.Equal(t, 1, notifier.CountOfType(protocol.EventStreamLive))
}

// TestStartBroadcastIdempotentWhileRecording tests that joining a recording
// stream never creates a second recorder.
func TestStartBroadcastIdempotentWhileRecording(t *testing.T) {
	mgr, reg, notifier, factory := newTestManager(t)
	addVideoProducer(t, reg, "alice", "p1")

	result, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.NoError(t, err)
	assert.True(t, result.Recording)
	assert.Equal(t, 1, factory.count())

	reg.AddClient("bob")
	result, err = mgr.StartBroadcast(context.Background(), "bob", "show")
	require.NoError(t, err)
	assert.True(t, result.Recording)
	assert.Equal(t, 1, factory.count(), "second start must not attach a second recorder")
	assert.Equal(t, 1, notifier.CountOfType(protocol.EventStreamLive))
}

// TestStopBroadcastMembership tests that only the last member leaving stops
// the recorder and removes the group.
func TestStopBroadcastMembership(t *testing.T) {
	mgr, reg, notifier, factory := newTestManager(t)
	addVideoProducer(t, reg, "alice", "p1")
	reg.AddClient("bob")

	_, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.NoError(t, err)
	_, err = mgr.StartBroadcast(context.Background(), "bob", "show")
	require.NoError(t, err)

	require.NoError(t, mgr.StopBroadcast("alice", "show"))
	assert.True(t, factory.created[0].IsActive(), "non-last member must not stop the recorder")
	assert.Equal(t, 0, notifier.CountOfType(protocol.EventStreamEnded))

	require.NoError(t, mgr.StopBroadcast("bob", "show"))
	assert.False(t, factory.created[0].IsActive())
	assert.Equal(t, 1, notifier.CountOfType(protocol.EventStreamEnded))
	assert.Empty(t, mgr.ListStreams())

	// The group is gone; stopping again reports not found.
	err = mgr.StopBroadcast("bob", "show")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

// TestStopBroadcastNonMember tests that a non-member stop is rejected.
func TestStopBroadcastNonMember(t *testing.T) {
	mgr, reg, _, _ := newTestManager(t)
	reg.AddClient("alice")
	_, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.NoError(t, err)

	err = mgr.StopBroadcast("mallory", "show")
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

// TestRecorderFailureLeavesGroupActive tests that a bridge failure is
// surfaced without destroying the group, and a retry succeeds.
func TestRecorderFailureLeavesGroupActive(t *testing.T) {
	mgr, reg, notifier, factory := newTestManager(t)
	addVideoProducer(t, reg, "alice", "p1")
	factory.setErr(protocol.ErrRecorderStartFailed)

	_, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrRecorderStartFailed))

	// Group survives with the member; no live announcement went out.
	streams := mgr.ListStreams()
	require.Len(t, streams, 1)
	assert.Equal(t, []string{"alice"}, streams[0].Members)
	assert.False(t, streams[0].IsLive)
	assert.Equal(t, 0, notifier.CountOfType(protocol.EventStreamLive))

	factory.setErr(nil)
	result, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.NoError(t, err)
	assert.True(t, result.Recording)
}

// TestHandleDisconnect tests that a disconnect acts as an implicit stop for
// every group the client belongs to.
func TestHandleDisconnect(t *testing.T) {
	mgr, reg, notifier, factory := newTestManager(t)
	addVideoProducer(t, reg, "alice", "p1")
	reg.AddClient("bob")

	_, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.NoError(t, err)
	_, err = mgr.StartBroadcast(context.Background(), "bob", "show")
	require.NoError(t, err)
	_, err = mgr.StartBroadcast(context.Background(), "alice", "backstage")
	require.NoError(t, err)

	mgr.HandleDisconnect("alice")

	streams := mgr.ListStreams()
	require.Len(t, streams, 1, "alice's solo group is removed, the shared one stays")
	assert.Equal(t, "show", streams[0].StreamKey)
	assert.Equal(t, []string{"bob"}, streams[0].Members)
	assert.True(t, factory.created[0].IsActive())

	mgr.HandleDisconnect("bob")
	assert.Empty(t, mgr.ListStreams())
	assert.Equal(t, 2, notifier.CountOfType(protocol.EventStreamEnded))
}

// TestHandleProducerClosed tests that losing the tap source stops the
// recorder but keeps the group and its members.
func TestHandleProducerClosed(t *testing.T) {
	mgr, reg, notifier, factory := newTestManager(t)
	addVideoProducer(t, reg, "alice", "p1")

	_, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.NoError(t, err)
	require.True(t, mgr.IsRecording("show"))

	_, err = reg.RemoveProducer("alice")
	require.NoError(t, err)
	mgr.HandleProducerClosed("p1")

	assert.False(t, factory.created[0].IsActive())
	assert.Equal(t, 1, notifier.CountOfType(protocol.EventStreamEnded))

	streams := mgr.ListStreams()
	require.Len(t, streams, 1, "members are kept when only the source goes away")
	assert.False(t, streams[0].IsLive)

	// A new producer brings the same group live again.
	addVideoProducer(t, reg, "carol", "p2")
	mgr.HandleProducerAdded(context.Background())
	assert.True(t, mgr.IsRecording("show"))
	assert.Equal(t, 2, factory.count())
}

// TestRecorderSelfExit tests the bridge-died path: the exit callback
// detaches the recorder and announces the end, members stay.
func TestRecorderSelfExit(t *testing.T) {
	mgr, reg, notifier, factory := newTestManager(t)
	addVideoProducer(t, reg, "alice", "p1")

	_, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.NoError(t, err)

	// The bridge stops itself before invoking the callback.
	factory.created[0].Stop()
	factory.lastOnExit()

	assert.Equal(t, 1, notifier.CountOfType(protocol.EventStreamEnded))
	streams := mgr.ListStreams()
	require.Len(t, streams, 1)
	assert.False(t, streams[0].IsLive)

	// A retry for the same key attaches a fresh recorder.
	result, err := mgr.StartBroadcast(context.Background(), "alice", "show")
	require.NoError(t, err)
	assert.True(t, result.Recording)
	assert.Equal(t, 2, factory.count())
}

// TestListStreams tests the discovery listing shape.
func TestListStreams(t *testing.T) {
	mgr, reg, _, _ := newTestManager(t)
	reg.AddClient("alice")
	reg.AddClient("bob")

	_, err := mgr.StartBroadcast(context.Background(), "alice", "beta")
	require.NoError(t, err)
	_, err = mgr.StartBroadcast(context.Background(), "bob", "alpha")
	require.NoError(t, err)

	streams := mgr.ListStreams()
	require.Len(t, streams, 2)
	assert.Equal(t, "alpha", streams[0].StreamKey)
	assert.Equal(t, "beta", streams[1].StreamKey)
	assert.Equal(t, "/hls/alpha/index.m3u8", streams[0].PlaybackURL)
}

// TestConcurrentStartSingleRecorder tests the per-key critical section:
// many concurrent starts for the same key attach exactly one recorder.
func TestConcurrentStartSingleRecorder(t *testing.T) {
	mgr, reg, notifier, factory := newTestManager(t)
	addVideoProducer(t, reg, "alice", "p1")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.StartBroadcast(context.Background(), "alice", "show")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, factory.count())
	assert.Equal(t, 1, notifier.CountOfType(protocol.EventStreamLive))
}
