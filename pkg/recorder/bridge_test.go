package recorder_test

import (
	"context"
	"errors"
	"fmt"
	. "github.com/relaycast/relaycast/pkg/recorder"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycast/relaycast/internal/test/mocks"
	"github.com/relaycast/relaycast/pkg/protocol"
)

func newTestBridge(t *testing.T, eng *mocks.MockEngine, launcher Launcher, onExit func()) *Bridge {
	t.Helper()
	return New(eng, launcher, Config{
		StreamKey:      "show",
		ProducerID:     "p1",
		HLSRoot:        t.TempDir(),
		SegmentSeconds: 2,
		WindowSize:     6,
		ReadyTimeout:   time.Second,
		OnExit:         onExit,
		Logger:         mocks.NewMockLogger(),
	})
}

// TestBridgeStartSequence tests the happy path and, critically, the startup
// order: the tap is connected only after encoder readiness, and resumed
// only after it is connected.
func TestBridgeStartSequence(t *testing.T) {
	eng := mocks.NewMockEngine()
	eng.AddProducer("p1", "alice", protocol.MediaKindVideo)
	launcher := mocks.NewMockLauncher()

	bridge := newTestBridge(t, eng, launcher, nil)
	require.NoError(t, bridge.Start(context.Background()))
	defer bridge.Stop()

	assert.Equal(t, StateRecording, bridge.State())
	assert.True(t, bridge.IsActive())
	assert.Equal(t, "/hls/show/index.m3u8", bridge.PlaybackPath())
	assert.Equal(t, "p1", bridge.ProducerID())

	ops := eng.GetTapOps()
	require.Len(t, ops, 4)
	assert.Contains(t, ops[0], "open:")
	assert.Contains(t, ops[1], ":p1")
	assert.Contains(t, ops[2], "connect:")
	assert.Contains(t, ops[3], "resume:")

	jobs := launcher.GetJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "show", jobs[0].StreamKey)
	assert.Equal(t, 2, jobs[0].SegmentSeconds)
	assert.Equal(t, 6, jobs[0].WindowSize)
	assert.NotZero(t, jobs[0].ListenPort)
	assert.Equal(t, "video/H264", jobs[0].RTPParameters.MimeType)
}

// TestBridgeEncoderExitsDuringStartup tests that an encoder dying before
// readiness fails the start and releases the tap.
func TestBridgeEncoderExitsDuringStartup(t *testing.T) {
	eng := mocks.NewMockEngine()
	eng.AddProducer("p1", "alice", protocol.MediaKindVideo)
	launcher := mocks.NewMockLauncher()
	launcher.StartFunc = func(job Job) (Process, error) {
		p := mocks.NewMockProcess()
		p.Exit(errors.New("exit status 1"))
		return p, nil
	}

	bridge := newTestBridge(t, eng, launcher, nil)
	err := bridge.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrRecorderStartFailed))
	assert.Equal(t, StateStopped, bridge.State())
	assert.False(t, bridge.IsActive())
	assert.Len(t, eng.GetClosedTaps(), 1)
}

// TestBridgeReadyTimeout tests that an encoder that never signals
// readiness fails the start within the bounded wait.
func TestBridgeReadyTimeout(t *testing.T) {
	eng := mocks.NewMockEngine()
	eng.AddProducer("p1", "alice", protocol.MediaKindVideo)
	launcher := mocks.NewMockLauncher()
	launcher.StartFunc = func(job Job) (Process, error) {
		return mocks.NewMockProcess(), nil
	}

	bridge := New(eng, launcher, Config{
		StreamKey:    "show",
		ProducerID:   "p1",
		HLSRoot:      t.TempDir(),
		ReadyTimeout: 50 * time.Millisecond,
		Logger:       mocks.NewMockLogger(),
	})
	err := bridge.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrRecorderStartFailed))
	assert.Equal(t, StateStopped, bridge.State())
	assert.Len(t, eng.GetClosedTaps(), 1)
}

// TestBridgeMissingProducer tests that a vanished tap source fails the
// start cleanly.
func TestBridgeMissingProducer(t *testing.T) {
	eng := mocks.NewMockEngine()
	launcher := mocks.NewMockLauncher()

	bridge := newTestBridge(t, eng, launcher, nil)
	err := bridge.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrRecorderStartFailed))
	assert.Len(t, eng.GetClosedTaps(), 1, "the opened tap is released on failure")
	assert.Empty(t, launcher.GetJobs(), "no encoder is launched without a source")
}

// TestBridgeStopIdempotent tests that repeated stops are no-ops.
func TestBridgeStopIdempotent(t *testing.T) {
	eng := mocks.NewMockEngine()
	eng.AddProducer("p1", "alice", protocol.MediaKindVideo)
	launcher := mocks.NewMockLauncher()

	bridge := newTestBridge(t, eng, launcher, nil)
	require.NoError(t, bridge.Start(context.Background()))

	bridge.Stop()
	bridge.Stop()
	bridge.Stop()

	assert.Equal(t, StateStopped, bridge.State())
	assert.Len(t, eng.GetClosedTaps(), 1, "the tap is closed exactly once")
	assert.True(t, launcher.LastProcess().Stopped())
}

// TestBridgeEncoderSelfExit tests the crash-while-recording path: the
// bridge stops itself and reports the exit upward exactly once.
func TestBridgeEncoderSelfExit(t *testing.T) {
	eng := mocks.NewMockEngine()
	eng.AddProducer("p1", "alice", protocol.MediaKindVideo)
	launcher := mocks.NewMockLauncher()

	exited := make(chan struct{})
	bridge := newTestBridge(t, eng, launcher, func() { close(exited) })
	require.NoError(t, bridge.Start(context.Background()))

	launcher.LastProcess().Exit(errors.New("segfault"))

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("exit callback was not invoked")
	}
	assert.Equal(t, StateStopped, bridge.State())
	assert.False(t, bridge.IsActive())
	assert.Len(t, eng.GetClosedTaps(), 1)
}

// TestBridgeStopDoesNotReportExit tests that a deliberate stop never fires
// the exit callback.
func TestBridgeStopDoesNotReportExit(t *testing.T) {
	eng := mocks.NewMockEngine()
	eng.AddProducer("p1", "alice", protocol.MediaKindVideo)
	launcher := mocks.NewMockLauncher()

	exited := make(chan struct{})
	bridge := newTestBridge(t, eng, launcher, func() { close(exited) })
	require.NoError(t, bridge.Start(context.Background()))

	bridge.Stop()

	select {
	case <-exited:
		t.Fatal("exit callback fired for a deliberate stop")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestBridgeRetryAfterFailure tests that a failed start leaves nothing
// behind that blocks a fresh bridge for the same key.
func TestBridgeRetryAfterFailure(t *testing.T) {
	eng := mocks.NewMockEngine()
	eng.AddProducer("p1", "alice", protocol.MediaKindVideo)
	root := t.TempDir()

	failing := mocks.NewMockLauncher()
	failing.StartFunc = func(job Job) (Process, error) {
		return nil, fmt.Errorf("ffmpeg not found")
	}
	first := New(eng, failing, Config{
		StreamKey: "show", ProducerID: "p1", HLSRoot: root,
		ReadyTimeout: time.Second, Logger: mocks.NewMockLogger(),
	})
	require.Error(t, first.Start(context.Background()))

	second := New(eng, mocks.NewMockLauncher(), Config{
		StreamKey: "show", ProducerID: "p1", HLSRoot: root,
		ReadyTimeout: time.Second, Logger: mocks.NewMockLogger(),
	})
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()
	assert.True(t, second.IsActive())
}

// TestBridgeOutputDir tests that the per-stream directory is created under
// the HLS root before the encoder starts.
func TestBridgeOutputDir(t *testing.T) {
	eng := mocks.NewMockEngine()
	eng.AddProducer("p1", "alice", protocol.MediaKindVideo)
	launcher := mocks.NewMockLauncher()
	root := t.TempDir()

	bridge := New(eng, launcher, Config{
		StreamKey: "show", ProducerID: "p1", HLSRoot: root,
		ReadyTimeout: time.Second, Logger: mocks.NewMockLogger(),
	})
	require.NoError(t, bridge.Start(context.Background()))
	defer bridge.Stop()

	jobs := launcher.GetJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, filepath.Join(root, "show"), jobs[0].OutputDir)
	assert.DirExists(t, jobs[0].OutputDir)
}
