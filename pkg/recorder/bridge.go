// Package recorder implements the RTP-to-HLS recording bridge: a passive
// engine tap feeding an external segmenting encoder. The bridge owns the
// tap transport, the tap consumer and the encoder subprocess, sequences
// their startup and tears all three down together.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/relaycast/relaycast/pkg/engine"
	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/protocol"
)

// Bridge states.
const (
	StateIdle            = "idle"
	StateTapCreated      = "tap_created"
	StateAwaitingEncoder = "awaiting_encoder"
	StateConnected       = "connected"
	StateRecording       = "recording"
	StateStopped         = "stopped"
)

// TapEngine is the slice of the engine surface the bridge needs.
// engine.Engine satisfies it.
type TapEngine interface {
	OpenPassiveTap(ctx context.Context) (*engine.TapInfo, error)
	TapConsume(ctx context.Context, tapID, producerID string) (*engine.TapConsumerInfo, error)
	ConnectTap(ctx context.Context, tapID string, destPort int) error
	ResumeTap(ctx context.Context, tapID string) error
	CloseTap(tapID string) error
}

// Config parameterizes a bridge.
type Config struct {
	StreamKey  string
	ProducerID string

	// HLSRoot is the directory under which per-stream output directories
	// are created.
	HLSRoot string

	SegmentSeconds int
	WindowSize     int

	// ReadyTimeout bounds the wait for the encoder's readiness signal.
	ReadyTimeout time.Duration

	// OnExit is invoked once, after teardown, if the encoder dies on its
	// own while recording. Never invoked for startup failures or Stop.
	OnExit func()

	// Mirror, when non-nil, is started once recording begins and stopped
	// during teardown.
	Mirror *Mirror

	Logger logging.Logger
}

// Bridge stitches one producer's RTP to one encoder subprocess.
type Bridge struct {
	cfg      Config
	eng      TapEngine
	launcher Launcher
	logger   logging.Logger

	mu      sync.Mutex
	machine *fsm.FSM
	tapID   string
	process Process
	stopped bool
}

// New creates an idle bridge. Start must be called to bring it up.
func New(eng TapEngine, launcher Launcher, cfg Config) *Bridge {
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 2
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 6
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	return &Bridge{
		cfg:      cfg,
		eng:      eng,
		launcher: launcher,
		logger: logging.OrNop(cfg.Logger).With(
			"streamKey", cfg.StreamKey, "producerId", cfg.ProducerID),
		machine: fsm.NewFSM(
			StateIdle,
			fsm.Events{
				{Name: "create_tap", Src: []string{StateIdle}, Dst: StateTapCreated},
				{Name: "launch", Src: []string{StateTapCreated}, Dst: StateAwaitingEncoder},
				{Name: "connect", Src: []string{StateAwaitingEncoder}, Dst: StateConnected},
				{Name: "record", Src: []string{StateConnected}, Dst: StateRecording},
				{Name: "stop", Src: []string{
					StateIdle, StateTapCreated, StateAwaitingEncoder, StateConnected, StateRecording,
				}, Dst: StateStopped},
			},
			fsm.Callbacks{},
		),
	}
}

// Start brings the pipeline up in strict order: tap and paused consumer
// first, then the encoder; tap connect and consumer resume wait until the
// encoder signals readiness. Resuming before the sink is
// listening would drop the first frames, so the order is not negotiable.
// Any failure tears everything down and returns a recorder-start-failed
// error; the bridge ends up stopped and a later start for the same key can
// retry with a fresh bridge.
func (b *Bridge) Start(ctx context.Context) error {
	tap, err := b.eng.OpenPassiveTap(ctx)
	if err != nil {
		b.fail()
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "open tap: %v", err)
	}
	b.mu.Lock()
	b.tapID = tap.ID
	b.mu.Unlock()
	b.event("create_tap")

	tapConsumer, err := b.eng.TapConsume(ctx, tap.ID, b.cfg.ProducerID)
	if err != nil {
		b.fail()
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "tap consume: %v", err)
	}

	outputDir := filepath.Join(b.cfg.HLSRoot, b.cfg.StreamKey)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		b.fail()
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "create output dir: %v", err)
	}

	encoderPort, err := FreeUDPPort()
	if err != nil {
		b.fail()
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "allocate encoder port: %v", err)
	}

	proc, err := b.launcher.Start(ctx, Job{
		StreamKey:      b.cfg.StreamKey,
		OutputDir:      outputDir,
		ListenPort:     encoderPort,
		RTPParameters:  tapConsumer.RTPParameters,
		SegmentSeconds: b.cfg.SegmentSeconds,
		WindowSize:     b.cfg.WindowSize,
	})
	if err != nil {
		b.fail()
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "launch encoder: %v", err)
	}
	b.mu.Lock()
	b.process = proc
	b.mu.Unlock()
	b.event("launch")
	b.logger.Debug("encoder launched", "port", encoderPort, "dir", outputDir)

	select {
	case <-proc.Ready():
	case err := <-proc.Done():
		b.fail()
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "encoder exited during startup: %v", err)
	case <-time.After(b.cfg.ReadyTimeout):
		b.fail()
		return protocol.Errorf(protocol.CodeRecorderStartFailed,
			"encoder not ready after %s", b.cfg.ReadyTimeout)
	case <-ctx.Done():
		b.fail()
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "start canceled: %v", ctx.Err())
	}

	if err := b.eng.ConnectTap(ctx, tap.ID, encoderPort); err != nil {
		b.fail()
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "connect tap: %v", err)
	}
	b.event("connect")

	if err := b.eng.ResumeTap(ctx, tap.ID); err != nil {
		b.fail()
		return protocol.Errorf(protocol.CodeRecorderStartFailed, "resume tap: %v", err)
	}
	b.event("record")

	if b.cfg.Mirror != nil {
		b.cfg.Mirror.Start()
	}
	go b.watch(proc)

	b.logger.Info("recording started", "playback", b.PlaybackPath())
	return nil
}

// watch waits for the encoder to exit on its own. Stop closes the process
// too, but then the stopped flag is already set and the exit is not
// reported upward.
func (b *Bridge) watch(proc Process) {
	err := <-proc.Done()
	b.mu.Lock()
	alreadyStopped := b.stopped
	b.mu.Unlock()
	if alreadyStopped {
		return
	}
	b.logger.Warn("encoder exited while recording", "error", err)
	b.Stop()
	if b.cfg.OnExit != nil {
		b.cfg.OnExit()
	}
}

// Stop tears the pipeline down: encoder first, then the tap (consumer and
// endpoint together). Repeated calls are no-ops.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	proc := b.process
	tapID := b.tapID
	mirror := b.cfg.Mirror
	b.mu.Unlock()

	if proc != nil {
		proc.Stop()
	}
	if tapID != "" {
		if err := b.eng.CloseTap(tapID); err != nil {
			b.logger.Debug("close tap", "error", err)
		}
	}
	if mirror != nil {
		mirror.Stop()
	}
	b.event("stop")
	b.logger.Info("recording stopped")
}

// fail is teardown for startup errors.
func (b *Bridge) fail() {
	b.Stop()
}

// IsActive reports whether the bridge is recording.
func (b *Bridge) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine.Current() == StateRecording
}

// State returns the current bridge state.
func (b *Bridge) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine.Current()
}

// PlaybackPath returns the path the playlist is served under.
func (b *Bridge) PlaybackPath() string {
	return fmt.Sprintf("/hls/%s/index.m3u8", b.cfg.StreamKey)
}

// ProducerID returns the tap source producer.
func (b *Bridge) ProducerID() string {
	return b.cfg.ProducerID
}

// StreamKey returns the stream this bridge records.
func (b *Bridge) StreamKey() string {
	return b.cfg.StreamKey
}

// event drives the state machine; transitions are precomputed by the start
// and stop paths, so a rejected event is a programming error worth logging.
func (b *Bridge) event(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.machine.Event(context.Background(), name); err != nil {
		b.logger.Debug("state transition rejected", "event", name, "state", b.machine.Current())
	}
}
