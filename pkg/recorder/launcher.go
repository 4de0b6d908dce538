package recorder

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/protocol"
)

// Job describes one encoder run: where to read RTP, where to write HLS.
type Job struct {
	StreamKey      string
	OutputDir      string
	ListenPort     int
	RTPParameters  protocol.RTPParameters
	SegmentSeconds int
	WindowSize     int
}

// Process is a running encoder. Ready closes once the process is accepting
// RTP on its listen port; Done delivers the exit error (nil on clean exit)
// exactly once. Stop is idempotent.
type Process interface {
	Ready() <-chan struct{}
	Done() <-chan error
	Stop()
}

// Launcher starts encoder processes. The production implementation runs
// ffmpeg; tests substitute a mock.
type Launcher interface {
	Start(ctx context.Context, job Job) (Process, error)
}

// FFmpegLauncher runs ffmpeg as the segmenting encoder: RTP in via a
// generated SDP file, HLS out with a sliding segment window.
type FFmpegLauncher struct {
	// Path is the ffmpeg binary. Empty means "ffmpeg" on PATH.
	Path string

	Logger logging.Logger
}

// Start writes the SDP input description, spawns ffmpeg and begins probing
// its RTP listen port for readiness.
func (l *FFmpegLauncher) Start(ctx context.Context, job Job) (Process, error) {
	logger := logging.OrNop(l.Logger)
	sdpPath := filepath.Join(job.OutputDir, "input.sdp")
	if err := os.WriteFile(sdpPath, []byte(buildSDP(job)), 0o644); err != nil {
		return nil, fmt.Errorf("write sdp: %w", err)
	}

	binary := l.Path
	if binary == "" {
		binary = "ffmpeg"
	}
	args := buildFFmpegArgs(sdpPath, job)
	cmd := exec.Command(binary, args...)
	cmd.Dir = job.OutputDir

	logger.Debug("starting encoder", "binary", binary, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	p := &ffmpegProcess{
		cmd:    cmd,
		ready:  make(chan struct{}),
		done:   make(chan error, 1),
		halt:   make(chan struct{}),
		logger: logger,
	}
	go p.wait()
	go p.probe(job.ListenPort)
	return p, nil
}

// buildFFmpegArgs assembles the HLS muxer invocation: copy the video
// elementary stream (no re-encode), short segments, bounded playlist with
// expired segments deleted.
func buildFFmpegArgs(sdpPath string, job Job) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
		"-c:v", "copy",
		"-an",
		"-f", "hls",
		"-hls_time", strconv.Itoa(job.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(job.WindowSize),
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_filename", filepath.Join(job.OutputDir, "segment_%05d.ts"),
		filepath.Join(job.OutputDir, "index.m3u8"),
	}
}

// buildSDP describes the tap's RTP stream so ffmpeg can bind and decode it.
func buildSDP(job Job) string {
	params := job.RTPParameters
	codec := mimeSubtype(params.MimeType)
	if codec == "" {
		codec = "H264"
	}
	clockRate := params.ClockRate
	if clockRate == 0 {
		clockRate = 90000
	}
	payloadType := params.PayloadType
	if payloadType == 0 {
		payloadType = 102
	}

	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 0 IN IP4 127.0.0.1\r\n")
	fmt.Fprintf(&b, "s=%s\r\n", job.StreamKey)
	b.WriteString("c=IN IP4 127.0.0.1\r\n")
	b.WriteString("t=0 0\r\n")
	fmt.Fprintf(&b, "m=video %d RTP/AVP %d\r\n", job.ListenPort, payloadType)
	fmt.Fprintf(&b, "a=rtpmap:%d %s/%d\r\n", payloadType, codec, clockRate)
	if strings.EqualFold(codec, "H264") {
		fmt.Fprintf(&b, "a=fmtp:%d packetization-mode=1\r\n", payloadType)
	}
	b.WriteString("a=recvonly\r\n")
	return b.String()
}

func mimeSubtype(mimeType string) string {
	if i := strings.IndexByte(mimeType, '/'); i >= 0 {
		return mimeType[i+1:]
	}
	return mimeType
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	ready  chan struct{}
	done   chan error
	halt   chan struct{}
	logger logging.Logger
}

func (p *ffmpegProcess) Ready() <-chan struct{} { return p.ready }
func (p *ffmpegProcess) Done() <-chan error     { return p.done }

func (p *ffmpegProcess) wait() {
	err := p.cmd.Wait()
	close(p.halt)
	p.done <- err
}

// probe polls until ffmpeg has bound its RTP listen port: once binding the
// port locally fails with address-in-use, the encoder owns it and is ready
// to receive. This replaces a fixed grace sleep with a real readiness
// signal.
func (p *ffmpegProcess) probe(port int) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.halt:
			return
		case <-ticker.C:
			if portBound(port) {
				close(p.ready)
				return
			}
		}
	}
}

// portBound reports whether something already listens on the loopback UDP
// port.
func portBound(port int) bool {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return true
	}
	_ = conn.Close()
	return false
}

// Stop asks ffmpeg to finalize the playlist (SIGINT) and kills it if it
// does not exit within a short deadline.
func (p *ffmpegProcess) Stop() {
	select {
	case <-p.halt:
		return
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
		return
	}
	select {
	case <-p.halt:
	case <-time.After(3 * time.Second):
		p.logger.Warn("encoder did not exit, killing")
		_ = p.cmd.Process.Kill()
	}
}

// FreeUDPPort asks the kernel for an unused loopback UDP port. The port is
// released before returning, so a small race with other binders exists; the
// readiness probe catches a loser early.
func FreeUDPPort() (int, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return 0, err
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return port, nil
}
