package recorder

import (
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycast/relaycast/pkg/protocol"
)

func testJob(dir string) Job {
	return Job{
		StreamKey:      "show",
		OutputDir:      dir,
		ListenPort:     5004,
		RTPParameters:  protocol.RTPParameters{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000},
		SegmentSeconds: 2,
		WindowSize:     6,
	}
}

// TestBuildFFmpegArgs tests the HLS muxer invocation.
func TestBuildFFmpegArgs(t *testing.T) {
	job := testJob("/tmp/out")
	args := buildFFmpegArgs("/tmp/out/input.sdp", job)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-protocol_whitelist file,udp,rtp")
	assert.Contains(t, joined, "-i /tmp/out/input.sdp")
	assert.Contains(t, joined, "-c:v copy")
	assert.Contains(t, joined, "-hls_time 2")
	assert.Contains(t, joined, "-hls_list_size 6")
	assert.Contains(t, joined, "delete_segments")
	assert.Contains(t, joined, filepath.Join("/tmp/out", "segment_%05d.ts"))
	assert.Equal(t, filepath.Join("/tmp/out", "index.m3u8"), args[len(args)-1])
}

// TestBuildSDP tests the generated input description.
func TestBuildSDP(t *testing.T) {
	sdp := buildSDP(testJob("/tmp/out"))

	assert.Contains(t, sdp, "c=IN IP4 127.0.0.1")
	assert.Contains(t, sdp, "m=video 5004 RTP/AVP 102")
	assert.Contains(t, sdp, "a=rtpmap:102 H264/90000")
	assert.Contains(t, sdp, "a=fmtp:102 packetization-mode=1")
	assert.Contains(t, sdp, "a=recvonly")
}

// TestBuildSDPDefaults tests that missing RTP parameters fall back to the
// H.264 defaults.
func TestBuildSDPDefaults(t *testing.T) {
	job := testJob("/tmp/out")
	job.RTPParameters = protocol.RTPParameters{}
	sdp := buildSDP(job)

	assert.Contains(t, sdp, "m=video 5004 RTP/AVP 102")
	assert.Contains(t, sdp, "a=rtpmap:102 H264/90000")
}

// TestPortBound tests the readiness probe primitive.
func TestPortBound(t *testing.T) {
	port, err := FreeUDPPort()
	require.NoError(t, err)
	assert.False(t, portBound(port))

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, portBound(port))
}

// TestMimeSubtype tests codec name extraction.
func TestMimeSubtype(t *testing.T) {
	assert.Equal(t, "H264", mimeSubtype("video/H264"))
	assert.Equal(t, "opus", mimeSubtype("audio/opus"))
	assert.Equal(t, "H264", mimeSubtype("H264"))
}
