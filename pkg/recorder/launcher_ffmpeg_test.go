package recorder_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycast/relaycast/internal/test/mocks"
	"github.com/relaycast/relaycast/pkg/protocol"
	. "github.com/relaycast/relaycast/pkg/recorder"
)

func testLauncherJob(dir string) Job {
	return Job{
		StreamKey:      "show",
		OutputDir:      dir,
		ListenPort:     5004,
		RTPParameters:  protocol.RTPParameters{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000},
		SegmentSeconds: 2,
		WindowSize:     6,
	}
}

// TestFFmpegLauncherMissingBinary tests that an unresolvable binary fails
// Start immediately.
func TestFFmpegLauncherMissingBinary(t *testing.T) {
	launcher := &FFmpegLauncher{Path: "/nonexistent/ffmpeg", Logger: mocks.NewMockLogger()}
	_, err := launcher.Start(context.Background(), testLauncherJob(t.TempDir()))
	require.Error(t, err)
}

// TestFFmpegLauncherWritesSDP tests that Start materializes the input
// description before spawning.
func TestFFmpegLauncherWritesSDP(t *testing.T) {
	dir := t.TempDir()
	// "true" ignores its arguments and exits cleanly, standing in for an
	// encoder that starts and stops immediately.
	launcher := &FFmpegLauncher{Path: "true", Logger: mocks.NewMockLogger()}

	proc, err := launcher.Start(context.Background(), testLauncherJob(dir))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "input.sdp"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "m=video 5004")

	select {
	case exitErr := <-proc.Done():
		assert.NoError(t, exitErr)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}
