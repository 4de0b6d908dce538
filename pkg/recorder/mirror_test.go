package recorder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPlaylistSegments tests playlist parsing.
func TestPlaylistSegments(t *testing.T) {
	dir := t.TempDir()
	playlist := filepath.Join(dir, "index.m3u8")
	content := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:3
#EXTINF:2.000000,
segment_00003.ts
#EXTINF:2.000000,
segment_00004.ts

#EXTINF:1.960000,
segment_00005.ts
`
	require.NoError(t, os.WriteFile(playlist, []byte(content), 0o644))

	segments, err := playlistSegments(playlist)
	require.NoError(t, err)
	assert.Equal(t, []string{"segment_00003.ts", "segment_00004.ts", "segment_00005.ts"}, segments)
}

// TestPlaylistSegmentsMissing tests the not-yet-written playlist case.
func TestPlaylistSegmentsMissing(t *testing.T) {
	_, err := playlistSegments(filepath.Join(t.TempDir(), "index.m3u8"))
	assert.Error(t, err)
}
