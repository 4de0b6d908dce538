// Package playback serves the HLS output tree read-only: the playlist and
// segment files the recording bridge writes for each stream key.
package playback

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaycast/relaycast/pkg/logging"
)

// Handler serves files below one root directory.
type Handler struct {
	root   string
	logger logging.Logger
}

// New creates a playback handler over the HLS root.
func New(root string, logger logging.Logger) *Handler {
	return &Handler{root: root, logger: logging.OrNop(logger)}
}

// Register mounts GET /:streamKey/:file on the group.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.GET("/:streamKey/:file", h.serveFile)
}

// serveFile returns one playlist or segment. Responses are never cached:
// the playlist mutates every segment interval and stale copies stall
// players. Requests resolving outside the root are rejected.
func (h *Handler) serveFile(c *gin.Context) {
	streamKey := c.Param("streamKey")
	file := c.Param("file")

	if !safeComponent(streamKey) || !safeComponent(file) {
		c.String(http.StatusForbidden, "forbidden")
		return
	}

	root, err := filepath.Abs(h.root)
	if err != nil {
		c.String(http.StatusInternalServerError, "playback root unavailable")
		return
	}
	path := filepath.Join(root, streamKey, file)
	if !strings.HasPrefix(path, root+string(filepath.Separator)) {
		c.String(http.StatusForbidden, "forbidden")
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.String(http.StatusNotFound, "not found")
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("Content-Type", contentTypeFor(file))
	c.File(path)
}

// safeComponent rejects path components that could escape the designated
// directory.
func safeComponent(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	if strings.ContainsAny(s, "/\\") {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	return true
}

func contentTypeFor(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/MP2T"
	case ".sdp":
		return "application/sdp"
	default:
		return "application/octet-stream"
	}
}
