package recorder

import (
	"bufio"
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/relaycast/relaycast/pkg/logging"
)

// S3Config configures the optional segment mirror. The mirror is disabled
// unless endpoint, bucket and credentials are all set.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
	UseSSL    bool
}

// Enabled reports whether the configuration is complete enough to mirror.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Mirror copies HLS output to S3-compatible storage while recording runs:
// it polls the playlist, uploads newly referenced segments, and keeps the
// remote playlist current. The local sliding window still governs live
// playback; the mirror is an archive.
type Mirror struct {
	cfg    S3Config
	dir    string
	key    string
	logger logging.Logger

	client   *minio.Client
	interval time.Duration

	mu       sync.Mutex
	uploaded map[string]bool
	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopped  bool
}

// NewMirror builds a mirror for one stream's output directory. Returns nil
// when the configuration is incomplete, so callers can pass the result
// straight into the bridge config.
func NewMirror(cfg S3Config, streamKey, outputDir string, logger logging.Logger) *Mirror {
	if !cfg.Enabled() {
		return nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logging.OrNop(logger).Error("mirror disabled: minio client", "error", err)
		return nil
	}
	return &Mirror{
		cfg:      cfg,
		dir:      outputDir,
		key:      streamKey,
		logger:   logging.OrNop(logger).With("streamKey", streamKey),
		client:   client,
		interval: 500 * time.Millisecond,
		uploaded: make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. Safe to call once.
func (m *Mirror) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run()
}

// Stop halts the loop and performs a final sweep so the closing playlist
// and the last segments reach storage.
func (m *Mirror) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	close(m.stop)
	if started {
		<-m.done
	}
	m.sweep(context.Background())
}

func (m *Mirror) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(context.Background())
		}
	}
}

// sweep uploads segments referenced by the playlist that have not been
// uploaded yet, then the playlist itself.
func (m *Mirror) sweep(ctx context.Context) {
	playlist := filepath.Join(m.dir, "index.m3u8")
	segments, err := playlistSegments(playlist)
	if err != nil {
		return
	}
	for _, seg := range segments {
		m.mu.Lock()
		done := m.uploaded[seg]
		m.mu.Unlock()
		if done {
			continue
		}
		if err := m.upload(ctx, seg); err != nil {
			m.logger.Warn("segment upload failed", "segment", seg, "error", err)
			continue
		}
		m.mu.Lock()
		m.uploaded[seg] = true
		m.mu.Unlock()
	}
	if err := m.upload(ctx, "index.m3u8"); err != nil {
		m.logger.Warn("playlist upload failed", "error", err)
	}
}

func (m *Mirror) upload(ctx context.Context, name string) error {
	object := path.Join(strings.Trim(m.cfg.Prefix, "/"), m.key, name)
	contentType := "application/octet-stream"
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		contentType = "application/vnd.apple.mpegurl"
	case ".ts":
		contentType = "video/MP2T"
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := m.client.FPutObject(uploadCtx, m.cfg.Bucket, object,
		filepath.Join(m.dir, name), minio.PutObjectOptions{ContentType: contentType})
	return err
}

// playlistSegments returns the media file names referenced by an HLS
// playlist.
func playlistSegments(playlist string) ([]string, error) {
	f, err := os.Open(playlist)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var segments []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		segments = append(segments, line)
	}
	return segments, scanner.Err()
}
