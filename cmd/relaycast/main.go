// Command relaycast runs the media relay signaling server: a WebSocket
// signaling endpoint backed by a pion SFU engine, stream group management
// with on-demand HLS recording, and a read-only playback surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/relaycast/relaycast/pkg/engine"
	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/metrics"
	"github.com/relaycast/relaycast/pkg/playback"
	"github.com/relaycast/relaycast/pkg/protocol"
	"github.com/relaycast/relaycast/pkg/recorder"
	"github.com/relaycast/relaycast/pkg/registry"
	signalpkg "github.com/relaycast/relaycast/pkg/signal"
	"github.com/relaycast/relaycast/pkg/stream"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
		File:        cfg.LogFile,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *Config, logger logging.Logger) error {
	if err := os.MkdirAll(cfg.HLSDir, 0o755); err != nil {
		return err
	}

	iceServers := []protocol.ICEServer{}
	if len(cfg.STUNServers) > 0 {
		iceServers = append(iceServers, protocol.ICEServer{URLs: cfg.STUNServers})
	}
	eng := engine.NewWebRTCEngine(engine.Options{
		ICEServers: iceServers,
		UDPPortMin: cfg.RTCUDPPortMin,
		UDPPortMax: cfg.RTCUDPPortMax,
		Logger:     logger.With("component", "engine"),
	})
	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Close()

	reg := registry.New()
	hub := signalpkg.NewHub(logger.With("component", "hub"))
	launcher := &recorder.FFmpegLauncher{
		Path:   cfg.EncoderPath,
		Logger: logger.With("component", "encoder"),
	}

	factory := func(ctx context.Context, streamKey, producerID string, onExit func()) (stream.Recorder, error) {
		bridge := recorder.New(eng, launcher, recorder.Config{
			StreamKey:      streamKey,
			ProducerID:     producerID,
			HLSRoot:        cfg.HLSDir,
			SegmentSeconds: cfg.HLSSegmentSeconds,
			WindowSize:     cfg.HLSWindowSize,
			ReadyTimeout:   cfg.EncoderReadyTimeout,
			OnExit:         onExit,
			Mirror: recorder.NewMirror(cfg.S3, streamKey,
				filepath.Join(cfg.HLSDir, streamKey), logger.With("component", "mirror")),
			Logger: logger.With("component", "recorder"),
		})
		if err := bridge.Start(ctx); err != nil {
			return nil, err
		}
		return bridge, nil
	}

	streams := stream.NewManager(reg, hub, factory, logger.With("component", "stream"))
	handler := signalpkg.New(eng, reg, streams, hub, logger.With("component", "signal"))

	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", handler.HandleWS)

	hls := router.Group("/hls")
	hls.Use(cors.Default())
	playback.New(cfg.HLSDir, logger.With("component", "playback")).Register(hls)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr, "hlsDir", cfg.HLSDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stopCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	handler.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}
