package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/relaycast/relaycast/pkg/recorder"
)

// Config is the full server configuration, read from the environment with
// an optional .env file for development.
type Config struct {
	HTTPAddr string

	HLSDir              string
	HLSSegmentSeconds   int
	HLSWindowSize       int
	EncoderPath         string
	EncoderReadyTimeout time.Duration

	RTCUDPPortMin uint16
	RTCUDPPortMax uint16
	STUNServers   []string

	LogLevel       string
	LogFile        string
	LogDevelopment bool

	S3 recorder.S3Config
}

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HLS_DIR", "./hls")
	v.SetDefault("HLS_SEGMENT_SECONDS", 2)
	v.SetDefault("HLS_WINDOW_SIZE", 6)
	v.SetDefault("ENCODER_PATH", "ffmpeg")
	v.SetDefault("ENCODER_READY_TIMEOUT", "5s")
	v.SetDefault("RTC_UDP_PORT_MIN", 0)
	v.SetDefault("RTC_UDP_PORT_MAX", 0)
	v.SetDefault("STUN_SERVERS", "stun:stun.l.google.com:19302")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_DEVELOPMENT", false)
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("S3_PREFIX", "")
	v.SetDefault("S3_USE_SSL", true)

	portMin := v.GetUint32("RTC_UDP_PORT_MIN")
	portMax := v.GetUint32("RTC_UDP_PORT_MAX")
	if portMin > 65535 || portMax > 65535 {
		return nil, fmt.Errorf("RTC UDP ports must be at most 65535, got %d-%d", portMin, portMax)
	}

	cfg := &Config{
		HTTPAddr:            v.GetString("HTTP_ADDR"),
		HLSDir:              v.GetString("HLS_DIR"),
		HLSSegmentSeconds:   v.GetInt("HLS_SEGMENT_SECONDS"),
		HLSWindowSize:       v.GetInt("HLS_WINDOW_SIZE"),
		EncoderPath:         v.GetString("ENCODER_PATH"),
		EncoderReadyTimeout: v.GetDuration("ENCODER_READY_TIMEOUT"),
		RTCUDPPortMin:       uint16(portMin),
		RTCUDPPortMax:       uint16(portMax),
		STUNServers:         v.GetStringSlice("STUN_SERVERS"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		LogFile:             v.GetString("LOG_FILE"),
		LogDevelopment:      v.GetBool("LOG_DEVELOPMENT"),
		S3: recorder.S3Config{
			Endpoint:  v.GetString("S3_ENDPOINT"),
			Bucket:    v.GetString("S3_BUCKET"),
			AccessKey: v.GetString("S3_ACCESS_KEY"),
			SecretKey: v.GetString("S3_SECRET_KEY"),
			Prefix:    v.GetString("S3_PREFIX"),
			UseSSL:    v.GetBool("S3_USE_SSL"),
		},
	}

	if cfg.HLSSegmentSeconds <= 0 {
		return nil, fmt.Errorf("HLS_SEGMENT_SECONDS must be positive, got %d", cfg.HLSSegmentSeconds)
	}
	if cfg.HLSWindowSize <= 0 {
		return nil, fmt.Errorf("HLS_WINDOW_SIZE must be positive, got %d", cfg.HLSWindowSize)
	}
	if cfg.EncoderReadyTimeout <= 0 {
		return nil, fmt.Errorf("ENCODER_READY_TIMEOUT must be positive, got %s", cfg.EncoderReadyTimeout)
	}
	if cfg.RTCUDPPortMin > cfg.RTCUDPPortMax {
		return nil, fmt.Errorf("RTC_UDP_PORT_MIN %d exceeds RTC_UDP_PORT_MAX %d",
			cfg.RTCUDPPortMin, cfg.RTCUDPPortMax)
	}
	return cfg, nil
}
