package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ListenAddr string
	LogLevel   string
	LogDev     bool

	// Diagnostics feeds sent frame sequence ids into the loss monitor.
	Diagnostics      bool
	LossReportPeriod time.Duration

	API       APIConfig
	Video     VideoConfig
	Recording RecordingConfig
	WebRTC    WebRTCConfig
	TURN      TURNConfig
}

type APIConfig struct {
	AllowedOrigins []string
	// JoinRate caps new signaling sockets per client IP per minute. Zero disables it.
	JoinRate int
}

type VideoConfig struct {
	Width            int
	Height           int
	FrameRate        int
	PixelFormat      string
	BitRateKbps      int
	KeyFrameInterval int
	Encoder          string
	MTU              int
}

type RecordingConfig struct {
	// Path of the debug recording. Empty disables it.
	Path string

	// Archive uploads the finished recording when Endpoint is set.
	Archive ArchiveConfig
}

type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

type WebRTCConfig struct {
	STUNServers        []string
	IncludeLoopback    bool
	NAT1To1IPs         []string
	UDPPortMin         int
	UDPPortMax         int
	NegotiationTimeout time.Duration
	KeepAliveInterval  time.Duration
	FanOutQueue        int
}

type TURNConfig struct {
	Enabled  bool
	Port     int
	Realm    string
	PublicIP string
	Users    string
	Threads  int
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		ListenAddr:       ":8080",
		LogLevel:         "info",
		Diagnostics:      true,
		LossReportPeriod: 5 * time.Second,
		API: APIConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			JoinRate:       30,
		},
		Video: VideoConfig{
			Width:            1920,
			Height:           1080,
			FrameRate:        60,
			PixelFormat:      "RGBA",
			BitRateKbps:      16384,
			KeyFrameInterval: 120,
			Encoder:          "x264",
			MTU:              1200,
		},
		Recording: RecordingConfig{
			Archive: ArchiveConfig{
				Bucket: "xrstream-recordings",
				Prefix: "debug",
			},
		},
		WebRTC: WebRTCConfig{
			STUNServers:        []string{"stun:stun.l.google.com:19302"},
			NegotiationTimeout: 5 * time.Second,
			KeepAliveInterval:  3 * time.Second,
			FanOutQueue:        256,
		},
		TURN: TURNConfig{
			Port:     3478,
			Realm:    "xrstream",
			PublicIP: "127.0.0.1",
			Threads:  1,
		},
	}
}

// Load returns the defaults overridden by XRSTREAM_* environment variables.
func Load() (*Config, error) {
	cfg := NewDefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Malformed numbers are an error rather
// than a silent fallback.
func (c *Config) ApplyEnv() error {
	var errs []error
	intEnv := func(key string, dst *int) {
		if err := getIntEnv(key, dst); err != nil {
			errs = append(errs, err)
		}
	}
	durationEnv := func(key string, dst *time.Duration) {
		if err := getDurationEnv(key, dst); err != nil {
			errs = append(errs, err)
		}
	}
	boolEnv := func(key string, dst *bool) {
		if err := getBoolEnv(key, dst); err != nil {
			errs = append(errs, err)
		}
	}

	c.ListenAddr = getEnv("XRSTREAM_LISTEN_ADDR", c.ListenAddr)
	c.LogLevel = getEnv("XRSTREAM_LOG_LEVEL", c.LogLevel)
	boolEnv("XRSTREAM_LOG_DEV", &c.LogDev)
	boolEnv("XRSTREAM_DIAGNOSTICS", &c.Diagnostics)
	durationEnv("XRSTREAM_LOSS_REPORT_PERIOD", &c.LossReportPeriod)

	c.API.AllowedOrigins = getListEnv("XRSTREAM_ALLOWED_ORIGINS", c.API.AllowedOrigins)
	intEnv("XRSTREAM_JOIN_RATE", &c.API.JoinRate)

	intEnv("XRSTREAM_WIDTH", &c.Video.Width)
	intEnv("XRSTREAM_HEIGHT", &c.Video.Height)
	intEnv("XRSTREAM_FRAMERATE", &c.Video.FrameRate)
	c.Video.PixelFormat = getEnv("XRSTREAM_PIXEL_FORMAT", c.Video.PixelFormat)
	intEnv("XRSTREAM_BITRATE_KBPS", &c.Video.BitRateKbps)
	intEnv("XRSTREAM_KEYFRAME_INTERVAL", &c.Video.KeyFrameInterval)
	c.Video.Encoder = getEnv("XRSTREAM_ENCODER", c.Video.Encoder)
	intEnv("XRSTREAM_MTU", &c.Video.MTU)

	c.Recording.Path = getEnv("XRSTREAM_RECORD_PATH", c.Recording.Path)
	c.Recording.Archive.Endpoint = getEnv("XRSTREAM_ARCHIVE_ENDPOINT", c.Recording.Archive.Endpoint)
	c.Recording.Archive.AccessKey = getEnv("XRSTREAM_ARCHIVE_ACCESS_KEY", c.Recording.Archive.AccessKey)
	c.Recording.Archive.SecretKey = getEnv("XRSTREAM_ARCHIVE_SECRET_KEY", c.Recording.Archive.SecretKey)
	boolEnv("XRSTREAM_ARCHIVE_USE_SSL", &c.Recording.Archive.UseSSL)
	c.Recording.Archive.Bucket = getEnv("XRSTREAM_ARCHIVE_BUCKET", c.Recording.Archive.Bucket)
	c.Recording.Archive.Prefix = getEnv("XRSTREAM_ARCHIVE_PREFIX", c.Recording.Archive.Prefix)

	c.WebRTC.STUNServers = getListEnv("XRSTREAM_STUN_SERVERS", c.WebRTC.STUNServers)
	boolEnv("XRSTREAM_INCLUDE_LOOPBACK", &c.WebRTC.IncludeLoopback)
	c.WebRTC.NAT1To1IPs = getListEnv("XRSTREAM_NAT_1TO1_IPS", c.WebRTC.NAT1To1IPs)
	intEnv("XRSTREAM_UDP_PORT_MIN", &c.WebRTC.UDPPortMin)
	intEnv("XRSTREAM_UDP_PORT_MAX", &c.WebRTC.UDPPortMax)
	durationEnv("XRSTREAM_NEGOTIATION_TIMEOUT", &c.WebRTC.NegotiationTimeout)
	durationEnv("XRSTREAM_KEEPALIVE_INTERVAL", &c.WebRTC.KeepAliveInterval)
	intEnv("XRSTREAM_FANOUT_QUEUE", &c.WebRTC.FanOutQueue)

	boolEnv("XRSTREAM_TURN_ENABLED", &c.TURN.Enabled)
	intEnv("XRSTREAM_TURN_PORT", &c.TURN.Port)
	c.TURN.Realm = getEnv("XRSTREAM_TURN_REALM", c.TURN.Realm)
	c.TURN.PublicIP = getEnv("XRSTREAM_TURN_PUBLIC_IP", c.TURN.PublicIP)
	c.TURN.Users = getEnv("XRSTREAM_TURN_USERS", c.TURN.Users)
	intEnv("XRSTREAM_TURN_THREADS", &c.TURN.Threads)

	return errors.Join(errs...)
}

// Validate checks the settings that cannot be defaulted. Encoder and pixel format names
// are checked by the packages that own them.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.LossReportPeriod <= 0 {
		return fmt.Errorf("invalid loss report period: %v", c.LossReportPeriod)
	}
	if c.API.JoinRate < 0 {
		return fmt.Errorf("invalid join rate: %d", c.API.JoinRate)
	}

	// Check video settings
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("invalid video dimensions: %dx%d", c.Video.Width, c.Video.Height)
	}
	if c.Video.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate: %d", c.Video.FrameRate)
	}
	if c.Video.BitRateKbps <= 0 {
		return fmt.Errorf("invalid bitrate: %d kbps", c.Video.BitRateKbps)
	}
	if c.Video.MTU < 576 || c.Video.MTU > 1500 {
		return fmt.Errorf("MTU %d outside 576-1500", c.Video.MTU)
	}

	if c.WebRTC.NegotiationTimeout <= 0 {
		return fmt.Errorf("invalid negotiation timeout: %v", c.WebRTC.NegotiationTimeout)
	}
	if c.WebRTC.KeepAliveInterval <= 0 {
		return fmt.Errorf("invalid keep-alive interval: %v", c.WebRTC.KeepAliveInterval)
	}
	if c.WebRTC.UDPPortMin < 0 || c.WebRTC.UDPPortMax > 65535 || c.WebRTC.UDPPortMax < c.WebRTC.UDPPortMin {
		return fmt.Errorf("invalid UDP port range %d-%d", c.WebRTC.UDPPortMin, c.WebRTC.UDPPortMax)
	}
	for _, ip := range c.WebRTC.NAT1To1IPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid NAT 1:1 IP %q", ip)
		}
	}

	if c.Recording.Archive.Endpoint != "" && c.Recording.Path == "" {
		return errors.New("recording archive is configured but recording is disabled")
	}

	if c.TURN.Enabled && c.TURN.Users == "" {
		return errors.New("turn is enabled but no users are configured")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func getDurationEnv(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func getBoolEnv(key string, dst *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// getListEnv splits a comma separated value. An empty value keeps the default.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
