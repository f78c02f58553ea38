package h2mux

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
)

// Flow control and frame size defaults
const (
	DefaultInitialWindowSize     = 65535     // RFC 7540 Section 6.9.2
	DefaultConnectionWindowSize  = 1 << 20   // granted with a WINDOW_UPDATE right after the preface
	DefaultMaxFrameSize          = 16384     // RFC 7540 Section 6.5.2
	DefaultHeaderTableSize       = 4096      // RFC 7541 Section 4.2
	DefaultMaxConcurrentStreams  = 100       // local cap on streams we open
	DefaultUploadChunkSize       = 16384     // request body bytes read per processing call
	DefaultWindowUpdateThreshold = 32768     // send stream WINDOW_UPDATE once unread data drops below this
	DefaultMaxHeaderListSize     = 256 << 10 // largest decoded header list we accept
)

// Timeouts and intervals
const (
	DefaultPingInterval    = 30 * time.Second
	DefaultPingTimeout     = 15 * time.Second
	DefaultIdleTimeout     = 90 * time.Second
	DefaultMaxWait         = time.Second
	DefaultRTTSamples      = 8
	DefaultMaxRetries      = 1
	MinGracefulCloseWait   = 1500 * time.Millisecond
	GracefulCloseRTTFactor = 2.5
)

// Config holds the local settings and timers of a connection.
type Config struct {
	// Advertised in our SETTINGS frame
	InitialWindowSize     uint32
	MaxConcurrentStreams  uint32
	HeaderTableSize       uint32
	MaxFrameSize          uint32
	MaxHeaderListSize     uint32
	EnableConnectProtocol bool

	// ConnectionWindowSize is the connection-level receive window we grant.
	ConnectionWindowSize uint32

	UploadChunkSize       int
	WindowUpdateThreshold int

	PingInterval time.Duration // zero disables keepalive pings
	PingTimeout  time.Duration
	IdleTimeout  time.Duration // zero disables the idle shutdown
	MaxWait      time.Duration // upper bound of one writer sleep
	RTTSamples   int

	// MaxRetries is the default retry budget for requests that do not set one.
	MaxRetries int

	// StrictFrames turns malformed frames, invalid settings and frames on unknown
	// streams into connection errors instead of logging and dropping them.
	StrictFrames bool

	// Clock drives every timer; tests swap in clock.NewMock().
	Clock clock.Clock
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		InitialWindowSize:     DefaultInitialWindowSize,
		MaxConcurrentStreams:  DefaultMaxConcurrentStreams,
		HeaderTableSize:       DefaultHeaderTableSize,
		MaxFrameSize:          DefaultMaxFrameSize,
		MaxHeaderListSize:     DefaultMaxHeaderListSize,
		ConnectionWindowSize:  DefaultConnectionWindowSize,
		UploadChunkSize:       DefaultUploadChunkSize,
		WindowUpdateThreshold: DefaultWindowUpdateThreshold,
		PingInterval:          DefaultPingInterval,
		PingTimeout:           DefaultPingTimeout,
		IdleTimeout:           DefaultIdleTimeout,
		MaxWait:               DefaultMaxWait,
		RTTSamples:            DefaultRTTSamples,
		MaxRetries:            DefaultMaxRetries,
		Clock:                 clock.New(),
	}
}

// Validate checks the config against protocol limits and fills zero values.
func (c *Config) Validate() error {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxFrameSize < minMaxFrameSize || c.MaxFrameSize > maxMaxFrameSize {
		return fmt.Errorf("max frame size %d out of range [%d, %d]", c.MaxFrameSize, minMaxFrameSize, maxMaxFrameSize)
	}
	if c.InitialWindowSize > maxWindowSize {
		return fmt.Errorf("initial window size %d exceeds %d", c.InitialWindowSize, maxWindowSize)
	}
	if c.ConnectionWindowSize > maxWindowSize {
		return fmt.Errorf("connection window size %d exceeds %d", c.ConnectionWindowSize, maxWindowSize)
	}
	if c.ConnectionWindowSize < DefaultInitialWindowSize {
		c.ConnectionWindowSize = DefaultInitialWindowSize
	}
	if c.MaxConcurrentStreams == 0 {
		return fmt.Errorf("max concurrent streams must be positive")
	}
	if c.UploadChunkSize <= 0 {
		c.UploadChunkSize = DefaultUploadChunkSize
	}
	if c.WindowUpdateThreshold <= 0 {
		c.WindowUpdateThreshold = DefaultWindowUpdateThreshold
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.RTTSamples <= 0 {
		c.RTTSamples = DefaultRTTSamples
	}
	if c.PingInterval > 0 && c.PingTimeout <= 0 {
		return fmt.Errorf("ping timeout must be positive when pings are enabled")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}

// ConfigFromEnv starts from DefaultConfig and applies H2_* environment overrides:
// H2_INITIAL_WINDOW_SIZE, H2_CONNECTION_WINDOW_SIZE, H2_MAX_CONCURRENT_STREAMS,
// H2_MAX_FRAME_SIZE, H2_PING_INTERVAL, H2_PING_TIMEOUT, H2_IDLE_TIMEOUT, H2_MAX_RETRIES,
// H2_STRICT_FRAMES.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	uints := []struct {
		env string
		dst *uint32
	}{
		{"H2_INITIAL_WINDOW_SIZE", &cfg.InitialWindowSize},
		{"H2_CONNECTION_WINDOW_SIZE", &cfg.ConnectionWindowSize},
		{"H2_MAX_CONCURRENT_STREAMS", &cfg.MaxConcurrentStreams},
		{"H2_MAX_FRAME_SIZE", &cfg.MaxFrameSize},
	}
	for _, u := range uints {
		if v := os.Getenv(u.env); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", u.env, err)
			}
			*u.dst = uint32(n)
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"H2_PING_INTERVAL", &cfg.PingInterval},
		{"H2_PING_TIMEOUT", &cfg.PingTimeout},
		{"H2_IDLE_TIMEOUT", &cfg.IdleTimeout},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", d.env, err)
			}
			*d.dst = dur
		}
	}

	if v := os.Getenv("H2_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid H2_MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("H2_STRICT_FRAMES"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid H2_STRICT_FRAMES: %w", err)
		}
		cfg.StrictFrames = strict
	}

	return cfg, cfg.Validate()
}
