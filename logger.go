package h2mux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger là global logger instance cho h2mux
var Logger zerolog.Logger

func init() {
	setupLogger(os.Stdout, os.Getenv("LOG_LEVEL"))
}

// parseLogLevel maps LOG_LEVEL to a zerolog level. Unset or unknown disables logging.
func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.Disabled
	}
}

// setupLogger initializes the package logger writing to out.
func setupLogger(out io.Writer, logLevel string) {
	level := parseLogLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	// Use pretty format for debug mode only
	if level <= zerolog.DebugLevel {
		output.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		}
		output.FormatFieldName = func(i interface{}) string {
			return fmt.Sprintf("%s:", i)
		}
	}

	Logger = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("component", "h2mux").
		Logger()

	if level != zerolog.Disabled {
		Logger.Info().
			Str("level", level.String()).
			Msg("h2mux logger initialized")
	}
}

// SetLogger replaces the package logger, e.g. with a JSON logger in services.
func SetLogger(l zerolog.Logger) {
	Logger = l
}

// Helper methods để log các HTTP/2 specific events theo RFC 7540

// LogConnection logs connection events (RFC 7540 Section 3)
func LogConnection(event string, addr string, fields map[string]interface{}) {
	if Logger.GetLevel() == zerolog.Disabled {
		return
	}

	logEvent := Logger.Info().
		Str("event", "connection").
		Str("action", event).
		Str("address", addr)

	for key, value := range fields {
		logEvent = logEvent.Interface(key, value)
	}

	logEvent.Msg("HTTP/2 Connection Event")
}

// LogStream logs stream events (RFC 7540 Section 5.1)
func LogStream(log zerolog.Logger, streamID uint32, state StreamState, event string, fields map[string]interface{}) {
	if log.GetLevel() > zerolog.DebugLevel {
		return
	}

	logEvent := log.Debug().
		Str("event", "stream").
		Uint32("stream_id", streamID).
		Str("state", state.String()).
		Str("action", event)

	for key, value := range fields {
		logEvent = logEvent.Interface(key, value)
	}

	logEvent.Msg("HTTP/2 Stream Event")
}

// LogFrame logs frame processing (RFC 7540 Section 4)
func LogFrame(log zerolog.Logger, direction string, h FrameHeader) {
	log.Trace().
		Str("event", "frame").
		Str("direction", direction).
		Str("type", h.Type.String()).
		Uint32("stream_id", h.StreamID).
		Uint32("length", h.Length).
		Uint8("flags", uint8(h.Flags)).
		Msg("HTTP/2 Frame")
}

// LogFlowControl logs flow control events (RFC 7540 Section 5.2)
func LogFlowControl(log zerolog.Logger, streamID uint32, window int64, action string) {
	log.Debug().
		Str("event", "flow_control").
		Uint32("stream_id", streamID).
		Int64("window_size", window).
		Str("action", action).
		Msg("HTTP/2 Flow Control")
}

// LogError logs errors with context
func LogError(err error, context string, fields map[string]interface{}) {
	if Logger.GetLevel() == zerolog.Disabled {
		return
	}

	logEvent := Logger.Error().
		Err(err).
		Str("context", context)

	for key, value := range fields {
		logEvent = logEvent.Interface(key, value)
	}

	logEvent.Msg("HTTP/2 Error")
}

// LogRequest logs HTTP request details (RFC 7540 Section 8.1)
func LogRequest(method, path, authority string, headers []HeaderField) {
	Logger.Debug().
		Str("event", "request").
		Str("method", method).
		Str("path", path).
		Str("authority", authority).
		Int("header_count", len(headers)).
		Msg("HTTP/2 Request")
}

// LogResponse logs HTTP response details (RFC 7540 Section 8.1)
func LogResponse(statusCode int, headers []HeaderField, bodyLength int64) {
	Logger.Debug().
		Str("event", "response").
		Int("status_code", statusCode).
		Int("header_count", len(headers)).
		Int64("body_length", bodyLength).
		Msg("HTTP/2 Response")
}

// LogHPACK logs header compression events (RFC 7540 Section 4.3)
func LogHPACK(log zerolog.Logger, action string, originalSize, compressedSize int) {
	if originalSize == 0 {
		return
	}
	log.Trace().
		Str("event", "hpack").
		Str("action", action).
		Int("original_size", originalSize).
		Int("compressed_size", compressedSize).
		Float64("compression_ratio", float64(compressedSize)/float64(originalSize)).
		Msg("HTTP/2 HPACK")
}

// LogSettings logs settings frame processing (RFC 7540 Section 6.5)
func LogSettings(log zerolog.Logger, settings map[string]interface{}, ack bool) {
	log.Debug().
		Str("event", "settings").
		Interface("settings", settings).
		Bool("ack", ack).
		Msg("HTTP/2 Settings")
}

// LogPing logs keepalive round trips (RFC 7540 Section 6.7)
func LogPing(log zerolog.Logger, rtt, latency time.Duration) {
	log.Debug().
		Str("event", "ping").
		Dur("rtt", rtt).
		Dur("latency", latency).
		Msg("HTTP/2 Ping")
}
