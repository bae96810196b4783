package logging

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure time format
	zerolog.TimeFieldFormat = time.RFC3339Nano

	// Configure output based on format and environment
	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	// Set global logger
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "keyfleet").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Calculate latency
		latency := time.Since(start)

		// Get request ID
		requestID := c.GetString("request_id")

		// Build log event
		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		// Log request details
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// LogRotation logs a key rotation event. Secrets are always masked here.
func LogRotation(oldKeyID, newKeyID, maskedSecret, reason string) {
	log.Info().
		Str("old_key_id", oldKeyID).
		Str("new_key_id", newKeyID).
		Str("masked_secret", maskedSecret).
		Str("reason", reason).
		Msg("Key rotated")
}

// LogRotationStalled logs a threshold crossing that could not rotate for
// lack of an idle backup key
func LogRotationStalled(keyID string, spend, threshold string) {
	log.Warn().
		Str("key_id", keyID).
		Str("spend", spend).
		Str("threshold", threshold).
		Msg("Key needs refresh but no backup available")
}

// LogRepair logs an orphan repair pass
func LogRepair(checked, repaired, deleted int, trigger string) {
	event := log.Info()
	if deleted > 0 {
		event = log.Warn()
	}
	event.
		Int("checked", checked).
		Int("repaired", repaired).
		Int("deleted", deleted).
		Str("trigger", trigger).
		Msg("Binding repair completed")
}

// LogWebhookIngest logs a webhook key ingestion
func LogWebhookIngest(newKeyID, replacedKeyID, warning string) {
	event := log.Info()
	if warning != "" {
		event = log.Warn().Str("warning", warning)
	}
	event.
		Str("new_key_id", newKeyID).
		Str("replaced_key_id", replacedKeyID).
		Msg("Webhook key ingested")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}
