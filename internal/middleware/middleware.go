package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/keyfleet/keyfleet/internal/config"
	apierrors "github.com/keyfleet/keyfleet/internal/errors"
	"github.com/keyfleet/keyfleet/internal/ingest"
	"github.com/keyfleet/keyfleet/internal/monitoring"
)

// Header names for the two authentication surfaces
const (
	AdminTokenHeader    = "X-Admin-Token"
	WebhookSecretHeader = "X-Webhook-Secret"
)

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, err *apierrors.APIError) {
	c.JSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: GetRequestIDFromContext(c),
	})
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// GetRequestIDFromContext extracts the request ID from the gin context.
// Returns empty string if not found.
func GetRequestIDFromContext(c *gin.Context) string {
	requestID, exists := c.Get("request_id")
	if !exists {
		return ""
	}
	return requestID.(string)
}

// AdminAuth validates the shared admin token on the operator surface.
// Admin identity management lives outside this service, so a single
// shared token is the whole story here.
func AdminAuth(cfg *config.AdminConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(AdminTokenHeader)
		if cfg.Token == "" || token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
			respondWithError(c, apierrors.ErrUnauthenticatedError)
			c.Abort()
			return
		}
		c.Next()
	}
}

// WebhookAuth validates the shared webhook secret. A server missing its
// secret is a deployment fault, not a caller fault, and reports as such.
func WebhookAuth(cfg *config.WebhookConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Secret == "" {
			respondWithError(c, apierrors.ErrWebhookMisconfiguredError)
			c.Abort()
			return
		}
		secret := c.GetHeader(WebhookSecretHeader)
		if secret == "" ||
			subtle.ConstantTimeCompare([]byte(secret), []byte(cfg.Secret)) != 1 {
			respondWithError(c, apierrors.ErrWebhookUnauthorizedError)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RateLimit enforces the webhook rate limit per caller address
func RateLimit(limiter *ingest.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.Check(c.Request.Context(), c.ClientIP())
		if err != nil {
			// Fail open: never block rotation on limiter errors
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt.Unix()))

		if !result.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter.Seconds())))
			monitoring.RecordRateLimitHit("webhook")
			respondWithError(c, apierrors.ErrRateLimitedError)
			c.Abort()
			return
		}
		c.Next()
	}
}

// CORS configures CORS headers for the admin dashboard origin
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Admin-Token, X-Webhook-Secret")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Remaining")
			c.Header("Access-Control-Max-Age", "43200")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
