package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/keyfleet/keyfleet/internal/config"
	apierrors "github.com/keyfleet/keyfleet/internal/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func adminRouter(token string) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.Use(AdminAuth(&config.AdminConfig{Token: token}))
	r.GET("/keys", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func doRequest(r *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apierrors.ErrorResponse {
	t.Helper()
	var resp apierrors.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestAdminAuthRejectsMissingToken(t *testing.T) {
	w := doRequest(adminRouter("s3cret"), http.MethodGet, "/keys", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Error.Code != apierrors.ErrUnauthenticated {
		t.Fatalf("wrong error code: %v", resp.Error.Code)
	}
	if resp.RequestID == "" {
		t.Fatal("error response missing request id")
	}
}

func TestAdminAuthRejectsWrongToken(t *testing.T) {
	w := doRequest(adminRouter("s3cret"), http.MethodGet, "/keys", map[string]string{
		AdminTokenHeader: "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAdminAuthRejectsWhenTokenUnconfigured(t *testing.T) {
	// An empty configured token must never mean "anything goes"
	w := doRequest(adminRouter(""), http.MethodGet, "/keys", map[string]string{
		AdminTokenHeader: "",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAdminAuthAcceptsCorrectToken(t *testing.T) {
	w := doRequest(adminRouter("s3cret"), http.MethodGet, "/keys", map[string]string{
		AdminTokenHeader: "s3cret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func webhookRouter(secret string) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.Use(WebhookAuth(&config.WebhookConfig{Secret: secret}))
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestWebhookAuthMisconfiguredSecretIsServerFault(t *testing.T) {
	w := doRequest(webhookRouter(""), http.MethodGet, "/status", map[string]string{
		WebhookSecretHeader: "anything",
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unconfigured secret, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Error.Code != apierrors.ErrWebhookMisconfigured {
		t.Fatalf("wrong error code: %v", resp.Error.Code)
	}
}

func TestWebhookAuthRejectsWrongSecret(t *testing.T) {
	w := doRequest(webhookRouter("hook-secret"), http.MethodGet, "/status", map[string]string{
		WebhookSecretHeader: "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Error.Code != apierrors.ErrWebhookUnauthorized {
		t.Fatalf("wrong error code: %v", resp.Error.Code)
	}
}

func TestWebhookAuthAcceptsCorrectSecret(t *testing.T) {
	w := doRequest(webhookRouter("hook-secret"), http.MethodGet, "/status", map[string]string{
		WebhookSecretHeader: "hook-secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doRequest(r, http.MethodGet, "/", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id not generated")
	}

	w = doRequest(r, http.MethodGet, "/", map[string]string{"X-Request-ID": "req-abc"})
	if got := w.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Fatalf("supplied request id not echoed: %q", got)
	}
}

func TestCORSPreflightAllowedOrigin(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://ops.example.com"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doRequest(r, http.MethodOptions, "/", map[string]string{
		"Origin": "https://ops.example.com",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Fatal("allowed origin not set")
	}

	w = doRequest(r, http.MethodOptions, "/", map[string]string{
		"Origin": "https://evil.example.com",
	})
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin granted CORS headers")
	}
}
