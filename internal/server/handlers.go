package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/keyfleet/keyfleet/internal/backup"
	"github.com/keyfleet/keyfleet/internal/bindings"
	apierrors "github.com/keyfleet/keyfleet/internal/errors"
	"github.com/keyfleet/keyfleet/internal/ingest"
	"github.com/keyfleet/keyfleet/internal/keys"
	"github.com/keyfleet/keyfleet/internal/logging"
	"github.com/shopspring/decimal"
)

// CreateKeyRequest is the payload for registering a provider key
type CreateKeyRequest struct {
	ID     string `json:"id" binding:"required"`
	Secret string `json:"secret" binding:"required"`
}

// CreateProxyRequest is the payload for registering a proxy
type CreateProxyRequest struct {
	ID       string `json:"id" binding:"required"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// CreateBindingRequest is the payload for binding a key to a proxy
type CreateBindingRequest struct {
	KeyID    string `json:"key_id" binding:"required"`
	Priority int    `json:"priority" binding:"required"`
}

// RecordSpendRequest is the payload for reporting spend against a key.
// Amount is a decimal string to avoid float drift on money values.
type RecordSpendRequest struct {
	Amount    string `json:"amount" binding:"required"`
	LastError string `json:"last_error"`
}

// --- Key registry handlers ---

func (s *APIServer) handleCreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	key, err := s.keySvc.Create(c.Request.Context(), req.ID, req.Secret)
	if err != nil {
		switch {
		case errors.Is(err, keys.ErrDuplicateID):
			respondError(c, apierrors.ErrDuplicateIDError)
		case errors.Is(err, keys.ErrEmptyID), errors.Is(err, keys.ErrEmptySecret):
			respondError(c, apierrors.NewValidationError(err.Error()))
		default:
			logging.LogError(err, requestID(c), "server", "create_key")
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusCreated, keys.KeyResponse{
		ID:           key.ID,
		MaskedSecret: keys.MaskSecret(key.Secret),
		Status:       key.Status,
		TotalSpend:   key.TotalSpend,
		CreatedAt:    key.CreatedAt,
	})
}

func (s *APIServer) handleListKeys(c *gin.Context) {
	resp, err := s.keySvc.List(c.Request.Context())
	if err != nil {
		logging.LogError(err, requestID(c), "server", "list_keys")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleDeleteKey(c *gin.Context) {
	existed, err := s.keySvc.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		logging.LogError(err, requestID(c), "server", "delete_key")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	if !existed {
		respondError(c, apierrors.ErrKeyNotFoundError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *APIServer) handleResetKeyStats(c *gin.Context) {
	err := s.keySvc.ResetStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			respondError(c, apierrors.ErrKeyNotFoundError)
			return
		}
		logging.LogError(err, requestID(c), "server", "reset_key_stats")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (s *APIServer) handleGetKey(c *gin.Context) {
	key, err := s.keySvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			respondError(c, apierrors.ErrKeyNotFoundError)
			return
		}
		logging.LogError(err, requestID(c), "server", "get_key")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	// Reveal endpoint: the raw secret is intentionally included so operators
	// can hand it to a proxy during manual recovery.
	c.JSON(http.StatusOK, gin.H{
		"id":               key.ID,
		"secret":           key.Secret,
		"status":           key.Status,
		"total_spend":      key.TotalSpend,
		"last_spend_check": key.LastSpendCheck,
		"last_used_at":     key.LastUsedAt,
		"last_error":       key.LastError,
		"created_at":       key.CreatedAt,
	})
}

func (s *APIServer) handleRecordSpend(c *gin.Context) {
	var req RecordSpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(c, apierrors.NewValidationError("amount must be a decimal string"))
		return
	}

	id := c.Param("id")
	if err := s.keySvc.RecordSpend(c.Request.Context(), id, amount); err != nil {
		switch {
		case errors.Is(err, keys.ErrKeyNotFound):
			respondError(c, apierrors.ErrKeyNotFoundError)
		case errors.Is(err, keys.ErrNegativeSpend):
			respondError(c, apierrors.NewValidationError(err.Error()))
		default:
			logging.LogError(err, requestID(c), "server", "record_spend")
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	if req.LastError != "" {
		if err := s.keySvc.SetLastError(c.Request.Context(), id, req.LastError); err != nil {
			logging.LogError(err, requestID(c), "server", "record_spend")
		}
	}

	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

// --- Backup reserve handlers ---

func (s *APIServer) handleCreateBackupKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	bk, err := s.backupSvc.Create(c.Request.Context(), req.ID, req.Secret)
	if err != nil {
		switch {
		case errors.Is(err, backup.ErrDuplicateID):
			respondError(c, apierrors.ErrDuplicateIDError)
		case errors.Is(err, backup.ErrEmptyID), errors.Is(err, backup.ErrEmptySecret):
			respondError(c, apierrors.NewValidationError(err.Error()))
		default:
			logging.LogError(err, requestID(c), "server", "create_backup_key")
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusCreated, backup.BackupKeyResponse{
		ID:           bk.ID,
		MaskedSecret: keys.MaskSecret(bk.Secret),
		IsUsed:       bk.IsUsed,
		Activated:    bk.Activated,
		CreatedAt:    bk.CreatedAt,
	})
}

func (s *APIServer) handleListBackupKeys(c *gin.Context) {
	resp, err := s.backupSvc.List(c.Request.Context())
	if err != nil {
		logging.LogError(err, requestID(c), "server", "list_backup_keys")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleBackupStats(c *gin.Context) {
	stats, err := s.backupSvc.GetStats(c.Request.Context())
	if err != nil {
		logging.LogError(err, requestID(c), "server", "backup_stats")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *APIServer) handleDeleteBackupKey(c *gin.Context) {
	if err := s.backupSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		logging.LogError(err, requestID(c), "server", "delete_backup_key")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	// Deleting an absent backup is a no-op, not an error
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *APIServer) handleRestoreBackupKey(c *gin.Context) {
	bk, err := s.backupSvc.Restore(c.Request.Context(), c.Param("id"), s.config.Backup.RetentionWindow)
	if err != nil {
		switch {
		case errors.Is(err, backup.ErrBackupNotFound):
			respondError(c, apierrors.ErrBackupKeyNotFoundError)
		case errors.Is(err, backup.ErrBackupExpired):
			respondError(c, apierrors.ErrBackupKeyExpiredError)
		default:
			logging.LogError(err, requestID(c), "server", "restore_backup_key")
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}
	c.JSON(http.StatusOK, backup.BackupKeyResponse{
		ID:           bk.ID,
		MaskedSecret: keys.MaskSecret(bk.Secret),
		IsUsed:       bk.IsUsed,
		Activated:    bk.Activated,
		CreatedAt:    bk.CreatedAt,
	})
}

// --- Proxy registry handlers ---

func (s *APIServer) handleCreateProxy(c *gin.Context) {
	var req CreateProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	proxy, err := s.bindingSvc.CreateProxy(c.Request.Context(), req.ID, req.Name, req.Endpoint)
	if err != nil {
		switch {
		case errors.Is(err, bindings.ErrDuplicateProxy):
			respondError(c, apierrors.ErrDuplicateIDError)
		case errors.Is(err, bindings.ErrEmptyProxyID):
			respondError(c, apierrors.NewValidationError(err.Error()))
		default:
			logging.LogError(err, requestID(c), "server", "create_proxy")
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusCreated, proxy)
}

func (s *APIServer) handleListProxies(c *gin.Context) {
	proxies, err := s.bindingSvc.ListProxies(c.Request.Context())
	if err != nil {
		logging.LogError(err, requestID(c), "server", "list_proxies")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proxies": proxies, "total": len(proxies)})
}

func (s *APIServer) handleDeleteProxy(c *gin.Context) {
	if err := s.bindingSvc.DeleteProxy(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, bindings.ErrProxyNotFound) {
			respondError(c, apierrors.ErrProxyNotFoundError)
			return
		}
		logging.LogError(err, requestID(c), "server", "delete_proxy")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// --- Binding table handlers ---

func (s *APIServer) handleListProxyBindings(c *gin.Context) {
	out, err := s.bindingSvc.ListForProxy(c.Request.Context(), c.Param("id"))
	if err != nil {
		logging.LogError(err, requestID(c), "server", "list_proxy_bindings")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bindings": out, "total": len(out)})
}

func (s *APIServer) handleCreateBinding(c *gin.Context) {
	var req CreateBindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	binding, err := s.bindingSvc.Create(c.Request.Context(), c.Param("id"), req.KeyID, req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, bindings.ErrProxyNotFound):
			respondError(c, apierrors.ErrProxyNotFoundError)
		case errors.Is(err, bindings.ErrKeyNotFound):
			respondError(c, apierrors.ErrKeyNotFoundError)
		case errors.Is(err, bindings.ErrDuplicateBinding):
			respondError(c, apierrors.ErrDuplicateBindingError)
		case errors.Is(err, bindings.ErrInvalidPriority):
			respondError(c, apierrors.NewValidationError(err.Error()))
		default:
			logging.LogError(err, requestID(c), "server", "create_binding")
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusCreated, binding)
}

func (s *APIServer) handleUpdateBinding(c *gin.Context) {
	var req bindings.UpdateBindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	binding, err := s.bindingSvc.Update(c.Request.Context(), c.Param("id"), c.Param("keyId"), &req)
	if err != nil {
		switch {
		case errors.Is(err, bindings.ErrBindingNotFound):
			respondError(c, apierrors.ErrBindingNotFoundError)
		case errors.Is(err, bindings.ErrInvalidPriority):
			respondError(c, apierrors.NewValidationError(err.Error()))
		default:
			logging.LogError(err, requestID(c), "server", "update_binding")
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, binding)
}

func (s *APIServer) handleDeleteBinding(c *gin.Context) {
	err := s.bindingSvc.Delete(c.Request.Context(), c.Param("id"), c.Param("keyId"))
	if err != nil {
		if errors.Is(err, bindings.ErrBindingNotFound) {
			respondError(c, apierrors.ErrBindingNotFoundError)
			return
		}
		logging.LogError(err, requestID(c), "server", "delete_binding")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *APIServer) handleDeleteProxyBindings(c *gin.Context) {
	count, err := s.bindingSvc.DeleteAllForProxy(c.Request.Context(), c.Param("id"))
	if err != nil {
		logging.LogError(err, requestID(c), "server", "delete_proxy_bindings")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}

func (s *APIServer) handleListBindings(c *gin.Context) {
	resp, err := s.bindingSvc.List(c.Request.Context())
	if err != nil {
		logging.LogError(err, requestID(c), "server", "list_bindings")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleRepairBindings(c *gin.Context) {
	result, err := s.bindingSvc.Repair(c.Request.Context(), "manual")
	if err != nil {
		logging.LogError(err, requestID(c), "server", "repair_bindings")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Spend monitor handlers ---

func (s *APIServer) handleSpendSummary(c *gin.Context) {
	summary, err := s.rotationSvc.Summary(c.Request.Context())
	if err != nil {
		logging.LogError(err, requestID(c), "server", "spend_summary")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *APIServer) handleSpendHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	history, err := s.rotationSvc.History(c.Request.Context(), c.Query("key_id"), page, pageSize)
	if err != nil {
		logging.LogError(err, requestID(c), "server", "spend_history")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *APIServer) handleSpendCheck(c *gin.Context) {
	result, err := s.rotationSvc.CheckAll(c.Request.Context())
	if err != nil {
		logging.LogError(err, requestID(c), "server", "spend_check")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Router view handler ---

func (s *APIServer) handleRouterView(c *gin.Context) {
	out, err := s.bindingSvc.RouterView(c.Request.Context(), c.Param("id"))
	if err != nil {
		logging.LogError(err, requestID(c), "server", "router_view")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": out, "total": len(out)})
}

// --- Webhook handlers ---

func (s *APIServer) handleWebhookStatus(c *gin.Context) {
	resp, err := s.ingestSvc.Status(c.Request.Context())
	if err != nil {
		logging.LogError(err, requestID(c), "server", "webhook_status")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleWebhookRotate(c *gin.Context) {
	var req ingest.RotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	resp, err := s.ingestSvc.Rotate(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrEmptyAPIKey):
			respondError(c, apierrors.NewValidationError(err.Error()))
		case errors.Is(err, ingest.ErrDuplicateID):
			respondError(c, apierrors.ErrDuplicateIDError)
		default:
			logging.LogError(err, requestID(c), "server", "webhook_rotate")
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func requestID(c *gin.Context) string {
	id, _ := c.Get("request_id")
	s, _ := id.(string)
	return s
}
