package api

import (
	"net/http"
	"strconv"

	"purchase-api/internal/response"

	"github.com/gin-gonic/gin"
)

// GetEntitlements returns the caller's current entitlement snapshot.
// Clients resync here after webhook-driven changes instead of replaying
// receipts.
// GET /api/purchase/entitlements
func (h *PurchaseHandler) GetEntitlements(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	ents, err := h.reconciler.EntitlementsFor(c.Request.Context(), user.ID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to load entitlements")
		return
	}

	response.SuccessJSON(c, ents)
}

// GetHistory returns the caller's purchase attempts, newest first.
// GET /api/purchase/history?limit=20&offset=0
func (h *PurchaseHandler) GetHistory(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txns, err := h.ledger.HistoryForUser(user.ID, limit, offset)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodePersistenceFailed, "Failed to load purchase history")
		return
	}

	response.SuccessJSON(c, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}
