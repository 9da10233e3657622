package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tetherhq/tetherd/internal/api/http/dto"
	"github.com/tetherhq/tetherd/internal/session"
)

type WorkerHandler struct {
	issuer *session.Issuer
}

func NewWorkerHandler(issuer *session.Issuer) *WorkerHandler {
	return &WorkerHandler{issuer: issuer}
}

// Join exchanges a one-time join token plus the worker's public key for a
// durable worker credential.
func (h *WorkerHandler) Join(c *gin.Context) {
	var req dto.WorkerJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	worker, err := h.issuer.ExchangeJoinToken(req.JoinToken, req.WorkerPublicKey)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid join token"})
		return
	}

	c.JSON(http.StatusOK, dto.WorkerJoinResponse{
		WorkerID:   worker.WorkerID,
		Credential: worker.Credential,
	})
}
