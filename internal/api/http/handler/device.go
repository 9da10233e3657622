package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tetherhq/tetherd/internal/api/http/dto"
	"github.com/tetherhq/tetherd/internal/session"
)

type DeviceHandler struct {
	issuer *session.Issuer
}

func NewDeviceHandler(issuer *session.Issuer) *DeviceHandler {
	return &DeviceHandler{issuer: issuer}
}

// Session exchanges a signed device request for a bearer session token.
// Every verification failure maps to 401; no partial credential is ever
// issued.
func (h *DeviceHandler) Session(c *gin.Context) {
	req, ok := bindSignedRequest(c)
	if !ok {
		return
	}

	token, err := h.issuer.RequestSession(req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, dto.SessionResponse{Token: token})
}

// WorkerJoinToken issues a one-time token the device passes to a worker
// process out of band.
func (h *DeviceHandler) WorkerJoinToken(c *gin.Context) {
	req, ok := bindSignedRequest(c)
	if !ok {
		return
	}

	token, err := h.issuer.RequestWorkerJoinToken(req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, dto.WorkerJoinTokenResponse{JoinToken: token})
}

func bindSignedRequest(c *gin.Context) (session.SignedRequest, bool) {
	var req dto.SignedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Debug("Malformed signed request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return session.SignedRequest{}, false
	}
	return session.SignedRequest{
		DeviceID:  req.DeviceID,
		Timestamp: req.Timestamp,
		Nonce:     req.Nonce,
		Signature: req.Signature,
	}, true
}
