package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tetherhq/tetherd/internal/api/http/dto"
	"github.com/tetherhq/tetherd/internal/credstore"
	"github.com/tetherhq/tetherd/internal/pairing"
)

type PairingHandler struct {
	authority *pairing.Authority
	store     *credstore.Store
}

func NewPairingHandler(authority *pairing.Authority, store *credstore.Store) *PairingHandler {
	return &PairingHandler{authority: authority, store: store}
}

// Status exposes the outstanding pairing grant so the operator can read
// the code and fingerprint off the deployment during the pairing window.
// While no device is paired an expired grant is replaced so the window
// never closes for good.
func (h *PairingHandler) Status(c *gin.Context) {
	grant, active := h.authority.Current()
	if !active {
		if _, err := h.store.Device(); err != nil {
			fresh, err := h.authority.EnsureCurrent()
			if err != nil {
				slog.Error("Failed to create pairing grant", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			grant, active = fresh, true
		}
	}
	if !active {
		c.JSON(http.StatusOK, dto.PairingStatusResponse{Active: false})
		return
	}
	c.JSON(http.StatusOK, dto.PairingStatusResponse{
		Active:      true,
		Code:        grant.Code,
		Fingerprint: grant.Fingerprint,
		ExpiresAt:   grant.ExpiresAt,
	})
}

func (h *PairingHandler) Claim(c *gin.Context) {
	var req dto.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	nonce, fingerprint, err := h.authority.Claim(req.Code)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pairing code"})
		return
	}

	c.JSON(http.StatusOK, dto.ClaimResponse{
		PairingNonce:      nonce,
		ServerFingerprint: fingerprint,
	})
}

func (h *PairingHandler) Confirm(c *gin.Context) {
	var req dto.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deviceID, err := h.authority.Confirm(req.PairingNonce, req.DevicePublicKey, req.Signature)
	if err != nil {
		if errors.Is(err, pairing.ErrSignatureMismatch) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
			return
		}
		if errors.Is(err, pairing.ErrInvalidPairingCode) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pairing code"})
			return
		}
		slog.Error("Pairing confirmation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, dto.ConfirmResponse{DeviceID: deviceID})
}
