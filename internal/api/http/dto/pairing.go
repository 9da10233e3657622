package dto

import "time"

type PairingStatusResponse struct {
	Active      bool      `json:"active"`
	Code        string    `json:"code,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

type ClaimRequest struct {
	Code string `json:"code" binding:"required"`
}

type ClaimResponse struct {
	PairingNonce      string `json:"pairing_nonce"`
	ServerFingerprint string `json:"server_fingerprint"`
}

type ConfirmRequest struct {
	PairingNonce    string `json:"pairing_nonce" binding:"required"`
	DevicePublicKey string `json:"device_public_key" binding:"required"`
	Signature       string `json:"signature" binding:"required"`
}

type ConfirmResponse struct {
	DeviceID string `json:"device_id"`
}
