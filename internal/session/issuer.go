// Package session turns a paired device's signed requests into short-lived
// session bearers, and brokers the join-token exchange that gives a worker
// its durable credential.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tetherd/internal/credstore"
	"github.com/tetherhq/tetherd/internal/identity"
)

var (
	ErrSignatureMismatch = errors.New("request signature mismatch")
	ErrReplayedNonce     = errors.New("request nonce already seen")
	ErrClockSkew         = errors.New("request timestamp outside skew window")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrExpiredToken      = errors.New("token expired or already used")
)

const (
	SessionPath   = "/device/session"
	JoinTokenPath = "/device/worker-join-token"
)

// SignedRequest is the envelope a device sends with every authenticated
// HTTP request: the signature covers METHOD\nPATH\ntimestamp\nnonce.
type SignedRequest struct {
	DeviceID  string
	Timestamp string
	Nonce     string
	Signature string
}

type Issuer struct {
	store     *credstore.Store
	nonces    *credstore.NonceCache
	jwtConfig JWTConfig
	skew      time.Duration
	joinTTL   time.Duration
}

func NewIssuer(store *credstore.Store, nonces *credstore.NonceCache, jwtConfig JWTConfig, skew, joinTTL time.Duration) *Issuer {
	return &Issuer{
		store:     store,
		nonces:    nonces,
		jwtConfig: jwtConfig,
		skew:      skew,
		joinTTL:   joinTTL,
	}
}

// verifySignedRequest is the single verification routine shared by all
// signed-envelope endpoints. Every check fails closed.
func (i *Issuer) verifySignedRequest(method, path string, req SignedRequest) error {
	device, err := i.store.Device()
	if err != nil || device.DeviceID != req.DeviceID {
		return ErrUnknownDevice
	}

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return ErrClockSkew
	}
	drift := time.Since(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > i.skew {
		return ErrClockSkew
	}

	message := identity.CanonicalRequest(method, path, req.Timestamp, req.Nonce)
	if err := identity.Verify(device.PublicKey, message, req.Signature); err != nil {
		return ErrSignatureMismatch
	}

	// The nonce is recorded only once the signature holds, so a forged
	// request cannot burn a nonce a legitimate caller still needs.
	if !i.nonces.Observe(req.DeviceID, req.Nonce) {
		return ErrReplayedNonce
	}
	return nil
}

// RequestSession exchanges a valid signed request for a bearer session
// token.
func (i *Issuer) RequestSession(req SignedRequest) (string, error) {
	if err := i.verifySignedRequest("POST", SessionPath, req); err != nil {
		slog.Warn("Session request rejected", "device_id", req.DeviceID, "error", err)
		return "", err
	}

	token, err := GenerateToken(i.jwtConfig, req.DeviceID)
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}

	slog.Info("Session issued", "device_id", req.DeviceID)
	return token, nil
}

// ValidateSession checks a session bearer and confirms it belongs to the
// currently paired device.
func (i *Issuer) ValidateSession(token string) (string, error) {
	claims, err := ValidateToken(i.jwtConfig.Secret, token)
	if err != nil {
		return "", fmt.Errorf("validate session: %w", err)
	}

	device, err := i.store.Device()
	if err != nil || device.DeviceID != claims.DeviceID {
		return "", ErrUnknownDevice
	}
	return claims.DeviceID, nil
}

// RequestWorkerJoinToken issues a one-time token the device hands to a
// worker process so it can join this deployment.
func (i *Issuer) RequestWorkerJoinToken(req SignedRequest) (string, error) {
	if err := i.verifySignedRequest("POST", JoinTokenPath, req); err != nil {
		slog.Warn("Join token request rejected", "device_id", req.DeviceID, "error", err)
		return "", err
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate join token: %w", err)
	}
	token := "jt_" + hex.EncodeToString(b)

	now := time.Now()
	record := credstore.JoinToken{
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(i.joinTTL),
	}
	if err := i.store.PutJoinToken(record); err != nil {
		return "", fmt.Errorf("persist join token: %w", err)
	}

	slog.Info("Worker join token issued", "device_id", req.DeviceID, "expires_at", record.ExpiresAt)
	return token, nil
}

// ExchangeJoinToken consumes a one-time join token and mints a durable
// worker credential bound to the supplied public key.
func (i *Issuer) ExchangeJoinToken(token, workerPublicKey string) (credstore.WorkerCredential, error) {
	if err := i.store.ConsumeJoinToken(token); err != nil {
		slog.Warn("Join token exchange rejected", "error", err)
		return credstore.WorkerCredential{}, ErrExpiredToken
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return credstore.WorkerCredential{}, fmt.Errorf("generate worker credential: %w", err)
	}

	worker := credstore.WorkerCredential{
		WorkerID:   uuid.New().String(),
		PublicKey:  workerPublicKey,
		Credential: "wk_" + hex.EncodeToString(b),
		CreatedAt:  time.Now(),
	}
	if err := i.store.PutWorker(worker); err != nil {
		return credstore.WorkerCredential{}, fmt.Errorf("persist worker credential: %w", err)
	}

	slog.Info("Worker credential issued", "worker_id", worker.WorkerID)
	return worker, nil
}
