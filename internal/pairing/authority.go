// Package pairing implements the one-time ceremony that establishes trust
// between a physical device and this server: a human-enterable code is
// shown to the user, the device claims it, then proves possession of its
// key pair by signing the grant's nonce and fingerprint.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tetherd/internal/credstore"
	"github.com/tetherhq/tetherd/internal/identity"
)

var (
	ErrInvalidPairingCode = errors.New("invalid pairing code")
	ErrSignatureMismatch  = errors.New("pairing signature mismatch")
)

// codeAlphabet avoids ambiguous characters; codes are read off a screen
// and typed by hand.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 6

type Grant struct {
	Code        string
	Nonce       string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Claimed     bool
	Consumed    bool
}

// Authority issues pairing grants and turns a confirmed grant into the
// deployment's paired device record. At most one grant is outstanding;
// creating a new one supersedes the previous.
type Authority struct {
	mu          sync.Mutex
	grant       *Grant
	store       *credstore.Store
	fingerprint string
	ttl         time.Duration
}

func NewAuthority(store *credstore.Store, fingerprint string, ttl time.Duration) *Authority {
	return &Authority{
		store:       store,
		fingerprint: fingerprint,
		ttl:         ttl,
	}
}

// Create issues a fresh pairing grant, superseding any outstanding one.
func (a *Authority) Create() (Grant, error) {
	code, err := randomCode()
	if err != nil {
		return Grant{}, err
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return Grant{}, fmt.Errorf("generate pairing nonce: %w", err)
	}

	now := time.Now()
	grant := Grant{
		Code:        code,
		Nonce:       hex.EncodeToString(nonce),
		Fingerprint: a.fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(a.ttl),
	}

	a.mu.Lock()
	if a.grant != nil && !a.grant.Consumed {
		slog.Warn("Superseding outstanding pairing grant", "code", a.grant.Code)
	}
	a.grant = &grant
	a.mu.Unlock()

	slog.Info("Pairing grant created", "code", grant.Code, "expires_at", grant.ExpiresAt)
	return grant, nil
}

// Current returns the outstanding grant, if one is live. The code and
// fingerprint are what the operator shows to the user during the pairing
// window.
func (a *Authority) Current() (Grant, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.grant == nil || a.grant.Consumed || time.Now().After(a.grant.ExpiresAt) {
		return Grant{}, false
	}
	return *a.grant, true
}

// EnsureCurrent returns the live grant, creating a fresh one when none is
// outstanding. Used while the deployment is unpaired so the pairing
// window never closes for good.
func (a *Authority) EnsureCurrent() (Grant, error) {
	if grant, ok := a.Current(); ok {
		return grant, nil
	}
	return a.Create()
}

// Claim validates the code the device typed in and hands back the nonce
// and fingerprint it must sign. The grant stays live until confirmed or
// expired.
func (a *Authority) Claim(code string) (nonce, fingerprint string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.grant == nil || a.grant.Consumed || a.grant.Code != code {
		return "", "", ErrInvalidPairingCode
	}
	if time.Now().After(a.grant.ExpiresAt) {
		return "", "", ErrInvalidPairingCode
	}

	a.grant.Claimed = true
	slog.Info("Pairing grant claimed", "code", code)
	return a.grant.Nonce, a.grant.Fingerprint, nil
}

// Confirm verifies the device's signature over the grant and persists the
// device record, consuming the grant. Re-pairing replaces the previous
// device.
func (a *Authority) Confirm(nonce, devicePublicKey, signature string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.grant == nil || a.grant.Consumed || a.grant.Nonce != nonce {
		return "", ErrInvalidPairingCode
	}
	if time.Now().After(a.grant.ExpiresAt) {
		return "", ErrInvalidPairingCode
	}

	message := identity.PairingMessage(a.grant.Nonce, a.grant.Fingerprint)
	if err := identity.Verify(devicePublicKey, message, signature); err != nil {
		slog.Warn("Pairing confirmation rejected", "error", err)
		return "", ErrSignatureMismatch
	}

	device := credstore.Device{
		DeviceID:  uuid.New().String(),
		PublicKey: devicePublicKey,
		PairedAt:  time.Now(),
	}
	if err := a.store.SetDevice(device); err != nil {
		return "", fmt.Errorf("persist device: %w", err)
	}

	a.grant.Consumed = true

	slog.Info("Device paired", "device_id", device.DeviceID)
	return device.DeviceID, nil
}

func randomCode() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b), nil
}
