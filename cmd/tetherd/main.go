package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/tetherhq/tetherd/internal/api/http"
	"github.com/tetherhq/tetherd/internal/credstore"
	"github.com/tetherhq/tetherd/internal/hub"
	"github.com/tetherhq/tetherd/internal/identity"
	"github.com/tetherhq/tetherd/internal/pairing"
	"github.com/tetherhq/tetherd/internal/session"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Tetherd", "version", AppVersion)

	secret := config.Auth.Secret
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			slog.Error("Failed to generate auth secret", "error", err)
			os.Exit(1)
		}
		secret = hex.EncodeToString(b)
		slog.Warn("No auth secret configured, generated one; sessions will not survive a restart")
	}

	store, err := credstore.Open(config.State.Path)
	if err != nil {
		slog.Error("Failed to open state file", "path", config.State.Path, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nonces := credstore.NewNonceCache(2 * config.Auth.SkewWindow)
	go nonces.StartCleanup(ctx, time.Minute)

	fingerprint := identity.Fingerprint([]byte(secret))
	authority := pairing.NewAuthority(store, fingerprint, config.Pairing.TTL)

	if _, err := store.Device(); err != nil {
		grant, err := authority.Create()
		if err != nil {
			slog.Error("Failed to create pairing grant", "error", err)
			os.Exit(1)
		}
		slog.Info("No device paired yet, pairing window open",
			"code", grant.Code,
			"fingerprint", grant.Fingerprint,
			"expires_at", grant.ExpiresAt)
	}

	jwtConfig := session.JWTConfig{Secret: secret, TTL: config.Auth.SessionTTL}
	issuer := session.NewIssuer(store, nonces, jwtConfig, config.Auth.SkewWindow, config.Auth.JoinTokenTTL)

	connectionHub := hub.New(issuer, store, hub.Config{
		MaxPayloadBytes:   config.Hub.MaxPayloadBytes,
		PendingRequestTTL: config.Hub.PendingRequestTTL,
	})

	services := &internalhttp.Services{
		Authority: authority,
		Issuer:    issuer,
		Store:     store,
		Hub:       connectionHub,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	connectionHub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	if err := store.PruneJoinTokens(); err != nil {
		slog.Error("Failed to prune join tokens", "error", err)
	}

	slog.Info("Shutdown complete")
}
