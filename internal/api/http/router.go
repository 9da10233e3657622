package http

import (
	"github.com/gin-gonic/gin"

	"github.com/tetherhq/tetherd/internal/api/http/handler"
	"github.com/tetherhq/tetherd/internal/api/http/middleware"
	"github.com/tetherhq/tetherd/internal/credstore"
	"github.com/tetherhq/tetherd/internal/hub"
	"github.com/tetherhq/tetherd/internal/pairing"
	"github.com/tetherhq/tetherd/internal/session"
)

type Services struct {
	Authority *pairing.Authority
	Issuer    *session.Issuer
	Store     *credstore.Store
	Hub       *hub.Hub
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	pairingHandler := handler.NewPairingHandler(srvs.Authority, srvs.Store)
	engine.GET("/pairing/status", pairingHandler.Status)
	engine.POST("/pairing/claim", pairingHandler.Claim)
	engine.POST("/pairing/confirm", pairingHandler.Confirm)

	deviceHandler := handler.NewDeviceHandler(srvs.Issuer)
	engine.POST("/device/session", deviceHandler.Session)
	engine.POST("/device/worker-join-token", deviceHandler.WorkerJoinToken)

	workerHandler := handler.NewWorkerHandler(srvs.Issuer)
	engine.POST("/worker/join", workerHandler.Join)

	engine.GET("/events", srvs.Hub.HandleClient)
	engine.GET("/worker", srvs.Hub.HandleWorker)
	engine.GET("/bridge", srvs.Hub.HandleBridge)
}
