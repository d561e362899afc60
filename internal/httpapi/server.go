package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/credits"
)

// Config carries the HTTP server settings.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	JWTSigningKey   []byte
	SignatureHeader string
}

const defaultSignatureHeader = "Billing-Signature"

// Server is the HTTP facade over the credit engine.
type Server struct {
	logger  *zap.Logger
	service *credits.Service
	gateway *credits.WebhookGateway
	cfg     Config
}

// New wires a Server.
func New(logger *zap.Logger, service *credits.Service, gateway *credits.WebhookGateway, cfg Config) *Server {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = defaultSignatureHeader
	}
	return &Server{
		logger:  logger,
		service: service,
		gateway: gateway,
		cfg:     cfg,
	}
}

// Router builds the gin engine with all routes mounted.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The billing processor signs its deliveries; no bearer token.
	router.POST("/v1/webhooks/billing", server.handleWebhook)

	api := router.Group("/v1")
	api.Use(RequireAuth(server.cfg.JWTSigningKey))

	api.GET("/accounts/:id/balance", server.handleBalance)
	api.GET("/accounts/:id/transactions", server.handleTransactions)
	api.POST("/reservations", server.handleReserve)
	api.POST("/reservations/:id/commit", server.handleCommit)
	api.POST("/reservations/:id/rollback", server.handleRollback)
	api.POST("/purchases", server.handlePurchase)
	api.POST("/subscriptions/cancel", server.handleCancelToggle)

	return router
}

// Run serves until ctx is canceled, then drains with a short timeout.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http server listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
