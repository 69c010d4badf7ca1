package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/bruwbird/openai-response/internal/host"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxRequestBodyBytes = 1 << 20

type ServiceCaller interface {
	Call(ctx context.Context, domain, service string, data map[string]any) error
	List() []string
}

type StateStore interface {
	Get(entityID string) (host.State, bool)
	All() []host.State
	Set(entityID, state string, attrs map[string]any) host.State
}

type Config struct {
	// AccessTokens guards /api with bearer auth. Empty disables auth.
	AccessTokens map[string]struct{}
}

type Server struct {
	cfg      Config
	services ServiceCaller
	states   StateStore
	log      *zap.SugaredLogger

	router *gin.Engine
}

func New(cfg Config, services ServiceCaller, states StateStore, logger *zap.SugaredLogger) (*Server, error) {
	if services == nil {
		return nil, errors.New("service registry is required")
	}
	if states == nil {
		return nil, errors.New("state store is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		cfg:      cfg,
		services: services,
		states:   states,
		log:      logger.With("component", "httpapi"),
	}
	s.router = s.newRouter()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLoggerMiddleware())

	r.GET("/healthz", s.handleHealthz)
	r.HEAD("/healthz", s.handleHealthz)

	api := r.Group("/api")
	api.Use(s.authMiddleware())
	api.GET("/states", s.handleListStates)
	api.GET("/states/:entity_id", s.handleGetState)
	api.POST("/states/:entity_id", s.handleSetState)
	api.GET("/services", s.handleListServices)
	api.POST("/services/:domain/:service", s.handleCallService)

	return r
}
