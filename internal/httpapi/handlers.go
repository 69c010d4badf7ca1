package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bruwbird/openai-response/internal/host"
	"github.com/bruwbird/openai-response/internal/sensor"
	"github.com/gin-gonic/gin"
)

const (
	authRealm = "openai-response"

	codeUnauthorized = "unauthorized"
)

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type setStateRequest struct {
	State      *string        `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, errorResponse{Message: message})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, "ok\n")
}

func (s *Server) handleListStates(c *gin.Context) {
	c.JSON(http.StatusOK, s.states.All())
}

func (s *Server) handleGetState(c *gin.Context) {
	st, ok := s.states.Get(c.Param("entity_id"))
	if !ok {
		writeError(c, http.StatusNotFound, "entity not found")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleSetState(c *gin.Context) {
	entityID := strings.TrimSpace(c.Param("entity_id"))
	if !strings.Contains(entityID, ".") {
		writeError(c, http.StatusBadRequest, "entity_id must be <domain>.<object_id>")
		return
	}

	var req setStateRequest
	if err := decodeJSONBody(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.State == nil {
		writeError(c, http.StatusBadRequest, "state is required")
		return
	}

	_, existed := s.states.Get(entityID)
	st := s.states.Set(entityID, *req.State, req.Attributes)

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	c.JSON(status, st)
}

func (s *Server) handleListServices(c *gin.Context) {
	c.JSON(http.StatusOK, s.services.List())
}

func (s *Server) handleCallService(c *gin.Context) {
	domain := c.Param("domain")
	service := c.Param("service")

	data := map[string]any{}
	if err := decodeJSONBody(c, &data); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	err := s.services.Call(c.Request.Context(), domain, service, data)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"service": domain + "." + service})
	case errors.Is(err, host.ErrServiceNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, sensor.ErrInvalidPayload):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		s.log.Errorw("service call failed", "service", domain+"."+service, "err", err)
		writeError(c, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSONBody accepts an empty body as "no fields".
func decodeJSONBody(c *gin.Context, dst any) error {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(body)

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errors.New("request body too large")
		}
		return errors.New("request body must be a JSON object")
	}
	return nil
}
