package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zapcore"
)

func (s *Server) requestLoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}

		switch {
		case status >= http.StatusInternalServerError:
			s.log.Errorw("http request failed", fields...)
		case s.log.Desugar().Core().Enabled(zapcore.DebugLevel):
			s.log.Debugw("http request", fields...)
		}
	}
}

// authMiddleware requires a configured bearer token on every request when
// access tokens are set. An empty token set disables auth.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.cfg.AccessTokens) == 0 {
			c.Next()
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		switch {
		case !ok:
			abortUnauthorized(c, "missing bearer token")
		case !s.knownToken(token):
			s.log.Debugw("rejected access token", "path", c.Request.URL.Path, "client_ip", c.ClientIP())
			abortUnauthorized(c, "invalid access token")
		default:
			c.Next()
		}
	}
}

func (s *Server) knownToken(token string) bool {
	_, ok := s.cfg.AccessTokens[token]
	return ok
}

func abortUnauthorized(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", `Bearer realm="`+authRealm+`"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: message, Code: codeUnauthorized})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
