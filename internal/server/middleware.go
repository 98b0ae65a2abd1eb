package server

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderInternalSecret = "X-Internal-Secret"

	contextUserIDKey = "user_id"
)

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if last := c.Errors.Last(); last != nil {
			fields = append(fields, zap.Error(last.Err))
		}
		if c.Writer.Status() >= 500 {
			log.Error("request failed", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

// UserRequired resolves the caller's identity from the gateway-injected
// user header. The edge gateway terminates end-user auth; this service
// only trusts its forwarded identity.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		userID, err := snowflake.ParseString(raw)
		if err != nil || userID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, userID)
		c.Next()
	}
}

// InternalAuthRequired protects operator endpoints with the shared
// internal secret.
func (s *Server) InternalAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.InternalAPISecret
		presented := strings.TrimSpace(c.GetHeader(HeaderInternalSecret))
		if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func userIDFromContext(c *gin.Context) (snowflake.ID, bool) {
	value, ok := c.Get(contextUserIDKey)
	if !ok {
		return 0, false
	}
	userID, ok := value.(snowflake.ID)
	return userID, ok
}
