// Package middleware contains the Gin middleware shared by the webhook and
// admin routes.
//
// This file provides request correlation, panic recovery and access to the
// request-scoped logger. Recommended order:
//  1. RequestID()
//  2. RedactingLogger(...)
//  3. Recovery()
//
// so panics and errors carry the correlation id.
package middleware

import (
	"context"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// loggerKey is the Gin context key of the request-scoped logger.
	loggerKey = "logger"
	// requestIDHeader is the HTTP header used to propagate the correlation ID.
	requestIDHeader = "X-Request-ID"
	// maxRequestIDLength bounds client-supplied ids before they reach logs.
	maxRequestIDLength = 128
)

// RequestID reuses the caller's X-Request-ID (LINE does not send one) or
// generates a UUIDv4, stores it in the Gin context and echoes it back.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" || len(rid) > maxRequestIDLength {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the correlation id set by RequestID, or "".
func RequestIDFrom(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// Recovery turns panics into a JSON 500 carrying the request id and logs the
// stack. Place it after the logger so the failed request is still logged.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := RequestIDFrom(c)
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if c.Writer.Written() {
					c.AbortWithStatus(http.StatusInternalServerError)
					return
				}
				c.Header(requestIDHeader, rid)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"request_id": rid,
					"code":       "internal_error",
					"message":    "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when the
// logging middleware did not run. Never nil.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// Context returns the request context carrying the request-scoped logger, so
// code below the HTTP layer can use zerolog.Ctx.
func Context(c *gin.Context) context.Context {
	return LoggerFrom(c).WithContext(c.Request.Context())
}

// setLogger stores lg in the Gin context and the request context.
func setLogger(c *gin.Context, lg *zerolog.Logger) {
	c.Set(loggerKey, lg)
	c.Request = c.Request.WithContext(lg.WithContext(c.Request.Context()))
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
