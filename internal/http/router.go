// Package httpapi wires the Gin transport: the LINE webhook, the optional
// admin conversation API, and the cross-cutting middleware (tracing,
// correlation ids, redacted logging, recovery, metrics, CORS, security
// headers and rate limiting).
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/config"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/docs"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/http/handlers"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/http/middleware"
)

// maxWebhookBody caps request bodies. LINE batches stay far below it.
const maxWebhookBody = 1 << 20

// Deps are the services behind the routes.
type Deps struct {
	// Dispatcher and ParseWebhook back the webhook route.
	Dispatcher   handlers.EventDispatcher
	ParseWebhook handlers.WebhookParser
	// Conversations backs the admin API; it is mounted only with cfg.AdminToken.
	Conversations handlers.ConversationService
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: scrubbed access log, request-scoped logger
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and security headers
//
// The admin group adds bearer auth, rate limiting and gzip on top.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Api-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxWebhookBody))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Use(corsMiddleware(cfg.CORS)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(deps.Conversations, deps.Dispatcher, deps.ParseWebhook)

	if deps.Dispatcher != nil && deps.ParseWebhook != nil {
		r.POST(webhookPath(cfg.LINE.WebhookPath), h.Webhook)
	}

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if cfg.AdminToken == "" || deps.Conversations == nil {
		return
	}
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientIP())
	admin := groupWithPrefix(r, cfg.APIBasePath)
	admin.Use(
		middleware.BearerAuth(cfg.AdminToken),
		rl.Handler(),
		middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}),
		gzip.Gzip(gzip.DefaultCompression),
	)
	{
		admin.GET("/conversations", h.ListConversations)
		admin.GET("/conversations/:user_id", h.GetConversation)
		admin.GET("/conversations/:user_id/messages", h.ListMessages)
		admin.POST("/conversations/:user_id/cancel", h.CancelConversation)
	}
}

// corsMiddleware allows any origin when none are configured, otherwise only
// the allowlist. Credentials are never allowed; the admin API uses a bearer
// token.
func corsMiddleware(cfg config.CORSConfig) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		base.AllowAllOrigins = true
		// Set ACAO even without an Origin header so health checks see it.
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}
	base.AllowOrigins = cfg.AllowedOrigins
	// Echo ACAO for allowlisted origins on plain requests too; cors.New only
	// answers preflights and cross-origin calls it recognizes.
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps request bodies at maxBytes; larger reads fail downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func webhookPath(p string) string {
	if p == "" || p == "/" {
		return "/callback"
	}
	return p
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
