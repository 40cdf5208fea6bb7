package sned

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPrefix          = "/api"
	apiHealthCheck     = "/healthz"
	apiPathGuildUsers  = "/guilds/:guild_id/users"
	apiPathGuildPrefix = "/guilds/:guild_id/prefix"
	apiPathGuildReset  = "/guilds/:guild_id/reset"

	xRequestIDHeader = "X-Request-ID"
)

// API serves the privileged admin HTTP endpoints: guild prefix
// inspection and updates, moderation state listing, and guild resets.
// All /api routes require the configured bearer secret.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger
	bot              *Bot
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		bot:            b,
	}
	api.logger = setupLogger.With(loggerNameKey, "api")

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))

	protected.GET(apiPathGuildUsers, api.getGuildUsers)
	protected.GET(apiPathGuildPrefix, api.getGuildPrefix)
	protected.PUT(apiPathGuildPrefix, api.updateGuildPrefix)
	protected.POST(apiPathGuildReset, api.resetGuild)

	return api, nil
}

// Serve listens on the configured address and serves until the context
// is canceled, at which point the server shuts down gracefully.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if e != nil {
			return e
		}
		a.listener = ln
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			a.config.WriteTimeout,
		)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api server", tint.Err(err))
		}
	}()

	a.logger.Info("serving admin api", "listen", a.config.Listen)
	return a.httpServer.Serve(a.listener)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":     "ok",
			"version":    Version,
			"started_at": a.bot.startedAt,
		},
	)
}

func (a *API) getGuildUsers(c *gin.Context) {
	guildID := c.Param("guild_id")
	users, err := a.bot.store.ListUsers(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error listing users", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild_id": guildID, "users": users})
}

func (a *API) getGuildPrefix(c *gin.Context) {
	guildID := c.Param("guild_id")
	prefixes := a.bot.cache.Resolve(c.Request.Context(), guildID)
	c.JSON(http.StatusOK, gin.H{"guild_id": guildID, "prefixes": prefixes})
}

type updatePrefixRequest struct {
	Prefixes []string `json:"prefixes" binding:"required,min=1,dive,min=1"`
}

func (a *API) updateGuildPrefix(c *gin.Context) {
	guildID := c.Param("guild_id")

	var req updatePrefixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := a.bot.cache.Set(ctx, guildID, req.Prefixes); err != nil {
		ginContextLogger(c).Error("error updating prefixes", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	a.bot.notifier.PrefixUpdated(ctx, guildID)

	c.JSON(http.StatusOK, gin.H{"guild_id": guildID, "prefixes": req.Prefixes})
}

func (a *API) resetGuild(c *gin.Context) {
	guildID := c.Param("guild_id")

	ctx := c.Request.Context()
	if err := a.bot.store.ResetGuild(ctx, guildID); err != nil {
		ginContextLogger(c).Error("error resetting guild", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	a.bot.cache.Invalidate(ctx, guildID)
	a.bot.notifier.PrefixUpdated(ctx, guildID)

	c.JSON(http.StatusOK, gin.H{"guild_id": guildID, "reset": true})
}

// authMiddleware requires a constant-time match on the configured bearer
// secret for every request in the group.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || secret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(xRequestIDHeader)
		if requestID == "" {
			requestID, _ = generateRandomHexString(16)
		}
		c.Set(xRequestIDHeader, requestID)
		c.Header(xRequestIDHeader, requestID)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests: the method, path, remote address, and request duration. Any
// accumulated errors are logged as well.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware tracks request counts per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}
