package itemdesk

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiHealthCheck  = "/api/healthz"
	apiPathQueue    = "/api/queue"
	apiPathProjects = "/api/projects"
)

// API is a small read-only HTTP server exposing the bot's health and a
// snapshot of the request queue, mostly for dashboards and probes.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	bot        *ItemDesk

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
}

func newAPI(d *ItemDesk, config *APIConfig) (*API, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		bot:            d,
		requestMetrics: map[string]int{},
		logger: slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "api"),
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		cfg, err := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathQueue, api.getQueue)
	r.GET(apiPathProjects, api.getProjects)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(
			ctx, a.config.ListenNetwork, a.config.Listen,
		)
		if err != nil {
			return err
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.Info("api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the API server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":     "ok",
			"started_at": a.bot.startedAt,
		},
	)
}

// queueSnapshot is the API's view of the request queue.
type queueSnapshot struct {
	Requests      []Request             `json:"requests"`
	Reassignments []ReassignmentRequest `json:"reassignment_requests"`
	Total         int                   `json:"total"`
}

func (a *API) getQueue(c *gin.Context) {
	ctx := c.Request.Context()

	requests, err := a.bot.store.Requests(ctx, Query{})
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	reassignments, err := a.bot.store.Reassignments(ctx, Query{})
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(
		http.StatusOK, queueSnapshot{
			Requests:      requests,
			Reassignments: reassignments,
			Total:         len(requests) + len(reassignments),
		},
	)
}

func (a *API) getProjects(c *gin.Context) {
	projects, err := a.bot.projectOptions(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request and echoes it in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// creating one with request details included if none is set yet.
func ginContextLogger(c *gin.Context) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, loggerOK := logger.(*slog.Logger); loggerOK {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
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

// ginLoggingMiddleware logs each request's method, path, duration, and
// response status.
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

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}
