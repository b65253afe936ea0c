package squadbot

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// API route paths.
const (
	apiPrefix               = "/api"
	apiHealthCheck          = "/health"
	apiPathMembers          = "/members"
	apiPathOnlineMembers    = "/members/online"
	apiPathGetMember        = "/members/:userId"
	apiPathStats            = "/stats"
	apiPathVoiceChannels    = "/voice"
	apiPathGetVoiceChannel  = "/voice/:channelId"
	apiPathBirthdays        = "/birthdays"
	apiPathBirthdaysToday   = "/birthdays/today"
	apiPathUpcoming         = "/birthdays/upcoming"
	apiPathBirthdayCheck    = "/birthdays/check"
	apiPathDeployWebhook    = "/webhook/deploy"
	pprofPrefix             = "/pprof"
	xRequestIDHeader        = "X-Request-ID"
	xAPIKeyHeader           = "X-API-Key"
	xHubSignatureHeader     = "X-Hub-Signature-256"
	deployWebhookBodyLimit  = 1 << 20
	upcomingDaysDefault     = 7
	rateLimiterIdleEviction = 10 * time.Minute
)

// API is the HTTP server projecting the guild cache, birthday registry
// and conversation stats as JSON. It's read-only except the birthday
// trigger and deploy webhook.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	limiters         *ipRateLimiters
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes and returns a new API instance: logger, gin
// engine, middleware chain and routes.
func newAPI(bot *Squadbot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		limiters:       newIPRateLimiters(config.RateLimitPerMinute),
	}
	api.logger = setupLogger.With(loggerNameKey, "api")
	api.handlers = &APIHandlers{bot: bot, api: api, logger: api.logger}

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
	if len(corsConfig.AllowOrigins) == 0 {
		if bot.config.Development {
			corsConfig.AllowOrigins = []string{"*"}
		} else {
			// no origins configured: same-origin requests still pass,
			// anything cross-origin is refused
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	if !bot.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		rateLimitMiddleware(api.limiters),
		cors.New(corsConfig),
	)

	r.NoRoute(
		func(c *gin.Context) {
			c.JSON(
				http.StatusNotFound,
				gin.H{"success": false, "error": "not found"},
			)
		},
	)

	if bot.config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	// the deploy webhook authenticates via HMAC signature, not API key
	r.POST(apiPrefix+apiPathDeployWebhook, api.handlers.deployWebhook)

	protected := r.Group(apiPrefix)
	protected.Use(apiKeyMiddleware(config.APIKey))

	protected.GET(apiHealthCheck, api.handlers.healthCheck)
	protected.GET(apiPathMembers, api.handlers.getMembers)
	protected.GET(apiPathOnlineMembers, api.handlers.getOnlineMembers)
	protected.GET(apiPathGetMember, api.handlers.getMember)
	protected.GET(apiPathStats, api.handlers.getStats)
	protected.GET(apiPathVoiceChannels, api.handlers.getVoiceChannels)
	protected.GET(apiPathGetVoiceChannel, api.handlers.getVoiceChannel)
	protected.GET(apiPathBirthdays, api.handlers.getBirthdays)
	protected.GET(apiPathBirthdaysToday, api.handlers.getBirthdaysToday)
	protected.GET(apiPathUpcoming, api.handlers.getUpcomingBirthdays)
	protected.POST(apiPathBirthdayCheck, api.handlers.triggerBirthdayCheck)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	bot    *Squadbot
	api    *API
	logger *slog.Logger
}

// healthCheck reports liveness plus cache, conversation and request
// diagnostics.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":            "ok",
			"timestamp":         time.Now(),
			"discord_connected": h.bot.discord.connected.Load(),
			"uptime":            time.Since(h.bot.startedAt).String(),
			"cache":             h.bot.cache.Stats(),
			"conversations":     h.bot.memory.Stats(),
			"gateway":           h.bot.discord.gatewayMetrics(),
			"requests":          h.api.requestMetricsSnapshot(),
		},
	)
}

func (h *APIHandlers) getMembers(c *gin.Context) {
	members := h.bot.cache.ListMembers()
	c.JSON(
		http.StatusOK,
		gin.H{"success": true, "count": len(members), "members": members},
	)
}

func (h *APIHandlers) getOnlineMembers(c *gin.Context) {
	members := h.bot.cache.ListOnlineMembers()
	c.JSON(
		http.StatusOK,
		gin.H{"success": true, "count": len(members), "members": members},
	)
}

func (h *APIHandlers) getMember(c *gin.Context) {
	member, ok := h.bot.cache.GetMember(c.Param("userId"))
	if !ok {
		c.JSON(
			http.StatusNotFound,
			gin.H{"success": false, "error": "member not found"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "member": member})
}

func (h *APIHandlers) getStats(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"success": true,
			"server":  h.bot.cache.ServerStats(),
			"cache":   h.bot.cache.Stats(),
		},
	)
}

func (h *APIHandlers) getVoiceChannels(c *gin.Context) {
	channels := h.bot.cache.ListVoiceChannels()
	c.JSON(
		http.StatusOK,
		gin.H{"success": true, "count": len(channels), "channels": channels},
	)
}

func (h *APIHandlers) getVoiceChannel(c *gin.Context) {
	channel, ok := h.bot.cache.GetVoiceChannel(c.Param("channelId"))
	if !ok {
		c.JSON(
			http.StatusNotFound,
			gin.H{"success": false, "error": "voice channel not found"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "channel": channel})
}

func (h *APIHandlers) getBirthdays(c *gin.Context) {
	birthdays := h.bot.registry.SortedByNextOccurrence(time.Now())
	c.JSON(
		http.StatusOK,
		gin.H{"success": true, "count": len(birthdays), "birthdays": birthdays},
	)
}

func (h *APIHandlers) getBirthdaysToday(c *gin.Context) {
	today := h.bot.registry.Today(time.Now())
	c.JSON(
		http.StatusOK,
		gin.H{"success": true, "count": len(today), "birthdays": today},
	)
}

func (h *APIHandlers) getUpcomingBirthdays(c *gin.Context) {
	days := upcomingDaysDefault
	if rawDays := c.Query("days"); rawDays != "" {
		parsed, err := strconv.Atoi(rawDays)
		if err != nil || parsed < 1 {
			c.JSON(
				http.StatusBadRequest,
				gin.H{
					"success": false,
					"error":   "days must be a positive integer",
				},
			)
			return
		}
		days = parsed
	}
	upcoming := h.bot.registry.Upcoming(time.Now(), days)
	c.JSON(
		http.StatusOK, gin.H{
			"success":   true,
			"days":      days,
			"count":     len(upcoming),
			"birthdays": upcoming,
		},
	)
}

// triggerBirthdayCheck runs the birthday announcement immediately.
// Returns 400 when no notification channel is configured.
func (h *APIHandlers) triggerBirthdayCheck(c *gin.Context) {
	announced, err := h.bot.notifier.Notify(
		c.Request.Context(),
		time.Now(),
	)
	if err != nil {
		c.JSON(
			http.StatusBadRequest,
			gin.H{"success": false, "error": err.Error()},
		)
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"success":   true,
			"message":   "birthday check completed",
			"announced": announced,
			"count":     len(announced),
		},
	)
}

// requestMetricsSnapshot copies the per-route request counters.
func (a *API) requestMetricsSnapshot() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()

	snapshot := make(map[string]int, len(a.requestMetrics))
	for key, count := range a.requestMetrics {
		snapshot[key] = count
	}
	return snapshot
}

// deployWebhook verifies the HMAC signature (when a secret is
// configured), acknowledges immediately, and runs the deploy script in
// the background. The caller never waits on the script.
func (h *APIHandlers) deployWebhook(c *gin.Context) {
	logger := ginContextLogger(c)
	body, err := io.ReadAll(
		http.MaxBytesReader(c.Writer, c.Request.Body, deployWebhookBodyLimit),
	)
	if err != nil {
		c.JSON(
			http.StatusBadRequest,
			gin.H{"success": false, "error": "unable to read body"},
		)
		return
	}

	if secret := h.bot.config.API.WebhookSecret; secret != "" {
		signature := c.GetHeader(xHubSignatureHeader)
		if !verifyWebhookSignature(secret, body, signature) {
			logger.Warn("rejected deploy webhook with bad signature")
			c.JSON(
				http.StatusUnauthorized,
				gin.H{"success": false, "error": "invalid signature"},
			)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "deploying"})

	script := h.bot.config.API.DeployScript
	if script == "" {
		logger.Warn("deploy webhook received but no deploy script configured")
		return
	}
	go h.runDeployScript(script)
}

func (h *APIHandlers) runDeployScript(script string) {
	logger := h.logger.With(loggerNameKey, "deploy")
	logger.Info("starting deploy script", "script", script)
	started := time.Now()
	output, err := exec.Command(script).CombinedOutput()
	if err != nil {
		logger.Error(
			"deploy script failed",
			tint.Err(err),
			"output", truncate(string(output), 2000),
			"duration", time.Since(started),
		)
		return
	}
	logger.Info(
		"deploy script finished",
		"output", truncate(string(output), 2000),
		"duration", time.Since(started),
	)
}

// apiKeyMiddleware rejects requests missing the configured API key.
// When no key is configured, authentication is disabled.
func apiKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		provided := c.GetHeader(xAPIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"success": false, "error": "invalid or missing api key"},
			)
			return
		}
		c.Next()
	}
}

// ipRateLimiters maintains one token bucket per client IP. Buckets are
// created on first sight and evicted after a period of inactivity.
type ipRateLimiters struct {
	mu        sync.Mutex
	limiters  map[string]*ipLimiterEntry
	perMinute int
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiters(perMinute int) *ipRateLimiters {
	return &ipRateLimiters{
		limiters:  map[string]*ipLimiterEntry{},
		perMinute: perMinute,
	}
}

// allow reports whether the given IP has budget remaining, evicting
// stale buckets as a side effect.
func (l *ipRateLimiters) allow(ip string) bool {
	if l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > rateLimiterIdleEviction {
			delete(l.limiters, key)
		}
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(
				rate.Every(time.Minute/time.Duration(l.perMinute)),
				l.perMinute,
			),
		}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// rateLimitMiddleware enforces the per-IP request budget across every
// route, returning 429 when exceeded.
func rateLimitMiddleware(limiters *ipRateLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiters.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				gin.H{"success": false, "error": "rate limit exceeded"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
//
// It generates a random hexadecimal string and sets it in the Gin context
// under the key "X-Request-ID".
// This ID can be used for tracking and logging purposes.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
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

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP requests.
//
// It logs the request method, path, remote address, user agent, referer, and the duration
// of the request. If there are any errors, it logs them as well.
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

// metricMiddleware returns a Gin middleware function for tracking API request
// metrics.
//
// It increments the request count for each unique combination of HTTP
// method and URL path.
// The metrics are stored in the API's requestMetrics map, which is protected
// by a mutex.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

//nolint:gochecknoinits // config validation uses the gin binding tags
func init() {
	structValidator.SetTagName("binding")
}

func generateRandomHexString(length int) (string, error) {
	if length%2 != 0 {
		length++
	}
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	hexString := hex.EncodeToString(bytes)
	return hexString, nil
}
