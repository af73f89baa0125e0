package statsy

import (
	"context"
	"crypto/sha512"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiHealthCheck          = "/healthz"
	apiPathLoggedIn         = "/logged_in"
	apiPathShortcuts        = "/shortcuts"
	apiPathShortcut         = "/shortcuts/:alias"
	apiPathSavedTags        = "/saved_tags"
	apiPathCommandLogs      = "/command_logs"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathQuit             = "/quit"
	apiDiscordInteractions  = "/discord/interactions"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	defaultPageLimit = 25
	quitTimeout      = 30 * time.Second
)

var (
	structValidator = validator.New()
)

type Sort string

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP API. All routes under /api require a session
// created by POST /login.
type API struct {
	s                   *Statsy
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger
}

func newAPI(s *Statsy, config *APIConfig) (*API, error) {
	logger := newComponentLogger("api", config.LogLevel)

	if s.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		s:                   s,
		config:              config,
		engine:              r,
		logger:              logger,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}

	var secretKey []byte
	if config.Secret == "" {
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	} else {
		sum := sha512.Sum512([]byte(config.Secret))
		secretKey = sum[:]
	}
	api.store = NewCookieStore(secretKey)
	api.store.Options(api.sessionOptions())

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && s.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowAllOrigins = false
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	// cors.New panics when no origin is allowed, which is the case for
	// credentialed CORS without an origin list
	if corsConfig.AllowAllOrigins || len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	} else {
		logger.Warn("no CORS origins configured, CORS headers disabled")
	}
	r.Use(sessions.Sessions(sessionVarName, api.store))

	r.POST(apiPathLogin, api.loginHandler)
	r.POST(apiPathLogout, api.logoutHandler)
	r.GET(apiHealthCheck, api.healthCheck)

	if s.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathLoggedIn, api.loggedIn)
	protected.GET(apiPathShortcuts, api.listShortcuts)
	protected.PUT(apiPathShortcut, api.putShortcut)
	protected.DELETE(apiPathShortcut, api.deleteShortcut)
	protected.GET(apiPathSavedTags, api.getSavedTags)
	protected.GET(apiPathCommandLogs, api.getCommandLogs)
	protected.POST(apiPathRegisterCommands, api.discordRegisterCommands)
	protected.POST(apiPathQuit, api.botQuit)

	return api, nil
}

func (a *API) sessionOptions() sessions.Options {
	sameSite := http.SameSiteStrictMode
	if a.s.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   !a.s.config.Development,
		MaxAge:   int(a.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// Serve listens on the configured address, with TLS if certs are
// configured, until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		} else {
			a.logger.Warn("starting api server without TLS")
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField].(string)
	if !ok || username == "" {
		return "", errors.New("username not found in session")
	}
	return username, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// loginHandler checks the username and password against the most recent
// admin credentials and, if they match, saves the username in the session.
//
// Responses:
//   - 200 OK: logged in
//   - 400 Bad Request: invalid payload
//   - 401 Unauthorized: wrong credentials, or none set
//   - 429 Too Many Requests: login rate limited
func (a *API) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !a.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cred, err := latestAdminCredential(c.Request.Context(), a.s.db)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Error("error getting admin credentials", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	if login.Username != cred.Username {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(cred.Password, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Options(a.sessionOptions())
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (a *API) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (a *API) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Version:            Version,
		CommandsInProgress: a.s.commandsInProgress.Load(),
		CommandsHandled:    a.s.commandsHandled.Load(),
		Shortcuts:          a.s.shortcuts.Len(),
	}
	if !a.s.startedAt.IsZero() {
		resp.Uptime = time.Since(a.s.startedAt).Round(time.Second).String()
	}
	if a.s.discord != nil {
		resp.DiscordGatewayConnected = a.s.discord.connected.Load()
		resp.DiscordConnects = a.s.discord.metricConnects.Load()
		resp.DiscordDisconnects = a.s.discord.metricDisconnects.Load()
	}
	if a.s.coc != nil {
		resp.ClashOfClansRequests = a.s.coc.requestCount.Load()
		resp.ClashOfClansErrors = a.s.coc.errorCount.Load()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) loggedIn(c *gin.Context) {
	username, err := a.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (a *API) listShortcuts(c *gin.Context) {
	var rows []Shortcut
	if err := a.s.db.WithContext(c.Request.Context()).Order("alias asc").Find(&rows).Error; err != nil {
		ginContextLogger(c).Error("error listing shortcuts", tint.Err(err))
		ginReplyError(c, "error listing shortcuts")
		return
	}
	c.JSON(http.StatusOK, rows)
}

// putShortcut creates or replaces the shortcut named by the path. The tag
// is validated the same way as a command's tag argument, without
// shortcut expansion.
func (a *API) putShortcut(c *gin.Context) {
	logger := ginContextLogger(c)
	alias := strings.TrimSpace(c.Param("alias"))

	var payload shortcutPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if alias == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "alias required"})
		return
	}

	tag, err := a.s.setShortcut(c.Request.Context(), alias, payload.Tag)
	if err != nil {
		if errors.Is(err, ErrInvalidTag) {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: userMessage(err, "invalid tag")})
			return
		}
		logger.Error("error saving shortcut", tint.Err(err))
		ginReplyError(c, "error saving shortcut")
		return
	}
	logger.Info("saved shortcut", "alias", alias, "tag", tag)
	c.JSON(http.StatusOK, Shortcut{Alias: normalizeTag(alias), Tag: tag.String()})
}

func (a *API) deleteShortcut(c *gin.Context) {
	alias := c.Param("alias")
	deleted, err := a.s.deleteShortcut(c.Request.Context(), alias)
	if err != nil {
		ginContextLogger(c).Error("error deleting shortcut", tint.Err(err))
		ginReplyError(c, "error deleting shortcut")
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, httpError{Error: "shortcut not found"})
		return
	}
	ginReplyMessage(c, "deleted")
}

func (a *API) getSavedTags(c *gin.Context) {
	var query GetSavedTagsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}

	q := query.apply(a.s.db.WithContext(c.Request.Context()).Model(&SavedTag{}))
	if query.UserID != "" {
		q = q.Where("user_id = ?", query.UserID)
	}

	var rows []SavedTag
	if err := q.Find(&rows).Error; err != nil {
		ginContextLogger(c).Error("error getting saved tags", tint.Err(err))
		ginReplyError(c, "error getting saved tags")
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (a *API) getCommandLogs(c *gin.Context) {
	var query GetCommandLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}

	q := query.apply(a.s.db.WithContext(c.Request.Context()).Model(&CommandLog{}))
	if query.UserID != "" {
		q = q.Where("user_id = ?", query.UserID)
	}
	if query.Command != "" {
		q = q.Where("command = ?", query.Command)
	}
	if query.Outcome != "" {
		q = q.Where("outcome = ?", query.Outcome)
	}

	var rows []CommandLog
	if err := q.Find(&rows).Error; err != nil {
		ginContextLogger(c).Error("error getting command logs", tint.Err(err))
		ginReplyError(c, "error getting command logs")
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (a *API) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	created, err := a.s.RegisterSlashCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, fmt.Sprintf("error registering commands: %s", err.Error()))
		return
	}
	c.JSON(http.StatusCreated, created)
}

// botQuit sends a stop signal to every instance.
func (a *API) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	if a.s.dbNotifier == nil {
		ginReplyError(c, "bot not running")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- a.s.dbNotifier.Stop(ctx)
	}()
	select {
	case sent := <-doneCh:
		if !sent {
			ginReplyError(c, "error sending stop signal")
			return
		}
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		logger.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// apply adds limit, offset and a created_at ordering to q. Newest rows
// come first unless Order is 'asc'.
func (p Pagination) apply(q *gorm.DB) *gorm.DB {
	limit := p.Limit
	if limit == 0 {
		limit = defaultPageLimit
	}
	q = q.Limit(limit).Offset(p.Offset)
	if p.Order == Ascending {
		return q.Order("created_at asc")
	}
	return q.Order("created_at desc")
}

type GetSavedTagsQuery struct {
	Pagination
	UserID string `form:"user_id"`
}

type GetCommandLogsQuery struct {
	Pagination
	UserID  string `form:"user_id"`
	Command string `form:"command"`
	Outcome string `form:"outcome"`
}

type shortcutPayload struct {
	Tag string `json:"tag" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Version                 string `json:"version"`
	Uptime                  string `json:"uptime,omitempty"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	DiscordConnects         int64  `json:"discord_connects"`
	DiscordDisconnects      int64  `json:"discord_disconnects"`
	CommandsInProgress      int64  `json:"commands_in_progress"`
	CommandsHandled         int64  `json:"commands_handled"`
	ClashOfClansRequests    int64  `json:"clashofclans_requests"`
	ClashOfClansErrors      int64  `json:"clashofclans_errors"`
	Shortcuts               int    `json:"shortcuts"`
}

type httpReply struct {
	Message string `json:"message"`
}

// httpError is an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// authMiddleware aborts with 401 unless the request's session has a
// username set by a successful login.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		username, err := a.getSessionUsername(c)
		if err != nil {
			logger.Warn("unauthorized request", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns each request a random ID, set on the gin
// context and echoed in the response's X-Request-ID header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger from the gin context. If
// there isn't one yet, it's created with request details and stored for
// later calls.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := v.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's duration and response status,
// using base for the request's logger.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // registers the tag name before any validation
func init() {
	structValidator.SetTagName("binding")
}
