package statsy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/SharpBit/statsy/statsy.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// shutdownAnnouncementInterval is how often the remaining time until a
// forced shutdown is logged.
var shutdownAnnouncementInterval = 10 * time.Second

// Statsy is the bot. It owns the Discord session, the Clash of Clans
// client, tag resolution and storage, war banner rendering, and the
// optional admin API and webhook servers.
type Statsy struct {
	config *Config

	logger     *slog.Logger
	logHandler slog.Handler

	// read connection
	db *gorm.DB

	// write connection, serialized when using sqlite
	writeDB DBI

	// notifies other instances (postgres) or this one (sqlite) of
	// shortcut changes and stop requests
	dbNotifier DBNotifier

	shortcuts *ShortcutTable
	validator *TagValidator
	resolver  *Resolver

	tagStore      TagStore
	closeTagStore func() error

	coc        *ClashClient
	renderPool *renderPool
	warBanners *WarBannerCompositor

	discord              *Discord
	api                  *API
	discordWebhookServer *DiscordWebhookServer

	// Handler for interactions received via webhook
	webhookInteractionHandler gin.HandlerFunc

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// interaction received over the gateway. Webhook interactions wrap
	// the same handler, replacing only the initial response.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown has a value sent on it once shutdown finishes
	eventShutdown chan struct{}

	triggerShortcutReloadCh chan bool

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	commandsInProgress atomic.Int64
	commandsHandled    atomic.Int64
}

// New returns a Statsy configured from config. The database isn't
// opened and nothing connects until Run is called.
func New(config *Config) (*Statsy, error) {
	if config == nil {
		return nil, errors.New("no config provided")
	}
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if config.ClashOfClans == nil {
		config.ClashOfClans = DefaultConfig().ClashOfClans
	}
	if config.WarBanner == nil {
		config.WarBanner = DefaultConfig().WarBanner
	}
	if config.Discord == nil {
		config.Discord = DefaultConfig().Discord
	}
	if config.API == nil {
		config.API = DefaultConfig().API
	}

	// the clash client sets its own timeout when no client is configured
	cocHTTPClient := config.HTTPClient
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	shortcuts := NewShortcutTable(nil)
	s := &Statsy{
		config:                  config,
		shortcuts:               shortcuts,
		validator:               NewTagValidator(shortcuts),
		signalReady:             make(chan struct{}, 1),
		eventShutdown:           make(chan struct{}, 1),
		triggerShortcutReloadCh: make(chan bool, 1),
	}

	s.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     levelOrDefault(config.LogLevel),
			AddSource: true,
		},
	)
	s.logger = slog.New(s.logHandler)
	slog.SetDefault(s.logger)

	coc, err := NewClashClient(
		config.ClashOfClans,
		cocHTTPClient,
		newComponentLogger("clashofclans", config.ClashOfClans.LogLevel),
	)
	if err != nil {
		errs = append(errs, err)
	}
	s.coc = coc

	background, err := LoadWarBackground(config.WarBanner.Background)
	if err != nil {
		errs = append(errs, err)
	} else {
		compositor, e := NewWarBannerCompositor(background)
		errs = append(errs, e)
		s.warBanners = compositor
	}
	s.renderPool = newRenderPool(
		config.WarBanner.Workers,
		newComponentLogger("war_banner", config.WarBanner.LogLevel),
	)

	disc, err := newDiscord(
		config.Discord,
		config.HTTPClient,
		newComponentLogger("discord", config.Discord.LogLevel),
	)
	if err != nil {
		errs = append(errs, err)
	}
	s.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     levelOrDefault(config.Discord.DiscordGoLogLevel),
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if config.API.Enabled {
		api, e := newAPI(s, config.API)
		errs = append(errs, e)
		s.api = api
	}

	if config.Discord.WebhookServer.Enabled && disc != nil {
		webhookServer, e := newWebhookServer(s, config.Discord.WebhookServer)
		errs = append(errs, e)
		s.discordWebhookServer = webhookServer
	}

	return s, errors.Join(errs...)
}

// levelOrDefault returns level, or slog.LevelInfo if it's nil.
func levelOrDefault(level *slog.LevelVar) slog.Leveler {
	if level == nil {
		return slog.LevelInfo
	}
	return level
}

func (s *Statsy) ValidateConfig() error {
	return structValidator.Struct(s.config)
}

// RegisterSlashCommands overwrites the bot's slash commands, globally or
// for the configured guild.
func (s *Statsy) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if s.discord.session == nil {
		session, err := s.discord.newSession()
		if err != nil {
			return nil, err
		}
		s.discord.session = session
	}
	return s.discord.registerCommands(options...)
}

// Run opens the database, loads shortcuts, connects to Discord and starts
// the configured servers, then blocks until ctx is canceled or a stop
// signal is received. In-flight commands are given until
// [Config.ShutdownTimeout] to finish.
func (s *Statsy) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.signalStop = make(chan struct{}, 1)
	s.startedAt = time.Now()
	logger := s.logger

	if err := s.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.Any("config", s.config),
		slog.String("version", Version),
		slog.String("commit", CommitSHA),
	)

	// the 'runtime' context, which triggers a graceful shutdown when
	// canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- s.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			s.closeResources(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	s.renderPool.Start()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		s.watchShortcutReloads(ctx)
	}()

	for _, channel := range []string{
		s.dbNotifier.ShortcutsChannelName(),
		s.dbNotifier.StopChannelName(),
	} {
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := s.dbNotifier.Listen(ctx, ch); e != nil {
				logger.ErrorContext(ctx, "error listening for notifications", "channel", ch, tint.Err(e))
			}
		}(channel)
	}

	if s.api != nil {
		go func() {
			httpErr := s.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := s.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		return errors.Join(err, s.shutdown(ctx, runtimeWG))
	}

	if s.discordWebhookServer != nil {
		s.webhookInteractionHandler = webhookReceiveHandler(ctx, s, runtimeWG)
		go func() {
			httpErr := s.discordWebhookServer.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
			}
		}()
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := s.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		cancel()
		return errors.Join(
			fmt.Errorf("error connecting to discord: %w", err),
			s.shutdown(ctx, runtimeWG),
		)
	}

	select {
	case s.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the runtime context, generally an
	// interrupt or the `/api/quit` endpoint
	<-ctx.Done()

	return s.shutdown(ctx, runtimeWG)
}

// initRun opens the database and loads everything commands depend on:
// the tag store, the notifier and the shortcut table.
func (s *Statsy) initRun(ctx context.Context) error {
	s.logger.Debug("initializing DB...")
	if err := s.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	s.logger.Debug("finished initializing DB")

	store, closeStore, err := newTagStore(ctx, s.config, s.writeDB, s.logger)
	if err != nil {
		return fmt.Errorf("error creating tag store: %w", err)
	}
	s.tagStore = store
	s.closeTagStore = closeStore
	s.resolver = NewResolver(s.validator, s.tagStore, s.coc)

	notifier, err := newDBNotifier(
		s.config,
		s.writeDB,
		notifierTargets{
			reloadShortcuts: s.triggerShortcutReloadCh,
			stop:            s.signalStop,
		},
		s.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	s.dbNotifier = notifier

	if err = s.loadShortcutTable(ctx); err != nil {
		return fmt.Errorf("error loading shortcuts: %w", err)
	}
	return nil
}

// initDB opens the read and write connections and migrates the schema.
func (s *Statsy) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = s.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     levelOrDefault(s.config.DatabaseLogLevel),
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, s.config.DatabaseSlowThreshold)

	db, err := getDB(s.config.DatabaseType, s.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	s.db = db
	s.writeDB = NewDatabase(
		db,
		newComponentLogger("database", s.config.DatabaseLogLevel),
		s.config.DatabaseType == dbTypePostgres,
	)

	if s.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")

	if set, e := AdminCredentialsSet(ctx, db); e == nil && !set && s.api != nil {
		logger.Warn("admin credentials not set, run 'statsy init' to use the admin API")
	}
	return nil
}

// initDiscordSession creates the discord session if needed, and adds the
// connection and interaction handlers. Interactions are handled in
// goroutines tracked by runtimeWG.
func (s *Statsy) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := s.logger.With(loggerNameKey, "discord_session")

	if s.discord.session == nil {
		session, err := s.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		s.discord.session = session
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range s.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	s.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: s.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	if s.getInteractionHandlerFunc == nil {
		s.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     s.discord.session,
				interaction: i,
				logger: s.discord.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}

	s.discord.discordgoRemoveHandlerFuncs = []func(){
		s.discord.session.AddHandler(s.discord.handlerConnect()),
		s.discord.session.AddHandler(s.discord.handlerDisconnect()),
		s.discord.session.AddHandler(s.discord.handlerReady()),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := s.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					s.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// handleInteraction answers pings and dispatches application commands.
// Interactions from bots are ignored.
func (s *Statsy) handleInteraction(ctx context.Context, handler InteractionHandler) {
	defer func() {
		if rc := recover(); rc != nil {
			s.handleRecover(ctx, rc)
		}
	}()

	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
		return
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		s.commandsInProgress.Add(1)
		defer s.commandsInProgress.Add(-1)
		s.runCommand(ctx, handler, discordUser)
		s.commandsHandled.Add(1)
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

func (*Statsy) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// shutdown waits for in-flight interactions, then stops the servers,
// discord session and render workers. If that takes longer than
// [Config.ShutdownTimeout], the servers are closed forcefully.
func (s *Statsy) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	s.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case s.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(s.config.ShutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	s.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", s.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
		"commands_in_progress", s.commandsInProgress.Load(),
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		s.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}
		if s.api != nil && s.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				s.logger.InfoContext(ctx, "stopping http server")
				_ = s.api.httpServer.Shutdown(closeCtx)
			}()
		}
		if s.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				s.logger.InfoContext(ctx, "stopping webhook http server")
				_ = s.discordWebhookServer.httpServer.Shutdown(closeCtx)
			}()
		}
		if s.discord != nil && s.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				s.logger.InfoContext(ctx, "closing discord session")
				_ = s.discord.session.Close()
				for _, h := range s.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				s.discord.discordgoRemoveHandlerFuncs = nil
			}()
		}
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			s.renderPool.Stop()
		}()

		stopWG.Wait()
		s.closeResources(ctx)
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			s.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			s.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
			)
		case <-closeCtx.Done():
			s.logger.Warn("in-flight requests did not finish in time, forcing close")
			if s.api != nil && s.api.httpServer != nil {
				_ = s.api.httpServer.Close()
			}
			if s.discordWebhookServer != nil {
				_ = s.discordWebhookServer.httpServer.Close()
			}
			return errors.New("shutdown timed out")
		}
	}
}

// closeResources closes the tag store, the clash client's idle
// connections and the database.
func (s *Statsy) closeResources(ctx context.Context) {
	if s.closeTagStore != nil {
		if err := s.closeTagStore(); err != nil {
			s.logger.ErrorContext(ctx, "error closing tag store", tint.Err(err))
		}
		s.closeTagStore = nil
	}
	if s.coc != nil {
		s.coc.Close()
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				s.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
			}
		}
	}
}
