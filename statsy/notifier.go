package statsy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	postgresNotifyChannelReloadShortcuts = "statsy_reload_shortcuts"
	postgresNotifyChannelStop            = "statsy_stop"

	dbNotifierSendTimeout = 15 * time.Second
	dbListenRetryDelay    = 5 * time.Second
)

// DBNotifier tells bot instances sharing a database that the shortcut
// table changed, or that they should stop.
type DBNotifier interface {
	ShortcutsChannelName() string

	// ReloadShortcuts notifies bot instances to reload shortcuts from the
	// database
	ReloadShortcuts(context.Context) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// ID identifies this notifier. Notifications sent with this ID are
	// ignored by the same notifier's listener.
	ID() string

	// Listen blocks, forwarding notifications received on channel, until
	// ctx is canceled
	Listen(ctx context.Context, channel string) error
}

// notifierTargets are the channels a DBNotifier forwards to.
type notifierTargets struct {
	reloadShortcuts chan<- bool
	stop            chan<- struct{}
}

func newDBNotifier(
	config *Config,
	writeDB DBI,
	targets notifierTargets,
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := logger.With(loggerNameKey, "db_notifier")

	switch config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:   log,
			targets:  targets,
			notifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			logger:   log,
			targets:  targets,
			writeDB:  writeDB,
			database: config.Database,
			notifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier forwards notifications in-process. With sqlite there's
// only one bot instance, so there's nothing to listen to.
type sqliteNotifier struct {
	logger   *slog.Logger
	targets  notifierTargets
	notifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (*sqliteNotifier) ShortcutsChannelName() string {
	return ""
}

func (*sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

// ReloadShortcuts queues a reload. If one is already pending, the
// pending reload covers this change too.
func (s *sqliteNotifier) ReloadShortcuts(ctx context.Context) bool {
	s.logger.InfoContext(ctx, "sending shortcut reload signal")
	select {
	case s.targets.reloadShortcuts <- true:
	default:
		s.logger.DebugContext(ctx, "shortcut reload already pending")
	}
	return true
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.InfoContext(ctx, "notifying stop signal")
	select {
	case s.targets.stop <- struct{}{}:
		return true
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
}

// postgresNotifier uses LISTEN/NOTIFY, so every instance sharing the
// database is notified.
type postgresNotifier struct {
	logger   *slog.Logger
	targets  notifierTargets
	writeDB  DBI
	database string
	notifyID string
}

func (*postgresNotifier) ShortcutsChannelName() string {
	return postgresNotifyChannelReloadShortcuts
}

func (*postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) bool {
	err := p.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		p.ID(),
	).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY",
			"channel", channel,
			tint.Err(err),
		)
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "pg_notify_id", p.ID())
	return true
}

// ReloadShortcuts notifies other instances. The local table is updated
// by the caller, so the local listener ignores its own notification.
func (p *postgresNotifier) ReloadShortcuts(ctx context.Context) bool {
	return p.notify(ctx, p.ShortcutsChannelName())
}

// Stop notifies every instance, including this one, to stop.
func (p *postgresNotifier) Stop(ctx context.Context) bool {
	sent := p.notify(ctx, p.StopChannelName())
	select {
	case p.targets.stop <- struct{}{}:
	case <-ctx.Done():
		p.logger.Warn("timeout sending local stop signal")
	}
	return sent
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbListenRetryDelay):
			}
			continue
		}

		switch notification.Channel {
		case p.ShortcutsChannelName():
			if notification.Payload == p.ID() {
				logger.Debug("received notification from self, ignoring")
				continue
			}
			logger.InfoContext(ctx, "received shortcut reload notification")
			select {
			case p.targets.reloadShortcuts <- true:
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending shortcut reload signal")
			}
		case p.StopChannelName():
			if notification.Payload == p.ID() {
				continue
			}
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.targets.stop <- struct{}{}:
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("received unknown notification", "notify_channel", notification.Channel)
		}
	}
	return nil
}

// NotifyShortcutsChanged tells running bot instances to reload shortcuts
// after they were changed outside the bot. It's a no-op with sqlite, since
// a sqlite bot only sees its own changes until restarted.
func NotifyShortcutsChanged(ctx context.Context, databaseType string, db *gorm.DB) error {
	if databaseType != dbTypePostgres {
		return nil
	}
	return db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelReloadShortcuts,
		"cli",
	).Error
}
