package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/SharpBit/statsy/statsy"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = statsy.DefaultConfig()
	configFile string
	verbose    bool
)

// logLevelKeys are the config keys holding a log level, which are decoded
// into *slog.LevelVar.
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"clashofclans.log_level",
	"war_banner.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
}

// stringSliceKeys are space-separated in the environment.
var stringSliceKeys = []string{
	"api.cors.allow_headers",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "statsy [flags]",
	Short: "Clash of Clans stats bot for Discord",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return decodeConfig(cfg)
	},
	SilenceUsage: true,
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes strings like 'DEBUG' or 'warn' into
// *slog.LevelVar.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// decodeConfig unmarshals viper's settings into c. Existing values are
// zeroed first, so a configured list replaces the default list instead of
// overwriting its leading elements. Viper holds a default for every key.
func decodeConfig(c *statsy.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
		func(dc *mapstructure.DecoderConfig) {
			dc.ZeroFields = true
		},
	)
}

func initConfig() {
	// overrides from a previous run would shadow the environment
	viper.Reset()

	if configFile == "" {
		if err := godotenv.Load(); err != nil && verbose {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", statsy.DefaultDatabase)
	viper.SetDefault("database_type", statsy.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", statsy.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", statsy.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", statsy.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", statsy.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", statsy.DefaultShutdownTimeout)
	viper.SetDefault("shortcuts_file", "")

	// Saved tags
	viper.SetDefault("tag_store", statsy.DefaultTagStore)
	viper.SetDefault("redis.addr", statsy.DefaultRedisAddr)
	viper.SetDefault("redis.username", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", statsy.DefaultRedisKeyPrefix)

	// Clash of Clans API
	viper.SetDefault("clashofclans.token", "")
	viper.SetDefault("clashofclans.base_url", statsy.DefaultClashOfClansBaseURL)
	viper.SetDefault("clashofclans.request_timeout", statsy.DefaultClashOfClansRequestTimeout)
	viper.SetDefault(
		"clashofclans.max_requests_per_second",
		statsy.DefaultClashOfClansMaxRequestsPerSecond,
	)
	viper.SetDefault("clashofclans.log_level", statsy.DefaultClashOfClansLogLevel.String())

	// War banners
	viper.SetDefault("war_banner.background", "")
	viper.SetDefault("war_banner.workers", statsy.DefaultWarBannerWorkers)
	viper.SetDefault("war_banner.log_level", statsy.DefaultWarBannerLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", statsy.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", statsy.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", statsy.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", statsy.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", statsy.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", statsy.DefaultDiscordErrorMessage)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", statsy.DefaultDiscordWebhookServerListen)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", statsy.DefaultReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", statsy.DefaultReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", statsy.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", statsy.DefaultIdleTimeout)
	viper.SetDefault("discord.webhook_server.log_level", statsy.DefaultDiscordWebhookLogLevel.String())
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		statsy.DefaultDiscordWebhookServerTLSminVersion,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", statsy.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", statsy.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", statsy.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", statsy.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", statsy.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", statsy.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", statsy.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", statsy.DefaultAPITLSMinVersion)

	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", statsy.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", statsy.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", statsy.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", statsy.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", statsy.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(statsy.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = statsy.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}

	if verbose {
		for k, v := range viper.AllSettings() {
			log.Printf("config: %s: %v", k, v)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra setup
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load (defaults to .env)",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&verbose,
		"verbose",
		"v",
		false,
		"Print the loaded configuration",
	)
}
