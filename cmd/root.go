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

	"github.com/aserec/itemdesk/itemdesk"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = itemdesk.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "itemdesk [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
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
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", itemdesk.DefaultDatabase)
	viper.SetDefault("database_type", itemdesk.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		itemdesk.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		itemdesk.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("data_dir", itemdesk.DefaultDataDir)

	viper.SetDefault("log_level", itemdesk.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", itemdesk.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", itemdesk.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", itemdesk.DefaultShutdownTimeout)

	// Queue config
	viper.SetDefault("queue.select_timeout", itemdesk.DefaultSelectTimeout)
	viper.SetDefault("queue.chunk_size", itemdesk.DefaultQueueChunkSize)
	viper.SetDefault("queue.projects", []string{})
	viper.SetDefault("queue.technologies", itemdesk.DefaultTechnologies)

	// OpenAI config
	viper.SetDefault("openai.log_level", itemdesk.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.chat_model", itemdesk.DefaultOpenAIChatModel)
	viper.SetDefault(
		"openai.embedding_model",
		string(itemdesk.DefaultOpenAIEmbeddingModel),
	)
	viper.SetDefault(
		"openai.max_requests_per_second",
		itemdesk.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault(
		"openai.retrieval_top_k",
		itemdesk.DefaultOpenAIRetrievalTopK,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		itemdesk.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		itemdesk.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		itemdesk.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.custom_status", itemdesk.DefaultDiscordCustomStatus)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", itemdesk.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.read_timeout", itemdesk.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		itemdesk.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", itemdesk.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", itemdesk.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		itemdesk.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		itemdesk.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		itemdesk.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", itemdesk.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		itemdesk.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(itemdesk.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = itemdesk.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	viper.Set(
		"queue.projects",
		viper.GetStringSlice("queue.projects"),
	)
	viper.Set(
		"queue.technologies",
		viper.GetStringSlice("queue.technologies"),
	)

	fatalErr(
		convertLogLevelKeys(
			"log_level",
			"database_log_level",
			"api.log_level",
			"openai.log_level",
			"discord.log_level",
			"discord.discordgo_log_level",
		),
	)
}

// convertLogLevelKeys replaces level strings in viper with
// *slog.LevelVar values so unmarshaling into the config tree yields
// mutable levels. Keys already converted by a previous run are
// skipped, since initConfig runs once per command execution.
func convertLogLevelKeys(keys ...string) error {
	for _, key := range keys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			return fmt.Errorf("error parsing %s: %w", key, err)
		}
		viper.Set(key, logLevelVar)
	}
	return nil
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
