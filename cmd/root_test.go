package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aserec/itemdesk/itemdesk"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestConvertLogLevelKeys(t *testing.T) {
	key := "test_convert_log_level"
	t.Cleanup(func() { viper.Set(key, nil) })

	viper.Set(key, "WARN")
	require.NoError(t, convertLogLevelKeys(key))
	assertLogLevel(t, slog.LevelWarn, viper.Get(key))

	// a second run must leave the converted value untouched rather
	// than stringify it back through the parser
	require.NoError(t, convertLogLevelKeys(key))
	assertLogLevel(t, slog.LevelWarn, viper.Get(key))

	viper.Set(key, "NOTALEVEL")
	err := convertLogLevelKeys(key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), key)
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

ITEMDESK_DATABASE=/home/foo/itemdesk.sqlite3
ITEMDESK_DATABASE_TYPE=sqlite
ITEMDESK_DATABASE_LOG_LEVEL=INFO
ITEMDESK_DATABASE_SLOW_THRESHOLD=200ms
ITEMDESK_DATA_DIR=/home/foo/data
ITEMDESK_LOG_LEVEL=INFO
ITEMDESK_STARTUP_TIMEOUT=30s
ITEMDESK_SHUTDOWN_TIMEOUT=60s

# Queue config

ITEMDESK_QUEUE_SELECT_TIMEOUT=45s
ITEMDESK_QUEUE_CHUNK_SIZE=1600
ITEMDESK_QUEUE_PROJECTS=apollo zephyr
ITEMDESK_QUEUE_TECHNOLOGIES=Go React

# OpenAI config

ITEMDESK_OPENAI_TOKEN=your-openai-token
ITEMDESK_OPENAI_LOG_LEVEL=INFO
ITEMDESK_OPENAI_CHAT_MODEL=gpt-4o-mini
ITEMDESK_OPENAI_EMBEDDING_MODEL=text-embedding-3-small
ITEMDESK_OPENAI_MAX_REQUESTS_PER_SECOND=2
ITEMDESK_OPENAI_RETRIEVAL_TOP_K=6

# Discord bot config

ITEMDESK_DISCORD_TOKEN=your-discord-bot-token
ITEMDESK_DISCORD_APPLICATION_ID=your-discord-bot-app-id
ITEMDESK_DISCORD_GUILD_ID=
ITEMDESK_DISCORD_LOG_LEVEL=WARN
ITEMDESK_DISCORD_DISCORDGO_LOG_LEVEL=WARN
ITEMDESK_DISCORD_CUSTOM_STATUS=/request-items
ITEMDESK_DISCORD_GATEWAY_INTENTS=3243773

# API server

ITEMDESK_API_LISTEN=127.0.0.1:5000
ITEMDESK_API_LISTEN_NETWORK=tcp
ITEMDESK_API_SSL_CERT=/etc/ssl/cert.pem
ITEMDESK_API_SSL_KEY=/etc/ssl/key.pem
ITEMDESK_API_SSL_TLS_MIN_VERSION=771
ITEMDESK_API_LOG_LEVEL=DEBUG
ITEMDESK_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
ITEMDESK_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
ITEMDESK_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-Request-ID
ITEMDESK_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Last-Modified
ITEMDESK_API_CORS_ALLOW_CREDENTIALS=true
ITEMDESK_API_CORS_MAX_AGE=12h
ITEMDESK_API_READ_TIMEOUT=5s
ITEMDESK_API_READ_HEADER_TIMEOUT=5s
ITEMDESK_API_WRITE_TIMEOUT=10s
ITEMDESK_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/itemdesk.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/itemdesk.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assert.Equal(t, "/home/foo/data", viper.GetString("data_dir"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, 45*time.Second, viper.GetDuration("queue.select_timeout"))
	assert.Equal(t, 1600, viper.GetInt("queue.chunk_size"))
	assert.Equal(
		t,
		[]string{"apollo", "zephyr"},
		viper.GetStringSlice("queue.projects"),
	)
	assert.Equal(
		t,
		[]string{"Go", "React"},
		viper.GetStringSlice("queue.technologies"),
	)

	assert.Equal(t, "your-openai-token", viper.GetString("openai.token"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("openai.log_level"))
	assert.Equal(t, "gpt-4o-mini", viper.GetString("openai.chat_model"))
	assert.Equal(
		t,
		"text-embedding-3-small",
		viper.GetString("openai.embedding_model"),
	)
	assert.Equal(t, 2, viper.GetInt("openai.max_requests_per_second"))
	assert.Equal(t, 6, viper.GetInt("openai.retrieval_top_k"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "/request-items", viper.GetString("discord.custom_status"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "tcp", viper.GetString("api.listen_network"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	// Unmarshal the configuration into an itemdesk.Config struct
	var config itemdesk.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/itemdesk.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, "/home/foo/data", config.DataDir)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, 45*time.Second, config.Queue.SelectTimeout)
	assert.Equal(t, 1600, config.Queue.ChunkSize)
	assert.Equal(t, []string{"apollo", "zephyr"}, config.Queue.Projects)
	assert.Equal(t, []string{"Go", "React"}, config.Queue.Technologies)

	assert.Equal(t, "your-openai-token", config.OpenAI.Token)
	assert.Equal(t, slog.LevelInfo, config.OpenAI.LogLevel.Level())
	assert.Equal(t, "gpt-4o-mini", config.OpenAI.ChatModel)
	assert.Equal(t, "text-embedding-3-small", config.OpenAI.EmbeddingModel)
	assert.Equal(t, 2, config.OpenAI.MaxRequestsPerSecond)
	assert.Equal(t, 6, config.OpenAI.RetrievalTopK)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "/request-items", config.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
}
