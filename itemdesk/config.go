//nolint:lll // struct tags can't be split
package itemdesk

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
)

const (
	EnvvarSetEnvPrefix = "ITEMDESK_ENV_PREFIX"
	DefaultEnvPrefix   = "ITEMDESK"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "itemdesk.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultOpenAILogLevel        = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPITLSMinVersion  = tls.VersionTLS12
	defaultListenNetwork     = "tcp"

	DefaultAPICORSAllowCredentials = true

	// DiscordSlashCommandRequestItems starts the project/technology
	// selection flow
	DiscordSlashCommandRequestItems = "request-items"

	// DiscordSlashCommandRequestReassignment starts the project/item-number
	// selection flow
	DiscordSlashCommandRequestReassignment = "request-reassignment"

	// DiscordSlashCommandListRequests shows the current queue, privately
	DiscordSlashCommandListRequests = "list-requests"

	// DiscordSlashCommandSetupQueueMonitor configures the published
	// queue surface for a channel
	DiscordSlashCommandSetupQueueMonitor = "setup-queue-monitor"

	// DiscordSlashCommandAsk answers a question using uploaded project docs
	DiscordSlashCommandAsk = "ask"

	// DiscordSlashCommandUpload stores a project document for retrieval
	DiscordSlashCommandUpload = "upload"

	// DiscordSlashCommandProjects lists projects with uploaded documents
	DiscordSlashCommandProjects = "projects"

	// DiscordSlashCommandSend sends a message to a channel as the bot
	DiscordSlashCommandSend = "send"

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordErrorMessage  = "sorry, something went wrong!"
	DefaultDiscordCustomStatus  = "/request-items"
	discordMaxMessageLength     = 2000

	// DefaultSelectTimeout bounds how long a selection flow waits for
	// each user input before giving up
	DefaultSelectTimeout = 60 * time.Second

	// DefaultQueueChunkSize is the rendered-queue chunk threshold,
	// leaving headroom under the discord message length cap
	DefaultQueueChunkSize = 1800

	DefaultOpenAIMaxRequestsPerSecond = 1
	DefaultOpenAIRetrievalTopK        = 4
	DefaultDataDir                    = "data"
)

var (
	DefaultOpenAIChatModel      = openai.GPT4oMini
	DefaultOpenAIEmbeddingModel = openai.SmallEmbedding3

	// DefaultTechnologies is the technology select menu shown during
	// the request-items flow, when none are configured.
	DefaultTechnologies = []string{
		"Python",
		"JavaScript",
		"TypeScript",
		"Java",
		"Go",
		"C++",
		"React",
		"Node.js",
	}
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func init() {
	structValidator.SetTagName("binding")
}

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database: 'sqlite', 'postgres',
	// or 'memory' (not persisted across restarts)
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres memory"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// DataDir is the root directory for uploaded project documents and
	// their embedding index
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir"`

	// Queue configures the rendered request queue and selection flows
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// OpenAI holds the configuration for OpenAI integration
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QueueConfig configures the request queue rendering and the
// selection flows that feed it.
type QueueConfig struct {
	// SelectTimeout is how long each selection flow step waits for
	// user input before the flow times out
	SelectTimeout time.Duration `yaml:"select_timeout" mapstructure:"select_timeout" json:"select_timeout"`

	// ChunkSize is the rendered-queue text chunk threshold. Must leave
	// headroom under discord's 2000-character message limit.
	ChunkSize int `yaml:"chunk_size" mapstructure:"chunk_size" json:"chunk_size" binding:"max=1900"`

	// Projects shown in the project select menu. Projects discovered
	// from existing requests and uploaded documents are merged in.
	Projects []string `yaml:"projects" mapstructure:"projects" json:"projects"`

	// Technologies shown in the technology select menu
	Technologies []string `yaml:"technologies" mapstructure:"technologies" json:"technologies"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// CustomStatus is set as the bot's discord status on connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OpenAIConfig configures OpenAI API integration, used by the `ask`
// command and bot mentions. If Token is empty, those are disabled.
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// ChatModel is the completion model used to answer questions
	ChatModel string `yaml:"chat_model" mapstructure:"chat_model" json:"chat_model"`

	// EmbeddingModel is the model used to embed documents and queries
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model" json:"embedding_model"`

	// MaxRequestsPerSecond limits outbound OpenAI API requests
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=0"`

	// RetrievalTopK is the number of document chunks included in the
	// completion prompt
	RetrievalTopK int `yaml:"retrieval_top_k" mapstructure:"retrieval_top_k" json:"retrieval_top_k" binding:"min=1"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	technologies := make([]string, len(DefaultTechnologies))
	copy(technologies, DefaultTechnologies)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		DataDir:               DefaultDataDir,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Queue: &QueueConfig{
			SelectTimeout: DefaultSelectTimeout,
			ChunkSize:     DefaultQueueChunkSize,
			Technologies:  technologies,
		},
		OpenAI: &OpenAIConfig{
			LogLevel:             openaiLogLevel,
			ChatModel:            DefaultOpenAIChatModel,
			EmbeddingModel:       string(DefaultOpenAIEmbeddingModel),
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			RetrievalTopK:        DefaultOpenAIRetrievalTopK,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
