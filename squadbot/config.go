//nolint:lll // struct tags can't be split
package squadbot

import (
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
)

const (
	EnvvarSetEnvPrefix = "SQUADBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "SQUADBOT"

	DefaultLogLevel        = slog.LevelInfo
	DefaultDiscordLogLevel = slog.LevelWarn
	DefaultAPILogLevel     = slog.LevelInfo
	DefaultLLMLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAPIListen     = "127.0.0.1:3001"
	defaultListenNetwork = "tcp"

	// DefaultRateLimitPerMinute is the uniform per-client-IP request
	// budget across all API routes.
	DefaultRateLimitPerMinute = 60

	DefaultLLMProvider    = LLMProviderOpenAI
	DefaultLLMModel       = "gpt-4o-mini"
	DefaultLLMMaxTokens   = 300
	DefaultLLMTemperature = 0.9
	DefaultPersonality    = PersonalitySarcastic

	DefaultBirthdaySchedule = "0 0 * * *"
	DefaultBirthdayTimezone = "America/Mexico_City"

	DefaultDiscordCustomStatus = "the Squad"

	// DefaultDiscordGatewayIntent includes the privileged member,
	// presence and message-content intents the mirror depends on.
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	DefaultTTSVoiceReadyTimeout = 20 * time.Second
	DefaultTTSLanguage          = "en"

	DefaultCORSMaxAge              = 12 * time.Hour
	DefaultAPICORSAllowCredentials = true
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		xAPIKeyHeader,
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

// Config is the full startup configuration. It's decoded once by the CLI
// layer and validated before the bot constructs any component.
type Config struct {
	// Discord configures the gateway connection and chat behavior
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LLM configures the completion provider used for chat replies
	LLM *LLMConfig `yaml:"llm" mapstructure:"llm" json:"llm"`

	// API configures the REST server projecting the guild cache
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Birthdays configures the static birthday list and the daily check
	Birthdays *BirthdayConfig `yaml:"birthdays" mapstructure:"birthdays" json:"birthdays"`

	// TTS configures spoken replies in voice channels
	TTS *TTSConfig `yaml:"tts" mapstructure:"tts" json:"tts"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds bot initialization; startup aborts when exceeded
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for a graceful shutdown before
	// connections are force-closed
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// ConversationLimit caps the per-user chat history buffer
	ConversationLimit int `yaml:"conversation_limit" mapstructure:"conversation_limit" json:"conversation_limit"`

	// Development enables permissive CORS and the pprof endpoints
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// GuildID is the single guild whose state is mirrored
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// NotificationChannelID receives birthday announcements. Empty
	// disables notifications (the manual trigger returns 400).
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// ChatChannelIDs lists channels where the bot responds to every
	// message, without requiring a mention or name match
	ChatChannelIDs []string `yaml:"chat_channel_ids" mapstructure:"chat_channel_ids" json:"chat_channel_ids"`

	// CustomStatus is shown as the bot's activity
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// GatewayIntents for the websocket connection. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// LLMConfig configures the completion provider and personality.
type LLMConfig struct {
	// Provider selects the completion backend: 'openai' or 'openrouter'
	Provider string `yaml:"provider" mapstructure:"provider" json:"provider" binding:"omitempty,oneof=openai openrouter"`

	// API token for the selected provider
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the provider endpoint. Required for openrouter.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required_if=Provider openrouter"`

	// Model name passed to the completion endpoint
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens"`
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature"`

	// Personality selects the system-prompt template:
	// 'sarcastic', 'helpful' or 'deadpan'
	Personality string `yaml:"personality" mapstructure:"personality" json:"personality" binding:"omitempty,oneof=sarcastic helpful deadpan"`

	// Optional attribution headers for OpenRouter-style endpoints
	AttributionReferer string `yaml:"attribution_referer" mapstructure:"attribution_referer" json:"attribution_referer"`
	AttributionTitle   string `yaml:"attribution_title" mapstructure:"attribution_title" json:"attribution_title"`

	// LLM base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the REST server.
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:3001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// APIKey gates every /api route when set (x-api-key header). Empty
	// disables authentication.
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// WebhookSecret enables HMAC-SHA256 signature verification on the
	// deploy webhook. Empty disables verification.
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret" json:"webhook_secret" log:"[redacted]"`

	// DeployScript is executed (in the background) by the deploy webhook
	DeployScript string `yaml:"deploy_script" mapstructure:"deploy_script" json:"deploy_script"`

	// RateLimitPerMinute is the per-client-IP request budget
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute" json:"rate_limit_per_minute" binding:"min=0"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// BirthdayConfig holds the static birthday list and the daily schedule.
type BirthdayConfig struct {
	// Entries is the static (name, month, day) list, loaded once at startup
	Entries []BirthdayEntry `yaml:"entries" mapstructure:"entries" json:"entries" binding:"dive"`

	// Schedule is a cron expression for the daily check
	Schedule string `yaml:"schedule" mapstructure:"schedule" json:"schedule"`

	// Timezone the schedule is evaluated in
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone"`
}

// TTSConfig configures spoken replies.
type TTSConfig struct {
	// Enabled turns on voice replies when the message author is in a
	// voice channel
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Endpoint is the translate-tts style URL template. The text is
	// appended as the `q` query parameter.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint" binding:"required_if=Enabled true"`

	// Language code passed to the TTS endpoint
	Language string `yaml:"language" mapstructure:"language" json:"language"`

	// VoiceReadyTimeout bounds the wait for the voice connection to
	// become ready before playback
	VoiceReadyTimeout time.Duration `yaml:"voice_ready_timeout" mapstructure:"voice_ready_timeout" json:"voice_ready_timeout"`
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

// GINConfig converts the CORS settings to the gin-contrib/cors config.
// Requests without an Origin header always pass - the middleware only
// evaluates cross-origin requests.
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
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	llmLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordLogLevel)
	llmLogLevel.Set(DefaultLLMLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:          mainLogLevel,
		StartupTimeout:    DefaultStartupTimeout,
		ShutdownTimeout:   DefaultShutdownTimeout,
		ConversationLimit: DefaultConversationLimit,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			CustomStatus:      DefaultDiscordCustomStatus,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		LLM: &LLMConfig{
			Provider:    DefaultLLMProvider,
			Model:       DefaultLLMModel,
			MaxTokens:   DefaultLLMMaxTokens,
			Temperature: DefaultLLMTemperature,
			Personality: DefaultPersonality,
			LogLevel:    llmLogLevel,
		},
		API: &APIConfig{
			Listen:             DefaultAPIListen,
			ListenNetwork:      defaultListenNetwork,
			RateLimitPerMinute: DefaultRateLimitPerMinute,
			LogLevel:           apiLogLevel,
			ReadHeaderTimeout:  DefaultReadHeaderTimeout,
			ReadTimeout:        DefaultReadTimeout,
			WriteTimeout:       DefaultWriteTimeout,
			IdleTimeout:        DefaultIdleTimeout,
			CORS:               DefaultCORSConfig(),
		},
		Birthdays: &BirthdayConfig{
			Schedule: DefaultBirthdaySchedule,
			Timezone: DefaultBirthdayTimezone,
		},
		TTS: &TTSConfig{
			Language:          DefaultTTSLanguage,
			VoiceReadyTimeout: DefaultTTSVoiceReadyTimeout,
		},
	}
}
