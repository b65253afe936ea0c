package squadbot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()

	cfg.Development = true
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.GuildID = "guild-test"
	cfg.LLM.Token = "test-llm-token"
	cfg.API.CORS.AllowOrigins = []string{"*"}

	return cfg
}

func TestValidateDefaultTestConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))
}

func TestValidateConfigRequiredFields(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "missing discord token",
			mutate: func(c *Config) { c.Discord.Token = "" },
		},
		{
			name:   "missing guild id",
			mutate: func(c *Config) { c.Discord.GuildID = "" },
		},
		{
			name:   "missing llm token",
			mutate: func(c *Config) { c.LLM.Token = "" },
		},
		{
			name:   "unknown llm provider",
			mutate: func(c *Config) { c.LLM.Provider = "anthropic" },
		},
		{
			name:   "unknown personality",
			mutate: func(c *Config) { c.LLM.Personality = "unhinged" },
		},
		{
			name: "openrouter requires base url",
			mutate: func(c *Config) {
				c.LLM.Provider = LLMProviderOpenRouter
				c.LLM.BaseURL = ""
			},
		},
		{
			name:   "missing api listen address",
			mutate: func(c *Config) { c.API.Listen = "" },
		},
		{
			name:   "bad listen network",
			mutate: func(c *Config) { c.API.ListenNetwork = "udp" },
		},
		{
			name:   "negative rate limit",
			mutate: func(c *Config) { c.API.RateLimitPerMinute = -1 },
		},
		{
			name: "birthday month out of range",
			mutate: func(c *Config) {
				c.Birthdays.Entries = []BirthdayEntry{
					{Name: "Alice", Month: 13, Day: 1},
				}
			},
		},
		{
			name: "birthday day out of range",
			mutate: func(c *Config) {
				c.Birthdays.Entries = []BirthdayEntry{
					{Name: "Alice", Month: 1, Day: 32},
				}
			},
		},
		{
			name: "tts enabled requires endpoint",
			mutate: func(c *Config) {
				c.TTS.Enabled = true
				c.TTS.Endpoint = ""
			},
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.mutate(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, DefaultRateLimitPerMinute, cfg.API.RateLimitPerMinute)
	assert.Equal(t, DefaultLLMModel, cfg.LLM.Model)
	assert.Equal(t, PersonalitySarcastic, cfg.LLM.Personality)
	assert.Equal(t, DefaultBirthdaySchedule, cfg.Birthdays.Schedule)
	assert.Equal(t, DefaultBirthdayTimezone, cfg.Birthdays.Timezone)
	assert.Equal(t, DefaultTTSLanguage, cfg.TTS.Language)
	assert.Equal(t, DefaultConversationLimit, cfg.ConversationLimit)
	assert.Equal(
		t,
		DefaultDiscordGatewayIntent,
		cfg.Discord.GatewayIntents,
	)
	require.NotNil(t, cfg.LogLevel)
	require.NotNil(t, cfg.Discord.LogLevel)
	require.NotNil(t, cfg.API.LogLevel)
}

func TestCORSConfigGINConfig(t *testing.T) {
	t.Parallel()
	cfg := CORSConfig{
		AllowOrigins:     []string{"https://squad.example.com"},
		AllowMethods:     []string{"GET"},
		AllowHeaders:     []string{"Origin"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}
	ginCfg := cfg.GINConfig()
	assert.Equal(t, cfg.AllowOrigins, ginCfg.AllowOrigins)
	assert.Equal(t, cfg.AllowMethods, ginCfg.AllowMethods)
	assert.Equal(t, cfg.AllowHeaders, ginCfg.AllowHeaders)
	assert.Equal(t, cfg.ExposeHeaders, ginCfg.ExposeHeaders)
	assert.True(t, ginCfg.AllowCredentials)
	assert.Equal(t, time.Hour, ginCfg.MaxAge)
}
