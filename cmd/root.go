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

	"github.com/arcward/squadbot/squadbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = squadbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "squadbot [flags]",
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

	viper.SetDefault("development", false)
	viper.SetDefault("log_level", squadbot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", squadbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", squadbot.DefaultShutdownTimeout)
	viper.SetDefault("conversation_limit", squadbot.DefaultConversationLimit)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", squadbot.DefaultDiscordCustomStatus)
	viper.SetDefault(
		"discord.log_level",
		squadbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		squadbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		squadbot.DefaultDiscordGatewayIntent,
	)

	// LLM config
	viper.SetDefault("llm.provider", squadbot.DefaultLLMProvider)
	viper.SetDefault("llm.token", "")
	viper.SetDefault("llm.base_url", "")
	viper.SetDefault("llm.model", squadbot.DefaultLLMModel)
	viper.SetDefault("llm.max_tokens", squadbot.DefaultLLMMaxTokens)
	viper.SetDefault("llm.temperature", squadbot.DefaultLLMTemperature)
	viper.SetDefault("llm.personality", squadbot.DefaultPersonality)
	viper.SetDefault("llm.log_level", squadbot.DefaultLLMLogLevel.String())

	// Birthday config
	viper.SetDefault("birthdays.schedule", squadbot.DefaultBirthdaySchedule)
	viper.SetDefault("birthdays.timezone", squadbot.DefaultBirthdayTimezone)

	// TTS config
	viper.SetDefault("tts.enabled", false)
	viper.SetDefault("tts.endpoint", "")
	viper.SetDefault("tts.language", squadbot.DefaultTTSLanguage)
	viper.SetDefault(
		"tts.voice_ready_timeout",
		squadbot.DefaultTTSVoiceReadyTimeout,
	)

	// API config
	viper.SetDefault("api.listen", squadbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.api_key", "")
	viper.SetDefault("api.webhook_secret", "")
	viper.SetDefault("api.deploy_script", "")
	viper.SetDefault(
		"api.rate_limit_per_minute",
		squadbot.DefaultRateLimitPerMinute,
	)
	viper.SetDefault("api.log_level", squadbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", squadbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		squadbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", squadbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", squadbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		squadbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		squadbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		squadbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", squadbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		squadbot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(squadbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = squadbot.DefaultEnvPrefix
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
		"discord.chat_channel_ids",
		viper.GetStringSlice("discord.chat_channel_ids"),
	)

	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("llm.log_level"))
	if err != nil {
		log.Fatalf("error parsing llm log level: %v", err)
	}
	viper.Set("llm.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)
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
