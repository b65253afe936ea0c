// Package squadbot is a single-guild discord community bot: it mirrors
// live guild state (members, presences, voice occupancy) into an
// in-memory cache, serves that state over a REST API, announces
// birthdays on a daily schedule, and relays chat messages through an
// LLM with per-user conversation memory.
package squadbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/squadbot/squadbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	structValidator = validator.New()
)

// Squadbot is the top-level bot, wiring the gateway layer, guild cache,
// birthday scheduler, LLM adapter and REST API together.
type Squadbot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	cache    *GuildCache
	memory   *ConversationMemory
	llm      *LLMAdapter
	registry *BirthdayRegistry
	notifier *BirthdayNotifier
	discord  *Discord
	tts      *TTSPlayer
	api      *API

	startedAt time.Time

	// runMu prevents concurrent runs
	runMu      sync.Mutex
	signalStop chan struct{}
}

// New assembles a Squadbot from the given config. The discord session
// is not opened until Run.
func New(config *Config) (*Squadbot, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	bot := &Squadbot{
		config:     config,
		signalStop: make(chan struct{}, 1),
	}

	bot.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	bot.logger = slog.New(bot.logHandler)
	slog.SetDefault(bot.logger)

	bot.cache = NewGuildCache(bot.logger)
	bot.memory = NewConversationMemory(config.ConversationLimit, bot.logger)
	bot.registry = NewBirthdayRegistry(config.Birthdays.Entries)

	llm, err := NewLLMAdapter(
		config.LLM,
		bot.memory,
		config.HTTPClient,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.LLM.LogLevel,
					AddSource: true,
				},
			),
		),
	)
	if err != nil {
		errs = append(errs, err)
	}
	bot.llm = llm

	bot.tts = NewTTSPlayer(config.TTS, config.HTTPClient, bot.logger)

	config.Discord.httpClient = config.HTTPClient
	disc := newDiscord(config.Discord, bot.cache, bot.memory, bot.llm, bot.tts)
	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	bot.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	bot.notifier = NewBirthdayNotifier(
		bot.registry,
		nil, // session is set once created in Run
		config.Discord.NotificationChannelID,
		bot.logger,
	)

	api, err := newAPI(bot, config.API)
	errs = append(errs, err)
	bot.api = api

	return bot, errors.Join(errs...)
}

func (b *Squadbot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Stop triggers a graceful shutdown of a running bot.
func (b *Squadbot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Run starts the bot: it opens the gateway connection, schedules the
// birthday check and serves the REST API, then blocks until the context
// is canceled or Stop is called. Shutdown is graceful, bounded by
// ShutdownTimeout.
func (b *Squadbot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	stopCron, err := b.notifier.Start(
		ctx,
		b.config.Birthdays.Schedule,
		b.config.Birthdays.Timezone,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error scheduling birthday check", tint.Err(err))
		b.shutdown(nil)
		return err
	}

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			cancel()
		}
	}()

	logger.InfoContext(ctx, "bot running", "api_listen", b.config.API.Listen)

	<-ctx.Done()

	b.shutdown(stopCron)
	return nil
}

// initRun creates and opens the discord session and hands it to the
// birthday notifier.
func (b *Squadbot) initRun(_ context.Context) error {
	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session
	b.notifier.session = session

	if err = b.discord.connect(); err != nil {
		return err
	}
	return nil
}

// shutdown closes the discord connection, halts the birthday scheduler,
// and shuts down the HTTP server, each bounded by ShutdownTimeout.
func (b *Squadbot) shutdown(stopCron func()) {
	logger := b.logger
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer shutdownCancel()

	if stopCron != nil {
		stopCron()
	}

	g := new(errgroup.Group)
	if b.discord.session != nil {
		g.Go(
			func() error {
				if err := b.discord.disconnect(); err != nil {
					return fmt.Errorf("error closing discord connection: %w", err)
				}
				return nil
			},
		)
	}
	if b.api.listener != nil {
		g.Go(
			func() error {
				if err := b.api.httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("error shutting down http server: %w", err)
				}
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", tint.Err(err))
	}

	logger.Info("shutdown complete", "uptime", time.Since(b.startedAt))
}
