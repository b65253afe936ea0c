package squadbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord owns the gateway connection and translates gateway events into
// cache mutations and chat replies.
//
// Handlers run on the discordgo event goroutine (SyncEvents is enabled),
// so event ordering is preserved. Each handler recovers its own panics -
// a bad payload must never take down the gateway connection.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	cache  *GuildCache
	memory *ConversationMemory
	llm    *LLMAdapter
	tts    *TTSPlayer

	botUserID   atomic.Value
	botUsername atomic.Value
	guildName   atomic.Value

	// roleIndex, channelNames and lastGuild are populated from the guild
	// create payload, which discord re-delivers on reconnect
	mu           sync.RWMutex
	roleIndex    map[string]Role
	channelNames map[string]string
	lastGuild    GuildSnapshot

	chatChannels map[string]bool

	metricConnects        atomic.Int64
	metricDisconnects     atomic.Int64
	metricMessagesHandled atomic.Int64
	connected             atomic.Bool

	discordgoRemoveHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided
// configuration and collaborators. The session is created separately
// via newSession (or injected directly in tests).
func newDiscord(
	config *DiscordConfig,
	cache *GuildCache,
	memory *ConversationMemory,
	llm *LLMAdapter,
	tts *TTSPlayer,
) *Discord {
	chatChannels := make(map[string]bool, len(config.ChatChannelIDs))
	for _, id := range config.ChatChannelIDs {
		chatChannels[id] = true
	}
	return &Discord{
		config:                      config,
		cache:                       cache,
		memory:                      memory,
		llm:                         llm,
		tts:                         tts,
		chatChannels:                chatChannels,
		roleIndex:                   map[string]Role{},
		channelNames:                map[string]string{},
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, intents and
// configuration. discordgo's own state tracking stays disabled - the
// guild cache is the single source of truth.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc

	identify := disc.Identify
	identify.Intents = d.config.GatewayIntents
	session.SetIdentify(identify)

	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

// connect registers the gateway handlers and opens the websocket
// connection.
func (d *Discord) connect() error {
	handlers := []any{
		d.handlerReady(),
		d.handlerConnect(),
		d.handlerDisconnect(),
		d.handlerGuildCreate(),
		d.handlerGuildMemberAdd(),
		d.handlerGuildMemberUpdate(),
		d.handlerGuildMemberRemove(),
		d.handlerPresenceUpdate(),
		d.handlerVoiceStateUpdate(),
		d.handlerMessageCreate(),
	}
	for _, h := range handlers {
		d.discordgoRemoveHandlerFuncs = append(
			d.discordgoRemoveHandlerFuncs,
			d.session.AddHandler(h),
		)
	}
	if _, err := d.session.GatewayBot(); err != nil {
		d.logger.Warn("unable to fetch gateway bot info", tint.Err(err))
	}
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	return nil
}

// disconnect removes the gateway handlers and closes the websocket
// connection.
func (d *Discord) disconnect() error {
	for _, removeFunc := range d.discordgoRemoveHandlerFuncs {
		removeFunc()
	}
	d.discordgoRemoveHandlerFuncs = []func(){}
	return d.session.Close()
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

// recoverHandlerPanic logs a recovered panic from a gateway handler.
// Intended for use as `defer d.recoverHandlerPanic("handler_name")`.
func (d *Discord) recoverHandlerPanic(handlerName string) {
	if rv := recover(); rv != nil {
		d.logger.Error(
			"recovered from handler panic",
			"handler", handlerName,
			"panic", rv,
			"stack", string(debug.Stack()),
		)
	}
}

func (d *Discord) guildCounters() GuildSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastGuild
}

func (d *Discord) channelName(channelID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.channelNames[channelID]
}

func (d *Discord) resolveRoles(roleIDs []string) []Role {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roles := make([]Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		if role, ok := d.roleIndex[id]; ok {
			roles = append(roles, role)
		}
	}
	return roles
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		defer d.recoverHandlerPanic("ready")
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
			d.botUsername.Store(r.User.Username)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", stringValue(&d.botUserID),
			"username", stringValue(&d.botUsername),
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected")
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// handlerGuildCreate seeds the cache from the full guild payload: role
// and channel indexes, every member merged with their current presence,
// current voice occupancy, and the aggregate stats snapshot.
func (d *Discord) handlerGuildCreate() func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		defer d.recoverHandlerPanic("guild_create")
		if g.ID != d.config.GuildID {
			return
		}
		d.guildName.Store(g.Name)
		snapshot := guildSnapshot(g.Guild)

		d.mu.Lock()
		d.lastGuild = snapshot
		for _, role := range g.Roles {
			d.roleIndex[role.ID] = Role{
				ID:    role.ID,
				Name:  role.Name,
				Color: fmt.Sprintf("#%06x", role.Color),
			}
		}
		for _, channel := range g.Channels {
			d.channelNames[channel.ID] = channel.Name
		}
		d.mu.Unlock()

		presences := make(map[string]*discordgo.Presence, len(g.Presences))
		for _, p := range g.Presences {
			if p.User != nil {
				presences[p.User.ID] = p
			}
		}

		for _, gm := range g.Members {
			if gm.User == nil {
				continue
			}
			d.cache.UpsertMember(d.memberFromGuild(gm, presences[gm.User.ID]))
		}

		for _, vs := range g.VoiceStates {
			d.cache.ApplyVoiceTransition(
				vs.UserID,
				"",
				vs.ChannelID,
				d.channelName(vs.ChannelID),
				VoiceFlags{
					SelfMute:   vs.SelfMute,
					SelfDeaf:   vs.SelfDeaf,
					ServerMute: vs.Mute,
					ServerDeaf: vs.Deaf,
				},
			)
		}

		stats := d.cache.RecomputeServerStats(snapshot)
		d.logger.Info(
			"guild cache populated",
			"guild_id", g.ID,
			"guild_name", g.Name,
			"members", len(g.Members),
			"voice_states", len(g.VoiceStates),
			"online", stats.OnlineMembers,
		)
	}
}

func (d *Discord) handlerGuildMemberAdd() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		defer d.recoverHandlerPanic("guild_member_add")
		if m.GuildID != d.config.GuildID || m.User == nil {
			return
		}
		member := d.cache.UpsertMember(d.memberFromGuild(m.Member, nil))
		d.logger.Info("member joined", "member", member)
	}
}

// handlerGuildMemberUpdate replaces the member record wholesale, keeping
// the previously cached presence - member update payloads don't carry
// one.
func (d *Discord) handlerGuildMemberUpdate() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberUpdate,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		defer d.recoverHandlerPanic("guild_member_update")
		if m.GuildID != d.config.GuildID || m.User == nil || m.User.Bot {
			return
		}
		member := d.memberFromGuild(m.Member, nil)
		if existing, ok := d.cache.GetMember(m.User.ID); ok {
			member.Status = existing.Status
			member.Activities = existing.Activities
		}
		d.cache.UpsertMember(member)
	}
}

func (d *Discord) handlerGuildMemberRemove() func(
	s *discordgo.Session,
	m *discordgo.GuildMemberRemove,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		defer d.recoverHandlerPanic("guild_member_remove")
		if m.GuildID != d.config.GuildID || m.User == nil {
			return
		}
		d.cache.RemoveMember(m.User.ID)
		d.logger.Info("member left", "user_id", m.User.ID)
	}
}

func (d *Discord) handlerPresenceUpdate() func(
	s *discordgo.Session,
	p *discordgo.PresenceUpdate,
) {
	return func(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
		defer d.recoverHandlerPanic("presence_update")
		if p.GuildID != d.config.GuildID || p.User == nil {
			return
		}
		d.cache.UpdatePresence(
			p.User.ID,
			presenceStatus(p.Status),
			activitiesFrom(p.Activities),
		)
		// keep the online count fresh between guild create payloads
		d.cache.RecomputeServerStats(d.guildCounters())
	}
}

// handlerVoiceStateUpdate feeds every join, leave and move through the
// cache's single transition function. The prior channel comes from the
// cache itself, not from discordgo state tracking.
func (d *Discord) handlerVoiceStateUpdate() func(
	s *discordgo.Session,
	v *discordgo.VoiceStateUpdate,
) {
	return func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		defer d.recoverHandlerPanic("voice_state_update")
		if v.GuildID != d.config.GuildID {
			return
		}
		if v.Member != nil && v.Member.User != nil && v.Member.User.Bot {
			return
		}
		if member, ok := d.cache.GetMember(v.UserID); ok && member.Bot {
			return
		}

		var oldChannelID string
		if prior, ok := d.cache.GetVoiceState(v.UserID); ok {
			oldChannelID = prior.ChannelID
		}

		state := d.cache.ApplyVoiceTransition(
			v.UserID,
			oldChannelID,
			v.ChannelID,
			d.channelName(v.ChannelID),
			VoiceFlags{
				SelfMute:   v.SelfMute,
				SelfDeaf:   v.SelfDeaf,
				ServerMute: v.Mute,
				ServerDeaf: v.Deaf,
			},
		)
		if state == nil {
			return
		}

		switch {
		case v.ChannelID == "":
			d.logger.Info(
				"voice leave",
				"user_id", v.UserID,
				"channel_id", oldChannelID,
				"duration", state.Duration,
			)
		case oldChannelID == "":
			d.logger.Info(
				"voice join",
				"user_id", v.UserID,
				"channel_id", v.ChannelID,
				"channel_name", state.ChannelName,
			)
		case oldChannelID != v.ChannelID:
			d.logger.Info(
				"voice move",
				"user_id", v.UserID,
				"from_channel_id", oldChannelID,
				"channel_id", v.ChannelID,
				"channel_name", state.ChannelName,
			)
		}
	}
}

// handlerMessageCreate applies the response policy and, when it
// matches, relays the message through the LLM adapter and sends the
// (possibly chunked) reply. A policy miss leaves conversation memory
// untouched.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		defer d.recoverHandlerPanic("message_create")
		if m.Author == nil || m.Author.Bot {
			return
		}
		botID := stringValue(&d.botUserID)
		if botID == "" || m.Author.ID == botID {
			return
		}
		// DMs carry no guild ID; anything else must be our guild
		if m.GuildID != "" && m.GuildID != d.config.GuildID {
			return
		}

		reason, respond := d.shouldRespond(m)
		if !respond {
			return
		}
		content := stripBotMention(m.Content, botID)
		if content == "" {
			return
		}
		d.metricMessagesHandled.Add(1)

		ctx := context.Background()
		logger := d.logger.With(
			"user_id", m.Author.ID,
			"channel_id", m.ChannelID,
			"respond_reason", reason,
		)

		if err := d.session.ChannelTyping(m.ChannelID); err != nil {
			logger.Warn("unable to send typing indicator", tint.Err(err))
		}

		reply, err := d.llm.GenerateReply(
			ctx,
			m.Author.ID,
			content,
			d.promptContext(),
		)
		if err != nil {
			logger.Error("reply generation failed", tint.Err(err))
		}

		chunks := ChunkReply(reply.Response)
		for i, chunk := range chunks {
			var sendErr error
			if i == 0 {
				_, sendErr = d.session.ChannelMessageSendReply(
					m.ChannelID,
					chunk,
					m.Reference(),
				)
			} else {
				sendErr = d.channelMessageSend(m.ChannelID, chunk)
			}
			if sendErr != nil {
				logger.Error(
					"unable to send reply chunk",
					tint.Err(sendErr),
					"chunk", i,
					"chunks", len(chunks),
				)
			}
		}

		// speak the reply if the author is sitting in a voice channel
		if err == nil && d.tts != nil && d.tts.Enabled() {
			if voiceState, ok := d.cache.GetVoiceState(m.Author.ID); ok {
				go d.speakReply(ctx, voiceState.ChannelID, reply.Response)
			}
		}
	}
}

func (d *Discord) speakReply(ctx context.Context, channelID string, text string) {
	defer d.recoverHandlerPanic("speak_reply")
	if err := d.tts.Speak(ctx, d.session, d.config.GuildID, channelID, text); err != nil {
		d.logger.Error(
			"tts playback failed",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
}

// shouldRespond evaluates the response policy in priority order:
// explicit mention, bot name as a substring, designated chat channel,
// then direct message. Returns the first matching rule's name.
func (d *Discord) shouldRespond(m *discordgo.MessageCreate) (string, bool) {
	botID := stringValue(&d.botUserID)
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == botID {
			return "mention", true
		}
	}
	botName := stringValue(&d.botUsername)
	if botName != "" && strings.Contains(
		strings.ToLower(m.Content),
		strings.ToLower(botName),
	) {
		return "name_match", true
	}
	if d.chatChannels[m.ChannelID] {
		return "chat_channel", true
	}
	if m.GuildID == "" {
		return "direct_message", true
	}
	return "", false
}

// promptContext assembles the identity details for the system prompt,
// using the online roster as the known-member list.
func (d *Discord) promptContext() PromptContext {
	online := d.cache.ListOnlineMembers()
	names := make([]string, 0, len(online))
	for _, m := range online {
		name := m.DisplayName
		if name == "" {
			name = m.Username
		}
		names = append(names, name)
	}
	return PromptContext{
		BotName:     stringValue(&d.botUsername),
		GuildName:   stringValue(&d.guildName),
		MemberNames: names,
	}
}

// memberFromGuild converts a discordgo member (and optional presence)
// into a cache record.
func (d *Discord) memberFromGuild(
	gm *discordgo.Member,
	presence *discordgo.Presence,
) Member {
	member := Member{
		ID:       gm.User.ID,
		Username: gm.User.Username,
		Avatar:   gm.User.AvatarURL(""),
		Bot:      gm.User.Bot,
		Roles:    d.resolveRoles(gm.Roles),
		JoinedAt: gm.JoinedAt,
	}
	member.DisplayName = gm.Nick
	if member.DisplayName == "" {
		member.DisplayName = gm.User.GlobalName
	}
	if member.DisplayName == "" {
		member.DisplayName = gm.User.Username
	}
	if presence != nil {
		member.Status = presenceStatus(presence.Status)
		member.Activities = activitiesFrom(presence.Activities)
	}
	return member
}

func guildSnapshot(g *discordgo.Guild) GuildSnapshot {
	return GuildSnapshot{
		Name:        g.Name,
		IconURL:     g.IconURL(""),
		MemberCount: g.MemberCount,
		BoostLevel:  int(g.PremiumTier),
		BoostCount:  g.PremiumSubscriptionCount,
	}
}

func presenceStatus(status discordgo.Status) string {
	switch status {
	case discordgo.StatusOnline:
		return StatusOnline
	case discordgo.StatusIdle:
		return StatusIdle
	case discordgo.StatusDoNotDisturb:
		return StatusDND
	default:
		return StatusOffline
	}
}

func activitiesFrom(activities []*discordgo.Activity) []Activity {
	out := make([]Activity, 0, len(activities))
	for _, a := range activities {
		if a == nil {
			continue
		}
		out = append(
			out, Activity{
				Name:    a.Name,
				Type:    int(a.Type),
				Details: a.Details,
				State:   a.State,
			},
		)
	}
	return out
}

// stripBotMention removes the bot's mention tokens from the message
// content so the prompt doesn't open with a raw user ID.
func stripBotMention(content string, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// gatewayMetrics reports the gateway event counters surfaced by the
// health endpoint.
func (d *Discord) gatewayMetrics() map[string]int64 {
	return map[string]int64{
		"connects":         d.metricConnects.Load(),
		"disconnects":      d.metricDisconnects.Load(),
		"messages_handled": d.metricMessagesHandled.Load(),
	}
}

func stringValue(v *atomic.Value) string {
	s, _ := v.Load().(string)
	return s
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the given channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// ChannelVoiceJoin joins the given voice channel and returns the
	// voice connection
	ChannelVoiceJoin(
		guildID string,
		channelID string,
		mute bool,
		deaf bool,
	) (*discordgo.VoiceConnection, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the
	// initial handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(options ...discordgo.RequestOption) (st *discordgo.GatewayBotResponse, err error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	} else {
		d.logger.Info("retrieved gateway bot", "gateway_bot", structToSlogValue(gb))
	}
	return gb, err
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"content", content,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) ChannelVoiceJoin(
	guildID string,
	channelID string,
	mute bool,
	deaf bool,
) (*discordgo.VoiceConnection, error) {
	return d.session.ChannelVoiceJoin(guildID, channelID, mute, deaf)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) UpdateCustomStatus(
	status string,
) error {
	return d.session.UpdateCustomStatus(status)
}
