package squadbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	channelID string
	content   string
}

// mockDiscordSession is a mock implementation of the
// DiscordSessionHandler interface.
type mockDiscordSession struct {
	mu           sync.Mutex
	sent         []sentMessage
	typingCalls  []string
	customStatus string
	sendErr      error
	opened       bool
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{}
}

func (m *mockDiscordSession) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, content: message})
	return &discordgo.Message{Content: message, ChannelID: channelID}, nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return m.ChannelMessageSend(channelID, content)
}

func (m *mockDiscordSession) ChannelTyping(
	channelID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typingCalls = append(m.typingCalls, channelID)
	return nil
}

func (m *mockDiscordSession) ChannelVoiceJoin(
	_ string,
	_ string,
	_ bool,
	_ bool,
) (*discordgo.VoiceConnection, error) {
	return nil, fmt.Errorf("voice not supported in mock")
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = status
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (m *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func (m *mockDiscordSession) GatewayBot(
	_ ...discordgo.RequestOption,
) (*discordgo.GatewayBotResponse, error) {
	return &discordgo.GatewayBotResponse{}, nil
}

// stubProvider is a canned CompletionProvider for tests.
type stubProvider struct {
	text   string
	tokens int
	err    error
	calls  int
}

func (s *stubProvider) Complete(
	_ context.Context,
	_ []ChatMessage,
) (string, int, error) {
	s.calls++
	return s.text, s.tokens, s.err
}

func newTestDiscord(t *testing.T, provider CompletionProvider) (
	*Discord,
	*mockDiscordSession,
) {
	t.Helper()
	cache := NewGuildCache(nil)
	memory := NewConversationMemory(20, nil)
	llm := &LLMAdapter{
		provider:    provider,
		memory:      memory,
		personality: PersonalitySarcastic,
		logger:      slog.Default(),
	}
	session := newMockDiscordSession()
	d := newDiscord(
		&DiscordConfig{
			GuildID:        "guild-1",
			ChatChannelIDs: []string{"chan-chat"},
		},
		cache,
		memory,
		llm,
		nil,
	)
	d.logger = slog.Default().With("test", t.Name())
	d.session = session
	d.botUserID.Store("bot-id")
	d.botUsername.Store("Squadbot")
	d.guildName.Store("The Squad")
	return d, session
}

func TestDiscord_ShouldRespondPolicyOrder(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, &stubProvider{})

	for _, tc := range []struct {
		name       string
		message    *discordgo.MessageCreate
		wantReason string
		want       bool
	}{
		{
			name: "mention wins over everything",
			message: &discordgo.MessageCreate{
				Message: &discordgo.Message{
					Content:   "<@bot-id> squadbot hello",
					ChannelID: "chan-chat",
					Mentions:  []*discordgo.User{{ID: "bot-id"}},
				},
			},
			wantReason: "mention",
			want:       true,
		},
		{
			name: "name substring is case insensitive",
			message: &discordgo.MessageCreate{
				Message: &discordgo.Message{
					Content:   "hey SQUADBOT what's up",
					ChannelID: "chan-other",
					GuildID:   "guild-1",
				},
			},
			wantReason: "name_match",
			want:       true,
		},
		{
			name: "designated chat channel",
			message: &discordgo.MessageCreate{
				Message: &discordgo.Message{
					Content:   "anyone around?",
					ChannelID: "chan-chat",
					GuildID:   "guild-1",
				},
			},
			wantReason: "chat_channel",
			want:       true,
		},
		{
			name: "direct message",
			message: &discordgo.MessageCreate{
				Message: &discordgo.Message{
					Content:   "hello",
					ChannelID: "dm-1",
				},
			},
			wantReason: "direct_message",
			want:       true,
		},
		{
			name: "guild message with no match",
			message: &discordgo.MessageCreate{
				Message: &discordgo.Message{
					Content:   "nothing to see here",
					ChannelID: "chan-other",
					GuildID:   "guild-1",
				},
			},
			want: false,
		},
		{
			name: "mention of someone else doesn't count",
			message: &discordgo.MessageCreate{
				Message: &discordgo.Message{
					Content:   "<@other-user> hi",
					ChannelID: "chan-other",
					GuildID:   "guild-1",
					Mentions:  []*discordgo.User{{ID: "other-user"}},
				},
			},
			want: false,
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				reason, respond := d.shouldRespond(tc.message)
				assert.Equal(t, tc.want, respond)
				assert.Equal(t, tc.wantReason, reason)
			},
		)
	}
}

func TestDiscord_MessageCreateRepliesAndRecordsHistory(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t, &stubProvider{text: "lol", tokens: 5})
	handler := d.handlerMessageCreate()

	handler(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "msg-1",
				Content:   "<@bot-id> say something",
				ChannelID: "chan-chat",
				GuildID:   "guild-1",
				Author:    &discordgo.User{ID: "user-1", Username: "alice"},
				Mentions:  []*discordgo.User{{ID: "bot-id"}},
			},
		},
	)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "lol", sent[0].content)
	assert.Equal(t, []string{"chan-chat"}, session.typingCalls)

	history := d.memory.History("user-1")
	require.Len(t, history, 2)
	assert.Equal(t, ChatRoleUser, history[0].Role)
	assert.Equal(t, "say something", history[0].Content, "mention is stripped")
	assert.Equal(t, ChatRoleAssistant, history[1].Role)
}

func TestDiscord_MessageCreateFallbackOnProviderError(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(
		t,
		&stubProvider{err: fmt.Errorf("upstream exploded")},
	)
	handler := d.handlerMessageCreate()

	handler(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "msg-1",
				Content:   "squadbot help",
				ChannelID: "chan-other",
				GuildID:   "guild-1",
				Author:    &discordgo.User{ID: "user-1", Username: "alice"},
			},
		},
	)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, FallbackReply, sent[0].content)

	// the user's turn stays buffered even though the call failed
	history := d.memory.History("user-1")
	require.Len(t, history, 1)
	assert.Equal(t, ChatRoleUser, history[0].Role)
}

func TestDiscord_MessageCreateIgnoresBotsAndPolicyMisses(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{text: "hi"}
	d, session := newTestDiscord(t, provider)
	handler := d.handlerMessageCreate()

	handler(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				Content:   "squadbot hello",
				ChannelID: "chan-chat",
				GuildID:   "guild-1",
				Author:    &discordgo.User{ID: "other-bot", Bot: true},
			},
		},
	)
	handler(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				Content:   "just chatting",
				ChannelID: "chan-other",
				GuildID:   "guild-1",
				Author:    &discordgo.User{ID: "user-1"},
			},
		},
	)

	assert.Empty(t, session.sentMessages())
	assert.Zero(t, provider.calls)
	assert.Empty(t, d.memory.History("user-1"), "policy miss leaves memory untouched")
}

func TestDiscord_MessageCreateIgnoresOtherGuilds(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{text: "hi"}
	d, session := newTestDiscord(t, provider)
	handler := d.handlerMessageCreate()

	handler(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				Content:   "<@bot-id> hello",
				ChannelID: "chan-chat",
				GuildID:   "other-guild",
				Author:    &discordgo.User{ID: "user-1"},
				Mentions:  []*discordgo.User{{ID: "bot-id"}},
			},
		},
	)

	assert.Empty(t, session.sentMessages())
	assert.Zero(t, provider.calls)
	assert.Empty(t, d.memory.History("user-1"))
}

func TestDiscord_MessageCreateSkipsBareMention(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{text: "hi"}
	d, session := newTestDiscord(t, provider)
	handler := d.handlerMessageCreate()

	// a lone @mention leaves nothing to reply to once stripped
	handler(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				Content:   "<@bot-id>",
				ChannelID: "chan-chat",
				GuildID:   "guild-1",
				Author:    &discordgo.User{ID: "user-1"},
				Mentions:  []*discordgo.User{{ID: "bot-id"}},
			},
		},
	)

	assert.Empty(t, session.sentMessages())
	assert.Zero(t, provider.calls)
	assert.Empty(t, d.memory.History("user-1"))
}

func TestDiscord_VoiceStateUpdateUsesCachedPriorChannel(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, &stubProvider{})
	d.mu.Lock()
	d.channelNames["chan-a"] = "General"
	d.channelNames["chan-b"] = "AFK"
	d.mu.Unlock()

	handler := d.handlerVoiceStateUpdate()

	handler(
		nil, &discordgo.VoiceStateUpdate{
			VoiceState: &discordgo.VoiceState{
				GuildID:   "guild-1",
				UserID:    "user-1",
				ChannelID: "chan-a",
			},
		},
	)
	state, ok := d.cache.GetVoiceState("user-1")
	require.True(t, ok)
	assert.Equal(t, "General", state.ChannelName)

	handler(
		nil, &discordgo.VoiceStateUpdate{
			VoiceState: &discordgo.VoiceState{
				GuildID:   "guild-1",
				UserID:    "user-1",
				ChannelID: "chan-b",
			},
		},
	)
	channels := d.cache.ListVoiceChannels()
	require.Len(t, channels, 1)
	assert.Equal(t, "chan-b", channels[0].ID)

	handler(
		nil, &discordgo.VoiceStateUpdate{
			VoiceState: &discordgo.VoiceState{
				GuildID: "guild-1",
				UserID:  "user-1",
			},
		},
	)
	assert.Empty(t, d.cache.ListVoiceChannels())
}

func TestDiscord_VoiceStateUpdateIgnoresOtherGuilds(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, &stubProvider{})
	handler := d.handlerVoiceStateUpdate()
	handler(
		nil, &discordgo.VoiceStateUpdate{
			VoiceState: &discordgo.VoiceState{
				GuildID:   "other-guild",
				UserID:    "user-1",
				ChannelID: "chan-a",
			},
		},
	)
	assert.Empty(t, d.cache.ListVoiceChannels())
}

func TestDiscord_VoiceStateUpdateSkipsBots(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, &stubProvider{})
	handler := d.handlerVoiceStateUpdate()

	handler(
		nil, &discordgo.VoiceStateUpdate{
			VoiceState: &discordgo.VoiceState{
				GuildID:   "guild-1",
				UserID:    "music-bot",
				ChannelID: "chan-a",
				Member: &discordgo.Member{
					User: &discordgo.User{ID: "music-bot", Bot: true},
				},
			},
		},
	)
	assert.Empty(t, d.cache.ListVoiceChannels())

	// payload without member data: the cached record decides
	d.cache.UpsertMember(Member{ID: "other-bot", Username: "jukebox", Bot: true})
	handler(
		nil, &discordgo.VoiceStateUpdate{
			VoiceState: &discordgo.VoiceState{
				GuildID:   "guild-1",
				UserID:    "other-bot",
				ChannelID: "chan-a",
			},
		},
	)
	assert.Empty(t, d.cache.ListVoiceChannels())
}

func TestDiscord_GuildMemberUpdateSkipsBots(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, &stubProvider{})
	handler := d.handlerGuildMemberUpdate()

	handler(
		nil, &discordgo.GuildMemberUpdate{
			Member: &discordgo.Member{
				GuildID: "guild-1",
				User:    &discordgo.User{ID: "music-bot", Bot: true},
			},
		},
	)
	_, ok := d.cache.GetMember("music-bot")
	assert.False(t, ok)
}

func TestDiscord_PresenceUpdate(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, &stubProvider{})
	d.cache.UpsertMember(Member{ID: "user-1", Username: "alice"})

	handler := d.handlerPresenceUpdate()
	handler(
		nil, &discordgo.PresenceUpdate{
			GuildID: "guild-1",
			Presence: discordgo.Presence{
				User:   &discordgo.User{ID: "user-1"},
				Status: discordgo.StatusIdle,
				Activities: []*discordgo.Activity{
					{Name: "Factorio", Type: discordgo.ActivityTypeGame},
				},
			},
		},
	)

	member, ok := d.cache.GetMember("user-1")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, member.Status)
	require.Len(t, member.Activities, 1)
	assert.Equal(t, "Factorio", member.Activities[0].Name)
}

func TestDiscord_PresenceUpdateRecomputesServerStats(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, &stubProvider{})
	d.cache.UpsertMember(Member{ID: "user-1", Username: "alice"})
	d.mu.Lock()
	d.lastGuild = GuildSnapshot{Name: "The Squad", MemberCount: 5}
	d.mu.Unlock()
	d.cache.RecomputeServerStats(d.guildCounters())
	require.Zero(t, d.cache.ServerStats().OnlineMembers)

	handler := d.handlerPresenceUpdate()
	handler(
		nil, &discordgo.PresenceUpdate{
			GuildID: "guild-1",
			Presence: discordgo.Presence{
				User:   &discordgo.User{ID: "user-1"},
				Status: discordgo.StatusOnline,
			},
		},
	)

	stats := d.cache.ServerStats()
	assert.Equal(t, 1, stats.OnlineMembers)
	assert.Equal(t, "The Squad", stats.ServerName, "guild counters carry over")
	assert.Equal(t, 5, stats.TotalMembers)

	handler(
		nil, &discordgo.PresenceUpdate{
			GuildID: "guild-1",
			Presence: discordgo.Presence{
				User:   &discordgo.User{ID: "user-1"},
				Status: discordgo.StatusOffline,
			},
		},
	)
	assert.Zero(t, d.cache.ServerStats().OnlineMembers)
}

func TestDiscord_GuildCreateSeedsCache(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, &stubProvider{})
	handler := d.handlerGuildCreate()

	handler(
		nil, &discordgo.GuildCreate{
			Guild: &discordgo.Guild{
				ID:          "guild-1",
				Name:        "The Squad",
				MemberCount: 3,
				Roles: []*discordgo.Role{
					{ID: "role-1", Name: "Regulars", Color: 0xff0000},
				},
				Channels: []*discordgo.Channel{
					{ID: "chan-a", Name: "General"},
				},
				Members: []*discordgo.Member{
					{
						User:  &discordgo.User{ID: "u1", Username: "alice"},
						Roles: []string{"role-1"},
					},
					{User: &discordgo.User{ID: "u2", Username: "bob"}},
				},
				Presences: []*discordgo.Presence{
					{
						User:   &discordgo.User{ID: "u1"},
						Status: discordgo.StatusOnline,
					},
				},
				VoiceStates: []*discordgo.VoiceState{
					{UserID: "u1", ChannelID: "chan-a"},
				},
			},
		},
	)

	member, ok := d.cache.GetMember("u1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, member.Status)
	require.Len(t, member.Roles, 1)
	assert.Equal(t, "Regulars", member.Roles[0].Name)
	assert.Equal(t, "#ff0000", member.Roles[0].Color)

	bob, ok := d.cache.GetMember("u2")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, bob.Status, "no presence defaults to offline")

	channels := d.cache.ListVoiceChannels()
	require.Len(t, channels, 1)
	assert.Equal(t, "General", channels[0].Name)

	stats := d.cache.ServerStats()
	assert.Equal(t, 3, stats.TotalMembers)
	assert.Equal(t, 1, stats.OnlineMembers)
	assert.Equal(t, "The Squad", stats.ServerName)
}

func TestDiscord_GuildMemberRemove(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, &stubProvider{})
	d.cache.UpsertMember(Member{ID: "u1", Username: "alice"})

	handler := d.handlerGuildMemberRemove()
	handler(
		nil, &discordgo.GuildMemberRemove{
			Member: &discordgo.Member{
				GuildID: "guild-1",
				User:    &discordgo.User{ID: "u1"},
			},
		},
	)
	_, ok := d.cache.GetMember("u1")
	assert.False(t, ok)
}

func TestStripBotMention(t *testing.T) {
	t.Parallel()
	assert.Equal(
		t,
		"hello there",
		stripBotMention("<@bot-id> hello there", "bot-id"),
	)
	assert.Equal(
		t,
		"hello",
		stripBotMention("<@!bot-id> hello", "bot-id"),
	)
	assert.Equal(t, "plain", stripBotMention("plain", "bot-id"))
}

func TestPresenceStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StatusOnline, presenceStatus(discordgo.StatusOnline))
	assert.Equal(t, StatusIdle, presenceStatus(discordgo.StatusIdle))
	assert.Equal(t, StatusDND, presenceStatus(discordgo.StatusDoNotDisturb))
	assert.Equal(t, StatusOffline, presenceStatus(discordgo.StatusOffline))
	assert.Equal(t, StatusOffline, presenceStatus(discordgo.StatusInvisible))
}

func TestDiscord_HandlerRecoversPanic(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, &stubProvider{})
	handler := d.handlerMessageCreate()

	assert.NotPanics(
		t, func() {
			handler(nil, &discordgo.MessageCreate{Message: nil})
		},
	)
}
