package squadbot

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Presence status values mirrored from the discord gateway.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDND     = "dnd"
	StatusOffline = "offline"
)

// Activity describes a single presence activity (playing/streaming/etc).
// Type values follow the discord activity type enum (0-5).
type Activity struct {
	Name    string `json:"name"`
	Type    int    `json:"type"`
	Details string `json:"details,omitempty"`
	State   string `json:"state,omitempty"`
}

// Role is a snapshot of a guild role as seen on a member record.
type Role struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Member is the cached record for a single guild member, including their
// last known presence. Records are owned exclusively by GuildCache and are
// replaced wholesale on member events - only UpdatePresence mutates a record
// in place.
type Member struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	Avatar      string     `json:"avatar"`
	Bot         bool       `json:"bot"`
	Status      string     `json:"status"`
	Activities  []Activity `json:"activities"`
	Roles       []Role     `json:"roles"`
	JoinedAt    time.Time  `json:"joined_at"`
	LastUpdated time.Time  `json:"last_updated"`
}

func (m Member) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", m.ID),
		slog.String("username", m.Username),
		slog.String("status", m.Status),
	)
}

// Online indicates whether the member counts toward the online roster
// (any non-offline status, bots excluded).
func (m Member) Online() bool {
	return m.Status != StatusOffline && !m.Bot
}

// VoiceState is the per-user voice occupancy record. LeftAt/Duration are
// only populated on the value returned from a leave transition - a user
// with no current channel has no VoiceState in the cache.
type VoiceState struct {
	UserID      string        `json:"user_id"`
	ChannelID   string        `json:"channel_id"`
	ChannelName string        `json:"channel_name"`
	JoinedAt    time.Time     `json:"joined_at"`
	SelfMute    bool          `json:"self_mute"`
	SelfDeaf    bool          `json:"self_deaf"`
	ServerMute  bool          `json:"server_mute"`
	ServerDeaf  bool          `json:"server_deaf"`
	LeftAt      *time.Time    `json:"left_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// VoiceFlags carries the mute/deaf flags delivered with a voice state
// update. They're refreshed on every transition that leaves the user in
// a channel.
type VoiceFlags struct {
	SelfMute   bool `json:"self_mute"`
	SelfDeaf   bool `json:"self_deaf"`
	ServerMute bool `json:"server_mute"`
	ServerDeaf bool `json:"server_deaf"`
}

// VoiceChannel tracks the members currently occupying a voice channel.
// A channel record exists if and only if at least one member occupies it.
type VoiceChannel struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// VoiceChannelDetail is a VoiceChannel annotated with the resolved member
// records for each occupant. Occupant IDs with no matching member record
// are silently dropped.
type VoiceChannelDetail struct {
	VoiceChannel
	MemberDetails []Member `json:"member_details"`
}

// ServerStats is an aggregate snapshot recomputed by scanning the member
// set plus guild-level counters. It is only as fresh as the last call to
// RecomputeServerStats.
type ServerStats struct {
	TotalMembers  int       `json:"total_members"`
	OnlineMembers int       `json:"online_members"`
	MemberCount   int       `json:"member_count"`
	BoostLevel    int       `json:"boost_level"`
	BoostCount    int       `json:"boost_count"`
	ServerName    string    `json:"server_name"`
	ServerIcon    string    `json:"server_icon"`
	LastUpdated   time.Time `json:"last_updated"`
}

// GuildSnapshot carries the guild-level counters needed to recompute
// ServerStats. It's decoupled from discordgo.Guild so stats can be
// recomputed in tests without a gateway payload.
type GuildSnapshot struct {
	Name        string
	IconURL     string
	MemberCount int
	BoostLevel  int
	BoostCount  int
}

// CacheStats reports diagnostic counts for the health endpoint.
type CacheStats struct {
	TotalMembers   int       `json:"total_members"`
	OnlineMembers  int       `json:"online_members"`
	VoiceChannels  int       `json:"voice_channels"`
	MembersInVoice int       `json:"members_in_voice"`
	LastUpdated    time.Time `json:"last_updated"`
}

// GuildCache is the live in-memory mirror of guild state: member records
// with presence, per-user voice states, and per-channel voice occupancy.
// It's constructed once at startup and passed by reference to the event
// dispatch and API layers - there is no package-level instance.
//
// Gateway handlers and HTTP handlers run on separate goroutines, so every
// operation takes the mutex. Mutations are atomic with respect to readers.
type GuildCache struct {
	mu            sync.RWMutex
	members       map[string]*Member
	voiceStates   map[string]*VoiceState
	voiceChannels map[string]*VoiceChannel
	serverStats   ServerStats
	logger        *slog.Logger
}

// NewGuildCache returns an empty GuildCache. If logger is nil,
// slog.Default is used.
func NewGuildCache(logger *slog.Logger) *GuildCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildCache{
		members:       map[string]*Member{},
		voiceStates:   map[string]*VoiceState{},
		voiceChannels: map[string]*VoiceChannel{},
		logger:        logger.With(loggerNameKey, "guild_cache"),
	}
}

// UpsertMember stores the given member record, replacing any previous
// record for the same ID wholesale (including the role snapshot). No
// field-by-field merge is attempted.
func (g *GuildCache) UpsertMember(member Member) Member {
	g.mu.Lock()
	defer g.mu.Unlock()

	member.LastUpdated = time.Now()
	if member.Status == "" {
		member.Status = StatusOffline
	}
	if member.Activities == nil {
		member.Activities = []Activity{}
	}
	g.members[member.ID] = &member
	return member
}

// UpdatePresence mutates the status, activities and last-updated timestamp
// of an existing member record. Unknown member IDs are a no-op.
func (g *GuildCache) UpdatePresence(
	userID string,
	status string,
	activities []Activity,
) {
	g.mu.Lock()
	defer g.mu.Unlock()

	member, ok := g.members[userID]
	if !ok {
		return
	}
	member.Status = status
	if activities == nil {
		activities = []Activity{}
	}
	member.Activities = activities
	member.LastUpdated = time.Now()
}

// ApplyVoiceTransition is the single state-transition function for voice
// occupancy, covering joins (oldChannelID empty), leaves (newChannelID
// empty) and moves (both set, different) through shared logic.
//
// It maintains two invariants: a user ID appears in at most one channel's
// member set at any time, and a channel record exists if and only if its
// member set is non-empty. When the user remains in a channel after the
// transition, the mute/deaf flags are always refreshed.
//
// On a leave, the removed VoiceState is returned with LeftAt and Duration
// populated; otherwise the user's current VoiceState is returned.
func (g *GuildCache) ApplyVoiceTransition(
	userID string,
	oldChannelID string,
	newChannelID string,
	channelName string,
	flags VoiceFlags,
) *VoiceState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if oldChannelID == newChannelID && newChannelID == "" {
		return nil
	}

	now := time.Now()

	if oldChannelID != "" && oldChannelID != newChannelID {
		g.removeOccupant(oldChannelID, userID)
	}

	if newChannelID == "" {
		state := g.voiceStates[userID]
		delete(g.voiceStates, userID)
		if state != nil {
			state.LeftAt = &now
			state.Duration = now.Sub(state.JoinedAt)
		}
		return state
	}

	if channelName == "" {
		channelName = "Unknown"
	}

	channel, ok := g.voiceChannels[newChannelID]
	if !ok {
		channel = &VoiceChannel{ID: newChannelID, Name: channelName}
		g.voiceChannels[newChannelID] = channel
	}
	channel.Name = channelName
	if !slices.Contains(channel.Members, userID) {
		channel.Members = append(channel.Members, userID)
	}

	state, ok := g.voiceStates[userID]
	if !ok {
		state = &VoiceState{UserID: userID, JoinedAt: now}
		g.voiceStates[userID] = state
	}
	state.ChannelID = newChannelID
	state.ChannelName = channelName
	state.SelfMute = flags.SelfMute
	state.SelfDeaf = flags.SelfDeaf
	state.ServerMute = flags.ServerMute
	state.ServerDeaf = flags.ServerDeaf
	return state
}

// removeOccupant removes userID from the given channel's member set,
// deleting the channel record if it becomes empty. Caller must hold the
// write lock.
func (g *GuildCache) removeOccupant(channelID string, userID string) {
	channel, ok := g.voiceChannels[channelID]
	if !ok {
		return
	}
	channel.Members = slices.DeleteFunc(
		channel.Members,
		func(id string) bool { return id == userID },
	)
	if len(channel.Members) == 0 {
		delete(g.voiceChannels, channelID)
	}
}

// RemoveMember drops the member record and any voice occupancy for the
// given user ID.
func (g *GuildCache) RemoveMember(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.members, userID)
	if state, ok := g.voiceStates[userID]; ok {
		g.removeOccupant(state.ChannelID, userID)
		delete(g.voiceStates, userID)
	}
}

// ListMembers returns a copy of every cached member record.
func (g *GuildCache) ListMembers() []Member {
	g.mu.RLock()
	defer g.mu.RUnlock()

	members := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, *m)
	}
	return members
}

// ListOnlineMembers returns every member whose status is not offline,
// excluding bot accounts.
func (g *GuildCache) ListOnlineMembers() []Member {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var members []Member
	for _, m := range g.members {
		if m.Online() {
			members = append(members, *m)
		}
	}
	return members
}

// GetMember returns the cached record for the given user ID.
func (g *GuildCache) GetMember(userID string) (Member, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m, ok := g.members[userID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// GetVoiceState returns the current voice state for the given user ID.
func (g *GuildCache) GetVoiceState(userID string) (VoiceState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.voiceStates[userID]
	if !ok {
		return VoiceState{}, false
	}
	return *s, true
}

// ListVoiceChannels returns every occupied voice channel, annotated with
// the resolved member record for each occupant. Occupant IDs with no
// cached member record are dropped from MemberDetails.
func (g *GuildCache) ListVoiceChannels() []VoiceChannelDetail {
	g.mu.RLock()
	defer g.mu.RUnlock()

	channels := make([]VoiceChannelDetail, 0, len(g.voiceChannels))
	for _, ch := range g.voiceChannels {
		detail := VoiceChannelDetail{
			VoiceChannel: VoiceChannel{
				ID:      ch.ID,
				Name:    ch.Name,
				Members: slices.Clone(ch.Members),
			},
			MemberDetails: []Member{},
		}
		for _, userID := range ch.Members {
			if m, ok := g.members[userID]; ok {
				detail.MemberDetails = append(detail.MemberDetails, *m)
			}
		}
		channels = append(channels, detail)
	}
	return channels
}

// GetVoiceChannel returns the annotated record for a single occupied
// voice channel.
func (g *GuildCache) GetVoiceChannel(channelID string) (
	VoiceChannelDetail,
	bool,
) {
	for _, ch := range g.ListVoiceChannels() {
		if ch.ID == channelID {
			return ch, true
		}
	}
	return VoiceChannelDetail{}, false
}

// RecomputeServerStats rebuilds the aggregate stats snapshot from the
// current member set and the given guild-level counters. Stats are not
// maintained incrementally.
func (g *GuildCache) RecomputeServerStats(guild GuildSnapshot) ServerStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	online := 0
	for _, m := range g.members {
		if m.Online() {
			online++
		}
	}
	g.serverStats = ServerStats{
		TotalMembers:  guild.MemberCount,
		OnlineMembers: online,
		MemberCount:   guild.MemberCount,
		BoostLevel:    guild.BoostLevel,
		BoostCount:    guild.BoostCount,
		ServerName:    guild.Name,
		ServerIcon:    guild.IconURL,
		LastUpdated:   time.Now(),
	}
	return g.serverStats
}

// ServerStats returns the last recomputed aggregate snapshot.
func (g *GuildCache) ServerStats() ServerStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.serverStats
}

// Stats returns diagnostic counts for the health endpoint.
func (g *GuildCache) Stats() CacheStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	online := 0
	for _, m := range g.members {
		if m.Online() {
			online++
		}
	}
	return CacheStats{
		TotalMembers:   len(g.members),
		OnlineMembers:  online,
		VoiceChannels:  len(g.voiceChannels),
		MembersInVoice: len(g.voiceStates),
		LastUpdated:    time.Now(),
	}
}

// Reset clears all cached state. Only used for test isolation.
func (g *GuildCache) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.members = map[string]*Member{}
	g.voiceStates = map[string]*VoiceState{}
	g.voiceChannels = map[string]*VoiceChannel{}
	g.serverStats = ServerStats{}
}
