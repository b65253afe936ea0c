package squadbot

import (
	"log/slog"
	"sync"
)

// Chat roles as sent to the completion API.
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
	ChatRoleSystem    = "system"
)

// DefaultConversationLimit is the number of messages retained per user -
// the last 10 exchanges (user + assistant pairs).
const DefaultConversationLimit = 20

// ChatMessage is a single turn in a user's conversation buffer.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationStats reports buffer sizes for monitoring.
type ConversationStats struct {
	TotalUsers    int            `json:"total_users"`
	TotalMessages int            `json:"total_messages"`
	UserCounts    map[string]int `json:"user_counts"`
}

// ConversationMemory keeps a bounded per-user message history feeding the
// LLM adapter. Histories live only in process memory and are lost on
// restart. Eviction is plain FIFO: once a user's buffer exceeds the
// limit, the oldest entries are dropped.
type ConversationMemory struct {
	mu      sync.Mutex
	buffers map[string][]ChatMessage
	limit   int
	logger  *slog.Logger
}

// NewConversationMemory returns a memory retaining at most limit messages
// per user. A non-positive limit falls back to
// DefaultConversationLimit.
func NewConversationMemory(limit int, logger *slog.Logger) *ConversationMemory {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationMemory{
		buffers: map[string][]ChatMessage{},
		limit:   limit,
		logger:  logger.With(loggerNameKey, "conversation_memory"),
	}
}

// Append pushes a message onto the user's buffer, evicting the oldest
// entries beyond the retention limit.
func (m *ConversationMemory) Append(userID string, role string, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buffer := append(m.buffers[userID], ChatMessage{Role: role, Content: content})
	if len(buffer) > m.limit {
		buffer = buffer[len(buffer)-m.limit:]
	}
	m.buffers[userID] = buffer
}

// History returns a copy of the user's current buffer, oldest first.
// Users with no prior history get an empty slice.
func (m *ConversationMemory) History(userID string) []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]ChatMessage, len(m.buffers[userID]))
	copy(history, m.buffers[userID])
	return history
}

// Clear drops the buffer for a single user.
func (m *ConversationMemory) Clear(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buffers, userID)
	m.logger.Info("cleared conversation history", "user_id", userID)
}

// ClearAll drops every buffer.
func (m *ConversationMemory) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffers = map[string][]ChatMessage{}
	m.logger.Info("cleared all conversation history")
}

// Stats reports the distinct user count, total buffered messages, and
// per-user message counts.
func (m *ConversationMemory) Stats() ConversationStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ConversationStats{UserCounts: map[string]int{}}
	for userID, buffer := range m.buffers {
		stats.TotalUsers++
		stats.TotalMessages += len(buffer)
		stats.UserCounts[userID] = len(buffer)
	}
	return stats
}
