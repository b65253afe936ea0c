package squadbot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationMemory_FIFOEviction(t *testing.T) {
	t.Parallel()
	memory := NewConversationMemory(20, nil)

	for i := 0; i < 25; i++ {
		memory.Append("user-1", ChatRoleUser, fmt.Sprintf("message %d", i))
	}

	history := memory.History("user-1")
	require.Len(t, history, 20)
	assert.Equal(t, "message 5", history[0].Content)
	assert.Equal(t, "message 24", history[19].Content)
}

func TestConversationMemory_PerUserIsolation(t *testing.T) {
	t.Parallel()
	memory := NewConversationMemory(20, nil)
	memory.Append("user-1", ChatRoleUser, "hello")
	memory.Append("user-2", ChatRoleUser, "hola")

	assert.Len(t, memory.History("user-1"), 1)
	assert.Len(t, memory.History("user-2"), 1)
	assert.Equal(t, "hello", memory.History("user-1")[0].Content)
}

func TestConversationMemory_EmptyHistory(t *testing.T) {
	t.Parallel()
	memory := NewConversationMemory(20, nil)
	history := memory.History("never-seen")
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestConversationMemory_HistoryIsACopy(t *testing.T) {
	t.Parallel()
	memory := NewConversationMemory(20, nil)
	memory.Append("user-1", ChatRoleUser, "original")

	history := memory.History("user-1")
	history[0].Content = "mutated"

	assert.Equal(t, "original", memory.History("user-1")[0].Content)
}

func TestConversationMemory_Clear(t *testing.T) {
	t.Parallel()
	memory := NewConversationMemory(20, nil)
	memory.Append("user-1", ChatRoleUser, "hello")
	memory.Append("user-2", ChatRoleUser, "hola")

	memory.Clear("user-1")
	assert.Empty(t, memory.History("user-1"))
	assert.Len(t, memory.History("user-2"), 1)

	memory.ClearAll()
	assert.Empty(t, memory.History("user-2"))
}

func TestConversationMemory_DefaultLimit(t *testing.T) {
	t.Parallel()
	memory := NewConversationMemory(0, nil)
	for i := 0; i < DefaultConversationLimit+5; i++ {
		memory.Append("user-1", ChatRoleUser, "x")
	}
	assert.Len(t, memory.History("user-1"), DefaultConversationLimit)
}

func TestConversationMemory_Stats(t *testing.T) {
	t.Parallel()
	memory := NewConversationMemory(20, nil)
	memory.Append("user-1", ChatRoleUser, "a")
	memory.Append("user-1", ChatRoleAssistant, "b")
	memory.Append("user-2", ChatRoleUser, "c")

	stats := memory.Stats()
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 3, stats.TotalMessages)
	assert.Equal(t, 2, stats.UserCounts["user-1"])
	assert.Equal(t, 1, stats.UserCounts["user-2"])
}
