package squadbot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVoiceConnection satisfies voiceConnection without a gateway.
type fakeVoiceConnection struct {
	ready        bool
	speaking     []bool
	opus         chan []byte
	disconnected bool
}

func (f *fakeVoiceConnection) IsReady() bool { return f.ready }

func (f *fakeVoiceConnection) Speaking(b bool) error {
	f.speaking = append(f.speaking, b)
	return nil
}

func (f *fakeVoiceConnection) OpusSendChannel() chan<- []byte { return f.opus }

func (f *fakeVoiceConnection) Disconnect() error {
	f.disconnected = true
	return nil
}

func TestTTSPlayer_Enabled(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		config *TTSConfig
		want   bool
	}{
		{name: "nil config", config: nil, want: false},
		{name: "disabled", config: &TTSConfig{Endpoint: "http://tts"}, want: false},
		{
			name:   "enabled without endpoint",
			config: &TTSConfig{Enabled: true},
			want:   false,
		},
		{
			name:   "enabled",
			config: &TTSConfig{Enabled: true, Endpoint: "http://tts"},
			want:   true,
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				player := NewTTSPlayer(tc.config, nil, nil)
				assert.Equal(t, tc.want, player.Enabled())
			},
		)
	}
}

func TestTTSPlayer_WaitReadyTimeout(t *testing.T) {
	t.Parallel()
	player := NewTTSPlayer(
		&TTSConfig{
			Enabled:           true,
			Endpoint:          "http://tts",
			VoiceReadyTimeout: 200 * time.Millisecond,
		},
		nil,
		nil,
	)

	vc := &fakeVoiceConnection{ready: false}
	err := player.waitReady(context.Background(), vc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVoiceReadyTimeout)
}

func TestTTSPlayer_WaitReadyImmediate(t *testing.T) {
	t.Parallel()
	player := NewTTSPlayer(
		&TTSConfig{Enabled: true, Endpoint: "http://tts"},
		nil,
		nil,
	)

	vc := &fakeVoiceConnection{ready: true}
	assert.NoError(t, player.waitReady(context.Background(), vc))
}

func TestTTSPlayer_WaitReadyCanceledContext(t *testing.T) {
	t.Parallel()
	player := NewTTSPlayer(
		&TTSConfig{
			Enabled:           true,
			Endpoint:          "http://tts",
			VoiceReadyTimeout: time.Minute,
		},
		nil,
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := player.waitReady(ctx, &fakeVoiceConnection{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTTSPlayer_Fetch(t *testing.T) {
	t.Parallel()

	var gotQuery map[string]string
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				gotQuery = map[string]string{}
				for key := range r.URL.Query() {
					gotQuery[key] = r.URL.Query().Get(key)
				}
				_, _ = w.Write([]byte("fake mp3 bytes"))
			},
		),
	)
	t.Cleanup(server.Close)

	player := NewTTSPlayer(
		&TTSConfig{Enabled: true, Endpoint: server.URL, Language: "es"},
		server.Client(),
		nil,
	)

	path, err := player.fetch(context.Background(), "hola squad")
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = os.Remove(path)
		},
	)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fake mp3 bytes", string(content))
	assert.True(t, strings.HasSuffix(path, ".mp3"))

	assert.Equal(t, "hola squad", gotQuery["q"])
	assert.Equal(t, "es", gotQuery["tl"])
	assert.Equal(t, "UTF-8", gotQuery["ie"])
	assert.Equal(t, "tw-ob", gotQuery["client"])
}

func TestTTSPlayer_FetchTruncatesLongText(t *testing.T) {
	t.Parallel()

	var gotText string
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				gotText = r.URL.Query().Get("q")
				_, _ = w.Write([]byte("x"))
			},
		),
	)
	t.Cleanup(server.Close)

	player := NewTTSPlayer(
		&TTSConfig{Enabled: true, Endpoint: server.URL, Language: "en"},
		server.Client(),
		nil,
	)

	path, err := player.fetch(
		context.Background(),
		strings.Repeat("a", ttsTextLimit*2),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = os.Remove(path)
		},
	)
	assert.Len(t, gotText, ttsTextLimit)
}

func TestTTSPlayer_FetchErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		),
	)
	t.Cleanup(server.Close)

	player := NewTTSPlayer(
		&TTSConfig{Enabled: true, Endpoint: server.URL},
		server.Client(),
		nil,
	)

	_, err := player.fetch(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
