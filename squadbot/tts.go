package squadbot

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"
)

// Opus frame parameters expected by the discord voice gateway.
const (
	audioChannels  = 2
	audioFrameRate = 48000
	audioFrameSize = 960
	audioBitrate   = 64
	audioMaxBytes  = (audioFrameSize * audioChannels) * 2
)

const (
	// ttsTextLimit caps the text sent to the TTS endpoint, which
	// rejects long inputs.
	ttsTextLimit = 200

	voiceReadyPollInterval = 100 * time.Millisecond
)

// ErrVoiceReadyTimeout indicates the voice connection was established
// but never reported ready within the configured timeout. Distinct from
// a join failure so callers can tell the two apart in logs.
var ErrVoiceReadyTimeout = errors.New("timed out waiting for voice connection to become ready")

// TTSPlayer fetches synthesized speech for a reply and plays it in the
// message author's voice channel. Playback is serialized - a second
// Speak call blocks until the first finishes.
type TTSPlayer struct {
	config     *TTSConfig
	httpClient *http.Client
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewTTSPlayer returns a player using the given config. A nil
// httpClient falls back to http.DefaultClient.
func NewTTSPlayer(
	config *TTSConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *TTSPlayer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TTSPlayer{
		config:     config,
		httpClient: httpClient,
		logger:     logger.With(loggerNameKey, "tts"),
	}
}

// Enabled reports whether voice replies are configured.
func (t *TTSPlayer) Enabled() bool {
	return t.config != nil && t.config.Enabled && t.config.Endpoint != ""
}

// Speak synthesizes the given text, joins the voice channel, plays the
// audio, and disconnects. The synthesized file is written to a temp
// file and removed when playback ends.
func (t *TTSPlayer) Speak(
	ctx context.Context,
	session DiscordSessionHandler,
	guildID string,
	channelID string,
	text string,
) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	audioPath, err := t.fetch(ctx, text)
	if err != nil {
		return fmt.Errorf("error fetching tts audio: %w", err)
	}
	defer func() {
		if removeErr := os.Remove(audioPath); removeErr != nil {
			t.logger.Warn("unable to remove tts temp file", "path", audioPath)
		}
	}()

	joined, err := session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return fmt.Errorf("error joining voice channel %s: %w", channelID, err)
	}
	vc := voiceConnection(discordVoiceConnection{joined})
	defer func() {
		if disconnectErr := vc.Disconnect(); disconnectErr != nil {
			t.logger.Warn("error disconnecting from voice channel")
		}
	}()

	if err = t.waitReady(ctx, vc); err != nil {
		return err
	}

	if err = vc.Speaking(true); err != nil {
		return fmt.Errorf("error setting speaking state: %w", err)
	}
	defer func() {
		_ = vc.Speaking(false)
	}()

	return t.play(ctx, vc, audioPath)
}

// fetch downloads synthesized speech for the text to a temp mp3 file
// and returns its path. Text beyond ttsTextLimit characters is dropped.
func (t *TTSPlayer) fetch(ctx context.Context, text string) (string, error) {
	endpoint, err := url.Parse(t.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid tts endpoint: %w", err)
	}
	query := endpoint.Query()
	query.Set("ie", "UTF-8")
	query.Set("client", "tw-ob")
	query.Set("tl", t.config.Language)
	query.Set("q", truncate(text, ttsTextLimit))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		endpoint.String(),
		nil,
	)
	if err != nil {
		return "", err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tts endpoint returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "squadbot-tts-*.mp3")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if closeErr != nil {
		_ = os.Remove(tmp.Name())
		return "", closeErr
	}
	return tmp.Name(), nil
}

// waitReady polls the voice connection until it reports ready, the
// configured timeout elapses, or the context is canceled.
func (t *TTSPlayer) waitReady(
	ctx context.Context,
	vc voiceConnection,
) error {
	timeout := t.config.VoiceReadyTimeout
	if timeout <= 0 {
		timeout = DefaultTTSVoiceReadyTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(voiceReadyPollInterval)
	defer ticker.Stop()

	for {
		if vc.IsReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w (after %s)", ErrVoiceReadyTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// play decodes the audio file to PCM via ffmpeg and streams opus frames
// to the voice connection.
func (t *TTSPlayer) play(
	ctx context.Context,
	vc voiceConnection,
	audioPath string,
) error {
	cmd := exec.CommandContext(
		ctx,
		"ffmpeg",
		"-i", audioPath,
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", audioFrameRate),
		"-ac", fmt.Sprintf("%d", audioChannels),
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("error starting ffmpeg: %w", err)
	}

	encoder, err := gopus.NewEncoder(audioFrameRate, audioChannels, gopus.Audio)
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("error creating opus encoder: %w", err)
	}
	encoder.SetBitrate(audioBitrate * 1000)

	reader := bufio.NewReaderSize(stdout, 32768)
	for {
		pcm := make([]int16, audioFrameSize*audioChannels)
		err = binary.Read(reader, binary.LittleEndian, &pcm)
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			_ = cmd.Process.Kill()
			return fmt.Errorf("error reading pcm stream: %w", err)
		}
		frame, encodeErr := encoder.Encode(pcm, audioFrameSize, audioMaxBytes)
		if encodeErr != nil {
			_ = cmd.Process.Kill()
			return fmt.Errorf("error encoding opus frame: %w", encodeErr)
		}
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return ctx.Err()
		case vc.OpusSendChannel() <- frame:
		}
	}

	if err = cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exited with error: %w", err)
	}
	return nil
}

// voiceConnection is the subset of discordgo.VoiceConnection the player
// uses, to enable testing without a live gateway.
type voiceConnection interface {
	IsReady() bool
	Speaking(b bool) error
	OpusSendChannel() chan<- []byte
	Disconnect() error
}

// discordVoiceConnection adapts a live discordgo.VoiceConnection to the
// voiceConnection interface.
type discordVoiceConnection struct {
	vc *discordgo.VoiceConnection
}

func (d discordVoiceConnection) IsReady() bool {
	d.vc.RLock()
	defer d.vc.RUnlock()
	return d.vc.Ready
}

func (d discordVoiceConnection) Speaking(b bool) error {
	return d.vc.Speaking(b)
}

func (d discordVoiceConnection) OpusSendChannel() chan<- []byte {
	return d.vc.OpusSend
}

func (d discordVoiceConnection) Disconnect() error {
	return d.vc.Disconnect()
}
