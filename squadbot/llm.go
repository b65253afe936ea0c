package squadbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

// Completion provider names accepted in LLMConfig.Provider.
const (
	LLMProviderOpenAI     = "openai"
	LLMProviderOpenRouter = "openrouter"
)

// Personality template names accepted in LLMConfig.Personality.
const (
	PersonalitySarcastic = "sarcastic"
	PersonalityHelpful   = "helpful"
	PersonalityDeadpan   = "deadpan"
)

const (
	// FallbackReply is sent to users when the completion call fails for
	// any reason - silence would read as the bot ignoring them.
	FallbackReply = "Yo, my AI brain is having a moment. Try again in a sec? \U0001F916"

	// discordMaxMessageLength is discord's hard per-message limit.
	discordMaxMessageLength = 2000

	// replyChunkSize is the chunk size used when a reply exceeds
	// discordMaxMessageLength, leaving headroom under the hard limit.
	replyChunkSize = 1900

	// promptMemberNameLimit caps the member names included in the system
	// prompt, to avoid blowing the token budget on large guilds.
	promptMemberNameLimit = 30
)

// PromptContext carries the identity details interpolated into the
// personality template.
type PromptContext struct {
	BotName     string
	GuildName   string
	MemberNames []string
}

// ChatReply is the normalized result of a completion call.
type ChatReply struct {
	Response      string `json:"response"`
	TokensUsed    int    `json:"tokens_used,omitempty"`
	HistoryLength int    `json:"history_length"`
}

// CompletionProvider submits a system-plus-history message array to a
// completion endpoint and returns the generated text with optional token
// usage. Implementations: openAIProvider, openRouterProvider.
type CompletionProvider interface {
	Complete(ctx context.Context, messages []ChatMessage) (text string, tokensUsed int, err error)
}

// LLMAdapter builds prompts from a personality template plus per-user
// conversation history, submits them to the configured provider, and
// normalizes the response.
type LLMAdapter struct {
	provider    CompletionProvider
	memory      *ConversationMemory
	personality string
	logger      *slog.Logger
}

// NewLLMAdapter selects a provider from the config and wires it to the
// given conversation memory.
func NewLLMAdapter(
	config *LLMConfig,
	memory *ConversationMemory,
	httpClient *http.Client,
	logger *slog.Logger,
) (*LLMAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "llm")

	var provider CompletionProvider
	switch config.Provider {
	case LLMProviderOpenAI, "":
		clientCfg := openai.DefaultConfig(config.Token)
		if config.BaseURL != "" {
			clientCfg.BaseURL = config.BaseURL
		}
		if httpClient != nil {
			clientCfg.HTTPClient = httpClient
		}
		provider = &openAIProvider{
			client:      openai.NewClientWithConfig(clientCfg),
			model:       config.Model,
			maxTokens:   config.MaxTokens,
			temperature: config.Temperature,
		}
	case LLMProviderOpenRouter:
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		provider = &openRouterProvider{
			httpClient:  httpClient,
			url:         config.BaseURL,
			token:       config.Token,
			model:       config.Model,
			maxTokens:   config.MaxTokens,
			temperature: config.Temperature,
			referer:     config.AttributionReferer,
			title:       config.AttributionTitle,
		}
	default:
		return nil, fmt.Errorf("unknown llm provider: %q", config.Provider)
	}

	switch config.Personality {
	case PersonalitySarcastic, PersonalityHelpful, PersonalityDeadpan:
	default:
		return nil, fmt.Errorf("unknown personality: %q", config.Personality)
	}

	return &LLMAdapter{
		provider:    provider,
		memory:      memory,
		personality: config.Personality,
		logger:      logger,
	}, nil
}

// GenerateReply appends the user's turn to conversation memory, submits
// the system prompt plus full history to the provider, and on success
// appends the assistant turn.
//
// On any failure the returned reply carries FallbackReply AND the error
// is non-nil, so callers can tell a real reply from the canned one. The
// user's turn stays in memory even when the call fails - a retried
// question should see its own earlier attempt.
func (a *LLMAdapter) GenerateReply(
	ctx context.Context,
	userID string,
	userMessage string,
	promptCtx PromptContext,
) (ChatReply, error) {
	a.memory.Append(userID, ChatRoleUser, userMessage)
	history := a.memory.History(userID)

	messages := make([]ChatMessage, 0, len(history)+1)
	messages = append(
		messages, ChatMessage{
			Role:    ChatRoleSystem,
			Content: systemPrompt(a.personality, promptCtx),
		},
	)
	messages = append(messages, history...)

	a.logger.InfoContext(
		ctx,
		"generating reply",
		"user_id", userID,
		"history_length", len(history),
	)

	text, tokensUsed, err := a.provider.Complete(ctx, messages)
	if err != nil {
		a.logger.ErrorContext(ctx, "completion failed", tint.Err(err))
		return ChatReply{
			Response:      FallbackReply,
			HistoryLength: len(history),
		}, err
	}
	if text == "" {
		a.logger.WarnContext(ctx, "completion returned empty text")
		return ChatReply{
			Response:      FallbackReply,
			HistoryLength: len(history),
		}, fmt.Errorf("completion returned empty text")
	}

	a.memory.Append(userID, ChatRoleAssistant, text)
	return ChatReply{
		Response:      text,
		TokensUsed:    tokensUsed,
		HistoryLength: len(history) + 1,
	}, nil
}

// ChunkReply splits a reply exceeding discord's message limit into
// ordered chunks of at most replyChunkSize characters. Splits happen at
// character boundaries only.
func ChunkReply(s string) []string {
	if len(s) <= discordMaxMessageLength {
		return []string{s}
	}
	runes := []rune(s)
	var chunks []string
	for len(runes) > 0 {
		end := replyChunkSize
		if len(runes) < end {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[:end]))
		runes = runes[end:]
	}
	return chunks
}

// systemPrompt renders the personality template for the given context.
func systemPrompt(personality string, promptCtx PromptContext) string {
	names := promptCtx.MemberNames
	if len(names) > promptMemberNameLimit {
		names = names[:promptMemberNameLimit]
	}
	roster := strings.Join(names, ", ")

	switch personality {
	case PersonalityHelpful:
		return fmt.Sprintf(
			"You are %s, a friendly and helpful Discord bot for the %q server. "+
				"You know these people: %s. "+
				"Answer questions directly, keep replies short, and stay upbeat "+
				"without being saccharine.",
			promptCtx.BotName, promptCtx.GuildName, roster,
		)
	case PersonalityDeadpan:
		return fmt.Sprintf(
			"You are %s, a Discord bot for the %q server with a completely flat "+
				"affect. You know these people: %s. "+
				"Answer accurately in as few words as possible. Never use "+
				"exclamation marks or emoji. Dry understatement is your only joke.",
			promptCtx.BotName, promptCtx.GuildName, roster,
		)
	default:
		return fmt.Sprintf(
			"You are %s, a sarcastic and witty Discord bot for the %q squad.\n\n"+
				"You speak both Spanish and English fluently, switching whenever "+
				"you feel like it. You're the friend who roasts everyone but "+
				"somehow still gets invited to things. First response to a "+
				"question is usually dismissive; by the third ask you actually "+
				"help, with maximum attitude. Sometimes you just answer \"lol\", "+
				"\"xd\", or \"no\".\n\n"+
				"You know these people: %s. Roast them equally and creatively - "+
				"no tired jokes. Brutal honesty wrapped in sarcasm, three words "+
				"that hurt beat a paragraph. No fake enthusiasm, no apologies "+
				"for being mean.",
			promptCtx.BotName, promptCtx.GuildName, roster,
		)
	}
}

// openAIProvider calls the chat-completions API via the openai SDK.
type openAIProvider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

func (p *openAIProvider) Complete(
	ctx context.Context,
	messages []ChatMessage,
) (string, int, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
	for _, m := range messages {
		req.Messages = append(
			req.Messages, openai.ChatCompletionMessage{
				Role:    m.Role,
				Content: m.Content,
			},
		)
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", 0, err
	}
	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("completion response had no choices")
	}
	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}

// openRouterProvider posts directly to an OpenRouter-style
// chat-completions endpoint.
type openRouterProvider struct {
	httpClient  *http.Client
	url         string
	token       string
	model       string
	maxTokens   int
	temperature float32
	referer     string
	title       string
}

type openRouterRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type openRouterResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *openRouterProvider) Complete(
	ctx context.Context,
	messages []ChatMessage,
) (string, int, error) {
	payload, err := json.Marshal(
		openRouterRequest{
			Model:       p.model,
			Messages:    messages,
			Temperature: p.temperature,
			MaxTokens:   p.maxTokens,
		},
	)
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		p.url,
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)
	if p.referer != "" {
		req.Header.Set("HTTP-Referer", p.referer)
	}
	if p.title != "" {
		req.Header.Set("X-Title", p.title)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, fmt.Errorf(
			"openrouter error %d: %s",
			resp.StatusCode,
			truncate(string(body), 200),
		)
	}

	var parsed openRouterResponse
	if err = json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("malformed openrouter response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", 0, fmt.Errorf("openrouter response had no choices")
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.TotalTokens, nil
}
