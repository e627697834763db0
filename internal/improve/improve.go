// Package improve はxAI（OpenAI互換API）を使ってスレッド本文を書き直す。
// 投稿処理からは不透明なテキスト変換として扱われる。
package improve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultBaseURL はxAIのOpenAI互換エンドポイント。
	DefaultBaseURL = "https://api.x.ai/v1"
	// DefaultModel は設定でモデルが指定されない場合に使うモデル。
	DefaultModel = "grok-2-1212"

	requestUser = "threadcraft-user"
)

var (
	ErrAPIKeyRequired = errors.New("api key is required")
	ErrEmptyText      = errors.New("text is required")
	ErrInvalidTone    = errors.New("invalid tone")
	ErrInvalidModel   = errors.New("invalid model")
	ErrEmptyResponse  = errors.New("empty completion response")
)

// Tone は書き直しの文体。
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneFriendly     Tone = "friendly"
	ToneFormal       Tone = "formal"
)

var toneGuides = map[Tone]string{
	ToneProfessional: "Use professional and business-appropriate language",
	ToneCasual:       "Keep the tone casual and conversational",
	ToneFriendly:     "Maintain a warm and approachable tone",
	ToneFormal:       "Use formal and academic language",
}

// supportedModels は指定可能なモデル。
var supportedModels = map[string]bool{
	"grok-2-1212":      true,
	"grok-3":           true,
	"grok-3-fast":      true,
	"grok-3-mini":      true,
	"grok-3-mini-fast": true,
}

// Settings は書き直しの設定。
type Settings struct {
	Tone            Tone   `json:"tone"`
	UseEmojis       bool   `json:"use_emojis"`
	AIRate          int    `json:"ai_rate"` // 0-100
	Model           string `json:"model,omitempty"`
	SuggestHashtags bool   `json:"suggest_hashtags"`
	// APIKey はユーザー自身のキー。空の場合はサーバー設定のキーを使う。
	APIKey string `json:"api_key,omitempty"`
}

// Validate は設定値を検証する。
func (s Settings) Validate() error {
	if _, ok := toneGuides[s.Tone]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidTone, s.Tone)
	}
	if s.Model != "" && !supportedModels[s.Model] {
		return fmt.Errorf("%w: %q", ErrInvalidModel, s.Model)
	}
	return nil
}

// Improver はテキスト変換のインターフェース。
type Improver interface {
	Improve(ctx context.Context, text string, settings Settings) (string, error)
}

// chatCompleter は*openai.Clientが満たすチャット補完のインターフェース。
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config はXAIImproverの設定。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// XAIImprover はxAIのチャット補完APIでテキストを書き直す。
type XAIImprover struct {
	config    Config
	logger    *slog.Logger
	newClient func(apiKey string) chatCompleter
}

// NewXAIImprover はXAIImproverを生成する。
func NewXAIImprover(config Config, logger *slog.Logger) *XAIImprover {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	baseURL := config.BaseURL
	return &XAIImprover{
		config: config,
		logger: logger,
		newClient: func(apiKey string) chatCompleter {
			cc := openai.DefaultConfig(apiKey)
			cc.BaseURL = baseURL
			return openai.NewClientWithConfig(cc)
		},
	}
}

// Improve はsettingsに従ってtextを書き直す。
func (x *XAIImprover) Improve(ctx context.Context, text string, settings Settings) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}
	if err := settings.Validate(); err != nil {
		return "", err
	}

	apiKey := settings.APIKey
	if apiKey == "" {
		apiKey = x.config.APIKey
	}
	if apiKey == "" {
		return "", ErrAPIKeyRequired
	}

	model := settings.Model
	if model == "" {
		model = x.config.Model
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(settings)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: Temperature(settings.AIRate),
		User:        requestUser,
	}

	resp, err := x.newClient(apiKey).CreateChatCompletion(ctx, req)
	if err != nil {
		x.logger.Warn("AIによる書き直しに失敗しました",
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("xai completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}

	x.logger.Info("AIによる書き直しが完了しました",
		slog.String("model", model),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Temperature はAIレート（0-100）を温度に変換する。
// レートが高いほど温度が低くなり、出力が安定する。範囲外のレートは丸める。
func Temperature(rate int) float32 {
	if rate < 0 {
		rate = 0
	}
	if rate > 100 {
		rate = 100
	}
	return 1 - float32(rate)/125
}

// SystemPrompt は設定からシステムプロンプトを組み立てる。
func SystemPrompt(settings Settings) string {
	toneGuide, ok := toneGuides[settings.Tone]
	if !ok {
		toneGuide = toneGuides[ToneProfessional]
	}

	emojiGuide := "Do not use emojis"
	if settings.UseEmojis {
		emojiGuide = "Include relevant emojis where appropriate"
	}

	hashtagGuide := "Do not add any hashtags"
	if settings.SuggestHashtags {
		hashtagGuide = "Suggest 2-3 relevant hashtags at the end of the thread (before the last tweet)"
	}

	var b strings.Builder
	b.WriteString("You are an expert at improving X (Twitter) threads. Help enhance the given text with these guidelines:\n\n")
	b.WriteString("Content Guidelines:\n")
	for _, line := range []string{
		toneGuide,
		emojiGuide,
		hashtagGuide,
		"Each section should naturally fit within 280 characters",
		"Maintain the original message's intent and key points",
		"Focus on clarity, engagement, and readability",
		"Use clear transitions between ideas",
		"Add engaging hooks and strong conclusions",
	} {
		b.WriteString("- " + line + "\n")
	}
	b.WriteString("\nImportant:\n")
	for _, line := range []string{
		`DO NOT add thread count numbers or "1/" style markers`,
		`DO NOT add "Thread 🧵" or similar thread indicators`,
		"DO NOT use line numbers or bullet points",
		"Keep paragraphs separated by blank lines",
		"Preserve the natural flow of ideas",
		"Focus on making each section impactful and self-contained",
		"If suggesting hashtags, make them relevant to the topic and trending",
	} {
		b.WriteString("- " + line + "\n")
	}
	return strings.TrimSpace(b.String())
}

// compile-time interface check
var _ Improver = (*XAIImprover)(nil)
