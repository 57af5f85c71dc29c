package queue

import (
	"encoding/json"

	"github.com/bobarin/clipmaker/internal/services"
)

// Task type names. These are the stable wire contract between the pipeline
// (producer) and the worker (consumer).
const (
	TaskAvatarGenerate = "avatar:generate"
	TaskCaptionsBurnIn = "captions:burn_in"
	TaskMusicGenerate  = "music:generate"
	TaskPaymentCheck   = "payment:check_status"
	TaskChatCompletion = "openai:chat_completion"
)

// Payloads

type AvatarGeneratePayload struct {
	UserID   int64   `json:"user_id"`
	AvatarID string  `json:"avatar_id"`
	VoiceID  string  `json:"voice_id"`
	Script   string  `json:"script"`
	Speed    float64 `json:"speed,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
}

type AvatarGenerateResult struct {
	VideoURL    string  `json:"video_url"`
	DurationSec float64 `json:"duration_sec"`
}

type CaptionsBurnInPayload struct {
	UserID     int64  `json:"user_id"`
	VideoURL   string `json:"video_url"`
	TemplateID string `json:"template_id,omitempty"`
}

type CaptionsBurnInResult struct {
	VideoURL   string `json:"video_url"`
	Transcript string `json:"transcript,omitempty"`
}

type MusicGeneratePayload struct {
	UserID int64  `json:"user_id"`
	Script string `json:"script"`
}

type MusicGenerateResult struct {
	MusicURL string `json:"music_url"`
	// Token usage of the internal prompt-generation call, reported up for
	// the account's usage statistics.
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type PaymentCheckPayload struct {
	UserID  int64  `json:"user_id"`
	ChatID  int64  `json:"chat_id"`
	OrderID string `json:"order_id"`
	Credits int    `json:"credits"`
}

type PaymentCheckResult struct {
	Completed bool `json:"completed"`
}

type ChatCompletionPayload struct {
	Messages    []services.ChatMessage `json:"messages"`
	Model       string                 `json:"model,omitempty"`
	Temperature float32                `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
}

type ChatCompletionResult struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// ErrorPayload is a business failure carried inside a mechanically successful
// job result, so the caller can tell "the job crashed" from "the job ran and
// the provider said no".
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// resultEnvelope wraps every task result: exactly one of Error or Result set.
type resultEnvelope struct {
	Error  *ErrorPayload   `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}
