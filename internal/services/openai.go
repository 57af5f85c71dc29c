package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	chatDefaultModel       = openai.GPT4o
	chatDefaultTemperature = 0.7
	chatDefaultMaxTokens   = 2000
)

// musicPromptSystem instructs the model to turn a video script into a prompt
// for the instrumental music generator.
const musicPromptSystem = `You are a music director for short-form social videos.
Given the script of a video, write a single short prompt for an instrumental background track generator.
Describe genre, mood, tempo and instrumentation that complement the script's tone.
The track must be instrumental only, with no vocals. Respond with the prompt text alone, under 50 words.`

// scriptSystem instructs the model to draft a spoken video script from a user
// concept.
const scriptSystem = `You write scripts for short vertical videos narrated by a single presenter.
Given a topic, write the spoken script only: no stage directions, no emoji, no hashtags.
Keep it conversational, 60 to 90 seconds when read aloud, with a hook in the first sentence.`

type OpenAIService struct {
	client *openai.Client
}

func NewOpenAIService(apiKey string) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
	}
}

// ChatMessage is a provider-neutral message passed through the generic
// completion job.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult carries the completion text plus token usage for the ledger's
// usage statistics.
type ChatResult struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// ChatCompletion runs one chat completion. Zero-valued model, temperature and
// maxTokens fall back to the defaults the rest of the system assumes.
func (s *OpenAIService) ChatCompletion(ctx context.Context, messages []ChatMessage, model string, temperature float32, maxTokens int) (*ChatResult, error) {
	if model == "" {
		model = chatDefaultModel
	}
	if temperature == 0 {
		temperature = chatDefaultTemperature
	}
	if maxTokens == 0 {
		maxTokens = chatDefaultMaxTokens
	}

	reqMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		reqMessages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    reqMessages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	log.Printf("[OpenAI] Completion done (model=%s, promptTokens=%d, completionTokens=%d)",
		model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return &ChatResult{
		Content:          strings.TrimSpace(resp.Choices[0].Message.Content),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// MusicPrompt asks the model for a music-direction prompt matching the script.
func (s *OpenAIService) MusicPrompt(ctx context.Context, script string) (*ChatResult, error) {
	return s.ChatCompletion(ctx, []ChatMessage{
		{Role: openai.ChatMessageRoleSystem, Content: musicPromptSystem},
		{Role: openai.ChatMessageRoleUser, Content: script},
	}, "", 0, 0)
}

// GenerateScript drafts a spoken script from a user-supplied concept.
func (s *OpenAIService) GenerateScript(ctx context.Context, concept string) (*ChatResult, error) {
	return s.ChatCompletion(ctx, []ChatMessage{
		{Role: openai.ChatMessageRoleSystem, Content: scriptSystem},
		{Role: openai.ChatMessageRoleUser, Content: concept},
	}, "", 0, 0)
}

// classifyOpenAIError maps go-openai request errors onto the adapter taxonomy
// so the worker retry policy treats them like any other provider.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus("openai", apiErr.HTTPStatusCode, apiErr.Message)
	}
	return transportError("openai", err)
}
