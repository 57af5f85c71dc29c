package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Avatar Video Synthesis Service (HeyGen)
// Follows a deferred request pattern: submit generation → poll by video_id.
// ---------------------------------------------------------------------------

const (
	avatarDefaultBaseURL = "https://api.heygen.com"
	avatarGeneratePath   = "/v2/video/generate"
	avatarStatusPath     = "/v1/video_status.get"

	// Avatar synthesis is slow (several minutes for a one-minute clip), so the
	// poll interval is coarse and there is no attempt cap — the job timeout
	// bounds the total wait.
	avatarPollInterval = 60 * time.Second

	avatarDefaultStyle  = "normal"
	avatarDefaultWidth  = 720
	avatarDefaultHeight = 1280
)

// AvatarService generates talking-avatar videos from a script.
type AvatarService struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
}

func NewAvatarService(apiKey string) *AvatarService {
	return &AvatarService{
		baseURL: avatarDefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // Per-call timeout, not the full poll cycle
		},
		pollInterval: avatarPollInterval,
	}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// AvatarVideoRequest holds the synthesis parameters. The caller validates
// business rules; the adapter only handles transport.
type AvatarVideoRequest struct {
	AvatarID string
	VoiceID  string
	Script   string
	Speed    float64
	Width    int
	Height   int
}

// AvatarVideoResult is the completed synthesis artifact.
type AvatarVideoResult struct {
	VideoURL    string
	DurationSec float64
}

type avatarCharacter struct {
	Type        string `json:"type"`
	AvatarID    string `json:"avatar_id"`
	AvatarStyle string `json:"avatar_style"`
}

type avatarVoice struct {
	Type      string  `json:"type"`
	InputText string  `json:"input_text"`
	VoiceID   string  `json:"voice_id"`
	Speed     float64 `json:"speed,omitempty"`
}

type avatarVideoInput struct {
	Character avatarCharacter `json:"character"`
	Voice     avatarVoice     `json:"voice"`
}

type avatarDimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type avatarGenerateRequest struct {
	VideoInputs []avatarVideoInput `json:"video_inputs"`
	Dimension   avatarDimension    `json:"dimension"`
	Test        bool               `json:"test"`
}

type avatarAPIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

type avatarGenerateResponse struct {
	Data struct {
		VideoID string `json:"video_id"`
	} `json:"data"`
	Error *avatarAPIError `json:"error"`
}

type avatarStatusResponse struct {
	Data struct {
		Status   string          `json:"status"`
		VideoURL string          `json:"video_url"`
		Duration float64         `json:"duration"`
		Error    *avatarAPIError `json:"error"`
	} `json:"data"`
}

// GenerateVideo synthesizes an avatar video and blocks until the provider
// reports a terminal state. Statuses waiting/processing/pending keep the poll
// loop going; anything else that is not completed or failed is also treated
// as still processing.
func (s *AvatarService) GenerateVideo(ctx context.Context, req AvatarVideoRequest) (*AvatarVideoResult, error) {
	if req.Width == 0 {
		req.Width = avatarDefaultWidth
	}
	if req.Height == 0 {
		req.Height = avatarDefaultHeight
	}
	if req.Speed == 0 {
		req.Speed = 1.0
	}

	log.Printf("[Avatar] Starting synthesis (avatar=%s, voice=%s, scriptLen=%d, %dx%d)",
		req.AvatarID, req.VoiceID, len(req.Script), req.Width, req.Height)

	videoID, err := s.submitGeneration(ctx, req)
	if err != nil {
		return nil, err
	}

	log.Printf("[Avatar] Synthesis submitted, video_id=%s", videoID)

	return s.pollForResult(ctx, videoID)
}

func (s *AvatarService) submitGeneration(ctx context.Context, req AvatarVideoRequest) (string, error) {
	body := avatarGenerateRequest{
		VideoInputs: []avatarVideoInput{{
			Character: avatarCharacter{Type: "avatar", AvatarID: req.AvatarID, AvatarStyle: avatarDefaultStyle},
			Voice:     avatarVoice{Type: "text", InputText: req.Script, VoiceID: req.VoiceID, Speed: req.Speed},
		}},
		Dimension: avatarDimension{Width: req.Width, Height: req.Height},
		Test:      false,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+avatarGeneratePath, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", transportError("avatar synthesis", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError("avatar synthesis", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyAvatarStatus(resp.StatusCode, string(respBody))
	}

	var genResp avatarGenerateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, string(respBody))
	}

	if genResp.Error != nil {
		return "", &Error{Kind: KindUnknown, Code: genResp.Error.Code, Message: genResp.Error.Message, Detail: genResp.Error.Detail}
	}
	if genResp.Data.VideoID == "" {
		return "", fmt.Errorf("no video_id in generation response: %s", string(respBody))
	}

	return genResp.Data.VideoID, nil
}

func (s *AvatarService) pollForResult(ctx context.Context, videoID string) (*AvatarVideoResult, error) {
	pollCount := 0
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("avatar synthesis cancelled: %w", ctx.Err())
		case <-time.After(s.pollInterval):
		}

		pollCount++

		status, err := s.getStatus(ctx, videoID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll avatar status (attempt %d): %w", pollCount, err)
		}

		switch status.Data.Status {
		case "completed":
			log.Printf("[Avatar] Poll %d: completed (duration=%.1fs)", pollCount, status.Data.Duration)
			return &AvatarVideoResult{VideoURL: status.Data.VideoURL, DurationSec: status.Data.Duration}, nil

		case "failed":
			apiErr := status.Data.Error
			if apiErr == nil {
				apiErr = &avatarAPIError{Message: "unknown provider error"}
			}
			log.Printf("[Avatar] Poll %d: failed (code=%s): %s", pollCount, apiErr.Code, apiErr.Message)
			return nil, &Error{Kind: KindUnknown, Code: apiErr.Code, Message: apiErr.Message, Detail: apiErr.Detail}

		default:
			// waiting, processing, pending — keep polling
			log.Printf("[Avatar] Poll %d: status=%s (next poll in %v)", pollCount, status.Data.Status, s.pollInterval)
		}
	}
}

func (s *AvatarService) getStatus(ctx context.Context, videoID string) (*avatarStatusResponse, error) {
	url := fmt.Sprintf("%s%s?video_id=%s", s.baseURL, avatarStatusPath, videoID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, transportError("avatar synthesis", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("avatar synthesis", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyAvatarStatus(resp.StatusCode, string(body))
	}

	var status avatarStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w (body: %s)", err, string(body))
	}

	return &status, nil
}

// classifyAvatarStatus upgrades a 400 to resource-not-found when the provider
// rejects an unknown avatar or voice via the error message rather than a 404.
func classifyAvatarStatus(status int, body string) *Error {
	e := classifyStatus("avatar synthesis", status, body)
	if e.Kind == KindInvalidParameter && strings.Contains(strings.ToLower(body), "not found") {
		e.Kind = KindNotFound
	}
	return e
}
