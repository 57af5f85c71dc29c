package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ---------------------------------------------------------------------------
// Music Synthesis Service (AIML stable-audio)
// Submit a text prompt, poll the same endpoint by generation_id.
// ---------------------------------------------------------------------------

const (
	musicDefaultBaseURL = "https://api.aimlapi.com"
	musicGeneratePath   = "/v2/generate/audio"

	musicPollInterval = 10 * time.Second

	musicModel        = "stable-audio"
	musicSteps        = 300
	musicSecondsTotal = 30
)

// MusicService generates a short instrumental track from a text prompt.
type MusicService struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
}

func NewMusicService(apiKey string) *MusicService {
	return &MusicService{
		baseURL: musicDefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: musicPollInterval,
	}
}

type musicGenerateRequest struct {
	Model        string `json:"model"`
	Prompt       string `json:"prompt"`
	Steps        int    `json:"steps"`
	SecondsTotal int    `json:"seconds_total"`
}

type musicGenerateResponse struct {
	ID string `json:"id"`
}

type musicStatusResponse struct {
	Status    string `json:"status"`
	AudioFile *struct {
		URL string `json:"url"`
	} `json:"audio_file"`
	Error string `json:"error"`
}

// Generate synthesizes a background track and returns its download URL.
// Statuses queued/generating keep the poll loop going; any other non-completed
// status is a provider failure.
func (s *MusicService) Generate(ctx context.Context, prompt string) (string, error) {
	log.Printf("[Music] Starting synthesis (promptLen=%d)", len(prompt))

	generationID, err := s.submit(ctx, prompt)
	if err != nil {
		return "", err
	}
	log.Printf("[Music] Synthesis submitted, generation_id=%s", generationID)

	pollCount := 0
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("music synthesis cancelled: %w", ctx.Err())
		case <-time.After(s.pollInterval):
		}

		pollCount++

		status, err := s.getStatus(ctx, generationID)
		if err != nil {
			return "", fmt.Errorf("failed to poll music status (attempt %d): %w", pollCount, err)
		}

		switch status.Status {
		case "completed":
			if status.AudioFile == nil || status.AudioFile.URL == "" {
				return "", fmt.Errorf("music generation completed without an audio URL")
			}
			log.Printf("[Music] Poll %d: completed", pollCount)
			return status.AudioFile.URL, nil

		case "queued", "generating":
			log.Printf("[Music] Poll %d: status=%s (next poll in %v)", pollCount, status.Status, s.pollInterval)

		default:
			errMsg := status.Error
			if errMsg == "" {
				errMsg = fmt.Sprintf("unexpected status %q", status.Status)
			}
			log.Printf("[Music] Poll %d: failed: %s", pollCount, errMsg)
			return "", &Error{Kind: KindUnknown, Message: fmt.Sprintf("music generation failed: %s", errMsg)}
		}
	}
}

func (s *MusicService) submit(ctx context.Context, prompt string) (string, error) {
	body := musicGenerateRequest{
		Model:        musicModel,
		Prompt:       prompt,
		Steps:        musicSteps,
		SecondsTotal: musicSecondsTotal,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+musicGeneratePath, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", transportError("music synthesis", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError("music synthesis", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus("music synthesis", resp.StatusCode, string(respBody))
	}

	var genResp musicGenerateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, string(respBody))
	}
	if genResp.ID == "" {
		return "", fmt.Errorf("no generation id in response: %s", string(respBody))
	}

	return genResp.ID, nil
}

func (s *MusicService) getStatus(ctx context.Context, generationID string) (*musicStatusResponse, error) {
	url := fmt.Sprintf("%s%s?generation_id=%s", s.baseURL, musicGeneratePath, generationID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, transportError("music synthesis", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("music synthesis", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("music synthesis", resp.StatusCode, string(body))
	}

	var status musicStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w (body: %s)", err, string(body))
	}

	return &status, nil
}
