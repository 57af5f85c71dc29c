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
// Caption Burn-In Service (ZapCap)
// Three-step deferred pattern: upload video by URL → create render task →
// poll task status, approving the transcript when the provider asks for it.
// ---------------------------------------------------------------------------

const (
	captionDefaultBaseURL = "https://api.zapcap.ai"

	// Caption rendering finishes in a few minutes; a bounded attempt cap keeps
	// a stuck provider task from pinning a worker for the full job timeout.
	captionPollInterval = 60 * time.Second
	captionMaxPolls     = 30

	captionDefaultTemplateID   = "14bcd077-3f98-465b-b788-1b628951c340"
	captionDefaultBrollPercent = 30
)

// CaptionService burns animated subtitles into a video via a remote renderer.
type CaptionService struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     int
}

func NewCaptionService(apiKey string) *CaptionService {
	return &CaptionService{
		baseURL: captionDefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: captionPollInterval,
		maxPolls:     captionMaxPolls,
	}
}

// CaptionResult is the completed burn-in artifact.
type CaptionResult struct {
	DownloadURL string
	Transcript  string
}

type captionUploadResponse struct {
	ID string `json:"id"`
}

type captionTaskRequest struct {
	TemplateID         string `json:"templateId"`
	AutoApprove        bool   `json:"autoApprove"`
	TranscribeSettings struct {
		Broll struct {
			BrollPercent int `json:"brollPercent"`
		} `json:"broll"`
	} `json:"transcribeSettings"`
	RenderOptions struct {
		SubsOptions struct {
			Emoji             bool `json:"emoji"`
			Animation         bool `json:"animation"`
			EmphasizeKeywords bool `json:"emphasizeKeywords"`
		} `json:"subsOptions"`
	} `json:"renderOptions"`
}

type captionTaskResponse struct {
	TaskID string `json:"taskId"`
}

type captionTaskStatus struct {
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl"`
	Error       string `json:"error"`
}

type transcriptWord struct {
	Text string `json:"text"`
}

// BurnIn uploads the video, starts a render task with the given subtitle
// template, and polls to completion. The transcript is fetched alongside the
// rendered asset so the caller can reuse the recognized text.
func (s *CaptionService) BurnIn(ctx context.Context, videoURL, templateID string) (*CaptionResult, error) {
	if templateID == "" {
		templateID = captionDefaultTemplateID
	}

	videoID, err := s.uploadVideo(ctx, videoURL)
	if err != nil {
		return nil, err
	}
	log.Printf("[Captions] Video registered, id=%s", videoID)

	taskID, err := s.createTask(ctx, videoID, templateID)
	if err != nil {
		return nil, err
	}
	log.Printf("[Captions] Render task created, task_id=%s (template=%s)", taskID, templateID)

	downloadURL, err := s.pollTask(ctx, videoID, taskID)
	if err != nil {
		return nil, err
	}

	transcript, err := s.fetchTranscript(ctx, videoID, taskID)
	if err != nil {
		// The rendered video is the artifact that matters; a transcript fetch
		// failure is not worth failing the whole stage.
		log.Printf("[Captions] Transcript fetch failed (non-fatal): %v", err)
		transcript = ""
	}

	return &CaptionResult{DownloadURL: downloadURL, Transcript: transcript}, nil
}

func (s *CaptionService) uploadVideo(ctx context.Context, videoURL string) (string, error) {
	body, err := s.postJSON(ctx, "/videos/url", map[string]string{"url": videoURL})
	if err != nil {
		return "", err
	}

	var upload captionUploadResponse
	if err := json.Unmarshal(body, &upload); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w (body: %s)", err, string(body))
	}
	if upload.ID == "" {
		return "", fmt.Errorf("no video id in upload response: %s", string(body))
	}
	return upload.ID, nil
}

func (s *CaptionService) createTask(ctx context.Context, videoID, templateID string) (string, error) {
	req := captionTaskRequest{TemplateID: templateID, AutoApprove: true}
	req.TranscribeSettings.Broll.BrollPercent = captionDefaultBrollPercent
	req.RenderOptions.SubsOptions.Emoji = true
	req.RenderOptions.SubsOptions.Animation = true
	req.RenderOptions.SubsOptions.EmphasizeKeywords = true

	body, err := s.postJSON(ctx, fmt.Sprintf("/videos/%s/task", videoID), req)
	if err != nil {
		return "", err
	}

	var task captionTaskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		return "", fmt.Errorf("failed to parse task response: %w (body: %s)", err, string(body))
	}
	if task.TaskID == "" {
		return "", fmt.Errorf("no taskId in task response: %s", string(body))
	}
	return task.TaskID, nil
}

func (s *CaptionService) pollTask(ctx context.Context, videoID, taskID string) (string, error) {
	for attempt := 1; attempt <= s.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("caption burn-in cancelled: %w", ctx.Err())
		case <-time.After(s.pollInterval):
		}

		status, err := s.getTaskStatus(ctx, videoID, taskID)
		if err != nil {
			return "", fmt.Errorf("failed to poll caption task (attempt %d): %w", attempt, err)
		}

		switch status.Status {
		case "completed":
			log.Printf("[Captions] Poll %d: completed", attempt)
			if status.DownloadURL == "" {
				return "", fmt.Errorf("caption task completed without a download URL")
			}
			return status.DownloadURL, nil

		case "failed":
			errMsg := status.Error
			if errMsg == "" {
				errMsg = "unknown provider error"
			}
			log.Printf("[Captions] Poll %d: failed: %s", attempt, errMsg)
			return "", &Error{Kind: KindUnknown, Message: fmt.Sprintf("caption rendering failed: %s", errMsg)}

		case "transcriptionCompleted":
			// autoApprove usually advances the task on its own, but the
			// provider occasionally parks it waiting for explicit approval.
			log.Printf("[Captions] Poll %d: transcription completed, approving", attempt)
			if err := s.approveTranscript(ctx, videoID, taskID); err != nil {
				return "", err
			}

		default:
			log.Printf("[Captions] Poll %d: status=%s (next poll in %v)", attempt, status.Status, s.pollInterval)
		}
	}

	return "", &Error{
		Kind:    KindPollingExhausted,
		Message: fmt.Sprintf("caption task %s did not finish within %d polls", taskID, s.maxPolls),
	}
}

func (s *CaptionService) approveTranscript(ctx context.Context, videoID, taskID string) error {
	_, err := s.postJSON(ctx, fmt.Sprintf("/videos/%s/task/%s/approve-transcript", videoID, taskID), struct{}{})
	return err
}

func (s *CaptionService) getTaskStatus(ctx context.Context, videoID, taskID string) (*captionTaskStatus, error) {
	body, err := s.getJSON(ctx, fmt.Sprintf("/videos/%s/task/%s", videoID, taskID))
	if err != nil {
		return nil, err
	}

	var status captionTaskStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse task status: %w (body: %s)", err, string(body))
	}
	return &status, nil
}

func (s *CaptionService) fetchTranscript(ctx context.Context, videoID, taskID string) (string, error) {
	body, err := s.getJSON(ctx, fmt.Sprintf("/videos/%s/task/%s/transcript", videoID, taskID))
	if err != nil {
		return "", err
	}

	var words []transcriptWord
	if err := json.Unmarshal(body, &words); err != nil {
		return "", fmt.Errorf("failed to parse transcript: %w", err)
	}

	parts := make([]string, 0, len(words))
	for _, w := range words {
		if w.Text != "" {
			parts = append(parts, w.Text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (s *CaptionService) postJSON(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	return s.doRequest(req)
}

func (s *CaptionService) getJSON(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	return s.doRequest(req)
}

func (s *CaptionService) doRequest(req *http.Request) ([]byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, transportError("caption burn-in", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("caption burn-in", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus("caption burn-in", resp.StatusCode, string(body))
	}
	return body, nil
}
