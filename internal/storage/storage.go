package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Upload timeout per attempt — merged videos run tens of megabytes
	uploadTimeout = 180 * time.Second

	// Download timeout
	downloadTimeout = 120 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Stage namespaces for object keys. Every pipeline stage that republishes an
// artifact writes under its own prefix so the bucket reads as a history of
// the generation.
const (
	StageAvatar = "heygen"
	StageFinal  = "merged"
	StageMusic  = "aiml"
	StageSub    = "zapcap"
)

// Storage talks to an S3-compatible object store over its REST gateway.
type Storage struct {
	endpoint   string
	serviceKey string
	Bucket     string
	client     *http.Client
}

func New(endpoint, serviceKey, bucket string) *Storage {
	return &Storage{
		endpoint:   strings.TrimRight(endpoint, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// StageKey builds an object key namespaced by the producing stage.
func (s *Storage) StageKey(stage, filename string) string {
	return path.Join(stage, filename)
}

// NewFinalKey returns a fresh key for a merged final video.
func (s *Storage) NewFinalKey() string {
	return s.StageKey(StageFinal, uuid.NewString()+".mp4")
}

// Upload writes an object with retries and exponential backoff.
// Uses PUT with Content-Length and x-upsert for reliable large uploads.
func (s *Storage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	url := s.objectURL(key)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] Upload retry %d/%d for %s (waiting %v)...", attempt, maxRetries, key, delay)

			select {
			case <-ctx.Done():
				return fmt.Errorf("upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		// Each attempt gets its own generous timeout, independent of caller's ctx
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)

		req, err := http.NewRequestWithContext(uploadCtx, "PUT", url, bytes.NewReader(data))
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to upload: %w", err)
			if isRetryableError(err) {
				log.Printf("[Storage] Upload attempt %d failed (retryable): %v", attempt+1, err)
				continue
			}
			return lastErr
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			if attempt > 0 {
				log.Printf("[Storage] Upload succeeded on attempt %d for %s", attempt+1, key)
			}
			return nil
		}

		lastErr = fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))

		if isRetryableStatus(resp.StatusCode) {
			log.Printf("[Storage] Upload attempt %d returned status %d (retryable): %s", attempt+1, resp.StatusCode, truncate(string(body), 200))
			continue
		}

		// Non-retryable status (400, 401, 403, 404, 413, etc.)
		return lastErr
	}

	return fmt.Errorf("upload failed after %d attempts: %w", maxRetries+1, lastErr)
}

// UploadFromURL fetches a provider-hosted artifact and republishes it under
// the given key. Provider URLs expire; republishing keeps every stage artifact
// durable and serveable from one place.
func (s *Storage) UploadFromURL(ctx context.Context, key, sourceURL, contentType string) (string, error) {
	data, err := s.fetch(ctx, sourceURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", sourceURL, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("fetched empty artifact from %s", sourceURL)
	}

	if err := s.Upload(ctx, key, data, contentType); err != nil {
		return "", err
	}

	return s.GetPublicURL(key), nil
}

// Download reads an object with retries.
func (s *Storage) Download(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] Download retry %d/%d for %s (waiting %v)...", attempt, maxRetries, key, delay)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("download cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		data, err := s.downloadOnce(ctx, s.objectURL(key), true)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !isRetryableError(err) && !isRetryableStatusError(err) {
			return nil, lastErr
		}
		log.Printf("[Storage] Download attempt %d failed (retryable): %v", attempt+1, err)
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", maxRetries+1, lastErr)
}

// GetPublicURL returns the public URL for an object.
func (s *Storage) GetPublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.endpoint, s.Bucket, key)
}

func (s *Storage) objectURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.endpoint, s.Bucket, key)
}

// fetch downloads from an arbitrary URL (a provider CDN, not our bucket).
func (s *Storage) fetch(ctx context.Context, url string) ([]byte, error) {
	return s.downloadOnce(ctx, url, false)
}

func (s *Storage) downloadOnce(ctx context.Context, url string, authed bool) ([]byte, error) {
	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &statusError{status: resp.StatusCode, body: truncate(string(body), 200)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download body: %w", err)
	}
	return data, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("download failed with status %d: %s", e.status, e.body)
}

func isRetryableStatusError(err error) bool {
	se, ok := err.(*statusError)
	return ok && isRetryableStatus(se.status)
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
