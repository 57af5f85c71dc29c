package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bobarin/clipmaker/internal/services"
)

func TestRetryDelayLinearRamp(t *testing.T) {
	tests := []struct {
		try  int
		want time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 15 * time.Second},
		{5, 25 * time.Second},
	}

	for _, tt := range tests {
		if got := RetryDelay(tt.try, nil, nil); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.try, got, tt.want)
		}
	}
}

func TestUnwrapResultSuccess(t *testing.T) {
	env, _ := json.Marshal(resultEnvelope{Result: json.RawMessage(`{"video_url":"https://x/v.mp4"}`)})

	raw, err := unwrapResult(&Handle{ID: "1", Type: TaskAvatarGenerate}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var res AvatarGenerateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if res.VideoURL != "https://x/v.mp4" {
		t.Errorf("unexpected video url: %s", res.VideoURL)
	}
}

func TestUnwrapResultBusinessError(t *testing.T) {
	env, _ := json.Marshal(resultEnvelope{Error: &ErrorPayload{
		Code:    string(services.KindAuth),
		Message: "invalid api key",
	}})

	_, err := unwrapResult(&Handle{ID: "1", Type: TaskAvatarGenerate}, env)
	e, ok := services.AsError(err)
	if !ok {
		t.Fatalf("expected typed adapter error, got %v", err)
	}
	if e.Kind != services.KindAuth {
		t.Errorf("expected KindAuth, got %s", e.Kind)
	}
	if e.Retryable() {
		t.Error("a business error carried in a result must stay fatal")
	}
}

func TestUnwrapResultGarbage(t *testing.T) {
	if _, err := unwrapResult(&Handle{ID: "1", Type: TaskMusicGenerate}, []byte("not json")); err == nil {
		t.Error("expected decode error for malformed result")
	}
}
