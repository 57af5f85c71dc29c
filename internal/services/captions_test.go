package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCaptionService(baseURL string, maxPolls int) *CaptionService {
	s := NewCaptionService("test-key")
	s.baseURL = baseURL
	s.pollInterval = time.Millisecond
	s.maxPolls = maxPolls
	return s
}

func TestCaptionBurnInFullFlow(t *testing.T) {
	var polls, approvals int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/videos/url":
			fmt.Fprint(w, `{"id":"video-1"}`)
		case r.URL.Path == "/videos/video-1/task" && r.Method == "POST":
			fmt.Fprint(w, `{"taskId":"task-1"}`)
		case r.URL.Path == "/videos/video-1/task/task-1/approve-transcript":
			atomic.AddInt32(&approvals, 1)
			fmt.Fprint(w, `{}`)
		case r.URL.Path == "/videos/video-1/task/task-1/transcript":
			fmt.Fprint(w, `[{"text":"hello"},{"text":"world"}]`)
		case r.URL.Path == "/videos/video-1/task/task-1":
			switch atomic.AddInt32(&polls, 1) {
			case 1:
				fmt.Fprint(w, `{"status":"transcribing"}`)
			case 2:
				fmt.Fprint(w, `{"status":"transcriptionCompleted"}`)
			default:
				fmt.Fprint(w, `{"status":"completed","downloadUrl":"https://cdn.example.com/captioned.mp4"}`)
			}
		default:
			t.Errorf("unexpected path: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	result, err := newTestCaptionService(srv.URL, 30).BurnIn(context.Background(), "https://cdn.example.com/in.mp4", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.DownloadURL != "https://cdn.example.com/captioned.mp4" {
		t.Errorf("unexpected download url: %s", result.DownloadURL)
	}
	if result.Transcript != "hello world" {
		t.Errorf("unexpected transcript: %q", result.Transcript)
	}
	if atomic.LoadInt32(&approvals) != 1 {
		t.Errorf("expected exactly one transcript approval, got %d", approvals)
	}
}

func TestCaptionBurnInPollingExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/videos/url":
			fmt.Fprint(w, `{"id":"video-1"}`)
		case "/videos/video-1/task":
			fmt.Fprint(w, `{"taskId":"task-1"}`)
		default:
			fmt.Fprint(w, `{"status":"rendering"}`)
		}
	}))
	defer srv.Close()

	_, err := newTestCaptionService(srv.URL, 3).BurnIn(context.Background(), "https://cdn.example.com/in.mp4", "tpl")
	e, ok := AsError(err)
	if !ok {
		t.Fatalf("expected typed error, got %v", err)
	}
	if e.Kind != KindPollingExhausted {
		t.Errorf("expected KindPollingExhausted, got %s", e.Kind)
	}
	if e.Retryable() {
		t.Error("polling exhaustion should not be retryable")
	}
}

func TestCaptionBurnInProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/videos/url":
			fmt.Fprint(w, `{"id":"video-1"}`)
		case "/videos/video-1/task":
			fmt.Fprint(w, `{"taskId":"task-1"}`)
		default:
			fmt.Fprint(w, `{"status":"failed","error":"render crashed"}`)
		}
	}))
	defer srv.Close()

	_, err := newTestCaptionService(srv.URL, 5).BurnIn(context.Background(), "https://cdn.example.com/in.mp4", "tpl")
	e, ok := AsError(err)
	if !ok {
		t.Fatalf("expected typed error, got %v", err)
	}
	if e.Kind != KindUnknown || e.Retryable() {
		t.Errorf("provider failure should be fatal, got kind=%s", e.Kind)
	}
}

func TestCaptionBurnInTransientUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestCaptionService(srv.URL, 5).BurnIn(context.Background(), "https://cdn.example.com/in.mp4", "tpl")
	if !Retryable(err) {
		t.Errorf("503 on upload should be retryable, got %v", err)
	}
}
