package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/clipmaker/internal/models"
	"github.com/bobarin/clipmaker/internal/queue"
	"github.com/bobarin/clipmaker/internal/services"
	"github.com/bobarin/clipmaker/internal/session"
)

type fakeQueue struct {
	enqueued []string
	results  map[string]interface{}
	failures map[string]error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		results: map[string]interface{}{
			queue.TaskAvatarGenerate: queue.AvatarGenerateResult{VideoURL: "https://cdn.example/heygen/a.mp4", DurationSec: 32},
			queue.TaskCaptionsBurnIn: queue.CaptionsBurnInResult{VideoURL: "https://cdn.example/zapcap/c.mp4"},
			queue.TaskMusicGenerate:  queue.MusicGenerateResult{MusicURL: "https://cdn.example/aiml/m.mp3", PromptTokens: 10, CompletionTokens: 5},
		},
		failures: map[string]error{},
	}
}

func (f *fakeQueue) Enqueue(_ context.Context, taskType, taskID string, _ interface{}) (*queue.Handle, error) {
	f.enqueued = append(f.enqueued, taskType)
	return &queue.Handle{ID: taskID, Type: taskType}, nil
}

func (f *fakeQueue) AwaitResult(_ context.Context, h *queue.Handle, _ time.Duration) (json.RawMessage, error) {
	if err, ok := f.failures[h.Type]; ok {
		return nil, err
	}
	return json.Marshal(f.results[h.Type])
}

type fakeLedger struct {
	credits    int
	debits     int
	debitErr   error
	usageCalls int
}

func (f *fakeLedger) GetUser(_ context.Context, userID int64) (*models.Account, error) {
	return &models.Account{TelegramID: userID, CreditsLeft: f.credits}, nil
}

func (f *fakeLedger) DeductCredits(_ context.Context, _ int64, credits int) (*models.Account, error) {
	if f.debitErr != nil {
		return nil, f.debitErr
	}
	f.debits += credits
	f.credits -= credits
	return &models.Account{CreditsLeft: f.credits}, nil
}

func (f *fakeLedger) AddUsage(_ context.Context, _ int64, _ models.UsageDelta) error {
	f.usageCalls++
	return nil
}

type fakeMerger struct {
	url string
	err error
}

func (f *fakeMerger) Merge(_ context.Context, _, _ string) (string, error) {
	return f.url, f.err
}

type fakeNotifier struct {
	messages []string
	videos   []string
}

func (f *fakeNotifier) SendMessage(_ int64, text string) (int, error) {
	f.messages = append(f.messages, text)
	return len(f.messages), nil
}

func (f *fakeNotifier) EditMessage(_ int64, _ int, _ string) error { return nil }

func (f *fakeNotifier) SendVideo(_ int64, videoURL, _ string) error {
	f.videos = append(f.videos, videoURL)
	return nil
}

func newTestRunner() (*Runner, *fakeQueue, *fakeLedger, *fakeNotifier, *session.MemoryStore) {
	q := newFakeQueue()
	l := &fakeLedger{credits: 2}
	n := &fakeNotifier{}
	store := session.NewMemoryStore()
	r := NewRunner(q, l, &fakeMerger{url: "https://cdn.example/merged/final.mp4"}, store, n)
	return r, q, l, n, store
}

func testSession() *session.Session {
	return &session.Session{
		UserID: 42,
		ChatID: 100,
		Stage:  session.StageMergeAndDeliver,
		Avatar: session.Avatar{AvatarRef: "av-1", VoiceRef: "vo-1"},
		Script: "hello world",
	}
}

func TestRunDeliversAndDebitsOnce(t *testing.T) {
	r, q, l, n, store := newTestRunner()
	sess := testSession()

	if err := r.Run(context.Background(), sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(n.videos) != 1 || n.videos[0] != "https://cdn.example/merged/final.mp4" {
		t.Errorf("videos = %v, want the merged video", n.videos)
	}
	if l.debits != 1 {
		t.Errorf("debits = %d, want exactly 1 after delivery", l.debits)
	}
	if l.usageCalls != 1 {
		t.Errorf("usage calls = %d, want 1", l.usageCalls)
	}

	want := []string{queue.TaskAvatarGenerate, queue.TaskCaptionsBurnIn, queue.TaskMusicGenerate}
	if len(q.enqueued) != len(want) {
		t.Fatalf("enqueued = %v, want %v", q.enqueued, want)
	}
	for i := range want {
		if q.enqueued[i] != want[i] {
			t.Errorf("enqueued[%d] = %s, want %s", i, q.enqueued[i], want[i])
		}
	}

	if sess.Stage != session.StageIdle {
		t.Errorf("stage = %s, want idle after delivery", sess.Stage)
	}

	// The lock must be free again.
	acquired, err := store.AcquireGenerationLock(context.Background(), 42, time.Minute)
	if err != nil || !acquired {
		t.Errorf("lock should be released after the run (acquired=%v, err=%v)", acquired, err)
	}
}

func TestRunRejectsConcurrentGeneration(t *testing.T) {
	r, q, l, n, store := newTestRunner()
	store.AcquireGenerationLock(context.Background(), 42, time.Minute)

	err := r.Run(context.Background(), testSession())
	if !errors.Is(err, ErrGenerationInFlight) {
		t.Fatalf("err = %v, want ErrGenerationInFlight", err)
	}
	if len(q.enqueued) != 0 {
		t.Errorf("nothing should be enqueued, got %v", q.enqueued)
	}
	if l.debits != 0 {
		t.Errorf("debits = %d, want 0", l.debits)
	}
	if len(n.messages) == 0 {
		t.Error("expected a notice about the running generation")
	}
}

func TestRunRejectsEmptyBalance(t *testing.T) {
	r, q, l, _, _ := newTestRunner()
	l.credits = 0

	err := r.Run(context.Background(), testSession())
	if !errors.Is(err, ErrNoCredits) {
		t.Fatalf("err = %v, want ErrNoCredits", err)
	}
	if len(q.enqueued) != 0 {
		t.Errorf("nothing should be enqueued, got %v", q.enqueued)
	}
}

func TestRunAbortsOnAuthFailure(t *testing.T) {
	r, q, l, n, store := newTestRunner()
	authErr := &services.Error{Kind: services.KindAuth, Message: "invalid api key"}
	q.failures[queue.TaskAvatarGenerate] = authErr

	err := r.Run(context.Background(), testSession())
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if svcErr, ok := services.AsError(err); !ok || svcErr.Kind != services.KindAuth {
		t.Errorf("err = %v, want the auth error to surface", err)
	}

	if l.debits != 0 {
		t.Errorf("debits = %d, want 0 on abort", l.debits)
	}
	if len(n.videos) != 0 {
		t.Errorf("no video should be delivered, got %v", n.videos)
	}
	// Later stages never run.
	if len(q.enqueued) != 1 {
		t.Errorf("enqueued = %v, want only the avatar job", q.enqueued)
	}

	acquired, _ := store.AcquireGenerationLock(context.Background(), 42, time.Minute)
	if !acquired {
		t.Error("lock should be released after an abort")
	}
}

func TestRunAbortClearsSession(t *testing.T) {
	r, q, _, _, store := newTestRunner()
	q.failures[queue.TaskCaptionsBurnIn] = &services.Error{Kind: services.KindTransient, Message: "zapcap unavailable"}

	sess := testSession()
	if err := r.Run(context.Background(), sess); err == nil {
		t.Fatal("expected the run to fail")
	}

	stored, err := store.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("Get stored session: %v", err)
	}
	if stored.Stage != session.StageIdle {
		t.Errorf("stored stage = %s, want idle after abort", stored.Stage)
	}
	if stored.AvatarVideoURL != "" {
		t.Errorf("avatar artifact survived the abort: %q", stored.AvatarVideoURL)
	}
	if stored.RunID != "" {
		t.Errorf("run id survived the abort: %q", stored.RunID)
	}
}

func TestFailureTextNamesMissingResource(t *testing.T) {
	err := &services.Error{Kind: services.KindNotFound, Message: "Avatar av-1 not found"}
	got := failureText(err)
	if !strings.Contains(got, "Avatar av-1 not found") {
		t.Errorf("failureText = %q, want the missing resource named", got)
	}

	generic := failureText(errors.New("boom"))
	if strings.Contains(generic, "av-1") {
		t.Errorf("generic failure must not name a resource: %q", generic)
	}
}

func TestRunSucceedsWhenDebitFails(t *testing.T) {
	r, _, l, n, _ := newTestRunner()
	l.debitErr = errors.New("ledger timeout")

	if err := r.Run(context.Background(), testSession()); err != nil {
		t.Fatalf("Run should succeed despite the failed debit, got %v", err)
	}
	if len(n.videos) != 1 {
		t.Errorf("videos = %v, want the delivery to stand", n.videos)
	}
}
