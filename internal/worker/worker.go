package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/bobarin/clipmaker/internal/models"
	"github.com/bobarin/clipmaker/internal/queue"
	"github.com/bobarin/clipmaker/internal/services"
	"github.com/bobarin/clipmaker/internal/storage"
)

// Provider surfaces the worker needs. The services package satisfies all of
// them; tests substitute fakes.
type avatarGenerator interface {
	GenerateVideo(ctx context.Context, req services.AvatarVideoRequest) (*services.AvatarVideoResult, error)
}

type captionBurner interface {
	BurnIn(ctx context.Context, videoURL, templateID string) (*services.CaptionResult, error)
}

type musicGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type chatCompleter interface {
	ChatCompletion(ctx context.Context, messages []services.ChatMessage, model string, temperature float32, maxTokens int) (*services.ChatResult, error)
	MusicPrompt(ctx context.Context, script string) (*services.ChatResult, error)
}

type artifactStore interface {
	StageKey(stage, filename string) string
	UploadFromURL(ctx context.Context, key, sourceURL, contentType string) (string, error)
}

type paymentChecker interface {
	PaymentStatus(ctx context.Context, orderID string) (*models.PaymentStatusResponse, error)
}

type messageSender interface {
	SendMessage(chatID int64, text string) (int, error)
}

type Worker struct {
	avatar   avatarGenerator
	captions captionBurner
	music    musicGenerator
	openai   chatCompleter
	storage  artifactStore
	ledger   paymentChecker
	notifier messageSender
}

func New(
	avatarSvc avatarGenerator,
	captionSvc captionBurner,
	musicSvc musicGenerator,
	openaiSvc chatCompleter,
	stor artifactStore,
	ledgerClient paymentChecker,
	notifier messageSender,
) *Worker {
	return &Worker{
		avatar:   avatarSvc,
		captions: captionSvc,
		music:    musicSvc,
		openai:   openaiSvc,
		storage:  stor,
		ledger:   ledgerClient,
		notifier: notifier,
	}
}

// Register wires the task handlers into the mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TaskAvatarGenerate, w.HandleAvatarGenerate)
	mux.HandleFunc(queue.TaskCaptionsBurnIn, w.HandleCaptionsBurnIn)
	mux.HandleFunc(queue.TaskMusicGenerate, w.HandleMusicGenerate)
	mux.HandleFunc(queue.TaskPaymentCheck, w.HandlePaymentCheck)
	mux.HandleFunc(queue.TaskChatCompletion, w.HandleChatCompletion)
}

// finish settles a failed provider call. Non-retryable failures are written
// into the task result so the producer sees the business error; returning nil
// stops asynq from retrying them. Everything else goes back to asynq for
// another attempt.
func finish(t *asynq.Task, err error) error {
	var svcErr *services.Error
	if errors.As(err, &svcErr) && !svcErr.Retryable() {
		log.Printf("[Worker] Task %s failed permanently: %v", t.Type(), svcErr)
		return queue.WriteError(t, svcErr)
	}
	return err
}

func (w *Worker) HandleAvatarGenerate(ctx context.Context, t *asynq.Task) error {
	var p queue.AvatarGeneratePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	log.Printf("[Worker] Generating avatar video for user %d (avatar=%s)", p.UserID, p.AvatarID)

	res, err := w.avatar.GenerateVideo(ctx, services.AvatarVideoRequest{
		AvatarID: p.AvatarID,
		VoiceID:  p.VoiceID,
		Script:   p.Script,
		Speed:    p.Speed,
		Width:    p.Width,
		Height:   p.Height,
	})
	if err != nil {
		return finish(t, err)
	}

	key := w.storage.StageKey(storage.StageAvatar, uuid.New().String()+".mp4")
	publicURL, err := w.storage.UploadFromURL(ctx, key, res.VideoURL, "video/mp4")
	if err != nil {
		return fmt.Errorf("failed to store avatar video: %w", err)
	}

	return queue.WriteResult(t, queue.AvatarGenerateResult{
		VideoURL:    publicURL,
		DurationSec: res.DurationSec,
	})
}

func (w *Worker) HandleCaptionsBurnIn(ctx context.Context, t *asynq.Task) error {
	var p queue.CaptionsBurnInPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	log.Printf("[Worker] Burning in captions for user %d", p.UserID)

	res, err := w.captions.BurnIn(ctx, p.VideoURL, p.TemplateID)
	if err != nil {
		return finish(t, err)
	}

	key := w.storage.StageKey(storage.StageSub, uuid.New().String()+".mp4")
	publicURL, err := w.storage.UploadFromURL(ctx, key, res.DownloadURL, "video/mp4")
	if err != nil {
		return fmt.Errorf("failed to store captioned video: %w", err)
	}

	return queue.WriteResult(t, queue.CaptionsBurnInResult{
		VideoURL:   publicURL,
		Transcript: res.Transcript,
	})
}

func (w *Worker) HandleMusicGenerate(ctx context.Context, t *asynq.Task) error {
	var p queue.MusicGeneratePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	log.Printf("[Worker] Generating music for user %d", p.UserID)

	prompt, err := w.openai.MusicPrompt(ctx, p.Script)
	if err != nil {
		return finish(t, err)
	}

	audioURL, err := w.music.Generate(ctx, prompt.Content)
	if err != nil {
		return finish(t, err)
	}

	key := w.storage.StageKey(storage.StageMusic, uuid.New().String()+".mp3")
	publicURL, err := w.storage.UploadFromURL(ctx, key, audioURL, "audio/mpeg")
	if err != nil {
		return fmt.Errorf("failed to store music track: %w", err)
	}

	return queue.WriteResult(t, queue.MusicGenerateResult{
		MusicURL:         publicURL,
		PromptTokens:     prompt.PromptTokens,
		CompletionTokens: prompt.CompletionTokens,
	})
}

func (w *Worker) HandlePaymentCheck(ctx context.Context, t *asynq.Task) error {
	var p queue.PaymentCheckPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	status, err := w.ledger.PaymentStatus(ctx, p.OrderID)
	if err != nil {
		return fmt.Errorf("failed to check payment status: %w", err)
	}

	if status.Status != models.TransactionCompleted {
		return queue.WriteResult(t, queue.PaymentCheckResult{Completed: false})
	}

	log.Printf("[Worker] Payment completed for order %s (user=%d)", p.OrderID, p.UserID)
	text := fmt.Sprintf("Payment received! %d generations have been added to your account.", p.Credits)
	if _, err := w.notifier.SendMessage(p.ChatID, text); err != nil {
		log.Printf("[Worker] Failed to notify user %d about payment: %v", p.UserID, err)
	}

	return queue.WriteResult(t, queue.PaymentCheckResult{Completed: true})
}

func (w *Worker) HandleChatCompletion(ctx context.Context, t *asynq.Task) error {
	var p queue.ChatCompletionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	res, err := w.openai.ChatCompletion(ctx, p.Messages, p.Model, p.Temperature, p.MaxTokens)
	if err != nil {
		return finish(t, err)
	}

	return queue.WriteResult(t, queue.ChatCompletionResult{
		Content:          res.Content,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
	})
}
