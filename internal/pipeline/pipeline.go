package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bobarin/clipmaker/internal/models"
	"github.com/bobarin/clipmaker/internal/queue"
	"github.com/bobarin/clipmaker/internal/services"
	"github.com/bobarin/clipmaker/internal/session"
)

// Stage deadlines. Each covers the provider's own polling loop plus queue
// scheduling slack.
const (
	avatarTimeout   = 20 * time.Minute
	captionsTimeout = 15 * time.Minute
	musicTimeout    = 10 * time.Minute

	progressInterval = 1500 * time.Millisecond
)

var (
	ErrGenerationInFlight = errors.New("generation already in flight")
	ErrNoCredits          = errors.New("no credits left")
)

// JobQueue is the producer side of the durable queue.
type JobQueue interface {
	Enqueue(ctx context.Context, taskType, taskID string, payload interface{}) (*queue.Handle, error)
	AwaitResult(ctx context.Context, h *queue.Handle, timeout time.Duration) (json.RawMessage, error)
}

// Ledger is the credit surface the pipeline needs.
type Ledger interface {
	GetUser(ctx context.Context, userID int64) (*models.Account, error)
	DeductCredits(ctx context.Context, userID int64, credits int) (*models.Account, error)
	AddUsage(ctx context.Context, userID int64, delta models.UsageDelta) error
}

// Merger produces the final video from the captioned video and music track.
type Merger interface {
	Merge(ctx context.Context, videoURL, musicURL string) (string, error)
}

// Notifier is the user-facing side of a run.
type Notifier interface {
	SendMessage(chatID int64, text string) (int, error)
	EditMessage(chatID int64, messageID int, text string) error
	SendVideo(chatID int64, videoURL, caption string) error
}

// Runner drives a full generation: avatar video, caption burn-in, music,
// merge, delivery, then the credit debit.
type Runner struct {
	queue    JobQueue
	ledger   Ledger
	merger   Merger
	sessions session.Store
	notifier Notifier
}

func NewRunner(q JobQueue, l Ledger, m Merger, sessions session.Store, n Notifier) *Runner {
	return &Runner{
		queue:    q,
		ledger:   l,
		merger:   m,
		sessions: sessions,
		notifier: n,
	}
}

// Run executes the generation described by the session. The per-user lock
// rejects concurrent runs; the debit happens only after the video has been
// delivered.
func (r *Runner) Run(ctx context.Context, sess *session.Session) error {
	acquired, err := r.sessions.AcquireGenerationLock(ctx, sess.UserID, session.GenerationLockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire generation lock: %w", err)
	}
	if !acquired {
		r.notify(sess.ChatID, "You already have a video being generated. Please wait for it to finish.")
		return ErrGenerationInFlight
	}
	defer func() {
		if err := r.sessions.ReleaseGenerationLock(ctx, sess.UserID); err != nil {
			log.Printf("[Pipeline] Failed to release lock for user %d: %v", sess.UserID, err)
		}
	}()

	acct, err := r.ledger.GetUser(ctx, sess.UserID)
	if err != nil {
		r.notify(sess.ChatID, "Something went wrong. Please try again later.")
		return fmt.Errorf("failed to load account: %w", err)
	}
	if acct.CreditsLeft < 1 {
		r.notify(sess.ChatID, "You have no generations left. Use /buy to top up.")
		return ErrNoCredits
	}

	sess.RunID = ulid.Make().String()
	log.Printf("[Pipeline] Run %s started (user=%d)", sess.RunID, sess.UserID)

	msgID, err := r.notifier.SendMessage(sess.ChatID, "Generating your video, this usually takes a few minutes ⏳")
	if err != nil {
		log.Printf("[Pipeline] Failed to send progress message: %v", err)
	}
	sess.ProgressMessageID = msgID
	stop := r.startProgress(sess.ChatID, msgID)

	avatarRes, err := r.runAvatar(ctx, sess)
	if err != nil {
		return r.abort(ctx, sess, stop, "avatar", err)
	}
	captionRes, err := r.runCaptions(ctx, sess, avatarRes.VideoURL)
	if err != nil {
		return r.abort(ctx, sess, stop, "captions", err)
	}
	musicRes, err := r.runMusic(ctx, sess)
	if err != nil {
		return r.abort(ctx, sess, stop, "music", err)
	}

	r.advance(ctx, sess, session.StageMergeAndDeliver)
	mergedURL, err := r.merger.Merge(ctx, captionRes.VideoURL, musicRes.MusicURL)
	if err != nil {
		return r.abort(ctx, sess, stop, "merge", err)
	}
	sess.MergedVideoURL = mergedURL

	stop()
	if err := r.notifier.SendVideo(sess.ChatID, mergedURL, "Your video is ready!"); err != nil {
		return r.abort(ctx, sess, func() {}, "delivery", err)
	}

	// The video is delivered; a failed debit must not claw it back.
	if _, err := r.ledger.DeductCredits(ctx, sess.UserID, 1); err != nil {
		log.Printf("[Pipeline] CRITICAL: video delivered but debit failed (user=%d, run=%s): %v",
			sess.UserID, sess.RunID, err)
	}

	if err := r.ledger.AddUsage(ctx, sess.UserID, models.UsageDelta{
		Generations:      1,
		PromptTokens:     int64(musicRes.PromptTokens),
		ResponseTokens:   int64(musicRes.CompletionTokens),
		VideoDurationSec: avatarRes.DurationSec,
	}); err != nil {
		log.Printf("[Pipeline] Failed to record usage for user %d: %v", sess.UserID, err)
	}

	sess.Reset()
	if err := r.sessions.Save(ctx, sess); err != nil {
		log.Printf("[Pipeline] Failed to save session for user %d: %v", sess.UserID, err)
	}

	log.Printf("[Pipeline] Run %s delivered (user=%d)", sess.RunID, sess.UserID)
	return nil
}

func (r *Runner) runAvatar(ctx context.Context, sess *session.Session) (*queue.AvatarGenerateResult, error) {
	r.advance(ctx, sess, session.StageVideoGeneration)

	h, err := r.queue.Enqueue(ctx, queue.TaskAvatarGenerate, "avatar:"+sess.RunID, queue.AvatarGeneratePayload{
		UserID:   sess.UserID,
		AvatarID: sess.Avatar.AvatarRef,
		VoiceID:  sess.Avatar.VoiceRef,
		Script:   sess.Script,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue avatar job: %w", err)
	}

	raw, err := r.queue.AwaitResult(ctx, h, avatarTimeout)
	if err != nil {
		return nil, err
	}
	var res queue.AvatarGenerateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse avatar result: %w", err)
	}
	sess.AvatarVideoURL = res.VideoURL
	return &res, nil
}

func (r *Runner) runCaptions(ctx context.Context, sess *session.Session, videoURL string) (*queue.CaptionsBurnInResult, error) {
	r.advance(ctx, sess, session.StageCaptionEditing)

	h, err := r.queue.Enqueue(ctx, queue.TaskCaptionsBurnIn, "captions:"+sess.RunID, queue.CaptionsBurnInPayload{
		UserID:     sess.UserID,
		VideoURL:   videoURL,
		TemplateID: sess.SubtitleTemplate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue captions job: %w", err)
	}

	raw, err := r.queue.AwaitResult(ctx, h, captionsTimeout)
	if err != nil {
		return nil, err
	}
	var res queue.CaptionsBurnInResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse captions result: %w", err)
	}
	sess.CaptionedVideoURL = res.VideoURL
	return &res, nil
}

func (r *Runner) runMusic(ctx context.Context, sess *session.Session) (*queue.MusicGenerateResult, error) {
	r.advance(ctx, sess, session.StageMusicGeneration)

	h, err := r.queue.Enqueue(ctx, queue.TaskMusicGenerate, "music:"+sess.RunID, queue.MusicGeneratePayload{
		UserID: sess.UserID,
		Script: sess.Script,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue music job: %w", err)
	}

	raw, err := r.queue.AwaitResult(ctx, h, musicTimeout)
	if err != nil {
		return nil, err
	}
	var res queue.MusicGenerateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse music result: %w", err)
	}
	sess.MusicURL = res.MusicURL
	return &res, nil
}

// advance moves the session to the next stage. Persistence failures are
// logged, not fatal; the run itself carries the state that matters.
func (r *Runner) advance(ctx context.Context, sess *session.Session, stage session.Stage) {
	sess.Stage = stage
	if err := r.sessions.Save(ctx, sess); err != nil {
		log.Printf("[Pipeline] Failed to save session for user %d: %v", sess.UserID, err)
	}
}

// abort stops the progress ticker, tells the user what happened and surfaces
// the stage error. No credits were taken at this point. The session is reset
// before saving so no stage artifacts outlive the failed run.
func (r *Runner) abort(ctx context.Context, sess *session.Session, stop func(), stage string, err error) error {
	stop()
	log.Printf("[Pipeline] Run %s failed at %s (user=%d): %v", sess.RunID, stage, sess.UserID, err)
	r.notify(sess.ChatID, failureText(err))

	sess.Reset()
	if saveErr := r.sessions.Save(ctx, sess); saveErr != nil {
		log.Printf("[Pipeline] Failed to save session for user %d: %v", sess.UserID, saveErr)
	}

	return fmt.Errorf("%s stage failed: %w", stage, err)
}

func failureText(err error) string {
	if svcErr, ok := services.AsError(err); ok {
		switch svcErr.Kind {
		case services.KindAuth:
			return "The video service is misconfigured. Please contact support."
		case services.KindNotFound:
			return fmt.Sprintf("A required resource could not be found: %s. Please start over with /generate.", svcErr.Message)
		case services.KindPollingExhausted:
			return "The generation is taking longer than expected and was stopped. Your balance was not charged. Please try again."
		case services.KindInvalidParameter:
			return "Some of the provided settings were rejected. Please start over with /generate."
		}
	}
	return "Something went wrong while generating your video. Your balance was not charged. Please try again later."
}

func (r *Runner) notify(chatID int64, text string) {
	if _, err := r.notifier.SendMessage(chatID, text); err != nil {
		log.Printf("[Pipeline] Failed to notify chat %d: %v", chatID, err)
	}
}

// startProgress animates the waiting message until the returned stop function
// is called. Stop is safe to call once.
func (r *Runner) startProgress(chatID int64, messageID int) func() {
	if messageID == 0 {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()

		hourglass := false
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				icon := "⏳"
				if hourglass {
					icon = "⌛"
				}
				hourglass = !hourglass
				text := fmt.Sprintf("Generating your video, this usually takes a few minutes %s", icon)
				if err := r.notifier.EditMessage(chatID, messageID, text); err != nil {
					log.Printf("[Pipeline] Failed to update progress message: %v", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}
