package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no session exists for a user.
var ErrNotFound = errors.New("session not found")

// GenerationLockTTL bounds how long an in-flight lock can outlive its owner.
// A worker that dies mid-pipeline leaves the lock behind; the TTL clears it
// without manual intervention while staying comfortably above the longest
// legitimate pipeline run.
const GenerationLockTTL = 45 * time.Minute

// Stage tracks where a user's conversation and pipeline currently are.
type Stage string

const (
	StageChoosingAvatar       Stage = "choosing_avatar"
	StageChoosingScriptMethod Stage = "choosing_script_method"
	StageAIScriptInput        Stage = "ai_script_input"
	StageUserScriptInput      Stage = "user_script_input"
	StageScriptConfirm        Stage = "script_confirm"
	StageChoosingSubtitles    Stage = "choosing_subtitle_style"
	StageVideoGeneration      Stage = "video_generation"
	StageCaptionEditing       Stage = "caption_editing"
	StageMusicGeneration      Stage = "music_generation"
	StageMergeAndDeliver      Stage = "merge_and_deliver"
	StageIdle                 Stage = "idle"
)

// Avatar is the user's chosen presenter: the synthesis avatar plus the voice
// it speaks with.
type Avatar struct {
	AvatarRef string `json:"avatar_ref"`
	VoiceRef  string `json:"voice_ref"`
}

// Session is one user's generation state. Artifact fields fill in as stages
// complete and are dropped again on reset.
type Session struct {
	UserID int64 `json:"user_id"`
	ChatID int64 `json:"chat_id"`
	Stage  Stage `json:"stage"`

	// RunID identifies one pipeline run; job IDs derive from it so a
	// duplicate enqueue within a run collides while a fresh run never does.
	RunID string `json:"run_id,omitempty"`

	Avatar           Avatar `json:"avatar"`
	Script           string `json:"script,omitempty"`
	SubtitleTemplate string `json:"subtitle_template,omitempty"`

	// Stage artifacts, in production order.
	AvatarVideoURL    string `json:"avatar_video_url,omitempty"`
	CaptionedVideoURL string `json:"captioned_video_url,omitempty"`
	MusicURL          string `json:"music_url,omitempty"`
	MergedVideoURL    string `json:"merged_video_url,omitempty"`

	// ProgressMessageID is the chat message the animation ticker edits.
	ProgressMessageID int `json:"progress_message_id,omitempty"`

	DemoCreditsGiven bool `json:"demo_credits_given"`
}

// Reset drops everything except identity, chat linkage and the one-time trial
// flag, returning the session to a clean pre-generation state.
func (s *Session) Reset() {
	*s = Session{
		UserID:           s.UserID,
		ChatID:           s.ChatID,
		Stage:            StageIdle,
		DemoCreditsGiven: s.DemoCreditsGiven,
	}
}

// Store keeps sessions keyed by user identity and owns the per-user
// in-flight generation lock.
type Store interface {
	Get(ctx context.Context, userID int64) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, userID int64) error

	// AcquireGenerationLock takes the per-user in-flight lock. Returns false
	// when a generation is already running for this user. The lock expires on
	// its own after ttl so a crashed worker cannot block the user forever.
	AcquireGenerationLock(ctx context.Context, userID int64, ttl time.Duration) (bool, error)
	ReleaseGenerationLock(ctx context.Context, userID int64) error
}
