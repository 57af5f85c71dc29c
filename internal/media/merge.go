package media

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/bobarin/clipmaker/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// Background music sits far under the narration.
	DefaultMusicGain = 0.01

	// Fade window at both ends of the track, shortened for clips under 3s.
	musicFadeSec = 3.0

	assetDownloadTimeout = 30 * time.Second
)

// MergeError marks any failure inside the merge stage. The stage produces no
// partial output: the caller gets either a final URL or a MergeError.
type MergeError struct {
	Step string
	Err  error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge failed at %s: %v", e.Step, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

func mergeErr(step string, err error) error {
	return &MergeError{Step: step, Err: err}
}

// Merger downloads a captioned video and a music track, mixes the music under
// the video's own audio, and republishes the result to object storage.
type Merger struct {
	tempDir    string
	storage    *storage.Storage
	httpClient *http.Client
	gain       float64
}

func NewMerger(tempDir string, stor *storage.Storage, gain float64) *Merger {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}
	if gain <= 0 {
		gain = DefaultMusicGain
	}
	return &Merger{
		tempDir: tempDir,
		storage: stor,
		httpClient: &http.Client{
			Timeout: assetDownloadTimeout,
		},
		gain: gain,
	}
}

// Merge produces the final deliverable and returns its public URL.
// The video stream is copied unmodified; only the audio is re-encoded.
// Temporary files are removed on every exit path.
func (m *Merger) Merge(ctx context.Context, videoURL, musicURL string) (string, error) {
	id := uuid.NewString()
	videoPath := filepath.Join(m.tempDir, id+"-video.mp4")
	musicPath := filepath.Join(m.tempDir, id+"-music.mp3")
	outputPath := filepath.Join(m.tempDir, id+"-final.mp4")
	defer m.cleanup(videoPath, musicPath, outputPath)

	// Both assets sit on provider CDNs; fetch them in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.downloadTo(gctx, videoURL, videoPath) })
	g.Go(func() error { return m.downloadTo(gctx, musicURL, musicPath) })
	if err := g.Wait(); err != nil {
		return "", mergeErr("download", err)
	}

	duration, err := probeDuration(ctx, videoPath)
	if err != nil {
		return "", mergeErr("probe", err)
	}

	filter := buildMusicFilter(m.gain, duration)
	log.Printf("[Merge] Mixing music under video (duration=%.1fs, gain=%.3f)", duration, m.gain)

	args := []string{
		"-i", videoPath,
		"-i", musicPath,
		"-filter_complex", filter,
		"-map", "0:v",
		"-map", "[a]",
		"-c:v", "copy", // keep the captioned video stream untouched
		"-c:a", "aac",
		"-shortest",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", mergeErr("encode", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return "", mergeErr("read output", err)
	}

	key := m.storage.NewFinalKey()
	if err := m.storage.Upload(ctx, key, data, "video/mp4"); err != nil {
		return "", mergeErr("upload", err)
	}

	finalURL := m.storage.GetPublicURL(key)
	log.Printf("[Merge] Final video published (%d bytes): %s", len(data), finalURL)
	return finalURL, nil
}

// buildMusicFilter loops/trims the music track to the video duration, fades it
// in and out, scales its gain, and mixes it with the video's own audio. The
// fade-out window shrinks for videos shorter than the fade itself.
func buildMusicFilter(gain, durationSec float64) string {
	fade := math.Min(musicFadeSec, durationSec)
	fadeOutStart := math.Max(durationSec-fade, 0)

	return fmt.Sprintf(
		"[1:a]volume=%g,aloop=loop=-1:size=0:start=0,atrim=0:%g,afade=t=in:st=0:d=3,afade=t=out:st=%g:d=%g[music];"+
			"[0:a][music]amix=inputs=2:duration=first[a]",
		gain, durationSec, fadeOutStart, fade,
	)
}

// probeDuration returns the container duration in seconds via ffprobe.
func probeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(string(output), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return durationSec, nil
}

func (m *Merger) downloadTo(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s returned status %d", url, resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (m *Merger) cleanup(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}
