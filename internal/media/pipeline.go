// ABOUTME: Media pipeline: ffmpeg voice-note transcoding in scratch files and provider upload
// ABOUTME: Scratch files are released on every exit path, the tool runs under a deadline

package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrTranscode is returned when the external codec fails or produces nothing.
var ErrTranscode = errors.New("transcode failed")

// OggOpus is the mime type produced by Transcode.
const OggOpus = "audio/ogg"

// Uploader sends a binary to the provider and returns its media handle.
type Uploader interface {
	UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (string, error)
}

// Config holds pipeline settings.
type Config struct {
	FFmpegPath string
	ScratchDir string
	Timeout    time.Duration
}

// CommandFunc builds the external command; replaceable for tests.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Pipeline converts and uploads media.
type Pipeline struct {
	cfg      Config
	uploader Uploader
	command  CommandFunc
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCommand replaces exec.CommandContext.
func WithCommand(fn CommandFunc) Option {
	return func(p *Pipeline) { p.command = fn }
}

// New creates a new Pipeline.
func New(cfg Config, uploader Uploader, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	p := &Pipeline{
		cfg:      cfg,
		uploader: uploader,
		command:  exec.CommandContext,
		logger:   logger.With("component", "media"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NeedsTranscode reports whether a voice note of this mime type must be converted
// before the provider accepts it.
func NeedsTranscode(mimeType string) bool {
	return strings.Contains(strings.ToLower(mimeType), "webm")
}

// Transcode converts a voice recording to mono 48kHz Opus in an Ogg container.
// Both scratch files are removed before Transcode returns, whatever the outcome.
func (p *Pipeline) Transcode(ctx context.Context, data []byte, sourceMime string) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrTranscode)
	}

	sc, err := acquireScratch(p.cfg.ScratchDir, extensionFor(sourceMime), ".ogg")
	if err != nil {
		return nil, "", err
	}
	defer sc.release(p.logger)

	if err := os.WriteFile(sc.input, data, 0o600); err != nil {
		return nil, "", fmt.Errorf("writing scratch input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := []string{
		"-loglevel", "error", "-y",
		"-i", sc.input,
		"-ac", "1", "-ar", "48000",
		"-c:a", "libopus", "-b:a", "48k",
		sc.output,
	}
	cmd := p.command(ctx, p.cfg.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: 4 << 10}

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: timed out after %s: %w", ErrTranscode, p.cfg.Timeout, ctx.Err())
		}
		return nil, "", fmt.Errorf("%w: %w: %s", ErrTranscode, err, strings.TrimSpace(stderr.String()))
	}

	out, err := os.ReadFile(sc.output)
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading output: %w", ErrTranscode, err)
	}
	if len(out) == 0 {
		return nil, "", fmt.Errorf("%w: empty output", ErrTranscode)
	}

	p.logger.Debug("transcoded voice note",
		"source_mime", sourceMime,
		"in_bytes", len(data),
		"out_bytes", len(out),
		"elapsed", time.Since(start))
	return out, OggOpus, nil
}

// Upload transmits a binary to the provider's media endpoint and returns its handle.
func (p *Pipeline) Upload(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	if p.uploader == nil {
		return "", errors.New("media uploader not configured")
	}
	handle, err := p.uploader.UploadMedia(ctx, data, mimeType, filename)
	if err != nil {
		return "", fmt.Errorf("uploading media: %w", err)
	}
	return handle, nil
}

func extensionFor(mimeType string) string {
	m := strings.ToLower(mimeType)
	switch {
	case strings.Contains(m, "webm"):
		return ".webm"
	case strings.Contains(m, "ogg"):
		return ".ogg"
	case strings.Contains(m, "mpeg"):
		return ".mp3"
	case strings.Contains(m, "mp4"), strings.Contains(m, "aac"):
		return ".m4a"
	default:
		return ".bin"
	}
}

// limitedBuffer keeps at most max bytes of tool output.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(b []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(b) > room {
			l.buf.Write(b[:room])
		} else {
			l.buf.Write(b)
		}
	}
	return len(b), nil
}
