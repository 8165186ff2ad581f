// ABOUTME: Tests for the media pipeline using the test binary as a fake ffmpeg.
// ABOUTME: Verifies arguments, output handling and scratch cleanup on every exit path.

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It stands in for ffmpeg when invoked by fakeFFmpeg.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	args = args[2:] // drop "--" and the tool name

	var input string
	for i, a := range args {
		if a == "-i" && i+1 < len(args) {
			input = args[i+1]
		}
	}
	output := args[len(args)-1]

	switch os.Getenv("HELPER_MODE") {
	case "fail":
		fmt.Fprint(os.Stderr, "Invalid data found when processing input")
		os.Exit(1)
	case "sleep":
		time.Sleep(10 * time.Second)
	case "remove-output":
		os.Remove(output)
	case "empty":
		os.WriteFile(output, nil, 0o600)
	default:
		data, err := os.ReadFile(input)
		if err != nil {
			os.Exit(2)
		}
		os.WriteFile(output, append([]byte("OGG:"), data...), 0o600)
	}
}

func fakeFFmpeg(mode string, gotArgs *[]string) CommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if gotArgs != nil {
			*gotArgs = append([]string{name}, args...)
		}
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
}

func newTestPipeline(t *testing.T, mode string, gotArgs *[]string) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	p := New(Config{FFmpegPath: "ffmpeg", ScratchDir: dir, Timeout: 5 * time.Second}, nil, nil,
		WithCommand(fakeFFmpeg(mode, gotArgs)))
	return p, dir
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files must be removed")
}

func TestTranscode_Success(t *testing.T) {
	var args []string
	p, dir := newTestPipeline(t, "ok", &args)

	out, mimeType, err := p.Transcode(context.Background(), []byte("WEBM"), "audio/webm;codecs=opus")
	require.NoError(t, err)
	assert.Equal(t, "OGG:WEBM", string(out))
	assert.Equal(t, OggOpus, mimeType)
	assertScratchEmpty(t, dir)

	require.Len(t, args, 15)
	assert.Equal(t, []string{"ffmpeg", "-loglevel", "error", "-y", "-i"}, args[:5])
	assert.True(t, strings.HasSuffix(args[5], ".webm"))
	assert.Equal(t, []string{"-ac", "1", "-ar", "48000", "-c:a", "libopus", "-b:a", "48k"}, args[6:14])
	assert.True(t, strings.HasSuffix(args[14], ".ogg"))
}

func TestTranscode_ToolFailureCleansUp(t *testing.T) {
	p, dir := newTestPipeline(t, "fail", nil)

	_, _, err := p.Transcode(context.Background(), []byte("WEBM"), "audio/webm")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTranscode)
	assert.Contains(t, err.Error(), "Invalid data")
	assertScratchEmpty(t, dir)
}

func TestTranscode_ReadFailureCleansUp(t *testing.T) {
	p, dir := newTestPipeline(t, "remove-output", nil)

	_, _, err := p.Transcode(context.Background(), []byte("WEBM"), "audio/webm")
	assert.ErrorIs(t, err, ErrTranscode)
	assertScratchEmpty(t, dir)
}

func TestTranscode_EmptyOutput(t *testing.T) {
	p, dir := newTestPipeline(t, "empty", nil)

	_, _, err := p.Transcode(context.Background(), []byte("WEBM"), "audio/webm")
	assert.ErrorIs(t, err, ErrTranscode)
	assertScratchEmpty(t, dir)
}

func TestTranscode_Timeout(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{ScratchDir: dir, Timeout: 100 * time.Millisecond}, nil, nil,
		WithCommand(fakeFFmpeg("sleep", nil)))

	start := time.Now()
	_, _, err := p.Transcode(context.Background(), []byte("WEBM"), "audio/webm")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTranscode)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assertScratchEmpty(t, dir)
}

func TestTranscode_EmptyInput(t *testing.T) {
	p, dir := newTestPipeline(t, "ok", nil)
	_, _, err := p.Transcode(context.Background(), nil, "audio/webm")
	assert.ErrorIs(t, err, ErrTranscode)
	assertScratchEmpty(t, dir)
}

func TestTranscode_MissingScratchDir(t *testing.T) {
	p := New(Config{ScratchDir: "/nonexistent/scratch/dir"}, nil, nil, WithCommand(fakeFFmpeg("ok", nil)))
	_, _, err := p.Transcode(context.Background(), []byte("x"), "audio/webm")
	assert.Error(t, err)
}

func TestNeedsTranscode(t *testing.T) {
	assert.True(t, NeedsTranscode("audio/webm"))
	assert.True(t, NeedsTranscode("audio/WebM;codecs=opus"))
	assert.False(t, NeedsTranscode("audio/ogg"))
	assert.False(t, NeedsTranscode(""))
}

type fakeUploader struct {
	handle string
	err    error
	got    []byte
	mime   string
}

func (f *fakeUploader) UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	f.got = data
	f.mime = mimeType
	return f.handle, f.err
}

func TestUpload(t *testing.T) {
	up := &fakeUploader{handle: "media-1"}
	p := New(Config{}, up, nil)

	handle, err := p.Upload(context.Background(), []byte("img"), "image/png", "a.png")
	require.NoError(t, err)
	assert.Equal(t, "media-1", handle)
	assert.Equal(t, "image/png", up.mime)
}

func TestUpload_ErrorPropagates(t *testing.T) {
	boom := errors.New("503")
	p := New(Config{}, &fakeUploader{err: boom}, nil)

	_, err := p.Upload(context.Background(), []byte("img"), "image/png", "")
	assert.ErrorIs(t, err, boom)
}
