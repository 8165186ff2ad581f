// ABOUTME: Uniquely named scratch file pair for external codec runs
// ABOUTME: release removes both paths and tolerates files the tool never created

package media

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
)

type scratch struct {
	input  string
	output string
}

// acquireScratch reserves an input and an output path in dir. On error nothing is left behind.
func acquireScratch(dir, inExt, outExt string) (*scratch, error) {
	in, err := os.CreateTemp(dir, "voice-*"+inExt)
	if err != nil {
		return nil, fmt.Errorf("creating scratch input: %w", err)
	}
	in.Close()

	out, err := os.CreateTemp(dir, "voice-*"+outExt)
	if err != nil {
		os.Remove(in.Name())
		return nil, fmt.Errorf("creating scratch output: %w", err)
	}
	out.Close()

	return &scratch{input: in.Name(), output: out.Name()}, nil
}

func (s *scratch) release(logger *slog.Logger) {
	for _, path := range []string{s.input, s.output} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove scratch file", "path", path, "error", err)
		}
	}
}
