package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/lesson-audio-service/internal/core"
)

const defaultToolTimeout = 120 * time.Second

var (
	// ErrFFmpegNotFound is returned when ffmpeg is not installed.
	ErrFFmpegNotFound = errors.New("ffmpeg not found in PATH")
	// ErrFFmpegFailed is returned when an ffmpeg invocation fails.
	ErrFFmpegFailed = errors.New("ffmpeg invocation failed")
)

// Runner executes ffmpeg with a hard per-invocation deadline. A hung
// subprocess is killed and surfaces as core.ErrToolchainTimeout rather than
// stalling the job silently.
type Runner struct {
	ffmpegPath string
	timeout    time.Duration
	log        *logger.Logger
}

// NewRunner locates ffmpeg in PATH and returns a runner with the given
// per-invocation timeout. A non-positive timeout selects the default.
func NewRunner(timeout time.Duration, log *logger.Logger) (*Runner, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, ErrFFmpegNotFound
	}

	return NewRunnerWithPath(path, timeout, log), nil
}

// NewRunnerWithPath returns a runner using an explicit ffmpeg binary path.
// Primarily for tests.
func NewRunnerWithPath(path string, timeout time.Duration, log *logger.Logger) *Runner {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}

	return &Runner{ffmpegPath: path, timeout: timeout, log: log}
}

// Run invokes ffmpeg with the given arguments, feeding stdin (may be nil)
// and returning stdout. Standard error is captured for diagnostics only.
func (r *Runner) Run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fullArgs := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, args...)
	// -nostdin must be dropped when we pipe data in.
	if stdin != nil {
		fullArgs = append([]string{"-hide_banner", "-loglevel", "error"}, args...)
	}

	cmd := exec.CommandContext(runCtx, r.ffmpegPath, fullArgs...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", core.ErrToolchainTimeout, r.timeout)
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("%w: %s", ErrFFmpegFailed, stderr.String())
	}

	return stdout.Bytes(), nil
}
