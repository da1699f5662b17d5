// Package audio converts WhatsApp voice notes (ogg/opus) into wav the
// transcription API accepts, by shelling out to ffmpeg.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ErrFFmpegUnavailable means no ffmpeg binary was found; voice logging
// should degrade gracefully rather than fail the whole bot.
var ErrFFmpegUnavailable = errors.New("audio: ffmpeg not available")

const defaultTimeout = 30 * time.Second

// Opts holds configuration options for the transcoder.
type Opts struct {
	FFmpegPath string
	Timeout    time.Duration
}

// Option configures transcoder options.
type Option func(*Opts)

// WithFFmpegPath overrides the ffmpeg binary location.
func WithFFmpegPath(path string) Option {
	return func(o *Opts) { o.FFmpegPath = path }
}

// WithTimeout bounds a single conversion.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Transcoder converts compressed voice audio to 16 kHz mono wav.
type Transcoder struct {
	ffmpeg  string
	timeout time.Duration
}

// NewTranscoder locates ffmpeg and returns a ready transcoder, or
// ErrFFmpegUnavailable when the binary cannot be found.
func NewTranscoder(opts ...Option) (*Transcoder, error) {
	cfg := Opts{FFmpegPath: "ffmpeg", Timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	path, err := exec.LookPath(cfg.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFFmpegUnavailable, err)
	}
	slog.Debug("Audio transcoder ready", "ffmpeg", path)
	return &Transcoder{ffmpeg: path, timeout: cfg.Timeout}, nil
}

// Transcode pipes the input through ffmpeg and returns wav bytes.
func (t *Transcoder) Transcode(ctx context.Context, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ar", "16000", "-ac", "1",
		"-f", "wav", "pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg conversion failed: %w (%s)", err, stderr.String())
	}
	slog.Debug("Audio transcode done", "inBytes", len(data), "outBytes", out.Len(), "duration", time.Since(start))
	return out.Bytes(), nil
}
