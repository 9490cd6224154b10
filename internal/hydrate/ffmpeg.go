package hydrate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/ogg"
)

// preSkipBytes is the decoder-trimmed lead-in the container's offsets still
// count; Decode reinstates it so frame offsets index the buffer directly.
const preSkipBytes = ogg.PreSkip * ogg.Channels * 2

// FFmpeg implements Codec via the ffmpeg binary. Implements Codec.
type FFmpeg struct {
	Path string
}

func NewFFmpeg(path string) (*FFmpeg, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not available at %q: %w", path, err)
	}
	return &FFmpeg{Path: resolved}, nil
}

func (f *FFmpeg) Decode(ctx context.Context, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.Path,
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-f", "s16le", "-ar", "48000", "-ac", "2",
		"pipe:1")
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decode: %w: %s", err, strings.TrimSpace(errBuf.String()))
	}

	pcm := make([]byte, preSkipBytes+out.Len())
	copy(pcm[preSkipBytes:], out.Bytes())
	return pcm, nil
}

func (f *FFmpeg) Encode(ctx context.Context, pcm []byte, outPath string) error {
	cmd := exec.CommandContext(ctx, f.Path,
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "s16le", "-ar", "48000", "-ac", "2",
		"-i", "pipe:0",
		"-c:a", "libopus",
		outPath)
	cmd.Stdin = bytes.NewReader(pcm)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("encode: %w: %s", err, strings.TrimSpace(errBuf.String()))
	}
	return nil
}

// Mix combines the inputs with amix and loudness normalization.
func (f *FFmpeg) Mix(ctx context.Context, inputs []string, outPath string) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	filter := fmt.Sprintf("amix=inputs=%s:duration=longest,loudnorm", strconv.Itoa(len(inputs)))
	args = append(args,
		"-filter_complex", filter,
		"-c:a", "libopus",
		outPath)

	cmd := exec.CommandContext(ctx, f.Path, args...)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mix: %w: %s", err, strings.TrimSpace(errBuf.String()))
	}
	log.Info().Int("inputs", len(inputs)).Str("path", outPath).Msg("Wrote session mixdown")
	return nil
}
