// Package sampler walks a video at a fixed cadence and yields one JPEG
// frame per interval, decoded through the ffmpeg binary.
package sampler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"time"

	"github.com/fieldscan/fieldscan/internal/models"
)

// maxConsecutiveFailures is the point at which decode errors stop looking
// like transient noise and start looking like a corrupt file.
const maxConsecutiveFailures = 3

// VideoDecodeError means the video is treated as corrupt or unsupported
// after repeated consecutive frame failures. Fatal to the run.
type VideoDecodeError struct {
	Path  string
	Index int
	Err   error
}

func (e *VideoDecodeError) Error() string {
	return fmt.Sprintf("video decode failed %d times in a row at frame %d (%s): %v",
		maxConsecutiveFailures, e.Index, e.Path, e.Err)
}

func (e *VideoDecodeError) Unwrap() error { return e.Err }

// FrameGapError is an isolated decode failure. The frame is lost but the
// scan continues; callers count the gap and move on.
type FrameGapError struct {
	Index int
	Err   error
}

func (e *FrameGapError) Error() string {
	return fmt.Sprintf("frame %d could not be decoded: %v", e.Index, e.Err)
}

func (e *FrameGapError) Unwrap() error { return e.Err }

// Sampler is a lazy, finite, non-restartable frame sequence. Frames come
// out at index*interval offsets; the caller owns each returned buffer.
type Sampler struct {
	ffmpegPath string
	videoPath  string
	interval   time.Duration
	total      int
	next       int
	failures   int
}

// New probes the video and prepares a sampler over it. The total frame
// count is floor(duration/interval), which callers use for determinate
// progress reporting.
func New(ffmpegPath, ffprobePath, videoPath string, interval time.Duration) (*Sampler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sampling interval must be positive, got %v", interval)
	}
	probe, err := NewProber(ffprobePath).Probe(videoPath)
	if err != nil {
		return nil, fmt.Errorf("probe video: %w", err)
	}
	if !probe.HasVideo() {
		return nil, fmt.Errorf("no video stream in %s", videoPath)
	}
	duration := probe.DurationSeconds()
	if duration <= 0 {
		return nil, fmt.Errorf("video %s has no duration", videoPath)
	}
	total := int(duration / interval.Seconds())
	log.Printf("Sampler: %s is %.2fs, sampling every %v yields %d frames", videoPath, duration, interval, total)
	return &Sampler{
		ffmpegPath: ffmpegPath,
		videoPath:  videoPath,
		interval:   interval,
		total:      total,
	}, nil
}

func (s *Sampler) Total() int { return s.total }

// Next returns the next sampled frame. It returns io.EOF once the sequence
// is exhausted, a *FrameGapError for an isolated decode failure, and a
// *VideoDecodeError once failures run consecutive past the threshold. The
// sequence always advances; a gap consumes its index.
func (s *Sampler) Next(ctx context.Context) (*models.SampledFrame, error) {
	if s.next >= s.total {
		return nil, io.EOF
	}
	index := s.next
	s.next++
	ts := time.Duration(index) * s.interval

	jpeg, err := s.extract(ctx, ts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.failures++
		if s.failures >= maxConsecutiveFailures {
			return nil, &VideoDecodeError{Path: s.videoPath, Index: index, Err: err}
		}
		return nil, &FrameGapError{Index: index, Err: err}
	}
	s.failures = 0

	return &models.SampledFrame{Index: index, Timestamp: ts, JPEG: jpeg}, nil
}

func (s *Sampler) extract(ctx context.Context, ts time.Duration) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.ffmpegPath,
		"-v", "error",
		"-ss", strconv.FormatFloat(ts.Seconds(), 'f', 3, 64),
		"-i", s.videoPath,
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"pipe:1",
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w", err)
	}
	if len(output) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame at %v", ts)
	}
	return output, nil
}
