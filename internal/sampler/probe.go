package sampler

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

type Prober struct{ Path string }

type ProbeResult struct {
	Format  FormatInfo   `json:"format"`
	Streams []StreamInfo `json:"streams"`
}

type FormatInfo struct {
	Filename string `json:"filename"`
	Duration string `json:"duration"`
	Size     string `json:"size"`
}

type StreamInfo struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func NewProber(path string) *Prober { return &Prober{Path: path} }

func (p *Prober) Probe(filePath string) (*ProbeResult, error) {
	cmd := exec.Command(p.Path, "-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", filePath)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &result, nil
}

func (r *ProbeResult) DurationSeconds() float64 {
	duration, _ := strconv.ParseFloat(r.Format.Duration, 64)
	return duration
}

func (r *ProbeResult) HasVideo() bool {
	for _, s := range r.Streams {
		if s.CodecType == "video" {
			return true
		}
	}
	return false
}

func (r *ProbeResult) Resolution() (int, int) {
	for _, s := range r.Streams {
		if s.CodecType == "video" {
			return s.Width, s.Height
		}
	}
	return 0, 0
}
