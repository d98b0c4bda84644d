// Package telemetry parses subtitle-encoded GPS tracks from drone footage.
//
// Recorder firmwares disagree on how coordinates are written into the SRT
// cue text, so the parser tries a few known shapes in order: a GPS(...)
// triple, labeled latitude/longitude fields, and finally any bare pair of
// decimal numbers. Cues without a recognizable pair are skipped and
// counted; the run degrades to partial coverage instead of aborting.
package telemetry

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fieldscan/fieldscan/internal/models"
)

// OrderError reports a cue whose start time runs backwards. Correlation
// assumes a monotonic track, so this aborts the run.
type OrderError struct {
	Cue  int
	Prev time.Duration
	Got  time.Duration
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("telemetry cue %d out of order: %v after %v", e.Cue, e.Got, e.Prev)
}

var (
	cueTimeRe = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})[,.](\d{1,3})\s*-->`)
	gpsFnRe   = regexp.MustCompile(`GPS\s*\(\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)(?:\s*,\s*(-?\d+(?:\.\d+)?))?\s*\)`)
	latRe     = regexp.MustCompile(`(?i)lat(?:itude)?\s*[:=]\s*(-?\d+(?:\.\d+)?)`)
	lonRe     = regexp.MustCompile(`(?i)lon(?:gitude)?\s*[:=]\s*(-?\d+(?:\.\d+)?)`)
	altRe     = regexp.MustCompile(`(?i)(?:rel_alt|abs_alt|alt(?:itude)?)\s*[:=]\s*(-?\d+(?:\.\d+)?)`)
	floatRe   = regexp.MustCompile(`-?\d+\.\d+`)
)

// ParseFile reads and parses the SRT file at path.
func ParseFile(path string) (*Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse scans SRT cues from r and returns the ordered track. The cue start
// offset becomes the fix timestamp; cue end times and index lines are
// ignored. Returns an *OrderError if fix timestamps go backwards.
func Parse(r io.Reader) (*Track, error) {
	track := &Track{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	cue := 0
	inCue := false
	var cueStart time.Duration
	var text strings.Builder

	flush := func() error {
		if !inCue {
			return nil
		}
		inCue = false
		defer text.Reset()
		lat, lon, alt, ok := extractCoordinates(text.String())
		if !ok {
			track.skipped++
			log.Printf("Telemetry: cue %d has no coordinate pair, skipping", cue)
			return nil
		}
		if n := len(track.fixes); n > 0 && cueStart < track.fixes[n-1].Timestamp {
			return &OrderError{Cue: cue, Prev: track.fixes[n-1].Timestamp, Got: cueStart}
		}
		track.fixes = append(track.fixes, models.TelemetryFix{
			Timestamp: cueStart,
			Latitude:  lat,
			Longitude: lon,
			Altitude:  alt,
		})
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\uFEFF"))
		if m := cueTimeRe.FindStringSubmatch(line); m != nil {
			if err := flush(); err != nil {
				return nil, err
			}
			cue++
			inCue = true
			cueStart = cueOffset(m)
			continue
		}
		if line == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if inCue {
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read telemetry: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(track.fixes) == 0 {
		log.Printf("Telemetry: no usable fixes in %d cues, run will have no locations", cue)
	}
	return track, nil
}

func cueOffset(m []string) time.Duration {
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	s, _ := strconv.Atoi(m[3])
	ms, _ := strconv.Atoi(m[4])
	return time.Duration(h)*time.Hour +
		time.Duration(min)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(ms)*time.Millisecond
}

// extractCoordinates scans one cue's text for a coordinate pair. Patterns
// are tried most-specific first so labeled fields are never misread as a
// bare number pair.
func extractCoordinates(text string) (lat, lon float64, alt *float64, ok bool) {
	if m := gpsFnRe.FindStringSubmatch(text); m != nil {
		lat, _ = strconv.ParseFloat(m[1], 64)
		lon, _ = strconv.ParseFloat(m[2], 64)
		if m[3] != "" {
			a, _ := strconv.ParseFloat(m[3], 64)
			alt = &a
		}
		return lat, lon, alt, true
	}

	latM := latRe.FindStringSubmatch(text)
	lonM := lonRe.FindStringSubmatch(text)
	if latM != nil && lonM != nil {
		lat, _ = strconv.ParseFloat(latM[1], 64)
		lon, _ = strconv.ParseFloat(lonM[1], 64)
		if altM := altRe.FindStringSubmatch(text); altM != nil {
			a, _ := strconv.ParseFloat(altM[1], 64)
			alt = &a
		}
		return lat, lon, alt, true
	}

	if nums := floatRe.FindAllString(text, 2); len(nums) >= 2 {
		lat, _ = strconv.ParseFloat(nums[0], 64)
		lon, _ = strconv.ParseFloat(nums[1], 64)
		return lat, lon, nil, true
	}

	return 0, 0, nil, false
}
