package watcher

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// OnPairReady is called when a video and its telemetry sidecar are both
// present in the inbox.
type OnPairReady func(videoPath, telemetryPath string)

// Watcher monitors the inbox folder for dropped flight recordings. A scan
// is triggered once a video file and a matching .srt with the same base
// name have both appeared. Files already in the inbox at startup are left
// alone; only new arrivals trigger.
type Watcher struct {
	inbox    string
	callback OnPairReady
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	debounce map[string]*time.Timer
	settle   time.Duration
	stop     chan struct{}
}

// New creates an inbox watcher.
func New(inbox string, cb OnPairReady) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		inbox:    inbox,
		callback: cb,
		watcher:  fw,
		debounce: make(map[string]*time.Timer),
		settle:   2 * time.Second,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins watching the inbox and processes events.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.inbox, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.inbox); err != nil {
		return err
	}
	go w.eventLoop()
	log.Printf("[watcher] inbox watcher started on %s", w.inbox)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[watcher] error: %v", err)
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Skip hidden files and temp files
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") ||
		strings.HasSuffix(base, ".part") {
		return
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	ext := strings.ToLower(filepath.Ext(event.Name))
	if !isVideoExtension(ext) && ext != ".srt" {
		return
	}

	// Debounce so a file still being copied settles before we look for
	// its partner.
	w.mu.Lock()
	if timer, ok := w.debounce[event.Name]; ok {
		timer.Stop()
	}
	eventName := event.Name
	w.debounce[eventName] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.debounce, eventName)
		w.mu.Unlock()
		w.tryDispatch(eventName)
	})
	w.mu.Unlock()
}

// tryDispatch fires the callback if the named file now has its partner.
// The video event and the srt event both land here, so whichever file
// arrives second completes the pair.
func (w *Watcher) tryDispatch(path string) {
	ext := strings.ToLower(filepath.Ext(path))
	stem := strings.TrimSuffix(path, filepath.Ext(path))

	var video, srt string
	if ext == ".srt" {
		srt = path
		video = w.findVideoFor(stem)
		if video == "" {
			return
		}
	} else {
		video = path
		srt = w.findTelemetryFor(stem)
		if srt == "" {
			return
		}
	}

	if !exists(video) || !exists(srt) {
		return
	}

	log.Printf("[watcher] pair ready: %s + %s", filepath.Base(video), filepath.Base(srt))
	w.callback(video, srt)
}

func (w *Watcher) findTelemetryFor(stem string) string {
	for _, candidate := range []string{stem + ".srt", stem + ".SRT"} {
		if exists(candidate) {
			return candidate
		}
	}
	return ""
}

func (w *Watcher) findVideoFor(stem string) string {
	for ext := range videoExtensions {
		if candidate := stem + ext; exists(candidate) {
			return candidate
		}
	}
	return ""
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".ts": true, ".m2ts": true, ".mpg": true, ".mpeg": true,
}

func isVideoExtension(ext string) bool {
	return videoExtensions[ext]
}
