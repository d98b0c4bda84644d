package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldscan/fieldscan/internal/auth"
	"github.com/fieldscan/fieldscan/internal/config"
	"github.com/fieldscan/fieldscan/internal/db"
	"github.com/fieldscan/fieldscan/internal/detector"
	"github.com/fieldscan/fieldscan/internal/export"
	"github.com/fieldscan/fieldscan/internal/httputil"
	"github.com/fieldscan/fieldscan/internal/models"
	"github.com/fieldscan/fieldscan/internal/pipeline"
	"github.com/fieldscan/fieldscan/internal/repository"
	"github.com/fieldscan/fieldscan/internal/results"
	"github.com/fieldscan/fieldscan/internal/version"
)

// ──────────────────── test doubles ────────────────────

type stubSource struct {
	total    int
	interval time.Duration
	jpeg     []byte
	next     int
}

func (s *stubSource) Total() int { return s.total }

func (s *stubSource) Next(ctx context.Context) (*models.SampledFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= s.total {
		return nil, io.EOF
	}
	idx := s.next
	s.next++
	return &models.SampledFrame{
		Index:     idx,
		Timestamp: time.Duration(idx) * s.interval,
		JPEG:      s.jpeg,
	}, nil
}

type stubBackend struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func(call int) ([]detector.RawFinding, error)
	calls int
}

func (b *stubBackend) Detect(ctx context.Context, req detector.Request) ([]detector.RawFinding, error) {
	b.mu.Lock()
	call := b.calls
	b.calls++
	b.mu.Unlock()
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.fn == nil {
		return nil, nil
	}
	return b.fn(call)
}

// ──────────────────── fixture ────────────────────

type testServer struct {
	handler http.Handler
	srv     *Server
	orch    *pipeline.Orchestrator
	backend *stubBackend
	outDir  string
	frames  int
}

func tinyJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func writeSRT(t *testing.T, fixes int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < fixes; i++ {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "00:00:%02d,000 --> 00:00:%02d,500\n", i, i)
		fmt.Fprintf(&b, "GPS(%.6f, %.6f, %.1f)\n\n", 47.500000+float64(i)*0.001, -122.350000, 100.0)
	}
	path := filepath.Join(t.TempDir(), "flight.srt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func newTestServer(t *testing.T, frames int, backend *stubBackend) *testServer {
	t.Helper()
	database, err := db.Connect(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, "../../migrations"))

	users := repository.NewUserRepository(database.DB)
	for _, u := range []struct {
		name    string
		pass    string
		isAdmin bool
	}{
		{"admin", "swordfish", true},
		{"viewer", "password1", false},
	} {
		hash, err := auth.HashPassword(u.pass)
		require.NoError(t, err)
		require.NoError(t, users.Create(&models.User{
			ID:           uuid.New(),
			Username:     u.name,
			PasswordHash: hash,
			IsAdmin:      u.isAdmin,
		}))
	}

	outDir := t.TempDir()
	cfg := &config.Config{
		OutputRoot:          outDir,
		SessionTTL:          time.Hour,
		DetectorBackend:     "stub",
		SamplingInterval:    1.0,
		ConfidenceThreshold: 0.85,
		MaxTimeSkew:         2.0,
	}

	ts := &testServer{backend: backend, outDir: outDir, frames: frames}
	jpegBytes := tinyJPEG(t)
	factory := func(videoPath string, interval time.Duration) (pipeline.FrameSource, error) {
		return &stubSource{total: ts.frames, interval: interval, jpeg: jpegBytes}, nil
	}

	hub := NewWSHub()
	orch := pipeline.New(
		repository.NewRunRepository(database.DB),
		repository.NewDetectionRepository(database.DB),
		results.NewStore(),
		pipeline.Layout{Root: outDir},
		factory,
		map[string]pipeline.Detector{"stub": backend},
		hub,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	srv := NewServer(cfg, database, orch, hub, version.Info{Version: "1.2.3"})
	ts.srv = srv
	ts.orch = orch
	ts.handler = srv.Handler()
	return ts
}

type envelope struct {
	Status string              `json:"status"`
	Data   json.RawMessage     `json:"data"`
	Error  *httputil.ErrorBody `json:"error"`
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func (ts *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var data struct {
		Token string `json:"token"`
	}
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.Token)
	return data.Token
}

func (ts *testServer) startScan(t *testing.T, token, srtPath string) models.Run {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/scans", token, map[string]interface{}{
		"video_path":     "/video/flight.mp4",
		"telemetry_path": srtPath,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var run models.Run
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &run))
	return run
}

func (ts *testServer) waitTerminal(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := ts.orch.State()
		return s == models.RunStateCompleted || s == models.RunStateAborted
	}, 5*time.Second, 5*time.Millisecond)
}

// ──────────────────── tests ────────────────────

func TestPublicEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, 2, &stubBackend{})

	t.Run("health", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/health", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "idle")
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})

	t.Run("version", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/version", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "1.2.3")
	})

	t.Run("scans require auth", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/scans", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAuthFlow(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, 2, &stubBackend{})

	t.Run("wrong password rejected", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "admin",
			"password": "nope",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "INVALID_CREDENTIALS", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("login logout cycle", func(t *testing.T) {
		token := ts.login(t, "admin", "swordfish")

		rec := ts.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var user models.User
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &user))
		assert.Equal(t, "admin", user.Username)
		assert.True(t, user.IsAdmin)

		rec = ts.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestLoginRateLimited(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, 2, &stubBackend{})

	// Burst of 5, then throttled. All from httptest's fixed client IP.
	for i := 0; i < 5; i++ {
		rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "admin", "password": "nope",
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin", "password": "nope",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeEnvelope(t, rec).Error.Code)
}

func TestStartScanValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, 2, &stubBackend{})
	token := ts.login(t, "admin", "swordfish")

	t.Run("missing video path", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/scans", token, map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "MISSING_FIELDS", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("unknown category", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/scans", token, map[string]interface{}{
			"video_path": "/video/flight.mp4",
			"categories": []string{"dragons"},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", decodeEnvelope(t, rec).Error.Code)
	})
}

func TestScanLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	backend := &stubBackend{delay: 10 * time.Millisecond}
	ts := newTestServer(t, 500, backend)
	token := ts.login(t, "admin", "swordfish")
	srt := writeSRT(t, 5)

	run := ts.startScan(t, token, srt)
	assert.Equal(t, models.RunStateRunning, run.State)

	// A second start while one is running is refused, not queued.
	rec := ts.do(t, http.MethodPost, "/api/v1/scans", token, map[string]string{
		"video_path": "/video/other.mp4", "telemetry_path": srt,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", decodeEnvelope(t, rec).Error.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/scans/active", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/scans/active/cancel", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ts.waitTerminal(t)

	// Cancel with nothing running is a state error too.
	rec = ts.do(t, http.MethodPost, "/api/v1/scans/active/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/scans/"+run.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Run
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &got))
	assert.Equal(t, models.RunStateAborted, got.State)
	assert.Equal(t, "scan canceled", got.Error)
}

func TestDetectionsAndExports(t *testing.T) {
	t.Parallel()
	backend := &stubBackend{fn: func(call int) ([]detector.RawFinding, error) {
		if call == 1 {
			return []detector.RawFinding{{
				Category:   "weed",
				Confidence: 0.93,
				Box:        []interface{}{5.0, 5.0, 55.0, 45.0},
			}}, nil
		}
		return nil, nil
	}}
	ts := newTestServer(t, 3, backend)
	token := ts.login(t, "admin", "swordfish")
	srt := writeSRT(t, 3)

	run := ts.startScan(t, token, srt)
	ts.waitTerminal(t)
	require.Equal(t, models.RunStateCompleted, ts.orch.State())

	base := "/api/v1/scans/" + run.ID.String()

	t.Run("detections snapshot", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, base+"/detections", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var dets []models.Detection
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &dets))
		require.Len(t, dets, 1)
		assert.Equal(t, models.CategoryWeed, dets[0].Category)
		assert.Equal(t, 1, dets[0].FrameIndex)
		require.NotNil(t, dets[0].Location)
	})

	t.Run("csv export", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, base+"/export.csv", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

		parsed, err := export.ParseCSV(rec.Body)
		require.NoError(t, err)
		require.Len(t, parsed, 1)
		assert.Equal(t, models.CategoryWeed, parsed[0].Category)
	})

	t.Run("geojson export", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, base+"/export.geojson", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

		var fc export.FeatureCollection
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
		assert.Equal(t, "FeatureCollection", fc.Type)
		// One detection point plus the flight path line.
		require.Len(t, fc.Features, 2)
	})

	t.Run("unknown run is 404", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/scans/"+uuid.NewString()+"/detections", token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestActiveScanCounters(t *testing.T) {
	t.Parallel()
	backend := &stubBackend{fn: func(call int) ([]detector.RawFinding, error) {
		return nil, &detector.UnavailableError{Backend: "stub", Err: fmt.Errorf("down")}
	}}
	ts := newTestServer(t, 2, backend)
	token := ts.login(t, "admin", "swordfish")

	ts.startScan(t, token, writeSRT(t, 2))
	ts.waitTerminal(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/scans/active", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		Run      models.Run       `json:"run"`
		Counters results.Counters `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &data))
	assert.Equal(t, models.RunStateCompleted, data.Run.State)
	assert.Equal(t, 2, data.Counters.Undetermined)
}

func TestSettingsEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, 2, &stubBackend{})
	admin := ts.login(t, "admin", "swordfish")
	viewer := ts.login(t, "viewer", "password1")

	t.Run("update requires admin", func(t *testing.T) {
		rec := ts.do(t, http.MethodPut, "/api/v1/settings", viewer, map[string]string{
			"confidence_threshold": "0.5",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("invalid value rejected", func(t *testing.T) {
		rec := ts.do(t, http.MethodPut, "/api/v1/settings", admin, map[string]string{
			"confidence_threshold": "1.5",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_SETTING", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		rec := ts.do(t, http.MethodPut, "/api/v1/settings", admin, map[string]string{
			"warp_factor": "9",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stored value becomes effective", func(t *testing.T) {
		rec := ts.do(t, http.MethodPut, "/api/v1/settings", admin, map[string]string{
			"confidence_threshold": "0.5",
			"keep_all_frames":      "true",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/settings", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var data struct {
			Stored    map[string]string `json:"stored"`
			Effective models.RunConfig  `json:"effective"`
		}
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &data))
		assert.Equal(t, "0.5", data.Stored["confidence_threshold"])
		assert.InDelta(t, 0.5, data.Effective.ConfidenceThreshold, 1e-9)
		assert.True(t, data.Effective.KeepAllFrames)
	})
}

func TestResetEndpoint(t *testing.T) {
	t.Parallel()
	backend := &stubBackend{fn: func(call int) ([]detector.RawFinding, error) {
		return []detector.RawFinding{{Category: "animal", Confidence: 0.9}}, nil
	}}
	ts := newTestServer(t, 2, backend)
	admin := ts.login(t, "admin", "swordfish")

	run := ts.startScan(t, admin, writeSRT(t, 2))
	ts.waitTerminal(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/reset", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/scans", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []models.Run
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &runs))
	assert.Empty(t, runs)

	rec = ts.do(t, http.MethodGet, "/api/v1/scans/"+run.ID.String(), admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	entries, err := os.ReadDir(ts.outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWSHubBroadcastAndReplay(t *testing.T) {
	t.Parallel()
	hub := NewWSHub()

	client := &WSClient{send: make(chan []byte, 8)}
	hub.addClient(client)

	hub.Broadcast("scan:start", map[string]int{"frames_total": 10})
	msg := <-client.send
	assert.Contains(t, string(msg), "scan:start")

	// A client connecting mid-run gets the current state replayed.
	late := &WSClient{send: make(chan []byte, 8)}
	hub.addClient(late)
	hub.replayActiveScan(late)
	replay := <-late.send
	assert.Contains(t, string(replay), "scan:start")

	// After the run finishes there is nothing to replay.
	hub.Broadcast("scan:complete", nil)
	<-client.send
	<-late.send
	post := &WSClient{send: make(chan []byte, 8)}
	hub.addClient(post)
	hub.replayActiveScan(post)
	assert.Empty(t, post.send)

	hub.removeClient(client)
	hub.removeClient(late)
	hub.removeClient(post)
	assert.Zero(t, hub.ClientCount())
}
