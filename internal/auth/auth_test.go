package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldscan/fieldscan/internal/db"
	"github.com/fieldscan/fieldscan/internal/httputil"
)

func TestPasswordHashing(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, CheckPassword(hash, "correct horse battery staple"))
	assert.False(t, CheckPassword(hash, "wrong"))
}

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestIsTokenExpired(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTokenExpired(time.Now().Add(-time.Minute).Unix()))
	assert.False(t, IsTokenExpired(time.Now().Add(time.Minute).Unix()))
}

// ──────────────────── middleware ────────────────────

type sessionFixture struct {
	mw      *Middleware
	db      *db.DB
	userID  uuid.UUID
	adminID uuid.UUID
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	database, err := db.Connect(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, "../../migrations"))

	f := &sessionFixture{
		mw:      NewMiddleware(database.DB),
		db:      database,
		userID:  uuid.New(),
		adminID: uuid.New(),
	}
	now := time.Now().UTC()
	for _, u := range []struct {
		id      uuid.UUID
		name    string
		isAdmin bool
	}{
		{f.userID, "viewer", false},
		{f.adminID, "admin", true},
	} {
		_, err := database.Exec(
			"INSERT INTO users (id, username, password_hash, is_admin, created_at) VALUES ($1, $2, $3, $4, $5)",
			u.id.String(), u.name, "x", u.isAdmin, now)
		require.NoError(t, err)
	}
	return f
}

func (f *sessionFixture) addSession(t *testing.T, userID uuid.UUID, isAdmin bool, exp int64) string {
	t.Helper()
	token, err := GenerateToken()
	require.NoError(t, err)
	_, err = f.db.Exec(
		"INSERT INTO sessions (token, user_id, is_admin, expires_at, created_at) VALUES ($1, $2, $3, $4, $5)",
		token, userID.String(), isAdmin, exp, time.Now().UTC())
	require.NoError(t, err)
	return token
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp httputil.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)

	var gotUser *ContextUserData
	handler := f.mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("no token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
	})

	t.Run("unknown token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer deadbeef")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token", func(t *testing.T) {
		token := f.addSession(t, f.userID, false, time.Now().Add(time.Hour).Unix())
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotUser)
		assert.Equal(t, f.userID.String(), gotUser.UserID)
		assert.False(t, gotUser.IsAdmin)
	})

	t.Run("cookie token", func(t *testing.T) {
		token := f.addSession(t, f.userID, false, time.Now().Add(time.Hour).Unix())
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "session", Value: token})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("query token for websocket clients", func(t *testing.T) {
		token := f.addSession(t, f.userID, false, time.Now().Add(time.Hour).Unix())
		req := httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("expired session deleted", func(t *testing.T) {
		token := f.addSession(t, f.userID, false, time.Now().Add(-time.Hour).Unix())
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "SESSION_EXPIRED", errorCode(t, rec))

		var n int
		require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE token = $1", token).Scan(&n))
		assert.Zero(t, n)
	})
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)

	handler := f.mw.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("non-admin forbidden", func(t *testing.T) {
		token := f.addSession(t, f.userID, false, time.Now().Add(time.Hour).Unix())
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "FORBIDDEN", errorCode(t, rec))
	})

	t.Run("admin allowed", func(t *testing.T) {
		token := f.addSession(t, f.adminID, true, time.Now().Add(time.Hour).Unix())
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
