package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fieldscan/fieldscan/internal/auth"
	"github.com/fieldscan/fieldscan/internal/httputil"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		httputil.WriteError(w, http.StatusBadRequest, "MISSING_FIELDS", "username and password are required")
		return
	}

	user, err := s.users.GetByUsername(req.Username)
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		httputil.WriteError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")
		return
	}

	token, err := auth.GenerateToken()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "INTERNAL", "could not create session")
		return
	}
	exp := time.Now().Add(s.sessionTTL).Unix()
	if _, err := s.db.Exec(
		"INSERT INTO sessions (token, user_id, is_admin, expires_at, created_at) VALUES ($1, $2, $3, $4, $5)",
		token, user.ID.String(), user.IsAdmin, exp, time.Now().UTC(),
	); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "INTERNAL", "could not create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.sessionTTL.Seconds()),
	})

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  user.ID,
		"username": user.Username,
		"is_admin": user.IsAdmin,
		"token":    token,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := auth.ExtractToken(r); token != "" {
		s.db.Exec("DELETE FROM sessions WHERE token = $1", token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ctxUser := auth.UserFromContext(r.Context())
	if ctxUser == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	id, err := uuid.Parse(ctxUser.UserID)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid session user")
		return
	}
	user, err := s.users.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}
