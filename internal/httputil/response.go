// Package httputil defines the JSON envelope every API response uses and
// small helpers for reading request bodies and serving downloads.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes caps request bodies; scan requests are tiny JSON documents.
const maxBodyBytes = 1 << 20

type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Status: "ok",
		Data:   data,
	})
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Status: "error",
		Error: &ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}

func ReadJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

// WriteAttachmentHeaders marks the response as a named download. The
// caller streams the body afterwards.
func WriteAttachmentHeaders(w http.ResponseWriter, filename, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
}
