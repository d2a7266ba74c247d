package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
)

// SetSSEHeaders sets standard headers for Server-Sent Events streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeOpenAIError writes an OpenAI-style error envelope.
func writeOpenAIError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    status,
		},
	})
}

// writeInvalidRequestError writes a 400 with the offending request parameter.
// param may be empty when the error is not tied to a single field.
func writeInvalidRequestError(w http.ResponseWriter, message, param string) {
	errObj := map[string]interface{}{
		"message": message,
		"type":    "invalid_request_error",
	}
	if param != "" {
		errObj["param"] = param
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": errObj})
}

// recorderCaptureLimit bounds how much response body the recorder keeps.
const recorderCaptureLimit = 512 * 1024

// responseRecorder captures status and body so the monitor wrapper can log them.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       strings.Builder
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.body.Len() < recorderCaptureLimit {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
