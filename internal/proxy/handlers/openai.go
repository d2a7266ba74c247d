package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pysugar/qwen-code-proxy/internal/config"
	"github.com/pysugar/qwen-code-proxy/internal/db/models"
	"github.com/pysugar/qwen-code-proxy/internal/logging"
	"github.com/pysugar/qwen-code-proxy/internal/proxy/monitor"
	"github.com/pysugar/qwen-code-proxy/internal/proxy/translator"
	"github.com/pysugar/qwen-code-proxy/internal/upstream/dashscope"
	"github.com/pysugar/qwen-code-proxy/internal/util"
)

// ChatBackend dispatches a chat completion upstream, repairing credentials
// as needed. Satisfied by *dashscope.Provider.
type ChatBackend interface {
	ChatCompletion(ctx context.Context, body []byte) (json.RawMessage, error)
	ChatCompletionStream(ctx context.Context, body []byte) (io.ReadCloser, error)
}

// ChatCompletionsHandler handles POST /v1/chat/completions.
func ChatCompletionsHandler(cfg *config.Config, backend ChatBackend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeOpenAIError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		if !gjson.ValidBytes(bodyBytes) {
			writeInvalidRequestError(w, "Request body is not valid JSON", "")
			return
		}
		log.Debugf("Request body: %s", util.TruncateBytes(bodyBytes))

		model := gjson.GetBytes(bodyBytes, "model").String()
		if model == "" {
			model = cfg.DefaultModel
			bodyBytes, err = sjson.SetBytes(bodyBytes, "model", model)
			if err != nil {
				writeOpenAIError(w, "Failed to prepare request body", http.StatusInternalServerError)
				return
			}
		}
		if !cfg.SupportsModel(model) {
			writeInvalidRequestError(w,
				fmt.Sprintf("Unsupported model: %s. Supported models: %s",
					model, strings.Join(cfg.SupportedModels, ", ")),
				"model")
			return
		}

		stream := gjson.GetBytes(bodyBytes, "stream").Bool()
		log.WithField("model", model).WithField("stream", stream).Info("chat completion request")

		if stream {
			handleChatStreaming(w, r, backend, bodyBytes, model)
		} else {
			handleChatNonStreaming(w, r, backend, bodyBytes)
		}
	}
}

func handleChatNonStreaming(w http.ResponseWriter, r *http.Request, backend ChatBackend, body []byte) {
	log := logging.FromContext(r.Context())

	result, err := backend.ChatCompletion(r.Context(), body)
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(result); err != nil {
		log.WithError(err).Warn("failed to write completion response")
	}
}

func handleChatStreaming(w http.ResponseWriter, r *http.Request, backend ChatBackend, body []byte, model string) {
	log := logging.FromContext(r.Context())

	src, err := backend.ChatCompletionStream(r.Context(), body)
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}
	defer src.Close()

	// Headers only once the upstream accepted the request; errors before
	// this point still go out as plain JSON.
	SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := translator.Stream(w, src, model); err != nil {
		log.WithError(err).Warn("stream ended with upstream read error")
	}
}

// writeDispatchError maps dispatcher failures onto the OpenAI wire format.
// Upstream rejections keep their original status and body; client
// disconnects are logged and dropped; everything else is a gateway error.
func writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context())

	var httpErr *dashscope.UpstreamHTTPError
	switch {
	case errors.As(err, &httpErr):
		log.WithField("status", httpErr.Status).Warn("upstream rejected request")
		if httpErr.RetryAfter > 0 {
			seconds := int((httpErr.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		if json.Valid([]byte(httpErr.Body)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(httpErr.Status)
			w.Write([]byte(httpErr.Body))
			return
		}
		writeOpenAIError(w, util.TruncateLog(httpErr.Body, util.DefaultLogMaxLen), httpErr.Status)
	case r.Context().Err() != nil:
		log.WithError(err).Info("request cancelled by client")
	default:
		log.WithError(err).Error("chat completion dispatch failed")
		writeOpenAIError(w, "Upstream error: "+err.Error(), http.StatusBadGateway)
	}
}

// ChatCompletionsHandlerWithMonitor wraps ChatCompletionsHandler with
// request logging into the proxy monitor.
func ChatCompletionsHandlerWithMonitor(cfg *config.Config, backend ChatBackend, pm *monitor.ProxyMonitor) http.HandlerFunc {
	baseHandler := ChatCompletionsHandler(cfg, backend)

	return func(w http.ResponseWriter, r *http.Request) {
		if !pm.IsEnabled() {
			baseHandler(w, r)
			return
		}

		startTime := time.Now()

		// Read and restore body for logging
		bodyBytes, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		model := gjson.GetBytes(bodyBytes, "model").String()
		stream := gjson.GetBytes(bodyBytes, "stream").Bool()

		rec := &responseRecorder{ResponseWriter: w, statusCode: 200}
		baseHandler(rec, r)

		var errorMsg string
		respBody := rec.body.String()
		if rec.statusCode >= 400 {
			if msg := gjson.Get(respBody, "error.message"); msg.Exists() {
				errorMsg = msg.String()
			} else if len(respBody) < 500 {
				errorMsg = respBody
			}
		}

		pm.LogRequest(models.RequestLog{
			Method:       r.Method,
			Path:         r.URL.Path,
			Status:       rec.statusCode,
			Duration:     time.Since(startTime).Milliseconds(),
			Model:        model,
			Stream:       stream,
			Error:        errorMsg,
			RequestBody:  string(bodyBytes),
			ResponseBody: respBody,
		})
	}
}
