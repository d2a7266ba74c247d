package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pysugar/qwen-code-proxy/internal/config"
)

// ModelsListHandler handles GET /v1/models.
// Returns the configured model list in the OpenAI list shape.
func ModelsListHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		created := time.Now().Unix()
		data := make([]map[string]interface{}, 0, len(cfg.SupportedModels))
		for _, id := range cfg.SupportedModels {
			data = append(data, map[string]interface{}{
				"id":       id,
				"object":   "model",
				"created":  created,
				"owned_by": "qwen",
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}
