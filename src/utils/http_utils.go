package utils

import (
	"encoding/json"
	"net/http"

	"github.com/username/stockfolio/src/logger"
)

// JSONErrorResponse defines the structure for JSON error messages.
type JSONErrorResponse struct {
	Error string `json:"error"`
}

// SendJSONError sends a JSON formatted error message with a given status code.
func SendJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(JSONErrorResponse{Error: message}); err != nil {
		logger.L.Error("Error encoding JSON error response", "error", err, "originalMessage", message)
	}
}

// WriteJSON sends any payload as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, payload interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L.Error("Error encoding JSON response", "error", err)
	}
}
