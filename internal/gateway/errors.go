package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Client-visible error kinds.
const (
	ErrTypeAuthentication = "authentication_error"
	ErrTypeRouting        = "routing_error"
	ErrTypeUpstream       = "upstream_error"
	ErrTypeBadRequest     = "bad_request"
	ErrTypeInternal       = "internal_error"
)

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorDocument struct {
	Type  string    `json:"type"`
	Error errorBody `json:"error"`
}

// errorJSON renders the Anthropic-shaped error document.
func errorJSON(errType, message string) []byte {
	data, _ := json.Marshal(errorDocument{
		Type:  "error",
		Error: errorBody{Type: errType, Message: message},
	})
	return data
}

// writeErrorJSON sends a structured error as a plain JSON response.
func writeErrorJSON(w http.ResponseWriter, status int, errType, message string) []byte {
	body := errorJSON(errType, message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
	return body
}

// writeErrorSSE sends a structured error as a single SSE error event, for
// requests that asked for a streaming response.
func writeErrorSSE(w http.ResponseWriter, errType, message string) []byte {
	body := []byte(fmt.Sprintf("event: error\ndata: %s\n\n", errorJSON(errType, message)))
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return body
}

// upstreamErrorMessage embeds the upstream status and body in the message so
// operators can see the raw upstream failure in the record.
func upstreamErrorMessage(platform string, status int, body string) string {
	return fmt.Sprintf("upstream %s returned status %d: %s", platform, status, body)
}
