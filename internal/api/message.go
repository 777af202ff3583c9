package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// MetaMessage types.
const (
	MetaTypeInfo    = "info"
	MetaTypeWarning = "warning"
	MetaTypeError   = "error"
)

// MetaMessage slugs.
const (
	SlugServiceAlreadyStarted = "service-already-started"
	SlugServiceStartFailed    = "service-start-failed"
	SlugServiceStopFailed     = "service-stop-failed"
	SlugServiceNotStarted     = "service-not-started"
	SlugServiceNotInitialized = "service-not-initialized"
	SlugServiceReady          = "service-ready"
	SlugServiceNotReady       = "service-not-ready"
	SlugServiceSetParamFailed = "service-set-param-failed"
	SlugJSONDecodeFailed      = "json-decode-failed"
	SlugTypeError             = "type-error"
)

// MetaMessage is the envelope for every non-data response.
type MetaMessage struct {
	Type    string `json:"type"`
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

func info(slug, title string) MetaMessage {
	return MetaMessage{Type: MetaTypeInfo, Slug: slug, Title: title}
}

func failure(slug, title, msg string) MetaMessage {
	return MetaMessage{Type: MetaTypeError, Slug: slug, Title: title, Message: msg}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to write api response", "error", err)
	}
}
